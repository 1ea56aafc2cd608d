package registry

import (
	"sync"
	"sync/atomic"
)

// versionGate serializes snapshots against mutation for one tenant.
// Mutators share the gate; a save or load holds it exclusively, so mutators
// block until the snapshot is complete. Readers never touch the gate.
type versionGate struct {
	mu      sync.RWMutex
	version atomic.Uint64
}

// mutate runs fn as a mutator and advances the version when fn succeeds.
func (g *versionGate) mutate(fn func() error) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := fn(); err != nil {
		return err
	}
	g.version.Add(1)
	return nil
}

// quiesce runs fn with no mutator in flight.
func (g *versionGate) quiesce(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
}

// current returns the version counter.
func (g *versionGate) current() uint64 {
	return g.version.Load()
}

// advanceTo moves the counter to v, or one past the current value when v
// would not move it forward. The counter never goes backwards.
func (g *versionGate) advanceTo(v uint64) {
	for {
		cur := g.version.Load()
		next := v
		if next <= cur {
			next = cur + 1
		}
		if g.version.CompareAndSwap(cur, next) {
			return
		}
	}
}
