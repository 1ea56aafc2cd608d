package registry

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// entityRecord owns one entity. mu guards every field of e except ID and
// Location, which never change after insertion. Link endpoints are written
// only while holding both mu and the index write lock.
type entityRecord struct {
	mu sync.Mutex
	e  *models.Entity
}

// EntityIndex maps locations and UUIDs to entities. Both maps, the insertion
// order and the link reference counts change together under one lock.
type EntityIndex struct {
	mu         sync.RWMutex
	byLocation map[string]*entityRecord
	byID       map[uuid.UUID]*entityRecord
	order      []*entityRecord
	// inbound counts the links that name an entity as source or target.
	inbound map[uuid.UUID]int
}

func newEntityIndex() *EntityIndex {
	return &EntityIndex{
		byLocation: make(map[string]*entityRecord),
		byID:       make(map[uuid.UUID]*entityRecord),
		inbound:    make(map[uuid.UUID]int),
	}
}

// insert adds a new entity. It fails with ErrEntityConflict when the location
// or UUID is taken, and with ErrReferenceNotFound when a link endpoint is absent.
func (ix *EntityIndex) insert(e *models.Entity) (*entityRecord, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.checkLocked(); err != nil {
		return nil, err
	}
	if _, taken := ix.byLocation[e.Location]; taken {
		return nil, fmt.Errorf("%w: location %s is already in use", apperrors.ErrEntityConflict, e.Location)
	}
	if _, taken := ix.byID[e.ID]; taken {
		return nil, fmt.Errorf("%w: entity %s already exists", apperrors.ErrEntityConflict, e.ID)
	}
	if e.IsLink() {
		for _, end := range []*models.LinkEndpoint{e.Source, e.Target} {
			if _, ok := ix.byID[end.ID]; !ok {
				return nil, fmt.Errorf("%w: link endpoint %s", apperrors.ErrReferenceNotFound, end.ID)
			}
		}
		ix.inbound[e.Source.ID]++
		ix.inbound[e.Target.ID]++
	}

	rec := &entityRecord{e: e}
	ix.byLocation[e.Location] = rec
	ix.byID[e.ID] = rec
	ix.order = append(ix.order, rec)
	return rec, nil
}

// remove deletes an entity unless a link still points at it.
func (ix *EntityIndex) remove(id uuid.UUID) (*entityRecord, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.checkLocked(); err != nil {
		return nil, err
	}
	rec, ok := ix.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", apperrors.ErrReferenceNotFound, id)
	}
	if n := ix.inbound[id]; n > 0 {
		return nil, fmt.Errorf("%w: entity %s is the endpoint of %d link(s)", apperrors.ErrEntityConflict, id, n)
	}

	e := rec.e
	if e.IsLink() {
		ix.release(e.Source.ID)
		ix.release(e.Target.ID)
	}
	delete(ix.byLocation, e.Location)
	delete(ix.byID, id)
	delete(ix.inbound, id)
	ix.order = slices.DeleteFunc(ix.order, func(r *entityRecord) bool { return r == rec })
	return rec, nil
}

func (ix *EntityIndex) release(id uuid.UUID) {
	if ix.inbound[id] <= 1 {
		delete(ix.inbound, id)
		return
	}
	ix.inbound[id]--
}

// repoint moves a link's source and/or target. Nil endpoints are left as is.
// The caller holds rec.mu.
func (ix *EntityIndex) repoint(rec *entityRecord, source, target *models.LinkEndpoint) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.byID[rec.e.ID] != rec {
		return fmt.Errorf("%w: entity %s", apperrors.ErrReferenceNotFound, rec.e.ID)
	}
	for _, end := range []*models.LinkEndpoint{source, target} {
		if end == nil {
			continue
		}
		if _, ok := ix.byID[end.ID]; !ok {
			return fmt.Errorf("%w: link endpoint %s", apperrors.ErrReferenceNotFound, end.ID)
		}
	}
	if source != nil {
		ix.release(rec.e.Source.ID)
		ix.inbound[source.ID]++
		rec.e.Source = source
	}
	if target != nil {
		ix.release(rec.e.Target.ID)
		ix.inbound[target.ID]++
		rec.e.Target = target
	}
	return nil
}

func (ix *EntityIndex) get(id uuid.UUID) (*entityRecord, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rec, ok := ix.byID[id]
	return rec, ok
}

func (ix *EntityIndex) getByLocation(loc string) (*entityRecord, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rec, ok := ix.byLocation[loc]
	return rec, ok
}

// endpoint resolves a link reference given as a UUID (bare or urn:uuid:) or a location.
func (ix *EntityIndex) endpoint(ref string) (*models.LinkEndpoint, error) {
	var rec *entityRecord
	var ok bool
	if id, isID := models.ParseEntityUUID(ref); isID {
		rec, ok = ix.get(id)
	} else {
		rec, ok = ix.getByLocation(models.NormalizeLocation(ref))
	}
	if !ok {
		return nil, fmt.Errorf("%w: link endpoint %q", apperrors.ErrReferenceNotFound, ref)
	}
	return &models.LinkEndpoint{ID: rec.e.ID, Location: rec.e.Location}, nil
}

// records returns the records in insertion order.
func (ix *EntityIndex) records() []*entityRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.order)
}

// Len returns the number of entities.
func (ix *EntityIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.order)
}

// inboundLinks returns how many links reference id.
func (ix *EntityIndex) inboundLinks(id uuid.UUID) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.inbound[id]
}

// replace swaps in the contents of a staged index that nobody else references.
func (ix *EntityIndex) replace(staged *EntityIndex) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.byLocation = staged.byLocation
	ix.byID = staged.byID
	ix.order = staged.order
	ix.inbound = staged.inbound
}

func (ix *EntityIndex) checkLocked() error {
	if len(ix.byID) != len(ix.byLocation) || len(ix.byID) != len(ix.order) {
		return apperrors.Invariant("entity index out of sync: %d ids, %d locations, %d ordered",
			len(ix.byID), len(ix.byLocation), len(ix.order))
	}
	return nil
}
