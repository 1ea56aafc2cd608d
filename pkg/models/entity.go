package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// LinkEndpoint is a weak reference from a Link to another entity.
type LinkEndpoint struct {
	ID       uuid.UUID `json:"id" yaml:"id"`
	Location string    `json:"location" yaml:"location"`
}

// Entity is a Resource or a Link. Source and Target are set only on Links.
// Kind never changes after creation.
type Entity struct {
	ID         uuid.UUID      `json:"id"`
	Kind       CategoryID     `json:"kind"`
	Mixins     []CategoryID   `json:"mixins,omitempty"`
	Title      string         `json:"title,omitempty"`
	Location   string         `json:"location"`
	Attributes map[string]any `json:"attributes"`
	Source     *LinkEndpoint  `json:"source,omitempty"`
	Target     *LinkEndpoint  `json:"target,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// IsLink reports whether the entity carries link endpoints.
func (e *Entity) IsLink() bool {
	return e.Source != nil && e.Target != nil
}

// HasMixin reports whether the mixin is associated with the entity.
func (e *Entity) HasMixin(id CategoryID) bool {
	return slices.Contains(e.Mixins, id)
}

// References reports whether this entity is a Link pointing at id.
func (e *Entity) References(id uuid.UUID) bool {
	if !e.IsLink() {
		return false
	}
	return e.Source.ID == id || e.Target.ID == id
}

// Clone returns a deep copy safe to hand out to callers.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Mixins = slices.Clone(e.Mixins)
	c.Attributes = CloneAttributes(e.Attributes)
	if e.Source != nil {
		src := *e.Source
		c.Source = &src
	}
	if e.Target != nil {
		tgt := *e.Target
		c.Target = &tgt
	}
	return &c
}

// CloneAttributes deep-copies an attribute map including nested lists and objects.
func CloneAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies one attribute value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneAttributes(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = CloneValue(t[i])
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
