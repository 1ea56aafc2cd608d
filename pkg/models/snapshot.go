package models

import (
	"time"

	"github.com/google/uuid"
)

// TenantSnapshot is the quiescent state of one tenant registry.
// Byte-level encoding is left to the snapshot repositories.
type TenantSnapshot struct {
	Owner      string           `json:"owner" yaml:"owner"`
	Version    uint64           `json:"version" yaml:"version"`
	TakenAt    time.Time        `json:"taken_at" yaml:"taken_at"`
	Extensions []string         `json:"extensions" yaml:"extensions"`
	MixinTags  []MixinTagDef    `json:"mixin_tags,omitempty" yaml:"mixin_tags,omitempty"`
	Entities   []EntitySnapshot `json:"entities,omitempty" yaml:"entities,omitempty"`
}

// EntitySnapshot is the persisted form of an entity. Attributes include keys
// orphaned by mixin dissociation so a reload reproduces the registry exactly.
type EntitySnapshot struct {
	ID         uuid.UUID      `json:"id" yaml:"id"`
	Kind       CategoryID     `json:"kind" yaml:"kind"`
	Mixins     []CategoryID   `json:"mixins,omitempty" yaml:"mixins,omitempty"`
	Title      string         `json:"title,omitempty" yaml:"title,omitempty"`
	Location   string         `json:"location" yaml:"location"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Source     *LinkEndpoint  `json:"source,omitempty" yaml:"source,omitempty"`
	Target     *LinkEndpoint  `json:"target,omitempty" yaml:"target,omitempty"`
	CreatedAt  time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" yaml:"updated_at"`
}

// InterfaceDocument lists the categories a tenant currently uses.
type InterfaceDocument struct {
	Kinds   []KindView   `json:"kinds"`
	Mixins  []MixinView  `json:"mixins"`
	Actions []ActionView `json:"actions"`
}

// KindView renders a Kind with its effective attributes.
type KindView struct {
	ID         CategoryID   `json:"id"`
	Kind       *Kind        `json:"kind"`
	Attributes []Attribute  `json:"effective_attributes"`
	Actions    []CategoryID `json:"effective_actions"`
}

// MixinView renders a Mixin with its effective attributes.
type MixinView struct {
	ID         CategoryID  `json:"id"`
	Mixin      *Mixin      `json:"mixin"`
	Attributes []Attribute `json:"effective_attributes"`
}

// ActionView renders an Action.
type ActionView struct {
	ID     CategoryID `json:"id"`
	Action *Action    `json:"action"`
}
