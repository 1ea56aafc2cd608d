package models

import (
	"strings"

	"github.com/google/uuid"
)

// RequestPayload is the normalized form of an inbound request body, as
// produced by the wire parsers. Every field is optional.
type RequestPayload struct {
	Kind       CategoryID     `json:"kind,omitempty"`
	Mixins     []CategoryID   `json:"mixins,omitempty"`
	Action     CategoryID     `json:"action,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	EntityID   string         `json:"id,omitempty"`

	MixinTag         CategoryID `json:"mixin_tag,omitempty"`
	MixinTagTitle    string     `json:"mixin_tag_title,omitempty"`
	MixinTagLocation string     `json:"mixin_tag_location,omitempty"`

	// Locations are collection location hints (X-OCCI-Location).
	Locations []string `json:"locations,omitempty"`
}

// ParseEntityUUID accepts a bare UUID or one prefixed with "urn:uuid:".
func ParseEntityUUID(s string) (uuid.UUID, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uuid.Nil, false
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "urn:uuid:"), "URN:UUID:")
	if len(s) != 36 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// EntityUUID returns the entity identifier carried by the payload, taken from
// the explicit id field or the occi.core.id attribute.
func (p *RequestPayload) EntityUUID() (uuid.UUID, bool) {
	if p == nil {
		return uuid.Nil, false
	}
	if id, ok := ParseEntityUUID(p.EntityID); ok {
		return id, true
	}
	if raw, ok := p.Attributes[AttrID].(string); ok {
		return ParseEntityUUID(raw)
	}
	return uuid.Nil, false
}

// DefinesMixinTag reports whether the payload defines a new user mixin tag.
func (p *RequestPayload) DefinesMixinTag() bool {
	return p != nil && p.MixinTag != "" && strings.TrimSpace(p.MixinTagTitle) != ""
}

// HasAction reports whether the payload names an action.
func (p *RequestPayload) HasAction() bool {
	return p != nil && strings.TrimSpace(string(p.Action)) != ""
}

// HasCollectionHints reports whether the payload addresses a set of locations.
func (p *RequestPayload) HasCollectionHints() bool {
	return p != nil && len(p.Locations) > 0
}

// MixinTagDef builds the tag definition carried by the payload.
func (p *RequestPayload) MixinTagDef() MixinTagDef {
	return MixinTagDef{
		ID:       p.MixinTag,
		Title:    p.MixinTagTitle,
		Location: p.MixinTagLocation,
	}
}
