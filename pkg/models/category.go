package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known OCCI Core identifiers.
const (
	CoreScheme = "http://schemas.ogf.org/occi/core#"

	EntityKindID   CategoryID = CoreScheme + "entity"
	ResourceKindID CategoryID = CoreScheme + "resource"
	LinkKindID     CategoryID = CoreScheme + "link"

	AttrID      = "occi.core.id"
	AttrTitle   = "occi.core.title"
	AttrSummary = "occi.core.summary"
	AttrSource  = "occi.core.source"
	AttrTarget  = "occi.core.target"
)

// CategoryID is the scheme#term identity of a category, written as the scheme
// (which ends with '#') immediately followed by the term.
type CategoryID string

// NewCategoryID joins a scheme and term, adding the '#' separator if the scheme lacks it.
func NewCategoryID(scheme, term string) CategoryID {
	if !strings.HasSuffix(scheme, "#") {
		scheme += "#"
	}
	return CategoryID(scheme + term)
}

// ParseCategoryID validates s and returns it as a CategoryID.
func ParseCategoryID(s string) (CategoryID, error) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndex(s, "#")
	if idx <= 0 || idx == len(s)-1 {
		return "", fmt.Errorf("invalid category identifier %q: expected scheme#term", s)
	}
	return CategoryID(s), nil
}

// Scheme returns the scheme part including the trailing '#'.
func (id CategoryID) Scheme() string {
	s := string(id)
	if idx := strings.LastIndex(s, "#"); idx >= 0 {
		return s[:idx+1]
	}
	return ""
}

// Term returns the part after the last '#'.
func (id CategoryID) Term() string {
	s := string(id)
	if idx := strings.LastIndex(s, "#"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func (id CategoryID) String() string { return string(id) }

// CategoryClass distinguishes the three category variants.
type CategoryClass string

const (
	ClassKind   CategoryClass = "kind"
	ClassMixin  CategoryClass = "mixin"
	ClassAction CategoryClass = "action"
)

// AttributeType is the type tag of an attribute definition.
type AttributeType string

const (
	TypeString  AttributeType = "string"
	TypeInteger AttributeType = "integer"
	TypeNumber  AttributeType = "number"
	TypeBoolean AttributeType = "boolean"
	TypeList    AttributeType = "list"
	TypeObject  AttributeType = "object"
)

// Attribute describes one attribute a category declares.
type Attribute struct {
	Name        string        `yaml:"name" json:"name"`
	Type        AttributeType `yaml:"type,omitempty" json:"type,omitempty"`
	Required    bool          `yaml:"required,omitempty" json:"required"`
	Immutable   bool          `yaml:"immutable,omitempty" json:"immutable"`
	Default     any           `yaml:"default,omitempty" json:"default,omitempty"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
}

// Mutable reports whether the attribute may be written after creation.
func (a Attribute) Mutable() bool { return !a.Immutable }

// Check verifies value against the attribute type. Scalar types accept their
// string rendering too, because header-based renderings carry only strings.
func (a Attribute) Check(value any) error {
	if value == nil {
		return nil
	}
	switch a.Type {
	case "", TypeString:
		switch value.(type) {
		case string:
			return nil
		}
	case TypeInteger:
		switch v := value.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return nil
		case float64:
			if v == float64(int64(v)) {
				return nil
			}
		case string:
			if _, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return nil
			}
		}
	case TypeNumber:
		switch v := value.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			return nil
		case string:
			if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return nil
			}
		}
	case TypeBoolean:
		switch v := value.(type) {
		case bool:
			return nil
		case string:
			if _, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return nil
			}
		}
	case TypeList:
		switch value.(type) {
		case []any, []string:
			return nil
		}
	case TypeObject:
		switch value.(type) {
		case map[string]any:
			return nil
		}
	default:
		return nil
	}
	return fmt.Errorf("attribute %s: value %v is not of type %s", a.Name, value, a.Type)
}

// Category holds what Kinds, Mixins and Actions have in common.
type Category struct {
	Scheme     string       `yaml:"scheme,omitempty" json:"scheme"`
	Term       string       `yaml:"term" json:"term"`
	Title      string       `yaml:"title,omitempty" json:"title,omitempty"`
	Attributes []Attribute  `yaml:"attributes,omitempty" json:"attributes,omitempty"`
	Actions    []CategoryID `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// ID returns the scheme#term identity.
func (c *Category) ID() CategoryID { return NewCategoryID(c.Scheme, c.Term) }

// Attribute looks up an attribute declared directly by this category.
func (c *Category) Attribute(name string) (Attribute, bool) {
	for _, a := range c.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// HasAction reports whether this category directly exposes action.
func (c *Category) HasAction(action CategoryID) bool {
	for _, a := range c.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Kind is an entity type with at most one parent Kind.
type Kind struct {
	Category `yaml:",inline"`
	Parent   CategoryID `yaml:"parent,omitempty" json:"parent,omitempty"`
	Location string     `yaml:"location,omitempty" json:"location,omitempty"`
}

// MixinFlavor tells extension mixins apart from tenant-defined tags.
type MixinFlavor string

const (
	MixinFromExtension MixinFlavor = "extension"
	MixinUserTag       MixinFlavor = "tag"
)

// Mixin is a supplementary type that can be associated with entities.
type Mixin struct {
	Category `yaml:",inline"`
	Depends  []CategoryID `yaml:"depends,omitempty" json:"depends,omitempty"`
	Applies  []CategoryID `yaml:"applies,omitempty" json:"applies,omitempty"`
	Location string       `yaml:"location,omitempty" json:"location,omitempty"`
	Flavor   MixinFlavor  `yaml:"-" json:"flavor"`
}

// IsTag reports whether the mixin is a tenant-defined tag.
func (m *Mixin) IsTag() bool { return m.Flavor == MixinUserTag }

// Action is an operation invocable on entities. Its attributes are parameters.
type Action struct {
	Category `yaml:",inline"`
}

// ExtensionDef is the loadable definition of an extension.
// Categories without their own scheme inherit Scheme.
type ExtensionDef struct {
	Name    string   `yaml:"name" json:"name"`
	Scheme  string   `yaml:"scheme,omitempty" json:"scheme,omitempty"`
	Title   string   `yaml:"title,omitempty" json:"title,omitempty"`
	Kinds   []Kind   `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	Mixins  []Mixin  `yaml:"mixins,omitempty" json:"mixins,omitempty"`
	Actions []Action `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// MixinTagDef is what a client supplies to define a user mixin tag.
type MixinTagDef struct {
	ID       CategoryID `yaml:"id" json:"id"`
	Title    string     `yaml:"title,omitempty" json:"title,omitempty"`
	Location string     `yaml:"location,omitempty" json:"location,omitempty"`
}
