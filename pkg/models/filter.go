package models

import (
	"fmt"
	"strings"
)

// FilterOperator is the comparison used for attribute constraints.
type FilterOperator string

const (
	OperatorEqual FilterOperator = "EQUAL"
	OperatorLike  FilterOperator = "LIKE"
)

// ParseFilterOperator accepts the operator names case-insensitively.
// The empty string means EQUAL.
func ParseFilterOperator(s string) (FilterOperator, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "EQUAL", "EQ", "=":
		return OperatorEqual, nil
	case "LIKE":
		return OperatorLike, nil
	default:
		return "", fmt.Errorf("unknown filter operator %q", s)
	}
}

// CollectionFilter narrows and paginates entity listings.
// The zero value matches everything and returns a single unbounded page.
type CollectionFilter struct {
	Operator       FilterOperator `json:"operator,omitempty"`
	Category       string         `json:"category,omitempty"`
	AttributeName  string         `json:"attribute_name,omitempty"`
	AttributeValue string         `json:"attribute_value,omitempty"`
	Path           string         `json:"path,omitempty"`
	PageSize       int            `json:"page_size,omitempty"`
	CurrentPage    int            `json:"current_page,omitempty"`
}

// IsZero reports whether the filter imposes no constraint at all.
func (f CollectionFilter) IsZero() bool {
	return f == CollectionFilter{}
}

// Matches applies the category, path and attribute predicates to e.
func (f CollectionFilter) Matches(e *Entity) bool {
	if e == nil {
		return false
	}
	if f.Category != "" && !matchesCategory(e, f.Category) {
		return false
	}
	if f.Path != "" && !LocationUnder(e.Location, f.Path) {
		return false
	}
	if f.AttributeName == "" && f.AttributeValue == "" {
		return true
	}
	if f.AttributeName != "" {
		v, ok := e.Attributes[f.AttributeName]
		if !ok {
			return false
		}
		return f.AttributeValue == "" || f.compare(v)
	}
	for _, v := range e.Attributes {
		if f.compare(v) {
			return true
		}
	}
	return false
}

func (f CollectionFilter) compare(v any) bool {
	s := fmt.Sprint(v)
	if f.Operator == OperatorLike {
		return strings.Contains(s, f.AttributeValue)
	}
	return s == f.AttributeValue
}

func matchesCategory(e *Entity, category string) bool {
	test := func(id CategoryID) bool {
		return string(id) == category || id.Term() == category
	}
	if test(e.Kind) {
		return true
	}
	for _, m := range e.Mixins {
		if test(m) {
			return true
		}
	}
	return false
}

// Page is one slice of a filtered, ordered entity sequence.
type Page struct {
	Entities    []*Entity `json:"entities"`
	Total       int       `json:"total"`
	PageSize    int       `json:"page_size"`
	CurrentPage int       `json:"current_page"`
}

// Paginate slices entities into [(page-1)*size, page*size).
// A page size of zero returns everything; an out-of-range page is empty.
func Paginate(entities []*Entity, f CollectionFilter) Page {
	page := f.CurrentPage
	if page < 1 {
		page = 1
	}
	out := Page{
		Entities:    []*Entity{},
		Total:       len(entities),
		PageSize:    f.PageSize,
		CurrentPage: page,
	}
	if f.PageSize <= 0 {
		if page == 1 {
			out.Entities = append(out.Entities, entities...)
		}
		return out
	}
	start := (page - 1) * f.PageSize
	if start >= len(entities) {
		return out
	}
	end := min(start+f.PageSize, len(entities))
	out.Entities = append(out.Entities, entities[start:end]...)
	return out
}

// Apply filters entities and paginates the result.
func (f CollectionFilter) Apply(entities []*Entity) Page {
	matched := make([]*Entity, 0, len(entities))
	for _, e := range entities {
		if f.Matches(e) {
			matched = append(matched, e)
		}
	}
	return Paginate(matched, f)
}
