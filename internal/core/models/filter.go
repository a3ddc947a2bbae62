package models

import "slices"

// Filter selects entities by component membership and optionally projects
// them down to a subset of components. The zero Filter matches everything.
type Filter struct {
	AllOf  []ComponentID `json:"all_of,omitempty" yaml:"all_of,omitempty"`
	AnyOf  []ComponentID `json:"any_of,omitempty" yaml:"any_of,omitempty"`
	NoneOf []ComponentID `json:"none_of,omitempty" yaml:"none_of,omitempty"`
	// Fields limits returned components; empty returns all of them.
	Fields []ComponentID `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// IsZero reports whether the filter matches everything unprojected.
func (f Filter) IsZero() bool {
	return len(f.AllOf) == 0 && len(f.AnyOf) == 0 && len(f.NoneOf) == 0 && len(f.Fields) == 0
}

// Equal reports whether both filters select and project the same way,
// listing components in the same order.
func (f Filter) Equal(other Filter) bool {
	return slices.Equal(f.AllOf, other.AllOf) && slices.Equal(f.AnyOf, other.AnyOf) &&
		slices.Equal(f.NoneOf, other.NoneOf) && slices.Equal(f.Fields, other.Fields)
}

// Matches reports whether the entity passes the membership test.
func (f Filter) Matches(e *Entity) bool {
	if e == nil {
		return false
	}
	for _, cid := range f.AllOf {
		if !e.Has(cid) {
			return false
		}
	}
	for _, cid := range f.NoneOf {
		if e.Has(cid) {
			return false
		}
	}
	if len(f.AnyOf) == 0 {
		return true
	}
	for _, cid := range f.AnyOf {
		if e.Has(cid) {
			return true
		}
	}
	return false
}

// Apply returns the projected entity if it matches, otherwise nil.
func (f Filter) Apply(e *Entity) *Entity {
	if !f.Matches(e) {
		return nil
	}
	return e.Project(f.Fields)
}

// Relevant reports whether a change to the listed components could alter the
// filter's verdict or its projected output.
func (f Filter) Relevant(cids []ComponentID) bool {
	if f.IsZero() {
		return true
	}
	if len(f.Fields) == 0 {
		return true
	}
	for _, cid := range cids {
		if slices.Contains(f.AllOf, cid) || slices.Contains(f.AnyOf, cid) ||
			slices.Contains(f.NoneOf, cid) || slices.Contains(f.Fields, cid) {
			return true
		}
	}
	return false
}
