// Package index maintains incremental lookup structures over entity
// snapshots. Every index is fed the post-change snapshot of each entity the
// owning table applies, so queries never see stale references once Apply
// returns.
package index

import (
	"errors"
	"fmt"
	"slices"

	"github.com/zeusync/worldstore/internal/core/models"
)

var (
	ErrDuplicateIndex = errors.New("index already registered")
	ErrUnknownIndex   = errors.New("unknown index")
	ErrIndexType      = errors.New("index has a different type")
)

// Index is updated with the snapshot produced by a change. The change is nil
// when the snapshot is loaded without one.
type Index interface {
	Update(e *models.Entity, c *models.Change)
	Delete(id models.EntityID)
	Clear()
	// Size is the number of indexed entities.
	Size() int
}

// MetaIndex is a named set of indices maintained together.
type MetaIndex struct {
	names   []string
	indices map[string]Index
}

func NewMetaIndex() *MetaIndex {
	return &MetaIndex{indices: make(map[string]Index)}
}

// Register adds an index under name.
func (m *MetaIndex) Register(name string, idx Index) error {
	if _, ok := m.indices[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIndex, name)
	}
	m.names = append(m.names, name)
	m.indices[name] = idx
	return nil
}

// MustRegister is Register for static setup code.
func (m *MetaIndex) MustRegister(name string, idx Index) *MetaIndex {
	if err := m.Register(name, idx); err != nil {
		panic(err)
	}
	return m
}

func (m *MetaIndex) Get(name string) (Index, bool) {
	idx, ok := m.indices[name]
	return idx, ok
}

// Names lists the registered indices in registration order.
func (m *MetaIndex) Names() []string {
	return slices.Clone(m.names)
}

func (m *MetaIndex) Update(e *models.Entity, c *models.Change) {
	for _, name := range m.names {
		m.indices[name].Update(e, c)
	}
}

func (m *MetaIndex) Delete(id models.EntityID) {
	for _, name := range m.names {
		m.indices[name].Delete(id)
	}
}

func (m *MetaIndex) Clear() {
	for _, name := range m.names {
		m.indices[name].Clear()
	}
}

// Sizes reports the size of every index by name.
func (m *MetaIndex) Sizes() map[string]int {
	out := make(map[string]int, len(m.names))
	for _, name := range m.names {
		out[name] = m.indices[name].Size()
	}
	return out
}

// Lookup returns the index registered under name as a T.
func Lookup[T Index](m *MetaIndex, name string) (T, error) {
	var zero T
	idx, ok := m.Get(name)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnknownIndex, name)
	}
	typed, ok := idx.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrIndexType, name, idx)
	}
	return typed, nil
}

// relevant reports whether c may have changed any of the tracked components.
// Loads, creates and deletes are always relevant.
func relevant(c *models.Change, tracked []models.ComponentID) bool {
	if c == nil || c.Kind != models.ChangeUpdate || len(tracked) == 0 {
		return true
	}
	for _, cid := range tracked {
		if c.Delta.Touches(cid) {
			return true
		}
	}
	return false
}
