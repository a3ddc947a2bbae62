// Package versionmap holds the id to version maps exchanged during bootstrap
// and their compact binary form.
package versionmap

import (
	"maps"
	"slices"

	"github.com/zeusync/worldstore/internal/core/models"
)

// VersionMap maps entity ids to the version a reader last saw.
type VersionMap struct {
	m map[models.EntityID]uint64
}

func New() *VersionMap {
	return &VersionMap{m: make(map[models.EntityID]uint64)}
}

// FromMap copies m.
func FromMap(m map[models.EntityID]uint64) *VersionMap {
	return &VersionMap{m: maps.Clone(m)}
}

func (v *VersionMap) Set(id models.EntityID, version uint64) {
	v.m[id] = version
}

func (v *VersionMap) Get(id models.EntityID) (uint64, bool) {
	if v == nil {
		return 0, false
	}
	version, ok := v.m[id]
	return version, ok
}

func (v *VersionMap) Delete(id models.EntityID) {
	delete(v.m, id)
}

func (v *VersionMap) Len() int {
	if v == nil {
		return 0
	}
	return len(v.m)
}

// Range calls fn for every entry in ascending id order until fn returns false.
func (v *VersionMap) Range(fn func(id models.EntityID, version uint64) bool) {
	for _, id := range v.IDs() {
		if !fn(id, v.m[id]) {
			return
		}
	}
}

// IDs returns the ids in ascending order.
func (v *VersionMap) IDs() []models.EntityID {
	if v == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(v.m))
}

// Diff returns the ids whose version differs between v and other, including
// ids present on only one side, in ascending order.
func (v *VersionMap) Diff(other *VersionMap) []models.EntityID {
	var out []models.EntityID
	for id, version := range v.all() {
		if ov, ok := other.Get(id); !ok || ov != version {
			out = append(out, id)
		}
	}
	for id := range other.all() {
		if _, ok := v.Get(id); !ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (v *VersionMap) Clone() *VersionMap {
	return FromMap(v.all())
}

// Map returns a copy of the underlying map.
func (v *VersionMap) Map() map[models.EntityID]uint64 {
	return maps.Clone(v.all())
}

func (v *VersionMap) Equal(other *VersionMap) bool {
	return maps.Equal(v.all(), other.all())
}

func (v *VersionMap) all() map[models.EntityID]uint64 {
	if v == nil {
		return nil
	}
	return v.m
}
