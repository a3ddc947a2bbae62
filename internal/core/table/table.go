// Package table materializes entity snapshots from a change stream and keeps
// a MetaIndex in step with them.
//
// A Table is not safe for concurrent mutation. Readers on other goroutines
// must be synchronized with Apply by the owner.
package table

import (
	"maps"
	"slices"

	"github.com/zeusync/worldstore/internal/core/index"
	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
)

type record struct {
	version uint64
	// entity is the visible snapshot, nil while outside the filter.
	entity *models.Entity
	// state holds the components the filter decides membership on.
	state *models.Entity
}

// Table owns the entities it has been told about plus their indices.
type Table struct {
	filter  models.Filter
	tracked []models.ComponentID
	meta    *index.MetaIndex

	records map[models.EntityID]*record
	// outside keeps the filter-relevant state of entities that do not match,
	// so that a later delta can bring them back in.
	outside map[models.EntityID]*record
	// tombstones keeps the version of deleted entities so that late changes
	// older than the delete are still recognized as stale.
	tombstones map[models.EntityID]uint64
	tick       uint64

	listeners      map[int]func([]models.Change)
	clearListeners map[int]func()
	nextListener   int
}

type Option func(*Table)

// WithFilter restricts the table to entities matching f, projected to its
// fields. Entities that stop matching are removed.
func WithFilter(f models.Filter) Option {
	return func(t *Table) { t.filter = f }
}

// New creates an empty table. A nil meta gets an empty MetaIndex.
func New(meta *index.MetaIndex, opts ...Option) *Table {
	if meta == nil {
		meta = index.NewMetaIndex()
	}
	t := &Table{
		meta:           meta,
		records:        make(map[models.EntityID]*record),
		outside:        make(map[models.EntityID]*record),
		tombstones:     make(map[models.EntityID]uint64),
		listeners:      make(map[int]func([]models.Change)),
		clearListeners: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(t)
	}
	if len(t.filter.Fields) > 0 {
		for _, group := range [][]models.ComponentID{t.filter.Fields, t.filter.AllOf, t.filter.AnyOf, t.filter.NoneOf} {
			for _, cid := range group {
				if !slices.Contains(t.tracked, cid) {
					t.tracked = append(t.tracked, cid)
				}
			}
		}
	}
	return t
}

func (t *Table) MetaIndex() *index.MetaIndex { return t.meta }

func (t *Table) Filter() models.Filter { return t.filter }

// Tick is the highest version applied so far.
func (t *Table) Tick() uint64 { return t.tick }

func (t *Table) Len() int { return len(t.records) }

func (t *Table) currentVersion(id models.EntityID) uint64 {
	if r, ok := t.records[id]; ok {
		return r.version
	}
	if r, ok := t.outside[id]; ok {
		return r.version
	}
	return t.tombstones[id]
}

// Apply applies changes in order and returns those that had an effect, in
// the form they took on this table. A change older than the version already
// held for its id is skipped. Unversioned changes are stamped with the next
// local version. Membership is decided on the full component state the
// changes describe, before projection.
func (t *Table) Apply(changes []models.Change) []models.Change {
	return t.apply(changes, true)
}

// ApplyFiltered is Apply for changes that already went through this table's
// filter upstream, such as the updates of a subscription opened with
// Filter(). Snapshots arrive projected, so membership is not checked again;
// a change leaving the filter arrives as a Delete.
func (t *Table) ApplyFiltered(changes []models.Change) []models.Change {
	return t.apply(changes, false)
}

func (t *Table) apply(changes []models.Change, membership bool) []models.Change {
	var applied []models.Change
	for _, c := range changes {
		if !c.IsMutation() {
			continue
		}
		current := t.currentVersion(c.ID)
		if c.Version == 0 {
			c.Version = current + 1
		} else if current > c.Version {
			continue
		}
		t.tick = max(t.tick, c.Version)

		var prior, priorState *models.Entity
		if r, ok := t.records[c.ID]; ok {
			prior, priorState = r.entity, r.state
		} else if r, ok := t.outside[c.ID]; ok {
			priorState = r.state
		}
		state := models.ApplyChange(priorState, c)
		if len(t.tracked) > 0 {
			state = state.Project(t.tracked)
		}
		after := state
		switch {
		case t.filter.IsZero():
		case membership:
			after = t.filter.Apply(state)
		default:
			after = state.Project(t.filter.Fields)
		}

		switch {
		case state == nil:
			delete(t.records, c.ID)
			delete(t.outside, c.ID)
			t.tombstones[c.ID] = c.Version
		case after == nil:
			delete(t.records, c.ID)
			delete(t.tombstones, c.ID)
			t.outside[c.ID] = &record{version: c.Version, state: state}
		default:
			delete(t.outside, c.ID)
			delete(t.tombstones, c.ID)
			t.records[c.ID] = &record{version: c.Version, entity: after, state: state}
		}

		effective, ok := t.effective(prior, after, c)
		if !ok {
			continue
		}
		if after == nil {
			t.meta.Delete(c.ID)
		} else {
			t.meta.Update(after, &effective)
		}
		applied = append(applied, effective)
	}
	if len(applied) > 0 {
		t.emit(applied)
	}
	return applied
}

// effective rewrites c to what it did to this table. It reports false when
// nothing visible changed.
func (t *Table) effective(prior, after *models.Entity, c models.Change) (models.Change, bool) {
	switch {
	case prior == nil && after == nil:
		return c, false
	case after == nil:
		return models.Delete(c.ID).WithVersion(c.Version), true
	case prior == nil:
		return models.Create(after).WithVersion(c.Version), true
	case t.filter.IsZero() || c.Kind != models.ChangeUpdate:
		if c.Kind == models.ChangeCreate {
			return models.Create(after).WithVersion(c.Version), true
		}
		return c, true
	}
	// Narrow the delta to the projected fields.
	delta := models.NewDelta()
	for cid, comp := range c.Delta {
		if len(t.filter.Fields) == 0 || slices.Contains(t.filter.Fields, cid) {
			delta[cid] = comp
		}
	}
	for _, cid := range prior.ComponentIDs() {
		if !after.Has(cid) && !delta.Touches(cid) {
			delta.Clear(cid)
		}
	}
	return models.Update(c.ID, delta).WithVersion(c.Version), true
}

// Load installs a snapshot unless the table already holds a newer version.
// A nil entity removes the id.
func (t *Table) Load(id models.EntityID, version uint64, e *models.Entity) bool {
	if t.currentVersion(id) > version {
		return false
	}
	var c models.Change
	if e == nil {
		c = models.Delete(id).WithVersion(version)
	} else {
		e = e.Clone()
		e.ID = id
		c = models.Create(e).WithVersion(version)
	}
	t.Apply([]models.Change{c})
	return true
}

// Clear drops every entity, tombstone and index entry.
func (t *Table) Clear() {
	clear(t.records)
	clear(t.outside)
	clear(t.tombstones)
	t.tick = 0
	t.meta.Clear()
	for _, key := range slices.Sorted(maps.Keys(t.clearListeners)) {
		t.clearListeners[key]()
	}
}

func (t *Table) Get(id models.EntityID) *models.Entity {
	if r, ok := t.records[id]; ok {
		return r.entity
	}
	return nil
}

// GetWithVersion returns the held version and snapshot. Deleted ids and
// ids outside the filter report their version with a nil entity.
func (t *Table) GetWithVersion(id models.EntityID) (uint64, *models.Entity) {
	if r, ok := t.records[id]; ok {
		return r.version, r.entity
	}
	return t.currentVersion(id), nil
}

func (t *Table) Has(id models.EntityID) bool {
	_, ok := t.records[id]
	return ok
}

// IDs returns the ids of every held entity in ascending order.
func (t *Table) IDs() []models.EntityID {
	return slices.Sorted(maps.Keys(t.records))
}

// Contents returns every held entity in ascending id order.
func (t *Table) Contents() []*models.Entity {
	ids := t.IDs()
	out := make([]*models.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.records[id].entity)
	}
	return out
}

// VersionMap reports the versions of the held entities.
func (t *Table) VersionMap() *versionmap.VersionMap {
	vm := versionmap.New()
	for id, r := range t.records {
		vm.Set(id, r.version)
	}
	return vm
}

// OnApply registers fn to run after every Apply that changed something. The
// returned func unregisters it.
func (t *Table) OnApply(fn func(applied []models.Change)) func() {
	key := t.nextListener
	t.nextListener++
	t.listeners[key] = fn
	return func() { delete(t.listeners, key) }
}

// OnClear registers fn to run after Clear.
func (t *Table) OnClear(fn func()) func() {
	key := t.nextListener
	t.nextListener++
	t.clearListeners[key] = fn
	return func() { delete(t.clearListeners, key) }
}

func (t *Table) emit(applied []models.Change) {
	for _, key := range slices.Sorted(maps.Keys(t.listeners)) {
		t.listeners[key](applied)
	}
}
