package world

import (
	"fmt"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
)

// Write is a record a committed transaction leaves behind. A nil Entity is a
// tombstone.
type Write struct {
	ID      models.EntityID
	Version uint64
	Entity  *models.Entity
}

// Plan is the outcome of evaluating a transaction against current state.
type Plan struct {
	Writes   []Write
	Logged   []models.Change
	Versions map[models.EntityID]uint64
}

// Empty reports whether nothing would be written.
func (p Plan) Empty() bool { return len(p.Logged) == 0 }

// PlanTransaction evaluates tx for stores that serialize writers in process.
// The caller must hold its write lock across read, PlanTransaction and the
// commit of the returned writes.
//
// Changes to one id apply in order, each bumping the version by one.
// Deleting an absent entity is a no-op, updating one creates it.
func PlanTransaction(tx models.ChangeToApply, read func(models.EntityID) (models.EntityState, error)) (Plan, error) {
	staged := make(map[models.EntityID]models.EntityState)
	state := func(id models.EntityID) (models.EntityState, error) {
		if s, ok := staged[id]; ok {
			return s, nil
		}
		s, err := read(id)
		if err != nil {
			return models.EntityState{}, err
		}
		staged[id] = s
		return s, nil
	}

	for _, iff := range tx.Iffs {
		s, err := state(iff.ID)
		if err != nil {
			return Plan{}, err
		}
		if !iff.Holds(s) {
			return Plan{}, fmt.Errorf("%w: entity %d at version %d", ErrTransactionRejected, iff.ID, s.Version)
		}
	}

	plan := Plan{Versions: make(map[models.EntityID]uint64)}
	var order []models.EntityID
	for _, c := range tx.Changes {
		cur, err := state(c.ID)
		if err != nil {
			return Plan{}, err
		}
		if c.Kind == models.ChangeDelete && !cur.Exists() {
			continue
		}
		next := models.EntityState{
			Version: cur.Version + 1,
			Entity:  models.ApplyChange(cur.Entity, c),
		}
		if _, seen := plan.Versions[c.ID]; !seen {
			order = append(order, c.ID)
		}
		staged[c.ID] = next
		plan.Versions[c.ID] = next.Version

		logged := c.WithVersion(next.Version)
		if c.Kind == models.ChangeCreate {
			logged = models.Create(next.Entity).WithVersion(next.Version)
		}
		plan.Logged = append(plan.Logged, logged)
	}

	for _, id := range order {
		s := staged[id]
		plan.Writes = append(plan.Writes, Write{ID: id, Version: s.Version, Entity: s.Entity})
	}
	return plan, nil
}

// Project applies a filter to a stored state.
func Project(s models.EntityState, filter models.Filter) models.EntityState {
	return models.EntityState{Version: s.Version, Entity: filter.Apply(s.Entity)}
}

// SinceChange is the change a holder of known needs to catch up on id, and
// false when it is already current.
func SinceChange(id models.EntityID, s models.EntityState, known *versionmap.VersionMap, filter models.Filter) (models.Change, bool) {
	have, ok := known.Get(id)
	if ok && have == s.Version {
		return models.Change{}, false
	}
	if projected := filter.Apply(s.Entity); projected != nil {
		return models.Create(projected).WithVersion(s.Version), true
	}
	if ok {
		return models.Delete(id).WithVersion(s.Version), true
	}
	return models.Change{}, false
}
