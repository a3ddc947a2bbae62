package models

// Iff is a per-entity optimistic concurrency precondition.
//
//   - Version > 0: the entity must exist at exactly that version.
//   - Version == 0 and !Exists: the entity must not exist.
//   - Version == 0 and Exists: the entity must exist, any version.
//
// Require and Forbid add component markers on top of the version check.
type Iff struct {
	ID      EntityID      `json:"id"`
	Version uint64        `json:"version,omitempty"`
	Exists  bool          `json:"exists,omitempty"`
	Require []ComponentID `json:"require,omitempty"`
	Forbid  []ComponentID `json:"forbid,omitempty"`
}

// IffAt requires the entity to be at the given version.
func IffAt(id EntityID, version uint64, require ...ComponentID) Iff {
	return Iff{ID: id, Version: version, Require: require}
}

// IffAbsent requires the entity to not exist.
func IffAbsent(id EntityID) Iff {
	return Iff{ID: id}
}

// IffExists requires the entity to exist at any version.
func IffExists(id EntityID, require ...ComponentID) Iff {
	return Iff{ID: id, Exists: true, Require: require}
}

// Holds evaluates the precondition against the current state.
func (i Iff) Holds(state EntityState) bool {
	switch {
	case i.Version > 0:
		if !state.Exists() || state.Version != i.Version {
			return false
		}
	case i.Exists:
		if !state.Exists() {
			return false
		}
	default:
		if state.Exists() {
			return false
		}
	}
	for _, cid := range i.Require {
		if !state.Entity.Has(cid) {
			return false
		}
	}
	for _, cid := range i.Forbid {
		if state.Entity.Has(cid) {
			return false
		}
	}
	return true
}

// ChangeToApply is an atomic batch: either every change is applied or none.
type ChangeToApply struct {
	Iffs    []Iff
	Changes []Change
}

// Empty reports whether the transaction would do nothing.
func (t ChangeToApply) Empty() bool {
	return len(t.Changes) == 0
}

// Merge concatenates two transactions.
func (t ChangeToApply) Merge(other ChangeToApply) ChangeToApply {
	return ChangeToApply{
		Iffs:    append(append([]Iff(nil), t.Iffs...), other.Iffs...),
		Changes: append(append([]Change(nil), t.Changes...), other.Changes...),
	}
}

// ApplyResult reports the outcome of a committed transaction.
type ApplyResult struct {
	// Versions holds the final version of every written entity.
	Versions map[EntityID]uint64
	// Cursor is the log position of the appended entry, empty if nothing was
	// written.
	Cursor string
}
