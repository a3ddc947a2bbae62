package models

import (
	"fmt"
	"slices"
)

// ChangeKind discriminates the Change union.
type ChangeKind uint8

const (
	ChangeCreate ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
	// ChangeHeartbeat carries only a liveness counter, never an entity mutation.
	ChangeHeartbeat
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	case ChangeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Change is the only mutation primitive.
type Change struct {
	Kind ChangeKind
	ID   EntityID

	// Entity is the full snapshot of a Create.
	Entity *Entity
	// Delta is the partial component delta of an Update.
	Delta Delta

	// Version is the entity version the change produced. It is assigned by the
	// backing store and is zero on proposed changes.
	Version uint64

	// Heartbeat is the monotonic counter of a ChangeHeartbeat.
	Heartbeat uint64
}

// Create proposes replacing the entity with the given snapshot.
func Create(e *Entity) Change {
	return Change{Kind: ChangeCreate, ID: e.ID, Entity: e}
}

// Update proposes a partial component delta.
func Update(id EntityID, delta Delta) Change {
	return Change{Kind: ChangeUpdate, ID: id, Delta: delta}
}

// Delete proposes removing the entity.
func Delete(id EntityID) Change {
	return Change{Kind: ChangeDelete, ID: id}
}

// HeartbeatChange is a liveness marker.
func HeartbeatChange(counter uint64) Change {
	return Change{Kind: ChangeHeartbeat, Heartbeat: counter}
}

// IsMutation reports whether the change touches an entity.
func (c Change) IsMutation() bool {
	return c.Kind == ChangeCreate || c.Kind == ChangeUpdate || c.Kind == ChangeDelete
}

// WithVersion returns a copy stamped with the given version.
func (c Change) WithVersion(v uint64) Change {
	c.Version = v
	return c
}

func (c Change) String() string {
	switch c.Kind {
	case ChangeHeartbeat:
		return fmt.Sprintf("heartbeat(%d)", c.Heartbeat)
	case ChangeUpdate:
		return fmt.Sprintf("update(%d@%d %v)", c.ID, c.Version, c.Delta.ComponentIDs())
	default:
		return fmt.Sprintf("%s(%d@%d)", c.Kind, c.ID, c.Version)
	}
}

// Delta maps component ids to their new value. A nil value clears the
// component.
type Delta map[ComponentID]Component

// NewDelta starts an empty delta.
func NewDelta() Delta {
	return make(Delta)
}

// Set records a new value for the component.
func (d Delta) Set(components ...Component) Delta {
	for _, c := range components {
		d[c.ComponentID()] = c
	}
	return d
}

// Clear records the removal of components.
func (d Delta) Clear(cids ...ComponentID) Delta {
	for _, cid := range cids {
		d[cid] = nil
	}
	return d
}

// ComponentIDs lists the touched components in ascending order.
func (d Delta) ComponentIDs() []ComponentID {
	out := make([]ComponentID, 0, len(d))
	for cid := range d {
		out = append(out, cid)
	}
	slices.Sort(out)
	return out
}

// Touches reports whether the delta sets or clears the component.
func (d Delta) Touches(cid ComponentID) bool {
	_, ok := d[cid]
	return ok
}

// Clone copies the delta and its components.
func (d Delta) Clone() Delta {
	if d == nil {
		return nil
	}
	out := make(Delta, len(d))
	for cid, c := range d {
		if c == nil {
			out[cid] = nil
			continue
		}
		out[cid] = c.Clone()
	}
	return out
}

// ApplyChange produces the snapshot that results from applying c to prior.
// Update on an absent entity creates it from the delta's set components.
func ApplyChange(prior *Entity, c Change) *Entity {
	switch c.Kind {
	case ChangeCreate:
		out := c.Entity.Clone()
		if out != nil {
			out.ID = c.ID
		}
		return out
	case ChangeUpdate:
		out := prior.Clone()
		if out == nil {
			out = &Entity{ID: c.ID}
		}
		for _, cid := range c.Delta.ComponentIDs() {
			if comp := c.Delta[cid]; comp != nil {
				out.setComponent(comp.Clone())
			} else {
				out.clearComponent(cid)
			}
		}
		return out
	case ChangeDelete:
		return nil
	default:
		return prior
	}
}

// MergeChange folds b, which follows a for the same entity, into one change
// with the same effect as applying both in order.
func MergeChange(a *Change, b Change) Change {
	if a == nil || !a.IsMutation() {
		return b
	}
	switch b.Kind {
	case ChangeCreate, ChangeDelete:
		return b
	case ChangeUpdate:
		switch a.Kind {
		case ChangeCreate:
			merged := Create(ApplyChange(a.Entity, b))
			merged.Version = b.Version
			return merged
		case ChangeDelete:
			merged := Create(ApplyChange(nil, b))
			merged.Version = b.Version
			return merged
		case ChangeUpdate:
			delta := a.Delta.Clone()
			if delta == nil {
				delta = NewDelta()
			}
			for cid, comp := range b.Delta {
				if comp == nil {
					delta[cid] = nil
				} else {
					delta[cid] = comp.Clone()
				}
			}
			return Change{Kind: ChangeUpdate, ID: b.ID, Delta: delta, Version: b.Version}
		}
	}
	return b
}

// ChangedIDs returns the ids touched by the changes, in first-seen order.
func ChangedIDs(changes []Change) []EntityID {
	seen := make(map[EntityID]struct{}, len(changes))
	out := make([]EntityID, 0, len(changes))
	for _, c := range changes {
		if !c.IsMutation() {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c.ID)
	}
	return out
}

// ChangeBuffer coalesces changes per entity while keeping first-seen order.
type ChangeBuffer struct {
	order   []EntityID
	pending map[EntityID]Change
	beats   uint64
}

// NewChangeBuffer returns an empty buffer.
func NewChangeBuffer() *ChangeBuffer {
	return &ChangeBuffer{pending: make(map[EntityID]Change)}
}

// Push merges changes into the buffer. Heartbeats only advance the counter.
func (b *ChangeBuffer) Push(changes ...Change) {
	for _, c := range changes {
		if c.Kind == ChangeHeartbeat {
			b.beats = max(b.beats, c.Heartbeat)
			continue
		}
		if !c.IsMutation() {
			continue
		}
		if prev, ok := b.pending[c.ID]; ok {
			b.pending[c.ID] = MergeChange(&prev, c)
			continue
		}
		b.order = append(b.order, c.ID)
		b.pending[c.ID] = c
	}
}

// Len is the number of distinct entities buffered.
func (b *ChangeBuffer) Len() int {
	return len(b.order)
}

// Empty reports whether nothing is buffered.
func (b *ChangeBuffer) Empty() bool {
	return len(b.order) == 0
}

// Heartbeat returns the highest heartbeat counter pushed so far.
func (b *ChangeBuffer) Heartbeat() uint64 {
	return b.beats
}

// PopN drains up to n changes in first-seen order. n <= 0 drains everything.
func (b *ChangeBuffer) PopN(n int) []Change {
	if n <= 0 || n >= len(b.order) {
		return b.Pop()
	}
	out := make([]Change, 0, n)
	for _, id := range b.order[:n] {
		out = append(out, b.pending[id])
		delete(b.pending, id)
	}
	b.order = append(b.order[:0], b.order[n:]...)
	return out
}

// Pop drains the buffer.
func (b *ChangeBuffer) Pop() []Change {
	out := make([]Change, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.pending[id])
	}
	b.order = b.order[:0]
	clear(b.pending)
	return out
}
