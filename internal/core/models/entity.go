package models

import (
	"bytes"
	"slices"
	"strconv"
)

// EntityID identifies an entity. Values never exceed MaxEntityID so they
// survive a round trip through a float64.
type EntityID uint64

// ComponentID is the stable wire identifier of a component kind.
type ComponentID uint32

// MaxEntityID is the largest id that is still exactly representable in 53 bits.
const MaxEntityID EntityID = 1<<53 - 1

// String returns the decimal form of the id.
func (id EntityID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Valid reports whether the id is non-zero and 53-bit safe.
func (id EntityID) Valid() bool {
	return id != 0 && id <= MaxEntityID
}

// ParseEntityID parses a decimal entity id.
func ParseEntityID(s string) (EntityID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	id := EntityID(v)
	if !id.Valid() {
		return 0, ErrInvalidEntityID
	}
	return id, nil
}

// Entity is an immutable snapshot of a sparse record. Each component field is
// optional; a nil pointer means the entity does not have that component.
// Mutation happens by producing a new snapshot through ApplyChange.
type Entity struct {
	ID EntityID

	RemoteConnection *RemoteConnection
	RigidBody        *RigidBody
	Label            *Label
	Position         *Position
	Orientation      *Orientation
	Iced             *Iced
	Health           *Health
	InGroup          *InGroup
	Size             *Size
	PlacedBy         *PlacedBy

	// Unknown holds payloads of components this build has no schema for.
	Unknown map[ComponentID][]byte
}

// NewEntity builds an entity from a list of components.
func NewEntity(id EntityID, components ...Component) *Entity {
	e := &Entity{ID: id}
	for _, c := range components {
		e.setComponent(c)
	}
	return e
}

// Component returns the component with the given id, or nil.
func (e *Entity) Component(cid ComponentID) Component {
	if e == nil {
		return nil
	}
	switch cid {
	case RemoteConnectionID:
		return nilOr(e.RemoteConnection)
	case RigidBodyID:
		return nilOr(e.RigidBody)
	case LabelID:
		return nilOr(e.Label)
	case PositionID:
		return nilOr(e.Position)
	case OrientationID:
		return nilOr(e.Orientation)
	case IcedID:
		return nilOr(e.Iced)
	case HealthID:
		return nilOr(e.Health)
	case InGroupID:
		return nilOr(e.InGroup)
	case SizeID:
		return nilOr(e.Size)
	case PlacedByID:
		return nilOr(e.PlacedBy)
	}
	if payload, ok := e.Unknown[cid]; ok {
		return &RawComponent{ID: cid, Payload: payload}
	}
	return nil
}

func nilOr[T any, P interface {
	*T
	Component
}](p P) Component {
	if p == nil {
		return nil
	}
	return p
}

// Has reports whether the entity carries the component.
func (e *Entity) Has(cid ComponentID) bool {
	return e.Component(cid) != nil
}

// HasAll reports whether every listed component is present.
func (e *Entity) HasAll(cids ...ComponentID) bool {
	for _, cid := range cids {
		if !e.Has(cid) {
			return false
		}
	}
	return true
}

// ComponentIDs lists the ids of the present components in ascending order.
func (e *Entity) ComponentIDs() []ComponentID {
	if e == nil {
		return nil
	}
	out := make([]ComponentID, 0, 4)
	for _, cid := range knownComponentIDs {
		if e.Has(cid) {
			out = append(out, cid)
		}
	}
	for cid := range e.Unknown {
		out = append(out, cid)
	}
	slices.Sort(out)
	return out
}

// Components returns the present components in ascending id order.
func (e *Entity) Components() []Component {
	ids := e.ComponentIDs()
	out := make([]Component, 0, len(ids))
	for _, cid := range ids {
		out = append(out, e.Component(cid))
	}
	return out
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := &Entity{ID: e.ID}
	for _, c := range e.Components() {
		out.setComponent(c.Clone())
	}
	return out
}

// Project returns a copy that keeps only the listed components. An empty list
// keeps everything.
func (e *Entity) Project(cids []ComponentID) *Entity {
	if e == nil {
		return nil
	}
	if len(cids) == 0 {
		return e.Clone()
	}
	out := &Entity{ID: e.ID}
	for _, cid := range cids {
		if c := e.Component(cid); c != nil {
			out.setComponent(c.Clone())
		}
	}
	return out
}

// With returns a copy with the given components set.
func (e *Entity) With(components ...Component) *Entity {
	out := e.Clone()
	for _, c := range components {
		out.setComponent(c.Clone())
	}
	return out
}

// Without returns a copy with the given components cleared.
func (e *Entity) Without(cids ...ComponentID) *Entity {
	out := e.Clone()
	for _, cid := range cids {
		out.clearComponent(cid)
	}
	return out
}

// Equal compares two snapshots component by component using their wire form.
func (e *Entity) Equal(other *Entity) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.ID != other.ID {
		return false
	}
	return bytes.Equal(EncodeEntity(e), EncodeEntity(other))
}

func (e *Entity) setComponent(c Component) {
	switch v := c.(type) {
	case *RemoteConnection:
		e.RemoteConnection = v
	case *RigidBody:
		e.RigidBody = v
	case *Label:
		e.Label = v
	case *Position:
		e.Position = v
	case *Orientation:
		e.Orientation = v
	case *Iced:
		e.Iced = v
	case *Health:
		e.Health = v
	case *InGroup:
		e.InGroup = v
	case *Size:
		e.Size = v
	case *PlacedBy:
		e.PlacedBy = v
	case *RawComponent:
		if known, err := decodeComponent(v.ID, v.Payload); err == nil {
			if _, raw := known.(*RawComponent); !raw {
				e.setComponent(known)
				return
			}
		}
		if e.Unknown == nil {
			e.Unknown = make(map[ComponentID][]byte)
		}
		e.Unknown[v.ID] = slices.Clone(v.Payload)
	}
}

func (e *Entity) clearComponent(cid ComponentID) {
	switch cid {
	case RemoteConnectionID:
		e.RemoteConnection = nil
	case RigidBodyID:
		e.RigidBody = nil
	case LabelID:
		e.Label = nil
	case PositionID:
		e.Position = nil
	case OrientationID:
		e.Orientation = nil
	case IcedID:
		e.Iced = nil
	case HealthID:
		e.Health = nil
	case InGroupID:
		e.InGroup = nil
	case SizeID:
		e.Size = nil
	case PlacedByID:
		e.PlacedBy = nil
	default:
		delete(e.Unknown, cid)
		if len(e.Unknown) == 0 {
			e.Unknown = nil
		}
	}
}

// EntityState pairs a snapshot with its version. A nil Entity with a non-zero
// version is a tombstone.
type EntityState struct {
	Version uint64
	Entity  *Entity
}

// Exists reports whether the state holds a live entity.
func (s EntityState) Exists() bool {
	return s.Entity != nil
}
