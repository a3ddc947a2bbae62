package models

import (
	"math"
	"slices"

	"github.com/tinylib/msgp/msgp"
)

// Component is one optional field group of an entity.
type Component interface {
	ComponentID() ComponentID
	// AppendFields appends the msgpack array of the component's fields.
	AppendFields(b []byte) []byte
	Clone() Component
}

const (
	RemoteConnectionID ComponentID = 31
	RigidBodyID        ComponentID = 32
	LabelID            ComponentID = 37
	PositionID         ComponentID = 54
	OrientationID      ComponentID = 55
	IcedID             ComponentID = 57
	HealthID           ComponentID = 75
	InGroupID          ComponentID = 95
	SizeID             ComponentID = 110
	PlacedByID         ComponentID = 145
)

var knownComponentIDs = []ComponentID{
	RemoteConnectionID,
	RigidBodyID,
	LabelID,
	PositionID,
	OrientationID,
	IcedID,
	HealthID,
	InGroupID,
	SizeID,
	PlacedByID,
}

var componentNames = map[ComponentID]string{
	RemoteConnectionID: "remote_connection",
	RigidBodyID:        "rigid_body",
	LabelID:            "label",
	PositionID:         "position",
	OrientationID:      "orientation",
	IcedID:             "iced",
	HealthID:           "health",
	InGroupID:          "in_group",
	SizeID:             "size",
	PlacedByID:         "placed_by",
}

// ComponentName returns the schema name of a component id, or "" if unknown.
func ComponentName(cid ComponentID) string {
	return componentNames[cid]
}

// ComponentIDByName resolves a schema name.
func ComponentIDByName(name string) (ComponentID, bool) {
	for cid, n := range componentNames {
		if n == name {
			return cid, true
		}
	}
	return 0, false
}

// NewComponent returns an empty component of a schema id, nil if the id has
// no schema.
func NewComponent(cid ComponentID) Component {
	switch cid {
	case RemoteConnectionID:
		return &RemoteConnection{}
	case RigidBodyID:
		return &RigidBody{}
	case LabelID:
		return &Label{}
	case PositionID:
		return &Position{}
	case OrientationID:
		return &Orientation{}
	case IcedID:
		return &Iced{}
	case HealthID:
		return &Health{}
	case InGroupID:
		return &InGroup{}
	case SizeID:
		return &Size{}
	case PlacedByID:
		return &PlacedBy{}
	default:
		return nil
	}
}

// KnownComponentIDs returns the ids of every component in the schema.
func KnownComponentIDs() []ComponentID {
	return slices.Clone(knownComponentIDs)
}

type Vec2 [2]float64

type Vec3 [3]float64

type RemoteConnection struct{}

func (*RemoteConnection) ComponentID() ComponentID { return RemoteConnectionID }

func (*RemoteConnection) AppendFields(b []byte) []byte {
	return msgp.AppendArrayHeader(b, 0)
}

func (*RemoteConnection) Clone() Component { return &RemoteConnection{} }

type RigidBody struct {
	Velocity Vec3
}

func (*RigidBody) ComponentID() ComponentID { return RigidBodyID }

func (c *RigidBody) AppendFields(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 1)
	return appendVec3(b, c.Velocity)
}

func (c *RigidBody) Clone() Component { v := *c; return &v }

type Label struct {
	Text string
}

func (*Label) ComponentID() ComponentID { return LabelID }

func (c *Label) AppendFields(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 1)
	return msgp.AppendString(b, c.Text)
}

func (c *Label) Clone() Component { v := *c; return &v }

type Position struct {
	V Vec3
}

func (*Position) ComponentID() ComponentID { return PositionID }

func (c *Position) AppendFields(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 1)
	return appendVec3(b, c.V)
}

func (c *Position) Clone() Component { v := *c; return &v }

type Orientation struct {
	V Vec2
}

func (*Orientation) ComponentID() ComponentID { return OrientationID }

func (c *Orientation) AppendFields(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 1)
	b = msgp.AppendArrayHeader(b, 2)
	b = appendNumber(b, c.V[0])
	return appendNumber(b, c.V[1])
}

func (c *Orientation) Clone() Component { v := *c; return &v }

type Iced struct{}

func (*Iced) ComponentID() ComponentID { return IcedID }

func (*Iced) AppendFields(b []byte) []byte {
	return msgp.AppendArrayHeader(b, 0)
}

func (*Iced) Clone() Component { return &Iced{} }

type Health struct {
	HP    int32
	MaxHP int32
}

func (*Health) ComponentID() ComponentID { return HealthID }

func (c *Health) AppendFields(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendInt32(b, c.HP)
	return msgp.AppendInt32(b, c.MaxHP)
}

func (c *Health) Clone() Component { v := *c; return &v }

type InGroup struct {
	ID EntityID
}

func (*InGroup) ComponentID() ComponentID { return InGroupID }

func (c *InGroup) AppendFields(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 1)
	return msgp.AppendUint64(b, uint64(c.ID))
}

func (c *InGroup) Clone() Component { v := *c; return &v }

type Size struct {
	V Vec3
}

func (*Size) ComponentID() ComponentID { return SizeID }

func (c *Size) AppendFields(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 1)
	return appendVec3(b, c.V)
}

func (c *Size) Clone() Component { v := *c; return &v }

type PlacedBy struct {
	ID       EntityID
	PlacedAt float64
}

func (*PlacedBy) ComponentID() ComponentID { return PlacedByID }

func (c *PlacedBy) AppendFields(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendUint64(b, uint64(c.ID))
	return appendNumber(b, c.PlacedAt)
}

func (c *PlacedBy) Clone() Component { v := *c; return &v }

// RawComponent carries the payload of a component id without a schema in this
// build. The payload is kept byte for byte, format prefix included.
type RawComponent struct {
	ID      ComponentID
	Payload []byte
}

func (c *RawComponent) ComponentID() ComponentID { return c.ID }

// AppendFields strips the format prefix so that EncodeComponent reproduces
// the original payload.
func (c *RawComponent) AppendFields(b []byte) []byte {
	if len(c.Payload) == 0 {
		return b
	}
	return append(b, c.Payload[1:]...)
}

func (c *RawComponent) Clone() Component {
	return &RawComponent{ID: c.ID, Payload: slices.Clone(c.Payload)}
}

func decodeComponent(cid ComponentID, payload []byte) (Component, error) {
	if len(payload) == 0 || payload[0] != componentFormat {
		return nil, errUnsupportedFormat
	}
	b := payload[1:]
	var (
		n   uint32
		err error
	)
	switch cid {
	case RemoteConnectionID:
		if _, _, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return nil, err
		}
		return &RemoteConnection{}, nil
	case IcedID:
		if _, _, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return nil, err
		}
		return &Iced{}, nil
	case RigidBodyID:
		c := &RigidBody{}
		if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return nil, err
		}
		if n > 0 {
			if c.Velocity, _, err = readVec3(b); err != nil {
				return nil, err
			}
		}
		return c, nil
	case LabelID:
		c := &Label{}
		if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return nil, err
		}
		if n > 0 {
			if c.Text, _, err = msgp.ReadStringBytes(b); err != nil {
				return nil, err
			}
		}
		return c, nil
	case PositionID:
		c := &Position{}
		if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return nil, err
		}
		if n > 0 {
			if c.V, _, err = readVec3(b); err != nil {
				return nil, err
			}
		}
		return c, nil
	case SizeID:
		c := &Size{}
		if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return nil, err
		}
		if n > 0 {
			if c.V, _, err = readVec3(b); err != nil {
				return nil, err
			}
		}
		return c, nil
	case OrientationID:
		c := &Orientation{}
		if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return nil, err
		}
		if n > 0 {
			var sz uint32
			if sz, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
				return nil, err
			}
			if sz != 2 {
				return nil, msgp.ArrayError{Wanted: 2, Got: sz}
			}
			for i := range c.V {
				if c.V[i], b, err = readNumber(b); err != nil {
					return nil, err
				}
			}
		}
		return c, nil
	case HealthID:
		c := &Health{}
		if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return nil, err
		}
		if n > 0 {
			if c.HP, b, err = msgp.ReadInt32Bytes(b); err != nil {
				return nil, err
			}
		}
		if n > 1 {
			if c.MaxHP, _, err = msgp.ReadInt32Bytes(b); err != nil {
				return nil, err
			}
		}
		return c, nil
	case InGroupID:
		c := &InGroup{}
		if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return nil, err
		}
		if n > 0 {
			var id uint64
			if id, _, err = msgp.ReadUint64Bytes(b); err != nil {
				return nil, err
			}
			c.ID = EntityID(id)
		}
		return c, nil
	case PlacedByID:
		c := &PlacedBy{}
		if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return nil, err
		}
		if n > 0 {
			var id uint64
			if id, b, err = msgp.ReadUint64Bytes(b); err != nil {
				return nil, err
			}
			c.ID = EntityID(id)
		}
		if n > 1 {
			if c.PlacedAt, _, err = readNumber(b); err != nil {
				return nil, err
			}
		}
		return c, nil
	}
	return &RawComponent{ID: cid, Payload: slices.Clone(payload)}, nil
}

func appendVec3(b []byte, v Vec3) []byte {
	b = msgp.AppendArrayHeader(b, 3)
	for _, f := range v {
		b = appendNumber(b, f)
	}
	return b
}

func readVec3(b []byte) (v Vec3, o []byte, err error) {
	var sz uint32
	if sz, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return v, b, err
	}
	if sz != 3 {
		return v, b, msgp.ArrayError{Wanted: 3, Got: sz}
	}
	for i := range v {
		if v[i], b, err = readNumber(b); err != nil {
			return v, b, err
		}
	}
	return v, b, nil
}

// appendNumber writes integral values as msgpack ints and everything else as
// float64, matching what dynamically typed writers emit.
func appendNumber(b []byte, f float64) []byte {
	if f == math.Trunc(f) && math.Abs(f) <= 1<<53 && !math.Signbit(f) {
		return msgp.AppendUint64(b, uint64(f))
	}
	if f == math.Trunc(f) && math.Abs(f) <= 1<<53 && f != 0 {
		return msgp.AppendInt64(b, int64(f))
	}
	return msgp.AppendFloat64(b, f)
}

func readNumber(b []byte) (float64, []byte, error) {
	switch msgp.NextType(b) {
	case msgp.IntType:
		i, o, err := msgp.ReadInt64Bytes(b)
		return float64(i), o, err
	case msgp.UintType:
		u, o, err := msgp.ReadUint64Bytes(b)
		return float64(u), o, err
	case msgp.Float32Type:
		f, o, err := msgp.ReadFloat32Bytes(b)
		return float64(f), o, err
	default:
		return msgp.ReadFloat64Bytes(b)
	}
}
