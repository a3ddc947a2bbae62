package models

import (
	"slices"

	"github.com/tinylib/msgp/msgp"
)

// componentFormat prefixes every encoded component payload.
const componentFormat byte = 0x01

// EncodeComponent returns the wire payload of a single component.
func EncodeComponent(c Component) []byte {
	if raw, ok := c.(*RawComponent); ok {
		return slices.Clone(raw.Payload)
	}
	b := make([]byte, 1, 16)
	b[0] = componentFormat
	return c.AppendFields(b)
}

// DecodeComponent parses a component payload. Ids without a schema decode to
// a RawComponent holding the original bytes.
func DecodeComponent(cid ComponentID, payload []byte) (Component, error) {
	c, err := decodeComponent(cid, payload)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// EncodeEntity packs the entity's components as a msgpack map of
// component id to payload, ordered by component id.
func EncodeEntity(e *Entity) []byte {
	return AppendEntity(nil, e)
}

// AppendEntity is the appending form of EncodeEntity.
func AppendEntity(b []byte, e *Entity) []byte {
	components := e.Components()
	b = msgp.AppendMapHeader(b, uint32(len(components)))
	for _, c := range components {
		b = msgp.AppendUint32(b, uint32(c.ComponentID()))
		b = msgp.AppendBytes(b, EncodeComponent(c))
	}
	return b
}

// DecodeEntity parses a record produced by EncodeEntity.
func DecodeEntity(id EntityID, b []byte) (*Entity, error) {
	e, _, err := readEntity(id, b)
	return e, err
}

func readEntity(id EntityID, b []byte) (*Entity, []byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, b, Malformed(id, 0, err)
	}
	e := &Entity{ID: id}
	for range n {
		var (
			cid     uint32
			payload []byte
		)
		if cid, b, err = msgp.ReadUint32Bytes(b); err != nil {
			return nil, b, Malformed(id, 0, err)
		}
		if payload, b, err = msgp.ReadBytesZC(b); err != nil {
			return nil, b, Malformed(id, ComponentID(cid), err)
		}
		c, err := decodeComponent(ComponentID(cid), payload)
		if err != nil {
			return nil, b, Malformed(id, ComponentID(cid), err)
		}
		e.setComponent(c)
	}
	return e, b, nil
}

// EntityFromPayloads builds an entity from per-component payloads, as stored
// in one hash field per component.
func EntityFromPayloads(id EntityID, payloads map[ComponentID][]byte) (*Entity, error) {
	e := &Entity{ID: id}
	for cid, payload := range payloads {
		c, err := decodeComponent(cid, payload)
		if err != nil {
			return nil, Malformed(id, cid, err)
		}
		e.setComponent(c)
	}
	return e, nil
}

// EncodeChange packs a change without its version as
// [kind, id|counter, body]. Create bodies are entity records, Update bodies
// are maps of component id to payload (nil clears), Delete bodies are nil.
func EncodeChange(c Change) []byte {
	return AppendChange(nil, c)
}

// AppendChange is the appending form of EncodeChange.
func AppendChange(b []byte, c Change) []byte {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendUint8(b, uint8(c.Kind))
	switch c.Kind {
	case ChangeHeartbeat:
		b = msgp.AppendUint64(b, c.Heartbeat)
		return msgp.AppendNil(b)
	case ChangeCreate:
		b = msgp.AppendUint64(b, uint64(c.ID))
		return AppendEntity(b, c.Entity)
	case ChangeUpdate:
		b = msgp.AppendUint64(b, uint64(c.ID))
		cids := c.Delta.ComponentIDs()
		b = msgp.AppendMapHeader(b, uint32(len(cids)))
		for _, cid := range cids {
			b = msgp.AppendUint32(b, uint32(cid))
			if comp := c.Delta[cid]; comp != nil {
				b = msgp.AppendBytes(b, EncodeComponent(comp))
			} else {
				b = msgp.AppendNil(b)
			}
		}
		return b
	default:
		b = msgp.AppendUint64(b, uint64(c.ID))
		return msgp.AppendNil(b)
	}
}

// DecodeChange parses a record produced by EncodeChange.
func DecodeChange(b []byte) (Change, error) {
	c, _, err := readChange(b)
	return c, err
}

func readChange(b []byte) (Change, []byte, error) {
	var c Change
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return c, b, err
	}
	if sz != 3 {
		return c, b, msgp.ArrayError{Wanted: 3, Got: sz}
	}
	kind, b, err := msgp.ReadUint8Bytes(b)
	if err != nil {
		return c, b, err
	}
	c.Kind = ChangeKind(kind)
	raw, b, err := msgp.ReadUint64Bytes(b)
	if err != nil {
		return c, b, err
	}
	switch c.Kind {
	case ChangeHeartbeat:
		c.Heartbeat = raw
		b, err = msgp.ReadNilBytes(b)
		return c, b, err
	case ChangeCreate:
		c.ID = EntityID(raw)
		c.Entity, b, err = readEntity(c.ID, b)
		return c, b, err
	case ChangeUpdate:
		c.ID = EntityID(raw)
		var n uint32
		if n, b, err = msgp.ReadMapHeaderBytes(b); err != nil {
			return c, b, Malformed(c.ID, 0, err)
		}
		c.Delta = make(Delta, n)
		for range n {
			var cid uint32
			if cid, b, err = msgp.ReadUint32Bytes(b); err != nil {
				return c, b, Malformed(c.ID, 0, err)
			}
			if msgp.IsNil(b) {
				if b, err = msgp.ReadNilBytes(b); err != nil {
					return c, b, err
				}
				c.Delta[ComponentID(cid)] = nil
				continue
			}
			var payload []byte
			if payload, b, err = msgp.ReadBytesZC(b); err != nil {
				return c, b, Malformed(c.ID, ComponentID(cid), err)
			}
			comp, err := decodeComponent(ComponentID(cid), payload)
			if err != nil {
				return c, b, Malformed(c.ID, ComponentID(cid), err)
			}
			c.Delta[ComponentID(cid)] = comp
		}
		return c, b, nil
	case ChangeDelete:
		c.ID = EntityID(raw)
		b, err = msgp.ReadNilBytes(b)
		return c, b, err
	default:
		return c, b, ErrUnknownChange
	}
}

// EncodeChanges packs versioned changes as an array of [version, change].
func EncodeChanges(changes []Change) []byte {
	b := msgp.AppendArrayHeader(nil, uint32(len(changes)))
	for _, c := range changes {
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendUint64(b, c.Version)
		b = AppendChange(b, c)
	}
	return b
}

// DecodeChanges parses a record produced by EncodeChanges.
func DecodeChanges(b []byte) ([]Change, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, err
	}
	out := make([]Change, 0, n)
	for range n {
		var sz uint32
		if sz, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return nil, err
		}
		if sz != 2 {
			return nil, msgp.ArrayError{Wanted: 2, Got: sz}
		}
		var version uint64
		if version, b, err = msgp.ReadUint64Bytes(b); err != nil {
			return nil, err
		}
		var c Change
		if c, b, err = readChange(b); err != nil {
			return nil, err
		}
		c.Version = version
		out = append(out, c)
	}
	return out, nil
}
