package models

import (
	"encoding/hex"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestCodec_WireFormat(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))

	cases := map[string][]byte{
		"label_zip":             EncodeComponent(&Label{Text: "zip"}),
		"position_int":          EncodeComponent(&Position{V: Vec3{1, 2, 3}}),
		"position_mixed":        EncodeComponent(&Position{V: Vec3{0.5, -2, 3}}),
		"remote_connection":     EncodeComponent(&RemoteConnection{}),
		"entity_label_position": EncodeEntity(NewEntity(1, &Label{Text: "zip"}, &Position{V: Vec3{1, 2, 3}})),
		"change_delete":         EncodeChange(Delete(7)),
	}
	for name, encoded := range cases {
		t.Run(name, func(t *testing.T) {
			g.Assert(t, name, []byte(hex.EncodeToString(encoded)))
		})
	}
}

func TestCodec_EntityRoundTrip(t *testing.T) {
	t.Run("No Components", func(t *testing.T) {
		e := NewEntity(42)
		decoded, err := DecodeEntity(42, EncodeEntity(e))
		require.NoError(t, err)
		require.True(t, e.Equal(decoded))
		require.Empty(t, decoded.ComponentIDs())
	})

	t.Run("Every Component", func(t *testing.T) {
		e := NewEntity(99,
			&RemoteConnection{},
			&RigidBody{Velocity: Vec3{0.25, -1, 9.5}},
			&Label{Text: "Taylor"},
			&Position{V: Vec3{1, 2, 3}},
			&Orientation{V: Vec2{0.1, -3.14}},
			&Iced{},
			&Health{HP: 40, MaxHP: 1000},
			&InGroup{ID: 7},
			&Size{V: Vec3{1, 1, 2}},
			&PlacedBy{ID: 8, PlacedAt: 1700000000.5},
		)
		decoded, err := DecodeEntity(99, EncodeEntity(e))
		require.NoError(t, err)
		require.True(t, e.Equal(decoded))
		require.Equal(t, "Taylor", decoded.Label.Text)
		require.Equal(t, int32(1000), decoded.Health.MaxHP)
		require.Equal(t, Vec2{0.1, -3.14}, decoded.Orientation.V)
		require.Equal(t, EntityID(8), decoded.PlacedBy.ID)
	})

	t.Run("Every Subset", func(t *testing.T) {
		all := []Component{
			&Label{Text: "x"},
			&Position{V: Vec3{4, 5, 6}},
			&Iced{},
			&Health{HP: 1, MaxHP: 2},
		}
		for mask := 0; mask < 1<<len(all); mask++ {
			var picked []Component
			for i, c := range all {
				if mask&(1<<i) != 0 {
					picked = append(picked, c)
				}
			}
			e := NewEntity(5, picked...)
			decoded, err := DecodeEntity(5, EncodeEntity(e))
			require.NoError(t, err)
			require.True(t, e.Equal(decoded), "mask %b", mask)
			require.Len(t, decoded.ComponentIDs(), len(picked))
		}
	})

	t.Run("Unknown Components Round Trip", func(t *testing.T) {
		payload := []byte{0x01, 0x92, 0xa2, 'h', 'i', 0x07}
		e := NewEntity(3, &Label{Text: "known"}, &RawComponent{ID: 4000, Payload: payload})
		decoded, err := DecodeEntity(3, EncodeEntity(e))
		require.NoError(t, err)
		require.Equal(t, payload, decoded.Unknown[4000])
		require.Equal(t, payload, EncodeComponent(decoded.Component(4000)))
		require.Equal(t, []ComponentID{LabelID, 4000}, decoded.ComponentIDs())
	})
}

func TestCodec_Malformed(t *testing.T) {
	_, err := DecodeEntity(11, []byte{0x81, 0x25, 0xc4, 0x02, 0x02, 0x90})
	require.ErrorIs(t, err, ErrMalformedEntity)

	var malformed *MalformedEntityError
	require.ErrorAs(t, err, &malformed)
	require.Equal(t, EntityID(11), malformed.ID)
	require.Equal(t, LabelID, malformed.Component)

	_, err = DecodeEntity(11, []byte{0xff})
	require.ErrorIs(t, err, ErrMalformedEntity)
}

func TestCodec_ChangeRoundTrip(t *testing.T) {
	changes := []Change{
		Create(NewEntity(1, &Label{Text: "a"})).WithVersion(3),
		Update(2, NewDelta().Set(&Position{V: Vec3{1, 0, 0}}).Clear(LabelID)).WithVersion(9),
		Delete(3).WithVersion(4),
		HeartbeatChange(17),
	}
	decoded, err := DecodeChanges(EncodeChanges(changes))
	require.NoError(t, err)
	require.Len(t, decoded, len(changes))

	require.Equal(t, ChangeCreate, decoded[0].Kind)
	require.Equal(t, uint64(3), decoded[0].Version)
	require.True(t, changes[0].Entity.Equal(decoded[0].Entity))

	require.Equal(t, ChangeUpdate, decoded[1].Kind)
	require.Equal(t, EntityID(2), decoded[1].ID)
	require.Nil(t, decoded[1].Delta[LabelID])
	require.True(t, decoded[1].Delta.Touches(LabelID))
	require.Equal(t, &Position{V: Vec3{1, 0, 0}}, decoded[1].Delta[PositionID])

	require.Equal(t, Change{Kind: ChangeDelete, ID: 3, Version: 4}, decoded[2])
	require.Equal(t, uint64(17), decoded[3].Heartbeat)
}

func TestNewComponent(t *testing.T) {
	for _, cid := range KnownComponentIDs() {
		c := NewComponent(cid)
		require.NotNil(t, c, ComponentName(cid))
		require.Equal(t, cid, c.ComponentID())

		id, ok := ComponentIDByName(ComponentName(cid))
		require.True(t, ok)
		require.Equal(t, cid, id)
	}
	require.Nil(t, NewComponent(4000))
}
