package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyChange(t *testing.T) {
	base := NewEntity(1, &Label{Text: "a"}, &Position{V: Vec3{1, 2, 3}})

	t.Run("Update Sets And Clears", func(t *testing.T) {
		out := ApplyChange(base, Update(1, NewDelta().Set(&Health{HP: 5, MaxHP: 10}).Clear(LabelID)))
		require.Nil(t, out.Label)
		require.Equal(t, &Health{HP: 5, MaxHP: 10}, out.Health)
		require.Equal(t, base.Position, out.Position)
		require.NotNil(t, base.Label, "prior snapshot must stay untouched")
	})

	t.Run("Update On Absent Creates", func(t *testing.T) {
		out := ApplyChange(nil, Update(9, NewDelta().Set(&Iced{})))
		require.NotNil(t, out)
		require.Equal(t, EntityID(9), out.ID)
		require.True(t, out.Has(IcedID))
	})

	t.Run("Create Replaces", func(t *testing.T) {
		out := ApplyChange(base, Create(NewEntity(1, &Iced{})))
		require.Equal(t, []ComponentID{IcedID}, out.ComponentIDs())
	})

	t.Run("Delete", func(t *testing.T) {
		require.Nil(t, ApplyChange(base, Delete(1)))
	})
}

func TestMergeChange(t *testing.T) {
	create := Create(NewEntity(1, &Label{Text: "a"}))
	update := Update(1, NewDelta().Set(&Position{V: Vec3{1, 1, 1}}).Clear(LabelID)).WithVersion(2)

	t.Run("Create Then Update", func(t *testing.T) {
		merged := MergeChange(&create, update)
		require.Equal(t, ChangeCreate, merged.Kind)
		require.Equal(t, uint64(2), merged.Version)
		require.Equal(t, []ComponentID{PositionID}, merged.Entity.ComponentIDs())
	})

	t.Run("Delete Then Update", func(t *testing.T) {
		del := Delete(1)
		merged := MergeChange(&del, update)
		require.Equal(t, ChangeCreate, merged.Kind)
		require.Equal(t, []ComponentID{PositionID}, merged.Entity.ComponentIDs())
	})

	t.Run("Update Then Update", func(t *testing.T) {
		first := Update(1, NewDelta().Set(&Label{Text: "b"}, &Iced{}))
		merged := MergeChange(&first, update)
		require.Equal(t, ChangeUpdate, merged.Kind)
		require.Equal(t, []ComponentID{LabelID, PositionID, IcedID}, merged.Delta.ComponentIDs())
		require.Nil(t, merged.Delta[LabelID])
		require.Len(t, first.Delta, 2, "input delta must stay untouched")
	})

	t.Run("Later Create Or Delete Wins", func(t *testing.T) {
		require.Equal(t, Delete(1), MergeChange(&create, Delete(1)))
		recreate := Create(NewEntity(1, &Iced{}))
		require.Equal(t, recreate, MergeChange(&update, recreate))
	})

	t.Run("Merged Equals Sequential", func(t *testing.T) {
		prior := NewEntity(1, &Label{Text: "p"}, &Health{HP: 1, MaxHP: 1})
		seq := []Change{
			Update(1, NewDelta().Clear(HealthID)),
			Update(1, NewDelta().Set(&Size{V: Vec3{2, 2, 2}})),
			Delete(1),
			Update(1, NewDelta().Set(&Label{Text: "q"})),
		}
		expected := prior
		for _, c := range seq {
			expected = ApplyChange(expected, c)
		}
		var merged *Change
		for _, c := range seq {
			m := MergeChange(merged, c)
			merged = &m
		}
		require.True(t, expected.Equal(ApplyChange(prior, *merged)))
	})
}

func TestChangeBuffer(t *testing.T) {
	buf := NewChangeBuffer()
	require.True(t, buf.Empty())

	buf.Push(
		Update(2, NewDelta().Set(&Label{Text: "x"})).WithVersion(1),
		HeartbeatChange(3),
		Create(NewEntity(1, &Iced{})).WithVersion(4),
		Update(2, NewDelta().Set(&Iced{})).WithVersion(2),
		HeartbeatChange(2),
	)
	require.Equal(t, 2, buf.Len())
	require.Equal(t, uint64(3), buf.Heartbeat())

	first := buf.PopN(1)
	require.Len(t, first, 1)
	assert.Equal(t, EntityID(2), first[0].ID)
	buf.Push(Delete(2).WithVersion(3))

	out := buf.Pop()
	require.Len(t, out, 2)
	assert.Equal(t, Change{Kind: ChangeDelete, ID: 2, Version: 3}, out[1])
	require.True(t, buf.Empty())
}

func TestChangeBuffer_Merges(t *testing.T) {
	buf := NewChangeBuffer()
	buf.Push(
		Update(2, NewDelta().Set(&Label{Text: "x"})).WithVersion(1),
		Create(NewEntity(1, &Iced{})).WithVersion(4),
		Update(2, NewDelta().Set(&Iced{})).WithVersion(2),
	)
	out := buf.Pop()
	require.Len(t, out, 2)
	assert.Equal(t, EntityID(2), out[0].ID)
	assert.Equal(t, uint64(2), out[0].Version)
	assert.Equal(t, []ComponentID{LabelID, IcedID}, out[0].Delta.ComponentIDs())
	assert.Equal(t, EntityID(1), out[1].ID)
	require.True(t, buf.Empty())
}

func TestChangedIDs(t *testing.T) {
	ids := ChangedIDs([]Change{Delete(3), HeartbeatChange(1), Update(1, nil), Delete(3)})
	require.Equal(t, []EntityID{3, 1}, ids)
}

func TestIff_Holds(t *testing.T) {
	live := EntityState{Version: 3, Entity: NewEntity(1, &Label{Text: "a"})}
	tombstone := EntityState{Version: 4}
	never := EntityState{}

	cases := []struct {
		name  string
		iff   Iff
		state EntityState
		want  bool
	}{
		{"exact version", IffAt(1, 3), live, true},
		{"stale version", IffAt(1, 2), live, false},
		{"version on tombstone", IffAt(1, 4), tombstone, false},
		{"absent on never written", IffAbsent(1), never, true},
		{"absent on tombstone", IffAbsent(1), tombstone, true},
		{"absent on live", IffAbsent(1), live, false},
		{"exists", IffExists(1), live, true},
		{"exists on tombstone", IffExists(1), tombstone, false},
		{"require present", IffExists(1, LabelID), live, true},
		{"require missing", IffAt(1, 3, PositionID), live, false},
		{"forbid present", Iff{ID: 1, Exists: true, Forbid: []ComponentID{LabelID}}, live, false},
		{"forbid missing", Iff{ID: 1, Exists: true, Forbid: []ComponentID{IcedID}}, live, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.iff.Holds(tc.state))
		})
	}
}

func TestFilter(t *testing.T) {
	e := NewEntity(1, &Label{Text: "a"}, &Position{V: Vec3{0, 0, 0}}, &Iced{})

	require.True(t, Filter{}.Matches(e))
	require.False(t, Filter{}.Matches(nil))
	require.True(t, Filter{AllOf: []ComponentID{LabelID, IcedID}}.Matches(e))
	require.False(t, Filter{AllOf: []ComponentID{HealthID}}.Matches(e))
	require.True(t, Filter{AnyOf: []ComponentID{HealthID, IcedID}}.Matches(e))
	require.False(t, Filter{AnyOf: []ComponentID{HealthID, SizeID}}.Matches(e))
	require.False(t, Filter{NoneOf: []ComponentID{IcedID}}.Matches(e))

	projected := Filter{AllOf: []ComponentID{IcedID}, Fields: []ComponentID{LabelID}}.Apply(e)
	require.Equal(t, []ComponentID{LabelID}, projected.ComponentIDs())
	require.Nil(t, Filter{NoneOf: []ComponentID{LabelID}}.Apply(e))

	narrow := Filter{AllOf: []ComponentID{IcedID}, Fields: []ComponentID{LabelID}}
	require.True(t, narrow.Relevant([]ComponentID{LabelID}))
	require.False(t, narrow.Relevant([]ComponentID{HealthID}))
}
