package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldstore/internal/core/models"
)

func labelKey(e *models.Entity) (string, bool) {
	if e.Label == nil {
		return "", false
	}
	return e.Label.Text, true
}

func TestKeyIndex(t *testing.T) {
	idx := NewKeyIndex(labelKey, models.LabelID)

	idx.Update(models.NewEntity(1, &models.Label{Text: "tree"}), nil)
	idx.Update(models.NewEntity(2, &models.Label{Text: "tree"}), nil)
	idx.Update(models.NewEntity(3, &models.Label{Text: "rock"}), nil)
	idx.Update(models.NewEntity(4, &models.Iced{}), nil)

	require.Equal(t, 3, idx.Size())
	require.Equal(t, []models.EntityID{1, 2}, idx.Get("tree"))
	require.Equal(t, []string{"rock", "tree"}, SortedKeys(idx))

	t.Run("Rekey", func(t *testing.T) {
		change := models.Update(2, models.NewDelta().Set(&models.Label{Text: "rock"}))
		idx.Update(models.NewEntity(2, &models.Label{Text: "rock"}), &change)
		require.Equal(t, []models.EntityID{1}, idx.Get("tree"))
		require.Equal(t, 2, idx.Count("rock"))
		key, ok := idx.KeyOf(2)
		require.True(t, ok)
		require.Equal(t, "rock", key)
	})

	t.Run("Untracked Update Ignored", func(t *testing.T) {
		change := models.Update(1, models.NewDelta().Set(&models.Iced{}))
		idx.Update(models.NewEntity(1, &models.Iced{}), &change)
		require.Equal(t, []models.EntityID{1}, idx.Get("tree"))
	})

	t.Run("Key Removed", func(t *testing.T) {
		change := models.Update(1, models.NewDelta().Clear(models.LabelID))
		idx.Update(models.NewEntity(1), &change)
		require.Empty(t, idx.Get("tree"))
		require.NotContains(t, idx.Keys(), "tree")
	})

	t.Run("Delete And Clear", func(t *testing.T) {
		idx.Delete(3)
		require.Equal(t, []models.EntityID{2}, idx.Get("rock"))
		idx.Clear()
		require.Zero(t, idx.Size())
		require.Empty(t, idx.Keys())
	})
}

func TestPredicateIndex(t *testing.T) {
	idx := NewComponentIndex(models.PositionID, models.HealthID)

	idx.Update(models.NewEntity(5, &models.Position{}, &models.Health{HP: 1}), nil)
	idx.Update(models.NewEntity(3, &models.Position{}, &models.Health{HP: 1}), nil)
	idx.Update(models.NewEntity(4, &models.Position{}), nil)
	require.Equal(t, []models.EntityID{3, 5}, idx.IDs())
	require.True(t, idx.Contains(5))
	require.False(t, idx.Contains(4))

	change := models.Update(5, models.NewDelta().Clear(models.HealthID))
	idx.Update(models.NewEntity(5, &models.Position{}), &change)
	require.Equal(t, []models.EntityID{3}, idx.IDs())

	labelled := NewPredicateIndex(func(e *models.Entity) bool { return e.Label != nil }, models.LabelID)
	labelled.Update(models.NewEntity(3, &models.Label{Text: "x"}), nil)
	labelled.Update(models.NewEntity(9, &models.Label{Text: "y"}), nil)
	require.Equal(t, []models.EntityID{3}, idx.Intersect(labelled))

	idx.Delete(3)
	require.Zero(t, idx.Size())
}

func TestMetaIndex(t *testing.T) {
	meta := NewMetaIndex().
		MustRegister("spatial", NewSpatialIndex()).
		MustRegister("players", NewComponentIndex(models.RemoteConnectionID)).
		MustRegister("labels", NewKeyIndex(labelKey, models.LabelID))

	require.ErrorIs(t, meta.Register("spatial", NewSpatialIndex()), ErrDuplicateIndex)
	require.Equal(t, []string{"spatial", "players", "labels"}, meta.Names())

	e := models.NewEntity(7, &models.Position{V: models.Vec3{1, 1, 1}}, &models.RemoteConnection{}, &models.Label{Text: "p"})
	meta.Update(e, nil)
	assert.Equal(t, map[string]int{"spatial": 1, "players": 1, "labels": 1}, meta.Sizes())

	spatial, err := Lookup[*SpatialIndex](meta, "spatial")
	require.NoError(t, err)
	require.Equal(t, []models.EntityID{7}, spatial.ScanSphere(models.Vec3{}, 2))

	_, err = Lookup[*PredicateIndex](meta, "spatial")
	require.ErrorIs(t, err, ErrIndexType)
	_, err = Lookup[*SpatialIndex](meta, "missing")
	require.ErrorIs(t, err, ErrUnknownIndex)

	meta.Delete(7)
	assert.Equal(t, map[string]int{"spatial": 0, "players": 0, "labels": 0}, meta.Sizes())

	meta.Update(e, nil)
	meta.Clear()
	assert.Equal(t, map[string]int{"spatial": 0, "players": 0, "labels": 0}, meta.Sizes())
}
