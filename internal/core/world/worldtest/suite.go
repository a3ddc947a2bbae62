// Package worldtest holds the behaviour every world.Backend must share.
package worldtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldstore/internal/core/index"
	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/table"
	"github.com/zeusync/worldstore/internal/core/world"
)

// Factory returns a fresh, empty backend. It is closed by the suite.
type Factory func(t *testing.T) world.Backend

// RunBackendSuite runs the shared backend contract against factory.
func RunBackendSuite(t *testing.T, factory Factory) {
	open := func(t *testing.T) world.Backend {
		b := factory(t)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}

	t.Run("Versions", func(t *testing.T) { testVersions(t, open(t)) })
	t.Run("Iffs", func(t *testing.T) { testIffs(t, open(t)) })
	t.Run("Atomicity", func(t *testing.T) { testAtomicity(t, open(t)) })
	t.Run("Position Scenario", func(t *testing.T) { testPositionScenario(t, open(t)) })
	t.Run("Filtered Reads", func(t *testing.T) { testFilteredReads(t, open(t)) })
	t.Run("Scan", func(t *testing.T) { testScan(t, open(t)) })
	t.Run("Log", func(t *testing.T) { testLog(t, open(t)) })
	t.Run("Counter", func(t *testing.T) { testCounter(t, open(t)) })
	t.Run("Subscription", func(t *testing.T) { testSubscription(t, open(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, factory(t)) })
}

func apply(t *testing.T, b world.Backend, changes ...models.Change) models.ApplyResult {
	t.Helper()
	res, err := b.Apply(context.Background(), models.ChangeToApply{Changes: changes})
	require.NoError(t, err)
	return res
}

func state(t *testing.T, b world.Backend, id models.EntityID) models.EntityState {
	t.Helper()
	states, err := b.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, states, 1)
	return states[0]
}

func testVersions(t *testing.T, b world.Backend) {
	res := apply(t, b, models.Create(models.NewEntity(1, &models.Label{Text: "a"})))
	require.Equal(t, map[models.EntityID]uint64{1: 1}, res.Versions)
	require.NotEmpty(t, res.Cursor)

	apply(t, b, models.Update(1, models.NewDelta().Set(&models.Iced{})))
	s := state(t, b, 1)
	require.Equal(t, uint64(2), s.Version)
	require.True(t, s.Entity.Has(models.IcedID))
	require.Equal(t, "a", s.Entity.Label.Text)

	t.Run("Delete Leaves Tombstone", func(t *testing.T) {
		apply(t, b, models.Delete(1))
		s := state(t, b, 1)
		require.Nil(t, s.Entity)
		require.Equal(t, uint64(3), s.Version)
	})

	t.Run("Recreate Continues Version", func(t *testing.T) {
		res := apply(t, b, models.Create(models.NewEntity(1, &models.Iced{})))
		require.Equal(t, uint64(4), res.Versions[1])
	})

	t.Run("Update On Absent Creates", func(t *testing.T) {
		apply(t, b, models.Update(2, models.NewDelta().Set(&models.Health{HP: 3, MaxHP: 4})))
		s := state(t, b, 2)
		require.Equal(t, uint64(1), s.Version)
		require.Equal(t, &models.Health{HP: 3, MaxHP: 4}, s.Entity.Health)
	})

	t.Run("Delete Of Absent Is A No-op", func(t *testing.T) {
		before, err := b.Mark(context.Background())
		require.NoError(t, err)
		res := apply(t, b, models.Delete(77))
		require.Empty(t, res.Versions)
		require.Empty(t, res.Cursor)
		after, err := b.Mark(context.Background())
		require.NoError(t, err)
		require.Equal(t, before, after)
		require.Equal(t, models.EntityState{}, state(t, b, 77))
	})

	t.Run("Several Changes To One Id", func(t *testing.T) {
		res := apply(t, b,
			models.Create(models.NewEntity(3, &models.Label{Text: "x"})),
			models.Update(3, models.NewDelta().Set(&models.Iced{})),
		)
		require.Equal(t, uint64(2), res.Versions[3])
		s := state(t, b, 3)
		require.Equal(t, uint64(2), s.Version)
		require.True(t, s.Entity.HasAll(models.LabelID, models.IcedID))
	})

	t.Run("Unknown Components Survive", func(t *testing.T) {
		raw := &models.RawComponent{ID: 4000, Payload: []byte{0x01, 0xc3}}
		apply(t, b, models.Create(models.NewEntity(4, raw)))
		s := state(t, b, 4)
		require.Equal(t, raw.Payload, s.Entity.Unknown[4000])
	})
}

func testIffs(t *testing.T, b world.Backend) {
	ctx := context.Background()
	apply(t, b, models.Create(models.NewEntity(1, &models.Label{Text: "a"})))

	reject := func(t *testing.T, iff models.Iff) {
		t.Helper()
		before, err := b.Mark(ctx)
		require.NoError(t, err)
		_, err = b.Apply(ctx, models.ChangeToApply{
			Iffs:    []models.Iff{iff},
			Changes: []models.Change{models.Update(1, models.NewDelta().Set(&models.Iced{})), models.Create(models.NewEntity(9))},
		})
		require.ErrorIs(t, err, world.ErrTransactionRejected)
		assert.True(t, world.IsRetryable(err))

		after, err := b.Mark(ctx)
		require.NoError(t, err)
		require.Equal(t, before, after, "rejected transactions are not logged")
		require.Equal(t, uint64(1), state(t, b, 1).Version)
		require.False(t, state(t, b, 9).Exists())
	}

	t.Run("Rejections", func(t *testing.T) {
		reject(t, models.IffAt(1, 2))
		reject(t, models.IffAbsent(1))
		reject(t, models.IffExists(5))
		reject(t, models.IffExists(1, models.IcedID))
		reject(t, models.Iff{ID: 1, Exists: true, Forbid: []models.ComponentID{models.LabelID}})
	})

	t.Run("Iff On Untouched Entity", func(t *testing.T) {
		apply(t, b, models.Create(models.NewEntity(2)))
		res, err := b.Apply(ctx, models.ChangeToApply{
			Iffs:    []models.Iff{models.IffAt(2, 1), models.IffAt(1, 1, models.LabelID)},
			Changes: []models.Change{models.Update(1, models.NewDelta().Set(&models.Iced{}))},
		})
		require.NoError(t, err)
		require.Equal(t, map[models.EntityID]uint64{1: 2}, res.Versions)
		require.Equal(t, uint64(1), state(t, b, 2).Version)
	})

	t.Run("Iff Absent Creates Once", func(t *testing.T) {
		tx := models.ChangeToApply{
			Iffs:    []models.Iff{models.IffAbsent(6)},
			Changes: []models.Change{models.Create(models.NewEntity(6))},
		}
		_, err := b.Apply(ctx, tx)
		require.NoError(t, err)
		_, err = b.Apply(ctx, tx)
		require.ErrorIs(t, err, world.ErrTransactionRejected)
	})
}

func testAtomicity(t *testing.T, b world.Backend) {
	ctx := context.Background()
	apply(t, b,
		models.Create(models.NewEntity(1, &models.Health{HP: 10, MaxHP: 10})),
		models.Create(models.NewEntity(2, &models.Health{HP: 10, MaxHP: 10})),
	)

	const writers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Apply(ctx, models.ChangeToApply{
				Iffs: []models.Iff{models.IffAt(1, 1), models.IffAt(2, 1)},
				Changes: []models.Change{
					models.Update(1, models.NewDelta().Set(&models.Health{HP: int32(i), MaxHP: 10})),
					models.Update(2, models.NewDelta().Set(&models.Health{HP: int32(i), MaxHP: 10})),
				},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, world.ErrTransactionRejected)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	one, two := state(t, b, 1), state(t, b, 2)
	require.Equal(t, uint64(2), one.Version)
	require.Equal(t, uint64(2), two.Version)
	require.Equal(t, one.Entity.Health, two.Entity.Health, "both writes come from the same winner")
}

func testPositionScenario(t *testing.T, b world.Backend) {
	ctx := context.Background()
	const e models.EntityID = 1
	apply(t, b, models.Create(models.NewEntity(e, &models.Position{})))

	moves := []models.Vec3{{10, 0, 0}, {0, 10, 0}}
	errs := make([]error, len(moves))
	var wg sync.WaitGroup
	for i, to := range moves {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = b.Apply(ctx, models.ChangeToApply{
				Iffs:    []models.Iff{models.IffAt(e, 1)},
				Changes: []models.Change{models.Update(e, models.NewDelta().Set(&models.Position{V: to}))},
			})
		}()
	}
	wg.Wait()

	winner, loser := 0, 1
	if errs[0] != nil {
		winner, loser = 1, 0
	}
	require.NoError(t, errs[winner])
	require.ErrorIs(t, errs[loser], world.ErrTransactionRejected)
	require.Equal(t, uint64(2), state(t, b, e).Version)

	// Replay the log into a spatially indexed table.
	meta := index.NewMetaIndex().MustRegister("position", index.NewSpatialIndex())
	tbl := table.New(meta)
	entries, err := b.ReadLog(ctx, world.FirstCursor, 100, 0)
	require.NoError(t, err)
	for _, entry := range entries {
		tbl.Apply(entry.Changes)
	}

	near := func(at models.Vec3) []models.EntityID {
		found, err := tbl.ScanIDs(table.InSphere("position", at, 0.5, nil))
		require.NoError(t, err)
		return found
	}
	require.Equal(t, []models.EntityID{e}, near(moves[winner]))
	require.Empty(t, near(moves[loser]))
	require.Empty(t, near(models.Vec3{}))
}

func testFilteredReads(t *testing.T, b world.Backend) {
	ctx := context.Background()
	apply(t, b,
		models.Create(models.NewEntity(1, &models.Label{Text: "a"}, &models.Position{V: models.Vec3{1, 2, 3}})),
		models.Create(models.NewEntity(2, &models.Label{Text: "b"})),
		models.Create(models.NewEntity(3, &models.Position{}, &models.Iced{})),
	)
	apply(t, b, models.Delete(3))

	filter := models.Filter{AllOf: []models.ComponentID{models.PositionID}, Fields: []models.ComponentID{models.LabelID}}

	t.Run("FilteredGet", func(t *testing.T) {
		states, err := b.FilteredGet(ctx, []models.EntityID{1, 2, 3, 4}, filter)
		require.NoError(t, err)
		require.Len(t, states, 4)

		require.Equal(t, uint64(1), states[0].Version)
		require.Equal(t, []models.ComponentID{models.LabelID}, states[0].Entity.ComponentIDs())
		require.Equal(t, models.EntityState{Version: 1}, states[1], "non matching keeps its version")
		require.Equal(t, models.EntityState{Version: 2}, states[2])
		require.Equal(t, models.EntityState{}, states[3])
	})

	t.Run("FilteredGetSince", func(t *testing.T) {
		known := versionmap.FromMap(map[models.EntityID]uint64{1: 1, 2: 1, 3: 1})
		changes, err := b.FilteredGetSince(ctx, []models.EntityID{1, 2, 3, 4}, known, models.Filter{})
		require.NoError(t, err)
		require.Equal(t, []models.Change{models.Delete(3).WithVersion(2)}, changes)

		changes, err = b.FilteredGetSince(ctx, []models.EntityID{1, 2, 3}, known, filter)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		require.Equal(t, models.ChangeDelete, changes[0].Kind)

		changes, err = b.FilteredGetSince(ctx, []models.EntityID{1, 2, 3}, nil, filter)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		require.Equal(t, models.ChangeCreate, changes[0].Kind)
		require.Equal(t, uint64(1), changes[0].Version)
		require.Equal(t, []models.ComponentID{models.LabelID}, changes[0].Entity.ComponentIDs())
	})
}

func testScan(t *testing.T, b world.Backend) {
	ctx := context.Background()
	want := map[models.EntityID]bool{}
	for id := models.EntityID(1); id <= 57; id++ {
		apply(t, b, models.Create(models.NewEntity(id)))
		want[id] = true
	}
	apply(t, b, models.Delete(5))
	delete(want, 5)

	got := map[models.EntityID]bool{}
	var cursor uint64
	for pages := 0; ; pages++ {
		require.Less(t, pages, 1000, "scan must terminate")
		page, next, err := b.ScanIDs(ctx, cursor, 10)
		require.NoError(t, err)
		for _, id := range page {
			got[id] = true
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	// Stores may return tombstones, never missing live ids.
	for id := range want {
		require.True(t, got[id], "entity %d not scanned", id)
	}
	for id := range got {
		if !want[id] {
			require.False(t, state(t, b, id).Exists(), "entity %d", id)
		}
	}
}

func testLog(t *testing.T, b world.Backend) {
	ctx := context.Background()

	first, err := b.Mark(ctx)
	require.NoError(t, err)

	res := apply(t, b, models.Create(models.NewEntity(1, &models.Label{Text: "a"})))
	apply(t, b, models.Update(1, models.NewDelta().Clear(models.LabelID)), models.Create(models.NewEntity(2)))
	beat, err := b.Heartbeat(ctx)
	require.NoError(t, err)
	require.Positive(t, beat)

	entries, err := b.ReadLog(ctx, first, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, world.Cursor(res.Cursor), entries[0].Cursor)
	require.True(t, entries[0].Cursor.Before(entries[1].Cursor))
	require.True(t, entries[1].Cursor.Before(entries[2].Cursor))

	require.Equal(t, models.ChangeCreate, entries[0].Changes[0].Kind)
	require.Equal(t, uint64(1), entries[0].Changes[0].Version)
	require.Len(t, entries[1].Changes, 2)
	require.Equal(t, uint64(2), entries[1].Changes[0].Version)
	require.True(t, entries[1].Changes[0].Delta.Touches(models.LabelID))
	require.Equal(t, models.HeartbeatChange(beat), entries[2].Changes[0])

	mark, err := b.Mark(ctx)
	require.NoError(t, err)
	require.Equal(t, entries[2].Cursor, mark)

	t.Run("Count", func(t *testing.T) {
		entries, err := b.ReadLog(ctx, first, 2, 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
	})

	t.Run("Empty Without Block", func(t *testing.T) {
		entries, err := b.ReadLog(ctx, mark, 10, 0)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("Block Wakes On Append", func(t *testing.T) {
		done := make(chan []world.LogEntry, 1)
		go func() {
			entries, err := b.ReadLog(ctx, mark, 10, 5*time.Second)
			assert.NoError(t, err)
			done <- entries
		}()
		time.Sleep(50 * time.Millisecond)
		apply(t, b, models.Create(models.NewEntity(3)))
		select {
		case entries := <-done:
			require.Len(t, entries, 1)
			require.Equal(t, models.EntityID(3), entries[0].Changes[0].ID)
		case <-time.After(5 * time.Second):
			t.Fatal("blocked read never woke up")
		}
	})

	t.Run("Block Times Out", func(t *testing.T) {
		head, err := b.Mark(ctx)
		require.NoError(t, err)
		entries, err := b.ReadLog(ctx, head, 10, 20*time.Millisecond)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("Trim Expires Old Cursors", func(t *testing.T) {
		head, err := b.Mark(ctx)
		require.NoError(t, err)
		trimmed, err := b.Trim(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, int64(3), trimmed)

		floor, err := b.Floor(ctx)
		require.NoError(t, err)
		require.True(t, floor.Before(head))
		require.False(t, floor.Before(entries[2].Cursor))

		_, err = b.ReadLog(ctx, first, 10, 0)
		require.ErrorIs(t, err, world.ErrSubscriptionExpired)

		left, err := b.ReadLog(ctx, floor, 10, 0)
		require.NoError(t, err)
		require.Len(t, left, 1)
		require.Equal(t, head, left[0].Cursor)
	})
}

func testCounter(t *testing.T, b world.Backend) {
	ctx := context.Background()
	last, err := b.IncrBy(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
	last, err = b.IncrBy(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(6), last)
}

// testSubscription drives a subscription through the World wrapper while
// writes race the snapshot.
func testSubscription(t *testing.T, b world.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := world.DefaultConfig()
	cfg.ReadBlock = 50 * time.Millisecond
	w := world.New(b, cfg, log.NewNop())

	for id := models.EntityID(1); id <= 40; id++ {
		apply(t, b, models.Create(models.NewEntity(id, &models.Health{HP: int32(id), MaxHP: 100})))
	}

	sub, err := w.Subscribe(ctx, world.SubscribeConfig{MaxChangesPerUpdate: 7, BootstrapBatchSize: 5})
	require.NoError(t, err)
	defer sub.Close()

	tbl := table.New(index.NewMetaIndex())
	var cursor world.Cursor
	for updates := 0; ; updates++ {
		require.Less(t, updates, 1000)
		if updates == 2 {
			// Lands between the two marks.
			apply(t, b, models.Delete(3), models.Update(4, models.NewDelta().Set(&models.Iced{})))
		}
		upd, err := sub.Next(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, len(upd.Changes), 7)
		tbl.Apply(upd.Changes)
		cursor = upd.Cursor
		if upd.Bootstrapped {
			break
		}
	}
	requireMatches(t, b, tbl)

	t.Run("Tail", func(t *testing.T) {
		apply(t, b, models.Create(models.NewEntity(100, &models.Label{Text: "late"})))
		apply(t, b, models.Delete(100))
		_, err := b.Heartbeat(ctx)
		require.NoError(t, err)

		sawBeat := false
		for !sawBeat {
			upd, err := sub.Next(ctx)
			require.NoError(t, err)
			require.False(t, upd.Bootstrapped)
			tbl.Apply(upd.Changes)
			cursor = upd.Cursor
			sawBeat = upd.Heartbeat > 0
		}
		requireMatches(t, b, tbl)
		v, e := tbl.GetWithVersion(100)
		require.Nil(t, e)
		require.Equal(t, uint64(2), v)
	})

	t.Run("Resume From Cursor", func(t *testing.T) {
		apply(t, b, models.Update(7, models.NewDelta().Set(&models.Label{Text: "resumed"})))
		resumed, err := w.Subscribe(ctx, world.SubscribeConfig{Cursor: cursor})
		require.NoError(t, err)
		defer resumed.Close()

		upd, err := resumed.Next(ctx)
		require.NoError(t, err)
		require.True(t, upd.Bootstrapped)
		require.False(t, upd.Reset)
		require.Empty(t, upd.Changes)

		upd, err = resumed.Next(ctx)
		require.NoError(t, err)
		require.Len(t, upd.Changes, 1)
		require.Equal(t, models.EntityID(7), upd.Changes[0].ID)
		tbl.Apply(upd.Changes)
		requireMatches(t, b, tbl)
	})

	t.Run("Expired Cursor Resets", func(t *testing.T) {
		known := tbl.VersionMap()
		apply(t, b, models.Delete(8), models.Update(9, models.NewDelta().Set(&models.Iced{})))
		_, err := b.Trim(ctx, 0)
		require.NoError(t, err)

		reset, err := w.Subscribe(ctx, world.SubscribeConfig{Cursor: cursor, Known: known})
		require.NoError(t, err)
		defer reset.Close()

		var changes []models.Change
		for {
			upd, err := reset.Next(ctx)
			require.NoError(t, err)
			require.True(t, upd.Reset)
			changes = append(changes, upd.Changes...)
			if upd.Bootstrapped {
				break
			}
		}
		require.ElementsMatch(t, []models.EntityID{8, 9}, models.ChangedIDs(changes),
			"only entities that moved past the known versions are sent")
		tbl.Apply(changes)
		requireMatches(t, b, tbl)
	})

	t.Run("Filtered", func(t *testing.T) {
		filter := models.Filter{AllOf: []models.ComponentID{models.IcedID}}
		filtered, err := w.Subscribe(ctx, world.SubscribeConfig{Filter: filter})
		require.NoError(t, err)
		defer filtered.Close()

		ftbl := table.New(index.NewMetaIndex(), table.WithFilter(filter))
		for {
			upd, err := filtered.Next(ctx)
			require.NoError(t, err)
			ftbl.ApplyFiltered(upd.Changes)
			if upd.Bootstrapped {
				break
			}
		}
		require.ElementsMatch(t, []models.EntityID{4, 9}, ftbl.IDs())

		apply(t, b, models.Update(4, models.NewDelta().Clear(models.IcedID)))
		apply(t, b, models.Update(10, models.NewDelta().Set(&models.Iced{})))
		for ftbl.Has(4) || !ftbl.Has(10) {
			upd, err := filtered.Next(ctx)
			require.NoError(t, err)
			ftbl.ApplyFiltered(upd.Changes)
		}
		require.ElementsMatch(t, []models.EntityID{9, 10}, ftbl.IDs())
	})

	t.Run("Skip Bootstrap", func(t *testing.T) {
		skip, err := w.Subscribe(ctx, world.SubscribeConfig{SkipBootstrap: true})
		require.NoError(t, err)
		defer skip.Close()

		upd, err := skip.Next(ctx)
		require.NoError(t, err)
		require.True(t, upd.Bootstrapped)
		require.Empty(t, upd.Changes)

		apply(t, b, models.Create(models.NewEntity(200)))
		upd, err = skip.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, []models.EntityID{200}, models.ChangedIDs(upd.Changes))
	})
}

// requireMatches checks the table against the backend's live entity set.
func requireMatches(t *testing.T, b world.Backend, tbl *table.Table) {
	t.Helper()
	ctx := context.Background()
	var live []models.EntityID
	var cursor uint64
	for {
		page, next, err := b.ScanIDs(ctx, cursor, 100)
		require.NoError(t, err)
		live = append(live, page...)
		if next == 0 {
			break
		}
		cursor = next
	}
	states, err := b.Get(ctx, live...)
	require.NoError(t, err)

	expected := map[models.EntityID]models.EntityState{}
	for i, id := range live {
		if states[i].Exists() {
			expected[id] = states[i]
		}
	}
	require.ElementsMatch(t, keys(expected), tbl.IDs())
	for id, s := range expected {
		v, e := tbl.GetWithVersion(id)
		require.Equal(t, s.Version, v, "entity %d", id)
		require.True(t, s.Entity.Equal(e), "entity %d", id)
	}
}

func keys(m map[models.EntityID]models.EntityState) []models.EntityID {
	out := make([]models.EntityID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func testClosed(t *testing.T, b world.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.Error(t, b.Ping(ctx))
	_, err := b.Get(ctx, 1)
	require.ErrorIs(t, err, world.ErrBackingUnavailable)
}
