package world_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/world"
	"github.com/zeusync/worldstore/internal/core/world/memstore"
)

func TestCursor(t *testing.T) {
	c := world.FormatCursor(1700000000123, 7)
	ms, seq, err := c.Parts()
	require.NoError(t, err)
	require.Equal(t, uint64(1700000000123), ms)
	require.Equal(t, uint64(7), seq)
	require.Equal(t, "1700000000123-7", c.StreamID())
	require.Equal(t, time.UnixMilli(1700000000123), c.Time())

	parsed, err := world.ParseStreamID("1700000000123-7")
	require.NoError(t, err)
	require.Equal(t, c, parsed)

	t.Run("Lexical Order Follows Log Order", func(t *testing.T) {
		ordered := []world.Cursor{
			world.FirstCursor,
			world.FormatCursor(0, 1),
			world.FormatCursor(9, 0),
			world.FormatCursor(10, 0),
			world.FormatCursor(10, 11),
			world.FormatCursor(1<<40, 2),
		}
		for i := 1; i < len(ordered); i++ {
			require.True(t, ordered[i-1].Before(ordered[i]), "%s < %s", ordered[i-1], ordered[i])
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		_, _, err := world.Cursor("12-3").Parts()
		require.Error(t, err)
		_, err = world.ParseStreamID("abc")
		require.Error(t, err)
		require.True(t, world.Cursor("").IsZero())
		require.True(t, world.Cursor("junk").Time().IsZero())
	})
}

func TestErrors(t *testing.T) {
	cause := errors.New("connection refused")
	err := world.Unavailable("redis get", cause)
	require.ErrorIs(t, err, world.ErrBackingUnavailable)
	require.ErrorIs(t, err, cause)
	require.True(t, world.IsRetryable(err))
	require.Contains(t, err.Error(), "redis get")

	require.NoError(t, world.Unavailable("noop", nil))
	require.Same(t, world.ErrTransactionRejected, world.Unavailable("apply", world.ErrTransactionRejected))
	require.False(t, world.IsRetryable(world.ErrMalformedEntity))
	require.False(t, world.IsRetryable(world.ErrContentionExhausted))
}

func TestValidateTransaction(t *testing.T) {
	ok := models.ChangeToApply{
		Iffs:    []models.Iff{models.IffAt(1, 1)},
		Changes: []models.Change{models.Create(models.NewEntity(1)), models.Update(2, nil), models.Delete(3)},
	}
	require.NoError(t, world.ValidateTransaction(ok))

	bad := []models.ChangeToApply{
		{Iffs: []models.Iff{models.IffAbsent(0)}},
		{Changes: []models.Change{models.Delete(0)}},
		{Changes: []models.Change{models.Delete(models.MaxEntityID + 1)}},
		{Changes: []models.Change{{Kind: models.ChangeCreate, ID: 1}}},
		{Changes: []models.Change{models.Create(models.NewEntity(2)).WithVersion(0), {Kind: models.ChangeCreate, ID: 3, Entity: models.NewEntity(4)}}},
		{Changes: []models.Change{models.HeartbeatChange(1)}},
	}
	for i, tx := range bad {
		require.ErrorIs(t, world.ValidateTransaction(tx), world.ErrInvalidTransaction, "case %d", i)
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, world.DefaultConfig().Validate())

	cfg := world.DefaultConfig()
	cfg.ReadBatchSize = 0
	cfg.BootstrapRate = -1
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "read_batch_size")
	require.Contains(t, err.Error(), "bootstrap_rate")
}

func newWorld(t *testing.T) (*world.World, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	cfg := world.DefaultConfig()
	cfg.ReadBlock = 20 * time.Millisecond
	w := world.New(store, cfg, log.NewNop())
	t.Cleanup(func() { _ = w.Close() })
	return w, store
}

func TestWorld(t *testing.T) {
	ctx := context.Background()
	w, _ := newWorld(t)

	_, err := w.Apply(ctx, models.ChangeToApply{Changes: []models.Change{
		models.Create(models.NewEntity(1, &models.Label{Text: "a"})),
	}})
	require.NoError(t, err)

	got, err := w.Get(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Label.Text)
	require.Nil(t, got[1])

	version, e, err := w.GetWithVersion(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), version)
	require.NotNil(t, e)

	_, err = w.Apply(ctx, models.ChangeToApply{Changes: []models.Change{models.Delete(0)}})
	require.ErrorIs(t, err, world.ErrInvalidTransaction)

	id, err := w.IDs().Next(ctx)
	require.NoError(t, err)
	require.True(t, id.Valid())

	require.True(t, w.Healthy(ctx))
	require.NoError(t, w.Close())
	require.False(t, w.Healthy(ctx))
	_, err = w.Get(ctx, 1)
	require.ErrorIs(t, err, world.ErrClosed)
	_, err = w.Subscribe(ctx, world.SubscribeConfig{})
	require.ErrorIs(t, err, world.ErrClosed)
}

func TestWorld_Run(t *testing.T) {
	store := memstore.New()
	cfg := world.DefaultConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.TrimInterval = 5 * time.Millisecond
	cfg.MaxLogLength = 3
	w := world.New(store, cfg, log.NewNop())
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		floor, err := store.Floor(context.Background())
		return err == nil && floor != world.FirstCursor
	}, 5*time.Second, 5*time.Millisecond, "heartbeats are appended and trimmed")

	cancel()
	require.NoError(t, <-done)
}

func TestSubscription_UpdatesAreCapped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w, store := newWorld(t)

	// One transaction touching more entities than a single update may carry.
	var changes []models.Change
	for id := models.EntityID(1); id <= 10; id++ {
		changes = append(changes, models.Create(models.NewEntity(id)))
	}

	sub, err := w.Subscribe(ctx, world.SubscribeConfig{SkipBootstrap: true, MaxChangesPerUpdate: 4})
	require.NoError(t, err)
	defer sub.Close()
	first, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, first.Bootstrapped)

	res, err := store.Apply(ctx, models.ChangeToApply{Changes: changes})
	require.NoError(t, err)

	var sizes []int
	var cursors []world.Cursor
	for total := 0; total < 10; {
		upd, err := sub.Next(ctx)
		require.NoError(t, err)
		sizes = append(sizes, len(upd.Changes))
		cursors = append(cursors, upd.Cursor)
		total += len(upd.Changes)
	}
	require.Equal(t, []int{4, 4, 2}, sizes)
	require.Equal(t, first.Cursor, cursors[0], "partial deliveries do not advance the cursor")
	require.Equal(t, first.Cursor, cursors[1])
	require.Equal(t, world.Cursor(res.Cursor), cursors[2])
}

func TestSubscription_CloseAndCancel(t *testing.T) {
	w, _ := newWorld(t)

	sub, err := w.Subscribe(context.Background(), world.SubscribeConfig{SkipBootstrap: true})
	require.NoError(t, err)
	_, err = sub.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, world.ErrClosed)
}

func TestSubscription_RateLimitedBootstrap(t *testing.T) {
	ctx := context.Background()
	w, store := newWorld(t)
	for id := models.EntityID(1); id <= 30; id++ {
		_, err := store.Apply(ctx, models.ChangeToApply{Changes: []models.Change{models.Create(models.NewEntity(id))}})
		require.NoError(t, err)
	}

	sub, err := w.Subscribe(ctx, world.SubscribeConfig{BootstrapRate: 200, BootstrapBatchSize: 10})
	require.NoError(t, err)
	defer sub.Close()

	start := time.Now()
	total := 0
	for {
		upd, err := sub.Next(ctx)
		require.NoError(t, err)
		total += len(upd.Changes)
		if upd.Bootstrapped {
			break
		}
	}
	assert.Equal(t, 30, total)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond, "burst of 10 then 20 more at 200/s")
}

type scriptedApi struct {
	world.WorldApi
	results []error
	calls   int
}

func (s *scriptedApi) Apply(context.Context, models.ChangeToApply) (models.ApplyResult, error) {
	err := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	if err != nil {
		return models.ApplyResult{}, err
	}
	return models.ApplyResult{Cursor: "done"}, nil
}

func TestApplyWithRetry(t *testing.T) {
	ctx := context.Background()
	policy := world.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	unavailable := world.Unavailable("apply", errors.New("down"))

	builds := 0
	build := func(context.Context) (models.ChangeToApply, error) {
		builds++
		return models.ChangeToApply{}, nil
	}

	t.Run("Rebuilds After Rejection", func(t *testing.T) {
		builds = 0
		api := &scriptedApi{results: []error{world.ErrTransactionRejected, unavailable, nil}}
		res, err := world.ApplyWithRetry(ctx, api, build, policy)
		require.NoError(t, err)
		require.Equal(t, "done", res.Cursor)
		require.Equal(t, 3, builds)
	})

	t.Run("Contention Exhausted", func(t *testing.T) {
		api := &scriptedApi{results: []error{world.ErrTransactionRejected}}
		_, err := world.ApplyWithRetry(ctx, api, build, policy)
		require.ErrorIs(t, err, world.ErrContentionExhausted)
		require.ErrorIs(t, err, world.ErrTransactionRejected)
		require.Equal(t, 3, api.calls)
	})

	t.Run("Unavailable Gives Up After MaxUnavailable", func(t *testing.T) {
		limited := policy
		limited.MaxUnavailable = 20 * time.Millisecond
		api := &scriptedApi{results: []error{unavailable}}
		_, err := world.ApplyWithRetry(ctx, api, build, limited)
		require.ErrorIs(t, err, world.ErrBackingUnavailable)
		require.Greater(t, api.calls, 1)
	})

	t.Run("Other Errors Are Terminal", func(t *testing.T) {
		api := &scriptedApi{results: []error{world.ErrMalformedEntity}}
		_, err := world.ApplyWithRetry(ctx, api, build, policy)
		require.ErrorIs(t, err, world.ErrMalformedEntity)
		require.Equal(t, 1, api.calls)
	})

	t.Run("Build Errors Are Returned", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := world.ApplyWithRetry(ctx, &scriptedApi{results: []error{nil}},
			func(context.Context) (models.ChangeToApply, error) { return models.ChangeToApply{}, boom }, policy)
		require.ErrorIs(t, err, boom)
	})
}
