package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldstore/internal/core/index"
	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/replica"
	"github.com/zeusync/worldstore/internal/core/table"
	"github.com/zeusync/worldstore/internal/core/world"
	"github.com/zeusync/worldstore/internal/core/world/memstore"
	"github.com/zeusync/worldstore/internal/server"
)

type harness struct {
	world  *world.World
	http   *httptest.Server
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := world.DefaultConfig()
	cfg.ReadBlock = 20 * time.Millisecond
	w := world.New(memstore.New(), cfg, log.NewNop())
	t.Cleanup(func() { _ = w.Close() })

	srvCfg := server.DefaultConfig()
	srvCfg.PingInterval = 0
	srv := server.New(w, w.IDs(), srvCfg, log.NewNop())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	clientCfg := DefaultConfig()
	clientCfg.URL = "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	if mutate != nil {
		mutate(&clientCfg)
	}
	c, err := Dial(context.Background(), clientCfg, log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &harness{world: w, http: hs, client: c}
}

func TestClient_ReadWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.client

	res, err := c.Apply(ctx, models.ChangeToApply{Changes: []models.Change{
		models.Create(models.NewEntity(1, &models.Label{Text: "one"})),
		models.Create(models.NewEntity(2, &models.Health{HP: 3, MaxHP: 5})),
	}})
	require.NoError(t, err)
	require.Equal(t, map[models.EntityID]uint64{1: 1, 2: 1}, res.Versions)

	got, err := c.Get(ctx, 1, 2, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "one", got[0].Label.Text)
	require.Equal(t, int32(3), got[1].Health.HP)
	require.Nil(t, got[2])

	_, err = c.Apply(ctx, models.ChangeToApply{
		Iffs:    []models.Iff{models.IffAt(1, 1)},
		Changes: []models.Change{models.Delete(1)},
	})
	require.NoError(t, err)

	version, e, err := c.GetWithVersion(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), version)
	require.Nil(t, e)

	t.Run("Rejected", func(t *testing.T) {
		_, err := c.Apply(ctx, models.ChangeToApply{
			Iffs:    []models.Iff{models.IffAt(1, 1)},
			Changes: []models.Change{models.Delete(1)},
		})
		require.ErrorIs(t, err, world.ErrTransactionRejected)
	})

	t.Run("Invalid Locally", func(t *testing.T) {
		_, err := c.Apply(ctx, models.ChangeToApply{Changes: []models.Change{models.Delete(0)}})
		require.ErrorIs(t, err, world.ErrInvalidTransaction)
	})

	t.Run("Retry Helper", func(t *testing.T) {
		build := func(ctx context.Context) (models.ChangeToApply, error) {
			version, e, err := c.GetWithVersion(ctx, 2)
			if err != nil {
				return models.ChangeToApply{}, err
			}
			hp := e.Health.HP + 1
			return models.ChangeToApply{
				Iffs:    []models.Iff{models.IffAt(2, version)},
				Changes: []models.Change{models.Update(2, models.NewDelta().Set(&models.Health{HP: hp, MaxHP: 5}))},
			}, nil
		}
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := world.ApplyWithRetry(ctx, c, build, world.DefaultRetryPolicy())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		got, err := c.Get(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, int32(7), got[0].Health.HP)
	})

	t.Run("Allocate And Health", func(t *testing.T) {
		allocated, err := c.Allocate(ctx, 2)
		require.NoError(t, err)
		require.Len(t, allocated, 2)
		require.NotEqual(t, allocated[0], allocated[1])
		require.True(t, c.Healthy(ctx))
	})
}

func TestClient_Subscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)
	c := h.client

	_, err := c.Apply(ctx, models.ChangeToApply{Changes: []models.Change{
		models.Create(models.NewEntity(1, &models.Iced{})),
		models.Create(models.NewEntity(2)),
	}})
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, world.SubscribeConfig{Filter: models.Filter{AllOf: []models.ComponentID{models.IcedID}}})
	require.NoError(t, err)

	update, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, update.Bootstrapped)
	require.Equal(t, []models.EntityID{1}, models.ChangedIDs(update.Changes))

	_, err = c.Apply(ctx, models.ChangeToApply{Changes: []models.Change{
		models.Update(2, models.NewDelta().Set(&models.Iced{})),
	}})
	require.NoError(t, err)

	for {
		update, err = sub.Next(ctx)
		require.NoError(t, err)
		if len(update.Changes) > 0 {
			break
		}
	}
	require.Equal(t, models.ChangeCreate, update.Changes[0].Kind)
	require.Equal(t, models.EntityID(2), update.Changes[0].ID)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, world.ErrClosed)
}

func TestClient_ExpiredCursor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)
	c := h.client

	res, err := c.Apply(ctx, models.ChangeToApply{Changes: []models.Change{models.Create(models.NewEntity(1))}})
	require.NoError(t, err)
	_, err = c.Apply(ctx, models.ChangeToApply{Changes: []models.Change{models.Create(models.NewEntity(2))}})
	require.NoError(t, err)
	_, err = h.world.Backend().Trim(ctx, 0)
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, world.SubscribeConfig{Cursor: world.Cursor(res.Cursor)})
	require.NoError(t, err)
	defer sub.Close()

	update, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, update.Reset)
	require.True(t, update.Bootstrapped)
	require.ElementsMatch(t, []models.EntityID{1, 2}, models.ChangedIDs(update.Changes))
}

func TestClient_Redial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.client.Get(ctx, 1)
	require.NoError(t, err)

	h.http.CloseClientConnections()
	require.Eventually(t, func() bool {
		_, err := h.client.Get(ctx, 1)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClient_Closed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.client.Close())
	require.NoError(t, h.client.Close())

	_, err := h.client.Get(ctx, 1)
	require.ErrorIs(t, err, world.ErrClosed)
	require.False(t, h.client.Healthy(ctx))

	_, err = Dial(ctx, Config{}, log.NewNop())
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg := DefaultConfig()
	cfg.KnownCompression = "brotli"
	_, err = Dial(ctx, cfg, log.NewNop())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClient_KnownCompression(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, codec := range []string{"lz4", "zstd", "none"} {
		t.Run(codec, func(t *testing.T) {
			h := newHarnessWith(t, func(cfg *Config) { cfg.KnownCompression = codec })
			_, err := h.client.Apply(ctx, models.ChangeToApply{Changes: []models.Change{
				models.Create(models.NewEntity(1, &models.Label{Text: "kept"})),
			}})
			require.NoError(t, err)

			// Large enough to cross the compression threshold.
			known := versionmap.New()
			known.Set(1, 1)
			for id := models.EntityID(1000); id < 3000; id++ {
				known.Set(id, 1)
			}
			sub, err := h.client.Subscribe(ctx, world.SubscribeConfig{Known: known})
			require.NoError(t, err)
			defer sub.Close()

			var changes []models.Change
			for {
				upd, err := sub.Next(ctx)
				require.NoError(t, err)
				changes = append(changes, upd.Changes...)
				if upd.Bootstrapped {
					break
				}
			}
			ids := models.ChangedIDs(changes)
			require.Len(t, ids, 2000, "only the vanished known ids are sent")
			require.NotContains(t, ids, models.EntityID(1))
		})
	}
}

func TestClient_DrivesReplica(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	for id := models.EntityID(1); id <= 5; id++ {
		_, err := h.client.Apply(ctx, models.ChangeToApply{Changes: []models.Change{
			models.Create(models.NewEntity(id, &models.Position{V: models.Vec3{float64(id), 0, 0}})),
		}})
		require.NoError(t, err)
	}

	meta := index.NewMetaIndex().MustRegister("position", index.NewSpatialIndex())
	cfg := replica.DefaultConfig()
	cfg.Name = "client"
	r := replica.New(h.client, table.New(meta), cfg, log.NewNop())
	require.NoError(t, r.Start(ctx))
	defer r.Stop()
	require.NoError(t, r.WaitHealthy(ctx))

	_, err := h.client.Apply(ctx, models.ChangeToApply{Changes: []models.Change{models.Delete(3)}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var found []models.EntityID
		r.Read(func(tbl *table.Table) {
			found, _ = tbl.ScanIDs(table.InSphere("position", models.Vec3{3, 0, 0}, 1.5, nil))
		})
		return len(found) == 2
	}, 5*time.Second, 10*time.Millisecond)
}
