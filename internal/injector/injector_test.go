package injector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldstore/internal/config"
	"github.com/zeusync/worldstore/internal/core/models"
)

func TestInitializeApp(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Backend = backend
			cfg.Bolt.Path = filepath.Join(t.TempDir(), "world.db")
			cfg.Server.ListenAddr = "127.0.0.1:0"
			cfg.Log.Level = "error"

			ctx, cancel := context.WithCancel(context.Background())
			app, cleanup, err := InitializeApp(ctx, cfg)
			require.NoError(t, err)
			defer cleanup()

			done := make(chan error, 1)
			go func() { done <- app.Run(ctx) }()
			_, err = app.Server.Addr(ctx)
			require.NoError(t, err)

			res, err := app.World.Apply(ctx, models.ChangeToApply{Changes: []models.Change{
				models.Create(models.NewEntity(1, &models.Iced{})),
			}})
			require.NoError(t, err)
			require.Equal(t, uint64(1), res.Versions[1])

			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("app did not stop")
			}
		})
	}
}

func TestInitializeApp_BadRedis(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend = config.BackendRedis
	cfg.Redis.Addrs = []string{"127.0.0.1:1"}
	cfg.Log.Level = "error"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := InitializeApp(ctx, cfg)
	require.Error(t, err)
}
