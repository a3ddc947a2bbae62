package injector

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/worldstore/internal/config"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/observability/metrics"
	"github.com/zeusync/worldstore/internal/core/world"
	"github.com/zeusync/worldstore/internal/core/world/boltstore"
	"github.com/zeusync/worldstore/internal/core/world/memstore"
	"github.com/zeusync/worldstore/internal/core/world/redisstore"
	"github.com/zeusync/worldstore/internal/server"
)

// ProviderSet builds a serving App from a config.Config.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideBackend,
	ProvideWorld,
	ProvideServer,
	ProvideRegistry,
	wire.Struct(new(App), "*"),
)

func ProvideLogger(cfg config.Config) (*log.Logger, func(), error) {
	logger, err := log.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Sync() }, nil
}

// ProvideBackend opens the configured store. The cleanup closes it.
func ProvideBackend(ctx context.Context, cfg config.Config, logger log.Log) (world.Backend, func(), error) {
	var (
		backend world.Backend
		err     error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		backend = memstore.New(memstore.WithLogger(logger), memstore.WithMaxLogLength(cfg.World.MaxLogLength))
	case config.BackendRedis:
		backend, err = redisstore.Open(ctx, cfg.Redis, logger)
	case config.BackendBolt:
		backend, err = boltstore.Open(cfg.Bolt, logger)
	default:
		err = fmt.Errorf("%w: backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Backing store opened", log.String("backend", backend.Name()))
	return backend, func() { _ = backend.Close() }, nil
}

func ProvideWorld(backend world.Backend, cfg config.Config, logger log.Log) (*world.World, func()) {
	w := world.New(backend, cfg.World, logger)
	return w, func() { _ = w.Close() }
}

func ProvideServer(w *world.World, cfg config.Config, logger log.Log) *server.Server {
	return server.New(w, w.IDs(), cfg.Server, logger)
}

// ProvideRegistry registers the store collectors with the default registry
// that the server's metrics endpoint serves.
func ProvideRegistry() (prometheus.Registerer, error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}
	return prometheus.DefaultRegisterer, nil
}

// App is a serving process: the world maintenance loops plus the websocket
// server.
type App struct {
	Config   config.Config
	Logger   log.Log
	World    *world.World
	Server   *server.Server
	Registry prometheus.Registerer
}

// Run blocks until ctx ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.World.Run(gctx) })
	g.Go(func() error { return a.Server.Run(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
