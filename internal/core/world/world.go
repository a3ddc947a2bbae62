package world

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/worldstore/internal/core/ids"
	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/observability/metrics"
)

// World serves WorldApi from a Backend.
type World struct {
	backend Backend
	cfg     Config
	logger  log.Log
	ids     *ids.Allocator
	closed  atomic.Bool
}

var _ WorldApi = (*World)(nil)

func New(backend Backend, cfg Config, logger log.Log) *World {
	return &World{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(log.String("component", "world"), log.String("backend", backend.Name())),
		ids:     ids.NewAllocator(backend),
	}
}

// IDs allocates fresh entity ids from the backend counter.
func (w *World) IDs() *ids.Allocator { return w.ids }

func (w *World) Backend() Backend { return w.backend }

func (w *World) Get(ctx context.Context, entityIDs ...models.EntityID) ([]*models.Entity, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	states, err := w.backend.Get(ctx, entityIDs...)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Entity, len(states))
	for i, s := range states {
		out[i] = s.Entity
	}
	return out, nil
}

func (w *World) GetWithVersion(ctx context.Context, id models.EntityID) (uint64, *models.Entity, error) {
	if w.closed.Load() {
		return 0, nil, ErrClosed
	}
	states, err := w.backend.Get(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	return states[0].Version, states[0].Entity, nil
}

// FilteredGet reads the entities projected by the filter, nil where absent or
// not matching.
func (w *World) FilteredGet(ctx context.Context, entityIDs []models.EntityID, filter models.Filter) ([]models.EntityState, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	return w.backend.FilteredGet(ctx, entityIDs, filter)
}

func (w *World) Apply(ctx context.Context, tx models.ChangeToApply) (models.ApplyResult, error) {
	if w.closed.Load() {
		return models.ApplyResult{}, ErrClosed
	}
	if err := ValidateTransaction(tx); err != nil {
		return models.ApplyResult{}, err
	}

	start := time.Now()
	result, err := w.backend.Apply(ctx, tx)
	metrics.ApplyDuration.WithLabelValues(w.backend.Name()).Observe(time.Since(start).Seconds())
	metrics.ApplyResults.WithLabelValues(w.backend.Name(), resultLabel(err)).Inc()

	switch {
	case err == nil:
	case errors.Is(err, ErrTransactionRejected):
		w.logger.Debug("Transaction rejected", log.Int("iffs", len(tx.Iffs)), log.Int("changes", len(tx.Changes)))
	default:
		w.logger.Error("Apply failed", log.Error(err))
	}
	return result, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, ErrTransactionRejected):
		return "rejected"
	case errors.Is(err, ErrBackingUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func (w *World) Subscribe(_ context.Context, cfg SubscribeConfig) (Subscription, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	return newSubscription(w.backend, cfg.withDefaults(w.cfg), w.cfg.ReadBatchSize, w.logger), nil
}

func (w *World) Healthy(ctx context.Context) bool {
	if w.closed.Load() {
		return false
	}
	return w.backend.Ping(ctx) == nil
}

func (w *World) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	return w.backend.Close()
}

// Run appends heartbeats and trims the log until ctx ends. Failures are
// logged and retried on the next tick.
func (w *World) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if w.cfg.HeartbeatInterval > 0 {
		g.Go(func() error {
			return w.every(ctx, w.cfg.HeartbeatInterval, func(ctx context.Context) error {
				_, err := w.backend.Heartbeat(ctx)
				return err
			})
		})
	}
	if w.cfg.TrimInterval > 0 && w.cfg.MaxLogLength > 0 {
		g.Go(func() error {
			return w.every(ctx, w.cfg.TrimInterval, func(ctx context.Context) error {
				trimmed, err := w.backend.Trim(ctx, w.cfg.MaxLogLength)
				if trimmed > 0 {
					w.logger.Debug("Trimmed change log", log.Int64("entries", trimmed))
				}
				return err
			})
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *World) every(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.closed.Load() {
				return nil
			}
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("Maintenance task failed", log.Error(err))
			}
		}
	}
}

// ValidateTransaction checks the shape of a transaction before it reaches a
// backend.
func ValidateTransaction(tx models.ChangeToApply) error {
	for _, iff := range tx.Iffs {
		if !iff.ID.Valid() {
			return fmt.Errorf("%w: iff on %w %d", ErrInvalidTransaction, models.ErrInvalidEntityID, iff.ID)
		}
	}
	for i, c := range tx.Changes {
		if !c.ID.Valid() {
			return fmt.Errorf("%w: change %d: %w %d", ErrInvalidTransaction, i, models.ErrInvalidEntityID, c.ID)
		}
		switch c.Kind {
		case models.ChangeCreate:
			if c.Entity == nil || c.Entity.ID != c.ID {
				return fmt.Errorf("%w: change %d: create without a matching snapshot", ErrInvalidTransaction, i)
			}
		case models.ChangeUpdate, models.ChangeDelete:
		default:
			return fmt.Errorf("%w: change %d: %w %s", ErrInvalidTransaction, i, models.ErrUnknownChange, c.Kind)
		}
	}
	return nil
}
