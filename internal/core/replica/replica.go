// Package replica keeps a table in step with a world subscription.
package replica

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/observability/metrics"
	"github.com/zeusync/worldstore/internal/core/table"
	"github.com/zeusync/worldstore/internal/core/world"
)

var (
	ErrStopped        = errors.New("replica stopped")
	ErrAlreadyStarted = errors.New("replica already started")

	errStalled = errors.New("subscription stalled")
)

type State int32

const (
	Unstarted State = iota
	Bootstrapping
	Steady
	Reconnecting
	Stopped
)

var states = []State{Unstarted, Bootstrapping, Steady, Reconnecting, Stopped}

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Bootstrapping:
		return "bootstrapping"
	case Steady:
		return "steady"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Config struct {
	Name   string        `yaml:"name"`
	Filter models.Filter `yaml:"filter"`
	// StallTimeout reconnects a steady replica when nothing, not even a
	// heartbeat, arrives for this long. Zero disables stall detection.
	StallTimeout     time.Duration `yaml:"stall_timeout"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`

	MaxChangesPerUpdate int     `yaml:"max_changes_per_update"`
	BootstrapBatchSize  int     `yaml:"bootstrap_batch_size"`
	BootstrapRate       float64 `yaml:"bootstrap_rate"`
}

func DefaultConfig() Config {
	return Config{
		Name:             "default",
		StallTimeout:     30 * time.Second,
		ReconnectInitial: 100 * time.Millisecond,
		ReconnectMax:     10 * time.Second,
	}
}

// Replica drives a table from a subscription. Reconnects resume from the
// last applied cursor and fall back to a snapshot when it has expired.
type Replica struct {
	api    world.WorldApi
	cfg    Config
	logger log.Log

	mu     sync.RWMutex
	table  *table.Table
	cursor world.Cursor
	// filtered is set when the subscription filter is the table's own, so
	// updates arrive already filtered for it.
	filtered bool

	state   atomic.Int32
	started atomic.Bool
	healthy chan struct{}
	once    sync.Once

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce sync.Once
	err      error
}

func New(api world.WorldApi, tbl *table.Table, cfg Config, logger log.Log) *Replica {
	defaults := DefaultConfig()
	if cfg.Filter.IsZero() {
		cfg.Filter = tbl.Filter()
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = defaults.ReconnectInitial
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = max(defaults.ReconnectMax, cfg.ReconnectInitial)
	}
	return &Replica{
		api:      api,
		cfg:      cfg,
		logger:   logger.With(log.String("component", "replica"), log.String("replica", cfg.Name)),
		table:    tbl,
		filtered: cfg.Filter.Equal(tbl.Filter()),
		healthy:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the replica until Stop or until ctx ends.
func (r *Replica) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if !r.started.CompareAndSwap(false, true) {
		cancel()
		return ErrAlreadyStarted
	}
	r.cancel = cancel
	go r.run(ctx)
	return nil
}

// Stop cancels the subscription and waits for an in-flight apply. It is
// safe to call more than once and before Start.
func (r *Replica) Stop() error {
	r.stopOnce.Do(func() {
		r.lifecycle.Lock()
		defer r.lifecycle.Unlock()
		if r.started.CompareAndSwap(false, true) {
			r.setState(Stopped)
			close(r.done)
			return
		}
		r.cancel()
	})
	<-r.done
	return nil
}

func (r *Replica) State() State { return State(r.state.Load()) }

func (r *Replica) Healthy() bool { return r.State() == Steady }

// Done is closed when the replica has stopped.
func (r *Replica) Done() <-chan struct{} { return r.done }

// Err is the error that stopped the replica, nil after Stop.
func (r *Replica) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// WaitHealthy blocks until the first snapshot is applied.
func (r *Replica) WaitHealthy(ctx context.Context) error {
	select {
	case <-r.healthy:
		return nil
	case <-r.done:
		if r.err != nil {
			return r.err
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read runs fn with the table while no apply is in flight.
func (r *Replica) Read(fn func(*table.Table)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.table)
}

// Cursor is the log position of the last applied update.
func (r *Replica) Cursor() world.Cursor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor
}

func (r *Replica) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev == s {
		return
	}
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.ReplicaState.WithLabelValues(r.cfg.Name, st.String()).Set(v)
	}
	r.logger.Debug("Replica state changed", log.Stringer("from", prev), log.Stringer("to", s))
}

func (r *Replica) run(ctx context.Context) {
	defer close(r.done)
	defer r.setState(Stopped)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.ReconnectInitial
	b.MaxInterval = r.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	r.setState(Bootstrapping)
	for {
		err := r.session(ctx, b)
		if ctx.Err() != nil {
			return
		}

		var reason string
		switch {
		case errors.Is(err, errStalled):
			reason = "stalled"
		case errors.Is(err, world.ErrSubscriptionExpired):
			reason = "expired"
		case errors.Is(err, world.ErrBackingUnavailable):
			reason = "unavailable"
		default:
			r.err = err
			r.logger.Error("Replica failed", log.Error(err))
			return
		}
		metrics.ReplicaReconnects.WithLabelValues(r.cfg.Name, reason).Inc()
		r.setState(Reconnecting)

		wait := b.NextBackOff()
		r.logger.Warn("Replica reconnecting", log.String("reason", reason), log.Duration("after", wait), log.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session consumes one subscription until it fails.
func (r *Replica) session(ctx context.Context, b backoff.BackOff) error {
	r.mu.RLock()
	cursor := r.cursor
	known := r.table.VersionMap()
	r.mu.RUnlock()
	if known.Len() == 0 {
		known = nil
	}

	sub, err := r.api.Subscribe(ctx, world.SubscribeConfig{
		Filter:              r.cfg.Filter,
		Cursor:              cursor,
		Known:               known,
		MaxChangesPerUpdate: r.cfg.MaxChangesPerUpdate,
		BootstrapBatchSize:  r.cfg.BootstrapBatchSize,
		BootstrapRate:       r.cfg.BootstrapRate,
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	var (
		staged        []models.Change
		reset         bool
		bootstrapping = true
	)
	for {
		update, err := r.next(ctx, sub, bootstrapping)
		if err != nil {
			return err
		}

		if update.Reset {
			bootstrapping = true
			r.setState(Bootstrapping)
		}
		if bootstrapping {
			staged = append(staged, update.Changes...)
			reset = reset || update.Reset
			if !update.Bootstrapped {
				continue
			}
			r.applySnapshot(staged, reset, known, update.Cursor)
			staged, reset, bootstrapping = nil, false, false
			r.setState(Steady)
			r.once.Do(func() { close(r.healthy) })
			b.Reset()
			continue
		}

		r.mu.Lock()
		r.apply(update.Changes)
		if !update.Cursor.IsZero() {
			r.cursor = update.Cursor
		}
		r.mu.Unlock()
	}
}

func (r *Replica) next(ctx context.Context, sub world.Subscription, bootstrapping bool) (world.Update, error) {
	if r.cfg.StallTimeout <= 0 || bootstrapping {
		return sub.Next(ctx)
	}
	nctx, cancel := context.WithTimeout(ctx, r.cfg.StallTimeout)
	defer cancel()
	update, err := sub.Next(nctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return update, errStalled
	}
	return update, err
}

func (r *Replica) apply(changes []models.Change) {
	if r.filtered {
		r.table.ApplyFiltered(changes)
		return
	}
	r.table.Apply(changes)
}

// applySnapshot installs a completed snapshot. After a reset, entities the
// snapshot neither confirmed through known versions nor sent are dropped.
func (r *Replica) applySnapshot(changes []models.Change, reset bool, known *versionmap.VersionMap, cursor world.Cursor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reset {
		sent := make(map[models.EntityID]struct{}, len(changes))
		for _, id := range models.ChangedIDs(changes) {
			sent[id] = struct{}{}
		}
		var gone []models.Change
		for _, id := range r.table.IDs() {
			if _, ok := sent[id]; ok {
				continue
			}
			if _, ok := known.Get(id); ok {
				continue
			}
			gone = append(gone, models.Delete(id))
		}
		if len(gone) > 0 {
			r.logger.Info("Dropping entities missing from snapshot", log.Int("count", len(gone)))
			changes = append(gone, changes...)
		}
	}
	r.apply(changes)
	if !cursor.IsZero() {
		r.cursor = cursor
	}
	r.logger.Info("Snapshot applied", log.Int("changes", len(changes)), log.Int("entities", r.table.Len()))
}
