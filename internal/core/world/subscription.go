package world

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/observability/metrics"
)

type phase uint8

const (
	phaseStart phase = iota
	phaseBootstrap
	phaseCatchup
	phaseTail
)

func (p phase) String() string {
	switch p {
	case phaseStart:
		return "start"
	case phaseBootstrap:
		return "bootstrap"
	case phaseCatchup:
		return "catchup"
	default:
		return "tail"
	}
}

// subscription implements the snapshot then tail protocol over any Backend.
//
// The snapshot starts by marking the log head (mark1), pages through every
// entity id, then marks again (mark2). Writes that raced the scan lie between
// the two marks, so the log is replayed from mark1 and the update that reaches
// mark2 is the one flagged Bootstrapped. Next is not safe for concurrent use.
type subscription struct {
	id        string
	backend   Backend
	cfg       SubscribeConfig
	readBatch int
	logger    log.Log
	limiter   *rate.Limiter

	phase  phase
	reset  bool
	cursor Cursor
	target Cursor
	// safe trails cursor while buffered changes from consumed entries are
	// still undelivered. Updates carry it so a resume never skips them.
	safe Cursor
	// finishing is set once the snapshot is complete but its buffer has not
	// been fully delivered.
	finishing bool

	scanCursor uint64
	scanDone   bool
	seen       map[models.EntityID]struct{}

	buffer   *models.ChangeBuffer
	lastBeat uint64
	pending  []LogEntry

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Subscription = (*subscription)(nil)

func newSubscription(backend Backend, cfg SubscribeConfig, readBatch int, logger log.Log) *subscription {
	id := uuid.NewString()
	s := &subscription{
		id:        id,
		backend:   backend,
		cfg:       cfg,
		readBatch: readBatch,
		logger:    logger.With(log.String("component", "subscription"), log.String("subscription", id)),
		buffer:    models.NewChangeBuffer(),
		closed:    make(chan struct{}),
	}
	if cfg.BootstrapRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.BootstrapRate), max(cfg.BootstrapBatchSize, 1))
	}
	metrics.SubscriptionCount.Inc()
	s.logger.Debug("Subscription opened",
		log.Bool("skip_bootstrap", cfg.SkipBootstrap),
		log.Int("batch", cfg.BootstrapBatchSize),
		log.Float64("rate", cfg.BootstrapRate),
	)
	return s
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		metrics.SubscriptionCount.Dec()
	})
	return nil
}

func (s *subscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *subscription) Next(ctx context.Context) (Update, error) {
	for {
		if s.isClosed() {
			return Update{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Update{}, err
		}

		if s.finishing {
			return s.finish(), nil
		}

		switch s.phase {
		case phaseStart:
			resumed, err := s.start(ctx)
			if err != nil {
				return Update{}, err
			}
			if resumed {
				return Update{Bootstrapped: true, Cursor: s.cursor}, nil
			}
		case phaseBootstrap:
			update, ok, err := s.bootstrap(ctx)
			if err != nil {
				return Update{}, err
			}
			if ok {
				return update, nil
			}
		default:
			update, ok, err := s.tail(ctx)
			if err != nil {
				return Update{}, err
			}
			if ok {
				return update, nil
			}
		}
	}
}

// start picks the entry phase. It reports true when no snapshot is needed.
func (s *subscription) start(ctx context.Context) (bool, error) {
	switch {
	case s.cfg.SkipBootstrap:
		mark, err := s.backend.Mark(ctx)
		if err != nil {
			return false, err
		}
		s.cursor, s.safe, s.phase = mark, mark, phaseTail
		return true, nil

	case !s.cfg.Cursor.IsZero():
		floor, err := s.backend.Floor(ctx)
		if err != nil {
			return false, err
		}
		if _, _, perr := s.cfg.Cursor.Parts(); perr == nil && s.cfg.Cursor.AtOrAfter(floor) {
			s.cursor, s.safe, s.phase = s.cfg.Cursor, s.cfg.Cursor, phaseTail
			s.logger.Debug("Resuming subscription", log.String("cursor", s.cursor.String()))
			return true, nil
		}
		s.logger.Info("Subscription cursor expired, taking a new snapshot",
			log.String("cursor", s.cfg.Cursor.String()), log.String("floor", floor.String()))
		s.reset = true
	}

	mark, err := s.backend.Mark(ctx)
	if err != nil {
		return false, err
	}
	s.cursor, s.safe, s.phase = mark, mark, phaseBootstrap
	if s.cfg.Known != nil {
		s.seen = make(map[models.EntityID]struct{}, s.cfg.Known.Len())
	}
	return false, nil
}

func (s *subscription) bootstrap(ctx context.Context) (Update, bool, error) {
	for !s.scanDone && s.buffer.Len() < s.cfg.MaxChangesPerUpdate {
		ids, next, err := s.backend.ScanIDs(ctx, s.scanCursor, s.cfg.BootstrapBatchSize)
		if err != nil {
			return Update{}, false, err
		}
		s.scanCursor = next
		s.scanDone = next == 0

		if s.seen != nil {
			fresh := ids[:0]
			for _, id := range ids {
				if _, dup := s.seen[id]; !dup {
					s.seen[id] = struct{}{}
					fresh = append(fresh, id)
				}
			}
			ids = fresh
		}
		if err = s.fetchSince(ctx, ids); err != nil {
			return Update{}, false, err
		}
	}

	if !s.scanDone {
		metrics.SubscriptionFlushes.WithLabelValues(phaseBootstrap.String()).Inc()
		return s.flush(false), true, nil
	}

	if s.seen != nil {
		// Known ids the scan never returned are gone or were purged.
		var missing []models.EntityID
		s.cfg.Known.Range(func(id models.EntityID, _ uint64) bool {
			if _, ok := s.seen[id]; !ok {
				missing = append(missing, id)
			}
			return true
		})
		for start := 0; start < len(missing); start += s.cfg.BootstrapBatchSize {
			end := min(start+s.cfg.BootstrapBatchSize, len(missing))
			if err := s.fetchSince(ctx, missing[start:end]); err != nil {
				return Update{}, false, err
			}
		}
		s.seen = nil
	}

	target, err := s.backend.Mark(ctx)
	if err != nil {
		return Update{}, false, err
	}
	s.target = target
	s.logger.Debug("Snapshot scan complete",
		log.String("from", s.cursor.String()), log.String("to", target.String()))

	if !s.cursor.Before(target) {
		s.phase, s.finishing = phaseTail, true
		metrics.SubscriptionFlushes.WithLabelValues(phaseBootstrap.String()).Inc()
		return s.finish(), true, nil
	}
	s.phase = phaseCatchup
	if s.buffer.Len() >= s.cfg.MaxChangesPerUpdate {
		metrics.SubscriptionFlushes.WithLabelValues(phaseBootstrap.String()).Inc()
		return s.flush(false), true, nil
	}
	return Update{}, false, nil
}

func (s *subscription) fetchSince(ctx context.Context, ids []models.EntityID) error {
	if len(ids) == 0 {
		return nil
	}
	if s.limiter != nil {
		burst := s.limiter.Burst()
		for left := len(ids); left > 0; left -= burst {
			if err := s.limiter.WaitN(ctx, min(left, burst)); err != nil {
				return err
			}
		}
	}
	changes, err := s.backend.FilteredGetSince(ctx, ids, s.cfg.Known, s.cfg.Filter)
	if err != nil {
		return err
	}
	metrics.BootstrapEntities.Add(float64(len(changes)))
	s.buffer.Push(changes...)
	return nil
}

func (s *subscription) tail(ctx context.Context) (Update, bool, error) {
	if len(s.pending) == 0 && s.phase == phaseTail && !s.buffer.Empty() {
		return s.flush(false), true, nil
	}
	if len(s.pending) == 0 {
		entries, err := s.backend.ReadLog(ctx, s.cursor, s.readBatch, s.cfg.Block)
		if err != nil {
			return Update{}, false, err
		}
		if len(entries) == 0 {
			return Update{}, false, nil
		}
		if err = s.project(ctx, entries); err != nil {
			return Update{}, false, err
		}
		s.pending = entries
		if lag := entries[len(entries)-1].Cursor.Time(); !lag.IsZero() {
			metrics.SubscriptionLag.Set(time.Since(lag).Seconds())
		}
	}

	for len(s.pending) > 0 {
		if s.buffer.Len() >= s.cfg.MaxChangesPerUpdate {
			metrics.SubscriptionFlushes.WithLabelValues(s.phase.String()).Inc()
			return s.flush(false), true, nil
		}
		entry := s.pending[0]
		s.pending = s.pending[1:]
		s.buffer.Push(entry.Changes...)
		s.cursor = entry.Cursor

		if s.phase == phaseCatchup && s.cursor.AtOrAfter(s.target) {
			s.phase, s.finishing = phaseTail, true
			metrics.SubscriptionFlushes.WithLabelValues(phaseCatchup.String()).Inc()
			return s.finish(), true, nil
		}
	}

	if s.phase == phaseTail && (!s.buffer.Empty() || s.buffer.Heartbeat() > s.lastBeat) {
		metrics.SubscriptionFlushes.WithLabelValues(phaseTail.String()).Inc()
		return s.flush(false), true, nil
	}
	return Update{}, false, nil
}

// project rewrites logged changes into what a subscriber with the filter
// should see. Creates are projected locally, relevant updates are replaced by
// the projected current state, irrelevant updates are dropped.
func (s *subscription) project(ctx context.Context, entries []LogEntry) error {
	received := 0
	for _, e := range entries {
		received += len(e.Changes)
	}
	metrics.SubscriptionChanges.WithLabelValues("received").Add(float64(received))
	if s.cfg.Filter.IsZero() {
		return nil
	}

	var fetch []models.EntityID
	queued := make(map[models.EntityID]struct{})
	for _, e := range entries {
		for _, c := range e.Changes {
			if c.Kind != models.ChangeUpdate || !s.cfg.Filter.Relevant(c.Delta.ComponentIDs()) {
				continue
			}
			if _, ok := queued[c.ID]; !ok {
				queued[c.ID] = struct{}{}
				fetch = append(fetch, c.ID)
			}
		}
	}

	current := make(map[models.EntityID]models.EntityState, len(fetch))
	if len(fetch) > 0 {
		states, err := s.backend.FilteredGet(ctx, fetch, s.cfg.Filter)
		if err != nil {
			return err
		}
		for i, id := range fetch {
			current[id] = states[i]
		}
	}

	dropped := 0
	emitted := make(map[models.EntityID]struct{}, len(fetch))
	for i := range entries {
		out := entries[i].Changes[:0]
		for _, c := range entries[i].Changes {
			if state, ok := current[c.ID]; ok && c.IsMutation() && c.Version <= state.Version {
				if _, done := emitted[c.ID]; done {
					// Superseded by the fetched state already emitted.
					dropped++
					continue
				}
			}
			switch c.Kind {
			case models.ChangeCreate:
				if projected := s.cfg.Filter.Apply(c.Entity); projected != nil {
					out = append(out, models.Create(projected).WithVersion(c.Version))
				} else {
					out = append(out, models.Delete(c.ID).WithVersion(c.Version))
				}
			case models.ChangeUpdate:
				state, ok := current[c.ID]
				if !ok {
					dropped++
					continue
				}
				if _, done := emitted[c.ID]; done {
					dropped++
					continue
				}
				emitted[c.ID] = struct{}{}
				if state.Exists() {
					out = append(out, models.Create(state.Entity).WithVersion(state.Version))
				} else {
					out = append(out, models.Delete(c.ID).WithVersion(state.Version))
				}
			default:
				out = append(out, c)
			}
		}
		entries[i].Changes = out
	}
	metrics.SubscriptionChanges.WithLabelValues("filtered").Add(float64(dropped))
	return nil
}

// finish delivers the completed snapshot, at most MaxChangesPerUpdate at a
// time, flagging the last update Bootstrapped.
func (s *subscription) finish() Update {
	if s.buffer.Len() > s.cfg.MaxChangesPerUpdate {
		return s.flush(false)
	}
	s.finishing = false
	return s.flush(true)
}

func (s *subscription) flush(bootstrapped bool) Update {
	changes := s.buffer.PopN(s.cfg.MaxChangesPerUpdate)
	if s.buffer.Empty() {
		s.safe = s.cursor
	}
	metrics.SubscriptionChanges.WithLabelValues("aggregated").Add(float64(len(changes)))
	update := Update{
		Changes:      changes,
		Bootstrapped: bootstrapped,
		Reset:        s.reset,
		Cursor:       s.safe,
	}
	if beat := s.buffer.Heartbeat(); beat > s.lastBeat {
		update.Heartbeat = beat
		s.lastBeat = beat
	}
	if bootstrapped {
		s.logger.Info("Subscription bootstrapped",
			log.String("cursor", s.cursor.String()), log.Bool("reset", s.reset))
		s.reset = false
	}
	return update
}
