// Package memstore is an in-process Backend. Records and log entries are
// kept encoded so reads go through the same codec as durable stores.
package memstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/observability/metrics"
	"github.com/zeusync/worldstore/internal/core/world"
)

var errStoreClosed = errors.New("memstore closed")

type record struct {
	version uint64
	// payload is nil for tombstones.
	payload []byte
}

type entry struct {
	cursor  world.Cursor
	payload []byte
}

type Option func(*Store)

func WithLogger(logger log.Log) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMaxLogLength trims the log on every append.
func WithMaxLogLength(n int64) Option {
	return func(s *Store) { s.maxLen = n }
}

// Store keeps everything behind one mutex, which is its serialization point.
type Store struct {
	mu      sync.Mutex
	records map[models.EntityID]record
	log     []entry
	floor   world.Cursor
	seq     uint64
	lastMs  uint64
	counter uint64
	beats   uint64
	maxLen  int64
	closed  bool

	// appended is closed and replaced on every append to wake readers.
	appended chan struct{}

	logger log.Log
}

var _ world.Backend = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		records:  make(map[models.EntityID]record),
		floor:    world.FirstCursor,
		appended: make(chan struct{}),
		logger:   log.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(log.String("component", "memstore"))
	return s
}

func (s *Store) Name() string { return "memory" }

func (s *Store) check() error {
	if s.closed {
		return world.Unavailable("memstore", errStoreClosed)
	}
	return nil
}

func (s *Store) state(id models.EntityID) models.EntityState {
	r, ok := s.records[id]
	if !ok {
		return models.EntityState{}
	}
	if r.payload == nil {
		return models.EntityState{Version: r.version}
	}
	e, err := models.DecodeEntity(id, r.payload)
	if err != nil {
		s.logger.Error("Skipping malformed entity", log.Uint64("id", uint64(id)), log.Error(err))
		return models.EntityState{Version: r.version}
	}
	return models.EntityState{Version: r.version, Entity: e}
}

func (s *Store) Get(_ context.Context, ids ...models.EntityID) ([]models.EntityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]models.EntityState, len(ids))
	for i, id := range ids {
		out[i] = s.state(id)
	}
	return out, nil
}

func (s *Store) Apply(_ context.Context, tx models.ChangeToApply) (models.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return models.ApplyResult{}, err
	}

	plan, err := world.PlanTransaction(tx, func(id models.EntityID) (models.EntityState, error) {
		return s.state(id), nil
	})
	if err != nil {
		return models.ApplyResult{}, err
	}
	if plan.Empty() {
		return models.ApplyResult{Versions: plan.Versions}, nil
	}

	for _, w := range plan.Writes {
		r := record{version: w.Version}
		if w.Entity != nil {
			r.payload = models.EncodeEntity(w.Entity)
		}
		s.records[w.ID] = r
	}
	cursor := s.append(plan.Logged)
	return models.ApplyResult{Versions: plan.Versions, Cursor: string(cursor)}, nil
}

func (s *Store) append(changes []models.Change) world.Cursor {
	ms := max(uint64(time.Now().UnixMilli()), s.lastMs)
	s.lastMs = ms
	s.seq++
	cursor := world.FormatCursor(ms, s.seq)
	s.log = append(s.log, entry{cursor: cursor, payload: models.EncodeChanges(changes)})
	if s.maxLen > 0 {
		s.trim(s.maxLen)
	}
	close(s.appended)
	s.appended = make(chan struct{})
	return cursor
}

func (s *Store) FilteredGet(_ context.Context, ids []models.EntityID, filter models.Filter) ([]models.EntityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]models.EntityState, len(ids))
	for i, id := range ids {
		out[i] = world.Project(s.state(id), filter)
	}
	return out, nil
}

func (s *Store) FilteredGetSince(_ context.Context, ids []models.EntityID, known *versionmap.VersionMap, filter models.Filter) ([]models.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []models.Change
	for _, id := range ids {
		if c, ok := world.SinceChange(id, s.state(id), known, filter); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// ScanIDs pages in id order. The cursor is the last id returned.
func (s *Store) ScanIDs(_ context.Context, cursor uint64, count int) ([]models.EntityID, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, 0, err
	}
	var live []models.EntityID
	for id, r := range s.records {
		if r.payload != nil && uint64(id) > cursor {
			live = append(live, id)
		}
	}
	slices.Sort(live)
	if count <= 0 || len(live) <= count {
		return live, 0, nil
	}
	page := live[:count]
	return page, uint64(page[len(page)-1]), nil
}

func (s *Store) Mark(context.Context) (world.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	if len(s.log) == 0 {
		return s.floor, nil
	}
	return s.log[len(s.log)-1].cursor, nil
}

func (s *Store) Floor(context.Context) (world.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	return s.floor, nil
}

func (s *Store) ReadLog(ctx context.Context, after world.Cursor, count int, block time.Duration) ([]world.LogEntry, error) {
	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		s.mu.Lock()
		if err := s.check(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if after.Before(s.floor) {
			s.mu.Unlock()
			return nil, world.ErrSubscriptionExpired
		}
		i := sort.Search(len(s.log), func(i int) bool { return s.log[i].cursor > after })
		if i < len(s.log) {
			end := len(s.log)
			if count > 0 {
				end = min(end, i+count)
			}
			raw := slices.Clone(s.log[i:end])
			s.mu.Unlock()
			return s.decodeEntries(raw), nil
		}
		wake := s.appended
		s.mu.Unlock()

		if block <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-wake:
		}
	}
}

// decodeEntries keeps undecodable entries with no changes so readers still
// move past them.
func (s *Store) decodeEntries(raw []entry) []world.LogEntry {
	out := make([]world.LogEntry, 0, len(raw))
	for _, e := range raw {
		changes, err := models.DecodeChanges(e.payload)
		if err != nil {
			metrics.MalformedChanges.WithLabelValues(s.Name()).Inc()
			s.logger.Error("Dropping malformed log entry", log.String("cursor", e.cursor.String()), log.Error(err))
			changes = nil
		}
		out = append(out, world.LogEntry{Cursor: e.cursor, Changes: changes})
	}
	return out
}

func (s *Store) Trim(_ context.Context, maxLen int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.trim(maxLen), nil
}

func (s *Store) trim(maxLen int64) int64 {
	excess := int64(len(s.log)) - maxLen
	if excess <= 0 {
		return 0
	}
	s.floor = s.log[excess-1].cursor
	s.log = slices.Delete(s.log, 0, int(excess))
	return excess
}

func (s *Store) Heartbeat(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	s.beats++
	s.append([]models.Change{models.HeartbeatChange(s.beats)})
	return s.beats, nil
}

func (s *Store) IncrBy(_ context.Context, n uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	s.counter += n
	return s.counter, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.appended)
	return nil
}
