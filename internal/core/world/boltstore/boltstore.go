// Package boltstore is a single file Backend on bbolt. bbolt's single writer
// transaction is the serialization point for Apply.
package boltstore

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/observability/metrics"
	"github.com/zeusync/worldstore/internal/core/world"
)

var (
	bucketEntities = []byte("entities")
	bucketLog      = []byte("log")
	bucketMeta     = []byte("meta")
	bucketIDs      = []byte("ids")

	keyFloor     = []byte("floor")
	keyHeartbeat = []byte("hb")
	keyLastMs    = []byte("ms")
	keyLogLen    = []byte("len")
)

var errClosed = errors.New("boltstore closed")

type Config struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
	NoSync  bool          `yaml:"no_sync"`
}

func DefaultConfig() Config {
	return Config{Path: "world.db", Timeout: time.Second}
}

// Store keeps entities under 8 byte big endian ids as an 8 byte version
// followed by the encoded entity, nothing more for tombstones. Log records sit
// under their 8 byte sequence as an 8 byte millisecond stamp followed by the
// encoded changes.
type Store struct {
	db     *bolt.DB
	logger log.Log

	mu     sync.Mutex
	wake   chan struct{}
	closed bool
}

var _ world.Backend = (*Store)(nil)

func Open(cfg Config, logger log.Log) (*Store, error) {
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, world.Unavailable("bolt open", errors.Wrapf(err, "open %s", cfg.Path))
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketLog, bucketMeta, bucketIDs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, world.Unavailable("bolt open", err)
	}
	return &Store{
		db:     db,
		logger: logger.With(log.String("component", "boltstore"), log.String("path", cfg.Path)),
		wake:   make(chan struct{}),
	}, nil
}

func (s *Store) Name() string { return "bolt" }

func unavailable(op string, err error) error {
	return world.Unavailable(op, errors.Wrap(err, "bolt"))
}

func (s *Store) view(op string, fn func(*bolt.Tx) error) error {
	if s.isClosed() {
		return world.Unavailable(op, errClosed)
	}
	if err := s.db.View(fn); err != nil {
		return wrap(op, err)
	}
	return nil
}

func (s *Store) update(op string, fn func(*bolt.Tx) error) error {
	if s.isClosed() {
		return world.Unavailable(op, errClosed)
	}
	if err := s.db.Update(fn); err != nil {
		return wrap(op, err)
	}
	return nil
}

// wrap leaves domain errors alone and marks storage failures.
func wrap(op string, err error) error {
	if errors.Is(err, world.ErrTransactionRejected) || errors.Is(err, world.ErrSubscriptionExpired) ||
		errors.Is(err, models.ErrMalformedEntity) {
		return err
	}
	return unavailable(op, err)
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) waiter() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

func (s *Store) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.wake)
	s.wake = make(chan struct{})
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func (s *Store) state(tx *bolt.Tx, id models.EntityID) models.EntityState {
	raw := tx.Bucket(bucketEntities).Get(u64(uint64(id)))
	if len(raw) < 8 {
		return models.EntityState{}
	}
	st := models.EntityState{Version: binary.BigEndian.Uint64(raw)}
	if len(raw) == 8 {
		return st
	}
	e, err := models.DecodeEntity(id, raw[8:])
	if err != nil {
		s.logger.Error("Skipping malformed entity", log.Uint64("id", uint64(id)), log.Error(err))
		return st
	}
	st.Entity = e
	return st
}

func (s *Store) Get(_ context.Context, ids ...models.EntityID) ([]models.EntityState, error) {
	out := make([]models.EntityState, len(ids))
	err := s.view("get", func(tx *bolt.Tx) error {
		for i, id := range ids {
			out[i] = s.state(tx, id)
		}
		return nil
	})
	return out, err
}

func (s *Store) Apply(_ context.Context, change models.ChangeToApply) (models.ApplyResult, error) {
	var result models.ApplyResult
	err := s.update("apply", func(tx *bolt.Tx) error {
		plan, err := world.PlanTransaction(change, func(id models.EntityID) (models.EntityState, error) {
			return s.state(tx, id), nil
		})
		if err != nil {
			return err
		}
		result.Versions = plan.Versions
		if plan.Empty() {
			return nil
		}

		entities := tx.Bucket(bucketEntities)
		for _, w := range plan.Writes {
			value := u64(w.Version)
			if w.Entity != nil {
				value = models.AppendEntity(value, w.Entity)
			}
			if err := entities.Put(u64(uint64(w.ID)), value); err != nil {
				return err
			}
		}
		cursor, err := appendLog(tx, plan.Logged)
		result.Cursor = string(cursor)
		return err
	})
	if err != nil {
		return models.ApplyResult{}, err
	}
	if result.Cursor != "" {
		s.broadcast()
	}
	return result, nil
}

func appendLog(tx *bolt.Tx, changes []models.Change) (world.Cursor, error) {
	logs, meta := tx.Bucket(bucketLog), tx.Bucket(bucketMeta)
	seq, err := logs.NextSequence()
	if err != nil {
		return "", err
	}
	ms := max(uint64(time.Now().UnixMilli()), counter(meta, keyLastMs))
	if err := meta.Put(keyLastMs, u64(ms)); err != nil {
		return "", err
	}
	if err := logs.Put(u64(seq), append(u64(ms), models.EncodeChanges(changes)...)); err != nil {
		return "", err
	}
	if err := meta.Put(keyLogLen, u64(counter(meta, keyLogLen)+1)); err != nil {
		return "", err
	}
	return world.FormatCursor(ms, seq), nil
}

func counter(meta *bolt.Bucket, key []byte) uint64 {
	if raw := meta.Get(key); len(raw) == 8 {
		return binary.BigEndian.Uint64(raw)
	}
	return 0
}

// logCursor rebuilds the cursor of a log record.
func logCursor(k, v []byte) world.Cursor {
	return world.FormatCursor(binary.BigEndian.Uint64(v), binary.BigEndian.Uint64(k))
}

func (s *Store) FilteredGet(_ context.Context, ids []models.EntityID, filter models.Filter) ([]models.EntityState, error) {
	out := make([]models.EntityState, len(ids))
	err := s.view("filtered get", func(tx *bolt.Tx) error {
		for i, id := range ids {
			out[i] = world.Project(s.state(tx, id), filter)
		}
		return nil
	})
	return out, err
}

func (s *Store) FilteredGetSince(_ context.Context, ids []models.EntityID, known *versionmap.VersionMap, filter models.Filter) ([]models.Change, error) {
	var out []models.Change
	err := s.view("filtered get since", func(tx *bolt.Tx) error {
		for _, id := range ids {
			if c, ok := world.SinceChange(id, s.state(tx, id), known, filter); ok {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}

// ScanIDs pages in key order. The cursor is the last id returned.
func (s *Store) ScanIDs(_ context.Context, cursor uint64, count int) ([]models.EntityID, uint64, error) {
	var (
		ids  []models.EntityID
		next uint64
	)
	err := s.view("scan", func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntities).Cursor()
		for k, v := c.Seek(u64(cursor + 1)); k != nil; k, v = c.Next() {
			if len(v) <= 8 {
				continue
			}
			if count > 0 && len(ids) == count {
				next = uint64(ids[len(ids)-1])
				return nil
			}
			ids = append(ids, models.EntityID(binary.BigEndian.Uint64(k)))
		}
		return nil
	})
	return ids, next, err
}

func floorOf(meta *bolt.Bucket) world.Cursor {
	if raw := meta.Get(keyFloor); raw != nil {
		return world.Cursor(raw)
	}
	return world.FirstCursor
}

func (s *Store) Mark(context.Context) (world.Cursor, error) {
	var mark world.Cursor
	err := s.view("mark", func(tx *bolt.Tx) error {
		mark = floorOf(tx.Bucket(bucketMeta))
		if k, v := tx.Bucket(bucketLog).Cursor().Last(); k != nil {
			mark = logCursor(k, v)
		}
		return nil
	})
	return mark, err
}

func (s *Store) Floor(context.Context) (world.Cursor, error) {
	var floor world.Cursor
	err := s.view("floor", func(tx *bolt.Tx) error {
		floor = floorOf(tx.Bucket(bucketMeta))
		return nil
	})
	return floor, err
}

func (s *Store) ReadLog(ctx context.Context, after world.Cursor, count int, block time.Duration) ([]world.LogEntry, error) {
	_, seq, err := after.Parts()
	if err != nil {
		return nil, err
	}
	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		wake := s.waiter()
		var out []world.LogEntry
		err := s.view("read log", func(tx *bolt.Tx) error {
			if after.Before(floorOf(tx.Bucket(bucketMeta))) {
				return world.ErrSubscriptionExpired
			}
			c := tx.Bucket(bucketLog).Cursor()
			for k, v := c.Seek(u64(seq + 1)); k != nil; k, v = c.Next() {
				if count > 0 && len(out) == count {
					break
				}
				cursor := logCursor(k, v)
				changes, err := models.DecodeChanges(v[8:])
				if err != nil {
					metrics.MalformedChanges.WithLabelValues(s.Name()).Inc()
					s.logger.Error("Dropping malformed log entry", log.String("cursor", cursor.String()), log.Error(err))
					changes = nil
				}
				out = append(out, world.LogEntry{Cursor: cursor, Changes: changes})
			}
			return nil
		})
		if err != nil || len(out) > 0 || block <= 0 {
			return out, err
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

func (s *Store) Trim(_ context.Context, maxLen int64) (int64, error) {
	var trimmed int64
	err := s.update("trim", func(tx *bolt.Tx) error {
		meta, logs := tx.Bucket(bucketMeta), tx.Bucket(bucketLog)
		excess := int64(counter(meta, keyLogLen)) - maxLen
		if excess <= 0 {
			return nil
		}
		var floor world.Cursor
		c := logs.Cursor()
		for k, v := c.First(); k != nil && trimmed < excess; k, v = c.First() {
			floor = logCursor(k, v)
			if err := c.Delete(); err != nil {
				return err
			}
			trimmed++
		}
		if err := meta.Put(keyFloor, []byte(floor)); err != nil {
			return err
		}
		return meta.Put(keyLogLen, u64(counter(meta, keyLogLen)-uint64(trimmed)))
	})
	return trimmed, err
}

func (s *Store) Heartbeat(context.Context) (uint64, error) {
	var n uint64
	err := s.update("heartbeat", func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		n = counter(meta, keyHeartbeat) + 1
		if err := meta.Put(keyHeartbeat, u64(n)); err != nil {
			return err
		}
		_, err := appendLog(tx, []models.Change{models.HeartbeatChange(n)})
		return err
	})
	if err != nil {
		return 0, err
	}
	s.broadcast()
	return n, nil
}

// IncrBy keeps the id counter in the sequence of its own bucket.
func (s *Store) IncrBy(_ context.Context, n uint64) (uint64, error) {
	var last uint64
	err := s.update("incr ids", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIDs)
		last = b.Sequence() + n
		return b.SetSequence(last)
	})
	return last, err
}

func (s *Store) Ping(context.Context) error {
	if s.isClosed() {
		return world.Unavailable("ping", errClosed)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.wake)
	s.mu.Unlock()
	return s.db.Close()
}
