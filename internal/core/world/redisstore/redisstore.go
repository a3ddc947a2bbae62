// Package redisstore is the Redis Backend. Every write runs as one Lua
// script so compare, write and log append are atomic on the server.
package redisstore

import (
	"context"
	_ "embed"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/observability/metrics"
	"github.com/zeusync/worldstore/internal/core/world"
)

var (
	//go:embed scripts/apply.lua
	applySource string
	//go:embed scripts/filtered_get.lua
	filteredGetSource string
	//go:embed scripts/trim.lua
	trimSource string
	//go:embed scripts/heartbeat.lua
	heartbeatSource string

	applyScript       = redis.NewScript(applySource)
	filteredGetScript = redis.NewScript(filteredGetSource)
	trimScript        = redis.NewScript(trimSource)
	heartbeatScript   = redis.NewScript(heartbeatSource)
)

var errMalformedField = errors.New("field is not <position>:<version>")

const (
	trimChunk = 1000
	// maxBlock bounds XREAD BLOCK so cancelled contexts are noticed.
	maxBlock = 5 * time.Second
)

// Config selects the Redis deployment and key prefix.
type Config struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	// Prefix namespaces every key. Use a hash tag such as "{world}" on
	// Redis Cluster so all keys share a slot.
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

func DefaultConfig() Config {
	return Config{
		Addrs:  []string{"localhost:6379"},
		Prefix: "{world}",
	}
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func WithLogger(logger log.Log) Option {
	return func(s *Store) { s.logger = logger }
}

// Store keeps each entity in a hash at <prefix>:e:<id> holding the version
// "v", a liveness flag "x" and one field per component id.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger log.Log
}

var _ world.Backend = (*Store)(nil)

// New takes ownership of client; Close closes it.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultConfig().Prefix,
		logger: log.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(log.String("component", "redisstore"), log.String("prefix", s.prefix))
	return s
}

// Open connects using cfg and checks the connection.
func Open(ctx context.Context, cfg Config, logger log.Log) (*Store, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, world.Unavailable("redis connect", errors.Wrapf(err, "ping %v", cfg.Addrs))
	}
	return New(client, WithPrefix(cfg.Prefix), WithLogger(logger)), nil
}

func (s *Store) Name() string { return "redis" }

func (s *Store) entityKey(id models.EntityID) string {
	return s.prefix + ":e:" + strconv.FormatUint(uint64(id), 10)
}

func (s *Store) logKey() string       { return s.prefix + ":log" }
func (s *Store) floorKey() string     { return s.prefix + ":floor" }
func (s *Store) idsKey() string       { return s.prefix + ":ids" }
func (s *Store) heartbeatKey() string { return s.prefix + ":hb" }

func unavailable(op string, err error) error {
	return world.Unavailable(op, errors.Wrap(err, "redis"))
}

func (s *Store) Get(ctx context.Context, ids ...models.EntityID) ([]models.EntityState, error) {
	return s.FilteredGet(ctx, ids, models.Filter{})
}

func (s *Store) Apply(ctx context.Context, tx models.ChangeToApply) (models.ApplyResult, error) {
	keys := []string{s.logKey()}
	slot := make(map[models.EntityID]int)
	keyOf := func(id models.EntityID) int {
		if k, ok := slot[id]; ok {
			return k
		}
		keys = append(keys, s.entityKey(id))
		slot[id] = len(keys)
		return len(keys)
	}

	args := []any{len(tx.Iffs)}
	for _, iff := range tx.Iffs {
		exists := 0
		if iff.Exists {
			exists = 1
		}
		args = append(args, keyOf(iff.ID), iff.Version, exists)
		args = appendCIDs(args, iff.Require)
		args = appendCIDs(args, iff.Forbid)
	}

	args = append(args, len(tx.Changes))
	for _, c := range tx.Changes {
		args = append(args, keyOf(c.ID))
		switch c.Kind {
		case models.ChangeCreate:
			args = append(args, "c", models.EncodeChange(c))
			components := c.Entity.Components()
			args = append(args, len(components))
			for _, comp := range components {
				args = append(args, uint32(comp.ComponentID()), models.EncodeComponent(comp))
			}
			args = append(args, 0)
		case models.ChangeUpdate:
			args = append(args, "u", models.EncodeChange(c))
			var set, clear []models.ComponentID
			for _, cid := range c.Delta.ComponentIDs() {
				if c.Delta[cid] != nil {
					set = append(set, cid)
				} else {
					clear = append(clear, cid)
				}
			}
			args = append(args, len(set))
			for _, cid := range set {
				args = append(args, uint32(cid), models.EncodeComponent(c.Delta[cid]))
			}
			args = appendCIDs(args, clear)
		default:
			args = append(args, "d", models.EncodeChange(c), 0, 0)
		}
	}

	reply, err := applyScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return models.ApplyResult{}, unavailable("apply", err)
	}
	if status, _ := reply[0].(int64); status == 0 {
		k, _ := reply[1].(int64)
		version, _ := reply[2].(int64)
		return models.ApplyResult{}, fmt.Errorf("%w: %s at version %d", world.ErrTransactionRejected, keys[k-1], version)
	}

	result := models.ApplyResult{Versions: make(map[models.EntityID]uint64)}
	streamID, _ := reply[1].(string)
	if streamID != "" {
		cursor, err := world.ParseStreamID(streamID)
		if err != nil {
			return models.ApplyResult{}, err
		}
		result.Cursor = string(cursor)
	}
	byKey := make(map[int]models.EntityID, len(slot))
	for id, k := range slot {
		byKey[k] = id
	}
	for i := 2; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(int64)
		version, _ := reply[i+1].(int64)
		result.Versions[byKey[int(k)]] = uint64(version)
	}
	return result, nil
}

func appendCIDs(args []any, cids []models.ComponentID) []any {
	args = append(args, len(cids))
	for _, cid := range cids {
		args = append(args, uint32(cid))
	}
	return args
}

func (s *Store) FilteredGet(ctx context.Context, ids []models.EntityID, filter models.Filter) ([]models.EntityState, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entityKey(id)
	}
	var args []any
	for _, list := range [][]models.ComponentID{filter.AllOf, filter.AnyOf, filter.NoneOf, filter.Fields} {
		args = appendCIDs(args, list)
	}

	reply, err := filteredGetScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, unavailable("filtered get", err)
	}
	if len(reply) != len(ids) {
		return nil, fmt.Errorf("filtered get: %d records for %d ids", len(reply), len(ids))
	}
	out := make([]models.EntityState, len(ids))
	for i, raw := range reply {
		out[i] = s.parseRecord(ids[i], raw)
	}
	return out, nil
}

func (s *Store) parseRecord(id models.EntityID, raw any) models.EntityState {
	rec, _ := raw.([]any)
	if len(rec) < 2 {
		return models.EntityState{}
	}
	version, _ := rec[0].(int64)
	state := models.EntityState{Version: uint64(version)}
	if matched, _ := rec[1].(int64); matched == 0 {
		return state
	}

	payloads := make(map[models.ComponentID][]byte, (len(rec)-2)/2)
	for j := 2; j+1 < len(rec); j += 2 {
		field, _ := rec[j].(string)
		payload, _ := rec[j+1].(string)
		cid, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			continue
		}
		payloads[models.ComponentID(cid)] = []byte(payload)
	}
	e, err := models.EntityFromPayloads(id, payloads)
	if err != nil {
		s.logger.Error("Skipping malformed entity", log.Uint64("id", uint64(id)), log.Error(err))
		return state
	}
	state.Entity = e
	return state
}

func (s *Store) FilteredGetSince(ctx context.Context, ids []models.EntityID, known *versionmap.VersionMap, filter models.Filter) ([]models.Change, error) {
	states, err := s.FilteredGet(ctx, ids, filter)
	if err != nil {
		return nil, err
	}
	var out []models.Change
	for i, id := range ids {
		// States are already projected server side.
		if c, ok := world.SinceChange(id, states[i], known, models.Filter{}); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) ScanIDs(ctx context.Context, cursor uint64, count int) ([]models.EntityID, uint64, error) {
	prefix := s.prefix + ":e:"
	keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", int64(count)).Result()
	if err != nil {
		return nil, 0, unavailable("scan", err)
	}
	ids := make([]models.EntityID, 0, len(keys))
	for _, key := range keys {
		id, err := models.ParseEntityID(strings.TrimPrefix(key, prefix))
		if err != nil {
			s.logger.Warn("Ignoring foreign key", log.String("key", key))
			continue
		}
		ids = append(ids, id)
	}
	return ids, next, nil
}

func (s *Store) Mark(ctx context.Context) (world.Cursor, error) {
	last, err := s.client.XRevRangeN(ctx, s.logKey(), "+", "-", 1).Result()
	if err != nil {
		return "", unavailable("mark", err)
	}
	floor, err := s.Floor(ctx)
	if err != nil {
		return "", err
	}
	if len(last) == 0 {
		return floor, nil
	}
	head, err := world.ParseStreamID(last[0].ID)
	if err != nil {
		return "", err
	}
	return max(head, floor), nil
}

func (s *Store) Floor(ctx context.Context) (world.Cursor, error) {
	raw, err := s.client.Get(ctx, s.floorKey()).Result()
	if errors.Is(err, redis.Nil) {
		return world.FirstCursor, nil
	}
	if err != nil {
		return "", unavailable("floor", err)
	}
	return world.ParseStreamID(raw)
}

func (s *Store) ReadLog(ctx context.Context, after world.Cursor, count int, block time.Duration) ([]world.LogEntry, error) {
	if err := s.checkFloor(ctx, after); err != nil {
		return nil, err
	}

	args := &redis.XReadArgs{
		Streams: []string{s.logKey(), after.StreamID()},
		Count:   int64(count),
		Block:   -1,
	}
	if block > 0 {
		args.Block = min(block, maxBlock)
	}
	streams, err := s.client.XRead(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, unavailable("read log", err)
	}
	// Entries trimmed while we waited would be skipped silently.
	if err := s.checkFloor(ctx, after); err != nil {
		return nil, err
	}

	var out []world.LogEntry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entry, err := s.decodeMessage(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Store) checkFloor(ctx context.Context, after world.Cursor) error {
	floor, err := s.Floor(ctx)
	if err != nil {
		return err
	}
	if after.Before(floor) {
		return world.ErrSubscriptionExpired
	}
	return nil
}

// decodeMessage fails only when the entry id is not a cursor. Undecodable
// changes are dropped so readers still move past the entry.
func (s *Store) decodeMessage(msg redis.XMessage) (world.LogEntry, error) {
	cursor, err := world.ParseStreamID(msg.ID)
	if err != nil {
		return world.LogEntry{}, err
	}
	entry := world.LogEntry{Cursor: cursor}
	if raw, ok := msg.Values["hb"]; ok {
		n, err := strconv.ParseUint(fmt.Sprint(raw), 10, 64)
		if err != nil {
			s.malformed(msg.ID, "hb", err)
			return entry, nil
		}
		entry.Changes = []models.Change{models.HeartbeatChange(n)}
		return entry, nil
	}

	// go-redis hands stream fields back as a map. Fields are
	// "<position>:<version>", position restores the order.
	type field struct {
		pos     int
		version uint64
		payload string
	}
	fields := make([]field, 0, len(msg.Values))
	for name, raw := range msg.Values {
		pos, version, ok := strings.Cut(name, ":")
		if !ok {
			s.malformed(msg.ID, name, errMalformedField)
			continue
		}
		p, err := strconv.Atoi(pos)
		if err != nil {
			s.malformed(msg.ID, name, err)
			continue
		}
		v, err := strconv.ParseUint(version, 10, 64)
		if err != nil {
			s.malformed(msg.ID, name, err)
			continue
		}
		payload, _ := raw.(string)
		fields = append(fields, field{pos: p, version: v, payload: payload})
	}
	slices.SortFunc(fields, func(a, b field) int { return a.pos - b.pos })
	for _, f := range fields {
		c, err := models.DecodeChange([]byte(f.payload))
		if err != nil {
			s.malformed(msg.ID, strconv.Itoa(f.pos)+":"+strconv.FormatUint(f.version, 10), err)
			continue
		}
		entry.Changes = append(entry.Changes, c.WithVersion(f.version))
	}
	return entry, nil
}

func (s *Store) malformed(id, field string, err error) {
	metrics.MalformedChanges.WithLabelValues(s.Name()).Inc()
	s.logger.Error("Dropping malformed change",
		log.String("entry", id),
		log.String("field", field),
		log.Error(err),
	)
}

func (s *Store) Trim(ctx context.Context, maxLen int64) (int64, error) {
	var total int64
	for {
		n, err := trimScript.Run(ctx, s.client, []string{s.logKey(), s.floorKey()}, maxLen, trimChunk).Int64()
		if err != nil {
			return total, unavailable("trim", err)
		}
		total += n
		if n < trimChunk {
			return total, nil
		}
	}
}

func (s *Store) Heartbeat(ctx context.Context) (uint64, error) {
	n, err := heartbeatScript.Run(ctx, s.client, []string{s.logKey(), s.heartbeatKey()}).Uint64()
	if err != nil {
		return 0, unavailable("heartbeat", err)
	}
	return n, nil
}

func (s *Store) IncrBy(ctx context.Context, n uint64) (uint64, error) {
	v, err := s.client.IncrBy(ctx, s.idsKey(), int64(n)).Uint64()
	if err != nil {
		return 0, unavailable("incr ids", err)
	}
	return v, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	err := s.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
