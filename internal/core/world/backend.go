package world

import (
	"context"
	"time"

	"github.com/zeusync/worldstore/internal/core/ids"
	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
)

// LogEntry is one committed transaction or heartbeat of the change log.
type LogEntry struct {
	Cursor  Cursor
	Changes []models.Change
}

// Backend is a durable, authoritative store. Apply must be atomic with
// respect to every other Apply: compare, write, bump versions and append to
// the log as one step.
type Backend interface {
	ids.Counter

	// Name labels metrics and logs.
	Name() string

	// Get returns one state per id. Never written ids have version zero.
	Get(ctx context.Context, ids ...models.EntityID) ([]models.EntityState, error)
	Apply(ctx context.Context, tx models.ChangeToApply) (models.ApplyResult, error)

	// FilteredGet returns one state per id, projected by the filter. Entities
	// failing the filter come back with a nil snapshot and their version.
	FilteredGet(ctx context.Context, ids []models.EntityID, filter models.Filter) ([]models.EntityState, error)
	// FilteredGetSince returns a Create for every id whose version differs
	// from known and matches the filter, and a Delete for known ids that are
	// gone or no longer match. Ids at their known version are skipped.
	FilteredGetSince(ctx context.Context, ids []models.EntityID, known *versionmap.VersionMap, filter models.Filter) ([]models.Change, error)

	// ScanIDs pages through live entity ids. A returned cursor of zero means
	// the scan is complete. Ids may repeat across pages.
	ScanIDs(ctx context.Context, cursor uint64, count int) ([]models.EntityID, uint64, error)

	// Mark returns the position of the newest log entry, FirstCursor for an
	// empty log.
	Mark(ctx context.Context) (Cursor, error)
	// Floor returns the newest trimmed position. Cursors before it expired.
	Floor(ctx context.Context) (Cursor, error)
	// ReadLog returns up to count entries after the cursor, waiting up to
	// block for the first one. It fails with ErrSubscriptionExpired when
	// entries after the cursor were trimmed.
	ReadLog(ctx context.Context, after Cursor, count int, block time.Duration) ([]LogEntry, error)
	// Trim drops the oldest entries beyond maxLen and advances the floor.
	Trim(ctx context.Context, maxLen int64) (int64, error)
	// Heartbeat appends a liveness entry and returns its counter.
	Heartbeat(ctx context.Context) (uint64, error)

	Ping(ctx context.Context) error
	Close() error
}
