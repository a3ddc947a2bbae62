// Package world is the transactional contract over a backing store: point
// reads, atomic conditional writes and resumable change subscriptions.
package world

import (
	"context"
	"time"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/models/versionmap"
)

// WorldApi is what writers and replicas talk to.
type WorldApi interface {
	// Get returns one entry per id, nil for absent entities.
	Get(ctx context.Context, ids ...models.EntityID) ([]*models.Entity, error)
	// GetWithVersion returns the current version and snapshot. A deleted
	// entity reports its tombstone version with a nil snapshot.
	GetWithVersion(ctx context.Context, id models.EntityID) (uint64, *models.Entity, error)
	// Apply commits the transaction atomically or returns
	// ErrTransactionRejected without writing anything.
	Apply(ctx context.Context, tx models.ChangeToApply) (models.ApplyResult, error)
	Subscribe(ctx context.Context, cfg SubscribeConfig) (Subscription, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// Subscription is a pull based change feed. Next blocks until an update is
// ready, the context ends or the subscription fails. A subscription that
// returned an error should be closed and reopened from the last cursor.
type Subscription interface {
	Next(ctx context.Context) (Update, error)
	Close() error
}

// Update is one delivery of a subscription.
type Update struct {
	Changes []models.Change
	// Bootstrapped is set on the update that completes the snapshot. Every
	// change delivered before it belongs to the snapshot.
	Bootstrapped bool
	// Reset marks the updates of a snapshot taken because the supplied
	// cursor had expired. Entities missing from that snapshot are gone.
	Reset bool
	// Cursor is the log position to resume from after applying this update.
	Cursor Cursor
	// Heartbeat is the highest heartbeat counter seen, zero if none.
	Heartbeat uint64
}

// SubscribeConfig controls a subscription.
type SubscribeConfig struct {
	Filter models.Filter
	// Cursor resumes the feed without a snapshot when it is still in the log.
	Cursor Cursor
	// Known lists versions the subscriber already holds. The snapshot skips
	// entities still at those versions and deletes the ones that are gone.
	Known *versionmap.VersionMap
	// SkipBootstrap tails from the current log position without a snapshot.
	SkipBootstrap bool

	MaxChangesPerUpdate int
	BootstrapBatchSize  int
	// BootstrapRate caps snapshot entities per second, zero is unlimited.
	BootstrapRate float64
	// Block bounds a single wait on the log.
	Block time.Duration
}

func (c SubscribeConfig) withDefaults(defaults Config) SubscribeConfig {
	if c.MaxChangesPerUpdate <= 0 {
		c.MaxChangesPerUpdate = defaults.MaxChangesPerUpdate
	}
	if c.BootstrapBatchSize <= 0 {
		c.BootstrapBatchSize = defaults.BootstrapBatchSize
	}
	if c.BootstrapRate <= 0 {
		c.BootstrapRate = defaults.BootstrapRate
	}
	if c.Block <= 0 {
		c.Block = defaults.ReadBlock
	}
	return c
}
