package ratelimit

import (
	"context"
	"time"
)

// ConfigStore persists rate-limit configs.
// Finder reads return (nil, nil) when nothing matches.
type ConfigStore interface {
	GetByActionAndTier(ctx context.Context, actionType string, tier Tier) (*Config, error)
	GetByID(ctx context.Context, id string) (*Config, error)
	ListAll(ctx context.Context) ([]Config, error)
	ListByAction(ctx context.Context, actionType string) ([]Config, error)

	// InsertUnique stores a new config; a duplicate (actionType, tier)
	// is core.ErrConflict and leaves the existing row untouched.
	InsertUnique(ctx context.Context, cfg Config) error

	// UpdateFields applies the non-nil fields of p to the row with id and
	// stamps updatedAt in one store operation, so concurrent partial updates
	// of different fields both land. It returns the row as written; a
	// missing row is core.ErrNotFound.
	UpdateFields(ctx context.Context, id string, p UpdateParams, updatedAt time.Time) (*Config, error)
}

// Counter is the counting store behind the limiter.
//
// Consume atomically drops entries at or before now-window for key, and
// records now only if fewer than limit entries remain. Concurrent calls for
// the same key must never admit more than limit entries in a window.
type Counter interface {
	Consume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (CounterResult, error)
}

// Sweeper is implemented by counters that keep per-hit state and need
// periodic cleanup of keys nobody touches anymore.
type Sweeper interface {
	// SweepHits removes hits at or before cutoff and returns how many.
	SweepHits(ctx context.Context, cutoff time.Time) (int64, error)
}
