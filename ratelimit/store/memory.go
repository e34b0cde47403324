// Package store provides in-memory rate-limit storage.
package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/ratelimit"
)

// =============================================================================
// CONFIG STORE - In-memory implementation (for testing/dev)
// =============================================================================

type configKey struct {
	ActionType string
	Tier       ratelimit.Tier
}

// Configs implements ratelimit.ConfigStore.
type Configs struct {
	mu       sync.RWMutex
	byID     map[string]ratelimit.Config
	byNatKey map[configKey]string
}

var _ ratelimit.ConfigStore = (*Configs)(nil)

func NewConfigs() *Configs {
	return &Configs{
		byID:     make(map[string]ratelimit.Config),
		byNatKey: make(map[configKey]string),
	}
}

func (c *Configs) GetByActionAndTier(_ context.Context, actionType string, tier ratelimit.Tier) (*ratelimit.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byNatKey[configKey{ActionType: actionType, Tier: tier}]
	if !ok {
		return nil, nil
	}
	cfg := c.byID[id]
	return &cfg, nil
}

func (c *Configs) GetByID(_ context.Context, id string) (*ratelimit.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg, ok := c.byID[id]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (c *Configs) ListAll(_ context.Context) ([]ratelimit.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sorted(func(ratelimit.Config) bool { return true }), nil
}

func (c *Configs) ListByAction(_ context.Context, actionType string) ([]ratelimit.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sorted(func(cfg ratelimit.Config) bool { return cfg.ActionType == actionType }), nil
}

// sorted returns matching configs ordered by action then tier.
func (c *Configs) sorted(match func(ratelimit.Config) bool) []ratelimit.Config {
	result := make([]ratelimit.Config, 0, len(c.byID))
	for _, cfg := range c.byID {
		if match(cfg) {
			result = append(result, cfg)
		}
	}
	slices.SortFunc(result, func(x, y ratelimit.Config) int {
		if r := cmp.Compare(x.ActionType, y.ActionType); r != 0 {
			return r
		}
		return cmp.Compare(x.Tier, y.Tier)
	})
	return result
}

func (c *Configs) InsertUnique(_ context.Context, cfg ratelimit.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := configKey{ActionType: cfg.ActionType, Tier: cfg.Tier}
	if _, exists := c.byNatKey[k]; exists {
		return &core.ConflictError{Entity: "rate limit", Key: cfg.ActionType + "/" + string(cfg.Tier)}
	}
	if _, exists := c.byID[cfg.ID]; exists {
		return &core.ConflictError{Entity: "rate limit", Key: cfg.ID}
	}
	c.byID[cfg.ID] = cfg
	c.byNatKey[k] = cfg.ID
	return nil
}

func (c *Configs) UpdateFields(_ context.Context, id string, p ratelimit.UpdateParams, updatedAt time.Time) (*ratelimit.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.byID[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if p.LimitCount != nil {
		stored.LimitCount = *p.LimitCount
	}
	if p.WindowSeconds != nil {
		stored.WindowSeconds = *p.WindowSeconds
	}
	if p.UpdatedByUserID != nil {
		editor := *p.UpdatedByUserID
		stored.UpdatedByUserID = &editor
	}
	stored.UpdatedAt = updatedAt
	c.byID[id] = stored
	return &stored, nil
}

// =============================================================================
// SLIDING COUNTER - Per-key log of admitted timestamps
// =============================================================================

// SlidingCounter implements ratelimit.Counter in process memory. It is exact
// for a single instance; use the Redis or SQLite counter when several
// instances share limits.
type SlidingCounter struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

var (
	_ ratelimit.Counter = (*SlidingCounter)(nil)
	_ ratelimit.Sweeper = (*SlidingCounter)(nil)
)

func NewSlidingCounter() *SlidingCounter {
	return &SlidingCounter{logs: make(map[string][]time.Time)}
}

func (s *SlidingCounter) Consume(_ context.Context, key string, limit int, window time.Duration, now time.Time) (ratelimit.CounterResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := trim(s.logs[key], now.Add(-window))

	if len(log) >= limit {
		s.logs[key] = log
		retry := window
		if len(log) > 0 {
			retry = log[0].Add(window).Sub(now)
		}
		return ratelimit.CounterResult{Admitted: false, Count: len(log), RetryAfter: retry}, nil
	}

	i, _ := slices.BinarySearchFunc(log, now, time.Time.Compare)
	log = slices.Insert(log, i, now)
	s.logs[key] = log
	return ratelimit.CounterResult{Admitted: true, Count: len(log)}, nil
}

// trim drops entries at or before cutoff. Entries are kept sorted.
func trim(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return slices.Clone(log[i:])
}

// SweepHits drops every entry at or before cutoff and forgets empty keys.
// It returns the number of entries removed.
func (s *SlidingCounter) SweepHits(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k, log := range s.logs {
		kept := trim(log, cutoff)
		removed += int64(len(log) - len(kept))
		if len(kept) == 0 {
			delete(s.logs, k)
			continue
		}
		s.logs[k] = kept
	}
	return removed, nil
}
