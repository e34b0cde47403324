package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/ratelimit"
)

// =============================================================================
// SLIDING COUNTER
// =============================================================================

// Consume implements ratelimit.Counter with a log of admitted timestamps in
// rate_limit_hits. Trim, count and insert run in one transaction.
func (s *Store) Consume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (ratelimit.CounterResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ratelimit.CounterResult{}, core.Transient("begin counter transaction", err)
	}
	defer sqlTx.Rollback()

	nowNs := now.UnixNano()
	cutoff := now.Add(-window).UnixNano()

	if _, err := sqlTx.ExecContext(ctx,
		`DELETE FROM rate_limit_hits WHERE counter_key = ? AND hit_at <= ?`, key, cutoff); err != nil {
		return ratelimit.CounterResult{}, core.Transient("trim counter", err)
	}

	var (
		count  int
		oldest sql.NullInt64
	)
	if err := sqlTx.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(hit_at) FROM rate_limit_hits WHERE counter_key = ?`, key,
	).Scan(&count, &oldest); err != nil {
		return ratelimit.CounterResult{}, core.Transient("count counter", err)
	}

	if count >= limit {
		retry := window
		if oldest.Valid {
			retry = time.Duration(oldest.Int64 + int64(window) - nowNs)
		}
		// Commit the trim; nothing else changed.
		if err := sqlTx.Commit(); err != nil {
			return ratelimit.CounterResult{}, core.Transient("commit counter", err)
		}
		return ratelimit.CounterResult{Admitted: false, Count: count, RetryAfter: retry}, nil
	}

	if _, err := sqlTx.ExecContext(ctx,
		`INSERT INTO rate_limit_hits (counter_key, hit_at) VALUES (?, ?)`, key, nowNs); err != nil {
		return ratelimit.CounterResult{}, core.Transient("record hit", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return ratelimit.CounterResult{}, core.Transient("commit counter", err)
	}
	return ratelimit.CounterResult{Admitted: true, Count: count + 1}, nil
}

// SweepHits removes hits at or before cutoff across all keys.
func (s *Store) SweepHits(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_hits WHERE hit_at <= ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep rate limit hits: %w", err)
	}
	return result.RowsAffected()
}
