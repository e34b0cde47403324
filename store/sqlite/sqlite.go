/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence contract of the service in one database:
  raw click events, daily summary rows, the processed-window ledger,
  rate-limit configs and a sliding-window counter. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  clickstats.TxStore:    Events, summary rows, rollup ledger, WithTx
  clickstats.EventSink:  Raw click ingestion
  ratelimit.ConfigStore: Rate-limit config CRUD
  ratelimit.Counter:     Sliding-window log (see counter.go)

ADDITIVE MERGE:
  daily_click_stats has UNIQUE(stat_date, click_type, category_id) and
  UpsertAdd is one INSERT ... ON CONFLICT DO UPDATE that adds counters.
  "No category" is stored as category_id = 0 so it takes part in the
  unique key (NULLs never collide in SQLite unique constraints).

KEY TABLES:
  click_events:       Raw events (written by the ingestion endpoint)
  daily_click_stats:  One row per (stat_date, click_type, category_id)
  rollup_runs:        Processed windows, UNIQUE(window_start, window_end)
  rate_limit_configs: UNIQUE(action_type, tier)
  rate_limit_hits:    Admitted timestamps per counter key

TIME ENCODING:
  Timestamps are UTC text in a fixed-width layout so that string
  comparison in SQL matches time order. Dates are YYYY-MM-DD.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection. In
  production with PostgreSQL, database-level concurrency control handles
  this instead.

USAGE:
  store, err := sqlite.New("./data/clickstats.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  agg := clickstats.NewAggregator(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - clickstats/store.go: Rollup interfaces
  - ratelimit/store.go: Rate-limit interfaces
  - clickstats/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/clickstats/clickstats"
	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/ratelimit"
)

// timeLayout is fixed width so text order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ clickstats.TxStore    = (*Store)(nil)
	_ clickstats.EventSink  = (*Store)(nil)
	_ ratelimit.ConfigStore = (*Store)(nil)
	_ ratelimit.Counter     = (*Store)(nil)
	_ ratelimit.Sweeper     = (*Store)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Raw click events (input to rollups)
	CREATE TABLE IF NOT EXISTS click_events (
		id TEXT PRIMARY KEY,
		occurred_at TEXT NOT NULL,
		click_type TEXT NOT NULL,
		category_id INTEGER,
		category_name TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_click_events_occurred_at
		ON click_events(occurred_at);

	-- Daily summary rows, merged additively by the aggregator
	CREATE TABLE IF NOT EXISTS daily_click_stats (
		stat_date TEXT NOT NULL,
		click_type TEXT NOT NULL,
		category_id INTEGER NOT NULL DEFAULT 0,
		category_name TEXT NOT NULL DEFAULT '',
		total_clicks INTEGER NOT NULL DEFAULT 0,
		unique_users INTEGER NOT NULL DEFAULT 0,
		unique_sessions INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(stat_date, click_type, category_id)
	);

	CREATE INDEX IF NOT EXISTS idx_daily_click_stats_type_date
		ON daily_click_stats(click_type, stat_date);
	CREATE INDEX IF NOT EXISTS idx_daily_click_stats_category_date
		ON daily_click_stats(category_id, stat_date);

	-- Processed windows
	CREATE TABLE IF NOT EXISTS rollup_runs (
		id TEXT PRIMARY KEY,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		event_count INTEGER NOT NULL,
		group_count INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		UNIQUE(window_start, window_end)
	);

	CREATE INDEX IF NOT EXISTS idx_rollup_runs_window_end
		ON rollup_runs(window_end);

	-- Rate-limit configs, one per (action, tier)
	CREATE TABLE IF NOT EXISTS rate_limit_configs (
		id TEXT PRIMARY KEY,
		action_type TEXT NOT NULL,
		tier TEXT NOT NULL CHECK (tier IN ('anonymous', 'logged_in', 'trusted')),
		limit_count INTEGER NOT NULL CHECK (limit_count > 0),
		window_seconds INTEGER NOT NULL CHECK (window_seconds > 0),
		updated_by_user_id INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(action_type, tier)
	);

	-- Sliding-window log for the SQLite counter
	CREATE TABLE IF NOT EXISTS rate_limit_hits (
		counter_key TEXT NOT NULL,
		hit_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rate_limit_hits_key_time
		ON rate_limit_hits(counter_key, hit_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// If fn returns error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(store clickstats.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every call through the open transaction. It must not call
// back into Store methods, which take the mutex WithTx already holds.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) FetchEvents(ctx context.Context, w core.Window) ([]clickstats.ClickEvent, error) {
	return fetchEvents(ctx, ts.tx, w)
}

func (ts *txStore) UpsertAdd(ctx context.Context, delta clickstats.StatDelta, now time.Time) error {
	return upsertAdd(ctx, ts.tx, delta, now)
}

func (ts *txStore) ByTypeAndRange(ctx context.Context, clickType string, r core.DateRange) ([]clickstats.DailyStat, error) {
	return statsByType(ctx, ts.tx, clickType, r)
}

func (ts *txStore) ByCategoryAndRange(ctx context.Context, categoryID int64, r core.DateRange) ([]clickstats.DailyStat, error) {
	return statsByCategory(ctx, ts.tx, categoryID, r)
}

func (ts *txStore) TopCategories(ctx context.Context, r core.DateRange, limit int) ([]clickstats.CategoryTotal, error) {
	return topCategories(ctx, ts.tx, r, limit)
}

func (ts *txStore) SumByType(ctx context.Context, clickType string, r core.DateRange) (int64, error) {
	return sumByType(ctx, ts.tx, clickType, r)
}

func (ts *txStore) DeleteBefore(ctx context.Context, cutoff core.Date) (int64, error) {
	return deleteBefore(ctx, ts.tx, cutoff)
}

func (ts *txStore) OverlappingRuns(ctx context.Context, w core.Window) ([]clickstats.RollupRun, error) {
	return overlappingRuns(ctx, ts.tx, w)
}

func (ts *txStore) RecordRun(ctx context.Context, run clickstats.RollupRun) error {
	return recordRun(ctx, ts.tx, run)
}

func (ts *txStore) LastRun(ctx context.Context) (*clickstats.RollupRun, error) {
	return lastRun(ctx, ts.tx)
}

func (ts *txStore) ListRuns(ctx context.Context, limit int) ([]clickstats.RollupRun, error) {
	return listRuns(ctx, ts.tx, limit)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

// sqlLimit maps "0 or less means all" to SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// storeError marks err retryable only when SQLite reports contention or the
// deadline ran out. Constraint, type and schema failures stay permanent.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return core.Transient(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
