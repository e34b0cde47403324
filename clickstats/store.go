/*
store.go - Persistence contracts for the rollup engine

PURPOSE:
  Defines what the aggregator, pruner and query facade need from storage.
  The engine keeps no long-lived copies of rows: every read and write
  round-trips through these interfaces.

KEY INTERFACES:
  EventSource:  Raw events for a window (fetchEvents)
  EventSink:    Raw event ingestion (used by the HTTP adapter)
  SummaryStore: Additive upsert, range reads, ranking, sums, deleteBefore
  RunLedger:    Processed windows
  TxStore:      Atomic multi-write (all of a window's upserts + its ledger row)

ATOMIC MERGE:
  UpsertAdd must be a single "insert or add on conflicting natural key"
  operation at the store. Counters are added, never replaced.

IMPLEMENTATIONS:
  - store/sqlite: ON CONFLICT DO UPDATE
  - clickstats/store/memory.go: map + snapshot rollback

SEE ALSO:
  - aggregator.go: the only writer of summary rows
*/
package clickstats

import (
	"context"
	"time"

	"github.com/warp/clickstats/core"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventSource supplies raw click events.
type EventSource interface {
	// FetchEvents returns every event with OccurredAt in [window.Start, window.End).
	FetchEvents(ctx context.Context, window core.Window) ([]ClickEvent, error)
}

// EventSink persists raw click events.
type EventSink interface {
	AppendEvents(ctx context.Context, events []ClickEvent) error
}

// =============================================================================
// SUMMARY ROWS
// =============================================================================

// SummaryStore persists DailyStat rows.
type SummaryStore interface {
	// UpsertAdd inserts the row for delta.Key, or adds the deltas to the
	// existing row and overwrites CategoryName (when non-blank) and UpdatedAt.
	UpsertAdd(ctx context.Context, delta StatDelta, now time.Time) error

	// ByTypeAndRange returns rows for clickType with StatDate in r, newest first.
	ByTypeAndRange(ctx context.Context, clickType string, r core.DateRange) ([]DailyStat, error)

	// ByCategoryAndRange returns rows for categoryID with StatDate in r, newest first.
	ByCategoryAndRange(ctx context.Context, categoryID int64, r core.DateRange) ([]DailyStat, error)

	// TopCategories sums categorised rows in r per category, ordered by
	// summed clicks descending, truncated to limit.
	TopCategories(ctx context.Context, r core.DateRange, limit int) ([]CategoryTotal, error)

	// SumByType returns the summed TotalClicks, 0 when nothing matches.
	SumByType(ctx context.Context, clickType string, r core.DateRange) (int64, error)

	// DeleteBefore removes rows with StatDate strictly before cutoff.
	DeleteBefore(ctx context.Context, cutoff core.Date) (int64, error)
}

// =============================================================================
// ROLLUP LEDGER
// =============================================================================

// RunLedger records processed windows.
type RunLedger interface {
	// OverlappingRuns returns recorded runs whose window overlaps w.
	OverlappingRuns(ctx context.Context, w core.Window) ([]RollupRun, error)

	// RecordRun stores a processed window. A duplicate window is ErrConflict.
	RecordRun(ctx context.Context, run RollupRun) error

	// LastRun returns the run with the latest window end, nil when none.
	LastRun(ctx context.Context) (*RollupRun, error)

	// ListRuns returns the most recent runs first, at most limit (0 = all).
	ListRuns(ctx context.Context, limit int) ([]RollupRun, error)
}

// =============================================================================
// COMPOSITES
// =============================================================================

// Store is everything the rollup engine reads and writes.
type Store interface {
	EventSource
	SummaryStore
	RunLedger
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
