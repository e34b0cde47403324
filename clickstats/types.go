/*
Package clickstats rolls raw click events up into durable daily statistics.

KEY CONCEPTS:
  - ClickEvent: one raw click, read from the event source for a window
  - DailyStat: one summary row per (statDate, clickType, category)
  - StatDelta: counters computed for one group by one rollup run
  - RollupRun: ledger entry for a processed window

INVARIANTS:
  - At most one DailyStat per natural key; "no category" is its own key value
  - Counters only grow by merge; only the Pruner removes rows
  - A window is summed exactly once: exact re-runs are skipped, partial
    overlaps are rejected (see aggregator.go)

SEE ALSO:
  - aggregator.go: Run(window)
  - pruner.go: retention
  - query.go: dashboard reads
  - store.go: persistence contracts
*/
package clickstats

import (
	"strconv"
	"strings"
	"time"

	"github.com/warp/clickstats/core"
)

// =============================================================================
// CATEGORY - Optional grouping identifier
// =============================================================================

// Category is an optional category identifier. The zero value is "no category",
// which is a valid and distinct group key.
type Category struct {
	ID    int64
	Valid bool
}

// NoCategory is the absent category.
func NoCategory() Category { return Category{} }

// SomeCategory wraps a concrete category ID.
func SomeCategory(id int64) Category { return Category{ID: id, Valid: true} }

func (c Category) String() string {
	if !c.Valid {
		return "none"
	}
	return strconv.FormatInt(c.ID, 10)
}

// Ptr returns the ID as a pointer, nil when absent. Used by JSON DTOs.
func (c Category) Ptr() *int64 {
	if !c.Valid {
		return nil
	}
	id := c.ID
	return &id
}

// CategoryFromPtr is the inverse of Ptr.
func CategoryFromPtr(id *int64) Category {
	if id == nil {
		return NoCategory()
	}
	return SomeCategory(*id)
}

// =============================================================================
// RAW EVENTS
// =============================================================================

// ClickEvent is a single raw click.
// UserID is set for authenticated callers; SessionID for every caller that
// carried a session. Empty strings mean absent.
type ClickEvent struct {
	ID           string
	OccurredAt   time.Time
	ClickType    string
	Category     Category
	CategoryName string
	UserID       string
	SessionID    string
}

// Validate checks the fields the rollup depends on.
func (e ClickEvent) Validate() error {
	if e.OccurredAt.IsZero() {
		return core.NewValidationError("occurred_at", "is required")
	}
	if strings.TrimSpace(e.ClickType) == "" {
		return core.NewValidationError("click_type", "must not be blank")
	}
	if e.Category.Valid && e.Category.ID <= 0 {
		return core.NewValidationError("category_id", "must be positive")
	}
	return nil
}

// =============================================================================
// SUMMARY ROWS
// =============================================================================

// StatKey is the natural key of a DailyStat.
type StatKey struct {
	StatDate  core.Date
	ClickType string
	Category  Category
}

// String renders the key as date/type/category, used for map keys and logs.
func (k StatKey) String() string {
	return k.StatDate.String() + "/" + k.ClickType + "/" + k.Category.String()
}

// DailyStat is one aggregated rollup row.
type DailyStat struct {
	StatDate       core.Date
	ClickType      string
	Category       Category
	CategoryName   string
	TotalClicks    int64
	UniqueUsers    int64
	UniqueSessions int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Key returns the row's natural key.
func (s DailyStat) Key() StatKey {
	return StatKey{StatDate: s.StatDate, ClickType: s.ClickType, Category: s.Category}
}

// StatDelta is what one rollup run adds to one key.
type StatDelta struct {
	Key          StatKey
	CategoryName string
	Clicks       int64
	Users        int64
	Sessions     int64
}

// Apply merges the delta into an existing row: counters add, the display name
// and UpdatedAt are overwritten. A blank CategoryName keeps the stored one.
func (d StatDelta) Apply(row DailyStat, now time.Time) DailyStat {
	row.TotalClicks += d.Clicks
	row.UniqueUsers += d.Users
	row.UniqueSessions += d.Sessions
	if d.CategoryName != "" {
		row.CategoryName = d.CategoryName
	}
	row.UpdatedAt = now
	return row
}

// NewRow builds the row created by the first merge into a key.
func (d StatDelta) NewRow(now time.Time) DailyStat {
	return DailyStat{
		StatDate:       d.Key.StatDate,
		ClickType:      d.Key.ClickType,
		Category:       d.Key.Category,
		CategoryName:   d.CategoryName,
		TotalClicks:    d.Clicks,
		UniqueUsers:    d.Users,
		UniqueSessions: d.Sessions,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CategoryTotal is one entry of a top-categories ranking.
type CategoryTotal struct {
	CategoryID   int64
	CategoryName string
	TotalClicks  int64
	UniqueUsers  int64
}

// =============================================================================
// ROLLUP LEDGER
// =============================================================================

// RollupRun records a window whose deltas were committed.
type RollupRun struct {
	ID          string
	Window      core.Window
	EventCount  int
	GroupCount  int
	StartedAt   time.Time
	CompletedAt time.Time
}

// RunResult is returned by Aggregator.Run.
// Skipped is true when the exact window had already been processed.
type RunResult struct {
	Run     RollupRun
	Deltas  []StatDelta
	Skipped bool
}
