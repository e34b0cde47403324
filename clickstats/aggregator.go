/*
aggregator.go - Rollup of raw click events into daily statistics

PURPOSE:
  Run(window) reads every raw event in [start, end), groups by
  (calendar date, clickType, category) and merges each group's counters
  into the summary store with an additive upsert.

EXACTLY-ONCE PER WINDOW:
  The merge is additive, so a window must be summed once. The aggregator
  keeps a processed-window ledger:
  - exact re-run of a recorded window  -> no-op, RunResult.Skipped
  - partial overlap with a recorded one -> core.ErrWindowOverlap
  - with WithSettleLag, windows ending inside the lag are rejected
  - all upserts and the ledger row are written in ONE store transaction,
    so a failed window leaves nothing behind and can be retried as a unit
  Runs in one process are serialised by a mutex; across processes the
  ledger check and insert share the store transaction.

ENRICHMENT:
  Groups with a category but no display name are passed through the
  optional Enricher. Lookup failures leave the name blank and never fail
  the run.

SEE ALSO:
  - store.go: TxStore, RunLedger
  - api/scheduler.go: hourly non-overlapping windows
*/
package clickstats

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/metrics"
)

// Enricher resolves category display names. It is a side read: its errors
// never reach the caller of Run.
type Enricher interface {
	CategoryName(ctx context.Context, categoryID int64) (string, error)
}

// Aggregator turns windows of raw events into DailyStat merges.
type Aggregator struct {
	store    TxStore
	enricher Enricher
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// settle, when set, is how long after an instant its events may still
	// arrive. Windows ending inside it are rejected.
	settle    time.Duration
	hasSettle bool

	mu sync.Mutex
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithEnricher sets the category-name lookup.
func WithEnricher(e Enricher) Option {
	return func(a *Aggregator) { a.enricher = e }
}

// WithLocation sets the zone used to derive an event's calendar date (default UTC).
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// WithClock overrides time.Now for createdAt/updatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSettleLag rejects windows that end later than lag before now, so an
// hour is never recorded while events for it can still arrive.
func WithSettleLag(lag time.Duration) Option {
	return func(a *Aggregator) {
		a.settle = max(lag, 0)
		a.hasSettle = true
	}
}

// WithMetrics records run outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store TxStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		loc:    time.UTC,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// =============================================================================
// RUN
// =============================================================================

// Run aggregates window and commits the result atomically.
func (a *Aggregator) Run(ctx context.Context, window core.Window) (RunResult, error) {
	if err := window.Validate(); err != nil {
		return RunResult{}, err
	}
	if a.hasSettle {
		if settled := a.now().Add(-a.settle); window.End.After(settled) {
			return RunResult{}, core.NewValidationError("window_end",
				fmt.Sprintf("must not be after %s; later events may still arrive", settled.UTC().Format(time.RFC3339)))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	started := a.now()
	log := a.logger.With("window", window.String())

	// Cheap early exit before reading any events.
	if prior, err := checkLedger(ctx, a.store, window); err != nil {
		return a.fail(log, window, started, err)
	} else if prior != nil {
		return a.skip(log, started, *prior), nil
	}

	events, err := a.store.FetchEvents(ctx, window)
	if err != nil {
		return a.fail(log, window, started, fmt.Errorf("fetch events: %w", err))
	}

	deltas := Aggregate(events, a.loc)
	a.enrich(ctx, deltas)

	run := RollupRun{
		ID:         uuid.NewString(),
		Window:     window,
		EventCount: len(events),
		GroupCount: len(deltas),
		StartedAt:  started,
	}

	var prior *RollupRun
	err = a.store.WithTx(ctx, func(tx Store) error {
		var err error
		prior, err = checkLedger(ctx, tx, window)
		if err != nil || prior != nil {
			return err
		}

		now := a.now()
		for _, d := range deltas {
			if err := tx.UpsertAdd(ctx, d, now); err != nil {
				return fmt.Errorf("merge %s: %w", d.Key, err)
			}
		}

		run.CompletedAt = now
		if err := tx.RecordRun(ctx, run); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		return nil
	})
	if err != nil {
		return a.fail(log, window, started, err)
	}
	if prior != nil {
		return a.skip(log, started, *prior), nil
	}

	a.metrics.ObserveRollup("completed", run.EventCount, run.GroupCount, a.now().Sub(started).Seconds())
	log.Info("rollup completed", "run_id", run.ID, "events", run.EventCount, "groups", run.GroupCount)
	return RunResult{Run: run, Deltas: deltas}, nil
}

// checkLedger returns the recorded run for exactly w, or ErrWindowOverlap
// when a recorded run only partially overlaps w.
func checkLedger(ctx context.Context, s RunLedger, w core.Window) (*RollupRun, error) {
	runs, err := s.OverlappingRuns(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("check processed windows: %w", err)
	}
	for i := range runs {
		if runs[i].Window.Equal(w) {
			return &runs[i], nil
		}
	}
	if len(runs) > 0 {
		return nil, fmt.Errorf("%w: %s overlaps %s", core.ErrWindowOverlap, w, runs[0].Window)
	}
	return nil, nil
}

func (a *Aggregator) skip(log *slog.Logger, started time.Time, prior RollupRun) RunResult {
	a.metrics.ObserveRollup("skipped", 0, 0, a.now().Sub(started).Seconds())
	log.Info("rollup skipped, window already processed", "run_id", prior.ID)
	return RunResult{Run: prior, Skipped: true}
}

func (a *Aggregator) fail(log *slog.Logger, window core.Window, started time.Time, err error) (RunResult, error) {
	a.metrics.ObserveRollup("failed", 0, 0, a.now().Sub(started).Seconds())
	if errors.Is(err, core.ErrWindowOverlap) {
		log.Warn("rollup rejected", "error", err)
	} else {
		log.Error("rollup failed", "error", err, "retryable", core.IsRetryable(err))
	}
	return RunResult{}, fmt.Errorf("rollup %s: %w", window, err)
}

func (a *Aggregator) enrich(ctx context.Context, deltas []StatDelta) {
	if a.enricher == nil {
		return
	}
	resolved := make(map[int64]string)
	for i := range deltas {
		c := deltas[i].Key.Category
		if !c.Valid || deltas[i].CategoryName != "" {
			continue
		}
		name, seen := resolved[c.ID]
		if !seen {
			var err error
			name, err = a.enricher.CategoryName(ctx, c.ID)
			if err != nil {
				a.logger.Debug("category lookup failed", "category_id", c.ID, "error", err)
				name = ""
			}
			resolved[c.ID] = name
		}
		deltas[i].CategoryName = name
	}
}

// =============================================================================
// GROUPING
// =============================================================================

type group struct {
	delta    StatDelta
	users    map[string]struct{}
	sessions map[string]struct{}
	namedAt  time.Time
}

// Aggregate groups events by (calendar date in loc, clickType, category).
// For each group it counts events, distinct non-empty user IDs and distinct
// non-empty session IDs. CategoryName is taken from the latest event that
// carries one. The result is ordered by date, type, then category.
func Aggregate(events []ClickEvent, loc *time.Location) []StatDelta {
	groups := make(map[string]*group)

	for _, e := range events {
		key := StatKey{
			StatDate:  core.DateOf(e.OccurredAt, loc),
			ClickType: e.ClickType,
			Category:  e.Category,
		}
		id := key.String()

		g, ok := groups[id]
		if !ok {
			g = &group{
				delta:    StatDelta{Key: key},
				users:    make(map[string]struct{}),
				sessions: make(map[string]struct{}),
			}
			groups[id] = g
		}

		g.delta.Clicks++
		if e.UserID != "" {
			g.users[e.UserID] = struct{}{}
		}
		if e.SessionID != "" {
			g.sessions[e.SessionID] = struct{}{}
		}
		if e.CategoryName != "" && !e.OccurredAt.Before(g.namedAt) {
			g.delta.CategoryName = e.CategoryName
			g.namedAt = e.OccurredAt
		}
	}

	deltas := make([]StatDelta, 0, len(groups))
	for _, g := range groups {
		g.delta.Users = int64(len(g.users))
		g.delta.Sessions = int64(len(g.sessions))
		deltas = append(deltas, g.delta)
	}

	slices.SortFunc(deltas, func(x, y StatDelta) int {
		return CompareKeys(x.Key, y.Key)
	})
	return deltas
}

// CompareKeys orders keys by date, then type, then category ("no category" first).
func CompareKeys(x, y StatKey) int {
	if c := x.StatDate.Time.Compare(y.StatDate.Time); c != 0 {
		return c
	}
	if c := cmp.Compare(x.ClickType, y.ClickType); c != 0 {
		return c
	}
	if x.Category.Valid != y.Category.Valid {
		if !x.Category.Valid {
			return -1
		}
		return 1
	}
	return cmp.Compare(x.Category.ID, y.Category.ID)
}
