/*
scheduler.go - Automated rollup and retention scheduler

PURPOSE:
  Periodically rolls up every completed hour that has not been processed
  yet, and applies the retention policy once a day.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Rolls up every hour of the last BackfillHours that no recorded run
    covers, including gaps a manual run jumped over; reaches further back
    when the last run ended before that
  - Leaves the most recent Lag alone so late events land first
  - Stops at the first failing window; the next tick retries it
  - Pruning also sweeps rate-limit hits older than every configured window
    when the counter supports it

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Lag:           Grace period before an hour is rolled up (default: 5m)
  - PruneInterval: How often retention runs (default: 24h)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRollupScheduler(aggregator, ledger, pruner)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerRollup / TriggerPrune (manual runs)
  - clickstats/aggregator.go: Aggregator
*/
package api

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/warp/clickstats/clickstats"
	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/ratelimit"
)

// RollupScheduler handles automated rollups and retention.
type RollupScheduler struct {
	Aggregator *clickstats.Aggregator
	Runs       clickstats.RunLedger
	Pruner     *clickstats.Pruner

	// Sweeper, when set together with Limits, drops rate-limit hits that
	// no configured window can still count: older than the longest config
	// window, and never newer than SweepAfter.
	Sweeper    ratelimit.Sweeper
	Limits     *ratelimit.Service
	SweepAfter time.Duration

	CheckInterval time.Duration
	Lag           time.Duration
	BackfillHours int
	PruneInterval time.Duration
	RetentionDays int
	Location      *time.Location
	Enabled       bool

	Logger *slog.Logger
	Now    func() time.Time

	lastPrune time.Time
	ticker    *time.Ticker
	stop      chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	runMu     sync.Mutex
}

// NewRollupScheduler creates a new scheduler.
func NewRollupScheduler(agg *clickstats.Aggregator, runs clickstats.RunLedger, pruner *clickstats.Pruner) *RollupScheduler {
	return &RollupScheduler{
		Aggregator:    agg,
		Runs:          runs,
		Pruner:        pruner,
		CheckInterval: 1 * time.Hour,
		Lag:           5 * time.Minute,
		BackfillHours: 24,
		PruneInterval: 24 * time.Hour,
		SweepAfter:    24 * time.Hour,
		Location:      time.UTC,
		Enabled:       true,
		Logger:        slog.Default(),
	}
}

// Start begins the scheduler.
func (rs *RollupScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.Logger.Info("scheduler started", "interval", rs.CheckInterval, "lag", rs.Lag)
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (rs *RollupScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("scheduler stopped")
	}
}

func (rs *RollupScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	rs.tick(ctx)

	for {
		select {
		case <-ticker.C:
			rs.tick(ctx)
		case <-stop:
			return
		}
	}
}

func (rs *RollupScheduler) tick(ctx context.Context) {
	if _, err := rs.CatchUp(ctx); err != nil {
		rs.Logger.Error("rollup catch-up failed", "error", err)
	}

	now := rs.now()
	if rs.Pruner != nil && (rs.lastPrune.IsZero() || now.Sub(rs.lastPrune) >= rs.PruneInterval) {
		if _, err := rs.Prune(ctx); err != nil {
			rs.Logger.Error("retention pass failed", "error", err)
			return
		}
		rs.lastPrune = now
	}
}

// RunNow triggers an immediate catch-up and prune (for testing/admin).
func (rs *RollupScheduler) RunNow(ctx context.Context) error {
	if _, err := rs.CatchUp(ctx); err != nil {
		return err
	}
	if rs.Pruner == nil {
		return nil
	}
	_, err := rs.Prune(ctx)
	return err
}

// PendingWindows returns the windows a catch-up at now would process: every
// span of the horizon that no recorded run covers, cut at hour boundaries.
// The horizon is the last BackfillHours settled hours, stretched back to the
// end of the last run when that is older.
func (rs *RollupScheduler) PendingWindows(ctx context.Context, now time.Time) ([]core.Window, error) {
	until := now.Add(-rs.Lag).UTC().Truncate(time.Hour)
	from := until.Add(-time.Duration(rs.BackfillHours) * time.Hour)

	last, err := rs.Runs.LastRun(ctx)
	if err != nil {
		return nil, err
	}
	if last != nil && last.Window.End.Before(from) {
		from = last.Window.End.UTC()
	}
	if !from.Before(until) {
		return nil, nil
	}

	covered, err := rs.Runs.OverlappingRuns(ctx, core.Window{Start: from, End: until})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(covered, func(x, y clickstats.RollupRun) int {
		return x.Window.Start.Compare(y.Window.Start)
	})

	var windows []core.Window
	cursor := from
	for _, run := range covered {
		if start := run.Window.Start.UTC(); start.After(cursor) {
			windows = append(windows, core.HourlyWindows(cursor, minTime(start, until))...)
		}
		if end := run.Window.End.UTC(); end.After(cursor) {
			cursor = end
		}
	}
	if cursor.Before(until) {
		windows = append(windows, core.HourlyWindows(cursor, until)...)
	}
	return windows, nil
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

// CatchUp rolls up every pending window in order. It returns the number of
// windows committed and stops at the first failure.
func (rs *RollupScheduler) CatchUp(ctx context.Context) (int, error) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	windows, err := rs.PendingWindows(ctx, rs.now())
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		res, err := rs.Aggregator.Run(ctx, w)
		if err != nil {
			return processed, err
		}
		if !res.Skipped {
			processed++
		}
	}

	if processed > 0 {
		rs.Logger.Info("rollup catch-up completed", "windows", processed)
	}
	return processed, nil
}

// Prune applies retention and sweeps stale rate-limit hits.
func (rs *RollupScheduler) Prune(ctx context.Context) (int64, error) {
	now := rs.now()

	cutoff, err := clickstats.CutoffFor(now, rs.RetentionDays, rs.Location)
	if err != nil {
		return 0, err
	}
	deleted, err := rs.Pruner.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if rs.Sweeper != nil && rs.Limits != nil {
		rs.sweepHits(ctx, now)
	}
	return deleted, nil
}

func (rs *RollupScheduler) sweepHits(ctx context.Context, now time.Time) {
	keep, err := rs.sweepHorizon(ctx)
	if err != nil {
		rs.Logger.Warn("rate limit sweep skipped", "error", err)
		return
	}
	swept, err := rs.Sweeper.SweepHits(ctx, now.Add(-keep))
	if err != nil {
		rs.Logger.Warn("rate limit sweep failed", "error", err)
	} else if swept > 0 {
		rs.Logger.Info("rate limit hits swept", "removed", swept, "kept", keep)
	}
}

// sweepHorizon is how far back hits must survive: the longest configured
// window, or SweepAfter when that is longer.
func (rs *RollupScheduler) sweepHorizon(ctx context.Context) (time.Duration, error) {
	configs, err := rs.Limits.List(ctx)
	if err != nil {
		return 0, err
	}
	keep := rs.SweepAfter
	for _, cfg := range configs {
		keep = max(keep, cfg.Window())
	}
	return keep, nil
}

func (rs *RollupScheduler) now() time.Time {
	if rs.Now != nil {
		return rs.Now()
	}
	return time.Now().UTC()
}
