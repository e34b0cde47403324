package clickstats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/metrics"
)

// Pruner enforces the summary retention horizon.
type Pruner struct {
	Store   SummaryStore
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewPruner creates a pruner over store.
func NewPruner(store SummaryStore) *Pruner {
	return &Pruner{Store: store, Logger: slog.Default()}
}

// PruneOlderThan deletes every row with StatDate strictly before cutoff and
// returns how many were removed. Rows on or after cutoff are never touched,
// so repeating the call with the same cutoff removes nothing more.
func (p *Pruner) PruneOlderThan(ctx context.Context, cutoff core.Date) (int64, error) {
	if cutoff.IsZero() {
		return 0, core.NewValidationError("cutoff", "is required")
	}

	deleted, err := p.Store.DeleteBefore(ctx, cutoff)
	if err != nil {
		p.Logger.Error("prune failed", "cutoff", cutoff.String(), "error", err, "retryable", core.IsRetryable(err))
		return 0, fmt.Errorf("prune before %s: %w", cutoff, err)
	}

	p.Metrics.ObservePrune(deleted)
	p.Logger.Info("pruned daily stats", "cutoff", cutoff.String(), "deleted", deleted)
	return deleted, nil
}

// CutoffFor returns today (in loc) minus retentionDays. Rows dated before it
// are older than the retention horizon.
func CutoffFor(now time.Time, retentionDays int, loc *time.Location) (core.Date, error) {
	if retentionDays <= 0 {
		return core.Date{}, core.NewValidationError("retention_days", "must be positive")
	}
	return core.DateOf(now, loc).AddDays(-retentionDays), nil
}
