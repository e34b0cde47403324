package sqlite

import (
	"context"
	"fmt"

	"github.com/warp/clickstats/clickstats"
	"github.com/warp/clickstats/core"
)

// =============================================================================
// ROLLUP LEDGER
// =============================================================================

const runColumns = `id, window_start, window_end, event_count, group_count, started_at, completed_at`

// OverlappingRuns returns recorded runs whose window overlaps w.
func (s *Store) OverlappingRuns(ctx context.Context, w core.Window) ([]clickstats.RollupRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return overlappingRuns(ctx, s.db, w)
}

func overlappingRuns(ctx context.Context, db querier, w core.Window) ([]clickstats.RollupRun, error) {
	return queryRuns(ctx, db, `
		SELECT `+runColumns+`
		FROM rollup_runs
		WHERE window_start < ? AND window_end > ?
		ORDER BY window_start ASC
	`, formatTime(w.End), formatTime(w.Start))
}

// RecordRun stores a processed window. A duplicate window is a conflict.
func (s *Store) RecordRun(ctx context.Context, run clickstats.RollupRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordRun(ctx, s.db, run)
}

func recordRun(ctx context.Context, db querier, run clickstats.RollupRun) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO rollup_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, formatTime(run.Window.Start), formatTime(run.Window.End),
		run.EventCount, run.GroupCount, formatTime(run.StartedAt), formatTime(run.CompletedAt))
	if isUniqueConstraintError(err) {
		return &core.ConflictError{Entity: "rollup window", Key: run.Window.String()}
	}
	if err != nil {
		return storeError("record rollup run", err)
	}
	return nil
}

// LastRun returns the run with the latest window end, nil when none.
func (s *Store) LastRun(ctx context.Context) (*clickstats.RollupRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastRun(ctx, s.db)
}

func lastRun(ctx context.Context, db querier) (*clickstats.RollupRun, error) {
	runs, err := listRuns(ctx, db, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// ListRuns returns the most recent runs first, at most limit (0 = all).
func (s *Store) ListRuns(ctx context.Context, limit int) ([]clickstats.RollupRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRuns(ctx, s.db, limit)
}

func listRuns(ctx context.Context, db querier, limit int) ([]clickstats.RollupRun, error) {
	return queryRuns(ctx, db, `
		SELECT `+runColumns+`
		FROM rollup_runs
		ORDER BY window_end DESC
		LIMIT ?
	`, sqlLimit(limit))
}

func queryRuns(ctx context.Context, db querier, query string, args ...any) ([]clickstats.RollupRun, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rollup runs: %w", err)
	}
	defer rows.Close()

	var result []clickstats.RollupRun
	for rows.Next() {
		var (
			run                                clickstats.RollupRun
			start, end, startedAt, completedAt string
		)
		if err := rows.Scan(&run.ID, &start, &end, &run.EventCount, &run.GroupCount,
			&startedAt, &completedAt); err != nil {
			return nil, err
		}
		if run.Window.Start, err = parseTime(start); err != nil {
			return nil, err
		}
		if run.Window.End, err = parseTime(end); err != nil {
			return nil, err
		}
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if run.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}
