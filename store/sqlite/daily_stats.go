package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/clickstats/clickstats"
	"github.com/warp/clickstats/core"
)

// =============================================================================
// DAILY STATS
// =============================================================================

// noCategoryID stands in for "no category" inside the unique key.
const noCategoryID = 0

func categoryColumn(c clickstats.Category) int64 {
	if !c.Valid {
		return noCategoryID
	}
	return c.ID
}

func categoryFromColumn(id int64) clickstats.Category {
	if id == noCategoryID {
		return clickstats.NoCategory()
	}
	return clickstats.SomeCategory(id)
}

// UpsertAdd inserts the row for delta.Key or adds delta's counters to it.
func (s *Store) UpsertAdd(ctx context.Context, delta clickstats.StatDelta, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertAdd(ctx, s.db, delta, now)
}

func upsertAdd(ctx context.Context, db querier, delta clickstats.StatDelta, now time.Time) error {
	ts := formatTime(now)
	_, err := db.ExecContext(ctx, `
		INSERT INTO daily_click_stats (stat_date, click_type, category_id, category_name,
			total_clicks, unique_users, unique_sessions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stat_date, click_type, category_id) DO UPDATE SET
			total_clicks = total_clicks + excluded.total_clicks,
			unique_users = unique_users + excluded.unique_users,
			unique_sessions = unique_sessions + excluded.unique_sessions,
			category_name = CASE WHEN excluded.category_name <> '' THEN excluded.category_name ELSE category_name END,
			updated_at = excluded.updated_at
	`, delta.Key.StatDate.String(), delta.Key.ClickType, categoryColumn(delta.Key.Category),
		delta.CategoryName, delta.Clicks, delta.Users, delta.Sessions, ts, ts)
	if err != nil {
		return storeError("upsert daily stat", err)
	}
	return nil
}

// ByTypeAndRange returns rows for clickType with stat_date in r, newest first.
func (s *Store) ByTypeAndRange(ctx context.Context, clickType string, r core.DateRange) ([]clickstats.DailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statsByType(ctx, s.db, clickType, r)
}

func statsByType(ctx context.Context, db querier, clickType string, r core.DateRange) ([]clickstats.DailyStat, error) {
	return queryStats(ctx, db, `
		SELECT stat_date, click_type, category_id, category_name,
		       total_clicks, unique_users, unique_sessions, created_at, updated_at
		FROM daily_click_stats
		WHERE click_type = ? AND stat_date >= ? AND stat_date < ?
		ORDER BY stat_date DESC, click_type DESC, category_id DESC
	`, clickType, r.Start.String(), r.End.String())
}

// ByCategoryAndRange returns rows for categoryID with stat_date in r, newest first.
func (s *Store) ByCategoryAndRange(ctx context.Context, categoryID int64, r core.DateRange) ([]clickstats.DailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statsByCategory(ctx, s.db, categoryID, r)
}

func statsByCategory(ctx context.Context, db querier, categoryID int64, r core.DateRange) ([]clickstats.DailyStat, error) {
	if categoryID == noCategoryID {
		return nil, nil
	}
	return queryStats(ctx, db, `
		SELECT stat_date, click_type, category_id, category_name,
		       total_clicks, unique_users, unique_sessions, created_at, updated_at
		FROM daily_click_stats
		WHERE category_id = ? AND stat_date >= ? AND stat_date < ?
		ORDER BY stat_date DESC, click_type DESC, category_id DESC
	`, categoryID, r.Start.String(), r.End.String())
}

func queryStats(ctx context.Context, db querier, query string, args ...any) ([]clickstats.DailyStat, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var result []clickstats.DailyStat
	for rows.Next() {
		var (
			st                   clickstats.DailyStat
			statDate             string
			categoryID           int64
			createdAt, updatedAt string
		)
		if err := rows.Scan(&statDate, &st.ClickType, &categoryID, &st.CategoryName,
			&st.TotalClicks, &st.UniqueUsers, &st.UniqueSessions, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if st.StatDate, err = core.ParseDate(statDate); err != nil {
			return nil, err
		}
		if st.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		st.Category = categoryFromColumn(categoryID)
		result = append(result, st)
	}
	return result, rows.Err()
}

// TopCategories ranks categorised rows in r by summed clicks. limit <= 0
// means no limit.
func (s *Store) TopCategories(ctx context.Context, r core.DateRange, limit int) ([]clickstats.CategoryTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return topCategories(ctx, s.db, r, limit)
}

func topCategories(ctx context.Context, db querier, r core.DateRange, limit int) ([]clickstats.CategoryTotal, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT category_id, category_name, SUM(total_clicks), SUM(unique_users)
		FROM daily_click_stats
		WHERE category_id <> ? AND stat_date >= ? AND stat_date < ?
		GROUP BY category_id, category_name
		ORDER BY SUM(total_clicks) DESC, category_id ASC
		LIMIT ?
	`, noCategoryID, r.Start.String(), r.End.String(), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query top categories: %w", err)
	}
	defer rows.Close()

	var result []clickstats.CategoryTotal
	for rows.Next() {
		var t clickstats.CategoryTotal
		if err := rows.Scan(&t.CategoryID, &t.CategoryName, &t.TotalClicks, &t.UniqueUsers); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// SumByType returns the summed total_clicks, 0 when nothing matches.
func (s *Store) SumByType(ctx context.Context, clickType string, r core.DateRange) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumByType(ctx, s.db, clickType, r)
}

func sumByType(ctx context.Context, db querier, clickType string, r core.DateRange) (int64, error) {
	var total int64
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_clicks), 0)
		FROM daily_click_stats
		WHERE click_type = ? AND stat_date >= ? AND stat_date < ?
	`, clickType, r.Start.String(), r.End.String()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum clicks by type: %w", err)
	}
	return total, nil
}

// DeleteBefore removes rows with stat_date strictly before cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff core.Date) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteBefore(ctx, s.db, cutoff)
}

func deleteBefore(ctx context.Context, db querier, cutoff core.Date) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM daily_click_stats WHERE stat_date < ?`, cutoff.String())
	if err != nil {
		return 0, fmt.Errorf("delete daily stats: %w", err)
	}
	return result.RowsAffected()
}
