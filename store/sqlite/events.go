package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/warp/clickstats/clickstats"
	"github.com/warp/clickstats/core"
)

// =============================================================================
// CLICK EVENTS
// =============================================================================

// AppendEvents stores raw events atomically: either all are written or none.
// Events without an ID get a fresh one.
func (s *Store) AppendEvents(ctx context.Context, events []clickstats.ClickEvent) error {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, e := range events {
		if err := appendEvent(ctx, sqlTx, e); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func appendEvent(ctx context.Context, db querier, e clickstats.ClickEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO click_events (id, occurred_at, click_type, category_id, category_name, user_id, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, formatTime(e.OccurredAt), e.ClickType, nullInt64(e.Category.Ptr()),
		e.CategoryName, e.UserID, e.SessionID)
	if isUniqueConstraintError(err) {
		return &core.ConflictError{Entity: "click event", Key: e.ID}
	}
	if err != nil {
		return fmt.Errorf("insert click event: %w", err)
	}
	return nil
}

// FetchEvents returns events with occurred_at in [w.Start, w.End).
func (s *Store) FetchEvents(ctx context.Context, w core.Window) ([]clickstats.ClickEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fetchEvents(ctx, s.db, w)
}

func fetchEvents(ctx context.Context, db querier, w core.Window) ([]clickstats.ClickEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, occurred_at, click_type, category_id, category_name, user_id, session_id
		FROM click_events
		WHERE occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at ASC, id ASC
	`, formatTime(w.Start), formatTime(w.End))
	if err != nil {
		return nil, storeError("fetch events", err)
	}
	defer rows.Close()

	var result []clickstats.ClickEvent
	for rows.Next() {
		var (
			e          clickstats.ClickEvent
			occurredAt string
			categoryID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &occurredAt, &e.ClickType, &categoryID,
			&e.CategoryName, &e.UserID, &e.SessionID); err != nil {
			return nil, err
		}
		if e.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		e.Category = clickstats.CategoryFromPtr(int64Ptr(categoryID))
		result = append(result, e)
	}
	return result, rows.Err()
}
