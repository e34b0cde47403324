package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/ratelimit"
)

// =============================================================================
// RATE LIMIT CONFIGS
// =============================================================================

const configColumns = `id, action_type, tier, limit_count, window_seconds, updated_by_user_id, created_at, updated_at`

// GetByActionAndTier returns the config for the pair, nil when none exists.
func (s *Store) GetByActionAndTier(ctx context.Context, actionType string, tier ratelimit.Tier) (*ratelimit.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+configColumns+`
		FROM rate_limit_configs
		WHERE action_type = ? AND tier = ?
	`, actionType, string(tier))
	return scanConfig(row)
}

// GetByID returns the config with id, nil when none exists.
func (s *Store) GetByID(ctx context.Context, id string) (*ratelimit.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+configColumns+`
		FROM rate_limit_configs
		WHERE id = ?
	`, id)
	return scanConfig(row)
}

// ListAll returns every config ordered by action then tier.
func (s *Store) ListAll(ctx context.Context) ([]ratelimit.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryConfigs(ctx, `
		SELECT `+configColumns+`
		FROM rate_limit_configs
		ORDER BY action_type ASC, tier ASC
	`)
}

// ListByAction returns the configs of one action type ordered by tier.
func (s *Store) ListByAction(ctx context.Context, actionType string) ([]ratelimit.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryConfigs(ctx, `
		SELECT `+configColumns+`
		FROM rate_limit_configs
		WHERE action_type = ?
		ORDER BY tier ASC
	`, actionType)
}

// InsertUnique stores a new config. The UNIQUE(action_type, tier)
// constraint decides concurrent creates: exactly one wins.
func (s *Store) InsertUnique(ctx context.Context, cfg ratelimit.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cfg.ID, cfg.ActionType, string(cfg.Tier), cfg.LimitCount, cfg.WindowSeconds,
		nullInt64(cfg.UpdatedByUserID), formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt))
	if isUniqueConstraintError(err) {
		return &core.ConflictError{Entity: "rate limit", Key: cfg.ActionType + "/" + string(cfg.Tier)}
	}
	if err != nil {
		return fmt.Errorf("insert rate limit: %w", err)
	}
	return nil
}

// UpdateFields sets only the columns p carries; COALESCE keeps the stored
// value of every omitted one. The row is re-read in the same transaction.
func (s *Store) UpdateFields(ctx context.Context, id string, p ratelimit.UpdateParams, updatedAt time.Time) (*ratelimit.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE rate_limit_configs
		SET limit_count        = COALESCE(?, limit_count),
		    window_seconds     = COALESCE(?, window_seconds),
		    updated_by_user_id = COALESCE(?, updated_by_user_id),
		    updated_at         = ?
		WHERE id = ?
	`, nullInt(p.LimitCount), nullInt(p.WindowSeconds), nullInt64(p.UpdatedByUserID), formatTime(updatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update rate limit: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, core.ErrNotFound
	}

	cfg, err := scanConfig(tx.QueryRowContext(ctx, `
		SELECT `+configColumns+`
		FROM rate_limit_configs
		WHERE id = ?
	`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Store) queryConfigs(ctx context.Context, query string, args ...any) ([]ratelimit.Config, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rate limits: %w", err)
	}
	defer rows.Close()

	var result []ratelimit.Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cfg)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConfig(row scanner) (*ratelimit.Config, error) {
	var (
		cfg                  ratelimit.Config
		tier                 string
		updatedBy            sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(&cfg.ID, &cfg.ActionType, &tier, &cfg.LimitCount, &cfg.WindowSeconds,
		&updatedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Tier = ratelimit.Tier(tier)
	cfg.UpdatedByUserID = int64Ptr(updatedBy)
	if cfg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cfg, nil
}
