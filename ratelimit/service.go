package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/clickstats/core"
)

// Service administers rate-limit configs. Changes either fully apply or
// fully fail with the offending field named.
type Service struct {
	store  ConfigStore
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a Service. A nil logger means slog.Default().
func NewService(store ConfigStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetClock overrides the timestamp source (tests).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateAction(actionType string) error {
	if strings.TrimSpace(actionType) == "" {
		return core.NewValidationError("action_type", "must not be blank")
	}
	return nil
}

func validatePositive(field string, v int) error {
	if v <= 0 {
		return core.NewValidationError(field, fmt.Sprintf("must be a positive integer (got %d)", v))
	}
	return nil
}

func validateEditor(id *int64) error {
	if id != nil && *id <= 0 {
		return core.NewValidationError("updated_by_user_id", "must be positive when set")
	}
	return nil
}

// Validate checks every field of p and reports all failures together.
func (p CreateParams) Validate() error {
	errs := []error{validateAction(p.ActionType)}
	if !p.Tier.Valid() {
		errs = append(errs, core.NewValidationError("tier", "must be one of anonymous, logged_in, trusted"))
	}
	errs = append(errs,
		validatePositive("limit_count", p.LimitCount),
		validatePositive("window_seconds", p.WindowSeconds),
		validateEditor(p.UpdatedByUserID),
	)
	return errors.Join(errs...)
}

// Validate checks each provided field independently. Nothing is applied
// unless all of them pass.
func (p UpdateParams) Validate() error {
	if p.Empty() {
		return core.NewValidationError("fields", "at least one of limit_count, window_seconds, updated_by_user_id is required")
	}
	var errs []error
	if p.LimitCount != nil {
		errs = append(errs, validatePositive("limit_count", *p.LimitCount))
	}
	if p.WindowSeconds != nil {
		errs = append(errs, validatePositive("window_seconds", *p.WindowSeconds))
	}
	errs = append(errs, validateEditor(p.UpdatedByUserID))
	return errors.Join(errs...)
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Create stores a new config with a fresh ID. A second config for the same
// (actionType, tier) fails with core.ErrConflict.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Config, error) {
	p.ActionType = strings.TrimSpace(p.ActionType)
	if err := p.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	cfg := Config{
		ID:              uuid.NewString(),
		ActionType:      p.ActionType,
		Tier:            p.Tier,
		LimitCount:      p.LimitCount,
		WindowSeconds:   p.WindowSeconds,
		UpdatedByUserID: p.UpdatedByUserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.InsertUnique(ctx, cfg); err != nil {
		return nil, fmt.Errorf("create rate limit %s/%s: %w", cfg.ActionType, cfg.Tier, err)
	}

	s.logger.Info("rate limit created",
		"id", cfg.ID, "action", cfg.ActionType, "tier", cfg.Tier,
		"limit", cfg.LimitCount, "window_seconds", cfg.WindowSeconds)
	return &cfg, nil
}

// Update applies the provided fields of p to the config with id and stamps
// UpdatedAt. Omitted fields keep their stored values.
func (s *Service) Update(ctx context.Context, id string, p UpdateParams) (*Config, error) {
	if strings.TrimSpace(id) == "" {
		return nil, core.NewValidationError("id", "is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	cfg, err := s.store.UpdateFields(ctx, id, p, s.now())
	if err != nil {
		return nil, fmt.Errorf("update rate limit %s: %w", id, err)
	}

	s.logger.Info("rate limit updated",
		"id", cfg.ID, "action", cfg.ActionType, "tier", cfg.Tier,
		"limit", cfg.LimitCount, "window_seconds", cfg.WindowSeconds)
	return cfg, nil
}

// Seed creates each config that does not exist yet and returns how many were
// created. Existing rows are left as they are.
func (s *Service) Seed(ctx context.Context, params []CreateParams) (int, error) {
	created := 0
	for _, p := range params {
		_, err := s.Create(ctx, p)
		if core.IsConflict(err) {
			continue
		}
		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns the config for (actionType, tier), or nil when none exists.
func (s *Service) Get(ctx context.Context, actionType string, tier Tier) (*Config, error) {
	if err := validateAction(actionType); err != nil {
		return nil, err
	}
	if !tier.Valid() {
		return nil, core.NewValidationError("tier", "must be one of anonymous, logged_in, trusted")
	}
	return s.store.GetByActionAndTier(ctx, actionType, tier)
}

// GetByID returns the config with id, or nil when none exists.
func (s *Service) GetByID(ctx context.Context, id string) (*Config, error) {
	return s.store.GetByID(ctx, id)
}

// List returns every config.
func (s *Service) List(ctx context.Context) ([]Config, error) {
	return s.store.ListAll(ctx)
}

// ListByAction returns the configs of one action type.
func (s *Service) ListByAction(ctx context.Context, actionType string) ([]Config, error) {
	if err := validateAction(actionType); err != nil {
		return nil, err
	}
	return s.store.ListByAction(ctx, actionType)
}
