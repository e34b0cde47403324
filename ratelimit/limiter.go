package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/metrics"
)

// ReasonInvalidRequest marks a request rejected before any store call.
const ReasonInvalidRequest Reason = "invalid_request"

// LimiterOptions configures a Limiter.
type LimiterOptions struct {
	// MissingPolicy applies when no config exists for (action, tier).
	// Blank means MissingAllow.
	MissingPolicy MissingPolicy

	// StoreTimeout bounds each config lookup and counter call. Zero means
	// the caller's context alone bounds them.
	StoreTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Limiter admits or denies requests per (action, tier, caller).
type Limiter struct {
	configs ConfigStore
	counter Counter
	policy  MissingPolicy
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLimiter creates a limiter. Configs are read on every call, so admin
// updates take effect on the next request.
func NewLimiter(configs ConfigStore, counter Counter, opts LimiterOptions) *Limiter {
	if opts.MissingPolicy == "" {
		opts.MissingPolicy = MissingAllow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Limiter{
		configs: configs,
		counter: counter,
		policy:  opts.MissingPolicy,
		timeout: opts.StoreTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Policy returns the configured MissingPolicy.
func (l *Limiter) Policy() MissingPolicy {
	return l.policy
}

// CounterKey is the counting-store key for one caller of one action and tier.
func CounterKey(actionType string, tier Tier, callerKey string) string {
	return "ratelimit:" + actionType + ":" + string(tier) + ":" + callerKey
}

// CheckAndConsume decides one request.
//
// A non-nil error always comes with a Deny decision: validation failures
// (ReasonInvalidRequest) or store failures (ReasonStoreUnavailable, the
// error is transient). The no-config case is never an error.
func (l *Limiter) CheckAndConsume(ctx context.Context, actionType string, tier Tier, callerKey string, now time.Time) (Decision, error) {
	d := Decision{ActionType: actionType, Tier: tier, CallerKey: callerKey}

	if err := validateRequest(actionType, tier, callerKey); err != nil {
		return l.finish(d, Deny, ReasonInvalidRequest), err
	}

	cfg, err := l.lookup(ctx, actionType, tier)
	if err != nil {
		l.logger.Warn("rate limit config unavailable, denying",
			"action", actionType, "tier", tier, "error", err)
		return l.finish(d, Deny, ReasonStoreUnavailable), core.Transient("load rate limit config", err)
	}

	if cfg == nil {
		if l.policy == MissingDeny {
			return l.finish(d, Deny, ReasonNoConfigDenied), nil
		}
		return l.finish(d, Admit, ReasonNoConfigAllowed), nil
	}

	d.Limit = cfg.LimitCount
	d.Window = cfg.Window()

	res, err := l.consume(ctx, CounterKey(actionType, tier, callerKey), cfg, now)
	if err != nil {
		l.logger.Warn("rate limit counter unavailable, denying",
			"action", actionType, "tier", tier, "error", err)
		return l.finish(d, Deny, ReasonStoreUnavailable), core.Transient("consume rate limit", err)
	}

	d.Count = res.Count
	d.Remaining = max(cfg.LimitCount-res.Count, 0)
	if !res.Admitted {
		d.RetryAfter = res.RetryAfter
		return l.finish(d, Deny, ReasonLimitExceeded), nil
	}
	return l.finish(d, Admit, ReasonWithinLimit), nil
}

func validateRequest(actionType string, tier Tier, callerKey string) error {
	if err := validateAction(actionType); err != nil {
		return err
	}
	if !tier.Valid() {
		return core.NewValidationError("tier", "must be one of anonymous, logged_in, trusted")
	}
	if strings.TrimSpace(callerKey) == "" {
		return core.NewValidationError("caller_key", "must not be blank")
	}
	return nil
}

func (l *Limiter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

func (l *Limiter) lookup(ctx context.Context, actionType string, tier Tier) (*Config, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.configs.GetByActionAndTier(ctx, actionType, tier)
}

func (l *Limiter) consume(ctx context.Context, key string, cfg *Config, now time.Time) (CounterResult, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.counter.Consume(ctx, key, cfg.LimitCount, cfg.Window(), now)
}

func (l *Limiter) finish(d Decision, v Verdict, r Reason) Decision {
	d.Verdict = v
	d.Reason = r
	l.metrics.ObserveDecision(d.ActionType, string(d.Tier), string(v), string(r))
	return d
}
