/*
Package ratelimit holds tiered rate-limit configuration and the sliding-window
limiter that enforces it.

KEY CONCEPTS:
  - Tier: caller trust class (anonymous, logged_in, trusted)
  - Config: one row per (actionType, tier) with limitCount per windowSeconds
  - Limiter: CheckAndConsume(action, tier, callerKey, now) -> Decision
  - Counter: atomic sliding-log consume primitive at the counting store

POLICY DECISIONS:
  - Window semantics: sliding log. A request is admitted iff fewer than
    limitCount admitted requests fall in (now - windowSeconds, now].
    Denied requests are not recorded.
  - No config for (action, tier): MissingPolicy, allow by default.
  - Store failure or timeout: DENY (fail closed), error returned alongside.

SEE ALSO:
  - service.go: admin create/update
  - limiter.go: admission
  - store/memory.go, store/sqlite, store/redis: counters and config stores
*/
package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/clickstats/core"
)

// =============================================================================
// TIER
// =============================================================================

// Tier classifies a caller's trust level.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierLoggedIn  Tier = "logged_in"
	TierTrusted   Tier = "trusted"
)

// Tiers lists every valid tier.
var Tiers = []Tier{TierAnonymous, TierLoggedIn, TierTrusted}

// ParseTier validates s as a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.TrimSpace(s))
	if !t.Valid() {
		return "", core.NewValidationError("tier", fmt.Sprintf("must be one of anonymous, logged_in, trusted (got %q)", s))
	}
	return t, nil
}

func (t Tier) Valid() bool {
	switch t {
	case TierAnonymous, TierLoggedIn, TierTrusted:
		return true
	}
	return false
}

// =============================================================================
// CONFIG
// =============================================================================

// Config limits one action type for one tier.
type Config struct {
	ID              string
	ActionType      string
	Tier            Tier
	LimitCount      int
	WindowSeconds   int
	UpdatedByUserID *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Window returns WindowSeconds as a duration.
func (c Config) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// CreateParams are the inputs of Service.Create.
type CreateParams struct {
	ActionType      string
	Tier            Tier
	LimitCount      int
	WindowSeconds   int
	UpdatedByUserID *int64
}

// UpdateParams are the inputs of Service.Update. Nil fields are left unchanged.
type UpdateParams struct {
	LimitCount      *int
	WindowSeconds   *int
	UpdatedByUserID *int64
}

// Empty reports whether no field is set.
func (p UpdateParams) Empty() bool {
	return p.LimitCount == nil && p.WindowSeconds == nil && p.UpdatedByUserID == nil
}

// =============================================================================
// DECISION
// =============================================================================

// Verdict is the admission outcome.
type Verdict string

const (
	Admit Verdict = "admit"
	Deny  Verdict = "deny"
)

// Reason explains a verdict.
type Reason string

const (
	ReasonWithinLimit      Reason = "within_limit"
	ReasonLimitExceeded    Reason = "limit_exceeded"
	ReasonNoConfigAllowed  Reason = "no_config_allowed"
	ReasonNoConfigDenied   Reason = "no_config_denied"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// Decision is the result of Limiter.CheckAndConsume.
type Decision struct {
	Verdict    Verdict
	Reason     Reason
	ActionType string
	Tier       Tier
	CallerKey  string

	// Zero when no config applied.
	Limit      int
	Window     time.Duration
	Count      int
	Remaining  int
	RetryAfter time.Duration
}

// Allowed reports whether the request was admitted.
func (d Decision) Allowed() bool {
	return d.Verdict == Admit
}

// MissingPolicy decides requests for which no config exists.
type MissingPolicy string

const (
	MissingAllow MissingPolicy = "allow"
	MissingDeny  MissingPolicy = "deny"
)

// ParseMissingPolicy validates s; blank means MissingAllow.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch MissingPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MissingAllow:
		return MissingAllow, nil
	case MissingDeny:
		return MissingDeny, nil
	}
	return "", core.NewValidationError("missing_policy", fmt.Sprintf("must be allow or deny (got %q)", s))
}

// CounterResult is what a Counter reports for one consume attempt.
type CounterResult struct {
	Admitted bool
	// Count of admitted entries in the window after this attempt.
	Count int
	// When denied, time until the oldest entry leaves the window.
	RetryAfter time.Duration
}
