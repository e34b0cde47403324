/*
ratelimit.go - Tier resolution and the rate-limit middleware

PURPOSE:
  Maps an HTTP request to (tier, caller key) and asks the limiter before
  the wrapped handler runs.

TIERS:
  X-User-ID absent or invalid -> anonymous, keyed by client IP
  X-User-ID in trusted list   -> trusted, keyed by user
  X-User-ID otherwise         -> logged_in, keyed by user

  The header is set by the authenticating proxy in front of the service;
  this service does not authenticate. Anonymous callers are keyed by the
  connection's peer address; X-Forwarded-For and X-Real-IP count only when
  that peer is one of TrustedProxies.

RESPONSES:
  Admit:             handler runs, X-RateLimit-* headers set
  Limit exceeded:    429 with Retry-After
  No config (deny):  429
  Store unavailable: 503 (fail closed)
*/
package api

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/ratelimit"
)

const UserIDHeader = "X-User-ID"

// TierResolver decides the tier and caller key of a request.
type TierResolver struct {
	Trusted map[int64]bool

	// TrustedProxies are the peers allowed to name the client in
	// X-Forwarded-For / X-Real-IP. Headers from any other peer are ignored.
	TrustedProxies []netip.Prefix
}

// Resolve returns the caller's tier and the key its hits are counted under.
func (tr TierResolver) Resolve(r *http.Request) (ratelimit.Tier, string) {
	if raw := strings.TrimSpace(r.Header.Get(UserIDHeader)); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			key := "user:" + strconv.FormatInt(id, 10)
			if tr.Trusted[id] {
				return ratelimit.TierTrusted, key
			}
			return ratelimit.TierLoggedIn, key
		}
	}
	return ratelimit.TierAnonymous, "ip:" + tr.extractIP(r)
}

// extractIP returns the remote address unless the peer is a trusted proxy.
// Behind one, X-Forwarded-For is read right to left and the first hop that
// is not itself a trusted proxy is the client.
func (tr TierResolver) extractIP(r *http.Request) string {
	peer := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !tr.trustedProxy(peer) {
		return peer
	}

	if xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xForwardedFor != "" {
		hops := strings.Split(xForwardedFor, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !tr.trustedProxy(hop) {
				return hop
			}
		}
		if first := strings.TrimSpace(hops[0]); first != "" {
			return first
		}
	}

	if xRealIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); xRealIP != "" {
		return xRealIP
	}
	return peer
}

func (tr TierResolver) trustedProxy(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range tr.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// RateLimit returns middleware admitting requests for actionType.
func (h *Handler) RateLimit(actionType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.Limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			d, err := h.decide(r, actionType)
			if !d.Allowed() {
				h.writeDenied(w, d, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) decide(r *http.Request, actionType string) (ratelimit.Decision, error) {
	tier, caller := h.Tiers.Resolve(r)
	d, err := h.Limiter.CheckAndConsume(r.Context(), actionType, tier, caller, h.now())
	if err != nil && !core.IsClientError(err) {
		h.Logger.Warn("rate limit check failed",
			"action", actionType, "tier", tier, "error", err)
	}
	return d, err
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
}

func (h *Handler) writeDenied(w http.ResponseWriter, d ratelimit.Decision, err error) {
	setRateLimitHeaders(w, d)
	switch d.Reason {
	case ratelimit.ReasonStoreUnavailable:
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable", err)
	case ratelimit.ReasonInvalidRequest:
		writeError(w, http.StatusBadRequest, "invalid rate limit request", err)
	default:
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
		}
		resp := ErrorResponse{Error: "rate limit exceeded", Code: string(d.Reason), Details: toDecisionDTO(d)}
		writeJSON(w, http.StatusTooManyRequests, resp)
	}
}

// CheckRateLimit handles POST /api/ratelimit/check.
// It consumes one unit for the caller and reports the decision; callers use
// it to guard actions served elsewhere.
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	if h.Limiter == nil {
		writeError(w, http.StatusNotFound, "rate limiting disabled", nil)
		return
	}

	var req CheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	d, err := h.decide(r, strings.TrimSpace(req.ActionType))
	setRateLimitHeaders(w, d)
	if err != nil {
		var ve *core.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, "invalid request", err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable", err)
		return
	}

	status := http.StatusOK
	if !d.Allowed() {
		status = http.StatusTooManyRequests
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
		}
	}
	writeJSON(w, status, toDecisionDTO(d))
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}
