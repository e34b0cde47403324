/*
handlers.go - HTTP API handlers for the click statistics service

PURPOSE:
  Exposes the rollup engine, the dashboard reads and the rate-limit admin
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Dashboard:
    GET    /api/stats/types/{clickType}          Daily rows for a click type
    GET    /api/stats/types/{clickType}/total    Summed clicks for a click type
    GET    /api/stats/categories/{categoryID}    Daily rows for a category
    GET    /api/stats/top-categories             Top categories by clicks
    GET    /api/stats/overview                   Type totals + category shares
    (all take ?start=YYYY-MM-DD&end=YYYY-MM-DD, end exclusive)

  Ingestion:
    POST   /api/clicks                           Append raw click events (rate limited)

  Rate limiting:
    POST   /api/ratelimit/check                  Consume one unit for an action

  Admin:
    GET    /api/admin/rate-limits                List configs (?action=)
    POST   /api/admin/rate-limits                Create config
    GET    /api/admin/rate-limits/{id}           Get config
    PATCH  /api/admin/rate-limits/{id}           Partial update
    GET    /api/admin/rollup/runs                Processed windows (?limit=)
    POST   /api/admin/rollup                     Roll up one window now
    POST   /api/admin/prune                      Apply retention now

ARCHITECTURE:
  Handler struct holds all dependencies. Fields left nil disable the
  endpoints that need them.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate config, overlapping rollup window)
  - 429: Rate limit exceeded
  - 503: Store unavailable (retryable)
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Admin routes must sit behind the gateway's auth.

SEE ALSO:
  - dto.go: Request/response data structures
  - ratelimit.go: Tier resolution and rate-limit middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/clickstats/clickstats"
	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/metrics"
	"github.com/warp/clickstats/ratelimit"
)

const (
	maxIngestBatch   = 1000
	maxRequestBytes  = 1 << 20
	defaultTopLimit  = 10
	defaultRunsLimit = 50
)

// HealthChecker is a dependency the health endpoint pings.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Query      *clickstats.Query
	Aggregator *clickstats.Aggregator
	Pruner     *clickstats.Pruner
	Runs       clickstats.RunLedger
	Events     clickstats.EventSink

	Limits  *ratelimit.Service
	Limiter *ratelimit.Limiter
	Tiers   TierResolver

	// Location buckets calendar dates; RetentionDays drives default prune cutoffs.
	Location      *time.Location
	RetentionDays int

	CORSOrigins []string
	Checks      map[string]HealthChecker
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

func (h *Handler) setDefaults() {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.Location == nil {
		h.Location = time.UTC
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, c := range h.Checks {
		if err := c.Ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// DASHBOARD ENDPOINTS
// =============================================================================

// StatsByType handles GET /api/stats/types/{clickType}.
func (h *Handler) StatsByType(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseRange(w, r)
	if !ok {
		return
	}

	rows, err := h.Query.ByTypeAndRange(r.Context(), chi.URLParam(r, "clickType"), start, end)
	if err != nil {
		h.writeDomainError(w, "failed to load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toDailyStatDTOs(rows))
}

// SumByType handles GET /api/stats/types/{clickType}/total.
func (h *Handler) SumByType(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseRange(w, r)
	if !ok {
		return
	}

	clickType := chi.URLParam(r, "clickType")
	total, err := h.Query.SumByType(r.Context(), clickType, start, end)
	if err != nil {
		h.writeDomainError(w, "failed to sum clicks", err)
		return
	}
	writeJSON(w, http.StatusOK, SumResponse{
		ClickType:   clickType,
		Start:       start.String(),
		End:         end.String(),
		TotalClicks: total,
	})
}

// StatsByCategory handles GET /api/stats/categories/{categoryID}.
func (h *Handler) StatsByCategory(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseRange(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "categoryID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid category id", err)
		return
	}

	rows, err := h.Query.ByCategoryAndRange(r.Context(), id, start, end)
	if err != nil {
		h.writeDomainError(w, "failed to load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toDailyStatDTOs(rows))
}

// TopCategories handles GET /api/stats/top-categories?limit=N.
func (h *Handler) TopCategories(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseRange(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", defaultTopLimit)
	if !ok {
		return
	}

	top, err := h.Query.TopCategories(r.Context(), start, end, limit)
	if err != nil {
		h.writeDomainError(w, "failed to rank categories", err)
		return
	}

	dtos := make([]CategoryTotalDTO, 0, len(top))
	for _, c := range top {
		dtos = append(dtos, toCategoryTotalDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Overview handles GET /api/stats/overview?types=a,b&top=N.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseRange(w, r)
	if !ok {
		return
	}
	top, ok := queryInt(w, r, "top", defaultTopLimit)
	if !ok {
		return
	}

	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	o, err := h.Query.Overview(r.Context(), start, end, types, top)
	if err != nil {
		h.writeDomainError(w, "failed to build overview", err)
		return
	}
	writeJSON(w, http.StatusOK, toOverviewDTO(o))
}

// =============================================================================
// INGESTION
// =============================================================================

// IngestClicks handles POST /api/clicks.
func (h *Handler) IngestClicks(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events must not be empty", nil)
		return
	}
	if len(req.Events) > maxIngestBatch {
		writeError(w, http.StatusBadRequest, "too many events in one request", nil)
		return
	}

	events := make([]clickstats.ClickEvent, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, e.toEvent())
	}

	if err := h.Events.AppendEvents(r.Context(), events); err != nil {
		h.writeDomainError(w, "failed to store events", err)
		return
	}
	writeJSON(w, http.StatusAccepted, IngestResponse{Accepted: len(events)})
}

// =============================================================================
// RATE LIMIT ADMIN
// =============================================================================

// ListRateLimits handles GET /api/admin/rate-limits?action=.
func (h *Handler) ListRateLimits(w http.ResponseWriter, r *http.Request) {
	var (
		configs []ratelimit.Config
		err     error
	)
	if action := r.URL.Query().Get("action"); action != "" {
		configs, err = h.Limits.ListByAction(r.Context(), action)
	} else {
		configs, err = h.Limits.List(r.Context())
	}
	if err != nil {
		h.writeDomainError(w, "failed to list rate limits", err)
		return
	}

	dtos := make([]RateLimitDTO, 0, len(configs))
	for _, c := range configs {
		dtos = append(dtos, ToRateLimitDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRateLimit handles GET /api/admin/rate-limits/{id}.
func (h *Handler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Limits.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "failed to load rate limit", err)
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "rate limit not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, ToRateLimitDTO(*cfg))
}

// CreateRateLimit handles POST /api/admin/rate-limits.
func (h *Handler) CreateRateLimit(w http.ResponseWriter, r *http.Request) {
	var req CreateRateLimitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg, err := h.Limits.Create(r.Context(), ratelimit.CreateParams{
		ActionType:      req.ActionType,
		Tier:            ratelimit.Tier(strings.TrimSpace(req.Tier)),
		LimitCount:      req.LimitCount,
		WindowSeconds:   req.WindowSeconds,
		UpdatedByUserID: req.UpdatedByUserID,
	})
	if err != nil {
		h.writeDomainError(w, "failed to create rate limit", err)
		return
	}
	writeJSON(w, http.StatusCreated, ToRateLimitDTO(*cfg))
}

// UpdateRateLimit handles PATCH /api/admin/rate-limits/{id}.
func (h *Handler) UpdateRateLimit(w http.ResponseWriter, r *http.Request) {
	var req UpdateRateLimitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg, err := h.Limits.Update(r.Context(), chi.URLParam(r, "id"), ratelimit.UpdateParams{
		LimitCount:      req.LimitCount,
		WindowSeconds:   req.WindowSeconds,
		UpdatedByUserID: req.UpdatedByUserID,
	})
	if err != nil {
		h.writeDomainError(w, "failed to update rate limit", err)
		return
	}
	writeJSON(w, http.StatusOK, ToRateLimitDTO(*cfg))
}

// =============================================================================
// ROLLUP ADMIN
// =============================================================================

// ListRollupRuns handles GET /api/admin/rollup/runs?limit=N.
func (h *Handler) ListRollupRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultRunsLimit)
	if !ok {
		return
	}

	runs, err := h.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, "failed to list rollup runs", err)
		return
	}

	dtos := make([]RollupRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, ToRollupRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerRollup handles POST /api/admin/rollup.
func (h *Handler) TriggerRollup(w http.ResponseWriter, r *http.Request) {
	var req RollupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	window, err := core.NewWindow(req.WindowStart, req.WindowEnd)
	if err != nil {
		h.writeDomainError(w, "invalid window", err)
		return
	}

	result, err := h.Aggregator.Run(r.Context(), window)
	if err != nil {
		h.writeDomainError(w, "rollup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, RollupResponse{Run: ToRollupRunDTO(result.Run), Skipped: result.Skipped})
}

// TriggerPrune handles POST /api/admin/prune.
func (h *Handler) TriggerPrune(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	var (
		cutoff core.Date
		err    error
	)
	if req.Cutoff != "" {
		cutoff, err = core.ParseDate(req.Cutoff)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cutoff", core.NewValidationError("cutoff", err.Error()))
			return
		}
	} else {
		cutoff, err = clickstats.CutoffFor(h.now(), h.RetentionDays, h.Location)
		if err != nil {
			h.writeDomainError(w, "retention not configured", err)
			return
		}
	}

	deleted, err := h.Pruner.PruneOlderThan(r.Context(), cutoff)
	if err != nil {
		h.writeDomainError(w, "prune failed", err)
		return
	}
	writeJSON(w, http.StatusOK, PruneResponse{Cutoff: cutoff.String(), Deleted: deleted})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		resp.Field = core.ValidationField(err)
	}
	writeJSON(w, status, resp)
}

// statusFor maps the core error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrWindowOverlap):
		return http.StatusConflict
	case core.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "error", err)
	}
	writeError(w, status, message, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func parseRange(w http.ResponseWriter, r *http.Request) (core.Date, core.Date, bool) {
	q := r.URL.Query()
	start, err := core.ParseDate(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start", core.NewValidationError("start", err.Error()))
		return core.Date{}, core.Date{}, false
	}
	end, err := core.ParseDate(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end", core.NewValidationError("end", err.Error()))
		return core.Date{}, core.Date{}, false
	}
	return start, end, true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+key, err)
		return 0, false
	}
	return n, true
}
