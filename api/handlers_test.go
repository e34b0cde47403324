/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Ingestion, manual rollup and the dashboard reads
- Rate-limit admin (create, conflict, get, patch)
- Rate-limit middleware (429, 503) and the check endpoint
- Manual prune
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clickstats/api"
	"github.com/warp/clickstats/clickstats"
	statstore "github.com/warp/clickstats/clickstats/store"
	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/metrics"
	"github.com/warp/clickstats/ratelimit"
	limitstore "github.com/warp/clickstats/ratelimit/store"
)

var t0 = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	handler *api.Handler
	router  http.Handler
	stats   *statstore.Memory
	limits  *ratelimit.Service
}

func newFixture(t *testing.T, opts ...func(*api.Handler)) *fixture {
	t.Helper()

	clock := func() time.Time { return t0 }
	stats := statstore.NewMemory()
	configs := limitstore.NewConfigs()
	svc := ratelimit.NewService(configs, nil)
	svc.SetClock(clock)
	m := metrics.New()

	h := &api.Handler{
		Query:         clickstats.NewQuery(stats),
		Aggregator:    clickstats.NewAggregator(stats, clickstats.WithClock(clock), clickstats.WithSettleLag(5*time.Minute)),
		Pruner:        clickstats.NewPruner(stats),
		Runs:          stats,
		Events:        stats,
		Limits:        svc,
		Limiter:       ratelimit.NewLimiter(configs, limitstore.NewSlidingCounter(), ratelimit.LimiterOptions{Metrics: m}),
		Tiers:         api.TierResolver{Trusted: map[int64]bool{7: true}},
		RetentionDays: 90,
		Metrics:       m,
		Now:           clock,
	}
	for _, opt := range opts {
		opt(h)
	}
	return &fixture{handler: h, router: api.NewRouter(h), stats: stats, limits: svc}
}

// do sends body as JSON (a string is sent verbatim). headers are key/value pairs.
func (f *fixture) do(t *testing.T, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func seedStat(t *testing.T, s *statstore.Memory, date, clickType string, cat clickstats.Category, name string, clicks, users int64) {
	t.Helper()
	err := s.UpsertAdd(context.Background(), clickstats.StatDelta{
		Key:          clickstats.StatKey{StatDate: core.MustParseDate(date), ClickType: clickType, Category: cat},
		CategoryName: name,
		Clicks:       clicks,
		Users:        users,
	}, t0)
	require.NoError(t, err)
}

func clickAt(ts string) api.ClickEventRequest {
	at, _ := time.Parse(time.RFC3339, ts)
	cat := int64(3)
	return api.ClickEventRequest{OccurredAt: at, ClickType: "view", CategoryID: &cat, CategoryName: "Shoes"}
}

// =============================================================================
// HEALTH
// =============================================================================

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is locked") }

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[api.HealthResponse](t, rec).Status)
}

func TestHealth_DegradedWhenCheckFails(t *testing.T) {
	f := newFixture(t, func(h *api.Handler) {
		h.Checks = map[string]api.HealthChecker{"sqlite": failingPinger{}}
	})

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp := decode[api.HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "database is locked", resp.Checks["sqlite"])
}

// =============================================================================
// INGEST -> ROLLUP -> DASHBOARD
// =============================================================================

func TestIngestRollupAndRead(t *testing.T) {
	// GIVEN: Three view clicks on category 3 in the 10:00 hour
	// WHEN: They are ingested and the hour is rolled up twice
	// THEN: One row holds the counts and the second rollup is skipped

	f := newFixture(t)

	e1, e2, e3 := clickAt("2024-01-15T10:05:00Z"), clickAt("2024-01-15T10:20:00Z"), clickAt("2024-01-15T10:40:00Z")
	e1.UserID, e1.SessionID = "u1", "s1"
	e2.UserID, e2.SessionID = "u2", "s2"
	e3.UserID, e3.SessionID = "u1", "s1"

	rec := f.do(t, http.MethodPost, "/api/clicks", api.IngestRequest{Events: []api.ClickEventRequest{e1, e2, e3}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[api.IngestResponse](t, rec).Accepted)

	window := `{"windowStart":"2024-01-15T10:00:00Z","windowEnd":"2024-01-15T11:00:00Z"}`
	rec = f.do(t, http.MethodPost, "/api/admin/rollup", window)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[api.RollupResponse](t, rec)
	assert.False(t, first.Skipped)
	assert.Equal(t, 3, first.Run.EventCount)
	assert.Equal(t, 1, first.Run.GroupCount)

	rec = f.do(t, http.MethodPost, "/api/admin/rollup", window)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[api.RollupResponse](t, rec)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.Run.ID, second.Run.ID)

	rec = f.do(t, http.MethodGet, "/api/stats/types/view?start=2024-01-15&end=2024-01-16", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]api.DailyStatDTO](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-01-15", rows[0].StatDate)
	require.NotNil(t, rows[0].CategoryID)
	assert.Equal(t, int64(3), *rows[0].CategoryID)
	assert.Equal(t, "Shoes", rows[0].CategoryName)
	assert.Equal(t, int64(3), rows[0].TotalClicks)
	assert.Equal(t, int64(2), rows[0].UniqueUsers)
	assert.Equal(t, int64(2), rows[0].UniqueSessions)

	rec = f.do(t, http.MethodGet, "/api/stats/categories/3?start=2024-01-15&end=2024-01-16", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.DailyStatDTO](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/stats/types/view/total?start=2024-01-15&end=2024-01-16", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), decode[api.SumResponse](t, rec).TotalClicks)

	rec = f.do(t, http.MethodGet, "/api/admin/rollup/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]api.RollupRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "2024-01-15T10:00:00Z", runs[0].WindowStart)
}

func TestTriggerRollup_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/rollup",
		`{"windowStart":"2024-01-15T10:00:00Z","windowEnd":"2024-01-15T11:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("partial overlap is a conflict", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/admin/rollup",
			`{"windowStart":"2024-01-15T10:30:00Z","windowEnd":"2024-01-15T11:30:00Z"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("inverted window", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/admin/rollup",
			`{"windowStart":"2024-01-15T12:00:00Z","windowEnd":"2024-01-15T11:00:00Z"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "window_end", decode[api.ErrorResponse](t, rec).Field)
	})

	t.Run("hour still settling", func(t *testing.T) {
		// 12:00 is later than now (12:00) minus the 5m lag.
		rec := f.do(t, http.MethodPost, "/api/admin/rollup",
			`{"windowStart":"2024-01-15T11:00:00Z","windowEnd":"2024-01-15T12:00:00Z"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "window_end", decode[api.ErrorResponse](t, rec).Field)

		runs, err := f.stats.ListRuns(context.Background(), 0)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})

	t.Run("missing bounds", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/admin/rollup", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "window_start", decode[api.ErrorResponse](t, rec).Field)
	})
}

func TestIngest_Rejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body any
	}{
		{"empty batch", api.IngestRequest{}},
		{"missing click type", api.IngestRequest{Events: []api.ClickEventRequest{{OccurredAt: t0}}}},
		{"unknown field", `{"events":[],"extra":1}`},
		{"malformed json", `{"events":`},
		{"too many events", api.IngestRequest{Events: make([]api.ClickEventRequest, 1001)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/clicks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestStats_RangeValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/stats/types/view?end=2024-01-16", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "start", decode[api.ErrorResponse](t, rec).Field)

	rec = f.do(t, http.MethodGet, "/api/stats/types/view?start=2024-01-15&end=16-01-2024", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "end", decode[api.ErrorResponse](t, rec).Field)

	rec = f.do(t, http.MethodGet, "/api/stats/categories/abc?start=2024-01-15&end=2024-01-16", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/stats/top-categories?start=2024-01-15&end=2024-01-16&limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTopCategoriesAndOverview(t *testing.T) {
	// GIVEN: Two categorised view rows and one uncategorised click row
	// WHEN: Top categories and the overview are requested
	// THEN: Rankings ignore the uncategorised row and shares add up to 100

	f := newFixture(t)
	seedStat(t, f.stats, "2024-01-15", "view", clickstats.SomeCategory(1), "News", 30, 10)
	seedStat(t, f.stats, "2024-01-15", "view", clickstats.SomeCategory(2), "Sports", 10, 5)
	seedStat(t, f.stats, "2024-01-15", "click", clickstats.NoCategory(), "", 100, 40)

	rec := f.do(t, http.MethodGet, "/api/stats/top-categories?start=2024-01-15&end=2024-01-16&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	top := decode[[]api.CategoryTotalDTO](t, rec)
	require.Len(t, top, 1)
	assert.Equal(t, api.CategoryTotalDTO{CategoryID: 1, CategoryName: "News", TotalClicks: 30, UniqueUsers: 10}, top[0])

	rec = f.do(t, http.MethodGet, "/api/stats/overview?start=2024-01-15&end=2024-01-16&types=view,%20click&top=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ov := decode[api.OverviewDTO](t, rec)

	assert.Equal(t, []api.TypeTotalDTO{{ClickType: "view", TotalClicks: 40}, {ClickType: "click", TotalClicks: 100}}, ov.Types)
	assert.Equal(t, int64(40), ov.CategorisedClicks)
	require.Len(t, ov.TopCategories, 2)
	assert.True(t, decimal.NewFromInt(75).Equal(ov.TopCategories[0].SharePercent), ov.TopCategories[0].SharePercent.String())
	assert.True(t, decimal.NewFromInt(25).Equal(ov.TopCategories[1].SharePercent), ov.TopCategories[1].SharePercent.String())
}

// =============================================================================
// RATE LIMIT ADMIN
// =============================================================================

func TestRateLimitAdmin(t *testing.T) {
	f := newFixture(t)
	create := api.CreateRateLimitRequest{ActionType: "login", Tier: "anonymous", LimitCount: 5, WindowSeconds: 60}

	rec := f.do(t, http.MethodPost, "/api/admin/rate-limits", create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[api.RateLimitDTO](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 5, created.LimitCount)

	t.Run("duplicate action and tier conflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/admin/rate-limits", create)
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = f.do(t, http.MethodGet, "/api/admin/rate-limits", nil)
		assert.Len(t, decode[[]api.RateLimitDTO](t, rec), 1)
	})

	t.Run("invalid tier names the field", func(t *testing.T) {
		bad := create
		bad.Tier = "gold"
		rec := f.do(t, http.MethodPost, "/api/admin/rate-limits", bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "tier", decode[api.ErrorResponse](t, rec).Field)
	})

	t.Run("get by id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/admin/rate-limits/"+created.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, created.ID, decode[api.RateLimitDTO](t, rec).ID)

		rec = f.do(t, http.MethodGet, "/api/admin/rate-limits/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("patch applies only provided fields", func(t *testing.T) {
		rec := f.do(t, http.MethodPatch, "/api/admin/rate-limits/"+created.ID, `{"limitCount":10}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		updated := decode[api.RateLimitDTO](t, rec)
		assert.Equal(t, 10, updated.LimitCount)
		assert.Equal(t, 60, updated.WindowSeconds)
	})

	t.Run("patch rejects zero and leaves row unchanged", func(t *testing.T) {
		rec := f.do(t, http.MethodPatch, "/api/admin/rate-limits/"+created.ID, `{"limitCount":0,"windowSeconds":30}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "limit_count", decode[api.ErrorResponse](t, rec).Field)

		rec = f.do(t, http.MethodGet, "/api/admin/rate-limits/"+created.ID, nil)
		got := decode[api.RateLimitDTO](t, rec)
		assert.Equal(t, 10, got.LimitCount)
		assert.Equal(t, 60, got.WindowSeconds)
	})

	t.Run("patch unknown id", func(t *testing.T) {
		rec := f.do(t, http.MethodPatch, "/api/admin/rate-limits/missing", `{"limitCount":3}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list by action", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/admin/rate-limits?action=search", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[[]api.RateLimitDTO](t, rec))
	})
}

// =============================================================================
// RATE LIMIT ENFORCEMENT
// =============================================================================

func TestIngest_RateLimited(t *testing.T) {
	// GIVEN: Anonymous callers may ingest twice per minute
	// WHEN: The same IP posts three times at the same instant
	// THEN: The third is rejected with Retry-After; a logged-in user is unaffected

	f := newFixture(t)
	_, err := f.limits.Create(context.Background(), ratelimit.CreateParams{
		ActionType: api.IngestAction, Tier: ratelimit.TierAnonymous, LimitCount: 2, WindowSeconds: 60,
	})
	require.NoError(t, err)

	body := api.IngestRequest{Events: []api.ClickEventRequest{clickAt("2024-01-15T11:00:00Z")}}

	for i := range 2 {
		rec := f.do(t, http.MethodPost, "/api/clicks", body)
		require.Equal(t, http.StatusAccepted, rec.Code, "request %d", i+1)
	}

	rec := f.do(t, http.MethodPost, "/api/clicks", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, string(ratelimit.ReasonLimitExceeded), decode[api.ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/api/clicks", body, api.UserIDHeader, "42")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

type failingConfigs struct {
	ratelimit.ConfigStore
}

func (failingConfigs) GetByActionAndTier(context.Context, string, ratelimit.Tier) (*ratelimit.Config, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestIngest_StoreUnavailableFailsClosed(t *testing.T) {
	f := newFixture(t, func(h *api.Handler) {
		h.Limiter = ratelimit.NewLimiter(failingConfigs{}, limitstore.NewSlidingCounter(), ratelimit.LimiterOptions{})
	})

	rec := f.do(t, http.MethodPost, "/api/clicks",
		api.IngestRequest{Events: []api.ClickEventRequest{clickAt("2024-01-15T11:00:00Z")}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	events, err := f.stats.FetchEvents(context.Background(), core.Window{Start: t0.Add(-24 * time.Hour), End: t0})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCheckRateLimit(t *testing.T) {
	f := newFixture(t)
	_, err := f.limits.Create(context.Background(), ratelimit.CreateParams{
		ActionType: "login", Tier: ratelimit.TierLoggedIn, LimitCount: 1, WindowSeconds: 30,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/ratelimit/check", `{"actionType":"login"}`, api.UserIDHeader, "42")
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[api.DecisionDTO](t, rec)
	assert.True(t, d.Allowed)
	assert.Equal(t, "logged_in", d.Tier)
	assert.Equal(t, 0, d.Remaining)

	rec = f.do(t, http.MethodPost, "/api/ratelimit/check", `{"actionType":"login"}`, api.UserIDHeader, "42")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	d = decode[api.DecisionDTO](t, rec)
	assert.False(t, d.Allowed)
	assert.Equal(t, string(ratelimit.ReasonLimitExceeded), d.Reason)
	assert.Equal(t, 30, d.RetryAfterSeconds)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	rec = f.do(t, http.MethodPost, "/api/ratelimit/check", `{"actionType":" "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clickstats_ratelimit_decisions_total")
}

func TestTierResolver(t *testing.T) {
	resolver := api.TierResolver{Trusted: map[int64]bool{7: true}}

	tests := []struct {
		name    string
		headers map[string]string
		tier    ratelimit.Tier
		key     string
	}{
		{"no header", nil, ratelimit.TierAnonymous, "ip:192.0.2.1"},
		{"user", map[string]string{api.UserIDHeader: "42"}, ratelimit.TierLoggedIn, "user:42"},
		{"trusted user", map[string]string{api.UserIDHeader: "7"}, ratelimit.TierTrusted, "user:7"},
		{"non numeric", map[string]string{api.UserIDHeader: "abc"}, ratelimit.TierAnonymous, "ip:192.0.2.1"},
		{"negative", map[string]string{api.UserIDHeader: "-3"}, ratelimit.TierAnonymous, "ip:192.0.2.1"},
		{"forwarded from untrusted peer", map[string]string{"X-Forwarded-For": "203.0.113.9"}, ratelimit.TierAnonymous, "ip:192.0.2.1"},
		{"real ip from untrusted peer", map[string]string{"X-Real-IP": "203.0.113.9"}, ratelimit.TierAnonymous, "ip:192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			tier, key := resolver.Resolve(req)
			assert.Equal(t, tt.tier, tier)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestTierResolver_TrustedProxies(t *testing.T) {
	// GIVEN: The service sits behind 192.0.2.1, which forwards via 10/8
	// WHEN: Anonymous requests carry forwarding headers
	// THEN: The rightmost hop outside the trusted proxies is the caller,
	//       so rotating the leftmost X-Forwarded-For entry changes nothing

	resolver := api.TierResolver{TrustedProxies: []netip.Prefix{
		netip.MustParsePrefix("192.0.2.1/32"),
		netip.MustParsePrefix("10.0.0.0/8"),
	}}

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		key     string
	}{
		{"proxy chain", "192.0.2.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "ip:203.0.113.9"},
		{"spoofed prefix", "192.0.2.1:1234", map[string]string{"X-Forwarded-For": "198.51.100.7, 203.0.113.9, 10.0.0.1"}, "ip:203.0.113.9"},
		{"real ip", "192.0.2.1:1234", map[string]string{"X-Real-IP": "203.0.113.5"}, "ip:203.0.113.5"},
		{"no headers", "192.0.2.1:1234", nil, "ip:192.0.2.1"},
		{"untrusted peer", "198.51.100.20:999", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "ip:198.51.100.20"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			tier, key := resolver.Resolve(req)
			assert.Equal(t, ratelimit.TierAnonymous, tier)
			assert.Equal(t, tt.key, key)
		})
	}
}

// =============================================================================
// PRUNE
// =============================================================================

func TestTriggerPrune(t *testing.T) {
	f := newFixture(t)
	seedStat(t, f.stats, "2023-06-01", "view", clickstats.NoCategory(), "", 5, 1)
	seedStat(t, f.stats, "2024-01-10", "view", clickstats.NoCategory(), "", 7, 2)

	rec := f.do(t, http.MethodPost, "/api/admin/prune", `{"cutoff":"2024-01-01"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, api.PruneResponse{Cutoff: "2024-01-01", Deleted: 1}, decode[api.PruneResponse](t, rec))

	// Default cutoff: 2024-01-15 minus 90 days.
	rec = f.do(t, http.MethodPost, "/api/admin/prune", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, api.PruneResponse{Cutoff: "2023-10-17", Deleted: 0}, decode[api.PruneResponse](t, rec))

	rec = f.do(t, http.MethodPost, "/api/admin/prune", `{"cutoff":"2024/01/01"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cutoff", decode[api.ErrorResponse](t, rec).Field)
}
