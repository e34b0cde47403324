/*
dto.go - Data Transfer Objects for API requests/responses

PURPOSE:
  Defines JSON structures for HTTP API communication. Separates API
  contract from internal domain types, allowing independent evolution.

CONVENTIONS:
  - Request DTOs: Suffixed with "Request" (e.g., CreateRateLimitRequest)
  - Response DTOs: Suffixed with "DTO" or "Response"
  - Dates as strings: "2006-01-02" for dates, RFC3339 for timestamps
  - Percentages as decimal strings: "66.67"

OPTIONAL FIELDS:
  Pointers in request DTOs mean "omitted"; PATCH applies only the fields
  that are present.

SEE ALSO:
  - handlers.go: Uses these DTOs
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/clickstats/clickstats"
	"github.com/warp/clickstats/ratelimit"
)

// =============================================================================
// DASHBOARD DTOs
// =============================================================================

type DailyStatDTO struct {
	StatDate       string `json:"statDate"`
	ClickType      string `json:"clickType"`
	CategoryID     *int64 `json:"categoryId"`
	CategoryName   string `json:"categoryName,omitempty"`
	TotalClicks    int64  `json:"totalClicks"`
	UniqueUsers    int64  `json:"uniqueUsers"`
	UniqueSessions int64  `json:"uniqueSessions"`
	UpdatedAt      string `json:"updatedAt"`
}

type CategoryTotalDTO struct {
	CategoryID   int64  `json:"categoryId"`
	CategoryName string `json:"categoryName,omitempty"`
	TotalClicks  int64  `json:"totalClicks"`
	UniqueUsers  int64  `json:"uniqueUsers"`
}

type SumResponse struct {
	ClickType   string `json:"clickType"`
	Start       string `json:"start"`
	End         string `json:"end"`
	TotalClicks int64  `json:"totalClicks"`
}

type CategoryShareDTO struct {
	CategoryTotalDTO
	SharePercent decimal.Decimal `json:"sharePercent"`
}

type TypeTotalDTO struct {
	ClickType   string `json:"clickType"`
	TotalClicks int64  `json:"totalClicks"`
}

type OverviewDTO struct {
	Start             string             `json:"start"`
	End               string             `json:"end"`
	Types             []TypeTotalDTO     `json:"types"`
	CategorisedClicks int64              `json:"categorisedClicks"`
	TopCategories     []CategoryShareDTO `json:"topCategories"`
}

// =============================================================================
// INGESTION DTOs
// =============================================================================

type ClickEventRequest struct {
	ID           string    `json:"id,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
	ClickType    string    `json:"clickType"`
	CategoryID   *int64    `json:"categoryId,omitempty"`
	CategoryName string    `json:"categoryName,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
}

type IngestRequest struct {
	Events []ClickEventRequest `json:"events"`
}

type IngestResponse struct {
	Accepted int `json:"accepted"`
}

// =============================================================================
// RATE LIMIT DTOs
// =============================================================================

type RateLimitDTO struct {
	ID              string `json:"id"`
	ActionType      string `json:"actionType"`
	Tier            string `json:"tier"`
	LimitCount      int    `json:"limitCount"`
	WindowSeconds   int    `json:"windowSeconds"`
	UpdatedByUserID *int64 `json:"updatedByUserId,omitempty"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

type CreateRateLimitRequest struct {
	ActionType      string `json:"actionType"`
	Tier            string `json:"tier"`
	LimitCount      int    `json:"limitCount"`
	WindowSeconds   int    `json:"windowSeconds"`
	UpdatedByUserID *int64 `json:"updatedByUserId,omitempty"`
}

type UpdateRateLimitRequest struct {
	LimitCount      *int   `json:"limitCount,omitempty"`
	WindowSeconds   *int   `json:"windowSeconds,omitempty"`
	UpdatedByUserID *int64 `json:"updatedByUserId,omitempty"`
}

type CheckRequest struct {
	ActionType string `json:"actionType"`
}

type DecisionDTO struct {
	Allowed           bool   `json:"allowed"`
	Verdict           string `json:"verdict"`
	Reason            string `json:"reason"`
	ActionType        string `json:"actionType"`
	Tier              string `json:"tier"`
	Limit             int    `json:"limit,omitempty"`
	WindowSeconds     int    `json:"windowSeconds,omitempty"`
	Remaining         int    `json:"remaining"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// =============================================================================
// ROLLUP DTOs
// =============================================================================

type RollupRequest struct {
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

type RollupRunDTO struct {
	ID          string `json:"id"`
	WindowStart string `json:"windowStart"`
	WindowEnd   string `json:"windowEnd"`
	EventCount  int    `json:"eventCount"`
	GroupCount  int    `json:"groupCount"`
	StartedAt   string `json:"startedAt"`
	CompletedAt string `json:"completedAt"`
}

type RollupResponse struct {
	Run     RollupRunDTO `json:"run"`
	Skipped bool         `json:"skipped"`
}

type PruneRequest struct {
	// Cutoff defaults to today minus the retention horizon.
	Cutoff string `json:"cutoff,omitempty"`
}

type PruneResponse struct {
	Cutoff  string `json:"cutoff"`
	Deleted int64  `json:"deleted"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toDailyStatDTO(s clickstats.DailyStat) DailyStatDTO {
	return DailyStatDTO{
		StatDate:       s.StatDate.String(),
		ClickType:      s.ClickType,
		CategoryID:     s.Category.Ptr(),
		CategoryName:   s.CategoryName,
		TotalClicks:    s.TotalClicks,
		UniqueUsers:    s.UniqueUsers,
		UniqueSessions: s.UniqueSessions,
		UpdatedAt:      s.UpdatedAt.Format(time.RFC3339),
	}
}

func toDailyStatDTOs(stats []clickstats.DailyStat) []DailyStatDTO {
	dtos := make([]DailyStatDTO, 0, len(stats))
	for _, s := range stats {
		dtos = append(dtos, toDailyStatDTO(s))
	}
	return dtos
}

func toCategoryTotalDTO(c clickstats.CategoryTotal) CategoryTotalDTO {
	return CategoryTotalDTO{
		CategoryID:   c.CategoryID,
		CategoryName: c.CategoryName,
		TotalClicks:  c.TotalClicks,
		UniqueUsers:  c.UniqueUsers,
	}
}

func toOverviewDTO(o clickstats.Overview) OverviewDTO {
	dto := OverviewDTO{
		Start:             o.Range.Start.String(),
		End:               o.Range.End.String(),
		Types:             make([]TypeTotalDTO, 0, len(o.Types)),
		CategorisedClicks: o.CategorisedClicks,
		TopCategories:     make([]CategoryShareDTO, 0, len(o.TopCategories)),
	}
	for _, t := range o.Types {
		dto.Types = append(dto.Types, TypeTotalDTO{ClickType: t.ClickType, TotalClicks: t.TotalClicks})
	}
	for _, c := range o.TopCategories {
		dto.TopCategories = append(dto.TopCategories, CategoryShareDTO{
			CategoryTotalDTO: toCategoryTotalDTO(c.CategoryTotal),
			SharePercent:     c.SharePercent,
		})
	}
	return dto
}

func (r ClickEventRequest) toEvent() clickstats.ClickEvent {
	return clickstats.ClickEvent{
		ID:           r.ID,
		OccurredAt:   r.OccurredAt.UTC(),
		ClickType:    r.ClickType,
		Category:     clickstats.CategoryFromPtr(r.CategoryID),
		CategoryName: r.CategoryName,
		UserID:       r.UserID,
		SessionID:    r.SessionID,
	}
}

// ToRateLimitDTO converts a config to its wire form.
func ToRateLimitDTO(c ratelimit.Config) RateLimitDTO {
	return RateLimitDTO{
		ID:              c.ID,
		ActionType:      c.ActionType,
		Tier:            string(c.Tier),
		LimitCount:      c.LimitCount,
		WindowSeconds:   c.WindowSeconds,
		UpdatedByUserID: c.UpdatedByUserID,
		CreatedAt:       c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       c.UpdatedAt.Format(time.RFC3339),
	}
}

func toDecisionDTO(d ratelimit.Decision) DecisionDTO {
	return DecisionDTO{
		Allowed:           d.Allowed(),
		Verdict:           string(d.Verdict),
		Reason:            string(d.Reason),
		ActionType:        d.ActionType,
		Tier:              string(d.Tier),
		Limit:             d.Limit,
		WindowSeconds:     int(d.Window / time.Second),
		Remaining:         d.Remaining,
		RetryAfterSeconds: retryAfterSeconds(d.RetryAfter),
	}
}

// ToRollupRunDTO converts a ledger entry to its wire form.
func ToRollupRunDTO(r clickstats.RollupRun) RollupRunDTO {
	return RollupRunDTO{
		ID:          r.ID,
		WindowStart: r.Window.Start.Format(time.RFC3339),
		WindowEnd:   r.Window.End.Format(time.RFC3339),
		EventCount:  r.EventCount,
		GroupCount:  r.GroupCount,
		StartedAt:   r.StartedAt.Format(time.RFC3339),
		CompletedAt: r.CompletedAt.Format(time.RFC3339),
	}
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
