/*
query.go - Read side for dashboards

PURPOSE:
  Range reads, top-N ranking and sums over DailyStat rows. Nothing here
  mutates state. A range with no data yields empty results or zero sums,
  never an error.

RANGES:
  All ranges are [start, end) over calendar dates, the same bucketing the
  aggregator writes.

OVERVIEW:
  Overview fans out one SumByType per click type plus a full category
  ranking concurrently (errgroup), then derives each top category's share
  of all categorised clicks as a decimal percentage.
*/
package clickstats

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/clickstats/core"
	"golang.org/x/sync/errgroup"
)

// Query is the read-only facade over a SummaryStore.
type Query struct {
	store SummaryStore
}

// NewQuery creates a Query.
func NewQuery(store SummaryStore) *Query {
	return &Query{store: store}
}

func newRange(start, end core.Date) (core.DateRange, error) {
	r := core.DateRange{Start: start, End: end}
	return r, r.Validate()
}

func requireType(clickType string) error {
	if strings.TrimSpace(clickType) == "" {
		return core.NewValidationError("click_type", "must not be blank")
	}
	return nil
}

// ByTypeAndRange returns rows of clickType in [start, end), newest first.
func (q *Query) ByTypeAndRange(ctx context.Context, clickType string, start, end core.Date) ([]DailyStat, error) {
	if err := requireType(clickType); err != nil {
		return nil, err
	}
	r, err := newRange(start, end)
	if err != nil {
		return nil, err
	}
	return q.store.ByTypeAndRange(ctx, clickType, r)
}

// ByCategoryAndRange returns rows of categoryID in [start, end), newest first.
func (q *Query) ByCategoryAndRange(ctx context.Context, categoryID int64, start, end core.Date) ([]DailyStat, error) {
	if categoryID <= 0 {
		return nil, core.NewValidationError("category_id", "must be positive")
	}
	r, err := newRange(start, end)
	if err != nil {
		return nil, err
	}
	return q.store.ByCategoryAndRange(ctx, categoryID, r)
}

// TopCategories ranks categorised rows in [start, end) by summed clicks and
// returns at most limit entries. Rows without a category are never included.
func (q *Query) TopCategories(ctx context.Context, start, end core.Date, limit int) ([]CategoryTotal, error) {
	if limit <= 0 {
		return nil, core.NewValidationError("limit", "must be positive")
	}
	r, err := newRange(start, end)
	if err != nil {
		return nil, err
	}
	return q.store.TopCategories(ctx, r, limit)
}

// SumByType returns total clicks of clickType in [start, end), 0 when none.
func (q *Query) SumByType(ctx context.Context, clickType string, start, end core.Date) (int64, error) {
	if err := requireType(clickType); err != nil {
		return 0, err
	}
	r, err := newRange(start, end)
	if err != nil {
		return 0, err
	}
	return q.store.SumByType(ctx, clickType, r)
}

// =============================================================================
// OVERVIEW
// =============================================================================

// CategoryShare is a ranked category with its share of categorised clicks.
type CategoryShare struct {
	CategoryTotal
	SharePercent decimal.Decimal
}

// TypeTotal is the summed clicks of one click type.
type TypeTotal struct {
	ClickType   string
	TotalClicks int64
}

// Overview is the dashboard summary for a date range.
type Overview struct {
	Range             core.DateRange
	Types             []TypeTotal
	CategorisedClicks int64
	TopCategories     []CategoryShare
}

// Overview sums each of clickTypes and ranks the top categories over
// [start, end). Shares are percentages rounded to two places.
func (q *Query) Overview(ctx context.Context, start, end core.Date, clickTypes []string, top int) (Overview, error) {
	if top <= 0 {
		return Overview{}, core.NewValidationError("top", "must be positive")
	}
	for _, t := range clickTypes {
		if err := requireType(t); err != nil {
			return Overview{}, err
		}
	}
	r, err := newRange(start, end)
	if err != nil {
		return Overview{}, err
	}

	totals := make([]TypeTotal, len(clickTypes))
	var ranking []CategoryTotal

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range clickTypes {
		g.Go(func() error {
			sum, err := q.store.SumByType(gctx, t, r)
			if err != nil {
				return err
			}
			totals[i] = TypeTotal{ClickType: t, TotalClicks: sum}
			return nil
		})
	}
	g.Go(func() error {
		var err error
		// limit 0 ranks every category so shares use the full denominator
		ranking, err = q.store.TopCategories(gctx, r, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		return Overview{}, err
	}

	var categorised int64
	for _, c := range ranking {
		categorised += c.TotalClicks
	}

	if len(ranking) > top {
		ranking = ranking[:top]
	}
	shares := make([]CategoryShare, 0, len(ranking))
	for _, c := range ranking {
		shares = append(shares, CategoryShare{
			CategoryTotal: c,
			SharePercent:  sharePercent(c.TotalClicks, categorised),
		})
	}

	return Overview{
		Range:             r,
		Types:             totals,
		CategorisedClicks: categorised,
		TopCategories:     shares,
	}, nil
}

func sharePercent(part, total int64) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(part).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(total), 2)
}
