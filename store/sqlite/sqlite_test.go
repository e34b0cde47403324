package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clickstats/clickstats"
	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/ratelimit"
	"github.com/warp/clickstats/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now = time.Date(2024, time.January, 16, 3, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func date(s string) core.Date {
	return core.MustParseDate(s)
}

func dates(start, end string) core.DateRange {
	return core.DateRange{Start: date(start), End: date(end)}
}

func delta(day, clickType string, cat clickstats.Category, name string, clicks, users, sessions int64) clickstats.StatDelta {
	return clickstats.StatDelta{
		Key:          clickstats.StatKey{StatDate: date(day), ClickType: clickType, Category: cat},
		CategoryName: name,
		Clicks:       clicks,
		Users:        users,
		Sessions:     sessions,
	}
}

func hourWindow(t *testing.T, day, hour int) core.Window {
	t.Helper()
	start := time.Date(2024, time.January, day, hour, 0, 0, 0, time.UTC)
	w, err := core.NewWindow(start, start.Add(time.Hour))
	require.NoError(t, err)
	return w
}

// =============================================================================
// DAILY STATS
// =============================================================================

func TestUpsertAdd_AddsCounters(t *testing.T) {
	// GIVEN: A row for (2024-01-15, category_click, 10)
	// WHEN: Merging a second delta for the same key
	// THEN: Counters are summed, the newer non-blank name wins

	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAdd(ctx, delta("2024-01-15", "category_click", clickstats.SomeCategory(10), "Shoes", 3, 2, 2), now))
	later := now.Add(time.Hour)
	require.NoError(t, s.UpsertAdd(ctx, delta("2024-01-15", "category_click", clickstats.SomeCategory(10), "Footwear", 4, 1, 3), later))
	require.NoError(t, s.UpsertAdd(ctx, delta("2024-01-15", "category_click", clickstats.SomeCategory(10), "", 1, 0, 0), later))

	rows, err := s.ByCategoryAndRange(ctx, 10, dates("2024-01-15", "2024-01-16"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(8), rows[0].TotalClicks)
	assert.Equal(t, int64(3), rows[0].UniqueUsers)
	assert.Equal(t, int64(5), rows[0].UniqueSessions)
	assert.Equal(t, "Footwear", rows[0].CategoryName)
	assert.Equal(t, now, rows[0].CreatedAt)
	assert.Equal(t, later, rows[0].UpdatedAt)
}

func TestUpsertAdd_NoCategoryIsItsOwnKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAdd(ctx, delta("2024-01-15", "page_click", clickstats.NoCategory(), "", 2, 1, 1), now))
	require.NoError(t, s.UpsertAdd(ctx, delta("2024-01-15", "page_click", clickstats.NoCategory(), "", 3, 1, 1), now))
	require.NoError(t, s.UpsertAdd(ctx, delta("2024-01-15", "page_click", clickstats.SomeCategory(7), "", 1, 1, 1), now))

	rows, err := s.ByTypeAndRange(ctx, "page_click", dates("2024-01-15", "2024-01-16"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first, then category descending: "none" sorts last.
	assert.Equal(t, clickstats.SomeCategory(7), rows[0].Category)
	assert.Equal(t, clickstats.NoCategory(), rows[1].Category)
	assert.Equal(t, int64(5), rows[1].TotalClicks)
}

func TestRangeReads(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, d := range []clickstats.StatDelta{
		delta("2024-01-14", "category_click", clickstats.SomeCategory(10), "Shoes", 5, 3, 3),
		delta("2024-01-15", "category_click", clickstats.SomeCategory(10), "Shoes", 7, 4, 4),
		delta("2024-01-15", "category_click", clickstats.SomeCategory(20), "Hats", 9, 6, 6),
		delta("2024-01-16", "category_click", clickstats.SomeCategory(20), "Hats", 2, 1, 1),
		delta("2024-01-15", "search_click", clickstats.SomeCategory(10), "Shoes", 11, 2, 2),
		delta("2024-01-15", "page_click", clickstats.NoCategory(), "", 100, 50, 60),
	} {
		require.NoError(t, s.UpsertAdd(ctx, d, now))
	}

	t.Run("by type is half-open and newest first", func(t *testing.T) {
		rows, err := s.ByTypeAndRange(ctx, "category_click", dates("2024-01-14", "2024-01-16"))
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, "2024-01-15", rows[0].StatDate.String())
		assert.Equal(t, "2024-01-14", rows[2].StatDate.String())
	})

	t.Run("by category spans types", func(t *testing.T) {
		rows, err := s.ByCategoryAndRange(ctx, 10, dates("2024-01-01", "2024-02-01"))
		require.NoError(t, err)
		assert.Len(t, rows, 3)
	})

	t.Run("top categories excludes uncategorised", func(t *testing.T) {
		top, err := s.TopCategories(ctx, dates("2024-01-14", "2024-01-17"), 10)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, clickstats.CategoryTotal{CategoryID: 10, CategoryName: "Shoes", TotalClicks: 23, UniqueUsers: 9}, top[0])
		assert.Equal(t, clickstats.CategoryTotal{CategoryID: 20, CategoryName: "Hats", TotalClicks: 11, UniqueUsers: 7}, top[1])

		top, err = s.TopCategories(ctx, dates("2024-01-14", "2024-01-17"), 1)
		require.NoError(t, err)
		assert.Len(t, top, 1)

		all, err := s.TopCategories(ctx, dates("2024-01-14", "2024-01-17"), 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("sum by type", func(t *testing.T) {
		total, err := s.SumByType(ctx, "category_click", dates("2024-01-14", "2024-01-17"))
		require.NoError(t, err)
		assert.Equal(t, int64(23), total)

		none, err := s.SumByType(ctx, "unknown", dates("2024-01-14", "2024-01-17"))
		require.NoError(t, err)
		assert.Zero(t, none)
	})
}

func TestDeleteBefore_StrictAndIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, day := range []string{"2024-01-13", "2024-01-14", "2024-01-15"} {
		require.NoError(t, s.UpsertAdd(ctx, delta(day, "page_click", clickstats.NoCategory(), "", 1, 1, 1), now))
	}

	deleted, err := s.DeleteBefore(ctx, date("2024-01-15"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	deleted, err = s.DeleteBefore(ctx, date("2024-01-15"))
	require.NoError(t, err)
	assert.Zero(t, deleted)

	rows, err := s.ByTypeAndRange(ctx, "page_click", dates("2024-01-01", "2024-02-01"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-01-15", rows[0].StatDate.String())
}

// =============================================================================
// EVENTS
// =============================================================================

func TestEvents_AppendAndFetchWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	at := func(h, m int) time.Time { return time.Date(2024, time.January, 15, h, m, 0, 0, time.UTC) }
	require.NoError(t, s.AppendEvents(ctx, []clickstats.ClickEvent{
		{OccurredAt: at(9, 59), ClickType: "page_click", UserID: "u0"},
		{OccurredAt: at(10, 0), ClickType: "category_click", Category: clickstats.SomeCategory(10), CategoryName: "Shoes", UserID: "u1", SessionID: "s1"},
		{OccurredAt: at(10, 30), ClickType: "page_click"},
		{OccurredAt: at(11, 0), ClickType: "page_click", UserID: "u2"},
	}))

	events, err := s.FetchEvents(ctx, hourWindow(t, 15, 10))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, at(10, 0), events[0].OccurredAt)
	assert.Equal(t, clickstats.SomeCategory(10), events[0].Category)
	assert.Equal(t, "Shoes", events[0].CategoryName)
	assert.Equal(t, clickstats.NoCategory(), events[1].Category)
	assert.Empty(t, events[1].UserID)
}

func TestEvents_InvalidBatchWritesNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.AppendEvents(ctx, []clickstats.ClickEvent{
		{OccurredAt: now, ClickType: "page_click"},
		{OccurredAt: now, ClickType: ""},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrValidation)

	w, err := core.NewWindow(now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	events, err := s.FetchEvents(ctx, w)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// ROLLUP LEDGER
// =============================================================================

func TestLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := func(id string, w core.Window) clickstats.RollupRun {
		return clickstats.RollupRun{ID: id, Window: w, StartedAt: now, CompletedAt: now}
	}

	require.NoError(t, s.RecordRun(ctx, run("r1", hourWindow(t, 15, 10))))
	require.NoError(t, s.RecordRun(ctx, run("r2", hourWindow(t, 15, 11))))

	err := s.RecordRun(ctx, run("r3", hourWindow(t, 15, 10)))
	assert.ErrorIs(t, err, core.ErrConflict)

	wide, err := core.NewWindow(hourWindow(t, 15, 10).Start.Add(30*time.Minute), hourWindow(t, 15, 11).End)
	require.NoError(t, err)
	overlapping, err := s.OverlappingRuns(ctx, wide)
	require.NoError(t, err)
	assert.Len(t, overlapping, 2)

	// Adjacent windows share a boundary but do not overlap.
	overlapping, err = s.OverlappingRuns(ctx, hourWindow(t, 15, 12))
	require.NoError(t, err)
	assert.Empty(t, overlapping)

	last, err := s.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "r2", last.ID)
	assert.True(t, last.Window.Equal(hourWindow(t, 15, 11)))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
}

func TestLedger_EmptyLastRun(t *testing.T) {
	s := openTestStore(t)

	last, err := s.LastRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that merges a row and records a run, then fails
	// THEN: Neither the row nor the run is visible

	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx clickstats.Store) error {
		if err := tx.UpsertAdd(ctx, delta("2024-01-15", "page_click", clickstats.NoCategory(), "", 1, 1, 1), now); err != nil {
			return err
		}
		if err := tx.RecordRun(ctx, clickstats.RollupRun{ID: "r1", Window: hourWindow(t, 15, 10), StartedAt: now, CompletedAt: now}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	total, err := s.SumByType(ctx, "page_click", dates("2024-01-01", "2024-02-01"))
	require.NoError(t, err)
	assert.Zero(t, total)

	last, err := s.LastRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestAggregatorOnSQLite(t *testing.T) {
	// GIVEN: Events for one hour in the SQLite store
	// WHEN: The same window is rolled up twice
	// THEN: The second run is skipped and counters are not doubled

	s := openTestStore(t)
	ctx := context.Background()

	at := func(m int) time.Time { return time.Date(2024, time.January, 15, 10, m, 0, 0, time.UTC) }
	require.NoError(t, s.AppendEvents(ctx, []clickstats.ClickEvent{
		{OccurredAt: at(1), ClickType: "category_click", Category: clickstats.SomeCategory(10), CategoryName: "Shoes", UserID: "u1", SessionID: "s1"},
		{OccurredAt: at(2), ClickType: "category_click", Category: clickstats.SomeCategory(10), UserID: "u1", SessionID: "s2"},
		{OccurredAt: at(3), ClickType: "category_click", Category: clickstats.SomeCategory(10), UserID: "u2", SessionID: "s3"},
	}))

	agg := clickstats.NewAggregator(s, clickstats.WithClock(func() time.Time { return now }))
	w := hourWindow(t, 15, 10)

	first, err := agg.Run(ctx, w)
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	assert.Equal(t, 3, first.Run.EventCount)

	second, err := agg.Run(ctx, w)
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	rows, err := s.ByCategoryAndRange(ctx, 10, dates("2024-01-15", "2024-01-16"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].TotalClicks)
	assert.Equal(t, int64(2), rows[0].UniqueUsers)
	assert.Equal(t, int64(3), rows[0].UniqueSessions)
	assert.Equal(t, "Shoes", rows[0].CategoryName)
}

// =============================================================================
// RATE LIMIT CONFIGS
// =============================================================================

func TestRateLimitConfigs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	svc := ratelimit.NewService(s, nil)
	svc.SetClock(func() time.Time { return now })

	editor := int64(7)
	cfg, err := svc.Create(ctx, ratelimit.CreateParams{
		ActionType: "login", Tier: ratelimit.TierAnonymous, LimitCount: 5, WindowSeconds: 60, UpdatedByUserID: &editor,
	})
	require.NoError(t, err)

	got, err := s.GetByActionAndTier(ctx, "login", ratelimit.TierAnonymous)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *cfg, *got)

	_, err = svc.Create(ctx, ratelimit.CreateParams{
		ActionType: "login", Tier: ratelimit.TierAnonymous, LimitCount: 9, WindowSeconds: 60,
	})
	assert.ErrorIs(t, err, core.ErrConflict)

	limit := 10
	updated, err := svc.Update(ctx, cfg.ID, ratelimit.UpdateParams{LimitCount: &limit})
	require.NoError(t, err)
	assert.Equal(t, 10, updated.LimitCount)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 10, all[0].LimitCount)
	assert.Equal(t, 60, all[0].WindowSeconds)
	require.NotNil(t, all[0].UpdatedByUserID)
	assert.Equal(t, int64(7), *all[0].UpdatedByUserID)

	missing, err := s.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.UpdateFields(ctx, "nope", ratelimit.UpdateParams{LimitCount: &limit}, now)
	assert.ErrorIs(t, err, core.ErrNotFound)

	byAction, err := s.ListByAction(ctx, "share")
	require.NoError(t, err)
	assert.Empty(t, byAction)
}

func TestRateLimitConfigs_PartialUpdatesKeepOtherColumns(t *testing.T) {
	// GIVEN: A stored config and an update written from a stale read
	// WHEN: Two partial updates touch different columns
	// THEN: Each leaves the other's column as the database holds it

	s := openTestStore(t)
	ctx := context.Background()
	svc := ratelimit.NewService(s, nil)
	svc.SetClock(func() time.Time { return now })

	cfg, err := svc.Create(ctx, ratelimit.CreateParams{
		ActionType: "share", Tier: ratelimit.TierLoggedIn, LimitCount: 10, WindowSeconds: 60,
	})
	require.NoError(t, err)

	limit, window := 20, 120
	_, err = s.UpdateFields(ctx, cfg.ID, ratelimit.UpdateParams{LimitCount: &limit}, now.Add(time.Minute))
	require.NoError(t, err)
	updated, err := s.UpdateFields(ctx, cfg.ID, ratelimit.UpdateParams{WindowSeconds: &window}, now.Add(2*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 20, updated.LimitCount)
	assert.Equal(t, 120, updated.WindowSeconds)
	assert.Nil(t, updated.UpdatedByUserID)
	assert.True(t, now.Add(2*time.Minute).Equal(updated.UpdatedAt))

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			v := 30 + i
			_, _ = s.UpdateFields(ctx, cfg.ID, ratelimit.UpdateParams{LimitCount: &v}, now)
		}()
		go func() {
			defer wg.Done()
			v := 300 + i
			_, _ = s.UpdateFields(ctx, cfg.ID, ratelimit.UpdateParams{WindowSeconds: &v}, now)
		}()
	}
	wg.Wait()

	stored, err := s.GetByID(ctx, cfg.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stored.LimitCount, 30)
	assert.GreaterOrEqual(t, stored.WindowSeconds, 300)
}

// =============================================================================
// COUNTER
// =============================================================================

func TestCounter_SlidingWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		res, err := s.Consume(ctx, "k", 5, time.Minute, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, res.Admitted)
		assert.Equal(t, i+1, res.Count)
	}

	res, err := s.Consume(ctx, "k", 5, time.Minute, now.Add(20*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, 40*time.Second, res.RetryAfter)

	// The first hit leaves the window exactly one window after it was made.
	res, err = s.Consume(ctx, "k", 5, time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Admitted)

	removed, err := s.SweepHits(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), removed)
}

func TestCounter_ConcurrentConsumers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Consume(ctx, "shared", 3, time.Minute, now)
			if err == nil && res.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, admitted)
}
