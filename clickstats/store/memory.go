// Package store provides in-memory clickstats storage.
package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/warp/clickstats/clickstats"
	"github.com/warp/clickstats/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements clickstats.TxStore and clickstats.EventSink.
type Memory struct {
	mu     sync.RWMutex
	events []clickstats.ClickEvent
	stats  map[string]clickstats.DailyStat
	runs   []clickstats.RollupRun
}

var (
	_ clickstats.TxStore   = (*Memory)(nil)
	_ clickstats.EventSink = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{stats: make(map[string]clickstats.DailyStat)}
}

// AppendEvents stores raw events.
func (m *Memory) AppendEvents(_ context.Context, events []clickstats.ClickEvent) error {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *Memory) FetchEvents(_ context.Context, w core.Window) ([]clickstats.ClickEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetchLocked(w), nil
}

func (m *Memory) fetchLocked(w core.Window) []clickstats.ClickEvent {
	var result []clickstats.ClickEvent
	for _, e := range m.events {
		if w.Contains(e.OccurredAt) {
			result = append(result, e)
		}
	}
	return result
}

// UpsertAdd merges delta into the row for its key.
func (m *Memory) UpsertAdd(_ context.Context, delta clickstats.StatDelta, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(delta, now)
	return nil
}

func (m *Memory) upsertLocked(delta clickstats.StatDelta, now time.Time) {
	k := delta.Key.String()
	row, ok := m.stats[k]
	if !ok {
		m.stats[k] = delta.NewRow(now)
		return
	}
	m.stats[k] = delta.Apply(row, now)
}

func (m *Memory) ByTypeAndRange(_ context.Context, clickType string, r core.DateRange) ([]clickstats.DailyStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(r, func(s clickstats.DailyStat) bool { return s.ClickType == clickType }), nil
}

func (m *Memory) ByCategoryAndRange(_ context.Context, categoryID int64, r core.DateRange) ([]clickstats.DailyStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(r, func(s clickstats.DailyStat) bool {
		return s.Category.Valid && s.Category.ID == categoryID
	}), nil
}

// selectLocked returns matching rows in r, newest first.
func (m *Memory) selectLocked(r core.DateRange, match func(clickstats.DailyStat) bool) []clickstats.DailyStat {
	var result []clickstats.DailyStat
	for _, s := range m.stats {
		if r.Contains(s.StatDate) && match(s) {
			result = append(result, s)
		}
	}
	slices.SortFunc(result, func(x, y clickstats.DailyStat) int {
		return clickstats.CompareKeys(y.Key(), x.Key())
	})
	return result
}

// TopCategories ranks categories by summed clicks. limit <= 0 means no limit.
func (m *Memory) TopCategories(_ context.Context, r core.DateRange, limit int) ([]clickstats.CategoryTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topLocked(r, limit), nil
}

func (m *Memory) topLocked(r core.DateRange, limit int) []clickstats.CategoryTotal {
	type groupKey struct {
		id   int64
		name string
	}
	sums := make(map[groupKey]*clickstats.CategoryTotal)
	for _, s := range m.stats {
		if !s.Category.Valid || !r.Contains(s.StatDate) {
			continue
		}
		k := groupKey{id: s.Category.ID, name: s.CategoryName}
		t, ok := sums[k]
		if !ok {
			t = &clickstats.CategoryTotal{CategoryID: s.Category.ID, CategoryName: s.CategoryName}
			sums[k] = t
		}
		t.TotalClicks += s.TotalClicks
		t.UniqueUsers += s.UniqueUsers
	}

	result := make([]clickstats.CategoryTotal, 0, len(sums))
	for _, t := range sums {
		result = append(result, *t)
	}
	slices.SortFunc(result, func(x, y clickstats.CategoryTotal) int {
		if c := cmp.Compare(y.TotalClicks, x.TotalClicks); c != 0 {
			return c
		}
		return cmp.Compare(x.CategoryID, y.CategoryID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *Memory) SumByType(_ context.Context, clickType string, r core.DateRange) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumLocked(clickType, r), nil
}

func (m *Memory) sumLocked(clickType string, r core.DateRange) int64 {
	var total int64
	for _, s := range m.stats {
		if s.ClickType == clickType && r.Contains(s.StatDate) {
			total += s.TotalClicks
		}
	}
	return total
}

func (m *Memory) DeleteBefore(_ context.Context, cutoff core.Date) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(cutoff), nil
}

func (m *Memory) deleteLocked(cutoff core.Date) int64 {
	var deleted int64
	for k, s := range m.stats {
		if s.StatDate.Before(cutoff) {
			delete(m.stats, k)
			deleted++
		}
	}
	return deleted
}

// =============================================================================
// ROLLUP LEDGER
// =============================================================================

func (m *Memory) OverlappingRuns(_ context.Context, w core.Window) ([]clickstats.RollupRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overlappingLocked(w), nil
}

func (m *Memory) overlappingLocked(w core.Window) []clickstats.RollupRun {
	var result []clickstats.RollupRun
	for _, run := range m.runs {
		if run.Window.Overlaps(w) {
			result = append(result, run)
		}
	}
	return result
}

func (m *Memory) RecordRun(_ context.Context, run clickstats.RollupRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordLocked(run)
}

func (m *Memory) recordLocked(run clickstats.RollupRun) error {
	for _, existing := range m.runs {
		if existing.Window.Equal(run.Window) {
			return &core.ConflictError{Entity: "rollup window", Key: run.Window.String()}
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) LastRun(_ context.Context) (*clickstats.RollupRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastLocked(), nil
}

func (m *Memory) lastLocked() *clickstats.RollupRun {
	var last *clickstats.RollupRun
	for i := range m.runs {
		if last == nil || m.runs[i].Window.End.After(last.Window.End) {
			last = &m.runs[i]
		}
	}
	if last == nil {
		return nil
	}
	run := *last
	return &run
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]clickstats.RollupRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(limit), nil
}

func (m *Memory) listLocked(limit int) []clickstats.RollupRun {
	result := slices.Clone(m.runs)
	slices.SortFunc(result, func(x, y clickstats.RollupRun) int {
		return y.Window.End.Compare(x.Window.End)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Stats returns every stored row ordered by key. Used by tests and the CLI.
func (m *Memory) Stats() []clickstats.DailyStat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]clickstats.DailyStat, 0, len(m.stats))
	for _, s := range m.stats {
		result = append(result, s)
	}
	slices.SortFunc(result, func(x, y clickstats.DailyStat) int {
		return clickstats.CompareKeys(x.Key(), y.Key())
	})
	return result
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(clickstats.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txMemoryView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	events []clickstats.ClickEvent
	stats  map[string]clickstats.DailyStat
	runs   []clickstats.RollupRun
}

func (m *Memory) snapshot() memorySnapshot {
	statsCopy := make(map[string]clickstats.DailyStat, len(m.stats))
	for k, v := range m.stats {
		statsCopy[k] = v
	}
	return memorySnapshot{
		events: slices.Clone(m.events),
		stats:  statsCopy,
		runs:   slices.Clone(m.runs),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.events = s.events
	m.stats = s.stats
	m.runs = s.runs
}

// txMemoryView runs with the parent's write lock already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) FetchEvents(_ context.Context, w core.Window) ([]clickstats.ClickEvent, error) {
	return tv.parent.fetchLocked(w), nil
}

func (tv *txMemoryView) UpsertAdd(_ context.Context, delta clickstats.StatDelta, now time.Time) error {
	tv.parent.upsertLocked(delta, now)
	return nil
}

func (tv *txMemoryView) ByTypeAndRange(_ context.Context, clickType string, r core.DateRange) ([]clickstats.DailyStat, error) {
	return tv.parent.selectLocked(r, func(s clickstats.DailyStat) bool { return s.ClickType == clickType }), nil
}

func (tv *txMemoryView) ByCategoryAndRange(_ context.Context, categoryID int64, r core.DateRange) ([]clickstats.DailyStat, error) {
	return tv.parent.selectLocked(r, func(s clickstats.DailyStat) bool {
		return s.Category.Valid && s.Category.ID == categoryID
	}), nil
}

func (tv *txMemoryView) TopCategories(_ context.Context, r core.DateRange, limit int) ([]clickstats.CategoryTotal, error) {
	return tv.parent.topLocked(r, limit), nil
}

func (tv *txMemoryView) SumByType(_ context.Context, clickType string, r core.DateRange) (int64, error) {
	return tv.parent.sumLocked(clickType, r), nil
}

func (tv *txMemoryView) DeleteBefore(_ context.Context, cutoff core.Date) (int64, error) {
	return tv.parent.deleteLocked(cutoff), nil
}

func (tv *txMemoryView) OverlappingRuns(_ context.Context, w core.Window) ([]clickstats.RollupRun, error) {
	return tv.parent.overlappingLocked(w), nil
}

func (tv *txMemoryView) RecordRun(_ context.Context, run clickstats.RollupRun) error {
	return tv.parent.recordLocked(run)
}

func (tv *txMemoryView) LastRun(_ context.Context) (*clickstats.RollupRun, error) {
	return tv.parent.lastLocked(), nil
}

func (tv *txMemoryView) ListRuns(_ context.Context, limit int) ([]clickstats.RollupRun, error) {
	return tv.parent.listLocked(limit), nil
}
