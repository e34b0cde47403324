package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clickstats/clickstats"
	"github.com/warp/clickstats/core"
)

func TestStoreError_OnlyContentionIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"deadline", fmt.Errorf("exec: %w", context.DeadlineExceeded), true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"mismatch", sqlite3.Error{Code: sqlite3.ErrMismatch}, false},
		{"plain", errors.New("no such column: nope"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storeError("op", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, core.IsRetryable(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, storeError("op", nil))
}

func TestUpsertAdd_SchemaFailureIsNotRetryable(t *testing.T) {
	// GIVEN: A store whose summary table is gone
	// WHEN: A delta is merged
	// THEN: The error is permanent, so callers are not told to retry

	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.db.Exec(`DROP TABLE daily_click_stats`)
	require.NoError(t, err)

	err = s.UpsertAdd(context.Background(), clickstats.StatDelta{
		Key:    clickstats.StatKey{StatDate: core.MustParseDate("2024-01-15"), ClickType: "view"},
		Clicks: 1,
	}, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.False(t, core.IsRetryable(err))
}
