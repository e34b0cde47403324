package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clickstats/api"
	"github.com/warp/clickstats/app"
	"github.com/warp/clickstats/config"
	"github.com/warp/clickstats/store/sqlite"
)

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "memory"
	cfg.Counter.Backend = "memory"
	return cfg
}

func TestNew_Memory(t *testing.T) {
	a, err := app.New(memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	created, err := a.Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, created)

	created, err = a.Seed(ctx)
	require.NoError(t, err)
	assert.Zero(t, created)

	rs := a.Scheduler()
	assert.NotNil(t, rs.Sweeper)
	assert.Equal(t, 90, rs.RetentionDays)
}

func TestNew_SQLite(t *testing.T) {
	// GIVEN: A sqlite path in a directory that does not exist yet
	// WHEN: The app is built with the sqlite counter
	// THEN: The directory is created and health reports the database

	cfg := config.DefaultConfig()
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "nested", "clickstats.db")
	cfg.Counter.Backend = "sqlite"

	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &sqlite.Store{}, a.Counter)

	rec := httptest.NewRecorder()
	api.NewRouter(a.Handler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sqlite":"ok"`)
}

func TestNew_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := memoryConfig()
	cfg.Counter.Backend = "redis"
	cfg.Counter.Redis.Addr = mr.Addr()

	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Scheduler().Sweeper)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.Storage.Driver = "postgres" }},
		{"unknown counter", func(c *config.Config) { c.Counter.Backend = "memcached" }},
		{"sqlite counter without sqlite storage", func(c *config.Config) { c.Counter.Backend = "sqlite" }},
		{"bad location", func(c *config.Config) { c.Rollup.Location = "Mars/Olympus" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			tt.mutate(cfg)
			_, err := app.New(cfg, nil)
			assert.Error(t, err)
		})
	}
}
