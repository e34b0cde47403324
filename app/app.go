/*
app.go - Dependency wiring shared by the server and the CLI

PURPOSE:
  Builds stores, the rollup engine and the rate limiter from a Config.
  cmd/server serves them over HTTP; cmd/clickstats drives them directly.

STORAGE:
  storage.driver = sqlite  one SQLite file holds events, summaries, the
                           rollup ledger and rate-limit configs
  storage.driver = memory  in-process maps (dev/tests, lost on restart)

COUNTER:
  counter.backend = memory  per-process sliding window
  counter.backend = sqlite  hits table in the SQLite store
  counter.backend = redis   shared sorted-set window across replicas

SEE ALSO:
  - config/config.go: Configuration
  - cmd/server/main.go: HTTP server
  - cmd/clickstats/main.go: Admin CLI
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/warp/clickstats/api"
	"github.com/warp/clickstats/clickstats"
	statstore "github.com/warp/clickstats/clickstats/store"
	"github.com/warp/clickstats/config"
	"github.com/warp/clickstats/metrics"
	"github.com/warp/clickstats/ratelimit"
	limitstore "github.com/warp/clickstats/ratelimit/store"
	"github.com/warp/clickstats/store/redis"
	"github.com/warp/clickstats/store/sqlite"
)

// clickStore is what the rollup engine and ingestion need from storage.
type clickStore interface {
	clickstats.TxStore
	clickstats.EventSink
}

// App holds every long-lived dependency.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Stats   clickStore
	Configs ratelimit.ConfigStore
	Counter ratelimit.Counter

	Query      *clickstats.Query
	Aggregator *clickstats.Aggregator
	Pruner     *clickstats.Pruner
	Limits     *ratelimit.Service
	Limiter    *ratelimit.Limiter

	checks  map[string]api.HealthChecker
	closers []io.Closer
}

// New builds an App from cfg. Call Close when done.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := cfg.Rollup.LoadLocation()
	if err != nil {
		return nil, fmt.Errorf("rollup location: %w", err)
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		checks:  make(map[string]api.HealthChecker),
	}

	if err := a.openStorage(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openCounter(); err != nil {
		a.Close()
		return nil, err
	}

	a.Query = clickstats.NewQuery(a.Stats)
	a.Aggregator = clickstats.NewAggregator(a.Stats,
		clickstats.WithEnricher(clickstats.StaticEnricher(cfg.Rollup.CategoryNames)),
		clickstats.WithLocation(loc),
		clickstats.WithSettleLag(cfg.Rollup.Lag),
		clickstats.WithLogger(logger.With("component", "rollup")),
		clickstats.WithMetrics(a.Metrics),
	)
	a.Pruner = &clickstats.Pruner{
		Store:   a.Stats,
		Logger:  logger.With("component", "retention"),
		Metrics: a.Metrics,
	}

	a.Limits = ratelimit.NewService(a.Configs, logger.With("component", "ratelimit"))
	a.Limiter = ratelimit.NewLimiter(a.Configs, a.Counter, ratelimit.LimiterOptions{
		MissingPolicy: cfg.MissingPolicy(),
		StoreTimeout:  cfg.RateLimit.StoreTimeout,
		Logger:        logger.With("component", "ratelimit"),
		Metrics:       a.Metrics,
	})

	return a, nil
}

func (a *App) openStorage() error {
	switch a.Config.Storage.Driver {
	case "memory":
		a.Stats = statstore.NewMemory()
		a.Configs = limitstore.NewConfigs()
		return nil
	case "sqlite":
		path := a.Config.Storage.SQLitePath
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("create data directory: %w", err)
			}
		}
		db, err := sqlite.New(path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.Stats = db
		a.Configs = db
		a.checks["sqlite"] = db
		a.closers = append(a.closers, db)
		return nil
	}
	return fmt.Errorf("unknown storage driver %q", a.Config.Storage.Driver)
}

func (a *App) openCounter() error {
	switch a.Config.Counter.Backend {
	case "memory":
		a.Counter = limitstore.NewSlidingCounter()
		return nil
	case "sqlite":
		db, ok := a.Stats.(*sqlite.Store)
		if !ok {
			return errors.New("sqlite counter requires the sqlite storage driver")
		}
		a.Counter = db
		return nil
	case "redis":
		r := a.Config.Counter.Redis
		c, err := redis.New(redis.Config{Addr: r.Addr, Password: r.Password, DB: r.DB})
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		a.Counter = c
		a.checks["redis"] = c
		a.closers = append(a.closers, c)
		return nil
	}
	return fmt.Errorf("unknown counter backend %q", a.Config.Counter.Backend)
}

// Seed creates the configured rate limits that do not exist yet.
func (a *App) Seed(ctx context.Context) (int, error) {
	return a.Limits.Seed(ctx, a.Config.SeedParams())
}

// Handler returns the HTTP handler over this App.
func (a *App) Handler() *api.Handler {
	loc, _ := a.Config.Rollup.LoadLocation()
	proxies, _ := a.Config.TrustedProxyPrefixes()
	return &api.Handler{
		Query:         a.Query,
		Aggregator:    a.Aggregator,
		Pruner:        a.Pruner,
		Runs:          a.Stats,
		Events:        a.Stats,
		Limits:        a.Limits,
		Limiter:       a.Limiter,
		Tiers:         api.TierResolver{Trusted: a.Config.TrustedUserSet(), TrustedProxies: proxies},
		Location:      loc,
		RetentionDays: a.Config.Retention.Days,
		CORSOrigins:   a.Config.Server.CORSOrigins,
		Checks:        a.checks,
		Metrics:       a.Metrics,
		Logger:        a.Logger.With("component", "api"),
	}
}

// Scheduler returns the background rollup/retention scheduler.
func (a *App) Scheduler() *api.RollupScheduler {
	cfg := a.Config
	loc, _ := cfg.Rollup.LoadLocation()

	rs := api.NewRollupScheduler(a.Aggregator, a.Stats, a.Pruner)
	rs.Enabled = cfg.Rollup.Enabled
	rs.CheckInterval = cfg.Rollup.Interval
	rs.Lag = cfg.Rollup.Lag
	rs.BackfillHours = cfg.Rollup.BackfillHours
	rs.PruneInterval = cfg.Retention.PruneInterval
	rs.RetentionDays = cfg.Retention.Days
	rs.Location = loc
	rs.SweepAfter = cfg.Counter.SweepAfter
	rs.Logger = a.Logger.With("component", "scheduler")
	if s, ok := a.Counter.(ratelimit.Sweeper); ok {
		rs.Sweeper = s
		rs.Limits = a.Limits
	}
	return rs
}

// Close releases every opened store.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
