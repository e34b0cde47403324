/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the click statistics server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML file, .env, CLICKSTATS_* env)
  2. Initialize logging
  3. Open stores and build the rollup engine and rate limiter
  4. Seed missing rate-limit configs
  5. Start the rollup scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to YAML config file (optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the scheduler (an in-flight rollup finishes or rolls back)
  4. Close stores
  5. Exit

EXAMPLES:
  # Run with defaults (./data/clickstats.db)
  ./server

  # Run with a config file and Redis counters
  CLICKSTATS_COUNTER_BACKEND=redis ./server -config=clickstats.yaml

SEE ALSO:
  - app/app.go: Dependency wiring
  - api/server.go: Router configuration
  - config/config.go: Configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/clickstats/api"
	"github.com/warp/clickstats/app"
	"github.com/warp/clickstats/config"
	"github.com/warp/clickstats/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.Init(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	created, err := a.Seed(seedCtx)
	cancel()
	if err != nil {
		log.Warn("failed to seed rate limits", "error", err)
	} else if created > 0 {
		log.Info("seeded rate limits", "created", created)
	}

	scheduler := a.Scheduler()
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(a.Handler()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			"addr", server.Addr,
			"storage", cfg.Storage.Driver,
			"counter", cfg.Counter.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		log.Error("server failed", "error", err)
	}

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
