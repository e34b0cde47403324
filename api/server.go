/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard frontend

ROUTE GROUPS:
  /api/health           Liveness + dependency pings
  /api/stats/*          Dashboard reads
  /api/clicks           Event ingestion (rate limited, action "click")
  /api/ratelimit/check  Explicit limiter check
  /api/admin/*          Rate-limit configs, rollup runs, manual rollup/prune
  /metrics              Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// IngestAction is the rate-limit action type guarding POST /api/clicks.
const IngestAction = "click"

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	h.setDefaults()

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserIDHeader},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", h.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Dashboard routes
		if h.Query != nil {
			r.Route("/stats", func(r chi.Router) {
				r.Get("/types/{clickType}", h.StatsByType)
				r.Get("/types/{clickType}/total", h.SumByType)
				r.Get("/categories/{categoryID}", h.StatsByCategory)
				r.Get("/top-categories", h.TopCategories)
				r.Get("/overview", h.Overview)
			})
		}

		// Ingestion
		if h.Events != nil {
			r.With(h.RateLimit(IngestAction)).Post("/clicks", h.IngestClicks)
		}

		r.Post("/ratelimit/check", h.CheckRateLimit)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			if h.Limits != nil {
				r.Route("/rate-limits", func(r chi.Router) {
					r.Get("/", h.ListRateLimits)
					r.Post("/", h.CreateRateLimit)
					r.Get("/{id}", h.GetRateLimit)
					r.Patch("/{id}", h.UpdateRateLimit)
				})
			}
			if h.Runs != nil {
				r.Get("/rollup/runs", h.ListRollupRuns)
			}
			if h.Aggregator != nil {
				r.Post("/rollup", h.TriggerRollup)
			}
			if h.Pruner != nil {
				r.Post("/prune", h.TriggerPrune)
			}
		})
	})

	return r
}
