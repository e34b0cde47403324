// Package metrics exposes Prometheus collectors for rollups, pruning and
// rate-limit decisions. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clickstats"

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	rollupRuns     *prometheus.CounterVec
	rollupEvents   prometheus.Counter
	rollupGroups   prometheus.Counter
	rollupDuration prometheus.Histogram
	prunedRows     prometheus.Counter
	decisions      *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rollupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_runs_total",
			Help:      "Rollup runs by outcome (completed, skipped, failed).",
		}, []string{"status"}),
		rollupEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_events_total",
			Help:      "Raw click events folded into daily stats.",
		}),
		rollupGroups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_rows_merged_total",
			Help:      "Daily stat rows inserted or merged.",
		}),
		rollupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rollup_duration_seconds",
			Help:      "Wall time of a rollup run.",
			Buckets:   prometheus.DefBuckets,
		}),
		prunedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_rows_total",
			Help:      "Daily stat rows removed by retention.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate-limit verdicts.",
		}, []string{"action", "tier", "verdict", "reason"}),
	}

	m.registry.MustRegister(
		m.rollupRuns,
		m.rollupEvents,
		m.rollupGroups,
		m.rollupDuration,
		m.prunedRows,
		m.decisions,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRollup records one rollup outcome.
func (m *Metrics) ObserveRollup(status string, events, groups int, seconds float64) {
	if m == nil {
		return
	}
	m.rollupRuns.WithLabelValues(status).Inc()
	m.rollupEvents.Add(float64(events))
	m.rollupGroups.Add(float64(groups))
	m.rollupDuration.Observe(seconds)
}

// ObservePrune records rows removed by one prune pass.
func (m *Metrics) ObservePrune(deleted int64) {
	if m == nil {
		return
	}
	m.prunedRows.Add(float64(deleted))
}

// ObserveDecision records one rate-limit verdict.
func (m *Metrics) ObserveDecision(action, tier, verdict, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, tier, verdict, reason).Inc()
}
