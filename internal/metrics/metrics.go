// Package metrics registers Prometheus instrumentation for the alert
// evaluation engine.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	CyclesTotal    prometheus.Counter
	CycleDuration  prometheus.Histogram
	GroupsDeferred prometheus.Counter

	UpstreamFetches *prometheus.CounterVec // labels: source
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	RateLimitHits   prometheus.Counter

	Evaluations        prometheus.Counter
	TriggersTotal      prometheus.Counter
	TriggersSuppressed prometheus.Counter
	TriggersStale      prometheus.Counter

	NotificationsSent    prometheus.Counter
	NotificationFailures prometheus.Counter

	registry *prometheus.Registry
}

// New registers and returns all engine metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indalerts_cycles_total",
			Help: "Total evaluation cycles executed",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indalerts_cycle_duration_seconds",
			Help:    "Wall-clock duration of one evaluation cycle",
			Buckets: prometheus.DefBuckets,
		}),
		GroupsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indalerts_groups_deferred_total",
			Help: "Symbol/timeframe groups deferred to a later cycle",
		}),
		UpstreamFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indalerts_upstream_fetches_total",
			Help: "Upstream candle fetches (by source)",
		}, []string{"source"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indalerts_series_cache_hits_total",
			Help: "Series requests answered from cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indalerts_series_cache_misses_total",
			Help: "Series requests that went upstream",
		}),
		RateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indalerts_upstream_rate_limits_total",
			Help: "Explicit rate-limit responses from upstreams",
		}),
		Evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indalerts_rule_evaluations_total",
			Help: "Individual rule evaluations",
		}),
		TriggersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indalerts_triggers_total",
			Help: "Qualifying transitions that produced an event",
		}),
		TriggersSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indalerts_triggers_suppressed_total",
			Help: "Qualifying transitions swallowed by cooldown",
		}),
		TriggersStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indalerts_triggers_stale_total",
			Help: "Triggers discarded for exceeding the max dispatch age",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indalerts_notifications_sent_total",
			Help: "Notifications accepted by the push backend",
		}),
		NotificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indalerts_notification_failures_total",
			Help: "Notification sends that failed after retry",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.GroupsDeferred,
		m.UpstreamFetches,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitHits,
		m.Evaluations,
		m.TriggersTotal,
		m.TriggersSuppressed,
		m.TriggersStale,
		m.NotificationsSent,
		m.NotificationFailures,
	)
	return m
}

// Serve exposes /metrics until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics listener started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics listener failed")
	}
}
