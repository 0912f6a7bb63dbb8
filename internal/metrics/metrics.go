package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's Prometheus collectors.
// MarkupMismatches is the alerting signal for upstream structural changes.
type Metrics struct {
	registry *prometheus.Registry

	ScrapeAttempts   *prometheus.CounterVec
	MarkupMismatches prometheus.Counter
	DegradedResults  prometheus.Counter
	EngineRestarts   prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	SessionsReaped   prometheus.Counter
	LiveSessions     prometheus.Gauge
}

// New registers all collectors on a fresh registry
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ScrapeAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "skybridge_scrape_attempts_total",
			Help: "Scrape attempts by task and outcome.",
		}, []string{"task", "outcome"}),
		MarkupMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "skybridge_markup_mismatch_total",
			Help: "Extractions that found the page structure changed. Alert on any increase.",
		}),
		DegradedResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "skybridge_degraded_results_total",
			Help: "Results served from the fallback source or stale cache.",
		}),
		EngineRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "skybridge_engine_restarts_total",
			Help: "Times the browser engine was restarted after a crash.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "skybridge_cache_hits_total",
			Help: "Weather cache lookups served without an upstream fetch.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "skybridge_cache_misses_total",
			Help: "Weather cache lookups that required an upstream fetch.",
		}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "skybridge_sessions_reaped_total",
			Help: "Sessions closed by the idle reaper.",
		}),
		LiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "skybridge_live_sessions",
			Help: "Sessions currently held in the registry.",
		}),
	}
}

// Handler exposes the registry for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
