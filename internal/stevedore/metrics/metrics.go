package metrics

import (
	"spyglass/pkg/cache"
	"spyglass/pkg/monitoring"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the stevedore edge worker.
type Metrics struct {
	UploadsSigned *prometheus.CounterVec
	StatusChecks  *prometheus.CounterVec
	Completions   *prometheus.CounterVec
	ProbeDuration *prometheus.HistogramVec
	ProbeCache    *prometheus.CounterVec
	ActiveUploads *prometheus.GaugeVec
}

// New registers the stevedore instruments on the collector.
func New(collector *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		UploadsSigned: collector.NewCounter("uploads_signed_total", "Presigned upload URLs issued", []string{"content_type"}),
		StatusChecks:  collector.NewCounter("status_checks_total", "Upload status polls by reported status", []string{"status"}),
		Completions:   collector.NewCounter("completions_total", "Upload completion calls by outcome", []string{"outcome"}),
		ProbeDuration: collector.NewHistogram("cdn_probe_duration_seconds", "CDN readiness probe latency", []string{"outcome"}, nil),
		ProbeCache:    collector.NewCounter("probe_cache_events_total", "CDN probe cache events", []string{"event"}),
		ActiveUploads: collector.NewGauge("active_uploads", "Upload sessions signed by this replica and not yet terminal", nil),
	}
}

// CacheHooks adapts the probe cache's callbacks onto the instruments.
func (m *Metrics) CacheHooks() cache.MetricsHooks {
	count := func(event string) func(map[string]string) {
		return func(map[string]string) { m.ProbeCache.WithLabelValues(event).Inc() }
	}
	return cache.MetricsHooks{
		OnHit:   count("hit"),
		OnMiss:  count("miss"),
		OnStale: count("stale"),
		OnStore: count("store"),
		OnError: count("error"),
	}
}
