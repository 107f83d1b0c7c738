package metrics

import (
	"context"
	"time"

	"spyglass/pkg/feed"
	"spyglass/pkg/monitoring"
	"spyglass/pkg/playback"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the lookout daemon.
type Metrics struct {
	VideosByPhase   *prometheus.GaugeVec
	ControllersHeld *prometheus.GaugeVec
	Acquires        *prometheus.CounterVec
	AcquireDuration *prometheus.HistogramVec
	Evictions       *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	Recomputes      *prometheus.CounterVec
	EventsAccepted  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
}

// New registers the lookout instruments on the collector.
func New(collector *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		VideosByPhase:   collector.NewGauge("feed_videos", "Feed videos by playback phase", []string{"phase"}),
		ControllersHeld: collector.NewGauge("controllers_held", "Playback controllers currently held", nil),
		Acquires:        collector.NewCounter("acquires_total", "Controller acquire outcomes", []string{"outcome"}),
		AcquireDuration: collector.NewHistogram("acquire_duration_seconds", "Controller acquire latency", []string{"outcome"}, nil),
		Evictions:       collector.NewCounter("evictions_total", "Controller reclaims by reason", []string{"reason"}),
		Transitions:     collector.NewCounter("transitions_total", "Playback phase transitions", []string{"from", "to"}),
		Recomputes:      collector.NewCounter("window_recomputes_total", "Preload window convergence passes", nil),
		EventsAccepted:  collector.NewCounter("feed_events_accepted_total", "Relay events accepted into the feed", nil),
		EventsRejected:  collector.NewCounter("feed_events_rejected_total", "Relay events rejected", []string{"reason"}),
	}
}

// PlaybackHooks adapts the manager's callbacks onto the instruments.
// Hooks run under the manager lock, so they only touch prometheus.
func (m *Metrics) PlaybackHooks() playback.MetricsHooks {
	return playback.MetricsHooks{
		OnAcquire:    func(outcome string) { m.Acquires.WithLabelValues(outcome).Inc() },
		OnEvict:      func(reason string) { m.Evictions.WithLabelValues(reason).Inc() },
		OnTransition: func(from, to string) { m.Transitions.WithLabelValues(from, to).Inc() },
		OnLedgerSize: func(n int) { m.ControllersHeld.WithLabelValues().Set(float64(n)) },
		OnRecompute:  func() { m.Recomputes.WithLabelValues().Inc() },
	}
}

// IngestHooks adapts the feed ingester's accept/reject callbacks.
func (m *Metrics) IngestHooks() feed.IngestHooks {
	return feed.IngestHooks{
		OnAccepted: func() { m.EventsAccepted.WithLabelValues().Inc() },
		OnRejected: func(reason string) { m.EventsRejected.WithLabelValues(reason).Inc() },
	}
}

// ObservePhases refreshes the by-phase gauge from a state snapshot. The
// daemon calls it on every change notification.
func (m *Metrics) ObservePhases(states []playback.VideoState) {
	counts := make(map[string]int, 6)
	for _, s := range states {
		counts[s.Phase.String()]++
	}
	for _, phase := range []playback.Phase{
		playback.PhaseNotLoaded,
		playback.PhaseLoading,
		playback.PhaseReady,
		playback.PhaseFailed,
		playback.PhasePermanentlyFailed,
		playback.PhaseDisposed,
	} {
		name := phase.String()
		m.VideosByPhase.WithLabelValues(name).Set(float64(counts[name]))
	}
}

// TimedFactory decorates a controller factory with acquire latency
// observation.
func (m *Metrics) TimedFactory(inner playback.ControllerFactory) playback.ControllerFactory {
	return playback.ControllerFactoryFunc(func(ctx context.Context, desc playback.VideoDescriptor) (playback.Controller, error) {
		start := time.Now()
		ctrl, err := inner.Acquire(ctx, desc)
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		m.AcquireDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		return ctrl, err
	})
}
