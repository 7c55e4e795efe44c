// Package metrics exports scheduler and channel activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trial_bundler"

// Metrics implements scheduler.Recorder and events.DeliveryRecorder
type Metrics struct {
	registry *prometheus.Registry

	inFlight       prometheus.Gauge
	activeBundles  prometheus.Gauge
	peers          prometheus.Gauge
	attempts       *prometheus.CounterVec
	verdicts       *prometheus.CounterVec
	bundleDuration *prometheus.HistogramVec
	delivered      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attempts_in_flight",
			Help:      "Attempts currently holding a concurrency slot.",
		}),
		activeBundles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_bundles",
			Help:      "Bundles that have not reached a verdict.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_peers",
			Help:      "Connected channel peers.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_transitions_total",
			Help:      "Attempt state transitions by service and target state.",
		}, []string{"service", "state"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_verdicts_total",
			Help:      "Finalized bundles by verdict.",
		}, []string{"verdict"}),
		bundleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bundle_duration_seconds",
			Help:      "Time from submission to verdict.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"verdict"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_messages_delivered_total",
			Help:      "Channel messages accepted by subscribers.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_messages_dropped_total",
			Help:      "Channel messages dropped for closed or saturated subscribers.",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inFlight,
		m.activeBundles,
		m.peers,
		m.attempts,
		m.verdicts,
		m.bundleDuration,
		m.delivered,
		m.dropped,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SetInFlight(n int) {
	m.inFlight.Set(float64(n))
}

func (m *Metrics) SetActiveBundles(n int) {
	m.activeBundles.Set(float64(n))
}

func (m *Metrics) ObserveAttempt(service string, state domain.AttemptState) {
	m.attempts.WithLabelValues(service, string(state)).Inc()
}

func (m *Metrics) ObserveVerdict(state domain.BundleState, elapsed time.Duration) {
	m.verdicts.WithLabelValues(string(state)).Inc()
	m.bundleDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDelivery(eventType string, delivered, dropped int) {
	if delivered > 0 {
		m.delivered.WithLabelValues(eventType).Add(float64(delivered))
	}
	if dropped > 0 {
		m.dropped.WithLabelValues(eventType).Add(float64(dropped))
	}
}

// PeerConnected and PeerDisconnected track live channel peers
func (m *Metrics) PeerConnected() {
	m.peers.Inc()
}

func (m *Metrics) PeerDisconnected() {
	m.peers.Dec()
}
