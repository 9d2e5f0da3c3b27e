// Package metrics exports scanning metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andresmejia3/rollcall/internal/types"
)

const namespace = "rollcall"

// Exporter owns a private registry so tests and multiple exporters never collide on the
// global one.
type Exporter struct {
	registry *prometheus.Registry

	frames        *prometheus.CounterVec
	frameLatency  prometheus.Histogram
	modelErrors   *prometheus.CounterVec
	registered    prometheus.Gauge
	sessionActive prometheus.Gauge
}

// New creates an exporter with its collectors registered.
func New() *Exporter {
	e := &Exporter{registry: prometheus.NewRegistry()}

	e.frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "frames_total",
			Help:      "Processed frames by outcome status",
		},
		[]string{"status"},
	)

	e.frameLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "frame_duration_seconds",
			Help:      "Time spent processing one frame",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	e.modelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "errors_total",
			Help:      "Detector and embedder failures, including timeouts",
		},
		[]string{"stage"},
	)

	e.registered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "registered_identities",
			Help:      "Identities loaded into the active session",
		},
	)

	e.sessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while a scanning session is running",
		},
	)

	e.registry.MustRegister(e.frames, e.frameLatency, e.modelErrors, e.registered, e.sessionActive)
	return e
}

// ObserveFrame records one processed frame.
func (e *Exporter) ObserveFrame(status types.Status, elapsed time.Duration) {
	e.frames.WithLabelValues(string(status)).Inc()
	e.frameLatency.Observe(elapsed.Seconds())
}

// ObserveModelError counts a failed detector or embedder call.
func (e *Exporter) ObserveModelError(stage string) {
	e.modelErrors.WithLabelValues(stage).Inc()
}

// SessionStarted sets the session gauges.
func (e *Exporter) SessionStarted(registered int) {
	e.sessionActive.Set(1)
	e.registered.Set(float64(registered))
}

// SessionStopped clears the session gauges.
func (e *Exporter) SessionStopped() {
	e.sessionActive.Set(0)
	e.registered.Set(0)
}

// Handler serves the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
