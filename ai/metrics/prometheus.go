// Package metrics provides Prometheus metrics export for chat generation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter exports generation metrics in Prometheus format.
type PrometheusExporter struct {
	registry *prometheus.Registry

	generationLatency *prometheus.HistogramVec
	generations       *prometheus.CounterVec
	generationsActive prometheus.Gauge

	chunks *prometheus.CounterVec
	tokens *prometheus.CounterVec

	generationErrors *prometheus.CounterVec
	cancellations    *prometheus.CounterVec
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}
}

// NewPrometheusExporter creates a new Prometheus metrics exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{registry: registry}

	e.generationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "duet",
			Subsystem: "chat",
			Name:      "generation_latency_seconds",
			Help:      "End-to-end generation latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"model", "mode"},
	)

	e.generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duet",
			Subsystem: "chat",
			Name:      "generations_total",
			Help:      "Total number of generations",
		},
		[]string{"model", "mode", "status"},
	)

	e.generationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "duet",
			Subsystem: "chat",
			Name:      "generations_active",
			Help:      "Number of generations currently streaming",
		},
	)

	e.chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duet",
			Subsystem: "chat",
			Name:      "chunks_total",
			Help:      "Total number of streamed content chunks",
		},
		[]string{"model"},
	)

	e.tokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duet",
			Subsystem: "chat",
			Name:      "tokens_total",
			Help:      "Total tokens consumed by the LLM backend",
		},
		[]string{"model", "token_type"},
	)

	e.generationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duet",
			Subsystem: "chat",
			Name:      "generation_errors_total",
			Help:      "Total number of failed generations",
		},
		[]string{"model", "error_type"},
	)

	e.cancellations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duet",
			Subsystem: "chat",
			Name:      "cancellations_total",
			Help:      "Total number of user-cancelled generations",
		},
		[]string{"model"},
	)

	registry.MustRegister(
		e.generationLatency,
		e.generations,
		e.generationsActive,
		e.chunks,
		e.tokens,
		e.generationErrors,
		e.cancellations,
	)

	return e
}

// RecordGeneration records a completed generation.
func (e *PrometheusExporter) RecordGeneration(model, mode string, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}

	e.generations.WithLabelValues(model, mode, status).Inc()
	e.generationLatency.WithLabelValues(model, mode).Observe(latency.Seconds())
}

// RecordChunk records one streamed content chunk.
func (e *PrometheusExporter) RecordChunk(model string) {
	e.chunks.WithLabelValues(model).Inc()
}

// RecordTokens records token usage reported by the backend.
func (e *PrometheusExporter) RecordTokens(model, tokenType string, count int) {
	e.tokens.WithLabelValues(model, tokenType).Add(float64(count))
}

// RecordError records a failed generation by error class.
func (e *PrometheusExporter) RecordError(model, errorType string) {
	e.generationErrors.WithLabelValues(model, errorType).Inc()
}

// RecordCancellation records a user-initiated cancellation.
func (e *PrometheusExporter) RecordCancellation(model string) {
	e.cancellations.WithLabelValues(model).Inc()
}

// GenerationStarted increments the active generation gauge.
func (e *PrometheusExporter) GenerationStarted() {
	e.generationsActive.Inc()
}

// GenerationFinished decrements the active generation gauge.
func (e *PrometheusExporter) GenerationFinished() {
	e.generationsActive.Dec()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// GetRegistry returns the Prometheus registry.
func (e *PrometheusExporter) GetRegistry() *prometheus.Registry {
	return e.registry
}
