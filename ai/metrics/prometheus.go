// Package metrics provides Prometheus metrics export for the router.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/divinesense-router/ai/agents/orchestrator"
	"github.com/hrygo/divinesense-router/ai/core/llm"
	"github.com/hrygo/divinesense-router/ai/feedback"
	"github.com/hrygo/divinesense-router/ai/routing"
)

const (
	namespace = "divinesense"
	subsystem = "router"
)

// PrometheusExporter exports routing, orchestration and feedback metrics.
// It owns its registry so tests and multiple servers never collide.
type PrometheusExporter struct {
	registry *prometheus.Registry

	// Routing
	routeRequests   *prometheus.CounterVec
	routeLatency    *prometheus.HistogramVec
	classifications *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec

	// Handlers and experts
	handlerCalls   *prometheus.CounterVec
	handlerLatency *prometheus.HistogramVec

	// Orchestration
	orchestrations *prometheus.CounterVec
	tasks          *prometheus.CounterVec
	taskLatency    *prometheus.HistogramVec

	// LLM
	llmLatency *prometheus.HistogramVec
	llmTokens  *prometheus.CounterVec

	// Feedback
	feedbackRecords *prometheus.CounterVec
	feedbackDropped prometheus.Counter
	feedbackErrors  *prometheus.CounterVec

	sessionsActive prometheus.Gauge
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
		LatencyBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
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

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: cfg.LatencyBuckets,
		}, labels)
	}

	e := &PrometheusExporter{
		registry: registry,

		routeRequests:   counter("requests_total", "Total number of routed utterances", "path", "status"),
		routeLatency:    histogram("request_latency_seconds", "End-to-end routing latency in seconds", "path"),
		classifications: counter("classifications_total", "Pattern classifications by tier and outcome", "tier", "outcome"),
		cacheHits:       counter("cache_hits_total", "Total number of cache hits", "cache_type"),
		cacheMisses:     counter("cache_misses_total", "Total number of cache misses", "cache_type"),

		handlerCalls:   counter("handler_calls_total", "Intent handler invocations", "domain", "status"),
		handlerLatency: histogram("handler_latency_seconds", "Intent handler latency in seconds", "domain"),

		orchestrations: counter("orchestrations_total", "Orchestrated requests by final state", "state"),
		tasks:          counter("tasks_total", "Orchestrated tasks by final status", "domain", "status"),
		taskLatency:    histogram("task_latency_seconds", "Orchestrated task latency in seconds", "domain"),

		llmLatency: histogram("llm_latency_seconds", "LLM request latency in seconds", "model", "operation"),
		llmTokens:  counter("llm_tokens_total", "Total LLM tokens consumed", "model"),

		feedbackRecords: counter("feedback_records_total", "Feedback records written", "kind", "outcome"),
		feedbackDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "feedback_dropped_total", Help: "Feedback records dropped because the queue was full",
		}),
		feedbackErrors: counter("feedback_sink_errors_total", "Feedback sink write failures", "sink"),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_active", Help: "Number of live conversation sessions",
		}),
	}

	registry.MustRegister(
		e.routeRequests,
		e.routeLatency,
		e.classifications,
		e.cacheHits,
		e.cacheMisses,
		e.handlerCalls,
		e.handlerLatency,
		e.orchestrations,
		e.tasks,
		e.taskLatency,
		e.llmLatency,
		e.llmTokens,
		e.feedbackRecords,
		e.feedbackDropped,
		e.feedbackErrors,
		e.sessionsActive,
	)

	return e
}

// RecordRoute records one routed utterance.
func (e *PrometheusExporter) RecordRoute(path, status string, latency time.Duration) {
	e.routeRequests.WithLabelValues(path, status).Inc()
	e.routeLatency.WithLabelValues(path).Observe(latency.Seconds())
}

// RecordClassification records a classifier outcome: accepted, inconclusive or no_match.
func (e *PrometheusExporter) RecordClassification(tier int, outcome string) {
	e.classifications.WithLabelValues(strconv.Itoa(tier), outcome).Inc()
}

// RecordCacheHit records a cache hit.
func (e *PrometheusExporter) RecordCacheHit(cacheType string) {
	e.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (e *PrometheusExporter) RecordCacheMiss(cacheType string) {
	e.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordHandler records an intent handler invocation.
func (e *PrometheusExporter) RecordHandler(domain string, latency time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	e.handlerCalls.WithLabelValues(domain, status).Inc()
	e.handlerLatency.WithLabelValues(domain).Observe(latency.Seconds())
}

// RecordLLM records an LLM request.
func (e *PrometheusExporter) RecordLLM(model, operation string, latency time.Duration, tokens int) {
	e.llmLatency.WithLabelValues(model, operation).Observe(latency.Seconds())
	if tokens > 0 {
		e.llmTokens.WithLabelValues(model).Add(float64(tokens))
	}
}

// RecordFeedback records a feedback record accepted by the sinks.
func (e *PrometheusExporter) RecordFeedback(kind, outcome string) {
	e.feedbackRecords.WithLabelValues(kind, outcome).Inc()
}

// RecordFeedbackDropped records a feedback record lost to a full queue.
func (e *PrometheusExporter) RecordFeedbackDropped() {
	e.feedbackDropped.Inc()
}

// RecordFeedbackError records a sink write failure.
func (e *PrometheusExporter) RecordFeedbackError(sink string) {
	e.feedbackErrors.WithLabelValues(sink).Inc()
}

// SetActiveSessions sets the number of live sessions.
func (e *PrometheusExporter) SetActiveSessions(count int) {
	e.sessionsActive.Set(float64(count))
}

// OnEvent records terminal orchestration states and task outcomes.
func (e *PrometheusExporter) OnEvent(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventState:
		switch ev.State {
		case orchestrator.StateCompleted, orchestrator.StatePartiallyCompleted, orchestrator.StateFailed:
			e.orchestrations.WithLabelValues(string(ev.State)).Inc()
		}
	case orchestrator.EventTask:
		if !ev.Status.IsTerminal() {
			return
		}
		e.tasks.WithLabelValues(ev.Domain, string(ev.Status)).Inc()
		if ev.Elapsed > 0 {
			e.taskLatency.WithLabelValues(ev.Domain).Observe(ev.Elapsed.Seconds())
		}
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.Handler().ServeHTTP(w, r)
}

// GetRegistry returns the Prometheus registry.
func (e *PrometheusExporter) GetRegistry() *prometheus.Registry {
	return e.registry
}

var (
	_ routing.CacheMetrics     = (*PrometheusExporter)(nil)
	_ routing.HandlerMetrics   = (*PrometheusExporter)(nil)
	_ llm.Metrics              = (*PrometheusExporter)(nil)
	_ feedback.Metrics         = (*PrometheusExporter)(nil)
	_ feedback.FeedbackMetrics = (*PrometheusExporter)(nil)
	_ orchestrator.Observer    = (*PrometheusExporter)(nil)
)
