// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for cifix
type Metrics struct {
	registry *prometheus.Registry

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec

	// Analysis metrics
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	AnalysesInFlight prometheus.Gauge
	DispatchCoalesce prometheus.Counter

	// Lifecycle metrics
	FixTransitions *prometheus.CounterVec
	ApplyAttempts  *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics set registered on its own registry, together with
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WebhookDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cifix_webhook_deliveries_total",
				Help: "Webhook deliveries by event kind and outcome",
			},
			[]string{"event", "outcome"},
		),

		AnalysesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cifix_analyses_total",
				Help: "Completed analyses by result",
			},
			[]string{"result"}, // result: success, failure, panic, stale
		),
		AnalysisDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cifix_analysis_duration_seconds",
				Help:    "Analysis duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to 256s
			},
		),
		AnalysesInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "cifix_analyses_in_flight",
				Help: "Analyses currently running",
			},
		),
		DispatchCoalesce: f.NewCounter(
			prometheus.CounterOpts{
				Name: "cifix_dispatch_coalesced_total",
				Help: "Dispatches that joined an analysis already in flight for the same run",
			},
		),

		FixTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cifix_fix_transitions_total",
				Help: "Fix status transitions",
			},
			[]string{"from_status", "to_status"},
		),
		ApplyAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cifix_apply_attempts_total",
				Help: "Calls to the repository mutator by result",
			},
			[]string{"result"},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cifix_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cifix_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAnalysis records one finished analysis.
func (m *Metrics) ObserveAnalysis(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues(result).Inc()
	m.AnalysisDuration.Observe(elapsed.Seconds())
}

// ObserveTransition records one fix status transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.FixTransitions.WithLabelValues(from, to).Inc()
}

// ObserveApply records one mutator call.
func (m *Metrics) ObserveApply(result string) {
	if m == nil {
		return
	}
	m.ApplyAttempts.WithLabelValues(result).Inc()
}

// ObserveWebhook records one webhook delivery.
func (m *Metrics) ObserveWebhook(event, outcome string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(event, outcome).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
