package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// Step durations are wall-clock minutes; steps routinely take hours.
	stepDurationBuckets = []float64{1, 5, 15, 30, 60, 240, 480, 1440, 4320}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// Execution metrics
	ExecutionStartsTotal      *prometheus.CounterVec
	ExecutionCompletionsTotal *prometheus.CounterVec
	StepCompletionsTotal      *prometheus.CounterVec
	CompletionRetriesTotal    prometheus.Counter
	StepDurationMinutes       prometheus.Histogram

	// Analytics worker metrics
	AnalyticsRefreshTotal    *prometheus.CounterVec
	AnalyticsQueueDropsTotal prometheus.Counter

	// Discovery metrics
	DiscoveryAppendFailuresTotal prometheus.Counter

	// HTTP metrics for the observability endpoints
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procyon_execution_starts_total",
			Help: "Total number of procedure executions started.",
		}, []string{"template_id"}),
		ExecutionCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procyon_execution_completions_total",
			Help: "Total number of procedure executions completed.",
		}, []string{"template_id", "outcome"}),
		StepCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procyon_step_completions_total",
			Help: "Total number of step completion attempts by result code.",
		}, []string{"status"}),
		CompletionRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procyon_completion_retries_total",
			Help: "Total number of completion retries after version conflicts.",
		}),
		StepDurationMinutes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procyon_step_duration_minutes",
			Help:    "Step execution duration in minutes.",
			Buckets: stepDurationBuckets,
		}),
		AnalyticsRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procyon_analytics_refresh_total",
			Help: "Total number of step analytics refreshes by result.",
		}, []string{"status"}),
		AnalyticsQueueDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procyon_analytics_queue_drops_total",
			Help: "Total number of analytics notifications dropped on a full queue.",
		}),
		DiscoveryAppendFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procyon_discovery_append_failures_total",
			Help: "Total number of discovery event append failures.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procyon_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procyon_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
	}

	reg.MustRegister(
		m.ExecutionStartsTotal,
		m.ExecutionCompletionsTotal,
		m.StepCompletionsTotal,
		m.CompletionRetriesTotal,
		m.StepDurationMinutes,
		m.AnalyticsRefreshTotal,
		m.AnalyticsQueueDropsTotal,
		m.DiscoveryAppendFailuresTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// --- Recording helpers ---

// RecordExecutionStart records an execution start.
func (m *Metrics) RecordExecutionStart(templateID string) {
	m.ExecutionStartsTotal.WithLabelValues(templateID).Inc()
}

// RecordExecutionCompletion records an execution reaching a terminal status.
func (m *Metrics) RecordExecutionCompletion(templateID, outcome string) {
	m.ExecutionCompletionsTotal.WithLabelValues(templateID, outcome).Inc()
}

// RecordStepCompletion records a step completion attempt by result code.
func (m *Metrics) RecordStepCompletion(status string) {
	m.StepCompletionsTotal.WithLabelValues(status).Inc()
}

// RecordCompletionRetry records a retry after a version conflict.
func (m *Metrics) RecordCompletionRetry() {
	m.CompletionRetriesTotal.Inc()
}

// ObserveStepDuration records how long a step took from activation to
// completion.
func (m *Metrics) ObserveStepDuration(minutes float64) {
	m.StepDurationMinutes.Observe(minutes)
}

// RecordAnalyticsRefresh records an analytics refresh outcome.
func (m *Metrics) RecordAnalyticsRefresh(status string) {
	m.AnalyticsRefreshTotal.WithLabelValues(status).Inc()
}

// RecordAnalyticsDrop records a dropped analytics notification.
func (m *Metrics) RecordAnalyticsDrop() {
	m.AnalyticsQueueDropsTotal.Inc()
}

// RecordDiscoveryAppendFailure records a discovery append failure.
func (m *Metrics) RecordDiscoveryAppendFailure() {
	m.DiscoveryAppendFailuresTotal.Inc()
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics
// using chi's route pattern (not the actual URL path) to avoid label
// cardinality explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
