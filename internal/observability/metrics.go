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
	stepDurationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. All
// recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Execution metrics
	ExecutionsStartedTotal   *prometheus.CounterVec
	ExecutionsCompletedTotal *prometheus.CounterVec
	ExecutionsActive         prometheus.Gauge
	StepDuration             *prometheus.HistogramVec
	RollbacksTotal           *prometheus.CounterVec

	// Dispatcher metrics
	DispatcherQueued prometheus.Gauge

	// Supporting components
	NotificationsTotal      *prometheus.CounterVec
	NotifierBreakerState    prometheus.Gauge
	CleanupRemovedTotal     prometheus.Counter
	DefinitionReloadTotal   *prometheus.CounterVec
	WorkflowsRegistered     prometheus.Gauge
	IdempotencyReplaysTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagehand_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagehand_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagehand_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Executions
		ExecutionsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_executions_started_total",
			Help: "Total number of workflow executions created.",
		}, []string{"workflow_id"}),
		ExecutionsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_executions_completed_total",
			Help: "Total number of workflow executions that reached a terminal status.",
		}, []string{"workflow_id", "status"}),
		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagehand_executions_active",
			Help: "Number of executions currently running steps.",
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagehand_step_duration_seconds",
			Help:    "Step executor duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"step", "outcome"}),
		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_rollbacks_total",
			Help: "Total number of automatic rollbacks.",
		}, []string{"outcome"}),

		// Dispatcher
		DispatcherQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagehand_dispatcher_queued",
			Help: "Number of executions waiting for a worker slot.",
		}),

		// Supporting components
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_notifications_total",
			Help: "Total number of notification deliveries.",
		}, []string{"outcome"}),
		NotifierBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagehand_notifier_circuit_breaker_state",
			Help: "Notifier circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		CleanupRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_cleanup_removed_total",
			Help: "Total number of executions removed by retention cleanup.",
		}),
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_definition_reload_total",
			Help: "Total number of workflow definition reloads.",
		}, []string{"status"}),
		WorkflowsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagehand_workflows_registered",
			Help: "Number of workflows in the registry.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_idempotency_replays_total",
			Help: "Total number of execute requests answered from the idempotency store.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.ExecutionsStartedTotal,
		m.ExecutionsCompletedTotal,
		m.ExecutionsActive,
		m.StepDuration,
		m.RollbacksTotal,
		m.DispatcherQueued,
		m.NotificationsTotal,
		m.NotifierBreakerState,
		m.CleanupRemovedTotal,
		m.DefinitionReloadTotal,
		m.WorkflowsRegistered,
		m.IdempotencyReplaysTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordExecutionStarted records a newly created execution.
func (m *Metrics) RecordExecutionStarted(workflowID string) {
	if m == nil {
		return
	}
	m.ExecutionsStartedTotal.WithLabelValues(workflowID).Inc()
}

// RecordExecutionRunning moves the active gauge when a runner picks up or
// releases an execution.
func (m *Metrics) RecordExecutionRunning(delta float64) {
	if m == nil {
		return
	}
	m.ExecutionsActive.Add(delta)
}

// RecordExecutionCompleted records a terminal transition.
func (m *Metrics) RecordExecutionCompleted(workflowID, status string) {
	if m == nil {
		return
	}
	m.ExecutionsCompletedTotal.WithLabelValues(workflowID, status).Inc()
}

// RecordStepDuration records how long a step executor ran.
func (m *Metrics) RecordStepDuration(step, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step, outcome).Observe(duration.Seconds())
}

// RecordRollback records an automatic rollback attempt.
func (m *Metrics) RecordRollback(outcome string) {
	if m == nil {
		return
	}
	m.RollbacksTotal.WithLabelValues(outcome).Inc()
}

// AddDispatcherQueued moves the queued gauge.
func (m *Metrics) AddDispatcherQueued(delta float64) {
	if m == nil {
		return
	}
	m.DispatcherQueued.Add(delta)
}

// RecordNotification records a notification delivery outcome.
func (m *Metrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(outcome).Inc()
}

// SetNotifierBreakerState sets the notifier circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifierBreakerState(state float64) {
	if m == nil {
		return
	}
	m.NotifierBreakerState.Set(state)
}

// RecordCleanup records executions removed by retention cleanup.
func (m *Metrics) RecordCleanup(removed int) {
	if m == nil {
		return
	}
	m.CleanupRemovedTotal.Add(float64(removed))
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetWorkflowsRegistered sets the number of registered workflows.
func (m *Metrics) SetWorkflowsRegistered(count int) {
	if m == nil {
		return
	}
	m.WorkflowsRegistered.Set(float64(count))
}

// RecordIdempotencyReplay records an execute request served from the
// idempotency store.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
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

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
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
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
