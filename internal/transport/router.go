package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/definition"
	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Registry   *definition.Registry
	Engine     *workflow.Engine
	Dispatcher *workflow.Dispatcher

	Readiness      observability.ReadinessChecks
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Logger         *zap.Logger

	HandlerTimeout time.Duration
	// RetentionDays is used by cleanup requests that do not name one.
	RetentionDays int
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics endpoints skip request
// logging and the handler timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(CorrelationID)
	r.Use(Recovery(logger))
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(RequestLogging(logger))
		r.Use(HandlerTimeout(deps.HandlerTimeout))

		r.Get("/workflows", handleWorkflowList(deps.Registry))
		r.Post("/workflows", handleWorkflowCreate(deps.Registry))
		r.Get("/workflows/{id}", handleWorkflowGet(deps.Registry))
		r.Put("/workflows/{id}", handleWorkflowUpdate(deps.Registry))
		r.Delete("/workflows/{id}", handleWorkflowDelete(deps.Registry))
		r.Post("/workflows/{id}/execute", handleWorkflowExecute(deps.Dispatcher))

		r.Get("/executions", handleExecutionList(deps.Engine))
		r.Post("/executions/cleanup", handleCleanup(deps.Engine, deps.RetentionDays))
		r.Get("/executions/{id}", handleExecutionGet(deps.Engine))
		r.Get("/executions/{id}/logs", handleExecutionLogs(deps.Engine))
		r.Post("/executions/{id}/cancel", handleExecutionCancel(deps.Engine))

		r.Get("/statistics", handleStatistics(deps.Engine))
	})

	return r
}
