package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/stagehand/internal/config"
)

// setupTestTracer installs an always-sampling provider that records into
// an in-memory exporter.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTracing_disabled(t *testing.T) {
	cfg := config.TracingConfig{Enabled: false}
	shutdown, err := InitTracing(context.Background(), cfg, "test-svc", "1.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	// Shutdown should be a no-op.
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_stdout(t *testing.T) {
	cfg := config.TracingConfig{
		Enabled:      true,
		Exporter:     "stdout",
		SamplingRate: 1.0,
	}
	shutdown, err := InitTracing(context.Background(), cfg, "test-svc", "1.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	cfg := config.TracingConfig{
		Enabled:  true,
		Exporter: "zipkin",
	}
	_, err := InitTracing(context.Background(), cfg, "test-svc", "1.0.0")
	if err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestStartExecutionSpan_carriesIdentity(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartExecutionSpan(context.Background(), "exec-1", "standard", "hello")
	if trace.SpanFromContext(ctx) != span {
		t.Error("context should carry the execution span")
	}
	EndSpan(span, "success", nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "execution.run" {
		t.Errorf("span name = %q, want execution.run", spans[0].Name)
	}
	attrs := spanAttrMap(spans[0])
	want := map[string]string{
		"stagehand.execution_id": "exec-1",
		"stagehand.workflow_id":  "standard",
		"stagehand.plugin_id":    "hello",
		"stagehand.status":       "success",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestStartStepSpan_nestsUnderExecution(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, root := StartExecutionSpan(context.Background(), "exec-1", "standard", "hello")
	for _, step := range []string{"validation", "build", "test", "deploy"} {
		_, span := StartStepSpan(ctx, step)
		EndSpan(span, "success", nil)
	}
	_, rb := StartStepSpan(ctx, "rollback")
	EndSpan(rb, "skipped", nil)
	EndSpan(root, "failed", nil)

	spans := exporter.GetSpans()
	if len(spans) != 6 {
		t.Fatalf("expected 6 spans, got %d", len(spans))
	}
	rootStub := spans[len(spans)-1]
	for _, s := range spans[:len(spans)-1] {
		if s.Parent.SpanID() != rootStub.SpanContext.SpanID() {
			t.Errorf("span %q is not a child of execution.run", s.Name)
		}
		attrs := spanAttrMap(s)
		if "step."+attrs["stagehand.step"] != s.Name {
			t.Errorf("span %q has step attribute %q", s.Name, attrs["stagehand.step"])
		}
	}
	if got := spanAttrMap(spans[4])["stagehand.status"]; got != "skipped" {
		t.Errorf("rollback status = %q, want skipped", got)
	}
}

func TestEndSpan(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		err      error
		wantCode codes.Code
		wantAttr bool
	}{
		{"success", "success", nil, codes.Unset, true},
		{"failed step", "failed", errors.New("deploy failed: disk full"), codes.Error, true},
		{"no status", "", errors.New("redis down"), codes.Error, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := setupTestTracer(t)

			_, span := StartStepSpan(context.Background(), "deploy")
			EndSpan(span, tt.status, tt.err)

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			s := spans[0]
			if s.Status.Code != tt.wantCode {
				t.Errorf("status code = %v, want %v", s.Status.Code, tt.wantCode)
			}
			if tt.err != nil && len(s.Events) == 0 {
				t.Error("error not recorded as an event")
			}
			_, has := spanAttrMap(s)["stagehand.status"]
			if has != tt.wantAttr {
				t.Errorf("status attribute present = %v, want %v", has, tt.wantAttr)
			}
		})
	}
}

func TestStartPublishSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartPublishSpan(context.Background(), "ops")
	EndSpan(span, "", nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "notify.publish" || spans[0].SpanKind != trace.SpanKindProducer {
		t.Errorf("span = %q kind %v", spans[0].Name, spans[0].SpanKind)
	}
	if got := spanAttrMap(spans[0])["stagehand.channel"]; got != "ops" {
		t.Errorf("stagehand.channel = %q, want ops", got)
	}
}

func TestTraceIDFromContext(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext without span = %q, want empty", got)
	}

	setupTestTracer(t)
	ctx, span := StartExecutionSpan(context.Background(), "exec-1", "standard", "hello")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext = %q, want %q", got, span.SpanContext().TraceID().String())
	}
}

func TestTracingMiddleware_createsRootSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/executions/exec-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	s := spans[0]
	if s.Name != "GET /executions/exec-1" {
		t.Errorf("span name = %q, want %q", s.Name, "GET /executions/exec-1")
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want Server", s.SpanKind)
	}

	attrMap := spanAttrMap(s)
	if v, ok := attrMap["http.request.method"]; !ok || v != "GET" {
		t.Errorf("http.request.method = %q, want GET", v)
	}
	if v, ok := attrMap["url.path"]; !ok || v != "/executions/exec-1" {
		t.Errorf("url.path = %q, want /executions/exec-1", v)
	}
}

func TestTracingMiddleware_500_setsErrorStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodPost, "/workflows/standard/execute", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status code = %v, want Error for 500 response", spans[0].Status.Code)
	}
}

func TestTracingMiddleware_capturesStatusCode(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/executions/cleanup", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrMap := spanAttrMap(spans[0])
	if v, ok := attrMap["http.response.status_code"]; !ok || v != "201" {
		t.Errorf("http.response.status_code = %q, want 201", v)
	}
}

func TestTracingMiddleware_extractsTraceparent(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The span in context should have the parent trace ID from the header.
		w.WriteHeader(http.StatusOK)
	}))

	// Valid W3C traceparent header.
	traceID := "0af7651916cd43dd8448eb211c80319c"
	parentSpanID := "b7ad6b7169203331"
	traceparent := "00-" + traceID + "-" + parentSpanID + "-01"

	req := httptest.NewRequest(http.MethodGet, "/workflows", nil)
	req.Header.Set("Traceparent", traceparent)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	// The span should have the extracted trace ID from the parent.
	if spans[0].SpanContext.TraceID().String() != traceID {
		t.Errorf("trace ID = %q, want %q", spans[0].SpanContext.TraceID().String(), traceID)
	}
	if spans[0].Parent.SpanID().String() != parentSpanID {
		t.Errorf("parent span ID = %q, want %q", spans[0].Parent.SpanID().String(), parentSpanID)
	}
}

func TestTracingMiddleware_injectsResponseHeaders(t *testing.T) {
	setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/statistics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// The response should have a traceparent header injected.
	tp := rec.Header().Get("Traceparent")
	if tp == "" {
		t.Error("response should have Traceparent header")
	}
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/executions/exec-42", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /executions/{id}" {
		t.Errorf("span name = %q, want route pattern", spans[0].Name)
	}
	if got := spanAttrMap(spans[0])["http.route"]; got != "/executions/{id}" {
		t.Errorf("http.route = %q", got)
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "TraceIDRatioBased{0.1}"},
		{0.5, "TraceIDRatioBased{0.5}"},
		{1, "root:AlwaysOnSampler"},
		{2, "root:AlwaysOnSampler"},
	}
	for _, tt := range tests {
		desc := newSampler(config.TracingConfig{SamplingRate: tt.rate}).Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, tt.want) {
			t.Errorf("newSampler(%v) = %q, want ParentBased with %q", tt.rate, desc, tt.want)
		}
	}
}

// --- helpers ---

// spanAttrMap converts a span's attributes to a map[string]string for easier assertion.
func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
