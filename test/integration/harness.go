// Package integration provides a reusable test harness for end-to-end
// testing of the stagehand API. It starts a full HTTP server backed by the
// real step executors, in-memory stores and temporary plugin directories.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/stagehand/internal/definition"
	"github.com/pitabwire/stagehand/internal/notify"
	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/internal/plugin"
	"github.com/pitabwire/stagehand/internal/steps"
	"github.com/pitabwire/stagehand/internal/transport"
	"github.com/pitabwire/stagehand/internal/workflow"
	"github.com/pitabwire/stagehand/model"
)

// TestHarness encapsulates a fully wired stagehand instance for
// integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Registry   *definition.Registry
	Store      *workflow.MemoryExecutionStore
	Engine     *workflow.Engine
	Dispatcher *workflow.Dispatcher
	History    *plugin.DirectoryHistory

	// Notifications captures what the log notifier delivered.
	Notifications *observer.ObservedLogs

	PluginsDir string
	DeployRoot string
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	maxConcurrent      int
	idempotencyEnabled bool
	handlerTimeout     time.Duration
	overrides          map[model.StepKind]steps.Executor
}

// WithMaxConcurrent bounds how many executions the dispatcher runs at once.
func WithMaxConcurrent(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.maxConcurrent = n
	}
}

// WithIdempotency enables idempotency keys with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyEnabled = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithStep replaces the built-in executor for kind.
func WithStep(kind model.StepKind, exec steps.Executor) HarnessOption {
	return func(c *harnessConfig) {
		if c.overrides == nil {
			c.overrides = make(map[model.StepKind]steps.Executor)
		}
		c.overrides[kind] = exec
	}
}

// NewTestHarness creates and starts a full stagehand test instance. The
// server and dispatcher are shut down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		maxConcurrent:  4,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	root := t.TempDir()
	h := &TestHarness{
		t:          t,
		PluginsDir: filepath.Join(root, "plugins"),
		DeployRoot: filepath.Join(root, "deployed"),
		History:    plugin.NewDirectoryHistory(filepath.Join(root, "history")),
	}

	h.Registry = definition.NewRegistry(
		definition.WithPersistence(definition.NewFileStore(filepath.Join(root, "workflows.yaml"))),
	)
	h.Store = workflow.NewMemoryExecutionStore()

	stepSet := steps.NewSet(steps.Config{
		ManifestFile:     plugin.DefaultManifestFile,
		ArtifactDir:      filepath.Join(root, "artifacts"),
		DeployRoot:       h.DeployRoot,
		TestInterpreter:  []string{"sh"},
		TestTimeout:      30 * time.Second,
		MonitorFreshness: time.Minute,
	}, h.History)
	applyOverrides(stepSet, hc.overrides)

	core, logs := observer.New(zap.InfoLevel)
	h.Notifications = logs.FilterMessage("execution notification")
	notifier := notify.NewBreaker(notify.NewLogNotifier(zap.New(core)), 3, 1, time.Minute)

	h.Engine = workflow.NewEngine(
		h.Registry,
		h.Store,
		stepSet,
		plugin.NewDirectoryResolver(h.PluginsDir, plugin.DefaultManifestFile),
		workflow.WithNotifier(notifier),
		workflow.WithRollbackTimeout(30*time.Second),
	)

	var dispatcherOpts []workflow.DispatcherOption
	if hc.idempotencyEnabled {
		dispatcherOpts = append(dispatcherOpts, workflow.WithIdempotency(workflow.NewMemoryIdempotencyStore(), time.Hour))
	}
	h.Dispatcher = workflow.NewDispatcher(h.Engine, hc.maxConcurrent, dispatcherOpts...)

	router := transport.NewRouter(transport.Dependencies{
		Registry:   h.Registry,
		Engine:     h.Engine,
		Dispatcher: h.Dispatcher,
		Readiness: observability.ReadinessChecks{
			WorkflowsLoaded: func() bool { return len(h.Registry.List()) > 0 },
			ExecutionStore:  h.Store,
			Notifier:        notifier,
		},
		HandlerTimeout: hc.handlerTimeout,
		RetentionDays:  30,
	})
	h.server = httptest.NewServer(router)

	t.Cleanup(func() {
		h.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Dispatcher.Shutdown(ctx)
	})

	return h
}

func applyOverrides(set *steps.Set, overrides map[model.StepKind]steps.Executor) {
	for kind, exec := range overrides {
		switch kind {
		case model.StepValidation:
			set.Validation = exec
		case model.StepBuild:
			set.Build = exec
		case model.StepTest:
			set.Test = exec
		case model.StepSecurityScan:
			set.SecurityScan = exec
		case model.StepDeploy:
			set.Deploy = exec
		case model.StepMonitor:
			set.Monitor = exec
		case model.StepRollback:
			set.Rollback = exec
		}
	}
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- Plugin helpers ---

// ValidManifest is a manifest carrying every required field.
const ValidManifest = `name: demo
version: 1.0.0
description: demo plugin
author: ops
`

// WritePlugin writes files into the plugin's source directory, creating it
// when needed. Paths use forward slashes.
func (h *TestHarness) WritePlugin(pluginID string, files map[string]string) {
	h.t.Helper()
	for name, content := range files {
		path := filepath.Join(h.PluginsDir, pluginID, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			h.t.Fatalf("create plugin dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			h.t.Fatalf("write plugin file: %v", err)
		}
	}
}

// DeployedFile reads a file from the plugin's deployed tree. The bool is
// false when the file does not exist.
func (h *TestHarness) DeployedFile(pluginID, name string) (string, bool) {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.DeployRoot, pluginID, filepath.FromSlash(name)))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// --- Execution helpers ---

// Execute starts workflowID against pluginID and returns the execution id.
func (h *TestHarness) Execute(workflowID, pluginID string, params map[string]string) string {
	h.t.Helper()
	resp := h.POST("/workflows/"+workflowID+"/execute", map[string]any{
		"plugin_id": pluginID,
		"params":    params,
	})
	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	h.AssertJSON(h.t, resp, http.StatusAccepted, &out)
	if out.ExecutionID == "" {
		h.t.Fatal("execute returned no execution_id")
	}
	return out.ExecutionID
}

// GetExecution fetches an execution through the API.
func (h *TestHarness) GetExecution(id string) model.WorkflowExecution {
	h.t.Helper()
	var exec model.WorkflowExecution
	h.AssertJSON(h.t, h.GET("/executions/"+id), http.StatusOK, &exec)
	return exec
}

// WaitForStatus polls the execution until it reaches want or timeout
// elapses.
func (h *TestHarness) WaitForStatus(id string, want model.ExecutionStatus, timeout time.Duration) model.WorkflowExecution {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	var exec model.WorkflowExecution
	for time.Now().Before(deadline) {
		exec = h.GetExecution(id)
		if exec.Status == want {
			return exec
		}
		if exec.Status.IsTerminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	h.t.Fatalf("execution %s status = %s, want %s (error %q)", id, exec.Status, want, exec.ErrorMessage)
	return exec
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, headers)
}

// PUT performs a PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, nil)
}

// DELETE performs a DELETE request.
func (h *TestHarness) DELETE(path string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode extracts the error envelope code from a failed response.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}
