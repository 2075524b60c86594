package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/stagehand/internal/definition"
	"github.com/pitabwire/stagehand/internal/plugin"
	"github.com/pitabwire/stagehand/internal/steps"
	"github.com/pitabwire/stagehand/model"
)

// --- Test helpers ---

const validManifest = `name: x
version: 1.0.0
description: d
author: a
`

const cleanSource = `package main

func main() {}
`

func writePlugin(t *testing.T, root, id string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, id, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// fakeSteps maps step kinds to executors; unknown kinds succeed.
type fakeSteps struct {
	mu    sync.Mutex
	execs map[model.StepKind]steps.Executor
	calls map[model.StepKind]int
}

func newFakeSteps() *fakeSteps {
	return &fakeSteps{
		execs: make(map[model.StepKind]steps.Executor),
		calls: make(map[model.StepKind]int),
	}
}

func (f *fakeSteps) set(kind model.StepKind, fn steps.ExecutorFunc) {
	f.mu.Lock()
	f.execs[kind] = fn
	f.mu.Unlock()
}

func (f *fakeSteps) For(kind model.StepKind) (steps.Executor, error) {
	if !kind.Valid() {
		return nil, errors.New("unknown step")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind]++
	if ex, ok := f.execs[kind]; ok {
		return ex, nil
	}
	return steps.ExecutorFunc(func(context.Context, steps.Request) (steps.Artifacts, error) {
		return steps.Artifacts{kind.String() + "_done": true}, nil
	}), nil
}

func (f *fakeSteps) count(kind model.StepKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

type recordingNotifier struct {
	mu        sync.Mutex
	summaries []model.ExecutionSummary
	channels  [][]string
}

func (n *recordingNotifier) Notify(_ context.Context, channels []string, s model.ExecutionSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	n.channels = append(n.channels, channels)
	return nil
}

func (n *recordingNotifier) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.summaries)
}

type harness struct {
	engine   *Engine
	store    *MemoryExecutionStore
	registry *definition.Registry
	plugins  string
}

func newHarness(t *testing.T, provider StepProvider, opts ...EngineOption) *harness {
	t.Helper()
	plugins := t.TempDir()
	writePlugin(t, plugins, "demo", map[string]string{
		"plugin.yaml": validManifest,
		"main.go":     cleanSource,
	})
	store := NewMemoryExecutionStore()
	registry := definition.NewRegistry()
	resolver := plugin.NewDirectoryResolver(plugins, "")
	return &harness{
		engine:   NewEngine(registry, store, provider, resolver, opts...),
		store:    store,
		registry: registry,
		plugins:  plugins,
	}
}

func (h *harness) register(t *testing.T, id string, cfg model.WorkflowConfig) {
	t.Helper()
	if cfg.TimeoutMinutes == 0 {
		cfg.TimeoutMinutes = 5
	}
	if cfg.Name == "" {
		cfg.Name = id
	}
	if err := h.registry.Register(context.Background(), id, cfg); err != nil {
		t.Fatalf("Register(%s) error: %v", id, err)
	}
}

func (h *harness) run(t *testing.T, workflowID, pluginID string) model.WorkflowExecution {
	t.Helper()
	ctx := context.Background()
	exec, err := h.engine.Prepare(ctx, workflowID, pluginID, nil)
	if err != nil {
		t.Fatalf("Prepare error: %v", err)
	}
	if err := h.engine.Execute(ctx, exec.ID); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	got, err := h.engine.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	return got
}

func realSteps(t *testing.T) *steps.Set {
	t.Helper()
	return steps.NewSet(steps.Config{
		ArtifactDir: t.TempDir(),
		DeployRoot:  t.TempDir(),
	}, nil)
}

func hasLog(logs []model.LogEntry, step model.StepKind, substr string) bool {
	for _, l := range logs {
		if l.Step == step && strings.Contains(l.Message, substr) {
			return true
		}
	}
	return false
}

func waitForStatus(t *testing.T, e *Engine, id string, want model.ExecutionStatus) model.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		exec, err := e.Get(context.Background(), id)
		if err == nil && exec.Status == want {
			return exec
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s status = %s, want %s", id, exec.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- Scenarios with the real step executors ---

func TestEngine_validationAndBuildSucceed(t *testing.T) {
	h := newHarness(t, realSteps(t))
	h.register(t, "vb", model.WorkflowConfig{Steps: []model.StepKind{model.StepValidation, model.StepBuild}})

	exec := h.run(t, "vb", "demo")

	if exec.Status != model.ExecutionSuccess {
		t.Fatalf("Status = %s, want success (error: %s)", exec.Status, exec.ErrorMessage)
	}
	path, _ := exec.Artifacts["package_path"].(string)
	if path == "" {
		t.Error("package_path artifact missing")
	}
	size, _ := exec.Artifacts["package_size"].(int64)
	if size <= 0 {
		t.Errorf("package_size = %v, want > 0", exec.Artifacts["package_size"])
	}
	if exec.EndTime == nil {
		t.Error("EndTime not set on terminal execution")
	}
	if exec.CurrentStep != model.StepNone {
		t.Errorf("CurrentStep = %v, want none", exec.CurrentStep)
	}
	if _, ok := exec.Artifacts[ArtifactStepDurations]; !ok {
		t.Error("step_durations artifact missing")
	}
}

func TestEngine_missingAuthorFails(t *testing.T) {
	h := newHarness(t, realSteps(t))
	writePlugin(t, h.plugins, "no-author", map[string]string{
		"plugin.yaml": "name: x\nversion: 1.0.0\ndescription: d\n",
		"main.go":     cleanSource,
	})
	h.register(t, "vb", model.WorkflowConfig{Steps: []model.StepKind{model.StepValidation, model.StepBuild}})

	exec := h.run(t, "vb", "no-author")

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if !strings.Contains(exec.ErrorMessage, "author") {
		t.Errorf("ErrorMessage = %q, want it to mention author", exec.ErrorMessage)
	}
	if _, ok := exec.Artifacts["package_path"]; ok {
		t.Error("build ran after validation failed")
	}
}

func TestEngine_criticalFindingFails(t *testing.T) {
	h := newHarness(t, realSteps(t))
	writePlugin(t, h.plugins, "evil", map[string]string{
		"plugin.yaml": validManifest,
		"main.go": `package main

func main() {
	var vm interface{ Eval(string) }
	vm.Eval("1+1")
}
`,
	})
	h.register(t, "vs", model.WorkflowConfig{Steps: []model.StepKind{model.StepValidation, model.StepSecurityScan}})

	exec := h.run(t, "vs", "evil")

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	findings, ok := exec.Artifacts["security_findings"].([]steps.Finding)
	if !ok || len(findings) == 0 {
		t.Fatalf("security_findings = %#v, want findings", exec.Artifacts["security_findings"])
	}
	if findings[0].Severity != steps.SeverityCritical {
		t.Errorf("Severity = %q, want critical", findings[0].Severity)
	}
}

func TestEngine_deadlineInterruptsLongTest(t *testing.T) {
	h := newHarness(t, realSteps(t))
	writePlugin(t, h.plugins, "slow", map[string]string{
		"plugin.yaml":       validManifest,
		"main.go":           cleanSource,
		"tests/test_slow.sh": "sleep 5\n",
	})
	h.register(t, "slow-test", model.WorkflowConfig{
		Steps:          []model.StepKind{model.StepTest},
		TimeoutMinutes: 1.0 / 60,
		AutoRollback:   true,
	})

	start := time.Now()
	exec := h.run(t, "slow-test", "slow")
	elapsed := time.Since(start)

	if exec.Status != model.ExecutionTimedOut {
		t.Fatalf("Status = %s, want timed_out (error: %s)", exec.Status, exec.ErrorMessage)
	}
	if elapsed > 3*time.Second {
		t.Errorf("execution took %s, want roughly the 1s deadline", elapsed)
	}
	if !hasLog(exec.Logs, model.StepRollback, "rollback") {
		t.Errorf("no rollback log entry in %v", exec.Logs)
	}
}

// --- State machine ---

func TestEngine_autoRollbackRunsExactlyOnce(t *testing.T) {
	fs := newFakeSteps()
	fs.set(model.StepDeploy, func(context.Context, steps.Request) (steps.Artifacts, error) {
		return nil, &steps.StepError{Step: model.StepDeploy, Message: "disk full"}
	})
	h := newHarness(t, fs)
	h.register(t, "wf", model.WorkflowConfig{
		Steps:        []model.StepKind{model.StepValidation, model.StepDeploy, model.StepMonitor},
		AutoRollback: true,
	})

	exec := h.run(t, "wf", "demo")

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if exec.ErrorMessage != "deploy failed: disk full" {
		t.Errorf("ErrorMessage = %q", exec.ErrorMessage)
	}
	if n := fs.count(model.StepRollback); n != 1 {
		t.Errorf("rollback ran %d times, want 1", n)
	}
	if n := fs.count(model.StepMonitor); n != 0 {
		t.Errorf("monitor ran %d times after failure, want 0", n)
	}
	if exec.Artifacts["rollback_done"] != true {
		t.Error("rollback artifacts not merged")
	}
}

func TestEngine_tracesExecutionAndSteps(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	fs := newFakeSteps()
	fs.set(model.StepDeploy, func(context.Context, steps.Request) (steps.Artifacts, error) {
		return nil, &steps.StepError{Step: model.StepDeploy, Message: "disk full"}
	})
	h := newHarness(t, fs)
	h.register(t, "wf", model.WorkflowConfig{
		Steps:        []model.StepKind{model.StepValidation, model.StepDeploy},
		AutoRollback: true,
	})
	exec := h.run(t, "wf", "demo")

	// The root span ends after the terminal status is stored.
	var spans tracetest.SpanStubs
	deadline := time.Now().Add(2 * time.Second)
	for {
		spans = exporter.GetSpans()
		if len(spans) == 4 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(spans) != 4 {
		t.Fatalf("got %d spans, want 4", len(spans))
	}

	byName := make(map[string]tracetest.SpanStub, len(spans))
	for _, s := range spans {
		byName[s.Name] = s
	}
	root, ok := byName["execution.run"]
	if !ok {
		t.Fatal("execution.run span missing")
	}
	if got := spanAttr(root, "stagehand.execution_id"); got != exec.ID {
		t.Errorf("execution_id = %q, want %q", got, exec.ID)
	}
	if got := spanAttr(root, "stagehand.status"); got != string(model.ExecutionFailed) {
		t.Errorf("execution status = %q, want failed", got)
	}

	want := map[string]string{
		"step.validation": "success",
		"step.deploy":     "failed",
		"step.rollback":   "success",
	}
	for name, status := range want {
		s, ok := byName[name]
		if !ok {
			t.Errorf("%s span missing", name)
			continue
		}
		if got := spanAttr(s, "stagehand.status"); got != status {
			t.Errorf("%s status = %q, want %q", name, got, status)
		}
		if got := spanAttr(s, "stagehand.step"); "step."+got != name {
			t.Errorf("%s step attribute = %q", name, got)
		}
		if s.Parent.SpanID() != root.SpanContext.SpanID() {
			t.Errorf("%s is not a child of execution.run", name)
		}
	}
	if byName["step.deploy"].Status.Code != codes.Error {
		t.Error("failed step span not marked as error")
	}
}

func spanAttr(s tracetest.SpanStub, key string) string {
	for _, a := range s.Attributes {
		if string(a.Key) == key {
			return a.Value.Emit()
		}
	}
	return ""
}

func TestEngine_noRollbackWithoutAutoRollback(t *testing.T) {
	fs := newFakeSteps()
	fs.set(model.StepBuild, func(context.Context, steps.Request) (steps.Artifacts, error) {
		return nil, errors.New("compiler crashed")
	})
	h := newHarness(t, fs)
	h.register(t, "wf", model.WorkflowConfig{Steps: []model.StepKind{model.StepBuild}})

	exec := h.run(t, "wf", "demo")

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if n := fs.count(model.StepRollback); n != 0 {
		t.Errorf("rollback ran %d times, want 0", n)
	}
}

func TestEngine_rollbackLeavesLiveDeploymentWhenNothingDeployed(t *testing.T) {
	deployRoot := t.TempDir()
	writePlugin(t, deployRoot, "no-author", map[string]string{"main.go": cleanSource})
	set := steps.NewSet(steps.Config{ArtifactDir: t.TempDir(), DeployRoot: deployRoot}, nil)

	h := newHarness(t, set)
	writePlugin(t, h.plugins, "no-author", map[string]string{
		"plugin.yaml": "name: x\nversion: 1.0.0\ndescription: d\n",
		"main.go":     cleanSource,
	})

	exec := h.run(t, definition.WorkflowStandard, "no-author")

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if _, err := os.Stat(filepath.Join(deployRoot, "no-author", "main.go")); err != nil {
		t.Errorf("live deployment removed by rollback: %v", err)
	}
	if exec.Artifacts["rolled_back"] != false {
		t.Errorf("rolled_back = %v, want false", exec.Artifacts["rolled_back"])
	}
	if !hasLog(exec.Logs, model.StepRollback, steps.NothingDeployed) {
		t.Errorf("no skipped rollback log entry in %v", exec.Logs)
	}
}

func TestEngine_rollbackRemovesWhatThisExecutionDeployed(t *testing.T) {
	deployRoot := t.TempDir()
	set := steps.NewSet(steps.Config{ArtifactDir: t.TempDir(), DeployRoot: deployRoot}, nil)
	fs := newFakeSteps()
	for _, kind := range []model.StepKind{model.StepValidation, model.StepDeploy, model.StepRollback} {
		ex, err := set.For(kind)
		if err != nil {
			t.Fatal(err)
		}
		fs.set(kind, ex.Execute)
	}
	fs.set(model.StepMonitor, func(context.Context, steps.Request) (steps.Artifacts, error) {
		return nil, errors.New("health check failed")
	})

	h := newHarness(t, fs)
	h.register(t, "dm", model.WorkflowConfig{
		Steps:        []model.StepKind{model.StepValidation, model.StepDeploy, model.StepMonitor},
		AutoRollback: true,
	})

	exec := h.run(t, "dm", "demo")

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if _, err := os.Stat(filepath.Join(deployRoot, "demo")); !os.IsNotExist(err) {
		t.Errorf("deployment still present after rollback: %v", err)
	}
	if exec.Artifacts["rolled_back"] != true {
		t.Errorf("rolled_back = %v, want true", exec.Artifacts["rolled_back"])
	}
}

func TestEngine_rollbackFailureIsLoggedOnly(t *testing.T) {
	fs := newFakeSteps()
	fs.set(model.StepBuild, func(context.Context, steps.Request) (steps.Artifacts, error) {
		return nil, errors.New("boom")
	})
	fs.set(model.StepRollback, func(context.Context, steps.Request) (steps.Artifacts, error) {
		return nil, errors.New("permission denied")
	})
	h := newHarness(t, fs)
	h.register(t, "wf", model.WorkflowConfig{Steps: []model.StepKind{model.StepBuild}, AutoRollback: true})

	exec := h.run(t, "wf", "demo")

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if !strings.Contains(exec.ErrorMessage, "build failed") {
		t.Errorf("ErrorMessage = %q, want the build failure", exec.ErrorMessage)
	}
	if !hasLog(exec.Logs, model.StepRollback, "rollback failed: permission denied") {
		t.Errorf("rollback failure not logged: %v", exec.Logs)
	}
}

func TestEngine_artifactsMergedOnFailure(t *testing.T) {
	fs := newFakeSteps()
	fs.set(model.StepTest, func(context.Context, steps.Request) (steps.Artifacts, error) {
		return steps.Artifacts{"tests_run": 2}, errors.New("1 of 2 tests failed")
	})
	h := newHarness(t, fs)
	h.register(t, "wf", model.WorkflowConfig{Steps: []model.StepKind{model.StepTest}})

	exec := h.run(t, "wf", "demo")

	if exec.Artifacts["tests_run"] != 2 {
		t.Errorf("tests_run = %v, want 2", exec.Artifacts["tests_run"])
	}
}

func TestEngine_stepsSeeEarlierArtifactsAndEnv(t *testing.T) {
	fs := newFakeSteps()
	var seen steps.Request
	fs.set(model.StepBuild, func(_ context.Context, req steps.Request) (steps.Artifacts, error) {
		seen = req
		return nil, nil
	})
	h := newHarness(t, fs)
	h.register(t, "wf", model.WorkflowConfig{
		Steps:                []model.StepKind{model.StepValidation, model.StepBuild},
		EnvironmentVariables: map[string]string{"GOFLAGS": "-mod=mod"},
	})

	exec, _ := h.engine.Prepare(context.Background(), "wf", "demo", map[string]string{"channel": "beta"})
	if err := h.engine.Execute(context.Background(), exec.ID); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	if seen.Artifacts["validation_done"] != true {
		t.Errorf("build did not see validation artifacts: %v", seen.Artifacts)
	}
	if seen.Env["GOFLAGS"] != "-mod=mod" {
		t.Errorf("Env = %v", seen.Env)
	}
	if seen.Params["channel"] != "beta" {
		t.Errorf("Params = %v", seen.Params)
	}
	if seen.SourceDir != filepath.Join(h.plugins, "demo") {
		t.Errorf("SourceDir = %q", seen.SourceDir)
	}
}

func TestEngine_panicBecomesStepFailure(t *testing.T) {
	fs := newFakeSteps()
	fs.set(model.StepBuild, func(context.Context, steps.Request) (steps.Artifacts, error) {
		panic("nil map write")
	})
	h := newHarness(t, fs)
	h.register(t, "wf", model.WorkflowConfig{Steps: []model.StepKind{model.StepBuild}})

	exec := h.run(t, "wf", "demo")

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if !strings.Contains(exec.ErrorMessage, "panic: nil map write") {
		t.Errorf("ErrorMessage = %q", exec.ErrorMessage)
	}
}

func TestEngine_unknownPluginFailsWithoutRollback(t *testing.T) {
	fs := newFakeSteps()
	h := newHarness(t, fs)
	h.register(t, "wf", model.WorkflowConfig{Steps: []model.StepKind{model.StepBuild}, AutoRollback: true})

	exec := h.run(t, "wf", "ghost")

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if n := fs.count(model.StepRollback); n != 0 {
		t.Errorf("rollback ran %d times, want 0", n)
	}
}

func TestEngine_snapshotIgnoresLaterRegistryEdits(t *testing.T) {
	fs := newFakeSteps()
	h := newHarness(t, fs)
	h.register(t, "wf", model.WorkflowConfig{Steps: []model.StepKind{model.StepBuild}})

	exec, err := h.engine.Prepare(context.Background(), "wf", "demo", nil)
	if err != nil {
		t.Fatalf("Prepare error: %v", err)
	}
	h.register(t, "wf", model.WorkflowConfig{Steps: []model.StepKind{model.StepDeploy}})

	if err := h.engine.Execute(context.Background(), exec.ID); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if fs.count(model.StepDeploy) != 0 || fs.count(model.StepBuild) != 1 {
		t.Errorf("calls build=%d deploy=%d, want 1/0", fs.count(model.StepBuild), fs.count(model.StepDeploy))
	}
}

func TestEngine_Prepare_errors(t *testing.T) {
	h := newHarness(t, newFakeSteps())

	if _, err := h.engine.Prepare(context.Background(), "nope", "demo", nil); !model.IsNotFound(err) {
		t.Errorf("unknown workflow err = %v, want NOT_FOUND", err)
	}
	_, err := h.engine.Prepare(context.Background(), definition.WorkflowStandard, "../etc", nil)
	if model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("bad plugin id code = %q, want %q", model.CodeOf(err), model.ErrBadRequest)
	}
}

func TestEngine_Prepare_deadlineFromTimeout(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, newFakeSteps(), WithClock(func() time.Time { return now }))

	exec, err := h.engine.Prepare(context.Background(), definition.WorkflowStandard, "demo", nil)
	if err != nil {
		t.Fatalf("Prepare error: %v", err)
	}
	if exec.Status != model.ExecutionPending {
		t.Errorf("Status = %s, want pending", exec.Status)
	}
	if !exec.Deadline.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("Deadline = %v, want CreatedAt+30m", exec.Deadline)
	}
	if !strings.HasPrefix(exec.ID, "exec-") {
		t.Errorf("ID = %q, want exec- prefix", exec.ID)
	}
}

// --- Cancel ---

func TestEngine_Cancel_pending(t *testing.T) {
	fs := newFakeSteps()
	h := newHarness(t, fs)
	ctx := context.Background()

	exec, _ := h.engine.Prepare(ctx, definition.WorkflowQuickDeploy, "demo", nil)
	ok, err := h.engine.Cancel(ctx, exec.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel = (%v, %v), want (true, nil)", ok, err)
	}

	if err := h.engine.Execute(ctx, exec.ID); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	got, _ := h.engine.Get(ctx, exec.ID)
	if got.Status != model.ExecutionCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	if fs.count(model.StepValidation) != 0 {
		t.Error("steps ran for an execution cancelled while queued")
	}

	ok, err = h.engine.Cancel(ctx, exec.ID)
	if err != nil || ok {
		t.Errorf("second Cancel = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestEngine_Cancel_unknown(t *testing.T) {
	h := newHarness(t, newFakeSteps())
	_, err := h.engine.Cancel(context.Background(), "exec-missing")
	if !model.IsNotFound(err) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestEngine_Cancel_runningStopsStepWithoutRollback(t *testing.T) {
	fs := newFakeSteps()
	entered := make(chan struct{})
	fs.set(model.StepTest, func(ctx context.Context, _ steps.Request) (steps.Artifacts, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	notifier := &recordingNotifier{}
	h := newHarness(t, fs, WithNotifier(notifier))
	h.register(t, "wf", model.WorkflowConfig{
		Steps:                []model.StepKind{model.StepTest, model.StepDeploy},
		AutoRollback:         true,
		NotificationChannels: []string{"ops"},
	})

	ctx := context.Background()
	exec, _ := h.engine.Prepare(ctx, "wf", "demo", nil)
	done := make(chan error, 1)
	go func() { done <- h.engine.Execute(ctx, exec.ID) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("test step never started")
	}

	ok, err := h.engine.Cancel(ctx, exec.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel = (%v, %v), want (true, nil)", ok, err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not observe cancellation")
	}

	got, _ := h.engine.Get(ctx, exec.ID)
	if got.Status != model.ExecutionCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	if got.ErrorMessage != "execution cancelled by user" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
	if fs.count(model.StepRollback) != 0 {
		t.Error("rollback ran for a cancelled execution")
	}
	if fs.count(model.StepDeploy) != 0 {
		t.Error("deploy ran after cancellation")
	}

	if err := h.engine.WaitNotifications(ctx); err != nil {
		t.Fatal(err)
	}
	if notifier.len() != 1 {
		t.Errorf("notifications = %d, want exactly 1", notifier.len())
	}
}

// --- Parallel execution ---

func TestPlanStages(t *testing.T) {
	const (
		v = model.StepValidation
		b = model.StepBuild
		x = model.StepTest
		s = model.StepSecurityScan
		d = model.StepDeploy
		m = model.StepMonitor
	)

	tests := []struct {
		name     string
		steps    []model.StepKind
		parallel bool
		want     [][]model.StepKind
	}{
		{"sequential", []model.StepKind{v, b, x, s, d, m}, false,
			[][]model.StepKind{{v}, {b}, {x}, {s}, {d}, {m}}},
		{"parallel checks", []model.StepKind{v, b, x, s, d, m}, true,
			[][]model.StepKind{{v}, {b, x, s}, {d}, {m}}},
		{"validation hoisted", []model.StepKind{b, x, v}, true,
			[][]model.StepKind{{v}, {b, x}}},
		{"validation after deploy hoisted", []model.StepKind{b, d, v, s}, true,
			[][]model.StepKind{{v}, {b}, {d}, {s}}},
		{"sequential keeps declared order", []model.StepKind{b, x, v}, false,
			[][]model.StepKind{{b}, {x}, {v}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := planStages(model.WorkflowConfig{Steps: tt.steps, ParallelExecution: tt.parallel})
			if len(got) != len(tt.want) {
				t.Fatalf("stages = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if len(got[i]) != len(tt.want[i]) {
					t.Fatalf("stage %d = %v, want %v", i, got[i], tt.want[i])
				}
				for j := range tt.want[i] {
					if got[i][j] != tt.want[i][j] {
						t.Errorf("stage %d[%d] = %v, want %v", i, j, got[i][j], tt.want[i][j])
					}
				}
			}
		})
	}
}

func TestEngine_parallelStepsRunConcurrently(t *testing.T) {
	fs := newFakeSteps()
	var started atomic.Int32
	all := make(chan struct{})
	barrier := func(ctx context.Context, _ steps.Request) (steps.Artifacts, error) {
		if started.Add(1) == 3 {
			close(all)
		}
		select {
		case <-all:
			return nil, nil
		case <-time.After(3 * time.Second):
			return nil, errors.New("siblings never started")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fs.set(model.StepBuild, barrier)
	fs.set(model.StepTest, barrier)
	fs.set(model.StepSecurityScan, barrier)
	h := newHarness(t, fs)
	h.register(t, "par", model.WorkflowConfig{
		Steps:             []model.StepKind{model.StepValidation, model.StepBuild, model.StepTest, model.StepSecurityScan},
		ParallelExecution: true,
	})

	exec := h.run(t, "par", "demo")

	if exec.Status != model.ExecutionSuccess {
		t.Fatalf("Status = %s, want success (error: %s)", exec.Status, exec.ErrorMessage)
	}
}

func TestEngine_parallelFailureCancelsSiblings(t *testing.T) {
	fs := newFakeSteps()
	fs.set(model.StepBuild, func(context.Context, steps.Request) (steps.Artifacts, error) {
		return nil, errors.New("broken build")
	})
	fs.set(model.StepTest, func(ctx context.Context, _ steps.Request) (steps.Artifacts, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})
	h := newHarness(t, fs)
	h.register(t, "par", model.WorkflowConfig{
		Steps:             []model.StepKind{model.StepBuild, model.StepTest, model.StepDeploy},
		ParallelExecution: true,
	})

	start := time.Now()
	exec := h.run(t, "par", "demo")

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if !strings.Contains(exec.ErrorMessage, "build failed: broken build") {
		t.Errorf("ErrorMessage = %q", exec.ErrorMessage)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("sibling step was not cancelled")
	}
	if fs.count(model.StepDeploy) != 0 {
		t.Error("deploy ran after a failed parallel stage")
	}
}

// --- Notifications ---

func TestEngine_notifiesOnTerminalTransition(t *testing.T) {
	notifier := &recordingNotifier{}
	h := newHarness(t, newFakeSteps(), WithNotifier(notifier))
	h.register(t, "wf", model.WorkflowConfig{
		Steps:                []model.StepKind{model.StepBuild},
		NotificationChannels: []string{"ops", "dev"},
	})

	exec := h.run(t, "wf", "demo")
	if err := h.engine.WaitNotifications(context.Background()); err != nil {
		t.Fatal(err)
	}

	if notifier.len() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.len())
	}
	s := notifier.summaries[0]
	if s.ExecutionID != exec.ID || s.Status != model.ExecutionSuccess {
		t.Errorf("summary = %+v", s)
	}
	if len(notifier.channels[0]) != 2 {
		t.Errorf("channels = %v", notifier.channels[0])
	}
}

func TestEngine_noNotificationWithoutChannels(t *testing.T) {
	notifier := &recordingNotifier{}
	h := newHarness(t, newFakeSteps(), WithNotifier(notifier))
	h.register(t, "wf", model.WorkflowConfig{Steps: []model.StepKind{model.StepBuild}})

	h.run(t, "wf", "demo")
	_ = h.engine.WaitNotifications(context.Background())

	if notifier.len() != 0 {
		t.Errorf("notifications = %d, want 0", notifier.len())
	}
}

// --- History ---

func TestEngine_Statistics(t *testing.T) {
	fs := newFakeSteps()
	fs.set(model.StepDeploy, func(context.Context, steps.Request) (steps.Artifacts, error) {
		return nil, errors.New("nope")
	})
	h := newHarness(t, fs)
	h.register(t, "ok", model.WorkflowConfig{Steps: []model.StepKind{model.StepBuild}})
	h.register(t, "bad", model.WorkflowConfig{Steps: []model.StepKind{model.StepDeploy}})

	stats, _ := h.engine.Statistics(context.Background())
	if stats.TotalExecutions != 0 || stats.SuccessRate != 0 {
		t.Errorf("empty stats = %+v", stats)
	}

	for i := 0; i < 3; i++ {
		h.run(t, "ok", "demo")
	}
	h.run(t, "bad", "demo")

	stats, err := h.engine.Statistics(context.Background())
	if err != nil {
		t.Fatalf("Statistics error: %v", err)
	}
	if stats.TotalExecutions != 4 {
		t.Errorf("TotalExecutions = %d, want 4", stats.TotalExecutions)
	}
	if stats.SuccessRate != 75 {
		t.Errorf("SuccessRate = %v, want 75", stats.SuccessRate)
	}
	if stats.RecentExecutions != 4 {
		t.Errorf("RecentExecutions = %d, want 4", stats.RecentExecutions)
	}
}

func TestEngine_Cleanup(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, newFakeSteps(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_ = h.store.Create(ctx, finishedExecution("old", model.ExecutionSuccess, now.Add(-10*24*time.Hour), time.Minute))
	_ = h.store.Create(ctx, finishedExecution("new", model.ExecutionSuccess, now.Add(-2*24*time.Hour), time.Minute))

	removed, err := h.engine.Cleanup(ctx, 7)
	if err != nil || removed != 1 {
		t.Fatalf("Cleanup = (%d, %v), want (1, nil)", removed, err)
	}
	removed, _ = h.engine.Cleanup(ctx, 7)
	if removed != 0 {
		t.Errorf("second Cleanup removed %d, want 0", removed)
	}
	if _, err := h.engine.Get(ctx, "new"); err != nil {
		t.Errorf("recent execution removed: %v", err)
	}
	if _, err := h.engine.Cleanup(ctx, -1); model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("negative retention err = %v, want BAD_REQUEST", err)
	}
}

func TestEngine_CleanupKeepsActiveExecutions(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, newFakeSteps(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_ = h.store.Create(ctx, finishedExecution("running", model.ExecutionRunning, now.Add(-time.Hour), 0))
	_ = h.store.Create(ctx, testExecution("queued", "standard", "demo", now.Add(-time.Hour)))
	_ = h.store.Create(ctx, finishedExecution("done", model.ExecutionFailed, now.Add(-time.Hour), time.Minute))

	removed, err := h.engine.Cleanup(ctx, 0)
	if err != nil || removed != 1 {
		t.Fatalf("Cleanup(0) = (%d, %v), want (1, nil)", removed, err)
	}
	for _, id := range []string{"running", "queued"} {
		if _, err := h.engine.Get(ctx, id); err != nil {
			t.Errorf("active execution %q removed: %v", id, err)
		}
	}
	if _, err := h.engine.Get(ctx, "done"); !model.IsNotFound(err) {
		t.Errorf("Get(done) err = %v, want NOT_FOUND", err)
	}
}

func TestEngine_RecoverInterrupted(t *testing.T) {
	h := newHarness(t, newFakeSteps())
	ctx := context.Background()

	_ = h.store.Create(ctx, finishedExecution("running", model.ExecutionRunning, baseTime, 0))
	_ = h.store.Create(ctx, testExecution("pending", "standard", "demo", baseTime))
	_ = h.store.Create(ctx, finishedExecution("done", model.ExecutionSuccess, baseTime, time.Minute))

	n, err := h.engine.RecoverInterrupted(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RecoverInterrupted = (%d, %v), want (2, nil)", n, err)
	}
	for _, id := range []string{"running", "pending"} {
		got, _ := h.engine.Get(ctx, id)
		if got.Status != model.ExecutionFailed {
			t.Errorf("%s status = %s, want failed", id, got.Status)
		}
	}
	got, _ := h.engine.Get(ctx, "done")
	if got.Status != model.ExecutionSuccess {
		t.Errorf("finished execution changed to %s", got.Status)
	}
}
