// Package steps implements the executors for each workflow step kind.
package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/stagehand/internal/plugin"
	"github.com/pitabwire/stagehand/model"
)

// Request is the input handed to a step executor.
type Request struct {
	ExecutionID string
	PluginID    string
	SourceDir   string
	Params      map[string]string
	Env         map[string]string
	// Artifacts collected by earlier steps. Executors must not mutate it.
	Artifacts map[string]any
}

// Artifacts are the named outputs a step contributes to its execution.
type Artifacts map[string]any

// Executor runs one step. A nil error means the step succeeded. On failure
// the returned artifacts are still merged into the execution.
type Executor interface {
	Execute(ctx context.Context, req Request) (Artifacts, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (Artifacts, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Artifacts, error) {
	return f(ctx, req)
}

// StepError is a step-level failure. Its message becomes the execution's
// error message.
type StepError struct {
	Step    model.StepKind
	Message string
	Err     error
}

func (e *StepError) Error() string {
	return e.Message
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErrorf(step model.StepKind, format string, args ...any) *StepError {
	return &StepError{Step: step, Message: fmt.Sprintf(format, args...)}
}

func wrapStepError(step model.StepKind, err error, format string, args ...any) *StepError {
	return &StepError{
		Step:    step,
		Message: fmt.Sprintf(format, args...) + ": " + err.Error(),
		Err:     err,
	}
}

// Config holds the settings for every built-in executor.
type Config struct {
	ManifestFile      string
	DefaultEntrypoint string
	ArtifactDir       string
	DeployRoot        string
	TestInterpreter   []string
	TestTimeout       time.Duration
	TestOutputLimit   int
	MonitorFreshness  time.Duration
}

// Set maps each step kind to its executor.
type Set struct {
	Validation   Executor
	Build        Executor
	Test         Executor
	SecurityScan Executor
	Deploy       Executor
	Monitor      Executor
	Rollback     Executor
}

// NewSet wires the built-in executors. history may be nil, in which case
// rollback only removes the failed deployment.
func NewSet(cfg Config, history plugin.ReleaseHistory) *Set {
	return &Set{
		Validation:   NewValidator(cfg.ManifestFile, cfg.DefaultEntrypoint),
		Build:        NewBuilder(cfg.ArtifactDir),
		Test:         NewTestRunner(cfg.TestInterpreter, cfg.TestTimeout, cfg.TestOutputLimit),
		SecurityScan: NewScanner(DefaultPatterns),
		Deploy:       NewDeployer(cfg.DeployRoot),
		Monitor:      NewMonitor(cfg.DeployRoot, cfg.MonitorFreshness),
		Rollback:     NewRollbacker(cfg.DeployRoot, history),
	}
}

// For returns the executor for kind.
func (s *Set) For(kind model.StepKind) (Executor, error) {
	var ex Executor
	switch kind {
	case model.StepValidation:
		ex = s.Validation
	case model.StepBuild:
		ex = s.Build
	case model.StepTest:
		ex = s.Test
	case model.StepSecurityScan:
		ex = s.SecurityScan
	case model.StepDeploy:
		ex = s.Deploy
	case model.StepMonitor:
		ex = s.Monitor
	case model.StepRollback:
		ex = s.Rollback
	case model.StepNone:
		return nil, fmt.Errorf("no executor for empty step")
	default:
		return nil, fmt.Errorf("unknown step kind %d", int(kind))
	}
	if ex == nil {
		return nil, fmt.Errorf("no executor configured for %s", kind)
	}
	return ex, nil
}
