// Package workflow runs deployment workflows: the execution engine, the
// dispatcher that bounds concurrent runs, and the execution stores.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/internal/plugin"
	"github.com/pitabwire/stagehand/internal/steps"
	"github.com/pitabwire/stagehand/model"
)

const (
	defaultRollbackTimeout = 2 * time.Minute
	defaultNotifyTimeout   = 10 * time.Second
)

// ArtifactStepDurations holds per-step wall time in seconds.
const ArtifactStepDurations = "step_durations"

const shutdownMessage = "execution interrupted: service shutting down"

var errCancelledByUser = model.NewCancelledByUserError()

// WorkflowSource looks up workflow definitions.
type WorkflowSource interface {
	Get(id string) (model.WorkflowConfig, error)
}

// StepProvider maps a step kind to its executor.
type StepProvider interface {
	For(kind model.StepKind) (steps.Executor, error)
}

// Notifier delivers execution summaries to notification channels.
type Notifier interface {
	Notify(ctx context.Context, channels []string, summary model.ExecutionSummary) error
}

// Engine drives executions through their steps.
type Engine struct {
	workflows       WorkflowSource
	store           ExecutionStore
	steps           StepProvider
	resolver        plugin.Resolver
	notifier        Notifier
	metrics         *observability.Metrics
	logger          *zap.Logger
	rollbackTimeout time.Duration
	notifyTimeout   time.Duration
	now             func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc

	notifyWG sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithNotifier sets where terminal summaries are sent.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithRollbackTimeout bounds how long an automatic rollback may run.
func WithRollbackTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.rollbackTimeout = d
		}
	}
}

// WithNotifyTimeout bounds each notification delivery.
func WithNotifyTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.notifyTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new execution engine.
func NewEngine(
	workflows WorkflowSource,
	store ExecutionStore,
	stepProvider StepProvider,
	resolver plugin.Resolver,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		workflows:       workflows,
		store:           store,
		steps:           stepProvider,
		resolver:        resolver,
		logger:          zap.NewNop(),
		rollbackTimeout: defaultRollbackTimeout,
		notifyTimeout:   defaultNotifyTimeout,
		now:             func() time.Time { return time.Now().UTC() },
		active:          make(map[string]context.CancelCauseFunc),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Prepare creates a Pending execution of workflowID for pluginID. The
// workflow definition is snapshotted so later registry edits do not affect
// the run.
func (e *Engine) Prepare(ctx context.Context, workflowID, pluginID string, params map[string]string) (model.WorkflowExecution, error) {
	cfg, err := e.workflows.Get(workflowID)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if err := plugin.ValidateID(pluginID); err != nil {
		return model.WorkflowExecution{}, err
	}

	now := e.now()
	exec := model.WorkflowExecution{
		ID:         newExecutionID(),
		WorkflowID: workflowID,
		PluginID:   pluginID,
		Workflow:   cfg,
		Params:     maps.Clone(params),
		Status:     model.ExecutionPending,
		CreatedAt:  now,
		Deadline:   now.Add(cfg.Timeout()),
		Logs: []model.LogEntry{{
			Timestamp: now,
			Level:     model.LogInfo,
			Message:   fmt.Sprintf("execution queued: workflow %s for plugin %s", workflowID, pluginID),
		}},
	}
	if err := e.store.Create(ctx, exec); err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("create execution: %w", err)
	}

	e.metrics.RecordExecutionStarted(workflowID)
	e.logger.Info("execution created",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", workflowID),
		zap.String("plugin_id", pluginID),
		zap.Time("deadline", exec.Deadline),
	)
	if len(params) > 0 {
		e.logger.Debug("execution params",
			zap.String("execution_id", exec.ID),
			zap.Any("params", observability.RedactParams(params, nil)),
		)
	}
	return exec, nil
}

// Execute runs a prepared execution to completion. Step failures, timeouts
// and cancellation become execution state; the returned error reports only
// infrastructure failures. Cancelling ctx (service shutdown) ends the run as
// Cancelled.
func (e *Engine) Execute(ctx context.Context, id string) error {
	exec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		e.logger.Debug("skipping finished execution",
			zap.String("execution_id", id),
			zap.String("status", string(exec.Status)),
		)
		return nil
	}

	cancelCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, cancelDeadline := context.WithDeadline(cancelCtx, exec.Deadline)
	defer cancelDeadline()

	e.mu.Lock()
	e.active[id] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
	}()

	exec.Logs = nil
	exec.Status = model.ExecutionRunning
	exec.StartTime = e.now()
	if err := e.store.Update(ctx, exec); err != nil {
		if model.CodeOf(err) == model.ErrConflict {
			return nil
		}
		return fmt.Errorf("mark execution running: %w", err)
	}

	e.metrics.RecordExecutionRunning(1)
	defer e.metrics.RecordExecutionRunning(-1)

	runCtx, span := observability.StartExecutionSpan(runCtx, exec.ID, exec.WorkflowID, exec.PluginID)

	r := &run{
		engine:    e,
		exec:      exec,
		durations: make(map[string]float64),
		logger: e.logger.With(
			zap.String("execution_id", exec.ID),
			zap.String("workflow_id", exec.WorkflowID),
			zap.String("plugin_id", exec.PluginID),
		),
	}
	r.log(ctx, model.LogInfo, model.StepNone, "execution started")

	var runErr error
	r.sourceDir, runErr = e.resolver.Resolve(runCtx, exec.PluginID)
	if runErr != nil {
		runErr = fmt.Errorf("resolve plugin %s: %w", exec.PluginID, runErr)
	} else {
		for _, stage := range planStages(exec.Workflow) {
			if runErr = r.runStage(runCtx, stage); runErr != nil {
				break
			}
		}
	}

	status, message := e.classify(ctx, runCtx, runErr, exec.Workflow)

	var failure *stepFailure
	failedStep := model.StepNone
	if errors.As(runErr, &failure) {
		failedStep = failure.Step
	}
	if message != "" && !errors.Is(context.Cause(runCtx), errCancelledByUser) {
		r.log(ctx, model.LogError, failedStep, message)
	}

	if exec.Workflow.AutoRollback && failedStep != model.StepNone && failedStep != model.StepRollback &&
		(status == model.ExecutionFailed || status == model.ExecutionTimedOut) {
		r.rollback(runCtx)
	}

	err = e.finish(ctx, r, status, message)
	observability.EndSpan(span, string(status), runErr)
	return err
}

// classify maps the outcome of the step loop to a terminal status.
func (e *Engine) classify(parent, runCtx context.Context, runErr error, cfg model.WorkflowConfig) (model.ExecutionStatus, string) {
	if runErr == nil {
		return model.ExecutionSuccess, ""
	}

	step := "execution"
	var failure *stepFailure
	if errors.As(runErr, &failure) {
		step = failure.Step.String()
	}

	switch {
	case errors.Is(context.Cause(runCtx), errCancelledByUser):
		return model.ExecutionCancelled, errCancelledByUser.Message
	case parent.Err() != nil:
		return model.ExecutionCancelled, shutdownMessage
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return model.ExecutionTimedOut, fmt.Sprintf("timeout of %s exceeded during %s", cfg.Timeout(), step)
	default:
		return model.ExecutionFailed, runErr.Error()
	}
}

// finish performs the terminal transition and its side effects. Losing the
// transition to a concurrent Cancel is not an error.
func (e *Engine) finish(ctx context.Context, r *run, status model.ExecutionStatus, message string) error {
	bg := context.WithoutCancel(ctx)
	end := e.now()

	r.mu.Lock()
	durations := maps.Clone(r.durations)
	r.mu.Unlock()

	won, err := e.store.Finish(bg, r.exec.ID, Outcome{
		Status:       status,
		ErrorMessage: message,
		EndTime:      end,
		Artifacts:    map[string]any{ArtifactStepDurations: durations},
	})
	if err != nil {
		return fmt.Errorf("finish execution %s: %w", r.exec.ID, err)
	}
	if !won {
		r.logger.Debug("execution already finished elsewhere", zap.String("status", string(status)))
		return nil
	}

	level := model.LogInfo
	if status != model.ExecutionSuccess {
		level = model.LogError
	}
	r.log(ctx, level, model.StepNone, fmt.Sprintf("execution finished: %s", status))

	r.logger.Info("execution finished",
		zap.String("status", string(status)),
		zap.Duration("duration", end.Sub(r.exec.StartTime)),
		zap.String("error", message),
	)
	e.metrics.RecordExecutionCompleted(r.exec.WorkflowID, string(status))

	final, err := e.store.Get(bg, r.exec.ID)
	if err != nil {
		return fmt.Errorf("reload execution %s: %w", r.exec.ID, err)
	}
	e.notify(bg, final)
	return nil
}

// Cancel moves a Pending or Running execution to Cancelled and signals its
// runner. It reports false for executions that already finished. Cancelled
// executions are not rolled back.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	exec, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if exec.Status.IsTerminal() {
		return false, nil
	}

	won, err := e.abort(ctx, exec, model.ExecutionCancelled, model.LogWarning, errCancelledByUser.Message)
	if err != nil || !won {
		return false, err
	}
	e.signal(id)
	return true, nil
}

// abort finishes an execution outside its runner. Only the winner of the
// terminal transition logs, counts and notifies.
func (e *Engine) abort(ctx context.Context, exec model.WorkflowExecution, status model.ExecutionStatus, level, message string) (bool, error) {
	won, err := e.store.Finish(ctx, exec.ID, Outcome{
		Status:       status,
		ErrorMessage: message,
		EndTime:      e.now(),
	})
	if err != nil || !won {
		return false, err
	}

	e.appendLog(ctx, exec.ID, level, exec.CurrentStep, message)
	e.logger.Warn("execution aborted",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", exec.WorkflowID),
		zap.String("plugin_id", exec.PluginID),
		zap.String("status", string(status)),
		zap.String("reason", message),
	)
	e.metrics.RecordExecutionCompleted(exec.WorkflowID, string(status))

	if final, err := e.store.Get(context.WithoutCancel(ctx), exec.ID); err == nil {
		e.notify(context.WithoutCancel(ctx), final)
	}
	return true, nil
}

func (e *Engine) signal(id string) {
	e.mu.Lock()
	cancel, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		cancel(errCancelledByUser)
	}
}

// Get returns an execution with its logs.
func (e *Engine) Get(ctx context.Context, id string) (model.WorkflowExecution, error) {
	return e.store.Get(ctx, id)
}

// List returns executions matching filters, newest first.
func (e *Engine) List(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, error) {
	return e.store.List(ctx, filters)
}

// Logs returns an execution's log.
func (e *Engine) Logs(ctx context.Context, id string) ([]model.LogEntry, error) {
	return e.store.GetLogs(ctx, id)
}

// Statistics aggregates execution history.
func (e *Engine) Statistics(ctx context.Context) (model.Statistics, error) {
	return e.store.Statistics(ctx, e.now())
}

// Cleanup removes terminal executions that started more than retentionDays
// ago. Pending and running executions are kept whatever their age.
func (e *Engine) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, model.NewBadRequestError("retention days must not be negative")
	}
	cutoff := e.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	removed, err := e.store.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	e.metrics.RecordCleanup(removed)
	e.logger.Info("execution cleanup",
		zap.Int("retention_days", retentionDays),
		zap.Int("removed", removed),
	)
	return removed, nil
}

// RecoverInterrupted fails executions left Pending or Running by a previous
// process. It must run before any dispatcher starts.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	const reason = "execution interrupted by service restart"
	recovered := 0
	for _, status := range []model.ExecutionStatus{model.ExecutionPending, model.ExecutionRunning} {
		orphans, err := e.store.List(ctx, model.ExecutionFilters{Status: status})
		if err != nil {
			return recovered, fmt.Errorf("list %s executions: %w", status, err)
		}
		for _, exec := range orphans {
			won, err := e.abort(ctx, exec, model.ExecutionFailed, model.LogError, reason)
			if err != nil {
				e.logger.Warn("recover interrupted execution",
					zap.String("execution_id", exec.ID),
					zap.Error(err),
				)
				continue
			}
			if won {
				recovered++
			}
		}
	}
	return recovered, nil
}

func (e *Engine) notify(ctx context.Context, exec model.WorkflowExecution) {
	channels := exec.Workflow.NotificationChannels
	if e.notifier == nil || len(channels) == 0 {
		return
	}
	summary := exec.Summary()

	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()
		nctx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
		defer cancel()
		if err := e.notifier.Notify(nctx, channels, summary); err != nil {
			e.logger.Warn("notification failed",
				zap.String("execution_id", summary.ExecutionID),
				zap.Strings("channels", channels),
				zap.Error(err),
			)
		}
	}()
}

// WaitNotifications blocks until in-flight notifications finish or ctx ends.
func (e *Engine) WaitNotifications(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) appendLog(ctx context.Context, id string, level string, step model.StepKind, msg string) {
	entry := model.LogEntry{Timestamp: e.now(), Level: level, Message: msg, Step: step}
	if err := e.store.AppendLog(context.WithoutCancel(ctx), id, entry); err != nil {
		e.logger.Warn("append execution log",
			zap.String("execution_id", id),
			zap.Error(err),
		)
	}
}

// planStages groups steps into stages that run one after another. Without
// parallel execution every step is its own stage. With it, Validation is
// moved to the front and awaited before anything else, consecutive Build,
// Test and SecurityScan steps share a stage, and Deploy, Monitor and
// Rollback always run alone.
func planStages(cfg model.WorkflowConfig) [][]model.StepKind {
	stages := make([][]model.StepKind, 0, len(cfg.Steps))
	if !cfg.ParallelExecution {
		for _, s := range cfg.Steps {
			stages = append(stages, []model.StepKind{s})
		}
		return stages
	}

	for _, s := range cfg.Steps {
		if s == model.StepValidation {
			stages = append(stages, []model.StepKind{s})
		}
	}
	var group []model.StepKind
	flush := func() {
		if len(group) > 0 {
			stages = append(stages, group)
			group = nil
		}
	}
	for _, s := range cfg.Steps {
		switch s {
		case model.StepBuild, model.StepTest, model.StepSecurityScan:
			group = append(group, s)
		case model.StepValidation:
			// already planned
		case model.StepNone, model.StepDeploy, model.StepMonitor, model.StepRollback:
			flush()
			stages = append(stages, []model.StepKind{s})
		}
	}
	flush()
	return stages
}

func newExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "exec-" + uuid.NewString()
	}
	return "exec-" + id.String()
}

// stepFailure records which step ended the run.
type stepFailure struct {
	Step model.StepKind
	Err  error
}

func (f *stepFailure) Error() string {
	return fmt.Sprintf("%s failed: %s", f.Step, f.Err.Error())
}

func (f *stepFailure) Unwrap() error {
	return f.Err
}
