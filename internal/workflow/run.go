package workflow

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/internal/steps"
	"github.com/pitabwire/stagehand/model"
)

// run is the state of one execution while its runner goroutine owns it.
// Parallel stages share it, so mutable fields are guarded by mu.
type run struct {
	engine    *Engine
	sourceDir string
	logger    *zap.Logger

	mu        sync.Mutex
	exec      model.WorkflowExecution
	durations map[string]float64
}

func (r *run) runStage(ctx context.Context, stage []model.StepKind) error {
	if len(stage) == 1 {
		return r.runStep(ctx, stage[0])
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range stage {
		kind := kind
		g.Go(func() error {
			return r.runStep(gctx, kind)
		})
	}
	return g.Wait()
}

func (r *run) runStep(ctx context.Context, kind model.StepKind) error {
	if err := ctx.Err(); err != nil {
		return &stepFailure{Step: kind, Err: err}
	}
	executor, err := r.engine.steps.For(kind)
	if err != nil {
		return &stepFailure{Step: kind, Err: err}
	}

	r.setCurrentStep(ctx, kind)
	r.log(ctx, model.LogInfo, kind, "step started")

	ctx, span := observability.StartStepSpan(ctx, kind.String())
	start := time.Now()
	artifacts, err := r.invoke(ctx, executor, kind)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	observability.EndSpan(span, outcome, err)
	r.engine.metrics.RecordStepDuration(kind.String(), outcome, elapsed)
	r.record(ctx, kind, artifacts, elapsed)

	if err != nil {
		if ctx.Err() != nil {
			r.log(ctx, model.LogWarning, kind, fmt.Sprintf("step interrupted: %s", err))
		} else {
			r.log(ctx, model.LogError, kind, fmt.Sprintf("step failed: %s", err))
		}
		return &stepFailure{Step: kind, Err: err}
	}
	r.log(ctx, model.LogInfo, kind, fmt.Sprintf("step completed in %s", elapsed.Round(time.Millisecond)))
	return nil
}

// invoke runs an executor, converting a panic into a step error.
func (r *run) invoke(ctx context.Context, executor steps.Executor, kind model.StepKind) (artifacts steps.Artifacts, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("step panicked",
				zap.String("step", kind.String()),
				zap.Any("panic", p),
			)
			artifacts = nil
			err = &steps.StepError{Step: kind, Message: fmt.Sprintf("panic: %v", p)}
		}
	}()
	return executor.Execute(ctx, r.request())
}

func (r *run) request() steps.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return steps.Request{
		ExecutionID: r.exec.ID,
		PluginID:    r.exec.PluginID,
		SourceDir:   r.sourceDir,
		Params:      maps.Clone(r.exec.Params),
		Env:         maps.Clone(r.exec.Workflow.EnvironmentVariables),
		Artifacts:   maps.Clone(r.exec.Artifacts),
	}
}

func (r *run) setCurrentStep(ctx context.Context, kind model.StepKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.CurrentStep = kind
	r.persistLocked(ctx)
}

// record merges a step's artifacts and its duration.
func (r *run) record(ctx context.Context, kind model.StepKind, artifacts steps.Artifacts, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[kind.String()] = math.Round(elapsed.Seconds()*1000) / 1000
	if len(artifacts) == 0 {
		return
	}
	if r.exec.Artifacts == nil {
		r.exec.Artifacts = make(map[string]any, len(artifacts))
	}
	maps.Copy(r.exec.Artifacts, artifacts)
	r.persistLocked(ctx)
}

// persistLocked writes progress. A CONFLICT means the execution was
// cancelled underneath the runner, which the runner notices through its
// context.
func (r *run) persistLocked(ctx context.Context) {
	err := r.engine.store.Update(context.WithoutCancel(ctx), r.exec)
	if err != nil && model.CodeOf(err) != model.ErrConflict {
		r.logger.Warn("persist execution progress", zap.Error(err))
	}
}

func (r *run) log(ctx context.Context, level string, step model.StepKind, msg string) {
	r.engine.appendLog(ctx, r.exec.ID, level, step, msg)
}

// rollback runs the Rollback executor once under a fresh bounded context so
// it still runs after the execution deadline has passed. Its failure is
// logged, never escalated.
func (r *run) rollback(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.engine.rollbackTimeout)
	defer cancel()

	r.log(ctx, model.LogWarning, model.StepRollback, "automatic rollback started")
	executor, err := r.engine.steps.For(model.StepRollback)
	if err != nil {
		r.log(ctx, model.LogError, model.StepRollback, fmt.Sprintf("rollback failed: %s", err))
		r.engine.metrics.RecordRollback("failed")
		return
	}

	r.setCurrentStep(ctx, model.StepRollback)
	rctx, span := observability.StartStepSpan(rctx, model.StepRollback.String())
	start := time.Now()
	artifacts, err := r.invoke(rctx, executor, model.StepRollback)
	elapsed := time.Since(start)
	r.record(ctx, model.StepRollback, artifacts, elapsed)

	if err != nil {
		observability.EndSpan(span, "failed", err)
		r.log(ctx, model.LogError, model.StepRollback, fmt.Sprintf("rollback failed: %s", err))
		r.logger.Error("automatic rollback failed", zap.Error(err))
		r.engine.metrics.RecordRollback("failed")
		r.engine.metrics.RecordStepDuration(model.StepRollback.String(), "failed", elapsed)
		return
	}
	if rolled, ok := artifacts["rolled_back"].(bool); ok && !rolled {
		observability.EndSpan(span, "skipped", nil)
		r.log(ctx, model.LogInfo, model.StepRollback, "rollback skipped: "+steps.NothingDeployed)
		r.engine.metrics.RecordRollback("skipped")
		r.engine.metrics.RecordStepDuration(model.StepRollback.String(), "success", elapsed)
		return
	}
	observability.EndSpan(span, "success", nil)
	r.log(ctx, model.LogInfo, model.StepRollback, "rollback completed")
	r.logger.Info("automatic rollback completed")
	r.engine.metrics.RecordRollback("success")
	r.engine.metrics.RecordStepDuration(model.StepRollback.String(), "success", elapsed)
}
