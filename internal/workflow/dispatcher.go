package workflow

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/model"
)

const (
	// DefaultMaxConcurrent bounds running executions when no limit is set.
	DefaultMaxConcurrent = 10

	defaultIdempotencyTTL = 24 * time.Hour
	shutdownGrace         = 5 * time.Second
)

// RunRequest asks for one execution of a workflow against a plugin.
type RunRequest struct {
	WorkflowID string
	PluginID   string
	Params     map[string]string
	// IdempotencyKey, when set, makes repeated requests within the TTL
	// return the first execution instead of starting a new one.
	IdempotencyKey string
}

// RunResult identifies the execution serving a RunRequest.
type RunResult struct {
	ExecutionID string
	// Replayed is true when an earlier request with the same key started it.
	Replayed bool
}

// Dispatcher starts executions asynchronously, bounding how many run at
// once.
type Dispatcher struct {
	engine  *Engine
	sem     *semaphore.Weighted
	idem    IdempotencyStore
	idemTTL time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger

	// queueCtx ends when queued executions must give up their slot;
	// runCtx ends when running executions must stop.
	queueCtx  context.Context
	stopQueue context.CancelFunc
	runCtx    context.Context
	stopRuns  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithIdempotency enables idempotency keys on Submit.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.idem = store
		if ttl > 0 {
			d.idemTTL = ttl
		}
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatcherMetrics sets the metrics sink.
func WithDispatcherMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher running at most maxConcurrent
// executions at a time.
func NewDispatcher(engine *Engine, maxConcurrent int, opts ...DispatcherOption) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	d := &Dispatcher{
		engine:  engine,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		idemTTL: defaultIdempotencyTTL,
		logger:  zap.NewNop(),
	}
	d.queueCtx, d.stopQueue = context.WithCancel(context.Background())
	d.runCtx, d.stopRuns = context.WithCancel(context.Background())
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run creates an execution and starts it in the background, returning its
// id without waiting for it to finish.
func (d *Dispatcher) Run(ctx context.Context, workflowID, pluginID string, params map[string]string) (string, error) {
	res, err := d.Submit(ctx, RunRequest{WorkflowID: workflowID, PluginID: pluginID, Params: params})
	return res.ExecutionID, err
}

// Submit is Run with an optional idempotency key.
func (d *Dispatcher) Submit(ctx context.Context, req RunRequest) (RunResult, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return RunResult{}, model.NewShuttingDownError()
	}
	d.wg.Add(1)
	d.mu.Unlock()

	started := false
	defer func() {
		if !started {
			d.wg.Done()
		}
	}()

	var idemKey, hash string
	if req.IdempotencyKey != "" && d.idem != nil {
		idemKey = FormatIdempotencyKey(req.WorkflowID, req.IdempotencyKey)
		hash = hashRunRequest(req)
		id, found, err := d.idem.Check(ctx, idemKey, hash)
		if err != nil {
			return RunResult{}, err
		}
		if found {
			d.metrics.RecordIdempotencyReplay()
			d.logger.Info("idempotent run replayed",
				zap.String("execution_id", id),
				zap.String("workflow_id", req.WorkflowID),
			)
			return RunResult{ExecutionID: id, Replayed: true}, nil
		}
	}

	exec, err := d.engine.Prepare(ctx, req.WorkflowID, req.PluginID, maps.Clone(req.Params))
	if err != nil {
		return RunResult{}, err
	}

	if idemKey != "" {
		if err := d.idem.Store(ctx, idemKey, hash, exec.ID, d.idemTTL); err != nil {
			d.logger.Warn("store idempotency key",
				zap.String("execution_id", exec.ID),
				zap.Error(err),
			)
		}
	}

	d.metrics.AddDispatcherQueued(1)
	started = true
	go d.execute(exec)
	return RunResult{ExecutionID: exec.ID}, nil
}

func (d *Dispatcher) execute(exec model.WorkflowExecution) {
	defer d.wg.Done()

	err := d.sem.Acquire(d.queueCtx, 1)
	d.metrics.AddDispatcherQueued(-1)
	if err == nil && d.queueCtx.Err() != nil {
		d.sem.Release(1)
		err = d.queueCtx.Err()
	}
	if err != nil {
		if _, aerr := d.engine.abort(context.Background(), exec, model.ExecutionCancelled, model.LogWarning, shutdownMessage); aerr != nil {
			d.logger.Error("abort queued execution", zap.String("execution_id", exec.ID), zap.Error(aerr))
		}
		return
	}
	defer d.sem.Release(1)

	if err := d.engine.Execute(d.runCtx, exec.ID); err != nil {
		d.logger.Error("execution failed to run",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
	}
}

// Shutdown stops accepting runs, cancels queued executions and waits for
// running ones. If ctx ends first, running executions are cancelled and
// given a short grace period; ctx's error is then returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.stopQueue()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		d.logger.Warn("shutdown deadline reached, cancelling running executions")
		d.stopRuns()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			d.logger.Error("executions still running after cancellation")
		}
	}
	d.stopRuns()

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if nerr := d.engine.WaitNotifications(nctx); nerr != nil {
		d.logger.Warn("notifications still in flight at shutdown", zap.Error(nerr))
	}
	return err
}
