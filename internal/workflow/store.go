package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/stagehand/model"
)

// ExecutionStore persists workflow executions and their logs.
type ExecutionStore interface {
	// Create persists a new execution. Returns CONFLICT if the id exists.
	Create(ctx context.Context, exec model.WorkflowExecution) error

	// Get retrieves an execution by ID with its logs attached. Returns
	// NOT_FOUND if the execution doesn't exist.
	Get(ctx context.Context, id string) (model.WorkflowExecution, error)

	// Update persists progress (status, current step, start time, artifacts,
	// error message). Logs are not touched. Returns CONFLICT once the stored
	// execution is terminal.
	Update(ctx context.Context, exec model.WorkflowExecution) error

	// Finish moves a non-terminal execution to a terminal status, clearing
	// the current step and stamping the end time. It reports false without
	// error when the execution already finished; exactly one caller wins.
	Finish(ctx context.Context, id string, outcome Outcome) (bool, error)

	// AppendLog adds an entry to the execution's log. Allowed after the
	// execution finished.
	AppendLog(ctx context.Context, id string, entry model.LogEntry) error

	// GetLogs returns the execution's log in append order.
	GetLogs(ctx context.Context, id string) ([]model.LogEntry, error)

	// List returns executions without logs, newest first.
	List(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, error)

	// Statistics aggregates the stored history as of now.
	Statistics(ctx context.Context, now time.Time) (model.Statistics, error)

	// Cleanup removes terminal executions that started (or, if never
	// started, were created) before cutoff and returns how many were
	// removed. Pending and running executions are never removed.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
}

// Outcome describes a terminal transition.
type Outcome struct {
	Status       model.ExecutionStatus
	ErrorMessage string
	EndTime      time.Time
	// Artifacts are merged into the stored artifacts.
	Artifacts map[string]any
}

// RecentWindow is the look-back window for Statistics.RecentExecutions.
const RecentWindow = 7 * 24 * time.Hour

// statsAccumulator folds executions into Statistics. Both store
// implementations share it so the arithmetic is defined once.
type statsAccumulator struct {
	now          time.Time
	stats        model.Statistics
	durationSum  time.Duration
	durationSeen int
}

func newStatsAccumulator(now time.Time) *statsAccumulator {
	counts := make(map[model.ExecutionStatus]int, 6)
	for _, s := range []model.ExecutionStatus{model.ExecutionPending, model.ExecutionRunning} {
		counts[s] = 0
	}
	for _, s := range model.TerminalStatuses {
		counts[s] = 0
	}
	return &statsAccumulator{now: now, stats: model.Statistics{StatusCounts: counts}}
}

func (a *statsAccumulator) add(status model.ExecutionStatus, started time.Time, end *time.Time) {
	a.stats.TotalExecutions++
	a.stats.StatusCounts[status]++
	if !started.Before(a.now.Add(-RecentWindow)) {
		a.stats.RecentExecutions++
	}
	if status.IsTerminal() && end != nil {
		a.durationSum += end.Sub(started)
		a.durationSeen++
	}
}

func (a *statsAccumulator) result() model.Statistics {
	if a.stats.TotalExecutions > 0 {
		a.stats.SuccessRate = float64(a.stats.StatusCounts[model.ExecutionSuccess]) /
			float64(a.stats.TotalExecutions) * 100
	}
	if a.durationSeen > 0 {
		a.stats.AverageDurationMinutes = (a.durationSum / time.Duration(a.durationSeen)).Minutes()
	}
	return a.stats
}
