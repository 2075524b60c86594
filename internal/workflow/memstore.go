package workflow

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/stagehand/model"
)

// MemoryExecutionStore is an in-memory ExecutionStore.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]model.WorkflowExecution // key: execution ID
	logs       map[string][]model.LogEntry        // key: execution ID
}

// NewMemoryExecutionStore creates a new in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]model.WorkflowExecution),
		logs:       make(map[string][]model.LogEntry),
	}
}

// Create persists a new execution.
func (s *MemoryExecutionStore) Create(_ context.Context, exec model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already exists", exec.ID),
		)
	}

	stored := exec.Clone()
	stored.Logs = nil
	s.executions[exec.ID] = stored
	if len(exec.Logs) > 0 {
		s.logs[exec.ID] = append([]model.LogEntry(nil), exec.Logs...)
	}
	return nil
}

// Get retrieves an execution with its logs.
func (s *MemoryExecutionStore) Get(_ context.Context, id string) (model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[id]
	if !exists {
		return model.WorkflowExecution{}, notFound(id)
	}
	out := exec.Clone()
	out.Logs = append([]model.LogEntry(nil), s.logs[id]...)
	return out, nil
}

// Update persists execution progress.
func (s *MemoryExecutionStore) Update(_ context.Context, exec model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.executions[exec.ID]
	if !exists {
		return notFound(exec.ID)
	}
	if existing.Status.IsTerminal() {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already finished with status %s", exec.ID, existing.Status),
		)
	}

	existing.Status = exec.Status
	existing.CurrentStep = exec.CurrentStep
	existing.StartTime = exec.StartTime
	existing.ErrorMessage = exec.ErrorMessage
	existing.Artifacts = maps.Clone(exec.Artifacts)
	s.executions[exec.ID] = existing
	return nil
}

// Finish performs the terminal compare-and-set.
func (s *MemoryExecutionStore) Finish(_ context.Context, id string, outcome Outcome) (bool, error) {
	if !outcome.Status.IsTerminal() {
		return false, model.NewBadRequestError(
			fmt.Sprintf("status %q is not terminal", outcome.Status),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.executions[id]
	if !exists {
		return false, notFound(id)
	}
	if exec.Status.IsTerminal() {
		return false, nil
	}

	end := outcome.EndTime
	exec.Status = outcome.Status
	exec.CurrentStep = model.StepNone
	exec.EndTime = &end
	if outcome.ErrorMessage != "" {
		exec.ErrorMessage = outcome.ErrorMessage
	}
	if len(outcome.Artifacts) > 0 {
		if exec.Artifacts == nil {
			exec.Artifacts = make(map[string]any, len(outcome.Artifacts))
		}
		maps.Copy(exec.Artifacts, outcome.Artifacts)
	}
	s.executions[id] = exec
	return true, nil
}

// AppendLog adds an entry to an execution's log.
func (s *MemoryExecutionStore) AppendLog(_ context.Context, id string, entry model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[id]; !exists {
		return notFound(id)
	}
	s.logs[id] = append(s.logs[id], entry)
	return nil
}

// GetLogs returns a copy of an execution's log.
func (s *MemoryExecutionStore) GetLogs(_ context.Context, id string) ([]model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.executions[id]; !exists {
		return nil, notFound(id)
	}
	return append([]model.LogEntry{}, s.logs[id]...), nil
}

// List returns matching executions, newest first.
func (s *MemoryExecutionStore) List(_ context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowExecution{}
	for _, exec := range s.executions {
		if filters.PluginID != "" && exec.PluginID != filters.PluginID {
			continue
		}
		if filters.WorkflowID != "" && exec.WorkflowID != filters.WorkflowID {
			continue
		}
		if filters.Status != "" && exec.Status != filters.Status {
			continue
		}
		result = append(result, exec.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowExecution{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Statistics aggregates every stored execution.
func (s *MemoryExecutionStore) Statistics(_ context.Context, now time.Time) (model.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc := newStatsAccumulator(now)
	for _, exec := range s.executions {
		acc.add(exec.Status, exec.StartedAt(), exec.EndTime)
	}
	return acc.result(), nil
}

// Cleanup removes executions older than cutoff.
func (s *MemoryExecutionStore) Cleanup(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, exec := range s.executions {
		if exec.Status.IsTerminal() && exec.StartedAt().Before(cutoff) {
			delete(s.executions, id)
			delete(s.logs, id)
			removed++
		}
	}
	return removed, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryExecutionStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of executions. For testing.
func (s *MemoryExecutionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("execution %q not found", id))
}
