package model

import (
	"fmt"
	"math"
	"time"
)

// ExecutionStatus is the state of a workflow execution.
type ExecutionStatus string

// Execution states. Success, Failed, Cancelled and TimedOut are terminal.
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
)

// TerminalStatuses lists the statuses an execution can finish in.
var TerminalStatuses = []ExecutionStatus{
	ExecutionSuccess,
	ExecutionFailed,
	ExecutionCancelled,
	ExecutionTimedOut,
}

// IsTerminal reports whether no further transition may leave s.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	case ExecutionPending, ExecutionRunning:
		return false
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionSuccess, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	default:
		return false
	}
}

// Log levels for execution log entries.
const (
	LogDebug   = "debug"
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
)

// WorkflowConfig is a named deployment pipeline definition.
type WorkflowConfig struct {
	ID                   string            `json:"id" yaml:"id"`
	Name                 string            `json:"name" yaml:"name"`
	Description          string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steps                []StepKind        `json:"steps" yaml:"steps"`
	TimeoutMinutes       float64           `json:"timeout_minutes" yaml:"timeout_minutes"`
	AutoRollback         bool              `json:"auto_rollback" yaml:"auto_rollback"`
	ParallelExecution    bool              `json:"parallel_execution" yaml:"parallel_execution"`
	NotificationChannels []string          `json:"notification_channels,omitempty" yaml:"notification_channels,omitempty"`
	EnvironmentVariables map[string]string `json:"environment_variables,omitempty" yaml:"environment_variables,omitempty"`
}

// Clone returns a deep copy so executions never share slices or maps with
// the registry.
func (c WorkflowConfig) Clone() WorkflowConfig {
	out := c
	if c.Steps != nil {
		out.Steps = append([]StepKind(nil), c.Steps...)
	}
	if c.NotificationChannels != nil {
		out.NotificationChannels = append([]string(nil), c.NotificationChannels...)
	}
	if c.EnvironmentVariables != nil {
		out.EnvironmentVariables = make(map[string]string, len(c.EnvironmentVariables))
		for k, v := range c.EnvironmentVariables {
			out.EnvironmentVariables[k] = v
		}
	}
	return out
}

// MaxTimeoutMinutes is the longest timeout a workflow may declare (7 days).
const MaxTimeoutMinutes = 7 * 24 * 60

// Timeout converts TimeoutMinutes into a duration, clamped to
// [0, MaxTimeoutMinutes]. NaN yields zero.
func (c WorkflowConfig) Timeout() time.Duration {
	m := c.TimeoutMinutes
	switch {
	case math.IsNaN(m) || m <= 0:
		return 0
	case m > MaxTimeoutMinutes:
		m = MaxTimeoutMinutes
	}
	return time.Duration(m * float64(time.Minute))
}

// HasStep reports whether the pipeline contains kind.
func (c WorkflowConfig) HasStep(kind StepKind) bool {
	for _, s := range c.Steps {
		if s == kind {
			return true
		}
	}
	return false
}

// LogEntry is one line of an execution's append-only log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Step      StepKind  `json:"step,omitempty"`
}

// WorkflowExecution is one run of a workflow against one plugin.
type WorkflowExecution struct {
	ID           string            `json:"id"`
	WorkflowID   string            `json:"workflow_id"`
	PluginID     string            `json:"plugin_id"`
	Workflow     WorkflowConfig    `json:"workflow"`
	Params       map[string]string `json:"params,omitempty"`
	Status       ExecutionStatus   `json:"status"`
	CurrentStep  StepKind          `json:"current_step,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Deadline     time.Time         `json:"deadline"`
	Logs         []LogEntry        `json:"logs,omitempty"`
	Artifacts    map[string]any    `json:"artifacts,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// StartedAt returns the time the execution began running, falling back to
// its creation time for executions that never left Pending.
func (e WorkflowExecution) StartedAt() time.Time {
	if e.StartTime.IsZero() {
		return e.CreatedAt
	}
	return e.StartTime
}

// Duration returns the wall time between start and end. It is zero for
// non-terminal executions.
func (e WorkflowExecution) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartedAt())
}

// Clone returns a copy whose maps and slices are not shared with e.
func (e WorkflowExecution) Clone() WorkflowExecution {
	out := e
	out.Workflow = e.Workflow.Clone()
	if e.Params != nil {
		out.Params = make(map[string]string, len(e.Params))
		for k, v := range e.Params {
			out.Params[k] = v
		}
	}
	if e.EndTime != nil {
		end := *e.EndTime
		out.EndTime = &end
	}
	if e.Logs != nil {
		out.Logs = append([]LogEntry(nil), e.Logs...)
	}
	if e.Artifacts != nil {
		out.Artifacts = make(map[string]any, len(e.Artifacts))
		for k, v := range e.Artifacts {
			out.Artifacts[k] = v
		}
	}
	return out
}

// ExecutionFilters are optional filters for listing executions.
type ExecutionFilters struct {
	PluginID   string
	WorkflowID string
	Status     ExecutionStatus
	Limit      int
	Offset     int
}

// Statistics aggregates execution history.
type Statistics struct {
	TotalExecutions        int                     `json:"total_executions"`
	StatusCounts           map[ExecutionStatus]int `json:"status_counts"`
	SuccessRate            float64                 `json:"success_rate"`
	RecentExecutions       int                     `json:"recent_executions"`
	AverageDurationMinutes float64                 `json:"average_duration_minutes"`
}

// ExecutionSummary is the payload handed to notification channels when an
// execution finishes.
type ExecutionSummary struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowID   string          `json:"workflow_id"`
	PluginID     string          `json:"plugin_id"`
	Status       ExecutionStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
}

// Summary builds the notification payload for e.
func (e WorkflowExecution) Summary() ExecutionSummary {
	s := ExecutionSummary{
		ExecutionID:  e.ID,
		WorkflowID:   e.WorkflowID,
		PluginID:     e.PluginID,
		Status:       e.Status,
		ErrorMessage: e.ErrorMessage,
		StartTime:    e.StartedAt(),
	}
	if e.EndTime != nil {
		s.EndTime = *e.EndTime
	}
	return s
}

// String renders a short human readable description.
func (s ExecutionSummary) String() string {
	if s.ErrorMessage != "" {
		return fmt.Sprintf("%s (%s on %s): %s: %s", s.ExecutionID, s.WorkflowID, s.PluginID, s.Status, s.ErrorMessage)
	}
	return fmt.Sprintf("%s (%s on %s): %s", s.ExecutionID, s.WorkflowID, s.PluginID, s.Status)
}
