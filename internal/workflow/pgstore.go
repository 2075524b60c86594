package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/stagehand/model"
)

// Postgres error codes the store reacts to.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	id            TEXT PRIMARY KEY,
	workflow_id   TEXT NOT NULL,
	plugin_id     TEXT NOT NULL,
	workflow      JSONB NOT NULL,
	params        JSONB,
	status        TEXT NOT NULL,
	current_step  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	start_time    TIMESTAMPTZ,
	end_time      TIMESTAMPTZ,
	deadline      TIMESTAMPTZ NOT NULL,
	artifacts     JSONB,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS workflow_executions_created_idx ON workflow_executions (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS workflow_executions_plugin_idx ON workflow_executions (plugin_id);
CREATE TABLE IF NOT EXISTS workflow_execution_logs (
	id           BIGSERIAL PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES workflow_executions (id) ON DELETE CASCADE,
	ts           TIMESTAMPTZ NOT NULL,
	level        TEXT NOT NULL,
	message      TEXT NOT NULL,
	step         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS workflow_execution_logs_exec_idx ON workflow_execution_logs (execution_id, id);
`

const terminalStatusList = `('success', 'failed', 'cancelled', 'timed_out')`

const executionColumns = `id, workflow_id, plugin_id, workflow, params, status, current_step,
	created_at, start_time, end_time, deadline, artifacts, error_message`

// PgExecutionStore is a PostgreSQL-backed ExecutionStore using pgx/v5.
type PgExecutionStore struct {
	pool *pgxpool.Pool
}

// NewPgExecutionStore creates a new PostgreSQL execution store.
func NewPgExecutionStore(pool *pgxpool.Pool) *PgExecutionStore {
	return &PgExecutionStore{pool: pool}
}

// Migrate creates the execution tables if they do not exist.
func (s *PgExecutionStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate execution schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgExecutionStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new execution and any initial log entries.
func (s *PgExecutionStore) Create(ctx context.Context, exec model.WorkflowExecution) error {
	workflowJSON, err := json.Marshal(exec.Workflow)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	paramsJSON, err := json.Marshal(exec.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	artifactsJSON, err := json.Marshal(exec.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		exec.ID, exec.WorkflowID, exec.PluginID, workflowJSON, paramsJSON,
		string(exec.Status), exec.CurrentStep.String(),
		exec.CreatedAt, nullTime(exec.StartTime), exec.EndTime, exec.Deadline,
		artifactsJSON, exec.ErrorMessage,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return model.NewConflictError(fmt.Sprintf("execution %q already exists", exec.ID))
		}
		return fmt.Errorf("insert execution: %w", err)
	}

	for _, entry := range exec.Logs {
		if err := insertLog(ctx, tx, exec.ID, entry); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Get retrieves an execution with its logs.
func (s *PgExecutionStore) Get(ctx context.Context, id string) (model.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowExecution{}, notFound(id)
	}
	if err != nil {
		return model.WorkflowExecution{}, err
	}

	logs, err := s.queryLogs(ctx, id)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	exec.Logs = logs
	return exec, nil
}

// Update persists execution progress unless the stored row is terminal.
func (s *PgExecutionStore) Update(ctx context.Context, exec model.WorkflowExecution) error {
	artifactsJSON, err := json.Marshal(exec.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET
			status = $2,
			current_step = $3,
			start_time = $4,
			artifacts = $5,
			error_message = $6
		WHERE id = $1 AND status NOT IN `+terminalStatusList,
		exec.ID, string(exec.Status), exec.CurrentStep.String(),
		nullTime(exec.StartTime), artifactsJSON, exec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.exists(ctx, exec.ID)
		if err != nil {
			return err
		}
		if !exists {
			return notFound(exec.ID)
		}
		return model.NewConflictError(fmt.Sprintf("execution %q already finished", exec.ID))
	}
	return nil
}

// Finish performs the terminal compare-and-set in a single statement.
func (s *PgExecutionStore) Finish(ctx context.Context, id string, outcome Outcome) (bool, error) {
	if !outcome.Status.IsTerminal() {
		return false, model.NewBadRequestError(fmt.Sprintf("status %q is not terminal", outcome.Status))
	}
	artifacts := outcome.Artifacts
	if artifacts == nil {
		artifacts = map[string]any{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return false, fmt.Errorf("marshal artifacts: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET
			status = $2,
			current_step = '',
			end_time = $3,
			error_message = CASE WHEN $4 = '' THEN error_message ELSE $4 END,
			artifacts = COALESCE(artifacts, '{}'::jsonb) || $5::jsonb
		WHERE id = $1 AND status NOT IN `+terminalStatusList,
		id, string(outcome.Status), outcome.EndTime, outcome.ErrorMessage, artifactsJSON,
	)
	if err != nil {
		return false, fmt.Errorf("finish execution: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	exists, err := s.exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, notFound(id)
	}
	return false, nil
}

// AppendLog adds an entry to an execution's log.
func (s *PgExecutionStore) AppendLog(ctx context.Context, id string, entry model.LogEntry) error {
	err := insertLog(ctx, s.pool, id, entry)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return notFound(id)
	}
	return err
}

// GetLogs returns an execution's log in append order.
func (s *PgExecutionStore) GetLogs(ctx context.Context, id string) ([]model.LogEntry, error) {
	exists, err := s.exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound(id)
	}
	return s.queryLogs(ctx, id)
}

// List returns matching executions, newest first, without logs.
func (s *PgExecutionStore) List(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.PluginID != "" {
		query += fmt.Sprintf(" AND plugin_id = $%d", argIdx)
		args = append(args, filters.PluginID)
		argIdx++
	}
	if filters.WorkflowID != "" {
		query += fmt.Sprintf(" AND workflow_id = $%d", argIdx)
		args = append(args, filters.WorkflowID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filters.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	result := []model.WorkflowExecution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// Statistics aggregates every stored execution.
func (s *PgExecutionStore) Statistics(ctx context.Context, now time.Time) (model.Statistics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COALESCE(start_time, created_at), end_time
		FROM workflow_executions`)
	if err != nil {
		return model.Statistics{}, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	acc := newStatsAccumulator(now)
	for rows.Next() {
		var status string
		var started time.Time
		var end *time.Time
		if err := rows.Scan(&status, &started, &end); err != nil {
			return model.Statistics{}, fmt.Errorf("scan statistics: %w", err)
		}
		acc.add(model.ExecutionStatus(status), started, end)
	}
	if err := rows.Err(); err != nil {
		return model.Statistics{}, err
	}
	return acc.result(), nil
}

// Cleanup deletes finished executions older than cutoff. Logs go with them
// through the cascading foreign key.
func (s *PgExecutionStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_executions
		WHERE COALESCE(start_time, created_at) < $1
		  AND status IN `+terminalStatusList,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup executions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgExecutionStore) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check execution: %w", err)
	}
	return exists, nil
}

func (s *PgExecutionStore) queryLogs(ctx context.Context, id string) ([]model.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, level, message, step
		FROM workflow_execution_logs
		WHERE execution_id = $1
		ORDER BY id ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query execution logs: %w", err)
	}
	defer rows.Close()

	logs := []model.LogEntry{}
	for rows.Next() {
		var entry model.LogEntry
		var step string
		if err := rows.Scan(&entry.Timestamp, &entry.Level, &entry.Message, &step); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		if entry.Step, err = parseStoredStep(step); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertLog(ctx context.Context, db execer, id string, entry model.LogEntry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO workflow_execution_logs (execution_id, ts, level, message, step)
		VALUES ($1, $2, $3, $4, $5)`,
		id, entry.Timestamp, entry.Level, entry.Message, entry.Step.String(),
	)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

func scanExecution(row pgx.Row) (model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	var workflowJSON, paramsJSON, artifactsJSON []byte
	var status, step string
	var start *time.Time

	err := row.Scan(
		&exec.ID, &exec.WorkflowID, &exec.PluginID, &workflowJSON, &paramsJSON,
		&status, &step, &exec.CreatedAt, &start, &exec.EndTime, &exec.Deadline,
		&artifactsJSON, &exec.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return exec, err
	}
	if err != nil {
		return exec, fmt.Errorf("scan execution: %w", err)
	}

	exec.Status = model.ExecutionStatus(status)
	if exec.CurrentStep, err = parseStoredStep(step); err != nil {
		return exec, err
	}
	if start != nil {
		exec.StartTime = *start
	}
	if err := json.Unmarshal(workflowJSON, &exec.Workflow); err != nil {
		return exec, fmt.Errorf("unmarshal workflow: %w", err)
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &exec.Params); err != nil {
			return exec, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(artifactsJSON) > 0 {
		if err := json.Unmarshal(artifactsJSON, &exec.Artifacts); err != nil {
			return exec, fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	return exec, nil
}

func parseStoredStep(s string) (model.StepKind, error) {
	if s == "" {
		return model.StepNone, nil
	}
	return model.ParseStepKind(s)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
