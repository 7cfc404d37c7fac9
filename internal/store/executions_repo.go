package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agentcrew/internal/core"
)

const executionColumns = `id, user_id, agent_id, routine_id, task_id, trigger_source, status, started_at, completed_at,
	duration_ms, cost_usd, error_message, output, metadata, created_at`

func (s *Store) CreateExecution(ctx context.Context, exec *core.Execution) error {
	exec.CreatedAt = s.now()
	if exec.Status == "" {
		exec.Status = core.ExecutionStatusPending
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = exec.CreatedAt
	}
	meta, err := encodeJSON(exec.Metadata)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullableID(exec.ID), exec.UserID, nullableInt64(exec.AgentID), nullableInt64(exec.RoutineID), nullableInt64(exec.TaskID),
		exec.Trigger, exec.Status, formatTime(exec.StartedAt), nullableTime(exec.CompletedAt),
		exec.DurationMs, exec.CostUSD, nullableString(exec.ErrorMessage), exec.Output, meta, formatTime(exec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if exec.ID == 0 {
		if exec.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("execution id: %w", err)
		}
	}
	return nil
}

// FinishExecution applies the final outcome once. A second call fails with
// core.ErrExecutionFinalized.
func (s *Store) FinishExecution(ctx context.Context, id int64, outcome core.ExecutionOutcome) error {
	meta, err := encodeJSON(outcome.Metadata)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, completed_at = ?, duration_ms = ?, cost_usd = ?, error_message = ?, output = ?, metadata = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, outcome.Status, formatTime(outcome.CompletedAt), outcome.DurationMs, outcome.CostUSD,
		nullableString(outcome.ErrorMessage), outcome.Output, meta, id)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish execution rows: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var status string
	err = s.DB.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reload execution status: %w", err)
	}
	return fmt.Errorf("execution %d is %s: %w", id, status, core.ErrExecutionFinalized)
}

func (s *Store) GetExecution(ctx context.Context, userID string, id int64) (*core.Execution, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ? AND user_id = ?`, id, userID)
	exec, err := scanExecution(row)
	if err != nil {
		return nil, notFound(err, "execution", id)
	}
	return exec, nil
}

// ListExecutions returns the user's executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, userID string, filter core.ExecutionFilter) ([]*core.Execution, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	if filter.AgentID != nil {
		where = append(where, "agent_id = ?")
		args = append(args, *filter.AgentID)
	}
	if filter.RoutineID != nil {
		where = append(where, "routine_id = ?")
		args = append(args, *filter.RoutineID)
	}
	if filter.TaskID != nil {
		where = append(where, "task_id = ?")
		args = append(args, *filter.TaskID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var execs []*core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *Store) AppendExecutionLog(ctx context.Context, entry *core.ExecutionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	meta := "{}"
	if len(entry.Metadata) > 0 {
		var err error
		if meta, err = encodeJSON(entry.Metadata); err != nil {
			return err
		}
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO execution_logs (execution_id, level, stage, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ExecutionID, entry.Level, entry.Stage, entry.Message, meta, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("execution log id: %w", err)
	}
	return nil
}

// ListExecutionLogs returns log lines with id greater than afterID, oldest first.
func (s *Store) ListExecutionLogs(ctx context.Context, executionID, afterID int64, limit int) ([]*core.ExecutionLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, execution_id, level, stage, message, metadata, created_at
		FROM execution_logs
		WHERE execution_id = ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, executionID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()
	var logs []*core.ExecutionLog
	for rows.Next() {
		var (
			entry     core.ExecutionLog
			level     string
			meta      string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &level, &entry.Stage, &entry.Message, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		entry.Level = core.LogLevel(level)
		if err := decodeJSON(meta, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("execution log %d metadata: %w", entry.ID, err)
		}
		entry.CreatedAt = parseTime(createdAt)
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

func scanExecution(row scanner) (*core.Execution, error) {
	var (
		e                         core.Execution
		agentID, routineID, task  sql.NullInt64
		trigger, status           string
		startedAt, createdAt      string
		completedAt, errMsg, meta sql.NullString
	)
	if err := row.Scan(&e.ID, &e.UserID, &agentID, &routineID, &task, &trigger, &status, &startedAt, &completedAt,
		&e.DurationMs, &e.CostUSD, &errMsg, &e.Output, &meta, &createdAt); err != nil {
		return nil, err
	}
	e.AgentID = nullInt64Ptr(agentID)
	e.RoutineID = nullInt64Ptr(routineID)
	e.TaskID = nullInt64Ptr(task)
	e.Trigger = core.Trigger(trigger)
	e.Status = core.ExecutionStatus(status)
	e.StartedAt = parseTime(startedAt)
	e.CompletedAt = parseNullTime(completedAt)
	e.ErrorMessage = nullStringPtr(errMsg)
	if err := decodeJSON(meta.String, &e.Metadata); err != nil {
		return nil, fmt.Errorf("execution %d metadata: %w", e.ID, err)
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
