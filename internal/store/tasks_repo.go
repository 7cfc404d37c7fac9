package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agentcrew/internal/core"
)

const taskColumns = `id, user_id, title, description, priority, status,
	suggestion_reasoning, approval_reasoning, completion_summary, rejection_reasoning, failure_reason, blocked_reason,
	suggested_by_agent_id, suggested_by_module_id, assigned_to_agent_id, assigned_to_module_id, brain_decision_id, retry_of_task_id,
	approved_by, approved_at, rejected_by, rejected_at, started_at, completed_at, failed_at, blocked_at, cancelled_at,
	last_status_change_at, last_status_change_by, created_by, created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, task *core.Task) error {
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.LastStatusChangeAt.IsZero() {
		task.LastStatusChangeAt = now
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullableID(task.ID), task.UserID, task.Title, task.Description, task.Priority, task.Status,
		nullableText(task.SuggestionReasoning), nullableText(task.ApprovalReasoning), nullableText(task.CompletionSummary),
		nullableText(task.RejectionReasoning), nullableText(task.FailureReason), nullableText(task.BlockedReason),
		nullableInt64(task.SuggestedByAgentID), nullableInt64(task.SuggestedByModuleID),
		nullableInt64(task.AssignedToAgentID), nullableInt64(task.AssignedToModuleID),
		nullableInt64(task.BrainDecisionID), nullableInt64(task.RetryOfTaskID),
		nullableString(task.ApprovedBy), nullableTime(task.ApprovedAt), nullableString(task.RejectedBy), nullableTime(task.RejectedAt),
		nullableTime(task.StartedAt), nullableTime(task.CompletedAt), nullableTime(task.FailedAt),
		nullableTime(task.BlockedAt), nullableTime(task.CancelledAt),
		formatTime(task.LastStatusChangeAt), task.LastStatusChangeBy, task.CreatedBy, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if task.ID == 0 {
		if task.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("task id: %w", err)
		}
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, userID string, id int64) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
	task, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, userID string, filter core.TaskFilter) ([]*core.Task, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.AssignedToAgentID != nil {
		where = append(where, "assigned_to_agent_id = ?")
		args = append(args, *filter.AssignedToAgentID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ApplyTaskTransition moves the task from tr.From to tr.To, stamps the
// state's columns and appends a history row, all in one transaction.
// Reasoning columns keep the first value written.
func (s *Store) ApplyTaskTransition(ctx context.Context, userID string, id int64, tr core.TaskTransition) error {
	at := formatTime(tr.At)
	set := []string{"status = ?", "last_status_change_at = ?", "last_status_change_by = ?", "updated_at = ?"}
	args := []any{tr.To, at, tr.ChangedBy, formatTime(s.now())}
	reason := nullableText(tr.Reasoning)

	switch tr.To {
	case core.TaskStatusApproved:
		set = append(set, "approved_by = ?", "approved_at = ?", "approval_reasoning = COALESCE(approval_reasoning, ?)")
		args = append(args, tr.ChangedBy, at, reason)
		if tr.AssignedToAgentID != nil {
			set = append(set, "assigned_to_agent_id = ?")
			args = append(args, *tr.AssignedToAgentID)
		}
		if tr.AssignedToModuleID != nil {
			set = append(set, "assigned_to_module_id = ?")
			args = append(args, *tr.AssignedToModuleID)
		}
	case core.TaskStatusRejected:
		set = append(set, "rejected_by = ?", "rejected_at = ?", "rejection_reasoning = COALESCE(rejection_reasoning, ?)")
		args = append(args, tr.ChangedBy, at, reason)
	case core.TaskStatusInProgress:
		set = append(set, "started_at = COALESCE(started_at, ?)")
		args = append(args, at)
	case core.TaskStatusCompleted:
		set = append(set, "completed_at = ?", "completion_summary = COALESCE(completion_summary, ?)")
		args = append(args, at, reason)
	case core.TaskStatusFailed:
		set = append(set, "failed_at = ?", "failure_reason = COALESCE(failure_reason, ?)")
		args = append(args, at, reason)
	case core.TaskStatusBlocked:
		set = append(set, "blocked_at = ?", "blocked_reason = ?")
		args = append(args, at, reason)
	case core.TaskStatusCancelled:
		set = append(set, "cancelled_at = ?")
		args = append(args, at)
	}
	args = append(args, id, userID, tr.From)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE id = ? AND user_id = ? AND status = ?`, args...)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task status rows: %w", err)
		}
		if rows == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ? AND user_id = ?`, id, userID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %d: %w", id, core.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("reload task status: %w", err)
			}
			return fmt.Errorf("task %d is %s, expected %s: %w", id, current, tr.From, core.ErrTransitionConflict)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, reasoning, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, tr.From, tr.To, tr.ChangedBy, tr.Reasoning, at); err != nil {
			return fmt.Errorf("insert task history: %w", err)
		}
		return nil
	})
}

func (s *Store) ListTaskHistory(ctx context.Context, userID string, id int64) ([]*core.TaskStatusChange, error) {
	if _, err := s.GetTask(ctx, userID, id); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, changed_by, reasoning, created_at
		FROM task_status_history
		WHERE task_id = ?
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()
	var changes []*core.TaskStatusChange
	for rows.Next() {
		var (
			c         core.TaskStatusChange
			from, to  string
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.TaskID, &from, &to, &c.ChangedBy, &c.Reasoning, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		c.From = core.TaskStatus(from)
		c.To = core.TaskStatus(to)
		c.CreatedAt = parseTime(createdAt)
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}

func scanTask(row scanner) (*core.Task, error) {
	var (
		t                                                      core.Task
		priority, status                                       string
		suggestion, approval, completion, rejection, failure   sql.NullString
		blocked                                                sql.NullString
		sugAgent, sugModule, asgAgent, asgModule, brain, retry sql.NullInt64
		approvedBy, rejectedBy                                 sql.NullString
		approvedAt, rejectedAt, startedAt, completedAt         sql.NullString
		failedAt, blockedAt, cancelledAt                       sql.NullString
		lastChangeAt, createdAt, updatedAt                     string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &priority, &status,
		&suggestion, &approval, &completion, &rejection, &failure, &blocked,
		&sugAgent, &sugModule, &asgAgent, &asgModule, &brain, &retry,
		&approvedBy, &approvedAt, &rejectedBy, &rejectedAt, &startedAt, &completedAt, &failedAt, &blockedAt, &cancelledAt,
		&lastChangeAt, &t.LastStatusChangeBy, &t.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Priority = core.TaskPriority(priority)
	t.Status = core.TaskStatus(status)
	t.SuggestionReasoning = suggestion.String
	t.ApprovalReasoning = approval.String
	t.CompletionSummary = completion.String
	t.RejectionReasoning = rejection.String
	t.FailureReason = failure.String
	t.BlockedReason = blocked.String
	t.SuggestedByAgentID = nullInt64Ptr(sugAgent)
	t.SuggestedByModuleID = nullInt64Ptr(sugModule)
	t.AssignedToAgentID = nullInt64Ptr(asgAgent)
	t.AssignedToModuleID = nullInt64Ptr(asgModule)
	t.BrainDecisionID = nullInt64Ptr(brain)
	t.RetryOfTaskID = nullInt64Ptr(retry)
	t.ApprovedBy = nullStringPtr(approvedBy)
	t.ApprovedAt = parseNullTime(approvedAt)
	t.RejectedBy = nullStringPtr(rejectedBy)
	t.RejectedAt = parseNullTime(rejectedAt)
	t.StartedAt = parseNullTime(startedAt)
	t.CompletedAt = parseNullTime(completedAt)
	t.FailedAt = parseNullTime(failedAt)
	t.BlockedAt = parseNullTime(blockedAt)
	t.CancelledAt = parseNullTime(cancelledAt)
	t.LastStatusChangeAt = parseTime(lastChangeAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
