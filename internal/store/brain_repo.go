package store

import (
	"context"
	"database/sql"
	"fmt"

	"agentcrew/internal/core"
)

func (s *Store) CreateBrainDecision(ctx context.Context, d *core.BrainDecision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	if d.PolicyVerdict == "" {
		d.PolicyVerdict = "allow"
	}
	params := "{}"
	if len(d.Parameters) > 0 {
		var err error
		if params, err = encodeJSON(d.Parameters); err != nil {
			return err
		}
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO brain_decisions (id, user_id, action, reasoning, target_id, target_agent_id, target_module_id,
			priority, parameters, brain_execution_id, execution_id, policy_verdict, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullableID(d.ID), d.UserID, d.Action, d.Reasoning, d.TargetID, nullableInt64(d.TargetAgentID), nullableInt64(d.TargetModuleID),
		d.Priority, params, nullableInt64(d.BrainExecutionID), nullableInt64(d.ExecutionID), d.PolicyVerdict, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert brain decision: %w", err)
	}
	if d.ID == 0 {
		if d.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("brain decision id: %w", err)
		}
	}
	return nil
}

// SetBrainDecisionExecution backfills the dispatched execution once.
func (s *Store) SetBrainDecisionExecution(ctx context.Context, userID string, id, executionID int64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE brain_decisions SET execution_id = ?
		WHERE id = ? AND user_id = ? AND execution_id IS NULL
	`, executionID, id, userID)
	if err != nil {
		return fmt.Errorf("set decision execution: %w", err)
	}
	return checkAffected(res, "brain decision", id)
}

// ListBrainDecisions returns the user's decisions, newest first.
func (s *Store) ListBrainDecisions(ctx context.Context, userID string, limit int) ([]*core.BrainDecision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, action, reasoning, target_id, target_agent_id, target_module_id, priority, parameters,
			brain_execution_id, execution_id, policy_verdict, created_at
		FROM brain_decisions
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list brain decisions: %w", err)
	}
	defer rows.Close()
	var out []*core.BrainDecision
	for rows.Next() {
		var (
			d                                             core.BrainDecision
			action, params, createdAt                     string
			targetAgent, targetModule, brainExec, execRef sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.UserID, &action, &d.Reasoning, &d.TargetID, &targetAgent, &targetModule, &d.Priority,
			&params, &brainExec, &execRef, &d.PolicyVerdict, &createdAt); err != nil {
			return nil, fmt.Errorf("scan brain decision: %w", err)
		}
		d.Action = core.DecisionAction(action)
		d.TargetAgentID = nullInt64Ptr(targetAgent)
		d.TargetModuleID = nullInt64Ptr(targetModule)
		d.BrainExecutionID = nullInt64Ptr(brainExec)
		d.ExecutionID = nullInt64Ptr(execRef)
		if err := decodeJSON(params, &d.Parameters); err != nil {
			return nil, fmt.Errorf("brain decision %d parameters: %w", d.ID, err)
		}
		d.CreatedAt = parseTime(createdAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Store) AppendMemory(ctx context.Context, entry *core.MemoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO brain_memory (user_id, kind, content, decision_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.UserID, entry.Kind, entry.Content, nullableInt64(entry.DecisionID), formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert brain memory: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("brain memory id: %w", err)
	}
	return nil
}

// ListMemory returns the user's most recent memory entries in chronological order.
func (s *Store) ListMemory(ctx context.Context, userID string, limit int) ([]*core.MemoryEntry, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, kind, content, decision_id, created_at FROM (
			SELECT * FROM brain_memory WHERE user_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list brain memory: %w", err)
	}
	defer rows.Close()
	var out []*core.MemoryEntry
	for rows.Next() {
		var (
			m               core.MemoryEntry
			kind, createdAt string
			decisionID      sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &kind, &m.Content, &decisionID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan brain memory: %w", err)
		}
		m.Kind = core.MemoryKind(kind)
		m.DecisionID = nullInt64Ptr(decisionID)
		m.CreatedAt = parseTime(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UpsertMetric records the latest value of a named metric.
func (s *Store) UpsertMetric(ctx context.Context, m *core.Metric) error {
	if m.CapturedAt.IsZero() {
		m.CapturedAt = s.now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO metrics (user_id, name, value, captured_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET value = excluded.value, captured_at = excluded.captured_at
	`, m.UserID, m.Name, m.Value, formatTime(m.CapturedAt))
	if err != nil {
		return fmt.Errorf("upsert metric: %w", err)
	}
	return nil
}

func (s *Store) ListMetrics(ctx context.Context, userID string) ([]*core.Metric, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT user_id, name, value, captured_at FROM metrics WHERE user_id = ? ORDER BY name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()
	var out []*core.Metric
	for rows.Next() {
		var (
			m          core.Metric
			capturedAt string
		)
		if err := rows.Scan(&m.UserID, &m.Name, &m.Value, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.CapturedAt = parseTime(capturedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}
