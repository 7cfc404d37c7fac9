package store

import (
	"context"
	"database/sql"
	"fmt"

	"agentcrew/internal/core"
)

const agentColumns = `id, user_id, name, role, agent_type, status, config, session_id, workspace_path,
	routine_runs_completed, tasks_completed, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, agent *core.Agent) error {
	now := s.now()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = core.AgentStatusActive
	}
	cfg, err := encodeJSON(agent.Config)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, name, role, agent_type, status, config, session_id, workspace_path,
			routine_runs_completed, tasks_completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
	`, nullableID(agent.ID), agent.UserID, agent.Name, agent.Role, agent.AgentType, agent.Status, cfg,
		nullableString(agent.SessionID), nullableString(agent.WorkspacePath),
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	if agent.ID == 0 {
		if agent.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("agent id: %w", err)
		}
	}
	return nil
}

// UpdateAgent writes the editable agent fields. Session fields and counters
// have their own writers.
func (s *Store) UpdateAgent(ctx context.Context, agent *core.Agent) error {
	agent.UpdatedAt = s.now()
	cfg, err := encodeJSON(agent.Config)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE agents
		SET name = ?, role = ?, agent_type = ?, status = ?, config = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, agent.Name, agent.Role, agent.AgentType, agent.Status, cfg, formatTime(agent.UpdatedAt), agent.ID, agent.UserID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return checkAffected(res, "agent", agent.ID)
}

// DeleteAgent removes the agent and cascades to its routines and executions.
func (s *Store) DeleteAgent(ctx context.Context, userID string, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM agents WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return checkAffected(res, "agent", id)
}

func (s *Store) GetAgent(ctx context.Context, userID string, id int64) (*core.Agent, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ? AND user_id = ?`, id, userID)
	agent, err := scanAgent(row)
	if err != nil {
		return nil, notFound(err, "agent", id)
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context, userID string) ([]*core.Agent, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()
	var agents []*core.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentSession(ctx context.Context, userID string, id int64, sessionID, workspacePath string) error {
	if sessionID == "" {
		return fmt.Errorf("refusing to clear session of agent %d", id)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE agents
		SET session_id = ?, workspace_path = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, sessionID, nullableText(workspacePath), formatTime(s.now()), id, userID)
	if err != nil {
		return fmt.Errorf("update agent session: %w", err)
	}
	return checkAffected(res, "agent", id)
}

func (s *Store) IncrementAgentCounter(ctx context.Context, userID string, id int64, counter core.AgentCounter) error {
	var column string
	switch counter {
	case core.CounterRoutineRuns:
		column = "routine_runs_completed"
	case core.CounterTasks:
		column = "tasks_completed"
	default:
		return fmt.Errorf("unknown agent counter %q", counter)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE agents SET `+column+` = `+column+` + 1, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, formatTime(s.now()), id, userID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return checkAffected(res, "agent", id)
}

func scanAgent(row scanner) (*core.Agent, error) {
	var (
		agent     core.Agent
		status    string
		cfg       string
		sessionID sql.NullString
		workspace sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&agent.ID, &agent.UserID, &agent.Name, &agent.Role, &agent.AgentType, &status, &cfg,
		&sessionID, &workspace, &agent.RoutineRunsCompleted, &agent.TasksCompleted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	agent.Status = core.AgentStatus(status)
	if err := decodeJSON(cfg, &agent.Config); err != nil {
		return nil, fmt.Errorf("agent %d config: %w", agent.ID, err)
	}
	agent.SessionID = nullStringPtr(sessionID)
	agent.WorkspacePath = nullStringPtr(workspace)
	agent.CreatedAt = parseTime(createdAt)
	agent.UpdatedAt = parseTime(updatedAt)
	return &agent, nil
}
