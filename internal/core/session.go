package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Session is an agent's resumable engine state.
type Session struct {
	SessionID     string
	WorkspacePath string
}

// SessionProbe reports whether the engine still holds a session on disk.
type SessionProbe interface {
	Exists(workspacePath, sessionID string) bool
}

// SessionStore persists per-agent session ids and workspace paths.
type SessionStore struct {
	agents        AgentStore
	workspaceRoot string
	probe         SessionProbe
}

// NewSessionStore returns a SessionStore rooted at workspaceRoot. probe may be nil.
func NewSessionStore(agents AgentStore, workspaceRoot string, probe SessionProbe) *SessionStore {
	return &SessionStore{agents: agents, workspaceRoot: workspaceRoot, probe: probe}
}

// GetSession returns the agent's session and makes sure its workspace exists.
func (s *SessionStore) GetSession(ctx context.Context, userID string, agentID int64) (Session, error) {
	agent, err := s.agents.GetAgent(ctx, userID, agentID)
	if err != nil {
		return Session{}, err
	}
	return s.sessionFor(agent)
}

func (s *SessionStore) sessionFor(agent *Agent) (Session, error) {
	sess := Session{WorkspacePath: s.defaultWorkspace(agent.ID)}
	if agent.WorkspacePath != nil && *agent.WorkspacePath != "" {
		sess.WorkspacePath = *agent.WorkspacePath
	}
	if agent.SessionID != nil {
		sess.SessionID = *agent.SessionID
	}
	if err := os.MkdirAll(sess.WorkspacePath, 0o755); err != nil {
		return Session{}, fmt.Errorf("ensure workspace for agent %d: %w", agent.ID, err)
	}
	return sess, nil
}

func (s *SessionStore) defaultWorkspace(agentID int64) string {
	return filepath.Join(s.workspaceRoot, "agent-"+strconv.FormatInt(agentID, 10))
}

// ResumeToken returns the id to pass as the engine's resume token, or "" when
// the engine no longer has that session and the run should start fresh.
func (s *SessionStore) ResumeToken(sess Session) string {
	if sess.SessionID == "" {
		return ""
	}
	if s.probe != nil && !s.probe.Exists(sess.WorkspacePath, sess.SessionID) {
		return ""
	}
	return sess.SessionID
}

// SaveSession stores next when it carries a session id that differs from
// previous. An empty id never replaces a stored one. It reports whether a
// write happened.
func (s *SessionStore) SaveSession(ctx context.Context, userID string, agentID int64, previous, next Session) (bool, error) {
	if next.SessionID == "" {
		return false, nil
	}
	if next.WorkspacePath == "" {
		next.WorkspacePath = previous.WorkspacePath
	}
	if next == previous {
		return false, nil
	}
	if err := s.agents.UpdateAgentSession(ctx, userID, agentID, next.SessionID, next.WorkspacePath); err != nil {
		return false, fmt.Errorf("save session for agent %d: %w", agentID, err)
	}
	return true, nil
}
