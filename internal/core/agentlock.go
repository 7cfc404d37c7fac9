package core

import (
	"fmt"
	"sync"
)

// AgentLocks is an advisory lock table keyed by agent id. One dispatch per
// agent may hold the lock; it guards the agent's session and workspace.
type AgentLocks struct {
	mu   sync.Mutex
	held map[int64]string
}

// NewAgentLocks returns an empty lock table.
func NewAgentLocks() *AgentLocks {
	return &AgentLocks{held: make(map[int64]string)}
}

// TryAcquire takes the lock for agentID on behalf of holder. The returned
// release function is safe to call more than once.
func (l *AgentLocks) TryAcquire(agentID int64, holder string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.held[agentID]; ok {
		return nil, fmt.Errorf("agent %d held by %s: %w", agentID, current, ErrAgentBusy)
	}
	l.held[agentID] = holder
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, agentID)
			l.mu.Unlock()
		})
	}, nil
}

// Holder returns who holds the lock for agentID, if anyone.
func (l *AgentLocks) Holder(agentID int64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[agentID]
	return h, ok
}
