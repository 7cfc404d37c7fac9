package core

import (
	"context"
	"time"
)

// AgentStore is the agent persistence used by the dispatchers and the Session Store.
type AgentStore interface {
	GetAgent(ctx context.Context, userID string, id int64) (*Agent, error)
	UpdateAgentSession(ctx context.Context, userID string, id int64, sessionID, workspacePath string) error
	IncrementAgentCounter(ctx context.Context, userID string, id int64, counter AgentCounter) error
}

// RoutineFilter narrows ListRoutines.
type RoutineFilter struct {
	AgentID *int64
	Status  *RoutineStatus
}

// RoutineStore is the routine persistence used by the Routine Dispatcher and scheduler.
type RoutineStore interface {
	GetRoutine(ctx context.Context, userID string, id int64) (*Routine, error)
	ListRoutines(ctx context.Context, userID string, filter RoutineFilter) ([]*Routine, error)
	// ListDueRoutines spans all users; it is the scheduler's sweep query.
	ListDueRoutines(ctx context.Context, now time.Time, limit int) ([]*Routine, error)
	UpdateRoutineRunTimes(ctx context.Context, userID string, id int64, lastRunAt time.Time, nextRunAt *time.Time) error
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status            *TaskStatus
	AssignedToAgentID *int64
	Limit             int
}

// TaskStore is the task persistence behind the Task Lifecycle Engine.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, userID string, id int64) (*Task, error)
	ListTasks(ctx context.Context, userID string, filter TaskFilter) ([]*Task, error)
	ApplyTaskTransition(ctx context.Context, userID string, id int64, tr TaskTransition) error
	ListTaskHistory(ctx context.Context, userID string, id int64) ([]*TaskStatusChange, error)
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	AgentID   *int64
	RoutineID *int64
	TaskID    *int64
	Limit     int
}

// ExecutionStore is the persistence behind the Execution Ledger.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	FinishExecution(ctx context.Context, id int64, outcome ExecutionOutcome) error
	GetExecution(ctx context.Context, userID string, id int64) (*Execution, error)
	ListExecutions(ctx context.Context, userID string, filter ExecutionFilter) ([]*Execution, error)
	AppendExecutionLog(ctx context.Context, entry *ExecutionLog) error
	ListExecutionLogs(ctx context.Context, executionID, afterID int64, limit int) ([]*ExecutionLog, error)
}

// BrainStore is the persistence behind the Brain Decision Loop.
type BrainStore interface {
	CreateBrainDecision(ctx context.Context, decision *BrainDecision) error
	SetBrainDecisionExecution(ctx context.Context, userID string, id, executionID int64) error
	ListBrainDecisions(ctx context.Context, userID string, limit int) ([]*BrainDecision, error)
	AppendMemory(ctx context.Context, entry *MemoryEntry) error
	ListMemory(ctx context.Context, userID string, limit int) ([]*MemoryEntry, error)
	ListMetrics(ctx context.Context, userID string) ([]*Metric, error)
	ListCredentialServices(ctx context.Context, userID string) ([]string, error)
}

// Store is the full persistence contract. store.Store implements it.
type Store interface {
	AgentStore
	RoutineStore
	TaskStore
	ExecutionStore
	BrainStore
}
