package core

import (
	"time"
)

// AgentStatus describes whether an agent may receive new dispatches.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

// AgentConfig is the per-agent configuration bag.
type AgentConfig struct {
	Capabilities       []string                     `json:"capabilities,omitempty"`
	MaxTurns           int                          `json:"max_turns,omitempty"`
	Model              string                       `json:"model,omitempty"`
	CapabilitySettings map[string]map[string]string `json:"capability_settings,omitempty"`
}

// Agent is a persistent actor that owns routines and receives tasks.
type Agent struct {
	ID                   int64
	UserID               string
	Name                 string
	Role                 string
	AgentType            string
	Status               AgentStatus
	Config               AgentConfig
	SessionID            *string
	WorkspacePath        *string
	RoutineRunsCompleted int
	TasksCompleted       int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AgentCounter names a monotonically increasing agent counter.
type AgentCounter string

const (
	CounterRoutineRuns AgentCounter = "routine_runs_completed"
	CounterTasks       AgentCounter = "tasks_completed"
)

// Frequency controls how a routine is rescheduled after a successful run.
type Frequency string

const (
	FrequencyManual Frequency = "manual"
	FrequencyAuto   Frequency = "auto"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyManual, FrequencyAuto, FrequencyDaily, FrequencyWeekly:
		return true
	}
	return false
}

// RoutineStatus describes whether a routine may be dispatched.
type RoutineStatus string

const (
	RoutineStatusActive RoutineStatus = "active"
	RoutineStatusPaused RoutineStatus = "paused"
)

// RoutineType selects prompt framing and domain capabilities.
type RoutineType string

const (
	RoutineTypeGeneral   RoutineType = "general"
	RoutineTypeCode      RoutineType = "code"
	RoutineTypeContent   RoutineType = "content"
	RoutineTypeAnalytics RoutineType = "analytics"
	RoutineTypeOutreach  RoutineType = "outreach"
)

// Valid reports whether t is a known routine type.
func (t RoutineType) Valid() bool {
	switch t {
	case RoutineTypeGeneral, RoutineTypeCode, RoutineTypeContent, RoutineTypeAnalytics, RoutineTypeOutreach:
		return true
	}
	return false
}

// NeedsRepository reports whether runs of this type work on a local repository snapshot.
func (t RoutineType) NeedsRepository() bool {
	return t == RoutineTypeCode
}

// RepositoryRef points at an external repository a routine works on.
type RepositoryRef struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
}

// RoutineConfig holds the routine goal and its overrides of the agent config.
type RoutineConfig struct {
	Goal               string                       `json:"goal,omitempty"`
	Guardrails         []string                     `json:"guardrails,omitempty"`
	Capabilities       []string                     `json:"capabilities,omitempty"`
	CapabilitySettings map[string]map[string]string `json:"capability_settings,omitempty"`
	MaxTurns           int                          `json:"max_turns,omitempty"`
	Model              string                       `json:"model,omitempty"`
	Repository         *RepositoryRef               `json:"repository,omitempty"`
}

// Routine is a recurring unit of work owned by exactly one agent.
type Routine struct {
	ID        int64
	UserID    string
	AgentID   int64
	Name      string
	Type      RoutineType
	Frequency Frequency
	Status    RoutineStatus
	Config    RoutineConfig
	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskStatus is a state of the task lifecycle.
type TaskStatus string

const (
	TaskStatusSuggested  TaskStatus = "suggested"
	TaskStatusApproved   TaskStatus = "approved"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRejected   TaskStatus = "rejected"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// TaskPriority orders tasks for reviewers.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Valid reports whether p is a known priority.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is a provenance-tracked unit of work.
type Task struct {
	ID                  int64
	UserID              string
	Title               string
	Description         string
	Priority            TaskPriority
	Status              TaskStatus
	SuggestionReasoning string
	ApprovalReasoning   string
	CompletionSummary   string
	RejectionReasoning  string
	FailureReason       string
	BlockedReason       string
	SuggestedByAgentID  *int64
	SuggestedByModuleID *int64
	AssignedToAgentID   *int64
	AssignedToModuleID  *int64
	BrainDecisionID     *int64
	RetryOfTaskID       *int64
	ApprovedBy          *string
	ApprovedAt          *time.Time
	RejectedBy          *string
	RejectedAt          *time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	FailedAt            *time.Time
	BlockedAt           *time.Time
	CancelledAt         *time.Time
	LastStatusChangeAt  time.Time
	LastStatusChangeBy  string
	CreatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TaskStatusChange is one entry of a task's transition history.
type TaskStatusChange struct {
	ID        int64
	TaskID    int64
	From      TaskStatus
	To        TaskStatus
	ChangedBy string
	Reasoning string
	CreatedAt time.Time
}

// TaskTransition is a guarded status change handed to the store.
// The store applies it only while the task is still in From.
type TaskTransition struct {
	From               TaskStatus
	To                 TaskStatus
	ChangedBy          string
	Reasoning          string
	At                 time.Time
	AssignedToAgentID  *int64
	AssignedToModuleID *int64
}

// ExecutionStatus describes the state of one engine invocation.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Finished reports whether the execution reached a final status.
func (s ExecutionStatus) Finished() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Trigger records what caused an execution.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerBrain    Trigger = "brain"
)

// ExecutionMetadata is the free-form metadata bag of an execution.
type ExecutionMetadata struct {
	Model     string `json:"model,omitempty"`
	TurnCount int    `json:"turn_count,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Execution is one concrete invocation of the execution engine.
type Execution struct {
	ID           int64
	UserID       string
	AgentID      *int64
	RoutineID    *int64
	TaskID       *int64
	Trigger      Trigger
	Status       ExecutionStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	DurationMs   int64
	CostUSD      float64
	ErrorMessage *string
	Output       string
	Metadata     ExecutionMetadata
	CreatedAt    time.Time
}

// ExecutionOutcome is the single final update applied to an execution.
type ExecutionOutcome struct {
	Status       ExecutionStatus
	CompletedAt  time.Time
	DurationMs   int64
	CostUSD      float64
	ErrorMessage *string
	Output       string
	Metadata     ExecutionMetadata
}

// LogLevel is the severity of an execution log line.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ExecutionLog is one append-only log line of an execution.
type ExecutionLog struct {
	ID          int64
	ExecutionID int64
	Level       LogLevel
	Stage       string
	Message     string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// DecisionAction is what the Brain asked to run.
type DecisionAction string

const (
	ActionRunRoutine DecisionAction = "run_routine"
	ActionRunTask    DecisionAction = "run_task"
)

// BrainDecision records one Brain cycle's decision.
type BrainDecision struct {
	ID               int64
	UserID           string
	Action           DecisionAction
	Reasoning        string
	TargetID         int64
	TargetAgentID    *int64
	TargetModuleID   *int64
	Priority         string
	Parameters       map[string]any
	BrainExecutionID *int64
	ExecutionID      *int64
	PolicyVerdict    string
	CreatedAt        time.Time
}

// MemoryKind classifies Brain memory entries.
type MemoryKind string

const (
	MemoryDecision MemoryKind = "decision"
	MemoryOutcome  MemoryKind = "outcome"
	MemoryFailure  MemoryKind = "failure"
)

// MemoryEntry is a human-readable note carried into later Brain cycles.
type MemoryEntry struct {
	ID         int64
	UserID     string
	Kind       MemoryKind
	Content    string
	DecisionID *int64
	CreatedAt  time.Time
}

// Metric is one structured metric captured for the Brain context.
type Metric struct {
	UserID     string
	Name       string
	Value      float64
	CapturedAt time.Time
}
