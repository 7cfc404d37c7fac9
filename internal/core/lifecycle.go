package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	ActorSystem = "system"
	ActorBrain  = "brain"
)

// AgentActor is the changed_by value for an agent.
func AgentActor(agentID int64) string {
	return "agent:" + strconv.FormatInt(agentID, 10)
}

// UserActor is the changed_by value for a human user.
func UserActor(userID string) string {
	return "user:" + userID
}

// TransitionInput carries who is changing a task and why.
type TransitionInput struct {
	ChangedBy string
	// ActorAgentID identifies the agent performing the change, if any.
	ActorAgentID *int64
	Reasoning    string
	// Assignment is applied only when entering approved.
	AssignToAgentID  *int64
	AssignToModuleID *int64
}

// ProposeInput is an agent or Brain proposal for new work.
type ProposeInput struct {
	UserID          string
	Title           string
	Description     string
	Reasoning       string
	Priority        TaskPriority
	AgentID         *int64
	ModuleID        *int64
	BrainDecisionID *int64
}

// CreateInput is a human-created task.
type CreateInput struct {
	UserID           string
	CreatedBy        string
	Title            string
	Description      string
	Priority         TaskPriority
	Reasoning        string
	Approve          bool
	AssignToAgentID  *int64
	AssignToModuleID *int64
}

// TaskLifecycle is the only writer of task status.
type TaskLifecycle struct {
	tasks  TaskStore
	logger *slog.Logger
	now    func() time.Time
}

// NewTaskLifecycle returns a lifecycle engine over tasks.
func NewTaskLifecycle(tasks TaskStore, logger *slog.Logger) *TaskLifecycle {
	return &TaskLifecycle{tasks: tasks, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the lifecycle clock.
func (l *TaskLifecycle) WithClock(now func() time.Time) *TaskLifecycle {
	l.now = now
	return l
}

// UpdateTaskStatus moves a task to status to after checking the transition table,
// ownership and required reasoning.
func (l *TaskLifecycle) UpdateTaskStatus(ctx context.Context, userID string, taskID int64, to TaskStatus, in TransitionInput) (*Task, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", to, ErrInvalidTransition)
	}
	changedBy := strings.TrimSpace(in.ChangedBy)
	if changedBy == "" {
		return nil, fmt.Errorf("changed_by is required: %w", ErrInvalidTransition)
	}
	task, err := l.tasks.GetTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(task.Status, to) {
		return nil, fmt.Errorf("task %d %s -> %s: %w", taskID, task.Status, to, ErrInvalidTransition)
	}
	if to == TaskStatusInProgress {
		if task.AssignedToAgentID == nil || in.ActorAgentID == nil || *task.AssignedToAgentID != *in.ActorAgentID {
			return nil, fmt.Errorf("task %d: %w", taskID, ErrOwnership)
		}
	}
	reasoning := strings.TrimSpace(in.Reasoning)
	if requiresReasoning(to) && reasoning == "" {
		return nil, fmt.Errorf("task %d -> %s: %w", taskID, to, ErrMissingReasoning)
	}

	tr := TaskTransition{
		From:      task.Status,
		To:        to,
		ChangedBy: changedBy,
		Reasoning: reasoning,
		At:        l.now(),
	}
	if to == TaskStatusApproved {
		tr.AssignedToAgentID = in.AssignToAgentID
		tr.AssignedToModuleID = in.AssignToModuleID
	}
	if err := l.tasks.ApplyTaskTransition(ctx, userID, taskID, tr); err != nil {
		return nil, err
	}
	l.logger.Info("task status changed", "task_id", taskID, "from", task.Status, "to", to, "changed_by", changedBy)
	return l.tasks.GetTask(ctx, userID, taskID)
}

// Propose records new work suggested by an agent or the Brain.
func (l *TaskLifecycle) Propose(ctx context.Context, in ProposeInput) (*Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, errors.New("title is required")
	}
	createdBy := ActorBrain
	if in.AgentID != nil {
		createdBy = AgentActor(*in.AgentID)
	}
	now := l.now()
	task := &Task{
		UserID:              in.UserID,
		Title:               strings.TrimSpace(in.Title),
		Description:         in.Description,
		Priority:            normalizePriority(in.Priority),
		Status:              TaskStatusSuggested,
		SuggestionReasoning: strings.TrimSpace(in.Reasoning),
		SuggestedByAgentID:  in.AgentID,
		SuggestedByModuleID: in.ModuleID,
		BrainDecisionID:     in.BrainDecisionID,
		LastStatusChangeAt:  now,
		LastStatusChangeBy:  createdBy,
		CreatedBy:           createdBy,
	}
	if err := l.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// Create records a human-created task, optionally approving it directly.
func (l *TaskLifecycle) Create(ctx context.Context, in CreateInput) (*Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, errors.New("title is required")
	}
	createdBy := strings.TrimSpace(in.CreatedBy)
	if createdBy == "" {
		createdBy = UserActor(in.UserID)
	}
	now := l.now()
	task := &Task{
		UserID:             in.UserID,
		Title:              strings.TrimSpace(in.Title),
		Description:        in.Description,
		Priority:           normalizePriority(in.Priority),
		Status:             TaskStatusSuggested,
		LastStatusChangeAt: now,
		LastStatusChangeBy: createdBy,
		CreatedBy:          createdBy,
	}
	if in.Approve {
		task.Status = TaskStatusApproved
		task.ApprovalReasoning = strings.TrimSpace(in.Reasoning)
		task.ApprovedBy = &createdBy
		task.ApprovedAt = &now
		task.AssignedToAgentID = in.AssignToAgentID
		task.AssignedToModuleID = in.AssignToModuleID
	} else {
		task.SuggestionReasoning = strings.TrimSpace(in.Reasoning)
	}
	if err := l.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// Reissue creates fresh approved work from a failed or cancelled task. The
// original keeps its terminal state and audit trail.
func (l *TaskLifecycle) Reissue(ctx context.Context, userID string, taskID int64, changedBy, reasoning string) (*Task, error) {
	orig, err := l.tasks.GetTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if orig.Status != TaskStatusFailed && orig.Status != TaskStatusCancelled {
		return nil, fmt.Errorf("task %d is %s, only failed or cancelled work can be reissued: %w", taskID, orig.Status, ErrInvalidTransition)
	}
	if strings.TrimSpace(changedBy) == "" {
		changedBy = ActorSystem
	}
	now := l.now()
	task := &Task{
		UserID:             userID,
		Title:              orig.Title,
		Description:        orig.Description,
		Priority:           orig.Priority,
		Status:             TaskStatusApproved,
		ApprovalReasoning:  strings.TrimSpace(reasoning),
		AssignedToAgentID:  orig.AssignedToAgentID,
		AssignedToModuleID: orig.AssignedToModuleID,
		RetryOfTaskID:      &orig.ID,
		ApprovedBy:         &changedBy,
		ApprovedAt:         &now,
		LastStatusChangeAt: now,
		LastStatusChangeBy: changedBy,
		CreatedBy:          changedBy,
	}
	if orig.FailureReason != "" {
		task.BlockedReason = "previous attempt failed: " + orig.FailureReason
	}
	if err := l.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// History returns the task's status changes, oldest first.
func (l *TaskLifecycle) History(ctx context.Context, userID string, taskID int64) ([]*TaskStatusChange, error) {
	return l.tasks.ListTaskHistory(ctx, userID, taskID)
}

func normalizePriority(p TaskPriority) TaskPriority {
	if p.Valid() {
		return p
	}
	return PriorityMedium
}
