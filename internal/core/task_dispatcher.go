package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TaskRequest asks the assigned agent to work an approved task.
type TaskRequest struct {
	UserID  string
	TaskID  int64
	AgentID int64
	Trigger Trigger
	// AttachDelay is waited between execution creation and engine start so a
	// log viewer can attach first. Zero skips the wait.
	AttachDelay time.Duration
}

// TaskDispatcher runs approved tasks on their assigned agents.
type TaskDispatcher struct {
	deps DispatcherDeps
}

// NewTaskDispatcher returns a dispatcher over deps.
func NewTaskDispatcher(deps DispatcherDeps) *TaskDispatcher {
	deps.normalize()
	return &TaskDispatcher{deps: deps}
}

// TaskRun is a task that is in progress with its execution created.
// Complete must be called exactly once.
type TaskRun struct {
	d           *TaskDispatcher
	Task        *Task
	Agent       *Agent
	Module      *Routine
	Execution   *Execution
	attachDelay time.Duration
	release     func()
}

// Dispatch runs the task to completion.
func (d *TaskDispatcher) Dispatch(ctx context.Context, req TaskRequest) (*DispatchResult, error) {
	run, err := d.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return run.Complete(ctx), nil
}

// Begin validates the task and agent, takes the agent lock, moves the task to
// in_progress and creates the execution.
func (d *TaskDispatcher) Begin(ctx context.Context, req TaskRequest) (*TaskRun, error) {
	deps := &d.deps
	task, err := deps.Tasks.GetTask(ctx, req.UserID, req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusApproved {
		return nil, fmt.Errorf("task %d is %s: %w", task.ID, task.Status, ErrTaskNotApproved)
	}
	if task.AssignedToAgentID == nil || *task.AssignedToAgentID != req.AgentID {
		return nil, fmt.Errorf("task %d, agent %d: %w", task.ID, req.AgentID, ErrNotAssigned)
	}
	agent, err := deps.Agents.GetAgent(ctx, req.UserID, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != AgentStatusActive {
		return nil, fmt.Errorf("agent %d is %s: %w", agent.ID, agent.Status, ErrAgentInactive)
	}
	var module *Routine
	if task.AssignedToModuleID != nil {
		module, err = deps.Routines.GetRoutine(ctx, req.UserID, *task.AssignedToModuleID)
		if err != nil {
			return nil, fmt.Errorf("task %d module: %w", task.ID, err)
		}
	}

	release, err := deps.Locks.TryAcquire(agent.ID, fmt.Sprintf("task:%d", task.ID))
	if err != nil {
		return nil, err
	}
	task, err = deps.Lifecycle.UpdateTaskStatus(ctx, req.UserID, task.ID, TaskStatusInProgress, TransitionInput{
		ChangedBy:    AgentActor(agent.ID),
		ActorAgentID: &agent.ID,
	})
	if err != nil {
		release()
		return nil, err
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}
	exec, err := deps.Ledger.Start(ctx, ExecutionSpec{
		UserID:  req.UserID,
		AgentID: &agent.ID,
		TaskID:  &task.ID,
		Trigger: trigger,
		Model:   firstNonEmpty(d.config(agent, module).Model, deps.DefaultModel),
	})
	if err != nil {
		d.failTask(ctx, task, fmt.Sprintf("Dispatch aborted before the engine started: %v", err))
		release()
		return nil, err
	}
	return &TaskRun{
		d:           d,
		Task:        task,
		Agent:       agent,
		Module:      module,
		Execution:   exec,
		attachDelay: req.AttachDelay,
		release:     release,
	}, nil
}

func (d *TaskDispatcher) config(agent *Agent, module *Routine) RunConfig {
	if module == nil {
		return MergeConfig(agent.Config, nil)
	}
	return MergeConfig(agent.Config, &module.Config).WithTypeCapabilities(module.Type)
}

// Complete runs the engine and folds the outcome back into the task lifecycle.
// The task never stays in_progress once Complete returns.
func (r *TaskRun) Complete(ctx context.Context) (result *DispatchResult) {
	deps := &r.d.deps
	exec := r.Execution
	task := r.Task
	agent := r.Agent
	settled := false
	defer r.release()
	defer func() {
		if rec := recover(); rec != nil {
			deps.Logger.Error("task dispatch panicked", "task_id", task.ID, "execution_id", exec.ID, "panic", rec)
			msg := fmt.Sprintf("dispatcher panic: %v", rec)
			BestEffort(deps.Logger, "fail execution", func() error {
				return deps.Ledger.Fail(ctx, exec, nil, msg)
			}, "execution_id", exec.ID)
			result = &DispatchResult{Execution: exec, Result: &RunResult{Error: msg}}
		}
		if !settled {
			r.d.failTask(ctx, task, fmt.Sprintf("Execution %d was interrupted before the task finished.", exec.ID))
		}
	}()

	deps.Ledger.Log(ctx, exec.ID, LogInfo, "dispatch", "task run started", map[string]any{
		"task_id":  task.ID,
		"agent_id": agent.ID,
	})
	if r.attachDelay > 0 {
		select {
		case <-time.After(r.attachDelay):
		case <-ctx.Done():
		}
	}

	now := deps.Now()
	res, saved := deps.runWithSession(ctx, engineRun{
		userID: task.UserID,
		agent:  agent,
		exec:   exec,
		config: r.d.config(agent, r.Module),
		buildText: func(capabilities []string) string {
			return BuildTaskPrompt(agent, task, now, capabilities)
		},
	})

	if res.Success {
		summary := strings.TrimSpace(res.Output)
		if summary == "" {
			summary = fmt.Sprintf("Execution %d completed without a written summary.", exec.ID)
		}
		if err := deps.Ledger.Complete(ctx, exec, res); err != nil {
			deps.Logger.Error("complete task execution", "execution_id", exec.ID, "err", err)
		}
		_, err := deps.Lifecycle.UpdateTaskStatus(ctx, task.UserID, task.ID, TaskStatusCompleted, TransitionInput{
			ChangedBy:    AgentActor(agent.ID),
			ActorAgentID: &agent.ID,
			Reasoning:    summary,
		})
		if err != nil {
			deps.Logger.Error("mark task completed", "task_id", task.ID, "err", err)
			deps.Ledger.Log(ctx, exec.ID, LogError, "completion", "could not mark task completed", map[string]any{"error": err.Error()})
		} else {
			settled = true
			BestEffort(deps.Logger, "increment task counter", func() error {
				return deps.Agents.IncrementAgentCounter(ctx, task.UserID, agent.ID, CounterTasks)
			}, "agent_id", agent.ID)
			deps.Ledger.Log(ctx, exec.ID, LogInfo, "completion", "task completed", map[string]any{"task_id": task.ID})
		}
	} else {
		if err := deps.Ledger.Fail(ctx, exec, res, res.Error); err != nil {
			deps.Logger.Error("fail task execution", "execution_id", exec.ID, "err", err)
		}
		r.d.failTask(ctx, task, fmt.Sprintf("Execution %d failed: %s", exec.ID, res.Error))
		settled = true
		deps.Ledger.Log(ctx, exec.ID, LogError, "completion", "task failed", map[string]any{"task_id": task.ID, "error": res.Error})
		deps.notify(ctx, "Task failed: "+task.Title, res.Error)
	}
	return &DispatchResult{Execution: exec, Result: res, SessionSaved: saved}
}

// failTask marks an in-progress task failed on behalf of the system.
func (d *TaskDispatcher) failTask(ctx context.Context, task *Task, summary string) {
	current, err := d.deps.Tasks.GetTask(ctx, task.UserID, task.ID)
	if err == nil && current.Status != TaskStatusInProgress {
		return
	}
	BestEffort(d.deps.Logger, "mark task failed", func() error {
		_, err := d.deps.Lifecycle.UpdateTaskStatus(ctx, task.UserID, task.ID, TaskStatusFailed, TransitionInput{
			ChangedBy: ActorSystem,
			Reasoning: summary,
		})
		return err
	}, "task_id", task.ID)
}
