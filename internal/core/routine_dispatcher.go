package core

import (
	"context"
	"fmt"
)

// RoutineRequest asks for one run of a routine.
type RoutineRequest struct {
	UserID    string
	RoutineID int64
	Trigger   Trigger
}

// RoutineDispatcher runs routines on their owning agents.
type RoutineDispatcher struct {
	deps DispatcherDeps
}

// NewRoutineDispatcher returns a dispatcher over deps.
func NewRoutineDispatcher(deps DispatcherDeps) *RoutineDispatcher {
	deps.normalize()
	return &RoutineDispatcher{deps: deps}
}

// RoutineRun is a routine run whose preconditions passed and whose execution
// row exists. Complete must be called exactly once to release the agent.
type RoutineRun struct {
	d         *RoutineDispatcher
	Routine   *Routine
	Agent     *Agent
	Execution *Execution
	release   func()
}

// Dispatch runs the routine to completion.
func (d *RoutineDispatcher) Dispatch(ctx context.Context, req RoutineRequest) (*DispatchResult, error) {
	run, err := d.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return run.Complete(ctx), nil
}

// Begin checks preconditions, takes the agent lock and creates the execution.
// Precondition failures leave no execution behind.
func (d *RoutineDispatcher) Begin(ctx context.Context, req RoutineRequest) (*RoutineRun, error) {
	routine, err := d.deps.Routines.GetRoutine(ctx, req.UserID, req.RoutineID)
	if err != nil {
		return nil, err
	}
	if routine.Status != RoutineStatusActive {
		return nil, fmt.Errorf("routine %d is %s: %w", routine.ID, routine.Status, ErrRoutineInactive)
	}
	agent, err := d.deps.Agents.GetAgent(ctx, req.UserID, routine.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != AgentStatusActive {
		return nil, fmt.Errorf("agent %d is %s: %w", agent.ID, agent.Status, ErrAgentInactive)
	}
	release, err := d.deps.Locks.TryAcquire(agent.ID, fmt.Sprintf("routine:%d", routine.ID))
	if err != nil {
		return nil, err
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerSchedule
	}
	cfg := MergeConfig(agent.Config, &routine.Config)
	exec, err := d.deps.Ledger.Start(ctx, ExecutionSpec{
		UserID:    req.UserID,
		AgentID:   &agent.ID,
		RoutineID: &routine.ID,
		Trigger:   trigger,
		Model:     firstNonEmpty(cfg.Model, d.deps.DefaultModel),
	})
	if err != nil {
		release()
		return nil, err
	}
	return &RoutineRun{d: d, Routine: routine, Agent: agent, Execution: exec, release: release}, nil
}

// Complete runs the engine and folds the outcome into the routine, the agent and the ledger.
func (r *RoutineRun) Complete(ctx context.Context) *DispatchResult {
	defer r.release()
	deps := &r.d.deps
	exec := r.Execution
	routine := r.Routine
	agent := r.Agent
	deps.Ledger.Log(ctx, exec.ID, LogInfo, "dispatch", "routine run started", map[string]any{
		"routine_id": routine.ID,
		"agent_id":   agent.ID,
		"trigger":    string(exec.Trigger),
	})

	cfg := MergeConfig(agent.Config, &routine.Config).WithTypeCapabilities(routine.Type)
	repoPath := r.materialize(ctx)
	repoURL := ""
	if routine.Config.Repository != nil {
		repoURL = routine.Config.Repository.URL
	}
	now := deps.Now()

	result, saved := deps.runWithSession(ctx, engineRun{
		userID:   routine.UserID,
		agent:    agent,
		exec:     exec,
		config:   cfg,
		repoURL:  repoURL,
		repoPath: repoPath,
		buildText: func(capabilities []string) string {
			return BuildRoutinePrompt(agent, routine, now, repoPath, capabilities)
		},
	})

	ranAt := exec.StartedAt
	if result.Success {
		if err := deps.Ledger.Complete(ctx, exec, result); err != nil {
			deps.Logger.Error("complete routine execution", "execution_id", exec.ID, "err", err)
		}
		next := NextRunAt(routine.Frequency, ranAt)
		BestEffort(deps.Logger, "update routine run times", func() error {
			return deps.Routines.UpdateRoutineRunTimes(ctx, routine.UserID, routine.ID, ranAt, next)
		}, "routine_id", routine.ID)
		BestEffort(deps.Logger, "increment routine counter", func() error {
			return deps.Agents.IncrementAgentCounter(ctx, routine.UserID, agent.ID, CounterRoutineRuns)
		}, "agent_id", agent.ID)
		deps.Ledger.Log(ctx, exec.ID, LogInfo, "completion", "routine run completed", map[string]any{
			"turns":    result.TurnCount,
			"cost_usd": result.CostUSD,
		})
		deps.Logger.Info("routine run completed", "routine_id", routine.ID, "execution_id", exec.ID, "turns", result.TurnCount)
	} else {
		if err := deps.Ledger.Fail(ctx, exec, result, result.Error); err != nil {
			deps.Logger.Error("fail routine execution", "execution_id", exec.ID, "err", err)
		}
		// A failed run is not rescheduled; the next run needs an explicit trigger.
		BestEffort(deps.Logger, "update routine run times", func() error {
			return deps.Routines.UpdateRoutineRunTimes(ctx, routine.UserID, routine.ID, ranAt, nil)
		}, "routine_id", routine.ID)
		deps.Ledger.Log(ctx, exec.ID, LogError, "completion", "routine run failed", map[string]any{"error": result.Error})
		deps.Logger.Warn("routine run failed", "routine_id", routine.ID, "execution_id", exec.ID, "err", result.Error)
		deps.notify(ctx, "Routine failed: "+routine.Name, result.Error)
	}
	return &DispatchResult{Execution: exec, Result: result, SessionSaved: saved}
}

// materialize refreshes the routine's repository snapshot. Failure is logged
// and the run continues without a local copy.
func (r *RoutineRun) materialize(ctx context.Context) string {
	deps := &r.d.deps
	ref := r.Routine.Config.Repository
	if !r.Routine.Type.NeedsRepository() || ref == nil || ref.URL == "" || deps.Repos == nil {
		return ""
	}
	var (
		path    string
		syncErr error
	)
	ok := BestEffort(deps.Logger, "refresh repository snapshot", func() error {
		path, syncErr = deps.Repos.Sync(ctx, r.Routine.UserID, *ref)
		return syncErr
	}, "routine_id", r.Routine.ID, "repository", ref.URL)
	if !ok {
		deps.Ledger.Log(ctx, r.Execution.ID, LogWarn, "repository", "repository refresh failed, continuing without snapshot", map[string]any{
			"repository": ref.URL,
			"error":      syncErr.Error(),
		})
		return ""
	}
	deps.Ledger.Log(ctx, r.Execution.ID, LogInfo, "repository", "repository snapshot ready", map[string]any{"repository": ref.URL, "path": path})
	return path
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
