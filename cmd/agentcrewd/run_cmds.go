package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"agentcrew/internal/core"
	"agentcrew/internal/logging"
)

var brainCmd = &cobra.Command{
	Use:   "brain",
	Short: "Brain planning loop",
}

var brainRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one Brain cycle in the foreground",
	RunE:  runBrainCycle,
}

var routineCmd = &cobra.Command{
	Use:   "routine",
	Short: "Routines",
}

var routineRunCmd = &cobra.Command{
	Use:   "run <routine-id>",
	Short: "Run a routine now and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutine,
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Tasks",
}

var taskDispatchCmd = &cobra.Command{
	Use:   "dispatch <task-id>",
	Short: "Dispatch an approved task and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDispatch,
}

var (
	runUserID  string
	runAgentID int64
)

func init() {
	for _, c := range []*cobra.Command{brainRunCmd, routineRunCmd, taskDispatchCmd} {
		c.Flags().StringVar(&runUserID, "user-id", "", "user to act for")
		_ = c.MarkFlagRequired("user-id")
	}
	taskDispatchCmd.Flags().Int64Var(&runAgentID, "agent-id", 0, "agent to run the task on (default: the assigned agent)")

	brainCmd.AddCommand(brainRunCmd)
	routineCmd.AddCommand(routineRunCmd)
	taskCmd.AddCommand(taskDispatchCmd)
}

// withApp wires the daemon without the scheduler loop for one foreground run.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) (any, error)) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.NewStderr(cfg.Log.Level, cfg.Log.Format)
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a)
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(out); encErr != nil {
			return encErr
		}
	}
	return err
}

func runBrainCycle(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
		res := a.brain.RunCycle(ctx, runUserID)
		if !res.Success {
			return res, fmt.Errorf("brain cycle failed at %s: %s", res.Stage, res.Error)
		}
		return res, nil
	})
}

func runRoutine(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("routine id: %w", err)
	}
	return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
		res, err := a.routines.Dispatch(ctx, core.RoutineRequest{UserID: runUserID, RoutineID: id, Trigger: core.TriggerManual})
		if err != nil {
			return nil, err
		}
		return dispatchSummary(res), dispatchErr(res)
	})
}

func runTaskDispatch(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
		agentID := runAgentID
		if agentID == 0 {
			task, err := a.store.GetTask(ctx, runUserID, id)
			if err != nil {
				return nil, err
			}
			if task.AssignedToAgentID == nil {
				return nil, fmt.Errorf("task %d: %w", id, core.ErrNotAssigned)
			}
			agentID = *task.AssignedToAgentID
		}
		res, err := a.tasks.Dispatch(ctx, core.TaskRequest{UserID: runUserID, TaskID: id, AgentID: agentID, Trigger: core.TriggerManual})
		if err != nil {
			return nil, err
		}
		return dispatchSummary(res), dispatchErr(res)
	})
}

type runSummary struct {
	ExecutionID  int64   `json:"execution_id"`
	Status       string  `json:"status"`
	Output       string  `json:"output,omitempty"`
	Error        string  `json:"error,omitempty"`
	CostUSD      float64 `json:"cost_usd"`
	SessionSaved bool    `json:"session_saved"`
}

func dispatchSummary(res *core.DispatchResult) runSummary {
	out := runSummary{
		ExecutionID:  res.Execution.ID,
		Status:       string(res.Execution.Status),
		CostUSD:      res.Execution.CostUSD,
		SessionSaved: res.SessionSaved,
	}
	if res.Result != nil {
		out.Output = res.Result.Output
		out.Error = res.Result.Error
	}
	return out
}

func dispatchErr(res *core.DispatchResult) error {
	if res.Succeeded() {
		return nil
	}
	if msg := res.ErrorMessage(); msg != "" {
		return errors.New(msg)
	}
	return errors.New("run failed")
}
