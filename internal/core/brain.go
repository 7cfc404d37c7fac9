package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"agentcrew/internal/capability"
)

const (
	defaultRecentExecutions = 20
	defaultMemoryEntries    = 30
	defaultBrainMaxTurns    = 20
	policyAllow             = "allow"
	policyBlock             = "block"
)

// AnalyticsRefresher pulls fresh metrics for a user before a Brain cycle.
type AnalyticsRefresher interface {
	Refresh(ctx context.Context, userID string) error
}

// PolicyInput is what the guardrail policy sees about a decision.
type PolicyInput struct {
	UserID         string `json:"user_id"`
	Action         string `json:"action"`
	TargetID       int64  `json:"target_id"`
	TargetStatus   string `json:"target_status"`
	Priority       string `json:"priority"`
	RecentFailures int    `json:"recent_failures"`
}

// PolicyVerdict is the guardrail outcome.
type PolicyVerdict struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Blocked reports whether the verdict stops the decision.
func (v PolicyVerdict) Blocked() bool {
	return v.Decision == policyBlock
}

// DecisionPolicy evaluates Brain decisions before they are dispatched.
type DecisionPolicy interface {
	Evaluate(ctx context.Context, in PolicyInput) (PolicyVerdict, error)
}

// BrainDeps wires a BrainLoop.
type BrainDeps struct {
	Store        Store
	Lifecycle    *TaskLifecycle
	Ledger       *Ledger
	Routines     *RoutineDispatcher
	Tasks        *TaskDispatcher
	Engine       Engine
	Capabilities CapabilityResolver
	Analytics    AnalyticsRefresher
	Documents    DocumentSource
	Policy       DecisionPolicy
	Notifier     Notifier
	Logger       *slog.Logger
	Now          func() time.Time

	WorkspaceRoot    string
	CapabilityNames  []string
	MaxTurns         int
	Model            string
	RecentExecutions int
	MemoryEntries    int
}

// BrainLoop runs planning cycles: review proposals, pick one action, dispatch it.
type BrainLoop struct {
	deps BrainDeps
}

// NewBrainLoop returns a loop over deps.
func NewBrainLoop(deps BrainDeps) *BrainLoop {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxTurns <= 0 {
		deps.MaxTurns = defaultBrainMaxTurns
	}
	if deps.RecentExecutions <= 0 {
		deps.RecentExecutions = defaultRecentExecutions
	}
	if deps.MemoryEntries <= 0 {
		deps.MemoryEntries = defaultMemoryEntries
	}
	return &BrainLoop{deps: deps}
}

// CycleResult summarizes one Brain cycle.
type CycleResult struct {
	UserID           string         `json:"user_id"`
	Success          bool           `json:"success"`
	Stage            string         `json:"stage,omitempty"`
	Error            string         `json:"error,omitempty"`
	Action           DecisionAction `json:"action,omitempty"`
	TargetID         int64          `json:"target_id,omitempty"`
	DecisionID       int64          `json:"decision_id,omitempty"`
	BrainExecutionID int64          `json:"brain_execution_id,omitempty"`
	ExecutionID      int64          `json:"execution_id,omitempty"`
	ReviewsApplied   int            `json:"reviews_applied"`
	PolicyVerdict    string         `json:"policy_verdict,omitempty"`
}

// cycle carries state between the stages of one RunCycle.
type cycle struct {
	userID   string
	result   CycleResult
	output   *BrainOutput
	decision *BrainDecision
}

// RunCycle runs one full planning cycle for userID. Every failure is folded
// into the returned result and a failure memory entry.
func (b *BrainLoop) RunCycle(ctx context.Context, userID string) (res CycleResult) {
	c := &cycle{userID: userID, result: CycleResult{UserID: userID}}
	defer func() {
		if rec := recover(); rec != nil {
			b.deps.Logger.Error("brain cycle panicked", "user_id", userID, "panic", rec)
			res = b.fail(ctx, c, "panic", fmt.Errorf("panic: %v", rec))
		}
	}()
	b.deps.Logger.Info("brain cycle started", "user_id", userID)

	if b.deps.Analytics != nil {
		BestEffort(b.deps.Logger, "refresh analytics", func() error {
			return b.deps.Analytics.Refresh(ctx, userID)
		}, "user_id", userID)
	}

	bundle, err := b.gather(ctx, userID)
	if err != nil {
		return b.fail(ctx, c, "context", err)
	}
	prompt, err := RenderBrainPrompt(bundle)
	if err != nil {
		return b.fail(ctx, c, "prompt", err)
	}

	output, err := b.think(ctx, c, prompt)
	if err != nil {
		return b.fail(ctx, c, "engine", err)
	}
	out, err := ParseBrainOutput(output)
	if err != nil {
		return b.fail(ctx, c, "parse", err)
	}
	c.output = out
	c.result.Action = out.Action
	c.result.TargetID = *out.TargetID

	targetStatus, err := b.validate(ctx, userID, out)
	if err != nil {
		return b.fail(ctx, c, "validate", err)
	}
	verdict, err := b.evaluate(ctx, userID, out, targetStatus)
	if err != nil {
		return b.fail(ctx, c, "policy", err)
	}
	c.result.PolicyVerdict = verdict.Decision

	decision := &BrainDecision{
		UserID:         userID,
		Action:         out.Action,
		Reasoning:      out.Reasoning,
		TargetID:       *out.TargetID,
		TargetAgentID:  out.AgentID,
		TargetModuleID: out.ModuleID,
		Priority:       out.Priority,
		Parameters:     out.Parameters,
		PolicyVerdict:  verdict.Decision,
		CreatedAt:      b.deps.Now(),
	}
	if c.result.BrainExecutionID != 0 {
		id := c.result.BrainExecutionID
		decision.BrainExecutionID = &id
	}
	if err := b.deps.Store.CreateBrainDecision(ctx, decision); err != nil {
		return b.fail(ctx, c, "persist", fmt.Errorf("persist decision: %w", err))
	}
	c.decision = decision
	c.result.DecisionID = decision.ID
	b.remember(ctx, userID, MemoryDecision, &decision.ID,
		fmt.Sprintf("Decided to %s %d: %s", decision.Action, decision.TargetID, truncate(decision.Reasoning, 300)))

	if verdict.Blocked() {
		reason := verdict.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return b.fail(ctx, c, "policy", fmt.Errorf("%s: %w", reason, ErrPolicyBlocked))
	}

	applied, err := b.applyReviews(ctx, userID, out.TaskReviews)
	c.result.ReviewsApplied = applied
	if err != nil {
		return b.fail(ctx, c, "reviews", err)
	}

	dispatched, err := b.dispatch(ctx, userID, decision)
	if dispatched != nil && dispatched.Execution != nil {
		c.result.ExecutionID = dispatched.Execution.ID
		BestEffort(b.deps.Logger, "link decision execution", func() error {
			return b.deps.Store.SetBrainDecisionExecution(ctx, userID, decision.ID, dispatched.Execution.ID)
		}, "decision_id", decision.ID)
	}
	if err != nil {
		return b.fail(ctx, c, "dispatch", err)
	}
	if !dispatched.Succeeded() {
		return b.fail(ctx, c, "run", errors.New(dispatched.ErrorMessage()))
	}

	b.remember(ctx, userID, MemoryOutcome, &decision.ID,
		fmt.Sprintf("%s %d succeeded in execution %d.", decision.Action, decision.TargetID, c.result.ExecutionID))
	c.result.Success = true
	b.deps.Logger.Info("brain cycle completed", "user_id", userID, "decision_id", decision.ID, "execution_id", c.result.ExecutionID)
	return c.result
}

// gather assembles the cycle's context bundle.
func (b *BrainLoop) gather(ctx context.Context, userID string) (*BrainContext, error) {
	st := b.deps.Store
	bc := &BrainContext{UserID: userID, Now: b.deps.Now()}

	if b.deps.Documents != nil {
		docs, err := b.deps.Documents.Documents(ctx, userID)
		if err != nil {
			b.deps.Logger.Warn("load brain documents", "user_id", userID, "err", err)
		}
		bc.Documents = docs
	}
	metrics, err := st.ListMetrics(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	bc.Metrics = metrics

	execs, err := st.ListExecutions(ctx, userID, ExecutionFilter{Limit: b.deps.RecentExecutions})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	for _, e := range execs {
		bc.RecentExecutions = append(bc.RecentExecutions, summarizeExecution(e))
	}

	active := RoutineStatusActive
	routines, err := st.ListRoutines(ctx, userID, RoutineFilter{Status: &active})
	if err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	bc.Routines = routines

	suggested := TaskStatusSuggested
	if bc.PendingTasks, err = st.ListTasks(ctx, userID, TaskFilter{Status: &suggested}); err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	approved := TaskStatusApproved
	if bc.ApprovedTasks, err = st.ListTasks(ctx, userID, TaskFilter{Status: &approved}); err != nil {
		return nil, fmt.Errorf("list approved tasks: %w", err)
	}
	if bc.Services, err = st.ListCredentialServices(ctx, userID); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	memory, err := st.ListMemory(ctx, userID, b.deps.MemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	bc.Memory = memory
	return bc, nil
}

var unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func (b *BrainLoop) workspace(userID string) (string, error) {
	dir := filepath.Join(b.deps.WorkspaceRoot, "brain-"+unsafeSegment.ReplaceAllString(userID, "_"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure brain workspace: %w", err)
	}
	return dir, nil
}

// think runs the engine on the rendered prompt under its own execution.
func (b *BrainLoop) think(ctx context.Context, c *cycle, prompt string) (string, error) {
	exec, err := b.deps.Ledger.Start(ctx, ExecutionSpec{UserID: c.userID, Trigger: TriggerBrain, Model: b.deps.Model})
	if err != nil {
		return "", err
	}
	c.result.BrainExecutionID = exec.ID

	dir, err := b.workspace(c.userID)
	if err != nil {
		b.finishFailed(ctx, exec, nil, err.Error())
		return "", err
	}
	descriptors := map[string]capability.Descriptor{}
	if b.deps.Capabilities != nil && len(b.deps.CapabilityNames) > 0 {
		resolution := b.deps.Capabilities.Resolve(ctx, capability.Request{UserID: c.userID, Names: b.deps.CapabilityNames})
		for _, skip := range resolution.Skipped {
			b.deps.Ledger.Log(ctx, exec.ID, LogWarn, "capabilities", "capability skipped", map[string]any{"capability": skip.Name, "reason": skip.Reason})
		}
		descriptors = resolution.Descriptors
	}
	b.deps.Ledger.Log(ctx, exec.ID, LogInfo, "brain", "brain cycle started", map[string]any{"prompt_bytes": len(prompt)})

	sink := b.deps.Ledger.Sink(ctx, exec.ID)
	res := runEngine(ctx, b.deps.Engine, prompt, RunOptions{
		WorkingDirectory: dir,
		MaxTurns:         b.deps.MaxTurns,
		Model:            b.deps.Model,
		Capabilities:     descriptors,
		OnProgress:       sink.Handle,
	})
	sink.Close()

	if !res.Success {
		b.finishFailed(ctx, exec, res, res.Error)
		return "", fmt.Errorf("brain engine: %s", res.Error)
	}
	if err := b.deps.Ledger.Complete(ctx, exec, res); err != nil {
		b.deps.Logger.Error("complete brain execution", "execution_id", exec.ID, "err", err)
	}
	return res.Output, nil
}

func (b *BrainLoop) finishFailed(ctx context.Context, exec *Execution, res *RunResult, msg string) {
	if err := b.deps.Ledger.Fail(ctx, exec, res, msg); err != nil {
		b.deps.Logger.Error("fail brain execution", "execution_id", exec.ID, "err", err)
	}
}

// validate checks that the decision target and every review reference belong
// to the user and that every review is a legal transition, so that nothing is
// applied for a decision that would fail part way. It returns the target's
// status as it will be once the reviews are applied.
func (b *BrainLoop) validate(ctx context.Context, userID string, out *BrainOutput) (string, error) {
	st := b.deps.Store
	projected := make(map[int64]TaskStatus, len(out.TaskReviews))
	for _, review := range out.TaskReviews {
		from, seen := projected[review.TaskID]
		if !seen {
			task, err := st.GetTask(ctx, userID, review.TaskID)
			if err != nil {
				return "", targetErr("reviewed task", review.TaskID, err)
			}
			from = task.Status
		}
		to := review.Status()
		if !CanTransition(from, to) {
			return "", fmt.Errorf("review task %d %s -> %s: %w", review.TaskID, from, to, ErrInvalidTransition)
		}
		projected[review.TaskID] = to
		if review.AssignToModuleID != nil {
			if _, err := st.GetRoutine(ctx, userID, *review.AssignToModuleID); err != nil {
				return "", targetErr("module", *review.AssignToModuleID, err)
			}
		}
		if review.AssignToAgentID != nil {
			if _, err := st.GetAgent(ctx, userID, *review.AssignToAgentID); err != nil {
				return "", targetErr("agent", *review.AssignToAgentID, err)
			}
		}
	}

	switch out.Action {
	case ActionRunRoutine:
		routine, err := st.GetRoutine(ctx, userID, *out.TargetID)
		if err != nil {
			return "", targetErr("routine", *out.TargetID, err)
		}
		return string(routine.Status), nil
	case ActionRunTask:
		task, err := st.GetTask(ctx, userID, *out.TargetID)
		if err != nil {
			return "", targetErr("task", *out.TargetID, err)
		}
		if out.AgentID != nil {
			if _, err := st.GetAgent(ctx, userID, *out.AgentID); err != nil {
				return "", targetErr("agent", *out.AgentID, err)
			}
		}
		if next, ok := projected[task.ID]; ok {
			return string(next), nil
		}
		return string(task.Status), nil
	}
	return "", nil
}

func targetErr(kind string, id int64, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s %d: %w", kind, id, ErrInvalidTarget)
	}
	return fmt.Errorf("%s %d: %w", kind, id, err)
}

// applyReviews feeds each review through the lifecycle. An approval that
// names a module is assigned to that routine's agent unless an agent is named.
func (b *BrainLoop) applyReviews(ctx context.Context, userID string, reviews []TaskReview) (int, error) {
	applied := 0
	for _, review := range reviews {
		to := review.Status()
		in := TransitionInput{ChangedBy: ActorBrain, Reasoning: review.Reasoning}
		if to == TaskStatusApproved {
			in.AssignToAgentID = review.AssignToAgentID
			if review.AssignToModuleID != nil {
				routine, err := b.deps.Store.GetRoutine(ctx, userID, *review.AssignToModuleID)
				if err != nil {
					return applied, targetErr("module", *review.AssignToModuleID, err)
				}
				in.AssignToModuleID = &routine.ID
				if in.AssignToAgentID == nil {
					agentID := routine.AgentID
					in.AssignToAgentID = &agentID
				}
			}
		}
		if _, err := b.deps.Lifecycle.UpdateTaskStatus(ctx, userID, review.TaskID, to, in); err != nil {
			return applied, fmt.Errorf("review task %d: %w", review.TaskID, err)
		}
		applied++
	}
	return applied, nil
}

func (b *BrainLoop) evaluate(ctx context.Context, userID string, out *BrainOutput, targetStatus string) (PolicyVerdict, error) {
	if b.deps.Policy == nil {
		return PolicyVerdict{Decision: policyAllow}, nil
	}
	failures, err := b.recentFailures(ctx, userID, out)
	if err != nil {
		return PolicyVerdict{}, err
	}
	verdict, err := b.deps.Policy.Evaluate(ctx, PolicyInput{
		UserID:         userID,
		Action:         string(out.Action),
		TargetID:       *out.TargetID,
		TargetStatus:   targetStatus,
		Priority:       out.Priority,
		RecentFailures: failures,
	})
	if err != nil {
		return PolicyVerdict{}, fmt.Errorf("evaluate policy: %w", err)
	}
	if verdict.Decision == "" {
		verdict.Decision = policyAllow
	}
	return verdict, nil
}

// recentFailures counts consecutive failed executions of the target, newest first.
func (b *BrainLoop) recentFailures(ctx context.Context, userID string, out *BrainOutput) (int, error) {
	filter := ExecutionFilter{Limit: 10}
	id := *out.TargetID
	if out.Action == ActionRunRoutine {
		filter.RoutineID = &id
	} else {
		filter.TaskID = &id
	}
	execs, err := b.deps.Store.ListExecutions(ctx, userID, filter)
	if err != nil {
		return 0, fmt.Errorf("list target executions: %w", err)
	}
	n := 0
	for _, e := range execs {
		if e.Status != ExecutionStatusFailed {
			break
		}
		n++
	}
	return n, nil
}

func (b *BrainLoop) dispatch(ctx context.Context, userID string, d *BrainDecision) (*DispatchResult, error) {
	switch d.Action {
	case ActionRunRoutine:
		if b.deps.Routines == nil {
			return nil, errors.New("routine dispatcher is not configured")
		}
		run, err := b.deps.Routines.Begin(ctx, RoutineRequest{UserID: userID, RoutineID: d.TargetID, Trigger: TriggerBrain})
		if err != nil {
			return nil, err
		}
		return run.Complete(ctx), nil
	case ActionRunTask:
		if b.deps.Tasks == nil {
			return nil, errors.New("task dispatcher is not configured")
		}
		task, err := b.deps.Store.GetTask(ctx, userID, d.TargetID)
		if err != nil {
			return nil, err
		}
		agentID := d.TargetAgentID
		if agentID == nil {
			agentID = task.AssignedToAgentID
		}
		if agentID == nil {
			return nil, fmt.Errorf("task %d has no agent: %w", task.ID, ErrNotAssigned)
		}
		run, err := b.deps.Tasks.Begin(ctx, TaskRequest{UserID: userID, TaskID: task.ID, AgentID: *agentID, Trigger: TriggerBrain})
		if err != nil {
			return nil, err
		}
		return run.Complete(ctx), nil
	}
	return nil, fmt.Errorf("action %q: %w", d.Action, ErrDecisionParse)
}

func (b *BrainLoop) remember(ctx context.Context, userID string, kind MemoryKind, decisionID *int64, content string) {
	BestEffort(b.deps.Logger, "append brain memory", func() error {
		return b.deps.Store.AppendMemory(ctx, &MemoryEntry{
			UserID:     userID,
			Kind:       kind,
			Content:    content,
			DecisionID: decisionID,
			CreatedAt:  b.deps.Now(),
		})
	}, "user_id", userID, "kind", string(kind))
}

func (b *BrainLoop) fail(ctx context.Context, c *cycle, stage string, err error) CycleResult {
	c.result.Success = false
	c.result.Stage = stage
	c.result.Error = err.Error()
	b.deps.Logger.Warn("brain cycle failed", "user_id", c.userID, "stage", stage, "err", err)

	var about strings.Builder
	fmt.Fprintf(&about, "Cycle failed at %s: %s", stage, truncate(err.Error(), 400))
	var decisionID *int64
	if c.decision != nil {
		decisionID = &c.decision.ID
		fmt.Fprintf(&about, " (decision %d: %s %d)", c.decision.ID, c.decision.Action, c.decision.TargetID)
	} else if c.output != nil {
		fmt.Fprintf(&about, " (proposed %s %d)", c.output.Action, *c.output.TargetID)
	}
	b.remember(ctx, c.userID, MemoryFailure, decisionID, about.String())

	if b.deps.Notifier != nil {
		BestEffort(b.deps.Logger, "send notification", func() error {
			return b.deps.Notifier.Send(ctx, "Brain cycle failed", about.String())
		}, "user_id", c.userID)
	}
	return c.result
}
