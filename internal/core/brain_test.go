package core_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/core"
	"agentcrew/internal/testutil"
)

func brainAnswer(decision string) *core.RunResult {
	return &core.RunResult{Success: true, Output: "Reviewed the board.\n```json\n" + decision + "\n```"}
}

type stubPolicy struct {
	verdict core.PolicyVerdict
	inputs  []core.PolicyInput
}

func (p *stubPolicy) Evaluate(_ context.Context, in core.PolicyInput) (core.PolicyVerdict, error) {
	p.inputs = append(p.inputs, in)
	return p.verdict, nil
}

func (h *harness) brain(policy core.DecisionPolicy) *core.BrainLoop {
	return core.NewBrainLoop(core.BrainDeps{
		Store:         h.st,
		Lifecycle:     h.lifecycle,
		Ledger:        h.ledger,
		Routines:      h.routineDispatcher(),
		Tasks:         h.taskDispatcher(),
		Engine:        h.engine,
		Policy:        policy,
		Notifier:      h.notifier,
		Logger:        testutil.Logger(),
		Now:           h.clock.Now,
		WorkspaceRoot: h.workspace,
	})
}

func (h *harness) memory() []*core.MemoryEntry {
	h.t.Helper()
	entries, err := h.st.ListMemory(context.Background(), testutil.UserID, 100)
	require.NoError(h.t, err)
	return entries
}

func TestBrainCycleApprovesProposalAndRunsRoutine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		brainAnswer(`{"task_reviews":[{"task_id":1,"decision":"approve","reasoning":"fits the docs push","assign_to_module_id":7}],
			"action":"run_routine","target_id":7,"reasoning":"docs are stale","priority":"high"}`),
		&core.RunResult{Success: true, Output: "docs refreshed"},
	)
	testutil.SeedAgent(t, h.st, 3)
	testutil.SeedRoutine(t, h.st, 7, 3, core.FrequencyManual, func(r *core.Routine) { r.Name = "docs" })
	_, err := h.lifecycle.Propose(ctx, core.ProposeInput{UserID: testutil.UserID, Title: "Document the webhook API", Reasoning: "users keep asking"})
	require.NoError(t, err)
	require.NoError(t, h.st.UpsertMetric(ctx, &core.Metric{UserID: testutil.UserID, Name: "weekly_signups", Value: 41}))

	res := h.brain(nil).RunCycle(ctx, testutil.UserID)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.ReviewsApplied)
	assert.Equal(t, core.ActionRunRoutine, res.Action)
	assert.Equal(t, "allow", res.PolicyVerdict)
	assert.NotZero(t, res.BrainExecutionID)
	assert.NotZero(t, res.ExecutionID)
	assert.NotEqual(t, res.BrainExecutionID, res.ExecutionID)

	task, err := h.st.GetTask(ctx, testutil.UserID, 1)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusApproved, task.Status)
	assert.Equal(t, core.ActorBrain, *task.ApprovedBy)
	assert.Equal(t, int64(7), *task.AssignedToModuleID)
	assert.Equal(t, int64(3), *task.AssignedToAgentID)
	assert.Equal(t, "fits the docs push", task.ApprovalReasoning)

	decisions, err := h.st.ListBrainDecisions(ctx, testutil.UserID, 5)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, res.DecisionID, decisions[0].ID)
	assert.Equal(t, res.ExecutionID, *decisions[0].ExecutionID)
	assert.Equal(t, res.BrainExecutionID, *decisions[0].BrainExecutionID)

	brainExec, err := h.st.GetExecution(ctx, testutil.UserID, res.BrainExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.TriggerBrain, brainExec.Trigger)
	assert.Nil(t, brainExec.AgentID)
	routineExec, err := h.st.GetExecution(ctx, testutil.UserID, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.TriggerBrain, routineExec.Trigger)
	assert.Equal(t, int64(7), *routineExec.RoutineID)

	memory := h.memory()
	require.Len(t, memory, 2)
	assert.Equal(t, core.MemoryDecision, memory[0].Kind)
	assert.Equal(t, core.MemoryOutcome, memory[1].Kind)

	calls := h.engine.Calls()
	require.Len(t, calls, 2)
	prompt := calls[0].Prompt
	assert.Contains(t, prompt, "Document the webhook API")
	assert.Contains(t, prompt, "weekly_signups")
	assert.Contains(t, prompt, "docs")
	assert.Equal(t, filepath.Join(h.workspace, "brain-user-1"), calls[0].Options.WorkingDirectory)
}

func TestBrainCycleRunsAssignedTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAgent(t, h.st, 5)
	task := h.approvedTask(5, "Fix login redirect")
	h.engine = testutil.NewFakeEngine(
		brainAnswer(fmt.Sprintf(`{"action":"run_task","target_id":%d,"reasoning":"blocking signups"}`, task.ID)),
		&core.RunResult{Success: true, Output: "redirect fixed"},
	)

	res := h.brain(nil).RunCycle(ctx, testutil.UserID)
	require.True(t, res.Success, res.Error)

	got, err := h.st.GetTask(ctx, testutil.UserID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, got.Status)
	exec, err := h.st.GetExecution(ctx, testutil.UserID, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, *exec.TaskID)
	assert.Equal(t, core.TriggerBrain, exec.Trigger)
}

func TestBrainCycleParseFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &core.RunResult{Success: true, Output: "I think we should wait."})

	res := h.brain(nil).RunCycle(ctx, testutil.UserID)
	assert.False(t, res.Success)
	assert.Equal(t, "parse", res.Stage)

	brainExec, err := h.st.GetExecution(ctx, testutil.UserID, res.BrainExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusCompleted, brainExec.Status)

	decisions, err := h.st.ListBrainDecisions(ctx, testutil.UserID, 5)
	require.NoError(t, err)
	assert.Empty(t, decisions)

	memory := h.memory()
	require.Len(t, memory, 1)
	assert.Equal(t, core.MemoryFailure, memory[0].Kind)
	assert.True(t, strings.HasPrefix(memory[0].Content, "Cycle failed at parse"))
	assert.Equal(t, []string{"Brain cycle failed"}, h.notifier.Sent())
}

func TestBrainCycleEngineFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &core.RunResult{Success: false, Error: "overloaded"})

	res := h.brain(nil).RunCycle(ctx, testutil.UserID)
	assert.False(t, res.Success)
	assert.Equal(t, "engine", res.Stage)
	assert.Contains(t, res.Error, "overloaded")

	brainExec, err := h.st.GetExecution(ctx, testutil.UserID, res.BrainExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusFailed, brainExec.Status)
}

func TestBrainCycleInvalidTargetAppliesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, brainAnswer(`{"task_reviews":[{"task_id":1,"decision":"reject","reasoning":"out of scope"}],
		"action":"run_routine","target_id":99,"reasoning":"made up"}`))
	proposal, err := h.lifecycle.Propose(ctx, core.ProposeInput{UserID: testutil.UserID, Title: "Rewrite in Rust"})
	require.NoError(t, err)

	res := h.brain(nil).RunCycle(ctx, testutil.UserID)
	assert.False(t, res.Success)
	assert.Equal(t, "validate", res.Stage)
	assert.Zero(t, res.ReviewsApplied)

	got, err := h.st.GetTask(ctx, testutil.UserID, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusSuggested, got.Status)
	assert.Len(t, h.engine.Calls(), 1)

	memory := h.memory()
	require.Len(t, memory, 1)
	assert.Contains(t, memory[0].Content, "proposed run_routine 99")
}

func TestBrainCyclePolicyBlockPersistsDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, brainAnswer(`{"action":"run_routine","target_id":7,"reasoning":"try again"}`))
	testutil.SeedAgent(t, h.st, 3)
	testutil.SeedRoutine(t, h.st, 7, 3, core.FrequencyManual)
	for i := 0; i < 3; i++ {
		exec, err := h.ledger.Start(ctx, core.ExecutionSpec{UserID: testutil.UserID, AgentID: ptr(int64(3)), RoutineID: ptr(int64(7)), Trigger: core.TriggerManual})
		require.NoError(t, err)
		require.NoError(t, h.ledger.Fail(ctx, exec, nil, "boom"))
	}
	policy := &stubPolicy{verdict: core.PolicyVerdict{Decision: "block", Reason: "target keeps failing"}}

	res := h.brain(policy).RunCycle(ctx, testutil.UserID)
	assert.False(t, res.Success)
	assert.Equal(t, "policy", res.Stage)
	assert.Equal(t, "block", res.PolicyVerdict)
	assert.Contains(t, res.Error, "target keeps failing")

	require.Len(t, policy.inputs, 1)
	assert.Equal(t, 3, policy.inputs[0].RecentFailures)
	assert.Equal(t, "active", policy.inputs[0].TargetStatus)
	assert.Equal(t, "run_routine", policy.inputs[0].Action)

	decisions, err := h.st.ListBrainDecisions(ctx, testutil.UserID, 5)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "block", decisions[0].PolicyVerdict)
	assert.Nil(t, decisions[0].ExecutionID)
	assert.Len(t, h.engine.Calls(), 1)
}

func TestBrainCyclePolicyBlockAppliesNoReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, brainAnswer(`{"task_reviews":[{"task_id":1,"decision":"approve","reasoning":"worth it"}],
		"action":"run_routine","target_id":7,"reasoning":"try again"}`))
	testutil.SeedAgent(t, h.st, 3)
	testutil.SeedRoutine(t, h.st, 7, 3, core.FrequencyManual)
	proposal, err := h.lifecycle.Propose(ctx, core.ProposeInput{UserID: testutil.UserID, Title: "Add rate limits"})
	require.NoError(t, err)
	policy := &stubPolicy{verdict: core.PolicyVerdict{Decision: "block", Reason: "quiet hours"}}

	res := h.brain(policy).RunCycle(ctx, testutil.UserID)
	assert.False(t, res.Success)
	assert.Equal(t, "policy", res.Stage)
	assert.Zero(t, res.ReviewsApplied)

	got, err := h.st.GetTask(ctx, testutil.UserID, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusSuggested, got.Status)
	assert.Nil(t, got.ApprovedBy)
	history, err := h.st.ListTaskHistory(ctx, testutil.UserID, proposal.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestBrainCycleIllegalReviewAppliesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAgent(t, h.st, 3)
	testutil.SeedRoutine(t, h.st, 7, 3, core.FrequencyManual)
	proposal, err := h.lifecycle.Propose(ctx, core.ProposeInput{UserID: testutil.UserID, Title: "Add rate limits"})
	require.NoError(t, err)
	approved := h.approvedTask(3, "Rotate keys")
	h.engine = testutil.NewFakeEngine(brainAnswer(fmt.Sprintf(`{"task_reviews":[
		{"task_id":%d,"decision":"approve","reasoning":"worth it"},
		{"task_id":%d,"decision":"reject","reasoning":"not now"}],
		"action":"run_routine","target_id":7,"reasoning":"routine upkeep"}`, proposal.ID, approved.ID)))

	res := h.brain(nil).RunCycle(ctx, testutil.UserID)
	assert.False(t, res.Success)
	assert.Equal(t, "validate", res.Stage)
	assert.Contains(t, res.Error, "invalid task status transition")
	assert.Zero(t, res.ReviewsApplied)

	got, err := h.st.GetTask(ctx, testutil.UserID, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusSuggested, got.Status)
	got, err = h.st.GetTask(ctx, testutil.UserID, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusApproved, got.Status)

	decisions, err := h.st.ListBrainDecisions(ctx, testutil.UserID, 5)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestBrainCyclePolicySeesReviewedTargetStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAgent(t, h.st, 3)
	proposal, err := h.lifecycle.Propose(ctx, core.ProposeInput{UserID: testutil.UserID, Title: "Add rate limits"})
	require.NoError(t, err)
	h.engine = testutil.NewFakeEngine(
		brainAnswer(fmt.Sprintf(`{"task_reviews":[{"task_id":%d,"decision":"approve","reasoning":"worth it","assign_to_agent_id":3}],
			"action":"run_task","target_id":%d,"reasoning":"do it now"}`, proposal.ID, proposal.ID)),
		&core.RunResult{Success: true, Output: "limits added"},
	)
	policy := &stubPolicy{verdict: core.PolicyVerdict{Decision: "allow"}}

	res := h.brain(policy).RunCycle(ctx, testutil.UserID)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.ReviewsApplied)
	require.Len(t, policy.inputs, 1)
	assert.Equal(t, "approved", policy.inputs[0].TargetStatus)

	got, err := h.st.GetTask(ctx, testutil.UserID, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, got.Status)
}

func TestBrainCycleIncludesDocuments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "strategy.md"), []byte("Focus on retention this quarter."), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, testutil.UserID), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, testutil.UserID, "voice.md"), []byte("Keep copy short."), 0o644))

	docs, err := core.FileDocuments{Dir: dir}.Documents(ctx, testutil.UserID)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	h := newHarness(t, &core.RunResult{Success: true, Output: "no decision"})
	b := core.NewBrainLoop(core.BrainDeps{
		Store: h.st, Lifecycle: h.lifecycle, Ledger: h.ledger, Engine: h.engine,
		Documents: core.FileDocuments{Dir: dir}, Logger: testutil.Logger(), Now: h.clock.Now, WorkspaceRoot: h.workspace,
	})
	b.RunCycle(ctx, testutil.UserID)
	prompt := h.engine.Calls()[0].Prompt
	assert.Contains(t, prompt, "Focus on retention this quarter.")
	assert.Contains(t, prompt, "Keep copy short.")
}
