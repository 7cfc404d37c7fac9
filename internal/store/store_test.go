package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/core"
	"agentcrew/internal/store"
	"agentcrew/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = store.Open(context.Background(), dir)
	require.NoError(t, err)
	defer st.Close()
	var count int
	require.NoError(t, st.DB.QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestAgentRoundTripAndOwnership(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore(t)
	agent := testutil.SeedAgent(t, st, 7, func(a *core.Agent) {
		a.Config = core.AgentConfig{Capabilities: []string{"source-control"}, MaxTurns: 12}
	})

	got, err := st.GetAgent(ctx, testutil.UserID, 7)
	require.NoError(t, err)
	assert.Equal(t, agent.Name, got.Name)
	assert.Equal(t, []string{"source-control"}, got.Config.Capabilities)
	assert.Equal(t, 12, got.Config.MaxTurns)
	assert.Nil(t, got.SessionID)

	_, err = st.GetAgent(ctx, "someone-else", 7)
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, st.UpdateAgentSession(ctx, testutil.UserID, 7, "sess-1", "/work/agent-7"))
	require.Error(t, st.UpdateAgentSession(ctx, testutil.UserID, 7, "", "/work/agent-7"))
	require.NoError(t, st.IncrementAgentCounter(ctx, testutil.UserID, 7, core.CounterTasks))
	require.NoError(t, st.IncrementAgentCounter(ctx, testutil.UserID, 7, core.CounterTasks))

	got, err = st.GetAgent(ctx, testutil.UserID, 7)
	require.NoError(t, err)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "sess-1", *got.SessionID)
	assert.Equal(t, "/work/agent-7", *got.WorkspacePath)
	assert.Equal(t, 2, got.TasksCompleted)
	assert.Equal(t, 0, got.RoutineRunsCompleted)
}

func TestDeleteAgentCascadesRoutines(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore(t)
	testutil.SeedAgent(t, st, 1)
	testutil.SeedRoutine(t, st, 10, 1, core.FrequencyDaily)

	require.NoError(t, st.DeleteAgent(ctx, testutil.UserID, 1))
	_, err := st.GetRoutine(ctx, testutil.UserID, 10)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestListDueRoutines(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testutil.SeedAgent(t, st, 1)
	testutil.SeedAgent(t, st, 2, func(a *core.Agent) { a.Status = core.AgentStatusInactive })

	testutil.SeedRoutine(t, st, 10, 1, core.FrequencyDaily) // never ran
	testutil.SeedRoutine(t, st, 11, 1, core.FrequencyDaily, func(r *core.Routine) {
		r.NextRunAt = ptr(now.Add(-time.Minute))
	})
	testutil.SeedRoutine(t, st, 12, 1, core.FrequencyDaily, func(r *core.Routine) {
		r.NextRunAt = ptr(now.Add(time.Hour))
	})
	testutil.SeedRoutine(t, st, 13, 1, core.FrequencyManual)
	testutil.SeedRoutine(t, st, 14, 1, core.FrequencyAuto, func(r *core.Routine) { r.Status = core.RoutineStatusPaused })
	testutil.SeedRoutine(t, st, 15, 2, core.FrequencyAuto)
	// Failed last time: ran but has no next run.
	testutil.SeedRoutine(t, st, 16, 1, core.FrequencyDaily, func(r *core.Routine) {
		r.LastRunAt = ptr(now.Add(-time.Hour))
	})

	due, err := st.ListDueRoutines(ctx, now, 10)
	require.NoError(t, err)
	ids := make([]int64, 0, len(due))
	for _, r := range due {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []int64{10, 11}, ids)
}

func seedTask(t *testing.T, st *store.Store, id int64, status core.TaskStatus) *core.Task {
	t.Helper()
	task := &core.Task{
		ID:                 id,
		UserID:             testutil.UserID,
		Title:              "Fix flaky test",
		Priority:           core.PriorityHigh,
		Status:             status,
		LastStatusChangeBy: "user:" + testutil.UserID,
		CreatedBy:          "user:" + testutil.UserID,
	}
	require.NoError(t, st.CreateTask(context.Background(), task))
	return task
}

func TestApplyTaskTransition(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore(t)
	testutil.SeedAgent(t, st, 7)
	seedTask(t, st, 1, core.TaskStatusSuggested)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := st.ApplyTaskTransition(ctx, testutil.UserID, 1, core.TaskTransition{
		From: core.TaskStatusSuggested, To: core.TaskStatusApproved, ChangedBy: "brain",
		Reasoning: "worth doing", At: at, AssignedToAgentID: ptr(int64(7)),
	})
	require.NoError(t, err)

	task, err := st.GetTask(ctx, testutil.UserID, 1)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusApproved, task.Status)
	assert.Equal(t, "worth doing", task.ApprovalReasoning)
	require.NotNil(t, task.AssignedToAgentID)
	assert.Equal(t, int64(7), *task.AssignedToAgentID)
	assert.Equal(t, "brain", *task.ApprovedBy)
	assert.True(t, at.Equal(*task.ApprovedAt))
	assert.Equal(t, "brain", task.LastStatusChangeBy)

	// Stale From loses the compare-and-set.
	err = st.ApplyTaskTransition(ctx, testutil.UserID, 1, core.TaskTransition{
		From: core.TaskStatusSuggested, To: core.TaskStatusRejected, ChangedBy: "user:x", Reasoning: "no", At: at,
	})
	assert.ErrorIs(t, err, core.ErrTransitionConflict)

	err = st.ApplyTaskTransition(ctx, testutil.UserID, 99, core.TaskTransition{
		From: core.TaskStatusSuggested, To: core.TaskStatusRejected, ChangedBy: "user:x", Reasoning: "no", At: at,
	})
	assert.ErrorIs(t, err, core.ErrNotFound)

	history, err := st.ListTaskHistory(ctx, testutil.UserID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.TaskStatusSuggested, history[0].From)
	assert.Equal(t, core.TaskStatusApproved, history[0].To)
	assert.Equal(t, "brain", history[0].ChangedBy)
}

func TestReasoningColumnsKeepFirstValue(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore(t)
	seedTask(t, st, 1, core.TaskStatusApproved)
	at := time.Now().UTC()

	steps := []core.TaskTransition{
		{From: core.TaskStatusApproved, To: core.TaskStatusBlocked, Reasoning: "waiting on creds"},
		{From: core.TaskStatusBlocked, To: core.TaskStatusApproved, Reasoning: "second approval"},
		{From: core.TaskStatusApproved, To: core.TaskStatusBlocked, Reasoning: "still waiting"},
	}
	for _, step := range steps {
		step.ChangedBy = "user:x"
		step.At = at
		require.NoError(t, st.ApplyTaskTransition(ctx, testutil.UserID, 1, step))
	}
	task, err := st.GetTask(ctx, testutil.UserID, 1)
	require.NoError(t, err)
	assert.Equal(t, "second approval", task.ApprovalReasoning)
	assert.Equal(t, "still waiting", task.BlockedReason)
}

func TestExecutionFinalizesOnce(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore(t)
	testutil.SeedAgent(t, st, 1)
	exec := &core.Execution{UserID: testutil.UserID, AgentID: ptr(int64(1)), Trigger: core.TriggerManual, Status: core.ExecutionStatusRunning}
	require.NoError(t, st.CreateExecution(ctx, exec))
	require.NotZero(t, exec.ID)

	outcome := core.ExecutionOutcome{
		Status:      core.ExecutionStatusCompleted,
		CompletedAt: time.Now().UTC(),
		DurationMs:  1500,
		CostUSD:     0.25,
		Output:      "all good",
		Metadata:    core.ExecutionMetadata{Model: "sonnet", TurnCount: 3, SessionID: "s1"},
	}
	require.NoError(t, st.FinishExecution(ctx, exec.ID, outcome))
	err := st.FinishExecution(ctx, exec.ID, core.ExecutionOutcome{Status: core.ExecutionStatusFailed, CompletedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, core.ErrExecutionFinalized)
	assert.ErrorIs(t, st.FinishExecution(ctx, 404, outcome), core.ErrNotFound)

	got, err := st.GetExecution(ctx, testutil.UserID, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, int64(1500), got.DurationMs)
	assert.Equal(t, "all good", got.Output)
	assert.Equal(t, 3, got.Metadata.TurnCount)
	assert.Equal(t, "s1", got.Metadata.SessionID)
	assert.Nil(t, got.ErrorMessage)
}

func TestExecutionLogsAreOrderedAndPaged(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore(t)
	exec := &core.Execution{UserID: testutil.UserID, Trigger: core.TriggerBrain, Status: core.ExecutionStatusRunning}
	require.NoError(t, st.CreateExecution(ctx, exec))
	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendExecutionLog(ctx, &core.ExecutionLog{
			ExecutionID: exec.ID, Level: core.LogInfo, Stage: "engine", Message: string(rune('a' + i)),
			Metadata: map[string]any{"i": i},
		}))
	}
	first, err := st.ListExecutionLogs(ctx, exec.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].Message)
	assert.Equal(t, "b", first[1].Message)

	rest, err := st.ListExecutionLogs(ctx, exec.ID, first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, "c", rest[0].Message)
	assert.EqualValues(t, 4, rest[2].Metadata["i"])
}

func TestExecutionLogsOutliveLaterRuns(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore(t)
	var ids []int64
	for i := 0; i < 30; i++ {
		exec := &core.Execution{UserID: testutil.UserID, Trigger: core.TriggerManual, Status: core.ExecutionStatusRunning}
		require.NoError(t, st.CreateExecution(ctx, exec))
		require.NoError(t, st.AppendExecutionLog(ctx, &core.ExecutionLog{ExecutionID: exec.ID, Level: core.LogError, Stage: "engine", Message: "boom"}))
		msg := "boom"
		require.NoError(t, st.FinishExecution(ctx, exec.ID, core.ExecutionOutcome{Status: core.ExecutionStatusFailed, CompletedAt: time.Now().UTC(), ErrorMessage: &msg}))
		ids = append(ids, exec.ID)
	}
	for _, id := range ids {
		logs, err := st.ListExecutionLogs(ctx, id, 0, 10)
		require.NoError(t, err)
		require.Len(t, logs, 1, "execution %d", id)
		assert.Equal(t, "boom", logs[0].Message)
	}
}

func TestBrainDecisionsAndMemory(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore(t)
	exec := &core.Execution{UserID: testutil.UserID, Trigger: core.TriggerBrain, Status: core.ExecutionStatusRunning}
	require.NoError(t, st.CreateExecution(ctx, exec))

	d := &core.BrainDecision{
		UserID: testutil.UserID, Action: core.ActionRunRoutine, Reasoning: "stale docs", TargetID: 3,
		Parameters: map[string]any{"focus": "readme"},
	}
	require.NoError(t, st.CreateBrainDecision(ctx, d))
	require.NoError(t, st.SetBrainDecisionExecution(ctx, testutil.UserID, d.ID, exec.ID))
	assert.ErrorIs(t, st.SetBrainDecisionExecution(ctx, testutil.UserID, d.ID, exec.ID), core.ErrNotFound)

	decisions, err := st.ListBrainDecisions(ctx, testutil.UserID, 5)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "allow", decisions[0].PolicyVerdict)
	assert.Equal(t, exec.ID, *decisions[0].ExecutionID)
	assert.Equal(t, "readme", decisions[0].Parameters["focus"])

	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, st.AppendMemory(ctx, &core.MemoryEntry{UserID: testutil.UserID, Kind: core.MemoryOutcome, Content: content}))
	}
	memory, err := st.ListMemory(ctx, testutil.UserID, 2)
	require.NoError(t, err)
	require.Len(t, memory, 2)
	assert.Equal(t, "two", memory[0].Content)
	assert.Equal(t, "three", memory[1].Content)
}

func TestMetricsAndCredentials(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewStore(t)
	require.NoError(t, st.UpsertMetric(ctx, &core.Metric{UserID: testutil.UserID, Name: "signups", Value: 3}))
	require.NoError(t, st.UpsertMetric(ctx, &core.Metric{UserID: testutil.UserID, Name: "signups", Value: 5}))
	metrics, err := st.ListMetrics(ctx, testutil.UserID)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, 5.0, metrics[0].Value)

	require.NoError(t, st.PutCredential(ctx, testutil.UserID, "github", []byte("blob-1")))
	require.NoError(t, st.PutCredential(ctx, testutil.UserID, "slack", []byte("blob-2")))
	secret, err := st.Credential(ctx, testutil.UserID, "github")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-1"), secret)
	_, err = st.Credential(ctx, testutil.UserID, "posthog")
	assert.ErrorIs(t, err, core.ErrNotFound)

	services, err := st.ListCredentialServices(ctx, testutil.UserID)
	require.NoError(t, err)
	assert.Equal(t, []string{"github", "slack"}, services)
	require.NoError(t, st.DeleteCredential(ctx, testutil.UserID, "slack"))
	assert.ErrorIs(t, st.DeleteCredential(ctx, testutil.UserID, "slack"), core.ErrNotFound)
}
