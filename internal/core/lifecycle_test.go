package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/core"
	"agentcrew/internal/testutil"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[core.TaskStatus][]core.TaskStatus{
		core.TaskStatusSuggested:  {core.TaskStatusApproved, core.TaskStatusRejected, core.TaskStatusCancelled},
		core.TaskStatusApproved:   {core.TaskStatusInProgress, core.TaskStatusBlocked, core.TaskStatusCancelled},
		core.TaskStatusInProgress: {core.TaskStatusCompleted, core.TaskStatusFailed, core.TaskStatusBlocked},
		core.TaskStatusBlocked:    {core.TaskStatusApproved, core.TaskStatusCancelled},
	}
	for _, from := range core.TaskStatuses() {
		for _, to := range core.TaskStatuses() {
			want := false
			for _, next := range allowed[from] {
				if next == to {
					want = true
				}
			}
			assert.Equal(t, want, core.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	for _, s := range []core.TaskStatus{core.TaskStatusCompleted, core.TaskStatusFailed, core.TaskStatusRejected, core.TaskStatusCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, core.TaskStatusBlocked.Terminal())
	assert.False(t, core.TaskStatus("done").Valid())
}

func TestIllegalTransitionsLeaveTaskUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAgent(t, h.st, 7)
	targets := []core.TaskStatus{core.TaskStatusInProgress, core.TaskStatusCompleted, core.TaskStatusFailed}

	for _, from := range core.TaskStatuses() {
		for _, to := range targets {
			if core.CanTransition(from, to) {
				continue
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				seeded := &core.Task{
					UserID:             testutil.UserID,
					Title:              "Seeded " + string(from),
					Priority:           core.PriorityMedium,
					Status:             from,
					AssignedToAgentID:  ptr(int64(7)),
					LastStatusChangeBy: core.UserActor(testutil.UserID),
					CreatedBy:          core.UserActor(testutil.UserID),
				}
				require.NoError(t, h.st.CreateTask(ctx, seeded))
				before, err := h.st.GetTask(ctx, testutil.UserID, seeded.ID)
				require.NoError(t, err)

				_, err = h.lifecycle.UpdateTaskStatus(ctx, testutil.UserID, seeded.ID, to, core.TransitionInput{
					ChangedBy:    core.AgentActor(7),
					ActorAgentID: ptr(int64(7)),
					Reasoning:    "trying anyway",
				})
				require.ErrorIs(t, err, core.ErrInvalidTransition)

				after, err := h.st.GetTask(ctx, testutil.UserID, seeded.ID)
				require.NoError(t, err)
				assert.Equal(t, before, after)
				history, err := h.lifecycle.History(ctx, testutil.UserID, seeded.ID)
				require.NoError(t, err)
				assert.Empty(t, history)
			})
		}
	}
}

func TestProposeAndApproveWithAssignment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAgent(t, h.st, 7)

	task, err := h.lifecycle.Propose(ctx, core.ProposeInput{
		UserID:    testutil.UserID,
		Title:     "  Add retries to webhook sender ",
		Reasoning: "deliveries drop on 502",
		AgentID:   ptr(int64(7)),
	})
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusSuggested, task.Status)
	assert.Equal(t, "Add retries to webhook sender", task.Title)
	assert.Equal(t, core.PriorityMedium, task.Priority)
	assert.Equal(t, "agent:7", task.CreatedBy)

	history, err := h.lifecycle.History(ctx, testutil.UserID, task.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	updated, err := h.lifecycle.UpdateTaskStatus(ctx, testutil.UserID, task.ID, core.TaskStatusApproved, core.TransitionInput{
		ChangedBy:       core.UserActor(testutil.UserID),
		AssignToAgentID: ptr(int64(7)),
	})
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusApproved, updated.Status)
	require.NotNil(t, updated.AssignedToAgentID)
	assert.Equal(t, int64(7), *updated.AssignedToAgentID)
	assert.Equal(t, "user:"+testutil.UserID, *updated.ApprovedBy)
	assert.True(t, epoch.Equal(updated.LastStatusChangeAt))

	history, err = h.lifecycle.History(ctx, testutil.UserID, task.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.TaskStatusSuggested, history[0].From)
	assert.Equal(t, core.TaskStatusApproved, history[0].To)
}

func TestUpdateTaskStatusRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAgent(t, h.st, 7)
	testutil.SeedAgent(t, h.st, 8)
	task := h.approvedTask(7, "Rotate keys")

	_, err := h.lifecycle.UpdateTaskStatus(ctx, testutil.UserID, task.ID, core.TaskStatusCompleted, core.TransitionInput{
		ChangedBy: "agent:7", Reasoning: "done",
	})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = h.lifecycle.UpdateTaskStatus(ctx, testutil.UserID, task.ID, core.TaskStatusInProgress, core.TransitionInput{
		ChangedBy: "agent:8", ActorAgentID: ptr(int64(8)),
	})
	assert.ErrorIs(t, err, core.ErrOwnership)

	_, err = h.lifecycle.UpdateTaskStatus(ctx, testutil.UserID, task.ID, core.TaskStatusInProgress, core.TransitionInput{
		ChangedBy: "user:x",
	})
	assert.ErrorIs(t, err, core.ErrOwnership)

	_, err = h.lifecycle.UpdateTaskStatus(ctx, testutil.UserID, task.ID, core.TaskStatusBlocked, core.TransitionInput{
		ChangedBy: "agent:7", Reasoning: "   ",
	})
	assert.ErrorIs(t, err, core.ErrMissingReasoning)

	_, err = h.lifecycle.UpdateTaskStatus(ctx, testutil.UserID, task.ID, core.TaskStatusBlocked, core.TransitionInput{
		Reasoning: "waiting",
	})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = h.lifecycle.UpdateTaskStatus(ctx, "other-user", task.ID, core.TaskStatusCancelled, core.TransitionInput{
		ChangedBy: "user:other-user",
	})
	assert.ErrorIs(t, err, core.ErrNotFound)

	got, err := h.st.GetTask(ctx, testutil.UserID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusApproved, got.Status)

	inProgress, err := h.lifecycle.UpdateTaskStatus(ctx, testutil.UserID, task.ID, core.TaskStatusInProgress, core.TransitionInput{
		ChangedBy: "agent:7", ActorAgentID: ptr(int64(7)),
	})
	require.NoError(t, err)
	require.NotNil(t, inProgress.StartedAt)

	blocked, err := h.lifecycle.UpdateTaskStatus(ctx, testutil.UserID, task.ID, core.TaskStatusBlocked, core.TransitionInput{
		ChangedBy: "agent:7", Reasoning: "missing API token",
	})
	require.NoError(t, err)
	assert.Equal(t, "missing API token", blocked.BlockedReason)
}

func TestCreateApprovedSkipsReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAgent(t, h.st, 3)

	task, err := h.lifecycle.Create(ctx, core.CreateInput{
		UserID:          testutil.UserID,
		Title:           "Ship changelog",
		Priority:        core.PriorityUrgent,
		Reasoning:       "release tomorrow",
		Approve:         true,
		AssignToAgentID: ptr(int64(3)),
	})
	require.NoError(t, err)
	got, err := h.st.GetTask(ctx, testutil.UserID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusApproved, got.Status)
	assert.Equal(t, core.PriorityUrgent, got.Priority)
	assert.Equal(t, "release tomorrow", got.ApprovalReasoning)
	assert.Equal(t, "user:"+testutil.UserID, *got.ApprovedBy)

	_, err = h.lifecycle.Create(ctx, core.CreateInput{UserID: testutil.UserID, Title: " "})
	assert.Error(t, err)
}

func TestReissueFailedTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAgent(t, h.st, 7)
	task := h.approvedTask(7, "Migrate billing")

	_, err := h.lifecycle.Reissue(ctx, testutil.UserID, task.ID, "user:x", "try again")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = h.lifecycle.UpdateTaskStatus(ctx, testutil.UserID, task.ID, core.TaskStatusInProgress, core.TransitionInput{
		ChangedBy: "agent:7", ActorAgentID: ptr(int64(7)),
	})
	require.NoError(t, err)
	_, err = h.lifecycle.UpdateTaskStatus(ctx, testutil.UserID, task.ID, core.TaskStatusFailed, core.TransitionInput{
		ChangedBy: core.ActorSystem, Reasoning: "schema drift",
	})
	require.NoError(t, err)

	retry, err := h.lifecycle.Reissue(ctx, testutil.UserID, task.ID, "user:x", "try again")
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, retry.ID)
	assert.Equal(t, core.TaskStatusApproved, retry.Status)
	assert.Equal(t, task.ID, *retry.RetryOfTaskID)
	assert.Equal(t, int64(7), *retry.AssignedToAgentID)
	assert.Contains(t, retry.BlockedReason, "schema drift")

	orig, err := h.st.GetTask(ctx, testutil.UserID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, orig.Status)
}
