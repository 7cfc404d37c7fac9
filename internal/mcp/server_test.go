package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/core"
	"agentcrew/internal/testutil"
)

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	c, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return c.Text
}

func newTestServer(t *testing.T) (*TaskServer, *core.TaskLifecycle) {
	t.Helper()
	st := testutil.NewStore(t)
	testutil.SeedAgent(t, st, 2)
	testutil.SeedAgent(t, st, 3)
	lifecycle := core.NewTaskLifecycle(st, testutil.Logger())
	return NewTaskServer(st, lifecycle, testutil.Logger(), Identity{UserID: testutil.UserID, AgentID: 2}, "test"), lifecycle
}

func TestProposeAndListTasks(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)

	res, err := s.handleProposeTask(ctx, call(map[string]any{
		"title":     "Add a changelog",
		"reasoning": "releases are hard to follow",
		"priority":  "high",
		"module_id": float64(0),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	assert.Contains(t, text(t, res), "Proposed task 1 (high)")

	task, err := s.store.GetTask(ctx, testutil.UserID, 1)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusSuggested, task.Status)
	assert.Equal(t, int64(2), *task.SuggestedByAgentID)
	assert.Nil(t, task.SuggestedByModuleID)
	assert.Equal(t, "agent:2", task.CreatedBy)

	res, err = s.handleListTasks(ctx, call(map[string]any{"status": "suggested"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "#1 [suggested] Add a changelog (high)")

	res, err = s.handleListTasks(ctx, call(map[string]any{"assigned_to_me": true}))
	require.NoError(t, err)
	assert.Equal(t, "No tasks found.", text(t, res))

	res, err = s.handleListTasks(ctx, call(map[string]any{"status": "done"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestBlockTaskRequiresAssignment(t *testing.T) {
	ctx := context.Background()
	s, lifecycle := newTestServer(t)
	mine, err := lifecycle.Create(ctx, core.CreateInput{UserID: testutil.UserID, Title: "Upgrade deps", Approve: true, AssignToAgentID: ptr(int64(2))})
	require.NoError(t, err)
	theirs, err := lifecycle.Create(ctx, core.CreateInput{UserID: testutil.UserID, Title: "Rotate keys", Approve: true, AssignToAgentID: ptr(int64(3))})
	require.NoError(t, err)

	res, err := s.handleBlockTask(ctx, call(map[string]any{"task_id": float64(theirs.ID), "reason": "no access"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not assigned to you")

	res, err = s.handleBlockTask(ctx, call(map[string]any{"task_id": float64(mine.ID), "reason": ""}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleBlockTask(ctx, call(map[string]any{"task_id": float64(mine.ID), "reason": "registry is down"}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	got, err := s.store.GetTask(ctx, testutil.UserID, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusBlocked, got.Status)
	assert.Equal(t, "registry is down", got.BlockedReason)

	res, err = s.handleGetTask(ctx, call(map[string]any{"task_id": float64(mine.ID)}))
	require.NoError(t, err)
	out := text(t, res)
	assert.Contains(t, out, "Status: blocked")
	assert.Contains(t, out, "Blocked by: registry is down")
	assert.Contains(t, out, "approved -> blocked by agent:2")
}

func TestListRoutinesAndIdentity(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)
	testutil.SeedRoutine(t, s.store, 5, 2, core.FrequencyDaily, func(r *core.Routine) { r.Name = "triage" })
	testutil.SeedRoutine(t, s.store, 6, 3, core.FrequencyDaily, func(r *core.Routine) { r.Name = "billing" })

	res, err := s.handleListRoutines(ctx, call(nil))
	require.NoError(t, err)
	out := text(t, res)
	assert.Contains(t, out, "#5 triage (general, daily, active)")
	assert.NotContains(t, out, "billing")

	anon := WithIdentity(ctx, Identity{})
	res, err = s.handleListRoutines(anon, call(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	other := WithIdentity(ctx, Identity{UserID: "user-2", AgentID: 3})
	res, err = s.handleGetTask(other, call(map[string]any{"task_id": float64(1)}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func ptr[T any](v T) *T { return &v }
