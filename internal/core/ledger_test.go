package core_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/core"
	"agentcrew/internal/testutil"
)

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAgent(t, h.st, 1)

	exec, err := h.ledger.Start(ctx, core.ExecutionSpec{UserID: testutil.UserID, AgentID: ptr(int64(1)), Trigger: core.TriggerManual, Model: "sonnet"})
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusRunning, exec.Status)
	assert.NotEmpty(t, exec.Metadata.TraceID)

	h.ledger.Log(ctx, exec.ID, core.LogInfo, "dispatch", "first", nil)
	sink := h.ledger.Sink(ctx, exec.ID)
	for i := 0; i < 20; i++ {
		sink.Handle(core.ProgressEvent{Kind: core.ProgressAssistant, Message: fmt.Sprintf("event-%02d", i)})
	}
	sink.Close()
	sink.Handle(core.ProgressEvent{Kind: core.ProgressAssistant, Message: "after close"})

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.ledger.Complete(ctx, exec, &core.RunResult{Success: true, Output: "ok", TurnCount: 4, SessionID: "s-1"}))
	assert.Equal(t, core.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, int64(2000), exec.DurationMs)

	err = h.ledger.Fail(ctx, exec, nil, "late failure")
	assert.ErrorIs(t, err, core.ErrExecutionFinalized)

	got, err := h.st.GetExecution(ctx, testutil.UserID, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, "sonnet", got.Metadata.Model)
	assert.Equal(t, 4, got.Metadata.TurnCount)

	logs := h.logs(exec.ID)
	require.Len(t, logs, 21)
	assert.Equal(t, "first", logs[0].Message)
	for i := 1; i < len(logs); i++ {
		assert.Equal(t, fmt.Sprintf("event-%02d", i-1), logs[i].Message)
		assert.Greater(t, logs[i].ID, logs[i-1].ID)
		assert.Equal(t, "assistant", logs[i].Metadata["kind"])
	}

	tail, err := h.ledger.LogsSince(ctx, testutil.UserID, exec.ID, logs[18].ID, 0)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	_, err = h.ledger.LogsSince(ctx, "someone-else", exec.ID, 0, 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLogSinkLeavesEventMetadataAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	exec, err := h.ledger.Start(ctx, core.ExecutionSpec{UserID: testutil.UserID, Trigger: core.TriggerManual})
	require.NoError(t, err)

	meta := map[string]any{"tool": "Bash"}
	sink := h.ledger.Sink(ctx, exec.ID)
	sink.Handle(core.ProgressEvent{Kind: core.ProgressAssistant, Message: "running tests", Metadata: meta})
	sink.Close()

	assert.Equal(t, map[string]any{"tool": "Bash"}, meta)
	logs := h.logs(exec.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, "Bash", logs[0].Metadata["tool"])
	assert.Equal(t, "assistant", logs[0].Metadata["kind"])
}

type fixedProbe struct{ exists bool }

func (p fixedProbe) Exists(string, string) bool { return p.exists }

func TestSessionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAgent(t, h.st, 4)

	sess, err := h.sessions.GetSession(ctx, testutil.UserID, 4)
	require.NoError(t, err)
	assert.Empty(t, sess.SessionID)
	assert.Equal(t, filepath.Join(h.workspace, "agent-4"), sess.WorkspacePath)
	info, err := os.Stat(sess.WorkspacePath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Empty(t, h.sessions.ResumeToken(sess))

	saved, err := h.sessions.SaveSession(ctx, testutil.UserID, 4, sess, core.Session{SessionID: "abc"})
	require.NoError(t, err)
	assert.True(t, saved)

	again, err := h.sessions.GetSession(ctx, testutil.UserID, 4)
	require.NoError(t, err)
	assert.Equal(t, "abc", again.SessionID)
	assert.Equal(t, sess.WorkspacePath, again.WorkspacePath)
	assert.Equal(t, "abc", h.sessions.ResumeToken(again))

	saved, err = h.sessions.SaveSession(ctx, testutil.UserID, 4, again, core.Session{SessionID: "abc"})
	require.NoError(t, err)
	assert.False(t, saved)
	saved, err = h.sessions.SaveSession(ctx, testutil.UserID, 4, again, core.Session{})
	require.NoError(t, err)
	assert.False(t, saved)

	gone := core.NewSessionStore(h.st, h.workspace, fixedProbe{exists: false})
	assert.Empty(t, gone.ResumeToken(again))
	kept := core.NewSessionStore(h.st, h.workspace, fixedProbe{exists: true})
	assert.Equal(t, "abc", kept.ResumeToken(again))

	_, err = h.sessions.GetSession(ctx, testutil.UserID, 99)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestNextRunAt(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	cases := map[core.Frequency]time.Duration{
		core.FrequencyAuto:   6 * time.Hour,
		core.FrequencyDaily:  24 * time.Hour,
		core.FrequencyWeekly: 7 * 24 * time.Hour,
	}
	for freq, d := range cases {
		next := core.NextRunAt(freq, at)
		require.NotNil(t, next, freq)
		assert.True(t, at.Add(d).Equal(*next), freq)
	}
	assert.Nil(t, core.NextRunAt(core.FrequencyManual, at))
}

func TestParseCron(t *testing.T) {
	_, err := core.ParseCron("*/5 * * * *")
	require.NoError(t, err)
	_, err = core.ParseCron("@hourly")
	assert.Error(t, err)
	_, err = core.ParseCron("* * *")
	assert.Error(t, err)
}

func TestMergeConfig(t *testing.T) {
	agent := core.AgentConfig{
		Capabilities:       []string{"messaging"},
		MaxTurns:           10,
		Model:              "haiku",
		CapabilitySettings: map[string]map[string]string{"messaging": {"channel": "#ops", "tone": "dry"}},
	}
	routine := &core.RoutineConfig{
		Capabilities:       []string{"analytics", "messaging"},
		CapabilitySettings: map[string]map[string]string{"messaging": {"channel": "#growth"}},
		Model:              "sonnet",
	}
	cfg := core.MergeConfig(agent, routine).WithTypeCapabilities(core.RoutineTypeCode)
	assert.Equal(t, []string{"messaging", "analytics", "source-control", "repository-analysis"}, cfg.Capabilities)
	assert.Equal(t, map[string]string{"channel": "#growth", "tone": "dry"}, cfg.CapabilitySettings["messaging"])
	assert.Equal(t, 10, cfg.MaxTurns)
	assert.Equal(t, "sonnet", cfg.Model)
	assert.Equal(t, "#ops", agent.CapabilitySettings["messaging"]["channel"])
}
