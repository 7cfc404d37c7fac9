package core_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcrew/internal/core"
	"agentcrew/internal/store"
	"agentcrew/internal/testutil"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	t         *testing.T
	st        *store.Store
	clock     *testutil.Clock
	engine    *testutil.FakeEngine
	notifier  *testutil.Notifier
	lifecycle *core.TaskLifecycle
	ledger    *core.Ledger
	sessions  *core.SessionStore
	locks     *core.AgentLocks
	workspace string
}

func newHarness(t *testing.T, results ...*core.RunResult) *harness {
	t.Helper()
	clock := testutil.NewClock(epoch)
	st := testutil.NewStore(t).WithClock(clock.Now)
	logger := testutil.Logger()
	workspace := filepath.Join(t.TempDir(), "workspaces")
	return &harness{
		t:         t,
		st:        st,
		clock:     clock,
		engine:    testutil.NewFakeEngine(results...),
		notifier:  &testutil.Notifier{},
		lifecycle: core.NewTaskLifecycle(st, logger).WithClock(clock.Now),
		ledger:    core.NewLedger(st, logger).WithClock(clock.Now),
		sessions:  core.NewSessionStore(st, workspace, nil),
		locks:     core.NewAgentLocks(),
		workspace: workspace,
	}
}

func (h *harness) deps() core.DispatcherDeps {
	return core.DispatcherDeps{
		Agents:    h.st,
		Routines:  h.st,
		Tasks:     h.st,
		Lifecycle: h.lifecycle,
		Ledger:    h.ledger,
		Sessions:  h.sessions,
		Engine:    h.engine,
		Locks:     h.locks,
		Notifier:  h.notifier,
		Logger:    testutil.Logger(),
		Now:       h.clock.Now,
	}
}

func (h *harness) routineDispatcher() *core.RoutineDispatcher {
	return core.NewRoutineDispatcher(h.deps())
}

func (h *harness) taskDispatcher() *core.TaskDispatcher {
	return core.NewTaskDispatcher(h.deps())
}

// approvedTask creates a task approved for agentID.
func (h *harness) approvedTask(agentID int64, title string) *core.Task {
	h.t.Helper()
	task, err := h.lifecycle.Create(context.Background(), core.CreateInput{
		UserID:          testutil.UserID,
		Title:           title,
		Reasoning:       "needed for the release",
		Approve:         true,
		AssignToAgentID: &agentID,
	})
	require.NoError(h.t, err)
	return task
}

func (h *harness) executions() []*core.Execution {
	h.t.Helper()
	execs, err := h.st.ListExecutions(context.Background(), testutil.UserID, core.ExecutionFilter{Limit: 100})
	require.NoError(h.t, err)
	return execs
}

func (h *harness) logs(execID int64) []*core.ExecutionLog {
	h.t.Helper()
	logs, err := h.ledger.LogsSince(context.Background(), testutil.UserID, execID, 0, 0)
	require.NoError(h.t, err)
	return logs
}

func hasLog(logs []*core.ExecutionLog, message string) bool {
	for _, l := range logs {
		if l.Message == message {
			return true
		}
	}
	return false
}

func ptr[T any](v T) *T { return &v }
