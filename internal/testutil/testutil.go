// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcrew/internal/core"
	"agentcrew/internal/store"
)

// UserID is the owner used by fixtures.
const UserID = "user-1"

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewStore opens a migrated store in a temp dir and closes it with the test.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SeedAgent creates an active agent with the given id.
func SeedAgent(t *testing.T, st *store.Store, id int64, mutate ...func(*core.Agent)) *core.Agent {
	t.Helper()
	agent := &core.Agent{ID: id, UserID: UserID, Name: "agent", Role: "You keep the project healthy.", Status: core.AgentStatusActive}
	for _, m := range mutate {
		m(agent)
	}
	require.NoError(t, st.CreateAgent(context.Background(), agent))
	return agent
}

// SeedRoutine creates an active routine owned by agentID.
func SeedRoutine(t *testing.T, st *store.Store, id, agentID int64, freq core.Frequency, mutate ...func(*core.Routine)) *core.Routine {
	t.Helper()
	routine := &core.Routine{
		ID:        id,
		UserID:    UserID,
		AgentID:   agentID,
		Name:      "routine",
		Type:      core.RoutineTypeGeneral,
		Frequency: freq,
		Status:    core.RoutineStatusActive,
		Config:    core.RoutineConfig{Goal: "Summarize open work."},
	}
	for _, m := range mutate {
		m(routine)
	}
	require.NoError(t, st.CreateRoutine(context.Background(), routine))
	return routine
}

// EngineCall is one recorded engine invocation.
type EngineCall struct {
	Prompt  string
	Options core.RunOptions
}

// FakeEngine replays scripted results and records every call.
type FakeEngine struct {
	mu      sync.Mutex
	calls   []EngineCall
	results []*core.RunResult
	// Events are emitted through OnProgress on every call.
	Events []core.ProgressEvent
	// Hook, when set, runs inside Run before the result is returned.
	Hook func(ctx context.Context, call EngineCall)
}

// NewFakeEngine returns an engine that answers with results in order and
// repeats the last one.
func NewFakeEngine(results ...*core.RunResult) *FakeEngine {
	return &FakeEngine{results: results}
}

// Run implements core.Engine.
func (f *FakeEngine) Run(ctx context.Context, prompt string, opts core.RunOptions) (*core.RunResult, error) {
	call := EngineCall{Prompt: prompt, Options: opts}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	var res core.RunResult
	if n := len(f.results); n > 0 {
		idx := len(f.calls) - 1
		if idx >= n {
			idx = n - 1
		}
		res = *f.results[idx]
	} else {
		res = core.RunResult{Success: true, Output: "done"}
	}
	events := f.Events
	hook := f.Hook
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, call)
	}
	if opts.OnProgress != nil {
		for _, ev := range events {
			opts.OnProgress(ev)
		}
		opts.OnProgress(core.ProgressEvent{Kind: core.ProgressResult, Message: "result"})
	}
	return &res, nil
}

// Calls returns a copy of the recorded calls.
func (f *FakeEngine) Calls() []EngineCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EngineCall(nil), f.calls...)
}

// Notifier records notifications.
type Notifier struct {
	mu     sync.Mutex
	Titles []string
}

// Send implements core.Notifier.
func (n *Notifier) Send(_ context.Context, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Titles = append(n.Titles, title)
	return nil
}

// Sent returns a copy of the recorded titles.
func (n *Notifier) Sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.Titles...)
}
