package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentcrew/internal/capability"
)

const defaultMaxTurns = 30

// CapabilityResolver turns capability names into provider descriptors.
type CapabilityResolver interface {
	Resolve(ctx context.Context, req capability.Request) *capability.Resolution
}

// RepositorySyncer materializes a repository snapshot on local disk and returns its path.
type RepositorySyncer interface {
	Sync(ctx context.Context, userID string, ref RepositoryRef) (string, error)
}

// Notifier delivers a short outcome notification.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// DispatcherDeps are the collaborators shared by the routine and task dispatchers.
type DispatcherDeps struct {
	Agents       AgentStore
	Routines     RoutineStore
	Tasks        TaskStore
	Lifecycle    *TaskLifecycle
	Ledger       *Ledger
	Sessions     *SessionStore
	Capabilities CapabilityResolver
	Repos        RepositorySyncer
	Engine       Engine
	Locks        *AgentLocks
	Notifier     Notifier
	Logger       *slog.Logger
	Now          func() time.Time

	DefaultMaxTurns int
	DefaultModel    string
}

func (d *DispatcherDeps) normalize() {
	if d.Locks == nil {
		d.Locks = NewAgentLocks()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.DefaultMaxTurns <= 0 {
		d.DefaultMaxTurns = defaultMaxTurns
	}
}

// DispatchResult is the outcome of one dispatched run.
type DispatchResult struct {
	Execution    *Execution
	Result       *RunResult
	SessionSaved bool
}

// Succeeded reports whether the engine reported success.
func (r *DispatchResult) Succeeded() bool {
	return r != nil && r.Result != nil && r.Result.Success
}

// ErrorMessage returns the failure text of an unsuccessful run.
func (r *DispatchResult) ErrorMessage() string {
	if r == nil || r.Result == nil {
		return "no result"
	}
	return r.Result.Error
}

// engineRun is what both dispatchers feed into the engine.
type engineRun struct {
	userID    string
	agent     *Agent
	exec      *Execution
	config    RunConfig
	repoURL   string
	repoPath  string
	buildText func(capabilities []string) string
}

// runWithSession resolves capabilities, loads the agent session, runs the
// engine with progress streamed into the ledger and persists the session.
func (d *DispatcherDeps) runWithSession(ctx context.Context, run engineRun) (*RunResult, bool) {
	execID := run.exec.ID
	resolution := &capability.Resolution{Descriptors: map[string]capability.Descriptor{}}
	if d.Capabilities != nil {
		resolution = d.Capabilities.Resolve(ctx, capability.Request{
			UserID:                 run.userID,
			AgentID:                run.agent.ID,
			Names:                  run.config.Capabilities,
			Settings:               run.config.CapabilitySettings,
			Repository:             run.repoURL,
			RepositoryMaterialized: run.repoPath != "",
		})
	}
	for _, skip := range resolution.Skipped {
		d.Ledger.Log(ctx, execID, LogWarn, "capabilities", "capability skipped", map[string]any{"capability": skip.Name, "reason": skip.Reason})
	}
	names := resolution.Names()
	d.Ledger.Log(ctx, execID, LogInfo, "capabilities", fmt.Sprintf("%d capabilities resolved", len(names)), map[string]any{"capabilities": names})

	sess, err := d.Sessions.GetSession(ctx, run.userID, run.agent.ID)
	if err != nil {
		return &RunResult{Error: fmt.Sprintf("load session: %v", err)}, false
	}
	resume := d.Sessions.ResumeToken(sess)
	if sess.SessionID != "" && resume == "" {
		d.Ledger.Log(ctx, execID, LogWarn, "session", "session_resume_skipped", map[string]any{"session_id": sess.SessionID})
	} else if resume != "" {
		d.Ledger.Log(ctx, execID, LogInfo, "session", "resuming session", map[string]any{"session_id": resume})
	}

	maxTurns := run.config.MaxTurns
	if maxTurns <= 0 {
		maxTurns = d.DefaultMaxTurns
	}
	model := run.config.Model
	if model == "" {
		model = d.DefaultModel
	}

	sink := d.Ledger.Sink(ctx, execID)
	result := runEngine(ctx, d.Engine, run.buildText(names), RunOptions{
		WorkingDirectory: sess.WorkspacePath,
		MaxTurns:         maxTurns,
		Model:            model,
		Capabilities:     resolution.Descriptors,
		ResumeSessionID:  resume,
		OnProgress:       sink.Handle,
	})
	sink.Close()

	saved := false
	BestEffort(d.Logger, "persist session", func() error {
		var err error
		saved, err = d.Sessions.SaveSession(ctx, run.userID, run.agent.ID, sess, Session{SessionID: result.SessionID, WorkspacePath: sess.WorkspacePath})
		return err
	}, "agent_id", run.agent.ID, "execution_id", execID)
	if saved {
		d.Ledger.Log(ctx, execID, LogInfo, "session", "session saved", map[string]any{"session_id": result.SessionID})
	}
	return result, saved
}

func (d *DispatcherDeps) notify(ctx context.Context, title, body string) {
	if d.Notifier == nil {
		return
	}
	BestEffort(d.Logger, "send notification", func() error {
		return d.Notifier.Send(ctx, title, body)
	}, "title", title)
}
