// Package mcp serves the task-management capability that agents use to
// propose, inspect and block work while they run.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentcrew/internal/core"
	"agentcrew/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	// UserHeader and AgentHeader identify the caller on the HTTP transport.
	UserHeader  = "X-User-ID"
	AgentHeader = "X-Agent-ID"
)

// Identity is who the tools act for.
type Identity struct {
	UserID  string
	AgentID int64
}

type identityKey struct{}

// WithIdentity attaches a caller identity to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// TaskServer exposes task tools over MCP.
type TaskServer struct {
	store     *store.Store
	lifecycle *core.TaskLifecycle
	logger    *slog.Logger
	// fallback is used when the request context carries no identity (stdio).
	fallback Identity
	mcp      *server.MCPServer
}

// NewTaskServer creates the server. fallback is the identity for stdio
// sessions; HTTP callers send their own headers.
func NewTaskServer(st *store.Store, lifecycle *core.TaskLifecycle, logger *slog.Logger, fallback Identity, version string) *TaskServer {
	s := &TaskServer{store: st, lifecycle: lifecycle, logger: logger, fallback: fallback}
	s.mcp = server.NewMCPServer(
		"agentcrew-tasks",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.mcp)
	return s
}

// ServeStdio serves a single agent session on stdin/stdout.
func (s *TaskServer) ServeStdio() error {
	if s.fallback.UserID == "" || s.fallback.AgentID == 0 {
		return errors.New("stdio task server needs a user id and an agent id")
	}
	s.logger.Info("mcp task server starting on stdio", "user_id", s.fallback.UserID, "agent_id", s.fallback.AgentID)
	return server.ServeStdio(s.mcp)
}

// HTTPHandler serves the streamable HTTP transport. Identity comes from the
// X-User-ID and X-Agent-ID headers.
func (s *TaskServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			agentID, _ := strconv.ParseInt(r.Header.Get(AgentHeader), 10, 64)
			return WithIdentity(ctx, Identity{UserID: strings.TrimSpace(r.Header.Get(UserHeader)), AgentID: agentID})
		}),
	)
}

func (s *TaskServer) identity(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok {
		id = s.fallback
	}
	if id.UserID == "" || id.AgentID == 0 {
		return id, errors.New("caller identity is missing")
	}
	return id, nil
}

func (s *TaskServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("propose_task",
		mcp.WithDescription("Propose new work for review. Proposals start as suggested and must be approved before anyone runs them."),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Short imperative title"),
		),
		mcp.WithString("description",
			mcp.Description("What needs doing and how to tell it is done"),
		),
		mcp.WithString("reasoning",
			mcp.Required(),
			mcp.Description("Why this work matters now"),
		),
		mcp.WithString("priority",
			mcp.Description("Priority, defaults to medium"),
			mcp.Enum("low", "medium", "high", "urgent"),
		),
		mcp.WithNumber("module_id",
			mcp.Description("Routine the proposal came out of, if any"),
			mcp.Min(0),
		),
	), s.handleProposeTask)

	mcpServer.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks, newest first"),
		mcp.WithString("status",
			mcp.Description("Only tasks in this status"),
			mcp.Enum(statusNames()...),
		),
		mcp.WithBoolean("assigned_to_me",
			mcp.Description("Only tasks assigned to the calling agent"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Show one task with its status history"),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("block_task",
		mcp.WithDescription("Mark one of your tasks blocked when it cannot proceed without outside help"),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
		mcp.WithString("reason",
			mcp.Required(),
			mcp.Description("What is blocking the task"),
		),
	), s.handleBlockTask)

	mcpServer.AddTool(mcp.NewTool("list_routines",
		mcp.WithDescription("List the calling agent's routines"),
	), s.handleListRoutines)
}

func (s *TaskServer) handleProposeTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title := strings.TrimSpace(mcp.ParseString(request, "title", ""))
	if title == "" {
		return mcp.NewToolResultError("title is required"), nil
	}
	in := core.ProposeInput{
		UserID:      id.UserID,
		Title:       title,
		Description: mcp.ParseString(request, "description", ""),
		Reasoning:   mcp.ParseString(request, "reasoning", ""),
		Priority:    core.TaskPriority(mcp.ParseString(request, "priority", "")),
		AgentID:     &id.AgentID,
	}
	if moduleID := int64(mcp.ParseFloat64(request, "module_id", 0)); moduleID > 0 {
		in.ModuleID = &moduleID
	}
	task, err := s.lifecycle.Propose(ctx, in)
	if err != nil {
		s.logger.Error("propose task", "agent_id", id.AgentID, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("could not propose task: %v", err)), nil
	}
	s.logger.Info("task proposed", "task_id", task.ID, "agent_id", id.AgentID)
	return mcp.NewToolResultText(fmt.Sprintf("Proposed task %d (%s). It will run once approved.", task.ID, task.Priority)), nil
}

func (s *TaskServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filter := core.TaskFilter{Limit: 50}
	if raw := mcp.ParseString(request, "status", ""); raw != "" {
		status := core.TaskStatus(raw)
		if !status.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", raw)), nil
		}
		filter.Status = &status
	}
	if mcp.ParseBoolean(request, "assigned_to_me", false) {
		filter.AssignedToAgentID = &id.AgentID
	}

	tasks, err := s.store.ListTasks(ctx, id.UserID, filter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("could not list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "#%d [%s] %s (%s)\n", t.ID, t.Status, t.Title, t.Priority)
		if t.AssignedToAgentID != nil {
			fmt.Fprintf(&b, "  assigned to agent %d\n", *t.AssignedToAgentID)
		}
		if t.Description != "" {
			fmt.Fprintf(&b, "  %s\n", truncateString(t.Description, 80))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *TaskServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID := int64(mcp.ParseFloat64(request, "task_id", 0))
	task, err := s.store.GetTask(ctx, id.UserID, taskID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task %d does not exist", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("could not load task: %v", err)), nil
	}
	history, err := s.lifecycle.History(ctx, id.UserID, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("could not load history: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task #%d: %s\n", task.ID, task.Title)
	fmt.Fprintf(&b, "Status: %s\nPriority: %s\n", task.Status, task.Priority)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	for _, field := range []struct{ label, value string }{
		{"Suggested because", task.SuggestionReasoning},
		{"Approved because", task.ApprovalReasoning},
		{"Rejected because", task.RejectionReasoning},
		{"Blocked by", task.BlockedReason},
		{"Failed with", task.FailureReason},
		{"Summary", task.CompletionSummary},
	} {
		if field.value != "" {
			fmt.Fprintf(&b, "%s: %s\n", field.label, field.value)
		}
	}
	if len(history) > 0 {
		b.WriteString("History:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "  %s %s -> %s by %s\n", formatTime(h.CreatedAt), h.From, h.To, h.ChangedBy)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *TaskServer) handleBlockTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID := int64(mcp.ParseFloat64(request, "task_id", 0))
	task, err := s.store.GetTask(ctx, id.UserID, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("could not load task %d: %v", taskID, err)), nil
	}
	if task.AssignedToAgentID == nil || *task.AssignedToAgentID != id.AgentID {
		return mcp.NewToolResultError(fmt.Sprintf("task %d is not assigned to you", taskID)), nil
	}
	task, err = s.lifecycle.UpdateTaskStatus(ctx, id.UserID, taskID, core.TaskStatusBlocked, core.TransitionInput{
		ChangedBy:    core.AgentActor(id.AgentID),
		ActorAgentID: &id.AgentID,
		Reasoning:    mcp.ParseString(request, "reason", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("could not block task %d: %v", taskID, err)), nil
	}
	s.logger.Info("task blocked by agent", "task_id", taskID, "agent_id", id.AgentID)
	return mcp.NewToolResultText(fmt.Sprintf("Task %d is now blocked: %s", task.ID, task.BlockedReason)), nil
}

func (s *TaskServer) handleListRoutines(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	routines, err := s.store.ListRoutines(ctx, id.UserID, core.RoutineFilter{AgentID: &id.AgentID})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("could not list routines: %v", err)), nil
	}
	if len(routines) == 0 {
		return mcp.NewToolResultText("You have no routines."), nil
	}
	var b strings.Builder
	for _, r := range routines {
		fmt.Fprintf(&b, "#%d %s (%s, %s, %s)\n", r.ID, r.Name, r.Type, r.Frequency, r.Status)
		if r.NextRunAt != nil {
			fmt.Fprintf(&b, "  next run %s\n", formatTime(*r.NextRunAt))
		}
		if r.Config.Goal != "" {
			fmt.Fprintf(&b, "  goal: %s\n", truncateString(r.Config.Goal, 80))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func statusNames() []string {
	statuses := core.TaskStatuses()
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	return names
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
