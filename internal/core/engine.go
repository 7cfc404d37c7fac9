package core

import (
	"context"
	"fmt"

	"agentcrew/internal/capability"
)

// ProgressKind classifies engine progress events.
type ProgressKind string

const (
	ProgressInit       ProgressKind = "init"
	ProgressAssistant  ProgressKind = "assistant"
	ProgressToolUse    ProgressKind = "tool_use"
	ProgressToolResult ProgressKind = "tool_result"
	ProgressStderr     ProgressKind = "stderr"
	ProgressNotice     ProgressKind = "notice"
	// ProgressResult is the terminal event; every run emits at least one.
	ProgressResult ProgressKind = "result"
)

// ProgressEvent is one streamed update from a running engine.
type ProgressEvent struct {
	Kind     ProgressKind
	Level    LogLevel
	Message  string
	Metadata map[string]any
}

// RunOptions configures one engine invocation.
type RunOptions struct {
	WorkingDirectory string
	MaxTurns         int
	Model            string
	Capabilities     map[string]capability.Descriptor
	// ResumeSessionID is advisory; the engine may start fresh if it is unknown.
	ResumeSessionID string
	OnProgress      func(ProgressEvent)
}

// RunResult is the engine's final answer for one invocation.
type RunResult struct {
	Success    bool
	Output     string
	SessionID  string
	TurnCount  int
	CostUSD    float64
	DurationMs int64
	Model      string
	Error      string
}

// Engine runs a prompt to completion.
type Engine interface {
	Run(ctx context.Context, prompt string, opts RunOptions) (*RunResult, error)
}

// runEngine invokes the engine and converts errors and panics into a failed result.
func runEngine(ctx context.Context, engine Engine, prompt string, opts RunOptions) (res *RunResult) {
	defer func() {
		if r := recover(); r != nil {
			res = &RunResult{Error: fmt.Sprintf("engine panic: %v", r)}
		}
	}()
	result, err := engine.Run(ctx, prompt, opts)
	if err != nil {
		if result == nil {
			result = &RunResult{}
		}
		result.Success = false
		if result.Error == "" {
			result.Error = err.Error()
		}
		return result
	}
	if result == nil {
		return &RunResult{Error: "engine returned no result"}
	}
	if !result.Success && result.Error == "" {
		result.Error = "engine reported failure"
	}
	return result
}
