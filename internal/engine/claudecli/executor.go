// Package claudecli runs prompts through the claude command line tool.
package claudecli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"agentcrew/internal/core"
)

const (
	defaultBinary  = "claude"
	defaultTimeout = 30 * time.Minute
	killGrace      = 5 * time.Second
	stderrTail     = 20
)

// Options configures the engine.
type Options struct {
	Binary          string
	SkipPermissions bool
	// Timeout bounds one run; the process is terminated when it elapses.
	Timeout time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

// Engine implements core.Engine on top of the claude CLI.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// New creates an engine.
func New(opts Options, logger *slog.Logger) *Engine {
	if opts.Binary == "" {
		opts.Binary = defaultBinary
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Engine{opts: opts, logger: logger}
}

// Run executes the prompt. When the resume id is unknown to the CLI the run
// is retried once with a fresh session.
func (e *Engine) Run(ctx context.Context, prompt string, ro core.RunOptions) (*core.RunResult, error) {
	res, err := e.run(ctx, prompt, ro)
	if err == nil && !res.Success && ro.ResumeSessionID != "" && unknownSession(res.Error) {
		e.logger.Info("resume session not found, starting fresh", "session_id", ro.ResumeSessionID)
		emitter(ro.OnProgress)(core.ProgressEvent{
			Kind:     core.ProgressNotice,
			Level:    core.LogWarn,
			Message:  "resume session not found, starting fresh",
			Metadata: map[string]any{"session_id": ro.ResumeSessionID},
		})
		ro.ResumeSessionID = ""
		return e.run(ctx, prompt, ro)
	}
	return res, err
}

func unknownSession(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "no conversation found")
}

func emitter(fn func(core.ProgressEvent)) func(core.ProgressEvent) {
	if fn == nil {
		return func(core.ProgressEvent) {}
	}
	var mu sync.Mutex
	return func(ev core.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		fn(ev)
	}
}

func (e *Engine) run(ctx context.Context, prompt string, ro core.RunOptions) (*core.RunResult, error) {
	emit := emitter(ro.OnProgress)
	started := time.Now()

	mcpPath, err := writeMCPConfig(ro.WorkingDirectory, ro.Capabilities)
	if err != nil {
		return e.terminal(emit, &core.RunResult{Error: err.Error()}), nil
	}
	if mcpPath != "" {
		defer os.Remove(mcpPath)
	}

	cmd := exec.CommandContext(ctx, e.opts.Binary, BuildArgs(prompt, ro, mcpPath, e.opts.SkipPermissions)...) // #nosec G204
	cmd.Dir = ro.WorkingDirectory
	cmd.Env = append(os.Environ(), e.opts.Env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return e.terminal(emit, &core.RunResult{Error: fmt.Sprintf("stdout pipe: %v", err)}), nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return e.terminal(emit, &core.RunResult{Error: fmt.Sprintf("stderr pipe: %v", err)}), nil
	}

	if err := cmd.Start(); err != nil {
		return e.terminal(emit, &core.RunResult{Error: fmt.Sprintf("failed to start %s: %v", e.opts.Binary, err)}), nil
	}

	var timeoutTriggered atomic.Bool
	watchdog := time.AfterFunc(e.opts.Timeout, func() {
		timeoutTriggered.Store(true)
		e.logger.Warn("engine run exceeded timeout, sending termination", "timeout", e.opts.Timeout, "workdir", ro.WorkingDirectory)
		sendTermination(cmd.Process)
		time.AfterFunc(killGrace, func() {
			_ = cmd.Process.Kill()
		})
	})

	parser := newStreamParser(emit)
	tail := &lineTail{max: stderrTail}
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdout, parser.Line)
	}()
	go func() {
		defer readers.Done()
		scanLines(stderr, func(line string) {
			if strings.TrimSpace(line) == "" {
				return
			}
			tail.add(line)
			emit(core.ProgressEvent{Kind: core.ProgressStderr, Level: core.LogWarn, Message: clip(line)})
		})
	}()
	readers.Wait()
	waitErr := cmd.Wait()
	watchdog.Stop()

	res := parser.result
	switch {
	case timeoutTriggered.Load():
		res = &core.RunResult{Error: fmt.Sprintf("run timed out after %s", e.opts.Timeout)}
	case res == nil:
		msg := "engine exited without a result"
		if waitErr != nil {
			msg = waitErr.Error()
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				msg = fmt.Sprintf("engine exited with code %d", exitErr.ExitCode())
			}
		}
		if t := tail.String(); t != "" {
			msg += ": " + t
		}
		res = &core.RunResult{Error: msg, Output: parser.lastText}
	default:
		// The result event was already emitted by the parser.
		if res.SessionID == "" {
			res.SessionID = parser.sessionID
		}
		return res, nil
	}
	res.SessionID = parser.sessionID
	res.Model = parser.model
	res.DurationMs = time.Since(started).Milliseconds()
	return e.terminal(emit, res), nil
}

// terminal emits the result event for runs that never produced one.
func (e *Engine) terminal(emit func(core.ProgressEvent), res *core.RunResult) *core.RunResult {
	emit(core.ProgressEvent{
		Kind:     core.ProgressResult,
		Level:    core.LogError,
		Message:  "error",
		Metadata: map[string]any{"success": false, "error": res.Error},
	})
	return res
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	// Drain whatever is left so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(strings.Join(t.lines, "\n"))
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
