package core

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultLogPage = 500

// ExecutionSpec describes an execution about to start.
type ExecutionSpec struct {
	UserID    string
	AgentID   *int64
	RoutineID *int64
	TaskID    *int64
	Trigger   Trigger
	Model     string
}

// Ledger records executions and their log lines.
type Ledger struct {
	store  ExecutionStore
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger returns a ledger over store.
func NewLedger(store ExecutionStore, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the ledger clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Start creates a running execution.
func (l *Ledger) Start(ctx context.Context, spec ExecutionSpec) (*Execution, error) {
	exec := &Execution{
		UserID:    spec.UserID,
		AgentID:   spec.AgentID,
		RoutineID: spec.RoutineID,
		TaskID:    spec.TaskID,
		Trigger:   spec.Trigger,
		Status:    ExecutionStatusRunning,
		StartedAt: l.now(),
		Metadata: ExecutionMetadata{
			Model:   spec.Model,
			TraceID: uuid.NewString(),
		},
	}
	if err := l.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return exec, nil
}

// Log appends one line to an execution. Failures are logged and swallowed.
func (l *Ledger) Log(ctx context.Context, executionID int64, level LogLevel, stage, message string, metadata map[string]any) {
	l.append(ctx, &ExecutionLog{
		ExecutionID: executionID,
		Level:       level,
		Stage:       stage,
		Message:     message,
		Metadata:    metadata,
		CreatedAt:   l.now(),
	})
}

func (l *Ledger) append(ctx context.Context, entry *ExecutionLog) {
	BestEffort(l.logger, "append execution log", func() error {
		return l.store.AppendExecutionLog(ctx, entry)
	}, "execution_id", entry.ExecutionID, "stage", entry.Stage)
}

// Complete finalizes exec as completed with the engine result.
func (l *Ledger) Complete(ctx context.Context, exec *Execution, res *RunResult) error {
	return l.finish(ctx, exec, ExecutionStatusCompleted, res, nil)
}

// Fail finalizes exec as failed. res may be nil when the engine never ran.
func (l *Ledger) Fail(ctx context.Context, exec *Execution, res *RunResult, errMsg string) error {
	return l.finish(ctx, exec, ExecutionStatusFailed, res, &errMsg)
}

func (l *Ledger) finish(ctx context.Context, exec *Execution, status ExecutionStatus, res *RunResult, errMsg *string) error {
	completed := l.now()
	outcome := ExecutionOutcome{
		Status:       status,
		CompletedAt:  completed,
		DurationMs:   completed.Sub(exec.StartedAt).Milliseconds(),
		ErrorMessage: errMsg,
		Metadata:     exec.Metadata,
	}
	if res != nil {
		outcome.Output = res.Output
		outcome.CostUSD = res.CostUSD
		if res.DurationMs > 0 {
			outcome.DurationMs = res.DurationMs
		}
		outcome.Metadata.TurnCount = res.TurnCount
		outcome.Metadata.SessionID = res.SessionID
		if res.Model != "" {
			outcome.Metadata.Model = res.Model
		}
	}
	if err := l.store.FinishExecution(ctx, exec.ID, outcome); err != nil {
		return fmt.Errorf("finish execution %d: %w", exec.ID, err)
	}
	exec.Status = outcome.Status
	exec.CompletedAt = &outcome.CompletedAt
	exec.DurationMs = outcome.DurationMs
	exec.CostUSD = outcome.CostUSD
	exec.ErrorMessage = outcome.ErrorMessage
	exec.Output = outcome.Output
	exec.Metadata = outcome.Metadata
	return nil
}

// LogsSince returns the execution's log lines with id greater than lastLogID, in order.
func (l *Ledger) LogsSince(ctx context.Context, userID string, executionID, lastLogID int64, limit int) ([]*ExecutionLog, error) {
	if _, err := l.store.GetExecution(ctx, userID, executionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > defaultLogPage {
		limit = defaultLogPage
	}
	return l.store.ListExecutionLogs(ctx, executionID, lastLogID, limit)
}

// Sink returns a progress sink that writes engine events to the execution's log.
func (l *Ledger) Sink(ctx context.Context, executionID int64) *LogSink {
	s := &LogSink{
		ledger:      l,
		ctx:         context.WithoutCancel(ctx),
		executionID: executionID,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

// LogSink persists progress events in arrival order on a background writer
// so that a slow or failing store never stalls the engine.
type LogSink struct {
	ledger      *Ledger
	ctx         context.Context
	executionID int64

	mu     sync.Mutex
	queue  []*ExecutionLog
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// Handle queues one progress event. It never blocks on the store.
func (s *LogSink) Handle(ev ProgressEvent) {
	level := ev.Level
	if level == "" {
		level = LogInfo
	}
	meta := make(map[string]any, len(ev.Metadata)+1)
	maps.Copy(meta, ev.Metadata)
	meta["kind"] = string(ev.Kind)
	s.push(&ExecutionLog{
		ExecutionID: s.executionID,
		Level:       level,
		Stage:       "engine",
		Message:     ev.Message,
		Metadata:    meta,
		CreatedAt:   s.ledger.now(),
	})
}

func (s *LogSink) push(entry *ExecutionLog) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, entry)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *LogSink) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, entry := range batch {
			s.ledger.append(s.ctx, entry)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}

// Close stops accepting events and waits until queued events are written.
func (s *LogSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}
