package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"agentcrew/internal/core"
)

type executionResponse struct {
	ID           int64                  `json:"id"`
	AgentID      *int64                 `json:"agent_id,omitempty"`
	RoutineID    *int64                 `json:"routine_id,omitempty"`
	TaskID       *int64                 `json:"task_id,omitempty"`
	Trigger      string                 `json:"trigger"`
	Status       string                 `json:"status"`
	StartedAt    string                 `json:"started_at"`
	CompletedAt  *string                `json:"completed_at,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	CostUSD      float64                `json:"cost_usd"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	Output       string                 `json:"output,omitempty"`
	Metadata     core.ExecutionMetadata `json:"metadata"`
}

type logResponse struct {
	ID        int64          `json:"id"`
	Level     string         `json:"level"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type logPageResponse struct {
	Logs      []logResponse `json:"logs"`
	LastLogID int64         `json:"last_log_id"`
	Finished  bool          `json:"finished"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := core.ExecutionFilter{Limit: parseIntDefault(r.URL.Query().Get("limit"), 20)}
	var err error
	for name, dst := range map[string]**int64{
		"agent_id":   &filter.AgentID,
		"routine_id": &filter.RoutineID,
		"task_id":    &filter.TaskID,
	} {
		if *dst, err = queryID(r, name); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", name+" must be an integer")
			return
		}
	}
	execs, err := s.store.ListExecutions(r.Context(), userFrom(r), filter)
	if err != nil {
		s.writeCoreError(w, err, "list executions")
		return
	}
	res := make([]executionResponse, 0, len(execs))
	for _, e := range execs {
		res = append(res, executionToResponse(e))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "executionID")
	if !ok {
		return
	}
	exec, err := s.store.GetExecution(r.Context(), userFrom(r), id)
	if err != nil {
		s.writeCoreError(w, err, "get execution")
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(exec))
}

// handleExecutionLogs pages log lines after ?since=<log id>.
func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "executionID")
	if !ok {
		return
	}
	userID := userFrom(r)
	since := int64(parseIntDefault(r.URL.Query().Get("since"), 0))
	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)
	logs, err := s.ledger.LogsSince(r.Context(), userID, id, since, limit)
	if err != nil {
		s.writeCoreError(w, err, "list execution logs")
		return
	}
	exec, err := s.store.GetExecution(r.Context(), userID, id)
	if err != nil {
		s.writeCoreError(w, err, "get execution")
		return
	}
	page := logPageResponse{Logs: make([]logResponse, 0, len(logs)), LastLogID: since, Finished: exec.Status.Finished()}
	for _, l := range logs {
		page.Logs = append(page.Logs, logToResponse(l))
		page.LastLogID = l.ID
	}
	writeJSON(w, http.StatusOK, page)
}

// handleExecutionStream follows the log as newline-delimited JSON until the
// execution finishes and every line has been sent.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "executionID")
	if !ok {
		return
	}
	userID := userFrom(r)
	if _, err := s.store.GetExecution(r.Context(), userID, id); err != nil {
		s.writeCoreError(w, err, "get execution")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	since := int64(parseIntDefault(r.URL.Query().Get("since"), 0))
	err := s.follow(r.Context(), userID, id, since, func(l *core.ExecutionLog) error {
		if err := enc.Encode(logToResponse(l)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		s.logger.Warn("log stream ended", "execution_id", id, "err", err)
	}
}

// follow hands every log line after since to emit, polling until the
// execution is finished and drained or ctx ends.
func (s *Server) follow(ctx context.Context, userID string, executionID, since int64, emit func(*core.ExecutionLog) error) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		exec, err := s.store.GetExecution(ctx, userID, executionID)
		if err != nil {
			return err
		}
		finished := exec.Status.Finished()
		for {
			logs, err := s.ledger.LogsSince(ctx, userID, executionID, since, 0)
			if err != nil {
				return err
			}
			for _, l := range logs {
				if err := emit(l); err != nil {
					return err
				}
				since = l.ID
			}
			if len(logs) == 0 {
				break
			}
		}
		// Status is read before draining so lines written just before the
		// final update are never skipped.
		if finished {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func executionToResponse(e *core.Execution) executionResponse {
	return executionResponse{
		ID:           e.ID,
		AgentID:      e.AgentID,
		RoutineID:    e.RoutineID,
		TaskID:       e.TaskID,
		Trigger:      string(e.Trigger),
		Status:       string(e.Status),
		StartedAt:    formatTime(e.StartedAt),
		CompletedAt:  formatTimePtr(e.CompletedAt),
		DurationMs:   e.DurationMs,
		CostUSD:      e.CostUSD,
		ErrorMessage: e.ErrorMessage,
		Output:       e.Output,
		Metadata:     e.Metadata,
	}
}

func logToResponse(l *core.ExecutionLog) logResponse {
	return logResponse{
		ID:        l.ID,
		Level:     string(l.Level),
		Stage:     l.Stage,
		Message:   l.Message,
		Metadata:  l.Metadata,
		CreatedAt: formatTime(l.CreatedAt),
	}
}
