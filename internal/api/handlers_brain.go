package api

import (
	"net/http"
	"strings"
	"time"

	"agentcrew/internal/core"
)

type decisionResponse struct {
	ID               int64          `json:"id"`
	Action           string         `json:"action"`
	Reasoning        string         `json:"reasoning"`
	TargetID         int64          `json:"target_id"`
	TargetAgentID    *int64         `json:"target_agent_id,omitempty"`
	TargetModuleID   *int64         `json:"target_module_id,omitempty"`
	Priority         string         `json:"priority,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	BrainExecutionID *int64         `json:"brain_execution_id,omitempty"`
	ExecutionID      *int64         `json:"execution_id,omitempty"`
	PolicyVerdict    string         `json:"policy_verdict,omitempty"`
	CreatedAt        string         `json:"created_at"`
}

type memoryResponse struct {
	ID         int64  `json:"id"`
	Kind       string `json:"kind"`
	Content    string `json:"content"`
	DecisionID *int64 `json:"decision_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type scheduleRequest struct {
	Cron string `json:"cron"`
}

type scheduleResponse struct {
	Cron    string  `json:"cron"`
	NextRun *string `json:"next_run,omitempty"`
}

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleRunBrain(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.RunBrainNow(r.Context(), userFrom(r)); err != nil {
		s.writeCoreError(w, err, "run brain")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.store.ListBrainDecisions(r.Context(), userFrom(r), parseIntDefault(r.URL.Query().Get("limit"), 20))
	if err != nil {
		s.writeCoreError(w, err, "list brain decisions")
		return
	}
	res := make([]decisionResponse, 0, len(decisions))
	for _, d := range decisions {
		res = append(res, decisionResponse{
			ID:               d.ID,
			Action:           string(d.Action),
			Reasoning:        d.Reasoning,
			TargetID:         d.TargetID,
			TargetAgentID:    d.TargetAgentID,
			TargetModuleID:   d.TargetModuleID,
			Priority:         d.Priority,
			Parameters:       d.Parameters,
			BrainExecutionID: d.BrainExecutionID,
			ExecutionID:      d.ExecutionID,
			PolicyVerdict:    d.PolicyVerdict,
			CreatedAt:        formatTime(d.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListMemory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListMemory(r.Context(), userFrom(r), parseIntDefault(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.writeCoreError(w, err, "list brain memory")
		return
	}
	res := make([]memoryResponse, 0, len(entries))
	for _, m := range entries {
		res = append(res, memoryResponse{
			ID:         m.ID,
			Kind:       string(m.Kind),
			Content:    m.Content,
			DecisionID: m.DecisionID,
			CreatedAt:  formatTime(m.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSetBrainSchedule replaces the user's Brain cron entry. An empty
// expression removes it. The change lasts until the daemon restarts.
func (s *Server) handleSetBrainSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := userFrom(r)
	expr := strings.TrimSpace(req.Cron)
	if err := s.scheduler.SetBrainSchedule(userID, expr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
		return
	}
	res := scheduleResponse{Cron: expr}
	if next, ok := s.scheduler.NextBrainRun(userID); ok && !next.IsZero() {
		res.NextRun = formatTimePtr(&next)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression is required"})
		return
	}
	schedule, err := core.ParseCron(expr)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	base := time.Now().In(s.location)
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed.In(s.location)
		}
	}

	formatted := make([]string, 0, count)
	for next := base; len(formatted) < count; {
		next = schedule.Next(next)
		formatted = append(formatted, formatTime(next))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, NextTimes: formatted})
}
