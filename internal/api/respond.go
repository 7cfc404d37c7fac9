package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"agentcrew/internal/core"

	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// writeCoreError maps core sentinels onto HTTP statuses. Anything unknown is
// logged and reported as an internal error.
func (s *Server) writeCoreError(w http.ResponseWriter, err error, op string) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, core.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrAgentBusy):
		status, code = http.StatusConflict, "agent_busy"
	case errors.Is(err, core.ErrAlreadyRunning):
		status, code = http.StatusConflict, "already_running"
	case errors.Is(err, core.ErrTransitionConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, core.ErrAgentInactive), errors.Is(err, core.ErrRoutineInactive):
		status, code = http.StatusConflict, "inactive"
	case errors.Is(err, core.ErrInvalidTransition):
		status, code = http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, core.ErrMissingReasoning):
		status, code = http.StatusUnprocessableEntity, "missing_reasoning"
	case errors.Is(err, core.ErrTaskNotApproved):
		status, code = http.StatusUnprocessableEntity, "not_approved"
	case errors.Is(err, core.ErrNotAssigned):
		status, code = http.StatusUnprocessableEntity, "not_assigned"
	case errors.Is(err, core.ErrOwnership):
		status, code = http.StatusForbidden, "ownership"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
		writeError(w, status, code, op+" failed")
		return
	}
	writeError(w, status, code, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// pathID parses an int64 route param, answering 400 when it is malformed.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

// queryID parses an optional int64 query param.
func queryID(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}
