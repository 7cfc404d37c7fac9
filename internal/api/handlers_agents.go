package api

import (
	"net/http"
	"strings"
	"time"

	"agentcrew/internal/core"
)

type agentRequest struct {
	Name      *string           `json:"name"`
	Role      *string           `json:"role"`
	AgentType *string           `json:"agent_type"`
	Status    *string           `json:"status"`
	Config    *core.AgentConfig `json:"config"`
}

type agentResponse struct {
	ID                   int64            `json:"id"`
	Name                 string           `json:"name"`
	Role                 string           `json:"role"`
	AgentType            string           `json:"agent_type,omitempty"`
	Status               string           `json:"status"`
	Config               core.AgentConfig `json:"config"`
	SessionID            *string          `json:"session_id,omitempty"`
	WorkspacePath        *string          `json:"workspace_path,omitempty"`
	RoutineRunsCompleted int              `json:"routine_runs_completed"`
	TasksCompleted       int              `json:"tasks_completed"`
	CreatedAt            string           `json:"created_at"`
	UpdatedAt            string           `json:"updated_at"`
}

type routineRequest struct {
	AgentID   *int64              `json:"agent_id"`
	Name      *string             `json:"name"`
	Type      *string             `json:"type"`
	Frequency *string             `json:"frequency"`
	Paused    *bool               `json:"paused"`
	Config    *core.RoutineConfig `json:"config"`
}

type routineResponse struct {
	ID        int64              `json:"id"`
	AgentID   int64              `json:"agent_id"`
	Name      string             `json:"name"`
	Type      string             `json:"type"`
	Frequency string             `json:"frequency"`
	Status    string             `json:"status"`
	Config    core.RoutineConfig `json:"config"`
	LastRunAt *string            `json:"last_run_at,omitempty"`
	NextRunAt *string            `json:"next_run_at,omitempty"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	agent := &core.Agent{UserID: userFrom(r), Status: core.AgentStatusActive}
	if !applyAgentRequest(w, agent, req) {
		return
	}
	if agent.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		s.writeCoreError(w, err, "create agent")
		return
	}
	writeJSON(w, http.StatusCreated, agentToResponse(agent))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context(), userFrom(r))
	if err != nil {
		s.writeCoreError(w, err, "list agents")
		return
	}
	res := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		res = append(res, agentToResponse(a))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	agent, err := s.store.GetAgent(r.Context(), userFrom(r), id)
	if err != nil {
		s.writeCoreError(w, err, "get agent")
		return
	}
	writeJSON(w, http.StatusOK, agentToResponse(agent))
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	agent, err := s.store.GetAgent(r.Context(), userFrom(r), id)
	if err != nil {
		s.writeCoreError(w, err, "get agent")
		return
	}
	var req agentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !applyAgentRequest(w, agent, req) {
		return
	}
	if agent.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name cannot be empty")
		return
	}
	if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
		s.writeCoreError(w, err, "update agent")
		return
	}
	writeJSON(w, http.StatusOK, agentToResponse(agent))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	if err := s.store.DeleteAgent(r.Context(), userFrom(r), id); err != nil {
		s.writeCoreError(w, err, "delete agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func applyAgentRequest(w http.ResponseWriter, agent *core.Agent, req agentRequest) bool {
	if req.Name != nil {
		agent.Name = strings.TrimSpace(*req.Name)
	}
	if req.Role != nil {
		agent.Role = strings.TrimSpace(*req.Role)
	}
	if req.AgentType != nil {
		agent.AgentType = strings.TrimSpace(*req.AgentType)
	}
	if req.Status != nil {
		status := core.AgentStatus(*req.Status)
		if status != core.AgentStatusActive && status != core.AgentStatusInactive {
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be active or inactive")
			return false
		}
		agent.Status = status
	}
	if req.Config != nil {
		agent.Config = *req.Config
	}
	return true
}

func (s *Server) handleCreateRoutine(w http.ResponseWriter, r *http.Request) {
	var req routineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := userFrom(r)
	if req.AgentID == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "agent_id is required")
		return
	}
	if _, err := s.store.GetAgent(r.Context(), userID, *req.AgentID); err != nil {
		s.writeCoreError(w, err, "get agent")
		return
	}
	routine := &core.Routine{
		UserID:    userID,
		AgentID:   *req.AgentID,
		Type:      core.RoutineTypeGeneral,
		Frequency: core.FrequencyManual,
		Status:    core.RoutineStatusActive,
	}
	if !applyRoutineRequest(w, routine, req) {
		return
	}
	if routine.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	routine.NextRunAt = initialNextRun(routine)
	if err := s.store.CreateRoutine(r.Context(), routine); err != nil {
		s.writeCoreError(w, err, "create routine")
		return
	}
	writeJSON(w, http.StatusCreated, routineToResponse(routine))
}

func (s *Server) handleListRoutines(w http.ResponseWriter, r *http.Request) {
	var filter core.RoutineFilter
	agentID, err := queryID(r, "agent_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "agent_id must be an integer")
		return
	}
	filter.AgentID = agentID
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.RoutineStatus(status)
		if st != core.RoutineStatusActive && st != core.RoutineStatusPaused {
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be active or paused")
			return
		}
		filter.Status = &st
	}
	routines, err := s.store.ListRoutines(r.Context(), userFrom(r), filter)
	if err != nil {
		s.writeCoreError(w, err, "list routines")
		return
	}
	res := make([]routineResponse, 0, len(routines))
	for _, rt := range routines {
		res = append(res, routineToResponse(rt))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetRoutine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "routineID")
	if !ok {
		return
	}
	routine, err := s.store.GetRoutine(r.Context(), userFrom(r), id)
	if err != nil {
		s.writeCoreError(w, err, "get routine")
		return
	}
	writeJSON(w, http.StatusOK, routineToResponse(routine))
}

func (s *Server) handleUpdateRoutine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "routineID")
	if !ok {
		return
	}
	routine, err := s.store.GetRoutine(r.Context(), userFrom(r), id)
	if err != nil {
		s.writeCoreError(w, err, "get routine")
		return
	}
	var req routineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID != nil && *req.AgentID != routine.AgentID {
		writeError(w, http.StatusBadRequest, "invalid_input", "a routine cannot move to another agent")
		return
	}
	prevStatus, prevFreq := routine.Status, routine.Frequency
	if !applyRoutineRequest(w, routine, req) {
		return
	}
	if routine.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name cannot be empty")
		return
	}
	if routine.Status != prevStatus || routine.Frequency != prevFreq {
		routine.NextRunAt = initialNextRun(routine)
	}
	if err := s.store.UpdateRoutine(r.Context(), routine); err != nil {
		s.writeCoreError(w, err, "update routine")
		return
	}
	writeJSON(w, http.StatusOK, routineToResponse(routine))
}

func (s *Server) handleDeleteRoutine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "routineID")
	if !ok {
		return
	}
	if err := s.store.DeleteRoutine(r.Context(), userFrom(r), id); err != nil {
		s.writeCoreError(w, err, "delete routine")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunRoutine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "routineID")
	if !ok {
		return
	}
	exec, err := s.scheduler.RunRoutineNow(r.Context(), userFrom(r), id, core.TriggerManual)
	if err != nil {
		s.writeCoreError(w, err, "run routine")
		return
	}
	writeJSON(w, http.StatusAccepted, executionToResponse(exec))
}

func applyRoutineRequest(w http.ResponseWriter, routine *core.Routine, req routineRequest) bool {
	if req.Name != nil {
		routine.Name = strings.TrimSpace(*req.Name)
	}
	if req.Type != nil {
		t := core.RoutineType(*req.Type)
		if !t.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown routine type")
			return false
		}
		routine.Type = t
	}
	if req.Frequency != nil {
		f := core.Frequency(*req.Frequency)
		if !f.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "frequency must be manual, auto, daily or weekly")
			return false
		}
		routine.Frequency = f
	}
	if req.Paused != nil {
		if *req.Paused {
			routine.Status = core.RoutineStatusPaused
		} else {
			routine.Status = core.RoutineStatusActive
		}
	}
	if req.Config != nil {
		routine.Config = *req.Config
	}
	if routine.Type.NeedsRepository() && (routine.Config.Repository == nil || routine.Config.Repository.URL == "") {
		writeError(w, http.StatusBadRequest, "invalid_input", "code routines need config.repository.url")
		return false
	}
	return true
}

// initialNextRun makes active scheduled routines due at the next sweep.
func initialNextRun(routine *core.Routine) *time.Time {
	if routine.Status != core.RoutineStatusActive || routine.Frequency == core.FrequencyManual {
		return nil
	}
	now := time.Now().UTC()
	return &now
}

func agentToResponse(a *core.Agent) agentResponse {
	return agentResponse{
		ID:                   a.ID,
		Name:                 a.Name,
		Role:                 a.Role,
		AgentType:            a.AgentType,
		Status:               string(a.Status),
		Config:               a.Config,
		SessionID:            a.SessionID,
		WorkspacePath:        a.WorkspacePath,
		RoutineRunsCompleted: a.RoutineRunsCompleted,
		TasksCompleted:       a.TasksCompleted,
		CreatedAt:            formatTime(a.CreatedAt),
		UpdatedAt:            formatTime(a.UpdatedAt),
	}
}

func routineToResponse(rt *core.Routine) routineResponse {
	return routineResponse{
		ID:        rt.ID,
		AgentID:   rt.AgentID,
		Name:      rt.Name,
		Type:      string(rt.Type),
		Frequency: string(rt.Frequency),
		Status:    string(rt.Status),
		Config:    rt.Config,
		LastRunAt: formatTimePtr(rt.LastRunAt),
		NextRunAt: formatTimePtr(rt.NextRunAt),
		CreatedAt: formatTime(rt.CreatedAt),
		UpdatedAt: formatTime(rt.UpdatedAt),
	}
}
