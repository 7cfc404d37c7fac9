package api

import (
	"net/http"
	"strings"

	"agentcrew/internal/core"
)

type createTaskRequest struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	Priority         string `json:"priority"`
	Reasoning        string `json:"reasoning"`
	Approve          bool   `json:"approve"`
	AssignToAgentID  *int64 `json:"assign_to_agent_id"`
	AssignToModuleID *int64 `json:"assign_to_module_id"`
}

type proposeTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Reasoning   string `json:"reasoning"`
	AgentID     *int64 `json:"agent_id"`
	ModuleID    *int64 `json:"module_id"`
}

type updateStatusRequest struct {
	Status    string `json:"status"`
	Reasoning string `json:"reasoning"`
	// ActorAgentID makes the change on behalf of an agent instead of the user.
	ActorAgentID     *int64 `json:"actor_agent_id"`
	AssignToAgentID  *int64 `json:"assign_to_agent_id"`
	AssignToModuleID *int64 `json:"assign_to_module_id"`
}

type reissueRequest struct {
	Reasoning string `json:"reasoning"`
}

type dispatchRequest struct {
	AgentID *int64 `json:"agent_id"`
}

type taskResponse struct {
	ID                  int64   `json:"id"`
	Title               string  `json:"title"`
	Description         string  `json:"description,omitempty"`
	Priority            string  `json:"priority"`
	Status              string  `json:"status"`
	SuggestionReasoning string  `json:"suggestion_reasoning,omitempty"`
	ApprovalReasoning   string  `json:"approval_reasoning,omitempty"`
	CompletionSummary   string  `json:"completion_summary,omitempty"`
	RejectionReasoning  string  `json:"rejection_reasoning,omitempty"`
	FailureReason       string  `json:"failure_reason,omitempty"`
	BlockedReason       string  `json:"blocked_reason,omitempty"`
	SuggestedByAgentID  *int64  `json:"suggested_by_agent_id,omitempty"`
	SuggestedByModuleID *int64  `json:"suggested_by_module_id,omitempty"`
	AssignedToAgentID   *int64  `json:"assigned_to_agent_id,omitempty"`
	AssignedToModuleID  *int64  `json:"assigned_to_module_id,omitempty"`
	BrainDecisionID     *int64  `json:"brain_decision_id,omitempty"`
	RetryOfTaskID       *int64  `json:"retry_of_task_id,omitempty"`
	ApprovedBy          *string `json:"approved_by,omitempty"`
	ApprovedAt          *string `json:"approved_at,omitempty"`
	RejectedBy          *string `json:"rejected_by,omitempty"`
	RejectedAt          *string `json:"rejected_at,omitempty"`
	StartedAt           *string `json:"started_at,omitempty"`
	CompletedAt         *string `json:"completed_at,omitempty"`
	FailedAt            *string `json:"failed_at,omitempty"`
	BlockedAt           *string `json:"blocked_at,omitempty"`
	CancelledAt         *string `json:"cancelled_at,omitempty"`
	LastStatusChangeAt  string  `json:"last_status_change_at"`
	LastStatusChangeBy  string  `json:"last_status_change_by"`
	CreatedBy           string  `json:"created_by"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
}

type historyResponse struct {
	ID        int64  `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	ChangedBy string `json:"changed_by"`
	Reasoning string `json:"reasoning,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "title is required")
		return
	}
	userID := userFrom(r)
	task, err := s.lifecycle.Create(r.Context(), core.CreateInput{
		UserID:           userID,
		CreatedBy:        core.UserActor(userID),
		Title:            req.Title,
		Description:      req.Description,
		Priority:         core.TaskPriority(req.Priority),
		Reasoning:        req.Reasoning,
		Approve:          req.Approve,
		AssignToAgentID:  req.AssignToAgentID,
		AssignToModuleID: req.AssignToModuleID,
	})
	if err != nil {
		s.writeCoreError(w, err, "create task")
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleProposeTask(w http.ResponseWriter, r *http.Request) {
	var req proposeTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "title is required")
		return
	}
	task, err := s.lifecycle.Propose(r.Context(), core.ProposeInput{
		UserID:      userFrom(r),
		Title:       req.Title,
		Description: req.Description,
		Reasoning:   req.Reasoning,
		Priority:    core.TaskPriority(req.Priority),
		AgentID:     req.AgentID,
		ModuleID:    req.ModuleID,
	})
	if err != nil {
		s.writeCoreError(w, err, "propose task")
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := core.TaskFilter{Limit: parseIntDefault(r.URL.Query().Get("limit"), 100)}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown task status")
			return
		}
		filter.Status = &st
	}
	agentID, err := queryID(r, "assigned_to_agent_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "assigned_to_agent_id must be an integer")
		return
	}
	filter.AssignedToAgentID = agentID

	tasks, err := s.store.ListTasks(r.Context(), userFrom(r), filter)
	if err != nil {
		s.writeCoreError(w, err, "list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), userFrom(r), id)
	if err != nil {
		s.writeCoreError(w, err, "get task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := userFrom(r)
	in := core.TransitionInput{
		ChangedBy:        core.UserActor(userID),
		Reasoning:        req.Reasoning,
		AssignToAgentID:  req.AssignToAgentID,
		AssignToModuleID: req.AssignToModuleID,
	}
	if req.ActorAgentID != nil {
		in.ChangedBy = core.AgentActor(*req.ActorAgentID)
		in.ActorAgentID = req.ActorAgentID
	}
	task, err := s.lifecycle.UpdateTaskStatus(r.Context(), userID, id, core.TaskStatus(req.Status), in)
	if err != nil {
		s.writeCoreError(w, err, "update task status")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	userID := userFrom(r)
	if _, err := s.store.GetTask(r.Context(), userID, id); err != nil {
		s.writeCoreError(w, err, "get task")
		return
	}
	changes, err := s.lifecycle.History(r.Context(), userID, id)
	if err != nil {
		s.writeCoreError(w, err, "task history")
		return
	}
	res := make([]historyResponse, 0, len(changes))
	for _, c := range changes {
		res = append(res, historyResponse{
			ID:        c.ID,
			From:      string(c.From),
			To:        string(c.To),
			ChangedBy: c.ChangedBy,
			Reasoning: c.Reasoning,
			CreatedAt: formatTime(c.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReissueTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	var req reissueRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	userID := userFrom(r)
	task, err := s.lifecycle.Reissue(r.Context(), userID, id, core.UserActor(userID), req.Reasoning)
	if err != nil {
		s.writeCoreError(w, err, "reissue task")
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	var req dispatchRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	userID := userFrom(r)
	agentID := req.AgentID
	if agentID == nil {
		task, err := s.store.GetTask(r.Context(), userID, id)
		if err != nil {
			s.writeCoreError(w, err, "get task")
			return
		}
		if task.AssignedToAgentID == nil {
			writeError(w, http.StatusUnprocessableEntity, "not_assigned", "task has no assigned agent")
			return
		}
		agentID = task.AssignedToAgentID
	}
	exec, err := s.scheduler.DispatchTaskNow(r.Context(), core.TaskRequest{
		UserID:      userID,
		TaskID:      id,
		AgentID:     *agentID,
		Trigger:     core.TriggerManual,
		AttachDelay: s.attachDelay,
	})
	if err != nil {
		s.writeCoreError(w, err, "dispatch task")
		return
	}
	writeJSON(w, http.StatusAccepted, executionToResponse(exec))
}

func taskToResponse(t *core.Task) taskResponse {
	return taskResponse{
		ID:                  t.ID,
		Title:               t.Title,
		Description:         t.Description,
		Priority:            string(t.Priority),
		Status:              string(t.Status),
		SuggestionReasoning: t.SuggestionReasoning,
		ApprovalReasoning:   t.ApprovalReasoning,
		CompletionSummary:   t.CompletionSummary,
		RejectionReasoning:  t.RejectionReasoning,
		FailureReason:       t.FailureReason,
		BlockedReason:       t.BlockedReason,
		SuggestedByAgentID:  t.SuggestedByAgentID,
		SuggestedByModuleID: t.SuggestedByModuleID,
		AssignedToAgentID:   t.AssignedToAgentID,
		AssignedToModuleID:  t.AssignedToModuleID,
		BrainDecisionID:     t.BrainDecisionID,
		RetryOfTaskID:       t.RetryOfTaskID,
		ApprovedBy:          t.ApprovedBy,
		ApprovedAt:          formatTimePtr(t.ApprovedAt),
		RejectedBy:          t.RejectedBy,
		RejectedAt:          formatTimePtr(t.RejectedAt),
		StartedAt:           formatTimePtr(t.StartedAt),
		CompletedAt:         formatTimePtr(t.CompletedAt),
		FailedAt:            formatTimePtr(t.FailedAt),
		BlockedAt:           formatTimePtr(t.BlockedAt),
		CancelledAt:         formatTimePtr(t.CancelledAt),
		LastStatusChangeAt:  formatTime(t.LastStatusChangeAt),
		LastStatusChangeBy:  t.LastStatusChangeBy,
		CreatedBy:           t.CreatedBy,
		CreatedAt:           formatTime(t.CreatedAt),
		UpdatedAt:           formatTime(t.UpdatedAt),
	}
}
