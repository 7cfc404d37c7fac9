package core

// TaskStatuses lists every task state.
func TaskStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusSuggested,
		TaskStatusApproved,
		TaskStatusInProgress,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusRejected,
		TaskStatusBlocked,
		TaskStatusCancelled,
	}
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusSuggested:  {TaskStatusApproved, TaskStatusRejected, TaskStatusCancelled},
	TaskStatusApproved:   {TaskStatusInProgress, TaskStatusBlocked, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked},
	TaskStatusBlocked:    {TaskStatusApproved, TaskStatusCancelled},
}

// Valid reports whether s is a known task state.
func (s TaskStatus) Valid() bool {
	for _, known := range TaskStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s TaskStatus) Terminal() bool {
	return s.Valid() && len(taskTransitions[s]) == 0
}

// CanTransition reports whether a task may move from one state to another.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// requiresReasoning reports whether entering s must carry reasoning text.
func requiresReasoning(s TaskStatus) bool {
	switch s {
	case TaskStatusCompleted, TaskStatusRejected, TaskStatusFailed, TaskStatusBlocked:
		return true
	}
	return false
}
