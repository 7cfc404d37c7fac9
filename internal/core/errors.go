package core

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAgentInactive      = errors.New("agent is not active")
	ErrRoutineInactive    = errors.New("routine is not active")
	ErrAgentBusy          = errors.New("agent already has a run in flight")
	ErrInvalidTransition  = errors.New("invalid task status transition")
	ErrTaskNotApproved    = errors.New("task is not approved")
	ErrNotAssigned        = errors.New("task is not assigned to this agent")
	ErrOwnership          = errors.New("actor does not own this task")
	ErrMissingReasoning   = errors.New("transition requires reasoning")
	ErrTransitionConflict = errors.New("task status changed concurrently")
	ErrExecutionFinalized = errors.New("execution already finalized")
	ErrDecisionParse      = errors.New("malformed brain decision")
	ErrInvalidTarget      = errors.New("decision target is not valid for this user")
	ErrPolicyBlocked      = errors.New("decision blocked by policy")
	ErrAlreadyRunning     = errors.New("already running")
)

// IsPrecondition reports whether err is a precondition failure raised before any execution row exists.
func IsPrecondition(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAgentInactive),
		errors.Is(err, ErrRoutineInactive),
		errors.Is(err, ErrAgentBusy),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrTaskNotApproved),
		errors.Is(err, ErrNotAssigned),
		errors.Is(err, ErrOwnership),
		errors.Is(err, ErrMissingReasoning),
		errors.Is(err, ErrTransitionConflict),
		errors.Is(err, ErrAlreadyRunning):
		return true
	}
	return false
}
