package silas

import "fmt"

// ErrInvalidConfig reports an invalid component configuration. Raised at
// construction time and fatal for the affected component only.
type ErrInvalidConfig struct {
	Component string
	Reason    string
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("%s: invalid config: %s", e.Component, e.Reason)
}

// ErrNotFound reports a lookup miss: unknown sandbox id, unknown
// dependency, unknown skill.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ErrUnknownProfile reports a set-profile call naming a profile that the
// token budget does not define.
type ErrUnknownProfile struct {
	Name string
}

func (e *ErrUnknownProfile) Error() string {
	return fmt.Sprintf("unknown context profile %q", e.Name)
}

// ErrPermissionDenied reports a missing or rejected approval. The executor
// converts it into work-item status blocked.
type ErrPermissionDenied struct {
	Reason string
}

func (e *ErrPermissionDenied) Error() string {
	return "permission denied: " + e.Reason
}

// ErrBudgetExhausted reports a consumed work-item budget dimension.
type ErrBudgetExhausted struct {
	Dimension string // "attempts", "tokens", "wall_time", "planner_calls"
}

func (e *ErrBudgetExhausted) Error() string {
	return "budget exhausted: " + e.Dimension
}

// ErrSystemFault reports an integrity failure (audit chain mismatch,
// signing error). The orchestrator halts accepting new turns when it sees
// one; every other error stays local to its component.
type ErrSystemFault struct {
	Reason string
	Err    error
}

func (e *ErrSystemFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("system fault: %s: %v", e.Reason, e.Err)
	}
	return "system fault: " + e.Reason
}

func (e *ErrSystemFault) Unwrap() error { return e.Err }
