// Package errors provides structured error types for fsd.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for fsd.
const (
	// Task errors
	CodeTaskNotFound Code = "TASK_NOT_FOUND"
	CodeTaskExists   Code = "TASK_EXISTS"
	CodeTaskInvalid  Code = "TASK_INVALID"
	CodeTaskRunning  Code = "TASK_RUNNING"

	// State machine and storage errors
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodePersistence       Code = "PERSISTENCE"

	// Checkpoint and plan errors
	CodeCheckpoint  Code = "CHECKPOINT"
	CodePlanInvalid Code = "PLAN_INVALID"

	// Agent errors
	CodeAgentTimeout   Code = "AGENT_TIMEOUT"
	CodeAgentExecution Code = "AGENT_EXECUTION"
	CodeAgentParse     Code = "AGENT_PARSE"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// retryableCodes lists codes whose failures may succeed on a later attempt.
var retryableCodes = map[Code]bool{
	CodeAgentTimeout:   true,
	CodeAgentExecution: true,
}

// Error is the structured error type for fsd.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.Cause = err
	return &cp
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return retryableCodes[e.Code]
}

// --- Error constructors ---

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *Error {
	return &Error{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  "No task with this ID is registered or queued",
		Fix:  "Run 'fsd status' to list known tasks, or add a definition under .fsd/queue/",
	}
}

// ErrTaskExists returns an error when a task is registered twice.
func ErrTaskExists(id string) *Error {
	return &Error{
		Code: CodeTaskExists,
		What: fmt.Sprintf("task %s is already registered", id),
		Why:  "Each task has exactly one state record",
		Fix:  fmt.Sprintf("Use 'fsd reset %s' to start the task over", id),
	}
}

// ErrTaskInvalid returns an error for a task definition that fails validation.
func ErrTaskInvalid(id, reason string) *Error {
	return &Error{
		Code: CodeTaskInvalid,
		What: fmt.Sprintf("task %s is invalid", id),
		Why:  reason,
		Fix:  "Fix the task definition file and try again",
	}
}

// ErrTaskRunning returns an error when a task is already running.
func ErrTaskRunning(id string, pid int) *Error {
	return &Error{
		Code: CodeTaskRunning,
		What: fmt.Sprintf("task %s is already running", id),
		Why:  fmt.Sprintf("Process %d holds the run guard", pid),
		Fix:  "Wait for the other run to finish, or stop that process",
	}
}

// ErrInvalidTransition returns an error for a move the transition table forbids.
func ErrInvalidTransition(id, from, to string, valid []string) *Error {
	allowed := "none (terminal state)"
	if len(valid) > 0 {
		allowed = strings.Join(valid, ", ")
	}
	return &Error{
		Code: CodeInvalidTransition,
		What: fmt.Sprintf("invalid transition for task %s: %s -> %s", id, from, to),
		Why:  fmt.Sprintf("valid next states: %s", allowed),
		Fix:  fmt.Sprintf("Use 'fsd reset %s' to return a stuck task to queued", id),
	}
}

// ErrPersistence returns an error when state cannot be stored or read.
func ErrPersistence(op string, cause error) *Error {
	return &Error{
		Code:  CodePersistence,
		What:  fmt.Sprintf("state persistence failed during %s", op),
		Fix:   "Check permissions and free space for the .fsd directory",
		Cause: cause,
	}
}

// ErrCheckpoint returns an error for a failed checkpoint operation.
func ErrCheckpoint(op, taskID string, cause error) *Error {
	return &Error{
		Code:  CodeCheckpoint,
		What:  fmt.Sprintf("checkpoint %s failed for task %s", op, taskID),
		Fix:   "Check the repository state with 'git status' and 'fsd checkpoints list'",
		Cause: cause,
	}
}

// ErrPlanInvalid returns an error for a malformed execution plan.
func ErrPlanInvalid(taskID, reason string) *Error {
	return &Error{
		Code: CodePlanInvalid,
		What: fmt.Sprintf("execution plan for task %s is invalid", taskID),
		Why:  reason,
		Fix:  "Re-run the task so the planning phase produces a new plan",
	}
}

// ErrAgentTimeout returns an error when the agent exceeds its phase timeout.
func ErrAgentTimeout(phase, duration string) *Error {
	return &Error{
		Code: CodeAgentTimeout,
		What: fmt.Sprintf("agent timed out during %s phase", phase),
		Why:  fmt.Sprintf("No result after %s", duration),
		Fix:  "Increase the phase timeout in .fsd/config.yaml",
	}
}

// ErrAgentExecution returns an error when the agent process fails.
func ErrAgentExecution(phase string, cause error) *Error {
	return &Error{
		Code:  CodeAgentExecution,
		What:  fmt.Sprintf("agent failed during %s phase", phase),
		Cause: cause,
	}
}

// ErrAgentParse returns an error when agent output holds no usable JSON.
func ErrAgentParse(phase string, cause error) *Error {
	return &Error{
		Code:  CodeAgentParse,
		What:  fmt.Sprintf("could not parse agent output from %s phase", phase),
		Fix:   "Check the prompt template asks for a JSON response",
		Cause: cause,
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *Error {
	return &Error{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .fsd/config.yaml and FSD_* environment variables",
	}
}

// AsError returns the first *Error in err's chain, or nil.
func AsError(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return nil
}

// HasCode reports whether err's chain contains an *Error with code.
func HasCode(err error, code Code) bool {
	e := AsError(err)
	return e != nil && e.Code == code
}

// IsRetryable reports whether err is a structured error marked retryable.
func IsRetryable(err error) bool {
	e := AsError(err)
	return e != nil && e.Retryable()
}

// Wrap wraps a generic error into an *Error with unknown code.
func Wrap(err error, what string) *Error {
	return &Error{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
