package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. The typed errors below unwrap to these so callers can
// use errors.Is for the category and errors.As for the details.
var (
	ErrDuplicateTask    = errors.New("duplicate task")
	ErrUnknownTask      = errors.New("unknown task")
	ErrInvalidState     = errors.New("invalid state")
	ErrCyclicDependency = errors.New("cyclic dependency")
	ErrTaskCancelled    = errors.New("task cancelled")
	ErrNotBackground    = errors.New("not a background task")
	ErrMustOverride     = errors.New("must override")
	ErrAlreadyStarted   = errors.New("task already started")
	ErrAlreadyDone      = errors.New("task already done")
	ErrAlreadyFulfilled = errors.New("future already fulfilled")
	ErrStopTimeout      = errors.New("background task did not finish after stop")
	ErrNotCancelled     = errors.New("task has not been cancelled")
	ErrUnknownRun       = errors.New("unknown journal run")
)

// DuplicateTaskError is returned when a task name is registered twice.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task name [%s]", e.Name)
}

func (e *DuplicateTaskError) Unwrap() error { return ErrDuplicateTask }

// UnknownTaskError is returned when a lookup names a task that is not registered.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("task [%s] not found", e.Name)
}

func (e *UnknownTaskError) Unwrap() error { return ErrUnknownTask }

// InvalidStateError is returned for an illegal queue or lifecycle transition.
type InvalidStateError struct {
	Name  string
	State string
	Err   error
}

func (e *InvalidStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid state [%s] for task [%s]: %v", e.State, e.Name, e.Err)
	}
	return fmt.Sprintf("invalid state [%s] for task [%s]", e.State, e.Name)
}

func (e *InvalidStateError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidState, e.Err}
	}
	return []error{ErrInvalidState}
}

// CyclicDependencyError lists the task names that take part in a dependency cycle.
type CyclicDependencyError struct {
	Names []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle involving tasks: %s", strings.Join(e.Names, ", "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// TaskCancelledError is the failure recorded on a task cancelled before or while running.
type TaskCancelledError struct {
	Name string
}

func (e *TaskCancelledError) Error() string {
	return fmt.Sprintf("task [%s] cancelled", e.Name)
}

func (e *TaskCancelledError) Unwrap() error { return ErrTaskCancelled }

// NotBackgroundError is returned when a background-only operation is used on a foreground task.
type NotBackgroundError struct {
	Name string
	Op   string
}

func (e *NotBackgroundError) Error() string {
	return fmt.Sprintf("%s: task [%s] is not a background task", e.Op, e.Name)
}

func (e *NotBackgroundError) Unwrap() error { return ErrNotBackground }

// MustOverrideError is returned when a task runs without an exec body, or a
// background task is stopped without a stop hook.
type MustOverrideError struct {
	Name   string
	Method string
}

func (e *MustOverrideError) Error() string {
	return fmt.Sprintf("%s: task [%s] must provide a %s function", e.Method, e.Name, e.Method)
}

func (e *MustOverrideError) Unwrap() error { return ErrMustOverride }

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrCodeConflict   ErrorCode = "CONFLICT"
	ErrCodeInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the status API.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewValidationError creates a VALIDATION_ERROR APIError.
func NewValidationError(msg string) *APIError {
	return &APIError{Code: ErrCodeValidation, Message: msg}
}

// NewConflictError creates a CONFLICT APIError.
func NewConflictError(msg string) *APIError {
	return &APIError{Code: ErrCodeConflict, Message: msg}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrCodeInternal, Message: msg}
}
