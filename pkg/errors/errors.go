// Package errors defines the error taxonomy surfaced by the swarm to
// meta-tool callers and the control-plane API.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrBadInput is returned when a field is missing or malformed
	ErrBadInput = "bad_input"

	// ErrNotFound is returned when no such worker, session, profile or tool exists
	ErrNotFound = "not_found"

	// ErrConflict is returned when an operation would overwrite a built-in profile
	ErrConflict = "conflict"

	// ErrSpawnFailed is returned when a worker transport could not connect
	ErrSpawnFailed = "spawn_failed"

	// ErrNotConnected is returned when the target exists but is not in the connected state
	ErrNotConnected = "not_connected"

	// ErrNotRunning is returned when stopping a worker that has no live instance
	ErrNotRunning = "not_running"

	// ErrAlreadyRunning is returned when starting a worker that is already live
	ErrAlreadyRunning = "already_running"

	// ErrTimeout is returned on queue-TTL expiry, call timeout or health-probe timeout
	ErrTimeout = "timeout"

	// ErrWorkerError is returned when the peer reported a structured error in its response
	ErrWorkerError = "worker_error"

	// ErrCancelled is returned when shutdown is in progress
	ErrCancelled = "cancelled"

	// ErrProtected is returned when deleting a built-in profile
	ErrProtected = "protected"

	// ErrInternal is returned on any other unexpected failure
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewBadInputError creates a new bad input error
func NewBadInputError(message string, cause error) *Error {
	return NewError(ErrBadInput, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewSpawnFailedError creates a new spawn failed error
func NewSpawnFailedError(message string, cause error) *Error {
	return NewError(ErrSpawnFailed, message, cause)
}

// NewNotConnectedError creates a new not connected error
func NewNotConnectedError(message string, cause error) *Error {
	return NewError(ErrNotConnected, message, cause)
}

// NewNotRunningError creates a new not running error
func NewNotRunningError(message string, cause error) *Error {
	return NewError(ErrNotRunning, message, cause)
}

// NewAlreadyRunningError creates a new already running error
func NewAlreadyRunningError(message string, cause error) *Error {
	return NewError(ErrAlreadyRunning, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message, cause)
}

// NewWorkerError creates a new worker error
func NewWorkerError(message string, cause error) *Error {
	return NewError(ErrWorkerError, message, cause)
}

// NewCancelledError creates a new cancelled error
func NewCancelledError(message string, cause error) *Error {
	return NewError(ErrCancelled, message, cause)
}

// NewProtectedError creates a new protected error
func NewProtectedError(message string, cause error) *Error {
	return NewError(ErrProtected, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// TypeOf returns the taxonomy type of err, or ErrInternal if err is not
// an *Error from this package.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsBadInput checks if the error is a bad input error
func IsBadInput(err error) bool {
	return isType(err, ErrBadInput)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return isType(err, ErrConflict)
}

// IsSpawnFailed checks if the error is a spawn failed error
func IsSpawnFailed(err error) bool {
	return isType(err, ErrSpawnFailed)
}

// IsNotConnected checks if the error is a not connected error
func IsNotConnected(err error) bool {
	return isType(err, ErrNotConnected)
}

// IsNotRunning checks if the error is a not running error
func IsNotRunning(err error) bool {
	return isType(err, ErrNotRunning)
}

// IsAlreadyRunning checks if the error is an already running error
func IsAlreadyRunning(err error) bool {
	return isType(err, ErrAlreadyRunning)
}

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool {
	return isType(err, ErrTimeout)
}

// IsWorkerError checks if the error is a worker error
func IsWorkerError(err error) bool {
	return isType(err, ErrWorkerError)
}

// IsCancelled checks if the error is a cancelled error
func IsCancelled(err error) bool {
	return isType(err, ErrCancelled)
}

// IsProtected checks if the error is a protected error
func IsProtected(err error) bool {
	return isType(err, ErrProtected)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
