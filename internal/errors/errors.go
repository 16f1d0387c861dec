// Package errors defines the structured error taxonomy used by the conductor
// job orchestration system.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates a conflict with existing data (duplicate name,
	// referenced-entity deletion).
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates invalid input data, rejected before persistence.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeDispatch indicates submission to the execution backend failed.
	// The associated JobRun is recorded as failed, never left orphaned.
	ErrCodeDispatch ErrorCode = "dispatch_error"
	// ErrCodeExecution indicates a semantic failure reported by job logic.
	// Recorded on the JobRun; not retried automatically.
	ErrCodeExecution ErrorCode = "execution_error"
	// ErrCodeTransientWorker indicates a worker crash or lost heartbeat.
	// Eligible for backend-level retry up to the configured limit.
	ErrCodeTransientWorker ErrorCode = "transient_worker_error"
	// ErrCodeOrphanedRun indicates a run stuck past the staleness threshold
	// with no live backend task, detected by the reconciliation sweep.
	ErrCodeOrphanedRun ErrorCode = "orphaned_run"
	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError is a structured application error with a code, message, and
// optional cause. It supports errors.Is and errors.As through Unwrap.
type AppError struct {
	// Code categorizes the error type
	Code ErrorCode
	// Message is a human-readable error message
	Message string
	// Cause is the underlying error (optional)
	Cause error
	// Field is the specific field that caused the error (optional, validation)
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: message}
}

// NotFoundf creates a new NotFound error with a formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// Conflictf creates a new Conflict error with a formatted message.
func Conflictf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

// Validationf creates a new Validation error with a formatted message.
func Validationf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// Dispatch creates a new Dispatch error.
func Dispatch(message string) *AppError {
	return &AppError{Code: ErrCodeDispatch, Message: message}
}

// Execution creates a new Execution error.
func Execution(message string) *AppError {
	return &AppError{Code: ErrCodeExecution, Message: message}
}

// TransientWorker creates a new TransientWorker error.
func TransientWorker(message string) *AppError {
	return &AppError{Code: ErrCodeTransientWorker, Message: message}
}

// OrphanedRun creates a new OrphanedRun error.
func OrphanedRun(message string) *AppError {
	return &AppError{Code: ErrCodeOrphanedRun, Message: message}
}

// Internal creates a new Internal error.
func Internal(message string) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message}
}

// Internalf creates a new Internal error with a formatted message.
func Internalf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// isCode checks if an error has a specific error code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool {
	return isCode(err, ErrCodeNotFound)
}

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool {
	return isCode(err, ErrCodeConflict)
}

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool {
	return isCode(err, ErrCodeValidation)
}

// IsDispatch checks if an error is a Dispatch error.
func IsDispatch(err error) bool {
	return isCode(err, ErrCodeDispatch)
}

// IsExecution checks if an error is an Execution error.
func IsExecution(err error) bool {
	return isCode(err, ErrCodeExecution)
}

// IsTransientWorker checks if an error is a TransientWorker error.
func IsTransientWorker(err error) bool {
	return isCode(err, ErrCodeTransientWorker)
}

// IsOrphanedRun checks if an error is an OrphanedRun error.
func IsOrphanedRun(err error) bool {
	return isCode(err, ErrCodeOrphanedRun)
}

// IsInternal checks if an error is an Internal error.
func IsInternal(err error) bool {
	return isCode(err, ErrCodeInternal)
}

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the Field from an error, or empty string when absent.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
