// Package errors provides custom error types for the workspace agent.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInputInvalid        = "INPUT_INVALID"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeStateConflict       = "STATE_CONFLICT"
	ErrCodePreconditionMissing = "PRECONDITION_MISSING"
	ErrCodeSubprocessFailure   = "SUBPROCESS_FAILURE"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// InputInvalid creates an error for missing or malformed request input.
// Never logged at error level.
func InputInvalid(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInputInvalid,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// StateConflict creates an error for optimistic-lock clashes and
// already-running conditions. The message should carry a state hint.
func StateConflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeStateConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// PreconditionMissing creates an error for absent prerequisites
// (container not running, package.json missing). The message should name
// the remediation endpoint.
func PreconditionMissing(message string) *AppError {
	return &AppError{
		Code:       ErrCodePreconditionMissing,
		Message:    message,
		HTTPStatus: http.StatusPreconditionFailed,
	}
}

// SubprocessFailure creates an error for a non-zero engine or tool exit,
// carrying the bounded captured output.
func SubprocessFailure(message string, output string) *AppError {
	return &AppError{
		Code:       ErrCodeSubprocessFailure,
		Message:    fmt.Sprintf("%s: %s", message, output),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsStateConflict checks if the error is a state conflict error.
func IsStateConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeStateConflict
	}
	return false
}

// IsPreconditionMissing checks if the error is a missing precondition error.
func IsPreconditionMissing(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodePreconditionMissing
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
