package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the gateway.
type ErrorCode string

// Request lifecycle error codes
const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrRequestTimeout   ErrorCode = "REQUEST_TIMEOUT"
	ErrResultNotFound   ErrorCode = "RESULT_NOT_FOUND"
	ErrStaleRequest     ErrorCode = "STALE_REQUEST"
	ErrRequestAbandoned ErrorCode = "REQUEST_ABANDONED"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
)

// Worker pool error codes
const (
	ErrNoWorkerAvailable       ErrorCode = "NO_WORKER_AVAILABLE"
	ErrWorkerInvocationFailure ErrorCode = "WORKER_INVOCATION_FAILED"
)

// Infrastructure error codes
const (
	ErrStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError returns err as *Error, wrapping foreign errors as INTERNAL_ERROR.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(ErrInternalError, "internal error").WithCause(err)
}
