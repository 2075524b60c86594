package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Workflow engine error codes.
const (
	ErrConfig            = "CONFIG_ERROR"
	ErrProtectedResource = "PROTECTED_RESOURCE"
	ErrStepFailed        = "STEP_FAILED"
	ErrTimeoutExceeded   = "TIMEOUT_EXCEEDED"
	ErrCancelledByUser   = "CANCELLED_BY_USER"
	ErrShuttingDown      = "SHUTTING_DOWN"
)

// ErrorEnvelope is the error type returned across package boundaries. The
// Code field carries the taxonomy; it implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrNotFound
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewConfigError returns a CONFIG_ERROR with field-level details.
func NewConfigError(msg string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConfig,
		Message: msg,
		Details: details,
	}
}

// NewProtectedResourceError returns a PROTECTED_RESOURCE error.
func NewProtectedResourceError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrProtectedResource, Message: msg}
}

// NewStepFailedError returns a STEP_FAILED error.
func NewStepFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStepFailed, Message: msg}
}

// NewTimeoutExceededError returns a TIMEOUT_EXCEEDED error.
func NewTimeoutExceededError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTimeoutExceeded, Message: msg}
}

// NewCancelledByUserError returns a CANCELLED_BY_USER error.
func NewCancelledByUserError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCancelledByUser,
		Message: "execution cancelled by user",
	}
}

// NewShuttingDownError returns a SHUTTING_DOWN error.
func NewShuttingDownError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrShuttingDown,
		Message: "dispatcher is shutting down",
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
