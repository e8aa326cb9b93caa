package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies configuration and input failures of a run.
type ErrorCode string

const (
	ErrConflictingInput      ErrorCode = "CONFLICTING_INPUT"
	ErrMalformedSchedule     ErrorCode = "MALFORMED_SCHEDULE"
	ErrInsufficientAudio     ErrorCode = "INSUFFICIENT_AUDIO"
	ErrShapeMismatch         ErrorCode = "SHAPE_MISMATCH"
	ErrUnsupportedCapability ErrorCode = "UNSUPPORTED_CAPABILITY"
)

// Error is a coded error. None of the codes are retryable: they all describe
// bad input or configuration and terminate the run.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
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

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// IsCode reports whether any error in err's chain is an *Error with code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
