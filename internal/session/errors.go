package session

import (
	"errors"
	"fmt"
)

// ErrorCode classifies session-layer failures for callers and monitoring.
type ErrorCode string

const (
	// ErrCodeCapacity indicates the configured session limit is reached.
	ErrCodeCapacity ErrorCode = "CAPACITY_EXCEEDED"

	// ErrCodeNotConnected indicates an operation needing a Ready session.
	ErrCodeNotConnected ErrorCode = "NOT_CONNECTED"

	// ErrCodeNotFound indicates the referenced session does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeStorage indicates a credential persistence failure.
	ErrCodeStorage ErrorCode = "STORAGE_ERROR"

	// ErrCodeConnection indicates a failed connection attempt.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeSend indicates a per-conversation transmission failure.
	ErrCodeSend ErrorCode = "SEND_ERROR"

	// ErrCodeInvalidInput indicates malformed caller input.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error is a structured session-layer error carrying a classification code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Sentinel instances for errors.Is checks at call sites.
var (
	ErrCapacityExceeded = NewError(ErrCodeCapacity, "session limit reached", nil)
	ErrNotConnected     = NewError(ErrCodeNotConnected, "session not connected", nil)
	ErrNotFound         = NewError(ErrCodeNotFound, "session not found", nil)
)

// CodeOf extracts the ErrorCode from err, or ErrCodeSend for plain errors.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeSend
}
