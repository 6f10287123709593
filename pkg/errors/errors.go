// Package errors provides structured error handling for the relay
package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors; these are the only
	// fatal class and must prevent the pipeline from starting
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeInsufficientData represents a drain requested before the
	// buffer store reached its readiness threshold
	ErrorTypeInsufficientData ErrorType = "insufficient_data"
	// ErrorTypeTransmit represents a failed send on the transmit side
	ErrorTypeTransmit ErrorType = "transmit"
	// ErrorTypeQueueRejected represents an enqueue rejected by the
	// drop-newest overflow policy
	ErrorTypeQueueRejected ErrorType = "queue_rejected"
	// ErrorTypeConnection represents transport connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeData represents malformed or unexpected ingest data
	ErrorTypeData ErrorType = "data"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// IsFatal returns true if the error must abort pipeline startup.
// Only configuration errors are fatal; everything else is handled,
// counted, and published as an event.
func IsFatal(err error) bool {
	return IsType(err, ErrorTypeConfig)
}
