package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidState      = "INVALID_LIFECYCLE_STATE"
	ErrCodeUnconnectedSocket = "UNCONNECTED_SOCKET"
	ErrCodeNoControlLink     = "NO_CONTROL_LINK"
	ErrCodeNodeNotFound      = "NODE_NOT_FOUND"
	ErrCodeNoInitialNode     = "NO_INITIAL_NODE"
	ErrCodeSocketNotFound    = "SOCKET_NOT_FOUND"
	ErrCodeModelNotFound     = "MODEL_NOT_FOUND"
	ErrCodeRequiredParam     = "REQUIRED_PARAMETER_MISSING"
	ErrCodeHandlerFailed     = "HANDLER_EXECUTION_FAILED"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeTransaction       = "TRANSACTION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeEngine            = "ENGINE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
)

// ProcflowError is the structured error type for all engine operations.
type ProcflowError struct {
	Code    string         `json:"code" msgpack:"code"`
	Message string         `json:"message" msgpack:"message"`
	Details map[string]any `json:"details,omitempty" msgpack:"details,omitempty"`
	Socket  string         `json:"socket,omitempty" msgpack:"socket,omitempty"`
	Cause   error          `json:"-" msgpack:"-"`

	// Unrecoverable errors bypass exception routing and escape the executor.
	Unrecoverable bool `json:"unrecoverable,omitempty" msgpack:"unrecoverable,omitempty"`
}

func (e *ProcflowError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Socket != "" {
		return fmt.Sprintf("[%s] socket %s: %s", e.Code, e.Socket, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *ProcflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ProcflowError.
func NewError(code, message string) *ProcflowError {
	return &ProcflowError{Code: code, Message: message}
}

// NewErrorf creates a new ProcflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *ProcflowError {
	return &ProcflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithSocket attaches the qualified name of the socket being processed.
func (e *ProcflowError) WithSocket(qualifier string) *ProcflowError {
	e.Socket = qualifier
	return e
}

// WithCause attaches an underlying cause.
func (e *ProcflowError) WithCause(err error) *ProcflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ProcflowError) WithDetails(details map[string]any) *ProcflowError {
	e.Details = details
	return e
}

// AsUnrecoverable marks the error so that exception handling rethrows it.
func (e *ProcflowError) AsUnrecoverable() *ProcflowError {
	e.Unrecoverable = true
	return e
}

// CodeOf returns the code of the outermost ProcflowError in err's chain,
// or the empty string.
func CodeOf(err error) string {
	var pe *ProcflowError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCode reports whether any ProcflowError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var pe *ProcflowError
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Code == code {
			return true
		}
		err = pe.Cause
	}
	return false
}

// IsUnrecoverable reports whether any ProcflowError in err's chain is marked
// unrecoverable.
func IsUnrecoverable(err error) bool {
	for err != nil {
		var pe *ProcflowError
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Unrecoverable {
			return true
		}
		err = pe.Cause
	}
	return false
}

// Unrecoverable wraps err so that it escapes exception routing. Errors that
// already are ProcflowErrors are marked in place.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	var pe *ProcflowError
	if errors.As(err, &pe) {
		pe.Unrecoverable = true
		return err
	}
	return NewError(ErrCodeEngine, "unrecoverable engine error").WithCause(err).AsUnrecoverable()
}
