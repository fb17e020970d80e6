package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeUnknownFunction    = "UNKNOWN_FUNCTION"
	ErrCodeSessionTerminated  = "SESSION_TERMINATED"
	ErrCodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	ErrCodeProcessSpawn       = "PROCESS_SPAWN_ERROR"
	ErrCodeAlreadyInitialized = "ALREADY_INITIALIZED"
	ErrCodeNotInitialized     = "NOT_INITIALIZED"
	ErrCodeHandler            = "HANDLER_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeStore              = "STORE_ERROR"
)

// VoxError is the structured error type shared by the flow engine, the
// session worker and the orchestrator.
type VoxError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *VoxError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *VoxError) Unwrap() error {
	return e.Cause
}

// Is matches another *VoxError by code, so errors.Is(err, &VoxError{Code: c}) works.
func (e *VoxError) Is(target error) bool {
	t, ok := target.(*VoxError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new VoxError.
func NewError(code, message string) *VoxError {
	return &VoxError{Code: code, Message: message}
}

// NewErrorf creates a new VoxError with a formatted message.
func NewErrorf(code, format string, args ...any) *VoxError {
	return &VoxError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *VoxError) WithNode(nodeID string) *VoxError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *VoxError) WithCause(err error) *VoxError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *VoxError) WithDetails(details map[string]any) *VoxError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first VoxError in err's chain, or "".
func CodeOf(err error) string {
	var ve *VoxError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// Recoverable reports whether a function-call error should be fed back to
// the model instead of ending the session.
func Recoverable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeUnknownFunction, ErrCodeSessionTerminated, ErrCodeHandler:
		return true
	}
	return false
}
