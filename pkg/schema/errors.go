package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeSchemaValidation  = "SCHEMA_VALIDATION"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRoutingDeadend    = "ROUTING_DEADEND"
	ErrCodeSiblingBarrier    = "SIBLING_BARRIER"
	ErrCodeSubworkflowFailed = "SUBWORKFLOW_FAILED"

	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeExecution  = "EXECUTION_ERROR"
	ErrCodeTimeout    = "TIMEOUT_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeCancelled  = "CANCELLED"
	ErrCodeStore      = "STORE_ERROR"
)

// CoordError is the structured error type for all coordinator operations.
type CoordError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TokenID string         `json:"token_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CoordError) Error() string {
	if e.TokenID != "" {
		return fmt.Sprintf("[%s] token %s: %s", e.Code, e.TokenID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CoordError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CoordError.
func NewError(code, message string) *CoordError {
	return &CoordError{Code: code, Message: message}
}

// NewErrorf creates a new CoordError with a formatted message.
func NewErrorf(code, format string, args ...any) *CoordError {
	return &CoordError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithToken attaches a token ID to the error.
func (e *CoordError) WithToken(tokenID string) *CoordError {
	e.TokenID = tokenID
	return e
}

// WithCause attaches an underlying cause.
func (e *CoordError) WithCause(err error) *CoordError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CoordError) WithDetails(details map[string]any) *CoordError {
	e.Details = details
	return e
}
