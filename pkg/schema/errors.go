package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTransient         = "TRANSIENT_FAILURE"
	ErrCodePermanent         = "PERMANENT_FAILURE"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeScopeDenied       = "SCOPE_DENIED"
)

// SondaError is the structured error type for all sonda operations.
type SondaError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StageID string         `json:"stage_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *SondaError) Error() string {
	if e.StageID != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.StageID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SondaError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code identifies a transient condition.
// Transient failures, timeouts, store errors, and circuit-open rejections
// qualify; a breaker's cooldown elapses within the backoff schedule.
func (e *SondaError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransient, ErrCodeTimeout, ErrCodeStore, ErrCodeCircuitOpen:
		return true
	}
	return false
}

// NewError creates a new SondaError.
func NewError(code, message string) *SondaError {
	return &SondaError{Code: code, Message: message}
}

// NewErrorf creates a new SondaError with a formatted message.
func NewErrorf(code, format string, args ...any) *SondaError {
	return &SondaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage ID to the error.
func (e *SondaError) WithStage(stageID string) *SondaError {
	e.StageID = stageID
	return e
}

// WithCause attaches an underlying cause.
func (e *SondaError) WithCause(err error) *SondaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *SondaError) WithDetails(details map[string]any) *SondaError {
	e.Details = details
	return e
}
