package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the gateway.
type ErrorCode string

// Gateway error codes
const (
	// ErrRateLimited means admission was denied by a bucket or the circuit
	// breaker. Distinct from an HTTP 429 returned by the provider itself.
	ErrRateLimited ErrorCode = "RATE_LIMITED"

	// ErrQuotaExceeded means the cost governor refused the call; never
	// retried automatically.
	ErrQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// ErrProviderTimeout means the provider call exceeded its deadline.
	ErrProviderTimeout ErrorCode = "PROVIDER_TIMEOUT"

	// ErrTransientProvider covers 5xx-class and connection errors.
	ErrTransientProvider ErrorCode = "TRANSIENT_PROVIDER"

	// ErrFatalConfiguration covers auth failures, invalid models, and
	// malformed requests; surfaced immediately, never retried.
	ErrFatalConfiguration ErrorCode = "FATAL_CONFIGURATION"

	// ErrCircuitOpen means the circuit breaker is rejecting calls.
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// ErrInternal is the catch-all for gateway-side bugs.
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Cause     error     `json:"-"`
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
// The retryable flag is derived from the code and can be overridden
// with WithRetryable.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: defaultRetryable(code),
	}
}

// defaultRetryable maps each code to its propagation policy: timeouts and
// transient provider failures may be retried, budget and configuration
// failures may not.
func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrProviderTimeout, ErrTransientProvider, ErrRateLimited:
		return true
	default:
		return false
	}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithModel sets the model id.
func (e *Error) WithModel(model string) *Error {
	e.Model = model
	return e
}

// IsRetryable checks if an error is retryable, unwrapping as needed.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
