package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common provider failures.
var (
	// Context/Token errors
	ErrContextLengthExceeded = errors.New("context length exceeded")

	// Safety/Content errors
	ErrContentBlocked = errors.New("content blocked by safety filters")

	// Rate limiting errors
	ErrRateLimit     = errors.New("rate limit exceeded")
	ErrQuotaExceeded = errors.New("quota exceeded")

	// Authentication errors
	ErrAuthentication = errors.New("authentication failed")

	// Network errors
	ErrNetwork            = errors.New("network error")
	ErrServiceUnavailable = errors.New("service unavailable")

	// Request/response errors
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidResponse = errors.New("invalid response")

	// ErrInvalidTurn is returned when a turn has both or neither of content
	// and tool calls, or repeats a tool call id.
	ErrInvalidTurn = errors.New("invalid turn record")
)

// ErrorCode represents a provider error code.
type ErrorCode string

const (
	ErrorCodeContextLength   ErrorCode = "context_length_exceeded"
	ErrorCodeContentBlocked  ErrorCode = "content_blocked"
	ErrorCodeRateLimit       ErrorCode = "rate_limit"
	ErrorCodeQuota           ErrorCode = "quota_exceeded"
	ErrorCodeAuth            ErrorCode = "authentication_failed"
	ErrorCodeNetwork         ErrorCode = "network_error"
	ErrorCodeUnavailable     ErrorCode = "service_unavailable"
	ErrorCodeInvalidRequest  ErrorCode = "invalid_request"
	ErrorCodeInvalidResponse ErrorCode = "invalid_response"
)

var codeSentinels = map[ErrorCode]error{
	ErrorCodeContextLength:   ErrContextLengthExceeded,
	ErrorCodeContentBlocked:  ErrContentBlocked,
	ErrorCodeRateLimit:       ErrRateLimit,
	ErrorCodeQuota:           ErrQuotaExceeded,
	ErrorCodeAuth:            ErrAuthentication,
	ErrorCodeNetwork:         ErrNetwork,
	ErrorCodeUnavailable:     ErrServiceUnavailable,
	ErrorCodeInvalidRequest:  ErrInvalidRequest,
	ErrorCodeInvalidResponse: ErrInvalidResponse,
}

// ProviderError wraps errors with additional context.
type ProviderError struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Retryable  bool
	RetryAfter *time.Duration
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Underlying
}

// Is matches the sentinel error for the error's code, so callers can write
// errors.Is(err, models.ErrRateLimit) regardless of the backend.
func (e *ProviderError) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && sentinel == target
}

// IsRetryable returns true if the error is retryable.
func IsRetryable(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable
	}
	return false
}

// GetRetryAfter returns the retry-after duration if present.
func GetRetryAfter(err error) *time.Duration {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.RetryAfter
	}
	return nil
}

// HTTPError maps an HTTP status code from a backend API to a ProviderError.
// Backends whose SDKs expose a status code share this classification.
func HTTPError(status int, message string, err error) *ProviderError {
	switch {
	case status == 401 || status == 403:
		return &ProviderError{Code: ErrorCodeAuth, Message: "authentication failed", Underlying: err}
	case status == 429:
		return &ProviderError{Code: ErrorCodeRateLimit, Message: "rate limit exceeded", Underlying: err, Retryable: true}
	case status == 400 || status == 404 || status == 422:
		return &ProviderError{Code: ErrorCodeInvalidRequest, Message: fmt.Sprintf("invalid request: %s", message), Underlying: err}
	case status >= 500:
		return &ProviderError{Code: ErrorCodeUnavailable, Message: "service unavailable", Underlying: err, Retryable: true}
	default:
		return &ProviderError{Code: ErrorCodeNetwork, Message: fmt.Sprintf("API error: %s", message), Underlying: err, Retryable: true}
	}
}
