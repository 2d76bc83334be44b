// Package errors defines the unified error taxonomy for dispatch operations.
// Backend-specific failures are mapped to these standard types so that the
// retry and failover layers can classify them uniformly.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Standard error type identifiers. These appear verbatim in the ErrorType
// field of failed results.
const (
	TypeQueueFull       = "queue_full_error"
	TypeTimeout         = "timeout_error"
	TypeConnection      = "connection_error"
	TypeRateLimit       = "rate_limit_error"
	TypeServer          = "server_error"
	TypeAuthentication  = "authentication_error"
	TypeValidation      = "validation_error"
	TypeSessionNotFound = "session_not_found_error"
	TypeInternal        = "internal_error"
)

// DispatchError is a classified error from a dispatch operation.
// Retryable marks errors that the resilient client may retry; fatal errors
// (authentication, validation) propagate immediately.
type DispatchError struct {
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Provider == "" && e.Model == "" {
		return fmt.Sprintf("[%s] %s", e.Type, e.Message)
	}
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s)", e.Type, e.Message, e.Provider, e.Model)
}

// NewQueueFullError creates an admission rejection error.
func NewQueueFullError(message string) *DispatchError {
	return &DispatchError{
		Message:   message,
		Type:      TypeQueueFull,
		Retryable: false,
	}
}

// NewTimeoutError creates a timeout error (retryable).
func NewTimeoutError(provider, model, message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewConnectionError creates a connection failure error (retryable).
func NewConnectionError(provider, model, message string) *DispatchError {
	return &DispatchError{
		Message:   message,
		Type:      TypeConnection,
		Provider:  provider,
		Model:     model,
		Retryable: true,
	}
}

// NewRateLimitError creates a rate limit error (retryable).
func NewRateLimitError(provider, model, message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewServerError creates a backend server error (retryable).
func NewServerError(provider, model string, statusCode int, message string) *DispatchError {
	if statusCode < 500 {
		statusCode = http.StatusInternalServerError
	}
	return &DispatchError{
		StatusCode: statusCode,
		Message:    message,
		Type:       TypeServer,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewAuthenticationError creates an authentication error (fatal).
func NewAuthenticationError(provider, model, message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewValidationError creates an invalid request error (fatal).
func NewValidationError(provider, model, message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeValidation,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewSessionNotFoundError creates a missing-session error.
func NewSessionNotFoundError(sessionID string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusNotFound,
		Message:    fmt.Sprintf("session %s not found", sessionID),
		Type:       TypeSessionNotFound,
		Retryable:  false,
	}
}

// NewInternalError creates a generic internal error. Unclassified failures
// stay retryable, matching how unexpected backend errors are handled.
func NewInternalError(provider, model, message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternal,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// FromStatusCode maps an HTTP response to a DispatchError.
// 408/429 and 5xx are retryable; 401 and other 4xx are fatal.
func FromStatusCode(provider, model string, statusCode int, body string) *DispatchError {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(provider, model, body)
	case statusCode == http.StatusRequestTimeout:
		return NewTimeoutError(provider, model, body)
	case statusCode == http.StatusUnauthorized:
		return NewAuthenticationError(provider, model, body)
	case statusCode >= 500:
		return NewServerError(provider, model, statusCode, body)
	case statusCode >= 400:
		e := NewValidationError(provider, model, body)
		e.StatusCode = statusCode
		return e
	default:
		e := NewInternalError(provider, model, fmt.Sprintf("unexpected status %d: %s", statusCode, body))
		e.StatusCode = statusCode
		return e
	}
}

// Classify converts an arbitrary error into a DispatchError. Already
// classified errors pass through unchanged; context deadlines become
// timeouts, network failures become connection errors, and anything else
// becomes an internal error.
func Classify(provider, model string, err error) *DispatchError {
	if err == nil {
		return nil
	}

	var derr *DispatchError
	if errors.As(err, &derr) {
		return derr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(provider, model, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeoutError(provider, model, err.Error())
		}
		return NewConnectionError(provider, model, err.Error())
	}

	return NewInternalError(provider, model, err.Error())
}

// IsRetryable reports whether the error may be retried.
func IsRetryable(err error) bool {
	var derr *DispatchError
	if errors.As(err, &derr) {
		return derr.Retryable
	}
	return false
}
