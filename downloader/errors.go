package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorType represents different categories of download errors
type ErrorType int

const (
	ErrorNetwork ErrorType = iota
	ErrorRateLimit
	ErrorAuthentication
	ErrorNotFound
	ErrorValidation
	ErrorTransfer
	ErrorCancelled
	ErrorRetryExhausted
	ErrorCapacityExceeded
	ErrorDuplicateTask
	ErrorSourceUnavailable
	ErrorUnknown
)

// String returns the string representation of the error type
func (et ErrorType) String() string {
	switch et {
	case ErrorNetwork:
		return "network"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorAuthentication:
		return "authentication"
	case ErrorNotFound:
		return "not_found"
	case ErrorValidation:
		return "validation"
	case ErrorTransfer:
		return "transfer"
	case ErrorCancelled:
		return "cancelled"
	case ErrorRetryExhausted:
		return "retry_exhausted"
	case ErrorCapacityExceeded:
		return "capacity_exceeded"
	case ErrorDuplicateTask:
		return "duplicate_task"
	case ErrorSourceUnavailable:
		return "source_unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this type may be retried. Only
// transient classes consult the backoff schedule; everything else abandons
// on first occurrence.
func (et ErrorType) Retryable() bool {
	switch et {
	case ErrorNetwork, ErrorRateLimit, ErrorTransfer:
		return true
	default:
		return false
	}
}

// DownloadError represents a structured error that occurred during download
type DownloadError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Cause   error     `json:"cause,omitempty"`

	// StatusCode carries the HTTP status for network errors, zero otherwise
	StatusCode int `json:"status_code,omitempty"`

	// RetryAfter carries a provider-suggested retry delay for rate limit
	// errors; zero means the provider gave none
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface
func (de *DownloadError) Error() string {
	if de.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", de.Type.String(), de.Message, de.Cause)
	}
	return fmt.Sprintf("%s: %s", de.Type.String(), de.Message)
}

// Unwrap returns the underlying cause error
func (de *DownloadError) Unwrap() error {
	return de.Cause
}

// NewDownloadError creates a new DownloadError with the specified type and message
func NewDownloadError(errorType ErrorType, message string) *DownloadError {
	return &DownloadError{
		Type:    errorType,
		Message: message,
	}
}

// NewDownloadErrorWithCause creates a new DownloadError with a cause
func NewDownloadErrorWithCause(errorType ErrorType, message string, cause error) *DownloadError {
	return &DownloadError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewNetworkError creates a network error carrying the HTTP status code
func NewNetworkError(message string, statusCode int) *DownloadError {
	return &DownloadError{
		Type:       ErrorNetwork,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewRateLimitError creates a rate limit error carrying the provider's
// suggested retry delay, if any
func NewRateLimitError(message string, retryAfter time.Duration) *DownloadError {
	return &DownloadError{
		Type:       ErrorRateLimit,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// IsType checks if the error is of a specific type
func (de *DownloadError) IsType(errorType ErrorType) bool {
	return de.Type == errorType
}

// IsDownloadError checks if an error is a DownloadError and optionally of a specific type
func IsDownloadError(err error, errorType ...ErrorType) bool {
	var de *DownloadError
	if !errors.As(err, &de) {
		return false
	}
	if len(errorType) == 0 {
		return true
	}
	for _, et := range errorType {
		if de.Type == et {
			return true
		}
	}
	return false
}

// Classify maps an arbitrary provider error onto the taxonomy. Typed
// DownloadErrors pass through unchanged; context cancellation maps to
// ErrorCancelled; anything else is a generic transfer error.
func Classify(err error) *DownloadError {
	if err == nil {
		return nil
	}

	var de *DownloadError
	if errors.As(err, &de) {
		return de
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewDownloadErrorWithCause(ErrorCancelled, "download cancelled", err)
	}

	return NewDownloadErrorWithCause(ErrorTransfer, "transfer failed", err)
}
