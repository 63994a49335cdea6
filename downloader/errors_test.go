package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorType_Retryable(t *testing.T) {
	retryable := map[ErrorType]bool{
		ErrorNetwork:           true,
		ErrorRateLimit:         true,
		ErrorTransfer:          true,
		ErrorAuthentication:    false,
		ErrorNotFound:          false,
		ErrorValidation:        false,
		ErrorCancelled:         false,
		ErrorRetryExhausted:    false,
		ErrorCapacityExceeded:  false,
		ErrorDuplicateTask:     false,
		ErrorSourceUnavailable: false,
		ErrorUnknown:           false,
	}
	for errType, want := range retryable {
		if got := errType.Retryable(); got != want {
			t.Errorf("%s: expected Retryable %v, got %v", errType, want, got)
		}
	}
}

func TestDownloadError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewDownloadErrorWithCause(ErrorNetwork, "request failed", cause)

	msg := err.Error()
	if !strings.Contains(msg, "network") || !strings.Contains(msg, "connection refused") {
		t.Errorf("unexpected message: %q", msg)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	bare := NewDownloadError(ErrorNotFound, "gone")
	if strings.Contains(bare.Error(), "caused by") {
		t.Errorf("bare error must not mention a cause: %q", bare.Error())
	}
}

func TestIsDownloadError(t *testing.T) {
	err := NewDownloadError(ErrorRateLimit, "slow down")

	if !IsDownloadError(err) {
		t.Error("expected a DownloadError")
	}
	if !IsDownloadError(err, ErrorRateLimit) {
		t.Error("expected type match")
	}
	if IsDownloadError(err, ErrorNetwork) {
		t.Error("expected type mismatch")
	}
	if !IsDownloadError(err, ErrorNetwork, ErrorRateLimit) {
		t.Error("expected match against any listed type")
	}

	wrapped := fmt.Errorf("attempt failed: %w", err)
	if !IsDownloadError(wrapped, ErrorRateLimit) {
		t.Error("expected match through wrapping")
	}

	if IsDownloadError(errors.New("plain")) {
		t.Error("plain error must not match")
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("nil must classify to nil")
	}

	typed := NewRateLimitError("slow down", 5*time.Second)
	if got := Classify(typed); got != typed {
		t.Error("typed errors must pass through unchanged")
	}

	wrapped := fmt.Errorf("fetch: %w", NewDownloadError(ErrorNotFound, "gone"))
	if got := Classify(wrapped); got.Type != ErrorNotFound {
		t.Errorf("expected not_found through wrapping, got %s", got.Type)
	}

	if got := Classify(context.Canceled); got.Type != ErrorCancelled {
		t.Errorf("expected cancelled, got %s", got.Type)
	}
	if got := Classify(context.DeadlineExceeded); got.Type != ErrorCancelled {
		t.Errorf("expected cancelled for deadline, got %s", got.Type)
	}

	if got := Classify(errors.New("mystery")); got.Type != ErrorTransfer {
		t.Errorf("expected transfer fallback, got %s", got.Type)
	}
}
