package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestFetchError_Error(t *testing.T) {
	err := NewFetchError(ErrNotFound, "Media not found")

	result := err.Error()

	if !strings.Contains(result, "fetch error") {
		t.Error("Error message should contain 'fetch error'")
	}
	if !strings.Contains(result, "NotFound") {
		t.Error("Error message should contain error type")
	}
	if !strings.Contains(result, "Media not found") {
		t.Error("Error message should contain the message")
	}
}

func TestFetchError_DetailedError(t *testing.T) {
	err := NewRateLimitError(60).
		WithURL("https://media.example.com/watch?v=abc&token=secret").
		WithContext("attempts", 3)

	result := err.DetailedError()

	if !strings.Contains(result, "WARNING") {
		t.Error("Detailed error should contain severity")
	}
	if !strings.Contains(result, "RateLimit Error") {
		t.Error("Detailed error should contain error type")
	}
	if !strings.Contains(result, "Retry after: 60 seconds") {
		t.Error("Detailed error should contain retry information")
	}
	if !strings.Contains(result, "attempts=3") {
		t.Error("Detailed error should contain context")
	}
	if strings.Contains(result, "secret") {
		t.Error("Detailed error should not leak query parameters")
	}
	if !strings.Contains(result, "media.example.com/watch") {
		t.Error("URL should be present in detailed error")
	}
}

func TestFetchError_Class(t *testing.T) {
	tests := []struct {
		name      string
		errorType ErrorType
		class     ErrorClass
	}{
		{"network_timeout", ErrNetworkTimeout, ClassTransient},
		{"connection_reset", ErrConnectionReset, ClassTransient},
		{"rate_limit", ErrRateLimit, ClassTransient},
		{"server_error", ErrServerError, ClassTransient},
		{"invalid_url", ErrInvalidURL, ClassPermanent},
		{"access_denied", ErrAccessDenied, ClassPermanent},
		{"not_found", ErrNotFound, ClassPermanent},
		{"cancelled", ErrCancelled, ClassCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewFetchError(tt.errorType, "test")
			if got := err.Class(); got != tt.class {
				t.Errorf("Class() = %v, want %v", got, tt.class)
			}
			if err.IsRetryable() != (tt.class == ClassTransient) {
				t.Errorf("IsRetryable() mismatch for %s", tt.name)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o deadline" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
	}{
		{"context_cancelled", context.Canceled, ClassCancelled},
		{"wrapped_cancelled", fmt.Errorf("transfer: %w", context.Canceled), ClassCancelled},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"econnreset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassTransient},
		{"net_timeout", timeoutError{}, ClassTransient},
		{"wrapped_fetch_error", fmt.Errorf("resolve: %w", NewNotFoundError("u")), ClassPermanent},
		{"string_reset", errors.New("read tcp: connection reset by peer"), ClassTransient},
		{"string_404", errors.New("ERROR: HTTP Error 404: Not Found"), ClassPermanent},
		{"string_503", errors.New("ERROR: HTTP Error 503: Service Unavailable"), ClassTransient},
		{"unknown", errors.New("something odd"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.class {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.class)
			}
		})
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := WrapFetchError(ErrTransferFailed, "transfer failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	cancelled := NewCancelledError("https://example.com/a", context.Canceled)
	if !errors.Is(cancelled, context.Canceled) {
		t.Error("cancelled error should wrap context.Canceled")
	}
	if cancelled.Severity != SeverityInfo {
		t.Errorf("expected INFO severity for cancellation, got %s", cancelled.Severity)
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationErrorWithValue("max_concurrency", "must be positive", -1).
		WithSuggestion("Use a value between 1 and 64").
		WithContext("source", "env")

	if !strings.Contains(err.Error(), "max_concurrency") {
		t.Error("Error should mention the field")
	}

	detailed := err.DetailedError()
	for _, want := range []string{"Provided value: -1", "source=env", "Suggestion:"} {
		if !strings.Contains(detailed, want) {
			t.Errorf("DetailedError() missing %q", want)
		}
	}
}

func TestErrorClass_String(t *testing.T) {
	if ClassTransient.String() != "transient" || ClassPermanent.String() != "permanent" || ClassCancelled.String() != "cancelled" {
		t.Error("unexpected ErrorClass names")
	}
}
