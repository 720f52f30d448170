package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorType represents different types of errors
type ErrorType int

const (
	ErrInvalidURL ErrorType = iota
	ErrAccessDenied
	ErrNotFound
	ErrRateLimit
	ErrNetworkTimeout
	ErrConnectionReset
	ErrServerError
	ErrTransferFailed
	ErrCancelled
	ErrTranscodeFailed
	ErrPublishFailed
	ErrDiskSpace
	ErrUnsupportedFormat
	ErrResourceExhausted
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// ErrorClass groups error types by how the coordinator reacts to them
type ErrorClass int

const (
	// ClassTransient errors are retried with backoff
	ClassTransient ErrorClass = iota
	// ClassPermanent errors fail the task immediately
	ClassPermanent
	// ClassCancelled marks a user-initiated stop
	ClassCancelled
)

// FetchError describes a failure while resolving, transferring or post-processing a URL
type FetchError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Severity   ErrorSeverity          `json:"severity"`
	URL        string                 `json:"url,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	RetryAfter int                    `json:"retry_after,omitempty"` // seconds
	Context    map[string]interface{} `json:"context,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *FetchError) Error() string {
	parts := []string{fmt.Sprintf("fetch error (type: %s)", e.Type.String())}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " - ")
}

// Unwrap exposes the underlying cause to errors.Is and errors.As
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// DetailedError returns a detailed error message with all available information
func (e *FetchError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error", e.Severity.String(), e.Type.String()))

	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", redactSensitiveURL(e.URL)))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("Retry after: %d seconds", e.RetryAfter))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrInvalidURL:
		return "InvalidURL"
	case ErrAccessDenied:
		return "AccessDenied"
	case ErrNotFound:
		return "NotFound"
	case ErrRateLimit:
		return "RateLimit"
	case ErrNetworkTimeout:
		return "NetworkTimeout"
	case ErrConnectionReset:
		return "ConnectionReset"
	case ErrServerError:
		return "ServerError"
	case ErrTransferFailed:
		return "TransferFailed"
	case ErrCancelled:
		return "Cancelled"
	case ErrTranscodeFailed:
		return "TranscodeFailed"
	case ErrPublishFailed:
		return "PublishFailed"
	case ErrDiskSpace:
		return "DiskSpace"
	case ErrUnsupportedFormat:
		return "UnsupportedFormat"
	case ErrResourceExhausted:
		return "ResourceExhausted"
	default:
		return "Unknown"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// String returns the lowercase name used in batch reports
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// NewFetchError creates a new FetchError with default severity and suggestion
func NewFetchError(errorType ErrorType, message string) *FetchError {
	return &FetchError{
		Type:       errorType,
		Message:    message,
		Severity:   getDefaultSeverity(errorType),
		Suggestion: getDefaultSuggestion(errorType),
		Context:    make(map[string]interface{}),
	}
}

// WrapFetchError creates a FetchError around an underlying cause
func WrapFetchError(errorType ErrorType, message string, cause error) *FetchError {
	err := NewFetchError(errorType, message)
	err.Cause = cause
	return err
}

// WithSuggestion adds a custom suggestion to the error
func (e *FetchError) WithSuggestion(suggestion string) *FetchError {
	e.Suggestion = suggestion
	return e
}

// WithURL adds URL context to the error (will be redacted in logs)
func (e *FetchError) WithURL(url string) *FetchError {
	e.URL = url
	return e
}

// WithRetryAfter sets the retry delay for rate limit errors
func (e *FetchError) WithRetryAfter(seconds int) *FetchError {
	e.RetryAfter = seconds
	return e
}

// WithContext adds context information to the error
func (e *FetchError) WithContext(key string, value interface{}) *FetchError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Class reports how the error should be handled by the retry loop
func (e *FetchError) Class() ErrorClass {
	switch e.Type {
	case ErrCancelled:
		return ClassCancelled
	case ErrNetworkTimeout, ErrConnectionReset, ErrRateLimit, ErrServerError:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// IsRetryable returns true if the error is retryable
func (e *FetchError) IsRetryable() bool {
	return e.Class() == ClassTransient
}

// IsCritical returns true if the error is critical and should stop execution
func (e *FetchError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// transientPatterns are substrings of network errors that are worth retrying
var transientPatterns = []string{
	"connection reset",
	"connection refused",
	"timeout",
	"timed out",
	"temporary failure",
	"network is unreachable",
	"no route to host",
	"broken pipe",
	"unexpected eof",
	"http error 429",
	"http error 5",
	"too many requests",
}

// permanentPatterns are substrings reported by extractors for unrecoverable failures
var permanentPatterns = []string{
	"http error 404",
	"http error 403",
	"http error 401",
	"not found",
	"unsupported url",
	"private video",
	"sign in",
	"forbidden",
	"unauthorized",
	"access denied",
}

// ClassifyError decides whether an arbitrary error is transient, permanent or a cancellation
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}

	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Class()
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range permanentPatterns {
		if strings.Contains(errStr, pattern) {
			return ClassPermanent
		}
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return ClassTransient
		}
	}

	return ClassPermanent
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// DetailedError returns a detailed validation error message
func (e *ValidationError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Validation Error for field '%s'", e.Field))
	parts = append(parts, fmt.Sprintf("Message: %s", e.Message))

	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("Provided value: %v", e.Value))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
		Context: make(map[string]interface{}),
	}
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context to the validation error
func (e *ValidationError) WithContext(key string, value interface{}) *ValidationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func getDefaultSuggestion(errorType ErrorType) string {
	switch errorType {
	case ErrInvalidURL:
		return "Please provide an http:// or https:// media URL"
	case ErrAccessDenied:
		return "The media requires authorization. Provide a cookies file with --cookies"
	case ErrNotFound:
		return "Verify the media still exists at the given URL"
	case ErrRateLimit:
		return "Please wait before retrying. Consider using --limit-rate to reduce bandwidth usage"
	case ErrNetworkTimeout, ErrConnectionReset:
		return "Check your internet connection and try again. Consider using a proxy if needed"
	case ErrServerError:
		return "The remote server failed. Please try again later"
	case ErrTransferFailed:
		return "Transfer failed. Check available disk space and network connection"
	case ErrCancelled:
		return "Run 'mediafetch resume' to continue interrupted downloads"
	case ErrTranscodeFailed:
		return "Check that ffmpeg is installed and the requested format is valid"
	case ErrPublishFailed:
		return "Check the bucket URL and its write permissions"
	case ErrDiskSpace:
		return "Insufficient disk space. Free up space or choose a different output directory"
	case ErrUnsupportedFormat:
		return "The media format is not supported"
	case ErrResourceExhausted:
		return "System memory is low. Reduce --concurrency or close other programs"
	default:
		return "Please check the error details and try again"
	}
}

func getDefaultSeverity(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrRateLimit, ErrNetworkTimeout, ErrConnectionReset, ErrServerError, ErrResourceExhausted:
		return SeverityWarning
	case ErrCancelled:
		return SeverityInfo
	case ErrDiskSpace:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// redactSensitiveURL drops the query string, which commonly carries signed tokens
func redactSensitiveURL(url string) string {
	if idx := strings.Index(url, "?"); idx >= 0 {
		return url[:idx] + "?[REDACTED]"
	}
	return url
}

// Common error constructors for frequently used errors

// NewInvalidURLError creates an error for invalid URLs
func NewInvalidURLError(url string, reason string) *FetchError {
	return NewFetchError(ErrInvalidURL, fmt.Sprintf("Invalid URL: %s", reason)).WithURL(url)
}

// NewNotFoundError creates an error for media that no longer exists
func NewNotFoundError(url string) *FetchError {
	return NewFetchError(ErrNotFound, "Media not found").WithURL(url)
}

// NewAccessDeniedError creates an error for media that requires authorization
func NewAccessDeniedError(url string, message string) *FetchError {
	return NewFetchError(ErrAccessDenied, message).WithURL(url)
}

// NewRateLimitError creates an error for rate limiting
func NewRateLimitError(retryAfter int) *FetchError {
	return NewFetchError(ErrRateLimit, "Rate limit exceeded").
		WithRetryAfter(retryAfter).
		WithSuggestion(fmt.Sprintf("Please wait %d seconds before retrying", retryAfter))
}

// NewNetworkTimeoutError creates an error for network timeouts
func NewNetworkTimeoutError(operation string) *FetchError {
	return NewFetchError(ErrNetworkTimeout, fmt.Sprintf("Network timeout during %s", operation))
}

// NewCancelledError marks a task stopped by the user
func NewCancelledError(url string, cause error) *FetchError {
	return WrapFetchError(ErrCancelled, "cancelled by user", cause).WithURL(url)
}
