// Package errors classifies pipeline failures and provides the retry helper used
// around whole tasks. The classification decides which failures a component may
// swallow locally (an asset that did not exist yet at the requested time, a
// malformed record) and which must escape to the pipeline runner.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Transient upstream failures
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeServerError ErrorType = "server_error"

	// Failures handled locally by the component that observes them
	ErrorTypeMissingAsset    ErrorType = "missing_asset"
	ErrorTypeMalformedRecord ErrorType = "malformed_record"

	// Fatal failures
	ErrorTypeSink          ErrorType = "sink"
	ErrorTypeBadRequest    ErrorType = "bad_request"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeCanceled      ErrorType = "canceled"

	ErrorTypeUnknown ErrorType = "unknown"
)

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", ErrX) so Classify can see them.
var (
	ErrMissingAsset    = errors.New("asset not available at requested time")
	ErrMalformedRecord = errors.New("malformed record")
	ErrSink            = errors.New("sink write failed")
	ErrConfiguration   = errors.New("invalid configuration")
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity is the inverse of Severity.String. Unknown names map to SeverityMedium.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "low", "info":
		return SeverityLow
	case "high", "error":
		return SeverityHigh
	case "critical", "fatal":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata.
// An error that is already classified is returned unchanged.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityFor(errorType),
		Retryable: retryableType(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// classifyErrorType determines the error type from sentinels first and then from
// the error text, which is all that some client libraries expose.
func classifyErrorType(err error) ErrorType {
	switch {
	case errors.Is(err, ErrMissingAsset):
		return ErrorTypeMissingAsset
	case errors.Is(err, ErrMalformedRecord):
		return ErrorTypeMalformedRecord
	case errors.Is(err, ErrSink):
		return ErrorTypeSink
	case errors.Is(err, ErrConfiguration):
		return ErrorTypeConfiguration
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case isTimeoutError(err):
		return ErrorTypeTimeout
	case isNetworkError(err):
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "too many requests"):
		return ErrorTypeRateLimit
	case strings.Contains(errStr, "server error"),
		strings.Contains(errStr, "service unavailable"),
		strings.Contains(errStr, "bad gateway"):
		return ErrorTypeServerError
	case strings.Contains(errStr, "bad request"),
		strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "forbidden"):
		return ErrorTypeBadRequest
	}

	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network unreachable",
		"no such host",
		"eof",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}

func severityFor(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeSink, ErrorTypeConfiguration:
		return SeverityCritical
	case ErrorTypeBadRequest, ErrorTypeUnknown:
		return SeverityHigh
	case ErrorTypeMalformedRecord, ErrorTypeMissingAsset:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a transient failure worth retrying
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err, "", "").Retryable
}

// IsLocallyHandled reports whether err belongs to a class the observing
// component logs and skips instead of failing the task.
func IsLocallyHandled(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err, "", "").Type {
	case ErrorTypeMissingAsset, ErrorTypeMalformedRecord:
		return true
	default:
		return false
	}
}

// GetErrorType extracts the error type of err
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ""
	}
	return Classify(err, "", "").Type
}

// GetSeverity extracts the severity of err
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityLow
	}
	return Classify(err, "", "").Severity
}

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

// RetryPolicy describes task-level retries: a fixed delay between attempts and
// a maximum number of retries after the first attempt.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

// Attempts returns the total number of attempts the policy allows
func (p RetryPolicy) Attempts() int {
	if p.Retries < 0 {
		return 1
	}
	return p.Retries + 1
}

// BackOff returns the backoff schedule for the policy bound to ctx
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(retries)),
		ctx,
	)
}

// Retry runs fn until it succeeds, the policy is exhausted, or ctx is done.
// onRetry, when non-nil, is called before each wait with the failed attempt number.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error, onRetry func(attempt int, err error, wait time.Duration)) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	if err := backoff.RetryNotify(op, policy.BackOff(ctx), notify); err != nil {
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			return fmt.Errorf("%w (after %d attempts): %v", ctx.Err(), attempt, err)
		}
		return err
	}
	return nil
}
