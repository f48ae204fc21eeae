// Package errors defines the structured error taxonomy for the batch
// remediation tracker.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrValidation   = errors.New("validation failed")
	ErrAuth         = errors.New("authentication failed")
	ErrRateLimited  = errors.New("rate limited")
	ErrNetwork      = errors.New("network unavailable")
	ErrServer       = errors.New("server failure")
	ErrCancelled    = errors.New("cancelled")
	ErrNotFound     = errors.New("not found")
	ErrTimeout      = errors.New("timeout")
	ErrConflict     = errors.New("conflicting operation")
	ErrNeedApproval = errors.New("approval required")
)

// ErrorType represents the category of error.
type ErrorType string

const (
	// ErrorTypeValidation: bad selection or config. Rejected before
	// submission, never reaches the network.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeAuth: expired or invalid credentials. A single
	// refresh-and-retry is attempted before this surfaces.
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit: surfaced with a retry-after hint, never
	// retried automatically.
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeNetwork: offline or connection failure. The poller keeps
	// retrying up to its ceiling; operations surface immediately.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeServer: explicit failed status from the backend.
	ErrorTypeServer ErrorType = "server"
	// ErrorTypeCancelled: distinct from failure, never counted against
	// failed fixes.
	ErrorTypeCancelled ErrorType = "cancelled"
	ErrorTypeNotFound  ErrorType = "not_found"
	ErrorTypeTimeout   ErrorType = "timeout"
)

// TrackerError is a structured error for tracker operations.
type TrackerError struct {
	Type       ErrorType
	Op         string // operation that failed (e.g. "submit_batch", "poll_status")
	BatchID    string
	IssueID    string
	Err        error
	StatusCode int           // HTTP status code if applicable
	RetryAfter time.Duration // rate-limit hint if applicable
	Retryable  bool
}

func (e *TrackerError) Error() string {
	switch {
	case e.IssueID != "":
		return fmt.Sprintf("%s failed for issue %s: %v", e.Op, e.IssueID, e.Err)
	case e.BatchID != "":
		return fmt.Sprintf("%s failed for batch %s: %v", e.Op, e.BatchID, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
}

func (e *TrackerError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against the base error types.
func (e *TrackerError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrValidation:
		return e.Type == ErrorTypeValidation
	case ErrAuth:
		return e.Type == ErrorTypeAuth
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ErrNetwork:
		return e.Type == ErrorTypeNetwork
	case ErrServer:
		return e.Type == ErrorTypeServer
	case ErrCancelled:
		return e.Type == ErrorTypeCancelled
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	}
	return errors.Is(e.Err, target)
}

// New creates a TrackerError with retryability derived from its type.
func New(errorType ErrorType, op string, err error) *TrackerError {
	return &TrackerError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Retryable: isRetryable(errorType),
	}
}

// WithBatch attaches batch context.
func (e *TrackerError) WithBatch(batchID string) *TrackerError {
	e.BatchID = batchID
	return e
}

// WithIssue attaches issue context.
func (e *TrackerError) WithIssue(issueID string) *TrackerError {
	e.IssueID = issueID
	return e
}

// WithStatusCode attaches the HTTP status and re-derives retryability.
func (e *TrackerError) WithStatusCode(code int) *TrackerError {
	e.StatusCode = code
	if code >= 500 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// WithRetryAfter attaches the rate-limit hint.
func (e *TrackerError) WithRetryAfter(d time.Duration) *TrackerError {
	e.RetryAfter = d
	return e
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer:
		return true
	default:
		return false
	}
}

// TypeOf returns the taxonomy type of err, or empty for plain errors.
func TypeOf(err error) ErrorType {
	var te *TrackerError
	if errors.As(err, &te) {
		return te.Type
	}
	return ""
}

// IsCancellation reports whether err represents cancellation (either the
// tracker's own type or a context cancellation). Cancellations are never
// counted as failures.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	var te *TrackerError
	if errors.As(err, &te) && te.Type == ErrorTypeCancelled {
		return true
	}
	return errors.Is(err, ErrCancelled)
}
