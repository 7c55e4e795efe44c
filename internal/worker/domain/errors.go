package domain

import "errors"

var (
	// ErrInvalidPayload is returned when an event payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid event payload")

	// ErrReportNotFound is returned when no final report is stored for a bundle
	ErrReportNotFound = errors.New("report not found")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
