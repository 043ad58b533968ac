// Package escalation routes operator notifications through tier-appropriate
// channels with per-channel retries and failover.
package escalation

import (
	"context"

	"github.com/gatewarden/gatewarden/internal/domain"
)

// Notification is one rendered operator message.
type Notification struct {
	Subject string
	Body    string
}

// Sender delivers notifications over one channel.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, notification Notification) error
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewPermanentError creates a non-retryable error.
func NewPermanentError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// isRetryable checks if an error is retryable. Unknown errors are retried.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}
	return true
}
