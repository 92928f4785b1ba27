package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/bissquit/post-scheduler/internal/domain"
)

// Gateway delivers one post's content to one channel. A nil error means the
// channel accepted the content.
type Gateway interface {
	Deliver(ctx context.Context, channel domain.Channel, content domain.Content) error
}

// DeliveryError is a classified delivery failure.
type DeliveryError struct {
	Kind       domain.FailureKind
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsRetryable returns false for permanent failures.
func (e *DeliveryError) IsRetryable() bool {
	return e.Kind != domain.FailurePermanent
}

// RetryDelay returns the delay requested by the remote side, if any.
func (e *DeliveryError) RetryDelay() time.Duration {
	return e.RetryAfter
}

// Transient marks err as worth retrying.
func Transient(err error) *DeliveryError {
	return &DeliveryError{Kind: domain.FailureTransient, Err: err}
}

// TransientAfter marks err as worth retrying no sooner than after d.
func TransientAfter(err error, d time.Duration) *DeliveryError {
	return &DeliveryError{Kind: domain.FailureTransient, RetryAfter: d, Err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) *DeliveryError {
	return &DeliveryError{Kind: domain.FailurePermanent, Err: err}
}

// Classify returns the failure kind of err. Errors exposing IsRetryable are
// honoured; everything else, timeouts included, is transient.
func Classify(err error) domain.FailureKind {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) && !r.IsRetryable() {
		return domain.FailurePermanent
	}
	return domain.FailureTransient
}

// RetryAfter returns the remote-requested delay carried by err, or zero.
func RetryAfter(err error) time.Duration {
	type delayed interface {
		RetryDelay() time.Duration
	}
	var d delayed
	if errors.As(err, &d) {
		return d.RetryDelay()
	}
	return 0
}
