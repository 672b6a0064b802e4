// Package models defines the send-failure taxonomy shared by the outbox,
// the platform health monitor, and the token lifecycle manager.
package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies a platform send or refresh failure.
type FailureKind string

const (
	// FailureTransient covers network errors, 5xx responses, and timeouts.
	// Transient failures are retried and feed the circuit breaker.
	FailureTransient FailureKind = "transient"
	// FailureRateLimited covers 429 responses. Rate limits feed the throttle
	// window, never the circuit failure counter.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureAuth covers 401 and invalid-grant responses. Auth failures are
	// routed to the token lifecycle manager; outbox retries for the affected
	// tenant/platform are suspended until the credential is healthy again.
	FailureAuth FailureKind = "auth"
	// FailurePermanent covers malformed payloads and other non-retryable
	// rejections. The message fails immediately with no retry.
	FailurePermanent FailureKind = "permanent"
)

// SendError is a classified platform failure. RetryAfter is an optional
// server-provided hint for rate-limited failures.
type SendError struct {
	Kind       FailureKind
	Detail     string
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewSendError wraps err with a failure classification.
func NewSendError(kind FailureKind, detail string, err error) *SendError {
	return &SendError{Kind: kind, Detail: detail, Err: err}
}

// ClassifyFailure extracts the failure kind from an error. Unclassified
// errors and deadline expiries count as transient: a dependency that did not
// answer in time is treated exactly like one that answered 503.
func ClassifyFailure(err error) FailureKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	return FailureTransient
}

// RetryAfterHint returns the server-provided throttle hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var se *SendError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}
