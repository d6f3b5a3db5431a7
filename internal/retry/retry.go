// Package retry runs remote operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/observability"
)

// Policy bounds how an operation is retried. MaxAttempts counts the first
// call, so MaxAttempts=4 means three retries.
type Policy struct {
	Name         string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	IsRetryable  func(error) bool
}

// Default is the policy used for data operations: 3 retries, 1s doubling up to 10s.
func Default() Policy {
	return Policy{MaxAttempts: 4, InitialDelay: time.Second, MaxDelay: 10 * time.Second, IsRetryable: DefaultRetryable}
}

// WithRetries returns a copy of p allowing n retries after the first attempt.
func (p Policy) WithRetries(n int) Policy {
	if n < 0 {
		n = 0
	}
	p.MaxAttempts = n + 1
	return p
}

// Named returns a copy of p labelled for metrics.
func (p Policy) Named(name string) Policy {
	p.Name = name
	return p
}

// Do invokes op until it succeeds, the policy is exhausted, the error is
// classified terminal, or ctx ends. The last error of op is returned
// unchanged, also when ctx ends during a backoff wait.
func Do[T any](ctx context.Context, policy Policy, op func(context.Context) (T, error)) (T, error) {
	retryable := policy.IsRetryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	schedule := policy.schedule()
	var zero T
	for {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return zero, err
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			return zero, err
		}

		observability.RetryAttempts().WithLabelValues(metricName(policy)).Inc()

		if sleep(ctx, delay) != nil {
			return zero, err
		}
	}
}

// schedule builds the delay sequence: InitialDelay doubling up to MaxDelay,
// without jitter, stopping after MaxAttempts-1 retries.
func (p Policy) schedule() backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Duration(math.MaxInt64)
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithMaxRetries(exp, uint64(attempts-1))
}

// Run is Do for operations without a result.
func Run(ctx context.Context, policy Policy, op func(context.Context) error) error {
	_, err := Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DefaultRetryable classifies errors: auth (401/403), validation (400, 409,
// 422) and not-found (404) failures are terminal, as are cancellation and a
// missing backend. Server
// errors, network errors, timeouts and anything unclassified are retried.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, backend.ErrNotConfigured) {
		return false
	}

	switch status := backend.StatusOf(err); {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return false
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		return false
	case status >= http.StatusInternalServerError:
		return true
	}

	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func metricName(p Policy) string {
	if p.Name == "" {
		return "unnamed"
	}
	return p.Name
}
