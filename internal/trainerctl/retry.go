package trainerctl

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds every controller call.
type RetryPolicy struct {
	Timeout  time.Duration // per attempt
	Attempts int
	Backoff  time.Duration // between attempts
}

var DefaultRetryPolicy = RetryPolicy{
	Timeout:  2 * time.Second,
	Attempts: 3,
	Backoff:  200 * time.Millisecond,
}

type retrying struct {
	inner  Controller
	policy RetryPolicy
	logger logrus.FieldLogger
}

// WithRetry wraps inner so that each call gets a timeout per attempt and is
// retried up to policy.Attempts times. Contexts marked WithoutRetry get a
// single attempt.
func WithRetry(inner Controller, policy RetryPolicy, logger logrus.FieldLogger) Controller {
	if inner == nil {
		panic("WithRetry: controller cannot be nil")
	}
	if logger == nil {
		panic("WithRetry: logger cannot be nil")
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultRetryPolicy.Timeout
	}
	return &retrying{inner: inner, policy: policy, logger: logger.WithField("component", "TrainerRetry")}
}

func (r *retrying) RequestControl(ctx context.Context) error {
	return r.do(ctx, "request control", r.inner.RequestControl)
}

func (r *retrying) Start(ctx context.Context) error {
	return r.do(ctx, "start", r.inner.Start)
}

func (r *retrying) SetErgWatts(ctx context.Context, watts int) error {
	return r.do(ctx, fmt.Sprintf("set %d W", watts), func(ctx context.Context) error {
		return r.inner.SetErgWatts(ctx, watts)
	})
}

func (r *retrying) Status() Status {
	return r.inner.Status()
}

func (r *retrying) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := r.policy.Attempts
	if noRetry(ctx) {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || i == attempts {
			break
		}
		r.logger.Debugf("%s attempt %d/%d failed: %v", op, i, attempts, err)
		select {
		case <-time.After(r.policy.Backoff):
		case <-ctx.Done():
		}
	}
	return fmt.Errorf("%w: %s failed: %v", ErrCommand, op, err)
}
