package trainerctl

import (
	"context"
	"errors"
)

// ErrCommand marks a failed trainer command. The test carries on
// uncontrolled.
var ErrCommand = errors.New("trainer command error")

type Status int

const (
	StatusDisconnected Status = iota
	StatusReady
	StatusControlled
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusReady:
		return "ready"
	case StatusControlled:
		return "controlled"
	default:
		return "unknown"
	}
}

// Controller commands a trainer's resistance. Every call may block on the
// transport and may fail with ErrCommand.
type Controller interface {
	RequestControl(ctx context.Context) error
	Start(ctx context.Context) error
	SetErgWatts(ctx context.Context, watts int) error
	Status() Status
}

// None is the Controller used when no trainer is configured.
type None struct{}

var _ Controller = None{}

func (None) RequestControl(context.Context) error { return errNoTrainer }
func (None) Start(context.Context) error          { return errNoTrainer }
func (None) SetErgWatts(context.Context, int) error {
	return errNoTrainer
}
func (None) Status() Status { return StatusDisconnected }

var errNoTrainer = errors.Join(ErrCommand, errors.New("no trainer configured"))

type noRetryKey struct{}

// WithoutRetry marks ctx so that a retrying controller makes a single
// attempt. Used for best-effort teardown commands.
func WithoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func noRetry(ctx context.Context) bool {
	v, _ := ctx.Value(noRetryKey{}).(bool)
	return v
}

// callWithContext runs a blocking transport call and gives up when ctx is
// done. The call itself cannot be interrupted and finishes in the background.
func callWithContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
