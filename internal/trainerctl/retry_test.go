package trainerctl_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lachart/steptest/internal/trainerctl"
	"github.com/lachart/steptest/internal/trainerctl/mocks"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fastPolicy = trainerctl.RetryPolicy{Timeout: time.Second, Attempts: 3}

func newRetrying(inner trainerctl.Controller, policy trainerctl.RetryPolicy) trainerctl.Controller {
	logger, _ := logtest.NewNullLogger()
	return trainerctl.WithRetry(inner, policy, logger)
}

func TestWithRetry_RecoversFromTransientFailures(t *testing.T) {
	inner := &mocks.Controller{}
	inner.On("SetErgWatts", mock.Anything, 200).Return(errors.New("busy")).Twice()
	inner.On("SetErgWatts", mock.Anything, 200).Return(nil).Once()

	err := newRetrying(inner, fastPolicy).SetErgWatts(context.Background(), 200)

	require.NoError(t, err)
	inner.AssertNumberOfCalls(t, "SetErgWatts", 3)
}

func TestWithRetry_GivesUpAfterAttempts(t *testing.T) {
	inner := &mocks.Controller{}
	inner.On("RequestControl", mock.Anything).Return(errors.New("refused"))

	err := newRetrying(inner, fastPolicy).RequestControl(context.Background())

	assert.ErrorIs(t, err, trainerctl.ErrCommand)
	inner.AssertNumberOfCalls(t, "RequestControl", 3)
}

func TestWithRetry_WithoutRetrySingleAttempt(t *testing.T) {
	inner := &mocks.Controller{}
	inner.On("SetErgWatts", mock.Anything, 0).Return(errors.New("gone"))

	ctx := trainerctl.WithoutRetry(context.Background())
	err := newRetrying(inner, fastPolicy).SetErgWatts(ctx, 0)

	assert.ErrorIs(t, err, trainerctl.ErrCommand)
	inner.AssertNumberOfCalls(t, "SetErgWatts", 1)
}

func TestWithRetry_TimeoutPerAttempt(t *testing.T) {
	inner := &mocks.Controller{}
	inner.On("Start", mock.Anything).Return(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	policy := trainerctl.RetryPolicy{Timeout: 10 * time.Millisecond, Attempts: 2}
	start := time.Now()
	err := newRetrying(inner, policy).Start(context.Background())

	assert.ErrorIs(t, err, trainerctl.ErrCommand)
	assert.Less(t, time.Since(start), time.Second)
	inner.AssertNumberOfCalls(t, "Start", 2)
}

func TestWithRetry_Status(t *testing.T) {
	inner := &mocks.Controller{}
	inner.On("Status").Return(trainerctl.StatusControlled)

	assert.Equal(t, trainerctl.StatusControlled, newRetrying(inner, fastPolicy).Status())
}

func TestNone(t *testing.T) {
	var c trainerctl.Controller = trainerctl.None{}
	assert.Equal(t, trainerctl.StatusDisconnected, c.Status())
	assert.ErrorIs(t, c.SetErgWatts(context.Background(), 100), trainerctl.ErrCommand)
	assert.Equal(t, "controlled", trainerctl.StatusControlled.String())
}
