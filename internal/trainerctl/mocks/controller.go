package mocks

import (
	"context"

	"github.com/lachart/steptest/internal/trainerctl"
	"github.com/stretchr/testify/mock"
)

// Controller mock
type Controller struct {
	mock.Mock
}

// RequestControl provides a mock function with given fields: ctx
func (_m *Controller) RequestControl(ctx context.Context) error {
	ret := _m.Called(ctx)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context) error); ok {
		r0 = rf(ctx)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Start provides a mock function with given fields: ctx
func (_m *Controller) Start(ctx context.Context) error {
	ret := _m.Called(ctx)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context) error); ok {
		r0 = rf(ctx)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// SetErgWatts provides a mock function with given fields: ctx, watts
func (_m *Controller) SetErgWatts(ctx context.Context, watts int) error {
	ret := _m.Called(ctx, watts)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, int) error); ok {
		r0 = rf(ctx, watts)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Status provides a mock function with given fields:
func (_m *Controller) Status() trainerctl.Status {
	ret := _m.Called()

	var r0 trainerctl.Status
	if rf, ok := ret.Get(0).(func() trainerctl.Status); ok {
		r0 = rf()
	} else {
		r0 = ret.Get(0).(trainerctl.Status)
	}

	return r0
}
