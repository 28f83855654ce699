package mocks

import (
	"context"
	"time"

	"narrative-server/pkg/ai"

	"github.com/stretchr/testify/mock"
)

// MockModelAdapter is a mock type for the ModelAdapter type
type MockModelAdapter struct {
	mock.Mock
}

// Invoke provides a mock function with given fields: ctx, prompt, timeout
func (_m *MockModelAdapter) Invoke(ctx context.Context, prompt ai.Prompt, timeout time.Duration) (string, error) {
	ret := _m.Called(ctx, prompt, timeout)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, ai.Prompt, time.Duration) string); ok {
		r0 = rf(ctx, prompt, timeout)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(string)
		}
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, ai.Prompt, time.Duration) error); ok {
		r1 = rf(ctx, prompt, timeout)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockModelAdapter creates a new instance of MockModelAdapter. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockModelAdapter(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockModelAdapter {
	m := &MockModelAdapter{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ ai.ModelAdapter = (*MockModelAdapter)(nil)
