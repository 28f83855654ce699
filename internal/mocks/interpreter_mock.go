package mocks

import (
	"context"

	"narrative-server/internal/domain"
	"narrative-server/internal/pipeline"

	"github.com/stretchr/testify/mock"
)

// MockInterpreter is a mock type for the engine.Interpreter type
type MockInterpreter struct {
	mock.Mock
}

// Run provides a mock function with given fields: ctx, req
func (_m *MockInterpreter) Run(ctx context.Context, req pipeline.Request) (domain.ActionSet, error) {
	ret := _m.Called(ctx, req)

	var r0 domain.ActionSet
	if rf, ok := ret.Get(0).(func(context.Context, pipeline.Request) domain.ActionSet); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(domain.ActionSet)
		}
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, pipeline.Request) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockInterpreter creates a new instance of MockInterpreter. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockInterpreter(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockInterpreter {
	m := &MockInterpreter{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
