package mocks

import (
	"context"

	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
// Atomic does not call fn unless a Run hook on the expectation does.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) Atomic(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	args := m.Called(ctx, fn)

	return args.Error(0)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
