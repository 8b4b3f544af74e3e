package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockPresence is a mock implementation of devices.Presence interface.
type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) Touch(ctx context.Context, deviceID string) error {
	args := m.Called(ctx, deviceID)

	return args.Error(0)
}

func (m *MockPresence) Online(ctx context.Context, deviceIDs []string) (map[string]bool, error) {
	args := m.Called(ctx, deviceIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]bool), args.Error(1)
}
