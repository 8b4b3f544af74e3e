package devices_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/devicefarm/pkg/devices"
	"github.com/dukex/devicefarm/pkg/mocks"
	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/persistence/file"
	"github.com/dukex/devicefarm/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndHeartbeat(t *testing.T) {
	store := file.NewPersistence(t.TempDir())

	presence := &mocks.MockPresence{}
	presence.On("Touch", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

	registry := devices.NewRegistry(store, presence, 0, testLogger())

	device, err := registry.Register(t.Context(), &models.Device{Owner: "user-1", Name: "Pixel"})
	require.NoError(t, err)
	assert.NotEmpty(t, device.ID)
	assert.Equal(t, models.DeviceStatusActive, device.Status)

	// a presence failure does not fail the heartbeat
	require.NoError(t, registry.Heartbeat(t.Context(), device.ID))
	presence.AssertCalled(t, "Touch", mock.Anything, device.ID)

	require.NoError(t, store.Atomic(t.Context(), func(ctx context.Context, tx persistence.Tx) error {
		stored, err := tx.Devices().GetByID(ctx, device.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.LastActiveAt)
		assert.WithinDuration(t, time.Now(), *stored.LastActiveAt, time.Minute)

		return nil
	}))

	err = registry.Heartbeat(t.Context(), "missing")
	assert.True(t, persistence.IsNotFound(err))

	_, err = registry.Register(t.Context(), &models.Device{Name: "orphan"})
	assert.True(t, services.IsValidationError(err))
}

func TestRegistry_LoadPoolAndLease(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	registry := devices.NewRegistry(store, nil, 0, testLogger())

	a, err := registry.Register(t.Context(), &models.Device{Owner: "user-1"})
	require.NoError(t, err)
	b, err := registry.Register(t.Context(), &models.Device{Owner: "user-1"})
	require.NoError(t, err)

	require.NoError(t, registry.Heartbeat(t.Context(), a.ID))

	require.NoError(t, store.Atomic(t.Context(), func(ctx context.Context, tx persistence.Tx) error {
		return devices.Lease(ctx, tx, b.ID, "job-1", time.Now().UTC())
	}))

	err = store.Atomic(t.Context(), func(ctx context.Context, tx persistence.Tx) error {
		return devices.Lease(ctx, tx, b.ID, "job-2", time.Now().UTC())
	})
	assert.True(t, persistence.IsDeviceLeased(err))

	require.NoError(t, store.Atomic(t.Context(), func(ctx context.Context, tx persistence.Tx) error {
		pool, err := registry.LoadPool(ctx, tx, []string{b.ID, a.ID, "ghost"})
		require.NoError(t, err)
		require.Len(t, pool.Devices, 2)
		assert.Equal(t, b.ID, pool.Devices[0].ID)

		assert.True(t, pool.Online(a.ID))
		assert.False(t, pool.Online(b.ID))
		assert.True(t, pool.Leased(b.ID))
		assert.False(t, pool.Leased(a.ID))

		allocation, err := devices.Allocate(pool.Devices, devices.Request{
			Strategy: models.DeviceStrategyRoundRobin,
			Count:    1,
			Online:   pool.Online,
			Leased:   pool.Leased,
		})
		require.NoError(t, err)
		assert.Equal(t, a.ID, allocation.Devices[0].ID)

		return nil
	}))
}

func TestRegistry_Online(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	registry := devices.NewRegistry(store, nil, 0, testLogger())

	seen, err := registry.Register(t.Context(), &models.Device{Owner: "user-1"})
	require.NoError(t, err)
	silent, err := registry.Register(t.Context(), &models.Device{Owner: "user-1"})
	require.NoError(t, err)

	require.NoError(t, registry.Heartbeat(t.Context(), seen.ID))

	online, err := registry.Online(t.Context(), []string{seen.ID, silent.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{seen.ID: true, silent.ID: false}, online)
}
