package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("not found helpers", func(t *testing.T) {
		err := persistence.NewEntityError("GetByID", "campaign", "c-1", persistence.ErrCampaignNotFound)

		assert.True(t, persistence.IsNotFound(err))
		assert.True(t, errors.Is(err, persistence.ErrCampaignNotFound))
		assert.False(t, persistence.IsNotFound(persistence.ErrDeviceLeased))
		assert.False(t, persistence.IsNotFound(nil))
	})

	t.Run("wrapped lease conflicts are detected", func(t *testing.T) {
		err := fmt.Errorf("allocate: %w", persistence.NewEntityError("Acquire", "device", "d-1", persistence.ErrDeviceLeased))

		assert.True(t, persistence.IsDeviceLeased(err))
		assert.False(t, persistence.IsStaleVersion(err))
	})

	t.Run("entity error contains context", func(t *testing.T) {
		err := persistence.NewEntityError("SaveTask", "market task", "t-9", persistence.ErrStaleVersion)

		assert.Contains(t, err.Error(), "SaveTask")
		assert.Contains(t, err.Error(), "t-9")
		assert.Contains(t, err.Error(), "stale version")
		assert.True(t, persistence.IsStaleVersion(err))
	})
}
