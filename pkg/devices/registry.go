package devices

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/services"
	"github.com/google/uuid"
)

// Registry owns device records and their liveness.
type Registry struct {
	persistence persistence.Persistence
	presence    Presence
	checker     *OnlineChecker
	logger      *slog.Logger
	now         func() time.Time
}

func NewRegistry(persistence persistence.Persistence, presence Presence, window time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		persistence: persistence,
		presence:    presence,
		checker:     NewOnlineChecker(presence, window, logger),
		logger:      logger.With("module", "device_registry"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register stores a new active device.
func (r *Registry) Register(ctx context.Context, device *models.Device) (*models.Device, error) {
	if device.Owner == "" {
		return nil, services.NewValidationError("register_device", "INVALID_DEVICE", "owner is required", nil)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device id: %w", err)
	}

	now := r.now()
	device.ID = id.String()
	device.CreatedAt = now
	device.UpdatedAt = now

	if device.Status == "" {
		device.Status = models.DeviceStatusActive
	}

	err = r.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		return tx.Devices().Save(ctx, device)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	return device, nil
}

// Heartbeat marks the device as recently active in storage and in the
// live-connection index.
func (r *Registry) Heartbeat(ctx context.Context, deviceID string) error {
	now := r.now()

	err := r.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		device, err := tx.Devices().GetByID(ctx, deviceID)
		if err != nil {
			return err
		}

		device.LastActiveAt = &now
		device.UpdatedAt = now

		return tx.Devices().Save(ctx, device)
	})
	if err != nil {
		return err
	}

	if r.presence != nil {
		err = r.presence.Touch(ctx, deviceID)
		if err != nil {
			// storage already holds the heartbeat, the fallback window covers it
			r.logger.WarnContext(ctx, "failed to refresh presence", "device_id", deviceID, "error", err)
		}
	}

	return nil
}

// Online reports which of deviceIDs are currently online.
func (r *Registry) Online(ctx context.Context, deviceIDs []string) (map[string]bool, error) {
	var pool []*models.Device

	err := r.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		pool, err = tx.Devices().ListByIDs(ctx, deviceIDs)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}

	isOnline := r.checker.Snapshot(ctx, pool, r.now())
	online := make(map[string]bool, len(pool))

	for _, device := range pool {
		online[device.ID] = isOnline(device.ID)
	}

	return online, nil
}

// Pool is the device pool of one allocation, read inside a transaction.
type Pool struct {
	Devices []*models.Device
	Online  func(string) bool
	Leased  func(string) bool
}

// LoadPool reads the devices and their leases inside tx and evaluates their
// online status.
func (r *Registry) LoadPool(ctx context.Context, tx persistence.Tx, deviceIDs []string) (*Pool, error) {
	pool, err := tx.Devices().ListByIDs(ctx, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load device pool: %w", err)
	}

	leases, err := tx.Leases().ListByDevices(ctx, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load device leases: %w", err)
	}

	leased := make(map[string]bool, len(leases))
	for _, lease := range leases {
		leased[lease.DeviceID] = true
	}

	return &Pool{
		Devices: pool,
		Online:  r.checker.Snapshot(ctx, pool, r.now()),
		Leased:  func(id string) bool { return leased[id] },
	}, nil
}

// Lease engages the device for the job inside tx.
func Lease(ctx context.Context, tx persistence.Tx, deviceID, jobID string, now time.Time) error {
	err := tx.Leases().Acquire(ctx, &models.DeviceLease{DeviceID: deviceID, JobID: jobID, AcquiredAt: now})
	if err != nil {
		return fmt.Errorf("failed to lease device %s for job %s: %w", deviceID, jobID, err)
	}

	return nil
}
