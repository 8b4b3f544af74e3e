package models

import "time"

// DeviceStatus is the administrative state of a device.
type DeviceStatus string

const (
	DeviceStatusActive   DeviceStatus = "active"
	DeviceStatusInactive DeviceStatus = "inactive"
	DeviceStatusBlocked  DeviceStatus = "blocked"
)

// Device is a physical or emulated execution endpoint.
type Device struct {
	ID           string       `json:"id"`
	Owner        string       `json:"owner"`
	Name         string       `json:"name"`
	Status       DeviceStatus `json:"status"`
	LastActiveAt *time.Time   `json:"last_active_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// DeviceRef is the handle produced by the allocator.
type DeviceRef struct {
	ID string `json:"id"`
}

// DeviceLease records that a device is engaged by a job. At most one lease
// exists per device.
type DeviceLease struct {
	DeviceID   string    `json:"device_id"`
	JobID      string    `json:"job_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}
