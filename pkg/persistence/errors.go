// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	ErrFlowNotFound        = errors.New("flow not found")
	ErrCollectionNotFound  = errors.New("data collection not found")
	ErrRecordNotFound      = errors.New("data record not found")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrCampaignNotFound    = errors.New("campaign not found")
	ErrJobNotFound         = errors.New("job not found")
	ErrTaskNotFound        = errors.New("job task not found")
	ErrMarketTaskNotFound  = errors.New("market task not found")
	ErrApplicationNotFound = errors.New("task application not found")

	// ErrDeviceLeased indicates the device is already engaged by another job.
	ErrDeviceLeased = errors.New("device already leased")

	// ErrStaleVersion indicates an optimistic concurrency conflict.
	ErrStaleVersion = errors.New("stale version")

	// ErrApplicationExists indicates the device already applied to the task.
	ErrApplicationExists = errors.New("task application already exists")

	// ErrInvalidID indicates an identifier that is empty or unsafe for storage.
	ErrInvalidID = errors.New("invalid identifier")
)

var notFound = []error{
	ErrFlowNotFound, ErrCollectionNotFound, ErrRecordNotFound, ErrDeviceNotFound,
	ErrCampaignNotFound, ErrJobNotFound, ErrTaskNotFound, ErrMarketTaskNotFound,
	ErrApplicationNotFound,
}

// EntityError wraps entity errors with additional context.
type EntityError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Save", "Acquire")
	Entity string
	ID     string
	Err    error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for entity errors.
func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, entity, id string, err error) *EntityError {
	return &EntityError{
		Op:     op,
		Entity: entity,
		ID:     id,
		Err:    err,
	}
}

// IsNotFound checks if an error indicates a missing entity of any kind.
func IsNotFound(err error) bool {
	for _, target := range notFound {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// IsDeviceLeased checks if an error indicates a lease conflict.
func IsDeviceLeased(err error) bool {
	return errors.Is(err, ErrDeviceLeased)
}

// IsStaleVersion checks if an error indicates an optimistic concurrency conflict.
func IsStaleVersion(err error) bool {
	return errors.Is(err, ErrStaleVersion)
}
