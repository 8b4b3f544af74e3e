// Package persistence provides the data storage abstraction layer for the execution core.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/devicefarm/pkg/models"
)

// Persistence is a transactional store. Every state transition of the core runs
// inside one Atomic call; implementations serialize writers on the touched rows.
type Persistence interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Flows() FlowRepository
	Collections() CollectionRepository
	Records() RecordRepository
	Devices() DeviceRepository
	Leases() LeaseRepository
	Campaigns() CampaignRepository
	Jobs() JobRepository
	Market() MarketRepository
	Logs() JobLogRepository
}

type FlowRepository interface {
	Save(ctx context.Context, flow *models.Flow) error
	// GetByID returns ErrFlowNotFound for unknown or soft-deleted flows.
	GetByID(ctx context.Context, id string) (*models.Flow, error)
	Delete(ctx context.Context, id string) error
}

type CollectionRepository interface {
	Save(ctx context.Context, collection *models.DataCollection) error
	GetByID(ctx context.Context, id string) (*models.DataCollection, error)
	// GetForUpdate locks the collection row until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*models.DataCollection, error)
}

type RecordRepository interface {
	// Append stores a new record with the next position of its collection.
	// Callers hold the collection lock.
	Append(ctx context.Context, record *models.DataRecord) error
	Save(ctx context.Context, record *models.DataRecord) error
	GetByID(ctx context.Context, id string) (*models.DataRecord, error)
	// List returns up to limit matching records positioned after the cursor,
	// in position order.
	List(ctx context.Context, collectionID string, filter models.RecordFilter, after int64, limit int) ([]*models.DataRecord, error)
	Count(ctx context.Context, collectionID string, filter models.RecordFilter, after int64) (int, error)
}

type DeviceRepository interface {
	Save(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id string) (*models.Device, error)
	// ListByIDs returns the known devices in the order of ids.
	ListByIDs(ctx context.Context, ids []string) ([]*models.Device, error)
}

type LeaseRepository interface {
	// Acquire fails with ErrDeviceLeased when the device is already engaged.
	Acquire(ctx context.Context, lease *models.DeviceLease) error
	// Release drops the lease only if it is held by jobID.
	Release(ctx context.Context, deviceID, jobID string) error
	ListByDevices(ctx context.Context, deviceIDs []string) ([]*models.DeviceLease, error)
}

type CampaignRepository interface {
	Save(ctx context.Context, campaign *models.Campaign) error
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	GetForUpdate(ctx context.Context, id string) (*models.Campaign, error)
	ListByStatus(ctx context.Context, statuses ...models.CampaignStatus) ([]*models.Campaign, error)
	ListByFlow(ctx context.Context, flowID string) ([]*models.Campaign, error)
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Origin   *models.JobOrigin
	DeviceID string
	Statuses []models.ExecutionStatus
	Limit    int
}

type JobRepository interface {
	// SaveTree upserts the job with all its items and tasks.
	SaveTree(ctx context.Context, tree *models.JobTree) error
	Tree(ctx context.Context, jobID string) (*models.JobTree, error)
	// TreeForUpdate loads the tree and locks the job row until the transaction ends.
	TreeForUpdate(ctx context.Context, jobID string) (*models.JobTree, error)
	Job(ctx context.Context, jobID string) (*models.WorkflowJob, error)
	JobIDByTask(ctx context.Context, taskID string) (string, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.WorkflowJob, error)
	Tally(ctx context.Context, origin models.JobOrigin) (models.JobTally, error)
	// StaleTasks returns running tasks started, or queued tasks queued, before the given time.
	StaleTasks(ctx context.Context, status models.ExecutionStatus, before time.Time, limit int) ([]*models.JobTask, error)
}

type MarketRepository interface {
	// SaveTask inserts a task with Version 0, or updates it when the stored
	// version still equals task.Version. The version is bumped on success;
	// a concurrent writer yields ErrStaleVersion.
	SaveTask(ctx context.Context, task *models.MarketTask) error
	Task(ctx context.Context, id string) (*models.MarketTask, error)
	TaskForUpdate(ctx context.Context, id string) (*models.MarketTask, error)
	SaveApplication(ctx context.Context, app *models.TaskApplication) error
	Application(ctx context.Context, id string) (*models.TaskApplication, error)
	ApplicationByJob(ctx context.Context, jobID string) (*models.TaskApplication, error)
	ApplicationsByTask(ctx context.Context, taskID string) ([]*models.TaskApplication, error)
}

type JobLogRepository interface {
	Append(ctx context.Context, entry *models.JobLog) error
	ListByJob(ctx context.Context, jobID string, limit int) ([]*models.JobLog, error)
}
