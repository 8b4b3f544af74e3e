// Package web provides HTTP request and response types for the devicefarm API.
package web

import "github.com/dukex/devicefarm/pkg/models"

// CreateFlowRequest represents the request body for creating a flow.
type CreateFlowRequest struct {
	Name  string             `json:"name"  validate:"required,min=1"`
	Owner string             `json:"owner" validate:"required"`
	Nodes []*models.FlowNode `json:"nodes" validate:"required,min=1,dive"`
	Edges []*models.FlowEdge `json:"edges" validate:"dive"`
}

// UpdateFlowRequest replaces the graph of a flow. Ownership never changes.
type UpdateFlowRequest struct {
	Name  string             `json:"name"  validate:"required,min=1"`
	Nodes []*models.FlowNode `json:"nodes" validate:"required,min=1,dive"`
	Edges []*models.FlowEdge `json:"edges" validate:"dive"`
}

// CreateCampaignRequest represents the request body for creating a campaign.
// Reference checks happen in the campaign service.
type CreateCampaignRequest struct {
	Name            string                `json:"name"              validate:"required,min=3"`
	Owner           string                `json:"owner"             validate:"required"`
	CollectionID    string                `json:"collection_id"     validate:"required"`
	RecordFilter    models.RecordFilter   `json:"record_filter"`
	Flows           []models.CampaignFlow `json:"flows"             validate:"required,min=1,dive"`
	DeviceIDs       []string              `json:"device_ids"        validate:"required,min=1"`
	ExecutionMode   models.ExecutionMode  `json:"execution_mode"    validate:"required,oneof=sequential parallel"`
	DeviceStrategy  models.DeviceStrategy `json:"device_strategy"   validate:"required,oneof=round_robin random specific"`
	RecordsPerBatch int                   `json:"records_per_batch" validate:"min=1"`
	MaxRetries      int                   `json:"max_retries"       validate:"min=0"`
	Schedule        string                `json:"schedule,omitempty"`
}

// Campaign converts the request into a campaign model.
func (r CreateCampaignRequest) Campaign() *models.Campaign {
	return &models.Campaign{
		Name:            r.Name,
		Owner:           r.Owner,
		CollectionID:    r.CollectionID,
		RecordFilter:    r.RecordFilter,
		Flows:           r.Flows,
		DeviceIDs:       r.DeviceIDs,
		ExecutionMode:   r.ExecutionMode,
		DeviceStrategy:  r.DeviceStrategy,
		RecordsPerBatch: r.RecordsPerBatch,
		MaxRetries:      r.MaxRetries,
		Schedule:        r.Schedule,
	}
}

// ReasonRequest carries the optional free-text reason of pause and cancel calls.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// TaskOutcomeRequest is the outcome report of a device agent.
type TaskOutcomeRequest struct {
	Status    models.ExecutionStatus `json:"status"              validate:"required,oneof=completed failed"`
	Output    map[string]any         `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Transient bool                   `json:"transient,omitempty"`
	Attempt   *int                   `json:"attempt"             validate:"required,min=0"`
}

// CreateCollectionRequest represents the request body for creating a data collection.
type CreateCollectionRequest struct {
	Name   string         `json:"name"             validate:"required,min=1"`
	Owner  string         `json:"owner"            validate:"required"`
	Schema map[string]any `json:"schema,omitempty"`
}

// IngestRecordRequest appends one record to a collection.
type IngestRecordRequest struct {
	Data map[string]any `json:"data" validate:"required"`
}

// RegisterDeviceRequest represents the request body for registering a device.
type RegisterDeviceRequest struct {
	Owner string `json:"owner" validate:"required"`
	Name  string `json:"name"  validate:"required,min=1"`
}

// PostMarketTaskRequest represents the request body for publishing a market task.
type PostMarketTaskRequest struct {
	CreatorID string         `json:"creator_id" validate:"required"`
	FlowID    string         `json:"flow_id"    validate:"required"`
	Title     string         `json:"title"      validate:"required,min=3"`
	Reward    int64          `json:"reward"     validate:"min=0"`
	Slots     int            `json:"slots"      validate:"min=1"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ApplyRequest represents a device owner's application to a market task.
type ApplyRequest struct {
	DeviceID    string `json:"device_id"    validate:"required"`
	ApplicantID string `json:"applicant_id" validate:"required"`
}

// RejectRequest carries the optional note attached to a rejection.
type RejectRequest struct {
	Note string `json:"note" validate:"max=500"`
}

// JobResponse is a job with its items, tasks and progress.
type JobResponse struct {
	*models.JobTree

	Progress int `json:"progress"`
}

// TransformJobResponse builds the job response of tree.
func TransformJobResponse(tree *models.JobTree) JobResponse {
	return JobResponse{JobTree: tree, Progress: tree.Job.Progress()}
}
