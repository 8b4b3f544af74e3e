package models

import (
	"slices"
	"time"
)

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// CanTransitionTo returns true if the campaign can move to the target status.
//
//	draft  → active
//	active → paused | completed
//	paused → active | completed
func (s CampaignStatus) CanTransitionTo(target CampaignStatus) bool {
	switch s {
	case CampaignStatusDraft:
		return target == CampaignStatusActive
	case CampaignStatusActive:
		return target == CampaignStatusPaused || target == CampaignStatusCompleted
	case CampaignStatusPaused:
		return target == CampaignStatusActive || target == CampaignStatusCompleted
	default:
		return false
	}
}

// ExecutionMode governs whether a campaign's jobs may overlap.
type ExecutionMode string

const (
	ExecutionModeSequential ExecutionMode = "sequential"
	ExecutionModeParallel   ExecutionMode = "parallel"
)

// DeviceStrategy selects how devices are assigned to jobs.
type DeviceStrategy string

const (
	DeviceStrategyRoundRobin DeviceStrategy = "round_robin"
	DeviceStrategyRandom     DeviceStrategy = "random"
	DeviceStrategySpecific   DeviceStrategy = "specific"
)

// IsValid reports whether the strategy is known.
func (s DeviceStrategy) IsValid() bool {
	return s == DeviceStrategyRoundRobin || s == DeviceStrategyRandom || s == DeviceStrategySpecific
}

// FlowExecutionMode is the per-flow repeat policy.
type FlowExecutionMode string

const (
	FlowExecutionOnce   FlowExecutionMode = "once"
	FlowExecutionRepeat FlowExecutionMode = "repeat"
)

// IterationStrategy tells the dispatcher how a flow's tasks may be released.
type IterationStrategy string

const (
	IterationSequential IterationStrategy = "sequential"
	IterationParallel   IterationStrategy = "parallel"
)

// Campaign binds flows, a data collection and a device pool into a bulk execution policy.
type Campaign struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"              validate:"required,min=3"`
	Owner           string         `json:"owner"             validate:"required"`
	CollectionID    string         `json:"collection_id"     validate:"required"`
	RecordFilter    RecordFilter   `json:"record_filter"`
	Flows           []CampaignFlow `json:"flows"             validate:"required,min=1,dive"`
	DeviceIDs       []string       `json:"device_ids"        validate:"required,min=1"`
	ExecutionMode   ExecutionMode  `json:"execution_mode"    validate:"required,oneof=sequential parallel"`
	DeviceStrategy  DeviceStrategy `json:"device_strategy"   validate:"required,oneof=round_robin random specific"`
	RecordsPerBatch int            `json:"records_per_batch" validate:"min=1"`
	MaxRetries      int            `json:"max_retries"       validate:"min=0"`
	Schedule        string         `json:"schedule,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	Status          CampaignStatus `json:"status"`
	PauseReason     string         `json:"pause_reason,omitempty"`

	// Orchestration cursors: last dispatched record position and next round-robin slot.
	RecordCursor int64 `json:"record_cursor"`
	DeviceCursor int   `json:"device_cursor"`

	TotalRecords     int `json:"total_records"`
	RecordsProcessed int `json:"records_processed"`
	RecordsSuccess   int `json:"records_success"`
	RecordsFailed    int `json:"records_failed"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CampaignFlow is the per-flow execution configuration of a campaign.
type CampaignFlow struct {
	FlowID                     string            `json:"flow_id"                                 validate:"required"`
	Sequence                   int               `json:"sequence"`
	RepeatCount                int               `json:"repeat_count"                            validate:"min=0"`
	ExecutionMode              FlowExecutionMode `json:"execution_mode"                          validate:"omitempty,oneof=once repeat"`
	DelayBetweenRepeats        int               `json:"delay_between_repeats"                   validate:"min=0"` // seconds
	Conditions                 []Condition       `json:"conditions,omitempty"`
	VariableSourceCollectionID string            `json:"variable_source_collection_id,omitempty"`
	IterationStrategy          IterationStrategy `json:"iteration_strategy"                      validate:"omitempty,oneof=sequential parallel"`
}

// Iterations is the number of times each node is planned.
func (f CampaignFlow) Iterations() int {
	if f.ExecutionMode != FlowExecutionRepeat || f.RepeatCount < 1 {
		return 1
	}

	return f.RepeatCount
}

// Strategy returns the iteration strategy, defaulting to sequential.
func (f CampaignFlow) Strategy() IterationStrategy {
	if f.IterationStrategy == "" {
		return IterationSequential
	}

	return f.IterationStrategy
}

// OrderedFlows returns the campaign flows sorted by sequence, keeping
// definition order for equal sequences.
func (c *Campaign) OrderedFlows() []CampaignFlow {
	flows := slices.Clone(c.Flows)
	slices.SortStableFunc(flows, func(a, b CampaignFlow) int {
		return a.Sequence - b.Sequence
	})

	return flows
}

// Origin returns the job origin for jobs created by this campaign.
func (c *Campaign) Origin() JobOrigin {
	return JobOrigin{Kind: OriginCampaign, ID: c.ID}
}

// InFlightLimit is the number of jobs the campaign may run at once.
func (c *Campaign) InFlightLimit() int {
	if c.ExecutionMode == ExecutionModeSequential {
		return 1
	}

	return c.RecordsPerBatch
}

// ApplyTally copies a job tally onto the campaign counters.
func (c *Campaign) ApplyTally(tally JobTally) {
	c.RecordsProcessed = tally.Processed()
	c.RecordsSuccess = tally.Completed
	c.RecordsFailed = tally.Failed
}
