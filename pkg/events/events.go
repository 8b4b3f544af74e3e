// Package events defines the messages exchanged between the job core, the
// orchestrator and the device agents.
package events

import (
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every devicefarm event; consumers route on EventTypeMetadataKey.
const Topic = "devicefarm.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Job execution events.
	TaskDispatchedEvent      EventType = "task.dispatched"
	TaskOutcomeReportedEvent EventType = "task.outcome_reported"
	JobStartedEvent          EventType = "job.started"
	JobTerminatedEvent       EventType = "job.terminated"

	// Device agent events.
	DeviceHeartbeatEvent EventType = "device.heartbeat"

	// Campaign lifecycle events.
	CampaignPausedEvent    EventType = "campaign.paused"
	CampaignCompletedEvent EventType = "campaign.completed"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, now time.Time) BaseEvent {
	return BaseEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      eventType,
		Timestamp: now.UTC(),
		Metadata:  make(map[string]any),
	}
}

// TaskDispatched asks the device agent to execute a task. Agents must call
// back to start the task before running it and skip it when that is refused.
type TaskDispatched struct {
	BaseEvent

	JobID       string         `json:"job_id"`
	ItemID      string         `json:"item_id"`
	TaskID      string         `json:"task_id"`
	DeviceID    string         `json:"device_id"`
	NodeID      string         `json:"node_id"`
	NodeType    string         `json:"node_type"`
	Iteration   int            `json:"iteration"`
	Sequence    int            `json:"sequence"`
	Input       map[string]any `json:"input,omitempty"`
	DelayBefore time.Duration  `json:"delay_before"`
	Attempt     int            `json:"attempt"`
	Parallel    bool           `json:"parallel"`
}

func (e TaskDispatched) GetType() EventType {
	return TaskDispatchedEvent
}

// TaskOutcomeReported is sent by the device agent when a task finishes.
type TaskOutcomeReported struct {
	BaseEvent

	TaskID    string                 `json:"task_id"`
	Status    models.ExecutionStatus `json:"status"`
	Output    map[string]any         `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Transient bool                   `json:"transient,omitempty"`
	// Attempt echoes TaskDispatched.Attempt. Reports without it are dropped.
	Attempt *int `json:"attempt"`
}

func (e TaskOutcomeReported) GetType() EventType {
	return TaskOutcomeReportedEvent
}

type JobStarted struct {
	BaseEvent

	JobID    string           `json:"job_id"`
	Origin   models.JobOrigin `json:"origin"`
	DeviceID string           `json:"device_id"`
}

func (e JobStarted) GetType() EventType {
	return JobStartedEvent
}

// JobTerminated is published once per terminal transition of a job.
type JobTerminated struct {
	BaseEvent

	JobID        string                 `json:"job_id"`
	Origin       models.JobOrigin       `json:"origin"`
	DeviceID     string                 `json:"device_id"`
	RecordID     string                 `json:"record_id,omitempty"`
	Status       models.ExecutionStatus `json:"status"`
	RetryCount   int                    `json:"retry_count"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

func (e JobTerminated) GetType() EventType {
	return JobTerminatedEvent
}

type DeviceHeartbeat struct {
	BaseEvent

	DeviceID string `json:"device_id"`
}

func (e DeviceHeartbeat) GetType() EventType {
	return DeviceHeartbeatEvent
}

type CampaignPaused struct {
	BaseEvent

	CampaignID string `json:"campaign_id"`
	Reason     string `json:"reason"`
}

func (e CampaignPaused) GetType() EventType {
	return CampaignPausedEvent
}

type CampaignCompleted struct {
	BaseEvent

	CampaignID       string `json:"campaign_id"`
	RecordsProcessed int    `json:"records_processed"`
	RecordsSuccess   int    `json:"records_success"`
	RecordsFailed    int    `json:"records_failed"`
}

func (e CampaignCompleted) GetType() EventType {
	return CampaignCompletedEvent
}
