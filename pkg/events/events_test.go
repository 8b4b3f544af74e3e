package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBaseEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("BRT", -3*3600))

	event := NewBaseEvent(JobStartedEvent, now)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, JobStartedEvent, event.Type)
	assert.Equal(t, time.UTC, event.Timestamp.Location())
	assert.True(t, now.Equal(event.Timestamp))
	assert.NotNil(t, event.Metadata)
	assert.NotEqual(t, event.ID, NewBaseEvent(JobStartedEvent, now).ID)
}

func TestEventTypes(t *testing.T) {
	cases := map[EventType]interface{ GetType() EventType }{
		TaskDispatchedEvent:      TaskDispatched{},
		TaskOutcomeReportedEvent: TaskOutcomeReported{},
		JobStartedEvent:          JobStarted{},
		JobTerminatedEvent:       JobTerminated{},
		DeviceHeartbeatEvent:     DeviceHeartbeat{},
		CampaignPausedEvent:      CampaignPaused{},
		CampaignCompletedEvent:   CampaignCompleted{},
	}

	for expected, event := range cases {
		assert.Equal(t, expected, event.GetType())
	}
}

func TestTaskDispatched_JSON(t *testing.T) {
	original := &TaskDispatched{
		BaseEvent:   NewBaseEvent(TaskDispatchedEvent, time.Now()),
		JobID:       "job-1",
		TaskID:      "task-1",
		DeviceID:    "dev-1",
		NodeID:      "tap-login",
		Iteration:   2,
		Sequence:    3,
		DelayBefore: 30 * time.Second,
		Input:       map[string]any{"record": map[string]any{"email": "a@example.com"}},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"task.dispatched"`)
	assert.Contains(t, string(data), `"node_id":"tap-login"`)

	var decoded TaskDispatched
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.DelayBefore, decoded.DelayBefore)
	assert.Equal(t, original.Sequence, decoded.Sequence)
}

func TestTaskOutcomeReported_Attempt(t *testing.T) {
	first := 0

	data, err := json.Marshal(TaskOutcomeReported{TaskID: "task-1", Status: models.StatusCompleted, Attempt: &first})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"attempt":0`)

	var missing TaskOutcomeReported
	require.NoError(t, json.Unmarshal([]byte(`{"task_id":"task-1","status":"completed"}`), &missing))
	assert.Nil(t, missing.Attempt)

	var decoded TaskOutcomeReported
	require.NoError(t, json.Unmarshal([]byte(`{"task_id":"task-1","status":"failed","attempt":0,"transient":true}`), &decoded))
	require.NotNil(t, decoded.Attempt)
	assert.Equal(t, 0, *decoded.Attempt)
	assert.True(t, decoded.Transient)
}
