package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/devicefarm/pkg/campaigns"
	"github.com/dukex/devicefarm/pkg/cmd"
	"github.com/dukex/devicefarm/pkg/events"
	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *cmd.Core) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	core, err := cmd.NewCore(t.Context(), logger, cmd.CoreConfig{
		ServiceName: "devicefarm-orchestrator-test",
		DatabaseURL: "file://" + t.TempDir(),
		EventBus:    "gochannel",
	})
	require.NoError(t, err)
	t.Cleanup(core.Close)

	scheduler := campaigns.NewScheduler(core.Campaigns, core.Persistence, time.Hour, logger)

	orchestrator := NewOrchestrator("orchestrator-test", core.EventBus, core.Machine, core.Registry,
		core.Campaigns, core.Market, scheduler, time.Hour, logger)

	return orchestrator, core
}

func campaignJobs(t *testing.T, core *cmd.Core, campaignID string) []*models.WorkflowJob {
	t.Helper()

	var list []*models.WorkflowJob

	origin := models.JobOrigin{Kind: models.OriginCampaign, ID: campaignID}

	require.NoError(t, core.Persistence.Atomic(t.Context(), func(ctx context.Context, tx persistence.Tx) error {
		var err error

		list, err = tx.Jobs().ListJobs(ctx, persistence.JobFilter{Origin: &origin})

		return err
	}))

	return list
}

func TestOrchestrator_DrivesCampaignFromEvents(t *testing.T) {
	orchestrator, core := newTestOrchestrator(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	flow, err := core.Flows.Create(ctx, &models.Flow{
		Name:  "Sign up",
		Owner: "owner-1",
		Nodes: []*models.FlowNode{{ID: "open", Type: "open_app"}, {ID: "submit", Type: "tap"}},
	})
	require.NoError(t, err)

	collection, err := core.Selector.CreateCollection(ctx, &models.DataCollection{Name: "accounts", Owner: "owner-1"})
	require.NoError(t, err)

	for _, email := range []string{"a@example.com", "b@example.com"} {
		_, err = core.Selector.Ingest(ctx, collection.ID, map[string]any{"email": email})
		require.NoError(t, err)
	}

	device, err := core.Registry.Register(ctx, &models.Device{Owner: "owner-1", Name: "phone"})
	require.NoError(t, err)

	require.NoError(t, orchestrator.Start(ctx))

	// heartbeats reach the registry through the bus
	require.NoError(t, core.EventBus.Publish(ctx, device.ID, events.DeviceHeartbeat{
		BaseEvent: events.NewBaseEvent(events.DeviceHeartbeatEvent, time.Now()),
		DeviceID:  device.ID,
	}))

	require.Eventually(t, func() bool {
		pool, err := core.Registry.Online(ctx, []string{device.ID})

		return err == nil && pool[device.ID]
	}, 5*time.Second, 20*time.Millisecond)

	campaign, err := core.Campaigns.Create(ctx, &models.Campaign{
		Name:            "Spring signups",
		Owner:           "owner-1",
		CollectionID:    collection.ID,
		Flows:           []models.CampaignFlow{{FlowID: flow.ID}},
		DeviceIDs:       []string{device.ID},
		ExecutionMode:   models.ExecutionModeSequential,
		DeviceStrategy:  models.DeviceStrategyRoundRobin,
		RecordsPerBatch: 1,
	})
	require.NoError(t, err)

	_, err = core.Campaigns.Activate(ctx, campaign.ID)
	require.NoError(t, err)

	for round := range 2 {
		var job *models.WorkflowJob

		require.Eventually(t, func() bool {
			list := campaignJobs(t, core, campaign.ID)
			if len(list) != round+1 {
				return false
			}

			job = list[round]

			return true
		}, 5*time.Second, 20*time.Millisecond)

		tree, err := core.Machine.Tree(ctx, job.ID)
		require.NoError(t, err)

		// outcomes are sent one at a time, as an agent runs tasks in order
		for _, task := range tree.Tasks {
			require.NoError(t, core.EventBus.Publish(ctx, job.ID, events.TaskOutcomeReported{
				BaseEvent: events.NewBaseEvent(events.TaskOutcomeReportedEvent, time.Now()),
				TaskID:    task.ID,
				Status:    models.StatusCompleted,
				Attempt:   &job.RetryCount,
			}))

			require.Eventually(t, func() bool {
				current, err := core.Machine.Tree(ctx, job.ID)
				if err != nil {
					return false
				}

				stored, ok := current.Task(task.ID)

				return ok && stored.Status == models.StatusCompleted
			}, 5*time.Second, 20*time.Millisecond)
		}
	}

	require.Eventually(t, func() bool {
		stored, err := core.Campaigns.Get(ctx, campaign.ID)

		return err == nil && stored.Status == models.CampaignStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	stored, err := core.Campaigns.Get(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RecordsProcessed)
	assert.Equal(t, 2, stored.RecordsSuccess)

	cancel()
	orchestrator.Wait(ctx)
}

func TestOrchestrator_DropsUnprocessableEvents(t *testing.T) {
	orchestrator, _ := newTestOrchestrator(t)

	ctx := t.Context()

	first := 0

	assert.NoError(t, orchestrator.handleTaskOutcome(ctx, &events.TaskOutcomeReported{TaskID: "missing", Status: models.StatusCompleted, Attempt: &first}))
	assert.NoError(t, orchestrator.handleTaskOutcome(ctx, &events.TaskOutcomeReported{TaskID: "missing", Status: models.StatusRunning, Attempt: &first}))
	assert.NoError(t, orchestrator.handleTaskOutcome(ctx, &events.TaskOutcomeReported{TaskID: "missing", Status: models.StatusCompleted}))
	assert.NoError(t, orchestrator.handleHeartbeat(ctx, &events.DeviceHeartbeat{DeviceID: "missing"}))
	assert.NoError(t, orchestrator.handleJobTerminated(ctx, &events.JobTerminated{
		JobID:  "job-1",
		Origin: models.JobOrigin{Kind: models.OriginCampaign, ID: "missing"},
	}))
	assert.NoError(t, orchestrator.handleJobStarted(ctx, &events.JobStarted{
		JobID:  "job-1",
		Origin: models.JobOrigin{Kind: models.OriginCampaign, ID: "camp-1"},
	}))
	assert.NoError(t, orchestrator.handleHeartbeat(ctx, "not an event"))

	assert.False(t, isPermanent(errors.New("connection reset")))
	assert.True(t, isPermanent(persistence.ErrJobNotFound))
}

func TestOrchestrator_Sweep(t *testing.T) {
	orchestrator, _ := newTestOrchestrator(t)

	assert.NotPanics(t, func() { orchestrator.Sweep(t.Context()) })
}
