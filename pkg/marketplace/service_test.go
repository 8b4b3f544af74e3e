package marketplace_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/devicefarm/pkg/events"
	"github.com/dukex/devicefarm/pkg/jobs"
	"github.com/dukex/devicefarm/pkg/marketplace"
	"github.com/dukex/devicefarm/pkg/mocks"
	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/persistence/file"
	"github.com/dukex/devicefarm/pkg/services"
	"github.com/dukex/devicefarm/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *file.Persistence
	bus     *mocks.MockEventBus
	machine *jobs.Machine
	market  *marketplace.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	f := &fixture{store: file.NewPersistence(t.TempDir()), bus: &mocks.MockEventBus{}}
	f.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.machine = jobs.NewMachine(f.store, f.bus, logger)
	f.market = marketplace.NewService(f.store, f.machine, logger)

	now := time.Now().UTC()

	require.NoError(t, f.store.Atomic(t.Context(), func(ctx context.Context, tx persistence.Tx) error {
		err := tx.Flows().Save(ctx, &models.Flow{
			ID:    "review",
			Name:  "Write a review",
			Owner: "creator-1",
			Nodes: []*models.FlowNode{{ID: "open", Type: "open_app"}, {ID: "rate", Type: "tap"}},
		})
		if err != nil {
			return err
		}

		for _, device := range []*models.Device{
			testutil.CreateTestDevice("phone-a", "owner-a"),
			testutil.CreateTestDevice("phone-b", "owner-b"),
			{ID: "phone-c", Owner: "owner-c", Status: models.DeviceStatusBlocked, CreatedAt: now},
		} {
			err = tx.Devices().Save(ctx, device)
			if err != nil {
				return err
			}
		}

		return nil
	}))

	return f
}

func (f *fixture) terminated(jobID string) *events.JobTerminated {
	for _, call := range f.bus.Calls {
		if event, ok := call.Arguments.Get(2).(events.JobTerminated); ok && event.JobID == jobID {
			return &event
		}
	}

	return nil
}

func (f *fixture) started(jobID string) *events.JobStarted {
	for _, call := range f.bus.Calls {
		if event, ok := call.Arguments.Get(2).(events.JobStarted); ok && event.JobID == jobID {
			return &event
		}
	}

	return nil
}

func TestMarketplace_PostValidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.market.Post(t.Context(), &models.MarketTask{CreatorID: "creator-1", FlowID: "review", Title: "x", Slots: 1})
	assert.True(t, services.IsValidationError(err))

	_, err = f.market.Post(t.Context(), &models.MarketTask{CreatorID: "creator-1", FlowID: "missing", Title: "Review", Slots: 1})
	assert.Equal(t, "UNKNOWN_FLOW", services.Code(err))

	task, err := f.market.Post(t.Context(), &models.MarketTask{CreatorID: "creator-1", FlowID: "review", Title: "Review", Slots: 1, Reward: 500})
	require.NoError(t, err)
	assert.Equal(t, models.MarketTaskOpen, task.Status)
	assert.Equal(t, int64(1), task.Version)
}

func TestMarketplace_ApplicationLifecycle(t *testing.T) {
	f := newFixture(t)

	task, err := f.market.Post(t.Context(), &models.MarketTask{
		CreatorID: "creator-1",
		FlowID:    "review",
		Title:     "Rate our app",
		Slots:     1,
		Payload:   map[string]any{"stars": 5},
	})
	require.NoError(t, err)

	first, err := f.market.Apply(t.Context(), &models.TaskApplication{TaskID: task.ID, DeviceID: "phone-a", ApplicantID: "owner-a"})
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationPending, first.Status)

	second, err := f.market.Apply(t.Context(), &models.TaskApplication{TaskID: task.ID, DeviceID: "phone-b", ApplicantID: "owner-b"})
	require.NoError(t, err)

	_, err = f.market.Apply(t.Context(), &models.TaskApplication{TaskID: task.ID, DeviceID: "phone-a", ApplicantID: "owner-a"})
	assert.True(t, services.IsConflictError(err))

	_, err = f.market.Apply(t.Context(), &models.TaskApplication{TaskID: task.ID, DeviceID: "phone-c", ApplicantID: "owner-c"})
	assert.ErrorIs(t, err, marketplace.ErrDeviceUnavailable)

	accepted, err := f.market.Accept(t.Context(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationAccepted, accepted.Status)
	require.NotEmpty(t, accepted.JobID)

	stored, err := f.market.Task(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MarketTaskInProgress, stored.Status)
	assert.Equal(t, 1, stored.AcceptedCount)

	_, err = f.market.Accept(t.Context(), second.ID)
	require.ErrorIs(t, err, marketplace.ErrNoOpenSlots)

	rejected, err := f.market.Reject(t.Context(), second.ID, "slot taken")
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationRejected, rejected.Status)

	_, err = f.market.Reject(t.Context(), second.ID, "")
	assert.ErrorIs(t, err, marketplace.ErrApplicationPending)

	tree, err := f.machine.Tree(t.Context(), accepted.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobOrigin{Kind: models.OriginTaskApplication, ID: first.ID}, tree.Job.Origin)
	assert.Equal(t, "phone-a", tree.Job.DeviceID)
	require.Len(t, tree.Tasks, 2)
	assert.Equal(t, map[string]any{"stars": float64(5)}, tree.Tasks[0].Input["record"])

	for _, item := range tree.OrderedItems() {
		for _, jobTask := range tree.ItemTasks(item.ID) {
			_, err = f.machine.ReportTaskOutcome(t.Context(), jobTask.ID, jobs.Outcome{Status: models.StatusCompleted})
			require.NoError(t, err)
		}
	}

	startedEvent := f.started(accepted.JobID)
	require.NotNil(t, startedEvent)
	require.NoError(t, f.market.HandleJobStarted(t.Context(), startedEvent))

	apps, err := f.market.Applications(t.Context(), task.ID)
	require.NoError(t, err)

	for _, app := range apps {
		if app.ID == first.ID {
			assert.Equal(t, models.ApplicationRunning, app.Status)
		}
	}

	event := f.terminated(accepted.JobID)
	require.NotNil(t, event)
	require.NoError(t, f.market.HandleJobTerminated(t.Context(), event))
	require.NoError(t, f.market.HandleJobTerminated(t.Context(), event))

	stored, err = f.market.Task(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MarketTaskCompleted, stored.Status)
	assert.Equal(t, 1, stored.CompletedCount)
	assert.Equal(t, 0, stored.AcceptedCount)

	_, err = f.market.Apply(t.Context(), &models.TaskApplication{TaskID: task.ID, DeviceID: "phone-b", ApplicantID: "owner-b"})
	assert.ErrorIs(t, err, marketplace.ErrTaskClosed)
}

func TestMarketplace_FailedJobFailsApplication(t *testing.T) {
	f := newFixture(t)

	task, err := f.market.Post(t.Context(), &models.MarketTask{CreatorID: "creator-1", FlowID: "review", Title: "Rate our app", Slots: 2})
	require.NoError(t, err)

	app, err := f.market.Apply(t.Context(), &models.TaskApplication{TaskID: task.ID, DeviceID: "phone-a", ApplicantID: "owner-a"})
	require.NoError(t, err)

	app, err = f.market.Accept(t.Context(), app.ID)
	require.NoError(t, err)

	_, err = f.machine.CancelJob(t.Context(), app.JobID, "creator withdrew")
	require.NoError(t, err)

	event := f.terminated(app.JobID)
	require.NotNil(t, event)
	assert.Equal(t, models.StatusCancelled, event.Status)

	// the start event never came: accepted moves straight to failed
	require.NoError(t, f.market.HandleJobTerminated(t.Context(), event))

	stored, err := f.market.Task(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MarketTaskOpen, stored.Status)
	assert.Equal(t, 1, stored.FailedCount)
	assert.Equal(t, 2, stored.OpenSlots())

	// events of other origins are ignored
	require.NoError(t, f.market.HandleJobTerminated(t.Context(), &events.JobTerminated{
		Origin: models.JobOrigin{Kind: models.OriginCampaign, ID: "camp-1"},
	}))
}

func TestMarketplace_AcceptOnBusyDevice(t *testing.T) {
	f := newFixture(t)

	task, err := f.market.Post(t.Context(), &models.MarketTask{CreatorID: "creator-1", FlowID: "review", Title: "Rate our app", Slots: 1})
	require.NoError(t, err)

	app, err := f.market.Apply(t.Context(), &models.TaskApplication{TaskID: task.ID, DeviceID: "phone-a", ApplicantID: "owner-a"})
	require.NoError(t, err)

	require.NoError(t, f.store.Atomic(t.Context(), func(ctx context.Context, tx persistence.Tx) error {
		return tx.Leases().Acquire(ctx, &models.DeviceLease{DeviceID: "phone-a", JobID: "campaign-job", AcquiredAt: time.Now().UTC()})
	}))

	_, err = f.market.Accept(t.Context(), app.ID)
	require.ErrorIs(t, err, jobs.ErrDeviceBusy)

	apps, err := f.market.Applications(t.Context(), task.ID)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, models.ApplicationPending, apps[0].Status)
	assert.Empty(t, apps[0].JobID)
}
