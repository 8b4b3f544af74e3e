package jobs_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/devicefarm/pkg/events"
	"github.com/dukex/devicefarm/pkg/jobs"
	"github.com/dukex/devicefarm/pkg/mocks"
	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/persistence/file"
	"github.com/dukex/devicefarm/pkg/planner"
	"github.com/dukex/devicefarm/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *file.Persistence
	bus     *mocks.MockEventBus
	machine *jobs.Machine
	now     time.Time
}

func newFixture(t *testing.T, opts ...jobs.Option) *fixture {
	t.Helper()

	f := &fixture{
		store: file.NewPersistence(t.TempDir()),
		bus:   &mocks.MockEventBus{},
		now:   time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}

	f.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	opts = append([]jobs.Option{jobs.WithClock(func() time.Time { return f.now })}, opts...)
	f.machine = jobs.NewMachine(f.store, f.bus, logger, opts...)

	return f
}

func (f *fixture) tick(d time.Duration) {
	f.now = f.now.Add(d)
}

func flow(id string, nodes ...string) *models.Flow {
	result := &models.Flow{ID: id, Name: id}
	for _, node := range nodes {
		result.Nodes = append(result.Nodes, &models.FlowNode{ID: node, Type: "tap"})
	}

	return result
}

func (f *fixture) register(t *testing.T, deviceID string, maxRetries int, steps ...planner.Step) *models.JobTree {
	t.Helper()

	job := &models.WorkflowJob{
		Origin:     models.JobOrigin{Kind: models.OriginCampaign, ID: "camp-1"},
		DeviceID:   deviceID,
		RecordID:   "rec-1",
		MaxRetries: maxRetries,
	}

	tree, err := planner.Build(job, steps)
	require.NoError(t, err)
	require.NoError(t, f.machine.Register(t.Context(), tree))

	return tree
}

func (f *fixture) retry(t *testing.T, jobID string) (*models.WorkflowJob, error) {
	t.Helper()

	fx := &jobs.Effects{}

	var job *models.WorkflowJob

	err := f.store.Atomic(t.Context(), func(ctx context.Context, tx persistence.Tx) error {
		var err error

		job, err = f.machine.RetryJobTx(ctx, tx, jobID, fx)

		return err
	})
	if err != nil {
		return nil, err
	}

	f.machine.Flush(t.Context(), fx)

	return job, nil
}

func (f *fixture) tree(t *testing.T, jobID string) *models.JobTree {
	t.Helper()

	tree, err := f.machine.Tree(t.Context(), jobID)
	require.NoError(t, err)

	return tree
}

func published[T any](bus *mocks.MockEventBus) []T {
	var result []T

	for _, call := range bus.Calls {
		if call.Method != "Publish" {
			continue
		}

		if event, ok := call.Arguments.Get(2).(T); ok {
			result = append(result, event)
		}
	}

	return result
}

func taskStatuses(tree *models.JobTree) []models.ExecutionStatus {
	var result []models.ExecutionStatus

	for _, item := range tree.OrderedItems() {
		for _, task := range tree.ItemTasks(item.ID) {
			result = append(result, task.Status)
		}
	}

	return result
}

func orderedTasks(tree *models.JobTree) []*models.JobTask {
	var result []*models.JobTask

	for _, item := range tree.OrderedItems() {
		result = append(result, tree.ItemTasks(item.ID)...)
	}

	return result
}

func complete(t *testing.T, f *fixture, taskID string) *models.JobTask {
	t.Helper()

	task, err := f.machine.ReportTaskOutcome(t.Context(), taskID, jobs.Outcome{
		Status: models.StatusCompleted,
		Output: map[string]any{"ok": true},
	})
	require.NoError(t, err)

	return task
}

func TestMachine_SequentialDispatchAndCompletion(t *testing.T) {
	f := newFixture(t)
	tree := f.register(t, "device-1", 0,
		planner.Step{Flow: flow("signup", "open", "fill")},
		planner.Step{Flow: flow("post", "compose")},
	)

	jobID := tree.Job.ID
	stored := f.tree(t, jobID)

	assert.Equal(t, models.StatusQueued, stored.Job.Status)
	assert.Equal(t, 3, stored.Job.TotalTasks)
	assert.Equal(t, []models.ExecutionStatus{models.StatusQueued, models.StatusPending, models.StatusPending}, taskStatuses(stored))
	require.Len(t, published[events.TaskDispatched](f.bus), 1)

	tasks := orderedTasks(stored)

	started, err := f.machine.StartTask(t.Context(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, started.Status)
	require.Len(t, published[events.JobStarted](f.bus), 1)

	f.tick(2 * time.Second)
	done := complete(t, f, tasks[0].ID)
	assert.Equal(t, int64(2000), done.DurationMs)

	stored = f.tree(t, jobID)
	assert.Equal(t, models.StatusRunning, stored.Job.Status)
	assert.Equal(t, 1, stored.Job.CompletedTasks)
	assert.Equal(t, 33, stored.Job.Progress())
	assert.Equal(t, []models.ExecutionStatus{models.StatusCompleted, models.StatusQueued, models.StatusPending}, taskStatuses(stored))

	// an outcome for a queued task starts it implicitly
	complete(t, f, tasks[1].ID)
	complete(t, f, tasks[2].ID)

	stored = f.tree(t, jobID)
	assert.Equal(t, models.StatusCompleted, stored.Job.Status)
	assert.Equal(t, 100, stored.Job.Progress())
	assert.Equal(t, 0, stored.Job.FailedTasks)

	for _, item := range stored.Items {
		assert.Equal(t, models.StatusCompleted, item.Status)
		assert.LessOrEqual(t, item.CompletedTasks+item.FailedTasks, item.TotalTasks)
	}

	outputs, ok := stored.Job.Result["outputs"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, outputs, "signup")
	assert.Contains(t, outputs, "post")

	terminated := published[events.JobTerminated](f.bus)
	require.Len(t, terminated, 1)
	assert.Equal(t, models.StatusCompleted, terminated[0].Status)

	require.NoError(t, f.store.Atomic(t.Context(), func(ctx context.Context, tx persistence.Tx) error {
		leases, err := tx.Leases().ListByDevices(ctx, []string{"device-1"})
		require.NoError(t, err)
		assert.Empty(t, leases)

		return nil
	}))

	logs, err := f.machine.Logs(t.Context(), jobID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "job registered", logs[0].Message)
}

func TestMachine_ParallelItemDispatchesEveryTask(t *testing.T) {
	f := newFixture(t)
	tree := f.register(t, "device-1", 0, planner.Step{
		Flow: flow("like", "like"),
		Config: models.CampaignFlow{
			ExecutionMode:     models.FlowExecutionRepeat,
			RepeatCount:       3,
			IterationStrategy: models.IterationParallel,
		},
	})

	stored := f.tree(t, tree.Job.ID)
	assert.Equal(t, []models.ExecutionStatus{models.StatusQueued, models.StatusQueued, models.StatusQueued}, taskStatuses(stored))

	dispatched := published[events.TaskDispatched](f.bus)
	require.Len(t, dispatched, 3)
	assert.True(t, dispatched[0].Parallel)
	assert.Equal(t, "device-1", dispatched[0].DeviceID)
}

func TestMachine_PlaceholderOnlyJobCompletesOnRegister(t *testing.T) {
	f := newFixture(t)
	tree := f.register(t, "device-1", 0, planner.Step{
		Flow: flow("share", "share"),
		Config: models.CampaignFlow{
			Conditions: []models.Condition{{Field: "record.shareable", Operator: models.OperatorTruthy}},
		},
	})

	stored := f.tree(t, tree.Job.ID)
	assert.Equal(t, models.StatusCompleted, stored.Job.Status)
	assert.Equal(t, 100, stored.Job.Progress())
	assert.Len(t, published[events.JobTerminated](f.bus), 1)
}

func TestMachine_TransientFailuresExhaustRetries(t *testing.T) {
	f := newFixture(t)
	tree := f.register(t, "device-1", 2, planner.Step{Flow: flow("post", "compose")})
	jobID := tree.Job.ID
	taskID := tree.Tasks[0].ID

	for attempt := range 3 {
		stored := f.tree(t, jobID)
		require.Equal(t, attempt, stored.Job.RetryCount)
		require.Equal(t, models.StatusQueued, stored.Tasks[0].Status)

		_, err := f.machine.StartTask(t.Context(), taskID)
		require.NoError(t, err)

		_, err = f.machine.ReportTaskOutcome(t.Context(), taskID, jobs.Outcome{
			Status:    models.StatusFailed,
			Error:     "network unreachable",
			Transient: true,
			Attempt:   attempt,
		})
		require.NoError(t, err)
	}

	stored := f.tree(t, jobID)
	assert.Equal(t, models.StatusFailed, stored.Job.Status)
	assert.Equal(t, 2, stored.Job.RetryCount)
	assert.Equal(t, "network unreachable", stored.Job.ErrorMessage)
	assert.Equal(t, 1, stored.Job.FailedTasks)
	assert.False(t, stored.Job.CanRetry())

	dispatched := published[events.TaskDispatched](f.bus)
	require.Len(t, dispatched, 3)
	assert.Equal(t, 2, dispatched[2].Attempt)
	assert.Len(t, published[events.JobTerminated](f.bus), 1)

	_, err := f.retry(t, jobID)
	require.ErrorIs(t, err, jobs.ErrNotRetryable)
	assert.True(t, services.IsConflictError(err))
}

func TestMachine_PermanentFailureSkipsLaterItems(t *testing.T) {
	f := newFixture(t)
	tree := f.register(t, "device-1", 3,
		planner.Step{Flow: flow("signup", "open", "fill")},
		planner.Step{Flow: flow("post", "compose")},
	)

	first := orderedTasks(f.tree(t, tree.Job.ID))[0]

	_, err := f.machine.ReportTaskOutcome(t.Context(), first.ID, jobs.Outcome{Status: models.StatusFailed, Error: "captcha"})
	require.NoError(t, err)

	stored := f.tree(t, tree.Job.ID)
	assert.Equal(t, models.StatusFailed, stored.Job.Status)
	assert.Equal(t, 0, stored.Job.RetryCount)
	assert.Equal(t, []models.ExecutionStatus{models.StatusFailed, models.StatusSkipped, models.StatusSkipped}, taskStatuses(stored))

	items := stored.OrderedItems()
	assert.Equal(t, models.StatusFailed, items[0].Status)
	assert.Equal(t, models.StatusSkipped, items[1].Status)

	// a manual retry uses the remaining budget
	job, err := f.retry(t, tree.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)

	stored = f.tree(t, tree.Job.ID)
	assert.Equal(t, 0, stored.Job.FailedTasks)
	assert.Equal(t, []models.ExecutionStatus{models.StatusQueued, models.StatusPending, models.StatusPending}, taskStatuses(stored))
}

func TestMachine_SiblingOutcomeOfEarlierAttemptIsIgnored(t *testing.T) {
	f := newFixture(t)
	tree := f.register(t, "device-1", 1, planner.Step{
		Flow: flow("like", "like"),
		Config: models.CampaignFlow{
			ExecutionMode:     models.FlowExecutionRepeat,
			RepeatCount:       2,
			IterationStrategy: models.IterationParallel,
		},
	})
	tasks := orderedTasks(f.tree(t, tree.Job.ID))
	require.Len(t, tasks, 2)

	for _, task := range tasks {
		_, err := f.machine.StartTask(t.Context(), task.ID)
		require.NoError(t, err)
	}

	_, err := f.machine.ReportTaskOutcome(t.Context(), tasks[0].ID, jobs.Outcome{
		Status:    models.StatusFailed,
		Error:     "network unreachable",
		Transient: true,
	})
	require.NoError(t, err)

	stored := f.tree(t, tree.Job.ID)
	require.Equal(t, 1, stored.Job.RetryCount)
	assert.Equal(t, []models.ExecutionStatus{models.StatusQueued, models.StatusQueued}, taskStatuses(stored))

	// the sibling was still running under attempt 0 when the job was retried
	task, err := f.machine.ReportTaskOutcome(t.Context(), tasks[1].ID, jobs.Outcome{Status: models.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)

	stored = f.tree(t, tree.Job.ID)
	assert.Equal(t, 0, stored.Job.CompletedTasks)
	assert.Equal(t, []models.ExecutionStatus{models.StatusQueued, models.StatusQueued}, taskStatuses(stored))

	task, err = f.machine.ReportTaskOutcome(t.Context(), tasks[1].ID, jobs.Outcome{Status: models.StatusCompleted, Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 1, f.tree(t, tree.Job.ID).Job.CompletedTasks)
}

func TestMachine_MarketplaceJobsAreNotRetriedManually(t *testing.T) {
	f := newFixture(t)

	job := &models.WorkflowJob{
		Origin:     models.JobOrigin{Kind: models.OriginTaskApplication, ID: "app-1"},
		DeviceID:   "device-1",
		MaxRetries: 2,
	}
	tree, err := planner.Build(job, []planner.Step{{Flow: flow("post", "compose")}})
	require.NoError(t, err)
	require.NoError(t, f.machine.Register(t.Context(), tree))

	_, err = f.machine.ReportTaskOutcome(t.Context(), tree.Tasks[0].ID, jobs.Outcome{Status: models.StatusFailed, Error: "captcha"})
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, f.tree(t, tree.Job.ID).Job.Status)

	_, err = f.retry(t, tree.Job.ID)
	require.ErrorIs(t, err, jobs.ErrNotRetryable)
	assert.True(t, services.IsConflictError(err))
	assert.Equal(t, 0, f.tree(t, tree.Job.ID).Job.RetryCount)
}

func TestMachine_CancelLeavesRunningTasks(t *testing.T) {
	f := newFixture(t)
	tree := f.register(t, "device-1", 0, planner.Step{Flow: flow("signup", "a", "b", "c", "d")})
	tasks := orderedTasks(f.tree(t, tree.Job.ID))

	_, err := f.machine.StartTask(t.Context(), tasks[0].ID)
	require.NoError(t, err)

	job, err := f.machine.CancelJob(t.Context(), tree.Job.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Equal(t, "operator request", job.AdminNote)

	stored := f.tree(t, tree.Job.ID)
	assert.Equal(t, []models.ExecutionStatus{
		models.StatusRunning, models.StatusSkipped, models.StatusSkipped, models.StatusSkipped,
	}, taskStatuses(stored))
	assert.Equal(t, models.StatusCancelled, stored.Items[0].Status)

	_, err = f.machine.StartTask(t.Context(), tasks[1].ID)
	assert.True(t, jobs.IsNotRunnable(err))

	// the late outcome of the running task is recorded without reviving the job
	complete(t, f, tasks[0].ID)

	stored = f.tree(t, tree.Job.ID)
	assert.Equal(t, models.StatusCancelled, stored.Job.Status)
	assert.Equal(t, 1, stored.Job.CompletedTasks)

	_, err = f.machine.CancelJob(t.Context(), tree.Job.ID, "")
	assert.ErrorIs(t, err, jobs.ErrJobNotRunnable)
}

func TestMachine_RepeatedOutcomes(t *testing.T) {
	f := newFixture(t)
	tree := f.register(t, "device-1", 0, planner.Step{Flow: flow("post", "compose", "send")})
	tasks := orderedTasks(f.tree(t, tree.Job.ID))

	complete(t, f, tasks[0].ID)
	complete(t, f, tasks[0].ID)

	stored := f.tree(t, tree.Job.ID)
	assert.Equal(t, 1, stored.Job.CompletedTasks)
	assert.Equal(t, 50, stored.Job.Progress())

	_, err := f.machine.ReportTaskOutcome(t.Context(), tasks[0].ID, jobs.Outcome{Status: models.StatusFailed})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.machine.ReportTaskOutcome(t.Context(), tasks[0].ID, jobs.Outcome{Status: models.StatusRunning})
	assert.ErrorIs(t, err, jobs.ErrInvalidOutcome)

	// a report for another attempt is ignored
	task, err := f.machine.ReportTaskOutcome(t.Context(), tasks[1].ID, jobs.Outcome{Status: models.StatusCompleted, Attempt: 4})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)

	_, err = f.machine.StartTask(t.Context(), tasks[0].ID)
	assert.ErrorIs(t, err, jobs.ErrTaskNotReady)

	_, err = f.machine.ReportTaskOutcome(t.Context(), "missing", jobs.Outcome{Status: models.StatusCompleted})
	assert.True(t, persistence.IsNotFound(err))
}

func TestMachine_DeviceBusy(t *testing.T) {
	f := newFixture(t)
	first := f.register(t, "device-1", 0, planner.Step{Flow: flow("post", "compose")})

	job := &models.WorkflowJob{Origin: models.JobOrigin{Kind: models.OriginCampaign, ID: "camp-1"}, DeviceID: "device-1"}
	tree, err := planner.Build(job, []planner.Step{{Flow: flow("post", "compose")}})
	require.NoError(t, err)

	err = f.machine.Register(t.Context(), tree)
	require.ErrorIs(t, err, jobs.ErrDeviceBusy)
	assert.True(t, services.IsConflictError(err))

	_, err = f.machine.Job(t.Context(), job.ID)
	assert.True(t, persistence.IsNotFound(err))

	_, err = f.machine.CancelJob(t.Context(), first.Job.ID, "")
	require.NoError(t, err)

	require.NoError(t, f.machine.Register(t.Context(), tree))
}

func TestMachine_RegisterRejectsInvalidJobs(t *testing.T) {
	f := newFixture(t)

	tree, err := planner.Build(&models.WorkflowJob{Origin: models.JobOrigin{Kind: "robot", ID: "x"}, DeviceID: "device-1"},
		[]planner.Step{{Flow: flow("post", "compose")}})
	require.NoError(t, err)

	err = f.machine.Register(t.Context(), tree)
	require.ErrorIs(t, err, jobs.ErrInvalidJob)
	assert.True(t, services.IsValidationError(err))

	tree.Job.Origin.Kind = models.OriginCampaign
	tree.Job.DeviceID = ""
	assert.ErrorIs(t, f.machine.Register(t.Context(), tree), jobs.ErrInvalidJob)
}

func TestMachine_ReapTimedOut(t *testing.T) {
	f := newFixture(t, jobs.WithTimeouts(time.Minute, 30*time.Second))

	running := f.register(t, "device-1", 0, planner.Step{Flow: flow("post", "compose")})
	_, err := f.machine.StartTask(t.Context(), running.Tasks[0].ID)
	require.NoError(t, err)

	queued := f.register(t, "device-2", 0, planner.Step{Flow: flow("post", "compose")})

	f.tick(45 * time.Second)

	result, err := f.machine.ReapTimedOut(t.Context())
	require.NoError(t, err)
	assert.Equal(t, jobs.ReapResult{Redispatched: 1}, result)

	f.tick(40 * time.Second)

	result, err = f.machine.ReapTimedOut(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TimedOut)
	assert.Equal(t, 1, result.Redispatched)

	stored := f.tree(t, running.Job.ID)
	assert.Equal(t, models.StatusFailed, stored.Job.Status)
	assert.Contains(t, stored.Tasks[0].ErrorMessage, "timed out")

	stored = f.tree(t, queued.Job.ID)
	assert.Equal(t, models.StatusQueued, stored.Tasks[0].Status)
	assert.True(t, stored.Tasks[0].QueuedAt.Equal(f.now))

	dispatched := 0
	for _, event := range published[events.TaskDispatched](f.bus) {
		if event.TaskID == queued.Tasks[0].ID {
			dispatched++
		}
	}

	assert.Equal(t, 3, dispatched)
}
