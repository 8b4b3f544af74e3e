package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from     ExecutionStatus
		to       ExecutionStatus
		expected bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusSkipped, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusSkipped, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusSkipped, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusPending, false},
		{StatusSkipped, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 0, Progress(0, 0))
	assert.Equal(t, 0, Progress(5, 0))
	assert.Equal(t, 33, Progress(1, 3))
	assert.Equal(t, 67, Progress(2, 3))
	assert.Equal(t, 100, Progress(4, 4))
	assert.Equal(t, 50, TaskCounters{TotalTasks: 4, CompletedTasks: 2}.Progress())
}

func TestTaskCounters_ApplyIsNet(t *testing.T) {
	var counters TaskCounters

	counters.TotalTasks = 2
	counters.Apply(ContributionNone, ContributionFailure)
	assert.Equal(t, 1, counters.FailedTasks)

	// The retried task later succeeds: the failure is withdrawn.
	counters.Apply(ContributionFailure, ContributionNone)
	counters.Apply(ContributionNone, ContributionSuccess)
	assert.Equal(t, 0, counters.FailedTasks)
	assert.Equal(t, 1, counters.CompletedTasks)

	// Reapplying the same contribution is a no-op.
	counters.Apply(ContributionSuccess, ContributionSuccess)
	assert.Equal(t, 1, counters.CompletedTasks)
	assert.LessOrEqual(t, counters.CompletedTasks+counters.FailedTasks, counters.TotalTasks)
}

func TestJobTask_MarkAsCompletedTwice(t *testing.T) {
	now := time.Now().UTC()
	task := &JobTask{ID: "task-1", Status: StatusPending}

	require.NoError(t, task.MarkAsStarted(now))
	require.NoError(t, task.MarkAsCompleted(map[string]any{"ok": true}, now.Add(1500*time.Millisecond)))
	assert.Equal(t, int64(1500), task.DurationMs)

	err := task.MarkAsCompleted(nil, now)
	require.ErrorIs(t, err, ErrInvalidTransition)

	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, StatusCompleted, transitionErr.From)
	assert.Equal(t, map[string]any{"ok": true}, task.Output)
}

func TestJobTask_StartFromTerminalFails(t *testing.T) {
	now := time.Now().UTC()

	for _, status := range []ExecutionStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped} {
		task := &JobTask{ID: "task-1", Status: status}
		require.ErrorIs(t, task.MarkAsStarted(now), ErrInvalidTransition, status)
	}
}

func TestJobTask_ResetForRetryKeepsPlaceholders(t *testing.T) {
	now := time.Now().UTC()

	placeholder := &JobTask{ID: "p", Status: StatusSkipped, Placeholder: true, Contribution: ContributionSuccess}
	placeholder.ResetForRetry()
	assert.Equal(t, StatusSkipped, placeholder.Status)

	task := &JobTask{ID: "t", Status: StatusRunning, StartedAt: &now}
	require.NoError(t, task.MarkAsFailed("boom", map[string]any{"screen": "x"}, now))
	task.ResetForRetry()
	assert.Equal(t, StatusPending, task.Status)
	assert.Empty(t, task.ErrorMessage)
	assert.Nil(t, task.Output)
	assert.Nil(t, task.CompletedAt)
}

func TestWorkflowJob_RetryBudget(t *testing.T) {
	now := time.Now().UTC()
	job := &WorkflowJob{ID: "job-1", Status: StatusPending, MaxRetries: 2}

	for attempt := range 3 {
		require.NoError(t, job.MarkAsStarted(now))
		require.NoError(t, job.MarkAsFailed("attempt failed", now))

		if attempt < 2 {
			require.True(t, job.CanRetry())
			require.NoError(t, job.ResetForRetry(now))
			assert.Equal(t, StatusPending, job.Status)
			assert.Empty(t, job.ErrorMessage)
		}
	}

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 2, job.RetryCount)
	assert.False(t, job.CanRetry())
	require.ErrorIs(t, job.ResetForRetry(now), ErrRetryExhausted)
}

func TestWorkflowJob_CancelFromEachState(t *testing.T) {
	now := time.Now().UTC()

	for _, status := range []ExecutionStatus{StatusPending, StatusQueued, StatusRunning} {
		job := &WorkflowJob{ID: "job-1", Status: status}
		require.NoError(t, job.MarkAsCancelled(now))
		assert.Equal(t, StatusCancelled, job.Status)
		assert.NotNil(t, job.CompletedAt)
	}

	job := &WorkflowJob{ID: "job-1", Status: StatusCompleted}
	require.ErrorIs(t, job.MarkAsCancelled(now), ErrInvalidTransition)
}

func TestJobTree_Ordering(t *testing.T) {
	tree := &JobTree{
		Job: &WorkflowJob{ID: "job"},
		Items: []*JobWorkflowItem{
			{ID: "b", Sequence: 2},
			{ID: "a", Sequence: 1},
		},
		Tasks: []*JobTask{
			{ID: "a2", ItemID: "a", Sequence: 2},
			{ID: "b1", ItemID: "b", Sequence: 1},
			{ID: "a1", ItemID: "a", Sequence: 1},
		},
	}

	items := tree.OrderedItems()
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)

	tasks := tree.ItemTasks("a")
	require.Len(t, tasks, 2)
	assert.Equal(t, "a1", tasks[0].ID)
	assert.Equal(t, "a2", tasks[1].ID)

	_, ok := tree.Task("missing")
	assert.False(t, ok)
}

func TestJobTally(t *testing.T) {
	var tally JobTally

	for _, status := range []ExecutionStatus{StatusCompleted, StatusCompleted, StatusFailed, StatusCancelled, StatusRunning, StatusPending} {
		tally.Add(status)
	}

	assert.Equal(t, 6, tally.Total)
	assert.Equal(t, 2, tally.Active)
	assert.Equal(t, 4, tally.Processed())

	campaign := &Campaign{}
	campaign.ApplyTally(tally)
	assert.Equal(t, 4, campaign.RecordsProcessed)
	assert.Equal(t, 2, campaign.RecordsSuccess)
	assert.Equal(t, 1, campaign.RecordsFailed)
	assert.LessOrEqual(t, campaign.RecordsSuccess+campaign.RecordsFailed, campaign.RecordsProcessed)
}
