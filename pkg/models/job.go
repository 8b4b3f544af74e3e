package models

import (
	"errors"
	"slices"
	"time"
)

// ErrRetryExhausted is returned when a failed job has used its retry budget.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// OriginKind enumerates the entities that can create a job.
type OriginKind string

const (
	OriginCampaign        OriginKind = "campaign"
	OriginTaskApplication OriginKind = "task_application"
)

// JobOrigin is a typed reference to the entity that created a job.
type JobOrigin struct {
	Kind OriginKind `json:"kind" validate:"required,oneof=campaign task_application"`
	ID   string     `json:"id"   validate:"required"`
}

// WorkflowJob is one execution unit, bound to a single device and record.
type WorkflowJob struct {
	ID           string          `json:"id"`
	Origin       JobOrigin       `json:"origin"`
	DeviceID     string          `json:"device_id"`
	RecordID     string          `json:"record_id,omitempty"`
	Status       ExecutionStatus `json:"status"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	Config       map[string]any  `json:"config,omitempty"`
	Result       map[string]any  `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	AdminNote    string          `json:"admin_note,omitempty"`

	TaskCounters

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MarkAsStarted moves a pending or queued job to running.
func (j *WorkflowJob) MarkAsStarted(now time.Time) error {
	if j.Status != StatusPending && j.Status != StatusQueued {
		return &TransitionError{Entity: "job", ID: j.ID, From: j.Status, To: StatusRunning}
	}

	j.Status = StatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now

	return nil
}

// MarkAsQueued moves a pending job to queued.
func (j *WorkflowJob) MarkAsQueued(now time.Time) error {
	if j.Status != StatusPending {
		return &TransitionError{Entity: "job", ID: j.ID, From: j.Status, To: StatusQueued}
	}

	j.Status = StatusQueued
	j.UpdatedAt = now

	return nil
}

// MarkAsCompleted moves a running job to completed.
func (j *WorkflowJob) MarkAsCompleted(result map[string]any, now time.Time) error {
	err := transition("job", j.ID, &j.Status, StatusCompleted)
	if err != nil {
		return err
	}

	j.Result = result
	j.CompletedAt = &now
	j.UpdatedAt = now

	return nil
}

// MarkAsFailed moves a running job to failed.
func (j *WorkflowJob) MarkAsFailed(message string, now time.Time) error {
	err := transition("job", j.ID, &j.Status, StatusFailed)
	if err != nil {
		return err
	}

	j.ErrorMessage = message
	j.CompletedAt = &now
	j.UpdatedAt = now

	return nil
}

// MarkAsCancelled moves a pending, queued or running job to cancelled.
func (j *WorkflowJob) MarkAsCancelled(now time.Time) error {
	err := transition("job", j.ID, &j.Status, StatusCancelled)
	if err != nil {
		return err
	}

	j.CompletedAt = &now
	j.UpdatedAt = now

	return nil
}

// CanRetry is true iff the job failed and has retry budget left.
func (j *WorkflowJob) CanRetry() bool {
	return j.Status == StatusFailed && j.RetryCount < j.MaxRetries
}

// ResetForRetry returns a failed job to pending for another attempt.
func (j *WorkflowJob) ResetForRetry(now time.Time) error {
	if j.Status != StatusFailed {
		return &TransitionError{Entity: "job", ID: j.ID, From: j.Status, To: StatusPending}
	}

	if !j.CanRetry() {
		return ErrRetryExhausted
	}

	j.Status = StatusPending
	j.RetryCount++
	j.ErrorMessage = ""
	j.Result = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = now

	return nil
}

// Progress returns the job completion percentage.
func (j *WorkflowJob) Progress() int {
	return j.TaskCounters.Progress()
}

// JobWorkflowItem is the execution of one flow within a job.
type JobWorkflowItem struct {
	ID                string            `json:"id"`
	JobID             string            `json:"job_id"`
	FlowID            string            `json:"flow_id"`
	Sequence          int               `json:"sequence"`
	IterationStrategy IterationStrategy `json:"iteration_strategy"`
	Status            ExecutionStatus   `json:"status"`

	TaskCounters

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// MarkAsStarted moves a pending item to running.
func (i *JobWorkflowItem) MarkAsStarted(now time.Time) error {
	if i.Status != StatusPending && i.Status != StatusQueued {
		return &TransitionError{Entity: "item", ID: i.ID, From: i.Status, To: StatusRunning}
	}

	i.Status = StatusRunning
	i.StartedAt = &now

	return nil
}

// MarkAsCompleted moves a running item to completed.
func (i *JobWorkflowItem) MarkAsCompleted(now time.Time) error {
	err := transition("item", i.ID, &i.Status, StatusCompleted)
	if err != nil {
		return err
	}

	i.CompletedAt = &now

	return nil
}

// MarkAsFailed moves a running item to failed.
func (i *JobWorkflowItem) MarkAsFailed(now time.Time) error {
	err := transition("item", i.ID, &i.Status, StatusFailed)
	if err != nil {
		return err
	}

	i.CompletedAt = &now

	return nil
}

// MarkAsCancelled moves a non-terminal item to cancelled.
func (i *JobWorkflowItem) MarkAsCancelled(now time.Time) error {
	err := transition("item", i.ID, &i.Status, StatusCancelled)
	if err != nil {
		return err
	}

	i.CompletedAt = &now

	return nil
}

// MarkAsSkipped marks an item that never started as skipped.
func (i *JobWorkflowItem) MarkAsSkipped(now time.Time) error {
	err := transition("item", i.ID, &i.Status, StatusSkipped)
	if err != nil {
		return err
	}

	i.CompletedAt = &now

	return nil
}

// Reset returns the item to pending with no task contributions.
func (i *JobWorkflowItem) Reset() {
	i.Status = StatusPending
	i.CompletedTasks = 0
	i.FailedTasks = 0
	i.StartedAt = nil
	i.CompletedAt = nil
}

// JobTask executes one flow node iteration.
type JobTask struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	ItemID       string          `json:"item_id"`
	NodeID       string          `json:"node_id"`
	NodeType     string          `json:"node_type"`
	Iteration    int             `json:"iteration"`
	Sequence     int             `json:"sequence"`
	Status       ExecutionStatus `json:"status"`
	Placeholder  bool            `json:"placeholder,omitempty"` // planned as skipped by a condition
	Input        map[string]any  `json:"input,omitempty"`
	Output       map[string]any  `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	DelayBefore  time.Duration   `json:"delay_before"`
	Contribution Contribution    `json:"contribution,omitempty"`
	QueuedAt     *time.Time      `json:"queued_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// MarkAsQueued records that the task was handed to the executor.
func (t *JobTask) MarkAsQueued(now time.Time) error {
	err := transition("task", t.ID, &t.Status, StatusQueued)
	if err != nil {
		return err
	}

	t.QueuedAt = &now

	return nil
}

// MarkAsStarted moves a pending or queued task to running.
func (t *JobTask) MarkAsStarted(now time.Time) error {
	if t.Status != StatusPending && t.Status != StatusQueued {
		return &TransitionError{Entity: "task", ID: t.ID, From: t.Status, To: StatusRunning}
	}

	t.Status = StatusRunning
	t.StartedAt = &now

	return nil
}

// MarkAsCompleted moves a running task to completed.
func (t *JobTask) MarkAsCompleted(output map[string]any, now time.Time) error {
	err := transition("task", t.ID, &t.Status, StatusCompleted)
	if err != nil {
		return err
	}

	t.Output = output
	t.finish(now)

	return nil
}

// MarkAsFailed moves a running task to failed.
func (t *JobTask) MarkAsFailed(message string, output map[string]any, now time.Time) error {
	err := transition("task", t.ID, &t.Status, StatusFailed)
	if err != nil {
		return err
	}

	t.ErrorMessage = message
	t.Output = output
	t.finish(now)

	return nil
}

// MarkAsSkipped marks a task that has not started as skipped.
func (t *JobTask) MarkAsSkipped(now time.Time) error {
	err := transition("task", t.ID, &t.Status, StatusSkipped)
	if err != nil {
		return err
	}

	t.CompletedAt = &now

	return nil
}

// ResetForRetry returns the task to pending, discarding any in-flight attempt.
// Condition placeholders keep their planned state.
func (t *JobTask) ResetForRetry() {
	if t.Placeholder {
		return
	}

	t.Status = StatusPending
	t.Output = nil
	t.ErrorMessage = ""
	t.DurationMs = 0
	t.QueuedAt = nil
	t.StartedAt = nil
	t.CompletedAt = nil
}

func (t *JobTask) finish(now time.Time) {
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.DurationMs = now.Sub(*t.StartedAt).Milliseconds()
	}
}

// JobTree is a job with its items and tasks, loaded and saved as one unit.
type JobTree struct {
	Job   *WorkflowJob       `json:"job"`
	Items []*JobWorkflowItem `json:"items"`
	Tasks []*JobTask         `json:"tasks"`
}

// Item returns the item with the given ID.
func (t *JobTree) Item(id string) (*JobWorkflowItem, bool) {
	for _, item := range t.Items {
		if item.ID == id {
			return item, true
		}
	}

	return nil, false
}

// Task returns the task with the given ID.
func (t *JobTree) Task(id string) (*JobTask, bool) {
	for _, task := range t.Tasks {
		if task.ID == id {
			return task, true
		}
	}

	return nil, false
}

// ItemTasks returns the tasks of an item in sequence order.
func (t *JobTree) ItemTasks(itemID string) []*JobTask {
	var tasks []*JobTask

	for _, task := range t.Tasks {
		if task.ItemID == itemID {
			tasks = append(tasks, task)
		}
	}

	slices.SortFunc(tasks, func(a, b *JobTask) int { return a.Sequence - b.Sequence })

	return tasks
}

// OrderedItems returns the items in sequence order.
func (t *JobTree) OrderedItems() []*JobWorkflowItem {
	items := slices.Clone(t.Items)
	slices.SortFunc(items, func(a, b *JobWorkflowItem) int { return a.Sequence - b.Sequence })

	return items
}

// JobTally summarizes the jobs of one origin by status.
type JobTally struct {
	Total     int `json:"total"`
	Active    int `json:"active"` // pending, queued or running
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Processed counts jobs that reached a terminal state.
func (t JobTally) Processed() int {
	return t.Completed + t.Failed + t.Cancelled
}

// Add counts one job status.
func (t *JobTally) Add(status ExecutionStatus) {
	t.Total++

	switch status {
	case StatusCompleted:
		t.Completed++
	case StatusFailed:
		t.Failed++
	case StatusCancelled:
		t.Cancelled++
	default:
		t.Active++
	}
}
