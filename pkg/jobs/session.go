package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/devicefarm/pkg/eventbus"
	"github.com/dukex/devicefarm/pkg/events"
	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/google/uuid"
)

// Effects collects the events produced by transitions inside a transaction.
// They are published by Machine.Flush once the transaction committed.
type Effects struct {
	events []keyedEvent
}

type keyedEvent struct {
	key   string
	event eventbus.Event
}

func (fx *Effects) add(key string, event eventbus.Event) {
	fx.events = append(fx.events, keyedEvent{key: key, event: event})
}

// Terminated returns the JobTerminated events collected so far.
func (fx *Effects) Terminated() []events.JobTerminated {
	var result []events.JobTerminated

	for _, e := range fx.events {
		if terminated, ok := e.event.(events.JobTerminated); ok {
			result = append(result, terminated)
		}
	}

	return result
}

// session applies transitions to one locked job tree.
type session struct {
	ctx  context.Context
	tx   persistence.Tx
	tree *models.JobTree
	now  time.Time
	fx   *Effects
	logs []*models.JobLog
}

func (s *session) job() *models.WorkflowJob {
	return s.tree.Job
}

func (s *session) log(level models.LogLevel, subject models.LogSubject, message string, context map[string]any) {
	s.logs = append(s.logs, &models.JobLog{
		JobID:     s.job().ID,
		Subject:   subject,
		Level:     level,
		Message:   message,
		Context:   context,
		CreatedAt: s.now,
	})
}

func jobSubject(job *models.WorkflowJob) models.LogSubject {
	return models.LogSubject{Kind: models.SubjectJob, ID: job.ID}
}

func itemSubject(item *models.JobWorkflowItem) models.LogSubject {
	return models.LogSubject{Kind: models.SubjectItem, ID: item.ID}
}

func taskSubject(task *models.JobTask) models.LogSubject {
	return models.LogSubject{Kind: models.SubjectTask, ID: task.ID}
}

// save writes the tree and the log entries of the session.
func (s *session) save() error {
	s.job().UpdatedAt = s.now

	err := s.tx.Jobs().SaveTree(s.ctx, s.tree)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", s.job().ID, err)
	}

	for _, entry := range s.logs {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate log id: %w", err)
		}

		entry.ID = id.String()

		err = s.tx.Logs().Append(s.ctx, entry)
		if err != nil {
			return fmt.Errorf("failed to append job log: %w", err)
		}
	}

	return nil
}

// contribution is what a task adds to its parents' counters. Condition
// placeholders count as done so progress can reach 100.
func contribution(task *models.JobTask) models.Contribution {
	if task.Placeholder {
		return models.ContributionSuccess
	}

	return models.StatusContribution(task.Status)
}

// settle moves the task's contribution on its item and job to match its status.
func (s *session) settle(task *models.JobTask) {
	next := contribution(task)
	if next == task.Contribution {
		return
	}

	if item, ok := s.tree.Item(task.ItemID); ok {
		item.Apply(task.Contribution, next)
	}

	s.job().Apply(task.Contribution, next)
	task.Contribution = next
}

// recount rebuilds every counter from the task statuses.
func (s *session) recount() {
	job := s.job()
	job.TaskCounters = models.TaskCounters{TotalTasks: len(s.tree.Tasks)}

	for _, item := range s.tree.Items {
		item.TaskCounters = models.TaskCounters{TotalTasks: len(s.tree.ItemTasks(item.ID))}
	}

	for _, task := range s.tree.Tasks {
		task.Contribution = models.ContributionNone
		s.settle(task)
	}
}

func (s *session) isActive() bool {
	status := s.job().Status

	return status == models.StatusQueued || status == models.StatusRunning
}

// advance walks the items in order, closing finished ones and releasing the
// next ready tasks. It completes the job once every item is done.
func (s *session) advance() error {
	if !s.isActive() {
		return nil
	}

	for _, item := range s.tree.OrderedItems() {
		switch item.Status {
		case models.StatusCompleted, models.StatusSkipped:
			continue
		case models.StatusFailed, models.StatusCancelled:
			return nil
		}

		tasks := s.tree.ItemTasks(item.ID)

		if !allTerminal(tasks) {
			return s.release(item, tasks)
		}

		if item.Status == models.StatusPending {
			err := item.MarkAsStarted(s.now)
			if err != nil {
				return err
			}
		}

		err := item.MarkAsCompleted(s.now)
		if err != nil {
			return err
		}

		s.log(models.LogLevelInfo, itemSubject(item), "flow completed", map[string]any{
			"flow_id":         item.FlowID,
			"completed_tasks": item.CompletedTasks,
			"total_tasks":     item.TotalTasks,
		})
	}

	return s.complete()
}

func allTerminal(tasks []*models.JobTask) bool {
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			return false
		}
	}

	return true
}

// release dispatches the tasks of item that may run now: the first
// unfinished task when sequential, every pending task when parallel.
func (s *session) release(item *models.JobWorkflowItem, tasks []*models.JobTask) error {
	parallel := item.IterationStrategy == models.IterationParallel

	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}

		if task.Status == models.StatusPending {
			err := s.dispatch(item, task, parallel)
			if err != nil {
				return err
			}
		}

		if !parallel {
			return nil
		}
	}

	return nil
}

func (s *session) dispatch(item *models.JobWorkflowItem, task *models.JobTask, parallel bool) error {
	err := task.MarkAsQueued(s.now)
	if err != nil {
		return err
	}

	s.fx.add(s.job().ID, s.dispatchEvent(task, parallel))
	s.log(models.LogLevelDebug, taskSubject(task), "task dispatched", map[string]any{
		"node_id":   task.NodeID,
		"sequence":  task.Sequence,
		"iteration": task.Iteration,
		"item_id":   item.ID,
	})

	return nil
}

func (s *session) dispatchEvent(task *models.JobTask, parallel bool) events.TaskDispatched {
	job := s.job()

	return events.TaskDispatched{
		BaseEvent:   events.NewBaseEvent(events.TaskDispatchedEvent, s.now),
		JobID:       job.ID,
		ItemID:      task.ItemID,
		TaskID:      task.ID,
		DeviceID:    job.DeviceID,
		NodeID:      task.NodeID,
		NodeType:    task.NodeType,
		Iteration:   task.Iteration,
		Sequence:    task.Sequence,
		Input:       task.Input,
		DelayBefore: task.DelayBefore,
		Attempt:     job.RetryCount,
		Parallel:    parallel,
	}
}

// start moves a queued task to running, starting its item and job on the way.
func (s *session) start(task *models.JobTask) error {
	job := s.job()

	err := task.MarkAsStarted(s.now)
	if err != nil {
		return err
	}

	item, ok := s.tree.Item(task.ItemID)
	if ok && item.Status == models.StatusPending {
		err = item.MarkAsStarted(s.now)
		if err != nil {
			return err
		}
	}

	if job.Status == models.StatusQueued {
		err = job.MarkAsStarted(s.now)
		if err != nil {
			return err
		}

		s.fx.add(job.ID, events.JobStarted{
			BaseEvent: events.NewBaseEvent(events.JobStartedEvent, s.now),
			JobID:     job.ID,
			Origin:    job.Origin,
			DeviceID:  job.DeviceID,
		})
		s.log(models.LogLevelInfo, jobSubject(job), "job started", map[string]any{"attempt": job.RetryCount})
	}

	s.log(models.LogLevelDebug, taskSubject(task), "task started", map[string]any{"node_id": task.NodeID})

	return nil
}

func (s *session) complete() error {
	job := s.job()

	if job.Status == models.StatusQueued {
		// every task was a placeholder
		err := job.MarkAsStarted(s.now)
		if err != nil {
			return err
		}
	}

	err := job.MarkAsCompleted(s.result(), s.now)
	if err != nil {
		return err
	}

	s.log(models.LogLevelInfo, jobSubject(job), "job completed", map[string]any{
		"completed_tasks": job.CompletedTasks,
		"total_tasks":     job.TotalTasks,
		"retry_count":     job.RetryCount,
	})

	return s.terminate()
}

// result collects the last output of every node, keyed by flow and node.
func (s *session) result() map[string]any {
	outputs := map[string]any{}

	for _, item := range s.tree.OrderedItems() {
		nodes := map[string]any{}

		for _, task := range s.tree.ItemTasks(item.ID) {
			if task.Output != nil {
				nodes[task.NodeID] = task.Output
			}
		}

		if len(nodes) > 0 {
			outputs[item.FlowID] = nodes
		}
	}

	return map[string]any{
		"outputs":         outputs,
		"completed_tasks": s.job().CompletedTasks,
	}
}

// fail closes the failed task's item and every later item, then fails the
// job. Transient failures are retried while the budget allows.
func (s *session) fail(task *models.JobTask, message string, transient bool) error {
	job := s.job()

	item, ok := s.tree.Item(task.ItemID)
	if ok {
		err := s.skipPending(item)
		if err != nil {
			return err
		}

		err = item.MarkAsFailed(s.now)
		if err != nil {
			return err
		}

		s.log(models.LogLevelError, itemSubject(item), "flow failed", map[string]any{"flow_id": item.FlowID, "task_id": task.ID})
	}

	for _, later := range s.tree.OrderedItems() {
		if later.Status != models.StatusPending {
			continue
		}

		err := s.skipPending(later)
		if err != nil {
			return err
		}

		err = later.MarkAsSkipped(s.now)
		if err != nil {
			return err
		}
	}

	err := job.MarkAsFailed(message, s.now)
	if err != nil {
		return err
	}

	if transient && job.CanRetry() {
		s.log(models.LogLevelWarning, jobSubject(job), "transient failure, retrying job", map[string]any{
			"error":       message,
			"retry_count": job.RetryCount + 1,
			"max_retries": job.MaxRetries,
		})

		return s.retry()
	}

	s.log(models.LogLevelError, jobSubject(job), "job failed", map[string]any{
		"error":       message,
		"retry_count": job.RetryCount,
		"transient":   transient,
	})

	return s.terminate()
}

func (s *session) skipPending(item *models.JobWorkflowItem) error {
	for _, task := range s.tree.ItemTasks(item.ID) {
		if task.Status != models.StatusPending && task.Status != models.StatusQueued {
			continue
		}

		err := task.MarkAsSkipped(s.now)
		if err != nil {
			return err
		}

		s.settle(task)
	}

	return nil
}

// retry resets a failed job and its children and dispatches it again.
func (s *session) retry() error {
	job := s.job()

	err := job.ResetForRetry(s.now)
	if err != nil {
		return err
	}

	for _, item := range s.tree.Items {
		item.Reset()
	}

	for _, task := range s.tree.Tasks {
		task.ResetForRetry()
	}

	s.recount()

	err = job.MarkAsQueued(s.now)
	if err != nil {
		return err
	}

	return s.advance()
}

// terminate releases the device and announces the terminal state.
func (s *session) terminate() error {
	job := s.job()

	err := s.tx.Leases().Release(s.ctx, job.DeviceID, job.ID)
	if err != nil {
		return fmt.Errorf("failed to release device %s: %w", job.DeviceID, err)
	}

	s.fx.add(job.ID, events.JobTerminated{
		BaseEvent:    events.NewBaseEvent(events.JobTerminatedEvent, s.now),
		JobID:        job.ID,
		Origin:       job.Origin,
		DeviceID:     job.DeviceID,
		RecordID:     job.RecordID,
		Status:       job.Status,
		RetryCount:   job.RetryCount,
		ErrorMessage: job.ErrorMessage,
	})

	return nil
}
