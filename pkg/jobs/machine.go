// Package jobs owns the lifecycle of workflow jobs, their items and tasks.
//
// Every operation loads the job tree under a row lock, applies the
// transition and its propagation to the parent counters, and saves the tree
// in the same transaction. Events produced by a transition are published
// after the transaction commits.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/devicefarm/pkg/devices"
	"github.com/dukex/devicefarm/pkg/eventbus"
	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/otelhelper"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/services"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrJobNotRunnable = fmt.Errorf("%w: job is not runnable", services.ErrConflict)
	ErrTaskNotReady   = fmt.Errorf("%w: task is not ready to start", services.ErrConflict)
	ErrNotRetryable   = fmt.Errorf("%w: job cannot be retried", services.ErrConflict)
	ErrDeviceBusy     = fmt.Errorf("%w: device is engaged by another job", services.ErrConflict)
	ErrInvalidOutcome = fmt.Errorf("%w: outcome status must be completed or failed", services.ErrInvalidRequest)
	ErrInvalidJob     = fmt.Errorf("%w: invalid job", services.ErrInvalidRequest)
)

const (
	// DefaultTaskTimeout bounds how long a task may run before it is failed.
	DefaultTaskTimeout = 170 * time.Second

	// DefaultQueueTimeout is how long a dispatched task may wait to be
	// started before it is dispatched again.
	DefaultQueueTimeout = 60 * time.Second

	// DefaultSweepInterval is the period of the timeout reaper.
	DefaultSweepInterval = 10 * time.Second
)

// Outcome is the result of a task execution reported by a device agent.
type Outcome struct {
	Status    models.ExecutionStatus
	Output    map[string]any
	Error     string
	Transient bool
	// Attempt is the job retry count the agent executed under, taken from the
	// TaskDispatched event. Reports for another attempt are ignored.
	Attempt int
}

// Machine is the job state machine.
type Machine struct {
	persistence  persistence.Persistence
	publisher    eventbus.EventPublisher
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
	taskTimeout  time.Duration
	queueTimeout time.Duration
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Machine) { m.tracer = tracer }
}

func WithTimeouts(task, queue time.Duration) Option {
	return func(m *Machine) {
		if task > 0 {
			m.taskTimeout = task
		}

		if queue > 0 {
			m.queueTimeout = queue
		}
	}
}

func NewMachine(persistence persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger, opts ...Option) *Machine {
	m := &Machine{
		persistence:  persistence,
		publisher:    publisher,
		logger:       logger.With("module", "job_machine"),
		tracer:       otelhelper.NoopTracer(),
		now:          func() time.Time { return time.Now().UTC() },
		taskTimeout:  DefaultTaskTimeout,
		queueTimeout: DefaultQueueTimeout,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Now returns the machine clock, shared with the callers registering jobs.
func (m *Machine) Now() time.Time {
	return m.now()
}

// Flush publishes the events collected by committed transitions. Publish
// failures are logged: lost dispatches are repeated by the reaper and lost
// terminations are caught up by the orchestrator's periodic tick.
func (m *Machine) Flush(ctx context.Context, fx *Effects) {
	for _, e := range fx.events {
		err := m.publisher.Publish(ctx, e.key, e.event)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to publish event", "event_type", e.event.GetType(), "key", e.key, "error", err)
		}
	}

	fx.events = nil
}

// Register validates a planned job tree, leases its device and queues it.
func (m *Machine) Register(ctx context.Context, tree *models.JobTree) error {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "jobs.register", attribute.String(otelhelper.DeviceIDKey, tree.Job.DeviceID))
	defer span.End()

	fx := &Effects{}

	err := m.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		return m.RegisterTx(ctx, tx, tree, fx)
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	m.Flush(ctx, fx)

	return nil
}

// RegisterTx is Register inside a transaction owned by the caller, who
// flushes fx after commit.
func (m *Machine) RegisterTx(ctx context.Context, tx persistence.Tx, tree *models.JobTree, fx *Effects) error {
	job := tree.Job

	err := validateTree(tree)
	if err != nil {
		return err
	}

	now := m.now()
	s := &session{ctx: ctx, tx: tx, tree: tree, now: now, fx: fx}

	job.Status = models.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	err = devices.Lease(ctx, tx, job.DeviceID, job.ID, now)
	if err != nil {
		if persistence.IsDeviceLeased(err) {
			return fmt.Errorf("%w: %w", ErrDeviceBusy, err)
		}

		return err
	}

	s.recount()

	err = job.MarkAsQueued(now)
	if err != nil {
		return err
	}

	s.log(models.LogLevelInfo, jobSubject(job), "job registered", map[string]any{
		"origin_kind": job.Origin.Kind,
		"origin_id":   job.Origin.ID,
		"device_id":   job.DeviceID,
		"record_id":   job.RecordID,
		"total_tasks": job.TotalTasks,
	})

	err = s.advance()
	if err != nil {
		return err
	}

	return s.save()
}

func validateTree(tree *models.JobTree) error {
	job := tree.Job

	switch {
	case job == nil || job.ID == "":
		return fmt.Errorf("%w: job id is required", ErrInvalidJob)
	case job.DeviceID == "":
		return fmt.Errorf("%w: device is required", ErrInvalidJob)
	case job.Origin.Kind != models.OriginCampaign && job.Origin.Kind != models.OriginTaskApplication:
		return fmt.Errorf("%w: unknown origin %q", ErrInvalidJob, job.Origin.Kind)
	case len(tree.Items) == 0:
		return fmt.Errorf("%w: job has no flows", ErrInvalidJob)
	case job.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidJob)
	}

	for _, task := range tree.Tasks {
		if _, ok := tree.Item(task.ItemID); !ok || task.JobID != job.ID {
			return fmt.Errorf("%w: task %s is detached from the job", ErrInvalidJob, task.ID)
		}
	}

	return nil
}

// update runs fn on the locked tree of jobID and saves the result.
func (m *Machine) update(ctx context.Context, tx persistence.Tx, jobID string, fx *Effects, fn func(s *session) error) error {
	tree, err := tx.Jobs().TreeForUpdate(ctx, jobID)
	if err != nil {
		return err
	}

	s := &session{ctx: ctx, tx: tx, tree: tree, now: m.now(), fx: fx}

	err = fn(s)
	if err != nil {
		return err
	}

	return s.save()
}

// updateByTask is update for the job owning taskID.
func (m *Machine) updateByTask(ctx context.Context, taskID string, fn func(s *session, task *models.JobTask) error) (*models.JobTask, error) {
	fx := &Effects{}

	var result models.JobTask

	err := m.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		jobID, err := tx.Jobs().JobIDByTask(ctx, taskID)
		if err != nil {
			return err
		}

		return m.update(ctx, tx, jobID, fx, func(s *session) error {
			task, ok := s.tree.Task(taskID)
			if !ok {
				return persistence.NewEntityError("GetByID", "job task", taskID, persistence.ErrTaskNotFound)
			}

			err := fn(s, task)
			if err != nil {
				return err
			}

			result = *task

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	m.Flush(ctx, fx)

	return &result, nil
}

// StartTask is the check-before-start call of the device agent. It refuses
// tasks of jobs that are no longer runnable and tasks that were not dispatched.
func (m *Machine) StartTask(ctx context.Context, taskID string) (*models.JobTask, error) {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "jobs.start_task", attribute.String(otelhelper.TaskIDKey, taskID))
	defer span.End()

	task, err := m.updateByTask(ctx, taskID, func(s *session, task *models.JobTask) error {
		if !s.isActive() {
			return fmt.Errorf("%w: job %s is %s", ErrJobNotRunnable, s.job().ID, s.job().Status)
		}

		if task.Status != models.StatusQueued {
			return fmt.Errorf("%w: task %s is %s", ErrTaskNotReady, task.ID, task.Status)
		}

		return s.start(task)
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return task, nil
}

// ReportTaskOutcome records the result of a task and propagates it. Repeated
// reports of the same terminal status are no-ops.
func (m *Machine) ReportTaskOutcome(ctx context.Context, taskID string, outcome Outcome) (*models.JobTask, error) {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "jobs.report_task_outcome",
		attribute.String(otelhelper.TaskIDKey, taskID),
		attribute.String(otelhelper.TaskStatusKey, string(outcome.Status)),
	)
	defer span.End()

	if outcome.Status != models.StatusCompleted && outcome.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidOutcome, outcome.Status)
	}

	task, err := m.updateByTask(ctx, taskID, func(s *session, task *models.JobTask) error {
		return m.applyOutcome(s, task, outcome)
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return task, nil
}

func (m *Machine) applyOutcome(s *session, task *models.JobTask, outcome Outcome) error {
	job := s.job()

	if outcome.Attempt != job.RetryCount {
		s.log(models.LogLevelWarning, taskSubject(task), "ignored outcome of another attempt", map[string]any{
			"attempt": outcome.Attempt,
			"current": job.RetryCount,
		})

		return nil
	}

	if task.Status.IsTerminal() {
		if task.Status == outcome.Status {
			return nil
		}

		return &models.TransitionError{Entity: "task", ID: task.ID, From: task.Status, To: outcome.Status}
	}

	if task.Status == models.StatusQueued && s.isActive() {
		err := s.start(task)
		if err != nil {
			return err
		}
	}

	if task.Status != models.StatusRunning {
		return fmt.Errorf("%w: task %s is %s", ErrTaskNotReady, task.ID, task.Status)
	}

	var err error
	if outcome.Status == models.StatusCompleted {
		err = task.MarkAsCompleted(outcome.Output, s.now)
	} else {
		err = task.MarkAsFailed(outcome.Error, outcome.Output, s.now)
	}

	if err != nil {
		return err
	}

	s.settle(task)

	level := models.LogLevelInfo
	if outcome.Status == models.StatusFailed {
		level = models.LogLevelError
	}

	s.log(level, taskSubject(task), "task "+string(outcome.Status), map[string]any{
		"node_id":     task.NodeID,
		"duration_ms": task.DurationMs,
		"error":       outcome.Error,
		"transient":   outcome.Transient,
	})

	// a job that was cancelled or already failed only records late outcomes
	if !s.isActive() {
		return nil
	}

	if outcome.Status == models.StatusFailed {
		message := outcome.Error
		if message == "" {
			message = fmt.Sprintf("task %s failed", task.NodeID)
		}

		return s.fail(task, message, outcome.Transient)
	}

	return s.advance()
}

// CancelJob stops a job. Tasks that have not started are skipped, running
// tasks are left for the agent to halt cooperatively.
func (m *Machine) CancelJob(ctx context.Context, jobID, note string) (*models.WorkflowJob, error) {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "jobs.cancel", attribute.String(otelhelper.JobIDKey, jobID))
	defer span.End()

	job, err := m.updateJob(ctx, jobID, func(s *session) error {
		return cancel(s, note)
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return job, nil
}

// CancelJobTx cancels a job inside a transaction owned by the caller.
func (m *Machine) CancelJobTx(ctx context.Context, tx persistence.Tx, jobID, note string, fx *Effects) error {
	return m.update(ctx, tx, jobID, fx, func(s *session) error {
		return cancel(s, note)
	})
}

func cancel(s *session, note string) error {
	job := s.job()

	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobNotRunnable, job.ID, job.Status)
	}

	running := 0

	for _, item := range s.tree.Items {
		var err error

		switch item.Status {
		case models.StatusPending, models.StatusQueued:
			err = item.MarkAsSkipped(s.now)
		case models.StatusRunning:
			err = item.MarkAsCancelled(s.now)
		}

		if err != nil {
			return err
		}
	}

	for _, task := range s.tree.Tasks {
		switch task.Status {
		case models.StatusPending, models.StatusQueued:
			err := task.MarkAsSkipped(s.now)
			if err != nil {
				return err
			}

			s.settle(task)
		case models.StatusRunning:
			running++
		}
	}

	err := job.MarkAsCancelled(s.now)
	if err != nil {
		return err
	}

	job.AdminNote = note

	s.log(models.LogLevelWarning, jobSubject(job), "job cancelled", map[string]any{
		"note":          note,
		"running_tasks": running,
	})

	return s.terminate()
}

// RetryJobTx re-runs a failed job that still has retry budget, inside a
// transaction owned by the caller. Callers gate the retry against the
// origin of the job; marketplace jobs are never retried manually because
// their application is closed once the job fails.
func (m *Machine) RetryJobTx(ctx context.Context, tx persistence.Tx, jobID string, fx *Effects) (*models.WorkflowJob, error) {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "jobs.retry", attribute.String(otelhelper.JobIDKey, jobID))
	defer span.End()

	var result models.WorkflowJob

	err := m.update(ctx, tx, jobID, fx, func(s *session) error {
		job := s.job()

		if job.Origin.Kind == models.OriginTaskApplication {
			return fmt.Errorf("%w: job %s belongs to task application %s", ErrNotRetryable, job.ID, job.Origin.ID)
		}

		if !job.CanRetry() {
			return fmt.Errorf("%w: job %s is %s with %d of %d retries used",
				ErrNotRetryable, job.ID, job.Status, job.RetryCount, job.MaxRetries)
		}

		err := devices.Lease(s.ctx, s.tx, job.DeviceID, job.ID, s.now)
		if err != nil {
			if persistence.IsDeviceLeased(err) {
				return fmt.Errorf("%w: %w", ErrDeviceBusy, err)
			}

			return err
		}

		s.log(models.LogLevelInfo, jobSubject(job), "job retry requested", map[string]any{"retry_count": job.RetryCount + 1})

		err = s.retry()
		if err != nil {
			return err
		}

		result = *job

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return &result, nil
}

func (m *Machine) updateJob(ctx context.Context, jobID string, fn func(s *session) error) (*models.WorkflowJob, error) {
	fx := &Effects{}

	var result models.WorkflowJob

	err := m.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		return m.update(ctx, tx, jobID, fx, func(s *session) error {
			err := fn(s)
			if err != nil {
				return err
			}

			result = *s.job()

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	m.Flush(ctx, fx)

	return &result, nil
}

// Job returns a job without its children.
func (m *Machine) Job(ctx context.Context, jobID string) (*models.WorkflowJob, error) {
	var job *models.WorkflowJob

	err := m.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		job, err = tx.Jobs().Job(ctx, jobID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

// Tree returns a job with its items and tasks.
func (m *Machine) Tree(ctx context.Context, jobID string) (*models.JobTree, error) {
	var tree *models.JobTree

	err := m.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		tree, err = tx.Jobs().Tree(ctx, jobID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return tree, nil
}

// Logs returns up to limit log entries of a job, oldest first.
func (m *Machine) Logs(ctx context.Context, jobID string, limit int) ([]*models.JobLog, error) {
	var logs []*models.JobLog

	err := m.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		_, err := tx.Jobs().Job(ctx, jobID)
		if err != nil {
			return err
		}

		logs, err = tx.Logs().ListByJob(ctx, jobID, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return logs, nil
}

// IsNotRunnable reports whether err refused work on a finished job.
func IsNotRunnable(err error) bool {
	return errors.Is(err, ErrJobNotRunnable)
}
