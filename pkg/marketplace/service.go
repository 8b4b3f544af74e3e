// Package marketplace runs the task marketplace: creators post reward-bearing
// tasks, device owners apply with a device, and accepted applications run as
// workflow jobs.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/devicefarm/pkg/events"
	"github.com/dukex/devicefarm/pkg/jobs"
	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/otelhelper"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/planner"
	"github.com/dukex/devicefarm/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrTaskClosed         = fmt.Errorf("%w: task is no longer open", services.ErrConflict)
	ErrNoOpenSlots        = fmt.Errorf("%w: task has no open slot", services.ErrConflict)
	ErrDeviceUnavailable  = fmt.Errorf("%w: device cannot take tasks", services.ErrConflict)
	ErrApplicationPending = fmt.Errorf("%w: application is not pending", services.ErrConflict)
)

// Service is the marketplace state machine.
type Service struct {
	persistence persistence.Persistence
	machine     *jobs.Machine
	validate    *validator.Validate
	logger      *slog.Logger
	tracer      trace.Tracer
	maxRetries  int
}

type Option func(*Service)

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) { s.tracer = tracer }
}

// WithMaxRetries sets the retry budget of the jobs of accepted applications.
func WithMaxRetries(retries int) Option {
	return func(s *Service) { s.maxRetries = max(retries, 0) }
}

func NewService(persistence persistence.Persistence, machine *jobs.Machine, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		persistence: persistence,
		machine:     machine,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "marketplace"),
		tracer:      otelhelper.NoopTracer(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}

	return id.String(), nil
}

// Post publishes a new open task.
func (s *Service) Post(ctx context.Context, task *models.MarketTask) (*models.MarketTask, error) {
	err := s.validate.Struct(task)
	if err != nil {
		return nil, services.NewValidationError("post_task", "INVALID_TASK", err.Error(), err)
	}

	task.ID, err = newID()
	if err != nil {
		return nil, err
	}

	task.Status = models.MarketTaskOpen
	task.AcceptedCount, task.CompletedCount, task.FailedCount = 0, 0, 0
	task.Version = 0

	err = s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		flow, err := tx.Flows().GetByID(ctx, task.FlowID)
		if err != nil {
			if persistence.IsNotFound(err) {
				return services.NewValidationError("post_task", "UNKNOWN_FLOW", err.Error(), err)
			}

			return err
		}

		_, err = planner.Order(flow)
		if err != nil {
			return services.NewValidationError("post_task", "INVALID_FLOW", err.Error(), err)
		}

		return tx.Market().SaveTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "task posted", "task_id", task.ID, "flow_id", task.FlowID, "slots", task.Slots)

	return task, nil
}

// Apply files a pending application of a device for a task.
func (s *Service) Apply(ctx context.Context, app *models.TaskApplication) (*models.TaskApplication, error) {
	err := s.validate.Struct(app)
	if err != nil {
		return nil, services.NewValidationError("apply", "INVALID_APPLICATION", err.Error(), err)
	}

	app.ID, err = newID()
	if err != nil {
		return nil, err
	}

	app.Status = models.ApplicationPending
	app.JobID = ""

	err = s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		task, err := tx.Market().Task(ctx, app.TaskID)
		if err != nil {
			return err
		}

		if task.Status == models.MarketTaskCompleted {
			return fmt.Errorf("%w: task %s is %s", ErrTaskClosed, task.ID, task.Status)
		}

		device, err := tx.Devices().GetByID(ctx, app.DeviceID)
		if err != nil {
			if persistence.IsNotFound(err) {
				return services.NewValidationError("apply", "UNKNOWN_DEVICE", err.Error(), err)
			}

			return err
		}

		if device.Status != models.DeviceStatusActive {
			return fmt.Errorf("%w: device %s is %s", ErrDeviceUnavailable, device.ID, device.Status)
		}

		err = tx.Market().SaveApplication(ctx, app)
		if errors.Is(err, persistence.ErrApplicationExists) {
			return services.NewConflictError("apply", "ALREADY_APPLIED", "device already applied to this task", err)
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "application filed", "application_id", app.ID, "task_id", app.TaskID, "device_id", app.DeviceID)

	return app, nil
}

// Accept takes a pending application and spins up its job on the
// applicant's device.
func (s *Service) Accept(ctx context.Context, applicationID string) (*models.TaskApplication, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "marketplace.accept", attribute.String(otelhelper.ApplicationIDKey, applicationID))
	defer span.End()

	fx := &jobs.Effects{}

	app, err := s.decide(ctx, applicationID, func(ctx context.Context, tx persistence.Tx, task *models.MarketTask, app *models.TaskApplication) error {
		if task.Status == models.MarketTaskCompleted {
			return fmt.Errorf("%w: task %s is %s", ErrTaskClosed, task.ID, task.Status)
		}

		if task.OpenSlots() == 0 {
			return fmt.Errorf("%w: task %s", ErrNoOpenSlots, task.ID)
		}

		flow, err := tx.Flows().GetByID(ctx, task.FlowID)
		if err != nil {
			return fmt.Errorf("failed to load flow of task %s: %w", task.ID, err)
		}

		err = app.MoveTo(models.ApplicationAccepted, s.machine.Now())
		if err != nil {
			return err
		}

		job := &models.WorkflowJob{
			Origin:     app.Origin(),
			DeviceID:   app.DeviceID,
			MaxRetries: s.maxRetries,
			Config:     map[string]any{"market_task_id": task.ID, "reward": task.Reward},
		}

		tree, err := planner.Build(job, []planner.Step{{
			Flow:   flow,
			Config: models.CampaignFlow{FlowID: flow.ID, Sequence: 1},
			Input: planner.Input{
				Record: task.Payload,
				Job:    map[string]any{"market_task_id": task.ID, "application_id": app.ID, "device_id": app.DeviceID},
			},
		}})
		if err != nil {
			return err
		}

		err = s.machine.RegisterTx(ctx, tx, tree, fx)
		if err != nil {
			return err
		}

		app.JobID = job.ID

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	s.machine.Flush(ctx, fx)
	s.logger.InfoContext(ctx, "application accepted", "application_id", app.ID, "job_id", app.JobID)

	return app, nil
}

// Reject declines a pending application.
func (s *Service) Reject(ctx context.Context, applicationID, note string) (*models.TaskApplication, error) {
	return s.decide(ctx, applicationID, func(_ context.Context, _ persistence.Tx, _ *models.MarketTask, app *models.TaskApplication) error {
		err := app.MoveTo(models.ApplicationRejected, s.machine.Now())
		if err != nil {
			return err
		}

		app.Note = note

		return nil
	})
}

// decide runs fn on a pending application under the lock of its task.
func (s *Service) decide(
	ctx context.Context,
	applicationID string,
	fn func(ctx context.Context, tx persistence.Tx, task *models.MarketTask, app *models.TaskApplication) error,
) (*models.TaskApplication, error) {
	var result *models.TaskApplication

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		app, err := tx.Market().Application(ctx, applicationID)
		if err != nil {
			return err
		}

		task, err := tx.Market().TaskForUpdate(ctx, app.TaskID)
		if err != nil {
			return err
		}

		if app.Status != models.ApplicationPending {
			return fmt.Errorf("%w: application %s is %s", ErrApplicationPending, app.ID, app.Status)
		}

		err = fn(ctx, tx, task, app)
		if err != nil {
			return err
		}

		err = tx.Market().SaveApplication(ctx, app)
		if err != nil {
			return err
		}

		result = app

		return s.syncStatus(ctx, tx, task)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// HandleJobStarted moves the application of a started job to running.
func (s *Service) HandleJobStarted(ctx context.Context, event *events.JobStarted) error {
	if event.Origin.Kind != models.OriginTaskApplication {
		return nil
	}

	return s.follow(ctx, event.Origin.ID, func(app *models.TaskApplication) error {
		if app.Status != models.ApplicationAccepted {
			return nil
		}

		return app.MoveTo(models.ApplicationRunning, s.machine.Now())
	})
}

// HandleJobTerminated settles the application of a terminated job.
func (s *Service) HandleJobTerminated(ctx context.Context, event *events.JobTerminated) error {
	if event.Origin.Kind != models.OriginTaskApplication {
		return nil
	}

	return s.follow(ctx, event.Origin.ID, func(app *models.TaskApplication) error {
		if app.Status.IsTerminal() {
			return nil
		}

		now := s.machine.Now()

		if event.Status != models.StatusCompleted {
			app.Note = event.ErrorMessage

			return app.MoveTo(models.ApplicationFailed, now)
		}

		// the start event may arrive late or never
		if app.Status == models.ApplicationAccepted {
			err := app.MoveTo(models.ApplicationRunning, now)
			if err != nil {
				return err
			}
		}

		return app.MoveTo(models.ApplicationCompleted, now)
	})
}

func (s *Service) follow(ctx context.Context, applicationID string, fn func(app *models.TaskApplication) error) error {
	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		app, err := tx.Market().Application(ctx, applicationID)
		if err != nil {
			return err
		}

		task, err := tx.Market().TaskForUpdate(ctx, app.TaskID)
		if err != nil {
			return err
		}

		status := app.Status

		err = fn(app)
		if err != nil {
			return err
		}

		if app.Status == status {
			return nil
		}

		err = tx.Market().SaveApplication(ctx, app)
		if err != nil {
			return err
		}

		s.logger.InfoContext(ctx, "application moved", "application_id", app.ID, "from", status, "to", app.Status)

		return s.syncStatus(ctx, tx, task)
	})
	if persistence.IsNotFound(err) {
		s.logger.WarnContext(ctx, "job event for unknown application", "application_id", applicationID)

		return nil
	}

	return err
}

// syncStatus recounts the task from its applications. The caller holds the
// task lock; the version check still refuses a concurrent writer.
func (s *Service) syncStatus(ctx context.Context, tx persistence.Tx, task *models.MarketTask) error {
	apps, err := tx.Market().ApplicationsByTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to list applications of task %s: %w", task.ID, err)
	}

	if !task.SyncStatus(apps, s.machine.Now()) {
		return nil
	}

	err = tx.Market().SaveTask(ctx, task)
	if err != nil {
		if persistence.IsStaleVersion(err) {
			return services.NewConflictError("sync_task_status", "STALE_TASK", "task changed concurrently", err)
		}

		return err
	}

	return nil
}

// Task returns a marketplace task.
func (s *Service) Task(ctx context.Context, taskID string) (*models.MarketTask, error) {
	var task *models.MarketTask

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		task, err = tx.Market().Task(ctx, taskID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return task, nil
}

// Applications returns the applications of a task.
func (s *Service) Applications(ctx context.Context, taskID string) ([]*models.TaskApplication, error) {
	var apps []*models.TaskApplication

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		_, err := tx.Market().Task(ctx, taskID)
		if err != nil {
			return err
		}

		apps, err = tx.Market().ApplicationsByTask(ctx, taskID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return apps, nil
}
