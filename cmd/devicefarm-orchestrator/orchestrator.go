package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/devicefarm/pkg/campaigns"
	"github.com/dukex/devicefarm/pkg/devices"
	"github.com/dukex/devicefarm/pkg/eventbus"
	"github.com/dukex/devicefarm/pkg/events"
	"github.com/dukex/devicefarm/pkg/jobs"
	"github.com/dukex/devicefarm/pkg/marketplace"
	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
)

// Orchestrator drives campaigns and marketplace jobs from bus events, with a
// periodic sweep catching up on anything the events missed.
type Orchestrator struct {
	id        string
	logger    *slog.Logger
	eventBus  eventbus.EventBus
	machine   *jobs.Machine
	registry  *devices.Registry
	campaigns *campaigns.Service
	market    *marketplace.Service
	scheduler *campaigns.Scheduler
	interval  time.Duration

	wg sync.WaitGroup
}

func NewOrchestrator(
	id string,
	eventBus eventbus.EventBus,
	machine *jobs.Machine,
	registry *devices.Registry,
	campaigns *campaigns.Service,
	market *marketplace.Service,
	scheduler *campaigns.Scheduler,
	interval time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	if interval <= 0 {
		interval = jobs.DefaultSweepInterval
	}

	return &Orchestrator{
		id:        id,
		logger:    logger.With("module", "devicefarm-orchestrator", "orchestrator_id", id),
		eventBus:  eventBus,
		machine:   machine,
		registry:  registry,
		campaigns: campaigns,
		market:    market,
		scheduler: scheduler,
		interval:  interval,
	}
}

// Start registers the event handlers, subscribes and launches the sweep loop
// and the campaign scheduler. They run until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.InfoContext(ctx, "Starting orchestrator", "sweep_interval", o.interval)

	handlers := map[events.EventType]eventbus.EventHandler{
		events.TaskOutcomeReportedEvent: o.handleTaskOutcome,
		events.JobStartedEvent:          o.handleJobStarted,
		events.JobTerminatedEvent:       o.handleJobTerminated,
		events.DeviceHeartbeatEvent:     o.handleHeartbeat,
	}

	for eventType, handler := range handlers {
		err := o.eventBus.Handle(eventType, handler)
		if err != nil {
			return err
		}
	}

	err := o.eventBus.Subscribe(ctx)
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	o.scheduler.Start(ctx)

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		o.sweepLoop(ctx)
	}()

	o.logger.InfoContext(ctx, "Orchestrator started successfully")

	return nil
}

// Wait blocks until ctx is cancelled and the background loops have exited.
func (o *Orchestrator) Wait(ctx context.Context) {
	<-ctx.Done()

	o.logger.Info("Shutting down orchestrator...")
	o.scheduler.Stop()
	o.wg.Wait()
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

// Sweep reaps timed out tasks, then ticks every active campaign.
func (o *Orchestrator) Sweep(ctx context.Context) {
	reaped, err := o.machine.ReapTimedOut(ctx)
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to reap timed out tasks", "error", err)
	} else if reaped.TimedOut > 0 || reaped.Redispatched > 0 {
		o.logger.InfoContext(ctx, "Reaped stale tasks", "timed_out", reaped.TimedOut, "redispatched", reaped.Redispatched)
	}

	scheduled, err := o.campaigns.TickActive(ctx)
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to tick active campaigns", "error", err)

		return
	}

	if scheduled > 0 {
		o.logger.DebugContext(ctx, "Sweep registered campaign jobs", "jobs", scheduled)
	}
}

func (o *Orchestrator) handleTaskOutcome(ctx context.Context, event any) error {
	outcome, ok := event.(*events.TaskOutcomeReported)
	if !ok {
		o.logger.ErrorContext(ctx, "Invalid event type for TaskOutcomeReported")

		return nil
	}

	if outcome.Attempt == nil {
		o.logger.WarnContext(ctx, "Dropping task outcome event without attempt", "task_id", outcome.TaskID, "status", outcome.Status)

		return nil
	}

	_, err := o.machine.ReportTaskOutcome(ctx, outcome.TaskID, jobs.Outcome{
		Status:    outcome.Status,
		Output:    outcome.Output,
		Error:     outcome.Error,
		Transient: outcome.Transient,
		Attempt:   *outcome.Attempt,
	})
	if err != nil {
		return o.settle(ctx, "task outcome", err, "task_id", outcome.TaskID, "status", outcome.Status)
	}

	return nil
}

func (o *Orchestrator) handleJobStarted(ctx context.Context, event any) error {
	started, ok := event.(*events.JobStarted)
	if !ok {
		o.logger.ErrorContext(ctx, "Invalid event type for JobStarted")

		return nil
	}

	if started.Origin.Kind != models.OriginTaskApplication {
		return nil
	}

	err := o.market.HandleJobStarted(ctx, started)
	if err != nil {
		return o.settle(ctx, "job start", err, "job_id", started.JobID)
	}

	return nil
}

func (o *Orchestrator) handleJobTerminated(ctx context.Context, event any) error {
	terminated, ok := event.(*events.JobTerminated)
	if !ok {
		o.logger.ErrorContext(ctx, "Invalid event type for JobTerminated")

		return nil
	}

	logger := o.logger.With("job_id", terminated.JobID, "origin", terminated.Origin.Kind, "status", terminated.Status)
	logger.InfoContext(ctx, "Processing job terminated event")

	var err error

	switch terminated.Origin.Kind {
	case models.OriginCampaign:
		err = o.campaigns.HandleJobTerminated(ctx, terminated)
	case models.OriginTaskApplication:
		err = o.market.HandleJobTerminated(ctx, terminated)
	default:
		logger.WarnContext(ctx, "Job of unknown origin terminated")
	}

	if err != nil {
		return o.settle(ctx, "job termination", err, "job_id", terminated.JobID)
	}

	return nil
}

func (o *Orchestrator) handleHeartbeat(ctx context.Context, event any) error {
	heartbeat, ok := event.(*events.DeviceHeartbeat)
	if !ok {
		o.logger.ErrorContext(ctx, "Invalid event type for DeviceHeartbeat")

		return nil
	}

	err := o.registry.Heartbeat(ctx, heartbeat.DeviceID)
	if err != nil {
		return o.settle(ctx, "heartbeat", err, "device_id", heartbeat.DeviceID)
	}

	return nil
}

// settle decides whether a failed event is redelivered. Errors that would
// fail again on every delivery are logged and dropped.
func (o *Orchestrator) settle(ctx context.Context, what string, err error, attrs ...any) error {
	attrs = append(attrs, "error", err)

	if isPermanent(err) {
		o.logger.WarnContext(ctx, "Dropping "+what+" event", attrs...)

		return nil
	}

	o.logger.ErrorContext(ctx, "Failed to process "+what+" event", attrs...)

	return err
}

func isPermanent(err error) bool {
	return persistence.IsNotFound(err) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, jobs.ErrInvalidOutcome) ||
		errors.Is(err, jobs.ErrTaskNotReady) ||
		jobs.IsNotRunnable(err)
}
