// Package campaigns drives campaigns: it turns records and devices into
// workflow jobs and keeps the campaign counters in sync with their outcomes.
package campaigns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dukex/devicefarm/pkg/devices"
	"github.com/dukex/devicefarm/pkg/eventbus"
	"github.com/dukex/devicefarm/pkg/events"
	"github.com/dukex/devicefarm/pkg/jobs"
	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/otelhelper"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/planner"
	"github.com/dukex/devicefarm/pkg/records"
	"github.com/dukex/devicefarm/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidCampaign = fmt.Errorf("%w: invalid campaign", services.ErrInvalidRequest)
	ErrStatusChange    = fmt.Errorf("%w: campaign status change not allowed", services.ErrConflict)
	ErrFlowInUse       = fmt.Errorf("%w: flow is used by an active campaign", services.ErrConflict)
	ErrRetryRefused    = fmt.Errorf("%w: campaign cannot take the job back", services.ErrConflict)
)

// Service is the campaign orchestrator.
type Service struct {
	persistence persistence.Persistence
	machine     *jobs.Machine
	registry    *devices.Registry
	publisher   eventbus.EventPublisher
	validate    *validator.Validate
	logger      *slog.Logger
	tracer      trace.Tracer
	rand        *rand.Rand
}

type Option func(*Service)

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) { s.tracer = tracer }
}

// WithRand fixes the source of the random device strategy.
func WithRand(rng *rand.Rand) Option {
	return func(s *Service) { s.rand = rng }
}

func NewService(
	persistence persistence.Persistence,
	machine *jobs.Machine,
	registry *devices.Registry,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		persistence: persistence,
		machine:     machine,
		registry:    registry,
		publisher:   publisher,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "campaign_orchestrator"),
		tracer:      otelhelper.NoopTracer(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Create validates and stores a new draft campaign.
func (s *Service) Create(ctx context.Context, campaign *models.Campaign) (*models.Campaign, error) {
	err := s.validate.Struct(campaign)
	if err != nil {
		return nil, invalid(err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate campaign id: %w", err)
	}

	now := s.machine.Now()

	campaign.ID = id.String()
	campaign.Status = models.CampaignStatusDraft
	campaign.PauseReason = ""
	campaign.RecordCursor = 0
	campaign.DeviceCursor = 0
	campaign.RecordsProcessed, campaign.RecordsSuccess, campaign.RecordsFailed = 0, 0, 0
	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	for i := range campaign.Flows {
		if campaign.Flows[i].Sequence == 0 {
			campaign.Flows[i].Sequence = i + 1
		}
	}

	err = campaign.UpdateNextRunAt(now)
	if err != nil {
		return nil, invalid(err)
	}

	err = s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		err := s.check(ctx, tx, campaign)
		if err != nil {
			return err
		}

		campaign.TotalRecords, err = records.CountTx(ctx, tx, campaign.CollectionID, campaign.RecordFilter, 0)
		if err != nil {
			return err
		}

		return tx.Campaigns().Save(ctx, campaign)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "campaign created", "campaign_id", campaign.ID, "flows", len(campaign.Flows), "devices", len(campaign.DeviceIDs))

	return campaign, nil
}

func invalid(err error) error {
	return services.NewValidationError("create_campaign", "INVALID_CAMPAIGN", err.Error(), fmt.Errorf("%w: %w", ErrInvalidCampaign, err))
}

// check verifies the references of a campaign against storage.
func (s *Service) check(ctx context.Context, tx persistence.Tx, campaign *models.Campaign) error {
	if !campaign.DeviceStrategy.IsValid() {
		return invalid(fmt.Errorf("%w: %q", devices.ErrInvalidStrategy, campaign.DeviceStrategy))
	}

	_, err := tx.Collections().GetByID(ctx, campaign.CollectionID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return invalid(err)
		}

		return err
	}

	for _, config := range campaign.Flows {
		flow, err := tx.Flows().GetByID(ctx, config.FlowID)
		if err != nil {
			if persistence.IsNotFound(err) {
				return invalid(err)
			}

			return err
		}

		_, err = planner.Order(flow)
		if err != nil {
			return invalid(err)
		}

		if config.VariableSourceCollectionID != "" {
			_, err = tx.Collections().GetByID(ctx, config.VariableSourceCollectionID)
			if err != nil {
				if persistence.IsNotFound(err) {
					return invalid(fmt.Errorf("variable source of flow %s: %w", config.FlowID, err))
				}

				return err
			}
		}
	}

	pool, err := tx.Devices().ListByIDs(ctx, campaign.DeviceIDs)
	if err != nil {
		return fmt.Errorf("failed to load campaign devices: %w", err)
	}

	known := make(map[string]bool, len(pool))
	for _, device := range pool {
		known[device.ID] = true
	}

	for _, id := range campaign.DeviceIDs {
		if !known[id] {
			return invalid(fmt.Errorf("%w: %s", devices.ErrDeviceNotInPool, id))
		}
	}

	return nil
}

// Get returns a campaign.
func (s *Service) Get(ctx context.Context, campaignID string) (*models.Campaign, error) {
	var campaign *models.Campaign

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		campaign, err = tx.Campaigns().GetByID(ctx, campaignID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return campaign, nil
}

// Jobs lists the jobs of a campaign, oldest first, optionally restricted to
// statuses.
func (s *Service) Jobs(ctx context.Context, campaignID string, statuses []models.ExecutionStatus, limit int) ([]*models.WorkflowJob, error) {
	var list []*models.WorkflowJob

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		campaign, err := tx.Campaigns().GetByID(ctx, campaignID)
		if err != nil {
			return err
		}

		origin := campaign.Origin()

		list, err = tx.Jobs().ListJobs(ctx, persistence.JobFilter{Origin: &origin, Statuses: statuses, Limit: limit})

		return err
	})
	if err != nil {
		return nil, err
	}

	return list, nil
}

// Activate starts or resumes a campaign and runs its first tick.
func (s *Service) Activate(ctx context.Context, campaignID string) (*models.Campaign, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "campaigns.activate", attribute.String(otelhelper.CampaignIDKey, campaignID))
	defer span.End()

	_, err := s.update(ctx, campaignID, func(ctx context.Context, tx persistence.Tx, campaign *models.Campaign, now time.Time) error {
		err := move(campaign, models.CampaignStatusActive)
		if err != nil {
			return err
		}

		campaign.PauseReason = ""
		campaign.ActivatedAt = &now

		err = campaign.UpdateNextRunAt(now)
		if err != nil {
			return err
		}

		_, _, err = recount(ctx, tx, campaign)

		return err
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	s.logger.InfoContext(ctx, "campaign activated", "campaign_id", campaignID)

	_, err = s.Tick(ctx, campaignID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return s.Get(ctx, campaignID)
}

// Pause stops new jobs from being created. Jobs in flight keep running.
func (s *Service) Pause(ctx context.Context, campaignID, reason string) (*models.Campaign, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "campaigns.pause", attribute.String(otelhelper.CampaignIDKey, campaignID))
	defer span.End()

	if reason == "" {
		reason = "paused by user"
	}

	campaign, err := s.update(ctx, campaignID, func(_ context.Context, _ persistence.Tx, campaign *models.Campaign, _ time.Time) error {
		err := move(campaign, models.CampaignStatusPaused)
		if err != nil {
			return err
		}

		campaign.PauseReason = reason

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	s.publish(ctx, campaign.ID, events.CampaignPaused{
		BaseEvent:  events.NewBaseEvent(events.CampaignPausedEvent, s.machine.Now()),
		CampaignID: campaign.ID,
		Reason:     reason,
	})

	return campaign, nil
}

// Recount re-synchronizes the campaign counters from its jobs and collection.
func (s *Service) Recount(ctx context.Context, campaignID string) (*models.Campaign, error) {
	return s.update(ctx, campaignID, func(ctx context.Context, tx persistence.Tx, campaign *models.Campaign, _ time.Time) error {
		_, _, err := recount(ctx, tx, campaign)

		return err
	})
}

// TickActive runs one step of every active campaign. It catches up on job
// terminations whose events were lost.
func (s *Service) TickActive(ctx context.Context) (int, error) {
	var active []*models.Campaign

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		active, err = tx.Campaigns().ListByStatus(ctx, models.CampaignStatusActive)

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list active campaigns: %w", err)
	}

	scheduled := 0

	for _, campaign := range active {
		result, err := s.Tick(ctx, campaign.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "campaign tick failed", "campaign_id", campaign.ID, "error", err)

			continue
		}

		scheduled += len(result.JobIDs)
	}

	return scheduled, nil
}

// HandleJobTerminated recounts the campaign that created the job and lets it
// move on. Jobs of other origins are ignored.
func (s *Service) HandleJobTerminated(ctx context.Context, event *events.JobTerminated) error {
	if event.Origin.Kind != models.OriginCampaign {
		return nil
	}

	_, err := s.Recount(ctx, event.Origin.ID)
	if err != nil {
		if persistence.IsNotFound(err) {
			s.logger.WarnContext(ctx, "job terminated for unknown campaign", "campaign_id", event.Origin.ID, "job_id", event.JobID)

			return nil
		}

		return err
	}

	_, err = s.Tick(ctx, event.Origin.ID)

	return err
}

// RetryJob re-runs a failed campaign job under the campaign lock. The
// retried job takes one of the campaign's in-flight slots, so it is refused
// while a sequential campaign has a job running or a parallel one has a full
// batch. Completed campaigns are closed to retries.
func (s *Service) RetryJob(ctx context.Context, jobID string) (*models.WorkflowJob, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "campaigns.retry_job", attribute.String(otelhelper.JobIDKey, jobID))
	defer span.End()

	fx := &jobs.Effects{}

	var job *models.WorkflowJob

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		current, err := tx.Jobs().Job(ctx, jobID)
		if err != nil {
			return err
		}

		if current.Origin.Kind != models.OriginCampaign {
			return fmt.Errorf("%w: job %s belongs to %s %s", jobs.ErrNotRetryable, current.ID, current.Origin.Kind, current.Origin.ID)
		}

		campaign, err := tx.Campaigns().GetForUpdate(ctx, current.Origin.ID)
		if err != nil {
			return err
		}

		if campaign.Status == models.CampaignStatusCompleted {
			return services.NewConflictError("retry_job", "CAMPAIGN_COMPLETED",
				fmt.Sprintf("campaign %s is completed", campaign.ID), ErrRetryRefused)
		}

		tally, err := tx.Jobs().Tally(ctx, campaign.Origin())
		if err != nil {
			return fmt.Errorf("failed to tally jobs of campaign %s: %w", campaign.ID, err)
		}

		if tally.Active >= campaign.InFlightLimit() {
			return services.NewConflictError("retry_job", "CAMPAIGN_BUSY",
				fmt.Sprintf("campaign %s has %d jobs in flight", campaign.ID, tally.Active), ErrRetryRefused)
		}

		job, err = s.machine.RetryJobTx(ctx, tx, jobID, fx)
		if err != nil {
			return err
		}

		_, _, err = recount(ctx, tx, campaign)
		if err != nil {
			return err
		}

		campaign.UpdatedAt = s.machine.Now()

		return tx.Campaigns().Save(ctx, campaign)
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	s.machine.Flush(ctx, fx)

	s.logger.InfoContext(ctx, "campaign job retried", "campaign_id", job.Origin.ID, "job_id", job.ID, "retry_count", job.RetryCount)

	return job, nil
}

// DeleteFlow soft-deletes a flow unless an active campaign referencing it
// still has jobs in flight.
func (s *Service) DeleteFlow(ctx context.Context, flowID string) error {
	return s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		_, err := tx.Flows().GetByID(ctx, flowID)
		if err != nil {
			return err
		}

		campaigns, err := tx.Campaigns().ListByFlow(ctx, flowID)
		if err != nil {
			return fmt.Errorf("failed to list campaigns of flow %s: %w", flowID, err)
		}

		for _, campaign := range campaigns {
			if campaign.Status != models.CampaignStatusActive {
				continue
			}

			tally, err := tx.Jobs().Tally(ctx, campaign.Origin())
			if err != nil {
				return err
			}

			if tally.Active > 0 {
				return services.NewConflictError("delete_flow", "FLOW_IN_USE",
					fmt.Sprintf("campaign %s has %d jobs in flight", campaign.ID, tally.Active),
					fmt.Errorf("%w: campaign %s", ErrFlowInUse, campaign.ID))
			}
		}

		return tx.Flows().Delete(ctx, flowID)
	})
}

func move(campaign *models.Campaign, target models.CampaignStatus) error {
	if !campaign.Status.CanTransitionTo(target) {
		return services.NewConflictError("campaign_status", "INVALID_STATUS_CHANGE",
			fmt.Sprintf("campaign %s cannot move from %s to %s", campaign.ID, campaign.Status, target),
			ErrStatusChange)
	}

	campaign.Status = target

	return nil
}

// recount recomputes the counters of campaign from storage. It returns the
// tally of its jobs and the number of matching active records after the
// record cursor. Records already dispatched stay in the total even when
// archived later, so processed never exceeds total.
func recount(ctx context.Context, tx persistence.Tx, campaign *models.Campaign) (models.JobTally, int, error) {
	tally, err := tx.Jobs().Tally(ctx, campaign.Origin())
	if err != nil {
		return tally, 0, fmt.Errorf("failed to tally jobs of campaign %s: %w", campaign.ID, err)
	}

	campaign.ApplyTally(tally)

	remaining, err := records.CountTx(ctx, tx, campaign.CollectionID, campaign.RecordFilter, campaign.RecordCursor)
	if err != nil {
		return tally, 0, err
	}

	campaign.TotalRecords = tally.Total + remaining

	return tally, remaining, nil
}

func (s *Service) update(
	ctx context.Context,
	campaignID string,
	fn func(ctx context.Context, tx persistence.Tx, campaign *models.Campaign, now time.Time) error,
) (*models.Campaign, error) {
	var result *models.Campaign

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		campaign, err := tx.Campaigns().GetForUpdate(ctx, campaignID)
		if err != nil {
			return err
		}

		now := s.machine.Now()

		err = fn(ctx, tx, campaign, now)
		if err != nil {
			return err
		}

		campaign.UpdatedAt = now
		result = campaign

		return tx.Campaigns().Save(ctx, campaign)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Service) publish(ctx context.Context, key string, event eventbus.Event) {
	err := s.publisher.Publish(ctx, key, event)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to publish event", "event_type", event.GetType(), "campaign_id", key, "error", err)
	}
}

// IsInvalid reports whether err rejected a campaign configuration.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidCampaign)
}
