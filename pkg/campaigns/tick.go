package campaigns

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/devicefarm/pkg/devices"
	"github.com/dukex/devicefarm/pkg/events"
	"github.com/dukex/devicefarm/pkg/jobs"
	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/otelhelper"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/planner"
	"github.com/dukex/devicefarm/pkg/records"
	"go.opentelemetry.io/otel/attribute"
)

// TickOutcome tells what one orchestration step did.
type TickOutcome string

const (
	TickIdle      TickOutcome = "idle"      // campaign is not active
	TickWaiting   TickOutcome = "waiting"   // jobs in flight or every device busy
	TickScheduled TickOutcome = "scheduled" // new jobs were registered
	TickPaused    TickOutcome = "paused"
	TickCompleted TickOutcome = "completed"
)

// TickResult reports one orchestration step.
type TickResult struct {
	Outcome TickOutcome
	JobIDs  []string
	Reason  string
}

// Tick runs one orchestration step of an active campaign: it selects the next
// records, allocates devices and registers one job per record. Everything
// happens in one transaction holding the campaign lock.
func (s *Service) Tick(ctx context.Context, campaignID string) (TickResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "campaigns.tick", attribute.String(otelhelper.CampaignIDKey, campaignID))
	defer span.End()

	var (
		result   TickResult
		campaign *models.Campaign
	)

	fx := &jobs.Effects{}

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		campaign, err = tx.Campaigns().GetForUpdate(ctx, campaignID)
		if err != nil {
			return err
		}

		result, err = s.step(ctx, tx, campaign, fx)
		if err != nil {
			return err
		}

		if result.Outcome == TickIdle {
			return nil
		}

		campaign.UpdatedAt = s.machine.Now()

		return tx.Campaigns().Save(ctx, campaign)
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return TickResult{}, err
	}

	s.machine.Flush(ctx, fx)

	span.SetAttributes(attribute.String("devicefarm.campaign.tick", string(result.Outcome)))

	switch result.Outcome {
	case TickScheduled:
		s.logger.InfoContext(ctx, "campaign jobs registered", "campaign_id", campaignID, "jobs", len(result.JobIDs))
	case TickPaused:
		s.logger.WarnContext(ctx, "campaign paused", "campaign_id", campaignID, "reason", result.Reason)
		s.publish(ctx, campaignID, events.CampaignPaused{
			BaseEvent:  events.NewBaseEvent(events.CampaignPausedEvent, s.machine.Now()),
			CampaignID: campaignID,
			Reason:     result.Reason,
		})
	case TickCompleted:
		s.logger.InfoContext(ctx, "campaign completed", "campaign_id", campaignID,
			"records_processed", campaign.RecordsProcessed, "records_failed", campaign.RecordsFailed)
		s.publish(ctx, campaignID, events.CampaignCompleted{
			BaseEvent:        events.NewBaseEvent(events.CampaignCompletedEvent, s.machine.Now()),
			CampaignID:       campaignID,
			RecordsProcessed: campaign.RecordsProcessed,
			RecordsSuccess:   campaign.RecordsSuccess,
			RecordsFailed:    campaign.RecordsFailed,
		})
	}

	return result, nil
}

func (s *Service) step(ctx context.Context, tx persistence.Tx, campaign *models.Campaign, fx *jobs.Effects) (TickResult, error) {
	if campaign.Status != models.CampaignStatusActive {
		return TickResult{Outcome: TickIdle}, nil
	}

	now := s.machine.Now()

	tally, remaining, err := recount(ctx, tx, campaign)
	if err != nil {
		return TickResult{}, err
	}

	if remaining == 0 {
		switch {
		case tally.Active > 0:
			return TickResult{Outcome: TickWaiting}, nil
		case tally.Total == 0:
			return pause(campaign, "no records match the campaign filter"), nil
		}

		campaign.Status = models.CampaignStatusCompleted
		campaign.CompletedAt = &now

		return TickResult{Outcome: TickCompleted}, nil
	}

	slots := campaign.InFlightLimit() - tally.Active

	if slots <= 0 {
		return TickResult{Outcome: TickWaiting}, nil
	}

	pool, err := s.registry.LoadPool(ctx, tx, campaign.DeviceIDs)
	if err != nil {
		return TickResult{}, err
	}

	req := devices.Request{
		Strategy: campaign.DeviceStrategy,
		Cursor:   campaign.DeviceCursor,
		Specific: campaign.DeviceIDs,
		Online:   pool.Online,
		Leased:   pool.Leased,
		Rand:     s.rand,
	}

	candidates, err := devices.Candidates(pool.Devices, req)
	if err != nil {
		return pause(campaign, err.Error()), nil
	}

	if len(candidates) == 0 {
		return pause(campaign, "no usable device in the campaign pool"), nil
	}

	free := 0

	for _, id := range candidates {
		if !pool.Leased(id) {
			free++
		}
	}

	req.Count = min(slots, free)
	if req.Count == 0 {
		return TickResult{Outcome: TickWaiting}, nil
	}

	batch, err := records.SelectTx(ctx, tx, campaign.CollectionID, campaign.RecordFilter, campaign.RecordCursor, req.Count)
	if err != nil {
		return TickResult{}, err
	}

	req.Count = len(batch)

	allocation, err := devices.Allocate(pool.Devices, req)
	if err != nil {
		if errors.Is(err, devices.ErrEmptyPool) {
			return TickResult{Outcome: TickWaiting}, nil
		}

		return pause(campaign, err.Error()), nil
	}

	steps, reason, err := s.steps(ctx, tx, campaign)
	if err != nil {
		return TickResult{}, err
	}

	if reason != "" {
		return pause(campaign, reason), nil
	}

	trees := make([]*models.JobTree, len(batch))

	for i, record := range batch {
		trees[i], err = s.plan(campaign, record, allocation.Devices[i].ID, steps)
		if err != nil {
			return pause(campaign, fmt.Sprintf("record %s: %v", record.ID, err)), nil
		}
	}

	result := TickResult{Outcome: TickScheduled}

	for i, tree := range trees {
		err = s.machine.RegisterTx(ctx, tx, tree, fx)
		if err != nil {
			return TickResult{}, fmt.Errorf("failed to register job for record %s: %w", batch[i].ID, err)
		}

		campaign.RecordCursor = batch[i].Position
		result.JobIDs = append(result.JobIDs, tree.Job.ID)
	}

	campaign.DeviceCursor = allocation.Cursor

	return result, nil
}

func pause(campaign *models.Campaign, reason string) TickResult {
	campaign.Status = models.CampaignStatusPaused
	campaign.PauseReason = reason

	return TickResult{Outcome: TickPaused, Reason: reason}
}

// steps loads the flows of the campaign and their variable sources. A
// non-empty reason means the campaign configuration no longer resolves.
func (s *Service) steps(ctx context.Context, tx persistence.Tx, campaign *models.Campaign) ([]planner.Step, string, error) {
	configs := campaign.OrderedFlows()
	steps := make([]planner.Step, 0, len(configs))

	for _, config := range configs {
		flow, err := tx.Flows().GetByID(ctx, config.FlowID)
		if err != nil {
			if persistence.IsNotFound(err) {
				return nil, fmt.Sprintf("flow %s is no longer available", config.FlowID), nil
			}

			return nil, "", err
		}

		step := planner.Step{Flow: flow, Config: config}

		if config.VariableSourceCollectionID != "" {
			variables, err := records.SelectTx(ctx, tx, config.VariableSourceCollectionID, models.RecordFilter{}, 0, 0)
			if err != nil {
				return nil, "", err
			}

			for _, ref := range variables {
				step.Input.Variables = append(step.Input.Variables, ref.Data)
			}
		}

		steps = append(steps, step)
	}

	return steps, "", nil
}

func (s *Service) plan(campaign *models.Campaign, record models.RecordRef, deviceID string, steps []planner.Step) (*models.JobTree, error) {
	job := &models.WorkflowJob{
		Origin:     campaign.Origin(),
		DeviceID:   deviceID,
		RecordID:   record.ID,
		MaxRetries: campaign.MaxRetries,
		Config: map[string]any{
			"campaign_id":     campaign.ID,
			"record_position": record.Position,
		},
	}

	env := map[string]any{
		"campaign_id": campaign.ID,
		"device_id":   deviceID,
		"record_id":   record.ID,
	}

	planned := make([]planner.Step, len(steps))

	for i, step := range steps {
		step.Input.Record = record.Data
		step.Input.Job = env
		planned[i] = step
	}

	return planner.Build(job, planned)
}
