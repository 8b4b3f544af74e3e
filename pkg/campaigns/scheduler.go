package campaigns

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
)

// DefaultSchedulePollInterval is how often the scheduler looks for due campaigns.
const DefaultSchedulePollInterval = time.Minute

// Scheduler is a centralized poller that activates draft or paused campaigns
// whose cron schedule is due, whatever their individual expressions.
type Scheduler struct {
	campaigns   *Service
	persistence persistence.Persistence
	logger      *slog.Logger
	interval    time.Duration
	ticker      *time.Ticker
	done        chan bool
	started     bool
	mu          sync.Mutex
}

func NewScheduler(campaigns *Service, persistence persistence.Persistence, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSchedulePollInterval
	}

	return &Scheduler{
		campaigns:   campaigns,
		persistence: persistence,
		interval:    interval,
		logger:      logger.With("module", "campaign_scheduler"),
	}
}

// Start begins polling in the background until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	s.ticker = time.NewTicker(s.interval)
	s.done = make(chan bool)
	s.started = true

	go s.poll(ctx, s.ticker, s.done)

	s.logger.InfoContext(ctx, "campaign scheduler started", "interval", s.interval)
}

// Stop halts the poller.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	s.ticker.Stop()
	close(s.done)
	s.started = false

	s.logger.Info("campaign scheduler stopped")
}

func (s *Scheduler) poll(ctx context.Context, ticker *time.Ticker, done chan bool) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessDue(ctx)
		}
	}
}

// ProcessDue activates every campaign whose next run is due and returns how
// many were activated.
func (s *Scheduler) ProcessDue(ctx context.Context) int {
	now := s.campaigns.machine.Now()

	due, err := s.due(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list scheduled campaigns", "error", err)

		return 0
	}

	activated := 0

	for _, campaign := range due {
		s.logger.InfoContext(ctx, "activating scheduled campaign",
			"campaign_id", campaign.ID,
			"schedule", campaign.Schedule,
			"due_at", campaign.NextRunAt)

		_, err := s.campaigns.Activate(ctx, campaign.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to activate scheduled campaign", "campaign_id", campaign.ID, "error", err)

			continue
		}

		activated++
	}

	return activated
}

func (s *Scheduler) due(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	var due []*models.Campaign

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		campaigns, err := tx.Campaigns().ListByStatus(ctx, models.CampaignStatusDraft, models.CampaignStatusPaused)
		if err != nil {
			return err
		}

		for _, campaign := range campaigns {
			if campaign.IsScheduled() && campaign.IsDue(now) {
				due = append(due, campaign)
			}
		}

		return nil
	})

	return due, err
}
