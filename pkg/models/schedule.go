package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a campaign cron expression cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a standard 5-field cron expression (minute hour day month weekday).
func ParseSchedule(expression string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, expression, err)
	}

	return schedule, nil
}

// IsScheduled reports whether the campaign carries a cron schedule.
func (c *Campaign) IsScheduled() bool {
	return c.Schedule != ""
}

// UpdateNextRunAt precomputes the next activation time from reference.
func (c *Campaign) UpdateNextRunAt(reference time.Time) error {
	if !c.IsScheduled() {
		c.NextRunAt = nil

		return nil
	}

	schedule, err := ParseSchedule(c.Schedule)
	if err != nil {
		return err
	}

	next := schedule.Next(reference)
	c.NextRunAt = &next

	return nil
}

// IsDue checks if a scheduled campaign should be activated at now.
func (c *Campaign) IsDue(now time.Time) bool {
	if c.NextRunAt == nil || c.Status == CampaignStatusActive || c.Status == CampaignStatusCompleted {
		return false
	}

	return !c.NextRunAt.After(now)
}
