package models

import (
	"fmt"
	"time"
)

// MarketTaskStatus is derived from the task's application counts.
type MarketTaskStatus string

const (
	MarketTaskOpen       MarketTaskStatus = "open"
	MarketTaskInProgress MarketTaskStatus = "in_progress"
	MarketTaskCompleted  MarketTaskStatus = "completed"
)

// MarketTask is a creator-posted, reward-bearing unit of work that device
// owners apply to.
type MarketTask struct {
	ID             string           `json:"id"`
	CreatorID      string           `json:"creator_id"      validate:"required"`
	FlowID         string           `json:"flow_id"         validate:"required"`
	Title          string           `json:"title"           validate:"required,min=3"`
	Reward         int64            `json:"reward"          validate:"min=0"` // minor currency units
	Slots          int              `json:"slots"           validate:"min=1"`
	Payload        map[string]any   `json:"payload,omitempty"`
	Status         MarketTaskStatus `json:"status"`
	AcceptedCount  int              `json:"accepted_count"` // accepted or running applications
	CompletedCount int              `json:"completed_count"`
	FailedCount    int              `json:"failed_count"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// OpenSlots is the number of applications that may still be accepted.
func (t *MarketTask) OpenSlots() int {
	return max(t.Slots-t.AcceptedCount-t.CompletedCount, 0)
}

// SyncStatus recounts the task from its applications and derives its status.
// It reports whether anything changed.
func (t *MarketTask) SyncStatus(applications []*TaskApplication, now time.Time) bool {
	var accepted, completed, failed int

	for _, app := range applications {
		switch app.Status {
		case ApplicationAccepted, ApplicationRunning:
			accepted++
		case ApplicationCompleted:
			completed++
		case ApplicationFailed:
			failed++
		}
	}

	status := MarketTaskOpen

	switch {
	case completed >= t.Slots:
		status = MarketTaskCompleted
	case accepted > 0 || completed > 0:
		status = MarketTaskInProgress
	}

	if status == t.Status && accepted == t.AcceptedCount &&
		completed == t.CompletedCount && failed == t.FailedCount {
		return false
	}

	t.Status = status
	t.AcceptedCount = accepted
	t.CompletedCount = completed
	t.FailedCount = failed
	t.UpdatedAt = now

	return true
}

// ApplicationStatus is the lifecycle state of a TaskApplication.
type ApplicationStatus string

const (
	ApplicationPending   ApplicationStatus = "pending"
	ApplicationAccepted  ApplicationStatus = "accepted"
	ApplicationRejected  ApplicationStatus = "rejected"
	ApplicationRunning   ApplicationStatus = "running"
	ApplicationCompleted ApplicationStatus = "completed"
	ApplicationFailed    ApplicationStatus = "failed"
)

// CanTransitionTo returns true if the application can move to the target status.
func (s ApplicationStatus) CanTransitionTo(target ApplicationStatus) bool {
	switch s {
	case ApplicationPending:
		return target == ApplicationAccepted || target == ApplicationRejected
	case ApplicationAccepted:
		return target == ApplicationRunning || target == ApplicationFailed
	case ApplicationRunning:
		return target == ApplicationCompleted || target == ApplicationFailed
	default:
		return false
	}
}

// IsTerminal reports whether the application is settled.
func (s ApplicationStatus) IsTerminal() bool {
	return s == ApplicationRejected || s == ApplicationCompleted || s == ApplicationFailed
}

// TaskApplication is a device owner's bid to execute a MarketTask on one device.
type TaskApplication struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id"      validate:"required"`
	DeviceID    string            `json:"device_id"    validate:"required"`
	ApplicantID string            `json:"applicant_id" validate:"required"`
	Status      ApplicationStatus `json:"status"`
	JobID       string            `json:"job_id,omitempty"`
	Note        string            `json:"note,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// MoveTo applies a status transition.
func (a *TaskApplication) MoveTo(target ApplicationStatus, now time.Time) error {
	if !a.Status.CanTransitionTo(target) {
		return fmt.Errorf("application %s: cannot move from %s to %s: %w", a.ID, a.Status, target, ErrInvalidTransition)
	}

	a.Status = target
	a.UpdatedAt = now

	return nil
}

// Origin returns the job origin for the job spun up by this application.
func (a *TaskApplication) Origin() JobOrigin {
	return JobOrigin{Kind: OriginTaskApplication, ID: a.ID}
}
