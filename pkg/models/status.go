package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidTransition is returned when an entity is asked to move to a status
// that is not reachable from its current one.
var ErrInvalidTransition = errors.New("invalid status transition")

// ExecutionStatus is the lifecycle state shared by WorkflowJob, JobWorkflowItem and JobTask.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusSkipped   ExecutionStatus = "skipped"
)

// IsTerminal reports whether no further execution happens from this status.
// A failed job may still be reset for retry, which is modelled separately.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target status.
//
//	pending  → queued | running | cancelled | skipped
//	queued   → running | cancelled | skipped
//	running  → completed | failed | cancelled
//	failed   → pending (retry reset)
func (s ExecutionStatus) CanTransitionTo(target ExecutionStatus) bool {
	switch s {
	case StatusPending:
		return target == StatusQueued || target == StatusRunning ||
			target == StatusCancelled || target == StatusSkipped
	case StatusQueued:
		return target == StatusRunning || target == StatusCancelled || target == StatusSkipped
	case StatusRunning:
		return target == StatusCompleted || target == StatusFailed || target == StatusCancelled
	case StatusFailed:
		return target == StatusPending
	default:
		return false
	}
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string
	ID     string
	From   ExecutionStatus
	To     ExecutionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func transition(entity, id string, current *ExecutionStatus, target ExecutionStatus) error {
	if !current.CanTransitionTo(target) {
		return &TransitionError{Entity: entity, ID: id, From: *current, To: target}
	}

	*current = target

	return nil
}

// Contribution is the share a child currently adds to its parent's counters.
// Parents apply the difference between the old and the new contribution, so
// repeated or reverted transitions never double count.
type Contribution string

const (
	ContributionNone    Contribution = ""
	ContributionSuccess Contribution = "success"
	ContributionFailure Contribution = "failure"
)

// StatusContribution maps a task status to the contribution it makes.
func StatusContribution(status ExecutionStatus) Contribution {
	switch status {
	case StatusCompleted:
		return ContributionSuccess
	case StatusFailed:
		return ContributionFailure
	default:
		return ContributionNone
	}
}

// TaskCounters are the aggregate task counters carried by jobs and items.
type TaskCounters struct {
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
}

// Apply moves one child's contribution from old to new.
func (c *TaskCounters) Apply(old, new Contribution) {
	if old == new {
		return
	}

	switch old {
	case ContributionSuccess:
		c.CompletedTasks--
	case ContributionFailure:
		c.FailedTasks--
	}

	switch new {
	case ContributionSuccess:
		c.CompletedTasks++
	case ContributionFailure:
		c.FailedTasks++
	}
}

// Progress returns the completion percentage of these counters.
func (c TaskCounters) Progress() int {
	return Progress(c.CompletedTasks, c.TotalTasks)
}

// Progress returns round(completed/total*100), or 0 when total is 0.
func Progress(completed, total int) int {
	if total <= 0 {
		return 0
	}

	return int(math.Round(float64(completed) / float64(total) * 100))
}
