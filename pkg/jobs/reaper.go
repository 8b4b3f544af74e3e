package jobs

import (
	"context"
	"fmt"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/otelhelper"
	"github.com/dukex/devicefarm/pkg/persistence"
)

const reapBatchSize = 100

// ReapResult counts what one sweep did.
type ReapResult struct {
	TimedOut     int
	Redispatched int
}

// ReapTimedOut fails running tasks older than the task timeout as transient
// failures and dispatches again the tasks left queued past the queue timeout.
func (m *Machine) ReapTimedOut(ctx context.Context) (ReapResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "jobs.reap_timed_out")
	defer span.End()

	var (
		result  ReapResult
		running []*models.JobTask
		queued  []*models.JobTask
	)

	now := m.now()

	err := m.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		running, err = tx.Jobs().StaleTasks(ctx, models.StatusRunning, now.Add(-m.taskTimeout), reapBatchSize)
		if err != nil {
			return fmt.Errorf("failed to list running tasks: %w", err)
		}

		queued, err = tx.Jobs().StaleTasks(ctx, models.StatusQueued, now.Add(-m.queueTimeout), reapBatchSize)
		if err != nil {
			return fmt.Errorf("failed to list queued tasks: %w", err)
		}

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return result, err
	}

	for _, stale := range running {
		timedOut := false

		_, err := m.updateByTask(ctx, stale.ID, func(s *session, task *models.JobTask) error {
			if task.Status != models.StatusRunning || task.StartedAt == nil || s.now.Sub(*task.StartedAt) < m.taskTimeout {
				return nil
			}

			timedOut = true

			return m.applyOutcome(s, task, Outcome{
				Status:    models.StatusFailed,
				Error:     fmt.Sprintf("task timed out after %s", m.taskTimeout),
				Transient: true,
			})
		})
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to time out task", "task_id", stale.ID, "error", err)

			continue
		}

		if timedOut {
			result.TimedOut++
		}
	}

	for _, stale := range queued {
		redispatched := false

		_, err := m.updateByTask(ctx, stale.ID, func(s *session, task *models.JobTask) error {
			if !s.isActive() || task.Status != models.StatusQueued ||
				task.QueuedAt == nil || s.now.Sub(*task.QueuedAt) < m.queueTimeout {
				return nil
			}

			item, ok := s.tree.Item(task.ItemID)
			if !ok {
				return nil
			}

			redispatched = true
			queuedAt := s.now
			task.QueuedAt = &queuedAt

			s.fx.add(s.job().ID, s.dispatchEvent(task, item.IterationStrategy == models.IterationParallel))
			s.log(models.LogLevelWarning, taskSubject(task), "task not started in time, dispatched again", map[string]any{
				"node_id": task.NodeID,
			})

			return nil
		})
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to redispatch task", "task_id", stale.ID, "error", err)

			continue
		}

		if redispatched {
			result.Redispatched++
		}
	}

	if result.TimedOut > 0 || result.Redispatched > 0 {
		m.logger.InfoContext(ctx, "reaped stale tasks", "timed_out", result.TimedOut, "redispatched", result.Redispatched)
	}

	return result, nil
}
