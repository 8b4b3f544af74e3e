package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/lib/pq"
)

// JobRepository stores job trees across workflow_jobs, job_workflow_items and job_tasks.
type JobRepository struct {
	q      querier
	logger *slog.Logger
}

const jobColumns = `
			id
		  , origin_kind
		  , origin_id
		  , device_id
		  , record_id
		  , status
		  , retry_count
		  , max_retries
		  , config
		  , result
		  , error_message
		  , admin_note
		  , total_tasks
		  , completed_tasks
		  , failed_tasks
		  , started_at
		  , completed_at
		  , created_at
		  , updated_at
`

const itemColumns = `
			id
		  , job_id
		  , flow_id
		  , sequence
		  , iteration_strategy
		  , status
		  , total_tasks
		  , completed_tasks
		  , failed_tasks
		  , started_at
		  , completed_at
`

const taskColumns = `
			id
		  , job_id
		  , item_id
		  , node_id
		  , node_type
		  , iteration
		  , sequence
		  , status
		  , placeholder
		  , input
		  , output
		  , error_message
		  , duration_ms
		  , delay_before_ms
		  , contribution
		  , queued_at
		  , started_at
		  , completed_at
`

// SaveTree upserts the job row and every item and task of the tree.
func (r *JobRepository) SaveTree(ctx context.Context, tree *models.JobTree) error {
	err := r.saveJob(ctx, tree.Job)
	if err != nil {
		return err
	}

	for _, item := range tree.Items {
		err := r.saveItem(ctx, item)
		if err != nil {
			return err
		}
	}

	for _, task := range tree.Tasks {
		err := r.saveTask(ctx, task)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *JobRepository) saveJob(ctx context.Context, job *models.WorkflowJob) error {
	config, err := marshalJSON(job.Config)
	if err != nil {
		return err
	}

	result, err := marshalJSON(job.Result)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}

	query := `
		INSERT INTO workflow_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , retry_count = EXCLUDED.retry_count
		  , max_retries = EXCLUDED.max_retries
		  , config = EXCLUDED.config
		  , result = EXCLUDED.result
		  , error_message = EXCLUDED.error_message
		  , admin_note = EXCLUDED.admin_note
		  , total_tasks = EXCLUDED.total_tasks
		  , completed_tasks = EXCLUDED.completed_tasks
		  , failed_tasks = EXCLUDED.failed_tasks
		  , started_at = EXCLUDED.started_at
		  , completed_at = EXCLUDED.completed_at
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.q.ExecContext(ctx, query,
		job.ID, string(job.Origin.Kind), job.Origin.ID, job.DeviceID, job.RecordID, string(job.Status),
		job.RetryCount, job.MaxRetries, config, result, job.ErrorMessage, job.AdminNote,
		job.TotalTasks, job.CompletedTasks, job.FailedTasks,
		nullTime(job.StartedAt), nullTime(job.CompletedAt), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}

func (r *JobRepository) saveItem(ctx context.Context, item *models.JobWorkflowItem) error {
	query := `
		INSERT INTO job_workflow_items (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , total_tasks = EXCLUDED.total_tasks
		  , completed_tasks = EXCLUDED.completed_tasks
		  , failed_tasks = EXCLUDED.failed_tasks
		  , started_at = EXCLUDED.started_at
		  , completed_at = EXCLUDED.completed_at
	`

	_, err := r.q.ExecContext(ctx, query,
		item.ID, item.JobID, item.FlowID, item.Sequence, string(item.IterationStrategy), string(item.Status),
		item.TotalTasks, item.CompletedTasks, item.FailedTasks, nullTime(item.StartedAt), nullTime(item.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save job workflow item: %w", err)
	}

	return nil
}

func (r *JobRepository) saveTask(ctx context.Context, task *models.JobTask) error {
	input, err := marshalJSON(task.Input)
	if err != nil {
		return err
	}

	output, err := marshalJSON(task.Output)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO job_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , input = EXCLUDED.input
		  , output = EXCLUDED.output
		  , error_message = EXCLUDED.error_message
		  , duration_ms = EXCLUDED.duration_ms
		  , contribution = EXCLUDED.contribution
		  , queued_at = EXCLUDED.queued_at
		  , started_at = EXCLUDED.started_at
		  , completed_at = EXCLUDED.completed_at
	`

	_, err = r.q.ExecContext(ctx, query,
		task.ID, task.JobID, task.ItemID, task.NodeID, task.NodeType, task.Iteration, task.Sequence,
		string(task.Status), task.Placeholder, input, output, task.ErrorMessage, task.DurationMs,
		task.DelayBefore.Milliseconds(), string(task.Contribution),
		nullTime(task.QueuedAt), nullTime(task.StartedAt), nullTime(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save job task: %w", err)
	}

	return nil
}

func (r *JobRepository) Tree(ctx context.Context, jobID string) (*models.JobTree, error) {
	return r.tree(ctx, jobID, "")
}

// TreeForUpdate locks the job row. Every mutation of a tree goes through it,
// so the job row serializes writers of its items and tasks.
func (r *JobRepository) TreeForUpdate(ctx context.Context, jobID string) (*models.JobTree, error) {
	return r.tree(ctx, jobID, " FOR UPDATE")
}

func (r *JobRepository) tree(ctx context.Context, jobID, lock string) (*models.JobTree, error) {
	job, err := r.job(ctx, jobID, lock)
	if err != nil {
		return nil, err
	}

	tree := &models.JobTree{Job: job}

	tree.Items, err = r.items(ctx, jobID)
	if err != nil {
		return nil, err
	}

	tree.Tasks, err = r.tasks(ctx,
		`SELECT `+taskColumns+` FROM job_tasks WHERE job_id = $1 ORDER BY item_id, sequence`, jobID)
	if err != nil {
		return nil, err
	}

	return tree, nil
}

func (r *JobRepository) Job(ctx context.Context, jobID string) (*models.WorkflowJob, error) {
	return r.job(ctx, jobID, "")
}

func (r *JobRepository) job(ctx context.Context, jobID, lock string) (*models.WorkflowJob, error) {
	query := `SELECT ` + jobColumns + ` FROM workflow_jobs WHERE id = $1` + lock

	job, err := scanJob(r.q.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("Job", "job", jobID, persistence.ErrJobNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

func (r *JobRepository) items(ctx context.Context, jobID string) ([]*models.JobWorkflowItem, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM job_workflow_items WHERE job_id = $1 ORDER BY sequence`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job workflow items: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	items := make([]*models.JobWorkflowItem, 0)

	for rows.Next() {
		var (
			item                   models.JobWorkflowItem
			strategy, status       string
			startedAt, completedAt sql.NullTime
		)

		err := rows.Scan(&item.ID, &item.JobID, &item.FlowID, &item.Sequence, &strategy, &status,
			&item.TotalTasks, &item.CompletedTasks, &item.FailedTasks, &startedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job workflow item: %w", err)
		}

		item.IterationStrategy = models.IterationStrategy(strategy)
		item.Status = models.ExecutionStatus(status)
		item.StartedAt = timePtr(startedAt)
		item.CompletedAt = timePtr(completedAt)

		items = append(items, &item)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating job workflow items: %w", err)
	}

	return items, nil
}

func (r *JobRepository) tasks(ctx context.Context, query string, args ...any) ([]*models.JobTask, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job tasks: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	tasks := make([]*models.JobTask, 0)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job task: %w", err)
		}

		tasks = append(tasks, task)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating job tasks: %w", err)
	}

	return tasks, nil
}

func (r *JobRepository) JobIDByTask(ctx context.Context, taskID string) (string, error) {
	var jobID string

	err := r.q.QueryRowContext(ctx, `SELECT job_id FROM job_tasks WHERE id = $1`, taskID).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", persistence.NewEntityError("JobIDByTask", "job task", taskID, persistence.ErrTaskNotFound)
	}

	if err != nil {
		return "", fmt.Errorf("failed to get job task: %w", err)
	}

	return jobID, nil
}

func (r *JobRepository) ListJobs(ctx context.Context, filter persistence.JobFilter) ([]*models.WorkflowJob, error) {
	where := `TRUE`
	args := make([]any, 0, 5)

	if filter.Origin != nil {
		args = append(args, string(filter.Origin.Kind), filter.Origin.ID)
		where += fmt.Sprintf(` AND origin_kind = $%d AND origin_id = $%d`, len(args)-1, len(args))
	}

	if filter.DeviceID != "" {
		args = append(args, filter.DeviceID)
		where += fmt.Sprintf(` AND device_id = $%d`, len(args))
	}

	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(filter.Statuses)))
		where += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}

	args = append(args, nullLimit(filter.Limit))
	query := fmt.Sprintf(`SELECT %s FROM workflow_jobs WHERE %s ORDER BY created_at, id LIMIT $%d`,
		jobColumns, where, len(args))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	jobs := make([]*models.WorkflowJob, 0)

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		jobs = append(jobs, job)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func (r *JobRepository) Tally(ctx context.Context, origin models.JobOrigin) (models.JobTally, error) {
	var tally models.JobTally

	rows, err := r.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workflow_jobs WHERE origin_kind = $1 AND origin_id = $2 GROUP BY status`,
		string(origin.Kind), origin.ID)
	if err != nil {
		return tally, fmt.Errorf("failed to tally jobs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	for rows.Next() {
		var (
			status string
			count  int
		)

		err := rows.Scan(&status, &count)
		if err != nil {
			return tally, fmt.Errorf("failed to scan job tally: %w", err)
		}

		for range count {
			tally.Add(models.ExecutionStatus(status))
		}
	}

	err = rows.Err()
	if err != nil {
		return tally, fmt.Errorf("error iterating job tally: %w", err)
	}

	return tally, nil
}

func (r *JobRepository) StaleTasks(ctx context.Context, status models.ExecutionStatus, before time.Time, limit int) ([]*models.JobTask, error) {
	since := "started_at"
	if status == models.StatusQueued {
		since = "queued_at"
	}

	query := fmt.Sprintf(`SELECT %s FROM job_tasks WHERE status = $1 AND %s < $2 ORDER BY %s, id LIMIT $3`,
		taskColumns, since, since)

	return r.tasks(ctx, query, string(status), before, nullLimit(limit))
}

func statusStrings(statuses []models.ExecutionStatus) []string {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}

	return values
}

func scanJob(row scanner) (*models.WorkflowJob, error) {
	var (
		job                    models.WorkflowJob
		originKind, status     string
		config, result         []byte
		startedAt, completedAt sql.NullTime
	)

	err := row.Scan(&job.ID, &originKind, &job.Origin.ID, &job.DeviceID, &job.RecordID, &status,
		&job.RetryCount, &job.MaxRetries, &config, &result, &job.ErrorMessage, &job.AdminNote,
		&job.TotalTasks, &job.CompletedTasks, &job.FailedTasks, &startedAt, &completedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.Origin.Kind = models.OriginKind(originKind)
	job.Status = models.ExecutionStatus(status)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)

	err = unmarshalJSON(config, &job.Config)
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(result, &job.Result)
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func scanTask(row scanner) (*models.JobTask, error) {
	var (
		task                             models.JobTask
		status, contribution             string
		input, output                    []byte
		delayMs                          int64
		queuedAt, startedAt, completedAt sql.NullTime
	)

	err := row.Scan(&task.ID, &task.JobID, &task.ItemID, &task.NodeID, &task.NodeType, &task.Iteration, &task.Sequence,
		&status, &task.Placeholder, &input, &output, &task.ErrorMessage, &task.DurationMs, &delayMs, &contribution,
		&queuedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.Status = models.ExecutionStatus(status)
	task.Contribution = models.Contribution(contribution)
	task.DelayBefore = time.Duration(delayMs) * time.Millisecond
	task.QueuedAt = timePtr(queuedAt)
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(completedAt)

	err = unmarshalJSON(input, &task.Input)
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(output, &task.Output)
	if err != nil {
		return nil, err
	}

	return &task, nil
}

// MarketRepository handles marketplace tasks and their applications.
type MarketRepository struct {
	q      querier
	logger *slog.Logger
}

const marketTaskColumns = `
			id
		  , creator_id
		  , flow_id
		  , title
		  , reward
		  , slots
		  , payload
		  , status
		  , accepted_count
		  , completed_count
		  , failed_count
		  , version
		  , created_at
		  , updated_at
`

// SaveTask writes the task only when the stored version equals task.Version
// (zero for a new task) and bumps the version on success.
func (r *MarketRepository) SaveTask(ctx context.Context, task *models.MarketTask) error {
	payload, err := marshalJSON(task.Payload)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	var result sql.Result

	if task.Version == 0 {
		query := `
			INSERT INTO market_tasks (` + marketTaskColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13)
			ON CONFLICT (id) DO NOTHING
		`

		result, err = r.q.ExecContext(ctx, query, task.ID, task.CreatorID, task.FlowID, task.Title, task.Reward,
			task.Slots, payload, string(task.Status), task.AcceptedCount, task.CompletedCount, task.FailedCount,
			task.CreatedAt, now)
	} else {
		query := `
			UPDATE market_tasks SET
				title = $3
			  , reward = $4
			  , slots = $5
			  , payload = $6
			  , status = $7
			  , accepted_count = $8
			  , completed_count = $9
			  , failed_count = $10
			  , version = version + 1
			  , updated_at = $11
			WHERE id = $1 AND version = $2
		`

		result, err = r.q.ExecContext(ctx, query, task.ID, task.Version, task.Title, task.Reward, task.Slots, payload,
			string(task.Status), task.AcceptedCount, task.CompletedCount, task.FailedCount, now)
	}

	if err != nil {
		return fmt.Errorf("failed to save market task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewEntityError("SaveTask", "market task", task.ID, persistence.ErrStaleVersion)
	}

	task.Version++
	task.UpdatedAt = now

	return nil
}

func (r *MarketRepository) Task(ctx context.Context, id string) (*models.MarketTask, error) {
	return r.task(ctx, id, "")
}

func (r *MarketRepository) TaskForUpdate(ctx context.Context, id string) (*models.MarketTask, error) {
	return r.task(ctx, id, " FOR UPDATE")
}

func (r *MarketRepository) task(ctx context.Context, id, lock string) (*models.MarketTask, error) {
	var (
		task    models.MarketTask
		payload []byte
		status  string
	)

	err := r.q.QueryRowContext(ctx, `SELECT `+marketTaskColumns+` FROM market_tasks WHERE id = $1`+lock, id).Scan(
		&task.ID, &task.CreatorID, &task.FlowID, &task.Title, &task.Reward, &task.Slots, &payload, &status,
		&task.AcceptedCount, &task.CompletedCount, &task.FailedCount, &task.Version, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("Task", "market task", id, persistence.ErrMarketTaskNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get market task: %w", err)
	}

	task.Status = models.MarketTaskStatus(status)

	err = unmarshalJSON(payload, &task.Payload)
	if err != nil {
		return nil, err
	}

	return &task, nil
}

const applicationColumns = `id, task_id, device_id, applicant_id, status, job_id, note, created_at, updated_at`

func (r *MarketRepository) SaveApplication(ctx context.Context, app *models.TaskApplication) error {
	now := time.Now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}

	app.UpdatedAt = now

	query := `
		INSERT INTO task_applications (` + applicationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , job_id = EXCLUDED.job_id
		  , note = EXCLUDED.note
		  , updated_at = EXCLUDED.updated_at
	`

	_, err := r.q.ExecContext(ctx, query, app.ID, app.TaskID, app.DeviceID, app.ApplicantID, string(app.Status),
		app.JobID, app.Note, app.CreatedAt, app.UpdatedAt)
	if isUniqueViolation(err) {
		return persistence.NewEntityError("SaveApplication", "task application", app.ID, persistence.ErrApplicationExists)
	}

	if err != nil {
		return fmt.Errorf("failed to save task application: %w", err)
	}

	return nil
}

func (r *MarketRepository) Application(ctx context.Context, id string) (*models.TaskApplication, error) {
	app, err := scanApplication(r.q.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM task_applications WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("Application", "task application", id, persistence.ErrApplicationNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get task application: %w", err)
	}

	return app, nil
}

func (r *MarketRepository) ApplicationByJob(ctx context.Context, jobID string) (*models.TaskApplication, error) {
	app, err := scanApplication(r.q.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM task_applications WHERE job_id = $1 AND job_id <> ''`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("ApplicationByJob", "job", jobID, persistence.ErrApplicationNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get task application: %w", err)
	}

	return app, nil
}

func (r *MarketRepository) ApplicationsByTask(ctx context.Context, taskID string) ([]*models.TaskApplication, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+applicationColumns+` FROM task_applications WHERE task_id = $1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task applications: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	apps := make([]*models.TaskApplication, 0)

	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task application: %w", err)
		}

		apps = append(apps, app)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating task applications: %w", err)
	}

	return apps, nil
}

func scanApplication(row scanner) (*models.TaskApplication, error) {
	var (
		app    models.TaskApplication
		status string
	)

	err := row.Scan(&app.ID, &app.TaskID, &app.DeviceID, &app.ApplicantID, &status, &app.JobID, &app.Note,
		&app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return nil, err
	}

	app.Status = models.ApplicationStatus(status)

	return &app, nil
}

// JobLogRepository appends to and reads the job_logs table.
type JobLogRepository struct {
	q      querier
	logger *slog.Logger
}

func (r *JobLogRepository) Append(ctx context.Context, entry *models.JobLog) error {
	logContext, err := marshalJSON(entry.Context)
	if err != nil {
		return err
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO job_logs (id, job_id, subject_kind, subject_id, level, message, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.JobID, string(entry.Subject.Kind), entry.Subject.ID, string(entry.Level), entry.Message,
		logContext, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}

	return nil
}

func (r *JobLogRepository) ListByJob(ctx context.Context, jobID string, limit int) ([]*models.JobLog, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, job_id, subject_kind, subject_id, level, message, context, created_at
		FROM job_logs
		WHERE job_id = $1
		ORDER BY created_at, id
		LIMIT $2
	`, jobID, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query job logs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]*models.JobLog, 0)

	for rows.Next() {
		var (
			entry       models.JobLog
			kind, level string
			logContext  []byte
		)

		err := rows.Scan(&entry.ID, &entry.JobID, &kind, &entry.Subject.ID, &level, &entry.Message, &logContext,
			&entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job log: %w", err)
		}

		entry.Subject.Kind = models.SubjectKind(kind)
		entry.Level = models.LogLevel(level)

		err = unmarshalJSON(logContext, &entry.Context)
		if err != nil {
			return nil, err
		}

		entries = append(entries, &entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating job logs: %w", err)
	}

	return entries, nil
}
