package file

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
)

const (
	jobsDir         = "jobs"
	taskIndexDir    = "task_index"
	marketTasksDir  = "market_tasks"
	applicationsDir = "applications"
	jobLogsDir      = "job_logs"
)

type taskIndex struct {
	JobID string `json:"job_id"`
}

type jobRepository struct {
	tx *transaction
}

func (r *jobRepository) SaveTree(_ context.Context, tree *models.JobTree) error {
	err := validateID(tree.Job.ID)
	if err != nil {
		return persistence.NewEntityError("SaveTree", "job", tree.Job.ID, err)
	}

	for _, task := range tree.Tasks {
		err := validateID(task.ID)
		if err != nil {
			return persistence.NewEntityError("SaveTree", "job task", task.ID, err)
		}

		err = r.tx.write(document(taskIndexDir, task.ID), taskIndex{JobID: tree.Job.ID})
		if err != nil {
			return err
		}
	}

	return r.tx.write(document(jobsDir, tree.Job.ID), tree)
}

func (r *jobRepository) Tree(_ context.Context, jobID string) (*models.JobTree, error) {
	if err := validateID(jobID); err != nil {
		return nil, persistence.NewEntityError("Tree", "job", jobID, err)
	}

	tree, ok, err := load[models.JobTree](r.tx, document(jobsDir, jobID))
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, persistence.NewEntityError("Tree", "job", jobID, persistence.ErrJobNotFound)
	}

	return tree, nil
}

func (r *jobRepository) TreeForUpdate(ctx context.Context, jobID string) (*models.JobTree, error) {
	return r.Tree(ctx, jobID)
}

func (r *jobRepository) Job(ctx context.Context, jobID string) (*models.WorkflowJob, error) {
	tree, err := r.Tree(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return tree.Job, nil
}

func (r *jobRepository) JobIDByTask(_ context.Context, taskID string) (string, error) {
	if err := validateID(taskID); err != nil {
		return "", persistence.NewEntityError("JobIDByTask", "job task", taskID, err)
	}

	index, ok, err := load[taskIndex](r.tx, document(taskIndexDir, taskID))
	if err != nil {
		return "", err
	}

	if !ok {
		return "", persistence.NewEntityError("JobIDByTask", "job task", taskID, persistence.ErrTaskNotFound)
	}

	return index.JobID, nil
}

func (r *jobRepository) ListJobs(_ context.Context, filter persistence.JobFilter) ([]*models.WorkflowJob, error) {
	trees, err := loadAll[models.JobTree](r.tx, jobsDir)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.WorkflowJob, 0)

	for _, tree := range trees {
		job := tree.Job
		if filter.Origin != nil && job.Origin != *filter.Origin {
			continue
		}

		if filter.DeviceID != "" && job.DeviceID != filter.DeviceID {
			continue
		}

		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
			continue
		}

		jobs = append(jobs, job)
	}

	slices.SortFunc(jobs, func(a, b *models.WorkflowJob) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}

	return jobs, nil
}

func (r *jobRepository) Tally(ctx context.Context, origin models.JobOrigin) (models.JobTally, error) {
	var tally models.JobTally

	jobs, err := r.ListJobs(ctx, persistence.JobFilter{Origin: &origin})
	if err != nil {
		return tally, err
	}

	for _, job := range jobs {
		tally.Add(job.Status)
	}

	return tally, nil
}

func (r *jobRepository) StaleTasks(_ context.Context, status models.ExecutionStatus, before time.Time, limit int) ([]*models.JobTask, error) {
	trees, err := loadAll[models.JobTree](r.tx, jobsDir)
	if err != nil {
		return nil, err
	}

	tasks := make([]*models.JobTask, 0)

	for _, tree := range trees {
		for _, task := range tree.Tasks {
			if task.Status != status {
				continue
			}

			since := task.StartedAt
			if status == models.StatusQueued {
				since = task.QueuedAt
			}

			if since != nil && since.Before(before) {
				tasks = append(tasks, task)
			}
		}
	}

	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}

	return tasks, nil
}

type marketRepository struct {
	tx *transaction
}

func (r *marketRepository) SaveTask(_ context.Context, task *models.MarketTask) error {
	if err := validateID(task.ID); err != nil {
		return persistence.NewEntityError("SaveTask", "market task", task.ID, err)
	}

	key := document(marketTasksDir, task.ID)

	existing, ok, err := load[models.MarketTask](r.tx, key)
	if err != nil {
		return err
	}

	stored := int64(0)
	if ok {
		stored = existing.Version
	}

	if stored != task.Version {
		return persistence.NewEntityError("SaveTask", "market task", task.ID, persistence.ErrStaleVersion)
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	task.UpdatedAt = now
	task.Version++

	return r.tx.write(key, task)
}

func (r *marketRepository) Task(_ context.Context, id string) (*models.MarketTask, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewEntityError("Task", "market task", id, err)
	}

	task, ok, err := load[models.MarketTask](r.tx, document(marketTasksDir, id))
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, persistence.NewEntityError("Task", "market task", id, persistence.ErrMarketTaskNotFound)
	}

	return task, nil
}

func (r *marketRepository) TaskForUpdate(ctx context.Context, id string) (*models.MarketTask, error) {
	return r.Task(ctx, id)
}

func (r *marketRepository) SaveApplication(_ context.Context, app *models.TaskApplication) error {
	if err := validateID(app.ID); err != nil {
		return persistence.NewEntityError("SaveApplication", "task application", app.ID, err)
	}

	all, err := loadAll[models.TaskApplication](r.tx, applicationsDir)
	if err != nil {
		return err
	}

	for _, other := range all {
		if other.ID != app.ID && other.TaskID == app.TaskID && other.DeviceID == app.DeviceID {
			return persistence.NewEntityError("SaveApplication", "task application", app.ID, persistence.ErrApplicationExists)
		}
	}

	now := time.Now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}

	app.UpdatedAt = now

	return r.tx.write(document(applicationsDir, app.ID), app)
}

func (r *marketRepository) Application(_ context.Context, id string) (*models.TaskApplication, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewEntityError("Application", "task application", id, err)
	}

	app, ok, err := load[models.TaskApplication](r.tx, document(applicationsDir, id))
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, persistence.NewEntityError("Application", "task application", id, persistence.ErrApplicationNotFound)
	}

	return app, nil
}

func (r *marketRepository) ApplicationByJob(_ context.Context, jobID string) (*models.TaskApplication, error) {
	apps, err := loadAll[models.TaskApplication](r.tx, applicationsDir)
	if err != nil {
		return nil, err
	}

	for _, app := range apps {
		if app.JobID != "" && app.JobID == jobID {
			return app, nil
		}
	}

	return nil, persistence.NewEntityError("ApplicationByJob", "job", jobID, persistence.ErrApplicationNotFound)
}

func (r *marketRepository) ApplicationsByTask(_ context.Context, taskID string) ([]*models.TaskApplication, error) {
	all, err := loadAll[models.TaskApplication](r.tx, applicationsDir)
	if err != nil {
		return nil, err
	}

	apps := make([]*models.TaskApplication, 0)

	for _, app := range all {
		if app.TaskID == taskID {
			apps = append(apps, app)
		}
	}

	slices.SortFunc(apps, func(a, b *models.TaskApplication) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	return apps, nil
}

type jobLogRepository struct {
	tx *transaction
}

func (r *jobLogRepository) Append(_ context.Context, entry *models.JobLog) error {
	if err := validateID(entry.ID); err != nil {
		return persistence.NewEntityError("Append", "job log", entry.ID, err)
	}

	if err := validateID(entry.JobID); err != nil {
		return persistence.NewEntityError("Append", "job", entry.JobID, err)
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	return r.tx.write(document(jobLogsDir, entry.JobID, entry.ID), entry)
}

func (r *jobLogRepository) ListByJob(_ context.Context, jobID string, limit int) ([]*models.JobLog, error) {
	if err := validateID(jobID); err != nil {
		return nil, persistence.NewEntityError("ListByJob", "job", jobID, err)
	}

	entries, err := loadAll[models.JobLog](r.tx, jobLogsDir+"/"+jobID)
	if err != nil {
		return nil, err
	}

	slices.SortFunc(entries, func(a, b *models.JobLog) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, nil
}
