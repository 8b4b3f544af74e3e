package web_test

import (
	"errors"
	"testing"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failedFields(err error) []string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}

	fields := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		fields = append(fields, fieldErr.Field())
	}

	return fields
}

func TestCreateCampaignRequest_Validation(t *testing.T) {
	t.Parallel()

	v := validator.New(validator.WithRequiredStructEnabled())

	valid := func() web.CreateCampaignRequest {
		return web.CreateCampaignRequest{
			Name:            "Spring signups",
			Owner:           "owner-1",
			CollectionID:    "accounts",
			Flows:           []models.CampaignFlow{{FlowID: "signup"}},
			DeviceIDs:       []string{"phone-1"},
			ExecutionMode:   models.ExecutionModeParallel,
			DeviceStrategy:  models.DeviceStrategySpecific,
			RecordsPerBatch: 3,
		}
	}

	tests := []struct {
		name      string
		mutate    func(r *web.CreateCampaignRequest)
		errFields []string
	}{
		{name: "valid request", mutate: func(*web.CreateCampaignRequest) {}},
		{name: "name too short", mutate: func(r *web.CreateCampaignRequest) { r.Name = "ab" }, errFields: []string{"Name"}},
		{name: "missing collection", mutate: func(r *web.CreateCampaignRequest) { r.CollectionID = "" }, errFields: []string{"CollectionID"}},
		{name: "no flows", mutate: func(r *web.CreateCampaignRequest) { r.Flows = nil }, errFields: []string{"Flows"}},
		{name: "no devices", mutate: func(r *web.CreateCampaignRequest) { r.DeviceIDs = []string{} }, errFields: []string{"DeviceIDs"}},
		{
			name:      "unknown execution mode",
			mutate:    func(r *web.CreateCampaignRequest) { r.ExecutionMode = "burst" },
			errFields: []string{"ExecutionMode"},
		},
		{
			name:      "unknown device strategy",
			mutate:    func(r *web.CreateCampaignRequest) { r.DeviceStrategy = "cheapest" },
			errFields: []string{"DeviceStrategy"},
		},
		{
			name:      "empty batch",
			mutate:    func(r *web.CreateCampaignRequest) { r.RecordsPerBatch = 0 },
			errFields: []string{"RecordsPerBatch"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			request := valid()
			tt.mutate(&request)

			err := v.Struct(request)
			if len(tt.errFields) == 0 {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.ElementsMatch(t, tt.errFields, failedFields(err))
		})
	}
}

func TestCreateCampaignRequest_Campaign(t *testing.T) {
	t.Parallel()

	request := web.CreateCampaignRequest{
		Name:            "Spring signups",
		Owner:           "owner-1",
		CollectionID:    "accounts",
		RecordFilter:    models.RecordFilter{Fields: map[string]string{"country": "BR"}},
		Flows:           []models.CampaignFlow{{FlowID: "signup", Sequence: 1}},
		DeviceIDs:       []string{"phone-1", "phone-2"},
		ExecutionMode:   models.ExecutionModeSequential,
		DeviceStrategy:  models.DeviceStrategyRoundRobin,
		RecordsPerBatch: 1,
		MaxRetries:      2,
		Schedule:        "0 9 * * *",
	}

	campaign := request.Campaign()

	assert.Empty(t, campaign.ID)
	assert.Equal(t, request.Name, campaign.Name)
	assert.Equal(t, request.RecordFilter, campaign.RecordFilter)
	assert.Equal(t, request.Flows, campaign.Flows)
	assert.Equal(t, request.DeviceIDs, campaign.DeviceIDs)
	assert.Equal(t, 2, campaign.MaxRetries)
	assert.Equal(t, "0 9 * * *", campaign.Schedule)
}

func TestTaskOutcomeRequest_Validation(t *testing.T) {
	t.Parallel()

	v := validator.New(validator.WithRequiredStructEnabled())
	first, negative := 0, -1

	assert.NoError(t, v.Struct(web.TaskOutcomeRequest{Status: models.StatusCompleted, Attempt: &first}))
	assert.NoError(t, v.Struct(web.TaskOutcomeRequest{Status: models.StatusFailed, Error: "timeout", Transient: true, Attempt: &first}))

	err := v.Struct(web.TaskOutcomeRequest{Status: models.StatusQueued, Attempt: &first})
	require.Error(t, err)
	assert.Equal(t, []string{"Status"}, failedFields(err))

	err = v.Struct(web.TaskOutcomeRequest{Status: models.StatusCompleted, Attempt: &negative})
	require.Error(t, err)
	assert.Equal(t, []string{"Attempt"}, failedFields(err))

	err = v.Struct(web.TaskOutcomeRequest{Status: models.StatusCompleted})
	require.Error(t, err)
	assert.Equal(t, []string{"Attempt"}, failedFields(err))
}

func TestTransformJobResponse(t *testing.T) {
	t.Parallel()

	tree := &models.JobTree{
		Job: &models.WorkflowJob{
			ID:           "job-1",
			Status:       models.StatusRunning,
			TaskCounters: models.TaskCounters{TotalTasks: 4, CompletedTasks: 2, FailedTasks: 1},
		},
		Tasks: []*models.JobTask{
			{ID: "t1", Status: models.StatusCompleted},
			{ID: "t2", Status: models.StatusCompleted},
			{ID: "t3", Status: models.StatusFailed},
			{ID: "t4", Status: models.StatusRunning},
		},
	}

	response := web.TransformJobResponse(tree)

	assert.Same(t, tree, response.JobTree)
	assert.Equal(t, tree.Job.Progress(), response.Progress)
	assert.Equal(t, 50, response.Progress)
}
