package services

import (
	"errors"
	"testing"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/persistence/file"
	"github.com/dukex/devicefarm/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlow() *models.Flow {
	flow := testutil.CreateTestFlow(
		testutil.CreateTestNode(testutil.WithID("open"), testutil.WithType("open_app")),
		testutil.CreateTestNode(testutil.WithID("tap")),
	)
	flow.Name = "Signup"
	flow.Owner = "user-1"

	return flow
}

func TestNewFlow(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	service := NewFlow(persistence)

	assert.NotNil(t, service)
	assert.Equal(t, persistence, service.persistence)
}

func TestFlow_HealthCheck(t *testing.T) {
	message, ok := NewFlow(file.NewPersistence(t.TempDir())).HealthCheck(t.Context())
	assert.True(t, ok)
	assert.Equal(t, "Persistence layer is healthy", message)

	message, ok = NewFlow(file.NewPersistence(t.TempDir() + "/missing")).HealthCheck(t.Context())
	assert.False(t, ok)
	assert.Contains(t, message, "unhealthy")

	_, ok = NewFlow(nil).HealthCheck(t.Context())
	assert.False(t, ok)
}

func TestFlow_CreateAndFetch(t *testing.T) {
	service := NewFlow(file.NewPersistence(t.TempDir()))

	created, err := service.Create(t.Context(), newFlow())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	fetched, err := service.FetchByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Signup", fetched.Name)
	assert.Len(t, fetched.Nodes, 2)
}

func TestFlow_CreateRejectsInvalidFlows(t *testing.T) {
	service := NewFlow(file.NewPersistence(t.TempDir()))

	empty := newFlow()
	empty.Nodes = nil
	empty.Edges = nil

	_, err := service.Create(t.Context(), empty)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, models.ErrEmptyFlow)
	assert.Equal(t, "INVALID_FLOW", Code(err))

	dangling := newFlow()
	dangling.Edges = append(dangling.Edges, &models.FlowEdge{ID: "e2", Source: "tap", Target: "ghost"})

	_, err = service.Create(t.Context(), dangling)
	assert.ErrorIs(t, err, models.ErrInvalidFlow)

	unnamed := newFlow()
	unnamed.Name = ""

	_, err = service.Create(t.Context(), unnamed)
	assert.True(t, IsValidationError(err))

	templated := newFlow()
	templated.Nodes[0].Config = map[string]any{"text": "{{ .record.email "}

	_, err = service.Create(t.Context(), templated)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, "INVALID_TEMPLATE", Code(err))
}

func TestFlow_Update(t *testing.T) {
	service := NewFlow(file.NewPersistence(t.TempDir()))

	created, err := service.Create(t.Context(), newFlow())
	require.NoError(t, err)

	changed := newFlow()
	changed.Owner = "someone-else"
	changed.Nodes = append(changed.Nodes, &models.FlowNode{ID: "type", Type: "type_text"})

	updated, err := service.Update(t.Context(), created.ID, changed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", updated.Owner)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	fetched, err := service.FetchByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Len(t, fetched.Nodes, 3)

	_, err = service.Update(t.Context(), "missing", newFlow())
	assert.True(t, errors.Is(err, persistence.ErrFlowNotFound))
}

func TestServiceErrors(t *testing.T) {
	err := NewConflictError("activate", "CAMPAIGN_COMPLETED", "campaign is completed", nil)
	assert.True(t, IsConflictError(err))
	assert.False(t, IsValidationError(err))
	assert.Equal(t, "activate: campaign is completed", err.Error())

	cause := errors.New("bad cron")
	wrapped := NewValidationError("create", "INVALID_SCHEDULE", "", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.ErrorIs(t, wrapped, ErrInvalidRequest)
	assert.Empty(t, Code(cause))
}
