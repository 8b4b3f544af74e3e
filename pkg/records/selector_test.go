package records

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/persistence/file"
	"github.com/dukex/devicefarm/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSelector(t *testing.T) (*Selector, *file.Persistence) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewSelector(store, logger), store
}

func seedCollection(t *testing.T, selector *Selector, schema map[string]any, rows ...map[string]any) *models.DataCollection {
	t.Helper()

	collection, err := selector.CreateCollection(t.Context(), &models.DataCollection{Name: "leads", Owner: "user-1", Schema: schema})
	require.NoError(t, err)

	for _, row := range rows {
		_, err := selector.Ingest(t.Context(), collection.ID, row)
		require.NoError(t, err)
	}

	return collection
}

func TestSelector_SelectInInsertionOrder(t *testing.T) {
	selector, _ := newTestSelector(t)

	collection := seedCollection(t, selector, nil,
		map[string]any{"name": "ana"},
		map[string]any{"name": "bia"},
		map[string]any{"name": "caio"},
		map[string]any{"name": "duda"},
	)

	first, err := selector.Select(t.Context(), collection.ID, models.RecordFilter{}, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "ana", first[0].Data["name"])
	assert.Equal(t, "bia", first[1].Data["name"])
	assert.Less(t, first[0].Position, first[1].Position)

	rest, err := selector.Select(t.Context(), collection.ID, models.RecordFilter{}, first[1].Position, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "caio", rest[0].Data["name"])

	none, err := selector.Select(t.Context(), collection.ID, models.RecordFilter{}, rest[1].Position, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := selector.Select(t.Context(), collection.ID, models.RecordFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = selector.Select(t.Context(), collection.ID, models.RecordFilter{}, 0, -1)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestSelector_FiltersAndCount(t *testing.T) {
	selector, _ := newTestSelector(t)

	collection := seedCollection(t, selector, nil,
		map[string]any{"country": "BR"},
		map[string]any{"country": "PT"},
		map[string]any{"country": "BR"},
	)

	count, err := selector.Count(t.Context(), collection.ID, models.RecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	filter := models.RecordFilter{Fields: map[string]string{"country": "BR"}}

	count, err = selector.Count(t.Context(), collection.ID, filter)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	refs, err := selector.Select(t.Context(), collection.ID, filter, 0, 10)
	require.NoError(t, err)
	require.Len(t, refs, 2)

	require.NoError(t, selector.Archive(t.Context(), refs[0].ID))

	count, err = selector.Count(t.Context(), collection.ID, filter)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	archived, err := selector.Select(t.Context(), collection.ID, models.RecordFilter{Status: models.RecordStatusArchived}, 0, 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, refs[0].ID, archived[0].ID)
}

func TestSelector_UnknownCollectionSelectsNothing(t *testing.T) {
	selector, _ := newTestSelector(t)

	refs, err := selector.Select(t.Context(), "missing", models.RecordFilter{}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestSelector_IngestMaintainsRecordCount(t *testing.T) {
	selector, store := newTestSelector(t)

	collection := seedCollection(t, selector, nil, map[string]any{"a": 1}, map[string]any{"a": 2})

	stored := func() *models.DataCollection {
		var result *models.DataCollection

		require.NoError(t, store.Atomic(t.Context(), func(ctx context.Context, tx persistence.Tx) error {
			var err error

			result, err = tx.Collections().GetByID(ctx, collection.ID)

			return err
		}))

		return result
	}

	assert.Equal(t, 2, stored().RecordCount)

	refs, err := selector.Select(t.Context(), collection.ID, models.RecordFilter{}, 0, 1)
	require.NoError(t, err)
	require.NoError(t, selector.Archive(t.Context(), refs[0].ID))
	require.NoError(t, selector.Archive(t.Context(), refs[0].ID))

	assert.Equal(t, 1, stored().RecordCount)
}

func TestSelector_IngestValidatesSchema(t *testing.T) {
	selector, _ := newTestSelector(t)

	schema := map[string]any{
		"type":     "object",
		"required": []any{"email"},
		"properties": map[string]any{
			"email": map[string]any{"type": "string"},
			"age":   map[string]any{"type": "integer"},
		},
	}

	collection := seedCollection(t, selector, schema, map[string]any{"email": "a@example.com", "age": 30})

	_, err := selector.Ingest(t.Context(), collection.ID, map[string]any{"age": 30})
	require.Error(t, err)
	assert.True(t, IsSchemaViolation(err))
	assert.True(t, services.IsValidationError(err))
	assert.Contains(t, err.Error(), "email")

	count, err := selector.Count(t.Context(), collection.ID, models.RecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = selector.Ingest(t.Context(), "missing", map[string]any{})
	assert.True(t, persistence.IsNotFound(err))
}

func TestSelector_CreateCollectionRejectsBadSchema(t *testing.T) {
	selector, _ := newTestSelector(t)

	_, err := selector.CreateCollection(t.Context(), &models.DataCollection{
		Name:   "broken",
		Schema: map[string]any{"type": 42},
	})
	require.Error(t, err)
	assert.Equal(t, "INVALID_SCHEMA", services.Code(err))

	_, err = selector.CreateCollection(t.Context(), &models.DataCollection{})
	assert.True(t, services.IsValidationError(err))
}
