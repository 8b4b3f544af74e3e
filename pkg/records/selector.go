// Package records selects and ingests the data records that feed campaign jobs.
package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/services"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrSchemaViolation is returned when ingested data does not match the collection schema.
	ErrSchemaViolation = fmt.Errorf("%w: record does not match collection schema", services.ErrInvalidRequest)

	// ErrInvalidLimit is returned for a negative selection limit.
	ErrInvalidLimit = fmt.Errorf("%w: limit must not be negative", services.ErrInvalidRequest)
)

// Selector reads records in insertion order and maintains collection counts.
type Selector struct {
	persistence persistence.Persistence
	logger      *slog.Logger
	now         func() time.Time
}

func NewSelector(persistence persistence.Persistence, logger *slog.Logger) *Selector {
	return &Selector{
		persistence: persistence,
		logger:      logger.With("module", "records"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Select returns up to limit records of the collection positioned after the
// cursor, in insertion order. A limit of 0 returns every remaining record.
func (s *Selector) Select(ctx context.Context, collectionID string, filter models.RecordFilter, after int64, limit int) ([]models.RecordRef, error) {
	var refs []models.RecordRef

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		refs, err = SelectTx(ctx, tx, collectionID, filter, after, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return refs, nil
}

// Count returns the number of records matching the filter.
func (s *Selector) Count(ctx context.Context, collectionID string, filter models.RecordFilter) (int, error) {
	var count int

	err := s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		count, err = CountTx(ctx, tx, collectionID, filter, 0)

		return err
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// SelectTx is Select bound to an open transaction.
func SelectTx(
	ctx context.Context,
	tx persistence.Tx,
	collectionID string,
	filter models.RecordFilter,
	after int64,
	limit int,
) ([]models.RecordRef, error) {
	if limit < 0 {
		return nil, ErrInvalidLimit
	}

	records, err := tx.Records().List(ctx, collectionID, filter, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select records of collection %s: %w", collectionID, err)
	}

	refs := make([]models.RecordRef, 0, len(records))
	for _, record := range records {
		refs = append(refs, record.Ref())
	}

	return refs, nil
}

// CountTx counts the records positioned after the cursor inside an open transaction.
func CountTx(ctx context.Context, tx persistence.Tx, collectionID string, filter models.RecordFilter, after int64) (int, error) {
	count, err := tx.Records().Count(ctx, collectionID, filter, after)
	if err != nil {
		return 0, fmt.Errorf("failed to count records of collection %s: %w", collectionID, err)
	}

	return count, nil
}

// CreateCollection registers a new, empty collection.
func (s *Selector) CreateCollection(ctx context.Context, collection *models.DataCollection) (*models.DataCollection, error) {
	if collection.Name == "" {
		return nil, services.NewValidationError("create_collection", "INVALID_COLLECTION", "name is required", nil)
	}

	if collection.Schema != nil {
		_, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(collection.Schema))
		if err != nil {
			return nil, services.NewValidationError("create_collection", "INVALID_SCHEMA", err.Error(), err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate collection id: %w", err)
	}

	now := s.now()
	collection.ID = id.String()
	collection.RecordCount = 0
	collection.CreatedAt = now
	collection.UpdatedAt = now

	err = s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		return tx.Collections().Save(ctx, collection)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	return collection, nil
}

// Ingest validates data against the collection schema and appends it as the
// newest active record.
func (s *Selector) Ingest(ctx context.Context, collectionID string, data map[string]any) (*models.DataRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate record id: %w", err)
	}

	now := s.now()
	record := &models.DataRecord{
		ID:           id.String(),
		CollectionID: collectionID,
		Data:         data,
		Status:       models.RecordStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		collection, err := tx.Collections().GetForUpdate(ctx, collectionID)
		if err != nil {
			return err
		}

		err = validateData(collection.Schema, data)
		if err != nil {
			return services.NewValidationError("ingest_record", "SCHEMA_VIOLATION", err.Error(), err)
		}

		err = tx.Records().Append(ctx, record)
		if err != nil {
			return fmt.Errorf("failed to append record: %w", err)
		}

		return recount(ctx, tx, collection, now)
	})
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "record ingested", "collection_id", collectionID, "record_id", record.ID, "position", record.Position)

	return record, nil
}

// Archive removes a record from selection and recounts its collection.
func (s *Selector) Archive(ctx context.Context, recordID string) error {
	return s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		record, err := tx.Records().GetByID(ctx, recordID)
		if err != nil {
			return err
		}

		collection, err := tx.Collections().GetForUpdate(ctx, record.CollectionID)
		if err != nil {
			return err
		}

		if record.Status == models.RecordStatusArchived {
			return nil
		}

		now := s.now()
		record.Status = models.RecordStatusArchived
		record.UpdatedAt = now

		err = tx.Records().Save(ctx, record)
		if err != nil {
			return fmt.Errorf("failed to archive record: %w", err)
		}

		return recount(ctx, tx, collection, now)
	})
}

func recount(ctx context.Context, tx persistence.Tx, collection *models.DataCollection, now time.Time) error {
	count, err := CountTx(ctx, tx, collection.ID, models.RecordFilter{}, 0)
	if err != nil {
		return err
	}

	collection.RecordCount = count
	collection.UpdatedAt = now

	err = tx.Collections().Save(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to save collection count: %w", err)
	}

	return nil
}

func validateData(schema map[string]any, data map[string]any) error {
	if schema == nil {
		return nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaViolation, err)
	}

	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}

		return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(errs, "; "))
	}

	return nil
}

// IsSchemaViolation reports whether err was caused by ingesting data that
// does not match the collection schema.
func IsSchemaViolation(err error) bool {
	return errors.Is(err, ErrSchemaViolation)
}
