package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/dukex/devicefarm/pkg/template"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrFlowNotFound is returned when a flow is unknown or deleted.
var ErrFlowNotFound = persistence.ErrFlowNotFound

// Flow manages the flow catalog consumed by campaigns and market tasks.
type Flow struct {
	persistence persistence.Persistence
	validate    *validator.Validate
	now         func() time.Time
}

// NewFlow creates a new flow service.
func NewFlow(persistence persistence.Persistence) *Flow {
	return &Flow{
		persistence: persistence,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HealthCheck checks the health of the persistence layer.
func (f *Flow) HealthCheck(ctx context.Context) (string, bool) {
	if f.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := f.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// FetchByID retrieves a flow by its ID.
func (f *Flow) FetchByID(ctx context.Context, id string) (*models.Flow, error) {
	var flow *models.Flow

	err := f.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		flow, err = tx.Flows().GetByID(ctx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return flow, nil
}

// Create adds a new flow to the catalog.
func (f *Flow) Create(ctx context.Context, flow *models.Flow) (*models.Flow, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate flow id: %w", err)
	}

	now := f.now()
	flow.ID = id.String()
	flow.CreatedAt = now
	flow.UpdatedAt = now
	flow.DeletedAt = nil

	err = f.check("create_flow", flow)
	if err != nil {
		return nil, err
	}

	err = f.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		return tx.Flows().Save(ctx, flow)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create flow: %w", err)
	}

	return flow, nil
}

// Update replaces the nodes and edges of an existing flow. Jobs already
// planned keep the tasks they were planned with.
func (f *Flow) Update(ctx context.Context, flowID string, flow *models.Flow) (*models.Flow, error) {
	flow.ID = flowID

	err := f.check("update_flow", flow)
	if err != nil {
		return nil, err
	}

	err = f.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Tx) error {
		existing, err := tx.Flows().GetByID(ctx, flowID)
		if err != nil {
			return err
		}

		flow.Owner = existing.Owner
		flow.CreatedAt = existing.CreatedAt
		flow.UpdatedAt = f.now()

		return tx.Flows().Save(ctx, flow)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update flow: %w", err)
	}

	return flow, nil
}

func (f *Flow) check(op string, flow *models.Flow) error {
	err := f.validate.Struct(flow)
	if err != nil {
		return NewValidationError(op, "INVALID_FLOW", err.Error(), err)
	}

	err = flow.Validate()
	if err != nil {
		return NewValidationError(op, "INVALID_FLOW", err.Error(), err)
	}

	for _, node := range flow.Nodes {
		err = template.Validate(node.Config)
		if err != nil {
			return NewValidationError(op, "INVALID_TEMPLATE", fmt.Sprintf("node %s: %v", node.ID, err), err)
		}
	}

	return nil
}
