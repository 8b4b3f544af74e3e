package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/dukex/devicefarm/pkg/models"
	"github.com/dukex/devicefarm/pkg/persistence"
	"github.com/lib/pq"
)

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	q querier
}

func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	nodes, err := marshalJSON(flow.Nodes)
	if err != nil {
		return err
	}

	edges, err := marshalJSON(flow.Edges)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	query := `
		INSERT INTO flows (id, name, owner, nodes, edges, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , owner = EXCLUDED.owner
		  , nodes = EXCLUDED.nodes
		  , edges = EXCLUDED.edges
		  , updated_at = EXCLUDED.updated_at
		  , deleted_at = EXCLUDED.deleted_at
	`

	_, err = r.q.ExecContext(ctx, query,
		flow.ID, flow.Name, flow.Owner, nodes, edges, flow.CreatedAt, flow.UpdatedAt, nullTime(flow.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	return nil
}

func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	query := `
		SELECT
			id
		  , name
		  , owner
		  , nodes
		  , edges
		  , created_at
		  , updated_at
		FROM flows
		WHERE id = $1 AND deleted_at IS NULL
	`

	var (
		flow         models.Flow
		nodes, edges []byte
	)

	err := r.q.QueryRowContext(ctx, query, id).Scan(
		&flow.ID, &flow.Name, &flow.Owner, &nodes, &edges, &flow.CreatedAt, &flow.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("GetByID", "flow", id, persistence.ErrFlowNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	err = unmarshalJSON(nodes, &flow.Nodes)
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(edges, &flow.Edges)
	if err != nil {
		return nil, err
	}

	return &flow, nil
}

// Delete soft deletes a flow.
func (r *FlowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE flows SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewEntityError("Delete", "flow", id, persistence.ErrFlowNotFound)
	}

	return nil
}

// CollectionRepository handles data collection operations.
type CollectionRepository struct {
	q querier
}

func (r *CollectionRepository) Save(ctx context.Context, collection *models.DataCollection) error {
	var schema []byte

	if collection.Schema != nil {
		encoded, err := marshalJSON(collection.Schema)
		if err != nil {
			return err
		}

		schema = encoded
	}

	now := time.Now().UTC()
	if collection.CreatedAt.IsZero() {
		collection.CreatedAt = now
	}

	collection.UpdatedAt = now

	query := `
		INSERT INTO data_collections (id, name, owner, schema, record_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , owner = EXCLUDED.owner
		  , schema = EXCLUDED.schema
		  , record_count = EXCLUDED.record_count
		  , updated_at = EXCLUDED.updated_at
	`

	_, err := r.q.ExecContext(ctx, query, collection.ID, collection.Name, collection.Owner, schema,
		collection.RecordCount, collection.CreatedAt, collection.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save data collection: %w", err)
	}

	return nil
}

func (r *CollectionRepository) GetByID(ctx context.Context, id string) (*models.DataCollection, error) {
	return r.get(ctx, id, "")
}

func (r *CollectionRepository) GetForUpdate(ctx context.Context, id string) (*models.DataCollection, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *CollectionRepository) get(ctx context.Context, id, lock string) (*models.DataCollection, error) {
	query := `
		SELECT
			id
		  , name
		  , owner
		  , schema
		  , record_count
		  , created_at
		  , updated_at
		FROM data_collections
		WHERE id = $1` + lock

	var (
		collection models.DataCollection
		schema     []byte
	)

	err := r.q.QueryRowContext(ctx, query, id).Scan(&collection.ID, &collection.Name, &collection.Owner, &schema,
		&collection.RecordCount, &collection.CreatedAt, &collection.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("GetByID", "data collection", id, persistence.ErrCollectionNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get data collection: %w", err)
	}

	err = unmarshalJSON(schema, &collection.Schema)
	if err != nil {
		return nil, err
	}

	return &collection, nil
}

// RecordRepository handles data record operations. Position filters use the
// collection_id/position unique index; field filters compare data ->> key as text.
type RecordRepository struct {
	q      querier
	logger *slog.Logger
}

const recordColumns = `
			id
		  , collection_id
		  , position
		  , data
		  , status
		  , created_at
		  , updated_at
		  , deleted_at
`

// Append assigns the next position in the collection. Callers lock the
// collection row first so concurrent appends cannot race on the position.
func (r *RecordRepository) Append(ctx context.Context, record *models.DataRecord) error {
	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM data_records WHERE collection_id = $1`,
		record.CollectionID).Scan(&record.Position)
	if err != nil {
		return fmt.Errorf("failed to compute record position: %w", err)
	}

	return r.Save(ctx, record)
}

func (r *RecordRepository) Save(ctx context.Context, record *models.DataRecord) error {
	data, err := marshalJSON(record.Data)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	query := `
		INSERT INTO data_records (id, collection_id, position, data, status, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data
		  , status = EXCLUDED.status
		  , updated_at = EXCLUDED.updated_at
		  , deleted_at = EXCLUDED.deleted_at
	`

	_, err = r.q.ExecContext(ctx, query, record.ID, record.CollectionID, record.Position, data,
		string(record.Status), record.CreatedAt, record.UpdatedAt, nullTime(record.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to save data record: %w", err)
	}

	return nil
}

func (r *RecordRepository) GetByID(ctx context.Context, id string) (*models.DataRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM data_records WHERE id = $1 AND deleted_at IS NULL`

	record, err := scanRecord(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("GetByID", "data record", id, persistence.ErrRecordNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get data record: %w", err)
	}

	return record, nil
}

func (r *RecordRepository) List(ctx context.Context, collectionID string, filter models.RecordFilter, after int64, limit int) ([]*models.DataRecord, error) {
	where, args := recordWhere(collectionID, filter, after)

	args = append(args, nullLimit(limit))
	query := fmt.Sprintf(`SELECT %s FROM data_records WHERE %s ORDER BY position LIMIT $%d`, recordColumns, where, len(args))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query data records: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	records := make([]*models.DataRecord, 0)

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan data record: %w", err)
		}

		records = append(records, record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating data records: %w", err)
	}

	return records, nil
}

func (r *RecordRepository) Count(ctx context.Context, collectionID string, filter models.RecordFilter, after int64) (int, error) {
	where, args := recordWhere(collectionID, filter, after)

	var count int

	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_records WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count data records: %w", err)
	}

	return count, nil
}

func recordWhere(collectionID string, filter models.RecordFilter, after int64) (string, []any) {
	where := `collection_id = $1 AND deleted_at IS NULL AND status = $2 AND position > $3`
	args := []any{collectionID, string(filter.EffectiveStatus()), after}

	for _, key := range slices.Sorted(maps.Keys(filter.Fields)) {
		args = append(args, key, filter.Fields[key])
		where += fmt.Sprintf(` AND data ->> $%d = $%d`, len(args)-1, len(args))
	}

	return where, args
}

func scanRecord(row scanner) (*models.DataRecord, error) {
	var (
		record    models.DataRecord
		data      []byte
		status    string
		deletedAt sql.NullTime
	)

	err := row.Scan(&record.ID, &record.CollectionID, &record.Position, &data, &status,
		&record.CreatedAt, &record.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	record.Status = models.RecordStatus(status)
	record.DeletedAt = timePtr(deletedAt)

	err = unmarshalJSON(data, &record.Data)
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// DeviceRepository handles device operations.
type DeviceRepository struct {
	q      querier
	logger *slog.Logger
}

func (r *DeviceRepository) Save(ctx context.Context, device *models.Device) error {
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}

	device.UpdatedAt = now

	query := `
		INSERT INTO devices (id, owner, name, status, last_active_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner
		  , name = EXCLUDED.name
		  , status = EXCLUDED.status
		  , last_active_at = EXCLUDED.last_active_at
		  , updated_at = EXCLUDED.updated_at
	`

	_, err := r.q.ExecContext(ctx, query, device.ID, device.Owner, device.Name, string(device.Status),
		nullTime(device.LastActiveAt), device.CreatedAt, device.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}

	return nil
}

const deviceColumns = `id, owner, name, status, last_active_at, created_at, updated_at`

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	device, err := scanDevice(r.q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("GetByID", "device", id, persistence.ErrDeviceNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return device, nil
}

// ListByIDs returns the known devices in the order of ids. Unknown ids are skipped.
func (r *DeviceRepository) ListByIDs(ctx context.Context, ids []string) ([]*models.Device, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	byID := make(map[string]*models.Device, len(ids))

	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}

		byID[device.ID] = device
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	devices := make([]*models.Device, 0, len(byID))

	for _, id := range ids {
		if device, ok := byID[id]; ok {
			devices = append(devices, device)
		}
	}

	return devices, nil
}

func scanDevice(row scanner) (*models.Device, error) {
	var (
		device       models.Device
		status       string
		lastActiveAt sql.NullTime
	)

	err := row.Scan(&device.ID, &device.Owner, &device.Name, &status, &lastActiveAt, &device.CreatedAt, &device.UpdatedAt)
	if err != nil {
		return nil, err
	}

	device.Status = models.DeviceStatus(status)
	device.LastActiveAt = timePtr(lastActiveAt)

	return &device, nil
}

// LeaseRepository keeps at most one lease per device through the device_id primary key.
type LeaseRepository struct {
	q      querier
	logger *slog.Logger
}

func (r *LeaseRepository) Acquire(ctx context.Context, lease *models.DeviceLease) error {
	if lease.AcquiredAt.IsZero() {
		lease.AcquiredAt = time.Now().UTC()
	}

	// ON CONFLICT keeps the surrounding transaction usable when the device is taken.
	result, err := r.q.ExecContext(ctx,
		`INSERT INTO device_leases (device_id, job_id, acquired_at) VALUES ($1, $2, $3) ON CONFLICT (device_id) DO NOTHING`,
		lease.DeviceID, lease.JobID, lease.AcquiredAt)
	if err != nil {
		return fmt.Errorf("failed to acquire device lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 1 {
		return nil
	}

	var holder string

	err = r.q.QueryRowContext(ctx, `SELECT job_id FROM device_leases WHERE device_id = $1`, lease.DeviceID).Scan(&holder)
	if err != nil {
		return fmt.Errorf("failed to read device lease: %w", err)
	}

	if holder == lease.JobID {
		return nil
	}

	return persistence.NewEntityError("Acquire", "device", lease.DeviceID, persistence.ErrDeviceLeased)
}

func (r *LeaseRepository) Release(ctx context.Context, deviceID, jobID string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM device_leases WHERE device_id = $1 AND job_id = $2`, deviceID, jobID)
	if err != nil {
		return fmt.Errorf("failed to release device lease: %w", err)
	}

	return nil
}

func (r *LeaseRepository) ListByDevices(ctx context.Context, deviceIDs []string) ([]*models.DeviceLease, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT device_id, job_id, acquired_at FROM device_leases WHERE device_id = ANY($1) ORDER BY device_id`,
		pq.Array(deviceIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query device leases: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	leases := make([]*models.DeviceLease, 0)

	for rows.Next() {
		var lease models.DeviceLease

		err := rows.Scan(&lease.DeviceID, &lease.JobID, &lease.AcquiredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device lease: %w", err)
		}

		leases = append(leases, &lease)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating device leases: %w", err)
	}

	return leases, nil
}

// CampaignRepository handles campaign operations.
type CampaignRepository struct {
	q      querier
	logger *slog.Logger
}

const campaignColumns = `
			id
		  , name
		  , owner
		  , collection_id
		  , record_filter
		  , flows
		  , device_ids
		  , execution_mode
		  , device_strategy
		  , records_per_batch
		  , max_retries
		  , schedule
		  , next_run_at
		  , status
		  , pause_reason
		  , record_cursor
		  , device_cursor
		  , total_records
		  , records_processed
		  , records_success
		  , records_failed
		  , created_at
		  , updated_at
		  , activated_at
		  , completed_at
`

func (r *CampaignRepository) Save(ctx context.Context, campaign *models.Campaign) error {
	filter, err := marshalJSON(campaign.RecordFilter)
	if err != nil {
		return err
	}

	flows, err := marshalJSON(campaign.Flows)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = now
	}

	campaign.UpdatedAt = now

	query := `
		INSERT INTO campaigns (` + campaignColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , owner = EXCLUDED.owner
		  , collection_id = EXCLUDED.collection_id
		  , record_filter = EXCLUDED.record_filter
		  , flows = EXCLUDED.flows
		  , device_ids = EXCLUDED.device_ids
		  , execution_mode = EXCLUDED.execution_mode
		  , device_strategy = EXCLUDED.device_strategy
		  , records_per_batch = EXCLUDED.records_per_batch
		  , max_retries = EXCLUDED.max_retries
		  , schedule = EXCLUDED.schedule
		  , next_run_at = EXCLUDED.next_run_at
		  , status = EXCLUDED.status
		  , pause_reason = EXCLUDED.pause_reason
		  , record_cursor = EXCLUDED.record_cursor
		  , device_cursor = EXCLUDED.device_cursor
		  , total_records = EXCLUDED.total_records
		  , records_processed = EXCLUDED.records_processed
		  , records_success = EXCLUDED.records_success
		  , records_failed = EXCLUDED.records_failed
		  , updated_at = EXCLUDED.updated_at
		  , activated_at = EXCLUDED.activated_at
		  , completed_at = EXCLUDED.completed_at
	`

	_, err = r.q.ExecContext(ctx, query,
		campaign.ID, campaign.Name, campaign.Owner, campaign.CollectionID, filter, flows, pq.Array(campaign.DeviceIDs),
		string(campaign.ExecutionMode), string(campaign.DeviceStrategy), campaign.RecordsPerBatch, campaign.MaxRetries,
		campaign.Schedule, nullTime(campaign.NextRunAt), string(campaign.Status), campaign.PauseReason,
		campaign.RecordCursor, campaign.DeviceCursor, campaign.TotalRecords, campaign.RecordsProcessed,
		campaign.RecordsSuccess, campaign.RecordsFailed, campaign.CreatedAt, campaign.UpdatedAt,
		nullTime(campaign.ActivatedAt), nullTime(campaign.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}

	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	return r.get(ctx, id, "")
}

func (r *CampaignRepository) GetForUpdate(ctx context.Context, id string) (*models.Campaign, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *CampaignRepository) get(ctx context.Context, id, lock string) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1` + lock

	campaign, err := scanCampaign(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("GetByID", "campaign", id, persistence.ErrCampaignNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return campaign, nil
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, statuses ...models.CampaignStatus) ([]*models.Campaign, error) {
	if len(statuses) == 0 {
		return r.list(ctx, `TRUE`)
	}

	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}

	return r.list(ctx, `status = ANY($1)`, pq.Array(values))
}

func (r *CampaignRepository) ListByFlow(ctx context.Context, flowID string) ([]*models.Campaign, error) {
	return r.list(ctx, `flows @> jsonb_build_array(jsonb_build_object('flow_id', $1::text))`, flowID)
}

func (r *CampaignRepository) list(ctx context.Context, where string, args ...any) ([]*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE ` + where + ` ORDER BY created_at, id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	campaigns := make([]*models.Campaign, 0)

	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}

		campaigns = append(campaigns, campaign)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating campaigns: %w", err)
	}

	return campaigns, nil
}

func scanCampaign(row scanner) (*models.Campaign, error) {
	var (
		campaign                              models.Campaign
		filter, flows                         []byte
		deviceIDs                             pq.StringArray
		executionMode, deviceStrategy, status string
		nextRunAt, activatedAt, completedAt   sql.NullTime
	)

	err := row.Scan(&campaign.ID, &campaign.Name, &campaign.Owner, &campaign.CollectionID, &filter, &flows, &deviceIDs,
		&executionMode, &deviceStrategy, &campaign.RecordsPerBatch, &campaign.MaxRetries, &campaign.Schedule,
		&nextRunAt, &status, &campaign.PauseReason, &campaign.RecordCursor, &campaign.DeviceCursor,
		&campaign.TotalRecords, &campaign.RecordsProcessed, &campaign.RecordsSuccess, &campaign.RecordsFailed,
		&campaign.CreatedAt, &campaign.UpdatedAt, &activatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	campaign.DeviceIDs = []string(deviceIDs)
	campaign.ExecutionMode = models.ExecutionMode(executionMode)
	campaign.DeviceStrategy = models.DeviceStrategy(deviceStrategy)
	campaign.Status = models.CampaignStatus(status)
	campaign.NextRunAt = timePtr(nextRunAt)
	campaign.ActivatedAt = timePtr(activatedAt)
	campaign.CompletedAt = timePtr(completedAt)

	err = unmarshalJSON(filter, &campaign.RecordFilter)
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(flows, &campaign.Flows)
	if err != nil {
		return nil, err
	}

	return &campaign, nil
}
