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
	flowsDir       = "flows"
	collectionsDir = "collections"
	recordsDir     = "records"
	devicesDir     = "devices"
	leasesDir      = "leases"
	campaignsDir   = "campaigns"
)

type flowRepository struct {
	tx *transaction
}

func (r *flowRepository) Save(_ context.Context, flow *models.Flow) error {
	err := validateID(flow.ID)
	if err != nil {
		return persistence.NewEntityError("Save", "flow", flow.ID, err)
	}

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	return r.tx.write(document(flowsDir, flow.ID), flow)
}

func (r *flowRepository) GetByID(_ context.Context, id string) (*models.Flow, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewEntityError("GetByID", "flow", id, err)
	}

	flow, ok, err := load[models.Flow](r.tx, document(flowsDir, id))
	if err != nil {
		return nil, err
	}

	if !ok || flow.DeletedAt != nil {
		return nil, persistence.NewEntityError("GetByID", "flow", id, persistence.ErrFlowNotFound)
	}

	return flow, nil
}

func (r *flowRepository) Delete(ctx context.Context, id string) error {
	flow, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	flow.DeletedAt = &now

	return r.tx.write(document(flowsDir, id), flow)
}

type collectionRepository struct {
	tx *transaction
}

func (r *collectionRepository) Save(_ context.Context, collection *models.DataCollection) error {
	err := validateID(collection.ID)
	if err != nil {
		return persistence.NewEntityError("Save", "data collection", collection.ID, err)
	}

	now := time.Now().UTC()
	if collection.CreatedAt.IsZero() {
		collection.CreatedAt = now
	}

	collection.UpdatedAt = now

	return r.tx.write(document(collectionsDir, collection.ID), collection)
}

func (r *collectionRepository) GetByID(_ context.Context, id string) (*models.DataCollection, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewEntityError("GetByID", "data collection", id, err)
	}

	collection, ok, err := load[models.DataCollection](r.tx, document(collectionsDir, id))
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, persistence.NewEntityError("GetByID", "data collection", id, persistence.ErrCollectionNotFound)
	}

	return collection, nil
}

// GetForUpdate needs no row lock: the store mutex is held for the whole transaction.
func (r *collectionRepository) GetForUpdate(ctx context.Context, id string) (*models.DataCollection, error) {
	return r.GetByID(ctx, id)
}

type recordRepository struct {
	tx *transaction
}

func (r *recordRepository) Append(ctx context.Context, record *models.DataRecord) error {
	all, err := loadAll[models.DataRecord](r.tx, recordsDir)
	if err != nil {
		return err
	}

	var last int64

	for _, existing := range all {
		if existing.CollectionID == record.CollectionID {
			last = max(last, existing.Position)
		}
	}

	record.Position = last + 1

	return r.Save(ctx, record)
}

func (r *recordRepository) Save(_ context.Context, record *models.DataRecord) error {
	err := validateID(record.ID)
	if err != nil {
		return persistence.NewEntityError("Save", "data record", record.ID, err)
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	return r.tx.write(document(recordsDir, record.ID), record)
}

func (r *recordRepository) GetByID(_ context.Context, id string) (*models.DataRecord, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewEntityError("GetByID", "data record", id, err)
	}

	record, ok, err := load[models.DataRecord](r.tx, document(recordsDir, id))
	if err != nil {
		return nil, err
	}

	if !ok || record.DeletedAt != nil {
		return nil, persistence.NewEntityError("GetByID", "data record", id, persistence.ErrRecordNotFound)
	}

	return record, nil
}

func (r *recordRepository) matching(collectionID string, filter models.RecordFilter, after int64) ([]*models.DataRecord, error) {
	all, err := loadAll[models.DataRecord](r.tx, recordsDir)
	if err != nil {
		return nil, err
	}

	records := make([]*models.DataRecord, 0)

	for _, record := range all {
		if record.CollectionID == collectionID && record.Position > after && filter.Matches(record) {
			records = append(records, record)
		}
	}

	slices.SortFunc(records, func(a, b *models.DataRecord) int {
		return cmp.Compare(a.Position, b.Position)
	})

	return records, nil
}

func (r *recordRepository) List(_ context.Context, collectionID string, filter models.RecordFilter, after int64, limit int) ([]*models.DataRecord, error) {
	records, err := r.matching(collectionID, filter, after)
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}

func (r *recordRepository) Count(_ context.Context, collectionID string, filter models.RecordFilter, after int64) (int, error) {
	records, err := r.matching(collectionID, filter, after)
	if err != nil {
		return 0, err
	}

	return len(records), nil
}

type deviceRepository struct {
	tx *transaction
}

func (r *deviceRepository) Save(_ context.Context, device *models.Device) error {
	err := validateID(device.ID)
	if err != nil {
		return persistence.NewEntityError("Save", "device", device.ID, err)
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}

	device.UpdatedAt = now

	return r.tx.write(document(devicesDir, device.ID), device)
}

func (r *deviceRepository) GetByID(_ context.Context, id string) (*models.Device, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewEntityError("GetByID", "device", id, err)
	}

	device, ok, err := load[models.Device](r.tx, document(devicesDir, id))
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, persistence.NewEntityError("GetByID", "device", id, persistence.ErrDeviceNotFound)
	}

	return device, nil
}

func (r *deviceRepository) ListByIDs(_ context.Context, ids []string) ([]*models.Device, error) {
	devices := make([]*models.Device, 0, len(ids))

	for _, id := range ids {
		if validateID(id) != nil {
			continue
		}

		device, ok, err := load[models.Device](r.tx, document(devicesDir, id))
		if err != nil {
			return nil, err
		}

		if ok {
			devices = append(devices, device)
		}
	}

	return devices, nil
}

type leaseRepository struct {
	tx *transaction
}

func (r *leaseRepository) Acquire(_ context.Context, lease *models.DeviceLease) error {
	if err := validateID(lease.DeviceID); err != nil {
		return persistence.NewEntityError("Acquire", "device", lease.DeviceID, err)
	}

	key := document(leasesDir, lease.DeviceID)

	existing, ok, err := load[models.DeviceLease](r.tx, key)
	if err != nil {
		return err
	}

	if ok {
		if existing.JobID == lease.JobID {
			return nil
		}

		return persistence.NewEntityError("Acquire", "device", lease.DeviceID, persistence.ErrDeviceLeased)
	}

	return r.tx.write(key, lease)
}

func (r *leaseRepository) Release(_ context.Context, deviceID, jobID string) error {
	if err := validateID(deviceID); err != nil {
		return persistence.NewEntityError("Release", "device", deviceID, err)
	}

	key := document(leasesDir, deviceID)

	existing, ok, err := load[models.DeviceLease](r.tx, key)
	if err != nil {
		return err
	}

	if ok && existing.JobID == jobID {
		r.tx.remove(key)
	}

	return nil
}

func (r *leaseRepository) ListByDevices(_ context.Context, deviceIDs []string) ([]*models.DeviceLease, error) {
	leases := make([]*models.DeviceLease, 0)

	for _, id := range deviceIDs {
		if validateID(id) != nil {
			continue
		}

		lease, ok, err := load[models.DeviceLease](r.tx, document(leasesDir, id))
		if err != nil {
			return nil, err
		}

		if ok {
			leases = append(leases, lease)
		}
	}

	return leases, nil
}

type campaignRepository struct {
	tx *transaction
}

func (r *campaignRepository) Save(_ context.Context, campaign *models.Campaign) error {
	err := validateID(campaign.ID)
	if err != nil {
		return persistence.NewEntityError("Save", "campaign", campaign.ID, err)
	}

	now := time.Now().UTC()
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = now
	}

	campaign.UpdatedAt = now

	return r.tx.write(document(campaignsDir, campaign.ID), campaign)
}

func (r *campaignRepository) GetByID(_ context.Context, id string) (*models.Campaign, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewEntityError("GetByID", "campaign", id, err)
	}

	campaign, ok, err := load[models.Campaign](r.tx, document(campaignsDir, id))
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, persistence.NewEntityError("GetByID", "campaign", id, persistence.ErrCampaignNotFound)
	}

	return campaign, nil
}

func (r *campaignRepository) GetForUpdate(ctx context.Context, id string) (*models.Campaign, error) {
	return r.GetByID(ctx, id)
}

func (r *campaignRepository) ListByStatus(_ context.Context, statuses ...models.CampaignStatus) ([]*models.Campaign, error) {
	all, err := loadAll[models.Campaign](r.tx, campaignsDir)
	if err != nil {
		return nil, err
	}

	campaigns := make([]*models.Campaign, 0, len(all))

	for _, campaign := range all {
		if len(statuses) == 0 || slices.Contains(statuses, campaign.Status) {
			campaigns = append(campaigns, campaign)
		}
	}

	sortCampaigns(campaigns)

	return campaigns, nil
}

func (r *campaignRepository) ListByFlow(_ context.Context, flowID string) ([]*models.Campaign, error) {
	all, err := loadAll[models.Campaign](r.tx, campaignsDir)
	if err != nil {
		return nil, err
	}

	campaigns := make([]*models.Campaign, 0)

	for _, campaign := range all {
		if slices.ContainsFunc(campaign.Flows, func(f models.CampaignFlow) bool { return f.FlowID == flowID }) {
			campaigns = append(campaigns, campaign)
		}
	}

	sortCampaigns(campaigns)

	return campaigns, nil
}

func sortCampaigns(campaigns []*models.Campaign) {
	slices.SortFunc(campaigns, func(a, b *models.Campaign) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})
}
