package models

import "time"

// RecordStatus is the lifecycle state of a data record.
type RecordStatus string

const (
	RecordStatusActive   RecordStatus = "active"
	RecordStatusArchived RecordStatus = "archived"
)

// DataCollection is a user-owned dataset whose records feed campaign jobs.
type DataCollection struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"         validate:"required,min=1"`
	Owner       string         `json:"owner"`
	Schema      map[string]any `json:"schema,omitempty"` // JSON schema applied on ingestion
	RecordCount int            `json:"record_count"`     // active records, recomputed on change
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DataRecord is one structured row of a collection.
type DataRecord struct {
	ID           string         `json:"id"`
	CollectionID string         `json:"collection_id" validate:"required"`
	Position     int64          `json:"position"` // insertion order within the collection
	Data         map[string]any `json:"data"`
	Status       RecordStatus   `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
}

// RecordFilter narrows the records a campaign processes.
type RecordFilter struct {
	Status RecordStatus      `json:"status,omitempty"`
	Fields map[string]string `json:"fields,omitempty"` // equality on top-level data keys
}

// EffectiveStatus returns the status filter, defaulting to active.
func (f RecordFilter) EffectiveStatus() RecordStatus {
	if f.Status == "" {
		return RecordStatusActive
	}

	return f.Status
}

// Matches reports whether the record passes the filter.
func (f RecordFilter) Matches(record *DataRecord) bool {
	if record.DeletedAt != nil || record.Status != f.EffectiveStatus() {
		return false
	}

	for key, want := range f.Fields {
		got, ok := record.Data[key]
		if !ok || stringify(got) != want {
			return false
		}
	}

	return true
}

// RecordRef is the lightweight handle the selector hands to the orchestrator.
type RecordRef struct {
	ID       string         `json:"id"`
	Position int64          `json:"position"`
	Data     map[string]any `json:"data"`
}

// Ref returns the record's handle.
func (r *DataRecord) Ref() RecordRef {
	return RecordRef{ID: r.ID, Position: r.Position, Data: r.Data}
}
