package models

import "time"

// LogLevel is the severity of a JobLog entry.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// SubjectKind enumerates the entities a JobLog entry can describe.
type SubjectKind string

const (
	SubjectJob      SubjectKind = "job"
	SubjectItem     SubjectKind = "item"
	SubjectTask     SubjectKind = "task"
	SubjectCampaign SubjectKind = "campaign"
)

// LogSubject is a typed reference to the entity a log entry is about.
type LogSubject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// JobLog is an observability record consumed by the external log viewer.
type JobLog struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	Subject   LogSubject     `json:"subject"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
