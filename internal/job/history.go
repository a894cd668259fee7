package job

import "time"

// Event names a job lifecycle audit entry.
type Event string

const (
	EventScheduled Event = "scheduled"
	EventExecuted  Event = "executed"
	EventFailed    Event = "failed"
	EventCancelled Event = "cancelled"
	EventModified  Event = "modified"
)

// Actors recorded on history entries.
const (
	ActorSystem     = "system"
	ActorDispatcher = "dispatcher"
	ActorAPI        = "api"
	ActorConfig     = "config"
)

// HistoryEntry is a write-once audit record.
type HistoryEntry struct {
	ID      string         `json:"id"`
	JobID   string         `json:"job_id"`
	JobName string         `json:"job_name"`
	Event   Event          `json:"event"`
	At      time.Time      `json:"at"`
	Actor   string         `json:"actor,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// FailureNotice is handed to the notifier when a job fails for good.
type FailureNotice struct {
	JobID        string    `json:"job_id"`
	JobName      string    `json:"job_name"`
	JobType      string    `json:"job_type,omitempty"`
	Attempts     int       `json:"attempts"`
	ErrorMessage string    `json:"error_message"`
	ErrorCode    string    `json:"error_code,omitempty"`
	FailedAt     time.Time `json:"failed_at"`
}
