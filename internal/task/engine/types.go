package engine

import (
	"context"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/storage"
)

// Config controls the execution runner.
//
// The app layer maps config.runner, config.retry and the dispatcher's
// instance/type-limit fields into this struct.
type Config struct {
	// InstanceID is written to Job.LockedBy for runs this process claims.
	InstanceID string

	// DefaultTimeout is used when Job.Timeout is 0.
	DefaultTimeout time.Duration

	// RetryBase is used when Job.RetryDelay is 0. RetryMaxDelay caps every
	// computed or hinted retry delay.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// TypeLimits caps concurrent runs per job type. Types not listed are
	// unlimited.
	TypeLimits map[string]int

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = "local"
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = job.DefaultTimeout
	}
	if c.RetryBase <= 0 {
		c.RetryBase = job.DefaultRetryDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Hour
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Store is the persistence the runner needs.
type Store interface {
	storage.JobStore
	storage.ExecutionStore
}

// Notifier receives final failures. Notify must not block; delivery errors
// are the notifier's concern and never affect job state.
type Notifier interface {
	Notify(ctx context.Context, n job.FailureNotice)
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Store      Store
	Registry   *Registry
	Calculator Calculator
	Notifier   Notifier
	Clock      job.Clock
	// NewID generates execution and history ids. Defaults to uuid v4.
	NewID func() string
}

// Calculator computes the next run of a recurring job.
type Calculator interface {
	Next(j *job.Job, from time.Time) (time.Time, bool, error)
}

// RunOptions modify a single launch.
type RunOptions struct {
	// Manual runs come from RunNow: they do not consume attempts, never
	// schedule a retry and return the job to PriorStatus afterwards.
	Manual      bool
	PriorStatus job.Status
	Override    job.Parameters
}

// Event types published on the bus.
const (
	EventJobScheduled = "job.scheduled"
	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobRetrying  = "job.retrying"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
	EventJobSkipped   = "job.skipped"
)

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	JobID       string        `json:"job_id"`
	Name        string        `json:"name"`
	Type        string        `json:"type,omitempty"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Status      job.Status    `json:"status,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
	Manual      bool          `json:"manual,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	RunAt       time.Time     `json:"run_at,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// HistoryItem is a recent run kept in memory for diagnostics.
type HistoryItem struct {
	ExecutionID string
	Name        string
	Started     time.Time
	Duration    time.Duration
	Outcome     job.ExecStatus
	Error       string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	InstanceID     string
	DefaultTimeout time.Duration
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration

	Running    []RunInfo
	TypeLimits map[string]int
	TypeInUse  map[string]int

	Started   uint64
	Completed uint64
	Failed    uint64
	Retried   uint64
	TimedOut  uint64
	Cancelled uint64

	History []HistoryItem
}
