package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
)

var (
	ErrClosed = errors.New("storage closed")
	// ErrConflict is returned by Claim when the job is not claimable: not due,
	// already active, or leased by another owner.
	ErrConflict = errors.New("job not claimable")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): non-durable, process-local
//   - "file": JSON Lines journal + snapshot under Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Lease describes a claim on a job for one run.
type Lease struct {
	Owner string
	Now   time.Time
	Until time.Time
}

// JobStore holds exactly one record per job with its current status.
type JobStore interface {
	// Create inserts j. A taken name returns job.ErrDuplicateName.
	Create(ctx context.Context, j *job.Job) error
	// Save overwrites an existing record. Unknown ids return job.ErrNotFound.
	Save(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)
	GetByName(ctx context.Context, name string) (*job.Job, error)
	List(ctx context.Context) ([]*job.Job, error)
	// FindDue returns dispatchable jobs with RunAt <= now, highest priority
	// first then earliest RunAt. limit <= 0 means no limit.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error)
	Delete(ctx context.Context, id string) error

	// Claim marks the job queued and records the lease. With requireDue the
	// job must be dispatchable and due at l.Now; otherwise any job that is not
	// actively leased can be claimed. Returns ErrConflict when not claimable.
	Claim(ctx context.Context, id string, l Lease, requireDue bool) (*job.Job, error)
	// ReleaseLease clears the lease if owner still holds it.
	ReleaseLease(ctx context.Context, id, owner string) error
}

// ExecutionStore is the append-mostly audit log.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *job.Execution) error
	// FinishExecution writes the terminal state once. A second call returns
	// job.ErrExecutionFinalized.
	FinishExecution(ctx context.Context, e *job.Execution) error
	// ListExecutions returns the newest records for jobName first.
	ListExecutions(ctx context.Context, jobName string, limit int) ([]*job.Execution, error)

	AppendHistory(ctx context.Context, h job.HistoryEntry) error
	ListHistory(ctx context.Context, jobName string, limit int) ([]job.HistoryEntry, error)
}

// DedupStore keeps notifier dedup deadlines across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is everything a driver provides.
type Store interface {
	JobStore
	ExecutionStore
	DedupStore
	Close() error
}
