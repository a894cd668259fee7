package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/schedule"
	logx "jobsched/pkg/logx"
)

// Config controls the dispatcher and the defaults applied to new jobs.
type Config struct {
	Enabled   bool
	Tick      time.Duration
	BatchSize int
	// LeaseTTL is added to a job's timeout to form the claim lease.
	LeaseTTL time.Duration

	// Job defaults.
	MaxAttempts     int
	RetryBase       time.Duration
	DefaultTimeout  time.Duration
	DefaultTimezone string
	FullCron        bool
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	return c
}

func (c Config) jobDefaults() job.Defaults {
	return job.Defaults{
		MaxAttempts: c.MaxAttempts,
		RetryDelay:  c.RetryBase,
		Timeout:     c.DefaultTimeout,
		Timezone:    c.DefaultTimezone,
	}
}

func (c Config) calculator() schedule.Calculator {
	return schedule.Calculator{FullCron: c.FullCron, DefaultTimezone: c.DefaultTimezone}
}

// Store is the persistence the dispatcher and API need.
type Store interface {
	storage.JobStore
	storage.ExecutionStore
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	bus eventbus.Bus

	store  Store
	runner *engine.Runner
	clock  job.Clock
	newID  func() string

	sup     *rtsup.Supervisor
	trigger chan struct{}

	// Dispatch error throttling: key is job name.
	warnMu       sync.Mutex
	lastWarnedAt map[string]time.Time

	ticks          atomic.Uint64
	dispatched     atomic.Uint64
	skipRunning    atomic.Uint64
	skipDeps       atomic.Uint64
	skipSaturated  atomic.Uint64
	claimConflicts atomic.Uint64
	lastTick       atomic.Value // TickReport
	sweptAt        atomic.Int64 // unix nanos of the last stale sweep
}

// ScheduleResult is returned by ScheduleJob.
type ScheduleResult struct {
	JobID     string    `json:"job_id"`
	NextRunAt time.Time `json:"next_run_at"`
}

// RunResult is returned by RunNow.
type RunResult struct {
	ExecutionID string     `json:"execution_id"`
	Status      job.Status `json:"status"`
}

// TickReport summarises one dispatcher tick.
type TickReport struct {
	At         time.Time     `json:"at"`
	Took       time.Duration `json:"took"`
	Due        int           `json:"due"`
	Dispatched int           `json:"dispatched"`
	Skipped    int           `json:"skipped"`
	Errors     int           `json:"errors"`
	Recovered  int           `json:"recovered,omitempty"`
}

type Snapshot struct {
	Enabled   bool
	Tick      time.Duration
	BatchSize int
	Timezone  string
	FullCron  bool

	Ticks          uint64
	Dispatched     uint64
	SkipRunning    uint64
	SkipDeps       uint64
	SkipSaturated  uint64
	ClaimConflicts uint64
	LastTick       TickReport

	Runner     engine.Snapshot
	Supervisor rtsup.Snapshot
}
