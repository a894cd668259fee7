package job

import (
	"time"
)

// Status is the current lifecycle state of a Job.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Dispatchable reports whether the dispatcher may pick the job up once it is due.
func (s Status) Dispatchable() bool {
	return s == StatusScheduled || s == StatusRetrying
}

// Active reports whether a run is in flight (claimed or executing).
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Terminal reports whether no further automatic transition happens from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusQueued, StatusRunning, StatusCompleted,
		StatusFailed, StatusRetrying, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// DependencyKind selects how strictly a dependency must have finished.
type DependencyKind string

const (
	MustComplete DependencyKind = "must_complete"
	MustSucceed  DependencyKind = "must_succeed"
)

type Dependency struct {
	JobID string         `json:"job_id"`
	Kind  DependencyKind `json:"kind"`
}

// Parameters is the opaque payload handed to a handler.
type Parameters map[string]any

// Clone returns a shallow copy; nil stays nil.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns p overlaid with override. Neither input is modified.
func (p Parameters) Merge(override Parameters) Parameters {
	if len(override) == 0 {
		return p.Clone()
	}
	out := make(Parameters, len(p)+len(override))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// ErrorInfo is the persisted form of a run failure.
type ErrorInfo struct {
	Message string   `json:"message"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

// Result is the outcome snapshot of the last run.
type Result struct {
	Success          bool          `json:"success"`
	Data             any           `json:"data,omitempty"`
	Error            *ErrorInfo    `json:"error,omitempty"`
	Duration         time.Duration `json:"duration"`
	RecordsProcessed int           `json:"records_processed,omitempty"`
	RecordsFailed    int           `json:"records_failed,omitempty"`
}

// Job is a named, schedulable unit of work. Exactly one record per job holds
// its current status.
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Owner    string   `json:"owner,omitempty"`
	Type     string   `json:"type"`
	Schedule Schedule `json:"schedule"`
	Timezone string   `json:"timezone,omitempty"`
	Status   Status   `json:"status"`
	Priority int      `json:"priority"`

	RunAt       time.Time  `json:"run_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`

	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	RetryDelay  time.Duration `json:"retry_delay"`
	Timeout     time.Duration `json:"timeout"`

	Dependencies []Dependency `json:"dependencies,omitempty"`
	Parameters   Parameters   `json:"parameters,omitempty"`
	Result       *Result      `json:"result,omitempty"`
	LastError    *ErrorInfo   `json:"last_error,omitempty"`
	CancelReason string       `json:"cancel_reason,omitempty"`

	// Lease held by the dispatcher instance that claimed the current run.
	LockedBy      string     `json:"locked_by,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy for stores that hand out records by value.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.FailedAt = cloneTime(j.FailedAt)
	cp.LastRunAt = cloneTime(j.LastRunAt)
	cp.NextRunAt = cloneTime(j.NextRunAt)
	cp.LockExpiresAt = cloneTime(j.LockExpiresAt)
	cp.Schedule = j.Schedule.Clone()
	if j.Dependencies != nil {
		cp.Dependencies = append([]Dependency(nil), j.Dependencies...)
	}
	cp.Parameters = j.Parameters.Clone()
	if j.Result != nil {
		r := *j.Result
		r.Error = j.Result.Error.clone()
		cp.Result = &r
	}
	cp.LastError = j.LastError.clone()
	return &cp
}

// Recurring reports whether the job cycles after a successful run.
func (j *Job) Recurring() bool { return j != nil && j.Schedule.Kind == KindRecurring }

// Due reports whether the dispatcher should pick the job at now.
func (j *Job) Due(now time.Time) bool {
	return j != nil && j.Status.Dispatchable() && !j.RunAt.After(now)
}

// AttemptsExhausted reports whether every allowed attempt has been used.
func (j *Job) AttemptsExhausted() bool {
	return j != nil && j.Attempts > 0 && j.Attempts >= j.MaxAttempts
}

// Exhaust moves the job to failed without another run. The last run's error
// stays on the job when there is one. It returns the recorded error.
func (j *Job) Exhaust(at time.Time) *ErrorInfo {
	if j.LastError == nil {
		j.LastError = &ErrorInfo{Message: "retry attempts exhausted", Code: CodeAttemptsExhausted}
	}
	j.Status = StatusFailed
	j.FailedAt = TimePtr(at)
	j.NextRunAt = nil
	j.LockedBy = ""
	j.LockExpiresAt = nil
	j.UpdatedAt = at
	return j.LastError
}

// Notice builds the final-failure notice for the job.
func (j *Job) Notice(info *ErrorInfo, at time.Time) FailureNotice {
	n := FailureNotice{JobID: j.ID, JobName: j.Name, JobType: j.Type, Attempts: j.Attempts, FailedAt: at}
	if info != nil {
		n.ErrorMessage = info.Message
		n.ErrorCode = info.Code
	}
	return n
}

// Leased reports whether another owner holds an unexpired lease.
func (j *Job) Leased(owner string, now time.Time) bool {
	if j == nil || j.LockedBy == "" || j.LockedBy == owner {
		return false
	}
	return j.LockExpiresAt != nil && j.LockExpiresAt.After(now)
}

func (e *ErrorInfo) clone() *ErrorInfo {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Details != nil {
		cp.Details = append([]string(nil), e.Details...)
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
