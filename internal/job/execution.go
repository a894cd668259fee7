package job

import "time"

// ExecStatus is the state of a single run record.
type ExecStatus string

const (
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecRetrying  ExecStatus = "retrying"
)

func (s ExecStatus) Final() bool { return s != ExecRunning }

// Execution is the audit record of one run attempt. It is created when the
// run starts and finalized exactly once.
type Execution struct {
	ID          string        `json:"id"`
	JobID       string        `json:"job_id"`
	JobName     string        `json:"job_name"`
	Status      ExecStatus    `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	RetryCount  int           `json:"retry_count"`
	Manual      bool          `json:"manual,omitempty"`
	Error       *ErrorInfo    `json:"error,omitempty"`
	Result      *Result       `json:"result,omitempty"`
	Worker      string        `json:"worker,omitempty"`
}

func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.CompletedAt = cloneTime(e.CompletedAt)
	cp.Error = e.Error.clone()
	if e.Result != nil {
		r := *e.Result
		r.Error = e.Result.Error.clone()
		cp.Result = &r
	}
	return &cp
}

// Finish stamps the terminal fields of the record.
func (e *Execution) Finish(status ExecStatus, at time.Time, res *Result, errInfo *ErrorInfo) {
	e.Status = status
	e.CompletedAt = TimePtr(at)
	e.Duration = at.Sub(e.StartedAt)
	if e.Duration < 0 {
		e.Duration = 0
	}
	e.Result = res
	e.Error = errInfo
}
