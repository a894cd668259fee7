package job

import (
	"strings"
	"time"
)

// Definition is the caller-supplied description of a new job.
type Definition struct {
	Name         string        `json:"name"`
	Owner        string        `json:"owner,omitempty"`
	Type         string        `json:"type"`
	Schedule     Schedule      `json:"schedule"`
	Timezone     string        `json:"timezone,omitempty"`
	Priority     int           `json:"priority,omitempty"`
	MaxAttempts  int           `json:"max_attempts,omitempty"`
	RetryDelay   time.Duration `json:"retry_delay,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	Dependencies []Dependency  `json:"dependencies,omitempty"`
	Parameters   Parameters    `json:"parameters,omitempty"`
	// Paused creates the job disabled; it is not dispatched until resumed.
	Paused bool `json:"paused,omitempty"`
}

// Defaults fills zero-valued retry policy fields of a Definition.
type Defaults struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
	Timezone    string
}

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Minute
	DefaultTimeout     = 5 * time.Minute
)

func (d Defaults) withFallbacks() Defaults {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = DefaultRetryDelay
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	return d
}

// Normalize trims string fields and applies defaults. It does not validate.
func (d Definition) Normalize(def Defaults) Definition {
	def = def.withFallbacks()
	d.Name = strings.TrimSpace(d.Name)
	d.Type = strings.TrimSpace(d.Type)
	d.Owner = strings.TrimSpace(d.Owner)
	d.Timezone = strings.TrimSpace(d.Timezone)
	if d.Timezone == "" {
		d.Timezone = def.Timezone
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = def.MaxAttempts
	}
	if d.RetryDelay == 0 {
		d.RetryDelay = def.RetryDelay
	}
	if d.Timeout == 0 {
		d.Timeout = def.Timeout
	}
	d.Schedule = d.Schedule.Clone()
	d.Parameters = d.Parameters.Clone()
	if d.Dependencies != nil {
		d.Dependencies = append([]Dependency(nil), d.Dependencies...)
	}
	return d
}

// Validate checks everything that can be checked without a store.
func (d Definition) Validate() error {
	if d.Name == "" {
		return Invalid("name", "required")
	}
	if d.Type == "" {
		return Invalid("type", "required")
	}
	if d.MaxAttempts < 1 {
		return Invalid("max_attempts", "must be >= 1")
	}
	if d.RetryDelay < 0 {
		return Invalid("retry_delay", "must be >= 0")
	}
	if d.Timeout <= 0 {
		return Invalid("timeout", "must be > 0")
	}
	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			return InvalidCause("timezone", err)
		}
	}
	if err := d.Schedule.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		if strings.TrimSpace(dep.JobID) == "" {
			return Invalid("dependencies", "job_id required")
		}
		if dep.Kind != MustComplete && dep.Kind != MustSucceed {
			return Invalid("dependencies", "kind must be must_complete or must_succeed")
		}
		if _, dup := seen[dep.JobID]; dup {
			return Invalid("dependencies", "duplicate dependency "+dep.JobID)
		}
		seen[dep.JobID] = struct{}{}
	}
	return nil
}

// NewJob builds the initial record for a validated definition.
func NewJob(id string, d Definition, runAt, now time.Time) *Job {
	j := &Job{
		ID:           id,
		Name:         d.Name,
		Owner:        d.Owner,
		Type:         d.Type,
		Schedule:     d.Schedule.Clone(),
		Timezone:     d.Timezone,
		Status:       StatusScheduled,
		Priority:     d.Priority,
		RunAt:        runAt,
		NextRunAt:    TimePtr(runAt),
		MaxAttempts:  d.MaxAttempts,
		RetryDelay:   d.RetryDelay,
		Timeout:      d.Timeout,
		Dependencies: append([]Dependency(nil), d.Dependencies...),
		Parameters:   d.Parameters.Clone(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(j.Dependencies) == 0 {
		j.Dependencies = nil
	}
	if d.Paused {
		j.Status = StatusPaused
	}
	return j
}

// Patch is a partial update applied by UpdateJob. Nil fields are untouched.
type Patch struct {
	Schedule     *Schedule      `json:"schedule,omitempty"`
	Timezone     *string        `json:"timezone,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	MaxAttempts  *int           `json:"max_attempts,omitempty"`
	RetryDelay   *time.Duration `json:"retry_delay,omitempty"`
	Timeout      *time.Duration `json:"timeout,omitempty"`
	Dependencies *[]Dependency  `json:"dependencies,omitempty"`
	Parameters   Parameters     `json:"parameters,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Schedule == nil && p.Timezone == nil && p.Priority == nil &&
		p.MaxAttempts == nil && p.RetryDelay == nil && p.Timeout == nil &&
		p.Dependencies == nil && p.Parameters == nil
}

// Definition returns the definition describing j, for revalidation after a patch.
func (j *Job) Definition() Definition {
	return Definition{
		Name:         j.Name,
		Owner:        j.Owner,
		Type:         j.Type,
		Schedule:     j.Schedule.Clone(),
		Timezone:     j.Timezone,
		Priority:     j.Priority,
		MaxAttempts:  j.MaxAttempts,
		RetryDelay:   j.RetryDelay,
		Timeout:      j.Timeout,
		Dependencies: append([]Dependency(nil), j.Dependencies...),
		Parameters:   j.Parameters.Clone(),
		Paused:       j.Status == StatusPaused,
	}
}

// Apply overlays p on d. Parameters are merged key by key.
func (p Patch) Apply(d Definition) Definition {
	if p.Schedule != nil {
		d.Schedule = p.Schedule.Clone()
	}
	if p.Timezone != nil {
		d.Timezone = strings.TrimSpace(*p.Timezone)
	}
	if p.Priority != nil {
		d.Priority = *p.Priority
	}
	if p.MaxAttempts != nil {
		d.MaxAttempts = *p.MaxAttempts
	}
	if p.RetryDelay != nil {
		d.RetryDelay = *p.RetryDelay
	}
	if p.Timeout != nil {
		d.Timeout = *p.Timeout
	}
	if p.Dependencies != nil {
		d.Dependencies = append([]Dependency(nil), (*p.Dependencies)...)
	}
	if p.Parameters != nil {
		d.Parameters = d.Parameters.Merge(p.Parameters)
	}
	return d
}
