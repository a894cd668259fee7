package scheduler

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

const defaultListLimit = 50

// ScheduleJob validates def and persists a new job. A duplicate name or an
// unregistered type is a ValidationError and nothing is stored.
func (s *Service) ScheduleJob(ctx context.Context, def job.Definition) (ScheduleResult, error) {
	return s.scheduleJob(ctx, def, job.ActorAPI)
}

func (s *Service) scheduleJob(ctx context.Context, def job.Definition, actor string) (ScheduleResult, error) {
	cfg := s.config()
	def = def.Normalize(cfg.jobDefaults())
	if err := s.validate(def, cfg); err != nil {
		return ScheduleResult{}, err
	}
	if _, err := s.store.GetByName(ctx, def.Name); err == nil {
		return ScheduleResult{}, job.InvalidCause("name", errors.Wrapf(job.ErrDuplicateName, "%q", def.Name))
	} else if !errors.Is(err, job.ErrNotFound) {
		return ScheduleResult{}, err
	}

	id := s.newID()
	if err := s.checkDependencies(ctx, id, def.Dependencies); err != nil {
		return ScheduleResult{}, err
	}

	now := s.clock.Now()
	runAt, err := s.firstRun(def.Schedule, def.Timezone, now, cfg)
	if err != nil {
		return ScheduleResult{}, err
	}
	j := job.NewJob(id, def, runAt, now)
	if err := s.store.Create(ctx, j); err != nil {
		if errors.Is(err, job.ErrDuplicateName) {
			return ScheduleResult{}, job.InvalidCause("name", err)
		}
		return ScheduleResult{}, err
	}

	s.appendHistory(ctx, j, job.EventScheduled, actor, map[string]any{
		"schedule": j.Schedule.String(),
		"run_at":   runAt,
	})
	s.publish(engine.EventJobScheduled, engine.JobEvent{
		JobID:  j.ID,
		Name:   j.Name,
		Type:   j.Type,
		Status: j.Status,
		RunAt:  runAt,
	})
	s.log.Info("job scheduled",
		logx.String("job", j.Name),
		logx.String("job_id", j.ID),
		logx.String("type", j.Type),
		logx.String("schedule", j.Schedule.String()),
		logx.Time("run_at", runAt),
	)
	if !runAt.After(now) {
		s.Trigger()
	}
	return ScheduleResult{JobID: j.ID, NextRunAt: runAt}, nil
}

func (s *Service) validate(def job.Definition, cfg Config) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if !s.runner.Registry().Has(def.Type) {
		return job.InvalidCause("type", errors.Wrapf(job.ErrUnknownHandler, "%q", def.Type))
	}
	return cfg.calculator().Validate(def.Schedule)
}

// firstRun is the initial RunAt: the fixed instant for a one-off schedule
// (a past instant runs on the next tick), the next occurrence otherwise.
func (s *Service) firstRun(sched job.Schedule, tz string, now time.Time, cfg Config) (time.Time, error) {
	if sched.Kind == job.KindOnce {
		return sched.At, nil
	}
	next, ok, err := cfg.calculator().NextRunIn(sched, tz, now)
	if err != nil {
		return time.Time{}, job.InvalidCause("schedule", err)
	}
	if !ok {
		return time.Time{}, job.Invalid("schedule", "no future occurrence")
	}
	return next, nil
}

// RunNow runs the named job immediately regardless of its RunAt and status.
// The run does not consume an attempt and the job returns to its previous
// status afterwards.
func (s *Service) RunNow(ctx context.Context, name string, override job.Parameters) (RunResult, error) {
	j, err := s.store.GetByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return RunResult{}, err
	}
	res, err := s.runner.Reserve(j.Name, j.Type)
	if err != nil {
		return RunResult{}, err
	}
	cfg := s.config()
	claimed, err := s.store.Claim(ctx, j.ID, s.lease(j, s.clock.Now(), cfg), false)
	if err != nil {
		res.Release()
		if errors.Is(err, storage.ErrConflict) {
			return RunResult{}, errors.Wrapf(job.ErrAlreadyRunning, "job %q is leased by another instance", j.Name)
		}
		return RunResult{}, err
	}
	execID, err := s.runner.Launch(res, claimed, engine.RunOptions{
		Manual:      true,
		PriorStatus: j.Status,
		Override:    override,
	})
	if err != nil {
		s.unclaim(ctx, claimed, j.Status)
		return RunResult{}, err
	}
	s.log.Info("manual run started", logx.String("job", j.Name), logx.String("execution_id", execID))
	return RunResult{ExecutionID: execID, Status: job.StatusRunning}, nil
}

// ToggleJob resumes the job when enabled is true and pauses it otherwise.
func (s *Service) ToggleJob(ctx context.Context, name string, enabled bool) error {
	if enabled {
		return s.ResumeJob(ctx, name)
	}
	return s.PauseJob(ctx, name)
}

// PauseJob stops the job from being dispatched. A run in flight finishes
// but its outcome does not change the paused status.
func (s *Service) PauseJob(ctx context.Context, name string) error {
	j, err := s.store.GetByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	switch {
	case j.Status == job.StatusPaused:
		return nil
	case j.Status.Terminal():
		return errors.Wrapf(job.ErrInvalidTransition, "cannot pause %s job %q", j.Status, j.Name)
	}
	prev := j.Status
	j.Status = job.StatusPaused
	j.UpdatedAt = s.clock.Now()
	if err := s.store.Save(ctx, j); err != nil {
		return err
	}
	s.appendHistory(ctx, j, job.EventModified, job.ActorAPI, map[string]any{"status": string(j.Status), "from": string(prev)})
	s.log.Info("job paused", logx.String("job", j.Name))
	return nil
}

// ResumeJob makes a paused or failed job dispatchable again. Resuming a
// failed job resets its attempts.
func (s *Service) ResumeJob(ctx context.Context, name string) error {
	j, err := s.store.GetByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	prev := j.Status
	switch prev {
	case job.StatusPaused:
		if s.runner.IsRunning(j.Name) {
			// Let the in-flight run commit as if it had never been paused.
			j.Status = job.StatusRunning
		} else {
			j.Status = job.StatusScheduled
		}
	case job.StatusFailed:
		j.Status = job.StatusScheduled
		j.Attempts = 0
		j.FailedAt = nil
		if j.Recurring() {
			cfg := s.config()
			next, err := s.firstRun(j.Schedule, j.Timezone, s.clock.Now(), cfg)
			if err != nil {
				return err
			}
			j.RunAt = next
		}
		j.NextRunAt = job.TimePtr(j.RunAt)
	case job.StatusCompleted, job.StatusCancelled:
		return errors.Wrapf(job.ErrInvalidTransition, "cannot resume %s job %q", prev, j.Name)
	default:
		return nil
	}
	j.UpdatedAt = s.clock.Now()
	if err := s.store.Save(ctx, j); err != nil {
		return err
	}
	s.appendHistory(ctx, j, job.EventModified, job.ActorAPI, map[string]any{"status": string(j.Status), "from": string(prev)})
	s.log.Info("job resumed", logx.String("job", j.Name), logx.String("from", string(prev)))
	if j.Status.Dispatchable() && !j.RunAt.After(s.clock.Now()) {
		s.Trigger()
	}
	return nil
}

// CancelJob moves the job to the terminal cancelled status and cancels the
// handler context of a run in flight.
func (s *Service) CancelJob(ctx context.Context, name, reason string) error {
	j, err := s.store.GetByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	switch j.Status {
	case job.StatusCancelled:
		return nil
	case job.StatusCompleted, job.StatusFailed:
		return errors.Wrapf(job.ErrInvalidTransition, "cannot cancel %s job %q", j.Status, j.Name)
	}
	prev := j.Status
	now := s.clock.Now()
	j.Status = job.StatusCancelled
	j.CancelReason = strings.TrimSpace(reason)
	j.NextRunAt = nil
	j.UpdatedAt = now
	if err := s.store.Save(ctx, j); err != nil {
		return err
	}
	signalled := s.runner.Cancel(j.Name, j.CancelReason)

	s.appendHistory(ctx, j, job.EventCancelled, job.ActorAPI, map[string]any{
		"reason":    j.CancelReason,
		"from":      string(prev),
		"in_flight": signalled,
	})
	s.publish(engine.EventJobCancelled, engine.JobEvent{
		JobID:  j.ID,
		Name:   j.Name,
		Type:   j.Type,
		Status: j.Status,
		Reason: j.CancelReason,
	})
	s.log.Info("job cancelled",
		logx.String("job", j.Name),
		logx.String("reason", j.CancelReason),
		logx.Bool("in_flight", signalled),
	)
	return nil
}

// UpdateJob applies patch to the named job after revalidating the result.
// A schedule or timezone change moves RunAt of a scheduled or paused job.
func (s *Service) UpdateJob(ctx context.Context, name string, patch job.Patch) (*job.Job, error) {
	return s.updateJob(ctx, name, patch, job.ActorAPI)
}

func (s *Service) updateJob(ctx context.Context, name string, patch job.Patch, actor string) (*job.Job, error) {
	j, err := s.store.GetByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return j, nil
	}
	return s.redefine(ctx, j, patch.Apply(j.Definition()), actor)
}

// redefine replaces the definition fields of j with def.
func (s *Service) redefine(ctx context.Context, j *job.Job, def job.Definition, actor string) (*job.Job, error) {
	cfg := s.config()
	before := j.Definition()
	def = def.Normalize(cfg.jobDefaults())
	if err := s.validate(def, cfg); err != nil {
		return nil, err
	}
	changed := changedFields(before, def)
	if len(changed) == 0 {
		return j, nil
	}
	if !sameDeps(before.Dependencies, def.Dependencies) {
		if err := s.checkDependencies(ctx, j.ID, def.Dependencies); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	reschedule := !reflect.DeepEqual(before.Schedule, def.Schedule) || before.Timezone != def.Timezone

	j.Schedule = def.Schedule
	j.Timezone = def.Timezone
	j.Priority = def.Priority
	j.MaxAttempts = def.MaxAttempts
	j.RetryDelay = def.RetryDelay
	j.Timeout = def.Timeout
	j.Dependencies = def.Dependencies
	if len(j.Dependencies) == 0 {
		j.Dependencies = nil
	}
	j.Parameters = def.Parameters
	if reschedule && (j.Status == job.StatusScheduled || j.Status == job.StatusPaused) {
		runAt, err := s.firstRun(j.Schedule, j.Timezone, now, cfg)
		if err != nil {
			return nil, err
		}
		j.RunAt = runAt
		j.NextRunAt = job.TimePtr(runAt)
	}
	j.UpdatedAt = now
	var exhausted *job.ErrorInfo
	if j.Status == job.StatusRetrying && j.AttemptsExhausted() {
		exhausted = j.Exhaust(now)
	}
	if err := s.store.Save(ctx, j); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, j, job.EventModified, actor, map[string]any{"fields": changed})
	s.log.Info("job updated", logx.String("job", j.Name), logx.Any("fields", changed))
	if exhausted != nil {
		s.appendHistory(ctx, j, job.EventFailed, actor, map[string]any{
			"attempt":   j.Attempts,
			"error":     exhausted.Message,
			"exhausted": true,
		})
		s.log.Warn("job failed: attempts exceed new limit",
			logx.String("job", j.Name),
			logx.Int("attempts", j.Attempts),
			logx.Int("max_attempts", j.MaxAttempts),
		)
		s.publish(engine.EventJobFailed, engine.JobEvent{
			JobID: j.ID, Name: j.Name, Type: j.Type, Status: j.Status, Attempts: j.Attempts, Error: exhausted.Message,
		})
		s.runner.Notify(j.Notice(exhausted, now))
	}
	if j.Status.Dispatchable() && !j.RunAt.After(now) {
		s.Trigger()
	}
	return j, nil
}

func changedFields(a, b job.Definition) []string {
	var out []string
	if !reflect.DeepEqual(a.Schedule, b.Schedule) {
		out = append(out, "schedule")
	}
	if a.Timezone != b.Timezone {
		out = append(out, "timezone")
	}
	if a.Priority != b.Priority {
		out = append(out, "priority")
	}
	if a.MaxAttempts != b.MaxAttempts {
		out = append(out, "max_attempts")
	}
	if a.RetryDelay != b.RetryDelay {
		out = append(out, "retry_delay")
	}
	if a.Timeout != b.Timeout {
		out = append(out, "timeout")
	}
	if !sameDeps(a.Dependencies, b.Dependencies) {
		out = append(out, "dependencies")
	}
	if !sameParams(a.Parameters, b.Parameters) {
		out = append(out, "parameters")
	}
	return out
}

func sameDeps(a, b []job.Dependency) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameParams(a, b job.Parameters) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// DeleteJob removes the job record. A run in flight is cancelled and its
// outcome discarded. Executions and history are kept.
func (s *Service) DeleteJob(ctx context.Context, name string) error {
	j, err := s.store.GetByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, j.ID); err != nil {
		return err
	}
	signalled := s.runner.Cancel(j.Name, "job deleted")
	s.appendHistory(ctx, j, job.EventCancelled, job.ActorAPI, map[string]any{
		"reason":    "deleted",
		"in_flight": signalled,
	})
	s.log.Info("job deleted", logx.String("job", j.Name), logx.Bool("in_flight", signalled))
	return nil
}

// GetJob returns the named job.
func (s *Service) GetJob(ctx context.Context, name string) (*job.Job, error) {
	return s.store.GetByName(ctx, strings.TrimSpace(name))
}

// GetScheduledJobs lists every job, highest priority and earliest RunAt first.
func (s *Service) GetScheduledJobs(ctx context.Context) ([]*job.Job, error) {
	return s.store.List(ctx)
}

// JobHistory lists executions of the named job, newest first.
func (s *Service) JobHistory(ctx context.Context, name string, limit int) ([]*job.Execution, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.store.ListExecutions(ctx, strings.TrimSpace(name), limit)
}

// JobEvents lists lifecycle history entries of the named job, newest first.
func (s *Service) JobEvents(ctx context.Context, name string, limit int) ([]job.HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.store.ListHistory(ctx, strings.TrimSpace(name), limit)
}

// GetJobStats aggregates every recorded execution of the named job. A name
// with neither a job nor executions is ErrNotFound.
func (s *Service) GetJobStats(ctx context.Context, name string) (job.Stats, error) {
	name = strings.TrimSpace(name)
	execs, err := s.store.ListExecutions(ctx, name, 0)
	if err != nil {
		return job.Stats{}, err
	}
	if len(execs) == 0 {
		if _, err := s.store.GetByName(ctx, name); err != nil {
			return job.Stats{}, err
		}
	}
	return job.ComputeStats(execs), nil
}

// Seed upserts definitions by name. New names are scheduled, existing jobs
// are patched when their definition differs. Errors are collected per job.
func (s *Service) Seed(ctx context.Context, defs []job.Definition) error {
	var errs error
	for _, def := range defs {
		if err := s.seedOne(ctx, def); err != nil {
			s.log.Warn("seed job failed", logx.String("job", def.Name), logx.Err(err))
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "seed %q", def.Name))
		}
	}
	return errs
}

func (s *Service) seedOne(ctx context.Context, def job.Definition) error {
	def = def.Normalize(s.config().jobDefaults())
	cur, err := s.store.GetByName(ctx, def.Name)
	if errors.Is(err, job.ErrNotFound) {
		_, err = s.scheduleJob(ctx, def, job.ActorConfig)
		return err
	}
	if err != nil {
		return err
	}
	if cur.Type != def.Type {
		return job.Invalid("type", "cannot change type of existing job from "+cur.Type)
	}
	// Seeded definitions replace the stored one; owner and paused state stay.
	def.Owner = cur.Owner
	_, err = s.redefine(ctx, cur, def, job.ActorConfig)
	return err
}
