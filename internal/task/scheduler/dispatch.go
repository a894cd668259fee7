package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

// errSkipped marks dispatch outcomes that leave the job due for a later tick.
var errSkipped = errors.New("dispatch skipped")

// Tick runs one dispatch pass: every due job that is not running, has its
// dependencies satisfied, fits its type limit and can be claimed is launched.
// Tick never waits for the runs it starts.
func (s *Service) Tick(ctx context.Context) TickReport {
	cfg := s.config()
	start := time.Now()
	now := s.clock.Now()
	rep := TickReport{At: now}
	s.ticks.Add(1)

	if s.sweepDue(now, cfg) {
		n, err := s.recoverStale(ctx)
		if err != nil {
			s.reportDispatchError("*", errors.Wrap(err, "stale sweep"))
			rep.Errors++
		}
		rep.Recovered = n
	}

	due, err := s.store.FindDue(ctx, now, cfg.BatchSize)
	if err != nil {
		s.reportDispatchError("*", errors.Wrap(err, "find due jobs"))
		rep.Errors++
		rep.Took = time.Since(start)
		s.lastTick.Store(rep)
		return rep
	}
	rep.Due = len(due)
	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		err := s.dispatch(ctx, j, now, cfg)
		switch {
		case err == nil:
			rep.Dispatched++
		case errors.Is(err, errSkipped):
			rep.Skipped++
		default:
			rep.Errors++
		}
		s.reportDispatchError(j.Name, err)
	}
	rep.Took = time.Since(start)
	s.lastTick.Store(rep)
	if rep.Due > 0 || rep.Recovered > 0 {
		s.log.Debug("tick",
			logx.Int("recovered", rep.Recovered),
			logx.Int("due", rep.Due),
			logx.Int("dispatched", rep.Dispatched),
			logx.Int("skipped", rep.Skipped),
			logx.Int("errors", rep.Errors),
			logx.Duration("took", rep.Took),
		)
	}
	return rep
}

func (s *Service) dispatch(ctx context.Context, j *job.Job, now time.Time, cfg Config) error {
	if s.runner.IsRunning(j.Name) {
		s.skipRunning.Add(1)
		return errors.Mark(errors.Wrapf(job.ErrAlreadyRunning, "job %q", j.Name), errSkipped)
	}

	ok, err := s.Satisfied(ctx, j)
	if err != nil {
		return errors.Wrap(err, "dependency check")
	}
	if !ok {
		s.skipDeps.Add(1)
		s.publish(engine.EventJobSkipped, engine.JobEvent{JobID: j.ID, Name: j.Name, Type: j.Type, Reason: "dependencies"})
		return errors.Mark(errors.Wrapf(job.ErrDependencyUnsatisfied, "job %q", j.Name), errSkipped)
	}

	res, err := s.runner.Reserve(j.Name, j.Type)
	if err != nil {
		if errors.Is(err, engine.ErrTypeSaturated) {
			s.skipSaturated.Add(1)
			s.publish(engine.EventJobSkipped, engine.JobEvent{JobID: j.ID, Name: j.Name, Type: j.Type, Reason: "type limit"})
		}
		if errors.Is(err, engine.ErrStopped) {
			return err
		}
		return errors.Mark(err, errSkipped)
	}

	claimed, err := s.store.Claim(ctx, j.ID, s.lease(j, now, cfg), true)
	if err != nil {
		res.Release()
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, job.ErrNotFound) {
			s.claimConflicts.Add(1)
			return errors.Mark(err, errSkipped)
		}
		return errors.Wrap(err, "claim")
	}

	if _, err := s.runner.Launch(res, claimed, engine.RunOptions{}); err != nil {
		s.unclaim(ctx, claimed, j.Status)
		return errors.Wrap(err, "launch")
	}
	s.dispatched.Add(1)
	return nil
}

func (s *Service) lease(j *job.Job, now time.Time, cfg Config) storage.Lease {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = job.DefaultTimeout
	}
	return storage.Lease{
		Owner: s.runner.InstanceID(),
		Now:   now,
		Until: now.Add(timeout + cfg.LeaseTTL),
	}
}

// unclaim puts a claimed job back when its run could not be started.
func (s *Service) unclaim(ctx context.Context, j *job.Job, prior job.Status) {
	cur, err := s.store.Get(ctx, j.ID)
	if err != nil {
		return
	}
	if cur.Status == job.StatusQueued {
		cur.Status = prior
	}
	if err := s.store.Save(ctx, cur); err != nil {
		s.log.Warn("unclaim failed", logx.String("job", j.Name), logx.Err(err))
		return
	}
	if err := s.store.ReleaseLease(ctx, cur.ID, s.runner.InstanceID()); err != nil {
		s.log.Warn("lease release failed", logx.String("job", j.Name), logx.Err(err))
	}
}
