package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

const storeOpTimeout = 10 * time.Second

func New(cfg Config, store Store, runner *engine.Runner, log logx.Logger, bus eventbus.Bus, clock job.Clock) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = job.SystemClock()
	}
	return &Service{
		cfg:          cfg.withDefaults(),
		log:          log,
		bus:          bus,
		store:        store,
		runner:       runner,
		clock:        clock,
		newID:        uuid.NewString,
		trigger:      make(chan struct{}, 1),
		lastWarnedAt: map[string]time.Time{},
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Enabled reports the current config flag. Apply may run concurrently.
func (s *Service) Enabled() bool { return s.config().Enabled }

// Apply swaps the config. Tick and batch size take effect on the next loop
// iteration; job defaults apply to jobs scheduled afterwards.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if old.Tick != cfg.Tick {
		s.Trigger()
	}
}

// Start recovers runs orphaned by a previous process and starts the tick
// loop. With dispatching disabled only the API is served.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	cur := s.cfg
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.Duration("tick", cur.Tick))

	recovered, err := s.recoverStale(ctx)
	if err != nil {
		return err
	}
	if !cur.Enabled {
		s.log.Info("service started; dispatching disabled", logx.Int("recovered", recovered))
		return nil
	}
	sup.GoRestart("dispatcher.tick", s.loop,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("service started",
		logx.Duration("tick", cur.Tick),
		logx.Int("batch", cur.BatchSize),
		logx.Int("recovered", recovered),
		logx.String("instance", s.runner.InstanceID()),
	)
	return nil
}

// Stop ends the tick loop, then cancels in-flight handlers and waits for
// their runs to commit until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			s.log.Warn("tick loop stop", logx.Err(err))
		}
	}
	err := s.runner.Stop(ctx)
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Trigger requests an immediate tick. It never blocks.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) error {
	s.Tick(ctx)
	t := time.NewTimer(s.config().Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-s.trigger:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		}
		s.Tick(ctx)
		t.Reset(s.config().Tick)
	}
}

// recoverStale returns queued or running jobs whose lease expired, or that
// this instance owned but no longer runs, to a dispatchable status. It runs
// at Start and from Tick once per lease TTL.
func (s *Service) recoverStale(ctx context.Context) (int, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	s.sweptAt.Store(now.UnixNano())
	n := 0
	for _, j := range jobs {
		if !j.Status.Active() || s.runner.IsRunning(j.Name) {
			continue
		}
		// The listing may be stale by now.
		cur, err := s.store.Get(ctx, j.ID)
		if err != nil || !s.stale(cur, now) {
			continue
		}
		if s.recoverJob(ctx, cur, now) {
			n++
		}
	}
	return n, nil
}

func (s *Service) stale(j *job.Job, now time.Time) bool {
	if !j.Status.Active() || s.runner.IsRunning(j.Name) {
		return false
	}
	expired := j.LockExpiresAt == nil || !j.LockExpiresAt.After(now)
	return expired || j.LockedBy == s.runner.InstanceID()
}

func (s *Service) recoverJob(ctx context.Context, j *job.Job, now time.Time) bool {
	prev := j.Status
	switch {
	case prev == job.StatusRunning && j.Attempts >= j.MaxAttempts:
		j.Status = job.StatusFailed
		j.FailedAt = job.TimePtr(now)
		j.LastError = &job.ErrorInfo{Message: "run interrupted by process exit", Code: job.CodeCancelled}
		j.NextRunAt = nil
	case j.Attempts > 0:
		j.Status = job.StatusRetrying
	default:
		j.Status = job.StatusScheduled
	}
	j.LockedBy = ""
	j.LockExpiresAt = nil
	j.UpdatedAt = now
	if err := s.store.Save(ctx, j); err != nil {
		s.log.Warn("stale job recovery failed", logx.String("job", j.Name), logx.Err(err))
		return false
	}
	s.appendHistory(ctx, j, job.EventModified, job.ActorSystem, map[string]any{
		"recovered": true,
		"from":      string(prev),
		"to":        string(j.Status),
	})
	s.log.Warn("recovered stale job",
		logx.String("job", j.Name),
		logx.String("from", string(prev)),
		logx.String("to", string(j.Status)),
		logx.Int("attempts", j.Attempts),
	)
	return true
}

// sweepDue reports whether a tick at now should run recoverStale.
func (s *Service) sweepDue(now time.Time, cfg Config) bool {
	last := s.sweptAt.Load()
	return last == 0 || now.Sub(time.Unix(0, last)) >= cfg.LeaseTTL
}

func (s *Service) appendHistory(ctx context.Context, j *job.Job, ev job.Event, actor string, details map[string]any) {
	h := job.HistoryEntry{
		ID:      s.newID(),
		JobID:   j.ID,
		JobName: j.Name,
		Event:   ev,
		At:      s.clock.Now(),
		Actor:   actor,
		Details: details,
	}
	if err := s.store.AppendHistory(ctx, h); err != nil {
		s.log.Warn("history append failed", logx.String("job", j.Name), logx.String("event", string(ev)), logx.Err(err))
	}
}

func (s *Service) publish(typ string, ev engine.JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
}
