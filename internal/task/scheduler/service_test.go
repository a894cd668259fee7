package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/job"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type countingNotifier struct {
	mu      sync.Mutex
	notices []job.FailureNotice
}

func (n *countingNotifier) Notify(ctx context.Context, fn job.FailureNotice) {
	n.mu.Lock()
	n.notices = append(n.notices, fn)
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

type env struct {
	store  storage.Store
	clock  *job.FakeClock
	reg    *engine.Registry
	notes  *countingNotifier
	runner *engine.Runner
	svc    *Service
}

func newEnv(t *testing.T, cfg Config, ecfg engine.Config) *env {
	t.Helper()
	return newEnvWithStore(t, cfg, ecfg, storage.NewMemory())
}

func newEnvWithStore(t *testing.T, cfg Config, ecfg engine.Config, store storage.Store) *env {
	t.Helper()
	e := &env{
		store: store,
		clock: job.NewFakeClock(t0),
		reg:   engine.NewRegistry(),
		notes: &countingNotifier{},
	}
	if ecfg.InstanceID == "" {
		ecfg.InstanceID = "node-a"
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 10 * time.Second
	}
	e.runner = engine.New(ecfg, engine.Deps{
		Store:      e.store,
		Registry:   e.reg,
		Calculator: cfg.calculator(),
		Notifier:   e.notes,
		Clock:      e.clock,
	}, logx.Nop(), nil)
	e.svc = New(cfg, e.store, e.runner, logx.Nop(), nil, e.clock)
	e.reg.MustRegister("echo", engine.EchoHandler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.svc.Stop(ctx)
		_ = e.store.Close()
	})
	return e
}

func (e *env) schedule(t *testing.T, d job.Definition) ScheduleResult {
	t.Helper()
	res, err := e.svc.ScheduleJob(context.Background(), d)
	require.NoError(t, err)
	return res
}

func (e *env) tick(t *testing.T) TickReport {
	t.Helper()
	rep := e.svc.Tick(context.Background())
	e.wait(t)
	return rep
}

func (e *env) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.runner.Wait(ctx))
}

func (e *env) job(t *testing.T, name string) *job.Job {
	t.Helper()
	j, err := e.svc.GetJob(context.Background(), name)
	require.NoError(t, err)
	return j
}

func (e *env) executions(t *testing.T, name string) []*job.Execution {
	t.Helper()
	execs, err := e.svc.JobHistory(context.Background(), name, 100)
	require.NoError(t, err)
	return execs
}

// gate is a handler that blocks until released or cancelled.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) Handle(ctx context.Context, p job.Parameters) (job.Result, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return job.Result{Data: "done"}, nil
	case <-ctx.Done():
		return job.Result{}, ctx.Err()
	}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func TestScheduleJob_Validation(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()

	res := e.schedule(t, job.Definition{Name: "report", Type: "echo", Schedule: job.Every(1, job.UnitHours)})
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, t0.Add(time.Hour), res.NextRunAt)

	j := e.job(t, "report")
	assert.Equal(t, job.StatusScheduled, j.Status)
	assert.Equal(t, job.DefaultMaxAttempts, j.MaxAttempts)
	assert.Equal(t, 10*time.Second, j.RetryDelay)

	_, err := e.svc.ScheduleJob(ctx, job.Definition{Name: "report", Type: "echo", Schedule: job.Every(1, job.UnitHours)})
	assert.True(t, job.IsValidation(err))
	assert.True(t, errors.Is(err, job.ErrDuplicateName))

	_, err = e.svc.ScheduleJob(ctx, job.Definition{Name: "other", Type: "nope", Schedule: job.Every(1, job.UnitHours)})
	assert.True(t, job.IsValidation(err))
	assert.True(t, errors.Is(err, job.ErrUnknownHandler))

	_, err = e.svc.ScheduleJob(ctx, job.Definition{Name: "other", Type: "echo", Schedule: job.CronSchedule("*/5 * * * *")})
	assert.True(t, job.IsValidation(err))
	assert.True(t, errors.Is(err, job.ErrUnsupportedSchedule))

	_, err = e.svc.ScheduleJob(ctx, job.Definition{Name: "other", Type: "echo", Schedule: job.Every(8000, job.UnitMonths)})
	assert.True(t, job.IsValidation(err))

	_, err = e.svc.ScheduleJob(ctx, job.Definition{Name: "other", Type: "echo", Schedule: job.Every(1, job.UnitHours),
		Dependencies: []job.Dependency{{JobID: "missing", Kind: job.MustComplete}}})
	assert.True(t, job.IsValidation(err))

	_, err = e.svc.GetJob(ctx, "other")
	assert.True(t, errors.Is(err, job.ErrNotFound))

	events, err := e.svc.JobEvents(ctx, "report", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, job.EventScheduled, events[0].Event)
	assert.Equal(t, job.ActorAPI, events[0].Actor)
}

func TestScheduleJob_FullCron(t *testing.T) {
	e := newEnv(t, Config{FullCron: true}, engine.Config{})
	res := e.schedule(t, job.Definition{Name: "five", Type: "echo", Schedule: job.CronSchedule("*/5 * * * *")})
	assert.Equal(t, t0.Add(5*time.Minute), res.NextRunAt)
}

func TestDispatch_RecurringHourlyAdvances(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	e.schedule(t, job.Definition{Name: "hourly", Type: "echo", Schedule: job.Every(1, job.UnitHours)})

	rep := e.tick(t)
	assert.Equal(t, 0, rep.Due)

	e.clock.Advance(time.Hour)
	rep = e.tick(t)
	assert.Equal(t, 1, rep.Dispatched)

	j := e.job(t, "hourly")
	assert.Equal(t, job.StatusScheduled, j.Status)
	require.NotNil(t, j.LastRunAt)
	require.NotNil(t, j.NextRunAt)
	assert.Equal(t, j.LastRunAt.Add(time.Hour), *j.NextRunAt)
	assert.Equal(t, 0, j.Attempts)
	assert.Len(t, e.executions(t, "hourly"), 1)
}

func TestDispatch_RetriesUntilFailedAndNotifiesOnce(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	e.reg.MustRegister("broken", engine.HandlerFunc(func(ctx context.Context, p job.Parameters) (job.Result, error) {
		return job.Result{}, errors.New("always")
	}))
	e.schedule(t, job.Definition{Name: "broken", Type: "broken", Schedule: job.Once(t0), MaxAttempts: 3})

	prevAttempts := 0
	for i := 0; i < 3; i++ {
		rep := e.tick(t)
		require.Equal(t, 1, rep.Dispatched, "cycle %d", i)
		j := e.job(t, "broken")
		assert.GreaterOrEqual(t, j.Attempts, prevAttempts)
		assert.LessOrEqual(t, j.Attempts, j.MaxAttempts)
		prevAttempts = j.Attempts

		// Before the backoff elapses nothing is due.
		assert.Equal(t, 0, e.tick(t).Dispatched)
		e.clock.Set(j.RunAt)
	}

	j := e.job(t, "broken")
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
	assert.Equal(t, 1, e.notes.count())

	e.clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, e.tick(t).Due)
	assert.Len(t, e.executions(t, "broken"), 3)
	assert.Equal(t, 3, e.job(t, "broken").Attempts)
}

func TestUpdateJob_LoweringMaxAttemptsFailsRetryingJob(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()
	e.reg.MustRegister("broken", engine.HandlerFunc(func(ctx context.Context, p job.Parameters) (job.Result, error) {
		return job.Result{}, errors.New("always")
	}))
	e.schedule(t, job.Definition{Name: "broken", Type: "broken", Schedule: job.Once(t0), MaxAttempts: 5})

	require.Equal(t, 1, e.tick(t).Dispatched)
	e.clock.Set(e.job(t, "broken").RunAt)
	require.Equal(t, 1, e.tick(t).Dispatched)
	j := e.job(t, "broken")
	require.Equal(t, job.StatusRetrying, j.Status)
	require.Equal(t, 2, j.Attempts)

	one := 1
	j, err := e.svc.UpdateJob(ctx, "broken", job.Patch{MaxAttempts: &one})
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.NotNil(t, j.FailedAt)
	assert.Nil(t, j.NextRunAt)

	e.clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, e.tick(t).Dispatched)

	j = e.job(t, "broken")
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 2, j.Attempts)
	assert.Equal(t, 1, j.MaxAttempts)
	require.NotNil(t, j.LastError)
	assert.Equal(t, "always", j.LastError.Message)
	assert.Len(t, e.executions(t, "broken"), 2)
	require.Equal(t, 1, e.notes.count())
	assert.Equal(t, 2, e.notes.notices[0].Attempts)

	events, err := e.svc.JobEvents(ctx, "broken", 20)
	require.NoError(t, err)
	var failed int
	for _, ev := range events {
		if ev.Event == job.EventFailed && ev.Details["exhausted"] == true {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestUpdateJob_RaisingMaxAttemptsKeepsRetrying(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	e.reg.MustRegister("broken", engine.HandlerFunc(func(ctx context.Context, p job.Parameters) (job.Result, error) {
		return job.Result{}, errors.New("always")
	}))
	e.schedule(t, job.Definition{Name: "broken", Type: "broken", Schedule: job.Once(t0), MaxAttempts: 2})
	require.Equal(t, 1, e.tick(t).Dispatched)

	four := 4
	j, err := e.svc.UpdateJob(context.Background(), "broken", job.Patch{MaxAttempts: &four})
	require.NoError(t, err)
	assert.Equal(t, job.StatusRetrying, j.Status)
	assert.Equal(t, 0, e.notes.count())
}

// failingStore fails the next n Saves of a job in status on.
type failingStore struct {
	storage.Store
	mu sync.Mutex
	on job.Status
	n  int
}

func (s *failingStore) failNext(on job.Status, n int) {
	s.mu.Lock()
	s.on, s.n = on, n
	s.mu.Unlock()
}

func (s *failingStore) Save(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	if s.n > 0 && j.Status == s.on {
		s.n--
		s.mu.Unlock()
		return errors.New("disk I/O error")
	}
	s.mu.Unlock()
	return s.Store.Save(ctx, j)
}

func TestDispatch_StartSaveFailureReturnsJob(t *testing.T) {
	fs := &failingStore{Store: storage.NewMemory()}
	e := newEnvWithStore(t, Config{}, engine.Config{}, fs)
	e.schedule(t, job.Definition{Name: "report", Type: "echo", Schedule: job.Once(t0)})

	fs.failNext(job.StatusRunning, 1)
	e.tick(t)

	j := e.job(t, "report")
	assert.Equal(t, job.StatusScheduled, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Empty(t, j.LockedBy)
	assert.Nil(t, j.LockExpiresAt)
	assert.Empty(t, e.executions(t, "report"))

	e.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, e.tick(t).Dispatched)
	j = e.job(t, "report")
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 1, j.Attempts)
}

func TestDispatch_CommitSaveFailureIsSwept(t *testing.T) {
	fs := &failingStore{Store: storage.NewMemory()}
	e := newEnvWithStore(t, Config{}, engine.Config{}, fs)
	e.schedule(t, job.Definition{Name: "report", Type: "echo", Schedule: job.Once(t0), MaxAttempts: 3})

	fs.failNext(job.StatusCompleted, 1)
	require.Equal(t, 1, e.tick(t).Dispatched)
	j := e.job(t, "report")
	require.Equal(t, job.StatusRunning, j.Status)
	assert.Empty(t, j.LockedBy)

	// Within the lease TTL the sweep does not run again.
	e.clock.Advance(10 * time.Second)
	assert.Equal(t, 0, e.tick(t).Recovered)

	e.clock.Advance(2 * time.Hour)
	rep := e.tick(t)
	assert.Equal(t, 1, rep.Recovered)
	assert.Equal(t, 1, rep.Dispatched)
	assert.Equal(t, job.StatusCompleted, e.job(t, "report").Status)
}

func TestTick_SweepSkipsRunningAndForeignLeases(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()
	g := newGate()
	e.reg.MustRegister("slow", g)
	e.schedule(t, job.Definition{Name: "slow", Type: "slow", Schedule: job.Once(t0), Timeout: time.Minute})
	e.schedule(t, job.Definition{Name: "elsewhere", Type: "echo", Schedule: job.Once(t0.Add(time.Hour))})

	other := e.job(t, "elsewhere")
	other.Status = job.StatusRunning
	other.LockedBy = "node-b"
	other.LockExpiresAt = job.TimePtr(t0.Add(24 * time.Hour))
	require.NoError(t, e.store.Save(ctx, other))

	require.Equal(t, 1, e.svc.Tick(ctx).Dispatched)
	<-g.started

	// The slow run's lease has expired but it is still in flight here.
	e.clock.Advance(3 * time.Hour)
	rep := e.svc.Tick(ctx)
	assert.Equal(t, 0, rep.Recovered)
	assert.Equal(t, job.StatusRunning, e.job(t, "slow").Status)
	assert.Equal(t, job.StatusRunning, e.job(t, "elsewhere").Status)

	g.open()
	e.wait(t)
	assert.Equal(t, job.StatusCompleted, e.job(t, "slow").Status)
}

func TestDispatch_NoConcurrentRunsOfSameName(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	g := newGate()
	e.reg.MustRegister("gate", g)
	e.schedule(t, job.Definition{Name: "past", Type: "gate", Schedule: job.Once(t0.Add(-time.Hour))})

	rep := e.svc.Tick(context.Background())
	assert.Equal(t, 1, rep.Dispatched)
	<-g.started

	for i := 0; i < 3; i++ {
		rep = e.svc.Tick(context.Background())
		assert.Equal(t, 0, rep.Dispatched)
	}
	assert.Len(t, e.executions(t, "past"), 1)

	g.open()
	e.wait(t)
	assert.Equal(t, job.StatusCompleted, e.job(t, "past").Status)
	assert.Len(t, e.executions(t, "past"), 1)
}

func TestDispatch_SkipsNameAlreadyInRunningSet(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	e.schedule(t, job.Definition{Name: "dup", Type: "echo", Schedule: job.Once(t0)})

	res, err := e.runner.Reserve("dup", "echo")
	require.NoError(t, err)
	rep := e.tick(t)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, job.StatusScheduled, e.job(t, "dup").Status)
	assert.Empty(t, e.executions(t, "dup"))

	res.Release()
	assert.Equal(t, 1, e.tick(t).Dispatched)
	assert.Equal(t, job.StatusCompleted, e.job(t, "dup").Status)
}

func TestDispatch_TimeoutIsRetried(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	g := newGate()
	defer g.open()
	e.reg.MustRegister("gate", g)
	e.schedule(t, job.Definition{Name: "slow", Type: "gate", Schedule: job.Once(t0), Timeout: 20 * time.Millisecond})

	e.tick(t)
	j := e.job(t, "slow")
	assert.Equal(t, job.StatusRetrying, j.Status)
	require.NotNil(t, j.LastError)
	assert.Equal(t, job.CodeTimeout, j.LastError.Code)
	assert.False(t, e.runner.IsRunning("slow"))
	assert.Empty(t, j.LockedBy)
}

func TestDispatch_TypeLimit(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{TypeLimits: map[string]int{"gate": 1}})
	g := newGate()
	e.reg.MustRegister("gate", g)
	e.schedule(t, job.Definition{Name: "a", Type: "gate", Schedule: job.Once(t0)})
	e.schedule(t, job.Definition{Name: "b", Type: "gate", Schedule: job.Once(t0)})

	rep := e.svc.Tick(context.Background())
	assert.Equal(t, 1, rep.Dispatched)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, uint64(1), e.svc.Snapshot().SkipSaturated)

	g.open()
	e.wait(t)
	assert.Equal(t, 1, e.tick(t).Dispatched)
	assert.Equal(t, job.StatusCompleted, e.job(t, "a").Status)
	assert.Equal(t, job.StatusCompleted, e.job(t, "b").Status)
}

func TestDispatch_DependenciesGate(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	g := newGate()
	e.reg.MustRegister("gate", g)
	var loads atomic.Int32
	e.reg.MustRegister("count", engine.HandlerFunc(func(ctx context.Context, p job.Parameters) (job.Result, error) {
		loads.Add(1)
		return job.Result{}, nil
	}))
	a := e.schedule(t, job.Definition{Name: "extract", Type: "gate", Schedule: job.Once(t0)})
	e.schedule(t, job.Definition{Name: "load", Type: "count", Schedule: job.Once(t0),
		Dependencies: []job.Dependency{{JobID: a.JobID, Kind: job.MustSucceed}}})

	rep := e.svc.Tick(context.Background())
	<-g.started
	assert.Equal(t, 1, rep.Dispatched)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, job.StatusScheduled, e.job(t, "load").Status)
	assert.Equal(t, uint64(1), e.svc.Snapshot().SkipDeps)

	g.open()
	e.wait(t)
	rep = e.tick(t)
	assert.Equal(t, 1, rep.Dispatched)
	assert.Equal(t, job.StatusCompleted, e.job(t, "load").Status)
	assert.Equal(t, int32(1), loads.Load())
}

func TestDependencies_MissingIsUnsatisfied(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	a := e.schedule(t, job.Definition{Name: "a", Type: "echo", Schedule: job.Once(t0.Add(time.Hour))})
	e.schedule(t, job.Definition{Name: "b", Type: "echo", Schedule: job.Once(t0),
		Dependencies: []job.Dependency{{JobID: a.JobID, Kind: job.MustComplete}}})
	require.NoError(t, e.svc.DeleteJob(context.Background(), "a"))

	ok, err := e.svc.Satisfied(context.Background(), e.job(t, "b"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, e.tick(t).Dispatched)
}

func TestUpdateJob_RejectsCycle(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()
	a := e.schedule(t, job.Definition{Name: "a", Type: "echo", Schedule: job.Every(1, job.UnitDays)})
	b := e.schedule(t, job.Definition{Name: "b", Type: "echo", Schedule: job.Every(1, job.UnitDays),
		Dependencies: []job.Dependency{{JobID: a.JobID, Kind: job.MustComplete}}})

	deps := []job.Dependency{{JobID: b.JobID, Kind: job.MustComplete}}
	_, err := e.svc.UpdateJob(ctx, "a", job.Patch{Dependencies: &deps})
	require.Error(t, err)
	assert.True(t, job.IsValidation(err))
	assert.Contains(t, err.Error(), "cycle")

	self := []job.Dependency{{JobID: a.JobID, Kind: job.MustComplete}}
	_, err = e.svc.UpdateJob(ctx, "a", job.Patch{Dependencies: &self})
	assert.True(t, job.IsValidation(err))
	assert.Empty(t, e.job(t, "a").Dependencies)
}

func TestUpdateJob_ReschedulesAndRecordsHistory(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()
	e.schedule(t, job.Definition{Name: "digest", Type: "echo", Schedule: job.Every(1, job.UnitDays), Parameters: job.Parameters{"to": "ops"}})

	sched := job.Every(2, job.UnitHours)
	prio := 5
	j, err := e.svc.UpdateJob(ctx, "digest", job.Patch{Schedule: &sched, Priority: &prio, Parameters: job.Parameters{"cc": "dev"}})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Hour), j.RunAt)
	assert.Equal(t, 5, j.Priority)
	assert.Equal(t, job.Parameters{"to": "ops", "cc": "dev"}, j.Parameters)

	events, err := e.svc.JobEvents(ctx, "digest", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, job.EventModified, events[0].Event)
	assert.ElementsMatch(t, []string{"schedule", "priority", "parameters"}, events[0].Details["fields"])

	bad := 0
	_, err = e.svc.UpdateJob(ctx, "digest", job.Patch{Timeout: new(time.Duration)})
	assert.NoError(t, err, "zero timeout falls back to the default")
	_, err = e.svc.UpdateJob(ctx, "digest", job.Patch{MaxAttempts: &bad})
	assert.NoError(t, err)
	neg := -1
	_, err = e.svc.UpdateJob(ctx, "digest", job.Patch{MaxAttempts: &neg})
	assert.True(t, job.IsValidation(err))
}

func TestRunNow_BypassesRunAt(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()
	e.schedule(t, job.Definition{Name: "later", Type: "echo", Schedule: job.Once(t0.Add(24 * time.Hour))})

	res, err := e.svc.RunNow(ctx, "later", job.Parameters{"dry_run": true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, job.StatusRunning, res.Status)
	e.wait(t)

	execs := e.executions(t, "later")
	require.Len(t, execs, 1)
	assert.Equal(t, res.ExecutionID, execs[0].ID)
	assert.True(t, execs[0].Manual)
	assert.Equal(t, job.ExecCompleted, execs[0].Status)

	j := e.job(t, "later")
	assert.Equal(t, job.StatusScheduled, j.Status)
	assert.Equal(t, t0.Add(24*time.Hour), j.RunAt)
	assert.Equal(t, 0, j.Attempts)

	_, err = e.svc.RunNow(ctx, "nope", nil)
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

func TestRunNow_AlreadyRunning(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	g := newGate()
	e.reg.MustRegister("gate", g)
	e.schedule(t, job.Definition{Name: "busy", Type: "gate", Schedule: job.Once(t0)})

	e.svc.Tick(context.Background())
	<-g.started
	_, err := e.svc.RunNow(context.Background(), "busy", nil)
	assert.True(t, errors.Is(err, job.ErrAlreadyRunning))

	g.open()
	e.wait(t)
	assert.Len(t, e.executions(t, "busy"), 1)
}

func TestCancelJob_ExcludedFromFutureTicks(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()
	e.schedule(t, job.Definition{Name: "nightly", Type: "echo", Schedule: job.Every(1, job.UnitDays)})

	require.NoError(t, e.svc.CancelJob(ctx, "nightly", "retired"))
	j := e.job(t, "nightly")
	assert.Equal(t, job.StatusCancelled, j.Status)
	assert.Equal(t, "retired", j.CancelReason)

	for i := 0; i < 3; i++ {
		e.clock.Advance(25 * time.Hour)
		assert.Equal(t, 0, e.tick(t).Due)
	}
	assert.Empty(t, e.executions(t, "nightly"))

	require.NoError(t, e.svc.CancelJob(ctx, "nightly", "again"))
	assert.True(t, errors.Is(e.svc.ResumeJob(ctx, "nightly"), job.ErrInvalidTransition))
	assert.True(t, errors.Is(e.svc.PauseJob(ctx, "nightly"), job.ErrInvalidTransition))

	events, err := e.svc.JobEvents(ctx, "nightly", 0)
	require.NoError(t, err)
	assert.Equal(t, job.EventCancelled, events[0].Event)
}

func TestCancelJob_InterruptsRun(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	g := newGate()
	e.reg.MustRegister("gate", g)
	e.schedule(t, job.Definition{Name: "long", Type: "gate", Schedule: job.Once(t0)})

	e.svc.Tick(context.Background())
	<-g.started
	require.NoError(t, e.svc.CancelJob(context.Background(), "long", "stop it"))
	e.wait(t)

	j := e.job(t, "long")
	assert.Equal(t, job.StatusCancelled, j.Status)
	assert.Empty(t, j.LockedBy)
	assert.Equal(t, 0, e.notes.count())
}

func TestPauseResumeToggle(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()
	e.schedule(t, job.Definition{Name: "p", Type: "echo", Schedule: job.Once(t0)})

	require.NoError(t, e.svc.ToggleJob(ctx, "p", false))
	assert.Equal(t, job.StatusPaused, e.job(t, "p").Status)
	assert.Equal(t, 0, e.tick(t).Due)

	require.NoError(t, e.svc.ToggleJob(ctx, "p", true))
	assert.Equal(t, job.StatusScheduled, e.job(t, "p").Status)
	assert.Equal(t, 1, e.tick(t).Dispatched)
	assert.Equal(t, job.StatusCompleted, e.job(t, "p").Status)
	assert.True(t, errors.Is(e.svc.PauseJob(ctx, "p"), job.ErrInvalidTransition))
}

func TestResumeFailedResetsAttempts(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	var fail atomic.Bool
	fail.Store(true)
	e.reg.MustRegister("sw", engine.HandlerFunc(func(ctx context.Context, p job.Parameters) (job.Result, error) {
		if fail.Load() {
			return job.Result{}, engine.NoRetry(errors.New("off"))
		}
		return job.Result{}, nil
	}))
	e.schedule(t, job.Definition{Name: "sw", Type: "sw", Schedule: job.Once(t0)})
	e.tick(t)
	require.Equal(t, job.StatusFailed, e.job(t, "sw").Status)

	fail.Store(false)
	require.NoError(t, e.svc.ResumeJob(context.Background(), "sw"))
	j := e.job(t, "sw")
	assert.Equal(t, job.StatusScheduled, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Nil(t, j.FailedAt)

	e.tick(t)
	assert.Equal(t, job.StatusCompleted, e.job(t, "sw").Status)
}

func TestDeleteJob_KeepsExecutionsAndHistory(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()
	e.schedule(t, job.Definition{Name: "tmp", Type: "echo", Schedule: job.Once(t0)})
	e.tick(t)

	require.NoError(t, e.svc.DeleteJob(ctx, "tmp"))
	_, err := e.svc.GetJob(ctx, "tmp")
	assert.True(t, errors.Is(err, job.ErrNotFound))
	assert.Len(t, e.executions(t, "tmp"), 1)

	st, err := e.svc.GetJobStats(ctx, "tmp")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Completed)

	assert.True(t, errors.Is(e.svc.DeleteJob(ctx, "tmp"), job.ErrNotFound))
	_, err = e.svc.GetJobStats(ctx, "never")
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

func TestGetJobStats(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()
	e.reg.MustRegister("maybe", engine.HandlerFunc(func(ctx context.Context, p job.Parameters) (job.Result, error) {
		if p["fail"] == true {
			return job.Result{}, errors.New("asked to fail")
		}
		return job.Result{}, nil
	}))
	e.schedule(t, job.Definition{Name: "m", Type: "maybe", Schedule: job.Every(1, job.UnitDays)})

	for _, fail := range []bool{false, true, false} {
		_, err := e.svc.RunNow(ctx, "m", job.Parameters{"fail": fail})
		require.NoError(t, err)
		e.wait(t)
	}
	st, err := e.svc.GetJobStats(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.InDelta(t, 2.0/3.0, st.SuccessRate, 1e-9)
}

func TestStart_RecoversStaleLeases(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()
	e.schedule(t, job.Definition{Name: "crashed", Type: "echo", Schedule: job.Once(t0)})
	e.schedule(t, job.Definition{Name: "elsewhere", Type: "echo", Schedule: job.Once(t0)})

	j := e.job(t, "crashed")
	j.Status = job.StatusRunning
	j.Attempts = 1
	j.LockedBy = "node-old"
	j.LockExpiresAt = job.TimePtr(t0.Add(-time.Minute))
	require.NoError(t, e.store.Save(ctx, j))

	other := e.job(t, "elsewhere")
	other.Status = job.StatusRunning
	other.LockedBy = "node-b"
	other.LockExpiresAt = job.TimePtr(t0.Add(time.Hour))
	require.NoError(t, e.store.Save(ctx, other))

	require.NoError(t, e.svc.Start(ctx))

	j = e.job(t, "crashed")
	assert.Equal(t, job.StatusRetrying, j.Status)
	assert.Empty(t, j.LockedBy)
	assert.Nil(t, j.LockExpiresAt)
	assert.Equal(t, job.StatusRunning, e.job(t, "elsewhere").Status)
}

func TestStart_LoopDispatches(t *testing.T) {
	e := newEnv(t, Config{Enabled: true, Tick: 10 * time.Millisecond}, engine.Config{})
	e.schedule(t, job.Definition{Name: "auto", Type: "echo", Schedule: job.Once(t0)})

	require.NoError(t, e.svc.Start(context.Background()))
	require.Eventually(t, func() bool {
		j, err := e.svc.GetJob(context.Background(), "auto")
		return err == nil && j.Status == job.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	snap := e.svc.Snapshot()
	assert.True(t, snap.Enabled)
	assert.GreaterOrEqual(t, snap.Ticks, uint64(1))
	assert.Equal(t, uint64(1), snap.Dispatched)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.svc.Stop(ctx))
}

func TestSeed_UpsertsByName(t *testing.T) {
	e := newEnv(t, Config{}, engine.Config{})
	ctx := context.Background()
	defs := []job.Definition{
		{Name: "cleanup", Type: "echo", Schedule: job.Every(1, job.UnitDays)},
		{Name: "ping", Type: "echo", Schedule: job.CronSchedule("0 * * * *")},
	}
	require.NoError(t, e.svc.Seed(ctx, defs))
	require.NoError(t, e.svc.Seed(ctx, defs))

	jobs, err := e.svc.GetScheduledJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	events, err := e.svc.JobEvents(ctx, "cleanup", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "reseeding an unchanged definition is a no-op")

	defs[0].Priority = 9
	defs[0].Parameters = job.Parameters{"keep_days": 7}
	require.NoError(t, e.svc.Seed(ctx, defs))
	j := e.job(t, "cleanup")
	assert.Equal(t, 9, j.Priority)
	assert.Equal(t, job.Parameters{"keep_days": 7}, j.Parameters)
	events, err = e.svc.JobEvents(ctx, "cleanup", 0)
	require.NoError(t, err)
	assert.Equal(t, job.EventModified, events[0].Event)
	assert.Equal(t, job.ActorConfig, events[0].Actor)

	defs[1].Type = "other"
	err = e.svc.Seed(ctx, defs)
	assert.Error(t, err)
}

func TestDependencyCycleDetection(t *testing.T) {
	g := map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}}
	assert.Equal(t, []string{"a", "b", "c", "a"}, findCycle(g, "a"))
	assert.Nil(t, findCycle(map[string][]string{"a": {"b"}, "b": {"c"}}, "a"))
	assert.Nil(t, findCycle(map[string][]string{"a": {"b", "c"}, "b": {"c"}}, "a"))
}
