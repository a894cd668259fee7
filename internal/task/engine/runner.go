package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/task/schedule"
	logx "jobsched/pkg/logx"
)

const storeOpTimeout = 10 * time.Second

// errCancelled is the cause attached to a handler context by Cancel.
var errCancelled = errors.Mark(errors.New("job cancelled"), context.Canceled)

// Runner executes claimed jobs. Each run happens on its own goroutine; the
// runner owns the in-process running set and the per-type limits.
type Runner struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store    Store
	registry *Registry
	calc     Calculator
	notifier Notifier
	clock    job.Clock
	newID    func() string

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	stopping   atomic.Bool
	wg         sync.WaitGroup

	running runningSet
	limits  typeLimiter

	hmu     sync.Mutex
	history []HistoryItem

	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Calculator == nil {
		deps.Calculator = schedule.Calculator{}
	}
	if deps.Clock == nil {
		deps.Clock = job.SystemClock()
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.NewString() }
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	r := &Runner{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		store:      deps.Store,
		registry:   deps.Registry,
		calc:       deps.Calculator,
		notifier:   deps.Notifier,
		clock:      deps.Clock,
		newID:      deps.NewID,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	r.limits.setLimits(cfg.TypeLimits)
	return r
}

// Apply swaps the runtime config. Runs in flight keep the values they started with.
func (r *Runner) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.limits.setLimits(cfg.TypeLimits)
}

func (r *Runner) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// InstanceID is the lease owner name of this runner.
func (r *Runner) InstanceID() string { return r.config().InstanceID }

func (r *Runner) Registry() *Registry { return r.registry }

// Reservation holds a job name in the running set and, for limited types, a
// slot of the type semaphore. Release is idempotent.
type Reservation struct {
	name    string
	release func()
	once    sync.Once
}

func (res *Reservation) Release() {
	if res == nil {
		return
	}
	res.once.Do(res.release)
}

// Reserve inserts name into the running set. It fails with
// job.ErrAlreadyRunning when the name is already in flight and with
// ErrTypeSaturated when jobType is at its limit.
func (r *Runner) Reserve(name, jobType string) (*Reservation, error) {
	if r.stopping.Load() {
		return nil, ErrStopped
	}
	name = strings.TrimSpace(name)
	if !r.running.tryAcquire(name) {
		return nil, errors.Wrapf(job.ErrAlreadyRunning, "job %q", name)
	}
	gs := r.limits.get(jobType)
	if !gs.tryAcquire() {
		r.running.release(name)
		return nil, errors.Wrapf(ErrTypeSaturated, "type %q", jobType)
	}
	return &Reservation{name: name, release: func() {
		gs.release()
		r.running.release(name)
	}}, nil
}

// IsRunning reports whether name is in the running set.
func (r *Runner) IsRunning(name string) bool { return r.running.has(name) }

// Running lists in-flight runs.
func (r *Runner) Running() []RunInfo { return r.running.list() }

// Cancel cancels the handler context of a running job. It reports whether a
// run was signalled. Handlers that ignore their context run to completion.
func (r *Runner) Cancel(name, reason string) bool {
	cause := errCancelled
	if reason != "" {
		cause = errors.Wrap(errCancelled, reason)
	}
	return r.running.cancel(name, cause)
}

// Launch starts the run of a claimed job on a new goroutine and returns the
// execution id. The reservation is released when the run exits.
func (r *Runner) Launch(res *Reservation, j *job.Job, opt RunOptions) (string, error) {
	if res == nil || j == nil {
		return "", errors.New("launch requires a reservation and a job")
	}
	if r.stopping.Load() {
		res.Release()
		return "", ErrStopped
	}
	execID := r.newID()
	runCtx, cancel := context.WithCancelCause(r.baseCtx)
	started := r.clock.Now()
	r.running.attach(res.name, func(e *runEntry) {
		e.jobID = j.ID
		e.executionID = execID
		e.manual = opt.Manual
		e.started = started
		e.cancel = cancel
	})

	r.wg.Add(1)
	go r.run(runCtx, cancel, res, j.Clone(), opt, execID)
	return execID, nil
}

// Stop cancels every in-flight handler and waits for runs to commit, up to
// ctx's deadline. Later Launch calls fail with ErrStopped.
func (r *Runner) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.stopping.Store(true)
	r.running.cancelAll(ErrStopped)
	r.baseCancel(ErrStopped)
	err := r.Wait(ctx)
	if err != nil {
		r.log.Warn("runner stop timed out", logx.Err(err), logx.Int("in_flight", len(r.running.list())))
		return err
	}
	r.log.Info("runner stopped")
	return nil
}

// Wait blocks until no run is in flight or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeOpTimeout)
}

func (r *Runner) run(runCtx context.Context, cancel context.CancelCauseFunc, res *Reservation, j *job.Job, opt RunOptions, execID string) {
	cfg := r.config()
	log := r.log.With(
		logx.String("job", j.Name),
		logx.String("job_id", j.ID),
		logx.String("execution_id", execID),
	)

	defer r.wg.Done()
	defer res.Release()
	defer func() {
		ctx, done := r.storeCtx()
		defer done()
		if err := r.store.ReleaseLease(ctx, j.ID, cfg.InstanceID); err != nil {
			log.Warn("lease release failed", logx.Err(err))
		}
	}()
	defer cancel(nil)
	// A bug in the commit path must not leave the name in the running set.
	defer func() {
		if p := recover(); p != nil {
			log.Error("runner panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()

	start := r.clock.Now()
	if !opt.Manual && j.AttemptsExhausted() {
		r.exhaust(j, start, log)
		return
	}
	if !opt.Manual {
		j.Attempts++
	}
	j.Status = job.StatusRunning
	j.StartedAt = job.TimePtr(start)
	j.LastRunAt = job.TimePtr(start)
	j.UpdatedAt = start

	retryCount := j.Attempts - 1
	if retryCount < 0 {
		retryCount = 0
	}
	exec := &job.Execution{
		ID:         execID,
		JobID:      j.ID,
		JobName:    j.Name,
		Status:     job.ExecRunning,
		StartedAt:  start,
		RetryCount: retryCount,
		Manual:     opt.Manual,
		Worker:     cfg.InstanceID,
	}

	ctx, done := r.storeCtx()
	if err := r.store.Save(ctx, j); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			done()
			log.Warn("job vanished before start", logx.Err(err))
			return
		}
		log.Error("job start failed", logx.Err(err))
		r.unclaim(ctx, j.ID, opt, log)
		done()
		return
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		log.Error("execution record create failed", logx.Err(err))
	}
	r.appendHistory(ctx, j, job.EventExecuted, map[string]any{
		"execution_id": execID,
		"attempt":      j.Attempts,
		"manual":       opt.Manual,
	}, log)
	done()

	r.started.Add(1)
	log.Debug("job.started", logx.Int("attempt", j.Attempts), logx.Bool("manual", opt.Manual))
	r.publish(EventJobStarted, start, JobEvent{
		JobID: j.ID, Name: j.Name, Type: j.Type, ExecutionID: execID,
		Status: job.StatusRunning, Attempts: j.Attempts, Manual: opt.Manual,
	})

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	var result job.Result
	h, runErr := r.registry.Resolve(j.Type)
	if runErr == nil {
		params := j.Parameters.Merge(opt.Override)
		result, runErr = r.invoke(runCtx, cancel, h, params, timeout, log)
	} else {
		runErr = NoRetry(runErr)
	}
	if runErr == nil && result.Error != nil {
		runErr = &job.HandlerError{Message: result.Error.Message, Code: result.Error.Code, Details: result.Error.Details}
	}

	r.commit(j, exec, opt, cfg, result, runErr, context.Cause(runCtx), start, log)
}

type handlerOutcome struct {
	res job.Result
	err error
}

// invoke runs h on its own goroutine, raced against the timeout and against
// cancellation of ctx. A late result after a timeout is dropped.
func (r *Runner) invoke(ctx context.Context, cancel context.CancelCauseFunc, h Handler, params job.Parameters, timeout time.Duration, log logx.Logger) (job.Result, error) {
	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				stack := string(debug.Stack())
				log.Error("handler panicked", logx.Any("panic", p), logx.Stack(stack))
				done <- handlerOutcome{err: &job.HandlerError{
					Message: fmt.Sprintf("panic: %v", p),
					Code:    job.CodePanic,
					Details: []string{stack},
				}}
			}
		}()
		res, err := h.Handle(ctx, params)
		done <- handlerOutcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.res, o.err
	case <-timer.C:
		terr := &job.TimeoutError{Timeout: timeout}
		cancel(terr)
		return job.Result{}, terr
	case <-ctx.Done():
		return job.Result{}, context.Cause(ctx)
	}
}

// commit interprets the outcome and writes the job and execution records.
func (r *Runner) commit(j *job.Job, exec *job.Execution, opt RunOptions, cfg Config, result job.Result, runErr, cause error, start time.Time, log logx.Logger) {
	ctx, done := r.storeCtx()
	defer done()

	finished := r.clock.Now()
	dur := finished.Sub(start)
	if dur < 0 {
		dur = 0
	}
	if job.IsTimeout(runErr) {
		r.timedOut.Add(1)
	}

	var info *job.ErrorInfo
	var res *job.Result
	if runErr == nil {
		result.Success = true
		result.Error = nil
		result.Duration = dur
		res = &result
	} else {
		info = job.ToErrorInfo(runErr)
		res = &job.Result{Success: false, Error: info, Duration: dur}
	}

	cur, err := r.store.Get(ctx, j.ID)
	if errors.Is(err, job.ErrNotFound) {
		status := job.ExecCompleted
		if runErr != nil {
			status = job.ExecFailed
		}
		r.finishExecution(ctx, exec, status, finished, res, info, log)
		log.Info("job deleted during run; result discarded")
		return
	}
	if err != nil {
		log.Error("job reload failed; committing from run copy", logx.Err(err))
		cur = j
	}

	cur.LockedBy = ""
	cur.LockExpiresAt = nil
	cur.UpdatedAt = finished
	cur.Result = res

	ev := JobEvent{JobID: cur.ID, Name: cur.Name, Type: cur.Type, ExecutionID: exec.ID, Attempts: cur.Attempts, Manual: opt.Manual, Duration: dur}
	if info != nil {
		ev.Error = info.Message
	}

	var notice *job.FailureNotice
	execStatus := job.ExecCompleted
	if runErr != nil {
		execStatus = job.ExecFailed
	}

	switch {
	case cur.Status != job.StatusRunning:
		// Cancelled, paused or otherwise changed by an operator while the
		// handler ran: the operator's status stands.
		if runErr != nil {
			cur.LastError = info
		}
		if errors.Is(cause, errCancelled) {
			r.cancelled.Add(1)
		}
		log.Info("run finished after manual status change", logx.String("status", string(cur.Status)), logx.Err(runErr))

	case runErr != nil && errors.Is(cause, ErrStopped) && !job.IsTimeout(runErr):
		// Interrupted by shutdown: give the attempt back so the job reruns
		// on the next start.
		if opt.Manual {
			cur.Status = restoreStatus(opt.PriorStatus)
		} else {
			if cur.Attempts > 0 {
				cur.Attempts--
			}
			cur.Status = job.StatusScheduled
			if cur.Attempts > 0 {
				cur.Status = job.StatusRetrying
			}
		}
		info = &job.ErrorInfo{Message: "interrupted by shutdown", Code: job.CodeCancelled}
		res.Success = false
		res.Error = info
		execStatus = job.ExecFailed
		log.Warn("run interrupted by shutdown")

	case opt.Manual:
		cur.Status = restoreStatus(opt.PriorStatus)
		if runErr != nil {
			cur.LastError = info
		}

	case runErr == nil:
		cur.LastError = nil
		if !cur.Recurring() {
			cur.Status = job.StatusCompleted
			cur.CompletedAt = job.TimePtr(finished)
			cur.NextRunAt = nil
			break
		}
		from := start
		if cur.LastRunAt != nil {
			from = *cur.LastRunAt
		}
		next, ok, nerr := r.calc.Next(cur, from)
		if nerr == nil && !ok {
			nerr = job.Unsupported(cur.Schedule.String(), "no next run")
		}
		if nerr != nil {
			// The run itself succeeded but the job cannot continue.
			info = job.ToErrorInfo(nerr)
			cur.Status = job.StatusFailed
			cur.FailedAt = job.TimePtr(finished)
			cur.LastError = info
			cur.NextRunAt = nil
			notice = r.notice(cur, info, finished)
			log.Error("next run computation failed", logx.Err(nerr))
			break
		}
		cur.Status = job.StatusScheduled
		cur.RunAt = next
		cur.NextRunAt = job.TimePtr(next)
		cur.Attempts = 0
		ev.RunAt = next

	default:
		cur.LastError = info
		permanent := IsNoRetry(runErr) ||
			errors.Is(runErr, job.ErrUnsupportedSchedule) ||
			errors.Is(runErr, job.ErrUnknownHandler)
		if !permanent && cur.Attempts < cur.MaxAttempts {
			base := cur.RetryDelay
			if base <= 0 {
				base = cfg.RetryBase
			}
			delay := retryDelay(base, cfg.RetryMaxDelay, cur.Attempts, runErr)
			cur.Status = job.StatusRetrying
			cur.RunAt = finished.Add(delay)
			cur.NextRunAt = job.TimePtr(cur.RunAt)
			execStatus = job.ExecRetrying
			ev.RunAt = cur.RunAt
			log.Warn("job.retrying", logx.Int("attempt", cur.Attempts), logx.Int("max_attempts", cur.MaxAttempts),
				logx.Duration("delay", delay), logx.Err(runErr))
			break
		}
		cur.Status = job.StatusFailed
		cur.FailedAt = job.TimePtr(finished)
		cur.NextRunAt = nil
		notice = r.notice(cur, info, finished)
		log.Error("job.failed", logx.Int("attempt", cur.Attempts), logx.Int("max_attempts", cur.MaxAttempts),
			logx.Bool("permanent", permanent), logx.Err(runErr))
	}

	if err := r.store.Save(ctx, cur); err != nil {
		// Left running without a lease; the dispatcher's stale sweep recovers it.
		log.Error("job commit failed", logx.Err(err))
	}
	r.finishExecution(ctx, exec, execStatus, finished, res, info, log)
	if execStatus != job.ExecCompleted || info != nil {
		details := map[string]any{"execution_id": exec.ID, "attempt": cur.Attempts}
		if info != nil {
			details["error"] = info.Message
			if info.Code != "" {
				details["code"] = info.Code
			}
		}
		if execStatus == job.ExecRetrying {
			details["retry_at"] = cur.RunAt
		}
		r.appendHistory(ctx, cur, job.EventFailed, details, log)
	}

	ev.Status = cur.Status
	ev.Attempts = cur.Attempts
	switch {
	case execStatus == job.ExecCompleted && info == nil:
		r.completed.Add(1)
		if dur >= 750*time.Millisecond {
			log.Info("job.completed", logx.Duration("dur", dur), logx.Int("attempts", cur.Attempts))
		} else {
			log.Debug("job.completed", logx.Duration("dur", dur), logx.Int("attempts", cur.Attempts))
		}
		r.publish(EventJobCompleted, finished, ev)
	case execStatus == job.ExecRetrying:
		r.retried.Add(1)
		r.publish(EventJobRetrying, finished, ev)
	default:
		r.failed.Add(1)
		r.publish(EventJobFailed, finished, ev)
	}

	r.remember(HistoryItem{ExecutionID: exec.ID, Name: cur.Name, Started: start, Duration: dur, Outcome: exec.Status, Error: ev.Error}, cfg.HistorySize)

	if notice != nil {
		r.notify(*notice, log)
	}
}

func restoreStatus(prior job.Status) job.Status {
	if prior == "" || prior.Active() {
		return job.StatusScheduled
	}
	return prior
}

func (r *Runner) notice(j *job.Job, info *job.ErrorInfo, at time.Time) *job.FailureNotice {
	n := j.Notice(info, at)
	return &n
}

// unclaim returns a claimed job whose start could not be recorded to the
// status it was dispatched from.
func (r *Runner) unclaim(ctx context.Context, id string, opt RunOptions, log logx.Logger) {
	cur, err := r.store.Get(ctx, id)
	if err != nil {
		log.Warn("unclaim failed", logx.Err(err))
		return
	}
	if cur.Status.Active() {
		switch {
		case opt.Manual:
			cur.Status = restoreStatus(opt.PriorStatus)
		case cur.Attempts > 0:
			cur.Status = job.StatusRetrying
		default:
			cur.Status = job.StatusScheduled
		}
	}
	cur.LockedBy = ""
	cur.LockExpiresAt = nil
	cur.UpdatedAt = r.clock.Now()
	if err := r.store.Save(ctx, cur); err != nil {
		log.Warn("unclaim failed", logx.Err(err))
	}
}

// exhaust fails a job that reached its attempt limit while waiting for a
// retry, without running it.
func (r *Runner) exhaust(j *job.Job, at time.Time, log logx.Logger) {
	info := j.Exhaust(at)
	ctx, done := r.storeCtx()
	defer done()
	if err := r.store.Save(ctx, j); err != nil {
		log.Error("job commit failed", logx.Err(err))
		return
	}
	r.appendHistory(ctx, j, job.EventFailed, map[string]any{
		"attempt":   j.Attempts,
		"error":     info.Message,
		"exhausted": true,
	}, log)
	r.failed.Add(1)
	log.Error("job.failed", logx.Int("attempt", j.Attempts), logx.Int("max_attempts", j.MaxAttempts), logx.Bool("exhausted", true))
	r.publish(EventJobFailed, at, JobEvent{
		JobID: j.ID, Name: j.Name, Type: j.Type, Status: j.Status, Attempts: j.Attempts, Error: info.Message,
	})
	r.notify(j.Notice(info, at), log)
}

// Notify hands a final-failure notice raised outside a run to the notifier.
func (r *Runner) Notify(n job.FailureNotice) {
	r.notify(n, r.log.With(logx.String("job", n.JobName), logx.String("job_id", n.JobID)))
}

func (r *Runner) notify(n job.FailureNotice, log logx.Logger) {
	if r.notifier == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error("notifier panicked", logx.Any("panic", p))
		}
	}()
	r.notifier.Notify(context.Background(), n)
}

func (r *Runner) finishExecution(ctx context.Context, exec *job.Execution, status job.ExecStatus, at time.Time, res *job.Result, info *job.ErrorInfo, log logx.Logger) {
	exec.Finish(status, at, res, info)
	if err := r.store.FinishExecution(ctx, exec); err != nil {
		log.Error("execution record finish failed", logx.Err(err))
	}
}

func (r *Runner) appendHistory(ctx context.Context, j *job.Job, ev job.Event, details map[string]any, log logx.Logger) {
	h := job.HistoryEntry{
		ID:      r.newID(),
		JobID:   j.ID,
		JobName: j.Name,
		Event:   ev,
		At:      r.clock.Now(),
		Actor:   job.ActorDispatcher,
		Details: details,
	}
	if err := r.store.AppendHistory(ctx, h); err != nil {
		log.Warn("history append failed", logx.String("event", string(ev)), logx.Err(err))
	}
}

func (r *Runner) publish(typ string, at time.Time, ev JobEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (r *Runner) remember(item HistoryItem, size int) {
	r.hmu.Lock()
	r.history = append(r.history, item)
	if len(r.history) > size {
		r.history = r.history[len(r.history)-size:]
	}
	r.hmu.Unlock()
}

func (r *Runner) Snapshot() Snapshot {
	cfg := r.config()
	r.hmu.Lock()
	h := make([]HistoryItem, len(r.history))
	copy(h, r.history)
	r.hmu.Unlock()

	limits := make(map[string]int, len(cfg.TypeLimits))
	for k, v := range cfg.TypeLimits {
		limits[k] = v
	}
	return Snapshot{
		InstanceID:     cfg.InstanceID,
		DefaultTimeout: cfg.DefaultTimeout,
		RetryBase:      cfg.RetryBase,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Running:        r.running.list(),
		TypeLimits:     limits,
		TypeInUse:      r.limits.usage(),
		Started:        r.started.Load(),
		Completed:      r.completed.Load(),
		Failed:         r.failed.Load(),
		Retried:        r.retried.Load(),
		TimedOut:       r.timedOut.Load(),
		Cancelled:      r.cancelled.Load(),
		History:        h,
	}
}
