// Package supervisor runs the long-lived loops of the daemon (dispatcher
// tick, notifier workers, diagnostics listener, config watch) under one
// cancellable context, with panic recovery and per-task restart backoff.
package supervisor

import (
	"context"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "jobsched/pkg/logx"
)

// Supervisor owns a context and the named tasks started under it.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	mu       sync.Mutex
	firstErr error
	tasks    map[string]*TaskStats

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first error
// returned by a task started with Go.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// TaskStats describes one named task. Tasks sharing a name share stats.
type TaskStats struct {
	Name      string    `json:"name"`
	Running   int       `json:"running"`
	Runs      uint64    `json:"runs"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	StartedAt time.Time `json:"started_at"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitempty"`
}

// Snapshot is reported on /status.
type Snapshot struct {
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		tasks:  map[string]*TaskStats{},
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting for tasks.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error recorded by a task.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	snap := Snapshot{Tasks: make([]TaskStats, 0, len(s.tasks))}
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, st := range s.tasks {
		snap.Tasks = append(snap.Tasks, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

// Go runs fn once. A returned error or panic is recorded and, with
// WithCancelOnError, cancels every other task.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(name, fn, false); err != nil {
			s.setErr(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
	}()
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithPublishFirstError records the first failure in Err while the task
// keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// GoRestart runs fn until it returns nil or the context is cancelled. Errors
// and panics restart it after a jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			started := time.Now()
			err := s.run(name, fn, restarts > 0)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if cfg.publishFirstErr {
				s.setErr(err)
			}
			// A task that ran for a while starts over from the short backoff.
			if time.Since(started) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff + time.Duration(rand.Int64N(int64(backoff)/5+1))
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	}()
}

// run calls fn once and records the outcome. Cancellation is a clean exit.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error, restart bool) error {
	s.begin(name, restart)
	s.log.Debug("task started", logx.String("task", name), logx.Bool("restart", restart))
	err := s.call(name, fn)
	if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		err = errors.Wrap(err, name)
	}
	s.end(name, err)
	s.log.Debug("task stopped", logx.String("task", name), logx.Err(err))
	return err
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			s.mu.Lock()
			s.stats(name).Panics++
			s.mu.Unlock()
			err = errors.Newf("panic: %v", p)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) begin(name string, restart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats(name)
	st.Running++
	st.Runs++
	if restart {
		st.Restarts++
	}
	st.StartedAt = time.Now()
}

func (s *Supervisor) end(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats(name)
	if st.Running > 0 {
		st.Running--
	}
	if err != nil {
		st.LastErr = err.Error()
		st.LastErrAt = time.Now()
	}
}

// stats must be called with mu held.
func (s *Supervisor) stats(name string) *TaskStats {
	st := s.tasks[name]
	if st == nil {
		st = &TaskStats{Name: name}
		s.tasks[name] = st
	}
	return st
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

// Stop cancels the context and waits for every task to return.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task returned or ctx is done. It returns the
// first recorded task error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
