package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 300

type item struct {
	n job.FailureNotice
	// dedupKey is computed at enqueue time.
	dedupKey string
}

// Service is an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use and implements engine.Notifier.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	sink  Sink
	bus   eventbus.Bus
	store storage.DedupStore
	clock job.Clock

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan item
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem

	sent, failed, deduped, dropped uint64
}

type dedupWrite struct {
	key   string
	until time.Time
}

// New builds a notifier. A nil sink logs notices; a nil store disables
// persisted dedup.
func New(cfg Config, sink Sink, log logx.Logger, bus eventbus.Bus, store storage.DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = LogSink{Log: log}
	}
	s := &Service{
		sink:  sink,
		log:   log,
		bus:   bus,
		store: store,
		clock: job.SystemClock(),
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// SetClock replaces the time source used for dedup windows.
func (s *Service) SetClock(c job.Clock) {
	if c == nil {
		return
	}
	s.mu.Lock()
	s.clock = c
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates limits in place. Worker count and queue size take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSink swaps the delivery sink.
func (s *Service) SetSink(sink Sink) {
	if sink == nil {
		return
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// burst = rate so short spikes pass
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan item, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery is best-effort; never take the process down
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch, st := s.sup, s.queue, s.persistCh, s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", s.exitAware(func(c context.Context) {
			s.persistLoop(c, pch, st)
		}, "notifier persist loop exited unexpectedly"), rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), s.exitAware(func(c context.Context) {
			s.workerLoop(c, q)
		}, "notifier worker exited unexpectedly"), rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.String("sink", s.sink.Name()))
}

// exitAware turns a loop into a restartable func: exits during shutdown are
// clean, anything else is an error so the supervisor restarts it.
func (s *Service) exitAware(loop func(context.Context), msg string) func(context.Context) error {
	return func(c context.Context) error {
		loop(c)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New(msg)
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// in-flight enqueues finish before the queue closes
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues n for delivery. It never blocks; when the notice cannot be
// queued it is logged instead.
func (s *Service) Notify(ctx context.Context, n job.FailureNotice) {
	if err := s.Enqueue(ctx, n); err != nil {
		logNotice(s.log.With(logx.String("queue_err", err.Error())), n)
	}
}

// Enqueue is Notify with the queueing outcome reported. A deduplicated
// notice returns nil.
func (s *Service) Enqueue(ctx context.Context, n job.FailureNotice) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	st, pch := s.store, s.persistCh
	sinkName := s.sink.Name()
	now := s.clock.Now()
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	ev := NotificationEvent{Sink: sinkName, JobID: n.JobID, JobName: n.JobName, Key: key, At: now}
	if cfg.DedupWindow > 0 {
		if !s.dedupAllow(ctx, key, now, cfg, st, pch) {
			s.bump(&s.deduped)
			s.publish("notifier.deduped", ev)
			return nil
		}
	}

	select {
	case q <- item{n: n, dedupKey: key}:
		s.publish("notifier.queued", ev)
		return nil
	default:
		s.bump(&s.dropped)
		ev.Error = ErrQueueFull.Error()
		s.publish("notifier.dropped", ev)
		return ErrQueueFull
	}
}

// Stats are cumulative delivery counters.
type Stats struct {
	Sent, Failed, Deduped, Dropped uint64
	Queued                         int
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Sent: s.sent, Failed: s.failed, Deduped: s.deduped, Dropped: s.dropped, Queued: len(s.queue)}
}

func (s *Service) bump(c *uint64) {
	s.mu.Lock()
	*c++
	s.mu.Unlock()
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.DedupStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, it)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, it item) {
	s.mu.Lock()
	cfg, lim, sink := s.cfg, s.limiter, s.sink
	s.mu.Unlock()

	log := s.log.With(logx.String("job", it.n.JobName), logx.String("sink", sink.Name()))
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sink.Send(callCtx, it.n)
		cancel()
		if err == nil {
			s.bump(&s.sent)
			s.appendHistory(HistoryItem{At: time.Now(), JobName: it.n.JobName, Sink: sink.Name()})
			s.publish("notifier.sent", NotificationEvent{Sink: sink.Name(), JobID: it.n.JobID, JobName: it.n.JobName, Key: it.dedupKey, At: time.Now()})
			return
		}
		lastErr = err
		log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if IsPermanent(err) || attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.bump(&s.failed)
	log.Warn("notify delivery failed", logx.Err(lastErr))
	s.appendHistory(HistoryItem{At: time.Now(), JobName: it.n.JobName, Sink: sink.Name(), Error: lastErr.Error()})
	s.publish("notifier.failed", NotificationEvent{Sink: sink.Name(), JobID: it.n.JobID, JobName: it.n.JobName, Key: it.dedupKey, At: time.Now(), Error: lastErr.Error()})
}

// dedupKey identifies "the same failure": one job failing with the same
// code and message.
// dedupKey identifies one final failure. FailedAt is part of the key so a
// job that is resumed and fails again with the same error is reported again.
func dedupKey(n job.FailureNotice) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%d", n.JobID, n.ErrorCode, n.ErrorMessage, n.FailedAt.UnixNano())
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, now time.Time, cfg Config, st storage.DedupStore, pch chan dedupWrite) bool {
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// persisted windows survive restarts
	if cfg.PersistDedup && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) with 0.7..1.3
// jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
