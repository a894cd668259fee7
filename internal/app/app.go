package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/handlers"
	"jobsched/internal/job"
	"jobsched/internal/notifier"
	"jobsched/internal/observability/diag"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/schedule"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

// Options customise wiring for embedders and tests.
type Options struct {
	// Registry receives the built-in handlers; callers may pre-register
	// their own types. Nil creates a fresh registry.
	Registry *engine.Registry
	Clock    job.Clock
	// SkipBuiltins leaves the registry exactly as passed.
	SkipBuiltins bool
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	registry *engine.Registry
	runner   *engine.Runner
	sched    *scheduler.Service
	notif    *notifier.Service
	diag     *diag.Service
	units    *handlers.Systemd

	instance string

	mu          sync.Mutex
	cfg         *config.Config
	stopTimeout time.Duration
}

// NewApp loads cfgPath and wires every component. The file is watched for
// changes once Start runs.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return New(cfg, cfgm, Options{})
}

// New wires the app from an already validated config. cfgm may be nil, in
// which case hot reload is off.
func New(cfg *config.Config, cfgm *config.ConfigManager, opt Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(errors.Wrap(err, "open storage"))
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	notifLog := log.With(logx.String("comp", "notifier"))
	sink, err := mapNotifierSink(cfg, notifLog)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	notifSvc := notifier.New(ncfg, sink, notifLog, bus, store)

	reg := opt.Registry
	if reg == nil {
		reg = engine.NewRegistry()
	}
	var units *handlers.Systemd
	if !opt.SkipBuiltins {
		hopt, err := mapHandlerOptions(cfg)
		if err != nil {
			_ = store.Close()
			return fail(err)
		}
		if err := handlers.Register(reg, hopt); err != nil {
			_ = store.Close()
			return fail(err)
		}
		units = hopt.Systemd
	}

	clock := opt.Clock
	if clock == nil {
		clock = job.SystemClock()
	}
	instance := instanceID(cfg)
	rcfg, err := mapRunnerConfig(cfg, instance)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	runner := engine.New(rcfg, engine.Deps{
		Store:      store,
		Registry:   reg,
		Calculator: schedule.Calculator{FullCron: cfg.Schedule.FullCron, DefaultTimezone: cfg.Schedule.DefaultTimezone},
		Notifier:   notifSvc,
		Clock:      clock,
	}, log.With(logx.String("comp", "runner")), bus)

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	schedSvc := scheduler.New(dcfg, store, runner, log.With(logx.String("comp", "dispatcher")), bus, clock)

	a := &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		registry:    reg,
		runner:      runner,
		sched:       schedSvc,
		notif:       notifSvc,
		instance:    instance,
		units:       units,
		cfg:         cfg,
		stopTimeout: mapStopTimeout(cfg),
	}
	a.diag = diag.New(mapDebugConfig(cfg), func() any { return a.Snapshot() }, log.With(logx.String("comp", "diag")))
	return a, nil
}

// Scheduler is the job API.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Registry is the handler registry shared by the runner.
func (a *App) Registry() *engine.Registry { return a.registry }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Start seeds configured jobs, recovers stale leases and starts the
// dispatcher, notifier and config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.notif.Start(runCtx)

	cfg := a.config()
	if n, err := a.seedJobs(runCtx, cfg.Jobs, nil); err != nil {
		// seeding is per job; the rest of the jobs still run
		a.log.Warn("some seed jobs were rejected", logx.Err(err), logx.Int("seeded", n))
	} else if n > 0 {
		a.log.Info("seed jobs applied", logx.Int("count", n))
	}

	if err := a.sched.Start(runCtx); err != nil {
		a.sup.Cancel()
		return errors.Wrap(err, "start dispatcher")
	}

	events, unsub := a.bus.Subscribe(128, "job.")
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// debug level; frequent jobs would be noisy otherwise
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.diag.Start(runCtx)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(a.validateReload)
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	}

	a.log.Info("app started", logx.String("instance", a.instance), logx.Any("types", a.registry.Types()))
	return nil
}

// seedJobs upserts jobs in file order so a job can depend on one listed
// before it. With only set, other names are skipped.
func (a *App) seedJobs(ctx context.Context, jobs []config.JobConfig, only map[string]bool) (int, error) {
	resolve := func(name string) (string, error) {
		j, err := a.sched.GetJob(ctx, name)
		if err != nil {
			return "", err
		}
		return j.ID, nil
	}
	var (
		errs error
		n    int
	)
	for _, jc := range jobs {
		if only != nil && !only[strings.TrimSpace(jc.Name)] {
			continue
		}
		def, err := jc.Definition(resolve)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if err := a.sched.Seed(ctx, []job.Definition{def}); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		n++
	}
	return n, errs
}

// validateReload rejects configs this process cannot apply live.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierSink(cfg, logx.Nop()); err != nil {
		return err
	}
	for _, jc := range cfg.Jobs {
		if !a.registry.Has(jc.Type) {
			return errors.Newf("jobs.%s.type: no handler registered for %q", jc.Name, jc.Type)
		}
	}
	return nil
}

// Snapshot is a diagnostic view over every component.
type Snapshot struct {
	Instance   string
	DebugAddr  string `json:",omitempty"`
	Dispatcher scheduler.Snapshot
	Notifier   notifier.Stats
	BusDropped uint64
	App        rtsup.Snapshot
}

func (a *App) Snapshot() Snapshot {
	s := Snapshot{
		Instance:   a.instance,
		DebugAddr:  a.diag.Addr(),
		Dispatcher: a.sched.Snapshot(),
		Notifier:   a.notif.Stats(),
		BusDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		s.App = a.sup.Snapshot()
	}
	return s
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.mu.Lock()
	stopTimeout := a.stopTimeout
	a.mu.Unlock()

	// dispatcher first: in-flight runs get cancelled and committed before
	// the notifier stops accepting their failure notices
	a.step(ctx, "dispatcher", stopTimeout, a.sched.Stop)
	a.step(ctx, "notifier", notifierStopTimeout, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "diag", 2*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.String("reason", string(reason)))
	return a.closeResources()
}

func (a *App) closeResources() error {
	if a.units != nil {
		a.units.Close()
	}
	err := a.store.Close()
	if cerr := a.logs.Close(); cerr != nil {
		err = errors.CombineErrors(err, cerr)
	}
	return err
}

// step runs one shutdown step bounded by limit and the caller's deadline, so
// one component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
