package app

import (
	"context"
	"strings"

	"jobsched/internal/config"
	logx "jobsched/pkg/logx"
)

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts: only the newest config matters
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, newCfg)
		}
	}
}

// applyConfig pushes the hot-reloadable sections into the running
// components: logging, dispatcher tick/batch/type limits, retry, runner
// defaults, notifier, the diagnostics server and seed jobs. Everything else
// is logged as needing a restart.
func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	if newCfg == nil {
		return
	}
	a.mu.Lock()
	oldCfg := a.cfg
	a.mu.Unlock()

	sum := config.SummarizeConfigChange(oldCfg, newCfg)
	if sum.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sum.Sections, ","))}, sum.Attrs...)
	a.log.Debug("config change summary", fields...)

	if sum.Has("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	if sum.Has("dispatcher") || sum.Has("retry") || sum.Has("runner") {
		if rcfg, err := mapRunnerConfig(newCfg, a.instance); err != nil {
			a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
		} else {
			a.runner.Apply(rcfg)
		}
		if dcfg, err := mapDispatcherConfig(newCfg); err != nil {
			a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
		} else {
			// enabling or disabling the loop needs a restart
			dcfg.Enabled = a.sched.Enabled()
			a.sched.Apply(dcfg)
		}
		a.mu.Lock()
		a.stopTimeout = mapStopTimeout(newCfg)
		a.mu.Unlock()
	}

	if sum.Has("notifier") {
		a.applyNotifier(ctx, newCfg)
	}

	if sum.Has("debug") {
		a.diag.Reconfigure(ctx, mapDebugConfig(newCfg))
	}

	if len(sum.Jobs) > 0 {
		only := make(map[string]bool, len(sum.Jobs))
		for _, name := range sum.Jobs {
			only[name] = true
		}
		n, err := a.seedJobs(ctx, newCfg.Jobs, only)
		if err != nil {
			a.log.Warn("some seed jobs were rejected", logx.Err(err), logx.Int("seeded", n))
		} else {
			a.log.Info("seed jobs applied", logx.Int("count", n), logx.Any("jobs", sum.Jobs))
		}
	}

	if len(sum.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Any("keys", sum.RestartRequired))
	}

	a.mu.Lock()
	a.cfg = newCfg
	a.mu.Unlock()
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, newCfg *config.Config) {
	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	sink, err := mapNotifierSink(newCfg, a.log.With(logx.String("comp", "notifier")))
	if err != nil {
		a.log.Warn("invalid notifier sink; keeping previous", logx.Err(err))
		return
	}

	wasEnabled := a.notif.Enabled()
	a.notif.SetSink(sink)
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, notifierStopTimeout)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}
