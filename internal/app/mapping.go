package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/config"
	"jobsched/internal/handlers"
	"jobsched/internal/notifier"
	"jobsched/internal/observability/diag"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

const (
	defaultStopTimeout  = 30 * time.Second
	notifierStopTimeout = 3 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig falls back to the in-memory driver when the section is
// omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

func instanceID(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.Dispatcher.InstanceID); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "jobsched"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// mapRunnerConfig merges runner, retry and the dispatcher's per-instance
// fields. The instance id is fixed at startup.
func mapRunnerConfig(cfg *config.Config, instance string) (engine.Config, error) {
	timeout, err := config.ParseDurationField("runner.default_timeout", cfg.Runner.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	base, err := config.ParseDurationField("retry.base_delay", cfg.Retry.BaseDelay)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("retry.max_delay", cfg.Retry.MaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	limits := make(map[string]int, len(cfg.Dispatcher.TypeLimits))
	for typ, n := range cfg.Dispatcher.TypeLimits {
		if n > 0 {
			limits[strings.TrimSpace(typ)] = n
		}
	}
	return engine.Config{
		InstanceID:     instance,
		DefaultTimeout: timeout,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		TypeLimits:     limits,
		HistorySize:    cfg.Runner.HistorySize,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationField("dispatcher.tick", cfg.Dispatcher.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	lease, err := config.ParseDurationField("dispatcher.lease_ttl", cfg.Dispatcher.LeaseTTL)
	if err != nil {
		return scheduler.Config{}, err
	}
	base, err := config.ParseDurationField("retry.base_delay", cfg.Retry.BaseDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := config.ParseDurationField("runner.default_timeout", cfg.Runner.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:         cfg.Dispatcher.IsEnabled(),
		Tick:            tick,
		BatchSize:       cfg.Dispatcher.BatchSize,
		LeaseTTL:        lease,
		MaxAttempts:     cfg.Retry.MaxAttempts,
		RetryBase:       base,
		DefaultTimeout:  timeout,
		DefaultTimezone: strings.TrimSpace(cfg.Schedule.DefaultTimezone),
		FullCron:        cfg.Schedule.FullCron,
	}, nil
}

func mapStopTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("dispatcher.stop_timeout", cfg.Dispatcher.StopTimeout, defaultStopTimeout)
	if err != nil {
		return defaultStopTimeout
	}
	return d
}

// mapNotifierConfig returns a disabled config when the section is omitted;
// failures are then only logged by the runner's fallback.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg == nil || cfg.Notifier == nil {
		return notifier.Config{Enabled: false}, nil
	}
	nc := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
		PersistDedup:  nc.PersistDedup,
	}, nil
}

// mapNotifierSink picks the delivery sink. A webhook also keeps the log
// line so failures stay visible locally.
func mapNotifierSink(cfg *config.Config, log logx.Logger) (notifier.Sink, error) {
	logSink := notifier.LogSink{Log: log}
	if cfg == nil || cfg.Notifier == nil || strings.TrimSpace(cfg.Notifier.WebhookURL) == "" {
		return logSink, nil
	}
	timeout, err := config.ParseDurationField("notifier.webhook_timeout", cfg.Notifier.WebhookTimeout)
	if err != nil {
		return nil, err
	}
	return notifier.MultiSink{logSink, notifier.NewWebhookSink(strings.TrimSpace(cfg.Notifier.WebhookURL), timeout)}, nil
}

func mapDebugConfig(cfg *config.Config) diag.Config {
	if cfg == nil || cfg.Debug == nil {
		return diag.Config{}
	}
	d := cfg.Debug
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Prefix:        d.Prefix,
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		// pprof profile/trace stream for up to 30s by default
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func mapHandlerOptions(cfg *config.Config) (handlers.Options, error) {
	timeout, err := config.ParseDurationField("handlers.webhook_timeout", cfg.Handlers.WebhookTimeout)
	if err != nil {
		return handlers.Options{}, err
	}
	return handlers.Options{
		Webhook: handlers.NewWebhook(timeout),
		Systemd: handlers.NewSystemd(cfg.Handlers.SystemdUnits),
	}, nil
}
