package config

import (
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Validate checks everything that can be checked without touching storage.
// It is used both at startup and as the hot reload gate.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs error
	add := func(err error) {
		if err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		add(errors.Newf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	d := cfg.Dispatcher
	add(durationErr("dispatcher.tick", d.Tick))
	add(durationErr("dispatcher.lease_ttl", d.LeaseTTL))
	add(durationErr("dispatcher.stop_timeout", d.StopTimeout))
	if d.BatchSize < 0 {
		add(errors.New("dispatcher.batch_size: must be >= 0"))
	}
	for typ, n := range d.TypeLimits {
		if strings.TrimSpace(typ) == "" {
			add(errors.New("dispatcher.type_limits: empty job type"))
		}
		if n < 0 {
			add(errors.Newf("dispatcher.type_limits.%s: must be >= 0", typ))
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		add(errors.New("retry.max_attempts: must be >= 0"))
	}
	add(durationErr("retry.base_delay", cfg.Retry.BaseDelay))
	add(durationErr("retry.max_delay", cfg.Retry.MaxDelay))
	add(durationErr("runner.default_timeout", cfg.Runner.DefaultTimeout))
	add(durationErr("handlers.webhook_timeout", cfg.Handlers.WebhookTimeout))
	for i, u := range cfg.Handlers.SystemdUnits {
		if strings.TrimSpace(u) == "" || strings.ContainsAny(u, "/ ") {
			add(errors.Newf("handlers.systemd_units[%d]: invalid unit name %q", i, u))
		}
	}

	if tz := strings.TrimSpace(cfg.Schedule.DefaultTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(errors.Wrap(err, "schedule.default_timezone"))
		}
	}

	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				add(errors.Newf("storage.path: required for driver %q", sc.Driver))
			}
		default:
			add(errors.Newf("storage.driver: unknown driver %q", sc.Driver))
		}
		add(durationErr("storage.busy_timeout", sc.BusyTimeout))
	}

	if nc := cfg.Notifier; nc != nil {
		if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 {
			add(errors.New("notifier: counts must be >= 0"))
		}
		add(durationErr("notifier.retry_base", nc.RetryBase))
		add(durationErr("notifier.retry_max_delay", nc.RetryMaxDelay))
		add(durationErr("notifier.dedup_window", nc.DedupWindow))
		add(durationErr("notifier.webhook_timeout", nc.WebhookTimeout))
		if raw := strings.TrimSpace(nc.WebhookURL); raw != "" {
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				// the url may carry a token; keep it out of the message
				add(errors.New("notifier.webhook_url: must be an absolute http(s) url"))
			}
		}
	}

	if dc := cfg.Debug; dc != nil && strings.TrimSpace(dc.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(dc.Addr)); err != nil {
			add(errors.Wrap(err, "debug.addr"))
		}
	}

	add(validateJobs(cfg.Jobs))
	return errs
}

func validateJobs(jobs []JobConfig) error {
	var errs error
	seen := make(map[string]struct{}, len(jobs))
	for i, jc := range jobs {
		name := strings.TrimSpace(jc.Name)
		if name == "" {
			errs = errors.CombineErrors(errs, errors.Newf("jobs[%d].name: required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = errors.CombineErrors(errs, errors.Newf("jobs.%s: duplicate name", name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(jc.Type) == "" {
			errs = errors.CombineErrors(errs, errors.Newf("jobs.%s.type: required", name))
		}
		for _, dep := range jc.DependsOn {
			if strings.TrimSpace(dep.Job) == name {
				errs = errors.CombineErrors(errs, errors.Newf("jobs.%s.depends_on: job depends on itself", name))
			}
		}
		def, err := jc.Definition(nil)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if err := def.Schedule.Validate(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "jobs.%s.schedule", name))
		}
	}
	return errs
}

func durationErr(path, raw string) error {
	_, err := ParseDurationField(path, raw)
	return err
}
