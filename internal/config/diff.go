package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// ChangeSummary describes what a reload changed.
type ChangeSummary struct {
	// Sections lists changed top-level sections in file order.
	Sections []string
	// Attrs are safe structured fields for logging. Webhook URLs are never
	// included.
	Attrs []logx.Field
	// Jobs lists seed jobs that were added or changed, sorted by name.
	Jobs []string
	// RestartRequired lists changed keys that only take effect on restart.
	RestartRequired []string
}

func (c ChangeSummary) Empty() bool {
	return len(c.Sections) == 0 && len(c.Jobs) == 0
}

func (c ChangeSummary) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ChangeSummary {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out ChangeSummary

	if oldCfg.Logging != newCfg.Logging {
		out.Sections = append(out.Sections, "logging")
		out.Attrs = append(out.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	od, nd := oldCfg.Dispatcher, newCfg.Dispatcher
	if !reflect.DeepEqual(od, nd) {
		out.Sections = append(out.Sections, "dispatcher")
		out.Attrs = append(out.Attrs,
			logx.Bool("dispatcher.enabled", nd.IsEnabled()),
			logx.String("dispatcher.tick", strings.TrimSpace(nd.Tick)),
			logx.Int("dispatcher.batch_size", nd.BatchSize),
			logx.Int("dispatcher.type_limits", len(nd.TypeLimits)),
		)
		if od.IsEnabled() != nd.IsEnabled() {
			out.RestartRequired = append(out.RestartRequired, "dispatcher.enabled")
		}
		if strings.TrimSpace(od.InstanceID) != strings.TrimSpace(nd.InstanceID) {
			out.RestartRequired = append(out.RestartRequired, "dispatcher.instance_id")
		}
	}

	if oldCfg.Retry != newCfg.Retry {
		out.Sections = append(out.Sections, "retry")
		out.Attrs = append(out.Attrs,
			logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
			logx.String("retry.base_delay", strings.TrimSpace(newCfg.Retry.BaseDelay)),
			logx.String("retry.max_delay", strings.TrimSpace(newCfg.Retry.MaxDelay)),
		)
	}

	if oldCfg.Runner != newCfg.Runner {
		out.Sections = append(out.Sections, "runner")
		out.Attrs = append(out.Attrs,
			logx.String("runner.default_timeout", strings.TrimSpace(newCfg.Runner.DefaultTimeout)),
			logx.Int("runner.history_size", newCfg.Runner.HistorySize),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		out.Sections = append(out.Sections, "schedule")
		out.Attrs = append(out.Attrs,
			logx.Bool("schedule.full_cron", newCfg.Schedule.FullCron),
			logx.String("schedule.default_timezone", newCfg.Schedule.DefaultTimezone),
		)
		out.RestartRequired = append(out.RestartRequired, "schedule")
	}

	if !reflect.DeepEqual(oldCfg.Handlers, newCfg.Handlers) {
		out.Sections = append(out.Sections, "handlers")
		out.Attrs = append(out.Attrs,
			logx.String("handlers.webhook_timeout", newCfg.Handlers.WebhookTimeout),
			logx.Int("handlers.systemd_units", len(newCfg.Handlers.SystemdUnits)),
		)
		out.RestartRequired = append(out.RestartRequired, "handlers")
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out.Sections = append(out.Sections, "storage")
		if newCfg.Storage != nil {
			out.Attrs = append(out.Attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.String("storage.path", newCfg.Storage.Path),
			)
		}
		out.RestartRequired = append(out.RestartRequired, "storage")
	}

	if notifierChanged(oldCfg.Notifier, newCfg.Notifier) {
		out.Sections = append(out.Sections, "notifier")
		n := newCfg.Notifier
		if n == nil {
			n = &NotifierConfig{}
		}
		out.Attrs = append(out.Attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Bool("notifier.webhook_set", strings.TrimSpace(n.WebhookURL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		out.Sections = append(out.Sections, "debug")
		d := newCfg.Debug
		if d == nil {
			d = &DebugConfig{}
		}
		out.Attrs = append(out.Attrs,
			logx.Bool("debug.enabled", d.Enabled),
			logx.String("debug.addr", d.Addr),
			logx.Bool("debug.token_set", d.Token != ""),
		)
	}

	out.Jobs = changedJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(out.Jobs) > 0 || len(oldCfg.Jobs) != len(newCfg.Jobs) {
		out.Sections = append(out.Sections, "jobs")
		out.Attrs = append(out.Attrs,
			logx.Int("jobs.count", len(newCfg.Jobs)),
			logx.Int("jobs.changed", len(out.Jobs)),
		)
	}
	return out
}

func notifierChanged(a, b *NotifierConfig) bool {
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}
	return *a != *b
}

// changedJobs returns names of jobs in next that are new or differ from prev.
// Jobs removed from the file are not reported: seeding never deletes.
func changedJobs(prev, next []JobConfig) []string {
	old := make(map[string]uint64, len(prev))
	for _, j := range prev {
		old[strings.TrimSpace(j.Name)] = hashJSON(j)
	}
	var out []string
	for _, j := range next {
		name := strings.TrimSpace(j.Name)
		if h, ok := old[name]; !ok || h != hashJSON(j) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
