package config

// Config is the on-disk configuration of jobsched (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Retry      RetryConfig      `json:"retry,omitempty"`
	Runner     RunnerConfig     `json:"runner,omitempty"`
	Schedule   ScheduleConfig   `json:"schedule,omitempty"`
	Handlers   HandlersConfig   `json:"handlers,omitempty"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Debug    *DebugConfig    `json:"debug,omitempty"`

	// Jobs are seeded at startup and upserted by name.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json".
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatcherConfig controls the tick loop.
//
// Enabled is a pointer so an omitted key keeps the dispatcher on while an
// explicit false turns it off (API-only mode).
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - tick: "1m"
//   - batch_size: 100
//   - lease_ttl: "1m"
//   - instance_id: hostname
//   - stop_timeout: "30s"
type DispatcherConfig struct {
	Enabled     *bool          `json:"enabled,omitempty"`
	Tick        string         `json:"tick,omitempty"`
	BatchSize   int            `json:"batch_size,omitempty"`
	LeaseTTL    string         `json:"lease_ttl,omitempty"`
	InstanceID  string         `json:"instance_id,omitempty"`
	TypeLimits  map[string]int `json:"type_limits,omitempty"`
	StopTimeout string         `json:"stop_timeout,omitempty"`
}

// IsEnabled reports the effective enabled flag.
func (d DispatcherConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// RetryConfig is the default retry policy for jobs that do not set their own.
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BaseDelay   string `json:"base_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
}

type RunnerConfig struct {
	// DefaultTimeout applies to jobs without a timeout of their own.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type ScheduleConfig struct {
	// FullCron accepts the whole robfig/cron grammar (ranges, lists,
	// descriptors, DOW) instead of the narrow default subset.
	FullCron        bool   `json:"full_cron,omitempty"`
	DefaultTimezone string `json:"default_timezone,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls the async failure notification pipeline.
//
// If the whole section is omitted, failures are only logged.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	PersistDedup  bool   `json:"persist_dedup,omitempty"`

	// WebhookURL switches the sink from the log to a JSON POST. Never logged.
	WebhookURL     string `json:"webhook_url,omitempty"`
	WebhookTimeout string `json:"webhook_timeout,omitempty"`
}

// JobConfig is a seed job definition.
//
// Schedule uses the textual forms accepted by schedule.Parse ("every:1h",
// "cron:0 * * * *", "at:2026-01-01T00:00:00Z"). Dependencies name other
// seeded or existing jobs; they are resolved to ids when seeding.
type JobConfig struct {
	Name        string         `json:"name"`
	Owner       string         `json:"owner,omitempty"`
	Type        string         `json:"type"`
	Schedule    string         `json:"schedule"`
	Timezone    string         `json:"timezone,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	RetryDelay  string         `json:"retry_delay,omitempty"`
	Timeout     string         `json:"timeout,omitempty"`
	DependsOn   []JobDependsOn `json:"depends_on,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Paused      bool           `json:"paused,omitempty"`
}

type JobDependsOn struct {
	Job string `json:"job"`
	// Kind is "must_complete" (default) or "must_succeed".
	Kind string `json:"kind,omitempty"`
}

// DebugConfig controls the diagnostics HTTP server (health, status, pprof).
// A non-loopback addr needs a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// HandlersConfig tunes the built-in job handlers. Changes need a restart.
type HandlersConfig struct {
	// WebhookTimeout bounds each webhook request (default "30s").
	WebhookTimeout string `json:"webhook_timeout,omitempty"`
	// SystemdUnits lists the units the systemd handler may touch. Empty
	// means none.
	SystemdUnits []string `json:"systemd_units,omitempty"`
}
