package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/job"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
dispatcher:
  tick: 30s
  batch_size: 10
  type_limits:
    report: 2
retry:
  max_attempts: 4
  base_delay: 5s
storage:
  driver: sqlite
  path: ./jobs.db
notifier:
  enabled: true
  workers: 2
  webhook_url: https://hooks.example.com/x?token=secret
jobs:
  - name: nightly
    type: report
    schedule: "cron:0 2 * * *"
    timeout: 5m
    parameters:
      target: db
  - name: publish
    type: echo
    schedule: "every:1h"
    depends_on:
      - job: nightly
        kind: must_succeed
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "jobsched.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Dispatcher.IsEnabled())
	assert.Equal(t, "30s", cfg.Dispatcher.Tick)
	assert.Equal(t, map[string]int{"report": 2}, cfg.Dispatcher.TypeLimits)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, "db", cfg.Jobs[0].Parameters["target"])
}

func TestLoadJSONStrict(t *testing.T) {
	_, err := NewConfigManager(writeFile(t, "c.json", `{"logging":{"level":"info"},"dispatcher":{},"bogus":1}`)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	_, err = NewConfigManager(writeFile(t, "c.json", `{"dispatcher":{}} {"dispatcher":{}}`)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")

	cfg, err := NewConfigManager(writeFile(t, "c.json", `{"dispatcher":{"enabled":false}}`)).Load()
	require.NoError(t, err)
	assert.False(t, cfg.Dispatcher.IsEnabled())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad tick", Config{Dispatcher: DispatcherConfig{Tick: "soon"}}, "dispatcher.tick"},
		{"negative limit", Config{Dispatcher: DispatcherConfig{TypeLimits: map[string]int{"x": -1}}}, "type_limits.x"},
		{"bad format", Config{Logging: LoggingConfig{Format: "xml"}}, "logging.format"},
		{"bad timezone", Config{Schedule: ScheduleConfig{DefaultTimezone: "Mars/Base"}}, "default_timezone"},
		{"unknown driver", Config{Storage: &StorageConfig{Driver: "redis"}}, "storage.driver"},
		{"file without path", Config{Storage: &StorageConfig{Driver: "file"}}, "storage.path"},
		{"webhook url", Config{Notifier: &NotifierConfig{WebhookURL: "ftp://x"}}, "webhook_url"},
		{"systemd unit", Config{Handlers: HandlersConfig{SystemdUnits: []string{"../etc"}}}, "systemd_units[0]"},
		{"debug addr", Config{Debug: &DebugConfig{Enabled: true, Addr: "6060"}}, "debug.addr"},
		{"job without name", Config{Jobs: []JobConfig{{Type: "echo", Schedule: "1h"}}}, "jobs[0].name"},
		{"duplicate job", Config{Jobs: []JobConfig{
			{Name: "a", Type: "echo", Schedule: "1h"},
			{Name: "a", Type: "echo", Schedule: "2h"},
		}}, "duplicate name"},
		{"bad schedule", Config{Jobs: []JobConfig{{Name: "a", Type: "echo", Schedule: "whenever"}}}, "jobs.a.schedule"},
		{"self dependency", Config{Jobs: []JobConfig{
			{Name: "a", Type: "echo", Schedule: "1h", DependsOn: []JobDependsOn{{Job: "a"}}},
		}}, "depends on itself"},
		{"bad kind", Config{Jobs: []JobConfig{
			{Name: "a", Type: "echo", Schedule: "1h", DependsOn: []JobDependsOn{{Job: "b", Kind: "maybe"}}},
		}}, "dependency kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	require.NoError(t, Validate(&Config{}))
	require.Error(t, Validate(nil))
}

func TestValidateDoesNotLeakWebhookURL(t *testing.T) {
	err := Validate(&Config{Notifier: &NotifierConfig{WebhookURL: "ftp://host/?token=secret"}})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}

func TestJobDefinition(t *testing.T) {
	jc := JobConfig{
		Name:       " nightly ",
		Type:       "report",
		Schedule:   "every:2 hours",
		Timeout:    "90s",
		RetryDelay: "10s",
		DependsOn: []JobDependsOn{
			{Job: "extract"},
			{Job: "load", Kind: "must_succeed"},
		},
		Parameters: map[string]any{"k": "v"},
	}
	ids := map[string]string{"extract": "id-1", "load": "id-2"}
	def, err := jc.Definition(func(name string) (string, error) {
		id, ok := ids[name]
		if !ok {
			return "", job.ErrNotFound
		}
		return id, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "nightly", def.Name)
	assert.Equal(t, job.KindRecurring, def.Schedule.Kind)
	assert.Equal(t, 90*time.Second, def.Timeout)
	assert.Equal(t, 10*time.Second, def.RetryDelay)
	assert.Equal(t, []job.Dependency{
		{JobID: "id-1", Kind: job.MustComplete},
		{JobID: "id-2", Kind: job.MustSucceed},
	}, def.Dependencies)
	assert.Equal(t, "v", def.Parameters["k"])

	jc.DependsOn = []JobDependsOn{{Job: "ghost"}}
	_, err = jc.Definition(func(string) (string, error) { return "", job.ErrNotFound })
	require.Error(t, err)
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

func TestSummarizeConfigChange(t *testing.T) {
	m := NewConfigManager(writeFile(t, "a.yaml", sampleYAML))
	oldCfg, err := m.Parse()
	require.NoError(t, err)
	newCfg, err := m.Parse()
	require.NoError(t, err)

	assert.True(t, SummarizeConfigChange(oldCfg, newCfg).Empty())

	newCfg.Dispatcher.Tick = "10s"
	newCfg.Notifier.WebhookURL = "https://hooks.example.com/y?token=other"
	newCfg.Jobs[1].Schedule = "every:2h"
	newCfg.Jobs = append(newCfg.Jobs, JobConfig{Name: "fresh", Type: "echo", Schedule: "1h"})

	sum := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"dispatcher", "notifier", "jobs"}, sum.Sections)
	assert.Equal(t, []string{"fresh", "publish"}, sum.Jobs)
	assert.Empty(t, sum.RestartRequired)
	assert.True(t, sum.Has("notifier"))

	newCfg.Storage.Driver = "file"
	sum = SummarizeConfigChange(oldCfg, newCfg)
	assert.Contains(t, sum.RestartRequired, "storage")

	newCfg.Debug = &DebugConfig{Enabled: true}
	sum = SummarizeConfigChange(oldCfg, newCfg)
	assert.True(t, sum.Has("debug"))
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "c.json", `{"dispatcher":{"tick":"1m"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// give the watcher a moment to register the directory
	time.Sleep(100 * time.Millisecond)

	// invalid content is rejected and never published
	require.NoError(t, os.WriteFile(path, []byte(`{"dispatcher":{"tick":"never"}}`), 0o644))
	select {
	case cfg := <-ch:
		t.Fatalf("unexpected publish: %+v", cfg.Dispatcher)
	case <-time.After(600 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"dispatcher":{"tick":"5s"}}`), 0o644))
	select {
	case cfg := <-ch:
		assert.Equal(t, "5s", cfg.Dispatcher.Tick)
		assert.Equal(t, "5s", m.Get().Dispatcher.Tick)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)
	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := NewConfigManager(filepath.Join("..", "..", "config.example.yaml")).Load()
	require.NoError(t, err)
	assert.Len(t, cfg.Jobs, 3)
	assert.Equal(t, []string{"nginx"}, cfg.Handlers.SystemdUnits)
	require.NotNil(t, cfg.Debug)
	assert.False(t, cfg.Debug.Enabled)
}
