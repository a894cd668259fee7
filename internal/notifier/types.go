package notifier

import (
	"context"
	"time"

	"jobsched/internal/job"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Sink delivers one failure notice. Errors marked with Permanent are not
// retried.
type Sink interface {
	Name() string
	Send(ctx context.Context, n job.FailureNotice) error
}

type HistoryItem struct {
	At      time.Time
	JobName string
	Sink    string
	Error   string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle
// events (notifier.queued, .sent, .failed, .deduped, .dropped).
type NotificationEvent struct {
	Sink    string    `json:"sink"`
	JobID   string    `json:"job_id"`
	JobName string    `json:"job_name"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
