// Package handlers holds the built-in job handlers.
//
// Nothing is registered implicitly: the app calls Register with the types it
// wants available, so unknown job types keep failing closed.
package handlers

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	"jobsched/internal/task/engine"
)

// Built-in job types.
const (
	TypeEcho    = "echo"
	TypeSleep   = "sleep"
	TypeWebhook = "webhook"
	TypeSystemd = "systemd"
)

// Options configure the built-ins.
type Options struct {
	// Webhook is used by the webhook handler. Nil means defaults.
	Webhook *Webhook
	// Systemd is used by the systemd handler. Nil allows no units.
	Systemd *Systemd
}

// Register installs echo, sleep, webhook and systemd into reg.
func Register(reg *engine.Registry, opt Options) error {
	wh := opt.Webhook
	if wh == nil {
		wh = NewWebhook(0)
	}
	sd := opt.Systemd
	if sd == nil {
		sd = NewSystemd(nil)
	}
	var errs error
	for typ, h := range map[string]engine.Handler{
		TypeEcho:    engine.EchoHandler,
		TypeSleep:   engine.HandlerFunc(Sleep),
		TypeWebhook: wh,
		TypeSystemd: sd,
	} {
		errs = errors.CombineErrors(errs, reg.Register(typ, h))
	}
	return errs
}

// Sleep waits for parameters["duration"] (a Go duration string) or until
// ctx is done. Useful for smoke-testing timeouts and cancellation.
func Sleep(ctx context.Context, params job.Parameters) (job.Result, error) {
	raw, _ := params["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return job.Result{}, engine.NoRetry(job.NewHandlerError("bad_parameters", "duration must be a non-negative Go duration", raw))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return job.Result{}, ctx.Err()
	case <-t.C:
		return job.Result{Success: true, Data: map[string]any{"slept": d.String()}}, nil
	}
}
