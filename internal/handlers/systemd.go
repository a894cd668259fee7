package handlers

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	"jobsched/internal/task/engine"
)

// UnitController is the part of the systemd D-Bus API the systemd handler
// drives. *dbus.Conn from go-systemd satisfies it.
type UnitController interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	Close()
}

// Systemd starts, stops, restarts or inspects a unit over D-Bus.
//
// Parameters:
//   - unit (required): unit name; ".service" is appended when there is no suffix
//   - action: start, stop, restart (default) or status
//
// Only units in Allowed may be touched. The D-Bus connection is opened on
// first use and reopened after an error.
type Systemd struct {
	Allowed []string
	Dial    func(ctx context.Context) (UnitController, error)

	mu   sync.Mutex
	conn UnitController
}

// NewSystemd returns a handler limited to units, dialing the system bus.
func NewSystemd(units []string) *Systemd {
	allowed := make([]string, 0, len(units))
	for _, u := range units {
		if u = unitName(u); u != "" {
			allowed = append(allowed, u)
		}
	}
	return &Systemd{Allowed: allowed, Dial: dialSystemBus}
}

func (s *Systemd) Handle(ctx context.Context, params job.Parameters) (job.Result, error) {
	unit := unitName(stringParam(params, "unit"))
	if unit == "" {
		return job.Result{}, engine.NoRetry(job.NewHandlerError("bad_parameters", "unit is required"))
	}
	if !slices.Contains(s.Allowed, unit) {
		return job.Result{}, engine.NoRetry(job.NewHandlerError("unit_not_allowed", "unit is not in the allowed list", unit))
	}
	action := strings.ToLower(stringParam(params, "action"))
	if action == "" {
		action = "restart"
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return job.Result{}, job.WrapHandlerError(err, "systemd_unavailable")
	}

	switch action {
	case "status":
		props, err := conn.GetUnitPropertiesContext(ctx, unit)
		if err != nil {
			s.reset(conn)
			return job.Result{}, job.WrapHandlerError(err, "systemd_call")
		}
		data := map[string]any{"unit": unit}
		for _, k := range []string{"ActiveState", "SubState", "LoadState"} {
			if v, ok := props[k].(string); ok {
				data[k] = v
			}
		}
		return job.Result{Success: true, Data: data}, nil
	case "start", "stop", "restart":
	default:
		return job.Result{}, engine.NoRetry(job.NewHandlerError("bad_parameters", "unknown action", action))
	}

	op := map[string]func(context.Context, string, string, chan<- string) (int, error){
		"start":   conn.StartUnitContext,
		"stop":    conn.StopUnitContext,
		"restart": conn.RestartUnitContext,
	}[action]

	done := make(chan string, 1)
	if _, err := op(ctx, unit, "replace", done); err != nil {
		s.reset(conn)
		return job.Result{}, job.WrapHandlerError(err, "systemd_call")
	}
	select {
	case <-ctx.Done():
		return job.Result{}, ctx.Err()
	case res := <-done:
		if res != "done" {
			// failed, timeout, canceled, dependency, skipped
			return job.Result{}, job.NewHandlerError("systemd_job_"+res, action+" "+unit+" finished with "+res)
		}
	}
	return job.Result{Success: true, Data: map[string]any{"unit": unit, "action": action}}, nil
}

func (s *Systemd) connect(ctx context.Context) (UnitController, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	if s.Dial == nil {
		return nil, errors.New("systemd: no dialer")
	}
	conn, err := s.Dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "systemd: connect")
	}
	s.conn = conn
	return conn, nil
}

func (s *Systemd) reset(conn UnitController) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn.Close()
		s.conn = nil
	}
}

// Close drops the D-Bus connection if one is open.
func (s *Systemd) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func unitName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}

func stringParam(params job.Parameters, key string) string {
	v, _ := params[key].(string)
	return strings.TrimSpace(v)
}
