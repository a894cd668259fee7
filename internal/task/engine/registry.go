package engine

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
)

// Handler performs the work of one job type. It must honour ctx: the runner
// cancels it on timeout, on CancelJob and on shutdown. Handlers that ignore
// ctx run to completion but their result is discarded.
//
// Handlers may be invoked more than once for the same occurrence (retries,
// crash recovery) and must be idempotent.
type Handler interface {
	Handle(ctx context.Context, params job.Parameters) (job.Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params job.Parameters) (job.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, params job.Parameters) (job.Result, error) {
	return f(ctx, params)
}

// Registry maps job types to handlers. Lookups of unknown types fail; there
// is no implicit fallback handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register installs h for jobType, replacing any previous handler.
func (r *Registry) Register(jobType string, h Handler) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return errors.New("job type required")
	}
	if h == nil {
		return errors.Newf("nil handler for %q", jobType)
	}
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
	return nil
}

// MustRegister is Register that panics on error. Meant for wiring at startup.
func (r *Registry) MustRegister(jobType string, h Handler) {
	if err := r.Register(jobType, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(jobType string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[strings.TrimSpace(jobType)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(job.ErrUnknownHandler, "type %q", jobType)
	}
	return h, nil
}

func (r *Registry) Has(jobType string) bool {
	_, err := r.Resolve(jobType)
	return err == nil
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// EchoHandler returns its parameters as the result data. It is only active
// for types it is explicitly registered under.
var EchoHandler = HandlerFunc(func(ctx context.Context, params job.Parameters) (job.Result, error) {
	if err := ctx.Err(); err != nil {
		return job.Result{}, err
	}
	return job.Result{Success: true, Data: params.Clone()}, nil
})
