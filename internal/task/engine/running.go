package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// runEntry tracks one in-flight run.
type runEntry struct {
	jobID       string
	executionID string
	manual      bool
	started     time.Time
	cancel      context.CancelCauseFunc
}

// runningSet is the in-process guard against running the same job name
// twice. A name is inserted before the store claim and removed when the run
// exits, whatever the outcome.
type runningSet struct {
	mu    sync.Mutex
	names map[string]*runEntry
}

func (s *runningSet) tryAcquire(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.names == nil {
		s.names = make(map[string]*runEntry)
	}
	if _, busy := s.names[name]; busy {
		return false
	}
	s.names[name] = &runEntry{}
	return true
}

func (s *runningSet) release(name string) {
	s.mu.Lock()
	delete(s.names, strings.TrimSpace(name))
	s.mu.Unlock()
}

func (s *runningSet) attach(name string, fn func(e *runEntry)) {
	s.mu.Lock()
	if e := s.names[name]; e != nil {
		fn(e)
	}
	s.mu.Unlock()
}

func (s *runningSet) has(name string) bool {
	s.mu.Lock()
	_, ok := s.names[strings.TrimSpace(name)]
	s.mu.Unlock()
	return ok
}

// cancel cancels the handler context of name, if it is running.
func (s *runningSet) cancel(name string, cause error) bool {
	s.mu.Lock()
	e := s.names[strings.TrimSpace(name)]
	var fn context.CancelCauseFunc
	if e != nil {
		fn = e.cancel
	}
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(cause)
	return true
}

func (s *runningSet) cancelAll(cause error) {
	s.mu.Lock()
	fns := make([]context.CancelCauseFunc, 0, len(s.names))
	for _, e := range s.names {
		if e.cancel != nil {
			fns = append(fns, e.cancel)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(cause)
	}
}

// RunInfo is a diagnostic view of an in-flight run.
type RunInfo struct {
	Name        string    `json:"name"`
	JobID       string    `json:"job_id"`
	ExecutionID string    `json:"execution_id"`
	Manual      bool      `json:"manual"`
	Started     time.Time `json:"started"`
}

func (s *runningSet) list() []RunInfo {
	s.mu.Lock()
	out := make([]RunInfo, 0, len(s.names))
	for name, e := range s.names {
		out = append(out, RunInfo{Name: name, JobID: e.jobID, ExecutionID: e.executionID, Manual: e.manual, Started: e.started})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
