package scheduler

import (
	"context"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
)

// Satisfied reports whether every dependency of j has finished the way it
// requires. A dependency that no longer exists is never satisfied.
func (s *Service) Satisfied(ctx context.Context, j *job.Job) (bool, error) {
	for _, dep := range j.Dependencies {
		d, err := s.store.Get(ctx, dep.JobID)
		if errors.Is(err, job.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !dependencyMet(d, dep.Kind) {
			return false, nil
		}
	}
	return true, nil
}

func dependencyMet(d *job.Job, kind job.DependencyKind) bool {
	if d.Status != job.StatusCompleted {
		return false
	}
	if kind == job.MustSucceed {
		return d.Result != nil && d.Result.Success
	}
	return true
}

// checkDependencies verifies that every dependency exists and that giving
// jobID the edges deps keeps the dependency graph acyclic.
func (s *Service) checkDependencies(ctx context.Context, jobID string, deps []job.Dependency) error {
	if len(deps) == 0 {
		return nil
	}
	jobs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	graph := make(map[string][]string, len(jobs)+1)
	for _, j := range jobs {
		for _, d := range j.Dependencies {
			graph[j.ID] = append(graph[j.ID], d.JobID)
		}
	}
	next := make([]string, 0, len(deps))
	for _, d := range deps {
		if d.JobID == jobID {
			return job.Invalid("dependencies", "job cannot depend on itself")
		}
		if _, ok := findJob(jobs, d.JobID); !ok {
			return job.InvalidCause("dependencies", errors.Wrapf(job.ErrNotFound, "dependency %q", d.JobID))
		}
		next = append(next, d.JobID)
	}
	graph[jobID] = next

	if path := findCycle(graph, jobID); path != nil {
		return job.Invalid("dependencies", "dependency cycle through "+joinPath(jobs, path))
	}
	return nil
}

// findCycle returns the path of a cycle reachable from start, or nil.
func findCycle(graph map[string][]string, start string) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var stack []string
	var visit func(n string) []string
	visit = func(n string) []string {
		state[n] = visiting
		stack = append(stack, n)
		for _, m := range graph[n] {
			switch state[m] {
			case visiting:
				for i, v := range stack {
					if v == m {
						return append(append([]string(nil), stack[i:]...), m)
					}
				}
			case unvisited:
				if p := visit(m); p != nil {
					return p
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}
	return visit(start)
}

func findJob(jobs []*job.Job, id string) (*job.Job, bool) {
	for _, j := range jobs {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

func joinPath(jobs []*job.Job, ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " -> "
		}
		if j, ok := findJob(jobs, id); ok {
			out += j.Name
		} else {
			out += id
		}
	}
	return out
}
