package config

import (
	"strings"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	"jobsched/internal/task/schedule"
)

// ResolveFunc maps a job name to its id.
type ResolveFunc func(name string) (string, error)

// Definition converts a seed entry into a job.Definition. Dependency names
// are turned into ids through resolve; a nil resolve keeps the names as ids.
func (j JobConfig) Definition(resolve ResolveFunc) (job.Definition, error) {
	path := "jobs." + strings.TrimSpace(j.Name)

	sched, err := schedule.Parse(j.Schedule)
	if err != nil {
		return job.Definition{}, errors.Wrapf(err, "%s.schedule", path)
	}
	retryDelay, err := ParseDurationField(path+".retry_delay", j.RetryDelay)
	if err != nil {
		return job.Definition{}, err
	}
	timeout, err := ParseDurationField(path+".timeout", j.Timeout)
	if err != nil {
		return job.Definition{}, err
	}

	deps := make([]job.Dependency, 0, len(j.DependsOn))
	for _, d := range j.DependsOn {
		kind, err := parseKind(d.Kind)
		if err != nil {
			return job.Definition{}, errors.Wrapf(err, "%s.depends_on", path)
		}
		id := strings.TrimSpace(d.Job)
		if resolve != nil {
			if id, err = resolve(id); err != nil {
				return job.Definition{}, errors.Wrapf(err, "%s.depends_on %q", path, d.Job)
			}
		}
		deps = append(deps, job.Dependency{JobID: id, Kind: kind})
	}

	return job.Definition{
		Name:         strings.TrimSpace(j.Name),
		Owner:        strings.TrimSpace(j.Owner),
		Type:         strings.TrimSpace(j.Type),
		Schedule:     sched,
		Timezone:     strings.TrimSpace(j.Timezone),
		Priority:     j.Priority,
		MaxAttempts:  j.MaxAttempts,
		RetryDelay:   retryDelay,
		Timeout:      timeout,
		Dependencies: deps,
		Parameters:   job.Parameters(j.Parameters).Clone(),
		Paused:       j.Paused,
	}, nil
}

func parseKind(s string) (job.DependencyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(job.MustComplete):
		return job.MustComplete, nil
	case string(job.MustSucceed):
		return job.MustSucceed, nil
	default:
		return "", errors.Newf("unknown dependency kind %q", s)
	}
}
