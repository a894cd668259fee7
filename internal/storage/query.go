package storage

import (
	"sort"
	"time"

	"jobsched/internal/job"
)

// checkClaim decides whether l may claim j.
func checkClaim(j *job.Job, l Lease, requireDue bool) error {
	if j.Leased(l.Owner, l.Now) {
		return ErrConflict
	}
	if requireDue {
		if !j.Due(l.Now) {
			return ErrConflict
		}
		return nil
	}
	if j.Status.Active() && (j.LockExpiresAt == nil || j.LockExpiresAt.After(l.Now)) {
		return ErrConflict
	}
	return nil
}

func applyClaim(j *job.Job, l Lease) {
	j.Status = job.StatusQueued
	j.LockedBy = l.Owner
	j.LockExpiresAt = job.TimePtr(l.Until)
	j.UpdatedAt = l.Now
}

func sortDue(jobs []*job.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.RunAt.Equal(jb.RunAt) {
			return ja.RunAt.Before(jb.RunAt)
		}
		return ja.CreatedAt.Before(jb.CreatedAt)
	})
}

func sortExecutions(execs []*job.Execution) {
	sort.SliceStable(execs, func(a, b int) bool {
		return execs[a].StartedAt.After(execs[b].StartedAt)
	})
}

func limitSlice[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
