package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type driverCase struct {
	name string
	open func(t *testing.T) Store
}

func drivers() []driverCase {
	return []driverCase{
		{name: "memory", open: func(t *testing.T) Store { return NewMemory() }},
		{name: "file", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
		{name: "sqlite", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.sqlite")}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, d := range drivers() {
		d := d
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func newJob(id, name string, prio int, runAt time.Time) *job.Job {
	return &job.Job{
		ID:          id,
		Name:        name,
		Type:        "echo",
		Schedule:    job.Once(runAt),
		Status:      job.StatusScheduled,
		Priority:    prio,
		RunAt:       runAt,
		MaxAttempts: 3,
		Timeout:     time.Minute,
		Parameters:  job.Parameters{"k": "v"},
		CreatedAt:   base,
		UpdatedAt:   base,
	}
}

func TestCreateGetAndDuplicateName(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newJob("j1", "report", 0, base)))

		got, err := st.GetByName(ctx, "report")
		require.NoError(t, err)
		assert.Equal(t, "j1", got.ID)
		assert.Equal(t, "v", got.Parameters["k"])
		assert.True(t, got.RunAt.Equal(base))

		err = st.Create(ctx, newJob("j2", "report", 0, base))
		assert.ErrorIs(t, err, job.ErrDuplicateName)

		_, err = st.Get(ctx, "missing")
		assert.ErrorIs(t, err, job.ErrNotFound)
	})
}

func TestSaveRequiresExistingRecord(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		err := st.Save(ctx, newJob("nope", "nope", 0, base))
		assert.ErrorIs(t, err, job.ErrNotFound)

		j := newJob("j1", "a", 0, base)
		require.NoError(t, st.Create(ctx, j))
		j.Status = job.StatusPaused
		require.NoError(t, st.Save(ctx, j))

		got, err := st.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusPaused, got.Status)
	})
}

func TestFindDueOrdering(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newJob("a", "low-early", 0, base.Add(-2*time.Minute))))
		require.NoError(t, st.Create(ctx, newJob("b", "high-late", 5, base.Add(-time.Minute))))
		require.NoError(t, st.Create(ctx, newJob("c", "high-early", 5, base.Add(-3*time.Minute))))
		require.NoError(t, st.Create(ctx, newJob("d", "future", 9, base.Add(time.Minute))))

		paused := newJob("e", "paused", 9, base.Add(-time.Hour))
		paused.Status = job.StatusPaused
		require.NoError(t, st.Create(ctx, paused))

		retrying := newJob("f", "retrying", 1, base)
		retrying.Status = job.StatusRetrying
		require.NoError(t, st.Create(ctx, retrying))

		due, err := st.FindDue(ctx, base, 0)
		require.NoError(t, err)
		var names []string
		for _, j := range due {
			names = append(names, j.Name)
		}
		assert.Equal(t, []string{"high-early", "high-late", "retrying", "low-early"}, names)

		due, err = st.FindDue(ctx, base, 2)
		require.NoError(t, err)
		assert.Len(t, due, 2)
	})
}

func TestClaimIsExclusive(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newJob("j1", "a", 0, base)))

		l := Lease{Owner: "node-1", Now: base, Until: base.Add(time.Minute)}
		claimed, err := st.Claim(ctx, "j1", l, true)
		require.NoError(t, err)
		assert.Equal(t, job.StatusQueued, claimed.Status)
		assert.Equal(t, "node-1", claimed.LockedBy)

		_, err = st.Claim(ctx, "j1", Lease{Owner: "node-2", Now: base, Until: base.Add(time.Minute)}, true)
		assert.ErrorIs(t, err, ErrConflict)

		// A manual claim of an active job fails until the lease expires.
		_, err = st.Claim(ctx, "j1", Lease{Owner: "node-1", Now: base, Until: base.Add(time.Minute)}, false)
		assert.ErrorIs(t, err, ErrConflict)
		later := base.Add(2 * time.Minute)
		_, err = st.Claim(ctx, "j1", Lease{Owner: "node-2", Now: later, Until: later.Add(time.Minute)}, false)
		assert.NoError(t, err)

		require.NoError(t, st.ReleaseLease(ctx, "j1", "node-1"))
		got, err := st.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, "node-2", got.LockedBy, "release by a non-owner is a no-op")

		require.NoError(t, st.ReleaseLease(ctx, "j1", "node-2"))
		got, err = st.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Empty(t, got.LockedBy)
		assert.Nil(t, got.LockExpiresAt)
	})
}

func TestClaimRequiresDue(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newJob("j1", "a", 0, base.Add(time.Hour))))
		_, err := st.Claim(ctx, "j1", Lease{Owner: "n", Now: base, Until: base.Add(time.Minute)}, true)
		assert.ErrorIs(t, err, ErrConflict)

		_, err = st.Claim(ctx, "missing", Lease{Owner: "n", Now: base}, true)
		assert.ErrorIs(t, err, job.ErrNotFound)
	})
}

func TestDeleteKeepsExecutions(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newJob("j1", "a", 0, base)))
		require.NoError(t, st.CreateExecution(ctx, &job.Execution{ID: "e1", JobID: "j1", JobName: "a", Status: job.ExecRunning, StartedAt: base}))
		require.NoError(t, st.Delete(ctx, "j1"))

		_, err := st.GetByName(ctx, "a")
		assert.ErrorIs(t, err, job.ErrNotFound)
		assert.ErrorIs(t, st.Delete(ctx, "j1"), job.ErrNotFound)

		execs, err := st.ListExecutions(ctx, "a", 0)
		require.NoError(t, err)
		assert.Len(t, execs, 1)

		// The name is free again.
		require.NoError(t, st.Create(ctx, newJob("j2", "a", 0, base)))
	})
}

func TestExecutionFinalizedOnce(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i, id := range []string{"e1", "e2", "e3"} {
			e := &job.Execution{ID: id, JobID: "j1", JobName: "a", Status: job.ExecRunning, StartedAt: base.Add(time.Duration(i) * time.Minute)}
			require.NoError(t, st.CreateExecution(ctx, e))
		}

		e := &job.Execution{ID: "e2", JobID: "j1", JobName: "a", Status: job.ExecRunning, StartedAt: base.Add(time.Minute)}
		e.Finish(job.ExecFailed, base.Add(90*time.Second), nil, &job.ErrorInfo{Message: "boom", Code: "x"})
		require.NoError(t, st.FinishExecution(ctx, e))
		assert.ErrorIs(t, st.FinishExecution(ctx, e), job.ErrExecutionFinalized)
		assert.ErrorIs(t, st.FinishExecution(ctx, &job.Execution{ID: "zz"}), job.ErrNotFound)

		execs, err := st.ListExecutions(ctx, "a", 2)
		require.NoError(t, err)
		require.Len(t, execs, 2)
		assert.Equal(t, "e3", execs[0].ID)
		assert.Equal(t, "e2", execs[1].ID)
		assert.Equal(t, job.ExecFailed, execs[1].Status)
		assert.Equal(t, 30*time.Second, execs[1].Duration)
		require.NotNil(t, execs[1].Error)
		assert.Equal(t, "boom", execs[1].Error.Message)
	})
}

func TestHistoryNewestFirst(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		events := []job.Event{job.EventScheduled, job.EventExecuted, job.EventFailed}
		for i, ev := range events {
			require.NoError(t, st.AppendHistory(ctx, job.HistoryEntry{
				ID: string(rune('a' + i)), JobID: "j1", JobName: "a", Event: ev, At: base,
			}))
		}
		require.NoError(t, st.AppendHistory(ctx, job.HistoryEntry{ID: "x", JobName: "other", Event: job.EventScheduled, At: base}))

		got, err := st.ListHistory(ctx, "a", 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, job.EventFailed, got[0].Event)
		assert.Equal(t, job.EventScheduled, got[2].Event)

		got, err = st.ListHistory(ctx, "a", 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestDedup(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
		require.NoError(t, st.PutDedup(ctx, "k", until))
		got, ok, err := st.GetDedup(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, got.Equal(until))

		_, ok, err = st.GetDedup(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestFileStoreReplaysJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Create(ctx, newJob("j1", "a", 0, base)))
	require.NoError(t, st.Create(ctx, newJob("j2", "b", 0, base)))
	j, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	j.Status = job.StatusCompleted
	require.NoError(t, st.Save(ctx, j))
	require.NoError(t, st.Delete(ctx, "j2"))
	require.NoError(t, st.AppendHistory(ctx, job.HistoryEntry{ID: "h1", JobID: "j1", JobName: "a", Event: job.EventExecuted, At: base}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.GetByName(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	_, err = st.GetByName(ctx, "b")
	assert.ErrorIs(t, err, job.ErrNotFound)

	hist, err := st.ListHistory(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}
