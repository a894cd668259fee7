package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobsched/pkg/logx"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	s.Go("worker", func(ctx context.Context) error { panic("bad") })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker: panic: bad")

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	st := snap.Tasks[0]
	assert.Equal(t, "worker", st.Name)
	assert.Equal(t, uint64(1), st.Panics)
	assert.Equal(t, 0, st.Running)
	assert.Equal(t, snap.FirstError, st.LastErr)
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("nope") })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fails: nope")
}

func TestErrorWithoutCancelKeepsSiblings(t *testing.T) {
	s := New(context.Background())
	s.Go("fails", func(ctx context.Context) error { return errors.New("nope") })
	require.Eventually(t, func() bool { return s.Err() != nil }, time.Second, time.Millisecond)
	assert.NoError(t, s.Context().Err())
	require.Error(t, s.Stop(waitCtx(t)))
}

func TestGoRestartRestartsUntilClean(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t))
	assert.Equal(t, int32(3), runs.Load())
	require.Error(t, err, "first error is published")
	assert.Contains(t, err.Error(), "transient")

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, uint64(3), snap.Tasks[0].Runs)
	assert.Equal(t, uint64(2), snap.Tasks[0].Restarts)
}

func TestGoRestartRecoversPanicQuietly(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	assert.NoError(t, s.Wait(waitCtx(t)), "errors are not published by default")
	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, uint64(1), s.Snapshot().Tasks[0].Panics)
}

func TestStopEndsRestartLoop(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Hour, time.Hour))

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.Equal(t, int32(1), runs.Load())
}

func TestStopCancelsContext(t *testing.T) {
	s := New(context.Background())
	s.Go("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap.Tasks) == 1 && snap.Tasks[0].Running == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.Equal(t, 0, s.Snapshot().Tasks[0].Running)
}
