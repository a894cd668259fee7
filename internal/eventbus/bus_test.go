package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixFilter(t *testing.T) {
	b := New()
	jobs, unsubJobs := b.Subscribe(4, "job.")
	all, unsubAll := b.Subscribe(4)
	defer unsubJobs()
	defer unsubAll()

	b.Publish(Event{Type: "job.started"})
	b.Publish(Event{Type: "notifier.sent"})

	e := <-jobs
	assert.Equal(t, "job.started", e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Len(t, jobs, 0)
	assert.Len(t, all, 2)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, "a", (<-ch).Type)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, open := <-ch
	require.False(t, open)
	b.Publish(Event{Type: "after"})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unsub := b.Subscribe(1, "x")
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: "x"})
			}
			unsub()
		}()
	}
	wg.Wait()
}
