package engine

import (
	"strings"
	"sync"
)

// groupSemaphore is a simple channel-based semaphore used for per-type
// concurrency limits. Tokens are pre-filled up to limit.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	// Never block on release.
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

func (g *groupSemaphore) inUse() int {
	if g == nil {
		return 0
	}
	return g.limit - len(g.ch)
}

// typeLimiter holds one semaphore per job type with a configured limit.
//
// When a limit changes on reload, a fresh semaphore replaces the old one.
// Runs holding a token of the old semaphore release into it, so the new
// limit is briefly exceeded by at most the runs in flight at reload time.
type typeLimiter struct {
	mu     sync.Mutex
	limits map[string]int
	groups map[string]*groupSemaphore
}

func (l *typeLimiter) setLimits(limits map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make(map[string]int, len(limits))
	for k, v := range limits {
		k = strings.TrimSpace(k)
		if k != "" && v > 0 {
			next[k] = v
		}
	}
	if l.groups == nil {
		l.groups = make(map[string]*groupSemaphore)
	}
	for k, gs := range l.groups {
		if next[k] != gs.limit {
			delete(l.groups, k)
		}
	}
	l.limits = next
}

// get returns the semaphore for jobType, or nil when the type is unlimited.
func (l *typeLimiter) get(jobType string) *groupSemaphore {
	k := strings.TrimSpace(jobType)
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := l.limits[k]
	if limit <= 0 {
		return nil
	}
	if l.groups == nil {
		l.groups = make(map[string]*groupSemaphore)
	}
	gs := l.groups[k]
	if gs == nil {
		gs = newGroupSemaphore(limit)
		l.groups[k] = gs
	}
	return gs
}

func (l *typeLimiter) usage() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.groups))
	for k, gs := range l.groups {
		out[k] = gs.inUse()
	}
	return out
}
