package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
)

// memStore keeps everything in maps guarded by one mutex.
type memStore struct {
	mu     sync.Mutex
	closed bool

	jobs   map[string]*job.Job // by id
	byName map[string]string   // name -> id

	execs   map[string]*job.Execution
	history []job.HistoryEntry
	dedup   map[string]int64 // unix milli
}

// NewMemory returns a non-durable store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		jobs:   map[string]*job.Job{},
		byName: map[string]string{},
		execs:  map[string]*job.Execution{},
		dedup:  map[string]int64{},
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) Create(_ context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return errors.New("job id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.byName[j.Name]; ok {
		return errors.Wrapf(job.ErrDuplicateName, "name %q", j.Name)
	}
	if _, ok := s.jobs[j.ID]; ok {
		return errors.Newf("job id %q already exists", j.ID)
	}
	s.putJobLocked(j.Clone())
	return nil
}

func (s *memStore) putJobLocked(j *job.Job) {
	s.jobs[j.ID] = j
	s.byName[j.Name] = j.ID
}

func (s *memStore) Save(_ context.Context, j *job.Job) error {
	if j == nil {
		return errors.New("nil job")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.jobs[j.ID]
	if !ok {
		return errors.Wrapf(job.ErrNotFound, "id %q", j.ID)
	}
	if cur.Name != j.Name {
		if _, taken := s.byName[j.Name]; taken {
			return errors.Wrapf(job.ErrDuplicateName, "name %q", j.Name)
		}
		delete(s.byName, cur.Name)
	}
	s.putJobLocked(j.Clone())
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(job.ErrNotFound, "id %q", id)
	}
	return j.Clone(), nil
}

func (s *memStore) GetByName(_ context.Context, name string) (*job.Job, error) {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	id, ok := s.byName[name]
	if !ok {
		return nil, errors.Wrapf(job.ErrNotFound, "name %q", name)
	}
	return s.jobs[id].Clone(), nil
}

func (s *memStore) List(_ context.Context) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sortDue(out)
	return out, nil
}

func (s *memStore) FindDue(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*job.Job
	for _, j := range s.jobs {
		if j.Due(now) {
			out = append(out, j.Clone())
		}
	}
	sortDue(out)
	return limitSlice(out, limit), nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return errors.Wrapf(job.ErrNotFound, "id %q", id)
	}
	delete(s.jobs, id)
	delete(s.byName, j.Name)
	return nil
}

func (s *memStore) Claim(_ context.Context, id string, l Lease, requireDue bool) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(job.ErrNotFound, "id %q", id)
	}
	if err := checkClaim(j, l, requireDue); err != nil {
		return nil, err
	}
	applyClaim(j, l)
	return j.Clone(), nil
}

func (s *memStore) ReleaseLease(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	j, ok := s.jobs[id]
	if !ok || j.LockedBy != owner {
		return nil
	}
	j.LockedBy = ""
	j.LockExpiresAt = nil
	return nil
}

func (s *memStore) CreateExecution(_ context.Context, e *job.Execution) error {
	if e == nil || e.ID == "" {
		return errors.New("execution id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.execs[e.ID]; ok {
		return errors.Newf("execution %q already exists", e.ID)
	}
	s.execs[e.ID] = e.Clone()
	return nil
}

func (s *memStore) FinishExecution(_ context.Context, e *job.Execution) error {
	if e == nil {
		return errors.New("nil execution")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.execs[e.ID]
	if !ok {
		return errors.Wrapf(job.ErrNotFound, "execution %q", e.ID)
	}
	if cur.Status.Final() {
		return errors.Wrapf(job.ErrExecutionFinalized, "execution %q", e.ID)
	}
	s.execs[e.ID] = e.Clone()
	return nil
}

func (s *memStore) ListExecutions(_ context.Context, jobName string, limit int) ([]*job.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*job.Execution
	for _, e := range s.execs {
		if e.JobName == jobName {
			out = append(out, e.Clone())
		}
	}
	sortExecutions(out)
	return limitSlice(out, limit), nil
}

func (s *memStore) AppendHistory(_ context.Context, h job.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.history = append(s.history, h)
	return nil
}

func (s *memStore) ListHistory(_ context.Context, jobName string, limit int) ([]job.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []job.HistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].JobName != jobName {
			continue
		}
		out = append(out, s.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = until.UnixMilli()
	return nil
}

func (s *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}
