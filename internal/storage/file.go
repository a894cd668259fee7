package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// fileStore is the in-memory store made durable with plain files.
//
// Files:
//   - <prefix>.snapshot.json  (periodic full snapshot)
//   - <prefix>.journal.jsonl  (append-only journal since the snapshot)
//
// The journal is replayed over the snapshot on open and compacted into it
// every compactEvery writes.
type fileStore struct {
	*memStore

	log logx.Logger

	wmu          sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

const (
	opJobPut   = "job.put"
	opJobDel   = "job.del"
	opExecPut  = "exec.put"
	opHistAdd  = "hist.add"
	opDedupPut = "dedup.put"
)

type journalRecord struct {
	Op    string            `json:"op"`
	Job   *job.Job          `json:"job,omitempty"`
	ID    string            `json:"id,omitempty"`
	Exec  *job.Execution    `json:"exec,omitempty"`
	Entry *job.HistoryEntry `json:"entry,omitempty"`
	Key   string            `json:"key,omitempty"`
	Until int64             `json:"until,omitempty"`
}

type snapshot struct {
	Jobs       []*job.Job         `json:"jobs"`
	Executions []*job.Execution   `json:"executions"`
	History    []job.HistoryEntry `json:"history"`
	Dedup      map[string]int64   `json:"dedup"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	mem := newMemStore()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load snapshot")
	}
	replayed, err := replayJournal(journalPath, mem, log)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "replay journal")
	}
	pruneExpiredDedup(mem.dedup, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}

	s := &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}
	if replayed > 0 {
		s.wmu.Lock()
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
		s.wmu.Unlock()
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.memStore.Close()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return errors.Wrap(err, "append journal")
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// journalJobLocked appends the current state of job id.
func (s *fileStore) journalJobLocked(ctx context.Context, id string) error {
	j, err := s.memStore.Get(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.appendLocked(journalRecord{Op: opJobPut, Job: j})
}

func (s *fileStore) Create(ctx context.Context, j *job.Job) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.memStore.Create(ctx, j); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opJobPut, Job: j})
}

func (s *fileStore) Save(ctx context.Context, j *job.Job) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.memStore.Save(ctx, j); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opJobPut, Job: j})
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.memStore.Delete(ctx, id); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opJobDel, ID: id})
}

func (s *fileStore) Claim(ctx context.Context, id string, l Lease, requireDue bool) (*job.Job, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	j, err := s.memStore.Claim(ctx, id, l, requireDue)
	if err != nil {
		return nil, err
	}
	if err := s.appendLocked(journalRecord{Op: opJobPut, Job: j}); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *fileStore) ReleaseLease(ctx context.Context, id, owner string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.memStore.ReleaseLease(ctx, id, owner); err != nil {
		return err
	}
	return s.journalJobLocked(ctx, id)
}

func (s *fileStore) CreateExecution(ctx context.Context, e *job.Execution) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.memStore.CreateExecution(ctx, e); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opExecPut, Exec: e})
}

func (s *fileStore) FinishExecution(ctx context.Context, e *job.Execution) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.memStore.FinishExecution(ctx, e); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opExecPut, Exec: e})
}

func (s *fileStore) AppendHistory(ctx context.Context, h job.HistoryEntry) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.memStore.AppendHistory(ctx, h); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opHistAdd, Entry: &h})
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.memStore.PutDedup(ctx, key, until); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opDedupPut, Key: key, Until: until.UnixMilli()})
}

func (s *fileStore) compactLocked() error {
	snap := s.memStore.snapshot()
	pruneExpiredDedup(snap.Dedup, time.Now())

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *memStore) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		Jobs:       make([]*job.Job, 0, len(s.jobs)),
		Executions: make([]*job.Execution, 0, len(s.execs)),
		History:    append([]job.HistoryEntry(nil), s.history...),
		Dedup:      make(map[string]int64, len(s.dedup)),
	}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j.Clone())
	}
	for _, e := range s.execs {
		snap.Executions = append(snap.Executions, e.Clone())
	}
	for k, v := range s.dedup {
		snap.Dedup[k] = v
	}
	return snap
}

func loadSnapshot(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, j := range snap.Jobs {
		if j != nil && j.ID != "" {
			mem.putJobLocked(j)
		}
	}
	for _, e := range snap.Executions {
		if e != nil && e.ID != "" {
			mem.execs[e.ID] = e
		}
	}
	mem.history = snap.History
	for k, v := range snap.Dedup {
		mem.dedup[k] = v
	}
	return nil
}

func replayJournal(path string, mem *memStore, log logx.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash is expected; skip it.
			log.Debug("skip journal record", logx.Err(err))
			continue
		}
		switch r.Op {
		case opJobPut:
			if r.Job == nil || r.Job.ID == "" {
				continue
			}
			if old, ok := mem.jobs[r.Job.ID]; ok && old.Name != r.Job.Name {
				delete(mem.byName, old.Name)
			}
			mem.putJobLocked(r.Job)
		case opJobDel:
			if old, ok := mem.jobs[r.ID]; ok {
				delete(mem.byName, old.Name)
				delete(mem.jobs, r.ID)
			}
		case opExecPut:
			if r.Exec != nil && r.Exec.ID != "" {
				mem.execs[r.Exec.ID] = r.Exec
			}
		case opHistAdd:
			if r.Entry != nil {
				mem.history = append(mem.history, *r.Entry)
			}
		case opDedupPut:
			if r.Key != "" {
				mem.dedup[r.Key] = r.Until
			}
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
