package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection serializes the read-check-write transactions in Claim
	// and FinishExecution.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate sqlite")
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func jobColumns(j *job.Job) ([]any, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "encode job")
	}
	var lockExp any
	if j.LockExpiresAt != nil {
		lockExp = j.LockExpiresAt.UnixNano()
	}
	return []any{
		j.Name, j.Type, string(j.Status), j.Priority, unixNano(j.RunAt),
		nullStr(j.LockedBy), lockExp, unixNano(j.CreatedAt), unixNano(j.UpdatedAt), string(data),
	}, nil
}

func decodeJob(data string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	return &j, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func (s *sqliteStore) Create(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return errors.New("job id required")
	}
	cols, err := jobColumns(j)
	if err != nil {
		return err
	}
	args := append([]any{j.ID}, cols...)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, name, type, status, priority, run_at, locked_by, lock_expires_at, created_at, updated_at, data)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if isUniqueViolation(err) {
		var n int
		if qerr := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE name = ?`, j.Name).Scan(&n); qerr == nil && n > 0 {
			return errors.Wrapf(job.ErrDuplicateName, "name %q", j.Name)
		}
		return errors.Wrapf(err, "job id %q already exists", j.ID)
	}
	return errors.Wrap(err, "insert job")
}

func (s *sqliteStore) saveTx(ctx context.Context, q execer, j *job.Job) error {
	cols, err := jobColumns(j)
	if err != nil {
		return err
	}
	args := append(cols, j.ID)
	res, err := q.ExecContext(ctx,
		`UPDATE jobs SET name=?, type=?, status=?, priority=?, run_at=?, locked_by=?, lock_expires_at=?, created_at=?, updated_at=?, data=?
		 WHERE id = ?`, args...)
	if isUniqueViolation(err) {
		return errors.Wrapf(job.ErrDuplicateName, "name %q", j.Name)
	}
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(job.ErrNotFound, "id %q", j.ID)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) Save(ctx context.Context, j *job.Job) error {
	if j == nil {
		return errors.New("nil job")
	}
	return s.saveTx(ctx, s.db, j)
}

func (s *sqliteStore) getBy(ctx context.Context, q execer, col, v string) (*job.Job, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM jobs WHERE `+col+` = ?`, v).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(job.ErrNotFound, "%s %q", col, v)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select job")
	}
	return decodeJob(data)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.getBy(ctx, s.db, "id", id)
}

func (s *sqliteStore) GetByName(ctx context.Context, name string) (*job.Job, error) {
	return s.getBy(ctx, s.db, "name", strings.TrimSpace(name))
}

func (s *sqliteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		j, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

func (s *sqliteStore) List(ctx context.Context) ([]*job.Job, error) {
	return s.queryJobs(ctx, `SELECT data FROM jobs ORDER BY priority DESC, run_at ASC, created_at ASC`)
}

func (s *sqliteStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryJobs(ctx,
		`SELECT data FROM jobs
		 WHERE status IN (?, ?) AND run_at <= ?
		 ORDER BY priority DESC, run_at ASC, created_at ASC
		 LIMIT ?`,
		string(job.StatusScheduled), string(job.StatusRetrying), now.UnixNano(), limit)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(job.ErrNotFound, "id %q", id)
	}
	return nil
}

func (s *sqliteStore) Claim(ctx context.Context, id string, l Lease, requireDue bool) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin claim")
	}
	defer func() { _ = tx.Rollback() }()

	j, err := s.getBy(ctx, tx, "id", id)
	if err != nil {
		return nil, err
	}
	if err := checkClaim(j, l, requireDue); err != nil {
		return nil, err
	}
	applyClaim(j, l)
	if err := s.saveTx(ctx, tx, j); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit claim")
	}
	return j, nil
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, id, owner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin release")
	}
	defer func() { _ = tx.Rollback() }()

	j, err := s.getBy(ctx, tx, "id", id)
	if errors.Is(err, job.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if j.LockedBy != owner {
		return nil
	}
	j.LockedBy = ""
	j.LockExpiresAt = nil
	if err := s.saveTx(ctx, tx, j); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit release")
}

func execColumns(e *job.Execution) ([]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode execution")
	}
	var completed any
	if e.CompletedAt != nil {
		completed = e.CompletedAt.UnixNano()
	}
	return []any{e.JobID, e.JobName, string(e.Status), unixNano(e.StartedAt), completed, string(data)}, nil
}

func (s *sqliteStore) CreateExecution(ctx context.Context, e *job.Execution) error {
	if e == nil || e.ID == "" {
		return errors.New("execution id required")
	}
	cols, err := execColumns(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions(id, job_id, job_name, status, started_at, completed_at, data) VALUES(?,?,?,?,?,?,?)`,
		append([]any{e.ID}, cols...)...)
	return errors.Wrap(err, "insert execution")
}

func (s *sqliteStore) FinishExecution(ctx context.Context, e *job.Execution) error {
	if e == nil {
		return errors.New("nil execution")
	}
	cols, err := execColumns(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET job_id=?, job_name=?, status=?, started_at=?, completed_at=?, data=?
		 WHERE id = ? AND status = ?`,
		append(cols, e.ID, string(job.ExecRunning))...)
	if err != nil {
		return errors.Wrap(err, "update execution")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, e.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(job.ErrNotFound, "execution %q", e.ID)
	}
	if err != nil {
		return errors.Wrap(err, "select execution")
	}
	return errors.Wrapf(job.ErrExecutionFinalized, "execution %q", e.ID)
}

func (s *sqliteStore) ListExecutions(ctx context.Context, jobName string, limit int) ([]*job.Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM executions WHERE job_name = ? ORDER BY started_at DESC LIMIT ?`, jobName, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query executions")
	}
	defer rows.Close()
	var out []*job.Execution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		var e job.Execution
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, errors.Wrap(err, "decode execution")
		}
		out = append(out, &e)
	}
	return out, errors.Wrap(rows.Err(), "iterate executions")
}

func (s *sqliteStore) AppendHistory(ctx context.Context, h job.HistoryEntry) error {
	data, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_history(id, job_id, job_name, event, at, data) VALUES(?,?,?,?,?,?)`,
		h.ID, h.JobID, h.JobName, string(h.Event), unixNano(h.At), string(data))
	return errors.Wrap(err, "insert history")
}

func (s *sqliteStore) ListHistory(ctx context.Context, jobName string, limit int) ([]job.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM job_history WHERE job_name = ? ORDER BY seq DESC LIMIT ?`, jobName, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()
	var out []job.HistoryEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		var h job.HistoryEntry
		if err := json.Unmarshal([]byte(data), &h); err != nil {
			return nil, errors.Wrap(err, "decode history")
		}
		out = append(out, h)
	}
	return out, errors.Wrap(rows.Err(), "iterate history")
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return errors.Wrap(err, "put dedup")
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "get dedup")
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
