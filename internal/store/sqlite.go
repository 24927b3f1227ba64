package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/job"
	"autosubmit/internal/status"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	name        TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	prev_status TEXT NOT NULL,
	id          INTEGER NOT NULL DEFAULT 0,
	fail_count  INTEGER NOT NULL DEFAULT 0,
	platform    TEXT NOT NULL DEFAULT '',
	packed      INTEGER NOT NULL DEFAULT 0,
	hold        INTEGER NOT NULL DEFAULT 0,
	wrapper     TEXT NOT NULL DEFAULT '',
	submit_time INTEGER NOT NULL DEFAULT 0,
	start_time  INTEGER NOT NULL DEFAULT 0,
	finish_time INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS packages (
	package_name TEXT PRIMARY KEY,
	platform     TEXT NOT NULL,
	wrapper      TEXT NOT NULL,
	remote_id    INTEGER NOT NULL DEFAULT 0,
	members      TEXT NOT NULL
);
`

// SQLiteStore keeps the snapshot in job_list_<expid>.db. Before every
// write the current database is copied to job_list_<expid>.db.bak.
type SQLiteStore struct {
	mu     sync.Mutex
	path   string
	expID  string
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens or creates the database.
func NewSQLiteStore(dir, expID string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.FatalError("store.open", err)
	}
	s := &SQLiteStore{
		path:   filepath.Join(dir, "job_list_"+expID+".db"),
		expID:  expID,
		logger: slog.With("component", "store", "strategy", "sqlite", "expid", expID),
	}
	db, err := openDB(s.path)
	if err != nil {
		if db, err = s.restoreBackup(err); err != nil {
			return nil, err
		}
	}
	s.db = db
	return s, nil
}

// restoreBackup moves an unopenable primary aside and reopens from the
// backup copy.
func (s *SQLiteStore) restoreBackup(cause error) (*sql.DB, error) {
	if _, err := os.Stat(s.backupPath()); err != nil {
		return nil, apperrors.GraphLoad(s.path, cause)
	}
	s.logger.Warn("Primary database unreadable, restoring backup", "error", cause)

	if err := os.Rename(s.path, s.path+".corrupt"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.GraphLoad(s.path, errors.Join(cause, err))
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(s.path + suffix)
	}
	data, err := os.ReadFile(s.backupPath())
	if err != nil {
		return nil, apperrors.GraphLoad(s.path, errors.Join(cause, err))
	}
	if err := writeAtomic(s.path, data); err != nil {
		return nil, apperrors.GraphLoad(s.path, errors.Join(cause, err))
	}
	db, err := openDB(s.path)
	if err != nil {
		return nil, apperrors.GraphLoad(s.path, errors.Join(cause, err))
	}
	return db, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path is the primary database file.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) backupPath() string { return s.path + ".bak" }

func (s *SQLiteStore) Save(ctx context.Context, snap *job.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := sequence(ctx, s.db)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return apperrors.TransientError("store.save", err)
	}
	snap.Sequence = max(seq, snap.Sequence) + 1
	snap.ExpID = s.expID
	snap.SavedAt = time.Now().UTC()

	if err := s.backup(ctx); err != nil {
		return apperrors.TransientError("store.backup", err)
	}
	if err := write(ctx, s.db, snap); err != nil {
		return apperrors.TransientError("store.save", err)
	}
	s.logger.Debug("Snapshot saved", "sequence", snap.Sequence, "jobs", len(snap.Jobs))
	return nil
}

// backup snapshots the database into the .bak file.
func (s *SQLiteStore) backup(ctx context.Context) error {
	tmp := s.backupPath() + ".tmp"
	_ = os.Remove(tmp)
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		return err
	}
	return os.Rename(tmp, s.backupPath())
}

func write(ctx context.Context, db *sql.DB, snap *job.Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{"DELETE FROM jobs", "DELETE FROM packages"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	insJob, err := tx.PrepareContext(ctx, `INSERT INTO jobs
		(name, status, prev_status, id, fail_count, platform, packed, hold, wrapper, submit_time, start_time, finish_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insJob.Close()
	for _, r := range snap.Jobs {
		if _, err := insJob.ExecContext(ctx, r.Name, r.Status.String(), r.PrevStatus.String(), r.ID, r.FailCount,
			r.Platform, r.Packed, r.Hold, r.Wrapper, unix(r.SubmitTime), unix(r.StartTime), unix(r.FinishTime)); err != nil {
			return fmt.Errorf("insert job %s: %w", r.Name, err)
		}
	}

	insPkg, err := tx.PrepareContext(ctx, `INSERT INTO packages (package_name, platform, wrapper, remote_id, members) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insPkg.Close()
	for _, p := range snap.Packages {
		members, err := json.Marshal(p.Members)
		if err != nil {
			return err
		}
		if _, err := insPkg.ExecContext(ctx, p.Name, p.Platform, p.Wrapper, p.RemoteID, string(members)); err != nil {
			return fmt.Errorf("insert package %s: %w", p.Name, err)
		}
	}

	meta := map[string]string{
		"expid":    snap.ExpID,
		"sequence": strconv.FormatUint(snap.Sequence, 10),
		"saved_at": snap.SavedAt.Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context) (*job.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := read(ctx, s.db)
	if err == nil {
		if err := checkExpID(snap, s.expID, s.path); err != nil {
			return nil, err
		}
		return snap, nil
	}
	if errors.Is(err, ErrNotFound) {
		if _, statErr := os.Stat(s.backupPath()); statErr != nil {
			return nil, ErrNotFound
		}
	}

	s.logger.Warn("Primary database unreadable, trying backup", "error", err)
	bak, openErr := openDB(s.backupPath())
	if openErr != nil {
		return nil, apperrors.GraphLoad(s.path, errors.Join(err, openErr))
	}
	defer bak.Close()
	snap, bakErr := read(ctx, bak)
	if bakErr != nil {
		return nil, apperrors.GraphLoad(s.path, errors.Join(err, bakErr))
	}
	if err := checkExpID(snap, s.expID, s.backupPath()); err != nil {
		return nil, err
	}
	s.logger.Warn("Restored job list from backup", "path", s.backupPath(), "sequence", snap.Sequence)
	return snap, nil
}

func sequence(ctx context.Context, db *sql.DB) (uint64, error) {
	var v string
	err := db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'sequence'").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

func read(ctx context.Context, db *sql.DB) (*job.Snapshot, error) {
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM meta")
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, err
		}
		meta[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, ok := meta["sequence"]; !ok {
		return nil, ErrNotFound
	}

	snap := &job.Snapshot{ExpID: meta["expid"]}
	if snap.Sequence, err = strconv.ParseUint(meta["sequence"], 10, 64); err != nil {
		return nil, err
	}
	if snap.SavedAt, err = time.Parse(time.RFC3339Nano, meta["saved_at"]); err != nil {
		return nil, err
	}

	if snap.Jobs, err = readJobs(ctx, db); err != nil {
		return nil, err
	}
	if snap.Packages, err = readPackages(ctx, db); err != nil {
		return nil, err
	}
	return snap, nil
}

func readJobs(ctx context.Context, db *sql.DB) ([]job.Record, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, status, prev_status, id, fail_count, platform, packed, hold,
		wrapper, submit_time, start_time, finish_time FROM jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Record
	for rows.Next() {
		var (
			r                     job.Record
			st, prev              string
			submit, start, finish int64
		)
		if err := rows.Scan(&r.Name, &st, &prev, &r.ID, &r.FailCount, &r.Platform, &r.Packed, &r.Hold,
			&r.Wrapper, &submit, &start, &finish); err != nil {
			return nil, err
		}
		if r.Status, err = status.Parse(st); err != nil {
			return nil, apperrors.Integrity("store.read", err)
		}
		if r.PrevStatus, err = status.Parse(prev); err != nil {
			return nil, apperrors.Integrity("store.read", err)
		}
		r.SubmitTime, r.StartTime, r.FinishTime = fromUnix(submit), fromUnix(start), fromUnix(finish)
		out = append(out, r)
	}
	return out, rows.Err()
}

func readPackages(ctx context.Context, db *sql.DB) ([]job.PackageRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT package_name, platform, wrapper, remote_id, members FROM packages ORDER BY package_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.PackageRecord
	for rows.Next() {
		var (
			p       job.PackageRecord
			members string
		)
		if err := rows.Scan(&p.Name, &p.Platform, &p.Wrapper, &p.RemoteID, &members); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(members), &p.Members); err != nil {
			return nil, apperrors.Integrity("store.read", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// unix stores times as Unix nanoseconds, zero for unset.
func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
