package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"autosubmit/internal/status"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS job_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	expid      TEXT    NOT NULL,
	run_id     TEXT    NOT NULL,
	job        TEXT    NOT NULL,
	section    TEXT    NOT NULL,
	prev       TEXT    NOT NULL,
	status     TEXT    NOT NULL,
	fail_count INTEGER NOT NULL,
	remote_id  INTEGER NOT NULL,
	platform   TEXT    NOT NULL,
	package    TEXT    NOT NULL,
	time       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS job_history_job ON job_history (job, id);
`

// SQLiteSink appends entries to a job_history table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the history database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_history (expid, run_id, job, section, prev, status, fail_count, remote_id, platform, package, time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExpID, e.RunID, e.Job, e.Section, e.Prev.String(), e.Status.String(),
		e.FailCount, e.RemoteID, e.Platform, e.Package, e.Time.UnixNano())
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// Entries returns the recorded changes of a job in insertion order. An empty
// name returns every entry.
func (s *SQLiteSink) Entries(ctx context.Context, jobName string) ([]Entry, error) {
	query := `SELECT expid, run_id, job, section, prev, status, fail_count, remote_id, platform, package, time FROM job_history`
	var args []any
	if jobName != "" {
		query += ` WHERE job = ?`
		args = append(args, jobName)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			prev, curr string
			nanos      int64
		)
		if err := rows.Scan(&e.ExpID, &e.RunID, &e.Job, &e.Section, &prev, &curr,
			&e.FailCount, &e.RemoteID, &e.Platform, &e.Package, &nanos); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if e.Prev, err = status.Parse(prev); err != nil {
			return nil, err
		}
		if e.Status, err = status.Parse(curr); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, nanos).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close(context.Context) error {
	return s.db.Close()
}
