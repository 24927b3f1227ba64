// Package store persists job graph snapshots. Every strategy writes a
// backup copy before the primary so that a crash between the two writes
// never loses the latest state.
package store

import (
	"context"
	"errors"
	"path/filepath"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/config"
	"autosubmit/internal/job"
)

// ErrNotFound is returned by Load when nothing was persisted yet.
var ErrNotFound = errors.New("no persisted job list")

// Store persists snapshots of one experiment.
type Store interface {
	// Save writes snap durably, backup first. It assigns snap.Sequence.
	Save(ctx context.Context, snap *job.Snapshot) error

	// Load returns the newest readable snapshot, falling back to backups
	// when the primary is unreadable.
	Load(ctx context.Context) (*job.Snapshot, error)

	Close() error
}

// Open returns the store selected by the runner configuration.
func Open(cfg *config.RunnerConfig) (Store, error) {
	dir := filepath.Join(cfg.ExperimentDir(), "pkl")
	switch cfg.Storage {
	case config.StorageJSON:
		return NewFileStore(dir, cfg.ExpID, cfg.BackupSlots)
	case config.StorageSQLite:
		return NewSQLiteStore(dir, cfg.ExpID)
	default:
		return nil, apperrors.Config("STORAGE", "unknown storage "+cfg.Storage)
	}
}

// checkExpID rejects snapshots of another experiment.
func checkExpID(snap *job.Snapshot, expID, path string) error {
	if snap.ExpID != expID {
		return apperrors.GraphLoad(path, errors.New("snapshot belongs to experiment "+snap.ExpID))
	}
	return nil
}
