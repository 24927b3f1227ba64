package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/job"
)

// FileStore keeps the snapshot as JSON in job_list_<expid>.json, with
// rotating copies job_list_<expid>.json.bak, .bak.2 ... .bak.N.
type FileStore struct {
	mu      sync.Mutex
	dir     string
	expID   string
	slots   int
	seq     uint64
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewFileStore creates the pkl directory if needed.
func NewFileStore(dir, expID string, slots int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.FatalError("store.open", err)
	}
	if slots <= 0 {
		slots = 1
	}
	return &FileStore{
		dir:     dir,
		expID:   expID,
		slots:   slots,
		logger:  slog.With("component", "store", "strategy", "json", "expid", expID),
		nowFunc: time.Now,
	}, nil
}

// Path is the primary snapshot file.
func (f *FileStore) Path() string {
	return filepath.Join(f.dir, "job_list_"+f.expID+".json")
}

func (f *FileStore) backupPath(slot int) string {
	if slot == 1 {
		return f.Path() + ".bak"
	}
	return fmt.Sprintf("%s.bak.%d", f.Path(), slot)
}

// candidates lists the primary then every backup slot.
func (f *FileStore) candidates() []string {
	paths := []string{f.Path()}
	for slot := 1; slot <= f.slots; slot++ {
		paths = append(paths, f.backupPath(slot))
	}
	return paths
}

func (f *FileStore) Save(ctx context.Context, snap *job.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq = max(f.seq, snap.Sequence) + 1
	snap.Sequence = f.seq
	snap.ExpID = f.expID
	snap.SavedAt = f.nowFunc().UTC()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return apperrors.Integrity("store.encode", err)
	}

	for slot := f.slots; slot > 1; slot-- {
		if err := os.Rename(f.backupPath(slot-1), f.backupPath(slot)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return apperrors.TransientError("store.rotate", err)
		}
	}
	if err := writeAtomic(f.backupPath(1), data); err != nil {
		return apperrors.TransientError("store.backup", err)
	}
	if err := writeAtomic(f.Path(), data); err != nil {
		return apperrors.TransientError("store.save", err)
	}

	f.logger.Debug("Snapshot saved", "sequence", snap.Sequence, "jobs", len(snap.Jobs))
	return nil
}

func (f *FileStore) Load(ctx context.Context) (*job.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		best     *job.Snapshot
		bestPath string
		firstErr error
		found    bool
	)
	for _, path := range f.candidates() {
		snap, err := readSnapshot(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		found = true
		if err == nil {
			err = checkExpID(snap, f.expID, path)
		}
		if err != nil {
			f.logger.Warn("Unreadable snapshot", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if best == nil || snap.Sequence > best.Sequence {
			best, bestPath = snap, path
		}
	}

	switch {
	case best != nil:
		if bestPath != f.Path() {
			f.logger.Warn("Restored job list from backup", "path", bestPath, "sequence", best.Sequence)
		}
		f.seq = max(f.seq, best.Sequence)
		return best, nil
	case found:
		return nil, firstErr
	default:
		return nil, ErrNotFound
	}
}

func (f *FileStore) Close() error { return nil }

func readSnapshot(path string) (*job.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, apperrors.GraphLoad(path, err)
	}
	var snap job.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, apperrors.GraphLoad(path, err)
	}
	return &snap, nil
}

// writeAtomic replaces path with data through a synced temporary file in
// the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
