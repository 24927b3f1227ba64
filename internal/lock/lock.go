// Package lock holds the per-experiment exclusive lock that keeps two run
// loops from driving the same experiment.
package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"autosubmit/internal/apperrors"
)

// Lock is an acquired advisory lock. The kernel drops it when the process
// exits, so a crashed run never leaves the experiment locked.
type Lock struct {
	path string
	file *os.File
}

// Path returns <experimentDir>/tmp/autosubmit.lock.
func Path(experimentDir string) string {
	return filepath.Join(experimentDir, "tmp", "autosubmit.lock")
}

// Acquire takes the lock without blocking. A lock held elsewhere is
// reported as apperrors.ErrLocked.
func Acquire(experimentDir string) (*Lock, error) {
	path := Path(experimentDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.FatalError("lock.acquire", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, apperrors.FatalError("lock.acquire", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, apperrors.Locked(path)
		}
		return nil, apperrors.FatalError("lock.acquire", fmt.Errorf("flock %s: %w", path, err))
	}

	// The pid is informational only.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	slog.Debug("Experiment lock acquired", "path", path)
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
