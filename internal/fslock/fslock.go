// Package fslock provides cross-process exclusive file operations using
// sentinel lock files. A lock is held by exclusively creating
// "<path>.lock" and released by removing it; writers publish new content
// with a write-to-temp-then-rename step so readers never observe a
// partial file.
package fslock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// caller's deadline.
var ErrLockTimeout = errors.New("lock timeout")

const retryInterval = 25 * time.Millisecond

// WithLock acquires the exclusive lock for path, runs fn, and releases
// the lock on every exit path. Acquisition retries every 25 ms until
// timeout and then fails with ErrLockTimeout.
func WithLock(path string, timeout time.Duration, fn func() error) error {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", lockPath, err)
	}
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("failed to create lock file %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s held after %s", ErrLockTimeout, lockPath, timeout)
		}
		time.Sleep(retryInterval)
	}

	defer os.Remove(lockPath)
	return fn()
}

// CreateFile writes data to path under the path's lock. The bytes go to
// "<path>.tmp" first and are renamed into place, so a concurrent reader
// sees either the old content or the new content, never a torn write.
func CreateFile(path string, data []byte, timeout time.Duration) error {
	return WithLock(path, timeout, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}

		tmpPath := path + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write temp file %s: %w", tmpPath, err)
		}

		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to rename %s into place: %w", tmpPath, err)
		}
		return nil
	})
}

// RemoveFile deletes path under the path's lock. A missing target is a
// no-op.
func RemoveFile(path string, timeout time.Duration) error {
	return WithLock(path, timeout, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil
	})
}

// SweepOrphans removes every "*.lock" and "*.tmp" file under root and
// returns the number of files removed. It must only run when no peer
// process can be holding locks under root.
func SweepOrphans(root string) (int, error) {
	removed := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".lock") || strings.HasSuffix(path, ".tmp") {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to remove orphan %s: %w", path, err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("orphan sweep of %s failed: %w", root, err)
	}

	return removed, nil
}
