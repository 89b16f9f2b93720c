// Package sqlitedb opens SQLite databases with the pragma profile used
// by every SQLite-backed store and wraps statement execution with a
// bounded retry loop for lock contention.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrDBTimeout is returned when a statement still hits a busy or locked
// database after the caller's retry window is exhausted.
var ErrDBTimeout = errors.New("database timeout")

const retryInterval = 25 * time.Millisecond

// DB wraps *sql.DB with the retry window used for busy databases.
type DB struct {
	*sql.DB

	path    string
	timeout time.Duration
}

// Open opens (and if create is set, creates) the SQLite database at path
// and applies the durability pragmas: synchronous=FULL,
// journal_mode=TRUNCATE and mmap_size=0.
func Open(path string, create bool, timeout time.Duration) (*DB, error) {
	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	} else {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to open database %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA synchronous = FULL",
		"PRAGMA journal_mode = TRUNCATE",
		"PRAGMA mmap_size = 0",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	return &DB{DB: db, path: path, timeout: timeout}, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// isBusy reports whether err is SQLite lock contention worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// retry runs fn every 25 ms until it succeeds, fails with a non-busy
// error, the context ends, or the retry window closes with ErrDBTimeout.
func (d *DB) retry(ctx context.Context, fn func() error) error {
	deadline := time.Now().Add(d.timeout)

	for {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s busy after %s: %v", ErrDBTimeout, d.path, d.timeout, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// ExecRetry runs a write statement, retrying while the database is busy.
func (d *DB) ExecRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := d.retry(ctx, func() error {
		var execErr error
		res, execErr = d.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// QueryRetry runs a query, retrying while the database is busy. The
// caller owns the returned rows.
func (d *DB) QueryRetry(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := d.retry(ctx, func() error {
		var queryErr error
		rows, queryErr = d.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// QueryRowRetry runs a single-row query, retrying while the database is
// busy. Scan errors other than sql.ErrNoRows participate in the busy
// check because the row is not read until Scan.
func (d *DB) QueryRowRetry(ctx context.Context, query string, args []any, dest ...any) error {
	return d.retry(ctx, func() error {
		return d.QueryRowContext(ctx, query, args...).Scan(dest...)
	})
}
