package sqlitedb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caches", "mbtiles", "osm", "osm.mbtiles")

	db, err := Open(path, true, time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecRetry(context.Background(),
		"CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
}

func TestOpenMissingWithoutCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.mbtiles")
	if _, err := Open(path, false, time.Second); err == nil {
		t.Fatal("Open succeeded on a missing database")
	}
}

func TestExecAndQueryRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "t.db"), true, time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if _, err := db.ExecRetry(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.ExecRetry(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var v string
	if err := db.QueryRowRetry(ctx, "SELECT v FROM kv WHERE k = ?", []any{"a"}, &v); err != nil {
		t.Fatalf("query row: %v", err)
	}
	if v != "1" {
		t.Errorf("v = %q, want 1", v)
	}

	rows, err := db.QueryRetry(ctx, "SELECT k FROM kv ORDER BY k")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestRetryStopsOnNonBusyError(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "t.db"), true, 5*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	start := time.Now()
	_, err = db.ExecRetry(context.Background(), "INSERT INTO nope VALUES (1)")
	if err == nil {
		t.Fatal("insert into missing table succeeded")
	}
	if errors.Is(err, ErrDBTimeout) {
		t.Errorf("syntax error reported as timeout: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("non-busy error was retried")
	}
}

func TestRetryHonorsContext(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "t.db"), true, time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := db.ExecRetry(ctx, "SELECT 1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY: database is locked"), true},
		{errors.New("database is locked (5)"), true},
		{errors.New("SQLITE_LOCKED"), true},
		{errors.New("no such table: tiles"), false},
	}
	for _, tt := range tests {
		if got := isBusy(tt.err); got != tt.want {
			t.Errorf("isBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
