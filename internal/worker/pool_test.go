package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
)

func worldBounds(t *testing.T, zoom int) tile.Bounds {
	t.Helper()
	world := tile.BBox{-180, -85, 180, 85}
	bounds, err := tile.TileBounds([]tile.Coverage{{Zoom: zoom, BBox: &world}}, tile.SchemeXYZ, nil)
	if err != nil {
		t.Fatalf("TileBounds: %v", err)
	}
	return bounds
}

func TestRunProcessesEveryTile(t *testing.T) {
	bounds := worldBounds(t, 3) // 64 tiles

	var mu sync.Mutex
	seen := make(map[string]bool)

	pool := New(Config{
		Workers: 4,
		Do: func(ctx context.Context, c tile.Coords) error {
			mu.Lock()
			seen[c.String()] = true
			mu.Unlock()
			return nil
		},
	})

	stats := pool.Run(context.Background(), bounds)
	if stats.Completed != 64 || stats.Failed != 0 || stats.Total != 64 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(seen) != 64 {
		t.Fatalf("processed %d distinct tiles, want 64", len(seen))
	}
}

func TestRunCountsFailures(t *testing.T) {
	bounds := worldBounds(t, 2) // 16 tiles

	pool := New(Config{
		Workers: 2,
		Do: func(ctx context.Context, c tile.Coords) error {
			if c.X == 0 {
				return errors.New("origin unreachable")
			}
			return nil
		},
	})

	stats := pool.Run(context.Background(), bounds)
	if stats.Completed != 16 {
		t.Errorf("Completed = %d, want 16", stats.Completed)
	}
	if stats.Failed != 4 {
		t.Errorf("Failed = %d, want 4 (one column)", stats.Failed)
	}
}

func TestRunSingleWorkerOrder(t *testing.T) {
	bounds := worldBounds(t, 1)

	var got []tile.Coords
	pool := New(Config{
		Workers: 1,
		Do: func(ctx context.Context, c tile.Coords) error {
			got = append(got, c)
			return nil
		},
	})
	pool.Run(context.Background(), bounds)

	want := []tile.Coords{
		{Z: 1, X: 0, Y: 0}, {Z: 1, X: 0, Y: 1},
		{Z: 1, X: 1, Y: 0}, {Z: 1, X: 1, Y: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("processed %d tiles, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tile %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRunCancellation(t *testing.T) {
	bounds := worldBounds(t, 8) // 65536 tiles, far more than we process

	ctx, cancel := context.WithCancel(context.Background())

	var processed atomic.Uint64
	pool := New(Config{
		Workers: 2,
		Do: func(ctx context.Context, c tile.Coords) error {
			if processed.Add(1) == 10 {
				cancel()
			}
			return nil
		},
	})

	stats := pool.Run(ctx, bounds)
	if stats.Completed >= bounds.Total {
		t.Fatalf("run did not stop early: completed %d", stats.Completed)
	}
	// Tiles drained from the queue after cancellation are in neither
	// counter; Completed counts exactly the invocations that ran.
	if stats.Completed != processed.Load() {
		t.Fatalf("completed %d, but the task ran %d times", stats.Completed, processed.Load())
	}
}

func TestRunEmptyBounds(t *testing.T) {
	pool := New(Config{Workers: 4, Do: func(ctx context.Context, c tile.Coords) error {
		t.Error("callback invoked for empty bounds")
		return nil
	}})

	stats := pool.Run(context.Background(), tile.Bounds{})
	if stats.Completed != 0 || stats.Total != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunProgressReporting(t *testing.T) {
	bounds := worldBounds(t, 2)

	var calls atomic.Uint64
	var finalCompleted atomic.Uint64
	pool := New(Config{
		Workers: 3,
		Do:      func(ctx context.Context, c tile.Coords) error { return nil },
		OnProgress: func(completed, total, failed uint64) {
			calls.Add(1)
			if total != 16 {
				t.Errorf("total = %d, want 16", total)
			}
			finalCompleted.Store(completed)
		},
	})
	pool.Run(context.Background(), bounds)

	if calls.Load() != 16 {
		t.Errorf("progress calls = %d, want 16", calls.Load())
	}
}

func TestWorkerClamping(t *testing.T) {
	if p := New(Config{Workers: 0}); p.workers != 1 {
		t.Errorf("workers = %d, want 1", p.workers)
	}
	if p := New(Config{Workers: -5}); p.workers != 1 {
		t.Errorf("workers = %d, want 1", p.workers)
	}
	if p := New(Config{Workers: 100000}); p.workers != MaxWorkers {
		t.Errorf("workers = %d, want %d", p.workers, MaxWorkers)
	}
}
