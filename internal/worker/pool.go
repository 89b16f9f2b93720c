// Package worker provides the parallel tile worker pool driving seed
// and cleanup runs.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
)

// MaxWorkers caps the pool size; requests beyond it are clamped.
const MaxWorkers = 1024

// TileFunc processes a single tile. Errors are counted and logged, not
// propagated; one bad tile never aborts a run.
type TileFunc func(ctx context.Context, c tile.Coords) error

// ProgressFunc is called after each tile completes.
type ProgressFunc func(completed, total, failed uint64)

// Config configures the worker pool.
type Config struct {
	Workers    int
	Do         TileFunc
	OnProgress ProgressFunc
	Logger     *slog.Logger
}

// Stats summarizes a finished run. Completed counts every processed
// tile including failures; tiles never dispatched because the context
// ended are in neither counter.
type Stats struct {
	Completed uint64
	Failed    uint64
	Total     uint64
	Elapsed   time.Duration
}

// Pool runs a TileFunc over tile ranges with bounded parallelism.
type Pool struct {
	workers    int
	do         TileFunc
	onProgress ProgressFunc
	logger     *slog.Logger
}

// New creates a worker pool. Workers are clamped to [1, MaxWorkers].
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}

	return &Pool{
		workers:    workers,
		do:         cfg.Do,
		onProgress: cfg.OnProgress,
		logger:     cfg.Logger,
	}
}

func (p *Pool) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}

// Run processes every tile in bounds and blocks until the tiles are
// done or the context is cancelled. Tiles are fed in deterministic
// zoom, column, row order through a channel sized to the worker count,
// so memory stays flat regardless of how many tiles the bounds cover.
func (p *Pool) Run(ctx context.Context, bounds tile.Bounds) Stats {
	start := time.Now()
	stats := Stats{Total: bounds.Total}
	if bounds.Total == 0 {
		return stats
	}

	var completed, failed atomic.Uint64

	taskCh := make(chan tile.Coords, p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range taskCh {
				if ctx.Err() != nil {
					continue
				}

				if err := p.do(ctx, c); err != nil {
					failed.Add(1)
					p.log().Warn("tile failed",
						"tile", c.String(),
						"completed", completed.Load(),
						"total", bounds.Total,
						"error", err)
				}
				done := completed.Add(1)

				if p.onProgress != nil {
					p.onProgress(done, bounds.Total, failed.Load())
				}
			}
		}()
	}

	// Feed ranges in order without materializing the tile list.
	cancelled := false
	for _, r := range bounds.Ranges {
		if cancelled {
			break
		}
		r.ForEach(func(c tile.Coords) bool {
			select {
			case taskCh <- c:
				return true
			case <-ctx.Done():
				cancelled = true
				return false
			}
		})
	}
	close(taskCh)

	wg.Wait()

	stats.Completed = completed.Load()
	stats.Failed = failed.Load()
	stats.Elapsed = time.Since(start)
	return stats
}
