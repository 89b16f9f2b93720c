package job

import (
	"context"
	"fmt"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
	"github.com/lqh2307/tileserver-gl-sub003/internal/worker"
)

// CleanUp removes every tile in the coverages whose creation stamp is
// strictly older than the spec's cleanUpBefore threshold. Tiles without
// a stamp count as old. Tiles at or after the threshold are untouched.
func (r *Runner) CleanUp(ctx context.Context, id string, spec SourceSpec) (worker.Stats, error) {
	src, err := r.Catalog.Open(spec.StoreType, id, false)
	if err != nil {
		return worker.Stats{}, fmt.Errorf("failed to open cache %s: %w", id, err)
	}
	defer src.Close()

	before := int64(0)
	if spec.CleanUpBefore != "" {
		if before, err = ParseBefore(spec.CleanUpBefore, time.Now()); err != nil {
			return worker.Stats{}, fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, id, err)
		}
	}

	bounds, err := tile.TileBounds(spec.Coverages, tile.SchemeXYZ, nil)
	if err != nil {
		return worker.Stats{}, fmt.Errorf("failed to expand coverages for %s: %w", id, err)
	}

	infos, err := src.GetExtraInfo(ctx, spec.Coverages, true)
	if err != nil {
		return worker.Stats{}, fmt.Errorf("failed to read tile info for %s: %w", id, err)
	}

	r.log().Info("cleaning cache",
		"id", id, "store", spec.StoreType, "tiles", bounds.Total,
		"before", before, "workers", spec.Workers())

	progress := worker.NewProgress(bounds.Total, r.Progress)
	pool := worker.New(worker.Config{
		Workers:    spec.Workers(),
		Logger:     r.Logger,
		OnProgress: progress.Callback(),
		Do: func(ctx context.Context, c tile.Coords) error {
			// No bookkeeping means no stamp, and an unstamped tile is
			// old. For file-tree stores this also catches files the
			// index never saw; removing a truly absent tile is a no-op.
			if info, stored := infos[c.String()]; stored && info.Created >= before {
				return nil
			}
			return src.RemoveTile(ctx, c)
		},
	})

	stats := pool.Run(ctx, bounds)
	progress.Done()

	// File-tree stores leave empty z/x directories behind.
	if pruner, ok := src.(interface{ PruneEmptyDirs() error }); ok {
		if err := pruner.PruneEmptyDirs(); err != nil {
			return stats, fmt.Errorf("failed to prune directories for %s: %w", id, err)
		}
	}

	r.log().Info("cleanup finished",
		"id", id, "completed", stats.Completed, "failed", stats.Failed,
		"elapsed", stats.Elapsed.Round(time.Millisecond))
	return stats, ctx.Err()
}
