package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/cache"
	"github.com/lqh2307/tileserver-gl-sub003/internal/catalog"
	"github.com/lqh2307/tileserver-gl-sub003/internal/format"
	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
	"github.com/lqh2307/tileserver-gl-sub003/internal/worker"
)

// Runner executes seed, cleanup and summary jobs against a catalog.
type Runner struct {
	Catalog  *catalog.Catalog
	Logger   *slog.Logger
	Progress bool
}

func (r *Runner) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Seed fills the cache id according to spec: every tile in the
// coverages is fetched from the origin unless a stored copy is already
// fresh. Failed tiles are logged and counted, never fatal.
func (r *Runner) Seed(ctx context.Context, id string, spec SourceSpec) (worker.Stats, error) {
	src, err := r.Catalog.Open(spec.StoreType, id, true)
	if err != nil {
		return worker.Stats{}, fmt.Errorf("failed to open cache %s: %w", id, err)
	}
	defer src.Close()

	if len(spec.Metadata) > 0 {
		if err := src.UpdateMetadata(ctx, spec.Metadata); err != nil {
			return worker.Stats{}, fmt.Errorf("failed to write metadata for %s: %w", id, err)
		}
	}

	var watermark int64
	if spec.RefreshBefore != "" {
		if watermark, err = ParseBefore(spec.RefreshBefore, time.Now()); err != nil {
			return worker.Stats{}, fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, id, err)
		}
	}

	bounds, err := tile.TileBounds(spec.Coverages, tile.SchemeXYZ, nil)
	if err != nil {
		return worker.Stats{}, fmt.Errorf("failed to expand coverages for %s: %w", id, err)
	}

	// One bulk lookup decides which tiles can be skipped.
	existing, err := src.GetExtraInfo(ctx, spec.Coverages, watermark > 0)
	if err != nil {
		return worker.Stats{}, fmt.Errorf("failed to read tile info for %s: %w", id, err)
	}

	rt := cache.New(cache.Config{
		Store:            src,
		URL:              spec.URL,
		Headers:          spec.Headers,
		MaxTry:           spec.MaxTry,
		Timeout:          spec.AttemptTimeout(),
		StoreTransparent: spec.StoreTransparent,
		Logger:           r.Logger,
	})

	r.log().Info("seeding cache",
		"id", id, "store", spec.StoreType, "tiles", bounds.Total, "workers", spec.Workers())

	progress := worker.NewProgress(bounds.Total, r.Progress)
	pool := worker.New(worker.Config{
		Workers:    spec.Workers(),
		Logger:     r.Logger,
		OnProgress: progress.Callback(),
		Do: func(ctx context.Context, c tile.Coords) error {
			if info, ok := existing[c.String()]; ok {
				if watermark == 0 || info.Created >= watermark {
					return nil
				}
			}
			return seedOne(ctx, rt, src, spec, c)
		},
	})

	stats := pool.Run(ctx, bounds)
	progress.Done()

	r.log().Info("seed finished",
		"id", id, "completed", stats.Completed, "failed", stats.Failed,
		"total", stats.Total, "elapsed", stats.Elapsed.Round(time.Millisecond))
	return stats, ctx.Err()
}

// seedOne fetches and stores a single tile. TMS origins get a flipped
// row in the URL while the stored coordinate stays XYZ.
func seedOne(ctx context.Context, rt *cache.ReadThrough, src store.Source, spec SourceSpec, c tile.Coords) error {
	fetchCoords := c
	if spec.Scheme == tile.SchemeTMS {
		fetchCoords.Y = tile.FlipY(int(c.Z), c.Y)
	}

	data, err := rt.FetchTile(ctx, fetchCoords)
	if err != nil {
		if errors.Is(err, cache.ErrOriginEmpty) {
			return nil // no tile at the origin is a valid answer
		}
		return err
	}

	if !spec.StoreTransparent && format.IsFullyTransparentPNG(data) {
		return nil
	}
	return src.CreateTile(ctx, c, data)
}
