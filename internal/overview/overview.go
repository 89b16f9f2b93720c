// Package overview derives lower-zoom tiles from a store's pyramid.
// Starting at the lowest stored zoom, each level is built by composing
// 2x2 child blocks into their parent, down to zoom 0.
package overview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lqh2307/tileserver-gl-sub003/internal/composite"
	"github.com/lqh2307/tileserver-gl-sub003/internal/format"
	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
)

// Build generates overview levels for src. Only raster tilesets on
// back-ends exposing their pyramid are supported; everything else gets
// store.ErrUnsupportedOperation. Within one level parents are built
// concurrently, bounded by concurrency.
func Build(ctx context.Context, src store.Source, concurrency int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	builder, ok := src.(store.OverviewBuilder)
	if !ok {
		return fmt.Errorf("%w: %s store cannot build overviews", store.ErrUnsupportedOperation, src.Type())
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	minZoom, coords, err := builder.MinZoomTiles(ctx)
	if err != nil {
		return err
	}
	if len(coords) == 0 || minZoom == 0 {
		return nil
	}

	// The stored payloads decide the output format and tile size.
	sample, err := src.GetTile(ctx, coords[0])
	if err != nil {
		return err
	}
	outFormat := format.Sniff(sample.Data)
	width, height, err := composite.Size(sample.Data)
	if err != nil {
		return fmt.Errorf("%w: tileset is not raster", store.ErrUnsupportedOperation)
	}

	level := coords
	zoom := minZoom
	for zoom > 0 {
		parentZoom := zoom - 1
		parents := parentSet(level, parentZoom)

		logger.Info("building overview level",
			"id", src.ID(), "zoom", parentZoom, "tiles", len(parents))

		var mu sync.Mutex
		var built []tile.Coords

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, parent := range parents {
			g.Go(func() error {
				ok, err := buildParent(gctx, src, parent, width, height, outFormat, logger)
				if err != nil {
					return err
				}
				if ok {
					mu.Lock()
					built = append(built, parent)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("failed to build overview zoom %d: %w", parentZoom, err)
		}

		level = built
		zoom = parentZoom
	}

	return src.UpdateMetadata(ctx, map[string]string{"minzoom": strconv.Itoa(zoom)})
}

// parentSet maps one level's tiles to their unique parents.
func parentSet(level []tile.Coords, parentZoom int) []tile.Coords {
	seen := make(map[tile.Coords]bool)
	var parents []tile.Coords
	for _, c := range level {
		p := tile.Coords{Z: uint32(parentZoom), X: c.X / 2, Y: c.Y / 2}
		if !seen[p] {
			seen[p] = true
			parents = append(parents, p)
		}
	}
	return parents
}

// buildParent composes the parent tile from its four children. Missing
// or unreadable children leave their quadrant transparent; a parent
// with no usable children at all is skipped.
func buildParent(ctx context.Context, src store.Source, parent tile.Coords, width, height int, outFormat format.TileFormat, logger *slog.Logger) (bool, error) {
	children := tile.PyramidRanges(int(parent.Z), parent.X, parent.Y, tile.SchemeXYZ, 1)

	var payloads [4][]byte
	found := false
	var fetchErr error
	children.ForEach(func(c tile.Coords) bool {
		t, err := src.GetTile(ctx, c)
		if errors.Is(err, store.ErrTileNotFound) {
			return true
		}
		if err != nil {
			fetchErr = err
			return false
		}
		if _, _, err := composite.Size(t.Data); err != nil {
			logger.Warn("skipping unreadable child tile",
				"tile", c.String(), "error", err)
			return true
		}

		quadrant := composite.TopLeft
		if c.X%2 == 1 {
			quadrant = composite.TopRight
		}
		if c.Y%2 == 1 {
			quadrant += 2
		}
		payloads[quadrant] = t.Data
		found = true
		return true
	})
	if fetchErr != nil {
		return false, fetchErr
	}
	if !found {
		return false, nil
	}

	data, err := composite.Compose4To1(payloads, width, height, outFormat)
	if err != nil {
		return false, fmt.Errorf("failed to compose %s: %w", parent, err)
	}
	return true, src.CreateTile(ctx, parent, data)
}
