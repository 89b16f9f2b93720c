package job

import (
	"context"
	"fmt"

	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
)

// SourceSummary reports one cache's content. Expected is only set for
// seed-driven summaries, where it is the coverage cardinality.
type SourceSummary struct {
	ID       string
	Type     store.Type
	Actual   uint64
	Expected uint64
	Size     int64
}

// SeedSummary compares each configured source's stored tiles against
// its coverage expectation.
func (r *Runner) SeedSummary(ctx context.Context, cfg *Config) ([]SourceSummary, error) {
	var out []SourceSummary

	for id, spec := range cfg.Datas {
		bounds, err := tile.TileBounds(spec.Coverages, tile.SchemeXYZ, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to expand coverages for %s: %w", id, err)
		}

		s := SourceSummary{ID: id, Type: spec.StoreType, Expected: bounds.Total}

		src, err := r.Catalog.Open(spec.StoreType, id, false)
		if err != nil {
			// Not yet seeded: expectation stands, nothing stored.
			out = append(out, s)
			continue
		}

		infos, err := src.GetExtraInfo(ctx, spec.Coverages, false)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("failed to read tile info for %s: %w", id, err)
		}
		s.Actual = uint64(len(infos))

		if sum, err := src.Summarize(ctx); err == nil {
			s.Size = sum.Size
		}
		src.Close()

		out = append(out, s)
	}
	return out, nil
}

// ServiceSummary inventories every cache the catalog knows about.
func (r *Runner) ServiceSummary(ctx context.Context) ([]SourceSummary, error) {
	entries, err := r.Catalog.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []SourceSummary
	for _, e := range entries {
		src, err := r.Catalog.Open(e.Type, e.ID, false)
		if err != nil {
			r.log().Warn("failed to open cache for summary", "id", e.ID, "error", err)
			continue
		}

		sum, err := src.Summarize(ctx)
		src.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to summarize %s: %w", e.ID, err)
		}

		out = append(out, SourceSummary{
			ID:     e.ID,
			Type:   e.Type,
			Actual: uint64(sum.Count),
			Size:   sum.Size,
		})
	}
	return out, nil
}
