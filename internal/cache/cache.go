// Package cache implements the read-through tile cache: local store
// hits are served directly, misses are fetched from the origin and
// persisted, and stale hits trigger a background refresh.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/format"
	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
)

var (
	// ErrOriginEmpty is returned when the origin has no tile at the
	// requested coordinate (HTTP 204 or 404). Nothing is stored.
	ErrOriginEmpty = errors.New("origin returned no tile")

	// ErrOriginUnavailable is returned when every fetch attempt failed.
	ErrOriginUnavailable = errors.New("origin unavailable")
)

// Config configures a read-through cache.
type Config struct {
	Store store.Source

	// URL is the origin template; {z}, {x} and {y} are substituted.
	URL string

	// Headers are sent with every origin request.
	Headers map[string]string

	// MaxTry bounds fetch attempts per tile. Zero means one attempt.
	MaxTry int

	// Timeout bounds one origin request.
	Timeout time.Duration

	// RefreshBefore is an epoch-millisecond watermark: a cached tile
	// created before it is served immediately and refreshed in the
	// background. Zero disables refreshing.
	RefreshBefore int64

	// StoreTransparent controls whether fully transparent PNG tiles are
	// persisted. They are always served either way.
	StoreTransparent bool

	Client *http.Client
	Logger *slog.Logger
}

// ReadThrough serves tiles from a local store backed by an origin.
type ReadThrough struct {
	cfg        Config
	client     *http.Client
	refreshing sync.Map
}

// New creates a read-through cache over cfg.Store.
func New(cfg Config) *ReadThrough {
	if cfg.MaxTry <= 0 {
		cfg.MaxTry = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &ReadThrough{cfg: cfg, client: client}
}

func (r *ReadThrough) log() *slog.Logger {
	if r.cfg.Logger != nil {
		return r.cfg.Logger
	}
	return slog.Default()
}

// GetTile returns the tile at c, fetching it from the origin on a local
// miss. A hit older than the refresh watermark is served as-is while a
// background refresh replaces it.
func (r *ReadThrough) GetTile(ctx context.Context, c tile.Coords) (*store.Tile, error) {
	cached, err := r.cfg.Store.GetTile(ctx, c)
	if err == nil {
		if r.cfg.RefreshBefore > 0 && r.isStale(ctx, c) {
			r.refreshAsync(c)
		}
		return cached, nil
	}
	if !errors.Is(err, store.ErrTileNotFound) {
		return nil, err
	}

	data, err := r.FetchTile(ctx, c)
	if err != nil {
		return nil, err
	}

	if r.shouldStore(data) {
		if err := r.cfg.Store.CreateTile(ctx, c, data); err != nil {
			// Serving still works; the next request fetches again.
			r.log().Warn("failed to persist fetched tile",
				"id", r.cfg.Store.ID(), "tile", c.String(), "error", err)
		}
	}

	return &store.Tile{Data: data, Headers: format.Headers(data)}, nil
}

// shouldStore applies the transparency gate.
func (r *ReadThrough) shouldStore(data []byte) bool {
	if r.cfg.StoreTransparent {
		return true
	}
	return !format.IsFullyTransparentPNG(data)
}

// isStale checks the cached tile's creation stamp against the refresh
// watermark. Tiles without a stamp are treated as fresh.
func (r *ReadThrough) isStale(ctx context.Context, c tile.Coords) bool {
	b := c.BBox()
	center := [2]float64{(b[0] + b[2]) / 2, (b[1] + b[3]) / 2}
	point := tile.BBox{center[0], center[1], center[0], center[1]}

	infos, err := r.cfg.Store.GetExtraInfo(ctx, []tile.Coverage{{Zoom: int(c.Z), BBox: &point}}, true)
	if err != nil {
		return false
	}
	info, ok := infos[c.String()]
	return ok && info.Created > 0 && info.Created < r.cfg.RefreshBefore
}

// refreshAsync fetches c in the background, deduplicating concurrent
// refreshes of the same tile.
func (r *ReadThrough) refreshAsync(c tile.Coords) {
	if _, loaded := r.refreshing.LoadOrStore(c, struct{}{}); loaded {
		return
	}

	go func() {
		defer r.refreshing.Delete(c)

		budget := r.cfg.Timeout * time.Duration(r.cfg.MaxTry+1)
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()

		data, err := r.FetchTile(ctx, c)
		if err != nil {
			r.log().Warn("tile refresh failed",
				"id", r.cfg.Store.ID(), "tile", c.String(), "error", err)
			return
		}
		if !r.shouldStore(data) {
			return
		}
		if err := r.cfg.Store.CreateTile(ctx, c, data); err != nil {
			r.log().Warn("tile refresh store failed",
				"id", r.cfg.Store.ID(), "tile", c.String(), "error", err)
		}
	}()
}

// FetchTile requests c from the origin, retrying transient failures up
// to MaxTry attempts. An empty origin answer (204, 404) maps to
// ErrOriginEmpty and is never retried.
func (r *ReadThrough) FetchTile(ctx context.Context, c tile.Coords) ([]byte, error) {
	url := ExpandURL(r.cfg.URL, c)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxTry; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * 500 * time.Millisecond):
			}
		}

		data, retryable, err := r.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrOriginUnavailable, url, r.cfg.MaxTry, lastErr)
}

// fetchOnce performs a single origin request. The second return value
// reports whether the failure is worth retrying.
func (r *ReadThrough) fetchOnce(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range r.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("failed to read origin body: %w", err)
		}
		return data, false, nil
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("%w: status %d", ErrOriginEmpty, resp.StatusCode)
	default:
		return nil, true, fmt.Errorf("origin returned status %d", resp.StatusCode)
	}
}

// ExpandURL substitutes {z}, {x} and {y} in an origin template.
func ExpandURL(template string, c tile.Coords) string {
	s := strings.ReplaceAll(template, "{z}", strconv.FormatUint(uint64(c.Z), 10))
	s = strings.ReplaceAll(s, "{x}", strconv.FormatUint(uint64(c.X), 10))
	return strings.ReplaceAll(s, "{y}", strconv.FormatUint(uint64(c.Y), 10))
}
