// Package server exposes the tile caches over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/cache"
	"github.com/lqh2307/tileserver-gl-sub003/internal/catalog"
	"github.com/lqh2307/tileserver-gl-sub003/internal/format"
	"github.com/lqh2307/tileserver-gl-sub003/internal/fslock"
	"github.com/lqh2307/tileserver-gl-sub003/internal/job"
	"github.com/lqh2307/tileserver-gl-sub003/internal/sqlitedb"
	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
)

// Config configures the tile server.
type Config struct {
	Catalog *catalog.Catalog

	// Seed carries the per-id origin configuration; ids with a URL are
	// served read-through, everything else cache-only.
	Seed *job.Config

	// MaxConcurrentRequests bounds in-flight tile requests. Zero means
	// 64.
	MaxConcurrentRequests int

	CacheControl string
}

// TileServer serves /tiles/{id}/{z}/{x}/{y}.{ext} from the catalog.
type TileServer struct {
	cfg    Config
	logger *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	sources map[string]*openSource
}

type openSource struct {
	src store.Source
	rt  *cache.ReadThrough // nil when the id has no origin
}

// New creates a tile server over the catalog.
func New(cfg Config, logger *slog.Logger) *TileServer {
	maxConc := cfg.MaxConcurrentRequests
	if maxConc <= 0 {
		maxConc = 64
	}

	return &TileServer{
		cfg:     cfg,
		logger:  logger,
		sem:     make(chan struct{}, maxConc),
		sources: make(map[string]*openSource),
	}
}

func (s *TileServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Close closes every opened source.
func (s *TileServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, os := range s.sources {
		if err := os.src.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", id, err)
		}
		delete(s.sources, id)
	}
	return firstErr
}

// Handler returns the HTTP handler serving tiles.
func (s *TileServer) Handler() http.Handler {
	return http.HandlerFunc(s.serveTile)
}

// source returns the opened source for id, opening it on first use.
func (s *TileServer) source(id string) (*openSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if os, ok := s.sources[id]; ok {
		return os, nil
	}

	storeType, err := s.resolveType(id)
	if err != nil {
		return nil, err
	}

	src, err := s.cfg.Catalog.Open(storeType, id, false)
	if err != nil {
		return nil, err
	}

	os := &openSource{src: src}
	if s.cfg.Seed != nil {
		if spec, ok := s.cfg.Seed.Datas[id]; ok && spec.URL != "" {
			var watermark int64
			if spec.RefreshBefore != "" {
				// Validated at config load time.
				watermark, _ = job.ParseBefore(spec.RefreshBefore, time.Now())
			}
			os.rt = cache.New(cache.Config{
				Store:            src,
				URL:              spec.URL,
				Headers:          spec.Headers,
				MaxTry:           spec.MaxTry,
				Timeout:          spec.AttemptTimeout(),
				RefreshBefore:    watermark,
				StoreTransparent: spec.StoreTransparent,
				Logger:           s.logger,
			})
		}
	}

	s.sources[id] = os
	return os, nil
}

// resolveType finds which back-end class holds id.
func (s *TileServer) resolveType(id string) (store.Type, error) {
	entries, err := s.cfg.Catalog.List(context.Background())
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.ID == id {
			return e.Type, nil
		}
	}
	return "", fmt.Errorf("%w: unknown cache %q", store.ErrTileNotFound, id)
}

func (s *TileServer) serveTile(w http.ResponseWriter, r *http.Request) {
	id, coords, ext, ok := parseTilePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if _, known := format.FromExtension(ext); !known {
		http.Error(w, "unsupported tile format", http.StatusBadRequest)
		return
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-r.Context().Done():
		return
	}

	os, err := s.source(id)
	if err != nil {
		if errors.Is(err, store.ErrTileNotFound) {
			http.NotFound(w, r)
			return
		}
		s.log().Error("failed to open cache", "id", id, "error", err)
		http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
		return
	}

	var t *store.Tile
	if os.rt != nil {
		t, err = os.rt.GetTile(r.Context(), coords)
	} else {
		t, err = os.src.GetTile(r.Context(), coords)
	}
	if err != nil {
		s.writeError(w, id, coords, err)
		return
	}

	for k, v := range t.Headers {
		w.Header().Set(k, v)
	}
	if s.cfg.CacheControl != "" {
		w.Header().Set("cache-control", s.cfg.CacheControl)
	}
	if _, err := w.Write(t.Data); err != nil {
		s.log().Debug("failed to write response", "tile", coords.String(), "error", err)
	}
}

// writeError maps store and origin failures to status codes: a missing
// tile is 204, an unreachable origin or a busy back-end is 503, the
// rest is 500.
func (s *TileServer) writeError(w http.ResponseWriter, id string, c tile.Coords, err error) {
	switch {
	case errors.Is(err, store.ErrTileNotFound), errors.Is(err, cache.ErrOriginEmpty):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, cache.ErrOriginUnavailable),
		errors.Is(err, sqlitedb.ErrDBTimeout),
		errors.Is(err, fslock.ErrLockTimeout):
		s.log().Warn("tile temporarily unavailable", "id", id, "tile", c.String(), "error", err)
		http.Error(w, "tile temporarily unavailable", http.StatusServiceUnavailable)
	default:
		s.log().Error("failed to serve tile", "id", id, "tile", c.String(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// parseTilePath splits /tiles/{id}/{z}/{x}/{y}.{ext}.
func parseTilePath(requestPath string) (id string, c tile.Coords, ext string, ok bool) {
	rest, found := strings.CutPrefix(requestPath, "/tiles/")
	if !found {
		return "", tile.Coords{}, "", false
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[0] == "" {
		return "", tile.Coords{}, "", false
	}

	name, ext, found := strings.Cut(parts[3], ".")
	if !found || ext == "" {
		return "", tile.Coords{}, "", false
	}

	z, errZ := strconv.ParseUint(parts[1], 10, 32)
	x, errX := strconv.ParseUint(parts[2], 10, 32)
	y, errY := strconv.ParseUint(name, 10, 32)
	if errZ != nil || errX != nil || errY != nil || z > tile.MaxZoom {
		return "", tile.Coords{}, "", false
	}

	max := uint64(1) << uint(z)
	if x >= max || y >= max {
		return "", tile.Coords{}, "", false
	}

	return parts[0], tile.Coords{Z: uint32(z), X: uint32(x), Y: uint32(y)}, ext, true
}

// WithCORS adds permissive CORS headers for browser map clients.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
