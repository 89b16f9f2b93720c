package job

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/catalog"
	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
	"github.com/stretchr/testify/require"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return &Runner{
		Catalog: catalog.New(catalog.Config{DataDir: t.TempDir(), Timeout: time.Second}),
	}
}

func encodePNG(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func worldCoverage(zoom int) []tile.Coverage {
	world := tile.BBox{-180, -85, 180, 85}
	return []tile.Coverage{{Zoom: zoom, BBox: &world}}
}

func TestSeedMBTiles(t *testing.T) {
	payload := encodePNG(t, color.NRGBA{R: 255, A: 255})

	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer origin.Close()

	r := testRunner(t)
	spec := SourceSpec{
		StoreType:        store.TypeMBTiles,
		Coverages:        worldCoverage(1),
		URL:              origin.URL + "/{z}/{x}/{y}.png",
		MaxTry:           2,
		Concurrency:      2,
		StoreTransparent: true,
		Metadata:         map[string]string{"name": "seeded"},
	}

	ctx := context.Background()
	stats, err := r.Seed(ctx, "osm", spec)
	require.NoError(t, err)
	require.Equal(t, uint64(4), stats.Completed)
	require.Zero(t, stats.Failed)
	require.Equal(t, int64(4), hits.Load())

	src, err := r.Catalog.Open(store.TypeMBTiles, "osm", false)
	require.NoError(t, err)
	defer src.Close()

	got, err := src.GetTile(ctx, tile.Coords{Z: 1, X: 0, Y: 1})
	require.NoError(t, err)
	require.Equal(t, payload, got.Data)

	m, err := src.GetMetadata(ctx)
	require.NoError(t, err)
	require.Equal(t, "seeded", m.Name)
}

func TestSeedSkipsExistingTiles(t *testing.T) {
	payload := encodePNG(t, color.NRGBA{G: 255, A: 255})

	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer origin.Close()

	r := testRunner(t)
	spec := SourceSpec{
		StoreType:        store.TypeXYZ,
		Coverages:        worldCoverage(1),
		URL:              origin.URL + "/{z}/{x}/{y}.png",
		Concurrency:      2,
		StoreTransparent: true,
	}

	ctx := context.Background()
	_, err := r.Seed(ctx, "osm", spec)
	require.NoError(t, err)
	require.Equal(t, int64(4), hits.Load())

	// A second run with no refresh threshold touches nothing.
	stats, err := r.Seed(ctx, "osm", spec)
	require.NoError(t, err)
	require.Equal(t, uint64(4), stats.Completed)
	require.Equal(t, int64(4), hits.Load(), "fresh tiles must not be refetched")
}

func TestSeedRefreshBeforeRefetches(t *testing.T) {
	payload := encodePNG(t, color.NRGBA{B: 255, A: 255})

	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer origin.Close()

	r := testRunner(t)
	spec := SourceSpec{
		StoreType:        store.TypeMBTiles,
		Coverages:        worldCoverage(0),
		URL:              origin.URL + "/{z}/{x}/{y}.png",
		Concurrency:      1,
		StoreTransparent: true,
	}

	ctx := context.Background()
	_, err := r.Seed(ctx, "osm", spec)
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load())

	// Everything stored so far is older than a future watermark.
	spec.RefreshBefore = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	_, err = r.Seed(ctx, "osm", spec)
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load())
}

func TestSeedEmptyOriginStoresNothing(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer origin.Close()

	r := testRunner(t)
	spec := SourceSpec{
		StoreType:   store.TypeXYZ,
		Coverages:   worldCoverage(0),
		URL:         origin.URL + "/{z}/{x}/{y}.png",
		Concurrency: 1,
	}

	ctx := context.Background()
	stats, err := r.Seed(ctx, "osm", spec)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.Completed)
	require.Zero(t, stats.Failed, "an empty origin answer is not a failure")

	src, err := r.Catalog.Open(store.TypeXYZ, "osm", false)
	require.NoError(t, err)
	defer src.Close()
	sum, err := src.Summarize(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.Count)
}

func TestSeedTMSSchemeFlipsOriginRow(t *testing.T) {
	var paths []string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		paths = append(paths, req.URL.Path)
		w.Write(encodePNG(t, color.NRGBA{R: 1, A: 255}))
	}))
	defer origin.Close()

	box := tile.Coords{Z: 2, X: 1, Y: 0}.BBox()
	shrunk := tile.BBox{
		(box[0] + box[2]) / 2, (box[1] + box[3]) / 2,
		(box[0] + box[2]) / 2, (box[1] + box[3]) / 2,
	}

	r := testRunner(t)
	spec := SourceSpec{
		StoreType:        store.TypeMBTiles,
		Scheme:           tile.SchemeTMS,
		Coverages:        []tile.Coverage{{Zoom: 2, BBox: &shrunk}},
		URL:              origin.URL + "/{z}/{x}/{y}.png",
		Concurrency:      1,
		StoreTransparent: true,
	}

	ctx := context.Background()
	_, err := r.Seed(ctx, "osm", spec)
	require.NoError(t, err)
	require.Equal(t, []string{"/2/1/3.png"}, paths, "origin row must be TMS-flipped")

	src, err := r.Catalog.Open(store.TypeMBTiles, "osm", false)
	require.NoError(t, err)
	defer src.Close()
	_, err = src.GetTile(ctx, tile.Coords{Z: 2, X: 1, Y: 0})
	require.NoError(t, err, "stored coordinate stays XYZ")
}

func TestSeedFailuresCountedNotFatal(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer origin.Close()

	r := testRunner(t)
	spec := SourceSpec{
		StoreType:   store.TypeMBTiles,
		Coverages:   worldCoverage(1),
		URL:         origin.URL + "/{z}/{x}/{y}.png",
		MaxTry:      1,
		Concurrency: 4,
	}

	stats, err := r.Seed(context.Background(), "osm", spec)
	require.NoError(t, err)
	require.Equal(t, uint64(4), stats.Completed)
	require.Equal(t, uint64(4), stats.Failed)
}

func TestCleanUpRemovesOldTiles(t *testing.T) {
	r := testRunner(t)
	ctx := context.Background()

	src, err := r.Catalog.Open(store.TypeXYZ, "osm", true)
	require.NoError(t, err)
	payload := encodePNG(t, color.NRGBA{R: 9, A: 255})
	for _, c := range []tile.Coords{
		{Z: 0, X: 0, Y: 0}, {Z: 1, X: 0, Y: 0}, {Z: 1, X: 1, Y: 1},
	} {
		require.NoError(t, src.CreateTile(ctx, c, payload))
	}
	require.NoError(t, src.Close())

	spec := SourceSpec{
		StoreType:     store.TypeXYZ,
		Coverages:     worldCoverage(1),
		CleanUpBefore: time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		Concurrency:   2,
	}

	stats, err := r.CleanUp(ctx, "osm", spec)
	require.NoError(t, err)
	require.Equal(t, uint64(4), stats.Completed)

	src, err = r.Catalog.Open(store.TypeXYZ, "osm", false)
	require.NoError(t, err)
	defer src.Close()

	// Zoom 1 cleaned, zoom 0 outside the coverages untouched.
	_, err = src.GetTile(ctx, tile.Coords{Z: 1, X: 0, Y: 0})
	require.ErrorIs(t, err, store.ErrTileNotFound)
	_, err = src.GetTile(ctx, tile.Coords{Z: 0, X: 0, Y: 0})
	require.NoError(t, err)

	// Empty zoom directory pruned.
	_, err = os.Stat(filepath.Join(r.Catalog.XYZRoot("osm"), "1"))
	require.True(t, os.IsNotExist(err))
}

func TestCleanUpKeepsFreshTiles(t *testing.T) {
	r := testRunner(t)
	ctx := context.Background()

	src, err := r.Catalog.Open(store.TypeMBTiles, "osm", true)
	require.NoError(t, err)
	require.NoError(t, src.CreateTile(ctx, tile.Coords{Z: 0, X: 0, Y: 0}, encodePNG(t, color.NRGBA{A: 255})))
	require.NoError(t, src.Close())

	spec := SourceSpec{
		StoreType:     store.TypeMBTiles,
		Coverages:     worldCoverage(0),
		CleanUpBefore: "30 days ago",
	}

	_, err = r.CleanUp(ctx, "osm", spec)
	require.NoError(t, err)

	src, err = r.Catalog.Open(store.TypeMBTiles, "osm", false)
	require.NoError(t, err)
	defer src.Close()
	_, err = src.GetTile(ctx, tile.Coords{Z: 0, X: 0, Y: 0})
	require.NoError(t, err)
}

func TestCleanUpRemovesUnindexedFiles(t *testing.T) {
	r := testRunner(t)
	ctx := context.Background()

	src, err := r.Catalog.Open(store.TypeXYZ, "osm", true)
	require.NoError(t, err)
	require.NoError(t, src.Close())

	// A tile file the side index never saw, e.g. dropped in by hand or
	// orphaned by a crash between file write and index upsert.
	stray := filepath.Join(r.Catalog.XYZRoot("osm"), "1", "0")
	require.NoError(t, os.MkdirAll(stray, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stray, "0.png"), encodePNG(t, color.NRGBA{A: 255}), 0o644))

	spec := SourceSpec{
		StoreType:     store.TypeXYZ,
		Coverages:     worldCoverage(1),
		CleanUpBefore: "30 days ago",
	}

	_, err = r.CleanUp(ctx, "osm", spec)
	require.NoError(t, err)

	src, err = r.Catalog.Open(store.TypeXYZ, "osm", false)
	require.NoError(t, err)
	defer src.Close()
	_, err = src.GetTile(ctx, tile.Coords{Z: 1, X: 0, Y: 0})
	require.ErrorIs(t, err, store.ErrTileNotFound)
}

func TestSeedSummary(t *testing.T) {
	payload := encodePNG(t, color.NRGBA{R: 3, A: 255})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write(payload)
	}))
	defer origin.Close()

	r := testRunner(t)
	cfg := &Config{Datas: map[string]SourceSpec{
		"seeded": {
			StoreType:        store.TypeMBTiles,
			Coverages:        worldCoverage(1),
			URL:              origin.URL + "/{z}/{x}/{y}.png",
			Concurrency:      2,
			StoreTransparent: true,
		},
		"pending": {
			StoreType: store.TypeMBTiles,
			Coverages: worldCoverage(2),
			URL:       origin.URL + "/{z}/{x}/{y}.png",
		},
	}}

	ctx := context.Background()
	_, err := r.Seed(ctx, "seeded", cfg.Datas["seeded"])
	require.NoError(t, err)

	summaries, err := r.SeedSummary(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := map[string]SourceSummary{}
	for _, s := range summaries {
		byID[s.ID] = s
	}
	require.Equal(t, uint64(4), byID["seeded"].Expected)
	require.Equal(t, uint64(4), byID["seeded"].Actual)
	require.Greater(t, byID["seeded"].Size, int64(0))
	require.Equal(t, uint64(16), byID["pending"].Expected)
	require.Zero(t, byID["pending"].Actual)
}

func TestServiceSummary(t *testing.T) {
	r := testRunner(t)
	ctx := context.Background()

	src, err := r.Catalog.Open(store.TypeMBTiles, "base", true)
	require.NoError(t, err)
	require.NoError(t, src.CreateTile(ctx, tile.Coords{Z: 0, X: 0, Y: 0}, encodePNG(t, color.NRGBA{A: 255})))
	require.NoError(t, src.Close())

	summaries, err := r.ServiceSummary(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, "base", summaries[0].ID)
	require.Equal(t, uint64(1), summaries[0].Actual)
	require.Greater(t, summaries[0].Size, int64(0))
}
