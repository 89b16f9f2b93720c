package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
	"github.com/stretchr/testify/require"
)

func TestOpenMBTilesAndXYZ(t *testing.T) {
	c := New(Config{DataDir: t.TempDir(), Timeout: time.Second})
	ctx := context.Background()

	mb, err := c.Open(store.TypeMBTiles, "base", true)
	require.NoError(t, err)
	defer mb.Close()
	require.Equal(t, store.TypeMBTiles, mb.Type())
	require.NoError(t, mb.CreateTile(ctx, tile.Coords{Z: 1, X: 0, Y: 0}, []byte("x")))

	x, err := c.Open(store.TypeXYZ, "raster", true)
	require.NoError(t, err)
	defer x.Close()
	require.Equal(t, store.TypeXYZ, x.Type())

	entries, err := c.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []Entry{
		{Type: store.TypeMBTiles, ID: "base"},
		{Type: store.TypeXYZ, ID: "raster"},
	}, entries)
}

func TestOpenMissingCache(t *testing.T) {
	c := New(Config{DataDir: t.TempDir(), Timeout: time.Second})
	_, err := c.Open(store.TypeMBTiles, "absent", false)
	require.Error(t, err)
}

func TestOpenPGWithoutURI(t *testing.T) {
	c := New(Config{DataDir: t.TempDir(), Timeout: time.Second})
	_, err := c.Open(store.TypePostgreSQL, "base", true)
	require.ErrorIs(t, err, store.ErrUnsupportedOperation)
}

func TestOpenUnknownType(t *testing.T) {
	c := New(Config{DataDir: t.TempDir(), Timeout: time.Second})
	_, err := c.Open(store.Type("s3"), "base", true)
	require.Error(t, err)
}

func TestListEmptyDataDir(t *testing.T) {
	c := New(Config{DataDir: filepath.Join(t.TempDir(), "fresh")})
	entries, err := c.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}
