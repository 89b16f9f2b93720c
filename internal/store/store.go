// Package store defines the common surface of the tile back-ends. The
// MBTiles, XYZ and PostgreSQL stores all implement Source; callers talk
// to a cache through that interface and never to a concrete back-end.
package store

import (
	"context"
	"errors"

	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
)

var (
	// ErrTileNotFound is returned when the requested tile does not exist
	// in the store.
	ErrTileNotFound = errors.New("tile not found")

	// ErrUnsupportedOperation is returned by back-ends that cannot
	// perform the requested maintenance operation.
	ErrUnsupportedOperation = errors.New("operation not supported")
)

// Type identifies a tile back-end class.
type Type string

const (
	TypeMBTiles    Type = "mbtiles"
	TypeXYZ        Type = "xyz"
	TypePostgreSQL Type = "pg"
)

// Valid reports whether t names a known back-end class.
func (t Type) Valid() bool {
	switch t {
	case TypeMBTiles, TypeXYZ, TypePostgreSQL:
		return true
	}
	return false
}

// Tile is a stored tile payload with the HTTP headers derived from it.
type Tile struct {
	Data    []byte
	Headers map[string]string
}

// TileInfo is the per-tile bookkeeping used for freshness and cleanup
// decisions. Created is epoch milliseconds; zero means unknown.
type TileInfo struct {
	Hash    string
	Created int64
}

// Summary aggregates a store's content for reporting.
type Summary struct {
	Count int64
	Size  int64
}

// Source is a tile store. Implementations are safe for concurrent use.
type Source interface {
	// ID returns the cache identifier the store was opened under.
	ID() string

	// Type returns the back-end class.
	Type() Type

	// GetTile returns the tile at c or ErrTileNotFound.
	GetTile(ctx context.Context, c tile.Coords) (*Tile, error)

	// CreateTile inserts or replaces the tile at c.
	CreateTile(ctx context.Context, c tile.Coords, data []byte) error

	// RemoveTile deletes the tile at c. Removing a missing tile is not
	// an error.
	RemoveTile(ctx context.Context, c tile.Coords) error

	// GetExtraInfo returns hash (and, when wantCreated is set, created)
	// bookkeeping for every stored tile inside the coverages, keyed by
	// "z/x/y" in XYZ addressing.
	GetExtraInfo(ctx context.Context, coverages []tile.Coverage, wantCreated bool) (map[string]TileInfo, error)

	// CalculateExtraInfo backfills missing hash and created values from
	// the stored payloads.
	CalculateExtraInfo(ctx context.Context) error

	// GetMetadata returns the stored tileset metadata.
	GetMetadata(ctx context.Context) (*Metadata, error)

	// UpdateMetadata merges entries into the stored metadata.
	UpdateMetadata(ctx context.Context, entries map[string]string) error

	// Summarize returns the tile count and payload size of the store.
	Summarize(ctx context.Context) (*Summary, error)

	// Compact reclaims free space. Back-ends without a compaction step
	// return ErrUnsupportedOperation.
	Compact(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// OverviewBuilder is implemented by stores that can derive lower-zoom
// tiles from their stored pyramid.
type OverviewBuilder interface {
	// MinZoomTiles lists the tiles at the lowest stored zoom level.
	MinZoomTiles(ctx context.Context) (int, []tile.Coords, error)
}
