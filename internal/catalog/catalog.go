// Package catalog maps cache identifiers to concrete tile stores. The
// data directory carries one subtree per back-end class:
//
//	<data-dir>/caches/mbtiles/<id>/<id>.mbtiles
//	<data-dir>/caches/xyzs/<id>/...
//
// PostgreSQL caches live as per-id schemas in the database named by the
// base URI and have no footprint under the data directory.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/mbtiles"
	"github.com/lqh2307/tileserver-gl-sub003/internal/pgtiles"
	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/xyz"
)

// Config locates the back-ends.
type Config struct {
	DataDir string

	// PostgreSQLBaseURI is the connection string for the pg back-end.
	// Empty disables it.
	PostgreSQLBaseURI string

	// Timeout bounds file-lock and busy-database waits.
	Timeout time.Duration

	Logger *slog.Logger
}

// Catalog opens tile stores by class and id.
type Catalog struct {
	cfg Config
}

// New returns a catalog over cfg. A zero timeout defaults to 30 s.
func New(cfg Config) *Catalog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Catalog{cfg: cfg}
}

// MBTilesPath returns the database path for an MBTiles cache id.
func (c *Catalog) MBTilesPath(id string) string {
	return filepath.Join(c.cfg.DataDir, "caches", "mbtiles", id, id+".mbtiles")
}

// XYZRoot returns the tree root for an XYZ cache id.
func (c *Catalog) XYZRoot(id string) string {
	return filepath.Join(c.cfg.DataDir, "caches", "xyzs", id)
}

// CachesRoot returns the directory holding the file-backed caches.
func (c *Catalog) CachesRoot() string {
	return filepath.Join(c.cfg.DataDir, "caches")
}

// Open opens the store for a cache id, creating it when create is set.
func (c *Catalog) Open(storeType store.Type, id string, create bool) (store.Source, error) {
	switch storeType {
	case store.TypeMBTiles:
		return mbtiles.Open(c.MBTilesPath(id), id, create, c.cfg.Timeout, c.cfg.Logger)
	case store.TypeXYZ:
		return xyz.Open(c.XYZRoot(id), id, create, c.cfg.Timeout, c.cfg.Logger)
	case store.TypePostgreSQL:
		if c.cfg.PostgreSQLBaseURI == "" {
			return nil, fmt.Errorf("%w: no PostgreSQL base URI configured", store.ErrUnsupportedOperation)
		}
		return pgtiles.Open(c.cfg.PostgreSQLBaseURI, id, create, c.cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown store type %q", storeType)
	}
}

// Entry identifies one existing cache.
type Entry struct {
	Type store.Type
	ID   string
}

// List enumerates the existing caches across all back-ends.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry

	for _, class := range []struct {
		typ store.Type
		dir string
	}{
		{store.TypeMBTiles, filepath.Join(c.CachesRoot(), "mbtiles")},
		{store.TypeXYZ, filepath.Join(c.CachesRoot(), "xyzs")},
	} {
		dirs, err := os.ReadDir(class.dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to list %s caches: %w", class.typ, err)
		}
		for _, d := range dirs {
			if d.IsDir() {
				entries = append(entries, Entry{Type: class.typ, ID: d.Name()})
			}
		}
	}

	if c.cfg.PostgreSQLBaseURI != "" {
		pgEntries, err := c.listPG(ctx)
		if err != nil {
			return nil, err
		}
		entries = append(entries, pgEntries...)
	}

	return entries, nil
}

// listPG finds the per-id schemas holding a tiles table.
func (c *Catalog) listPG(ctx context.Context) ([]Entry, error) {
	db, err := sql.Open("postgres", c.cfg.PostgreSQLBaseURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT table_schema FROM information_schema.tables
		WHERE table_name = 'tiles' AND table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pg caches: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Type: store.TypePostgreSQL, ID: id})
	}
	return entries, rows.Err()
}
