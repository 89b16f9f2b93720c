// Package xyz implements the file-tree tile store: tiles live under
// <root>/<z>/<x>/<y>.<ext> in XYZ addressing, with a side SQLite index
// carrying per-tile hash and creation bookkeeping. Writes go through
// sentinel lock files so concurrent processes never tear a tile.
package xyz

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/format"
	"github.com/lqh2307/tileserver-gl-sub003/internal/fslock"
	"github.com/lqh2307/tileserver-gl-sub003/internal/sqlitedb"
	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
)

// Store is a file-tree tile store with a SQLite side index.
type Store struct {
	root    string
	id      string
	db      *sqlitedb.DB
	timeout time.Duration
	logger  *slog.Logger
}

// Open opens (and if create is set, creates) the XYZ store rooted at
// root. The side index lives at <root>/<id>.sqlite and is created on
// demand either way, since legacy trees predate it.
func Open(root, id string, create bool, timeout time.Duration, logger *slog.Logger) (*Store, error) {
	if create {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store root %s: %w", root, err)
		}
	} else {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to open store root %s: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("store root %s is not a directory", root)
		}
	}

	db, err := sqlitedb.Open(filepath.Join(root, id+".sqlite"), true, timeout)
	if err != nil {
		return nil, err
	}

	s := &Store{root: root, id: id, db: db, timeout: timeout, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index schema: %w", err)
	}
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS md5s (
			z INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			hash TEXT,
			created INTEGER,
			PRIMARY KEY (z, x, y)
		);

		CREATE TABLE IF NOT EXISTS metadata (
			name TEXT NOT NULL,
			value TEXT
		);

		CREATE UNIQUE INDEX IF NOT EXISTS metadata_index ON metadata (name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// ID returns the cache identifier.
func (s *Store) ID() string {
	return s.id
}

// Type returns the back-end class.
func (s *Store) Type() store.Type {
	return store.TypeXYZ
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Close closes the side index.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) tilePath(c tile.Coords, ext string) string {
	return filepath.Join(s.root,
		strconv.FormatUint(uint64(c.Z), 10),
		strconv.FormatUint(uint64(c.X), 10),
		strconv.FormatUint(uint64(c.Y), 10)+"."+ext)
}

// findTile probes the known tile extensions and returns the first
// existing path. The stored format is not recorded anywhere else.
func (s *Store) findTile(c tile.Coords) (string, bool) {
	for _, ext := range format.TileExtensions {
		p := s.tilePath(c, ext)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// GetTile returns the tile at c or store.ErrTileNotFound.
func (s *Store) GetTile(ctx context.Context, c tile.Coords) (*store.Tile, error) {
	path, ok := s.findTile(c)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrTileNotFound, c)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", store.ErrTileNotFound, c)
		}
		return nil, fmt.Errorf("failed to read tile %s: %w", c, err)
	}

	return &store.Tile{Data: data, Headers: format.Headers(data)}, nil
}

// CreateTile writes the tile at c under its sniffed extension and
// indexes its hash and creation time. A previous payload stored under a
// different extension is removed so probes stay unambiguous.
func (s *Store) CreateTile(ctx context.Context, c tile.Coords, data []byte) error {
	ext := format.Extension(format.Sniff(data))
	path := s.tilePath(c, ext)

	// File and index row commit under the same lock, so a racing writer
	// never pairs its hash with another writer's bytes.
	return fslock.WithLock(path, s.timeout, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}

		tmpPath := path + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write temp file %s: %w", tmpPath, err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write tile %s: %w", c, err)
		}

		for _, other := range format.TileExtensions {
			if other == ext {
				continue
			}
			p := s.tilePath(c, other)
			if _, err := os.Stat(p); err == nil {
				if err := fslock.RemoveFile(p, s.timeout); err != nil {
					return fmt.Errorf("failed to drop stale tile file %s: %w", p, err)
				}
			}
		}

		sum := md5.Sum(data)
		_, err := s.db.ExecRetry(ctx, `
			INSERT INTO md5s (z, x, y, hash, created) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (z, x, y) DO UPDATE SET hash = excluded.hash, created = excluded.created`,
			c.Z, c.X, c.Y, hex.EncodeToString(sum[:]), time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to index tile %s: %w", c, err)
		}
		return nil
	})
}

// RemoveTile deletes the tile at c and its index row. Missing tiles are
// a no-op.
func (s *Store) RemoveTile(ctx context.Context, c tile.Coords) error {
	for _, ext := range format.TileExtensions {
		p := s.tilePath(c, ext)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := fslock.RemoveFile(p, s.timeout); err != nil {
			return fmt.Errorf("failed to remove tile %s: %w", c, err)
		}
	}

	if _, err := s.db.ExecRetry(ctx,
		"DELETE FROM md5s WHERE z = ? AND x = ? AND y = ?", c.Z, c.X, c.Y); err != nil {
		return fmt.Errorf("failed to unindex tile %s: %w", c, err)
	}
	return nil
}

// GetExtraInfo returns hash (and optionally created) bookkeeping for
// the indexed tiles inside the coverages, keyed by "z/x/y".
func (s *Store) GetExtraInfo(ctx context.Context, coverages []tile.Coverage, wantCreated bool) (map[string]store.TileInfo, error) {
	bounds, err := tile.TileBounds(coverages, tile.SchemeXYZ, nil)
	if err != nil {
		return nil, err
	}

	result := make(map[string]store.TileInfo)
	var (
		clauses []string
		args    []any
	)
	for _, r := range bounds.Ranges {
		if r.Empty {
			continue
		}
		clauses = append(clauses,
			"SELECT z, x, y, hash, created FROM md5s WHERE z = ? AND x BETWEEN ? AND ? AND y BETWEEN ? AND ?")
		args = append(args, r.Zoom, r.MinX, r.MaxX, r.MinY, r.MaxY)
	}
	if len(clauses) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryRetry(ctx, strings.Join(clauses, " UNION ALL "), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tile index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			z, x, y int
			hash    sql.NullString
			created sql.NullInt64
		)
		if err := rows.Scan(&z, &x, &y, &hash, &created); err != nil {
			return nil, fmt.Errorf("failed to scan tile index: %w", err)
		}
		info := store.TileInfo{Hash: hash.String}
		if wantCreated {
			info.Created = created.Int64
		}
		result[fmt.Sprintf("%d/%d/%d", z, x, y)] = info
	}
	return result, rows.Err()
}

// CalculateExtraInfo rebuilds the side index from a full scan of the
// file tree: every tile file gets a hash and its mtime as creation
// time, and index rows whose file is gone are dropped.
func (s *Store) CalculateExtraInfo(ctx context.Context) error {
	seen := make(map[[3]uint32]bool)

	err := s.walkTiles(func(c tile.Coords, path string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen[[3]uint32{c.Z, c.X, c.Y}] = true

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		sum := md5.Sum(data)

		_, err = s.db.ExecRetry(ctx, `
			INSERT INTO md5s (z, x, y, hash, created) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (z, x, y) DO UPDATE SET hash = excluded.hash,
				created = COALESCE(md5s.created, excluded.created)`,
			c.Z, c.X, c.Y, hex.EncodeToString(sum[:]), info.ModTime().UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to rescan tile tree: %w", err)
	}

	rows, err := s.db.QueryRetry(ctx, "SELECT z, x, y FROM md5s")
	if err != nil {
		return fmt.Errorf("failed to list index rows: %w", err)
	}
	var stale [][3]uint32
	for rows.Next() {
		var z, x, y uint32
		if err := rows.Scan(&z, &x, &y); err != nil {
			rows.Close()
			return err
		}
		if !seen[[3]uint32{z, x, y}] {
			stale = append(stale, [3]uint32{z, x, y})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, k := range stale {
		if _, err := s.db.ExecRetry(ctx,
			"DELETE FROM md5s WHERE z = ? AND x = ? AND y = ?", k[0], k[1], k[2]); err != nil {
			return fmt.Errorf("failed to drop stale index row: %w", err)
		}
	}
	if len(stale) > 0 {
		s.log().Info("dropped stale index rows", "id", s.id, "rows", len(stale))
	}
	return nil
}

// walkTiles visits every tile file under the root. Files that do not
// sit at <z>/<x>/<y>.<ext> with a known extension are skipped.
func (s *Store) walkTiles(fn func(c tile.Coords, path string, info fs.FileInfo) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 3 {
			return nil
		}

		name := parts[2]
		dot := strings.LastIndexByte(name, '.')
		if dot < 0 {
			return nil
		}
		if _, ok := format.FromExtension(name[dot+1:]); !ok {
			return nil
		}

		z, errZ := strconv.ParseUint(parts[0], 10, 32)
		x, errX := strconv.ParseUint(parts[1], 10, 32)
		y, errY := strconv.ParseUint(name[:dot], 10, 32)
		if errZ != nil || errX != nil || errY != nil {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(tile.Coords{Z: uint32(z), X: uint32(x), Y: uint32(y)}, path, info)
	})
}

// GetMetadata returns the stored metadata, reconstructing format and
// zoom range from the tree when the index does not carry them.
func (s *Store) GetMetadata(ctx context.Context) (*store.Metadata, error) {
	rows, err := s.db.QueryRetry(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	defer rows.Close()

	raw := make(map[string]string)
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		raw[name] = value.String
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	m := store.MetadataFromMap(raw)

	if m.Format == "" || m.MaxZoom == 0 {
		if minZ, maxZ, sample, ok := s.zoomSpan(); ok {
			if _, set := raw["minzoom"]; !set {
				m.MinZoom = minZ
			}
			if m.MaxZoom == 0 {
				m.MaxZoom = maxZ
			}
			if m.Format == "" {
				if data, err := os.ReadFile(sample); err == nil {
					m.Format = string(format.Sniff(data))
				}
			}
		}
	}

	m.ApplyDefaults(s.id)
	return m, nil
}

// zoomSpan scans the top-level zoom directories and returns the span
// plus one sample tile path at the deepest zoom.
func (s *Store) zoomSpan() (minZoom, maxZoom int, sample string, ok bool) {
	minZoom, maxZoom = -1, -1

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, 0, "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		z, err := strconv.Atoi(e.Name())
		if err != nil || z < 0 || z > tile.MaxZoom {
			continue
		}
		if minZoom < 0 || z < minZoom {
			minZoom = z
		}
		if z > maxZoom {
			maxZoom = z
		}
	}
	if maxZoom < 0 {
		return 0, 0, "", false
	}

	s.walkTiles(func(c tile.Coords, path string, info fs.FileInfo) error {
		if int(c.Z) == maxZoom && sample == "" {
			sample = path
		}
		return nil
	})
	return minZoom, maxZoom, sample, true
}

// UpdateMetadata merges entries into the metadata table.
func (s *Store) UpdateMetadata(ctx context.Context, entries map[string]string) error {
	for name, value := range entries {
		if _, err := s.db.ExecRetry(ctx, `
			INSERT INTO metadata (name, value) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
			name, value); err != nil {
			return fmt.Errorf("failed to update metadata %q: %w", name, err)
		}
	}
	return nil
}

// Summarize walks the file tree and returns the tile count and total
// payload size. The index is not consulted; files are the truth.
func (s *Store) Summarize(ctx context.Context) (*store.Summary, error) {
	var sum store.Summary
	err := s.walkTiles(func(c tile.Coords, path string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum.Count++
		sum.Size += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk tile tree: %w", err)
	}
	return &sum, nil
}

// Compact prunes empty tile directories and vacuums the side index.
func (s *Store) Compact(ctx context.Context) error {
	if err := s.PruneEmptyDirs(); err != nil {
		return err
	}
	if _, err := s.db.ExecRetry(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum index: %w", err)
	}
	return nil
}

// PruneEmptyDirs removes <z> and <z>/<x> directories left empty by tile
// removal.
func (s *Store) PruneEmptyDirs() error {
	zooms, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("failed to list store root: %w", err)
	}

	for _, zd := range zooms {
		if !zd.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(zd.Name()); err != nil {
			continue
		}
		zPath := filepath.Join(s.root, zd.Name())

		cols, err := os.ReadDir(zPath)
		if err != nil {
			return err
		}
		for _, xd := range cols {
			if !xd.IsDir() {
				continue
			}
			xPath := filepath.Join(zPath, xd.Name())
			files, err := os.ReadDir(xPath)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				if err := os.Remove(xPath); err != nil {
					return err
				}
			}
		}

		cols, err = os.ReadDir(zPath)
		if err != nil {
			return err
		}
		if len(cols) == 0 {
			if err := os.Remove(zPath); err != nil {
				return err
			}
		}
	}
	return nil
}

// MinZoomTiles lists the tiles at the lowest stored zoom level.
func (s *Store) MinZoomTiles(ctx context.Context) (int, []tile.Coords, error) {
	minZoom, _, _, ok := s.zoomSpan()
	if !ok {
		return 0, nil, nil
	}

	var coords []tile.Coords
	err := s.walkTiles(func(c tile.Coords, path string, info fs.FileInfo) error {
		if int(c.Z) == minZoom {
			coords = append(coords, c)
		}
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to list tiles at zoom %d: %w", minZoom, err)
	}
	return minZoom, coords, nil
}
