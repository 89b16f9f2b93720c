// Package mbtiles implements the MBTiles tile store: a single SQLite
// file holding the tiles and metadata tables. Rows are persisted in TMS
// addressing (tile_row = 2^z-1-y); the store converts at the boundary so
// callers always speak XYZ.
package mbtiles

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/format"
	"github.com/lqh2307/tileserver-gl-sub003/internal/sqlitedb"
	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
	"github.com/paulmach/orb/encoding/mvt"
)

// Store is an MBTiles-backed tile store.
type Store struct {
	db     *sqlitedb.DB
	id     string
	logger *slog.Logger
}

// Open opens (and if create is set, creates) the MBTiles database at
// path. The schema is created on demand and legacy databases are
// upgraded in place with the hash and created columns.
func Open(path, id string, create bool, timeout time.Duration, logger *slog.Logger) (*Store, error) {
	db, err := sqlitedb.Open(path, create, timeout)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, id: id, logger: logger}

	if create {
		if err := s.createSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	if err := s.upgradeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade schema: %w", err)
	}

	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// ID returns the cache identifier.
func (s *Store) ID() string {
	return s.id
}

// Type returns the back-end class.
func (s *Store) Type() store.Type {
	return store.TypeMBTiles
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS metadata (
			name TEXT NOT NULL,
			value TEXT
		);

		CREATE UNIQUE INDEX IF NOT EXISTS metadata_index ON metadata (name);

		CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL,
			hash TEXT,
			created INTEGER
		);

		CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// upgradeSchema adds the hash and created columns to databases written
// by older tooling. Existing rows keep NULL until CalculateExtraInfo
// backfills them.
func (s *Store) upgradeSchema() error {
	rows, err := s.db.Query("PRAGMA table_info(tiles)")
	if err != nil {
		return fmt.Errorf("failed to inspect tiles table: %w", err)
	}
	defer rows.Close()

	existing := map[string]bool{}
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("failed to scan column info: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(existing) == 0 {
		return fmt.Errorf("%s has no tiles table", s.db.Path())
	}

	for col, ddl := range map[string]string{
		"hash":    "ALTER TABLE tiles ADD COLUMN hash TEXT",
		"created": "ALTER TABLE tiles ADD COLUMN created INTEGER",
	} {
		if existing[col] {
			continue
		}
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col, err)
		}
		s.log().Info("upgraded tiles schema", "id", s.id, "column", col)
	}

	return nil
}

// tmsRow converts an XYZ row to the stored TMS row.
func tmsRow(c tile.Coords) uint32 {
	return tile.FlipY(int(c.Z), c.Y)
}

func hashTile(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// GetTile returns the tile at c or store.ErrTileNotFound.
func (s *Store) GetTile(ctx context.Context, c tile.Coords) (*store.Tile, error) {
	var data []byte
	err := s.db.QueryRowRetry(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		[]any{c.Z, c.X, tmsRow(c)}, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrTileNotFound, c)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", c, err)
	}

	return &store.Tile{Data: data, Headers: format.Headers(data)}, nil
}

// CreateTile inserts or replaces the tile at c, stamping its MD5 hash
// and creation time.
func (s *Store) CreateTile(ctx context.Context, c tile.Coords, data []byte) error {
	_, err := s.db.ExecRetry(ctx, `
		INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data, hash, created)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (zoom_level, tile_column, tile_row)
		DO UPDATE SET tile_data = excluded.tile_data, hash = excluded.hash, created = excluded.created`,
		c.Z, c.X, tmsRow(c), data, hashTile(data), nowMillis())
	if err != nil {
		return fmt.Errorf("failed to store tile %s: %w", c, err)
	}
	return nil
}

// RemoveTile deletes the tile at c. Missing tiles are a no-op.
func (s *Store) RemoveTile(ctx context.Context, c tile.Coords) error {
	_, err := s.db.ExecRetry(ctx,
		"DELETE FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		c.Z, c.X, tmsRow(c))
	if err != nil {
		return fmt.Errorf("failed to remove tile %s: %w", c, err)
	}
	return nil
}

// GetExtraInfo returns hash (and optionally created) bookkeeping for
// the stored tiles inside the coverages, keyed by "z/x/y" in XYZ.
func (s *Store) GetExtraInfo(ctx context.Context, coverages []tile.Coverage, wantCreated bool) (map[string]store.TileInfo, error) {
	bounds, err := tile.TileBounds(coverages, tile.SchemeTMS, nil)
	if err != nil {
		return nil, err
	}

	result := make(map[string]store.TileInfo)
	if len(bounds.Ranges) == 0 {
		return result, nil
	}

	var (
		clauses []string
		args    []any
	)
	for _, r := range bounds.Ranges {
		if r.Empty {
			continue
		}
		clauses = append(clauses,
			"SELECT zoom_level, tile_column, tile_row, hash, created FROM tiles WHERE zoom_level = ? AND tile_column BETWEEN ? AND ? AND tile_row BETWEEN ? AND ?")
		args = append(args, r.Zoom, r.MinX, r.MaxX, r.MinY, r.MaxY)
	}
	if len(clauses) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryRetry(ctx, strings.Join(clauses, " UNION ALL "), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tile info: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			z, x, y int
			hash    sql.NullString
			created sql.NullInt64
		)
		if err := rows.Scan(&z, &x, &y, &hash, &created); err != nil {
			return nil, fmt.Errorf("failed to scan tile info: %w", err)
		}

		info := store.TileInfo{Hash: hash.String}
		if wantCreated {
			info.Created = created.Int64
		}
		c := tile.Coords{Z: uint32(z), X: uint32(x), Y: tile.FlipY(z, uint32(y))}
		result[c.String()] = info
	}
	return result, rows.Err()
}

// CalculateExtraInfo backfills missing hash and created values from the
// stored payloads, in batches so the write lock is released between
// rounds.
func (s *Store) CalculateExtraInfo(ctx context.Context) error {
	const batchSize = 256

	for {
		rows, err := s.db.QueryRetry(ctx, `
			SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles
			WHERE hash IS NULL OR hash = '' OR created IS NULL
			LIMIT ?`, batchSize)
		if err != nil {
			return fmt.Errorf("failed to scan for unhashed tiles: %w", err)
		}

		type pending struct {
			z, x, y int
			hash    string
		}
		var batch []pending
		for rows.Next() {
			var (
				z, x, y int
				data    []byte
			)
			if err := rows.Scan(&z, &x, &y, &data); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan tile row: %w", err)
			}
			batch = append(batch, pending{z: z, x: x, y: y, hash: hashTile(data)})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(batch) == 0 {
			return nil
		}

		created := nowMillis()
		for _, p := range batch {
			if _, err := s.db.ExecRetry(ctx, `
				UPDATE tiles SET hash = ?, created = COALESCE(created, ?)
				WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
				p.hash, created, p.z, p.x, p.y); err != nil {
				return fmt.Errorf("failed to update tile info: %w", err)
			}
		}

		s.log().Debug("backfilled tile info", "id", s.id, "tiles", len(batch))
	}
}

// GetMetadata returns the stored metadata. Missing format, zoom range,
// bounds and vector layer entries are reconstructed from the tile data
// itself.
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

	if m.Format == "" || m.MaxZoom == 0 || m.Bounds == [4]float64{} {
		if err := s.reconstructMetadata(ctx, m, raw); err != nil {
			return nil, err
		}
	}
	if m.Format == string(format.PBF) && len(m.VectorLayers) == 0 {
		s.sampleVectorLayers(ctx, m)
	}

	m.ApplyDefaults(s.id)
	return m, nil
}

// reconstructMetadata derives format, zoom range and bounds from the
// stored tiles when the metadata table does not carry them.
func (s *Store) reconstructMetadata(ctx context.Context, m *store.Metadata, raw map[string]string) error {
	var minZoom, maxZoom sql.NullInt64
	err := s.db.QueryRowRetry(ctx,
		"SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles", nil, &minZoom, &maxZoom)
	if err != nil || !maxZoom.Valid {
		return nil // empty tileset, defaults apply
	}

	if _, ok := raw["minzoom"]; !ok {
		m.MinZoom = int(minZoom.Int64)
	}
	if m.MaxZoom == 0 {
		m.MaxZoom = int(maxZoom.Int64)
	}

	if m.Format == "" {
		var data []byte
		err := s.db.QueryRowRetry(ctx,
			"SELECT tile_data FROM tiles WHERE zoom_level = ? LIMIT 1", []any{maxZoom.Int64}, &data)
		if err == nil {
			m.Format = string(format.Sniff(data))
		}
	}

	if m.Bounds == [4]float64{} {
		var minX, maxX, minY, maxY int
		err := s.db.QueryRowRetry(ctx, `
			SELECT MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row)
			FROM tiles WHERE zoom_level = ?`, []any{maxZoom.Int64}, &minX, &maxX, &minY, &maxY)
		if err == nil {
			z := int(maxZoom.Int64)
			// Rows are TMS; the northernmost XYZ row is the highest TMS row.
			sw := tile.Coords{Z: uint32(z), X: uint32(minX), Y: tile.FlipY(z, uint32(minY))}.BBox()
			ne := tile.Coords{Z: uint32(z), X: uint32(maxX), Y: tile.FlipY(z, uint32(maxY))}.BBox()
			m.Bounds = [4]float64(sw.Union(ne))
		}
	}

	return nil
}

// sampleVectorLayers decodes one vector tile at max zoom and publishes
// its layer names and field types. Failures leave the metadata as-is.
func (s *Store) sampleVectorLayers(ctx context.Context, m *store.Metadata) {
	var data []byte
	err := s.db.QueryRowRetry(ctx,
		"SELECT tile_data FROM tiles ORDER BY zoom_level DESC LIMIT 1", nil, &data)
	if err != nil {
		return
	}

	if len(data) >= 2 && data[0] == 0x1F && data[1] == 0x8B {
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return
		}
		if data, err = io.ReadAll(gr); err != nil {
			return
		}
	}

	layers, err := mvt.Unmarshal(data)
	if err != nil {
		s.log().Debug("vector layer sampling failed", "id", s.id, "error", err)
		return
	}

	for _, layer := range layers {
		vl := store.VectorLayer{ID: layer.Name, Fields: map[string]string{}}
		for _, f := range layer.Features {
			for k, v := range f.Properties {
				switch v.(type) {
				case bool:
					vl.Fields[k] = "Boolean"
				case float64, int64, uint64, int:
					vl.Fields[k] = "Number"
				default:
					vl.Fields[k] = "String"
				}
			}
		}
		m.VectorLayers = append(m.VectorLayers, vl)
	}
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

// Summarize returns the tile count and total payload size.
func (s *Store) Summarize(ctx context.Context) (*store.Summary, error) {
	var count int64
	var size sql.NullInt64
	err := s.db.QueryRowRetry(ctx,
		"SELECT COUNT(*), SUM(LENGTH(tile_data)) FROM tiles", nil, &count, &size)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize: %w", err)
	}
	return &store.Summary{Count: count, Size: size.Int64}, nil
}

// Compact reclaims the space of removed tiles with VACUUM.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.db.ExecRetry(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum %s: %w", s.db.Path(), err)
	}
	return nil
}

// MinZoomTiles lists the tiles at the lowest stored zoom level, in XYZ.
func (s *Store) MinZoomTiles(ctx context.Context) (int, []tile.Coords, error) {
	var minZoom sql.NullInt64
	err := s.db.QueryRowRetry(ctx, "SELECT MIN(zoom_level) FROM tiles", nil, &minZoom)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to find min zoom: %w", err)
	}
	if !minZoom.Valid {
		return 0, nil, nil
	}

	z := int(minZoom.Int64)
	rows, err := s.db.QueryRetry(ctx,
		"SELECT tile_column, tile_row FROM tiles WHERE zoom_level = ? ORDER BY tile_column, tile_row", z)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to list tiles at zoom %d: %w", z, err)
	}
	defer rows.Close()

	var coords []tile.Coords
	for rows.Next() {
		var x, y int
		if err := rows.Scan(&x, &y); err != nil {
			return 0, nil, fmt.Errorf("failed to scan tile: %w", err)
		}
		coords = append(coords, tile.Coords{Z: uint32(z), X: uint32(x), Y: tile.FlipY(z, uint32(y))})
	}
	return z, coords, rows.Err()
}
