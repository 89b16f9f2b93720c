// Package pgtiles implements the PostgreSQL tile store. Each cache id
// gets its own schema inside the shared database, with tiles addressed
// in XYZ and the same hash/created bookkeeping the SQLite back-ends
// carry.
package pgtiles

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/lqh2307/tileserver-gl-sub003/internal/format"
	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
)

// Store is a PostgreSQL-backed tile store.
type Store struct {
	db     *sql.DB
	id     string
	logger *slog.Logger
}

// Open connects to the database at uri and ensures the per-id schema
// exists. The id doubles as the PostgreSQL schema name, so it must be a
// plain lowercase identifier.
func Open(uri, id string, create bool, logger *slog.Logger) (*Store, error) {
	if !validSchemaName(id) {
		return nil, fmt.Errorf("invalid cache id %q for a schema name", id)
	}

	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, id: id, logger: logger}

	if create {
		if err := s.createSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	} else {
		var exists bool
		err := db.QueryRow(
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = 'tiles')",
			id).Scan(&exists)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to check schema: %w", err)
		}
		if !exists {
			db.Close()
			return nil, fmt.Errorf("cache %q does not exist in database", id)
		}
	}

	return s, nil
}

// validSchemaName keeps the id usable as an unquoted identifier.
func validSchemaName(id string) bool {
	if id == "" || len(id) > 63 {
		return false
	}
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func (s *Store) createSchema() error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", s.id),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.tiles (
			z INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			data BYTEA NOT NULL,
			hash TEXT,
			created BIGINT,
			PRIMARY KEY (z, x, y)
		)`, s.id),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.metadata (
			name TEXT PRIMARY KEY,
			value TEXT
		)`, s.id),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
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
	return store.TypePostgreSQL
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetTile returns the tile at c or store.ErrTileNotFound.
func (s *Store) GetTile(ctx context.Context, c tile.Coords) (*store.Tile, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT data FROM %s.tiles WHERE z = $1 AND x = $2 AND y = $3", s.id),
		c.Z, c.X, c.Y).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrTileNotFound, c)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", c, err)
	}

	return &store.Tile{Data: data, Headers: format.Headers(data)}, nil
}

// CreateTile inserts or replaces the tile at c.
func (s *Store) CreateTile(ctx context.Context, c tile.Coords, data []byte) error {
	sum := md5.Sum(data)
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s.tiles (z, x, y, data, hash, created)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (z, x, y)
			DO UPDATE SET data = excluded.data, hash = excluded.hash, created = excluded.created`, s.id),
		c.Z, c.X, c.Y, data, hex.EncodeToString(sum[:]), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store tile %s: %w", c, err)
	}
	return nil
}

// RemoveTile deletes the tile at c. Missing tiles are a no-op.
func (s *Store) RemoveTile(ctx context.Context, c tile.Coords) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s.tiles WHERE z = $1 AND x = $2 AND y = $3", s.id),
		c.Z, c.X, c.Y)
	if err != nil {
		return fmt.Errorf("failed to remove tile %s: %w", c, err)
	}
	return nil
}

// GetExtraInfo returns hash (and optionally created) bookkeeping for
// the stored tiles inside the coverages, keyed by "z/x/y".
func (s *Store) GetExtraInfo(ctx context.Context, coverages []tile.Coverage, wantCreated bool) (map[string]store.TileInfo, error) {
	bounds, err := tile.TileBounds(coverages, tile.SchemeXYZ, nil)
	if err != nil {
		return nil, err
	}

	result := make(map[string]store.TileInfo)
	var (
		conds []string
		args  []any
	)
	for _, r := range bounds.Ranges {
		if r.Empty {
			continue
		}
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(z = $%d AND x BETWEEN $%d AND $%d AND y BETWEEN $%d AND $%d)",
			n+1, n+2, n+3, n+4, n+5))
		args = append(args, r.Zoom, r.MinX, r.MaxX, r.MinY, r.MaxY)
	}
	if len(conds) == 0 {
		return result, nil
	}

	query := fmt.Sprintf("SELECT z, x, y, hash, created FROM %s.tiles WHERE %s",
		s.id, strings.Join(conds, " OR "))
	rows, err := s.db.QueryContext(ctx, query, args...)
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
		result[fmt.Sprintf("%d/%d/%d", z, x, y)] = info
	}
	return result, rows.Err()
}

// CalculateExtraInfo backfills missing hash and created values by
// reading back the affected payloads in batches.
func (s *Store) CalculateExtraInfo(ctx context.Context) error {
	const batchSize = 256

	for {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT z, x, y, data FROM %s.tiles
				WHERE hash IS NULL OR hash = '' OR created IS NULL LIMIT $1`, s.id),
			batchSize)
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
			sum := md5.Sum(data)
			batch = append(batch, pending{z: z, x: x, y: y, hash: hex.EncodeToString(sum[:])})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(batch) == 0 {
			return nil
		}

		created := time.Now().UnixMilli()
		for _, p := range batch {
			if _, err := s.db.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s.tiles SET hash = $1, created = COALESCE(created, $2)
					WHERE z = $3 AND x = $4 AND y = $5`, s.id),
				p.hash, created, p.z, p.x, p.y); err != nil {
				return fmt.Errorf("failed to update tile info: %w", err)
			}
		}

		s.log().Debug("backfilled tile info", "id", s.id, "tiles", len(batch))
	}
}

// GetMetadata returns the stored metadata, reconstructing format and
// zoom range from the tiles when absent.
func (s *Store) GetMetadata(ctx context.Context) (*store.Metadata, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT name, value FROM %s.metadata", s.id))
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
		var minZoom, maxZoom sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT MIN(z), MAX(z) FROM %s.tiles", s.id)).Scan(&minZoom, &maxZoom)
		if err == nil && maxZoom.Valid {
			if _, set := raw["minzoom"]; !set {
				m.MinZoom = int(minZoom.Int64)
			}
			if m.MaxZoom == 0 {
				m.MaxZoom = int(maxZoom.Int64)
			}
			if m.Format == "" {
				var data []byte
				err := s.db.QueryRowContext(ctx,
					fmt.Sprintf("SELECT data FROM %s.tiles WHERE z = $1 LIMIT 1", s.id),
					maxZoom.Int64).Scan(&data)
				if err == nil {
					m.Format = string(format.Sniff(data))
				}
			}
		}
	}

	m.ApplyDefaults(s.id)
	return m, nil
}

// UpdateMetadata merges entries into the metadata table.
func (s *Store) UpdateMetadata(ctx context.Context, entries map[string]string) error {
	for name, value := range entries {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s.metadata (name, value) VALUES ($1, $2)
				ON CONFLICT (name) DO UPDATE SET value = excluded.value`, s.id),
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
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*), SUM(LENGTH(data)) FROM %s.tiles", s.id)).Scan(&count, &size)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize: %w", err)
	}
	return &store.Summary{Count: count, Size: size.Int64}, nil
}

// Compact is a no-op; PostgreSQL reclaims space through autovacuum.
func (s *Store) Compact(ctx context.Context) error {
	return nil
}
