package job

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const validSeed = `{
	"datas": {
		"osm": {
			"storeType": "mbtiles",
			"scheme": "xyz",
			"coverages": [{"zoom": 3, "bbox": [-10, -10, 10, 10]}],
			"url": "https://tiles.example.com/{z}/{x}/{y}.png",
			"maxTry": 3,
			"timeout": 30,
			"concurrency": 8,
			"storeTransparent": false,
			"metadata": {"name": "osm"}
		}
	}
}`

func TestLoadSeedConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "seed.json", validSeed)

	cfg, err := LoadSeedConfig(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Datas, 1)

	spec := cfg.Datas["osm"]
	require.Equal(t, 8, spec.Workers())
	require.Equal(t, 30*time.Second, spec.AttemptTimeout())
}

func TestLoadSeedConfigRejectsBadShape(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"datas": {"a": {"storeType": "mbtiles", "coverages": [{"zoom": 1, "bbox": [0,0,1,1]}], "url": "u/{z}/{x}/{y}", "bogus": 1}}}`},
		{"no datas", `{"datas": {}}`},
		{"bad store type", `{"datas": {"a": {"storeType": "s3", "coverages": [{"zoom": 1, "bbox": [0,0,1,1]}], "url": "u/{z}/{x}/{y}"}}}`},
		{"no coverages", `{"datas": {"a": {"storeType": "xyz", "url": "u/{z}/{x}/{y}"}}}`},
		{"missing url", `{"datas": {"a": {"storeType": "xyz", "coverages": [{"zoom": 1, "bbox": [0,0,1,1]}]}}}`},
		{"url missing placeholder", `{"datas": {"a": {"storeType": "xyz", "coverages": [{"zoom": 1, "bbox": [0,0,1,1]}], "url": "u/{z}/{x}"}}}`},
		{"zoom out of range", `{"datas": {"a": {"storeType": "xyz", "coverages": [{"zoom": 30, "bbox": [0,0,1,1]}], "url": "u/{z}/{x}/{y}"}}}`},
		{"anti-meridian bbox", `{"datas": {"a": {"storeType": "xyz", "coverages": [{"zoom": 3, "bbox": [170,-10,-170,10]}], "url": "u/{z}/{x}/{y}"}}}`},
		{"bbox and circle", `{"datas": {"a": {"storeType": "xyz", "coverages": [{"zoom": 3, "bbox": [0,0,1,1], "circle": {"center": [0,0], "radius_m": 100}}], "url": "u/{z}/{x}/{y}"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, "seed.json", tt.body)
			_, err := LoadSeedConfig(dir)
			require.ErrorIs(t, err, ErrSchemaInvalid)
		})
	}
}

func TestLoadSeedConfigMissingFile(t *testing.T) {
	_, err := LoadSeedConfig(t.TempDir())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSchemaInvalid)
}

func TestLoadCleanupConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "cleanup.json", `{
		"datas": {
			"osm": {
				"storeType": "xyz",
				"coverages": [{"zoom": 0, "bbox": [-180, -85, 180, 85]}],
				"cleanUpBefore": "30 days ago"
			}
		}
	}`)

	cfg, err := LoadCleanupConfig(dir)
	require.NoError(t, err)
	require.Equal(t, "30 days ago", cfg.Datas["osm"].CleanUpBefore)
}

func TestLoadCleanupConfigRejectsBadThreshold(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "cleanup.json", `{
		"datas": {
			"osm": {
				"storeType": "xyz",
				"coverages": [{"zoom": 0, "bbox": [-180, -85, 180, 85]}],
				"cleanUpBefore": "whenever"
			}
		}
	}`)

	_, err := LoadCleanupConfig(dir)
	require.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestParseBefore(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want int64
	}{
		{"0 days ago", now.UnixMilli()},
		{"1 day ago", now.AddDate(0, 0, -1).UnixMilli()},
		{"30 days ago", now.AddDate(0, 0, -30).UnixMilli()},
		{"1970-01-02T00:00:00", 86400000},
		{"2024-01-01T00:00:00Z", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()},
		{"2024-01-01", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()},
	}
	for _, tt := range tests {
		got, err := ParseBefore(tt.in, now)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "soon", "-1 days ago", "x days ago"} {
		_, err := ParseBefore(bad, now)
		require.Error(t, err, bad)
	}
}
