// Package job implements the operator side of the cache: seed, cleanup
// and summary runs driven by the seed.json and cleanup.json files under
// the data directory.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/store"
	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
	"github.com/lqh2307/tileserver-gl-sub003/internal/worker"
)

// ErrSchemaInvalid is returned when a job configuration file fails
// validation.
var ErrSchemaInvalid = errors.New("invalid job configuration")

// SourceSpec configures one cache id inside a seed or cleanup run.
type SourceSpec struct {
	StoreType        store.Type        `json:"storeType"`
	Scheme           tile.Scheme       `json:"scheme,omitempty"`
	Coverages        []tile.Coverage   `json:"coverages"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	URL              string            `json:"url,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	RefreshBefore    string            `json:"refreshBefore,omitempty"`
	CleanUpBefore    string            `json:"cleanUpBefore,omitempty"`
	MaxTry           int               `json:"maxTry,omitempty"`
	Timeout          int               `json:"timeout,omitempty"` // seconds per origin attempt
	Concurrency      int               `json:"concurrency,omitempty"`
	StoreTransparent bool              `json:"storeTransparent,omitempty"`
}

// Config is the shape shared by seed.json and cleanup.json. Only the
// tile sources under "datas" concern this process; the asset sections
// are carried for other tooling and ignored here.
type Config struct {
	Styles   json.RawMessage       `json:"styles,omitempty"`
	GeoJSONs json.RawMessage       `json:"geojsons,omitempty"`
	Sprites  json.RawMessage       `json:"sprites,omitempty"`
	Fonts    json.RawMessage       `json:"fonts,omitempty"`
	Datas    map[string]SourceSpec `json:"datas"`
}

// LoadSeedConfig reads and validates <dataDir>/seed.json.
func LoadSeedConfig(dataDir string) (*Config, error) {
	cfg, err := loadConfig(filepath.Join(dataDir, "seed.json"))
	if err != nil {
		return nil, err
	}
	for id, spec := range cfg.Datas {
		if err := spec.validate(id, true); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadCleanupConfig reads and validates <dataDir>/cleanup.json.
func LoadCleanupConfig(dataDir string) (*Config, error) {
	cfg, err := loadConfig(filepath.Join(dataDir, "cleanup.json"))
	if err != nil {
		return nil, err
	}
	for id, spec := range cfg.Datas {
		if err := spec.validate(id, false); err != nil {
			return nil, err
		}
		if spec.CleanUpBefore != "" {
			if _, err := ParseBefore(spec.CleanUpBefore, time.Now()); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, id, err)
			}
		}
	}
	return cfg, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var cfg Config
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, path, err)
	}
	if len(cfg.Datas) == 0 {
		return nil, fmt.Errorf("%w: %s: no data sources", ErrSchemaInvalid, path)
	}
	return &cfg, nil
}

// validate checks one source spec. Seed specs additionally need an
// origin URL carrying all three placeholders.
func (s SourceSpec) validate(id string, seed bool) error {
	if !s.StoreType.Valid() {
		return fmt.Errorf("%w: %s: unknown storeType %q", ErrSchemaInvalid, id, s.StoreType)
	}
	if s.Scheme != "" && !s.Scheme.Valid() {
		return fmt.Errorf("%w: %s: unknown scheme %q", ErrSchemaInvalid, id, s.Scheme)
	}
	if len(s.Coverages) == 0 {
		return fmt.Errorf("%w: %s: no coverages", ErrSchemaInvalid, id)
	}
	for i, cov := range s.Coverages {
		if err := cov.Validate(); err != nil {
			return fmt.Errorf("%w: %s: coverage %d: %v", ErrSchemaInvalid, id, i, err)
		}
	}

	if seed {
		if s.URL == "" {
			return fmt.Errorf("%w: %s: missing url", ErrSchemaInvalid, id)
		}
		for _, ph := range []string{"{z}", "{x}", "{y}"} {
			if !strings.Contains(s.URL, ph) {
				return fmt.Errorf("%w: %s: url missing %s placeholder", ErrSchemaInvalid, id, ph)
			}
		}
		if s.RefreshBefore != "" {
			if _, err := ParseBefore(s.RefreshBefore, time.Now()); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, id, err)
			}
		}
	}
	return nil
}

// Workers returns the clamped concurrency for this spec.
func (s SourceSpec) Workers() int {
	if s.Concurrency <= 0 {
		return 1
	}
	if s.Concurrency > worker.MaxWorkers {
		return worker.MaxWorkers
	}
	return s.Concurrency
}

// AttemptTimeout returns the per-attempt origin timeout.
func (s SourceSpec) AttemptTimeout() time.Duration {
	if s.Timeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.Timeout) * time.Second
}

// ParseBefore converts a threshold expression to epoch milliseconds.
// Accepted forms: "N days ago", RFC 3339, and a bare local timestamp
// like "1970-01-02T00:00:00".
func ParseBefore(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time threshold")
	}

	if strings.HasSuffix(s, " days ago") || strings.HasSuffix(s, " day ago") {
		numStr := strings.Fields(s)[0]
		n, err := strconv.Atoi(numStr)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day count %q", numStr)
		}
		return now.AddDate(0, 0, -n).UnixMilli(), nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unparseable time threshold %q", s)
}
