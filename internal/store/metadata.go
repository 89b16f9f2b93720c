package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lqh2307/tileserver-gl-sub003/internal/tile"
)

// VectorLayer describes one layer of a vector tileset, in the shape
// emitted under the "vector_layers" metadata key.
type VectorLayer struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	MinZoom     *int              `json:"minzoom,omitempty"`
	MaxZoom     *int              `json:"maxzoom,omitempty"`
	Fields      map[string]string `json:"fields"`
}

// Metadata contains tileset metadata fields.
type Metadata struct {
	Name         string
	Format       string // Tile data type (png, jpg, webp, gif, pbf)
	Attribution  string
	Description  string
	Type         string // "baselayer" or "overlay"
	Version      string
	Bounds       [4]float64
	Center       [3]float64
	MinZoom      int
	MaxZoom      int
	VectorLayers []VectorLayer
}

// ApplyDefaults fills the fields a tileset must carry: world bounds,
// name fallback, zoom range 0..22 and a center derived from bounds.
func (m *Metadata) ApplyDefaults(id string) {
	if m.Name == "" {
		m.Name = id
	}
	if m.Bounds == [4]float64{} {
		m.Bounds = [4]float64{-tile.MaxLon, -tile.MaxLat, tile.MaxLon, tile.MaxLat}
	}
	if m.MaxZoom == 0 {
		m.MaxZoom = 22
	}
	if m.Center == [3]float64{} {
		m.Center = [3]float64{
			(m.Bounds[0] + m.Bounds[2]) / 2,
			(m.Bounds[1] + m.Bounds[3]) / 2,
			float64((m.MinZoom + m.MaxZoom) / 2),
		}
	}
}

// ToMap converts Metadata to a map for database insertion.
func (m Metadata) ToMap() map[string]string {
	result := make(map[string]string)

	if m.Name != "" {
		result["name"] = m.Name
	}
	if m.Format != "" {
		result["format"] = m.Format
	}
	result["minzoom"] = strconv.Itoa(m.MinZoom)
	if m.MaxZoom > 0 {
		result["maxzoom"] = strconv.Itoa(m.MaxZoom)
	}
	if m.Bounds != [4]float64{} {
		result["bounds"] = fmt.Sprintf("%.6f,%.6f,%.6f,%.6f",
			m.Bounds[0], m.Bounds[1], m.Bounds[2], m.Bounds[3])
	}
	if m.Center != [3]float64{} {
		result["center"] = fmt.Sprintf("%.6f,%.6f,%d",
			m.Center[0], m.Center[1], int(m.Center[2]))
	}
	if m.Attribution != "" {
		result["attribution"] = m.Attribution
	}
	if m.Description != "" {
		result["description"] = m.Description
	}
	if m.Type != "" {
		result["type"] = m.Type
	}
	if m.Version != "" {
		result["version"] = m.Version
	}
	if len(m.VectorLayers) > 0 {
		if data, err := json.Marshal(map[string]any{"vector_layers": m.VectorLayers}); err == nil {
			result["json"] = string(data)
		}
	}

	return result
}

// MetadataFromMap rebuilds Metadata from stored name/value rows.
// Malformed numeric values are ignored rather than failing the whole
// tileset.
func MetadataFromMap(rows map[string]string) *Metadata {
	m := &Metadata{
		Name:        rows["name"],
		Format:      rows["format"],
		Attribution: rows["attribution"],
		Description: rows["description"],
		Type:        rows["type"],
		Version:     rows["version"],
	}

	if v, err := strconv.Atoi(rows["minzoom"]); err == nil {
		m.MinZoom = v
	}
	if v, err := strconv.Atoi(rows["maxzoom"]); err == nil {
		m.MaxZoom = v
	}

	if parts := strings.Split(rows["bounds"], ","); len(parts) == 4 {
		var bounds [4]float64
		ok := true
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				ok = false
				break
			}
			bounds[i] = v
		}
		if ok {
			m.Bounds = bounds
		}
	}

	if parts := strings.Split(rows["center"], ","); len(parts) == 3 {
		var center [3]float64
		ok := true
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				ok = false
				break
			}
			center[i] = v
		}
		if ok {
			m.Center = center
		}
	}

	if raw := rows["json"]; raw != "" {
		var extra struct {
			VectorLayers []VectorLayer `json:"vector_layers"`
		}
		if err := json.Unmarshal([]byte(raw), &extra); err == nil {
			m.VectorLayers = extra.VectorLayers
		}
	}

	return m
}
