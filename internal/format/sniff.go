// Package format derives tile formats and HTTP headers from raw tile
// bytes by magic-number sniffing. Tile stores never persist a format
// column; the first dozen bytes of the payload are the source of truth.
package format

import (
	"bytes"
	"image"
	"image/png"
)

// TileFormat is the sniffed payload type of a tile or glyph asset.
type TileFormat string

const (
	PBF     TileFormat = "pbf"
	PNG     TileFormat = "png"
	JPEG    TileFormat = "jpeg"
	GIF     TileFormat = "gif"
	WebP    TileFormat = "webp"
	WOFF    TileFormat = "woff"
	WOFF2   TileFormat = "woff2"
	OTF     TileFormat = "otf"
	TTF     TileFormat = "ttf"
	GeoJSON TileFormat = "geojson"
)

var magicPatterns = []struct {
	format TileFormat
	prefix []byte
}{
	{PNG, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	{GIF, []byte{0x47, 0x49, 0x46, 0x38, 0x37, 0x61}},
	{GIF, []byte{0x47, 0x49, 0x46, 0x38, 0x39, 0x61}},
	{WOFF, []byte{0x77, 0x4F, 0x46, 0x46}},
	{WOFF2, []byte{0x77, 0x4F, 0x46, 0x32}},
	{OTF, []byte{0x4F, 0x54, 0x54, 0x4F}},
	{TTF, []byte{0x00, 0x01, 0x00, 0x00}},
}

// Sniff determines the payload format from its leading bytes. Unrecognised
// payloads default to PBF, the only format without a distinct signature.
func Sniff(data []byte) TileFormat {
	for _, p := range magicPatterns {
		if bytes.HasPrefix(data, p.prefix) {
			return p.format
		}
	}
	// JPEG: FF D8 ... FF D9
	if len(data) >= 4 && data[0] == 0xFF && data[1] == 0xD8 &&
		data[len(data)-2] == 0xFF && data[len(data)-1] == 0xD9 {
		return JPEG
	}
	// WebP: RIFF....WEBP
	if len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return WebP
	}
	return PBF
}

// ContentType returns the MIME type served for a format.
func ContentType(f TileFormat) string {
	switch f {
	case PNG:
		return "image/png"
	case JPEG:
		return "image/jpeg"
	case GIF:
		return "image/gif"
	case WebP:
		return "image/webp"
	case WOFF:
		return "font/woff"
	case WOFF2:
		return "font/woff2"
	case OTF:
		return "font/otf"
	case TTF:
		return "font/ttf"
	case GeoJSON:
		return "application/geo+json"
	default:
		return "application/x-protobuf"
	}
}

// Headers sniffs data and returns the HTTP headers for serving it.
// PBF payloads additionally carry a content-encoding when the body is
// deflate (78 9C) or gzip (1F 8B) compressed.
func Headers(data []byte) map[string]string {
	f := Sniff(data)
	headers := map[string]string{"content-type": ContentType(f)}

	if f == PBF && len(data) >= 2 {
		switch {
		case data[0] == 0x1F && data[1] == 0x8B:
			headers["content-encoding"] = "gzip"
		case data[0] == 0x78 && data[1] == 0x9C:
			headers["content-encoding"] = "deflate"
		}
	}

	return headers
}

// Extension returns the file extension used by the XYZ store for a format.
func Extension(f TileFormat) string {
	switch f {
	case JPEG:
		return "jpg"
	default:
		return string(f)
	}
}

// FromExtension maps a tile file extension back to its format.
func FromExtension(ext string) (TileFormat, bool) {
	switch ext {
	case "png":
		return PNG, true
	case "jpg", "jpeg":
		return JPEG, true
	case "gif":
		return GIF, true
	case "webp":
		return WebP, true
	case "pbf":
		return PBF, true
	case "geojson":
		return GeoJSON, true
	default:
		return "", false
	}
}

// TileExtensions lists the extensions a stored tile file may carry,
// in sniffing-priority order.
var TileExtensions = []string{"png", "jpg", "jpeg", "webp", "gif", "pbf"}

// IsFullyTransparentPNG reports whether data is a PNG whose every pixel
// has zero alpha. Non-PNG payloads and undecodable bodies report false.
func IsFullyTransparentPNG(data []byte) bool {
	if Sniff(data) != PNG {
		return false
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return false
	}

	switch im := img.(type) {
	case *image.NRGBA:
		for i := 3; i < len(im.Pix); i += 4 {
			if im.Pix[i] != 0 {
				return false
			}
		}
		return true
	case *image.RGBA:
		for i := 3; i < len(im.Pix); i += 4 {
			if im.Pix[i] != 0 {
				return false
			}
		}
		return true
	default:
		bounds := img.Bounds()
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
					return false
				}
			}
		}
		return true
	}
}
