// Package composite assembles overview tiles: four child tiles are laid
// out in a 2x2 mosaic and scaled back down to a single parent tile.
package composite

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/gift"
	"github.com/gen2brain/webp"
	xwebp "golang.org/x/image/webp"

	"github.com/lqh2307/tileserver-gl-sub003/internal/format"
)

// Quadrant positions inside the 2x2 mosaic.
const (
	TopLeft = iota
	TopRight
	BottomLeft
	BottomRight
)

// Compose4To1 merges four child tile payloads into one parent tile of
// width x height pixels. Children are indexed by the quadrant
// constants; a nil child leaves its quadrant transparent. The output is
// encoded in outFormat, which must be a raster format.
func Compose4To1(children [4][]byte, width, height int, outFormat format.TileFormat) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("tile size %dx%d must be positive", width, height)
	}

	mosaic := image.NewNRGBA(image.Rect(0, 0, 2*width, 2*height))

	offsets := [4]image.Point{
		{0, 0},
		{width, 0},
		{0, height},
		{width, height},
	}
	for i, data := range children {
		if data == nil {
			continue
		}
		img, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode child %d: %w", i, err)
		}

		rect := image.Rectangle{Min: offsets[i], Max: offsets[i].Add(image.Pt(width, height))}
		draw.Draw(mosaic, rect, resizeIfNeeded(img, width, height), image.Point{}, draw.Src)
	}

	g := gift.New(gift.Resize(width, height, gift.LanczosResampling))
	parent := image.NewNRGBA(g.Bounds(mosaic.Bounds()))
	g.Draw(parent, mosaic)

	return encode(parent, outFormat)
}

// resizeIfNeeded scales a child whose pixel size differs from the
// expected tile size, so mixed-resolution pyramids still compose.
func resizeIfNeeded(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	g := gift.New(gift.Resize(width, height, gift.LanczosResampling))
	dst := image.NewNRGBA(g.Bounds(b))
	g.Draw(dst, img)
	return dst
}

// Size returns the pixel dimensions of a raster tile payload.
func Size(data []byte) (int, int, error) {
	img, err := decode(data)
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

func decode(data []byte) (image.Image, error) {
	switch format.Sniff(data) {
	case format.PNG:
		return png.Decode(bytes.NewReader(data))
	case format.JPEG:
		return jpeg.Decode(bytes.NewReader(data))
	case format.GIF:
		return gif.Decode(bytes.NewReader(data))
	case format.WebP:
		return xwebp.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("payload is not a raster tile")
	}
}

func encode(img image.Image, f format.TileFormat) ([]byte, error) {
	var buf bytes.Buffer
	switch f {
	case format.PNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode png: %w", err)
		}
	case format.JPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil, fmt.Errorf("failed to encode jpeg: %w", err)
		}
	case format.GIF:
		if err := gif.Encode(&buf, img, nil); err != nil {
			return nil, fmt.Errorf("failed to encode gif: %w", err)
		}
	case format.WebP:
		if err := webp.Encode(&buf, img, webp.Options{Quality: 90}); err != nil {
			return nil, fmt.Errorf("failed to encode webp: %w", err)
		}
	default:
		return nil, fmt.Errorf("cannot compose %s tiles", f)
	}
	return buf.Bytes(), nil
}
