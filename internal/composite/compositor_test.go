package composite

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/lqh2307/tileserver-gl-sub003/internal/format"
	"github.com/stretchr/testify/require"
)

func solidPNG(t *testing.T, size int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestCompose4To1Quadrants(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}

	children := [4][]byte{
		TopLeft:     solidPNG(t, 8, red),
		TopRight:    solidPNG(t, 8, blue),
		BottomLeft:  solidPNG(t, 8, blue),
		BottomRight: solidPNG(t, 8, red),
	}

	data, err := Compose4To1(children, 8, 8, format.PNG)
	require.NoError(t, err)
	require.Equal(t, format.PNG, format.Sniff(data))

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 8, img.Bounds().Dx())
	require.Equal(t, 8, img.Bounds().Dy())

	// Quadrant centers keep their child's color.
	r, _, b, _ := img.At(2, 2).RGBA()
	require.Greater(t, r, b, "top-left should be red")
	r, _, b, _ = img.At(6, 2).RGBA()
	require.Greater(t, b, r, "top-right should be blue")
}

func TestCompose4To1MissingChildrenTransparent(t *testing.T) {
	children := [4][]byte{TopLeft: solidPNG(t, 8, color.NRGBA{G: 255, A: 255})}

	data, err := Compose4To1(children, 8, 8, format.PNG)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	_, _, _, a := img.At(6, 6).RGBA()
	require.Zero(t, a, "empty quadrant should stay transparent")
	_, _, _, a = img.At(1, 1).RGBA()
	require.NotZero(t, a, "filled quadrant should be opaque")
}

func TestCompose4To1MixedResolution(t *testing.T) {
	children := [4][]byte{
		TopLeft:  solidPNG(t, 16, color.NRGBA{R: 255, A: 255}),
		TopRight: solidPNG(t, 8, color.NRGBA{B: 255, A: 255}),
	}
	data, err := Compose4To1(children, 8, 8, format.PNG)
	require.NoError(t, err)
	require.Equal(t, format.PNG, format.Sniff(data))
}

func TestCompose4To1OutputFormats(t *testing.T) {
	children := [4][]byte{TopLeft: solidPNG(t, 4, color.NRGBA{R: 128, G: 64, A: 255})}

	for _, f := range []format.TileFormat{format.PNG, format.JPEG, format.WebP, format.GIF} {
		data, err := Compose4To1(children, 4, 4, f)
		require.NoError(t, err, "format %s", f)
		require.Equal(t, f, format.Sniff(data), "format %s", f)
	}
}

func TestCompose4To1RejectsVector(t *testing.T) {
	_, err := Compose4To1([4][]byte{}, 8, 8, format.PBF)
	require.Error(t, err)
}

func TestCompose4To1RejectsBadChild(t *testing.T) {
	children := [4][]byte{TopLeft: []byte{0x1A, 0x00}}
	_, err := Compose4To1(children, 8, 8, format.PNG)
	require.Error(t, err)
}

func TestCompose4To1RejectsBadSize(t *testing.T) {
	_, err := Compose4To1([4][]byte{}, 0, 8, format.PNG)
	require.Error(t, err)
}
