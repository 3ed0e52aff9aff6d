package model

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync/atomic"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Channels is the number of colour planes in a preprocessed image.
const Channels = 3

// DefaultMaxPixels is the largest width*height Decode accepts by default.
const DefaultMaxPixels = 40_000_000

// ErrImageTooLarge is returned by Decode for images above the pixel limit.
var ErrImageTooLarge = errors.New("image too large")

var maxPixels atomic.Int64

func init() {
	maxPixels.Store(DefaultMaxPixels)
}

// SetMaxPixels sets the pixel limit used by Decode; n <= 0 restores the
// default.
func SetMaxPixels(n int64) {
	if n <= 0 {
		n = DefaultMaxPixels
	}
	maxPixels.Store(n)
}

// Decode decodes JPEG, PNG or GIF bytes into an image. The dimensions are
// read first so oversized images are rejected before pixels are allocated.
func Decode(data []byte) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(err, "decode image")
	}
	if limit := maxPixels.Load(); cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > limit {
		return nil, "", errors.Wrapf(ErrImageTooLarge, "%dx%d exceeds %d pixels", cfg.Width, cfg.Height, limit)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(err, "decode image")
	}
	return img, format, nil
}

// Preprocess resizes img to size x size and returns planar RGB values
// normalized to [0,1], laid out as [C][H][W].
func Preprocess(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	pixels := make([]float32, Channels*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			i := y*width + x
			pixels[i] = float32(r) / 65535.0
			pixels[plane+i] = float32(g) / 65535.0
			pixels[2*plane+i] = float32(b) / 65535.0
		}
	}
	return pixels
}
