package model

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(c color.Color, size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPreprocessNormalizesPlanarRGB(t *testing.T) {
	pixels := Preprocess(solid(color.RGBA{R: 255, A: 255}, 20), 8)
	require.Len(t, pixels, 3*8*8)

	for i, v := range pixels {
		assert.True(t, v >= 0 && v <= 1, "pixel %d out of range: %v", i, v)
	}
	assert.InDelta(t, 1.0, pixels[0], 1e-3)
	assert.InDelta(t, 0.0, pixels[64], 1e-3)
	assert.InDelta(t, 0.0, pixels[128], 1e-3)
}

func TestDecodeRejectsOversizedImages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(color.White, 100)))
	t.Cleanup(func() { SetMaxPixels(0) })

	img, format, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 100, img.Bounds().Dx())

	SetMaxPixels(50 * 50)
	_, _, err = Decode(buf.Bytes())
	assert.True(t, errors.Is(err, ErrImageTooLarge), "got %v", err)

	_, _, err = Decode([]byte("not an image"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrImageTooLarge))
}

func TestColorGridExtract(t *testing.T) {
	grid, err := NewColorGrid(2)
	require.NoError(t, err)

	pixels := Preprocess(solid(color.RGBA{G: 255, A: 255}, 8), 8)
	features, err := grid.Extract(pixels, 8)
	require.NoError(t, err)

	spec := grid.Spec()
	require.Len(t, features, spec.Channels*spec.Height*spec.Width)

	pooled := Pool(features, spec)
	assert.InDelta(t, 0, pooled[0], 1e-3)
	assert.InDelta(t, 1, pooled[1], 1e-3)
	assert.InDelta(t, 0, pooled[2], 1e-3)
	for _, std := range pooled[3:] {
		assert.InDelta(t, 0, std, 1e-3)
	}

	_, err = grid.Extract(pixels, 1)
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestOpenBackboneRoundTrip(t *testing.T) {
	grid, err := NewColorGrid(5)
	require.NoError(t, err)
	data, err := grid.MarshalBinary()
	require.NoError(t, err)

	reopened, err := OpenBackbone(grid.Spec(), data)
	require.NoError(t, err)
	assert.Equal(t, grid.Spec(), reopened.Spec())

	_, err = OpenBackbone(BackboneSpec{Kind: "nope"}, nil)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Contains(t, BackboneKinds(), ColorGridKind)
	assert.Contains(t, BackboneKinds(), ONNXKind)
}

func TestBuildValidates(t *testing.T) {
	grid, err := NewColorGrid(4)
	require.NoError(t, err)
	classes := []string{"fresh", "rotten"}

	cases := []struct {
		name       string
		backbone   FeatureExtractor
		resolution int
		classes    []string
		cfg        HeadConfig
	}{
		{"nil backbone", nil, 32, classes, DefaultHeadConfig()},
		{"zero resolution", grid, 0, classes, DefaultHeadConfig()},
		{"negative resolution", grid, -4, classes, DefaultHeadConfig()},
		{"resolution below grid", grid, 2, classes, DefaultHeadConfig()},
		{"three classes", grid, 32, []string{"a", "b", "c"}, DefaultHeadConfig()},
		{"zero hidden", grid, 32, classes, HeadConfig{Hidden: 0, Dropout: 0.3}},
		{"dropout one", grid, 32, classes, HeadConfig{Hidden: 8, Dropout: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.backbone, tc.resolution, tc.classes, tc.cfg)
			assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
		})
	}

	m, err := Build(grid, 32, classes, HeadConfig{Hidden: 16, Dropout: 0.3, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, 6, m.Head.In)
	assert.Equal(t, 6*16+2*16+1, m.Head.NumParams())
}

func TestSeededHeadIsReproducible(t *testing.T) {
	a, err := NewHead(6, HeadConfig{Hidden: 8, Dropout: 0.3, Seed: 42})
	require.NoError(t, err)
	b, err := NewHead(6, HeadConfig{Hidden: 8, Dropout: 0.3, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, a.Params(), b.Params())
}

func TestHeadGradientsMatchFiniteDifferences(t *testing.T) {
	h, err := NewHead(3, HeadConfig{Hidden: 4, Dropout: 0, Seed: 3})
	require.NoError(t, err)
	// keep every hidden unit active so the loss is smooth around the point
	for j := range h.B1 {
		h.B1[j] = 3
	}

	xs := [][]float64{{0.2, 0.5, 0.1}, {0.9, 0.3, 0.7}}
	ys := []float64{0, 1}
	grads, _, _ := h.Gradients(xs, ys, rand.New(rand.NewSource(1)))

	meanLoss := func() float64 {
		var sum float64
		for k, x := range xs {
			sum += BinaryCrossEntropy(h.Predict(x), ys[k])
		}
		return sum / float64(len(xs))
	}

	const step = 1e-6
	for p, param := range h.Params() {
		for i := range param {
			orig := param[i]
			param[i] = orig + step
			up := meanLoss()
			param[i] = orig - step
			down := meanLoss()
			param[i] = orig
			numeric := (up - down) / (2 * step)
			assert.InDelta(t, numeric, grads[p][i], 1e-5, "param %d[%d]", p, i)
		}
	}
}

func TestBinaryCrossEntropyClamps(t *testing.T) {
	assert.False(t, math.IsInf(BinaryCrossEntropy(0, 1), 0))
	assert.InDelta(t, 0, BinaryCrossEntropy(1, 1), 1e-6)
	assert.InDelta(t, math.Log(2), BinaryCrossEntropy(0.5, 0), 1e-9)
}

func TestLabel(t *testing.T) {
	m := &Model{Classes: []string{"fresh", "rotten"}}
	label, score := m.Label(0.8)
	assert.Equal(t, "rotten", label)
	assert.InDelta(t, 0.8, score, 1e-9)

	label, score = m.Label(0.1)
	assert.Equal(t, "fresh", label)
	assert.InDelta(t, 0.9, score, 1e-9)
}

func TestTrainingLockIsExclusive(t *testing.T) {
	m := &Model{}
	require.True(t, m.TryLockTraining())
	assert.False(t, m.TryLockTraining())
	m.UnlockTraining()
	assert.True(t, m.TryLockTraining())
}

func TestSoftmax(t *testing.T) {
	v := []float32{1, 2, 3}
	softmax(v)
	var sum float32
	for _, x := range v {
		sum += x
	}
	assert.InDelta(t, 1, sum, 1e-5)
	assert.True(t, v[2] > v[1] && v[1] > v[0])
}
