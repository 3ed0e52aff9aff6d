package artifact

import (
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/freshness-api/internal/model"
)

func trainedModel(t *testing.T) *model.Model {
	t.Helper()
	grid, err := model.NewColorGrid(3)
	require.NoError(t, err)
	m, err := model.Build(grid, 12, []string{"fresh", "rotten"}, model.HeadConfig{Hidden: 8, Dropout: 0.3, Seed: 11})
	require.NoError(t, err)
	return m
}

func testPixels(c color.Color) []float32 {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			if (x+y)%3 == 0 {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.RGBA{R: 30, G: 140, B: 60, A: 255})
			}
		}
	}
	return model.Preprocess(img, 12)
}

func TestRoundTripPreservesPredictions(t *testing.T) {
	m := trainedModel(t)
	path := filepath.Join(t.TempDir(), "models", "fresh.frm")
	require.NoError(t, Save(m, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Classes, loaded.Classes)
	assert.Equal(t, m.Resolution, loaded.Resolution)
	assert.Equal(t, m.Backbone.Spec(), loaded.Backbone.Spec())
	assert.Equal(t, m.Head.Params(), loaded.Head.Params())

	for _, c := range []color.Color{color.White, color.RGBA{R: 120, G: 70, B: 10, A: 255}} {
		px := testPixels(c)
		want, err := m.Predict(px)
		require.NoError(t, err)
		got, err := loaded.Predict(px)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.frm"))
	assert.True(t, errors.Is(err, ErrIO))
}

func TestLoadCorruptFiles(t *testing.T) {
	m := trainedModel(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.frm")
	require.NoError(t, Save(m, good))
	data, err := os.ReadFile(good)
	require.NoError(t, err)

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrIO},
		{"wrong magic", append([]byte("ONNX"), data[4:]...), ErrFormat},
		{"truncated payload", data[:len(data)-5], ErrIO},
		{"garbled header", func() []byte {
			d := append([]byte(nil), data...)
			d[10] = '#'
			return d
		}(), ErrIO},
		{"future version", func() []byte {
			d := append([]byte(nil), data...)
			binary.LittleEndian.PutUint16(d[4:6], 99)
			return d
		}(), ErrFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".frm")
			require.NoError(t, os.WriteFile(path, tc.data, 0o644))
			_, err := Load(path)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestLoadRejectsMismatchedArchitecture(t *testing.T) {
	m := trainedModel(t)
	m.Head.In = 4 // no longer matches the 6-plane grid backbone
	m.Head.W1 = m.Head.W1[:4*m.Head.Hidden]

	path := filepath.Join(t.TempDir(), "bad.frm")
	require.NoError(t, Save(m, path))
	_, err := Load(path)
	assert.True(t, errors.Is(err, ErrFormat), "got %v", err)
}

// rewriteHeader returns data with its JSON header edited by edit and the
// payload left untouched.
func rewriteHeader(t *testing.T, data []byte, edit func(*header)) []byte {
	t.Helper()
	n := int(binary.LittleEndian.Uint32(data[6:10]))
	var h header
	require.NoError(t, json.Unmarshal(data[10:10+n], &h))
	edit(&h)
	meta, err := json.Marshal(h)
	require.NoError(t, err)

	out := append([]byte(nil), data[:6]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(meta)))
	out = append(out, meta...)
	return append(out, data[10+n:]...)
}

func TestLoadChecksHeaderAgainstReopenedBackbone(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.frm")
	require.NoError(t, Save(trainedModel(t), good))
	data, err := os.ReadFile(good)
	require.NoError(t, err)

	cases := []struct {
		name string
		edit func(*header)
		want error
	}{
		{"head sized for a smaller backbone", func(h *header) {
			h.Backbone.Channels = 3
			h.Head.In = 3
		}, ErrFormat},
		{"feature map shape", func(h *header) { h.Backbone.Height = 5 }, ErrFormat},
		{"resolution below grid", func(h *header) { h.Resolution = 2 }, ErrFormat},
		{"oversized head", func(h *header) {
			h.Head.Hidden = 1 << 40
			h.Head.In = 1 << 20
			h.Backbone.Channels = 1 << 20
		}, ErrFormat},
		{"backbone size beyond payload", func(h *header) { h.BackboneBytes = 1 << 30 }, ErrIO},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, "edited.frm")
			require.NoError(t, os.WriteFile(path, rewriteHeader(t, data, tc.edit), 0o644))

			var err error
			require.NotPanics(t, func() { _, err = Load(path) })
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestSaveFailsOnUnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	err := Save(trainedModel(t), filepath.Join(blocker, "model.frm"))
	assert.True(t, errors.Is(err, ErrIO), "got %v", err)
}
