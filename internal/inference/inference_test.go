package inference

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/freshness-api/internal/artifact"
	"github.com/Brownie44l1/freshness-api/internal/model"
)

type fixedClassifier struct {
	result ClassificationResult
	err    error
}

func (f fixedClassifier) Classify(context.Context, image.Image) (ClassificationResult, error) {
	return f.result, f.err
}

func fixed(result ClassificationResult, err error) Loader {
	return func() (Classifier, error) { return fixedClassifier{result, err}, nil }
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecideScenarios(t *testing.T) {
	cases := []struct {
		name   string
		label  string
		score  float64
		rotten bool
		branch Branch
	}{
		{"fresh apple", "Fresh Apple", 0.92, false, BranchFreshKeyword},
		{"moldy banana overrides score", "Moldy Banana", 0.99, true, BranchRottenKeyword},
		{"unknown low confidence", "Unidentified Object", 0.40, true, BranchThreshold},
		{"unknown high confidence", "Unidentified Object", 0.85, false, BranchThreshold},
		{"fresh keyword ignores low score", "ripe mango", 0.05, false, BranchFreshKeyword},
		{"rotten wins over fresh", "Fresh-looking but ROTTEN pear", 0.9, true, BranchRottenKeyword},
		{"threshold boundary is fresh", "granny smith", 0.7, false, BranchThreshold},
		{"just under threshold", "granny smith", 0.6999, true, BranchThreshold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, branch := Explain(ClassificationResult{Label: tc.label, Score: tc.score})
			assert.Equal(t, tc.rotten, v.IsRotten)
			assert.Equal(t, tc.branch, branch)
			assert.Equal(t, tc.label, v.Label)
			assert.Equal(t, tc.score, v.Score)
			assert.False(t, v.Degraded)
		})
	}
}

func TestDecideIsPureAndTotal(t *testing.T) {
	labels := []string{"", "apple", "Rotten", "HEALTHY leaf", "bad", "goodness", "orange"}
	for _, label := range labels {
		for score := 0.0; score <= 1.0; score += 0.05 {
			r := ClassificationResult{Label: label, Score: score}
			v1, b1 := Explain(r)
			v2, b2 := Explain(r)
			assert.Equal(t, v1, v2)
			assert.Equal(t, b1, b2)
			assert.Contains(t, []Branch{BranchRottenKeyword, BranchFreshKeyword, BranchThreshold}, b1)
			assert.Equal(t, v1, Decide(r))
		}
	}
}

func TestAnalyzeSucceeds(t *testing.T) {
	e := NewEngine(fixed(ClassificationResult{Label: "Fresh Apple", Score: 0.92}, nil))

	var states []State
	v := e.Analyze(context.Background(), pngBytes(t, color.White), func(s State) { states = append(states, s) })
	assert.Equal(t, Verdict{Label: "Fresh Apple", Score: 0.92}, v)
	assert.Equal(t, []State{StateIdle, StateClassifying, StateSucceeded, StateResolved}, states)
}

func TestAnalyzeDegradesOnFailure(t *testing.T) {
	failures := map[string]struct {
		load Loader
		data func(t *testing.T) []byte
	}{
		"classifier error": {
			load: fixed(ClassificationResult{}, errors.New("boom")),
			data: func(t *testing.T) []byte { return pngBytes(t, color.White) },
		},
		"load error": {
			load: func() (Classifier, error) { return nil, errors.New("weights missing") },
			data: func(t *testing.T) []byte { return pngBytes(t, color.White) },
		},
		"empty label": {
			load: fixed(ClassificationResult{Label: "  ", Score: 0.9}, nil),
			data: func(t *testing.T) []byte { return pngBytes(t, color.White) },
		},
		"invalid score": {
			load: fixed(ClassificationResult{Label: "apple", Score: math.NaN()}, nil),
			data: func(t *testing.T) []byte { return pngBytes(t, color.White) },
		},
		"undecodable upload": {
			load: fixed(ClassificationResult{Label: "apple", Score: 0.9}, nil),
			data: func(*testing.T) []byte { return []byte("definitely not an image") },
		},
	}
	for name, tc := range failures {
		t.Run(name, func(t *testing.T) {
			for _, flip := range []bool{true, false} {
				e := NewEngine(tc.load, WithCoin(func() bool { return flip }))
				var states []State
				v := e.Analyze(context.Background(), tc.data(t), func(s State) { states = append(states, s) })

				assert.Equal(t, PlaceholderLabel, v.Label)
				assert.Equal(t, 0.85, v.Score)
				assert.Equal(t, flip, v.IsRotten)
				assert.True(t, v.Degraded)
				assert.Equal(t, []State{StateIdle, StateClassifying, StateFailed, StateResolved}, states)
			}
		})
	}
}

type panicky struct{}

func (panicky) Classify(context.Context, image.Image) (ClassificationResult, error) {
	panic("segfault in native code")
}

func TestAnalyzeRecoversFromPanics(t *testing.T) {
	e := NewEngine(func() (Classifier, error) { return panicky{}, nil })
	v := e.Analyze(context.Background(), pngBytes(t, color.White), nil)
	assert.True(t, v.Degraded)
}

func TestClassifierLoadsOnceUnderConcurrency(t *testing.T) {
	var loads int32
	e := NewEngine(func() (Classifier, error) {
		atomic.AddInt32(&loads, 1)
		return fixedClassifier{result: ClassificationResult{Label: "good lemon", Score: 0.5}}, nil
	})

	data := pngBytes(t, color.White)
	var wg sync.WaitGroup
	verdicts := make([]Verdict, 32)
	for i := range verdicts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdicts[i] = e.Analyze(context.Background(), data, nil)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&loads))
	for _, v := range verdicts {
		assert.False(t, v.IsRotten)
		assert.False(t, v.Degraded)
	}
}

func TestFailedLoadIsRetried(t *testing.T) {
	var loads int32
	e := NewEngine(func() (Classifier, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			return nil, errors.New("not yet")
		}
		return fixedClassifier{result: ClassificationResult{Label: "fresh", Score: 1}}, nil
	})
	data := pngBytes(t, color.White)

	assert.True(t, e.Analyze(context.Background(), data, nil).Degraded)
	assert.False(t, e.Analyze(context.Background(), data, nil).Degraded)
	assert.EqualValues(t, 2, loads)
}

func TestArtifactLoaderClassifiesWithTrainedClasses(t *testing.T) {
	grid, err := model.NewColorGrid(2)
	require.NoError(t, err)
	m, err := model.Build(grid, 8, []string{"fresh", "rotten"}, model.HeadConfig{Hidden: 4, Dropout: 0.3, Seed: 5})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "m.frm")
	require.NoError(t, artifact.Save(m, path))

	e := NewEngine(LoadArtifact(path))
	v := e.Analyze(context.Background(), pngBytes(t, color.RGBA{G: 255, A: 255}), nil)
	require.False(t, v.Degraded)
	assert.Contains(t, []string{"fresh", "rotten"}, v.Label)
	assert.Equal(t, v.Label == "rotten", v.IsRotten)
	assert.GreaterOrEqual(t, v.Score, 0.5)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "classifying", StateClassifying.String())
	assert.Equal(t, "threshold", BranchThreshold.String())
}

func TestLoaderFor(t *testing.T) {
	load, err := LoaderFor(KindArtifact, filepath.Join(t.TempDir(), "missing.frm"), "")
	require.NoError(t, err)
	_, err = load()
	assert.True(t, errors.Is(err, artifact.ErrIO))

	_, err = LoaderFor(KindONNX, "m.onnx", "m.json")
	assert.NoError(t, err)

	_, err = LoaderFor("tflite", "", "")
	assert.True(t, errors.Is(err, model.ErrConfiguration))
}

func TestPanickingLoadIsAFailedLoad(t *testing.T) {
	e := NewEngine(func() (Classifier, error) { panic("makeslice: len out of range") })

	var err error
	require.NotPanics(t, func() { _, err = e.Classifier() })
	assert.True(t, errors.Is(err, ErrClassifier), "got %v", err)
	assert.True(t, e.Analyze(context.Background(), pngBytes(t, color.White), nil).Degraded)
}
