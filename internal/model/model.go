package model

import (
	"sync"

	"github.com/pkg/errors"
)

// Model is a frozen feature extractor followed by a trainable head. Only
// Head is ever mutated; Backbone is shared read-only.
type Model struct {
	Backbone   FeatureExtractor
	Head       *Head
	Resolution int
	// Classes names label 0 and label 1, in that order.
	Classes []string

	training sync.Mutex
}

// Build composes backbone with a freshly initialized head for images of
// resolution x resolution pixels.
func Build(backbone FeatureExtractor, resolution int, classes []string, cfg HeadConfig) (*Model, error) {
	if backbone == nil {
		return nil, errors.Wrap(ErrConfiguration, "backbone is required")
	}
	if resolution <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "resolution must be positive, got %d", resolution)
	}
	if len(classes) != 2 {
		return nil, errors.Wrapf(ErrConfiguration, "binary model needs exactly 2 classes, got %d", len(classes))
	}

	spec := backbone.Spec()
	if spec.InputSize > 0 && spec.InputSize != resolution {
		return nil, errors.Wrapf(ErrConfiguration, "backbone %s expects %dpx input, configured %dpx",
			spec.Kind, spec.InputSize, resolution)
	}
	if spec.InputSize == 0 && resolution < spec.Height {
		return nil, errors.Wrapf(ErrConfiguration, "resolution %d below backbone feature height %d",
			resolution, spec.Height)
	}
	if spec.Channels <= 0 || spec.Height <= 0 || spec.Width <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "backbone %s reports invalid feature shape %dx%dx%d",
			spec.Kind, spec.Channels, spec.Height, spec.Width)
	}

	head, err := NewHead(spec.Channels, cfg)
	if err != nil {
		return nil, err
	}
	return &Model{
		Backbone:   backbone,
		Head:       head,
		Resolution: resolution,
		Classes:    append([]string(nil), classes...),
	}, nil
}

// TryLockTraining claims exclusive mutation rights over the head. It
// returns false while another training run holds them.
func (m *Model) TryLockTraining() bool {
	return m.training.TryLock()
}

// UnlockTraining releases the claim taken by TryLockTraining.
func (m *Model) UnlockTraining() {
	m.training.Unlock()
}

// Embed runs the backbone over preprocessed pixels and pools the result.
func (m *Model) Embed(pixels []float32) ([]float64, error) {
	spec := m.Backbone.Spec()
	features, err := m.Backbone.Extract(pixels, m.Resolution)
	if err != nil {
		return nil, err
	}
	if want := spec.Channels * spec.Height * spec.Width; len(features) != want {
		return nil, errors.Errorf("backbone returned %d features, expected %d", len(features), want)
	}
	return Pool(features, spec), nil
}

// Predict returns the probability that pixels belong to Classes[1].
func (m *Model) Predict(pixels []float32) (float64, error) {
	x, err := m.Embed(pixels)
	if err != nil {
		return 0, err
	}
	return m.Head.Predict(x), nil
}

// Label maps a probability to the winning class name and its confidence.
func (m *Model) Label(p float64) (string, float64) {
	if p >= 0.5 {
		return m.Classes[1], p
	}
	return m.Classes[0], 1 - p
}
