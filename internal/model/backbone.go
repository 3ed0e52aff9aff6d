package model

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// BackboneSpec describes a feature extractor: how to reopen it and the
// shape of the feature map it produces.
type BackboneSpec struct {
	Kind       string `json:"kind"`
	InputSize  int    `json:"input_size"` // 0 accepts any resolution
	InputName  string `json:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty"`
	Channels   int    `json:"channels"`
	Height     int    `json:"height"`
	Width      int    `json:"width"`
}

// FeatureExtractor is a pretrained, read-only image feature extractor.
// Extract receives a preprocessed [C][H][W] image of the given size and
// returns a Channels*Height*Width feature map in channel-major order.
type FeatureExtractor interface {
	Spec() BackboneSpec
	Extract(pixels []float32, size int) ([]float32, error)
	// MarshalBinary returns everything needed to reopen the extractor
	// through OpenBackbone.
	MarshalBinary() ([]byte, error)
}

// BackboneFactory reopens a serialized extractor.
type BackboneFactory func(spec BackboneSpec, data []byte) (FeatureExtractor, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]BackboneFactory{}
)

// RegisterBackbone makes a backbone kind available to OpenBackbone.
func RegisterBackbone(kind string, factory BackboneFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// BackboneKinds lists the registered backbone kinds.
func BackboneKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// OpenBackbone reopens an extractor previously produced by MarshalBinary.
func OpenBackbone(spec BackboneSpec, data []byte) (FeatureExtractor, error) {
	registryMu.RLock()
	factory, ok := registry[spec.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrConfiguration, "unknown backbone kind %q", spec.Kind)
	}
	return factory(spec, data)
}

func init() {
	RegisterBackbone(ColorGridKind, func(spec BackboneSpec, data []byte) (FeatureExtractor, error) {
		if len(data) != 4 {
			return nil, errors.Wrap(ErrConfiguration, "color grid backbone expects a 4 byte cell count")
		}
		return NewColorGrid(int(binary.LittleEndian.Uint32(data)))
	})
}

// ColorGridKind identifies the ColorGrid backbone.
const ColorGridKind = "grid"

// ColorGrid is a parameter-free extractor that splits the image into
// Cells x Cells regions and reports the per-channel mean and standard
// deviation of each region. Its map has 2*Channels planes.
type ColorGrid struct {
	Cells int
}

// NewColorGrid returns a ColorGrid with the given number of cells per side.
func NewColorGrid(cells int) (*ColorGrid, error) {
	if cells <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "grid cells must be positive, got %d", cells)
	}
	return &ColorGrid{Cells: cells}, nil
}

func (g *ColorGrid) Spec() BackboneSpec {
	return BackboneSpec{
		Kind:     ColorGridKind,
		Channels: 2 * Channels,
		Height:   g.Cells,
		Width:    g.Cells,
	}
}

func (g *ColorGrid) Extract(pixels []float32, size int) ([]float32, error) {
	if size < g.Cells {
		return nil, errors.Wrapf(ErrConfiguration, "image size %d smaller than grid %d", size, g.Cells)
	}
	if len(pixels) != Channels*size*size {
		return nil, errors.Errorf("expected %d pixel values, got %d", Channels*size*size, len(pixels))
	}

	plane := size * size
	cells := g.Cells * g.Cells
	out := make([]float32, 2*Channels*cells)
	for cy := 0; cy < g.Cells; cy++ {
		y0, y1 := cy*size/g.Cells, (cy+1)*size/g.Cells
		for cx := 0; cx < g.Cells; cx++ {
			x0, x1 := cx*size/g.Cells, (cx+1)*size/g.Cells
			n := float64((y1 - y0) * (x1 - x0))
			for c := 0; c < Channels; c++ {
				var sum, sq float64
				for y := y0; y < y1; y++ {
					row := pixels[c*plane+y*size : c*plane+(y+1)*size]
					for x := x0; x < x1; x++ {
						v := float64(row[x])
						sum += v
						sq += v * v
					}
				}
				mean := sum / n
				variance := sq/n - mean*mean
				if variance < 0 {
					variance = 0
				}
				cell := cy*g.Cells + cx
				out[c*cells+cell] = float32(mean)
				out[(Channels+c)*cells+cell] = float32(math.Sqrt(variance))
			}
		}
	}
	return out, nil
}

func (g *ColorGrid) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(g.Cells))
	return buf, nil
}
