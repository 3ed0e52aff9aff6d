package model

import (
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultHidden is the width of the head's hidden dense layer.
	DefaultHidden = 128
	// DefaultDropout is the fraction of hidden units dropped while training.
	DefaultDropout = 0.3

	epsilon = 1e-7
)

// HeadConfig configures a new classification head.
type HeadConfig struct {
	Hidden  int
	Dropout float64
	// Seed fixes the weight initialization; 0 seeds from the clock.
	Seed int64
}

// DefaultHeadConfig returns dense(128) with dropout 0.3.
func DefaultHeadConfig() HeadConfig {
	return HeadConfig{Hidden: DefaultHidden, Dropout: DefaultDropout}
}

// Head is the trainable classifier: global average pooling, dense-relu,
// dropout, dense-sigmoid with a single output.
type Head struct {
	In      int
	Hidden  int
	Dropout float64

	W1 []float64 // Hidden rows of In weights
	B1 []float64
	W2 []float64
	B2 []float64
}

// NewHead allocates a head over In pooled features with Glorot-uniform weights
// and zero biases.
func NewHead(in int, cfg HeadConfig) (*Head, error) {
	if in <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "head input width must be positive, got %d", in)
	}
	if cfg.Hidden <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "hidden units must be positive, got %d", cfg.Hidden)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, errors.Wrapf(ErrConfiguration, "dropout must be in [0,1), got %g", cfg.Dropout)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	h := &Head{
		In:      in,
		Hidden:  cfg.Hidden,
		Dropout: cfg.Dropout,
		W1:      make([]float64, cfg.Hidden*in),
		B1:      make([]float64, cfg.Hidden),
		W2:      make([]float64, cfg.Hidden),
		B2:      make([]float64, 1),
	}
	glorot(rng, h.W1, in, cfg.Hidden)
	glorot(rng, h.W2, cfg.Hidden, 1)
	return h, nil
}

func glorot(rng *rand.Rand, w []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}

// Params returns the head's parameter tensors in a fixed order: W1, B1, W2, B2.
func (h *Head) Params() [][]float64 {
	return [][]float64{h.W1, h.B1, h.W2, h.B2}
}

// NumParams is the total number of scalar parameters.
func (h *Head) NumParams() int {
	return h.Hidden*h.In + 2*h.Hidden + 1
}

// Pool averages each channel of a [C][H][W] feature map.
func Pool(features []float32, spec BackboneSpec) []float64 {
	plane := spec.Height * spec.Width
	out := make([]float64, spec.Channels)
	for c := range out {
		var sum float64
		for _, v := range features[c*plane : (c+1)*plane] {
			sum += float64(v)
		}
		out[c] = sum / float64(plane)
	}
	return out
}

// Predict returns the sigmoid output for pooled features with dropout
// disabled.
func (h *Head) Predict(x []float64) float64 {
	_, _, p := h.forward(x, nil)
	return p
}

// forward returns the hidden pre-activations, the post-dropout hidden
// activations and the output probability. A nil mask disables dropout.
func (h *Head) forward(x []float64, mask []float64) (pre, act []float64, p float64) {
	pre = make([]float64, h.Hidden)
	act = make([]float64, h.Hidden)
	z := h.B2[0]
	for j := 0; j < h.Hidden; j++ {
		row := h.W1[j*h.In : (j+1)*h.In]
		s := h.B1[j]
		for i, v := range x {
			s += row[i] * v
		}
		pre[j] = s
		if s > 0 {
			act[j] = s
		}
		if mask != nil {
			act[j] *= mask[j]
		}
		z += h.W2[j] * act[j]
	}
	return pre, act, sigmoid(z)
}

// Gradients runs a training forward/backward pass over a batch. It returns
// gradients shaped like Params, the mean binary cross-entropy and the
// number of correct predictions. rng draws the dropout masks.
func (h *Head) Gradients(xs [][]float64, ys []float64, rng *rand.Rand) ([][]float64, float64, int) {
	grads := [][]float64{
		make([]float64, len(h.W1)),
		make([]float64, len(h.B1)),
		make([]float64, len(h.W2)),
		make([]float64, len(h.B2)),
	}
	if len(xs) == 0 {
		return grads, 0, 0
	}
	gW1, gB1, gW2, gB2 := grads[0], grads[1], grads[2], grads[3]

	keep := 1 - h.Dropout
	mask := make([]float64, h.Hidden)
	n := float64(len(xs))

	var loss float64
	var correct int
	for k, x := range xs {
		for j := range mask {
			mask[j] = 0
			if h.Dropout == 0 || rng.Float64() < keep {
				mask[j] = 1 / keep
			}
		}
		pre, act, p := h.forward(x, mask)
		y := ys[k]
		loss += BinaryCrossEntropy(p, y)
		if (p >= 0.5) == (y >= 0.5) {
			correct++
		}

		dz := (p - y) / n
		gB2[0] += dz
		for j := 0; j < h.Hidden; j++ {
			gW2[j] += dz * act[j]
			if pre[j] <= 0 || mask[j] == 0 {
				continue
			}
			d := dz * h.W2[j] * mask[j]
			gB1[j] += d
			row := gW1[j*h.In : (j+1)*h.In]
			for i, v := range x {
				row[i] += d * v
			}
		}
	}
	return grads, loss / n, correct
}

// BinaryCrossEntropy is the loss of predicting probability p for label y,
// with p clamped away from 0 and 1.
func BinaryCrossEntropy(p, y float64) float64 {
	p = math.Min(math.Max(p, epsilon), 1-epsilon)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
