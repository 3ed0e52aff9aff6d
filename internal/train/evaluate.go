package train

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/freshness-api/internal/model"
)

// Metrics is a mean loss and accuracy over a number of samples.
type Metrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	Samples  int     `json:"samples"`
}

// Evaluate runs one pass over validation without dropout or updates. For a
// fixed model and a stream with stable order the result is deterministic.
func Evaluate(m *model.Model, validation Sequence, logger *zap.Logger) (Metrics, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return evaluate(m, validation, logger)
}

func evaluate(m *model.Model, validation Sequence, logger *zap.Logger) (Metrics, error) {
	var loss float64
	var correct, seen int
	for batch, err := range validation.Batches(0) {
		if err != nil {
			if skip(logger, err) {
				continue
			}
			return Metrics{}, err
		}
		xs, err := embed(m, batch)
		if err != nil {
			return Metrics{}, err
		}
		for i, x := range xs {
			p := m.Head.Predict(x)
			y := batch.Labels[i]
			loss += model.BinaryCrossEntropy(p, y)
			if (p >= 0.5) == (y >= 0.5) {
				correct++
			}
		}
		seen += len(xs)
	}
	if seen == 0 {
		return Metrics{}, errors.Wrap(ErrNoData, "validation")
	}
	return Metrics{
		Loss:     loss / float64(seen),
		Accuracy: float64(correct) / float64(seen),
		Samples:  seen,
	}, nil
}
