// Package train fine-tunes a model's head on a batch stream and measures it
// on a held-out stream.
package train

import (
	"context"
	"iter"
	"math/rand"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/freshness-api/internal/dataset"
	"github.com/Brownie44l1/freshness-api/internal/model"
)

var (
	// ErrBusy is returned when a model is already being trained.
	ErrBusy = errors.New("model is already being trained")
	// ErrNoData is returned when a pass produced no usable batches.
	ErrNoData = errors.New("no decodable batches")
)

// Sequence is a restartable source of batches; pass selects the epoch.
type Sequence interface {
	Batches(pass int) iter.Seq2[dataset.Batch, error]
}

// Config holds the optimization settings.
type Config struct {
	Epochs       int
	LearningRate float64
	// Seed drives the dropout masks; 0 seeds from the clock.
	Seed int64
}

// Trainer runs supervised fine-tuning of a model head.
type Trainer struct {
	cfg    Config
	logger *zap.Logger

	// OnEpoch, if set, is called after every completed epoch.
	OnEpoch func(EpochRecord)
}

// New validates cfg and returns a Trainer.
func New(cfg Config, logger *zap.Logger) (*Trainer, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.Wrapf(model.ErrConfiguration, "epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.LearningRate <= 0 {
		return nil, errors.Wrapf(model.ErrConfiguration, "learning rate must be positive, got %g", cfg.LearningRate)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{cfg: cfg, logger: logger}, nil
}

// Fit trains m.Head for cfg.Epochs passes over training, evaluating on
// validation after each pass. The backbone is only read. Batches carrying a
// DecodeWarning are logged and skipped.
func (t *Trainer) Fit(ctx context.Context, m *model.Model, training, validation Sequence) (*History, error) {
	if !m.TryLockTraining() {
		return nil, ErrBusy
	}
	defer m.UnlockTraining()

	seed := t.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	opt := NewAdam(t.cfg.LearningRate)
	history := &History{}

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		started := time.Now()

		var losses []float64
		var correct, seen int
		for batch, err := range training.Batches(epoch) {
			if err := ctx.Err(); err != nil {
				return history, errors.Wrapf(err, "training stopped in epoch %d", epoch+1)
			}
			if err != nil {
				if skip(t.logger, err) {
					continue
				}
				return history, err
			}

			xs, err := embed(m, batch)
			if err != nil {
				return history, err
			}
			grads, loss, ok := m.Head.Gradients(xs, batch.Labels, rng)
			opt.Step(m.Head.Params(), grads)

			losses = append(losses, loss)
			correct += ok
			seen += batch.Len()
		}
		if seen == 0 {
			return history, errors.Wrapf(ErrNoData, "training epoch %d", epoch+1)
		}

		val, err := evaluate(m, validation, t.logger)
		if err != nil {
			return history, err
		}

		trainLoss, _ := stats.Mean(losses)
		record := EpochRecord{
			Epoch:         epoch + 1,
			TrainLoss:     trainLoss,
			TrainAccuracy: float64(correct) / float64(seen),
			ValLoss:       val.Loss,
			ValAccuracy:   val.Accuracy,
		}
		history.append(record)

		t.logger.Info("epoch complete",
			zap.Int("epoch", record.Epoch),
			zap.Int("of", t.cfg.Epochs),
			zap.Float64("loss", record.TrainLoss),
			zap.Float64("accuracy", record.TrainAccuracy),
			zap.Float64("val_loss", record.ValLoss),
			zap.Float64("val_accuracy", record.ValAccuracy),
			zap.Duration("took", time.Since(started)))
		if t.OnEpoch != nil {
			t.OnEpoch(record)
		}
	}
	return history, nil
}

func embed(m *model.Model, batch dataset.Batch) ([][]float64, error) {
	xs := make([][]float64, len(batch.Pixels))
	for i, px := range batch.Pixels {
		x, err := m.Embed(px)
		if err != nil {
			return nil, errors.Wrapf(err, "extract features for %s", batch.Paths[i])
		}
		xs[i] = x
	}
	return xs, nil
}

// skip reports whether err is a per-batch decode problem, logging it if so.
func skip(logger *zap.Logger, err error) bool {
	var warning *dataset.DecodeWarning
	if !errors.As(err, &warning) {
		return false
	}
	logger.Warn("skipping batch with undecodable image",
		zap.String("path", warning.Path), zap.Error(warning.Err))
	return true
}
