package cli

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/freshness-api/internal/artifact"
	"github.com/Brownie44l1/freshness-api/internal/config"
	"github.com/Brownie44l1/freshness-api/internal/dataset"
	"github.com/Brownie44l1/freshness-api/internal/model"
	"github.com/Brownie44l1/freshness-api/internal/report"
	"github.com/Brownie44l1/freshness-api/internal/store"
	"github.com/Brownie44l1/freshness-api/internal/train"
)

func (a *app) trainCmd() *cobra.Command {
	var warm bool

	cmd := &cobra.Command{
		Use:   "train [dataset-dir]",
		Short: "Fine-tune a fresh/rotten classifier on a directory of labeled images",
		Long: `Fine-tune the classification head on a directory holding one
subdirectory of images per class, then save the model and record the run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if len(args) == 1 {
				cfg.Dataset.Path = args[0]
			}
			if err := cfg.ValidateTraining(); err != nil {
				return err
			}

			s, err := store.New(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer s.Close()

			run, err := s.StartRun(cfg.Dataset.Path, cfg.Artifact.Path, a.settings(cfg))
			if err != nil {
				return err
			}
			a.logger.Info("training run started", zap.String("run", run.ID))

			metrics, history, err := a.train(cmd, cfg, s, run.ID, warm)
			if err != nil {
				if ferr := s.FailRun(run.ID, err); ferr != nil {
					a.logger.Warn("cannot record failed run", zap.Error(ferr))
				}
				return err
			}
			if err := s.FinishRun(run.ID, metrics.Loss, metrics.Accuracy); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\nRun:                 %s\n", run.ID)
			fmt.Fprintf(out, "Model saved to:      %s\n", cfg.Artifact.Path)
			fmt.Fprintf(out, "Validation loss:     %.4f\n", metrics.Loss)
			fmt.Fprintf(out, "Validation accuracy: %.2f%%\n", metrics.Accuracy*100)
			if summary, err := report.Summarize(history); err == nil {
				fmt.Fprintf(out, "Best epoch:          %d (%.2f%%)\n", summary.BestEpoch, summary.BestValAccuracy*100)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.Int("epochs", 0, "number of passes over the training images")
	f.Int("image-size", 0, "square resolution images are resized to")
	f.Int("batch-size", 0, "images per batch")
	f.Float64("val-split", 0, "fraction of images held out for validation")
	f.Float64("lr", 0, "Adam learning rate")
	f.StringSlice("classes", nil, "class subdirectories, negative class first")
	f.String("backbone", "", "feature extractor kind (grid or onnx)")
	f.String("backbone-model", "", "ONNX feature extractor for the onnx backbone")
	f.StringP("output", "o", "", "where to save the trained model")
	f.BoolVar(&warm, "warm", true, "read every image into the cache before the first epoch")
	a.bind(f.Lookup("epochs"), "train.epochs")
	a.bind(f.Lookup("image-size"), "dataset.image_size")
	a.bind(f.Lookup("batch-size"), "dataset.batch_size")
	a.bind(f.Lookup("val-split"), "dataset.validation_fraction")
	a.bind(f.Lookup("lr"), "train.learning_rate")
	a.bind(f.Lookup("classes"), "dataset.classes")
	a.bind(f.Lookup("backbone"), "backbone.kind")
	a.bind(f.Lookup("backbone-model"), "backbone.model_path")
	a.bind(f.Lookup("output"), "artifact.path")

	return cmd
}

func (a *app) train(cmd *cobra.Command, cfg config.Config, s *store.Store, runID string, warm bool) (train.Metrics, *train.History, error) {
	backbone, err := openBackbone(cfg)
	if err != nil {
		return train.Metrics{}, nil, err
	}

	ds, err := dataset.Load(dataset.Config{
		Root:               cfg.Dataset.Path,
		Classes:            cfg.Dataset.Classes,
		ImageSize:          cfg.Dataset.ImageSize,
		BatchSize:          cfg.Dataset.BatchSize,
		ValidationFraction: cfg.Dataset.ValidationFraction,
		Seed:               cfg.Dataset.Seed,
		Workers:            cfg.Dataset.Workers,
		CacheEntries:       cfg.Dataset.CacheEntries,
	}, a.logger)
	if err != nil {
		return train.Metrics{}, nil, err
	}

	m, err := model.Build(backbone, cfg.Dataset.ImageSize, ds.Set.Classes, model.HeadConfig{
		Hidden:  cfg.Train.Hidden,
		Dropout: cfg.Train.Dropout,
		Seed:    cfg.Train.HeadSeed,
	})
	if err != nil {
		return train.Metrics{}, nil, err
	}
	a.logger.Info("model built",
		zap.String("backbone", backbone.Spec().Kind),
		zap.Int("trainable_params", m.Head.NumParams()))

	trainer, err := train.New(train.Config{
		Epochs:       cfg.Train.Epochs,
		LearningRate: cfg.Train.LearningRate,
		Seed:         cfg.Train.HeadSeed,
	}, a.logger)
	if err != nil {
		return train.Metrics{}, nil, err
	}

	if warm {
		if err := ds.Training.Warm("reading training images"); err != nil {
			return train.Metrics{}, nil, errors.Wrap(err, "warm training cache")
		}
		if err := ds.Validation.Warm("reading validation images"); err != nil {
			return train.Metrics{}, nil, errors.Wrap(err, "warm validation cache")
		}
	}

	out := cmd.OutOrStdout()
	trainer.OnEpoch = func(r train.EpochRecord) {
		fmt.Fprintf(out, "Epoch %d/%d - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f\n",
			r.Epoch, cfg.Train.Epochs, r.TrainLoss, r.TrainAccuracy, r.ValLoss, r.ValAccuracy)
		if err := s.AddEpoch(runID, r); err != nil {
			a.logger.Warn("cannot record epoch", zap.Int("epoch", r.Epoch), zap.Error(err))
		}
	}

	history, err := trainer.Fit(cmd.Context(), m, ds.Training, ds.Validation)
	if err != nil {
		return train.Metrics{}, nil, err
	}
	metrics, err := train.Evaluate(m, ds.Validation, a.logger)
	if err != nil {
		return train.Metrics{}, nil, err
	}
	if err := artifact.Save(m, cfg.Artifact.Path); err != nil {
		return train.Metrics{}, nil, err
	}
	return metrics, history, nil
}

// settings renders cfg for the run ledger; a config that cannot be encoded
// is logged and recorded as "{}".
func (a *app) settings(cfg config.Config) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		a.logger.Warn("cannot encode run settings", zap.Error(err))
		return "{}"
	}
	return string(data)
}

func openBackbone(cfg config.Config) (model.FeatureExtractor, error) {
	b := cfg.Backbone
	switch b.Kind {
	case model.ColorGridKind:
		grid, err := model.NewColorGrid(b.Grid)
		if err != nil {
			return nil, err
		}
		return grid, nil
	case model.ONNXKind:
		onnx, err := model.NewONNXBackbone(model.BackboneSpec{
			InputSize:  cfg.Dataset.ImageSize,
			InputName:  b.InputName,
			OutputName: b.OutputName,
			Channels:   b.Channels,
			Height:     b.Height,
			Width:      b.Width,
		}, b.ModelPath)
		if err != nil {
			return nil, err
		}
		return onnx, nil
	default:
		return nil, errors.Wrapf(model.ErrConfiguration, "unknown backbone kind %q", b.Kind)
	}
}
