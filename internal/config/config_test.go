package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/freshness-api/internal/model"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "", nil)
	require.NoError(t, err)

	assert.Equal(t, 224, cfg.Dataset.ImageSize)
	assert.Equal(t, 32, cfg.Dataset.BatchSize)
	assert.Equal(t, 0.2, cfg.Dataset.ValidationFraction)
	assert.EqualValues(t, model.DefaultMaxPixels, cfg.Image.MaxPixels)
	assert.Equal(t, 10, cfg.Train.Epochs)
	assert.Equal(t, 128, cfg.Train.Hidden)
	assert.Equal(t, 0.3, cfg.Train.Dropout)
	assert.Equal(t, "grid", cfg.Backbone.Kind)
	assert.Equal(t, "artifact", cfg.Classifier.Kind)
	assert.Equal(t, "models/freshness.frm", cfg.ClassifierModelPath())
	assert.Empty(t, cfg.File)

	// a dataset path is the only thing a default run is missing
	err = cfg.ValidateTraining()
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConfiguration))
	assert.Contains(t, err.Error(), "dataset.path")
	assert.NoError(t, cfg.ValidateServing())
}

func TestFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "freshcheck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataset:
  path: /data/fruits
  classes: [fresh, rotten]
  batch_size: 16
train:
  epochs: 3
`), 0o644))
	t.Setenv("FRESHCHECK_TRAIN_LEARNING_RATE", "0.01")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("dataset.image_size", 0, "")
	require.NoError(t, flags.Parse([]string{"--dataset.image_size=160"}))

	cfg, err := Load(New(), path, flags)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "/data/fruits", cfg.Dataset.Path)
	assert.Equal(t, []string{"fresh", "rotten"}, cfg.Dataset.Classes)
	assert.Equal(t, 16, cfg.Dataset.BatchSize)
	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.Equal(t, 0.01, cfg.Train.LearningRate)
	assert.Equal(t, 160, cfg.Dataset.ImageSize)
	assert.NoError(t, cfg.ValidateTraining())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestValidateTrainingReportsEveryProblem(t *testing.T) {
	cfg, err := Load(New(), "", nil)
	require.NoError(t, err)
	cfg.Dataset.Path = "/data"
	cfg.Dataset.ImageSize = 0
	cfg.Dataset.ValidationFraction = 1
	cfg.Train.Epochs = -1
	cfg.Backbone.Kind = "resnet"

	err = cfg.ValidateTraining()
	require.True(t, errors.Is(err, model.ErrConfiguration))
	for _, want := range []string{"image_size", "validation_fraction", "epochs", "backbone.kind"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateServing(t *testing.T) {
	cfg, err := Load(New(), "", nil)
	require.NoError(t, err)

	cfg.Classifier.Kind = "onnx"
	assert.True(t, errors.Is(cfg.ValidateServing(), model.ErrConfiguration))

	cfg.Classifier.ModelPath = "m.onnx"
	cfg.Classifier.MetadataPath = "m.json"
	assert.NoError(t, cfg.ValidateServing())

	cfg.Server.Port = 0
	assert.Error(t, cfg.ValidateServing())
}

func TestPortEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	cfg, err := Load(New(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	t.Setenv("FRESHCHECK_SERVER_PORT", "7070")
	cfg, err = Load(New(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}
