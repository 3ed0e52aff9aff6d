// Package config loads freshness-api settings from a config file,
// FRESHCHECK_* environment variables and command-line flags.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Brownie44l1/freshness-api/internal/model"
)

// EnvPrefix prefixes environment overrides, e.g. FRESHCHECK_TRAIN_EPOCHS.
const EnvPrefix = "FRESHCHECK"

// Config is the complete application configuration.
type Config struct {
	Dataset    Dataset    `mapstructure:"dataset"`
	Image      Image      `mapstructure:"image"`
	Train      Train      `mapstructure:"train"`
	Backbone   Backbone   `mapstructure:"backbone"`
	Classifier Classifier `mapstructure:"classifier"`
	ONNX       ONNX       `mapstructure:"onnx"`
	Artifact   Artifact   `mapstructure:"artifact"`
	Store      Store      `mapstructure:"store"`
	Server     Server     `mapstructure:"server"`
	Log        Log        `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type Dataset struct {
	Path               string   `mapstructure:"path"`
	Classes            []string `mapstructure:"classes"`
	ImageSize          int      `mapstructure:"image_size"`
	BatchSize          int      `mapstructure:"batch_size"`
	ValidationFraction float64  `mapstructure:"validation_fraction"`
	Seed               int64    `mapstructure:"seed"`
	CacheEntries       int      `mapstructure:"cache_entries"`
	Workers            int      `mapstructure:"workers"`
}

type Image struct {
	// MaxPixels bounds width*height of any decoded image.
	MaxPixels int64 `mapstructure:"max_pixels"`
}

type Train struct {
	Epochs       int     `mapstructure:"epochs"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Hidden       int     `mapstructure:"hidden"`
	Dropout      float64 `mapstructure:"dropout"`
	HeadSeed     int64   `mapstructure:"head_seed"`
}

type Backbone struct {
	Kind       string `mapstructure:"kind"`
	ModelPath  string `mapstructure:"model_path"`
	InputName  string `mapstructure:"input_name"`
	OutputName string `mapstructure:"output_name"`
	Channels   int    `mapstructure:"channels"`
	Height     int    `mapstructure:"height"`
	Width      int    `mapstructure:"width"`
	Grid       int    `mapstructure:"grid"`
}

type Classifier struct {
	// Kind is "artifact" to serve the trained model or "onnx" for a
	// pretrained open-vocabulary classifier.
	Kind         string `mapstructure:"kind"`
	ModelPath    string `mapstructure:"model_path"`
	MetadataPath string `mapstructure:"metadata_path"`
}

type ONNX struct {
	LibraryPath string `mapstructure:"library_path"`
}

type Artifact struct {
	Path string `mapstructure:"path"`
}

type Store struct {
	Path string `mapstructure:"path"`
}

type Server struct {
	Port int `mapstructure:"port"`
}

type Log struct {
	File  string `mapstructure:"file"`
	Debug bool   `mapstructure:"debug"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("dataset.path", "")
	v.SetDefault("dataset.classes", []string{})
	v.SetDefault("dataset.image_size", 224)
	v.SetDefault("dataset.batch_size", 32)
	v.SetDefault("dataset.validation_fraction", 0.2)
	v.SetDefault("dataset.seed", 123)
	v.SetDefault("dataset.cache_entries", 4096)
	v.SetDefault("dataset.workers", 4)

	v.SetDefault("image.max_pixels", model.DefaultMaxPixels)

	v.SetDefault("train.epochs", 10)
	v.SetDefault("train.learning_rate", 0.001)
	v.SetDefault("train.hidden", model.DefaultHidden)
	v.SetDefault("train.dropout", model.DefaultDropout)
	v.SetDefault("train.head_seed", 0)

	v.SetDefault("backbone.kind", model.ColorGridKind)
	v.SetDefault("backbone.model_path", "")
	v.SetDefault("backbone.input_name", "input")
	v.SetDefault("backbone.output_name", "output")
	v.SetDefault("backbone.channels", 1280)
	v.SetDefault("backbone.height", 7)
	v.SetDefault("backbone.width", 7)
	v.SetDefault("backbone.grid", 7)

	v.SetDefault("classifier.kind", "artifact")
	v.SetDefault("classifier.model_path", "")
	v.SetDefault("classifier.metadata_path", "")

	v.SetDefault("onnx.library_path", "")
	v.SetDefault("artifact.path", "models/freshness.frm")
	v.SetDefault("store.path", "data/runs.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.file", "")
	v.SetDefault("log.debug", false)
}

// New returns a viper instance with defaults and environment overrides.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT is honored for platforms that assign the listen port.
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	return v
}

// Load reads file (if non-empty) into v and decodes the result. flags, if
// given, are bound by their names, e.g. a "dataset.path" flag.
func Load(v *viper.Viper, file string, flags *pflag.FlagSet) (Config, error) {
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, errors.Wrap(err, "bind flags")
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	cfg.File = v.ConfigFileUsed()
	return cfg, nil
}

// ValidateTraining checks the settings a training run depends on.
func (c Config) ValidateTraining() error {
	d, t := c.Dataset, c.Train
	var problems []string
	if strings.TrimSpace(d.Path) == "" {
		problems = append(problems, "dataset.path is required")
	}
	if d.ImageSize <= 0 {
		problems = append(problems, "dataset.image_size must be > 0")
	}
	if d.BatchSize <= 0 {
		problems = append(problems, "dataset.batch_size must be > 0")
	}
	if d.ValidationFraction <= 0 || d.ValidationFraction >= 1 {
		problems = append(problems, "dataset.validation_fraction must be in (0,1)")
	}
	if len(d.Classes) != 0 && len(d.Classes) != 2 {
		problems = append(problems, "dataset.classes must list exactly 2 classes when set")
	}
	if t.Epochs <= 0 {
		problems = append(problems, "train.epochs must be > 0")
	}
	if t.LearningRate <= 0 {
		problems = append(problems, "train.learning_rate must be > 0")
	}
	if t.Hidden <= 0 {
		problems = append(problems, "train.hidden must be > 0")
	}
	if t.Dropout < 0 || t.Dropout >= 1 {
		problems = append(problems, "train.dropout must be in [0,1)")
	}
	switch c.Backbone.Kind {
	case model.ColorGridKind:
		if c.Backbone.Grid <= 0 {
			problems = append(problems, "backbone.grid must be > 0")
		}
	case model.ONNXKind:
		if c.Backbone.ModelPath == "" {
			problems = append(problems, "backbone.model_path is required for onnx backbones")
		}
	default:
		problems = append(problems, "backbone.kind must be grid or onnx")
	}
	if strings.TrimSpace(c.Artifact.Path) == "" {
		problems = append(problems, "artifact.path is required")
	}
	return combine(problems)
}

// ValidateServing checks the settings the inference engine depends on.
func (c Config) ValidateServing() error {
	var problems []string
	switch c.Classifier.Kind {
	case "artifact":
		if c.ClassifierModelPath() == "" {
			problems = append(problems, "classifier.model_path or artifact.path is required")
		}
	case "onnx":
		if c.Classifier.ModelPath == "" || c.Classifier.MetadataPath == "" {
			problems = append(problems, "classifier.model_path and classifier.metadata_path are required for onnx")
		}
	default:
		problems = append(problems, "classifier.kind must be artifact or onnx")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be a valid TCP port")
	}
	return combine(problems)
}

// ClassifierModelPath is the model served by the inference engine; for the
// artifact kind it falls back to artifact.path.
func (c Config) ClassifierModelPath() string {
	if c.Classifier.ModelPath != "" {
		return c.Classifier.ModelPath
	}
	if c.Classifier.Kind == "artifact" {
		return c.Artifact.Path
	}
	return ""
}

func combine(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return errors.Wrap(model.ErrConfiguration, strings.Join(problems, "; "))
}
