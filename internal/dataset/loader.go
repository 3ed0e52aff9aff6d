package dataset

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config describes where the images live and how to batch them.
type Config struct {
	Root               string
	Classes            []string
	ImageSize          int
	BatchSize          int
	ValidationFraction float64
	Seed               int64
	Workers            int
	// CacheEntries sizes the raw-bytes cache shared by both streams; 0
	// disables caching.
	CacheEntries int
}

// Dataset is a scanned image set with its split and batch streams.
type Dataset struct {
	Set        *LabeledImageSet
	Split      Split
	Training   *Stream
	Validation *Stream
}

// Load scans cfg.Root, partitions it and builds a shuffled training stream
// and a stable validation stream. It fails before any image is decoded if
// the directory layout or settings are unusable.
func Load(cfg Config, logger *zap.Logger) (*Dataset, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	set, err := Scan(cfg.Root, cfg.Classes)
	if err != nil {
		return nil, err
	}
	split, err := Partition(set, cfg.ValidationFraction, cfg.Seed)
	if err != nil {
		return nil, err
	}
	if len(split.Training) == 0 || len(split.Validation) == 0 {
		return nil, errors.Wrapf(ErrDataset, "split of %d images left training=%d validation=%d",
			len(set.Samples), len(split.Training), len(split.Validation))
	}

	var cache *lru.Cache
	if cfg.CacheEntries > 0 {
		if cache, err = lru.New(cfg.CacheEntries); err != nil {
			return nil, errors.Wrap(err, "create image cache")
		}
	}

	opts := StreamOptions{
		ImageSize: cfg.ImageSize,
		BatchSize: cfg.BatchSize,
		Seed:      cfg.Seed,
		Workers:   cfg.Workers,
		Cache:     cache,
		Logger:    logger,
	}
	validation, err := NewStream(split.Validation, opts)
	if err != nil {
		return nil, err
	}
	opts.Shuffle = true
	training, err := NewStream(split.Training, opts)
	if err != nil {
		return nil, err
	}

	logger.Info("dataset loaded",
		zap.String("root", cfg.Root),
		zap.Strings("classes", set.Classes),
		zap.Int("images", len(set.Samples)),
		zap.Int("training", len(split.Training)),
		zap.Int("validation", len(split.Validation)))

	return &Dataset{Set: set, Split: split, Training: training, Validation: validation}, nil
}
