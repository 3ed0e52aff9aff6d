package dataset

import (
	"fmt"
	"iter"
	"math/rand"
	"os"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/freshness-api/internal/model"
)

// Batch holds preprocessed images of identical size and their 0/1 labels.
type Batch struct {
	Pixels [][]float32
	Labels []float64
	Paths  []string
}

// Len is the number of images in the batch.
func (b Batch) Len() int { return len(b.Labels) }

// DecodeWarning reports an image in a batch that could not be read or
// decoded. The batch it belongs to is dropped; the stream continues.
type DecodeWarning struct {
	Path string
	Err  error
}

func (w *DecodeWarning) Error() string {
	return fmt.Sprintf("skipping batch: cannot decode %s: %v", w.Path, w.Err)
}

func (w *DecodeWarning) Unwrap() error { return w.Err }

// StreamOptions control batching of a sample list.
type StreamOptions struct {
	ImageSize int
	BatchSize int
	// Shuffle reorders samples on every pass, seeded by Seed and the pass
	// number. Unshuffled streams keep the sample order on every pass.
	Shuffle bool
	Seed    int64
	// Workers bounds concurrent decoding within a batch.
	Workers int
	// Cache keeps raw file bytes between passes; nil reads from disk each time.
	Cache  *lru.Cache
	Logger *zap.Logger
}

// Stream is a finite, restartable sequence of batches.
type Stream struct {
	samples []Sample
	opts    StreamOptions
	read    func(string) ([]byte, error)
}

// NewStream batches samples according to opts.
func NewStream(samples []Sample, opts StreamOptions) (*Stream, error) {
	if opts.ImageSize <= 0 {
		return nil, errors.Wrapf(model.ErrConfiguration, "image size must be positive, got %d", opts.ImageSize)
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Wrapf(model.ErrConfiguration, "batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Stream{samples: samples, opts: opts, read: os.ReadFile}, nil
}

// Len is the number of samples in the stream.
func (s *Stream) Len() int { return len(s.samples) }

// NumBatches is the number of batches produced per pass, including the
// final partial batch.
func (s *Stream) NumBatches() int {
	return (len(s.samples) + s.opts.BatchSize - 1) / s.opts.BatchSize
}

// Samples returns the samples in the order of the given pass.
func (s *Stream) Samples(pass int) []Sample {
	out := append([]Sample(nil), s.samples...)
	if s.opts.Shuffle {
		rng := rand.New(rand.NewSource(s.opts.Seed + int64(pass)))
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

// Batches yields the batches of one pass. A batch containing an undecodable
// image is yielded as an empty Batch with a *DecodeWarning.
func (s *Stream) Batches(pass int) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		order := s.Samples(pass)
		for start := 0; start < len(order); start += s.opts.BatchSize {
			end := start + s.opts.BatchSize
			if end > len(order) {
				end = len(order)
			}
			batch, err := s.load(order[start:end])
			if !yield(batch, err) {
				return
			}
		}
	}
}

func (s *Stream) load(samples []Sample) (Batch, error) {
	batch := Batch{
		Pixels: make([][]float32, len(samples)),
		Labels: make([]float64, len(samples)),
		Paths:  make([]string, len(samples)),
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, sample := range samples {
		batch.Labels[i] = float64(sample.Label)
		batch.Paths[i] = sample.Path
		g.Go(func() error {
			data, err := s.bytes(sample.Path)
			if err != nil {
				return &DecodeWarning{Path: sample.Path, Err: err}
			}
			img, _, err := model.Decode(data)
			if err != nil {
				return &DecodeWarning{Path: sample.Path, Err: err}
			}
			batch.Pixels[i] = model.Preprocess(img, s.opts.ImageSize)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}
	return batch, nil
}

func (s *Stream) bytes(path string) ([]byte, error) {
	if s.opts.Cache != nil {
		if v, ok := s.opts.Cache.Get(path); ok {
			return v.([]byte), nil
		}
	}
	data, err := s.read(path)
	if err != nil {
		return nil, err
	}
	if s.opts.Cache != nil {
		s.opts.Cache.Add(path, data)
	}
	return data, nil
}

// Warm reads every sample into the cache, drawing a progress bar. Files
// that cannot be read are logged and left for the batch to report.
func (s *Stream) Warm(description string) error {
	if s.opts.Cache == nil {
		return nil
	}
	return tqdm.With(iterators.Interval(0, len(s.samples)), description, func(v interface{}) (brk bool) {
		path := s.samples[v.(int)].Path
		if _, err := s.bytes(path); err != nil {
			s.opts.Logger.Warn("cannot read image", zap.String("path", path), zap.Error(err))
		}
		return
	})
}
