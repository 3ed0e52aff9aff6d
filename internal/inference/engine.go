package inference

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/freshness-api/internal/model"
)

// ErrClassifier marks a failed or unusable classification. Analyze never
// returns it; it is logged and replaced by a degraded verdict.
var ErrClassifier = errors.New("classifier failure")

const (
	// PlaceholderLabel is the label of a degraded verdict.
	PlaceholderLabel = "Unidentified produce"
	// PlaceholderScore is the nominal score of a degraded verdict.
	PlaceholderScore = 0.85
)

// State is a step of a single analysis.
type State int

const (
	StateIdle State = iota
	StateClassifying
	StateSucceeded
	StateFailed
	StateResolved
)

func (s State) String() string {
	return [...]string{"idle", "classifying", "succeeded", "failed", "resolved"}[s]
}

// Classifier labels a single image. Implementations must be safe for
// concurrent use.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (ClassificationResult, error)
}

// Loader builds the classifier on first use.
type Loader func() (Classifier, error)

// Engine analyzes uploaded images. The classifier is loaded lazily, once
// per process; a failed load is retried by the next call.
type Engine struct {
	load   Loader
	logger *zap.Logger
	coin   func() bool

	mu  sync.Mutex
	clf Classifier
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCoin replaces the random source used for degraded verdicts.
func WithCoin(coin func() bool) Option {
	return func(e *Engine) { e.coin = coin }
}

// NewEngine returns an Engine that obtains its classifier from load.
func NewEngine(load Loader, opts ...Option) *Engine {
	e := &Engine{
		load:   load,
		logger: zap.NewNop(),
		coin:   func() bool { return rand.IntN(2) == 1 },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classifier returns the shared classifier, loading it if needed. Concurrent
// first callers wait for a single load. A panicking loader counts as a
// failed load.
func (e *Engine) Classifier() (clf Classifier, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clf != nil {
		return e.clf, nil
	}
	defer func() {
		if r := recover(); r != nil {
			clf, err = nil, errors.Wrapf(ErrClassifier, "load classifier: panic: %v", r)
		}
	}()
	clf, err = e.load()
	if err != nil {
		return nil, errors.Wrap(err, "load classifier")
	}
	e.clf = clf
	return clf, nil
}

// Analyze decodes data and returns a verdict. observe, if non-nil, sees
// every state transition. The result is always displayable.
func (e *Engine) Analyze(ctx context.Context, data []byte, observe func(State)) Verdict {
	notify := func(s State) {
		if observe != nil {
			observe(s)
		}
	}
	notify(StateIdle)
	notify(StateClassifying)

	result, err := e.classify(ctx, data)
	if err != nil {
		notify(StateFailed)
		e.logger.Warn("classification failed, returning degraded verdict", zap.Error(err))
		v := e.degraded()
		notify(StateResolved)
		return v
	}

	notify(StateSucceeded)
	v, branch := Explain(result)
	e.logger.Debug("verdict",
		zap.String("label", v.Label),
		zap.Float64("score", v.Score),
		zap.Bool("rotten", v.IsRotten),
		zap.Stringer("rule", branch))
	notify(StateResolved)
	return v
}

func (e *Engine) classify(ctx context.Context, data []byte) (result ClassificationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrClassifier, "panic: %v", r)
		}
	}()

	clf, err := e.Classifier()
	if err != nil {
		return result, errors.Wrap(ErrClassifier, err.Error())
	}
	img, _, err := model.Decode(data)
	if err != nil {
		return result, errors.Wrap(ErrClassifier, err.Error())
	}
	result, err = clf.Classify(ctx, img)
	if err != nil {
		return result, errors.Wrap(ErrClassifier, err.Error())
	}
	if err := validate(result); err != nil {
		return result, err
	}
	return result, nil
}

func validate(r ClassificationResult) error {
	if strings.TrimSpace(r.Label) == "" {
		return errors.Wrap(ErrClassifier, "empty label")
	}
	if math.IsNaN(r.Score) || r.Score < 0 || r.Score > 1 {
		return errors.Wrap(ErrClassifier, fmt.Sprintf("score %v outside [0,1]", r.Score))
	}
	return nil
}

// degraded fabricates a verdict with a random rotten flag.
// TODO: report "needs manual review" instead once the upload UI can show it.
func (e *Engine) degraded() Verdict {
	return Verdict{
		Label:    PlaceholderLabel,
		Score:    PlaceholderScore,
		IsRotten: e.coin(),
		Degraded: true,
	}
}
