package inference

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/freshness-api/internal/artifact"
	"github.com/Brownie44l1/freshness-api/internal/model"
)

// ServerClassifier adapts a pretrained ONNX classifier.
type ServerClassifier struct {
	Server *model.Server
}

func (c ServerClassifier) Classify(ctx context.Context, img image.Image) (ClassificationResult, error) {
	if err := ctx.Err(); err != nil {
		return ClassificationResult{}, err
	}
	resp, err := c.Server.PredictImage(img)
	if err != nil {
		return ClassificationResult{}, err
	}
	return ClassificationResult{Label: resp.Class, Score: float64(resp.Confidence)}, nil
}

// ModelClassifier adapts a fine-tuned fresh/rotten model. Its labels are the
// class names the model was trained with.
type ModelClassifier struct {
	Model *model.Model
}

func (c ModelClassifier) Classify(ctx context.Context, img image.Image) (ClassificationResult, error) {
	if err := ctx.Err(); err != nil {
		return ClassificationResult{}, err
	}
	p, err := c.Model.Predict(model.Preprocess(img, c.Model.Resolution))
	if err != nil {
		return ClassificationResult{}, err
	}
	label, score := c.Model.Label(p)
	return ClassificationResult{Label: label, Score: score}, nil
}

// LoadServer returns a Loader for an ONNX classifier and its metadata.
func LoadServer(modelPath, metadataPath string) Loader {
	return func() (Classifier, error) {
		s, err := model.NewServer(modelPath, metadataPath)
		if err != nil {
			return nil, err
		}
		return ServerClassifier{Server: s}, nil
	}
}

// LoadArtifact returns a Loader for a model saved by the artifact package.
func LoadArtifact(path string) Loader {
	return func() (Classifier, error) {
		m, err := artifact.Load(path)
		if err != nil {
			return nil, err
		}
		return ModelClassifier{Model: m}, nil
	}
}

// Classifier kinds accepted by LoaderFor.
const (
	KindArtifact = "artifact"
	KindONNX     = "onnx"
)

// LoaderFor returns the Loader for a configured classifier kind.
func LoaderFor(kind, modelPath, metadataPath string) (Loader, error) {
	switch kind {
	case KindArtifact:
		return LoadArtifact(modelPath), nil
	case KindONNX:
		return LoadServer(modelPath, metadataPath), nil
	default:
		return nil, errors.Wrapf(model.ErrConfiguration, "unknown classifier kind %q", kind)
	}
}
