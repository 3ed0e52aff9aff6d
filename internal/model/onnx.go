package model

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXKind identifies backbones executed by onnxruntime.
const ONNXKind = "onnx"

func init() {
	RegisterBackbone(ONNXKind, func(spec BackboneSpec, data []byte) (FeatureExtractor, error) {
		return NewONNXBackboneFromBytes(spec, data)
	})
}

// ONNXBackbone runs a headless pretrained network, e.g. MobileNetV2 without
// its classifier, exported to ONNX with input [1,3,S,S] and output [1,C,H,W].
// A session owns a single pair of bound tensors, so calls are serialized.
type ONNXBackbone struct {
	mu           sync.Mutex
	spec         BackboneSpec
	data         []byte
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXBackbone loads the ONNX graph at path.
func NewONNXBackbone(spec BackboneSpec, path string) (*ONNXBackbone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read backbone %s", path)
	}
	return NewONNXBackboneFromBytes(spec, data)
}

// NewONNXBackboneFromBytes creates a session over an in-memory ONNX graph.
func NewONNXBackboneFromBytes(spec BackboneSpec, data []byte) (*ONNXBackbone, error) {
	spec.Kind = ONNXKind
	if spec.InputSize <= 0 || spec.Channels <= 0 || spec.Height <= 0 || spec.Width <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "onnx backbone needs positive input size and feature shape, got %+v", spec)
	}
	if spec.InputName == "" {
		spec.InputName = "input"
	}
	if spec.OutputName == "" {
		spec.OutputName = "output"
	}
	if err := initRuntime(); err != nil {
		return nil, err
	}

	inputShape := ort.NewShape(1, Channels, int64(spec.InputSize), int64(spec.InputSize))
	outputShape := ort.NewShape(1, int64(spec.Channels), int64(spec.Height), int64(spec.Width))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "failed to create output tensor")
	}

	session, err := ort.NewAdvancedSessionWithONNXData(data,
		[]string{spec.InputName}, []string{spec.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrap(err, "failed to create ONNX session")
	}

	return &ONNXBackbone{
		spec:         spec,
		data:         data,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (b *ONNXBackbone) Spec() BackboneSpec { return b.spec }

func (b *ONNXBackbone) Extract(pixels []float32, size int) ([]float32, error) {
	if size != b.spec.InputSize {
		return nil, errors.Wrapf(ErrConfiguration, "backbone expects %dx%d input, got %dx%d",
			b.spec.InputSize, b.spec.InputSize, size, size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	input := b.inputTensor.GetData()
	if len(pixels) != len(input) {
		return nil, errors.Errorf("expected %d pixel values, got %d", len(input), len(pixels))
	}
	copy(input, pixels)

	if err := b.session.Run(); err != nil {
		return nil, errors.Wrap(err, "backbone inference failed")
	}

	out := make([]float32, len(b.outputTensor.GetData()))
	copy(out, b.outputTensor.GetData())
	return out, nil
}

func (b *ONNXBackbone) MarshalBinary() ([]byte, error) {
	return b.data, nil
}

// Close releases the session and its tensors.
func (b *ONNXBackbone) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
}
