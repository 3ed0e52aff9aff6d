package model

import (
	"encoding/json"
	"image"
	"math"
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Server runs a pretrained open-vocabulary ONNX image classifier. The
// session's tensors are bound once, so Predict calls are serialized.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func NewServer(modelPath, metadataPath string) (*Server, error) {
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read metadata")
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, errors.Wrap(err, "failed to parse metadata")
	}
	if len(metadata.Classes) == 0 || metadata.ImageSize <= 0 {
		return nil, errors.Wrap(ErrConfiguration, "metadata needs classes and a positive image_size")
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}

	if err := initRuntime(); err != nil {
		return nil, err
	}

	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "failed to create output tensor")
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrap(err, "failed to create ONNX session")
	}

	return &Server{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// PredictImage preprocesses img to the classifier's resolution and runs it.
func (s *Server) PredictImage(img image.Image) (*PredictionResponse, error) {
	return s.Predict(Preprocess(img, s.Metadata.ImageSize))
}

func (s *Server) Predict(inputData []float32) (*PredictionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	input := s.inputTensor.GetData()
	if len(inputData) != len(input) {
		return nil, errors.Errorf("expected %d values, got %d", len(input), len(inputData))
	}
	copy(input, inputData)

	if err := s.session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}

	outputData := s.outputTensor.GetData()
	n := len(outputData)
	if n > len(s.Metadata.Classes) {
		n = len(s.Metadata.Classes)
	}
	if n == 0 {
		return nil, errors.New("classifier produced no scores")
	}
	scores := make([]float32, n)
	copy(scores, outputData[:n])
	if s.Metadata.Softmax {
		softmax(scores)
	}

	maxIdx := 0
	predictions := make(map[string]float32, n)
	for i, val := range scores {
		predictions[s.Metadata.Classes[i]] = val
		if val > scores[maxIdx] {
			maxIdx = i
		}
	}

	return &PredictionResponse{
		Class:       s.Metadata.Classes[maxIdx],
		Confidence:  scores[maxIdx],
		Predictions: predictions,
	}, nil
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
}

func softmax(v []float32) {
	maxVal := v[0]
	for _, x := range v {
		if x > maxVal {
			maxVal = x
		}
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - maxVal))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}
