package model

import (
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeMu   sync.Mutex
	runtimeLib  string
	runtimeErr  error
	runtimeDone bool
)

// SetRuntimeLibrary sets the path of the onnxruntime shared library. It
// must be called before the first ONNX session is created; later calls are
// ignored.
func SetRuntimeLibrary(path string) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if !runtimeDone {
		runtimeLib = path
	}
}

// initRuntime initializes the process-wide ONNX environment exactly once.
// The environment lives for the rest of the process.
func initRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if runtimeDone {
		return runtimeErr
	}
	runtimeDone = true
	if runtimeLib != "" {
		ort.SetSharedLibraryPath(runtimeLib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		runtimeErr = errors.Wrap(err, "failed to initialize ONNX environment")
	}
	return runtimeErr
}
