//go:build !onnx
// +build !onnx

package onnxbackend

import (
	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/backend"
)

// Available reports whether this binary was built with ONNX Runtime.
const Available = false

// Backend is never constructed without the onnx build tag.
type Backend struct {
	backend.Unbounded
}

// New always fails with NoBackend; rebuild with -tags onnx.
func New(cfg Config, modelType backend.ModelType, logger *zap.Logger) (*Backend, error) {
	logger.Debug("ONNX backend requested in a build without ONNX Runtime",
		zap.String("model", cfg.ModelPath))
	return nil, backend.NoBackend()
}

func (*Backend) Health() error { return backend.Unhealthy() }

func (*Backend) Embed(backend.Batch) ([]backend.Embedding, error) { return nil, backend.Unhealthy() }

func (*Backend) Predict(backend.Batch) ([][]float32, error) { return nil, backend.Unhealthy() }

func (*Backend) Close() error { return nil }

var _ backend.Backend = (*Backend)(nil)
