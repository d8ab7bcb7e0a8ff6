//go:build !onnx
// +build !onnx

package onnxbackend

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/backend"
)

func TestStubReportsNoBackend(t *testing.T) {
	require.False(t, Available)
	b, err := New(Config{ModelPath: "model.onnx"}, backend.EmbeddingModel(backend.PoolMean), zap.NewNop())
	require.Nil(t, b)
	require.ErrorIs(t, err, backend.ErrNoBackend)
}
