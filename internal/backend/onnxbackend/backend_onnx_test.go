//go:build onnx
// +build onnx

package onnxbackend

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/stats"
)

func TestClosedBackendIsUnhealthyOnEveryMethod(t *testing.T) {
	batch, err := backend.NewBatch(backend.Sequence{InputIDs: []uint32{101, 102}})
	require.NoError(t, err)

	for name, mt := range map[string]backend.ModelType{
		"embedder":   backend.EmbeddingModel(backend.PoolMean),
		"classifier": backend.Classifier(),
	} {
		t.Run(name, func(t *testing.T) {
			b := &Backend{modelType: mt, logger: zap.NewNop(), stats: stats.NewRecorder("onnx")}
			require.ErrorIs(t, b.Health(), backend.ErrUnhealthy)

			_, err := b.Embed(batch)
			require.ErrorIs(t, err, backend.ErrUnhealthy)
			_, err = b.Predict(batch)
			require.ErrorIs(t, err, backend.ErrUnhealthy)
		})
	}
}
