package onnxbackend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/inference-backends/internal/backend"
)

func TestPad(t *testing.T) {
	b, err := backend.NewBatch(
		backend.Sequence{InputIDs: []uint32{7, 8, 9}},
		backend.Sequence{InputIDs: []uint32{5}, TokenTypeIDs: []uint32{1}},
	)
	require.NoError(t, err)

	p := pad(b)
	assert.Equal(t, 2, p.n)
	assert.Equal(t, 3, p.width)
	assert.Equal(t, []int{3, 1}, p.lengths)
	assert.Equal(t, []int64{7, 8, 9, 5, 0, 0}, p.ids)
	assert.Equal(t, []int64{1, 1, 1, 1, 0, 0}, p.mask)
	assert.Equal(t, []int64{0, 0, 0, 1, 0, 0}, p.tokenTypes)
	assert.Equal(t, []int64{0, 1, 2, 0, 0, 0}, p.positions)
	assert.Equal(t, p.mask, p.tensor(inputMask))
}

func TestClassifyInput(t *testing.T) {
	cases := map[string]inputKind{
		"input_ids":      inputIDs,
		"input":          inputIDs,
		"attention_mask": inputMask,
		"token_type_ids": inputTokenTypes,
		"segment_ids":    inputTokenTypes,
		"position_ids":   inputPositions,
	}
	for name, want := range cases {
		got, err := classifyInput(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := classifyInput("pixel_values")
	require.Error(t, err)
}

func TestRows(t *testing.T) {
	out, err := rows([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, out)

	_, err = rows([]float32{1, 2, 3}, 2, 2)
	require.ErrorIs(t, err, backend.ErrInference)
}

func TestConfig(t *testing.T) {
	t.Run("SharedLibraryFromEnv", func(t *testing.T) {
		t.Setenv("ONNXRUNTIME_SHARED_LIB", "")
		t.Setenv("ORT_SHLIB", "/opt/ort/libonnxruntime.so")
		assert.Equal(t, "/opt/ort/libonnxruntime.so", Config{}.sharedLibrary())
		assert.Equal(t, "/explicit.so", Config{SharedLibraryPath: "/explicit.so"}.sharedLibrary())
	})

	t.Run("Validate", func(t *testing.T) {
		require.ErrorIs(t, Config{}.validate(), backend.ErrStart)
		require.ErrorIs(t, Config{ModelPath: "/does/not/exist.onnx"}.validate(), backend.ErrStart)

		model := filepath.Join(t.TempDir(), "model.onnx")
		require.NoError(t, os.WriteFile(model, []byte("stub"), 0o600))
		require.NoError(t, Config{ModelPath: model}.validate())
		require.ErrorIs(t, Config{ModelPath: model, MaxBatchSize: -1}.validate(), backend.ErrStart)
	})
}
