package pooling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/inference-backends/internal/backend"
)

func TestRagged(t *testing.T) {
	b, err := backend.NewBatch(
		backend.Sequence{InputIDs: []uint32{1, 2}},
		backend.Sequence{InputIDs: []uint32{3, 4, 5}},
	)
	require.NoError(t, err)

	// 5 tokens x 2 dims
	hidden := []float32{
		1, 10,
		3, 30,
		2, 4,
		4, 8,
		6, 12,
	}

	t.Run("Cls", func(t *testing.T) {
		out, err := Ragged(backend.PoolCls, hidden, b, 2)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, backend.Embedding{1, 10}, out[0])
		assert.Equal(t, backend.Embedding{2, 4}, out[1])
	})

	t.Run("Mean", func(t *testing.T) {
		out, err := Ragged(backend.PoolMean, hidden, b, 2)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{2, 20}, []float32(out[0]), 1e-6)
		assert.InDeltaSlice(t, []float32{4, 8}, []float32(out[1]), 1e-6)
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		_, err := Ragged(backend.PoolMean, hidden[:9], b, 2)
		require.ErrorIs(t, err, backend.ErrInference)
	})

	t.Run("UnknownPool", func(t *testing.T) {
		_, err := Ragged(backend.Pool(0), hidden, b, 2)
		require.ErrorIs(t, err, backend.ErrInference)
	})
}

func TestPadded(t *testing.T) {
	// 2 sequences padded to 3 tokens, 1 dim; padding holds large values.
	hidden := []float32{
		2, 4, 100,
		9, 100, 100,
	}
	out, err := Padded(backend.PoolMean, hidden, []int{2, 1}, 3, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{3}, []float32(out[0]), 1e-6)
	assert.InDeltaSlice(t, []float32{9}, []float32(out[1]), 1e-6)

	out, err = Padded(backend.PoolCls, hidden, []int{2, 1}, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, backend.Embedding{2}, out[0])
	assert.Equal(t, backend.Embedding{9}, out[1])

	_, err = Padded(backend.PoolMean, hidden, []int{4, 1}, 3, 1)
	require.ErrorIs(t, err, backend.ErrInference)
	_, err = Padded(backend.PoolMean, hidden, []int{0, 1}, 3, 1)
	require.ErrorIs(t, err, backend.ErrInference)
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, v, 1e-6)

	zero := []float32{0, 0}
	Normalize(zero)
	assert.Equal(t, []float32{0, 0}, zero)
}
