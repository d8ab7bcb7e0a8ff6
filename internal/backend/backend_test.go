package backend_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/backendtest"
)

func seqOfLen(n int, first uint32) backend.Sequence {
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = first + uint32(i)
	}
	return backend.Sequence{InputIDs: ids}
}

func TestPool(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		assert.Equal(t, "cls", backend.PoolCls.String())
		assert.Equal(t, "mean", backend.PoolMean.String())
	})

	t.Run("ParseRoundTrip", func(t *testing.T) {
		for _, p := range backend.Pools() {
			parsed, err := backend.ParsePool(p.String())
			require.NoError(t, err)
			assert.Equal(t, p, parsed)
		}
		_, err := backend.ParsePool("max")
		require.Error(t, err)
	})

	t.Run("FlagValue", func(t *testing.T) {
		var p backend.Pool
		require.NoError(t, p.Set("MEAN"))
		assert.Equal(t, backend.PoolMean, p)
		assert.Equal(t, "pool", p.Type())
		require.Error(t, p.Set("sum"))
		assert.Equal(t, backend.PoolMean, p, "failed Set must not modify the value")
	})

	t.Run("Text", func(t *testing.T) {
		var p backend.Pool
		require.NoError(t, p.UnmarshalText([]byte("cls")))
		text, err := p.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, "cls", string(text))

		_, err = backend.Pool(0).MarshalText()
		require.Error(t, err)
	})
}

func TestModelType(t *testing.T) {
	mean := backend.EmbeddingModel(backend.PoolMean)
	assert.Equal(t, backend.EmbeddingModel(backend.PoolMean), mean)
	assert.NotEqual(t, backend.EmbeddingModel(backend.PoolCls), mean)
	assert.NotEqual(t, backend.Classifier(), mean)
	assert.True(t, backend.Classifier() == backend.Classifier())

	pool, ok := mean.Pool()
	assert.True(t, ok)
	assert.Equal(t, backend.PoolMean, pool)
	_, ok = backend.Classifier().Pool()
	assert.False(t, ok)

	assert.Equal(t, "embedding(mean)", mean.String())
	assert.Equal(t, "classifier", backend.Classifier().String())

	parsed, err := backend.ParseModelType("embedding", "cls")
	require.NoError(t, err)
	assert.Equal(t, backend.EmbeddingModel(backend.PoolCls), parsed)

	parsed, err = backend.ParseModelType("classifier", "mean")
	require.NoError(t, err)
	assert.Equal(t, backend.Classifier(), parsed)

	_, err = backend.ParseModelType("embedding", "")
	require.Error(t, err)
	_, err = backend.ParseModelType("reranker", "")
	require.Error(t, err)
}

func TestNewBatch(t *testing.T) {
	t.Run("TwoSequences", func(t *testing.T) {
		b, err := backend.NewBatch(seqOfLen(3, 100), seqOfLen(5, 200))
		require.NoError(t, err)
		assert.Equal(t, []uint32{0, 3, 8}, b.CumulativeSeqLengths)
		assert.Equal(t, uint32(5), b.MaxLength)
		assert.Equal(t, 2, b.Len())
		assert.Equal(t, []uint32{0, 1, 2, 0, 1, 2, 3, 4}, b.PositionIDs)
		assert.Equal(t, make([]uint32, 8), b.TokenTypeIDs)
		require.NoError(t, b.Validate())
	})

	t.Run("TokenTypes", func(t *testing.T) {
		b, err := backend.NewBatch(backend.Sequence{InputIDs: []uint32{1, 2, 3}, TokenTypeIDs: []uint32{0, 0, 1}})
		require.NoError(t, err)
		assert.Equal(t, []uint32{0, 0, 1}, b.TokenTypeIDs)
	})

	t.Run("MisalignedTokenTypes", func(t *testing.T) {
		_, err := backend.NewBatch(backend.Sequence{InputIDs: []uint32{1, 2}, TokenTypeIDs: []uint32{0}})
		require.ErrorIs(t, err, backend.ErrInvalidBatch)
	})

	t.Run("SuppliedPositions", func(t *testing.T) {
		b, err := backend.NewBatch(
			backend.Sequence{InputIDs: []uint32{5, 6, 7}, PositionIDs: []uint32{2, 3, 4}},
			seqOfLen(2, 9),
		)
		require.NoError(t, err)
		assert.Equal(t, []uint32{2, 3, 4, 0, 1}, b.PositionIDs)
		require.NoError(t, b.Validate())
		assert.Equal(t, []uint32{2, 3, 4}, b.Sequence(0).PositionIDs)

		again, err := backend.NewBatch(b.Sequences()...)
		require.NoError(t, err)
		assert.Equal(t, b, again)
	})

	t.Run("MisalignedPositions", func(t *testing.T) {
		_, err := backend.NewBatch(backend.Sequence{InputIDs: []uint32{1, 2}, PositionIDs: []uint32{0}})
		require.ErrorIs(t, err, backend.ErrInvalidBatch)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := backend.NewBatch()
		require.ErrorIs(t, err, backend.ErrInvalidBatch)
	})
}

func TestBatchValidate(t *testing.T) {
	valid := func() backend.Batch {
		b, err := backend.NewBatch(seqOfLen(3, 1), seqOfLen(5, 1))
		require.NoError(t, err)
		return b
	}

	cases := map[string]func(b *backend.Batch){
		"short token types":   func(b *backend.Batch) { b.TokenTypeIDs = b.TokenTypeIDs[1:] },
		"short positions":     func(b *backend.Batch) { b.PositionIDs = b.PositionIDs[1:] },
		"no sequences":        func(b *backend.Batch) { b.CumulativeSeqLengths = []uint32{0} },
		"nonzero start":       func(b *backend.Batch) { b.CumulativeSeqLengths = []uint32{1, 3, 8} },
		"decreasing":          func(b *backend.Batch) { b.CumulativeSeqLengths = []uint32{0, 5, 3, 8} },
		"last mismatch":       func(b *backend.Batch) { b.CumulativeSeqLengths = []uint32{0, 3, 7} },
		"wrong max length":    func(b *backend.Batch) { b.MaxLength = 3 },
		"zero value is empty": func(b *backend.Batch) { *b = backend.Batch{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := valid()
			mutate(&b)
			require.ErrorIs(t, b.Validate(), backend.ErrInvalidBatch)
			require.ErrorIs(t, backend.CheckBatch(b), backend.ErrInference)
		})
	}

	require.NoError(t, backend.CheckBatch(valid()))
}

func TestBatchSelectAndSplit(t *testing.T) {
	b, err := backend.NewBatch(seqOfLen(2, 10), seqOfLen(4, 20), seqOfLen(1, 30))
	require.NoError(t, err)

	sub, err := b.Select(2, 0)
	require.NoError(t, err)
	require.NoError(t, sub.Validate())
	assert.Equal(t, []uint32{30, 10, 11}, sub.InputIDs)
	assert.Equal(t, []uint32{0, 1, 3}, sub.CumulativeSeqLengths)
	assert.Equal(t, uint32(2), sub.MaxLength)

	_, err = b.Select(3)
	require.ErrorIs(t, err, backend.ErrInvalidBatch)

	chunks := b.Split(2)
	require.Len(t, chunks, 2)
	assert.Equal(t, 2, chunks[0].Len())
	assert.Equal(t, 1, chunks[1].Len())
	for _, c := range chunks {
		require.NoError(t, c.Validate())
	}
	assert.Len(t, b.Split(0), 1)
	assert.Len(t, b.Split(10), 1)

	seqs := b.Sequences()
	require.Len(t, seqs, 3)
	assert.Equal(t, []uint32{20, 21, 22, 23}, seqs[1].InputIDs)
}

func TestBackendError(t *testing.T) {
	t.Run("Messages", func(t *testing.T) {
		assert.Equal(t, "no backend found", backend.NoBackend().Error())
		assert.Equal(t, "could not start backend: no device", backend.Start("no device").Error())
		assert.Equal(t, "shape mismatch", backend.Inference("shape mismatch").Error())
		assert.Equal(t, "backend is unhealthy", backend.Unhealthy().Error())
	})

	t.Run("IsByKind", func(t *testing.T) {
		wrapped := fmt.Errorf("embed: %w", backend.Inferencef("bad dims %d", 3))
		assert.ErrorIs(t, wrapped, backend.ErrInference)
		assert.False(t, errors.Is(wrapped, backend.ErrUnhealthy))
		assert.ErrorIs(t, backend.Unhealthy(), backend.ErrUnhealthy)
		assert.ErrorIs(t, backend.NoBackend(), backend.ErrNoBackend)
		assert.ErrorIs(t, backend.Startf("gpu %d", 0), backend.ErrStart)

		kind, ok := backend.KindOf(wrapped)
		assert.True(t, ok)
		assert.Equal(t, backend.KindInference, kind)
		_, ok = backend.KindOf(errors.New("plain"))
		assert.False(t, ok)
	})

	t.Run("Clone", func(t *testing.T) {
		orig := &backend.BackendError{Kind: backend.KindStart, Reason: "oom"}
		clone := orig.Clone()
		clone.Reason = "changed"
		assert.Equal(t, "oom", orig.Reason)
	})

	t.Run("JSONRoundTrip", func(t *testing.T) {
		for _, err := range []error{backend.NoBackend(), backend.Start("x"), backend.Inference("y"), backend.Unhealthy()} {
			data, mErr := json.Marshal(err)
			require.NoError(t, mErr)
			var decoded backend.BackendError
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, err.Error(), decoded.Error())
			assert.ErrorIs(t, &decoded, err)
		}
		var decoded backend.BackendError
		require.Error(t, json.Unmarshal([]byte(`{"kind":"exploded"}`), &decoded))
	})
}

func TestBatchSizeDefaults(t *testing.T) {
	_, ok := backend.Unbounded{}.MaxBatchSize()
	assert.False(t, ok)
	size, ok := backend.Limit(8).MaxBatchSize()
	assert.True(t, ok)
	assert.Equal(t, 8, size)
	_, ok = backend.Limit(0).MaxBatchSize()
	assert.False(t, ok)
}

func TestConformingBackend(t *testing.T) {
	t.Run("ResultCounts", func(t *testing.T) {
		fake := backendtest.NewFake()
		b, err := backend.NewBatch(seqOfLen(3, 1), seqOfLen(5, 2), seqOfLen(1, 3))
		require.NoError(t, err)

		embeddings, err := fake.Embed(b)
		require.NoError(t, err)
		assert.Len(t, embeddings, 3)
		assert.Equal(t, float32(2), embeddings[1][0], "results keep batch order")

		scores, err := fake.Predict(b)
		require.NoError(t, err)
		assert.Len(t, scores, 3)
	})

	t.Run("UnhealthySurfacesEverywhere", func(t *testing.T) {
		fake := backendtest.NewFake()
		fake.SetHealthy(false)
		b, err := backend.NewBatch(seqOfLen(2, 1))
		require.NoError(t, err)

		require.ErrorIs(t, fake.Health(), backend.ErrUnhealthy)
		_, err = fake.Embed(b)
		require.ErrorIs(t, err, backend.ErrUnhealthy)
		_, err = fake.Predict(b)
		require.ErrorIs(t, err, backend.ErrUnhealthy)
	})

	t.Run("OversizedBatchPassesThrough", func(t *testing.T) {
		fake := backendtest.NewFake()
		fake.Limit = 8
		seqs := make([]backend.Sequence, 10)
		for i := range seqs {
			seqs[i] = seqOfLen(2, uint32(i))
		}
		b, err := backend.NewBatch(seqs...)
		require.NoError(t, err)

		size, ok := fake.MaxBatchSize()
		require.True(t, ok)
		require.Equal(t, 8, size)

		embeddings, err := fake.Embed(b)
		require.NoError(t, err)
		assert.Len(t, embeddings, 10)
		calls := fake.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, 10, calls[0].Len())
	})
}
