// Package pooling implements the arithmetic selected by backend.Pool:
// reducing per-token hidden states to one vector per sequence.
package pooling

import (
	"github.com/chewxy/math32"

	"github.com/raaihank/inference-backends/internal/backend"
)

// Ragged pools hidden states laid out like the batch itself: one row of dims
// values per token, rows concatenated in sequence order
// ([batch.Tokens(), dims]).
func Ragged(pool backend.Pool, hidden []float32, batch backend.Batch, dims int) ([]backend.Embedding, error) {
	if dims <= 0 {
		return nil, backend.Inferencef("invalid hidden size %d", dims)
	}
	if len(hidden) != batch.Tokens()*dims {
		return nil, backend.Inferencef("hidden states hold %d values, want %d tokens x %d dims", len(hidden), batch.Tokens(), dims)
	}

	out := make([]backend.Embedding, batch.Len())
	for i := range out {
		start, end := batch.Span(i)
		vec, err := reduce(pool, hidden, start, end, dims)
		if err != nil {
			return nil, backend.Inferencef("sequence %d: %v", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Padded pools hidden states of a runtime that pads every sequence to
// maxLen ([len(lengths), maxLen, dims]). Positions past a sequence's length
// are padding and never contribute.
func Padded(pool backend.Pool, hidden []float32, lengths []int, maxLen, dims int) ([]backend.Embedding, error) {
	if dims <= 0 || maxLen <= 0 {
		return nil, backend.Inferencef("invalid padded shape [%d, %d, %d]", len(lengths), maxLen, dims)
	}
	if len(hidden) != len(lengths)*maxLen*dims {
		return nil, backend.Inferencef("hidden states hold %d values, want shape [%d, %d, %d]", len(hidden), len(lengths), maxLen, dims)
	}

	out := make([]backend.Embedding, len(lengths))
	for i, n := range lengths {
		if n > maxLen {
			return nil, backend.Inferencef("sequence %d has %d tokens, padded length is %d", i, n, maxLen)
		}
		start := i * maxLen
		vec, err := reduce(pool, hidden, start, start+n, dims)
		if err != nil {
			return nil, backend.Inferencef("sequence %d: %v", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// reduce pools token rows [start, end) of hidden.
func reduce(pool backend.Pool, hidden []float32, start, end, dims int) (backend.Embedding, error) {
	if end <= start {
		return nil, backend.Inference("empty sequence")
	}
	vec := make(backend.Embedding, dims)
	switch pool {
	case backend.PoolCls:
		copy(vec, hidden[start*dims:(start+1)*dims])
	case backend.PoolMean:
		for tok := start; tok < end; tok++ {
			row := hidden[tok*dims : (tok+1)*dims]
			for d, v := range row {
				vec[d] += v
			}
		}
		inv := 1 / float32(end-start)
		for d := range vec {
			vec[d] *= inv
		}
	default:
		return nil, backend.Inferencef("unsupported pool %s", pool)
	}
	return vec, nil
}

// Normalize scales v to unit L2 norm in place. Zero vectors are left as is.
func Normalize(v []float32) {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	inv := 1 / math32.Sqrt(sum)
	for i := range v {
		v[i] *= inv
	}
}

// NormalizeAll applies Normalize to every embedding.
func NormalizeAll(embeddings []backend.Embedding) {
	for _, e := range embeddings {
		Normalize(e)
	}
}
