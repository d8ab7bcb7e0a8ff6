// Package backendtest provides a scriptable Backend for tests of the
// collaborators built around the backend contract.
package backendtest

import (
	"sync"

	"github.com/raaihank/inference-backends/internal/backend"
)

// Fake is an in-memory Backend. Embed returns, for every sequence, a vector
// of Dims values where value d is the sequence's first input id plus d.
// Predict returns Classes scores where score c is the sequence length plus c.
// Safe for concurrent use.
type Fake struct {
	Dims    int
	Classes int
	// Limit is returned by MaxBatchSize; zero means no limit.
	Limit int
	// EmbedErr and PredictErr, when set, are returned instead of results.
	EmbedErr   error
	PredictErr error

	mu        sync.Mutex
	unhealthy bool
	calls     []backend.Batch
}

// NewFake returns a healthy Fake with 4 dims and 2 classes.
func NewFake() *Fake {
	return &Fake{Dims: 4, Classes: 2}
}

// SetHealthy flips the reported health.
func (f *Fake) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy = !healthy
}

// Calls returns every batch handed to Embed or Predict, in call order.
func (f *Fake) Calls() []backend.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.Batch, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) Health() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unhealthy {
		return backend.Unhealthy()
	}
	return nil
}

func (f *Fake) MaxBatchSize() (int, bool) {
	return backend.Limit(f.Limit).MaxBatchSize()
}

func (f *Fake) Embed(batch backend.Batch) ([]backend.Embedding, error) {
	if err := f.record(batch, f.EmbedErr); err != nil {
		return nil, err
	}
	out := make([]backend.Embedding, batch.Len())
	for i := range out {
		start, end := batch.Span(i)
		var first float32
		if end > start {
			first = float32(batch.InputIDs[start])
		}
		vec := make(backend.Embedding, f.Dims)
		for d := range vec {
			vec[d] = first + float32(d)
		}
		out[i] = vec
	}
	return out, nil
}

func (f *Fake) Predict(batch backend.Batch) ([][]float32, error) {
	if err := f.record(batch, f.PredictErr); err != nil {
		return nil, err
	}
	out := make([][]float32, batch.Len())
	for i := range out {
		start, end := batch.Span(i)
		scores := make([]float32, f.Classes)
		for c := range scores {
			scores[c] = float32(end-start) + float32(c)
		}
		out[i] = scores
	}
	return out, nil
}

func (f *Fake) record(batch backend.Batch, scripted error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unhealthy {
		return backend.Unhealthy()
	}
	f.calls = append(f.calls, batch)
	if scripted != nil {
		return scripted
	}
	return backend.CheckBatch(batch)
}

var _ backend.Backend = (*Fake)(nil)
