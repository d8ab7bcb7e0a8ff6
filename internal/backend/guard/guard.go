// Package guard provides the access disciplines a scheduler layers over a
// backend: single-flight serialization and bounded waiting.
package guard

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/raaihank/inference-backends/internal/backend"
)

// Serialized allows one call at a time into the wrapped backend, including
// Health.
type Serialized struct {
	mu    sync.Mutex
	inner backend.Backend
}

// Serialize wraps b. Wrapping a *Serialized returns it unchanged.
func Serialize(b backend.Backend) *Serialized {
	if s, ok := b.(*Serialized); ok {
		return s
	}
	return &Serialized{inner: b}
}

// Unwrap returns the wrapped backend.
func (s *Serialized) Unwrap() backend.Backend {
	return s.inner
}

func (s *Serialized) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Health()
}

// MaxBatchSize is a static hint and does not take the lock.
func (s *Serialized) MaxBatchSize() (int, bool) {
	return s.inner.MaxBatchSize()
}

func (s *Serialized) Embed(batch backend.Batch) ([]backend.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Embed(batch)
}

func (s *Serialized) Predict(batch backend.Batch) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Predict(batch)
}

// Close waits for the call in flight, then closes the wrapped backend if it
// holds resources.
func (s *Serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type result[T any] struct {
	val T
	err error
}

// Call runs fn and waits for it until ctx is done. Backend calls cannot be
// cancelled, so on timeout fn keeps running in the background and its result
// is discarded; the returned error is ctx.Err().
func Call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	done := make(chan result[T], 1)
	go func() {
		v, err := fn()
		done <- result[T]{v, err}
	}()
	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// IsTimeout reports whether err came from an abandoned Call.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

var _ backend.Backend = (*Serialized)(nil)
