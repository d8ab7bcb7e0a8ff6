package cached

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/backend"
)

// Options configures the decorator.
type Options struct {
	// Namespace separates caches of different models sharing one store.
	Namespace string
	TTL       time.Duration
	// Timeout bounds every store round trip.
	Timeout time.Duration
}

// Stats counts per-sequence cache outcomes.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StoreErrors int64 `json:"store_errors"`
}

// Backend serves repeated sequences from a Store and forwards the rest to
// the wrapped backend as one sub-batch. Store failures degrade to
// pass-through. It is as safe for concurrent use as the wrapped backend.
type Backend struct {
	inner  backend.Backend
	store  Store
	opts   Options
	logger *zap.Logger

	hits        atomic.Int64
	misses      atomic.Int64
	storeErrors atomic.Int64
}

// New wraps inner with store.
func New(inner backend.Backend, store Store, opts Options, logger *zap.Logger) *Backend {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	return &Backend{inner: inner, store: store, opts: opts, logger: logger}
}

// Unwrap returns the decorated backend.
func (b *Backend) Unwrap() backend.Backend {
	return b.inner
}

func (b *Backend) Health() error {
	return b.inner.Health()
}

func (b *Backend) MaxBatchSize() (int, bool) {
	return b.inner.MaxBatchSize()
}

// CacheStats returns the hit and miss counters.
func (b *Backend) CacheStats() Stats {
	return Stats{
		Hits:        b.hits.Load(),
		Misses:      b.misses.Load(),
		StoreErrors: b.storeErrors.Load(),
	}
}

func (b *Backend) Embed(batch backend.Batch) ([]backend.Embedding, error) {
	return cachedCall(b, "embed", batch, b.inner.Embed)
}

func (b *Backend) Predict(batch backend.Batch) ([][]float32, error) {
	return cachedCall(b, "predict", batch, b.inner.Predict)
}

// Close closes the store and, when it holds resources, the wrapped backend.
func (b *Backend) Close() error {
	err := b.store.Close()
	if c, ok := b.inner.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

func cachedCall[T ~[]float32](b *Backend, method string, batch backend.Batch, call func(backend.Batch) ([]T, error)) ([]T, error) {
	// A cached answer must not hide a backend that can no longer serve.
	if err := b.inner.Health(); err != nil {
		return nil, err
	}
	if err := backend.CheckBatch(batch); err != nil {
		return nil, err
	}

	keys := make([]string, batch.Len())
	for i := range keys {
		keys[i] = b.key(method, batch, i)
	}

	out := make([]T, batch.Len())
	missing := make([]int, 0, len(keys))
	for i, v := range b.get(keys) {
		if v == nil {
			missing = append(missing, i)
			continue
		}
		vec, ok := decode(v)
		if !ok {
			missing = append(missing, i)
			continue
		}
		out[i] = T(vec)
	}
	b.hits.Add(int64(len(keys) - len(missing)))
	b.misses.Add(int64(len(missing)))
	if len(missing) == 0 {
		return out, nil
	}

	sub := batch
	if len(missing) < batch.Len() {
		var err error
		if sub, err = batch.Select(missing...); err != nil {
			return nil, backend.Inference(err.Error())
		}
	}
	results, err := call(sub)
	if err != nil {
		return nil, err
	}
	if len(results) != len(missing) {
		return nil, backend.Inferencef("backend returned %d results for %d sequences", len(results), len(missing))
	}

	newKeys := make([]string, len(missing))
	values := make([][]byte, len(missing))
	for j, i := range missing {
		out[i] = results[j]
		newKeys[j] = keys[i]
		values[j] = encode(results[j])
	}
	b.set(newKeys, values)
	return out, nil
}

func (b *Backend) get(keys []string) [][]byte {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()
	values, err := b.store.GetMany(ctx, keys)
	if err == nil && len(values) == len(keys) {
		return values
	}
	b.storeErrors.Add(1)
	b.logger.Warn("Result cache lookup failed, serving from backend", zap.Error(err), zap.Int("keys", len(keys)))
	return make([][]byte, len(keys))
}

func (b *Backend) set(keys []string, values [][]byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()
	if err := b.store.SetMany(ctx, keys, values, b.opts.TTL); err != nil {
		b.storeErrors.Add(1)
		b.logger.Warn("Result cache write failed", zap.Error(err), zap.Int("keys", len(keys)))
	}
}

// key identifies sequence i of batch: namespace, method, input ids, token
// type ids and position ids.
func (b *Backend) key(method string, batch backend.Batch, i int) string {
	start, end := batch.Span(i)
	h := sha256.New()
	var buf [4]byte
	for _, id := range batch.InputIDs[start:end] {
		binary.LittleEndian.PutUint32(buf[:], id)
		h.Write(buf[:])
	}
	h.Write([]byte{0xff})
	for _, id := range batch.TokenTypeIDs[start:end] {
		binary.LittleEndian.PutUint32(buf[:], id)
		h.Write(buf[:])
	}
	h.Write([]byte{0xff})
	for _, id := range batch.PositionIDs[start:end] {
		binary.LittleEndian.PutUint32(buf[:], id)
		h.Write(buf[:])
	}
	return b.opts.Namespace + ":" + method + ":" + hex.EncodeToString(h.Sum(nil))
}

// encode stores a vector as little-endian float32 bits.
func encode(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
	}
	return out
}

func decode(data []byte) ([]float32, bool) {
	if len(data)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, true
}

var _ backend.Backend = (*Backend)(nil)
