// Package hashbackend is a pure-Go reference backend. It derives a
// deterministic hidden state for every token from a SHA-256 hash of the token
// and its segment, adds a sinusoidal position component, and pools the result
// with the configured Pool. It needs no model files and no native runtime,
// which makes it the default for development, tests and CPU-only deployments.
package hashbackend

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/pooling"
	"github.com/raaihank/inference-backends/internal/backend/stats"
)

const (
	DefaultDims       = 384
	DefaultNumClasses = 2
)

// Config configures a hash backend.
type Config struct {
	Dims         int   `mapstructure:"dims"`
	NumClasses   int   `mapstructure:"num_classes"`
	MaxBatchSize int   `mapstructure:"max_batch_size"`
	Normalize    bool  `mapstructure:"normalize"`
	Seed         int64 `mapstructure:"seed"`
}

// DefaultConfig returns a 384-dimension, two-class configuration.
func DefaultConfig() Config {
	return Config{
		Dims:       DefaultDims,
		NumClasses: DefaultNumClasses,
		Normalize:  true,
	}
}

// Backend is safe for concurrent use.
type Backend struct {
	backend.Limit

	cfg       Config
	modelType backend.ModelType
	logger    *zap.Logger
	stats     *stats.Recorder
	weights   [][]float32

	mu        sync.RWMutex
	unhealthy string
}

// New builds a hash backend for modelType. An invalid configuration is
// reported as a Start error.
func New(cfg Config, modelType backend.ModelType, logger *zap.Logger) (*Backend, error) {
	if cfg.Dims <= 0 {
		return nil, backend.Startf("hash backend needs positive dims, got %d", cfg.Dims)
	}
	if cfg.MaxBatchSize < 0 {
		return nil, backend.Startf("negative max batch size %d", cfg.MaxBatchSize)
	}
	if modelType.IsClassifier() && cfg.NumClasses <= 0 {
		return nil, backend.Startf("classifier needs at least one class, got %d", cfg.NumClasses)
	}
	if pool, ok := modelType.Pool(); modelType.IsEmbedding() && (!ok || !pool.Valid()) {
		return nil, backend.Startf("unsupported model type %s", modelType)
	}

	start := time.Now()
	b := &Backend{
		Limit:     backend.Limit(cfg.MaxBatchSize),
		cfg:       cfg,
		modelType: modelType,
		logger:    logger,
		stats:     stats.NewRecorder("hash"),
	}
	if modelType.IsClassifier() {
		b.weights = make([][]float32, cfg.NumClasses)
		for c := range b.weights {
			b.weights[c] = b.features(uint64(c), math.MaxUint32, "class")
		}
	}

	logger.Info("Hash backend initialized",
		zap.String("model_type", modelType.String()),
		zap.Int("dims", cfg.Dims),
		zap.Int("max_batch_size", cfg.MaxBatchSize),
		zap.Bool("normalize", cfg.Normalize),
		zap.Duration("load_time", time.Since(start)))

	return b, nil
}

// ModelType returns the model type the backend was built for.
func (b *Backend) ModelType() backend.ModelType {
	return b.modelType
}

// Dims returns the hidden size.
func (b *Backend) Dims() int {
	return b.cfg.Dims
}

// Health reports Unhealthy after MarkUnhealthy until Recover is called.
func (b *Backend) Health() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.unhealthy != "" {
		return backend.Unhealthy()
	}
	return nil
}

// MarkUnhealthy simulates the loss of the underlying device. Every call
// fails with Unhealthy until Recover.
func (b *Backend) MarkUnhealthy(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reason == "" {
		reason = "unspecified"
	}
	b.unhealthy = reason
	b.logger.Warn("Hash backend marked unhealthy", zap.String("reason", reason))
}

// Recover returns an unhealthy backend to service.
func (b *Backend) Recover() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unhealthy == "" {
		return
	}
	b.logger.Info("Hash backend recovered", zap.String("previous_reason", b.unhealthy))
	b.unhealthy = ""
}

// Stats returns the call statistics.
func (b *Backend) Stats() stats.Snapshot {
	return b.stats.Snapshot()
}

// Embed pools the hidden states of every sequence with the model's Pool.
func (b *Backend) Embed(batch backend.Batch) ([]backend.Embedding, error) {
	start := time.Now()
	out, err := b.embed(batch)
	b.stats.Record(batch.Len(), batch.Tokens(), time.Since(start), err)
	return out, err
}

func (b *Backend) embed(batch backend.Batch) ([]backend.Embedding, error) {
	if err := b.ready(batch); err != nil {
		return nil, err
	}
	pool, ok := b.modelType.Pool()
	if !ok {
		return nil, backend.Inference("embed called on a classifier model")
	}

	embeddings, err := pooling.Ragged(pool, b.hidden(batch), batch, b.cfg.Dims)
	if err != nil {
		return nil, err
	}
	if b.cfg.Normalize {
		pooling.NormalizeAll(embeddings)
	}
	return embeddings, nil
}

// Predict scores the mean hidden state of every sequence against one
// deterministic weight vector per class.
func (b *Backend) Predict(batch backend.Batch) ([][]float32, error) {
	start := time.Now()
	out, err := b.predict(batch)
	b.stats.Record(batch.Len(), batch.Tokens(), time.Since(start), err)
	return out, err
}

func (b *Backend) predict(batch backend.Batch) ([][]float32, error) {
	if err := b.ready(batch); err != nil {
		return nil, err
	}
	if !b.modelType.IsClassifier() {
		return nil, backend.Inference("predict called on an embedding model")
	}

	pooled, err := pooling.Ragged(backend.PoolMean, b.hidden(batch), batch, b.cfg.Dims)
	if err != nil {
		return nil, err
	}
	scores := make([][]float32, len(pooled))
	for i, vec := range pooled {
		row := make([]float32, len(b.weights))
		for c, w := range b.weights {
			var dot float32
			for d, v := range vec {
				dot += v * w[d]
			}
			row[c] = dot
		}
		scores[i] = row
	}
	return scores, nil
}

func (b *Backend) ready(batch backend.Batch) error {
	if err := b.Health(); err != nil {
		return err
	}
	return backend.CheckBatch(batch)
}

// hidden returns [batch.Tokens(), dims] hidden states.
func (b *Backend) hidden(batch backend.Batch) []float32 {
	dims := b.cfg.Dims
	out := make([]float32, 0, batch.Tokens()*dims)
	for tok, id := range batch.InputIDs {
		row := b.features(uint64(id), batch.TokenTypeIDs[tok], "token")
		addPosition(row, batch.PositionIDs[tok])
		out = append(out, row...)
	}
	return out
}

// features generates dims pseudo-random values seeded by a hash of the
// backend seed, a domain label, an id and a segment.
func (b *Backend) features(id uint64, segment uint32, domain string) []float32 {
	var buf [20]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(b.cfg.Seed))
	binary.BigEndian.PutUint64(buf[8:16], id)
	binary.BigEndian.PutUint32(buf[16:20], segment)

	h := sha256.New()
	h.Write([]byte(domain))
	h.Write(buf[:])
	sum := h.Sum(nil)

	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	scale := 1 / math.Sqrt(float64(b.cfg.Dims))
	vec := make([]float32, b.cfg.Dims)
	for d := range vec {
		vec[d] = float32(rng.NormFloat64() * scale)
	}
	return vec
}

// addPosition adds the standard sinusoidal encoding of pos to row.
func addPosition(row []float32, pos uint32) {
	dims := float64(len(row))
	for d := range row {
		rate := math.Pow(10000, float64(2*(d/2))/dims)
		angle := float64(pos) / rate
		if d%2 == 0 {
			row[d] += float32(0.1 * math.Sin(angle))
		} else {
			row[d] += float32(0.1 * math.Cos(angle))
		}
	}
}

func (b *Backend) String() string {
	return fmt.Sprintf("hash(%s, dims=%d)", b.modelType, b.cfg.Dims)
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ stats.Reporter  = (*Backend)(nil)
)
