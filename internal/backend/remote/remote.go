// Package remote implements a backend that forwards every call to an
// inference server over HTTP. Errors raised by the remote backend come back
// with their original kind.
package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/api"
	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/stats"
)

const maxResponseBytes = 64 << 20

// Config configures a remote backend.
type Config struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
}

// Backend is safe for concurrent use.
type Backend struct {
	backend.Limit

	base   *url.URL
	client *http.Client
	logger *zap.Logger
	stats  *stats.Recorder
}

// New validates cfg and returns a client. No request is made.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	u, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, backend.Startf("invalid remote url: %v", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, backend.Startf("invalid remote url %q: want http(s)://host", cfg.URL)
	}
	if cfg.MaxBatchSize < 0 {
		return nil, backend.Startf("negative max batch size %d", cfg.MaxBatchSize)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger.Info("Remote backend configured",
		zap.String("url", u.Redacted()),
		zap.Duration("timeout", timeout))

	return &Backend{
		Limit:  backend.Limit(cfg.MaxBatchSize),
		base:   u,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		stats:  stats.NewRecorder("remote"),
	}, nil
}

// Health probes GET /health. Any failure to get a healthy answer is
// reported as Unhealthy.
func (b *Backend) Health() error {
	resp, err := b.client.Get(b.endpoint(api.PathHealth))
	if err != nil {
		b.logger.Debug("Remote health probe failed", zap.Error(err))
		return backend.Unhealthy()
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return backend.Unhealthy()
	}
	return nil
}

// Stats returns the client-side call statistics.
func (b *Backend) Stats() stats.Snapshot {
	return b.stats.Snapshot()
}

func (b *Backend) Embed(batch backend.Batch) ([]backend.Embedding, error) {
	start := time.Now()
	var out api.EmbedResponse
	err := b.call(api.PathEmbed, batch, &out)
	if err == nil && len(out.Embeddings) != batch.Len() {
		err = backend.Inferencef("remote returned %d embeddings for %d sequences", len(out.Embeddings), batch.Len())
	}
	b.stats.Record(batch.Len(), batch.Tokens(), time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return out.Embeddings, nil
}

func (b *Backend) Predict(batch backend.Batch) ([][]float32, error) {
	start := time.Now()
	var out api.PredictResponse
	err := b.call(api.PathPredict, batch, &out)
	if err == nil && len(out.Scores) != batch.Len() {
		err = backend.Inferencef("remote returned %d score vectors for %d sequences", len(out.Scores), batch.Len())
	}
	b.stats.Record(batch.Len(), batch.Tokens(), time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return out.Scores, nil
}

func (b *Backend) call(path string, batch backend.Batch, out any) error {
	if err := backend.CheckBatch(batch); err != nil {
		return err
	}
	body, err := json.Marshal(api.InferRequest{Inputs: batch.Sequences()})
	if err != nil {
		return backend.Inferencef("encode request: %v", err)
	}

	resp, err := b.client.Post(b.endpoint(path), "application/json", bytes.NewReader(body))
	if err != nil {
		b.logger.Warn("Remote backend unreachable", zap.String("path", path), zap.Error(err))
		return backend.Unhealthy()
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return backend.Inferencef("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return backend.Inferencef("malformed response: %v", err)
	}
	return nil
}

// decodeError turns a non-200 response into the backend error it carries.
func decodeError(status int, data []byte) error {
	var body api.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil {
		if be, ok := body.BackendError(); ok {
			return be
		}
	}
	if status == http.StatusServiceUnavailable {
		return backend.Unhealthy()
	}
	msg := strings.TrimSpace(body.Error)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return backend.Inference(fmt.Sprintf("remote returned %d: %s", status, msg))
}

func (b *Backend) endpoint(path string) string {
	return b.base.String() + path
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ stats.Reporter  = (*Backend)(nil)
)
