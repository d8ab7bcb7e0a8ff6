package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/inference-backends/internal/api"
	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/backendtest"
	"github.com/raaihank/inference-backends/internal/config"
	"github.com/raaihank/inference-backends/internal/logger"
	"github.com/raaihank/inference-backends/internal/registry"
)

// slowBackend blocks every call until release is closed.
type slowBackend struct {
	*backendtest.Fake
	release chan struct{}
}

func (s *slowBackend) Embed(batch backend.Batch) ([]backend.Embedding, error) {
	<-s.release
	return s.Fake.Embed(batch)
}

func newTestServer(t *testing.T, b backend.Backend, modelType backend.ModelType, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.GetDefaults()
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return New(cfg, log, Deps{
		Backend: &registry.Loaded{
			Backend:   b,
			ModelType: modelType,
			Name:      "fake",
			Kind:      registry.KindHash,
		},
		Version: "test",
	})
}

func postInputs(t *testing.T, s *Server, path string, seqs ...backend.Sequence) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(api.InferRequest{Inputs: seqs})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

var twoInputs = []backend.Sequence{
	{InputIDs: []uint32{7, 8, 9}},
	{InputIDs: []uint32{3}},
}

func TestEmbed(t *testing.T) {
	fake := backendtest.NewFake()
	s := newTestServer(t, fake, backend.EmbeddingModel(backend.PoolMean), nil)

	rec := postInputs(t, s, api.PathEmbed, twoInputs...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	var resp api.EmbedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, backend.Embedding{7, 8, 9, 10}, resp.Embeddings[0])
	assert.Equal(t, backend.Embedding{3, 4, 5, 6}, resp.Embeddings[1])

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []uint32{0, 3, 4}, calls[0].CumulativeSeqLengths)
}

func TestPredict(t *testing.T) {
	s := newTestServer(t, backendtest.NewFake(), backend.Classifier(), nil)

	rec := postInputs(t, s, api.PathPredict, twoInputs...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, [][]float32{{3, 4}, {1, 2}}, resp.Scores)
}

func TestModelTypeMismatch(t *testing.T) {
	embedder := newTestServer(t, backendtest.NewFake(), backend.EmbeddingModel(backend.PoolCls), nil)
	rec := postInputs(t, embedder, api.PathPredict, twoInputs...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	classifier := newTestServer(t, backendtest.NewFake(), backend.Classifier(), nil)
	rec = postInputs(t, classifier, api.PathEmbed, twoInputs...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error, "does not produce embeddings")
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"Inference", backend.Inference("shape mismatch"), http.StatusInternalServerError, "inference"},
		{"Unhealthy", backend.Unhealthy(), http.StatusServiceUnavailable, "unhealthy"},
		{"NoBackend", backend.NoBackend(), http.StatusServiceUnavailable, "no_backend"},
		{"Start", backend.Start("oom"), http.StatusServiceUnavailable, "start"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := backendtest.NewFake()
			fake.EmbedErr = tc.err
			s := newTestServer(t, fake, backend.EmbeddingModel(backend.PoolMean), nil)

			rec := postInputs(t, s, api.PathEmbed, twoInputs...)
			assert.Equal(t, tc.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tc.err.Error(), resp.Error)
			kind, ok := backend.KindOf(tc.err)
			require.True(t, ok)
			assert.Equal(t, kind.String(), resp.Kind)
		})
	}
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t, backendtest.NewFake(), backend.EmbeddingModel(backend.PoolMean), func(cfg *config.Config) {
		cfg.Server.MaxSequences = 2
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, api.PathEmbed, bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("NoInputs", func(t *testing.T) {
		rec := postInputs(t, s, api.PathEmbed)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MisalignedTokenTypes", func(t *testing.T) {
		rec := postInputs(t, s, api.PathEmbed, backend.Sequence{InputIDs: []uint32{1, 2}, TokenTypeIDs: []uint32{0}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		rec := postInputs(t, s, api.PathEmbed, twoInputs[0], backend.Sequence{InputIDs: []uint32{}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("TooManyInputs", func(t *testing.T) {
		rec := postInputs(t, s, api.PathEmbed, twoInputs[0], twoInputs[1], twoInputs[0])
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestInferenceTimeout(t *testing.T) {
	slow := &slowBackend{Fake: backendtest.NewFake(), release: make(chan struct{})}
	defer close(slow.release)
	s := newTestServer(t, slow, backend.EmbeddingModel(backend.PoolMean), func(cfg *config.Config) {
		cfg.Server.InferenceTimeout = 20 * time.Millisecond
	})

	rec := postInputs(t, s, api.PathEmbed, twoInputs...)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestHealth(t *testing.T) {
	fake := backendtest.NewFake()
	s := newTestServer(t, fake, backend.Classifier(), nil)

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, api.PathHealth, nil))
		return rec
	}

	rec := get()
	require.Equal(t, http.StatusOK, rec.Code)
	var health api.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "classifier", health.ModelType)

	fake.SetHealthy(false)
	rec = get()
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decodeError(t, rec).Kind)
}

func TestInfo(t *testing.T) {
	fake := backendtest.NewFake()
	fake.Limit = 16
	s := newTestServer(t, fake, backend.EmbeddingModel(backend.PoolCls), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, api.PathInfo, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info api.InfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "hash:fake", info.Backend)
	assert.Equal(t, "embedding(cls)", info.ModelType)
	assert.Equal(t, "test", info.Version)
	require.NotNil(t, info.MaxBatchSize)
	assert.Equal(t, 16, *info.MaxBatchSize)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, backendtest.NewFake(), backend.EmbeddingModel(backend.PoolMean), func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerSecond = 0.001
		cfg.RateLimit.Burst = 1
	})

	rec := postInputs(t, s, api.PathEmbed, twoInputs...)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = postInputs(t, s, api.PathEmbed, twoInputs...)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// probes are never limited
	health := httptest.NewRecorder()
	s.Handler().ServeHTTP(health, httptest.NewRequest(http.MethodGet, api.PathHealth, nil))
	assert.Equal(t, http.StatusOK, health.Code)

	cfg := config.GetDefaults()
	cfg.RateLimit.Enabled = false
	s.ApplyConfig(cfg)
	rec = postInputs(t, s, api.PathEmbed, twoInputs...)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(backend.ErrInvalidBatch))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
