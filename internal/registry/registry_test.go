package registry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/cached"
	"github.com/raaihank/inference-backends/internal/backend/guard"
	"github.com/raaihank/inference-backends/internal/backend/hashbackend"
	"github.com/raaihank/inference-backends/internal/backend/onnxbackend"
)

func hashConfig() Config {
	return Config{
		Kind:      KindHash,
		Name:      "test-model",
		ModelType: "embedding",
		Pool:      backend.PoolMean,
		Hash:      hashbackend.Config{Dims: 8, NumClasses: 2},
	}
}

func TestLoadHash(t *testing.T) {
	loaded, err := Load(hashConfig(), zap.NewNop())
	require.NoError(t, err)
	defer loaded.Close()

	assert.Equal(t, backend.EmbeddingModel(backend.PoolMean), loaded.ModelType)
	assert.Equal(t, "test-model", loaded.Name)
	assert.NotNil(t, loaded.Stats)
	assert.Nil(t, loaded.Cache)
	assert.IsType(t, &hashbackend.Backend{}, loaded.Backend)

	b, err := backend.NewBatch(backend.Sequence{InputIDs: []uint32{1, 2}})
	require.NoError(t, err)
	out, err := loaded.Backend.Embed(b)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestLoadDecorators(t *testing.T) {
	cfg := hashConfig()
	cfg.Cache = CacheConfig{Enabled: true, Store: "memory", MaxEntries: 10}
	cfg.SingleFlight = true

	loaded, err := Load(cfg, zap.NewNop())
	require.NoError(t, err)
	defer loaded.Close()

	s, ok := loaded.Backend.(*guard.Serialized)
	require.True(t, ok, "single flight wraps outermost")
	c, ok := s.Unwrap().(*cached.Backend)
	require.True(t, ok)
	assert.Same(t, loaded.Cache, c)
}

func TestLoadFailures(t *testing.T) {
	logger := zap.NewNop()

	t.Run("UnknownKind", func(t *testing.T) {
		cfg := hashConfig()
		cfg.Kind = "tpu"
		_, err := Load(cfg, logger)
		require.ErrorIs(t, err, backend.ErrNoBackend)
	})

	t.Run("ONNXWithoutRuntime", func(t *testing.T) {
		if onnxbackend.Available {
			t.Skip("built with onnx")
		}
		cfg := hashConfig()
		cfg.Kind = KindONNX
		_, err := Load(cfg, logger)
		require.ErrorIs(t, err, backend.ErrNoBackend)
	})

	t.Run("BadModelType", func(t *testing.T) {
		cfg := hashConfig()
		cfg.ModelType = "reranker"
		_, err := Load(cfg, logger)
		require.ErrorIs(t, err, backend.ErrStart)
	})

	t.Run("BadHashConfig", func(t *testing.T) {
		cfg := hashConfig()
		cfg.Hash.Dims = 0
		_, err := Load(cfg, logger)
		require.ErrorIs(t, err, backend.ErrStart)
	})

	t.Run("BadRemoteURL", func(t *testing.T) {
		cfg := hashConfig()
		cfg.Kind = KindRemote
		cfg.Remote.URL = "not a url"
		_, err := Load(cfg, logger)
		require.ErrorIs(t, err, backend.ErrStart)
	})

	t.Run("RedisUnreachableRunsUncached", func(t *testing.T) {
		cfg := hashConfig()
		cfg.Cache.Enabled = true
		cfg.Cache.Store = "redis"
		cfg.Cache.Redis.RedisURL = "redis://127.0.0.1:1/0"
		loaded, err := Load(cfg, logger)
		require.NoError(t, err)
		assert.Nil(t, loaded.Cache)
	})
}

func TestLoadRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := hashConfig()
	cfg.Kind = KindRemote
	cfg.Remote.URL = srv.URL
	loaded, err := Load(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, loaded.Backend.Health())
}

func TestValidate(t *testing.T) {
	require.NoError(t, hashConfig().Validate())

	cases := map[string]func(*Config){
		"kind":        func(c *Config) { c.Kind = "gpu" },
		"name":        func(c *Config) { c.Name = " " },
		"pool":        func(c *Config) { c.Pool = 0 },
		"cache store": func(c *Config) { c.Cache = CacheConfig{Enabled: true, Store: "disk"} },
		"redis url":   func(c *Config) { c.Cache = CacheConfig{Enabled: true, Store: "redis"} },
		"model type":  func(c *Config) { c.ModelType = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := hashConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	classifier := hashConfig()
	classifier.ModelType = "classifier"
	classifier.Pool = 0
	require.NoError(t, classifier.Validate())
}
