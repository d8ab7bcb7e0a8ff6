// Package registry selects, builds and decorates the backend a process
// serves, from configuration.
package registry

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/cached"
	"github.com/raaihank/inference-backends/internal/backend/guard"
	"github.com/raaihank/inference-backends/internal/backend/hashbackend"
	"github.com/raaihank/inference-backends/internal/backend/onnxbackend"
	"github.com/raaihank/inference-backends/internal/backend/remote"
	"github.com/raaihank/inference-backends/internal/backend/stats"
)

// Kind names a backend implementation.
type Kind string

const (
	// KindHash is the pure-Go deterministic backend.
	KindHash Kind = "hash"

	// KindONNX runs an ONNX model through ONNX Runtime (onnx build tag).
	KindONNX Kind = "onnx"

	// KindRemote forwards to another inference server.
	KindRemote Kind = "remote"
)

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{KindHash, KindONNX, KindRemote}
}

// Available reports whether k can be built by this binary.
func (k Kind) Available() bool {
	switch k {
	case KindHash, KindRemote:
		return true
	case KindONNX:
		return onnxbackend.Available
	default:
		return false
	}
}

// CacheConfig configures the result cache decorator.
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Store is "redis" or "memory".
	Store      string        `mapstructure:"store"`
	MaxEntries int           `mapstructure:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl"`
	Timeout    time.Duration `mapstructure:"timeout"`

	Redis cached.RedisConfig `mapstructure:"redis"`
}

// Config selects and configures the served backend.
type Config struct {
	Kind Kind   `mapstructure:"kind"`
	Name string `mapstructure:"name"`
	// ModelType is "embedding" or "classifier".
	ModelType string       `mapstructure:"model_type"`
	Pool      backend.Pool `mapstructure:"pool"`
	// SingleFlight serializes every call into the backend.
	SingleFlight bool `mapstructure:"single_flight"`

	Hash   hashbackend.Config `mapstructure:"hash"`
	ONNX   onnxbackend.Config `mapstructure:"onnx"`
	Remote remote.Config      `mapstructure:"remote"`
	Cache  CacheConfig        `mapstructure:"cache"`
}

// ResolveModelType derives the model type from ModelType and Pool.
func (c Config) ResolveModelType() (backend.ModelType, error) {
	pool := ""
	if c.Pool.Valid() {
		pool = c.Pool.String()
	}
	return backend.ParseModelType(c.ModelType, pool)
}

// Validate checks the configuration without building anything.
func (c Config) Validate() error {
	switch c.Kind {
	case KindHash, KindONNX, KindRemote:
	default:
		return fmt.Errorf("invalid backend kind: %q (must be one of: hash, onnx, remote)", c.Kind)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("model name is required")
	}
	if _, err := c.ResolveModelType(); err != nil {
		return err
	}
	if c.Cache.Enabled {
		switch c.Cache.Store {
		case "memory":
		case "redis":
			if c.Cache.Redis.RedisURL == "" {
				return fmt.Errorf("cache.redis.redis_url is required when the redis cache is enabled")
			}
		default:
			return fmt.Errorf("invalid cache store: %q (must be redis or memory)", c.Cache.Store)
		}
	}
	return nil
}

// Loaded is a ready backend with its description.
type Loaded struct {
	Backend   backend.Backend
	ModelType backend.ModelType
	Name      string
	Kind      Kind

	// Stats reports the concrete backend's statistics; nil when it keeps none.
	Stats stats.Reporter
	// Cache is the result cache decorator; nil when caching is disabled.
	Cache *cached.Backend
}

// Close releases the backend and its cache.
func (l *Loaded) Close() error {
	if c, ok := l.Backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Load builds the backend cfg describes. An unknown kind, or one this binary
// cannot build, fails with NoBackend; a backend that fails to construct
// fails with Start.
func Load(cfg Config, logger *zap.Logger) (*Loaded, error) {
	if !cfg.Kind.Available() {
		logger.Error("Requested backend is not available",
			zap.String("kind", string(cfg.Kind)),
			zap.Bool("onnx_built", onnxbackend.Available))
		return nil, backend.NoBackend()
	}
	modelType, err := cfg.ResolveModelType()
	if err != nil {
		return nil, backend.Start(err.Error())
	}

	var b backend.Backend
	switch cfg.Kind {
	case KindHash:
		b, err = asBackend(hashbackend.New(cfg.Hash, modelType, logger))
	case KindONNX:
		b, err = asBackend(onnxbackend.New(cfg.ONNX, modelType, logger))
	case KindRemote:
		b, err = asBackend(remote.New(cfg.Remote, logger))
	}
	if err != nil {
		if _, ok := backend.KindOf(err); !ok {
			err = backend.Start(err.Error())
		}
		return nil, err
	}

	loaded := &Loaded{
		ModelType: modelType,
		Name:      cfg.Name,
		Kind:      cfg.Kind,
	}
	if r, ok := b.(stats.Reporter); ok {
		loaded.Stats = r
	}

	if cfg.Cache.Enabled {
		if store := openStore(cfg.Cache, logger); store != nil {
			loaded.Cache = cached.New(b, store, cached.Options{
				Namespace: cfg.Name + ":" + modelType.String(),
				TTL:       cfg.Cache.TTL,
				Timeout:   cfg.Cache.Timeout,
			}, logger)
			b = loaded.Cache
		}
	}
	if cfg.SingleFlight {
		b = guard.Serialize(b)
	}
	loaded.Backend = b

	size, bounded := b.MaxBatchSize()
	logger.Info("Backend loaded",
		zap.String("kind", string(cfg.Kind)),
		zap.String("name", cfg.Name),
		zap.String("model_type", modelType.String()),
		zap.Bool("cache", loaded.Cache != nil),
		zap.Bool("single_flight", cfg.SingleFlight),
		zap.Int("max_batch_size", size),
		zap.Bool("bounded", bounded))
	return loaded, nil
}

// asBackend converts a typed constructor result, keeping a nil pointer from
// becoming a non-nil interface.
func asBackend[T backend.Backend](b T, err error) (backend.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// openStore returns nil when the store cannot be opened; the backend then
// runs uncached.
func openStore(cfg CacheConfig, logger *zap.Logger) cached.Store {
	switch cfg.Store {
	case "redis":
		store, err := cached.NewRedisStore(cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis connection failed, disabling result cache", zap.Error(err))
			return nil
		}
		return store
	default:
		return cached.NewMemoryStore(cfg.MaxEntries)
	}
}
