// Package server exposes a backend over HTTP: health and info probes,
// embedding and classification endpoints, and a websocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/api"
	"github.com/raaihank/inference-backends/internal/config"
	"github.com/raaihank/inference-backends/internal/logger"
	"github.com/raaihank/inference-backends/internal/monitor"
	"github.com/raaihank/inference-backends/internal/registry"
	"github.com/raaihank/inference-backends/internal/websocket"
)

var errRateLimited = errors.New("rate limit exceeded")

// Deps are the collaborators a Server serves.
type Deps struct {
	Backend *registry.Loaded
	// Hub and Monitor are optional.
	Hub     *websocket.Hub
	Monitor *monitor.Monitor
	Version string
}

// Server represents the inference HTTP server
type Server struct {
	logger  *logger.Logger
	deps    Deps
	router  *mux.Router
	server  *http.Server
	limiter *RateLimiter

	rateLimitEnabled atomic.Bool
	inferenceTimeout atomic.Int64
	maxBodyBytes     int64
	maxSequences     int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new server instance
func New(cfg *config.Config, log *logger.Logger, deps Deps) *Server {
	s := &Server{
		logger:       log.WithComponent("server"),
		deps:         deps,
		router:       mux.NewRouter(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		maxSequences: cfg.Server.MaxSequences,
		limiter: NewRateLimiter(
			cfg.RateLimit.RequestsPerSecond,
			cfg.RateLimit.Burst,
			cfg.RateLimit.IdleTTL,
		),
	}
	s.rateLimitEnabled.Store(cfg.RateLimit.Enabled)
	s.inferenceTimeout.Store(int64(cfg.Server.InferenceTimeout))

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc(api.PathHealth, s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc(api.PathInfo, s.handleInfo).Methods(http.MethodGet)
	if s.deps.Hub != nil {
		s.router.HandleFunc(api.PathEvents, s.deps.Hub.HandleWebSocket).Methods(http.MethodGet)
	}

	inference := s.router.NewRoute().Subrouter()
	inference.Use(s.rateLimitMiddleware)
	inference.HandleFunc(api.PathEmbed, s.handleEmbed).Methods(http.MethodPost)
	inference.HandleFunc(api.PathPredict, s.handlePredict).Methods(http.MethodPost)
}

// Handler returns the routed handler, for embedding in another server or
// tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the background workers and serves until Stop. It returns
// http.ErrServerClosed after a graceful stop.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.deps.Hub != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deps.Hub.Run(ctx)
		}()
	}
	if s.deps.Monitor != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deps.Monitor.Run(ctx)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.limiter.Run(ctx)
	}()

	s.logger.Info("Starting inference server",
		zap.String("addr", s.server.Addr),
		zap.String("backend", string(s.deps.Backend.Kind)),
		zap.String("model", s.deps.Backend.Name),
		zap.String("model_type", s.deps.Backend.ModelType.String()),
		zap.Bool("websocket", s.deps.Hub != nil),
		zap.Bool("rate_limit", s.rateLimitEnabled.Load()),
	)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server and its background workers
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping inference server")
	err := s.server.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return err
}

// ApplyConfig applies the settings that can change without a restart: log
// level, rate limits and the inference timeout.
func (s *Server) ApplyConfig(cfg *config.Config) {
	if err := s.logger.SetLevel(cfg.Logging.Level); err != nil {
		s.logger.Warn("Ignoring invalid log level", zap.String("level", cfg.Logging.Level), zap.Error(err))
	}
	s.limiter.SetLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	s.rateLimitEnabled.Store(cfg.RateLimit.Enabled)
	s.inferenceTimeout.Store(int64(cfg.Server.InferenceTimeout))

	s.logger.Info("Configuration reloaded",
		zap.String("log_level", cfg.Logging.Level),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.Float64("requests_per_second", cfg.RateLimit.RequestsPerSecond),
		zap.Duration("inference_timeout", cfg.Server.InferenceTimeout),
	)
}

func (s *Server) timeout() time.Duration {
	return time.Duration(s.inferenceTimeout.Load())
}
