package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/api"
	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/guard"
	"github.com/raaihank/inference-backends/internal/websocket"
)

// errBadRequest marks client errors that are not backend errors.
var errBadRequest = errors.New("bad request")

// handleHealth reports 200 while the backend is healthy and 503 otherwise
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, err := withTimeout(r.Context(), s.timeout(), func() (struct{}, error) {
		return struct{}{}, s.deps.Backend.Backend.Health()
	})
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:    "healthy",
		Backend:   string(s.deps.Backend.Kind),
		ModelType: s.deps.Backend.ModelType.String(),
	})
}

// handleInfo describes the served model and reports statistics
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	loaded := s.deps.Backend
	info := api.InfoResponse{
		Backend:   string(loaded.Kind) + ":" + loaded.Name,
		ModelType: loaded.ModelType.String(),
		Version:   s.deps.Version,
	}
	if size, ok := loaded.Backend.MaxBatchSize(); ok {
		info.MaxBatchSize = &size
	}

	stats := map[string]any{}
	if loaded.Stats != nil {
		stats["backend"] = loaded.Stats.Stats()
	}
	if loaded.Cache != nil {
		stats["cache"] = loaded.Cache.CacheStats()
	}
	if s.deps.Monitor != nil {
		stats["health"] = s.deps.Monitor.Status()
	}
	if s.deps.Hub != nil {
		stats["websocket"] = s.deps.Hub.GetStats()
	}
	stats["rate_limited_clients"] = s.limiter.Clients()
	info.Stats = stats

	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Backend.ModelType.IsEmbedding() {
		s.writeError(w, r, http.StatusBadRequest,
			fmt.Errorf("%w: model %s does not produce embeddings, use %s", errBadRequest, s.deps.Backend.ModelType, api.PathPredict))
		return
	}
	batch, ok := s.readBatch(w, r)
	if !ok {
		return
	}

	start := time.Now()
	out, err := withTimeout(r.Context(), s.timeout(), func() ([]backend.Embedding, error) {
		return s.deps.Backend.Backend.Embed(batch)
	})
	s.respond(w, r, "embed", batch, start, err, api.EmbedResponse{Embeddings: out})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Backend.ModelType.IsClassifier() {
		s.writeError(w, r, http.StatusBadRequest,
			fmt.Errorf("%w: model %s does not produce class scores, use %s", errBadRequest, s.deps.Backend.ModelType, api.PathEmbed))
		return
	}
	batch, ok := s.readBatch(w, r)
	if !ok {
		return
	}

	start := time.Now()
	out, err := withTimeout(r.Context(), s.timeout(), func() ([][]float32, error) {
		return s.deps.Backend.Backend.Predict(batch)
	})
	s.respond(w, r, "predict", batch, start, err, api.PredictResponse{Scores: out})
}

// readBatch decodes the request body into a Batch, answering 4xx itself on
// failure.
func (s *Server) readBatch(w http.ResponseWriter, r *http.Request) (backend.Batch, bool) {
	if s.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	}
	var req api.InferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.writeError(w, r, status, fmt.Errorf("%w: invalid request body: %v", errBadRequest, err))
		return backend.Batch{}, false
	}
	if s.maxSequences > 0 && len(req.Inputs) > s.maxSequences {
		s.writeError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Errorf("%w: %d inputs exceed the limit of %d", errBadRequest, len(req.Inputs), s.maxSequences))
		return backend.Batch{}, false
	}
	for i, in := range req.Inputs {
		if len(in.InputIDs) == 0 {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("%w: input %d is empty", errBadRequest, i))
			return backend.Batch{}, false
		}
	}
	batch, err := backend.NewBatch(req.Inputs...)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return backend.Batch{}, false
	}
	return batch, true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, method string, batch backend.Batch, start time.Time, err error, body any) {
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	s.broadcastInference(r, method, batch, status, err, time.Since(start))
	if err != nil {
		s.writeError(w, r, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

// withTimeout runs fn, waiting at most d when d is positive.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func() (T, error)) (T, error) {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return guard.Call(ctx, fn)
}

func (s *Server) broadcastInference(r *http.Request, method string, batch backend.Batch, status int, err error, d time.Duration) {
	if s.deps.Hub == nil {
		return
	}
	event := websocket.InferenceEvent{
		Method:     method,
		Backend:    string(s.deps.Backend.Kind),
		Sequences:  batch.Len(),
		Tokens:     batch.Tokens(),
		StatusCode: status,
		Duration:   d,
		ClientIP:   getClientIP(r),
	}
	if kind, ok := backend.KindOf(err); ok {
		event.ErrorKind = kind.String()
	}
	s.deps.Hub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeInference,
		Timestamp: time.Now(),
		RequestID: getRequestID(r.Context()),
		Data:      event,
	})
}

// statusFor maps a backend or wait error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away
		return 499
	case errors.Is(err, backend.ErrUnhealthy), errors.Is(err, backend.ErrNoBackend), errors.Is(err, backend.ErrStart):
		return http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrInvalidBatch), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	log := s.logger.WithRequestID(getRequestID(r.Context()))
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", zap.Int("status_code", status), zap.Error(err))
	} else {
		log.Debug("Request rejected", zap.Int("status_code", status), zap.Error(err))
	}
	s.writeJSON(w, status, api.NewErrorResponse(err))
}
