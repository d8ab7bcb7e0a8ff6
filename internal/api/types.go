// Package api holds the JSON bodies exchanged by the inference server and
// the remote backend client.
package api

import (
	"errors"

	"github.com/raaihank/inference-backends/internal/backend"
)

// Route paths.
const (
	PathHealth  = "/health"
	PathInfo    = "/info"
	PathEmbed   = "/embed"
	PathPredict = "/predict"
	PathEvents  = "/ws"
)

// InferRequest is the body of POST /embed and POST /predict.
type InferRequest struct {
	Inputs []backend.Sequence `json:"inputs"`
}

// EmbedResponse is returned by POST /embed.
type EmbedResponse struct {
	Embeddings []backend.Embedding `json:"embeddings"`
}

// PredictResponse is returned by POST /predict.
type PredictResponse struct {
	Scores [][]float32 `json:"scores"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Backend   string `json:"backend"`
	ModelType string `json:"model_type"`
}

// InfoResponse is returned by GET /info.
type InfoResponse struct {
	Backend      string `json:"backend"`
	ModelType    string `json:"model_type"`
	MaxBatchSize *int   `json:"max_batch_size,omitempty"`
	Version      string `json:"version"`
	Stats        any    `json:"stats,omitempty"`
}

// ErrorResponse is the body of every non-2xx response. Kind and Reason are
// set when the failure is a backend error.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewErrorResponse renders err, keeping its backend kind when it has one.
func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}
	var be *backend.BackendError
	if errors.As(err, &be) {
		resp.Kind = be.Kind.String()
		resp.Reason = be.Reason
	}
	return resp
}

// BackendError restores the backend error carried by the response. ok is
// false when the response holds no recognizable kind.
func (r ErrorResponse) BackendError() (*backend.BackendError, bool) {
	kind, err := backend.ParseErrorKind(r.Kind)
	if err != nil {
		return nil, false
	}
	be := &backend.BackendError{Kind: kind, Reason: r.Reason}
	if kind == backend.KindInference && be.Reason == "" {
		be.Reason = r.Error
	}
	return be, true
}
