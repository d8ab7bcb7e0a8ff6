// Package backend defines the contract between a model-serving frontend and
// interchangeable inference engines for transformer embedding and
// classification models: the batch layout handed to an engine, the pooling
// taxonomy, the model type, and the errors an engine may surface.
package backend

// Embedding is the pooled vector of one input sequence.
type Embedding []float32

// Backend is the uniform contract every concrete inference engine satisfies.
//
// All methods are synchronous and block until the work is done; there is no
// cancellation at this layer. Whether concurrent calls on one Backend are
// safe is documented by each implementation. Callers that need single-flight
// access or bounded waits enforce it themselves (see package guard).
//
// A Backend never retries internally.
type Backend interface {
	// Health is a cheap readiness probe. It returns an Unhealthy error when
	// the backend cannot serve requests, and never NoBackend or Start.
	Health() error

	// MaxBatchSize is an advisory hint for schedulers: the largest number of
	// sequences accepted in one call. ok is false when there is no limit.
	// Implementations inherit the "no limit" default by embedding Unbounded.
	MaxBatchSize() (size int, ok bool)

	// Embed runs inference and pooling and returns exactly one Embedding per
	// sequence of batch, in batch order. Valid only for embedding models.
	Embed(batch Batch) ([]Embedding, error)

	// Predict returns one vector of raw class scores per sequence of batch,
	// in batch order. Valid only for classifier models.
	Predict(batch Batch) ([][]float32, error)
}

// Unbounded provides the default MaxBatchSize: no declared limit.
type Unbounded struct{}

// MaxBatchSize implements Backend.
func (Unbounded) MaxBatchSize() (int, bool) {
	return 0, false
}

// Limit declares a fixed MaxBatchSize. A non-positive Limit means no limit.
type Limit int

// MaxBatchSize implements Backend.
func (l Limit) MaxBatchSize() (int, bool) {
	if l <= 0 {
		return 0, false
	}
	return int(l), true
}

// CheckBatch validates batch and converts a violation into the Inference
// error a backend returns for malformed input.
func CheckBatch(batch Batch) error {
	if err := batch.Validate(); err != nil {
		return Inference(err.Error())
	}
	return nil
}
