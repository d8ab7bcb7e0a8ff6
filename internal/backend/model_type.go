package backend

import (
	"fmt"
	"strings"
)

// ModelType tags how the outputs of a loaded model are interpreted. It is
// either a classifier or an embedding model carrying its pooling strategy.
//
// ModelType is comparable: two values are equal iff they are both
// classifiers, or both embedding models with the same Pool.
//
// ModelType does not bind itself to a Backend method. Callers must never
// call Embed on a backend serving a classifier, nor Predict on one serving
// an embedding model.
type ModelType struct {
	embedding bool
	pool      Pool
}

// Classifier returns the model type whose outputs are per-sequence class scores.
func Classifier() ModelType {
	return ModelType{}
}

// EmbeddingModel returns the model type whose outputs are pooled with pool.
func EmbeddingModel(pool Pool) ModelType {
	return ModelType{embedding: true, pool: pool}
}

// IsClassifier reports whether Predict is the valid call for this model.
func (m ModelType) IsClassifier() bool {
	return !m.embedding
}

// IsEmbedding reports whether Embed is the valid call for this model.
func (m ModelType) IsEmbedding() bool {
	return m.embedding
}

// Pool returns the carried pooling strategy; ok is false for classifiers.
func (m ModelType) Pool() (pool Pool, ok bool) {
	if !m.embedding {
		return 0, false
	}
	return m.pool, true
}

func (m ModelType) String() string {
	if !m.embedding {
		return "classifier"
	}
	return "embedding(" + m.pool.String() + ")"
}

// ParseModelType builds a ModelType from the loader's configuration values.
// The pool is ignored for classifiers.
func ParseModelType(kind, pool string) (ModelType, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "classifier":
		return Classifier(), nil
	case "embedding":
		p, err := ParsePool(pool)
		if err != nil {
			return ModelType{}, err
		}
		return EmbeddingModel(p), nil
	default:
		return ModelType{}, fmt.Errorf("invalid model type %q (must be classifier or embedding)", kind)
	}
}
