package vector

import (
	"time"
)

// Record is one stored embedding, keyed by the caller's record ID.
type Record struct {
	ID        string    `db:"id" json:"id"`
	Model     string    `db:"model" json:"model"`
	Tokens    int       `db:"tokens" json:"tokens"`
	Embedding []float32 `db:"embedding" json:"embedding"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SimilarityResult represents a vector similarity search result
type SimilarityResult struct {
	Record     *Record `json:"record"`
	Similarity float32 `json:"similarity"`
	Distance   float32 `json:"distance"`
}

// SearchOptions contains options for vector similarity search
type SearchOptions struct {
	Limit         int     `json:"limit"`
	MinSimilarity float32 `json:"min_similarity"`
	// Model restricts results to records written by one model.
	Model string `json:"model,omitempty"`
}

// DefaultSearchOptions returns the five nearest records at any similarity.
func DefaultSearchOptions() *SearchOptions {
	return &SearchOptions{Limit: 5, MinSimilarity: -1}
}

// Stats represents database statistics
type Stats struct {
	Table        string `json:"table"`
	Dimensions   int    `json:"dimensions"`
	TotalVectors int64  `json:"total_vectors"`
	Models       int64  `json:"models"`
	TotalTokens  int64  `json:"total_tokens"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted int64         `json:"inserted"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
	Errors   []error       `json:"errors,omitempty"`
}
