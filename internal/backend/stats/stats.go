// Package stats tracks per-backend inference statistics.
package stats

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of a Recorder.
type Snapshot struct {
	Backend           string        `json:"backend"`
	TotalCalls        int64         `json:"total_calls"`
	TotalSequences    int64         `json:"total_sequences"`
	TotalTokens       int64         `json:"total_tokens"`
	SuccessfulCalls   int64         `json:"successful_calls"`
	FailedCalls       int64         `json:"failed_calls"`
	AvgInferenceTime  time.Duration `json:"avg_inference_time"`
	AvgTokensPerSeq   float64       `json:"avg_tokens_per_sequence"`
	ErrorRate         float64       `json:"error_rate"`
	LastInferenceTime time.Time     `json:"last_inference_time"`
	StartTime         time.Time     `json:"start_time"`
}

// Reporter is implemented by backends that expose statistics.
type Reporter interface {
	Stats() Snapshot
}

// Recorder accumulates call statistics. Safe for concurrent use.
type Recorder struct {
	mu    sync.RWMutex
	stats Snapshot
}

// NewRecorder starts a recorder for the named backend.
func NewRecorder(backend string) *Recorder {
	return &Recorder{stats: Snapshot{Backend: backend, StartTime: time.Now()}}
}

// Record adds one Embed or Predict call.
func (r *Recorder) Record(sequences, tokens int, duration time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.stats
	s.TotalCalls++
	s.TotalSequences += int64(sequences)
	s.TotalTokens += int64(tokens)
	s.LastInferenceTime = time.Now()

	if err != nil {
		s.FailedCalls++
	} else {
		// Average over successful calls only.
		s.SuccessfulCalls++
		total := time.Duration(s.SuccessfulCalls-1)*s.AvgInferenceTime + duration
		s.AvgInferenceTime = total / time.Duration(s.SuccessfulCalls)
	}

	s.ErrorRate = float64(s.FailedCalls) / float64(s.TotalCalls)
	if s.TotalSequences > 0 {
		s.AvgTokensPerSeq = float64(s.TotalTokens) / float64(s.TotalSequences)
	}
}

// Snapshot returns a copy of the current statistics.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
