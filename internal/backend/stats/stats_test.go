package stats

import (
	"errors"
	"testing"
	"time"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder("hash")

	r.Record(2, 10, 10*time.Millisecond, nil)
	r.Record(1, 4, 30*time.Millisecond, nil)
	r.Record(3, 9, time.Second, errors.New("boom"))

	s := r.Snapshot()
	if s.Backend != "hash" {
		t.Errorf("Expected backend 'hash', got '%s'", s.Backend)
	}
	if s.TotalCalls != 3 || s.SuccessfulCalls != 2 || s.FailedCalls != 1 {
		t.Errorf("Unexpected call counts: %+v", s)
	}
	if s.TotalSequences != 6 || s.TotalTokens != 23 {
		t.Errorf("Unexpected totals: sequences=%d tokens=%d", s.TotalSequences, s.TotalTokens)
	}
	if s.AvgInferenceTime != 20*time.Millisecond {
		t.Errorf("Expected average of successful calls 20ms, got %v", s.AvgInferenceTime)
	}
	if s.ErrorRate < 0.33 || s.ErrorRate > 0.34 {
		t.Errorf("Expected error rate ~0.333, got %f", s.ErrorRate)
	}
	if s.LastInferenceTime.IsZero() {
		t.Error("Last inference time should be set")
	}
}
