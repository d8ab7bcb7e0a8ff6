package indexer

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/raaihank/inference-backends/internal/backend"
)

// Record is one pre-tokenized input of a dataset
type Record struct {
	ID           string   `parquet:"id" json:"id"`
	InputIDs     []uint32 `parquet:"input_ids" json:"input_ids"`
	TokenTypeIDs []uint32 `parquet:"token_type_ids" json:"token_type_ids,omitempty"`
}

// Sequence returns the record as a backend sequence. An empty token type
// list means all zeros.
func (r Record) Sequence() backend.Sequence {
	s := backend.Sequence{InputIDs: r.InputIDs}
	if len(r.TokenTypeIDs) > 0 {
		s.TokenTypeIDs = r.TokenTypeIDs
	}
	return s
}

func (r Record) validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("record has no id")
	case len(r.InputIDs) == 0:
		return fmt.Errorf("record %q has no input ids", r.ID)
	case len(r.TokenTypeIDs) > 0 && len(r.TokenTypeIDs) != len(r.InputIDs):
		return fmt.Errorf("record %q has %d token type ids for %d input ids", r.ID, len(r.TokenTypeIDs), len(r.InputIDs))
	}
	return nil
}

// ProcessingResult represents the result of processing a dataset
type ProcessingResult struct {
	TotalRecords    int64         `json:"total_records"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Invalid         int64         `json:"invalid"`
	Batches         int64         `json:"batches"`
	Duration        time.Duration `json:"duration"`
	EmbeddingTime   time.Duration `json:"embedding_time"`
	DatabaseTime    time.Duration `json:"database_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains indexer configuration
type Config struct {
	BatchSize   int
	Workers     int
	CreateIndex bool
	// Model is stored with every record.
	Model string
	// ProgressReport logs progress every this many records; zero disables it.
	ProgressReport int
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) (FileFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet, nil
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("unsupported file format: %q", filepath.Ext(filename))
	}
}
