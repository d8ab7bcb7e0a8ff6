// Package onnxbackend runs transformer models exported to ONNX through ONNX
// Runtime. The runtime is only linked into binaries built with the "onnx"
// tag; other builds get a stub whose constructor reports NoBackend.
package onnxbackend

import (
	"fmt"
	"os"
	"strings"

	"github.com/raaihank/inference-backends/internal/backend"
)

// Environment variables consulted for the ONNX Runtime shared library when
// Config.SharedLibraryPath is empty, in order.
var sharedLibraryEnv = []string{"ONNXRUNTIME_SHARED_LIB", "ORT_SHLIB"}

// Config configures an ONNX backend.
type Config struct {
	ModelPath         string `mapstructure:"model_path"`
	SharedLibraryPath string `mapstructure:"shared_library_path"`
	// OutputName selects the model output; empty picks the first declared.
	OutputName   string `mapstructure:"output_name"`
	MaxBatchSize int    `mapstructure:"max_batch_size"`
	Normalize    bool   `mapstructure:"normalize"`
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ModelPath) == "" {
		return backend.Start("onnx model path is required")
	}
	if c.MaxBatchSize < 0 {
		return backend.Startf("negative max batch size %d", c.MaxBatchSize)
	}
	if _, err := os.Stat(c.ModelPath); err != nil {
		return backend.Startf("onnx model: %v", err)
	}
	return nil
}

// sharedLibrary returns the configured runtime library path, falling back
// to the environment. Empty means the runtime's default search.
func (c Config) sharedLibrary() string {
	if c.SharedLibraryPath != "" {
		return c.SharedLibraryPath
	}
	for _, key := range sharedLibraryEnv {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

type inputKind int

const (
	inputIDs inputKind = iota
	inputMask
	inputTokenTypes
	inputPositions
)

// classifyInput maps a declared model input name onto the tensor fed to it.
func classifyInput(name string) (inputKind, error) {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "mask"):
		return inputMask, nil
	case strings.Contains(n, "token_type"), strings.Contains(n, "segment"):
		return inputTokenTypes, nil
	case strings.Contains(n, "position"):
		return inputPositions, nil
	case strings.Contains(n, "ids"), n == "input":
		return inputIDs, nil
	default:
		return 0, fmt.Errorf("unrecognized model input %q", name)
	}
}

// padded is a batch laid out as [n, width] row-major int64 tensors.
type padded struct {
	n, width   int
	lengths    []int
	ids        []int64
	mask       []int64
	tokenTypes []int64
	positions  []int64
}

// pad right-pads every sequence of batch to batch.MaxLength with zeros.
func pad(batch backend.Batch) padded {
	n, width := batch.Len(), int(batch.MaxLength)
	p := padded{
		n:          n,
		width:      width,
		lengths:    make([]int, n),
		ids:        make([]int64, n*width),
		mask:       make([]int64, n*width),
		tokenTypes: make([]int64, n*width),
		positions:  make([]int64, n*width),
	}
	for i := 0; i < n; i++ {
		start, end := batch.Span(i)
		p.lengths[i] = end - start
		row := i * width
		for tok := start; tok < end; tok++ {
			at := row + tok - start
			p.ids[at] = int64(batch.InputIDs[tok])
			p.mask[at] = 1
			p.tokenTypes[at] = int64(batch.TokenTypeIDs[tok])
			p.positions[at] = int64(batch.PositionIDs[tok])
		}
	}
	return p
}

func (p padded) tensor(kind inputKind) []int64 {
	switch kind {
	case inputMask:
		return p.mask
	case inputTokenTypes:
		return p.tokenTypes
	case inputPositions:
		return p.positions
	default:
		return p.ids
	}
}

// rows cuts a [n, width] float output into n independent rows.
func rows(data []float32, n, width int) ([][]float32, error) {
	if len(data) != n*width {
		return nil, backend.Inferencef("output holds %d values, want [%d, %d]", len(data), n, width)
	}
	out := make([][]float32, n)
	for i := range out {
		row := make([]float32, width)
		copy(row, data[i*width:(i+1)*width])
		out[i] = row
	}
	return out, nil
}
