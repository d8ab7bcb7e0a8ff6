//go:build onnx
// +build onnx

package onnxbackend

import (
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/pooling"
	"github.com/raaihank/inference-backends/internal/backend/stats"
)

// Available reports whether this binary was built with ONNX Runtime.
const Available = true

// The runtime environment is process-wide; it lives while any backend does.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(sharedLib string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if sharedLib != "" {
			ort.SetSharedLibraryPath(sharedLib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return err
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		_ = ort.DestroyEnvironment()
	}
}

// Backend serializes session runs internally and is safe for concurrent use.
type Backend struct {
	backend.Limit

	cfg       Config
	modelType backend.ModelType
	logger    *zap.Logger
	stats     *stats.Recorder

	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputs     []inputKind
	outputName string
}

// New loads cfg.ModelPath into an ONNX Runtime session. Every failure is
// reported as a Start error.
func New(cfg Config, modelType backend.ModelType, logger *zap.Logger) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	if err := acquireEnvironment(cfg.sharedLibrary()); err != nil {
		return nil, backend.Startf("onnx runtime environment: %v", err)
	}
	b, err := open(cfg, modelType, logger)
	if err != nil {
		releaseEnvironment()
		return nil, err
	}

	logger.Info("ONNX backend ready",
		zap.String("model", cfg.ModelPath),
		zap.String("model_type", modelType.String()),
		zap.String("output", b.outputName),
		zap.Duration("load_time", time.Since(start)))
	return b, nil
}

func open(cfg Config, modelType backend.ModelType, logger *zap.Logger) (*Backend, error) {
	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, backend.Startf("inspect onnx model: %v", err)
	}

	names := make([]string, 0, len(inputsInfo))
	kinds := make([]inputKind, 0, len(inputsInfo))
	for _, info := range inputsInfo {
		kind, err := classifyInput(info.Name)
		if err != nil {
			return nil, backend.Start(err.Error())
		}
		names = append(names, info.Name)
		kinds = append(kinds, kind)
	}

	if len(outputsInfo) == 0 {
		return nil, backend.Start("onnx model declares no outputs")
	}
	outputName := outputsInfo[0].Name
	if cfg.OutputName != "" {
		outputName = ""
		for _, info := range outputsInfo {
			if info.Name == cfg.OutputName {
				outputName = info.Name
			}
		}
		if outputName == "" {
			return nil, backend.Startf("onnx model has no output %q", cfg.OutputName)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, names, []string{outputName}, nil)
	if err != nil {
		return nil, backend.Startf("create onnx session: %v", err)
	}

	return &Backend{
		Limit:      backend.Limit(cfg.MaxBatchSize),
		cfg:        cfg,
		modelType:  modelType,
		logger:     logger,
		stats:      stats.NewRecorder("onnx"),
		session:    session,
		inputs:     kinds,
		outputName: outputName,
	}, nil
}

// Health reports Unhealthy once the session is gone.
func (b *Backend) Health() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return backend.Unhealthy()
	}
	return nil
}

// Stats returns the call statistics.
func (b *Backend) Stats() stats.Snapshot {
	return b.stats.Snapshot()
}

// Close destroys the session. Later calls report Unhealthy.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	releaseEnvironment()
	return err
}

func (b *Backend) Embed(batch backend.Batch) ([]backend.Embedding, error) {
	start := time.Now()
	out, err := b.embed(batch)
	b.stats.Record(batch.Len(), batch.Tokens(), time.Since(start), err)
	return out, err
}

func (b *Backend) embed(batch backend.Batch) ([]backend.Embedding, error) {
	if err := b.Health(); err != nil {
		return nil, err
	}
	pool, ok := b.modelType.Pool()
	if !ok {
		return nil, backend.Inference("embed called on a classifier model")
	}
	p, data, shape, err := b.run(batch)
	if err != nil {
		return nil, err
	}

	var out []backend.Embedding
	switch len(shape) {
	case 3:
		// [n, L, d] token states
		out, err = pooling.Padded(pool, data, p.lengths, int(shape[1]), int(shape[2]))
	case 2:
		// [n, d] already pooled by the graph
		var rs [][]float32
		rs, err = rows(data, p.n, int(shape[1]))
		out = make([]backend.Embedding, len(rs))
		for i, r := range rs {
			out[i] = r
		}
	default:
		err = backend.Inferencef("unsupported embedding output shape %v", shape)
	}
	if err != nil {
		return nil, err
	}
	if b.cfg.Normalize {
		pooling.NormalizeAll(out)
	}
	return out, nil
}

func (b *Backend) Predict(batch backend.Batch) ([][]float32, error) {
	start := time.Now()
	out, err := b.predict(batch)
	b.stats.Record(batch.Len(), batch.Tokens(), time.Since(start), err)
	return out, err
}

func (b *Backend) predict(batch backend.Batch) ([][]float32, error) {
	if err := b.Health(); err != nil {
		return nil, err
	}
	if !b.modelType.IsClassifier() {
		return nil, backend.Inference("predict called on an embedding model")
	}
	p, data, shape, err := b.run(batch)
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 {
		return nil, backend.Inferencef("unsupported classifier output shape %v", shape)
	}
	return rows(data, p.n, int(shape[1]))
}

// run feeds the padded batch to the session and returns a copy of the
// single float32 output with its shape.
func (b *Backend) run(batch backend.Batch) (padded, []float32, ort.Shape, error) {
	if err := backend.CheckBatch(batch); err != nil {
		return padded{}, nil, nil, err
	}
	p := pad(batch)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return p, nil, nil, backend.Unhealthy()
	}

	shape := ort.NewShape(int64(p.n), int64(p.width))
	inputs := make([]ort.Value, len(b.inputs))
	for i, kind := range b.inputs {
		t, err := ort.NewTensor(shape, p.tensor(kind))
		if err != nil {
			return p, nil, nil, backend.Inferencef("create input tensor: %v", err)
		}
		defer t.Destroy()
		inputs[i] = t
	}

	outputs := []ort.Value{nil}
	if err := b.session.Run(inputs, outputs); err != nil {
		return p, nil, nil, backend.Inferencef("onnx run: %v", err)
	}
	if outputs[0] == nil {
		return p, nil, nil, backend.Inference("onnx returned no output")
	}
	defer outputs[0].Destroy()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return p, nil, nil, backend.Inference("onnx output is not a float32 tensor")
	}
	outShape := tensor.GetShape()
	if len(outShape) == 0 || int(outShape[0]) != p.n {
		return p, nil, nil, backend.Inferencef("onnx output shape %v for %d sequences", outShape, p.n)
	}
	data := make([]float32, len(tensor.GetData()))
	copy(data, tensor.GetData())
	return p, data, outShape.Clone(), nil
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ stats.Reporter  = (*Backend)(nil)
)
