// Package indexer embeds pre-tokenized datasets in bulk and writes the
// results to a vector store.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/guard"
	"github.com/raaihank/inference-backends/internal/vector"
)

// Sink receives embedded records. *vector.Store implements it.
type Sink interface {
	BatchInsert(ctx context.Context, records []*vector.Record) (*vector.BatchInsertResult, error)
	CreateIndex(ctx context.Context) error
}

// Pipeline reads a dataset, embeds it batch by batch and writes the results
// to a Sink.
type Pipeline struct {
	backend backend.Backend
	sink    Sink
	config  Config
	logger  *zap.Logger

	mu     sync.Mutex
	result *ProcessingResult
}

// NewPipeline creates a new indexing pipeline
func NewPipeline(b backend.Backend, sink Sink, config Config, logger *zap.Logger) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &Pipeline{
		backend: b,
		sink:    sink,
		config:  config,
		logger:  logger.With(zap.String("component", "indexer")),
	}
}

// ProcessFile indexes a Parquet or JSON lines file. Batches that fail are
// recorded in the result and do not stop the run; a read error or a
// cancelled ctx does.
func (p *Pipeline) ProcessFile(ctx context.Context, path string) (*ProcessingResult, error) {
	format, err := DetectFileFormat(path)
	if err != nil {
		return nil, err
	}
	reader, err := openReader(path, format)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	p.logger.Info("Starting indexer",
		zap.String("file", path),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.Workers))

	start := time.Now()
	p.mu.Lock()
	p.result = &ProcessingResult{}
	p.mu.Unlock()

	runErr := p.run(ctx, reader)

	result := p.snapshot()
	result.Duration = time.Since(start)

	if runErr == nil && p.config.CreateIndex && result.ProcessedOK > 0 {
		if err := p.sink.CreateIndex(ctx); err != nil {
			p.logger.Warn("Failed to create vector index", zap.Error(err))
		}
	}

	p.logger.Info("Indexer completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("invalid", result.Invalid),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("database_time", result.DatabaseTime))

	return result, runErr
}

// run reads batches on one goroutine and processes them on Workers others.
func (p *Pipeline) run(ctx context.Context, reader recordReader) error {
	g, ctx := errgroup.WithContext(ctx)
	batches := make(chan []Record, p.config.Workers)

	g.Go(func() error {
		defer close(batches)
		for {
			batch, err := readBatch(reader, p.config.BatchSize)
			if len(batch) > 0 {
				select {
				case batches <- batch:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read batch: %w", err)
			}
		}
	})

	for i := 0; i < p.config.Workers; i++ {
		g.Go(func() error {
			for batch := range batches {
				if err := ctx.Err(); err != nil {
					return err
				}
				p.processBatch(ctx, batch)
			}
			return nil
		})
	}

	return g.Wait()
}

// processBatch embeds and stores one batch, recording the outcome.
func (p *Pipeline) processBatch(ctx context.Context, records []Record) {
	valid := make([]Record, 0, len(records))
	var invalid []string
	for _, r := range records {
		if err := r.validate(); err != nil {
			invalid = append(invalid, err.Error())
			continue
		}
		valid = append(valid, r)
	}
	p.update(func(res *ProcessingResult) {
		res.TotalRecords += int64(len(records))
		res.Invalid += int64(len(invalid))
		res.Batches++
		res.Errors = append(res.Errors, invalid...)
	})
	if len(valid) == 0 {
		return
	}

	embeddingStart := time.Now()
	embedded, err := p.embed(ctx, valid)
	embeddingTime := time.Since(embeddingStart)
	if err != nil {
		p.logger.Error("Batch embedding failed", zap.Int("batch_size", len(valid)), zap.Error(err))
		p.fail(len(valid), err, embeddingTime, 0)
		return
	}

	dbStart := time.Now()
	res, err := p.sink.BatchInsert(ctx, embedded)
	dbTime := time.Since(dbStart)
	if err != nil {
		p.logger.Error("Batch insert failed", zap.Int("batch_size", len(embedded)), zap.Error(err))
		p.fail(len(valid), err, embeddingTime, dbTime)
		return
	}

	failed := int(res.Failed)
	p.update(func(r *ProcessingResult) {
		r.ProcessedOK += int64(len(valid) - failed)
		r.ProcessedFailed += int64(failed)
		r.EmbeddingTime += embeddingTime
		r.DatabaseTime += dbTime
		for _, e := range res.Errors {
			r.Errors = append(r.Errors, e.Error())
		}
	})
	p.reportProgress()
}

// embed runs records through the backend in chunks that respect its batch
// size hint.
func (p *Pipeline) embed(ctx context.Context, records []Record) ([]*vector.Record, error) {
	seqs := make([]backend.Sequence, len(records))
	for i, r := range records {
		seqs[i] = r.Sequence()
	}
	batch, err := backend.NewBatch(seqs...)
	if err != nil {
		return nil, err
	}

	size, _ := p.backend.MaxBatchSize()
	out := make([]*vector.Record, 0, len(records))
	for _, chunk := range batch.Split(size) {
		embeddings, err := guard.Call(ctx, func() ([]backend.Embedding, error) {
			return p.backend.Embed(chunk)
		})
		if err != nil {
			return nil, err
		}
		if len(embeddings) != chunk.Len() {
			return nil, backend.Inferencef("backend returned %d embeddings for %d sequences", len(embeddings), chunk.Len())
		}
		for _, e := range embeddings {
			r := records[len(out)]
			out = append(out, &vector.Record{
				ID:        r.ID,
				Model:     p.config.Model,
				Tokens:    len(r.InputIDs),
				Embedding: e,
			})
		}
	}
	return out, nil
}

func (p *Pipeline) fail(n int, err error, embeddingTime, dbTime time.Duration) {
	p.update(func(r *ProcessingResult) {
		r.ProcessedFailed += int64(n)
		r.EmbeddingTime += embeddingTime
		r.DatabaseTime += dbTime
		r.Errors = append(r.Errors, err.Error())
	})
}

func (p *Pipeline) update(fn func(*ProcessingResult)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.result)
}

func (p *Pipeline) snapshot() *ProcessingResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := *p.result
	res.Errors = append([]string(nil), p.result.Errors...)
	return &res
}

// reportProgress logs roughly every ProgressReport records, counted in whole
// batches.
func (p *Pipeline) reportProgress() {
	if p.config.ProgressReport <= 0 {
		return
	}
	p.mu.Lock()
	res := *p.result
	p.mu.Unlock()

	if res.Batches%int64(max(p.config.ProgressReport/p.config.BatchSize, 1)) != 0 {
		return
	}
	p.logger.Info("Indexing progress",
		zap.Int64("records", res.TotalRecords),
		zap.Int64("processed_ok", res.ProcessedOK),
		zap.Int64("processed_failed", res.ProcessedFailed),
		zap.Int64("batches", res.Batches))
}
