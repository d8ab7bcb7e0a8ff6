package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/backend/remote"
	"github.com/raaihank/inference-backends/internal/config"
	"github.com/raaihank/inference-backends/internal/indexer"
	"github.com/raaihank/inference-backends/internal/logger"
	"github.com/raaihank/inference-backends/internal/registry"
	"github.com/raaihank/inference-backends/internal/vector"
)

func newIndexCmd(flags *globalFlags) *cobra.Command {
	var (
		batchSize int
		workers   int
		skipIndex bool
	)
	cmd := &cobra.Command{
		Use:   "index FILE",
		Short: "Embed a pre-tokenized Parquet or JSON lines dataset into the vector store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("batch-size") {
				cfg.Indexer.BatchSize = batchSize
			}
			if cmd.Flags().Changed("workers") {
				cfg.Indexer.Workers = workers
			}
			if skipIndex {
				cfg.Indexer.CreateIndex = false
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			return withServices(cfg, func(log *logger.Logger, loaded *registry.Loaded, store *vector.Store) error {
				pipeline := indexer.NewPipeline(loaded.Backend, store, indexer.Config{
					BatchSize:      cfg.Indexer.BatchSize,
					Workers:        cfg.Indexer.Workers,
					CreateIndex:    cfg.Indexer.CreateIndex,
					Model:          loaded.Name,
					ProgressReport: 10 * cfg.Indexer.BatchSize,
				}, log.Logger)

				result, err := pipeline.ProcessFile(ctx, args[0])
				if result != nil {
					printJSON(cmd, result)
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Records per batch, overrides indexer.batch_size")
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker goroutines, overrides indexer.workers")
	cmd.Flags().BoolVar(&skipIndex, "skip-index", false, "Skip creating the vector index")
	return cmd
}

func newSearchCmd(flags *globalFlags) *cobra.Command {
	var (
		limit         int
		minSimilarity float32
		model         string
	)
	cmd := &cobra.Command{
		Use:   "search TOKEN_IDS",
		Short: "Embed comma separated token ids and list the nearest stored records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseTokenIDs(args[0])
			if err != nil {
				return err
			}
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}

			return withServices(cfg, func(log *logger.Logger, loaded *registry.Loaded, store *vector.Store) error {
				batch, err := backend.NewBatch(backend.Sequence{InputIDs: ids})
				if err != nil {
					return err
				}
				embeddings, err := loaded.Backend.Embed(batch)
				if err != nil {
					return fmt.Errorf("failed to embed query: %w", err)
				}

				results, err := store.FindSimilar(cmd.Context(), embeddings[0], &vector.SearchOptions{
					Limit:         limit,
					MinSimilarity: minSimilarity,
					Model:         model,
				})
				if err != nil {
					return err
				}
				for _, r := range results {
					r.Record.Embedding = nil
				}
				printJSON(cmd, results)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "Maximum number of results")
	cmd.Flags().Float32Var(&minSimilarity, "min-similarity", -1, "Minimum cosine similarity")
	cmd.Flags().StringVar(&model, "model", "", "Only return records written by this model")
	return cmd
}

func newStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show vector store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			store, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd, stats)
			return nil
		},
	}
}

func newHealthCheckCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health-check",
		Short: "Check the health of a running server and exit non-zero if it is unhealthy",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			client, err := remote.New(remote.Config{URL: url, Timeout: timeout}, zap.NewNop())
			if err != nil {
				exitf("Health check failed: %v", err)
			}
			if err := client.Health(); err != nil {
				exitf("Health check failed: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Health check passed")
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "Server base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

// withServices builds the logger, an embedding backend and the vector
// store, runs fn, and releases them.
func withServices(cfg *config.Config, fn func(*logger.Logger, *registry.Loaded, *vector.Store) error) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	loaded, err := registry.Load(cfg.Model, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to load backend: %w", err)
	}
	defer loaded.Close()
	if !loaded.ModelType.IsEmbedding() {
		return fmt.Errorf("model %s is a %s, indexing needs an embedding model", loaded.Name, loaded.ModelType)
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(log, loaded, store)
}

func openStore(cfg *config.Config, log *logger.Logger) (*vector.Store, error) {
	store, err := vector.NewStore(&vector.Config{
		DatabaseURL:     cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLife,
		Table:           cfg.Database.Table,
		Dimensions:      cfg.Database.Dimensions,
	}, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	return store, nil
}

// parseTokenIDs parses "101,2023,102".
func parseTokenIDs(s string) ([]uint32, error) {
	fields := strings.Split(s, ",")
	ids := make([]uint32, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", f, err)
		}
		ids = append(ids, uint32(id))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no token ids given")
	}
	return ids, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(cmd *cobra.Command, v any) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
	}
}
