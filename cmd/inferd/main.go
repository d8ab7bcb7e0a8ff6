package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/raaihank/inference-backends/internal/backend"
	"github.com/raaihank/inference-backends/internal/config"
	"github.com/raaihank/inference-backends/internal/logger"
	"github.com/raaihank/inference-backends/internal/registry"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

var _ pflag.Value = (*backend.Pool)(nil)

// globalFlags are shared by every command that loads the configuration.
type globalFlags struct {
	configPath string
	kind       string
	pool       backend.Pool
}

func main() {
	cobra.CheckErr(newRootCmd().ExecuteContext(context.Background()))
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{pool: backend.PoolMean}

	rootCmd := &cobra.Command{
		Use:   "inferd",
		Short: "Serve and index with pluggable inference backends",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	pf.StringVar(&flags.kind, "backend", "", fmt.Sprintf("Backend kind, overrides model.kind %v", registry.Kinds()))
	pf.Var(&flags.pool, "pool", fmt.Sprintf("Pooling for embedding models, overrides model.pool %v", backend.Pools()))

	rootCmd.AddCommand(
		newServeCmd(flags),
		newIndexCmd(flags),
		newSearchCmd(flags),
		newStatsCmd(flags),
		newCacheCmd(flags),
		newHealthCheckCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads the configuration and applies command line overrides.
func (f *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if f.kind != "" {
		cfg.Model.Kind = registry.Kind(f.kind)
	}
	if cmd.Flags().Changed("pool") {
		cfg.Model.Pool = f.pool
	}
	if err := cfg.Model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}
	log, err := logger.New(loggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "inferd %s (commit: %s, built: %s)\n", version, commit, date)
			fmt.Fprintf(cmd.OutOrStdout(), "backends: %s\n", availableKinds())
		},
	}
}

func availableKinds() []registry.Kind {
	var kinds []registry.Kind
	for _, k := range registry.Kinds() {
		if k.Available() {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
