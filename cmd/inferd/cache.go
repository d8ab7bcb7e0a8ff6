package main

import (
	"github.com/spf13/cobra"

	"github.com/raaihank/inference-backends/internal/backend/cached"
)

func newCacheCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the Redis result cache",
	}

	// withStore connects to the configured Redis store and runs fn.
	withStore := func(cmd *cobra.Command, fn func(*cached.RedisStore) error) error {
		cfg, err := flags.load(cmd)
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		store, err := cached.NewRedisStore(cfg.Model.Cache.Redis, log.Logger)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(store)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show Redis memory and key counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(store *cached.RedisStore) error {
					stats, err := store.Stats(cmd.Context())
					if err != nil {
						return err
					}
					printJSON(cmd, stats)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every cached result under the configured key prefix",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(store *cached.RedisStore) error {
					return store.Clear(cmd.Context())
				})
			},
		},
	)
	return cmd
}
