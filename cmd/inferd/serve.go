package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/config"
	"github.com/raaihank/inference-backends/internal/monitor"
	"github.com/raaihank/inference-backends/internal/registry"
	"github.com/raaihank/inference-backends/internal/server"
	"github.com/raaihank/inference-backends/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the inference server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port, overrides server.port")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting inferd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	loaded, err := registry.Load(cfg.Model, log.Logger)
	if err != nil {
		log.Error("Failed to load backend", zap.String("kind", string(cfg.Model.Kind)), zap.Error(err))
		return err
	}
	defer func() {
		if err := loaded.Close(); err != nil {
			log.Warn("Failed to close backend", zap.Error(err))
		}
	}()

	deps := server.Deps{Backend: loaded, Version: version}
	if cfg.WebSocket.Enabled {
		deps.Hub = websocket.NewHub(websocket.HubConfig{
			BroadcastHealth:      cfg.WebSocket.Events.BroadcastHealth,
			BroadcastInference:   cfg.WebSocket.Events.BroadcastInference,
			BroadcastConnections: cfg.WebSocket.Events.BroadcastConnections,
			MaxConnections:       cfg.WebSocket.MaxConnections,
			AllowedOrigins:       cfg.WebSocket.AllowedOrigins,
			Username:             cfg.WebSocket.Username,
			Password:             cfg.WebSocket.Password,
		}, log.Logger)
	}
	if cfg.Monitor.Enabled {
		hub := deps.Hub
		deps.Monitor = monitor.New(loaded.Backend, cfg.Monitor.Interval, log.Logger, func(t monitor.Transition) {
			if hub == nil {
				return
			}
			event := websocket.HealthEvent{
				Backend:  string(loaded.Kind),
				Healthy:  t.Healthy,
				Previous: t.Previous,
			}
			if t.Err != nil {
				event.Error = t.Err.Error()
			}
			hub.BroadcastEvent(websocket.Event{Type: websocket.EventTypeHealth, Timestamp: t.At, Data: event})
		})
	}

	srv := server.New(cfg, log, deps)

	if err := config.Watch(srv.ApplyConfig, func(err error) {
		log.Warn("Ignoring invalid configuration change", zap.Error(err))
	}); err != nil {
		log.Info("Configuration hot reload disabled", zap.String("reason", err.Error()))
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		log.Error("Server error", zap.Error(err))
		return err
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Error("Failed to shutdown server gracefully", zap.Error(err))
		return err
	}
	log.Info("Server shutdown complete")
	return nil
}
