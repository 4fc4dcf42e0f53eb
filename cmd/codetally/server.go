package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codetally/codetally/internal/config"
	"github.com/codetally/codetally/internal/metrics"
	"github.com/codetally/codetally/internal/server"
	"github.com/codetally/codetally/internal/storage"
	"github.com/codetally/codetally/internal/storage/bolt"
	"github.com/codetally/codetally/internal/storage/redis"
	"github.com/codetally/codetally/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the aggregator server",
	Long: `Start the aggregator server. It accepts day-record deltas from agents
on /track, merges them additively into storage, and serves stats and
dashboard endpoints.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting CodeTally server")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Msg("Storage initialized")

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	apiServer := server.NewServer(server.Config{ListenAddr: apiAddr}, store, logger)

	if sdListeners.Activated && sdListeners.HTTP != nil {
		apiServer.SetListener(sdListeners.HTTP)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().Msgf("API: http://%s", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := apiServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("CodeTally server stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "redis":
		return redis.Open(cfg.Redis)
	case "bolt":
		return bolt.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
