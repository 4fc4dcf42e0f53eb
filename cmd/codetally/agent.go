package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codetally/codetally/internal/agent"
	"github.com/codetally/codetally/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds the final flush and delivery on exit.
const shutdownTimeout = 10 * time.Second

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the local tracking agent",
	Long: `Start the local tracking agent. The agent listens for editor activity
signals on localhost, accumulates coding time, and syncs it to the
configured aggregator.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting CodeTally agent")

	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}

	if err := a.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, flushing and stopping")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Stop(ctx)

	return nil
}
