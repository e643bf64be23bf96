// Command api-gateway runs the authenticated LLM gateway and its
// maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/internal/observability"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// envFile is read before the environment is consulted
var envFile = ".env"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "api-gateway",
		Short: "Authenticated streaming gateway in front of LLM providers.",
		Long: `api-gateway authenticates users, enforces per-user quotas and relays
completions from an upstream LLM provider over SSE and WebSocket.

Configuration is read from the environment, after loading a .env file
if one is present.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", envFile, "dotenv file loaded before reading the environment")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newUserCmd(),
		newKeysCmd(),
	)
	return root
}

// loadConfig loads and validates the full configuration
func loadConfig(ctx context.Context) (*config.Config, error) {
	_ = godotenv.Load(envFile)
	return config.New(ctx)
}

// loadDatabaseConfig loads only what the store commands need, so they run
// without a signing key or provider keys
func loadDatabaseConfig() (*config.Config, error) {
	_ = godotenv.Load(envFile)
	cfg := config.Load()
	if err := cfg.Database.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
