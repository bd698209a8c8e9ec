package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pevans/newsharvest/config"
	"github.com/pevans/newsharvest/logging"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "newsharvest",
	Short: "Harvest local news sources into a deduplicated store",
	Long: `newsharvest collects news items from configured HTML, feed and browser
sources, keeps those inside the daily window, and stores them in SQLite
with cluster keys so related stories can be processed together.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.newsharvest/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newSaveCmd())
	rootCmd.AddCommand(newPendingCmd())
	rootCmd.AddCommand(newMarkCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newSourcesCmd())
	rootCmd.AddCommand(newServeCmd())
}

// env is what every command needs after startup.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

func loadEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	return &env{cfg: cfg, logger: logger}, nil
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
