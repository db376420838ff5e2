// Package cmd holds the threadloom command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"threadloom/pkg/config"
	"threadloom/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "threadloom",
	Short:         "Durable per-thread Slack conversation orchestrator",
	Long:          "threadloom keeps one durable conversation per Slack thread, routes each new message to a responder and posts the answer back into the thread.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "threadloom: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to threadloom.toml")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger installs the process logger as the slog default.
func setupLogger(cfg *config.Config) (*slog.Logger, error) {
	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	setDefaultLogger(appLogger)
	return appLogger, nil
}

func setDefaultLogger(log *slog.Logger) {
	slog.SetDefault(log)
}
