package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"threadloom/pkg/bus"
	"threadloom/pkg/channel/local"
	"threadloom/pkg/logger"
	"threadloom/pkg/ui/chat"
)

const (
	consoleChannel = "C_CONSOLE"
	consoleUser    = "U_CONSOLE"
)

var (
	consoleLogFile string
	consolePersist bool
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Chat with the orchestrator in a simulated thread",
	Long:  "Runs the engine in-process against a simulated channel. The first line you type mentions the bot and starts a thread; later lines reply in it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !consolePersist {
			cfg.Store.Driver = "memory"
		}
		if err := cfg.ValidateLocal(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		fileLogger, closer, err := logger.NewFile(cfg.Logging, consoleLogFile)
		if err != nil {
			return err
		}
		defer closer.Close()
		log := fileLogger.With("component", "cmd.console")
		setDefaultLogger(fileLogger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mb := bus.NewMessageBus()
		defer mb.Close()

		gw := local.New(mb)
		a, err := buildApp(ctx, cfg, gw, mb)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.close(); err != nil {
				log.Warn("Shutdown incomplete", "error", err)
			}
		}()

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		go func() {
			if err := a.engine.Run(runCtx); err != nil {
				log.Error("Engine stopped", "error", err)
			}
		}()

		console := local.NewConsole(gw, mb, fileLogger)
		go func() {
			if err := console.Run(runCtx, admit(a.threads)); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Console adapter stopped", "error", err)
			}
		}()

		log.Info("Console started", "store", cfg.Store.Driver, "dispatch_model", cfg.Dispatch.Model)
		return chat.RunInteractive(ctx, chat.Options{
			Bus:     mb,
			Channel: consoleChannel,
			User:    consoleUser,
			Info:    chat.RuntimeInfo{Store: cfg.Store.Driver, Router: cfg.Dispatch.Model},
			Reset:   func() { console.Reset(consoleChannel) },
		})
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&consoleLogFile, "log-file", ".threadloom/console.log", "file receiving logs while the console owns the terminal")
	consoleCmd.Flags().BoolVar(&consolePersist, "persist", false, "use the configured store instead of an in-memory journal")
}
