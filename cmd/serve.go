package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"threadloom/pkg/auth"
	"threadloom/pkg/bus"
	slackchannel "threadloom/pkg/channel/slack"
	"threadloom/pkg/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Slack orchestrator",
	Long:  "Runs the durable engine, the Slack events endpoint, health probes and the admin API in one process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateServe(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		appLogger, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		log := appLogger.With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slackGateway, err := slackchannel.NewGateway(cfg.Slack)
		if err != nil {
			return fmt.Errorf("configure slack gateway: %w", err)
		}

		mb := bus.NewMessageBus()
		defer mb.Close()

		a, err := buildApp(runCtx, cfg, slackGateway, mb)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.store.Close(); err != nil {
				log.Warn("Failed to close store", "error", err)
			}
		}()

		receiver, err := slackchannel.NewReceiver(cfg.Slack, admit(a.threads))
		if err != nil {
			return fmt.Errorf("configure slack receiver: %w", err)
		}

		issuer, err := auth.NewIssuer(cfg.Admin.JWTSecret)
		if err != nil {
			return err
		}

		svc, err := gateway.NewService(cfg.Server, gateway.Deps{
			Engine:   a.engine,
			Tasks:    a.tasks,
			Issuer:   issuer,
			Events:   receiver,
			Bus:      mb,
			Provider: a.router,
		}, appLogger)
		if err != nil {
			return fmt.Errorf("initialize gateway service: %w", err)
		}

		log.Info("threadloom started", "address", cfg.Server.Addr(), "store", cfg.Store.Driver, "dispatch_provider", cfg.Dispatch.Provider, "dispatch_model", cfg.Dispatch.Model)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("gateway runtime failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
