package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-bot/internal/bot"
	"github.com/park285/cheese-chess-bot/internal/config"
	"github.com/park285/cheese-chess-bot/internal/obslog"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the chat platform and serve games",
		Long:  "Loads configuration from the environment (and an optional YAML file), connects the transport and serves until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := os.Setenv("CHESS_CONFIG_FILE", configPath); err != nil {
					return err
				}
			}
			return runBot(cmd)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (overrides CHESS_CONFIG_FILE)")
	return cmd
}

func runBot(cmd *cobra.Command) error {
	logger, err := obslog.InitFromEnv()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bot.Build(ctx, cfg, logger, bot.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	logger.Info("starting", zap.String("version", Version), zap.String("transport", cfg.Transport))
	if err := app.Run(ctx); err != nil {
		logger.Error("stopped_with_error", zap.Error(err))
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "chess-bot stopped")
	return nil
}
