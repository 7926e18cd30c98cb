package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/neuralconstruct/construct/config"
	"github.com/neuralconstruct/construct/errors"
	"github.com/neuralconstruct/construct/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Run the gateway. With a config file the origin allowlist and rate limit
are reloaded whenever the file changes. CONSTRUCT_* environment variables
override the file.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	path := configPath(cmd)
	cfg, err := loadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	errors.SetLogger(logger)

	var watcher config.Watcher
	if path != "" {
		watcher, err = config.NewConfigWatcher(path, logger.Named("config"))
		if err != nil {
			return err
		}
	} else {
		logger.Info("No config file, using built-in defaults")
		watcher = config.NewStaticWatcher(cfg)
	}

	defer watcher.Close()

	srv, err := server.NewServerWithConfig(watcher, nil, logger, nil)
	if err != nil {
		return fmt.Errorf("server initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting construct",
		zap.String("version", cmd.Root().Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("config", path),
	)
	if err := srv.Start(ctx); err != nil {
		logger.Error("Server runtime error", zap.Error(err))
		return err
	}
	return nil
}
