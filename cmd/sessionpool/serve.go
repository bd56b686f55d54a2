package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/sessionpool/internal/app"
	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/server"
)

type serveCmd struct {
	Port            int           `short:"p" help:"Server port (overrides config)"`
	Host            string        `help:"Server host (overrides config)"`
	ShutdownTimeout time.Duration `default:"30s" help:"Grace period for in-flight validations and pending writes"`
}

func (cmd *serveCmd) Run(ctx context.Context, globals *Globals) error {
	config, err := globals.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration %v: %w", globals.Config, err)
	}
	common.ApplyFlagOverrides(config, cmd.Port, cmd.Host)
	logger := common.InitLogger(config)

	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", globals.Config).
		Str("storage_backend", config.Storage.Backend).
		Str("log_level", config.Logging.Level).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Msg("Application configuration loaded")

	application, err := app.New(ctx, config, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	srv := server.New(application)
	serverErr := make(chan error, 1)
	common.SafeGo(logger, "http-server", func() {
		serverErr <- srv.Start()
	})

	if err := application.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cmd.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		application.Close(shutdownCtx)
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Interrupt signal received")
	case runErr = <-serverErr:
		if runErr != nil {
			logger.Error().Err(runErr).Msg("HTTP server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cmd.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := application.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Application closed with errors")
	}

	logger.Info().Msg("Server stopped")
	return runErr
}
