package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/permitwatch/internal/app"
	"github.com/ternarybob/permitwatch/internal/common"
	"github.com/ternarybob/permitwatch/internal/server"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Host the monitors and serve the dashboard API",
		Long: `Starts the HTTP server with the WebSocket dashboard feed, the REST API and
Prometheus metrics. Jobs watched before the last shutdown are resumed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}
}

func runServe(flags *globalFlags) error {
	config, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}

	common.PrintBanner(common.GetVersion())

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	srv := server.New(application)

	serverErr := make(chan error, 1)
	common.SafeGo(logger, "http-server", func() {
		serverErr <- srv.Start()
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Interrupt signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Server stopped")
	return nil
}
