package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lucid-vigil/threatcore/pkg/app"
	"github.com/lucid-vigil/threatcore/pkg/config"
	"github.com/lucid-vigil/threatcore/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engines on their schedules and serve the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var running atomic.Pointer[app.App]
	cfg, err := config.Watch(configPath, func(next *config.Config, err error) {
		if err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}
		a := running.Load()
		if a == nil {
			return
		}
		if err := a.ApplyConfig(ctx, next); err != nil {
			log.Error().Err(err).Msg("Rejected configuration change")
		}
	})
	if err != nil {
		return err
	}
	setupLogging(cfg)

	log.Info().Msg("threatcore starting...")
	log.Info().Msgf("Configuration loaded: LogLevel=%s, APIPort=%s", cfg.LogLevel, cfg.APIPort)

	a, err := app.New(cfg, log.Logger)
	if err != nil {
		return err
	}
	running.Store(a)
	log.Info().Int64("seed", a.Seed()).Msg("Engines initialized")

	if err := a.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("threatcore stopped.")
	return nil
}

func setupLogging(cfg *config.Config) {
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	logger.InitLoggerWithFormat(cfg.LogLevel, cfg.LogFormat)
}
