package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sessrun/sessrun/internal/app"
	"github.com/sessrun/sessrun/internal/config"
)

// runLive starts the configured session against the live feed and
// blocks until a signal or a fatal runtime error.
func runLive(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Mode != config.ModeLive {
		return fmt.Errorf("config mode is %q, the run command needs mode: live", cfg.Mode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("app", appName).Str("version", version).
		Str("session", cfg.SessionName).Msg("starting live session")

	rt, err := app.New(ctx, cfg, app.Options{Version: version})
	if err != nil {
		return fmt.Errorf("failed to wire runtime: %w", err)
	}
	if err := rt.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("live session finished")
	return nil
}
