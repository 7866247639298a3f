package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfinch/spyglass/internal/app"
	"github.com/mfinch/spyglass/internal/common"
)

func main() {
	configPath := os.Getenv("SPYGLASS_CONFIG")

	ctx := context.Background()
	a, err := app.NewApp(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner(a.Config, a.Logger)

	// Startup recovery: one watchdog pass before the scheduler begins, so
	// runs interrupted by the previous container are repaired first.
	if report, err := a.Watchdog.RunOnce(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("Startup recovery pass failed")
	} else if report.StaleMarkedFailed > 0 || report.MissingEnqueued > 0 {
		a.Logger.Info().
			Int("stale_failed", report.StaleMarkedFailed).
			Int("missing_enqueued", report.MissingEnqueued).
			Msg("Startup recovery repaired interrupted work")
	}

	if err := a.Start(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("Failed to start background services")
		a.Close()
		os.Exit(1)
	}

	go func() {
		if err := a.Server.Start(); err != nil && err != http.ErrServerClosed {
			a.Logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	a.Logger.Info().
		Str("url", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)).
		Str("ws", fmt.Sprintf("ws://localhost:%d/ws/jobs", a.Config.Server.Port)).
		Msg("Server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	common.PrintShutdownBanner(a.Logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	a.Close()
	a.Logger.Info().Msg("Server stopped")
}
