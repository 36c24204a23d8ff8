// Command status-tracker consumes status events and provider feedback and
// keeps the notification status table in Postgres current.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"notifyd/internal/app"
	"notifyd/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "status-tracker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Service, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t, err := app.NewTracker(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer t.Close()

	logger.Info("status tracker starting", "env", cfg.Environment, "broker", cfg.Broker.Kind)

	if err := t.Run(ctx); err != nil {
		logger.Error("status tracker stopped with error", "error", err)
		return err
	}
	return nil
}
