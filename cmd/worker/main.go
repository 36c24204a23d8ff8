// Command worker is the long-running notification worker. It consumes the
// channel queues selected by WORKER_CHANNELS from RabbitMQ or SQS, delivers
// through the configured providers and serves the ops endpoints on OPS_PORT.
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
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
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

	w, err := app.NewWorker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	logger.Info("worker starting",
		"env", cfg.Environment,
		"channels", cfg.Worker.Channels,
		"broker", cfg.Broker.Kind,
		"version", cfg.Build.Version,
	)

	if err := w.Run(ctx); err != nil {
		logger.Error("worker stopped with error", "error", err)
		return err
	}

	logger.Info("worker stopped")
	return nil
}
