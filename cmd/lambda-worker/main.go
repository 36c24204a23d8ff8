// Command lambda-worker runs one channel's delivery pipeline as an SQS
// triggered Lambda function. WORKER_CHANNELS must name exactly one channel
// and BROKER_KIND should be sqs so retries and status events go back to SQS.
//
// With APP_ENV=local the function reads a single SQS event JSON document
// from stdin, handles it and prints the batch response, which is handy for
// replaying captured events:
//
//	APP_ENV=local WORKER_CHANNELS=email go run ./cmd/lambda-worker < event.json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"notifyd/internal/app"
	"notifyd/internal/logging"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lambda-worker: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Service, cfg.LogLevel)
	ctx := context.Background()

	// Built once per cold start and reused across invocations.
	w, err := app.NewWorker(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize worker", "error", err)
		os.Exit(1)
	}
	defer w.Close()

	h, err := w.LambdaHandler()
	if err != nil {
		logger.Error("invalid lambda configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Environment == "local" {
		if err := replay(ctx, h, os.Stdin, os.Stdout); err != nil {
			logger.Error("local replay failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("lambda worker starting", "channels", cfg.Worker.Channels, "version", cfg.Build.Version)
	lambda.Start(h.Handle)
}

// replay handles one SQS event read from r and writes the response to out.
func replay(ctx context.Context, h *app.LambdaHandler, r io.Reader, out io.Writer) error {
	var ev events.SQSEvent
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return fmt.Errorf("decode sqs event: %w", err)
	}

	resp, err := h.Handle(ctx, ev)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
