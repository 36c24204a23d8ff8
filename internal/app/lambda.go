package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"notifyd/internal/notifications/core"
	"notifyd/internal/queue"
	"notifyd/internal/types"
)

// LambdaHandler feeds SQS event batches for one channel through its
// pipeline and reports failed records for redelivery.
type LambdaHandler struct {
	routingKey string
	handler    core.MessageHandler
	deadLetter queue.Publisher
	logger     types.Logger
}

// NewLambdaHandler creates a handler for records arriving on routingKey.
// Dead letters are published through deadLetter.
func NewLambdaHandler(routingKey string, handler core.MessageHandler, deadLetter queue.Publisher, logger types.Logger) *LambdaHandler {
	return &LambdaHandler{
		routingKey: routingKey,
		handler:    handler,
		deadLetter: deadLetter,
		logger:     logger.With("routing_key", routingKey),
	}
}

// LambdaHandler returns the Lambda adapter for the worker's only channel.
// A Lambda function is bound to a single queue, so exactly one channel must
// be configured.
func (w *Worker) LambdaHandler() (*LambdaHandler, error) {
	if len(w.pipelines) != 1 {
		return nil, fmt.Errorf("app: lambda worker needs exactly one channel, got %d", len(w.pipelines))
	}
	p := w.pipelines[0]
	return NewLambdaHandler(queue.RoutingKey(p.Channel()), p, w.broker, w.logger), nil
}

// Handle processes every record in ev. Records are handled sequentially;
// the response lists the ones Lambda should redeliver.
func (h *LambdaHandler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	acker := queue.NewBatchAcker(h.deadLetter)
	for _, msg := range queue.MessagesFromSQSEvent(ev, h.routingKey, acker) {
		if err := h.handler.Handle(ctx, msg); err != nil {
			h.logger.Error("failed to process SQS record", "message_id", msg.ID, "error", err.Error())
			_ = acker.Reject(ctx, msg, true)
		}
	}

	resp := acker.Response()
	if n := len(resp.BatchItemFailures); n > 0 {
		h.logger.Warn("batch completed with failures", "records", len(ev.Records), "failures", n)
	}
	return resp, nil
}
