package core

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"notifyd/internal/queue"
	"notifyd/internal/types"
)

// MessageHandler processes and settles one message.
type MessageHandler interface {
	Handle(ctx context.Context, msg *queue.Message) error
}

// ErrSubscriptionClosed is returned by Consumer.Run when the broker ends the
// subscription while the consumer is still running.
var ErrSubscriptionClosed = errors.New("consumer: subscription closed")

// Consumer pulls one routing key with at most Prefetch messages in flight.
type Consumer struct {
	sub        queue.Subscriber
	routingKey string
	prefetch   int
	handler    MessageHandler
	logger     types.Logger
}

// NewConsumer creates a Consumer. prefetch below 1 means 1.
func NewConsumer(sub queue.Subscriber, routingKey string, prefetch int, handler MessageHandler, logger types.Logger) *Consumer {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Consumer{
		sub:        sub,
		routingKey: routingKey,
		prefetch:   prefetch,
		handler:    handler,
		logger:     logger.With("routing_key", routingKey),
	}
}

// Run consumes until ctx is cancelled or the subscription ends. Messages
// already being handled run to completion before Run returns; they are not
// cancelled with ctx.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.sub.Subscribe(ctx, c.routingKey, c.prefetch)
	if err != nil {
		return fmt.Errorf("consumer: subscribe %s: %w", c.routingKey, err)
	}
	c.logger.Info("consumer started", "prefetch", c.prefetch)

	handleCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(c.prefetch)

	for msg := range msgs {
		g.Go(func() error {
			if err := c.handler.Handle(handleCtx, msg); err != nil {
				c.logger.Error("failed to settle message", "message_id", msg.ID, "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		c.logger.Info("consumer stopped")
		return nil
	}
	return ErrSubscriptionClosed
}
