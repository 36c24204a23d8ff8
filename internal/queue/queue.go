// Package queue abstracts the message brokers the delivery workers consume
// from and publish to. RabbitMQ and SQS are supported; an in-memory broker
// backs tests and local runs.
package queue

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/types"
)

// Routing keys besides the per-channel keys ("email", "push").
const (
	RoutingStatus = "status"
	RoutingFailed = "failed"
	// RoutingFeedback carries provider feedback (SES bounce and complaint
	// notifications delivered through SNS).
	RoutingFeedback = "feedback"
)

// RoutingKey returns the routing key for a channel.
func RoutingKey(ch types.ChannelType) string {
	return string(ch)
}

// ErrClosed is returned when publishing on a closed broker.
var ErrClosed = errors.New("queue: broker closed")

// Acker settles a received message with the broker it came from.
type Acker interface {
	Ack(ctx context.Context, m *Message) error
	// Reject settles a message negatively. requeue=false dead-letters it.
	Reject(ctx context.Context, m *Message, requeue bool) error
}

// Message is a received broker message.
type Message struct {
	ID          string
	RoutingKey  string
	Body        []byte
	Headers     map[string]string
	EnqueuedAt  time.Time
	Redelivered bool

	// Tag is the broker-specific settlement handle (delivery tag, receipt
	// handle).
	Tag any

	acker Acker
}

// NewMessage creates a Message settled through acker.
func NewMessage(id, routingKey string, body []byte, acker Acker) *Message {
	return &Message{ID: id, RoutingKey: routingKey, Body: body, acker: acker}
}

// Ack acknowledges the message.
func (m *Message) Ack(ctx context.Context) error {
	if m.acker == nil {
		return nil
	}
	return m.acker.Ack(ctx, m)
}

// Reject negatively acknowledges the message.
func (m *Message) Reject(ctx context.Context, requeue bool) error {
	if m.acker == nil {
		return nil
	}
	return m.acker.Reject(ctx, m, requeue)
}

// Outbound is a message to publish.
type Outbound struct {
	ID      string
	Body    []byte
	Headers map[string]string
}

// Publisher publishes messages by routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg Outbound) error
	// PublishDelayed makes msg visible on routingKey after delay. The delay
	// is held by the broker, never by the caller.
	PublishDelayed(ctx context.Context, routingKey string, msg Outbound, delay time.Duration) error
}

// Subscriber delivers messages bound to a routing key. The returned channel
// is closed when ctx ends or the subscription is lost.
type Subscriber interface {
	Subscribe(ctx context.Context, routingKey string, prefetch int) (<-chan *Message, error)
}

// Broker is a full broker connection.
type Broker interface {
	Publisher
	Subscriber
	Ping(ctx context.Context) error
	Close() error
}
