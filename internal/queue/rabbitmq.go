package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"notifyd/internal/types"
)

// RabbitMQ connection retry schedule.
const (
	dialAttempts = 5
	dialBackoff  = 2 * time.Second
)

// consumerDrainTimeout bounds how long a cancelled subscription keeps its
// channel open for handlers that still have to settle.
const consumerDrainTimeout = 30 * time.Second

// amqpChannel is the subset of *amqp.Channel the broker uses after setup.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// RabbitMQBroker publishes to a direct exchange with publisher confirms and
// consumes one queue per routing key. Rejected channel messages dead-letter
// to the failed queue through the queue's DLX arguments.
type RabbitMQBroker struct {
	conn     *amqp.Connection
	topology Topology
	logger   types.Logger

	pubMu sync.Mutex
	pubCh amqpChannel

	drainTimeout time.Duration

	declMu   sync.Mutex
	declared map[string]bool
}

// DialRabbitMQ connects, retrying with a fixed backoff, and declares the
// topology.
func DialRabbitMQ(ctx context.Context, url string, topo Topology, logger types.Logger) (*RabbitMQBroker, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq dial failed", "attempt", attempt, "error", err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialBackoff):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("queue: rabbitmq unreachable after %d attempts: %w", dialAttempts, err)
	}

	b := &RabbitMQBroker{
		conn:         conn,
		topology:     topo,
		logger:       logger,
		declared:     make(map[string]bool),
		drainTimeout: consumerDrainTimeout,
	}
	if err := b.setup(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *RabbitMQBroker) setup() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.topology.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare exchange %s: %w", b.topology.Exchange, err)
	}
	for _, key := range b.topology.RoutingKeys() {
		name := b.topology.QueueName(key)
		if _, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table(b.topology.QueueArgs(key))); err != nil {
			return fmt.Errorf("queue: declare %s: %w", name, err)
		}
		if err := ch.QueueBind(name, key, b.topology.Exchange, false, nil); err != nil {
			return fmt.Errorf("queue: bind %s: %w", name, err)
		}
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("queue: enable confirms: %w", err)
	}
	b.pubCh = ch
	return nil
}

// Publish sends msg to the exchange with routingKey.
func (b *RabbitMQBroker) Publish(ctx context.Context, routingKey string, msg Outbound) error {
	return b.publish(ctx, b.topology.Exchange, routingKey, msg)
}

// PublishDelayed parks msg in the retry bucket queue for routingKey. The
// bucket TTL dead-letters it back onto the exchange with routingKey.
func (b *RabbitMQBroker) PublishDelayed(ctx context.Context, routingKey string, msg Outbound, delay time.Duration) error {
	bucket := RetryDelayBucket(delay)
	name := b.topology.RetryQueueName(routingKey, bucket)
	if err := b.declareRetryQueue(routingKey, bucket, name); err != nil {
		return err
	}
	// The default exchange routes by queue name.
	return b.publish(ctx, "", name, msg)
}

func (b *RabbitMQBroker) declareRetryQueue(routingKey string, bucket time.Duration, name string) error {
	b.declMu.Lock()
	defer b.declMu.Unlock()
	if b.declared[name] {
		return nil
	}

	b.pubMu.Lock()
	_, err := b.pubCh.QueueDeclare(name, true, false, false, false, amqp.Table(b.topology.RetryQueueArgs(routingKey, bucket)))
	b.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("queue: declare retry queue %s: %w", name, err)
	}
	b.declared[name] = true
	return nil
}

func (b *RabbitMQBroker) publish(ctx context.Context, exchange, key string, msg Outbound) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	// Every routing key is bound at setup and retry queues are declared
	// before use, so publishes are not mandatory: returns would be dropped
	// by the client while the confirm still acks.
	b.pubMu.Lock()
	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Body,
	})
	b.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("queue: publish to %s/%s: %w", exchange, key, err)
	}
	if confirm == nil {
		// Channel not in confirm mode.
		return nil
	}

	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("queue: await confirm for %s/%s: %w", exchange, key, err)
	}
	if !ok {
		return fmt.Errorf("queue: broker nacked publish to %s/%s", exchange, key)
	}
	return nil
}

// Subscribe consumes the queue bound to routingKey on a dedicated channel
// with the given prefetch. When ctx ends the consumer is cancelled and the
// returned channel closed, but the AMQP channel stays open until every
// delivered message is settled (or the drain timeout passes), so handlers
// finishing after shutdown can still ack.
func (b *RabbitMQBroker) Subscribe(ctx context.Context, routingKey string, prefetch int) (<-chan *Message, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open consumer channel: %w", err)
	}
	return b.consume(ctx, ch, routingKey, prefetch)
}

func (b *RabbitMQBroker) consume(ctx context.Context, ch amqpChannel, routingKey string, prefetch int) (<-chan *Message, error) {
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue: set prefetch: %w", err)
	}

	sub := &rabbitSubscription{
		ch:           ch,
		tag:          "notifyd-" + routingKey + "-" + uuid.NewString(),
		routingKey:   routingKey,
		drainTimeout: b.drainTimeout,
		logger:       b.logger,
	}
	deliveries, err := ch.Consume(b.topology.QueueName(routingKey), sub.tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue: consume %s: %w", routingKey, err)
	}

	out := make(chan *Message)
	go func() {
		defer sub.drainAndClose()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				sub.cancel()
				return
			case d, ok := <-deliveries:
				if !ok {
					b.logger.Warn("rabbitmq delivery channel closed", "routing_key", routingKey)
					return
				}
				m := NewMessage(d.MessageId, routingKey, d.Body, sub)
				m.Tag = d
				m.EnqueuedAt = d.Timestamp
				m.Redelivered = d.Redelivered
				m.Headers = headerStrings(d.Headers)
				sub.track(d.DeliveryTag)
				select {
				case out <- m:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					sub.settled(d.DeliveryTag)
					sub.cancel()
					return
				}
			}
		}
	}()
	return out, nil
}

// rabbitSubscription settles the messages of one consumer channel and keeps
// that channel open until they are all settled.
type rabbitSubscription struct {
	ch           amqpChannel
	tag          string
	routingKey   string
	drainTimeout time.Duration
	logger       types.Logger

	pending   sync.WaitGroup
	unsettled sync.Map
}

func (s *rabbitSubscription) track(tag uint64) {
	s.pending.Add(1)
	s.unsettled.Store(tag, struct{}{})
}

func (s *rabbitSubscription) settled(tag uint64) {
	if _, ok := s.unsettled.LoadAndDelete(tag); ok {
		s.pending.Done()
	}
}

// cancel stops new deliveries. Deliveries buffered but not yet handed out
// are requeued by the broker when the channel closes.
func (s *rabbitSubscription) cancel() {
	if err := s.ch.Cancel(s.tag, false); err != nil {
		s.logger.Warn("rabbitmq consumer cancel failed", "routing_key", s.routingKey, "error", err.Error())
	}
}

func (s *rabbitSubscription) drainAndClose() {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.drainTimeout):
		s.logger.Warn("closing rabbitmq consumer with unsettled messages", "routing_key", s.routingKey)
	}
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		s.logger.Warn("rabbitmq consumer channel close failed", "routing_key", s.routingKey, "error", err.Error())
	}
}

// Ack implements Acker.
func (s *rabbitSubscription) Ack(_ context.Context, m *Message) error {
	d, err := delivery(m)
	if err != nil {
		return err
	}
	defer s.settled(d.DeliveryTag)
	return d.Ack(false)
}

// Reject implements Acker. Without requeue the queue's dead-letter
// arguments route the message to the failed queue.
func (s *rabbitSubscription) Reject(_ context.Context, m *Message, requeue bool) error {
	d, err := delivery(m)
	if err != nil {
		return err
	}
	defer s.settled(d.DeliveryTag)
	return d.Reject(requeue)
}

func headerStrings(t amqp.Table) map[string]string {
	out := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func delivery(m *Message) (amqp.Delivery, error) {
	d, ok := m.Tag.(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, errors.New("queue: message was not received from rabbitmq")
	}
	return d, nil
}

// Ping reports whether the connection is open.
func (b *RabbitMQBroker) Ping(context.Context) error {
	if b.conn.IsClosed() {
		return errors.New("queue: rabbitmq connection closed")
	}
	return nil
}

// Close closes the publish channel and connection.
func (b *RabbitMQBroker) Close() error {
	b.pubMu.Lock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	b.pubMu.Unlock()
	return b.conn.Close()
}

var _ Broker = (*RabbitMQBroker)(nil)
