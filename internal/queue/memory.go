package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Published records one publish on a MemoryBroker.
type Published struct {
	RoutingKey string
	Msg        Outbound
	Delay      time.Duration
}

// Settlement records how a message was settled on a MemoryBroker.
type Settlement struct {
	MessageID string
	Acked     bool
	Requeued  bool
}

// MemoryBroker is an in-process Broker. Rejected messages without requeue
// are routed to the failed key, mirroring the dead-letter exchange.
type MemoryBroker struct {
	mu         sync.Mutex
	queues     map[string]chan *Message
	published  []Published
	settled    []Settlement
	seq        int
	closed     bool
	publishErr error
	delayScale float64
	bufferSize int
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithDelayScale multiplies every PublishDelayed delay. 0 delivers delayed
// messages immediately.
func WithDelayScale(scale float64) MemoryOption {
	return func(b *MemoryBroker) { b.delayScale = scale }
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		queues:     make(map[string]chan *Message),
		delayScale: 1,
		bufferSize: 1024,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FailPublishes makes every subsequent publish return err. nil restores
// normal behavior.
func (b *MemoryBroker) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func (b *MemoryBroker) queue(routingKey string) chan *Message {
	q, ok := b.queues[routingKey]
	if !ok {
		q = make(chan *Message, b.bufferSize)
		b.queues[routingKey] = q
	}
	return q
}

// Publish enqueues msg on routingKey.
func (b *MemoryBroker) Publish(_ context.Context, routingKey string, msg Outbound) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkPublish(); err != nil {
		return err
	}
	b.published = append(b.published, Published{RoutingKey: routingKey, Msg: msg})
	b.enqueueLocked(routingKey, msg, false)
	return nil
}

// PublishDelayed enqueues msg on routingKey after the scaled delay.
func (b *MemoryBroker) PublishDelayed(_ context.Context, routingKey string, msg Outbound, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkPublish(); err != nil {
		return err
	}
	b.published = append(b.published, Published{RoutingKey: routingKey, Msg: msg, Delay: delay})

	scaled := time.Duration(float64(delay) * b.delayScale)
	if scaled <= 0 {
		b.enqueueLocked(routingKey, msg, false)
		return nil
	}
	time.AfterFunc(scaled, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.closed {
			b.enqueueLocked(routingKey, msg, false)
		}
	})
	return nil
}

func (b *MemoryBroker) checkPublish() error {
	if b.closed {
		return ErrClosed
	}
	return b.publishErr
}

func (b *MemoryBroker) enqueueLocked(routingKey string, msg Outbound, redelivered bool) {
	b.seq++
	id := msg.ID
	if id == "" {
		id = "mem-" + strconv.Itoa(b.seq)
	}
	m := NewMessage(id, routingKey, msg.Body, b)
	m.Headers = msg.Headers
	m.EnqueuedAt = time.Now()
	m.Redelivered = redelivered
	m.Tag = b.seq
	select {
	case b.queue(routingKey) <- m:
	default:
		// Queue full: drop, as x-max-length would.
	}
}

// Subscribe streams messages on routingKey until ctx ends.
func (b *MemoryBroker) Subscribe(ctx context.Context, routingKey string, _ int) (<-chan *Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	q := b.queue(routingKey)
	b.mu.Unlock()

	out := make(chan *Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-q:
				select {
				case out <- m:
				case <-ctx.Done():
					b.mu.Lock()
					b.enqueueLocked(routingKey, Outbound{ID: m.ID, Body: m.Body, Headers: m.Headers}, true)
					b.mu.Unlock()
					return
				}
			}
		}
	}()
	return out, nil
}

// Ack implements Acker.
func (b *MemoryBroker) Ack(_ context.Context, m *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled = append(b.settled, Settlement{MessageID: m.ID, Acked: true})
	return nil
}

// Reject implements Acker.
func (b *MemoryBroker) Reject(_ context.Context, m *Message, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled = append(b.settled, Settlement{MessageID: m.ID, Requeued: requeue})
	out := Outbound{ID: m.ID, Body: m.Body, Headers: m.Headers}
	if requeue {
		b.enqueueLocked(m.RoutingKey, out, true)
		return nil
	}
	b.enqueueLocked(RoutingFailed, out, false)
	return nil
}

// Ping implements Broker.
func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Published returns the publishes made to routingKey, or all publishes
// when routingKey is "".
func (b *MemoryBroker) Published(routingKey string) []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Published
	for _, p := range b.published {
		if routingKey == "" || p.RoutingKey == routingKey {
			out = append(out, p)
		}
	}
	return out
}

// Settlements returns every ack and reject in order.
func (b *MemoryBroker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settled...)
}

// Pending returns how many messages wait on routingKey.
func (b *MemoryBroker) Pending(routingKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(routingKey))
}

// Take removes and returns the next waiting message on routingKey, or nil.
func (b *MemoryBroker) Take(routingKey string) *Message {
	b.mu.Lock()
	q := b.queue(routingKey)
	b.mu.Unlock()
	select {
	case m := <-q:
		return m
	default:
		return nil
	}
}

var _ Broker = (*MemoryBroker)(nil)
