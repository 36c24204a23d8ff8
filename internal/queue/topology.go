package queue

import (
	"fmt"
	"math"
	"time"

	"notifyd/internal/types"
)

// Topology names the exchange and queues shared by every worker:
//
//	exchange notifications.direct (direct, durable)
//	email.queue    <- "email"    (dead-letters to "failed")
//	push.queue     <- "push"     (dead-letters to "failed")
//	status.queue   <- "status"
//	failed.queue   <- "failed"
//	feedback.queue <- "feedback"
//
// Delayed retries go through <queue>.retry.<N>s queues whose messages
// dead-letter back to the channel routing key once their TTL expires.
type Topology struct {
	Exchange   string
	MessageTTL time.Duration
	MaxLength  int
}

// DefaultTopology returns the production names and limits.
func DefaultTopology() Topology {
	return Topology{
		Exchange:   "notifications.direct",
		MessageTTL: 24 * time.Hour,
		MaxLength:  100000,
	}
}

// RoutingKeys lists every routing key the topology binds.
func (t Topology) RoutingKeys() []string {
	keys := make([]string, 0, len(types.AllChannels)+3)
	for _, ch := range types.AllChannels {
		keys = append(keys, RoutingKey(ch))
	}
	return append(keys, RoutingStatus, RoutingFailed, RoutingFeedback)
}

// QueueName returns the queue bound to a routing key.
func (t Topology) QueueName(routingKey string) string {
	return routingKey + ".queue"
}

// IsChannelKey reports whether routingKey is a delivery channel key. Only
// channel queues dead-letter and get retry queues.
func (t Topology) IsChannelKey(routingKey string) bool {
	return types.ChannelType(routingKey).Valid()
}

// QueueArgs returns the declaration arguments for the queue bound to
// routingKey.
func (t Topology) QueueArgs(routingKey string) map[string]any {
	args := map[string]any{}
	if t.MessageTTL > 0 {
		args["x-message-ttl"] = t.MessageTTL.Milliseconds()
	}
	if t.MaxLength > 0 && routingKey != RoutingFailed {
		args["x-max-length"] = int64(t.MaxLength)
	}
	if t.IsChannelKey(routingKey) {
		args["x-dead-letter-exchange"] = t.Exchange
		args["x-dead-letter-routing-key"] = RoutingFailed
	}
	return args
}

// RetryDelayBucket rounds delay up to whole seconds. Each bucket is its own
// queue so per-queue TTL keeps FIFO expiry correct.
func RetryDelayBucket(delay time.Duration) time.Duration {
	if delay <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil(delay.Seconds())) * time.Second
}

// RetryQueueName returns the delay queue for routingKey and bucket.
func (t Topology) RetryQueueName(routingKey string, bucket time.Duration) string {
	return fmt.Sprintf("%s.retry.%ds", t.QueueName(routingKey), int(bucket.Seconds()))
}

// RetryQueueArgs returns the declaration arguments for a retry bucket queue.
// Idle bucket queues expire after ten times their TTL.
func (t Topology) RetryQueueArgs(routingKey string, bucket time.Duration) map[string]any {
	return map[string]any{
		"x-message-ttl":             bucket.Milliseconds(),
		"x-dead-letter-exchange":    t.Exchange,
		"x-dead-letter-routing-key": routingKey,
		"x-expires":                 (10 * bucket).Milliseconds() + time.Minute.Milliseconds(),
	}
}
