// Package core is the channel-independent delivery pipeline shared by the
// email and push workers: idempotency, template resolution, circuit
// breaking, provider calls, retry scheduling and status publication.
package core

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"notifyd/internal/types"
)

// Provider sends rendered content to one recipient.
type Provider interface {
	// Name identifies the provider in logs and metrics ("ses", "fcm").
	Name() string
	Send(ctx context.Context, recipient string, content types.RenderedContent) (types.ProviderAck, error)
}

// Channel adapts requests and templates to one delivery channel.
type Channel interface {
	Type() types.ChannelType

	// ValidateRecipient rejects recipients the provider can never accept.
	ValidateRecipient(recipient string) error

	// Build renders tmpl with the request variables into provider content.
	Build(req *types.DeliveryRequest, tmpl *types.ResolvedTemplate) (types.RenderedContent, error)
}

// MetricResult categorizes a delivery outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess      MetricResult = "success"
	MetricFailed       MetricResult = "failed"
	MetricBounced      MetricResult = "bounced"
	MetricRetried      MetricResult = "retried"
	MetricDuplicate    MetricResult = "duplicate"
	MetricDeadLettered MetricResult = "dead_lettered"
)

// NotificationMetrics abstracts CloudWatch/Prometheus telemetry for the
// pipeline.
type NotificationMetrics interface {
	RecordDelivery(ctx context.Context, channel types.ChannelType, result MetricResult)
	RecordLatency(ctx context.Context, channel types.ChannelType, duration time.Duration)
	RecordQueueLag(ctx context.Context, channel types.ChannelType, lag time.Duration)
	RecordCircuitOpened(ctx context.Context, channel types.ChannelType)
	RecordTemplateFallback(ctx context.Context, channel types.ChannelType)
}

// RetryPolicy defines the exponential backoff parameters for delivery
// retries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration
}

// DefaultRetryPolicy: 2s, 4s, 8s, 16s (+ up to 1s jitter), capped at 30s,
// four retries.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 4,
	BaseDelay:  2 * time.Second,
	MaxDelay:   30 * time.Second,
	MaxJitter:  time.Second,
}

// CalculateNextRetry computes the delay before retry number attempt+1:
// min(MaxDelay, BaseDelay * 2^attempt + jitter). jitter is added before the
// cap so the result never exceeds MaxDelay.
func CalculateNextRetry(policy RetryPolicy, attempt int, jitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(policy.MaxDelay) || math.IsInf(delay, 0) {
		return policy.MaxDelay
	}

	d := time.Duration(delay) + jitter
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

// RandomJitter returns a uniformly random duration in [0, max).
func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
