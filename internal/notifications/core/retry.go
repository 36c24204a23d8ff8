package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"notifyd/internal/queue"
	"notifyd/internal/types"
)

// ReasonMaxRetries is the failure reason recorded once retries run out.
const ReasonMaxRetries = "max retries exceeded"

// Scheduler decides what happens after a failed attempt: re-publish with
// backoff, or emit a terminal status and dead-letter.
type Scheduler struct {
	pub     queue.Publisher
	status  *StatusPublisher
	policy  RetryPolicy
	jitter  func(max time.Duration) time.Duration
	clock   types.Clock
	metrics NotificationMetrics
	logger  types.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithJitter replaces the random jitter source.
func WithJitter(fn func(max time.Duration) time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.jitter = fn }
}

// WithClock replaces the clock used for outcome timestamps.
func WithClock(c types.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates a Scheduler publishing retries and dead letters
// through pub.
func NewScheduler(pub queue.Publisher, status *StatusPublisher, policy RetryPolicy, metrics NotificationMetrics, logger types.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		pub:     pub,
		status:  status,
		policy:  policy,
		jitter:  RandomJitter,
		clock:   types.RealClock{},
		metrics: metrics,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the retry policy in use.
func (s *Scheduler) Policy() RetryPolicy {
	return s.policy
}

// HandleFailure routes a failed attempt. original is the consumed message
// body, attached to dead letters. The returned outcome is what was reported
// (pending for a scheduled retry). A non-nil error means the retry or dead
// letter could not be published and the consumed message must be requeued.
func (s *Scheduler) HandleFailure(ctx context.Context, req types.DeliveryRequest, original []byte, failure error) (types.DeliveryOutcome, error) {
	de := AsDeliveryError(failure)
	log := s.logger.With(
		"notification_id", req.NotificationID,
		"channel", string(req.Channel),
		"attempt", req.Attempt,
		"error_kind", de.Kind.String(),
	)

	if !de.Kind.Retryable() {
		status := types.StatusFailed
		result := MetricFailed
		if IsBounce(failure) {
			status = types.StatusBounced
			result = MetricBounced
		}
		log.Warn("permanent delivery failure", "error", de.Error())
		return s.fail(ctx, req, original, status, result, de.Kind.FailureType(), de.Error())
	}

	if req.Attempt >= s.policy.MaxRetries {
		log.Error("delivery failed after max retries", "error", de.Error())
		return s.fail(ctx, req, original, types.StatusFailed, MetricFailed, types.FailureMaxRetries, ReasonMaxRetries)
	}

	delay := CalculateNextRetry(s.policy, req.Attempt, s.jitter(s.policy.MaxJitter))
	next := req.Clone()
	next.Attempt = req.Attempt + 1
	if next.Metadata == nil {
		next.Metadata = make(map[string]string, 3)
	}
	next.Metadata[types.MetaLastRetryTime] = s.clock.Now().Format(time.RFC3339)
	next.Metadata[types.MetaRetryCount] = strconv.Itoa(next.Attempt)
	next.Metadata[types.MetaLastError] = de.Error()

	if err := s.publish(ctx, next, delay); err != nil {
		log.Error("failed to schedule retry", "error", err.Error())
		return types.DeliveryOutcome{}, err
	}
	log.Info("delivery retry scheduled",
		"next_attempt", next.Attempt,
		"delay_ms", delay.Milliseconds(),
		"error", de.Error(),
	)
	s.metrics.RecordDelivery(ctx, req.Channel, MetricRetried)

	outcome := types.DeliveryOutcome{
		NotificationID: req.NotificationID,
		Channel:        req.Channel,
		Status:         types.StatusPending,
		Timestamp:      s.clock.Now(),
		Error:          de.Error(),
		Attempt:        req.Attempt,
	}
	s.report(ctx, outcome, log)
	return outcome, nil
}

// Defer re-publishes req unchanged after delay. It is used when the request
// cannot be processed yet (same notification already in flight) and does
// not consume an attempt.
func (s *Scheduler) Defer(ctx context.Context, req types.DeliveryRequest, delay time.Duration) error {
	return s.publish(ctx, req, delay)
}

func (s *Scheduler) publish(ctx context.Context, req types.DeliveryRequest, delay time.Duration) error {
	body, err := json.Marshal(types.EnvelopeFromRequest(req))
	if err != nil {
		return fmt.Errorf("scheduler: failed to marshal envelope: %w", err)
	}
	msg := queue.Outbound{
		ID:      fmt.Sprintf("%s:%d", req.NotificationID, req.Attempt),
		Body:    body,
		Headers: map[string]string{types.MetaTraceID: req.TraceID()},
	}
	return s.pub.PublishDelayed(ctx, queue.RoutingKey(req.Channel), msg, delay)
}

func (s *Scheduler) fail(ctx context.Context, req types.DeliveryRequest, original []byte, status types.DeliveryStatus, result MetricResult, ft types.FailureType, reason string) (types.DeliveryOutcome, error) {
	now := s.clock.Now()
	if err := s.DeadLetter(ctx, req, original, ft, reason); err != nil {
		return types.DeliveryOutcome{}, err
	}
	s.metrics.RecordDelivery(ctx, req.Channel, result)

	outcome := types.DeliveryOutcome{
		NotificationID: req.NotificationID,
		Channel:        req.Channel,
		Status:         status,
		Timestamp:      now,
		Error:          reason,
		Attempt:        req.Attempt,
	}
	s.report(ctx, outcome, s.logger.With("notification_id", req.NotificationID))
	return outcome, nil
}

// DeadLetter publishes a DeadLetter record for req on the failed routing
// key.
func (s *Scheduler) DeadLetter(ctx context.Context, req types.DeliveryRequest, original []byte, ft types.FailureType, reason string) error {
	if len(original) == 0 {
		original, _ = json.Marshal(types.EnvelopeFromRequest(req))
	}
	dl := types.DeadLetter{
		NotificationID: req.NotificationID,
		Channel:        req.Channel,
		FailureType:    ft,
		FailureReason:  reason,
		Attempts:       req.Attempt + 1,
		FailedAt:       s.clock.Now(),
		Original:       types.RawBody(original),
	}
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("scheduler: failed to marshal dead letter: %w", err)
	}
	msg := queue.Outbound{
		ID:      fmt.Sprintf("%s:dead", req.NotificationID),
		Body:    body,
		Headers: map[string]string{"failure_type": string(ft)},
	}
	if err := s.pub.Publish(ctx, queue.RoutingFailed, msg); err != nil {
		return fmt.Errorf("scheduler: failed to dead-letter %s: %w", req.NotificationID, err)
	}
	s.metrics.RecordDelivery(ctx, req.Channel, MetricDeadLettered)
	return nil
}

// report publishes outcome, logging failures. A lost status event never
// fails the delivery it describes.
func (s *Scheduler) report(ctx context.Context, outcome types.DeliveryOutcome, log types.Logger) {
	if s.status == nil {
		return
	}
	if err := s.status.Publish(ctx, outcome); err != nil {
		log.Error("failed to publish status", "status", string(outcome.Status), "error", err.Error())
	}
}
