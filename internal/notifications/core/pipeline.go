package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/queue"
	"notifyd/internal/types"
)

// DefaultInFlightDelay is how long a message for an already in-flight
// notification waits before it is seen again.
const DefaultInFlightDelay = time.Second

// InFlight tracks the notification ids currently being processed by one
// consumer.
type InFlight struct {
	ids sync.Map
}

// Acquire marks id in flight. It returns false if id already was.
func (f *InFlight) Acquire(id string) bool {
	_, loaded := f.ids.LoadOrStore(id, struct{}{})
	return !loaded
}

// Release clears id.
func (f *InFlight) Release(id string) {
	f.ids.Delete(id)
}

// Pipeline processes the messages of one channel queue. Every message is
// settled exactly once by Handle.
type Pipeline struct {
	engine        *Engine
	guard         *Guard
	scheduler     *Scheduler
	status        *StatusPublisher
	metrics       NotificationMetrics
	inflight      *InFlight
	inFlightDelay time.Duration
	clock         types.Clock
	logger        types.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithInFlightDelay sets the redelivery delay for a duplicate in-flight id.
func WithInFlightDelay(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.inFlightDelay = d }
}

// WithPipelineClock replaces the clock used for outcome timestamps.
func WithPipelineClock(c types.Clock) PipelineOption {
	return func(p *Pipeline) { p.clock = c }
}

// NewPipeline wires a Pipeline.
func NewPipeline(engine *Engine, guard *Guard, scheduler *Scheduler, status *StatusPublisher, metrics NotificationMetrics, logger types.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		engine:        engine,
		guard:         guard,
		scheduler:     scheduler,
		status:        status,
		metrics:       metrics,
		inflight:      &InFlight{},
		inFlightDelay: DefaultInFlightDelay,
		clock:         types.RealClock{},
		logger:        logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Channel returns the channel this pipeline serves.
func (p *Pipeline) Channel() types.ChannelType {
	return p.engine.Channel()
}

// Breaker returns the channel breaker.
func (p *Pipeline) Breaker() *Breaker {
	return p.engine.Breaker()
}

// Handle processes and settles one message. The returned error reports a
// failed settlement only; delivery failures are handled internally.
func (p *Pipeline) Handle(ctx context.Context, msg *queue.Message) error {
	channel := p.engine.Channel()

	env, err := types.DecodeEnvelope(msg.Body)
	if err == nil && env.Type != channel {
		err = types.NewAppError(types.ErrCodeValidationInvalidChannel,
			"envelope type "+string(env.Type)+" received on "+string(channel)+" queue", nil)
	}
	if err != nil {
		return p.rejectInvalid(ctx, msg, env, err)
	}

	req := env.Request()
	traceID := req.TraceID()
	if traceID == "" {
		traceID = msg.Headers[types.MetaTraceID]
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	if req.Metadata == nil {
		req.Metadata = make(map[string]string, 1)
	}
	req.Metadata[types.MetaTraceID] = traceID

	log := p.logger.With(
		"notification_id", req.NotificationID,
		"channel", string(channel),
		"attempt", req.Attempt,
		"trace_id", traceID,
	)
	ctx = types.WithTraceID(ctx, traceID)
	ctx = types.WithLogger(ctx, log)

	if !msg.EnqueuedAt.IsZero() {
		p.metrics.RecordQueueLag(ctx, channel, time.Since(msg.EnqueuedAt))
	}

	if !p.inflight.Acquire(req.NotificationID) {
		log.Info("notification already in flight, deferring")
		return p.deferMessage(ctx, msg, req, log)
	}
	defer p.inflight.Release(req.NotificationID)

	res, err := p.guard.CheckAndReserve(ctx, req.IdempotencyKey, req.NotificationID)
	switch {
	case errors.Is(err, ErrReservationHeld):
		log.Info("idempotency key held by another request, deferring", "idempotency_key", req.IdempotencyKey)
		return p.deferMessage(ctx, msg, req, log)
	case err != nil && ctx.Err() != nil:
		return msg.Reject(ctx, true)
	case err != nil:
		log.Error("idempotency check failed", "error", err.Error())
		return p.handleFailure(ctx, msg, req, res, NewDeliveryError(KindTransient, "idempotency store unavailable", err), log)
	case res.AlreadyProcessed:
		return p.skipDuplicate(ctx, msg, req, res.Prior, log)
	}

	ack, err := p.engine.Deliver(ctx, &req)
	if err != nil {
		return p.handleFailure(ctx, msg, req, res, err, log)
	}

	outcome := types.DeliveryOutcome{
		NotificationID:   req.NotificationID,
		Channel:          channel,
		Status:           types.StatusDelivered,
		Timestamp:        p.clock.Now(),
		Attempt:          req.Attempt,
		ProviderResponse: providerResponse(ack),
	}
	log.Info("notification delivered", "provider_message_id", ack.ProviderMessageID)
	p.metrics.RecordDelivery(ctx, channel, MetricSuccess)

	if res.Reserved {
		if err := p.guard.Complete(ctx, res.Key, outcome); err != nil {
			log.Error("failed to record idempotency outcome", "error", err.Error())
		}
	}
	p.publishStatus(ctx, outcome, log)
	return msg.Ack(ctx)
}

func (p *Pipeline) handleFailure(ctx context.Context, msg *queue.Message, req types.DeliveryRequest, res Reservation, failure error, log types.Logger) error {
	outcome, err := p.scheduler.HandleFailure(ctx, req, msg.Body, failure)
	if err != nil {
		p.release(ctx, req, res, log)
		log.Error("failure handling could not be published, requeueing", "error", err.Error())
		return msg.Reject(ctx, true)
	}

	if res.Reserved {
		if outcome.Status.IsTerminal() {
			if err := p.guard.Complete(ctx, res.Key, outcome); err != nil {
				log.Error("failed to record idempotency outcome", "error", err.Error())
			}
		} else {
			p.release(ctx, req, res, log)
		}
	}
	return msg.Ack(ctx)
}

func (p *Pipeline) release(ctx context.Context, req types.DeliveryRequest, res Reservation, log types.Logger) {
	if !res.Reserved {
		return
	}
	if err := p.guard.Release(ctx, res.Key, req.NotificationID); err != nil {
		log.Error("failed to release idempotency key", "error", err.Error())
	}
}

func (p *Pipeline) deferMessage(ctx context.Context, msg *queue.Message, req types.DeliveryRequest, log types.Logger) error {
	if err := p.scheduler.Defer(ctx, req, p.inFlightDelay); err != nil {
		log.Error("failed to defer message, requeueing", "error", err.Error())
		return msg.Reject(ctx, true)
	}
	return msg.Ack(ctx)
}

func (p *Pipeline) skipDuplicate(ctx context.Context, msg *queue.Message, req types.DeliveryRequest, prior *types.DeliveryOutcome, log types.Logger) error {
	log.Info("duplicate request skipped",
		"idempotency_key", req.IdempotencyKey,
		"prior_notification_id", prior.NotificationID,
		"prior_status", string(prior.Status),
	)
	p.metrics.RecordDelivery(ctx, req.Channel, MetricDuplicate)

	// A different notification sharing the key inherits the first outcome.
	if prior.NotificationID != req.NotificationID {
		inherited := *prior
		inherited.NotificationID = req.NotificationID
		inherited.Attempt = req.Attempt
		inherited.Timestamp = p.clock.Now()
		p.publishStatus(ctx, inherited, log)
	}
	return msg.Ack(ctx)
}

func (p *Pipeline) rejectInvalid(ctx context.Context, msg *queue.Message, env *types.Envelope, cause error) error {
	channel := p.engine.Channel()
	log := p.logger.With("message_id", msg.ID, "channel", string(channel))
	log.Warn("rejecting invalid message", "error", cause.Error())
	p.metrics.RecordDelivery(ctx, channel, MetricFailed)

	if env != nil && env.NotificationID != "" {
		p.publishStatus(ctx, types.DeliveryOutcome{
			NotificationID: env.NotificationID,
			Channel:        channel,
			Status:         types.StatusFailed,
			Timestamp:      p.clock.Now(),
			Error:          cause.Error(),
			Attempt:        env.RetryCount,
		}, log)
	}
	return msg.Reject(ctx, false)
}

func (p *Pipeline) publishStatus(ctx context.Context, outcome types.DeliveryOutcome, log types.Logger) {
	if err := p.status.Publish(ctx, outcome); err != nil {
		log.Error("failed to publish status", "status", string(outcome.Status), "error", err.Error())
	}
}

func providerResponse(ack types.ProviderAck) types.ProviderResponse {
	resp := make(types.ProviderResponse, len(ack.Response)+1)
	for k, v := range ack.Response {
		resp[k] = v
	}
	if ack.ProviderMessageID != "" {
		resp["message_id"] = ack.ProviderMessageID
	}
	return resp
}
