package core

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/types"
)

// DefaultProviderTimeout bounds a single provider call.
const DefaultProviderTimeout = 10 * time.Second

// Engine performs one delivery attempt for one channel: validate, resolve,
// render, then call the provider through the channel breaker.
type Engine struct {
	channel  Channel
	provider Provider
	resolver types.TemplateResolver
	breaker  *Breaker
	metrics  NotificationMetrics
	timeout  time.Duration
	logger   types.Logger
}

// NewEngine wires an Engine. A non-positive timeout uses
// DefaultProviderTimeout.
func NewEngine(channel Channel, provider Provider, resolver types.TemplateResolver, breaker *Breaker, metrics NotificationMetrics, timeout time.Duration, logger types.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Engine{
		channel:  channel,
		provider: provider,
		resolver: resolver,
		breaker:  breaker,
		metrics:  metrics,
		timeout:  timeout,
		logger:   logger,
	}
}

// Channel returns the channel type this engine delivers on.
func (e *Engine) Channel() types.ChannelType {
	return e.channel.Type()
}

// Breaker returns the channel breaker.
func (e *Engine) Breaker() *Breaker {
	return e.breaker
}

// Deliver makes one attempt. Every error it returns is a *DeliveryError.
func (e *Engine) Deliver(ctx context.Context, req *types.DeliveryRequest) (types.ProviderAck, error) {
	if err := e.channel.ValidateRecipient(req.Recipient); err != nil {
		return types.ProviderAck{}, NewDeliveryError(KindValidation, "invalid recipient", err)
	}

	// Skip template work entirely while the provider is known to be down.
	if e.breaker.State() == types.CircuitOpen {
		return types.ProviderAck{}, NewDeliveryError(KindCircuitOpen, "circuit open", ErrCircuitOpen)
	}

	tmpl, err := e.resolver.Resolve(ctx, req.Content)
	if err != nil {
		if errors.Is(err, types.ErrTemplateNotFound) {
			return types.ProviderAck{}, NewDeliveryError(KindContentResolution, "template not found", err)
		}
		return types.ProviderAck{}, NewDeliveryError(KindTransient, "template store unavailable", err)
	}

	content, err := e.channel.Build(req, tmpl)
	if err != nil {
		return types.ProviderAck{}, NewDeliveryError(KindContentResolution, "render failed", err)
	}

	start := time.Now()
	ack, err := e.breaker.Execute(ctx, func(ctx context.Context) (types.ProviderAck, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return e.provider.Send(callCtx, req.Recipient, content)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return types.ProviderAck{}, NewDeliveryError(KindCircuitOpen, "circuit open", err)
	}
	e.metrics.RecordLatency(ctx, e.channel.Type(), time.Since(start))
	if err != nil {
		return types.ProviderAck{}, ClassifyProviderError(err)
	}
	return ack, nil
}
