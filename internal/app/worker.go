package app

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"notifyd/internal/cache"
	"notifyd/internal/config"
	ops "notifyd/internal/core"
	"notifyd/internal/logging"
	"notifyd/internal/notifications/core"
	"notifyd/internal/notifications/email"
	"notifyd/internal/notifications/push"
	"notifyd/internal/queue"
	"notifyd/internal/types"
)

// Option customises worker assembly.
type Option func(*options)

type options struct {
	broker queue.Broker
}

// WithBroker uses b instead of connecting the configured broker. The
// caller keeps ownership of b.
func WithBroker(b queue.Broker) Option {
	return func(o *options) { o.broker = b }
}

// Worker owns one delivery pipeline per configured channel.
type Worker struct {
	cfg       *config.Config
	logger    *logging.Adapter
	broker    queue.Broker
	pipelines []*core.Pipeline
	ops       *ops.Server
	closers   []func() error
}

// NewWorker connects every dependency and builds the channel pipelines.
// On error, anything already opened is closed.
func NewWorker(ctx context.Context, cfg *config.Config, logger *logging.Adapter, opts ...Option) (*Worker, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	w := &Worker{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			w.Close()
		}
	}()

	awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	w.broker = o.broker
	if w.broker == nil {
		w.broker, err = NewBroker(ctx, cfg.Broker, awsCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
		w.closers = append(w.closers, w.broker.Close)
	}
	probes := []ops.HealthProbe{ops.NewProbe("broker", w.broker.Ping)}

	var rdb redis.UniversalClient
	if needsRedis(cfg) {
		client, err := ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rdb = client
		w.closers = append(w.closers, client.Close)
		probes = append(probes, ops.NewProbe("redis", cache.Healthcheck(client)))
	}

	metrics, metricsHandler := NewMetrics(cfg.Observability, awsCfg, logger)

	resolver, err := NewTemplateResolver(cfg, rdb, logger)
	if err != nil {
		return nil, fmt.Errorf("template resolver: %w", err)
	}
	store := NewIdempotencyStore(cfg.Idempotency.Backend, rdb)
	status := core.NewStatusPublisher(w.broker, logger)

	var breakers []ops.BreakerSource
	for _, ch := range cfg.Worker.ChannelTypes() {
		channel, provider, err := w.channel(ctx, ch, awsCfg)
		if err != nil {
			return nil, err
		}

		breaker := core.NewBreaker(ch, core.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
		}, metrics, logger)
		breakers = append(breakers, breaker)

		engine := core.NewEngine(channel, provider,
			core.NewFallbackResolver(resolver, ch, metrics, logger),
			breaker, metrics, cfg.Worker.ProviderTimeout, logger)
		guard := core.NewGuard(store, core.GuardConfig{
			Channel:      ch,
			TTL:          cfg.Idempotency.TTL,
			Lease:        cfg.Idempotency.Lease,
			PollInterval: cfg.Idempotency.PollInterval,
			MaxWait:      cfg.Idempotency.MaxWait,
		}, logger)
		scheduler := core.NewScheduler(w.broker, status, core.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			MaxJitter:  cfg.Retry.MaxJitter,
		}, metrics, logger)

		w.pipelines = append(w.pipelines, core.NewPipeline(engine, guard, scheduler, status, metrics, logger,
			core.WithInFlightDelay(cfg.Worker.InFlightDelay)))

		logger.Info("pipeline ready", "channel", string(ch), "provider", provider.Name())
	}

	w.ops = ops.NewServer(logger.Slog(), probes, breakers, metricsHandler)
	w.ops.Version = cfg.Build.Version
	ready = true
	return w, nil
}

// channel returns the channel adapter and provider for ch.
func (w *Worker) channel(ctx context.Context, ch types.ChannelType, awsCfg aws.Config) (core.Channel, core.Provider, error) {
	switch ch {
	case types.ChannelEmail:
		layout, err := email.NewLayout(w.cfg.Email.Footer)
		if err != nil {
			return nil, nil, err
		}
		provider, err := NewEmailProvider(w.cfg, awsCfg, w.logger.Slog())
		if err != nil {
			return nil, nil, fmt.Errorf("email provider: %w", err)
		}
		return email.NewChannel(layout), provider, nil
	case types.ChannelPush:
		provider, err := NewPushProvider(ctx, w.cfg, w.logger.Slog())
		if err != nil {
			return nil, nil, fmt.Errorf("push provider: %w", err)
		}
		return push.NewChannel(), provider, nil
	default:
		return nil, nil, fmt.Errorf("app: unsupported channel %q", ch)
	}
}

// Pipelines returns the pipelines in configured channel order.
func (w *Worker) Pipelines() []*core.Pipeline { return w.pipelines }

// Pipeline returns the pipeline for ch, or nil.
func (w *Worker) Pipeline(ch types.ChannelType) *core.Pipeline {
	for _, p := range w.pipelines {
		if p.Channel() == ch {
			return p
		}
	}
	return nil
}

// Broker returns the broker the pipelines publish to.
func (w *Worker) Broker() queue.Broker { return w.broker }

// Ops returns the ops server.
func (w *Worker) Ops() *ops.Server { return w.ops }

// Run consumes every channel queue and serves the ops endpoints until ctx
// is cancelled or a consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range w.pipelines {
		c := core.NewConsumer(w.broker, queue.RoutingKey(p.Channel()), w.cfg.Worker.Prefetch, p, w.logger)
		g.Go(func() error { return c.Run(gctx) })
	}
	if port := w.cfg.Observability.OpsPort; port != "" {
		g.Go(func() error { return w.ops.ListenAndServe(gctx, net.JoinHostPort("", port)) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every connection the worker opened.
func (w *Worker) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			w.logger.Warn("close failed", "error", err.Error())
		}
	}
	w.closers = nil
}
