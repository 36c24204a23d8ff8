package app

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"notifyd/internal/config"
	ops "notifyd/internal/core"
	"notifyd/internal/db"
	"notifyd/internal/logging"
	"notifyd/internal/notifications/core"
	"notifyd/internal/notifications/email"
	"notifyd/internal/queue"
	"notifyd/internal/types"
)

// Tracker persists status events to Postgres and turns SES feedback into
// bounced status events.
type Tracker struct {
	cfg       *config.Config
	logger    *logging.Adapter
	broker    queue.Broker
	consumers []*core.Consumer
	ops       *ops.Server
	closers   []func() error
}

// NewTracker connects the broker and database and applies the schema.
// repo overrides the Postgres repository when non-nil.
func NewTracker(ctx context.Context, cfg *config.Config, logger *logging.Adapter, repo types.StatusRepository, opts ...Option) (*Tracker, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	t := &Tracker{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			t.Close()
		}
	}()

	t.broker = o.broker
	if t.broker == nil {
		awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		b, err := NewBroker(ctx, cfg.Broker, awsCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
		t.broker = b
		t.closers = append(t.closers, b.Close)
	}
	probes := []ops.HealthProbe{ops.NewProbe("broker", t.broker.Ping)}

	if repo == nil {
		if !cfg.Database.URL.IsSet() {
			return nil, errors.New("app: DATABASE_URL is required for the status tracker")
		}
		pool, err := db.Connect(ctx, db.PoolConfig{
			URL:               cfg.Database.URL.Unmask(),
			MaxConns:          int32(cfg.Database.MaxConns),
			MinConns:          int32(cfg.Database.MinConns),
			MaxConnLifetime:   cfg.Database.MaxConnLifetime,
			HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
			RetryAttempts:     3,
			RetryInterval:     cfg.Database.AcquireTimeout,
		})
		if err != nil {
			return nil, err
		}
		t.closers = append(t.closers, func() error { pool.Close(); return nil })
		if err := db.EnsureSchema(ctx, pool); err != nil {
			return nil, err
		}
		repo = db.NewStatusRepository(pool)
		probes = append(probes, ops.NewProbe("database", db.Healthcheck(pool)))
	}

	status := core.NewStatusPublisher(t.broker, logger)
	t.consumers = []*core.Consumer{
		core.NewConsumer(t.broker, queue.RoutingStatus, cfg.Worker.Prefetch, core.NewStatusTracker(repo, logger), logger),
		core.NewConsumer(t.broker, queue.RoutingFeedback, cfg.Worker.Prefetch, email.NewFeedbackProcessor(status, logger), logger),
	}

	t.ops = ops.NewServer(logger.Slog(), probes, nil, nil)
	t.ops.Version = cfg.Build.Version
	ready = true
	return t, nil
}

// Ops returns the ops server.
func (t *Tracker) Ops() *ops.Server { return t.ops }

// Run consumes the status and feedback queues until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range t.consumers {
		g.Go(func() error { return c.Run(gctx) })
	}
	if port := t.cfg.Observability.OpsPort; port != "" {
		g.Go(func() error { return t.ops.ListenAndServe(gctx, net.JoinHostPort("", port)) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the broker and database connections.
func (t *Tracker) Close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			t.logger.Warn("close failed", "error", err.Error())
		}
	}
	t.closers = nil
}
