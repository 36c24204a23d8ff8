package app

import (
	"context"
	"net/http"

	"github.com/redis/go-redis/v9"

	"notifyd/internal/cache"
	"notifyd/internal/config"
	"notifyd/internal/external"
	"notifyd/internal/notifications/core"
	"notifyd/internal/types"
)

// needsRedis reports whether any component is configured to use Redis.
func needsRedis(cfg *config.Config) bool {
	if cfg.Idempotency.Backend == "redis" {
		return true
	}
	return cfg.Redis.URL.IsSet() && cfg.Templates.ServiceURL != ""
}

// ConnectRedis opens the shared Redis client.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	return cache.Connect(ctx, cache.Config{
		URL:            cfg.URL.Unmask(),
		ConnectTimeout: cfg.ConnectTimeout,
		RetryAttempts:  cfg.RetryAttempts,
	})
}

// NewIdempotencyStore returns the Redis store when rdb is set, otherwise the
// process-local memory store.
func NewIdempotencyStore(backend string, rdb redis.UniversalClient) core.IdempotencyStore {
	if backend == "redis" && rdb != nil {
		return cache.NewRedisIdempotencyStore(rdb, types.RealClock{})
	}
	return core.NewMemoryIdempotencyStore(types.RealClock{})
}

// NewTemplateResolver builds the shared resolver chain: the template
// service (cached in Redis when available) or the static template set.
// The per-channel fallback wrapper is added by the pipeline builder.
func NewTemplateResolver(cfg *config.Config, rdb redis.UniversalClient, logger types.Logger) (types.TemplateResolver, error) {
	tc := cfg.Templates
	if tc.ServiceURL == "" {
		if tc.StaticJSON == "" {
			return core.NewStaticResolver(), nil
		}
		static, err := core.ParseStaticTemplates([]byte(tc.StaticJSON))
		if err != nil {
			return nil, err
		}
		return static, nil
	}

	base := external.NewBaseClient(
		&http.Client{Timeout: cfg.Worker.ProviderTimeout},
		external.DefaultRetryPolicy(),
		cfg.Build.UserAgent(cfg.Service),
	)
	var resolver types.TemplateResolver = external.NewTemplateServiceClient(base, tc.ServiceURL)
	if rdb != nil {
		resolver = cache.NewTemplateCache(resolver, rdb, tc.CacheTTL, logger)
	}
	return resolver, nil
}
