package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"notifyd/internal/types"
)

const templatePrefix = "notifyd:template:"

// TemplateCache caches resolved templates in Redis in front of another
// resolver. Redis failures degrade to calling next directly; errors from
// next are never cached.
type TemplateCache struct {
	next   types.TemplateResolver
	client redis.UniversalClient
	ttl    time.Duration
	logger types.Logger
}

// NewTemplateCache creates a TemplateCache.
func NewTemplateCache(next types.TemplateResolver, client redis.UniversalClient, ttl time.Duration, logger types.Logger) *TemplateCache {
	return &TemplateCache{next: next, client: client, ttl: ttl, logger: logger}
}

// Resolve implements types.TemplateResolver.
func (c *TemplateCache) Resolve(ctx context.Context, ref types.ContentRef) (*types.ResolvedTemplate, error) {
	key := templatePrefix + ref.TemplateID

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var tmpl types.ResolvedTemplate
		if jerr := json.Unmarshal(raw, &tmpl); jerr == nil {
			return &tmpl, nil
		}
		c.logger.Warn("discarding corrupt cached template", "template_id", ref.TemplateID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("template cache read failed", "template_id", ref.TemplateID, "error", err)
	}

	tmpl, err := c.next.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(tmpl); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("template cache write failed", "template_id", ref.TemplateID, "error", err)
		}
	}
	return tmpl, nil
}

// Invalidate drops the cached copy of templateID.
func (c *TemplateCache) Invalidate(ctx context.Context, templateID string) error {
	return c.client.Del(ctx, templatePrefix+templateID).Err()
}

var _ types.TemplateResolver = (*TemplateCache)(nil)
