package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"notifyd/internal/types"
)

// StaticResolver serves templates from a fixed in-memory set. It backs
// local runs and tests, and deployments that ship templates as config.
type StaticResolver struct {
	templates map[string]types.ResolvedTemplate
}

// NewStaticResolver creates a resolver over templates, keyed by ID.
func NewStaticResolver(templates ...types.ResolvedTemplate) *StaticResolver {
	m := make(map[string]types.ResolvedTemplate, len(templates))
	for _, t := range templates {
		m[t.ID] = t
	}
	return &StaticResolver{templates: m}
}

// ParseStaticTemplates decodes a JSON array of templates.
func ParseStaticTemplates(raw []byte) (*StaticResolver, error) {
	var list []types.ResolvedTemplate
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse static templates: %w", err)
	}
	for i, t := range list {
		if t.ID == "" {
			return nil, fmt.Errorf("parse static templates: entry %d has no id", i)
		}
	}
	return NewStaticResolver(list...), nil
}

// Resolve implements types.TemplateResolver.
func (r *StaticResolver) Resolve(_ context.Context, ref types.ContentRef) (*types.ResolvedTemplate, error) {
	t, ok := r.templates[ref.TemplateID]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", ref.TemplateID, types.ErrTemplateNotFound)
	}
	return &t, nil
}

// FallbackTemplateID marks content produced by FallbackResolver.
const FallbackTemplateID = "fallback"

// FallbackTemplate is served while the template store is unreachable.
// Producers may pass "title" and "message" variables to shape it.
var FallbackTemplate = types.ResolvedTemplate{
	ID:           FallbackTemplateID,
	Subject:      "{{title}}",
	BodyTemplate: "<p>{{message}}</p>",
	TextTemplate: "{{message}}",
}

// FallbackResolver substitutes FallbackTemplate when next reports the store
// unavailable. Unknown template ids still fail.
type FallbackResolver struct {
	next    types.TemplateResolver
	channel types.ChannelType
	metrics NotificationMetrics
	logger  types.Logger
}

// NewFallbackResolver wraps next.
func NewFallbackResolver(next types.TemplateResolver, channel types.ChannelType, metrics NotificationMetrics, logger types.Logger) *FallbackResolver {
	return &FallbackResolver{next: next, channel: channel, metrics: metrics, logger: logger}
}

// Resolve implements types.TemplateResolver.
func (r *FallbackResolver) Resolve(ctx context.Context, ref types.ContentRef) (*types.ResolvedTemplate, error) {
	tmpl, err := r.next.Resolve(ctx, ref)
	if err == nil || !errors.Is(err, types.ErrTemplateUnavailable) {
		return tmpl, err
	}

	r.logger.Warn("template store unavailable, using fallback template",
		"template_id", ref.TemplateID,
		"error", err.Error(),
	)
	r.metrics.RecordTemplateFallback(ctx, r.channel)
	fb := FallbackTemplate
	return &fb, nil
}
