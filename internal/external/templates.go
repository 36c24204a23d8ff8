package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"notifyd/internal/types"
)

// TemplateServiceClient resolves templates from the template service
// (GET /api/v1/templates/{id}).
type TemplateServiceClient struct {
	base    *BaseClient
	baseURL string
}

// NewTemplateServiceClient creates a TemplateServiceClient. base should use
// DefaultRetryPolicy since lookups are idempotent.
func NewTemplateServiceClient(base *BaseClient, baseURL string) *TemplateServiceClient {
	return &TemplateServiceClient{base: base, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// templateOut mirrors the template service response.
type templateOut struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Header       string `json:"header"`
	Subtitle     string `json:"subtitle"`
	Content      string `json:"content"`
	TextContent  string `json:"text_content"`
	ImageURL     string `json:"image_url"`
	Link         string `json:"link"`
	TemplateType string `json:"template_type"`
	Version      int    `json:"version"`
	IsActive     bool   `json:"is_active"`
}

// Resolve implements types.TemplateResolver. Unknown and inactive templates
// wrap ErrTemplateNotFound; anything preventing an answer wraps
// ErrTemplateUnavailable.
func (c *TemplateServiceClient) Resolve(ctx context.Context, ref types.ContentRef) (*types.ResolvedTemplate, error) {
	endpoint := c.baseURL + "/api/v1/templates/" + url.PathEscape(ref.TemplateID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("template %q: build request: %w", ref.TemplateID, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w: %v", ref.TemplateID, types.ErrTemplateUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("template %q: %w", ref.TemplateID, types.ErrTemplateNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("template %q: %w: status %d", ref.TemplateID, types.ErrTemplateUnavailable, resp.StatusCode)
	}

	var out templateOut
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("template %q: %w: decode: %v", ref.TemplateID, types.ErrTemplateUnavailable, err)
	}
	if !out.IsActive {
		return nil, fmt.Errorf("template %q is inactive: %w", ref.TemplateID, types.ErrTemplateNotFound)
	}

	id := out.ID
	if id == "" {
		id = ref.TemplateID
	}
	return &types.ResolvedTemplate{
		ID:           id,
		Subject:      out.Header,
		BodyTemplate: out.Content,
		TextTemplate: out.TextContent,
		ImageURL:     out.ImageURL,
		Link:         out.Link,
		Version:      out.Version,
	}, nil
}

var _ types.TemplateResolver = (*TemplateServiceClient)(nil)
