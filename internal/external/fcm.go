package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"notifyd/internal/types"
)

const (
	fcmAPIBase = "https://fcm.googleapis.com"
	fcmScope   = "https://www.googleapis.com/auth/firebase.messaging"
)

// FCMConfig configures an FCMClient.
type FCMConfig struct {
	ProjectID string
	// TokenSource authorizes requests. NewFCMClientFromJSON fills it from a
	// service account key.
	TokenSource oauth2.TokenSource
	BaseURL     string
}

// FCMClient sends push notifications with the FCM HTTP v1 API.
type FCMClient struct {
	base      *BaseClient
	tokens    oauth2.TokenSource
	projectID string
	baseURL   string
}

// NewFCMClient creates an FCMClient.
func NewFCMClient(base *BaseClient, cfg FCMConfig) *FCMClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fcmAPIBase
	}
	return &FCMClient{
		base:      base,
		tokens:    cfg.TokenSource,
		projectID: cfg.ProjectID,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}
}

// NewFCMClientFromJSON creates an FCMClient authorized by a service account
// key. cfg.TokenSource is ignored; cfg.ProjectID defaults to the key's
// project.
func NewFCMClientFromJSON(ctx context.Context, base *BaseClient, credentialsJSON []byte, cfg FCMConfig) (*FCMClient, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("fcm: parse credentials: %w", err)
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = creds.ProjectID
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("fcm: project id is required")
	}
	cfg.TokenSource = creds.TokenSource
	return NewFCMClient(base, cfg), nil
}

// NewFCMClientFromDefaults creates an FCMClient authorized by Application
// Default Credentials.
func NewFCMClientFromDefaults(ctx context.Context, base *BaseClient, cfg FCMConfig) (*FCMClient, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("fcm: project id is required")
	}
	tokens, err := google.DefaultTokenSource(ctx, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("fcm: default credentials: %w", err)
	}
	cfg.TokenSource = tokens
	return NewFCMClient(base, cfg), nil
}

// Name implements Sender.
func (f *FCMClient) Name() string { return ProviderFCM }

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Webpush      *fcmWebpush       `json:"webpush,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Image string `json:"image,omitempty"`
}

type fcmWebpush struct {
	FCMOptions struct {
		Link string `json:"link"`
	} `json:"fcm_options"`
}

type fcmResponse struct {
	Name string `json:"name"`
}

type fcmErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Send posts the message to projects/{id}/messages:send. An UNREGISTERED
// token (or 404) means the device is gone and is reported as a bounce.
func (f *FCMClient) Send(ctx context.Context, recipient string, content types.RenderedContent) (types.ProviderAck, error) {
	msg := fcmMessage{
		Token: recipient,
		Notification: fcmNotification{
			Title: content.Subject,
			Body:  content.TextBody,
			Image: content.ImageURL,
		},
		Data: content.Data,
	}
	if content.Link != "" {
		msg.Webpush = &fcmWebpush{}
		msg.Webpush.FCMOptions.Link = content.Link
	}

	body, err := json.Marshal(fcmRequest{Message: msg})
	if err != nil {
		return types.ProviderAck{}, fmt.Errorf("fcm: marshal payload: %w", err)
	}

	token, err := f.tokens.Token()
	if err != nil {
		return types.ProviderAck{}, TransportError(ProviderFCM, fmt.Errorf("obtain access token: %w", err))
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", f.baseURL, f.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.ProviderAck{}, fmt.Errorf("fcm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := f.base.Do(req)
	if err != nil {
		return types.ProviderAck{}, TransportError(ProviderFCM, err)
	}
	defer resp.Body.Close()

	raw := readBody(resp)
	if resp.StatusCode == http.StatusOK {
		var out fcmResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return types.ProviderAck{}, TransportError(ProviderFCM, fmt.Errorf("decode response: %w", err))
		}
		return types.ProviderAck{
			ProviderMessageID: out.Name,
			Response:          types.ProviderResponse{"provider": ProviderFCM, "name": out.Name},
		}, nil
	}

	var fcmErr fcmErrorResponse
	detail := truncate(string(raw), 200)
	unregistered := resp.StatusCode == http.StatusNotFound
	if err := json.Unmarshal(raw, &fcmErr); err == nil && fcmErr.Error.Message != "" {
		detail = fcmErr.Error.Message
		for _, d := range fcmErr.Error.Details {
			if d.ErrorCode == "UNREGISTERED" {
				unregistered = true
			}
		}
	}

	if unregistered {
		e := BlockedError(ProviderFCM, detail, nil)
		e.StatusCode = resp.StatusCode
		return types.ProviderAck{}, e
	}
	return types.ProviderAck{}, StatusError(ProviderFCM, resp.StatusCode, detail)
}

var _ Sender = (*FCMClient)(nil)
