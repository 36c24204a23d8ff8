package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"notifyd/internal/types"
)

const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridConfig configures a SendGridClient.
type SendGridConfig struct {
	APIKey  types.SecretString
	From    SenderIdentity
	BaseURL string // defaults to the public API
}

// SendGridClient sends email through the SendGrid v3 Mail Send API.
type SendGridClient struct {
	base    *BaseClient
	apiKey  types.SecretString
	from    SenderIdentity
	baseURL string
}

// NewSendGridClient creates a SendGridClient on top of base.
func NewSendGridClient(base *BaseClient, cfg SendGridConfig) *SendGridClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	return &SendGridClient{
		base:    base,
		apiKey:  cfg.APIKey,
		from:    cfg.From,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// Name implements Sender.
func (s *SendGridClient) Name() string { return ProviderSendGrid }

// Send posts the rendered email. SendGrid answers 202 with the message id
// in X-Message-Id. 403 means the recipient is suppressed.
func (s *SendGridClient) Send(ctx context.Context, recipient string, content types.RenderedContent) (types.ProviderAck, error) {
	body, err := json.Marshal(s.buildMailPayload(recipient, content))
	if err != nil {
		return types.ProviderAck{}, fmt.Errorf("sendgrid: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return types.ProviderAck{}, fmt.Errorf("sendgrid: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey.Unmask())

	resp, err := s.base.Do(req)
	if err != nil {
		return types.ProviderAck{}, TransportError(ProviderSendGrid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		msgID := resp.Header.Get("X-Message-Id")
		return types.ProviderAck{
			ProviderMessageID: msgID,
			Response:          types.ProviderResponse{"provider": ProviderSendGrid, "status_code": resp.StatusCode},
		}, nil
	}

	detail := sendGridErrorMessage(readBody(resp))
	if resp.StatusCode == http.StatusForbidden {
		e := BlockedError(ProviderSendGrid, detail, nil)
		e.StatusCode = resp.StatusCode
		return types.ProviderAck{}, e
	}
	return types.ProviderAck{}, StatusError(ProviderSendGrid, resp.StatusCode, detail)
}

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// buildMailPayload maps rendered content to the v3 payload. SendGrid
// requires text/plain before text/html.
func (s *SendGridClient) buildMailPayload(recipient string, content types.RenderedContent) sendGridMailPayload {
	payload := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: recipient}}}},
		From:             sendGridAddress{Email: s.from.Address, Name: s.from.Name},
		Subject:          content.Subject,
	}
	if content.TextBody != "" {
		payload.Content = append(payload.Content, sendGridContent{Type: "text/plain", Value: content.TextBody})
	}
	if content.HTMLBody != "" {
		payload.Content = append(payload.Content, sendGridContent{Type: "text/html", Value: content.HTMLBody})
	}
	if id := notificationID(content); id != "" {
		payload.CustomArgs = map[string]string{"notification_id": id}
	}
	return payload
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func sendGridErrorMessage(body []byte) string {
	var sgErr sendGridErrorResponse
	if err := json.Unmarshal(body, &sgErr); err == nil && len(sgErr.Errors) > 0 {
		return sgErr.Errors[0].Message
	}
	return truncate(string(body), 200)
}

var _ Sender = (*SendGridClient)(nil)
