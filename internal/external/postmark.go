package external

import (
	"context"
	"fmt"

	"github.com/mrz1836/postmark"

	"notifyd/internal/types"
)

// postmarkInactiveRecipient is the API error code for a recipient that
// hard bounced, complained or unsubscribed.
const postmarkInactiveRecipient = 406

// PostmarkConfig configures a PostmarkClient.
type PostmarkConfig struct {
	ServerToken  types.SecretString
	AccountToken types.SecretString
	From         SenderIdentity
	// Tag groups messages in the Postmark dashboard. Optional.
	Tag     string
	BaseURL string
}

// PostmarkClient sends email through Postmark's transactional API.
type PostmarkClient struct {
	client *postmark.Client
	from   SenderIdentity
	tag    string
}

// NewPostmarkClient creates a PostmarkClient. The server token is required.
func NewPostmarkClient(cfg PostmarkConfig) (*PostmarkClient, error) {
	if !cfg.ServerToken.IsSet() {
		return nil, fmt.Errorf("postmark: server token is required")
	}
	if cfg.From.Address == "" {
		return nil, fmt.Errorf("postmark: sender address is required")
	}

	client := postmark.NewClient(cfg.ServerToken.Unmask(), cfg.AccountToken.Unmask())
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &PostmarkClient{client: client, from: cfg.From, tag: cfg.Tag}, nil
}

// Name implements Sender.
func (p *PostmarkClient) Name() string { return ProviderPostmark }

// Send delivers content. Postmark reports rejections in the response body
// ErrorCode; 406 marks an inactive (bounced or unsubscribed) recipient.
func (p *PostmarkClient) Send(ctx context.Context, recipient string, content types.RenderedContent) (types.ProviderAck, error) {
	email := postmark.Email{
		From:     p.from.String(),
		To:       recipient,
		Subject:  content.Subject,
		Tag:      p.tag,
		HTMLBody: content.HTMLBody,
		TextBody: content.TextBody,
	}
	if id := notificationID(content); id != "" {
		email.Metadata = map[string]string{"notification_id": id}
	}

	resp, err := p.client.SendEmail(ctx, email)
	if err != nil {
		return types.ProviderAck{}, TransportError(ProviderPostmark, err)
	}

	switch {
	case resp.ErrorCode == postmarkInactiveRecipient:
		return types.ProviderAck{}, BlockedError(ProviderPostmark, resp.Message, nil)
	case resp.ErrorCode > 0:
		return types.ProviderAck{}, &ProviderError{
			Provider:  ProviderPostmark,
			Code:      types.ErrCodeRecipientRejected,
			Detail:    fmt.Sprintf("error %d: %s", resp.ErrorCode, resp.Message),
			Permanent: true,
		}
	}

	return types.ProviderAck{
		ProviderMessageID: resp.MessageID,
		Response:          types.ProviderResponse{"provider": ProviderPostmark, "message_id": resp.MessageID},
	}, nil
}

var _ Sender = (*PostmarkClient)(nil)
