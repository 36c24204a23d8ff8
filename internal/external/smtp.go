package external

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"notifyd/internal/types"
)

// headerNotificationID carries the notification id on SMTP messages.
const headerNotificationID mail.Header = "X-Notification-Id"

// SMTPConfig configures an SMTPClient.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password types.SecretString
	// Encryption is "ssl_tls", "starttls" or "none".
	Encryption string
	From       SenderIdentity
}

// SMTPClient delivers email through an SMTP relay.
type SMTPClient struct {
	config SMTPConfig
	newID  func() string
}

// NewSMTPClient creates an SMTPClient.
func NewSMTPClient(cfg SMTPConfig) *SMTPClient {
	return &SMTPClient{
		config: cfg,
		newID:  func() string { return uuid.NewString() },
	}
}

// Name implements Sender.
func (c *SMTPClient) Name() string { return ProviderSMTP }

// Send dials the relay and delivers one message. A 5xx reply from the relay
// is permanent; temporary replies and connection failures are transient.
func (c *SMTPClient) Send(ctx context.Context, recipient string, content types.RenderedContent) (types.ProviderAck, error) {
	msgID := c.newID() + "@notifyd"
	m, err := c.buildMessage(recipient, msgID, content)
	if err != nil {
		return types.ProviderAck{}, err
	}

	opts := []mail.Option{
		mail.WithPort(c.config.Port),
		mail.WithTLSPolicy(tlsPolicyFromEncryption(c.config.Encryption)),
	}
	if c.config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(c.config.Username),
			mail.WithPassword(c.config.Password.Unmask()),
		)
	}

	client, err := mail.NewClient(c.config.Host, opts...)
	if err != nil {
		return types.ProviderAck{}, fmt.Errorf("smtp: create client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return types.ProviderAck{}, classifySMTPError(err)
	}

	return types.ProviderAck{
		ProviderMessageID: msgID,
		Response:          types.ProviderResponse{"provider": ProviderSMTP, "host": c.config.Host},
	}, nil
}

func (c *SMTPClient) buildMessage(recipient, msgID string, content types.RenderedContent) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(c.config.From.String()); err != nil {
		return nil, &ProviderError{Provider: ProviderSMTP, Code: types.ErrCodeValidationInvalidEmail, Detail: "invalid from address", Permanent: true, Err: err}
	}
	if err := m.To(recipient); err != nil {
		return nil, &ProviderError{Provider: ProviderSMTP, Code: types.ErrCodeValidationInvalidEmail, Detail: "invalid recipient", Permanent: true, Err: err}
	}
	m.Subject(content.Subject)
	m.SetMessageIDWithValue(msgID)
	if id := notificationID(content); id != "" {
		m.SetGenHeader(headerNotificationID, id)
	}

	switch {
	case content.TextBody != "" && content.HTMLBody != "":
		m.SetBodyString(mail.TypeTextPlain, content.TextBody)
		m.AddAlternativeString(mail.TypeTextHTML, content.HTMLBody)
	case content.HTMLBody != "":
		m.SetBodyString(mail.TypeTextHTML, content.HTMLBody)
	default:
		m.SetBodyString(mail.TypeTextPlain, content.TextBody)
	}
	return m, nil
}

func classifySMTPError(err error) error {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && !sendErr.IsTemp() {
		return &ProviderError{
			Provider:  ProviderSMTP,
			Code:      types.ErrCodeRecipientRejected,
			Detail:    sendErr.Error(),
			Permanent: true,
			Err:       err,
		}
	}
	return TransportError(ProviderSMTP, err)
}

// tlsPolicyFromEncryption converts the encryption setting to a go-mail TLSPolicy.
func tlsPolicyFromEncryption(enc string) mail.TLSPolicy {
	switch enc {
	case "ssl_tls":
		return mail.TLSMandatory
	case "starttls":
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}

var _ Sender = (*SMTPClient)(nil)
