package external

import (
	"context"

	"notifyd/internal/types"
)

// Provider names, also used as the EMAIL_PROVIDER config values.
const (
	ProviderSES      = "ses"
	ProviderSendGrid = "sendgrid"
	ProviderPostmark = "postmark"
	ProviderSMTP     = "smtp"
	ProviderFCM      = "fcm"
	ProviderStub     = "stub"
)

// Sender delivers rendered content to a single recipient. Every provider in
// this package implements it; a failed send returns a *ProviderError.
type Sender interface {
	Name() string
	Send(ctx context.Context, recipient string, content types.RenderedContent) (types.ProviderAck, error)
}

// SenderIdentity is the From address of outgoing email.
type SenderIdentity struct {
	Address string
	Name    string
}

// String formats the identity as an RFC 5322 mailbox.
func (s SenderIdentity) String() string {
	if s.Name == "" {
		return s.Address
	}
	return s.Name + " <" + s.Address + ">"
}

// notificationID returns the notification id carried in content data.
func notificationID(c types.RenderedContent) string {
	return c.Data["notification_id"]
}
