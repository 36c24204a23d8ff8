// Package push implements the mobile/web push channel delivered through
// Firebase Cloud Messaging.
package push

import (
	"notifyd/internal/notifications/core"
	"notifyd/internal/types"
)

// MinTokenLength is the shortest device token accepted. Shorter values are
// never valid registration tokens and fail without a provider call.
const MinTokenLength = 10

// DataNotificationID is the data key carrying the notification id.
const DataNotificationID = "notification_id"

// Channel implements core.Channel for push.
type Channel struct{}

// NewChannel creates a push Channel.
func NewChannel() *Channel {
	return &Channel{}
}

// Type returns types.ChannelPush.
func (c *Channel) Type() types.ChannelType {
	return types.ChannelPush
}

// ValidateRecipient performs the device token sanity check.
func (c *Channel) ValidateRecipient(token string) error {
	if len(token) < MinTokenLength {
		return types.NewAppError(types.ErrCodeValidationInvalidToken, "invalid device token", nil)
	}
	return nil
}

// Build renders the title from the template subject and the body from the
// text template, or the body template when no text part exists. The
// request variables are forwarded as the FCM data payload.
func (c *Channel) Build(req *types.DeliveryRequest, tmpl *types.ResolvedTemplate) (types.RenderedContent, error) {
	vars := req.Content.Variables

	body := tmpl.TextTemplate
	if body == "" {
		body = tmpl.BodyTemplate
	}

	data := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		data[k] = v
	}
	data[DataNotificationID] = req.NotificationID

	return types.RenderedContent{
		Subject:  core.Render(tmpl.Subject, vars, false),
		TextBody: core.Render(body, vars, false),
		ImageURL: core.Render(tmpl.ImageURL, vars, false),
		Link:     core.Render(tmpl.Link, vars, false),
		Data:     data,
	}, nil
}

var _ core.Channel = (*Channel)(nil)
