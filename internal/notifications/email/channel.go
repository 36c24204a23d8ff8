package email

import (
	"github.com/go-playground/validator/v10"

	"notifyd/internal/notifications/core"
	"notifyd/internal/types"
)

// DataNotificationID is the RenderedContent.Data key carrying the
// notification id. Providers attach it as a message tag or header so
// asynchronous feedback can be correlated.
const DataNotificationID = "notification_id"

// Channel implements core.Channel for email.
type Channel struct {
	layout   *Layout
	validate *validator.Validate
}

// NewChannel creates an email Channel that wraps bodies in layout.
func NewChannel(layout *Layout) *Channel {
	return &Channel{layout: layout, validate: validator.New()}
}

// Type returns types.ChannelEmail.
func (c *Channel) Type() types.ChannelType {
	return types.ChannelEmail
}

// ValidateRecipient checks that recipient is a well-formed email address.
func (c *Channel) ValidateRecipient(recipient string) error {
	if err := c.validate.Var(recipient, "required,email"); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidEmail,
			"invalid email recipient "+RedactEmail(recipient), err)
	}
	return nil
}

// Build renders the subject, the HTML body and the text body. Variables are
// HTML-escaped in the HTML body only. A template without a text part gets
// one derived from the HTML body.
func (c *Channel) Build(req *types.DeliveryRequest, tmpl *types.ResolvedTemplate) (types.RenderedContent, error) {
	vars := req.Content.Variables

	subject := core.Render(tmpl.Subject, vars, false)
	body := core.Render(tmpl.BodyTemplate, vars, true)

	htmlBody, err := c.layout.HTML(subject, body)
	if err != nil {
		return types.RenderedContent{}, err
	}

	text := PlainText(body)
	if tmpl.TextTemplate != "" {
		text = core.Render(tmpl.TextTemplate, vars, false)
	}
	textBody, err := c.layout.Text(text)
	if err != nil {
		return types.RenderedContent{}, err
	}

	return types.RenderedContent{
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
		Data:     map[string]string{DataNotificationID: req.NotificationID},
	}, nil
}

var _ core.Channel = (*Channel)(nil)
