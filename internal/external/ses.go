package external

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"notifyd/internal/types"
)

// SESAPI defines the subset of the SES v2 client used by SESClient.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClientConfig holds the configuration for creating an SESClient.
type SESClientConfig struct {
	From SenderIdentity
	// ConfigSetName routes bounce and complaint events to SNS. Optional.
	ConfigSetName string
	Logger        *slog.Logger
}

// SESClient sends email with AWS SES v2. Authentication comes from the
// AWS config (IAM role in production).
type SESClient struct {
	api           SESAPI
	from          SenderIdentity
	configSetName string
	logger        *slog.Logger
}

// NewSESClient creates an SESClient from an AWS config.
func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	return NewSESClientWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESClientWithAPI creates an SESClient with a pre-configured SESAPI.
func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SESClient{
		api:           api,
		from:          cfg.From,
		configSetName: cfg.ConfigSetName,
		logger:        logger,
	}
}

// Name implements Sender.
func (s *SESClient) Name() string { return ProviderSES }

// Send transmits pre-rendered content with SendEmail simple content. The
// notification id is attached as a message tag so SNS feedback events can
// be correlated back to the notification.
func (s *SESClient) Send(ctx context.Context, recipient string, content types.RenderedContent) (types.ProviderAck, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from.String()),
		Destination: &sestypes.Destination{
			ToAddresses: []string{recipient},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: utf8Content(content.Subject),
				Body:    &sestypes.Body{},
			},
		},
	}
	if content.HTMLBody != "" {
		input.Content.Simple.Body.Html = utf8Content(content.HTMLBody)
	}
	if content.TextBody != "" {
		input.Content.Simple.Body.Text = utf8Content(content.TextBody)
	}
	if s.configSetName != "" {
		input.ConfigurationSetName = aws.String(s.configSetName)
	}
	if id := notificationID(content); id != "" {
		input.EmailTags = []sestypes.MessageTag{{
			Name:  aws.String("notification_id"),
			Value: aws.String(id),
		}}
	}

	out, err := s.api.SendEmail(ctx, input)
	if err != nil {
		return types.ProviderAck{}, mapSESError(err)
	}

	msgID := aws.ToString(out.MessageId)
	return types.ProviderAck{
		ProviderMessageID: msgID,
		Response:          types.ProviderResponse{"provider": ProviderSES, "message_id": msgID},
	}, nil
}

func utf8Content(data string) *sestypes.Content {
	return &sestypes.Content{Data: aws.String(data), Charset: aws.String("UTF-8")}
}

// mapSESError classifies SES API errors.
//
//   - MessageRejected: blocked recipient
//   - TooManyRequests, SendingPaused, AccountSuspended: transient
//   - BadRequest, MailFromDomainNotVerified, NotFound: permanent
//   - anything else: transient
func mapSESError(err error) error {
	var (
		rejected   *sestypes.MessageRejected
		throttled  *sestypes.TooManyRequestsException
		paused     *sestypes.SendingPausedException
		suspended  *sestypes.AccountSuspendedException
		badRequest *sestypes.BadRequestException
		unverified *sestypes.MailFromDomainNotVerifiedException
		notFound   *sestypes.NotFoundException
	)

	switch {
	case errors.As(err, &rejected):
		return BlockedError(ProviderSES, "message rejected", err)
	case errors.As(err, &throttled):
		return &ProviderError{Provider: ProviderSES, Code: types.ErrCodeUpstreamRateLimited, Detail: "rate limit exceeded", Err: err}
	case errors.As(err, &paused), errors.As(err, &suspended):
		return &ProviderError{Provider: ProviderSES, Code: types.ErrCodeUpstreamUnavailable, Detail: "sending paused", Err: err}
	case errors.As(err, &badRequest), errors.As(err, &unverified), errors.As(err, &notFound):
		return &ProviderError{Provider: ProviderSES, Code: types.ErrCodeRecipientRejected, Detail: err.Error(), Permanent: true, Err: err}
	}
	return TransportError(ProviderSES, err)
}

var _ Sender = (*SESClient)(nil)
