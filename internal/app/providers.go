package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"notifyd/internal/config"
	"notifyd/internal/external"
	"notifyd/internal/notifications/core"
)

// newProviderBase returns the HTTP base shared by HTTP providers. Provider
// sends never retry in-request; the retry scheduler owns that.
func newProviderBase(cfg *config.Config) *external.BaseClient {
	return external.NewBaseClient(
		&http.Client{Timeout: cfg.Worker.ProviderTimeout},
		external.NoRetry,
		cfg.Build.UserAgent(cfg.Service),
	)
}

// NewEmailProvider builds the configured email provider. In the local
// environment a provider without credentials degrades to the stub.
func NewEmailProvider(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (core.Provider, error) {
	ec := cfg.Email
	from := external.SenderIdentity{Address: ec.FromAddress, Name: ec.FromName}
	local := cfg.Environment == "local"

	switch ec.Provider {
	case "ses":
		return external.NewSESClient(awsCfg, external.SESClientConfig{
			From:          from,
			ConfigSetName: ec.SESConfigSet,
			Logger:        logger,
		}), nil
	case "sendgrid":
		if !ec.SendGridAPIKey.IsSet() && local {
			break
		}
		return external.NewSendGridClient(newProviderBase(cfg), external.SendGridConfig{
			APIKey: ec.SendGridAPIKey,
			From:   from,
		}), nil
	case "postmark":
		if !ec.PostmarkServerToken.IsSet() && local {
			break
		}
		client, err := external.NewPostmarkClient(external.PostmarkConfig{
			ServerToken: ec.PostmarkServerToken,
			From:        from,
			Tag:         ec.PostmarkTag,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "smtp":
		if ec.SMTPHost == "" && local {
			break
		}
		return external.NewSMTPClient(external.SMTPConfig{
			Host:       ec.SMTPHost,
			Port:       ec.SMTPPort,
			Username:   ec.SMTPUsername,
			Password:   ec.SMTPPassword,
			Encryption: ec.SMTPEncryption,
			From:       from,
		}), nil
	case "stub":
	default:
		return nil, fmt.Errorf("app: unknown email provider %q", ec.Provider)
	}

	logger.Warn("email provider credentials missing, using stub provider", "provider", ec.Provider)
	return external.NewStubEmailSender(logger), nil
}

// NewPushProvider builds the configured push provider. FCM credentials come
// from FCM_CREDENTIALS_JSON, then FCM_CREDENTIALS_FILE, and finally
// Application Default Credentials.
func NewPushProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.Provider, error) {
	pc := cfg.Push

	switch pc.Provider {
	case "fcm":
		fcmCfg := external.FCMConfig{ProjectID: pc.FCMProjectID, BaseURL: pc.FCMEndpoint}
		raw := []byte(pc.FCMCredentialsJSON.Unmask())
		if len(raw) == 0 && pc.FCMCredentials != "" {
			var err error
			raw, err = os.ReadFile(pc.FCMCredentials)
			if err != nil {
				return nil, fmt.Errorf("app: read fcm credentials: %w", err)
			}
		}
		if len(raw) > 0 {
			client, err := external.NewFCMClientFromJSON(ctx, newProviderBase(cfg), raw, fcmCfg)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
		if pc.FCMProjectID == "" {
			break
		}
		client, err := external.NewFCMClientFromDefaults(ctx, newProviderBase(cfg), fcmCfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "stub":
	default:
		return nil, fmt.Errorf("app: unknown push provider %q", pc.Provider)
	}

	logger.Warn("push provider credentials missing, using stub provider", "provider", pc.Provider)
	return external.NewStubPushSender(logger), nil
}
