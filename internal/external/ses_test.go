package external

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// mockSESAPI implements SESAPI for testing.
type mockSESAPI struct {
	sendEmailFunc func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

func (m *mockSESAPI) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	return m.sendEmailFunc(ctx, params, optFns...)
}

func TestSESSend_Success(t *testing.T) {
	var captured *sesv2.SendEmailInput
	mock := &mockSESAPI{
		sendEmailFunc: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			captured = params
			return &sesv2.SendEmailOutput{MessageId: aws.String("ses-msg-abc123")}, nil
		},
	}

	client := NewSESClientWithAPI(mock, SESClientConfig{
		From:          SenderIdentity{Address: "alerts@example.com", Name: "Alerts"},
		ConfigSetName: "notifyd-feedback",
	})

	ack, err := client.Send(context.Background(), "user@example.com", testContent())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if ack.ProviderMessageID != "ses-msg-abc123" {
		t.Errorf("ProviderMessageID = %q", ack.ProviderMessageID)
	}

	if got := aws.ToString(captured.FromEmailAddress); got != "Alerts <alerts@example.com>" {
		t.Errorf("from = %q", got)
	}
	if to := captured.Destination.ToAddresses; len(to) != 1 || to[0] != "user@example.com" {
		t.Errorf("to = %v", to)
	}
	simple := captured.Content.Simple
	if aws.ToString(simple.Subject.Data) != "Your order shipped" {
		t.Errorf("subject = %q", aws.ToString(simple.Subject.Data))
	}
	if aws.ToString(simple.Body.Html.Data) != "<p>Shipped</p>" || aws.ToString(simple.Body.Text.Data) != "Shipped" {
		t.Error("unexpected body content")
	}
	if aws.ToString(captured.ConfigurationSetName) != "notifyd-feedback" {
		t.Errorf("config set = %q", aws.ToString(captured.ConfigurationSetName))
	}
	if len(captured.EmailTags) != 1 || aws.ToString(captured.EmailTags[0].Name) != "notification_id" || aws.ToString(captured.EmailTags[0].Value) != "n-1" {
		t.Errorf("unexpected tags: %+v", captured.EmailTags)
	}
}

func TestSESSend_OptionalFieldsOmitted(t *testing.T) {
	var captured *sesv2.SendEmailInput
	mock := &mockSESAPI{
		sendEmailFunc: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			captured = params
			return &sesv2.SendEmailOutput{}, nil
		},
	}
	client := NewSESClientWithAPI(mock, SESClientConfig{From: SenderIdentity{Address: "alerts@example.com"}})

	content := testContent()
	content.TextBody = ""
	content.Data = nil
	if _, err := client.Send(context.Background(), "user@example.com", content); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if got := aws.ToString(captured.FromEmailAddress); got != "alerts@example.com" {
		t.Errorf("from = %q", got)
	}
	if captured.Content.Simple.Body.Text != nil {
		t.Error("expected no text body")
	}
	if captured.ConfigurationSetName != nil || captured.EmailTags != nil {
		t.Error("expected no config set or tags")
	}
}

func TestSESSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		bounced   bool
	}{
		{"rejected", &sestypes.MessageRejected{Message: aws.String("blocked")}, false, true},
		{"throttled", &sestypes.TooManyRequestsException{Message: aws.String("slow")}, true, false},
		{"paused", &sestypes.SendingPausedException{Message: aws.String("paused")}, true, false},
		{"suspended", &sestypes.AccountSuspendedException{Message: aws.String("suspended")}, true, false},
		{"bad request", &sestypes.BadRequestException{Message: aws.String("bad")}, false, false},
		{"unverified", &sestypes.MailFromDomainNotVerifiedException{Message: aws.String("unverified")}, false, false},
		{"unknown", errors.New("connection reset"), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockSESAPI{
				sendEmailFunc: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
					return nil, tt.err
				},
			}
			client := NewSESClientWithAPI(mock, SESClientConfig{From: SenderIdentity{Address: "alerts@example.com"}})

			_, err := client.Send(context.Background(), "user@example.com", testContent())
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProviderError, got %T", err)
			}
			if pe.Retryable() != tt.retryable || pe.Bounced() != tt.bounced {
				t.Errorf("retryable=%v bounced=%v", pe.Retryable(), pe.Bounced())
			}
			if !errors.Is(err, tt.err) {
				t.Error("expected SES error to unwrap")
			}
		})
	}
}
