package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"notifyd/internal/types"
)

// ---------------------------------------------------------------------------
// Stub Implementations
//
// Stubs let the worker boot in local mode without provider credentials.
// They log every send and return predictable message ids.
// ---------------------------------------------------------------------------

// StubSender implements Sender by logging calls. Used when APP_ENV=local or
// the configured provider is "stub".
type StubSender struct {
	channel types.ChannelType
	logger  *slog.Logger
	sent    atomic.Int64
}

// NewStubEmailSender creates a stub for the email channel.
func NewStubEmailSender(logger *slog.Logger) *StubSender {
	return &StubSender{channel: types.ChannelEmail, logger: logger}
}

// NewStubPushSender creates a stub for the push channel.
func NewStubPushSender(logger *slog.Logger) *StubSender {
	return &StubSender{channel: types.ChannelPush, logger: logger}
}

func (s *StubSender) Name() string { return ProviderStub }

func (s *StubSender) Send(ctx context.Context, recipient string, content types.RenderedContent) (types.ProviderAck, error) {
	n := s.sent.Add(1)
	s.logger.InfoContext(ctx, "stub: Send called",
		"channel", s.channel,
		"notification_id", notificationID(content),
		"subject", content.Subject,
		"recipient_len", len(recipient),
	)
	msgID := fmt.Sprintf("msg_stub_%s_%d", s.channel, n)
	return types.ProviderAck{
		ProviderMessageID: msgID,
		Response:          types.ProviderResponse{"provider": ProviderStub},
	}, nil
}

// Sent returns the number of messages accepted so far.
func (s *StubSender) Sent() int64 { return s.sent.Load() }

var _ Sender = (*StubSender)(nil)
