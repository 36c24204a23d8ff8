package external

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestStubSender(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewStubPushSender(logger)

	ack1, err := s.Send(context.Background(), "device-token-abcdef", pushContent())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	ack2, _ := s.Send(context.Background(), "device-token-abcdef", pushContent())

	if ack1.ProviderMessageID != "msg_stub_push_1" || ack2.ProviderMessageID != "msg_stub_push_2" {
		t.Errorf("ids = %q, %q", ack1.ProviderMessageID, ack2.ProviderMessageID)
	}
	if s.Sent() != 2 || s.Name() != ProviderStub {
		t.Errorf("Sent() = %d, Name() = %q", s.Sent(), s.Name())
	}
}
