package external

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/wneessen/go-mail"
)

func TestSMTPBuildMessage(t *testing.T) {
	client := NewSMTPClient(SMTPConfig{From: SenderIdentity{Address: "alerts@example.com", Name: "Alerts"}})

	m, err := client.buildMessage("user@example.com", "abc@notifyd", testContent())
	if err != nil {
		t.Fatalf("buildMessage: %v", err)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	raw := buf.String()

	for _, want := range []string{
		"To: <user@example.com>",
		"Subject: Your order shipped",
		"X-Notification-Id: n-1",
		"Message-ID: <abc@notifyd>",
		"text/plain",
		"text/html",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSMTPBuildMessage_InvalidRecipient(t *testing.T) {
	client := NewSMTPClient(SMTPConfig{From: SenderIdentity{Address: "alerts@example.com"}})

	_, err := client.buildMessage("not an address", "id@notifyd", testContent())
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Retryable() {
		t.Fatalf("expected permanent ProviderError, got %v", err)
	}
}

func TestClassifySMTPError(t *testing.T) {
	permanent := classifySMTPError(&mail.SendError{Reason: mail.ErrSMTPRcptTo})
	var pe *ProviderError
	if !errors.As(permanent, &pe) || pe.Retryable() {
		t.Errorf("expected permanent error, got %v", permanent)
	}

	transient := classifySMTPError(errors.New("dial tcp: connection refused"))
	if !errors.As(transient, &pe) || !pe.Retryable() {
		t.Errorf("expected transient error, got %v", transient)
	}
}

func TestSMTPSend_RelayUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	client := NewSMTPClient(SMTPConfig{
		Host: "127.0.0.1",
		Port: port,
		From: SenderIdentity{Address: "alerts@example.com"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.Send(ctx, "user@example.com", testContent())
	var pe *ProviderError
	if !errors.As(err, &pe) || !pe.Retryable() {
		t.Fatalf("expected retryable ProviderError, got %v", err)
	}
}

func TestTLSPolicyFromEncryption(t *testing.T) {
	if tlsPolicyFromEncryption("ssl_tls") != mail.TLSMandatory {
		t.Error("ssl_tls should be mandatory")
	}
	if tlsPolicyFromEncryption("starttls") != mail.TLSOpportunistic {
		t.Error("starttls should be opportunistic")
	}
	if tlsPolicyFromEncryption("") != mail.NoTLS {
		t.Error("default should be no TLS")
	}
}
