package email

import (
	"errors"
	"strings"
	"testing"

	"notifyd/internal/types"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	layout, err := NewLayout("You receive this because you have an account.")
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	return NewChannel(layout)
}

func TestChannel_ValidateRecipient(t *testing.T) {
	c := newTestChannel(t)

	tests := []struct {
		recipient string
		valid     bool
	}{
		{"ada@example.com", true},
		{"first.last+tag@sub.example.co.uk", true},
		{"", false},
		{"nobody", false},
		{"@example.com", false},
		{"ada@", false},
	}

	for _, tt := range tests {
		err := c.ValidateRecipient(tt.recipient)
		if tt.valid && err != nil {
			t.Errorf("ValidateRecipient(%q) unexpected error: %v", tt.recipient, err)
		}
		if !tt.valid {
			var appErr *types.AppError
			if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeValidationInvalidEmail {
				t.Errorf("ValidateRecipient(%q) = %v, want invalid email AppError", tt.recipient, err)
			}
		}
	}
}

func TestChannel_ValidateRecipientRedactsAddress(t *testing.T) {
	c := newTestChannel(t)
	err := c.ValidateRecipient("secret-name@")
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "secret-name") {
		t.Errorf("error leaks recipient: %v", err)
	}
}

func TestChannel_Build(t *testing.T) {
	c := newTestChannel(t)
	req := &types.DeliveryRequest{
		NotificationID: "n1",
		Content: types.ContentRef{
			TemplateID: "welcome",
			Variables:  map[string]string{"name": "<Ada>", "order": "42"},
		},
	}
	tmpl := &types.ResolvedTemplate{
		Subject:      "Hi {{ name }}",
		BodyTemplate: "<p>Order {{order}} for {{name}}</p>",
		TextTemplate: "Order {{order}} for {{name}}",
	}

	got, err := c.Build(req, tmpl)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if got.Subject != "Hi <Ada>" {
		t.Errorf("subject = %q", got.Subject)
	}
	if !strings.Contains(got.HTMLBody, "<p>Order 42 for &lt;Ada&gt;</p>") {
		t.Errorf("html body missing escaped content: %s", got.HTMLBody)
	}
	if !strings.Contains(got.HTMLBody, "<title>Hi &lt;Ada&gt;</title>") {
		t.Errorf("html title not escaped by layout: %s", got.HTMLBody)
	}
	if !strings.HasPrefix(got.TextBody, "Order 42 for <Ada>") {
		t.Errorf("text body = %q", got.TextBody)
	}
	if !strings.Contains(got.TextBody, "You receive this") {
		t.Errorf("text body missing footer: %q", got.TextBody)
	}
	if got.Data[DataNotificationID] != "n1" {
		t.Errorf("expected notification id in data, got %v", got.Data)
	}
}

func TestChannel_BuildDerivesTextPart(t *testing.T) {
	c := newTestChannel(t)
	req := &types.DeliveryRequest{Content: types.ContentRef{Variables: map[string]string{"message": "Server restarted"}}}
	tmpl := &types.ResolvedTemplate{
		Subject:      "Alert",
		BodyTemplate: "<h1>Alert</h1><p>{{message}}</p>",
	}

	got, err := c.Build(req, tmpl)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.HasPrefix(got.TextBody, "Alert\nServer restarted") {
		t.Errorf("derived text = %q", got.TextBody)
	}
}

func TestChannel_BuildUnknownVariablesAreEmpty(t *testing.T) {
	c := newTestChannel(t)
	got, err := c.Build(&types.DeliveryRequest{}, &types.ResolvedTemplate{
		Subject:      "Hello {{missing}}!",
		BodyTemplate: "<p>x</p>",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got.Subject != "Hello !" {
		t.Errorf("subject = %q", got.Subject)
	}
}
