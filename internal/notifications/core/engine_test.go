package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"notifyd/internal/types"
)

type engineFixture struct {
	engine   *Engine
	provider *fakeProvider
	resolver *flakyResolver
	breaker  *Breaker
	metrics  *fakeMetrics
}

func newEngineFixture(timeout time.Duration, withFallback bool) *engineFixture {
	metrics := newFakeMetrics()
	provider := &fakeProvider{}
	inner := &flakyResolver{next: NewStaticResolver(welcomeTemplate)}
	var resolver types.TemplateResolver = inner
	if withFallback {
		resolver = NewFallbackResolver(inner, types.ChannelEmail, metrics, &mockLogger{})
	}
	breaker := NewBreaker(types.ChannelEmail, DefaultBreakerSettings(), metrics, &mockLogger{})
	return &engineFixture{
		engine:   NewEngine(fakeChannel{}, provider, resolver, breaker, metrics, timeout, &mockLogger{}),
		provider: provider,
		resolver: inner,
		breaker:  breaker,
		metrics:  metrics,
	}
}

func requireKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeliveryError, got %T (%v)", err, err)
	}
	if de.Kind != want {
		t.Fatalf("expected kind %s, got %s (%v)", want, de.Kind, err)
	}
}

func TestEngine_DeliverSuccess(t *testing.T) {
	f := newEngineFixture(time.Second, true)
	req := testRequest(0)

	ack, err := f.engine.Deliver(context.Background(), &req)
	if err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	if ack.ProviderMessageID != "msg-1" {
		t.Errorf("unexpected ack %+v", ack)
	}

	sent := f.provider.sent[0]
	if sent.Subject != "Welcome Ada" || sent.HTMLBody != "<p>Hello Ada</p>" || sent.TextBody != "Hello Ada" {
		t.Errorf("unexpected rendered content %+v", sent)
	}
	if f.metrics.latencies != 1 {
		t.Errorf("expected a latency sample")
	}
}

func TestEngine_InvalidRecipientIsValidation(t *testing.T) {
	f := newEngineFixture(time.Second, true)
	req := testRequest(0)
	req.Recipient = "not-an-address"

	_, err := f.engine.Deliver(context.Background(), &req)
	requireKind(t, err, KindValidation)
	if f.provider.callCount() != 0 {
		t.Error("provider must not be called for invalid recipient")
	}
}

func TestEngine_UnknownTemplateIsContentResolution(t *testing.T) {
	f := newEngineFixture(time.Second, true)
	req := testRequest(0)
	req.Content.TemplateID = "missing"

	_, err := f.engine.Deliver(context.Background(), &req)
	requireKind(t, err, KindContentResolution)
}

func TestEngine_RenderErrorIsContentResolution(t *testing.T) {
	f := newEngineFixture(time.Second, false)
	f.resolver.next = NewStaticResolver(types.ResolvedTemplate{ID: "welcome", BodyTemplate: "{{!broken"})
	req := testRequest(0)

	_, err := f.engine.Deliver(context.Background(), &req)
	requireKind(t, err, KindContentResolution)
}

func TestEngine_ResolverUnavailable(t *testing.T) {
	t.Run("fallback used", func(t *testing.T) {
		f := newEngineFixture(time.Second, true)
		f.resolver.down = true
		req := testRequest(0)
		req.Content.Variables = map[string]string{"title": "Heads up", "message": "Your order shipped"}

		if _, err := f.engine.Deliver(context.Background(), &req); err != nil {
			t.Fatalf("expected fallback delivery, got %v", err)
		}
		if got := f.provider.sent[0].Subject; got != "Heads up" {
			t.Errorf("expected fallback subject, got %q", got)
		}
	})

	t.Run("no fallback is transient", func(t *testing.T) {
		f := newEngineFixture(time.Second, false)
		f.resolver.down = true
		req := testRequest(0)

		_, err := f.engine.Deliver(context.Background(), &req)
		requireKind(t, err, KindTransient)
	})
}

func TestEngine_ProviderErrors(t *testing.T) {
	f := newEngineFixture(time.Second, true)
	req := testRequest(0)

	f.provider.results = []error{errProvider5xx}
	_, err := f.engine.Deliver(context.Background(), &req)
	requireKind(t, err, KindTransient)

	f.provider.results = []error{errProviderReject}
	_, err = f.engine.Deliver(context.Background(), &req)
	requireKind(t, err, KindPermanent)
}

func TestEngine_ProviderTimeoutIsTransient(t *testing.T) {
	f := newEngineFixture(20*time.Millisecond, true)
	f.provider.delay = time.Second
	req := testRequest(0)

	start := time.Now()
	_, err := f.engine.Deliver(context.Background(), &req)
	requireKind(t, err, KindTransient)
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("timeout not enforced, took %v", time.Since(start))
	}
}

func TestEngine_OpenCircuitSkipsProvider(t *testing.T) {
	f := newEngineFixture(time.Second, true)
	f.provider.results = []error{errProvider5xx}
	req := testRequest(0)

	for i := 0; i < 5; i++ {
		f.engine.Deliver(context.Background(), &req)
	}
	if f.provider.callCount() != 5 {
		t.Fatalf("expected 5 provider calls, got %d", f.provider.callCount())
	}

	_, err := f.engine.Deliver(context.Background(), &req)
	requireKind(t, err, KindCircuitOpen)
	if f.provider.callCount() != 5 {
		t.Errorf("sixth request must not reach the provider, got %d calls", f.provider.callCount())
	}
}
