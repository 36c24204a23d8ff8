package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyd/internal/types"
)

// mockLogger implements types.Logger as a no-op for tests.
type mockLogger struct{}

func (l *mockLogger) Info(msg string, args ...any)  {}
func (l *mockLogger) Error(msg string, args ...any) {}
func (l *mockLogger) Warn(msg string, args ...any)  {}
func (l *mockLogger) With(args ...any) types.Logger { return l }

// recordingLogger keeps "level:msg" lines across With-derived loggers.
type recordingLogger struct {
	mu    *sync.Mutex
	store *[]string
}

func (l *recordingLogger) init() {
	if l.mu == nil {
		l.mu = &sync.Mutex{}
		l.store = &[]string{}
	}
}

func (l *recordingLogger) add(line string) {
	l.init()
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.store = append(*l.store, line)
}

func (l *recordingLogger) Info(msg string, args ...any)  { l.add("info:" + msg) }
func (l *recordingLogger) Error(msg string, args ...any) { l.add("error:" + msg) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.add("warn:" + msg) }
func (l *recordingLogger) With(args ...any) types.Logger {
	l.init()
	return l
}

func (l *recordingLogger) lines() []string {
	l.init()
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), *l.store...)
}

func (l *recordingLogger) has(line string) bool {
	for _, got := range l.lines() {
		if got == line {
			return true
		}
	}
	return false
}

// mockClock returns a fixed time.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testNow = time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)

// fakeMetrics counts calls per kind.
type fakeMetrics struct {
	mu        sync.Mutex
	results   map[MetricResult]int
	trips     int
	fallbacks int
	latencies int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{results: make(map[MetricResult]int)}
}

func (m *fakeMetrics) RecordDelivery(_ context.Context, _ types.ChannelType, r MetricResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r]++
}

func (m *fakeMetrics) RecordLatency(context.Context, types.ChannelType, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *fakeMetrics) RecordQueueLag(context.Context, types.ChannelType, time.Duration) {}

func (m *fakeMetrics) RecordCircuitOpened(context.Context, types.ChannelType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips++
}

func (m *fakeMetrics) RecordTemplateFallback(context.Context, types.ChannelType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks++
}

func (m *fakeMetrics) count(r MetricResult) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[r]
}

// providerErr mimics the classification methods of real provider errors.
type providerErr struct {
	msg       string
	retryable bool
	bounced   bool
}

func (e *providerErr) Error() string   { return e.msg }
func (e *providerErr) Retryable() bool { return e.retryable }
func (e *providerErr) Bounced() bool   { return e.bounced }

var (
	errProvider5xx    = &providerErr{msg: "provider returned 503", retryable: true}
	errProviderReject = &providerErr{msg: "provider rejected recipient", retryable: false}
	errProviderBounce = &providerErr{msg: "recipient on suppression list", retryable: false, bounced: true}
)

// fakeProvider returns scripted results in order, repeating the last one.
type fakeProvider struct {
	mu      sync.Mutex
	results []error
	calls   int
	delay   time.Duration
	sent    []types.RenderedContent
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(ctx context.Context, recipient string, content types.RenderedContent) (types.ProviderAck, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.sent = append(p.sent, content)
	var err error
	if len(p.results) > 0 {
		i := n - 1
		if i >= len(p.results) {
			i = len(p.results) - 1
		}
		err = p.results[i]
	}
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return types.ProviderAck{}, ctx.Err()
		}
	}
	if err != nil {
		return types.ProviderAck{}, err
	}
	return types.ProviderAck{
		ProviderMessageID: fmt.Sprintf("msg-%d", n),
		Response:          types.ProviderResponse{"status_code": 200},
	}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeChannel is a minimal email-like channel: recipients must contain "@".
type fakeChannel struct{}

func (fakeChannel) Type() types.ChannelType { return types.ChannelEmail }

func (fakeChannel) ValidateRecipient(r string) error {
	if !strings.Contains(r, "@") {
		return errors.New("recipient is not an email address")
	}
	return nil
}

func (fakeChannel) Build(req *types.DeliveryRequest, tmpl *types.ResolvedTemplate) (types.RenderedContent, error) {
	if strings.Contains(tmpl.BodyTemplate, "{{!") {
		return types.RenderedContent{}, errors.New("bad template syntax")
	}
	vars := req.Content.Variables
	return types.RenderedContent{
		Subject:  Render(tmpl.Subject, vars, false),
		HTMLBody: Render(tmpl.BodyTemplate, vars, true),
		TextBody: Render(tmpl.TextTemplate, vars, false),
	}, nil
}

// fakePushChannel accepts any non-empty device token.
type fakePushChannel struct{ fakeChannel }

func (fakePushChannel) Type() types.ChannelType { return types.ChannelPush }

func (fakePushChannel) ValidateRecipient(r string) error {
	if r == "" {
		return errors.New("device token is empty")
	}
	return nil
}

// flakyResolver fails with ErrTemplateUnavailable while down is set.
type flakyResolver struct {
	next *StaticResolver
	down bool
}

func (r *flakyResolver) Resolve(ctx context.Context, ref types.ContentRef) (*types.ResolvedTemplate, error) {
	if r.down {
		return nil, fmt.Errorf("template service: %w", types.ErrTemplateUnavailable)
	}
	return r.next.Resolve(ctx, ref)
}

var welcomeTemplate = types.ResolvedTemplate{
	ID:           "welcome",
	Subject:      "Welcome {{ name }}",
	BodyTemplate: "<p>Hello {{name}}</p>",
	TextTemplate: "Hello {{name}}",
}
