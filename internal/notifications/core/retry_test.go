package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"notifyd/internal/queue"
	"notifyd/internal/types"
)

func TestCalculateNextRetry_DefaultPolicy(t *testing.T) {
	// BaseDelay=2s, factor 2, MaxDelay=30s, no jitter.
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second}, // 32s, capped
		{40, 30 * time.Second},
	}

	for _, tt := range tests {
		d := CalculateNextRetry(DefaultRetryPolicy, tt.attempt, 0)
		if d != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, d)
		}
	}
}

func TestCalculateNextRetry_JitterIsCapped(t *testing.T) {
	d := CalculateNextRetry(DefaultRetryPolicy, 1, 700*time.Millisecond)
	if d != 4700*time.Millisecond {
		t.Errorf("expected 4.7s, got %v", d)
	}

	d = CalculateNextRetry(DefaultRetryPolicy, 3, 999*time.Millisecond)
	if d != 16999*time.Millisecond {
		t.Errorf("expected 16.999s, got %v", d)
	}

	// 30s - 500ms base plus 999ms jitter still caps at MaxDelay.
	policy := RetryPolicy{MaxRetries: 1, BaseDelay: 29500 * time.Millisecond, MaxDelay: 30 * time.Second}
	if d := CalculateNextRetry(policy, 0, 999*time.Millisecond); d != 30*time.Second {
		t.Errorf("expected cap at 30s, got %v", d)
	}
}

func TestCalculateNextRetry_NegativeAttempt(t *testing.T) {
	if d := CalculateNextRetry(DefaultRetryPolicy, -1, 0); d != 2*time.Second {
		t.Errorf("expected 2s for negative attempt, got %v", d)
	}
}

func TestRandomJitter_Bounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := RandomJitter(time.Second)
		if j < 0 || j >= time.Second {
			t.Fatalf("jitter %v outside [0, 1s)", j)
		}
	}
	if RandomJitter(0) != 0 {
		t.Error("expected zero jitter for zero max")
	}
}

// --- Scheduler ---

func newTestScheduler(broker *queue.MemoryBroker, jitter time.Duration) (*Scheduler, *fakeMetrics) {
	metrics := newFakeMetrics()
	status := NewStatusPublisher(broker, &mockLogger{})
	s := NewScheduler(broker, status, DefaultRetryPolicy, metrics, &mockLogger{},
		WithJitter(func(time.Duration) time.Duration { return jitter }),
		WithClock(&mockClock{now: testNow}),
	)
	return s, metrics
}

func testRequest(attempt int) types.DeliveryRequest {
	return types.DeliveryRequest{
		NotificationID: "n1",
		Channel:        types.ChannelEmail,
		Recipient:      "a@x.io",
		Content:        types.ContentRef{TemplateID: "welcome", Variables: map[string]string{"name": "Ada"}},
		IdempotencyKey: "k1",
		Attempt:        attempt,
		Priority:       types.PriorityNormal,
		Metadata:       map[string]string{types.MetaTraceID: "t-1"},
	}
}

func decodeStatus(t *testing.T, p queue.Published) types.StatusEvent {
	t.Helper()
	var ev types.StatusEvent
	if err := json.Unmarshal(p.Msg.Body, &ev); err != nil {
		t.Fatalf("failed to decode status event: %v", err)
	}
	return ev
}

func TestScheduler_TransientSchedulesRetry(t *testing.T) {
	broker := queue.NewMemoryBroker()
	s, metrics := newTestScheduler(broker, 300*time.Millisecond)

	req := testRequest(1)
	outcome, err := s.HandleFailure(context.Background(), req, nil, ClassifyProviderError(errProvider5xx))
	if err != nil {
		t.Fatalf("HandleFailure returned error: %v", err)
	}
	if outcome.Status != types.StatusPending {
		t.Errorf("expected pending outcome, got %s", outcome.Status)
	}

	retries := broker.Published("email")
	if len(retries) != 1 {
		t.Fatalf("expected 1 retry publish, got %d", len(retries))
	}
	if retries[0].Delay != 4300*time.Millisecond {
		t.Errorf("expected delay 4.3s, got %v", retries[0].Delay)
	}
	if retries[0].Msg.ID != "n1:2" {
		t.Errorf("expected message id n1:2, got %s", retries[0].Msg.ID)
	}

	env, err := types.DecodeEnvelope(retries[0].Msg.Body)
	if err != nil {
		t.Fatalf("retry body is not a valid envelope: %v", err)
	}
	if env.RetryCount != 2 {
		t.Errorf("expected retry_count 2, got %d", env.RetryCount)
	}
	md := env.Data.Metadata
	if md[types.MetaRetryCount] != "2" {
		t.Errorf("expected retryCount metadata 2, got %q", md[types.MetaRetryCount])
	}
	if md[types.MetaLastRetryTime] != testNow.Format(time.RFC3339) {
		t.Errorf("unexpected lastRetryTime %q", md[types.MetaLastRetryTime])
	}
	if md[types.MetaLastError] == "" || md[types.MetaTraceID] != "t-1" {
		t.Errorf("expected lastError and trace id preserved, got %v", md)
	}

	// The original request is untouched.
	if req.Attempt != 1 || req.Metadata[types.MetaRetryCount] != "" {
		t.Errorf("original request mutated: %+v", req)
	}

	statuses := broker.Published(queue.RoutingStatus)
	if len(statuses) != 1 || decodeStatus(t, statuses[0]).Status != types.StatusPending {
		t.Fatalf("expected one pending status, got %v", statuses)
	}
	if len(broker.Published(queue.RoutingFailed)) != 0 {
		t.Error("transient failure must not dead-letter")
	}
	if metrics.count(MetricRetried) != 1 {
		t.Errorf("expected retried metric")
	}
}

func TestScheduler_MaxRetriesDeadLetters(t *testing.T) {
	broker := queue.NewMemoryBroker()
	s, metrics := newTestScheduler(broker, 0)

	outcome, err := s.HandleFailure(context.Background(), testRequest(4), []byte(`{"notification_id":"n1"}`), ClassifyProviderError(errProvider5xx))
	if err != nil {
		t.Fatalf("HandleFailure returned error: %v", err)
	}
	if outcome.Status != types.StatusFailed || outcome.Error != ReasonMaxRetries {
		t.Errorf("expected failed/max retries, got %s/%s", outcome.Status, outcome.Error)
	}
	if len(broker.Published("email")) != 0 {
		t.Error("no retry expected at max attempts")
	}

	dead := broker.Published(queue.RoutingFailed)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	var raw map[string]any
	if err := json.Unmarshal(dead[0].Msg.Body, &raw); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if raw["failureReason"] != ReasonMaxRetries {
		t.Errorf("expected failureReason %q, got %v", ReasonMaxRetries, raw["failureReason"])
	}
	if raw["failure_type"] != string(types.FailureMaxRetries) {
		t.Errorf("unexpected failure_type %v", raw["failure_type"])
	}
	if raw["attempts"] != float64(5) {
		t.Errorf("expected 5 attempts, got %v", raw["attempts"])
	}
	orig, ok := raw["original"].(map[string]any)
	if !ok || orig["notification_id"] != "n1" {
		t.Errorf("expected original body embedded, got %v", raw["original"])
	}

	ev := decodeStatus(t, broker.Published(queue.RoutingStatus)[0])
	if ev.Status != types.StatusFailed || ev.Error == nil || *ev.Error != ReasonMaxRetries {
		t.Errorf("unexpected status event %+v", ev)
	}
	if metrics.count(MetricFailed) != 1 || metrics.count(MetricDeadLettered) != 1 {
		t.Errorf("expected failed and dead-lettered metrics, got %v", metrics.results)
	}
}

func TestScheduler_PermanentNeverRetried(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus types.DeliveryStatus
		wantType   types.FailureType
	}{
		{"validation", NewDeliveryError(KindValidation, "invalid recipient", errors.New("bad")), types.StatusFailed, types.FailureValidation},
		{"content", NewDeliveryError(KindContentResolution, "template not found", types.ErrTemplateNotFound), types.StatusFailed, types.FailureContent},
		{"provider reject", ClassifyProviderError(errProviderReject), types.StatusFailed, types.FailurePermanent},
		{"bounce", ClassifyProviderError(errProviderBounce), types.StatusBounced, types.FailurePermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := queue.NewMemoryBroker()
			s, _ := newTestScheduler(broker, 0)

			outcome, err := s.HandleFailure(context.Background(), testRequest(0), nil, tt.err)
			if err != nil {
				t.Fatalf("HandleFailure returned error: %v", err)
			}
			if outcome.Status != tt.wantStatus {
				t.Errorf("expected %s, got %s", tt.wantStatus, outcome.Status)
			}
			if len(broker.Published("email")) != 0 {
				t.Error("permanent failure must not be retried")
			}

			dead := broker.Published(queue.RoutingFailed)
			if len(dead) != 1 {
				t.Fatalf("expected 1 dead letter, got %d", len(dead))
			}
			var dl types.DeadLetter
			if err := json.Unmarshal(dead[0].Msg.Body, &dl); err != nil {
				t.Fatalf("decode dead letter: %v", err)
			}
			if dl.FailureType != tt.wantType {
				t.Errorf("expected failure type %s, got %s", tt.wantType, dl.FailureType)
			}
			if dl.Attempts != 1 {
				t.Errorf("expected 1 attempt, got %d", dl.Attempts)
			}
			// No original body: the envelope is rebuilt from the request.
			if !json.Valid(dl.Original) {
				t.Errorf("expected original envelope, got %s", dl.Original)
			}
		})
	}
}

func TestScheduler_CircuitOpenConsumesAttempt(t *testing.T) {
	broker := queue.NewMemoryBroker()
	s, _ := newTestScheduler(broker, 0)

	_, err := s.HandleFailure(context.Background(), testRequest(0), nil, NewDeliveryError(KindCircuitOpen, "circuit open", ErrCircuitOpen))
	if err != nil {
		t.Fatalf("HandleFailure returned error: %v", err)
	}
	retries := broker.Published("email")
	if len(retries) != 1 {
		t.Fatalf("expected retry, got %d", len(retries))
	}
	env, _ := types.DecodeEnvelope(retries[0].Msg.Body)
	if env.RetryCount != 1 {
		t.Errorf("expected attempt 1, got %d", env.RetryCount)
	}
}

func TestScheduler_PublishFailureIsReturned(t *testing.T) {
	broker := queue.NewMemoryBroker()
	s, _ := newTestScheduler(broker, 0)
	broker.FailPublishes(errors.New("broker down"))

	if _, err := s.HandleFailure(context.Background(), testRequest(0), nil, ClassifyProviderError(errProvider5xx)); err == nil {
		t.Error("expected error when retry cannot be published")
	}
	if _, err := s.HandleFailure(context.Background(), testRequest(0), nil, ClassifyProviderError(errProviderReject)); err == nil {
		t.Error("expected error when dead letter cannot be published")
	}
}

func TestScheduler_DeferKeepsAttempt(t *testing.T) {
	broker := queue.NewMemoryBroker()
	s, _ := newTestScheduler(broker, 0)

	if err := s.Defer(context.Background(), testRequest(2), time.Second); err != nil {
		t.Fatalf("Defer returned error: %v", err)
	}
	p := broker.Published("email")[0]
	env, _ := types.DecodeEnvelope(p.Msg.Body)
	if env.RetryCount != 2 || p.Delay != time.Second {
		t.Errorf("expected attempt 2 after 1s, got %d after %v", env.RetryCount, p.Delay)
	}
	if len(broker.Published(queue.RoutingStatus)) != 0 {
		t.Error("defer must not publish a status")
	}
}
