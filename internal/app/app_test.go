package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/config"
	"notifyd/internal/logging"
	"notifyd/internal/queue"
	"notifyd/internal/types"
)

const welcomeTemplates = `[{"id":"welcome","subject":"Hi {{name}}","body":"<p>Hello {{name}}</p>","text":"Hello {{name}}"}]`

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Service:     "notifyd",
		LogLevel:    "info",
		Worker: config.WorkerConfig{
			Channels:        []string{"email", "push"},
			Prefetch:        2,
			ProviderTimeout: time.Second,
			InFlightDelay:   10 * time.Millisecond,
		},
		Broker: config.BrokerConfig{Kind: "memory"},
		Retry: config.RetryConfig{
			MaxRetries: 4,
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			OpenTimeout:      time.Minute,
		},
		Idempotency: config.IdempotencyConfig{
			Backend:      "memory",
			TTL:          time.Hour,
			Lease:        time.Minute,
			PollInterval: 10 * time.Millisecond,
			MaxWait:      time.Second,
		},
		AWS:           config.AWSConfig{Region: "us-east-1"},
		Email:         config.EmailConfig{Provider: "stub", FromAddress: "notify@example.com"},
		Push:          config.PushConfig{Provider: "stub"},
		Templates:     config.TemplateConfig{StaticJSON: welcomeTemplates},
		Observability: config.ObservabilityConfig{MetricsBackend: "prometheus"},
		Build:         config.BuildInfo{Version: "test"},
	}
}

func emailEnvelope(t *testing.T, id string) []byte {
	t.Helper()
	body, err := json.Marshal(types.Envelope{
		NotificationID: id,
		Type:           types.ChannelEmail,
		Data: types.EnvelopeData{
			Recipient:  "ada@example.com",
			ContentRef: types.ContentRef{TemplateID: "welcome", Variables: map[string]string{"name": "Ada"}},
		},
	})
	require.NoError(t, err)
	return body
}

func newTestWorker(t *testing.T, cfg *config.Config) (*Worker, *queue.MemoryBroker) {
	t.Helper()
	broker := queue.NewMemoryBroker(queue.WithDelayScale(0))
	w, err := NewWorker(context.Background(), cfg, logging.Nop(), WithBroker(broker))
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w, broker
}

func TestNewWorker_BuildsPipelinePerChannel(t *testing.T) {
	w, _ := newTestWorker(t, testConfig())

	require.Len(t, w.Pipelines(), 2)
	assert.NotNil(t, w.Pipeline(types.ChannelEmail))
	assert.NotNil(t, w.Pipeline(types.ChannelPush))

	rec := httptest.NewRecorder()
	w.Ops().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/breakers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var breakers []types.CircuitBreakerState
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&breakers))
	require.Len(t, breakers, 2)
	assert.Equal(t, types.ChannelEmail, breakers[0].Channel)
	assert.Equal(t, types.CircuitClosed, breakers[0].State)

	rec = httptest.NewRecorder()
	w.Ops().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewWorker_InvalidStaticTemplates(t *testing.T) {
	cfg := testConfig()
	cfg.Templates.StaticJSON = `[{"subject":"no id"}]`

	_, err := NewWorker(context.Background(), cfg, logging.Nop(), WithBroker(queue.NewMemoryBroker()))
	require.Error(t, err)
}

func TestWorker_RunDeliversAndStops(t *testing.T) {
	w, broker := newTestWorker(t, testConfig())
	require.NoError(t, broker.Publish(context.Background(), queue.RoutingKey(types.ChannelEmail),
		queue.Outbound{ID: "n-1", Body: emailEnvelope(t, "n-1")}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(broker.Published(queue.RoutingStatus)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	var ev types.StatusEvent
	require.NoError(t, json.Unmarshal(broker.Published(queue.RoutingStatus)[0].Msg.Body, &ev))
	assert.Equal(t, "n-1", ev.NotificationID)
	assert.Equal(t, types.StatusDelivered, ev.Status)
	assert.Equal(t, types.ChannelEmail, ev.Channel)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestLambdaHandler(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.Channels = []string{"email"}
	w, broker := newTestWorker(t, cfg)

	h, err := w.LambdaHandler()
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m-1", Body: string(emailEnvelope(t, "n-1"))},
		{MessageId: "m-2", Body: "not json"},
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	statuses := broker.Published(queue.RoutingStatus)
	require.Len(t, statuses, 1)
	var ev types.StatusEvent
	require.NoError(t, json.Unmarshal(statuses[0].Msg.Body, &ev))
	assert.Equal(t, types.StatusDelivered, ev.Status)

	dead := broker.Published(queue.RoutingFailed)
	require.Len(t, dead, 1)
	assert.Equal(t, "m-2", dead[0].Msg.ID)
}

func TestLambdaHandler_RequiresSingleChannel(t *testing.T) {
	w, _ := newTestWorker(t, testConfig())
	_, err := w.LambdaHandler()
	assert.Error(t, err)
}

func TestLambdaHandler_DeadLetterFailureRedelivers(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.Channels = []string{"email"}
	w, broker := newTestWorker(t, cfg)
	h, err := w.LambdaHandler()
	require.NoError(t, err)

	broker.FailPublishes(assert.AnError)
	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m-9", Body: "not json"},
	}})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m-9", resp.BatchItemFailures[0].ItemIdentifier)
}
