package types

import (
	"encoding/json"
	"time"
)

// Metadata keys written by the pipeline onto DeliveryRequest.Metadata.
const (
	MetaTraceID       = "trace_id"
	MetaLastRetryTime = "lastRetryTime"
	MetaRetryCount    = "retryCount"
	MetaLastError     = "lastError"
)

// ContentRef points at a template plus the variables used to render it.
type ContentRef struct {
	TemplateID string            `json:"template_id" validate:"required"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// DeliveryRequest is the in-process form of a queued notification. It is
// created by decoding an Envelope and is only mutated by the retry path,
// which increments Attempt and stamps retry metadata.
type DeliveryRequest struct {
	NotificationID string
	Channel        ChannelType
	Recipient      string
	Content        ContentRef
	IdempotencyKey string
	Attempt        int
	Priority       Priority
	Metadata       map[string]string
	UserID         string
	Timestamp      time.Time
}

// TraceID returns the correlation id carried in metadata, or "".
func (r *DeliveryRequest) TraceID() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[MetaTraceID]
}

// Clone returns a deep copy so retry bookkeeping never aliases the original.
func (r DeliveryRequest) Clone() DeliveryRequest {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.Content.Variables != nil {
		out.Content.Variables = make(map[string]string, len(r.Content.Variables))
		for k, v := range r.Content.Variables {
			out.Content.Variables[k] = v
		}
	}
	return out
}

// DeliveryOutcome is the result of one processing pass over a request.
type DeliveryOutcome struct {
	NotificationID   string           `json:"notification_id"`
	Channel          ChannelType      `json:"channel"`
	Status           DeliveryStatus   `json:"status"`
	Timestamp        time.Time        `json:"timestamp"`
	Error            string           `json:"error,omitempty"`
	Attempt          int              `json:"attempt"`
	ProviderResponse ProviderResponse `json:"provider_response,omitempty"`
}

// IdempotencyRecord maps an idempotency key to the outcome of the first
// request that carried it. A record without an Outcome is a reservation.
type IdempotencyRecord struct {
	Key            string           `json:"key"`
	NotificationID string           `json:"notification_id"`
	RecordedAt     time.Time        `json:"recorded_at"`
	Outcome        *DeliveryOutcome `json:"outcome,omitempty"`
}

// CircuitBreakerState is a point-in-time view of a channel's breaker.
type CircuitBreakerState struct {
	Channel         ChannelType  `json:"channel"`
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime *time.Time   `json:"last_failure_time,omitempty"`
}

// ResolvedTemplate is what a TemplateResolver returns for a template id.
type ResolvedTemplate struct {
	ID           string `json:"id"`
	Subject      string `json:"subject"`
	BodyTemplate string `json:"body"`
	TextTemplate string `json:"text,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	Link         string `json:"link,omitempty"`
	Version      int    `json:"version,omitempty"`
}

// RenderedContent is channel-ready content handed to a Provider.
type RenderedContent struct {
	Subject  string
	HTMLBody string
	TextBody string
	ImageURL string
	Link     string
	Data     map[string]string
}

// ProviderAck is returned by a Provider that accepted a message.
type ProviderAck struct {
	ProviderMessageID string
	Response          ProviderResponse
}

// DeadLetter is the record published to the failed queue for a message that
// will not be retried.
type DeadLetter struct {
	NotificationID string          `json:"notification_id"`
	Channel        ChannelType     `json:"channel"`
	FailureType    FailureType     `json:"failure_type"`
	FailureReason  string          `json:"failureReason"`
	Attempts       int             `json:"attempts"`
	FailedAt       time.Time       `json:"failed_at"`
	Original       json.RawMessage `json:"original,omitempty"`
}

// StatusRecord is the persisted view of a notification's latest status.
type StatusRecord struct {
	NotificationID   string           `db:"notification_id"`
	Channel          ChannelType      `db:"channel"`
	Status           DeliveryStatus   `db:"status"`
	Attempt          int              `db:"attempt"`
	Error            string           `db:"error_message"`
	ProviderResponse ProviderResponse `db:"provider_response"`
	SentAt           *time.Time       `db:"sent_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}
