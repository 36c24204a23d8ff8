package types

import (
	"encoding/json"
	"time"
)

// Envelope is the queue wire format for a delivery request. Producers outside
// this module write it; the retry path re-publishes it with RetryCount bumped.
// JSON tags use snake_case to match the producing gateway.
type Envelope struct {
	NotificationID string       `json:"notification_id" validate:"required"`
	Type           ChannelType  `json:"type" validate:"required,oneof=email push"`
	Data           EnvelopeData `json:"data"`
	UserID         string       `json:"user_id,omitempty"`
	Timestamp      string       `json:"timestamp,omitempty"`
	RetryCount     int          `json:"retry_count" validate:"gte=0"`
}

// EnvelopeData carries the channel-independent delivery fields.
type EnvelopeData struct {
	Recipient      string            `json:"recipient" validate:"required"`
	ContentRef     ContentRef        `json:"content_ref"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Priority       Priority          `json:"priority,omitempty" validate:"gte=0,lte=10"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// timestampLayouts are tried in order when parsing Envelope.Timestamp.
// Producers are not consistent about zone suffixes.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses the envelope timestamp. An empty or unparsable value
// yields the zero time; the timestamp is informational only.
func (e *Envelope) ParseTimestamp() time.Time {
	if e.Timestamp == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, e.Timestamp); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Request converts the wire envelope into a DeliveryRequest.
func (e *Envelope) Request() DeliveryRequest {
	req := DeliveryRequest{
		NotificationID: e.NotificationID,
		Channel:        e.Type,
		Recipient:      e.Data.Recipient,
		Content:        e.Data.ContentRef,
		IdempotencyKey: e.Data.IdempotencyKey,
		Attempt:        e.RetryCount,
		Priority:       e.Data.Priority,
		Metadata:       e.Data.Metadata,
		UserID:         e.UserID,
		Timestamp:      e.ParseTimestamp(),
	}
	if req.Priority == 0 {
		req.Priority = PriorityNormal
	}
	return req.Clone()
}

// EnvelopeFromRequest builds the wire envelope for a (re)published request.
func EnvelopeFromRequest(req DeliveryRequest) Envelope {
	c := req.Clone()
	env := Envelope{
		NotificationID: c.NotificationID,
		Type:           c.Channel,
		Data: EnvelopeData{
			Recipient:      c.Recipient,
			ContentRef:     c.Content,
			IdempotencyKey: c.IdempotencyKey,
			Priority:       c.Priority,
			Metadata:       c.Metadata,
		},
		UserID:     c.UserID,
		RetryCount: c.Attempt,
	}
	if !c.Timestamp.IsZero() {
		env.Timestamp = c.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return env
}

// StatusEvent is the wire format emitted on the status routing key.
type StatusEvent struct {
	NotificationID   string           `json:"notification_id"`
	Status           DeliveryStatus   `json:"status"`
	Timestamp        time.Time        `json:"timestamp"`
	Error            *string          `json:"error"`
	ProviderResponse ProviderResponse `json:"provider_response"`
	Channel          ChannelType      `json:"channel,omitempty"`
	Attempt          int              `json:"attempt"`
}

// NewStatusEvent converts an outcome into its wire event. Error is null when
// the outcome carries no error text.
func NewStatusEvent(o DeliveryOutcome) StatusEvent {
	ev := StatusEvent{
		NotificationID:   o.NotificationID,
		Status:           o.Status,
		Timestamp:        o.Timestamp.UTC(),
		ProviderResponse: o.ProviderResponse,
		Channel:          o.Channel,
		Attempt:          o.Attempt,
	}
	if o.Error != "" {
		msg := o.Error
		ev.Error = &msg
	}
	return ev
}

// Outcome converts a status event back into a DeliveryOutcome.
func (ev StatusEvent) Outcome() DeliveryOutcome {
	o := DeliveryOutcome{
		NotificationID:   ev.NotificationID,
		Channel:          ev.Channel,
		Status:           ev.Status,
		Timestamp:        ev.Timestamp,
		Attempt:          ev.Attempt,
		ProviderResponse: ev.ProviderResponse,
	}
	if ev.Error != nil {
		o.Error = *ev.Error
	}
	return o
}

// RawBody returns body unchanged if it is valid JSON, otherwise the body
// encoded as a JSON string, so dead-letter records always marshal.
func RawBody(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

// Record converts the event into the row stored by the status tracker.
// SentAt is set for delivered events.
func (ev StatusEvent) Record() StatusRecord {
	rec := StatusRecord{
		NotificationID:   ev.NotificationID,
		Channel:          ev.Channel,
		Status:           ev.Status,
		Attempt:          ev.Attempt,
		ProviderResponse: ev.ProviderResponse,
		UpdatedAt:        ev.Timestamp,
	}
	if ev.Error != nil {
		rec.Error = *ev.Error
	}
	if ev.Status == StatusDelivered {
		sent := ev.Timestamp
		rec.SentAt = &sent
	}
	return rec
}
