package email

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"notifyd/internal/notifications/core"
	"notifyd/internal/queue"
	"notifyd/internal/types"
)

// FeedbackType classifies asynchronous provider feedback.
type FeedbackType string

const (
	// FeedbackBounce is a permanent (hard) bounce.
	FeedbackBounce FeedbackType = "bounce"
	// FeedbackComplaint is a spam complaint from the recipient.
	FeedbackComplaint FeedbackType = "complaint"
)

// FeedbackEvent is one bounced or complaining recipient of a sent message.
type FeedbackEvent struct {
	NotificationID    string
	ProviderMessageID string
	EmailAddress      string
	Reason            string
	Type              FeedbackType
	Timestamp         time.Time
}

// snsEnvelope is the SNS notification wrapping an SES event.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
}

type sesNotification struct {
	NotificationType string        `json:"notificationType"`
	Bounce           *sesBounce    `json:"bounce,omitempty"`
	Complaint        *sesComplaint `json:"complaint,omitempty"`
	Mail             sesMail       `json:"mail"`
}

type sesBounce struct {
	BounceType        string `json:"bounceType"`
	BounceSubType     string `json:"bounceSubType"`
	BouncedRecipients []struct {
		EmailAddress   string `json:"emailAddress"`
		Status         string `json:"status"`
		DiagnosticCode string `json:"diagnosticCode"`
	} `json:"bouncedRecipients"`
	Timestamp string `json:"timestamp"`
}

type sesComplaint struct {
	ComplainedRecipients []struct {
		EmailAddress string `json:"emailAddress"`
	} `json:"complainedRecipients"`
	ComplaintFeedbackType string `json:"complaintFeedbackType"`
	Timestamp             string `json:"timestamp"`
}

type sesMail struct {
	MessageID string              `json:"messageId"`
	Tags      map[string][]string `json:"tags"`
}

func (m sesMail) notificationID() string {
	if v := m.Tags[DataNotificationID]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// ParseSNSFeedback parses an SNS message carrying an SES bounce or complaint
// notification. Transient bounces and other notification types yield no
// events; SES retries those itself.
func ParseSNSFeedback(body []byte) ([]FeedbackEvent, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("email feedback: empty SNS body")
	}
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("email feedback: failed to parse SNS envelope: %w", err)
	}
	if env.Message == "" {
		return nil, fmt.Errorf("email feedback: SNS message %s has no body", env.MessageID)
	}
	var n sesNotification
	if err := json.Unmarshal([]byte(env.Message), &n); err != nil {
		return nil, fmt.Errorf("email feedback: failed to parse SES notification: %w", err)
	}

	switch n.NotificationType {
	case "Bounce":
		if n.Bounce == nil {
			return nil, fmt.Errorf("email feedback: bounce notification without bounce details")
		}
		if n.Bounce.BounceType != "Permanent" {
			return nil, nil
		}
		ts := parseFeedbackTime(n.Bounce.Timestamp)
		events := make([]FeedbackEvent, 0, len(n.Bounce.BouncedRecipients))
		for _, r := range n.Bounce.BouncedRecipients {
			reason := r.DiagnosticCode
			if reason == "" {
				reason = fmt.Sprintf("%s (%s)", n.Bounce.BounceSubType, r.Status)
			}
			events = append(events, FeedbackEvent{
				NotificationID:    n.Mail.notificationID(),
				ProviderMessageID: n.Mail.MessageID,
				EmailAddress:      r.EmailAddress,
				Reason:            reason,
				Type:              FeedbackBounce,
				Timestamp:         ts,
			})
		}
		return events, nil

	case "Complaint":
		if n.Complaint == nil {
			return nil, fmt.Errorf("email feedback: complaint notification without complaint details")
		}
		ts := parseFeedbackTime(n.Complaint.Timestamp)
		reason := n.Complaint.ComplaintFeedbackType
		if reason == "" {
			reason = "complaint"
		}
		events := make([]FeedbackEvent, 0, len(n.Complaint.ComplainedRecipients))
		for _, r := range n.Complaint.ComplainedRecipients {
			events = append(events, FeedbackEvent{
				NotificationID:    n.Mail.notificationID(),
				ProviderMessageID: n.Mail.MessageID,
				EmailAddress:      r.EmailAddress,
				Reason:            reason,
				Type:              FeedbackComplaint,
				Timestamp:         ts,
			})
		}
		return events, nil
	}
	return nil, nil
}

// parseFeedbackTime accepts the layouts SES uses and falls back to now.
func parseFeedbackTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// StatusSink receives status updates; *core.StatusPublisher satisfies it.
type StatusSink interface {
	Publish(ctx context.Context, outcome types.DeliveryOutcome) error
}

// FeedbackProcessor turns SES feedback into bounced status events.
type FeedbackProcessor struct {
	sink   StatusSink
	logger types.Logger
}

// NewFeedbackProcessor creates a FeedbackProcessor publishing to sink.
func NewFeedbackProcessor(sink StatusSink, logger types.Logger) *FeedbackProcessor {
	return &FeedbackProcessor{sink: sink, logger: logger}
}

// Process publishes a bounced status for ev. Events that cannot be tied to
// a notification are logged and dropped.
func (p *FeedbackProcessor) Process(ctx context.Context, ev FeedbackEvent) error {
	log := p.logger.With(
		"provider_message_id", ev.ProviderMessageID,
		"email", RedactEmail(ev.EmailAddress),
		"feedback_type", string(ev.Type),
	)
	if ev.NotificationID == "" {
		log.Warn("feedback without notification id, dropping")
		return nil
	}

	outcome := types.DeliveryOutcome{
		NotificationID: ev.NotificationID,
		Channel:        types.ChannelEmail,
		Status:         types.StatusBounced,
		Timestamp:      ev.Timestamp,
		Error:          fmt.Sprintf("%s: %s", ev.Type, ev.Reason),
		ProviderResponse: types.ProviderResponse{
			"message_id":    ev.ProviderMessageID,
			"feedback_type": string(ev.Type),
		},
	}
	if err := p.sink.Publish(ctx, outcome); err != nil {
		return fmt.Errorf("email feedback: publish status for %s: %w", ev.NotificationID, err)
	}
	log.Info("recorded email feedback", "notification_id", ev.NotificationID)
	return nil
}

// ProcessSNS parses body and processes every event in it.
func (p *FeedbackProcessor) ProcessSNS(ctx context.Context, body []byte) error {
	events, err := ParseSNSFeedback(body)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := p.Process(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Handle implements core.MessageHandler for the feedback queue. Unparseable
// notifications are dead-lettered; a failed status publish requeues the
// message.
func (p *FeedbackProcessor) Handle(ctx context.Context, msg *queue.Message) error {
	events, err := ParseSNSFeedback(msg.Body)
	if err != nil {
		p.logger.Warn("rejecting malformed feedback", "message_id", msg.ID, "error", err.Error())
		return msg.Reject(ctx, false)
	}
	for _, ev := range events {
		if err := p.Process(ctx, ev); err != nil {
			p.logger.Error("failed to process feedback, requeueing", "message_id", msg.ID, "error", err.Error())
			return msg.Reject(ctx, true)
		}
	}
	return msg.Ack(ctx)
}

var _ core.MessageHandler = (*FeedbackProcessor)(nil)
