package core

import (
	"context"
	"encoding/json"
	"fmt"

	"notifyd/internal/queue"
	"notifyd/internal/types"
)

// StatusPublisher emits DeliveryOutcomes on the status routing key.
type StatusPublisher struct {
	pub    queue.Publisher
	logger types.Logger
}

// NewStatusPublisher creates a StatusPublisher over pub.
func NewStatusPublisher(pub queue.Publisher, logger types.Logger) *StatusPublisher {
	return &StatusPublisher{pub: pub, logger: logger}
}

// StatusMessageID returns the broker message id for an outcome. It is
// stable per (notification, status, timestamp), so a replayed publish
// overwrites rather than adds a status.
func StatusMessageID(o types.DeliveryOutcome) string {
	return fmt.Sprintf("%s:%s:%d", o.NotificationID, o.Status, o.Timestamp.UnixNano())
}

// Publish serializes outcome as a StatusEvent and publishes it.
func (p *StatusPublisher) Publish(ctx context.Context, outcome types.DeliveryOutcome) error {
	body, err := json.Marshal(types.NewStatusEvent(outcome))
	if err != nil {
		return fmt.Errorf("status publisher: failed to marshal event: %w", err)
	}

	msg := queue.Outbound{
		ID:   StatusMessageID(outcome),
		Body: body,
		Headers: map[string]string{
			"notification_id": outcome.NotificationID,
			"status":          string(outcome.Status),
		},
	}
	if err := p.pub.Publish(ctx, queue.RoutingStatus, msg); err != nil {
		return fmt.Errorf("status publisher: failed to publish %s for %s: %w", outcome.Status, outcome.NotificationID, err)
	}
	return nil
}
