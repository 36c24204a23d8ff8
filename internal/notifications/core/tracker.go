package core

import (
	"context"
	"encoding/json"

	"notifyd/internal/queue"
	"notifyd/internal/types"
)

// StatusTracker consumes status events and applies them to the status
// repository. The repository keeps the latest event per notification, so
// duplicates and out-of-order events are harmless.
type StatusTracker struct {
	repo   types.StatusRepository
	logger types.Logger
}

// NewStatusTracker creates a StatusTracker.
func NewStatusTracker(repo types.StatusRepository, logger types.Logger) *StatusTracker {
	return &StatusTracker{repo: repo, logger: logger}
}

// Handle implements MessageHandler. Undecodable events are dead-lettered; a
// repository failure requeues the event.
func (t *StatusTracker) Handle(ctx context.Context, msg *queue.Message) error {
	var ev types.StatusEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil || ev.NotificationID == "" || ev.Status == "" {
		t.logger.Warn("rejecting malformed status event", "message_id", msg.ID)
		return msg.Reject(ctx, false)
	}

	log := t.logger.With("notification_id", ev.NotificationID, "status", string(ev.Status))
	applied, err := t.repo.Upsert(ctx, ev.Record())
	if err != nil {
		log.Error("failed to store status", "error", err.Error())
		return msg.Reject(ctx, true)
	}
	if !applied {
		log.Info("stale status event ignored", "timestamp", ev.Timestamp)
	}
	return msg.Ack(ctx)
}

var _ MessageHandler = (*StatusTracker)(nil)
