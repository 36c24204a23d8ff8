package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"notifyd/internal/types"
)

// StatusRepository stores the latest known status per notification.
type StatusRepository struct {
	db DBTX
}

// NewStatusRepository creates a StatusRepository.
func NewStatusRepository(db DBTX) *StatusRepository {
	return &StatusRepository{db: db}
}

// Upsert writes rec unless the stored row is newer. Status events can arrive
// out of order and be replayed; the row with the latest updated_at wins, so
// a replay is an overwrite and a stale event is dropped. It reports whether
// the row was written. sent_at is kept once set.
func (r *StatusRepository) Upsert(ctx context.Context, rec types.StatusRecord) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO notification_status
		 (notification_id, channel, status, attempt, error_message,
		  provider_response, sent_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (notification_id) DO UPDATE SET
		   channel = COALESCE(NULLIF(EXCLUDED.channel, ''), notification_status.channel),
		   status = EXCLUDED.status,
		   attempt = EXCLUDED.attempt,
		   error_message = EXCLUDED.error_message,
		   provider_response = EXCLUDED.provider_response,
		   sent_at = COALESCE(notification_status.sent_at, EXCLUDED.sent_at),
		   updated_at = EXCLUDED.updated_at
		 WHERE notification_status.updated_at <= EXCLUDED.updated_at`,
		rec.NotificationID,
		string(rec.Channel),
		string(rec.Status),
		rec.Attempt,
		nilIfEmpty(rec.Error),
		rec.ProviderResponse,
		rec.SentAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert notification status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns the stored status for notificationID.
func (r *StatusRepository) Get(ctx context.Context, notificationID string) (*types.StatusRecord, error) {
	var (
		rec      types.StatusRecord
		channel  string
		status   string
		errorMsg *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT notification_id, channel, status, attempt, error_message,
		        provider_response, sent_at, updated_at
		 FROM notification_status
		 WHERE notification_id = $1`,
		notificationID,
	).Scan(
		&rec.NotificationID,
		&channel,
		&status,
		&rec.Attempt,
		&errorMsg,
		&rec.ProviderResponse,
		&rec.SentAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification status not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification status", err)
	}

	rec.Channel = types.ChannelType(channel)
	rec.Status = types.DeliveryStatus(status)
	if errorMsg != nil {
		rec.Error = *errorMsg
	}
	return &rec, nil
}

var _ types.StatusRepository = (*StatusRepository)(nil)
