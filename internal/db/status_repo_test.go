package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notifyd/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- StatusRepository Tests ---

func TestStatusRepository_Upsert_Applied(t *testing.T) {
	m := new(mockDBTX)
	repo := NewStatusRepository(m)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := types.StatusRecord{
		NotificationID:   "n1",
		Channel:          types.ChannelEmail,
		Status:           types.StatusDelivered,
		Attempt:          1,
		ProviderResponse: types.ProviderResponse{"message_id": "ses-1"},
		SentAt:           &now,
		UpdatedAt:        now,
	}

	m.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "ON CONFLICT (notification_id)") &&
			strings.Contains(sql, "WHERE notification_status.updated_at <= EXCLUDED.updated_at")
	}), mock.MatchedBy(func(args []any) bool {
		return len(args) == 8 &&
			args[0] == "n1" &&
			args[1] == "email" &&
			args[2] == "delivered" &&
			args[3] == 1 &&
			args[4] == (*string)(nil)
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	applied, err := repo.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, applied)
	m.AssertExpectations(t)
}

func TestStatusRepository_Upsert_StaleEventSkipped(t *testing.T) {
	m := new(mockDBTX)
	repo := NewStatusRepository(m)
	ctx := context.Background()

	m.On("Exec", ctx, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	applied, err := repo.Upsert(ctx, types.StatusRecord{NotificationID: "n1", Status: types.StatusPending, UpdatedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestStatusRepository_Upsert_ErrorMessagePassed(t *testing.T) {
	m := new(mockDBTX)
	repo := NewStatusRepository(m)
	ctx := context.Background()

	m.On("Exec", ctx, mock.Anything, mock.MatchedBy(func(args []any) bool {
		msg, ok := args[4].(*string)
		return ok && msg != nil && *msg == "max retries exceeded"
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	_, err := repo.Upsert(ctx, types.StatusRecord{NotificationID: "n1", Status: types.StatusFailed, Error: "max retries exceeded", UpdatedAt: time.Now()})
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestStatusRepository_Upsert_DBError(t *testing.T) {
	m := new(mockDBTX)
	repo := NewStatusRepository(m)
	ctx := context.Background()

	m.On("Exec", ctx, mock.Anything, mock.Anything).Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := repo.Upsert(ctx, types.StatusRecord{NotificationID: "n1"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestStatusRepository_Get(t *testing.T) {
	m := new(mockDBTX)
	repo := NewStatusRepository(m)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errMsg := "recipient rejected"

	m.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "FROM notification_status")
	}), []any{"n1"}).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*string) = "n1"
		*dest[1].(*string) = "email"
		*dest[2].(*string) = "failed"
		*dest[3].(*int) = 2
		*dest[4].(**string) = &errMsg
		*dest[5].(*types.ProviderResponse) = types.ProviderResponse{"provider": "ses"}
		*dest[7].(*time.Time) = now
		return nil
	}})

	rec, err := repo.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, types.ChannelEmail, rec.Channel)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, "recipient rejected", rec.Error)
	assert.Equal(t, "ses", rec.ProviderResponse["provider"])
	assert.Nil(t, rec.SentAt)
	assert.Equal(t, now, rec.UpdatedAt)
}

func TestStatusRepository_Get_NotFound(t *testing.T) {
	m := new(mockDBTX)
	repo := NewStatusRepository(m)
	ctx := context.Background()

	m.On("QueryRow", ctx, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Get(ctx, "missing")
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundNotification, appErr.Code)
}

func TestEnsureSchema(t *testing.T) {
	m := new(mockDBTX)
	ctx := context.Background()

	m.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "CREATE TABLE IF NOT EXISTS notification_status")
	}), mock.Anything).Return(pgconn.NewCommandTag("CREATE TABLE"), nil)

	require.NoError(t, EnsureSchema(ctx, m))
	m.AssertExpectations(t)
}
