package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"notifyd/internal/types"
)

// ErrReservationHeld is returned by Guard.CheckAndReserve when another
// request kept the key reserved for longer than the guard's wait budget.
var ErrReservationHeld = errors.New("idempotency key reserved by an in-flight request")

// IdempotencyStore persists idempotency records. Reserve must be atomic: of
// any number of concurrent callers for one key, exactly one gets
// reserved=true.
type IdempotencyStore interface {
	// Reserve claims key for notificationID for lease. When the key is
	// already taken it returns the existing record (a reservation or a
	// completed outcome).
	Reserve(ctx context.Context, key, notificationID string, lease time.Duration) (reserved bool, existing *types.IdempotencyRecord, err error)

	// Complete stores the terminal outcome for key, replacing any
	// reservation.
	Complete(ctx context.Context, rec types.IdempotencyRecord, ttl time.Duration) error

	// Release drops a reservation held by notificationID. Completed records
	// and reservations held by others are left alone.
	Release(ctx context.Context, key, notificationID string) error
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Channel scopes stored keys, so an email and a push sharing a key are
	// deduplicated independently.
	Channel types.ChannelType
	// TTL is how long completed outcomes are remembered.
	TTL time.Duration
	// Lease bounds a reservation held by a worker that died mid-delivery.
	Lease time.Duration
	// PollInterval is the wait between checks on a held reservation.
	PollInterval time.Duration
	// MaxWait caps how long CheckAndReserve waits on a held reservation.
	MaxWait time.Duration
}

// DefaultGuardConfig returns 24h TTL, 5m lease, 200ms polling, 15s wait.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		TTL:          24 * time.Hour,
		Lease:        5 * time.Minute,
		PollInterval: 200 * time.Millisecond,
		MaxWait:      15 * time.Second,
	}
}

// Reservation is the result of Guard.CheckAndReserve.
type Reservation struct {
	Key string
	// Reserved is true when this caller holds the key and must Complete or
	// Release it.
	Reserved bool
	// AlreadyProcessed is true when the key has a recorded outcome; Prior
	// holds it and the request must not be delivered again.
	AlreadyProcessed bool
	Prior            *types.DeliveryOutcome
}

// Guard deduplicates requests by idempotency key.
type Guard struct {
	store  IdempotencyStore
	cfg    GuardConfig
	logger types.Logger
}

// NewGuard creates a Guard over store.
func NewGuard(store IdempotencyStore, cfg GuardConfig, logger types.Logger) *Guard {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultGuardConfig().PollInterval
	}
	return &Guard{store: store, cfg: cfg, logger: logger}
}

// CheckAndReserve decides whether the request carrying key may proceed.
// An empty key always proceeds without a reservation. When another request
// holds the key, CheckAndReserve waits until that request records an
// outcome (returned as Prior), releases the key (retry the reservation),
// ctx ends, or MaxWait passes (ErrReservationHeld). A reservation left by
// an earlier attempt of the same notification is taken over with a fresh
// lease.
func (g *Guard) CheckAndReserve(ctx context.Context, key, notificationID string) (Reservation, error) {
	if key == "" {
		return Reservation{}, nil
	}
	storeKey := g.storeKey(key)
	tookOver := false

	var deadline time.Time
	if g.cfg.MaxWait > 0 {
		deadline = time.Now().Add(g.cfg.MaxWait)
	}

	for {
		reserved, existing, err := g.store.Reserve(ctx, storeKey, notificationID, g.cfg.Lease)
		if err != nil {
			return Reservation{}, types.NewAppError(types.ErrCodeInternalCache, "idempotency reserve failed", err)
		}
		if reserved {
			return Reservation{Key: key, Reserved: true}, nil
		}
		if existing != nil && existing.Outcome != nil {
			return Reservation{Key: key, AlreadyProcessed: true, Prior: existing.Outcome}, nil
		}
		if existing != nil && existing.NotificationID == notificationID && !tookOver {
			tookOver = true
			g.logger.Info("taking over stale reservation", "idempotency_key", key, "notification_id", notificationID)
			if err := g.store.Release(ctx, storeKey, notificationID); err != nil {
				return Reservation{}, types.NewAppError(types.ErrCodeInternalCache, "idempotency release failed", err)
			}
			continue
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return Reservation{Key: key}, ErrReservationHeld
		}

		select {
		case <-ctx.Done():
			return Reservation{Key: key}, ctx.Err()
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

// Complete records a terminal outcome for key. Non-terminal outcomes are
// ignored; use Release for those.
func (g *Guard) Complete(ctx context.Context, key string, outcome types.DeliveryOutcome) error {
	if key == "" || !outcome.Status.IsTerminal() {
		return nil
	}
	rec := types.IdempotencyRecord{
		Key:            g.storeKey(key),
		NotificationID: outcome.NotificationID,
		RecordedAt:     outcome.Timestamp,
		Outcome:        &outcome,
	}
	if err := g.store.Complete(ctx, rec, g.cfg.TTL); err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "idempotency complete failed", err)
	}
	return nil
}

// Release drops the reservation so a retry of the same request can take it.
func (g *Guard) Release(ctx context.Context, key, notificationID string) error {
	if key == "" {
		return nil
	}
	if err := g.store.Release(ctx, g.storeKey(key), notificationID); err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "idempotency release failed", err)
	}
	return nil
}

func (g *Guard) storeKey(key string) string {
	if g.cfg.Channel == "" {
		return key
	}
	return string(g.cfg.Channel) + ":" + key
}

// MemoryIdempotencyStore is an in-process IdempotencyStore for tests and
// single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	clock   types.Clock
}

type memoryRecord struct {
	rec     types.IdempotencyRecord
	expires time.Time
}

// NewMemoryIdempotencyStore creates an empty store. A nil clock uses the
// system clock.
func NewMemoryIdempotencyStore(clock types.Clock) *MemoryIdempotencyStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryIdempotencyStore{records: make(map[string]memoryRecord), clock: clock}
}

// Reserve implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key, notificationID string, lease time.Duration) (bool, *types.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if r, ok := s.records[key]; ok && now.Before(r.expires) {
		existing := r.rec
		return false, &existing, nil
	}
	s.records[key] = memoryRecord{
		rec:     types.IdempotencyRecord{Key: key, NotificationID: notificationID, RecordedAt: now},
		expires: now.Add(lease),
	}
	return true, nil, nil
}

// Complete implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Complete(_ context.Context, rec types.IdempotencyRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = memoryRecord{rec: rec, expires: s.clock.Now().Add(ttl)}
	return nil
}

// Release implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[key]; ok && r.rec.Outcome == nil && r.rec.NotificationID == notificationID {
		delete(s.records, key)
	}
	return nil
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
