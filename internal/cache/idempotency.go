package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"notifyd/internal/notifications/core"
	"notifyd/internal/types"
)

const idempotencyPrefix = "notifyd:idem:"

// releaseScript deletes a reservation only while it is still held by the
// given notification and has no outcome.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local rec = cjson.decode(v)
if rec.notification_id == ARGV[1] and rec.outcome == nil then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisIdempotencyStore implements core.IdempotencyStore on Redis. Reservations
// are SET NX with the lease as expiry, so a crashed worker's claim lapses on
// its own.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	clock  types.Clock
}

// NewRedisIdempotencyStore creates a RedisIdempotencyStore. A nil clock uses the
// system clock.
func NewRedisIdempotencyStore(client redis.UniversalClient, clock types.Clock) *RedisIdempotencyStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RedisIdempotencyStore{client: client, clock: clock}
}

// Reserve implements core.IdempotencyStore.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, notificationID string, lease time.Duration) (bool, *types.IdempotencyRecord, error) {
	data, err := json.Marshal(types.IdempotencyRecord{
		Key:            key,
		NotificationID: notificationID,
		RecordedAt:     s.clock.Now(),
	})
	if err != nil {
		return false, nil, fmt.Errorf("marshal reservation: %w", err)
	}

	// The key can expire between SETNX and GET; one more round settles it.
	for range 2 {
		ok, err := s.client.SetNX(ctx, idempotencyPrefix+key, data, lease).Result()
		if err != nil {
			return false, nil, fmt.Errorf("reserve %q: %w", key, err)
		}
		if ok {
			return true, nil, nil
		}

		existing, err := s.get(ctx, key)
		if err != nil {
			return false, nil, err
		}
		if existing != nil {
			return false, existing, nil
		}
	}
	return false, nil, nil
}

func (s *RedisIdempotencyStore) get(ctx context.Context, key string) (*types.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	var rec types.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %q: %w", key, err)
	}
	return &rec, nil
}

// Complete implements core.IdempotencyStore.
func (s *RedisIdempotencyStore) Complete(ctx context.Context, rec types.IdempotencyRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := s.client.Set(ctx, idempotencyPrefix+rec.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("complete %q: %w", rec.Key, err)
	}
	return nil
}

// Release implements core.IdempotencyStore.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key, notificationID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{idempotencyPrefix + key}, notificationID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %q: %w", key, err)
	}
	return nil
}

var _ core.IdempotencyStore = (*RedisIdempotencyStore)(nil)
