package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"notifyd/internal/types"
)

// ErrCircuitOpen is returned when the channel breaker rejects a call without
// contacting the provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerSettings configures a channel Breaker.
type BreakerSettings struct {
	// FailureThreshold consecutive transient failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenWait caps how long a half-open call waits for a trial slot
	// before it is refused as if the circuit were open.
	HalfOpenWait time.Duration
}

// DefaultBreakerSettings returns 5 failures, 3 successes, 60s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      60 * time.Second,
		HalfOpenWait:     defaultHalfOpenWait,
	}
}

const (
	defaultHalfOpenWait = 15 * time.Second
	halfOpenPoll        = 25 * time.Millisecond
)

// Breaker guards one channel's provider. Each channel owns its own Breaker;
// failures on one channel never trip another.
//
// Only transient provider errors count as failures. A permanent rejection
// (bad recipient) is a healthy provider answering, so it counts as success.
// Calls refused while open are not counted at all.
type Breaker struct {
	channel types.ChannelType
	cb      *gobreaker.CircuitBreaker[types.ProviderAck]
	metrics NotificationMetrics
	logger  types.Logger

	halfOpenWait time.Duration

	mu          sync.Mutex
	failures    int
	lastFailure *time.Time
}

// NewBreaker creates the breaker for channel.
func NewBreaker(channel types.ChannelType, s BreakerSettings, metrics NotificationMetrics, logger types.Logger) *Breaker {
	b := &Breaker{
		channel:      channel,
		metrics:      metrics,
		logger:       logger.With("component", "circuit_breaker", "channel", string(channel)),
		halfOpenWait: s.HalfOpenWait,
	}
	if b.halfOpenWait <= 0 {
		b.halfOpenWait = defaultHalfOpenWait
	}

	threshold := uint32(s.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker[types.ProviderAck](gobreaker.Settings{
		Name:        string(channel),
		MaxRequests: uint32(s.SuccessThreshold),
		Interval:    0, // never clear counts while closed
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

func (b *Breaker) onStateChange(_ string, from, to gobreaker.State) {
	b.logger.Warn("circuit breaker state changed",
		"from", string(toCircuitState(from)),
		"to", string(toCircuitState(to)),
	)
	switch to {
	case gobreaker.StateOpen:
		b.metrics.RecordCircuitOpened(context.Background(), b.channel)
	case gobreaker.StateClosed:
		b.mu.Lock()
		b.failures = 0
		b.mu.Unlock()
	}
}

// Execute runs fn through the breaker. It returns ErrCircuitOpen without
// calling fn when the circuit is open. While half-open, gobreaker admits
// SuccessThreshold trial calls at a time; further calls wait for a slot or
// for the trials to settle the state, up to HalfOpenWait.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (types.ProviderAck, error)) (types.ProviderAck, error) {
	var (
		ack      types.ProviderAck
		err      error
		deadline time.Time
	)
	for {
		ack, err = b.cb.Execute(func() (types.ProviderAck, error) {
			return fn(ctx)
		})
		if !errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if deadline.IsZero() {
			deadline = time.Now().Add(b.halfOpenWait)
		}
		if time.Now().After(deadline) {
			return types.ProviderAck{}, ErrCircuitOpen
		}
		select {
		case <-ctx.Done():
			return types.ProviderAck{}, ErrCircuitOpen
		case <-time.After(halfOpenPoll):
		}
	}
	if errors.Is(err, gobreaker.ErrOpenState) {
		return types.ProviderAck{}, ErrCircuitOpen
	}
	// State is read before taking mu: gobreaker calls onStateChange under
	// its own lock.
	closed := b.cb.State() == gobreaker.StateClosed
	b.mu.Lock()
	if err != nil && isTransient(err) {
		now := time.Now().UTC()
		b.failures++
		b.lastFailure = &now
	} else if closed {
		b.failures = 0
	}
	b.mu.Unlock()
	return ack, err
}

// State returns the current circuit state.
func (b *Breaker) State() types.CircuitState {
	return toCircuitState(b.cb.State())
}

// Channel returns the channel this breaker guards.
func (b *Breaker) Channel() types.ChannelType {
	return b.channel
}

// Snapshot returns a point-in-time view for health reporting.
func (b *Breaker) Snapshot() types.CircuitBreakerState {
	state := b.cb.State()
	counts := b.cb.Counts()

	b.mu.Lock()
	failures := b.failures
	var last *time.Time
	if b.lastFailure != nil {
		t := *b.lastFailure
		last = &t
	}
	b.mu.Unlock()

	snap := types.CircuitBreakerState{
		Channel:         b.channel,
		State:           toCircuitState(state),
		FailureCount:    failures,
		LastFailureTime: last,
	}
	if state == gobreaker.StateHalfOpen {
		snap.SuccessCount = int(counts.ConsecutiveSuccesses)
	}
	return snap
}

func toCircuitState(s gobreaker.State) types.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return types.CircuitOpen
	case gobreaker.StateHalfOpen:
		return types.CircuitHalfOpen
	default:
		return types.CircuitClosed
	}
}
