package types

import (
	"context"
	"time"
)

// Validator is implemented by entities to self-validate.
type Validator interface {
	Validate() error
}

// TemplateResolver looks up template content by id. Implementations return
// an error wrapping ErrTemplateNotFound for unknown ids and one wrapping
// ErrTemplateUnavailable when the backing store cannot be reached.
type TemplateResolver interface {
	Resolve(ctx context.Context, ref ContentRef) (*ResolvedTemplate, error)
}

// StatusRepository persists the latest known status per notification.
type StatusRepository interface {
	Upsert(ctx context.Context, rec StatusRecord) (bool, error)
	Get(ctx context.Context, notificationID string) (*StatusRecord, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout the module.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}
