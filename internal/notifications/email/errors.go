// Package email implements the email channel: recipient validation, content
// building with the embedded HTML layout, and SES bounce/complaint feedback.
package email

import (
	"errors"

	"notifyd/internal/types"
)

// ErrRecipientBlocked indicates the provider has the recipient on a
// suppression list. It is terminal and reported as bounced.
var ErrRecipientBlocked = errors.New("recipient blocked by provider")

type bouncer interface {
	Bounced() bool
}

// IsBlocklistError reports whether err means the recipient is blocked: the
// ErrRecipientBlocked sentinel, an AppError with ErrCodeEmailBlocked, or a
// provider error that reports Bounced.
func IsBlocklistError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRecipientBlocked) {
		return true
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeEmailBlocked {
		return true
	}
	var b bouncer
	return errors.As(err, &b) && b.Bounced()
}
