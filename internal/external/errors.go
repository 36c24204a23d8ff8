package external

import (
	"errors"
	"fmt"
	"net/http"

	"notifyd/internal/types"
)

// ProviderError is returned by every provider on a failed send. The
// pipeline classifies it through Retryable and Bounced.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       types.ErrorCode
	Detail     string
	// Permanent marks a rejection that will fail again on retry.
	Permanent bool
	// Blocked marks a recipient the provider refuses to deliver to.
	Blocked bool
	Err     error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Detail)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the send may succeed on a later attempt.
func (e *ProviderError) Retryable() bool { return !e.Permanent }

// Bounced reports whether the recipient was refused.
func (e *ProviderError) Bounced() bool { return e.Blocked }

// StatusError classifies an HTTP response status: 408, 429 and 5xx are
// transient, every other non-2xx status is permanent.
func StatusError(provider string, status int, detail string) *ProviderError {
	e := &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Detail:     detail,
		Code:       types.ErrCodeRecipientRejected,
		Permanent:  true,
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Code = types.ErrCodeUpstreamRateLimited
		e.Permanent = false
	case status == http.StatusRequestTimeout, status >= 500:
		e.Code = types.ErrCodeUpstreamUnavailable
		e.Permanent = false
	}
	return e
}

// TransportError wraps a failure to reach the provider. It is transient.
func TransportError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Code:     types.ErrCodeUpstreamUnavailable,
		Detail:   err.Error(),
		Err:      err,
	}
}

// BlockedError reports a recipient on the provider's suppression list.
func BlockedError(provider, detail string, err error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      types.ErrCodeEmailBlocked,
		Detail:    detail,
		Permanent: true,
		Blocked:   true,
		Err:       err,
	}
}

// IsProviderError reports whether err wraps a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
