package core

import (
	"context"
	"errors"
	"fmt"

	"notifyd/internal/types"
)

// ErrorKind tags a DeliveryError with how the pipeline must react to it.
type ErrorKind int

const (
	// KindValidation: the request itself is unusable (bad recipient).
	KindValidation ErrorKind = iota + 1
	// KindContentResolution: the template id is unknown or cannot render.
	KindContentResolution
	// KindPermanent: the provider rejected the message for good.
	KindPermanent
	// KindTransient: network failure, timeout, provider 5xx or 429.
	KindTransient
	// KindCircuitOpen: the channel breaker refused the call.
	KindCircuitOpen
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindContentResolution:
		return "content_resolution"
	case KindPermanent:
		return "permanent"
	case KindTransient:
		return "transient"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind go back to the queue.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindCircuitOpen
}

// FailureType maps a non-retryable kind to its dead-letter failure type.
func (k ErrorKind) FailureType() types.FailureType {
	switch k {
	case KindValidation:
		return types.FailureValidation
	case KindContentResolution:
		return types.FailureContent
	default:
		return types.FailurePermanent
	}
}

// DeliveryError is the only error type Engine.Deliver returns.
type DeliveryError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewDeliveryError creates a DeliveryError.
func NewDeliveryError(kind ErrorKind, reason string, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Reason: reason, Err: err}
}

// AsDeliveryError extracts the DeliveryError from err. Untagged errors are
// treated as transient so an unexpected failure is retried, never dropped.
func AsDeliveryError(err error) *DeliveryError {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return NewDeliveryError(KindTransient, "unclassified error", err)
}

// Provider errors expose their classification through these methods so the
// pipeline does not depend on concrete client packages.
type retryableError interface {
	Retryable() bool
}

type bouncedError interface {
	Bounced() bool
}

// ClassifyProviderError tags an error returned by Provider.Send. Timeouts
// and unknown errors are transient.
func ClassifyProviderError(err error) *DeliveryError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewDeliveryError(KindTransient, "provider timeout", err)
	}

	var r retryableError
	if errors.As(err, &r) && !r.Retryable() {
		return NewDeliveryError(KindPermanent, "provider rejected message", err)
	}
	return NewDeliveryError(KindTransient, "provider call failed", err)
}

// IsBounce reports whether err means the recipient refused or is blocked.
func IsBounce(err error) bool {
	var b bouncedError
	return errors.As(err, &b) && b.Bounced()
}

// isTransient reports whether err should count against a circuit breaker.
func isTransient(err error) bool {
	return ClassifyProviderError(err).Kind == KindTransient
}
