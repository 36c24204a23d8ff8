package types

// ChannelType identifies a delivery channel. Each channel owns its own queue,
// circuit breaker and provider.
type ChannelType string

const (
	ChannelEmail ChannelType = "email"
	ChannelPush  ChannelType = "push"
)

// Valid reports whether c is a supported channel.
func (c ChannelType) Valid() bool {
	return c == ChannelEmail || c == ChannelPush
}

// AllChannels lists every supported channel in a stable order.
var AllChannels = []ChannelType{ChannelEmail, ChannelPush}

// DeliveryStatus is the externally visible state of a notification.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusBounced   DeliveryStatus = "bounced"
)

// IsTerminal reports whether no further delivery attempts follow this status.
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusBounced
}

// CircuitState is the state of a per-channel circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Priority is an advisory ordering hint carried on the envelope. Higher is
// more urgent; the pipeline does not reorder by it.
type Priority int

// PriorityNormal is used when the producer sends no priority.
const PriorityNormal Priority = 5

// FailureType classifies why a message was dead-lettered.
type FailureType string

const (
	FailureValidation  FailureType = "validation"
	FailureContent     FailureType = "content_resolution"
	FailurePermanent   FailureType = "permanent"
	FailureMaxRetries  FailureType = "max_retries"
	FailureUndecodable FailureType = "undecodable"
)
