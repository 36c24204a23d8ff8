package types

// Telemetry metric names. CloudWatch and Prometheus backends share these so
// dashboards line up.
const (
	MetricDeliveryAttempt  = "DeliveryAttempt"
	MetricDeliveryLatency  = "DeliveryLatency"
	MetricQueueLag         = "QueueLag"
	MetricCircuitOpened    = "CircuitOpened"
	MetricTemplateFallback = "TemplateFallback"

	// Dimension Keys
	DimChannel = "Channel"
	DimResult  = "Result"

	// Metric Namespace
	MetricNamespace = "Notifyd"
)
