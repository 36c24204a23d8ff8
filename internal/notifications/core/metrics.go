package core

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"notifyd/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchNotificationMetrics implements NotificationMetrics by emitting
// metrics to AWS CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {Channel, Result} -- on every delivery outcome
//   - DeliveryLatency: Dims {Channel} -- provider call duration
//   - QueueLag: Dims {Channel} -- time between enqueue and processing start
//   - CircuitOpened: Dims {Channel} -- breaker trips
//   - TemplateFallback: Dims {Channel} -- fallback template substitutions
//
// Compile-time assertion that CloudWatchNotificationMetrics implements NotificationMetrics.
var _ NotificationMetrics = (*CloudWatchNotificationMetrics)(nil)

type CloudWatchNotificationMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchNotificationMetrics creates a new CloudWatchNotificationMetrics
// that publishes to namespace. An empty namespace uses types.MetricNamespace.
func NewCloudWatchNotificationMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchNotificationMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchNotificationMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordDelivery emits a DeliveryAttempt metric with Channel and Result dimensions.
//
//	Metric: DeliveryAttempt, Dims: {Channel: "email", Result: "success"}
func (m *CloudWatchNotificationMetrics) RecordDelivery(ctx context.Context, channel types.ChannelType, result MetricResult) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryAttempt),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			channelDim(channel),
			{
				Name:  aws.String(types.DimResult),
				Value: aws.String(string(result)),
			},
		},
	}, "channel", string(channel), "result", string(result))
}

// RecordLatency emits the provider call duration in milliseconds.
func (m *CloudWatchNotificationMetrics) RecordLatency(ctx context.Context, channel types.ChannelType, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryLatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{channelDim(channel)},
	}, "channel", string(channel), "duration_ms", duration.Milliseconds())
}

// RecordQueueLag emits the time a message waited in the queue. This includes
// broker backlog and any retry delay.
func (m *CloudWatchNotificationMetrics) RecordQueueLag(ctx context.Context, channel types.ChannelType, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricQueueLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{channelDim(channel)},
	}, "channel", string(channel), "lag_ms", lag.Milliseconds())
}

// RecordCircuitOpened counts a breaker trip.
func (m *CloudWatchNotificationMetrics) RecordCircuitOpened(ctx context.Context, channel types.ChannelType) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricCircuitOpened),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{channelDim(channel)},
	}, "channel", string(channel))
}

// RecordTemplateFallback counts a fallback template substitution.
func (m *CloudWatchNotificationMetrics) RecordTemplateFallback(ctx context.Context, channel types.ChannelType) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricTemplateFallback),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{channelDim(channel)},
	}, "channel", string(channel))
}

func (m *CloudWatchNotificationMetrics) put(ctx context.Context, datum cwtypes.MetricDatum, logArgs ...any) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		args := append([]any{"error", err.Error(), "metric", aws.ToString(datum.MetricName)}, logArgs...)
		m.logger.Error("failed to record metric", args...)
	}
}

func channelDim(channel types.ChannelType) cwtypes.Dimension {
	return cwtypes.Dimension{
		Name:  aws.String(types.DimChannel),
		Value: aws.String(string(channel)),
	}
}

// NoopMetrics discards every metric.
type NoopMetrics struct{}

func (NoopMetrics) RecordDelivery(context.Context, types.ChannelType, MetricResult)  {}
func (NoopMetrics) RecordLatency(context.Context, types.ChannelType, time.Duration)  {}
func (NoopMetrics) RecordQueueLag(context.Context, types.ChannelType, time.Duration) {}
func (NoopMetrics) RecordCircuitOpened(context.Context, types.ChannelType)           {}
func (NoopMetrics) RecordTemplateFallback(context.Context, types.ChannelType)        {}

var _ NotificationMetrics = NoopMetrics{}
