package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"notifyd/internal/types"
)

// PrometheusMetrics implements NotificationMetrics with Prometheus
// collectors, scraped from the ops server's /metrics endpoint.
type PrometheusMetrics struct {
	deliveries *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	queueLag   *prometheus.HistogramVec
	trips      *prometheus.CounterVec
	fallbacks  *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifyd",
			Name:      "delivery_attempts_total",
			Help:      "Delivery outcomes by channel and result.",
		}, []string{"channel", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "notifyd",
			Name:      "delivery_latency_seconds",
			Help:      "Provider call duration.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		queueLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "notifyd",
			Name:      "queue_lag_seconds",
			Help:      "Time between enqueue and processing start.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"channel"}),
		trips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifyd",
			Name:      "circuit_opened_total",
			Help:      "Circuit breaker trips.",
		}, []string{"channel"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifyd",
			Name:      "template_fallback_total",
			Help:      "Deliveries rendered with the fallback template.",
		}, []string{"channel"}),
	}
	reg.MustRegister(m.deliveries, m.latency, m.queueLag, m.trips, m.fallbacks)
	return m
}

func (m *PrometheusMetrics) RecordDelivery(_ context.Context, channel types.ChannelType, result MetricResult) {
	m.deliveries.WithLabelValues(string(channel), string(result)).Inc()
}

func (m *PrometheusMetrics) RecordLatency(_ context.Context, channel types.ChannelType, d time.Duration) {
	m.latency.WithLabelValues(string(channel)).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordQueueLag(_ context.Context, channel types.ChannelType, lag time.Duration) {
	m.queueLag.WithLabelValues(string(channel)).Observe(lag.Seconds())
}

func (m *PrometheusMetrics) RecordCircuitOpened(_ context.Context, channel types.ChannelType) {
	m.trips.WithLabelValues(string(channel)).Inc()
}

func (m *PrometheusMetrics) RecordTemplateFallback(_ context.Context, channel types.ChannelType) {
	m.fallbacks.WithLabelValues(string(channel)).Inc()
}

var _ NotificationMetrics = (*PrometheusMetrics)(nil)
