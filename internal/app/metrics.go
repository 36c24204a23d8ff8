package app

import (
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifyd/internal/config"
	"notifyd/internal/notifications/core"
	"notifyd/internal/types"
)

// NewMetrics builds the configured metrics backend. The returned handler is
// non-nil only for Prometheus and serves the scrape endpoint.
func NewMetrics(cfg config.ObservabilityConfig, awsCfg aws.Config, logger types.Logger) (core.NotificationMetrics, http.Handler) {
	switch cfg.MetricsBackend {
	case "cloudwatch":
		return core.NewCloudWatchNotificationMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.MetricNamespace, logger), nil
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		return core.NewPrometheusMetrics(reg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	default:
		return core.NoopMetrics{}, nil
	}
}
