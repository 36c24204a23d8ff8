// Package config defines the configuration for the notifyd workers.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid combination of values stops the
// process at startup.
package config

import (
	"reflect"
	"time"

	"notifyd/internal/types"
)

// SecretString is an alias for types.SecretString so config structs can
// declare redacted fields without importing types.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Components receive only the
// sub-struct they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"notifyd"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Worker        WorkerConfig
	Broker        BrokerConfig
	Retry         RetryConfig
	Breaker       BreakerConfig
	Idempotency   IdempotencyConfig
	Redis         RedisConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Email         EmailConfig
	Push          PushConfig
	Templates     TemplateConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// WorkerConfig controls consumption concurrency and provider calls.
type WorkerConfig struct {
	Channels        []string      `envconfig:"WORKER_CHANNELS" default:"email,push" validate:"min=1,dive,oneof=email push"`
	Prefetch        int           `envconfig:"WORKER_PREFETCH_COUNT" default:"10" validate:"min=1,max=1000"`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`
	InFlightDelay   time.Duration `envconfig:"INFLIGHT_REDELIVERY_DELAY" default:"1s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// BrokerConfig selects and configures the message broker.
type BrokerConfig struct {
	Kind       string        `envconfig:"BROKER_KIND" default:"rabbitmq" validate:"oneof=rabbitmq sqs memory"`
	AMQPURL    SecretString  `envconfig:"AMQP_URL"`
	Exchange   string        `envconfig:"AMQP_EXCHANGE" default:"notifications.direct"`
	MessageTTL time.Duration `envconfig:"QUEUE_MESSAGE_TTL" default:"24h"`
	MaxLength  int           `envconfig:"QUEUE_MAX_LENGTH" default:"100000"`

	// SQS queue URLs, one per routing key.
	SQSEmailQueue    string        `envconfig:"SQS_EMAIL_QUEUE" validate:"omitempty,url"`
	SQSPushQueue     string        `envconfig:"SQS_PUSH_QUEUE" validate:"omitempty,url"`
	SQSStatusQueue   string        `envconfig:"SQS_STATUS_QUEUE" validate:"omitempty,url"`
	SQSFailedQueue   string        `envconfig:"SQS_FAILED_QUEUE" validate:"omitempty,url"`
	SQSFeedbackQueue string        `envconfig:"SQS_FEEDBACK_QUEUE" validate:"omitempty,url"`
	SQSWaitTime      time.Duration `envconfig:"SQS_WAIT_TIME" default:"20s"`
}

// RetryConfig is the exponential backoff policy for transient failures.
type RetryConfig struct {
	MaxRetries int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"4" validate:"min=0"`
	BaseDelay  time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	MaxDelay   time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30s"`
	MaxJitter  time.Duration `envconfig:"RETRY_MAX_JITTER" default:"1s"`
}

// BreakerConfig configures the per-channel circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5" validate:"min=1"`
	OpenTimeout      time.Duration `envconfig:"CIRCUIT_BREAKER_TIMEOUT" default:"60s"`
	SuccessThreshold int           `envconfig:"CIRCUIT_BREAKER_SUCCESS_THRESHOLD" default:"3" validate:"min=1"`
}

// IdempotencyConfig selects the idempotency store.
type IdempotencyConfig struct {
	Backend      string        `envconfig:"IDEMPOTENCY_BACKEND" default:"memory" validate:"oneof=memory redis"`
	TTL          time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	Lease        time.Duration `envconfig:"IDEMPOTENCY_LEASE" default:"5m"`
	PollInterval time.Duration `envconfig:"IDEMPOTENCY_POLL_INTERVAL" default:"200ms"`
	MaxWait      time.Duration `envconfig:"IDEMPOTENCY_MAX_WAIT" default:"15s"`
}

// RedisConfig holds the Redis connection used by the idempotency store and
// the template cache.
type RedisConfig struct {
	URL            SecretString  `envconfig:"REDIS_URL"`
	ConnectTimeout time.Duration `envconfig:"REDIS_CONNECT_TIMEOUT" default:"5s"`
	RetryAttempts  int           `envconfig:"REDIS_RETRY_ATTEMPTS" default:"3" validate:"min=1"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
// Only the status tracker requires a database.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds regional configuration shared by SQS, SES, SSM and
// CloudWatch clients.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmailConfig selects and configures the email provider.
type EmailConfig struct {
	Provider    string `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses sendgrid smtp postmark stub"`
	FromAddress string `envconfig:"EMAIL_FROM_ADDRESS" default:"notifications@notifyd.dev" validate:"email"`
	FromName    string `envconfig:"EMAIL_FROM_NAME" default:"Notifications"`
	Footer      string `envconfig:"EMAIL_FOOTER"`

	SESConfigSet string `envconfig:"SES_CONFIGURATION_SET"`

	SendGridAPIKey      SecretString `envconfig:"SENDGRID_API_KEY"`
	PostmarkServerToken SecretString `envconfig:"POSTMARK_SERVER_TOKEN"`
	PostmarkTag         string       `envconfig:"POSTMARK_TAG"`

	SMTPHost       string       `envconfig:"SMTP_HOST"`
	SMTPPort       int          `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername   string       `envconfig:"SMTP_USERNAME"`
	SMTPPassword   SecretString `envconfig:"SMTP_PASSWORD"`
	SMTPEncryption string       `envconfig:"SMTP_ENCRYPTION" default:"starttls" validate:"oneof=none starttls ssl_tls"`
}

// PushConfig selects and configures the push provider.
type PushConfig struct {
	Provider       string `envconfig:"PUSH_PROVIDER" default:"fcm" validate:"oneof=fcm stub"`
	FCMProjectID   string `envconfig:"FCM_PROJECT_ID"`
	FCMCredentials string `envconfig:"FCM_CREDENTIALS_FILE"`
	// FCMCredentialsJSON holds the service account key inline, usually
	// resolved from SSM. It takes precedence over FCM_CREDENTIALS_FILE.
	FCMCredentialsJSON SecretString `envconfig:"FCM_CREDENTIALS_JSON"`
	FCMEndpoint        string       `envconfig:"FCM_ENDPOINT" default:"https://fcm.googleapis.com" validate:"url"`
}

// TemplateConfig configures template resolution. When ServiceURL is empty the
// static templates in StaticJSON are used.
type TemplateConfig struct {
	ServiceURL string        `envconfig:"TEMPLATE_SERVICE_URL" validate:"omitempty,url"`
	StaticJSON string        `envconfig:"TEMPLATES_JSON" validate:"omitempty,json"`
	CacheTTL   time.Duration `envconfig:"TEMPLATE_CACHE_TTL" default:"5m"`
}

// ObservabilityConfig holds telemetry and ops server settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=cloudwatch prometheus none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Notifyd"`
	OpsPort         string `envconfig:"OPS_PORT" default:"9090"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

// ChannelTypes returns the configured channels as typed values.
func (w WorkerConfig) ChannelTypes() []types.ChannelType {
	out := make([]types.ChannelType, 0, len(w.Channels))
	for _, c := range w.Channels {
		out = append(out, types.ChannelType(c))
	}
	return out
}

// QueueURL returns the SQS queue URL bound to a routing key.
func (b BrokerConfig) QueueURL(routingKey string) string {
	switch routingKey {
	case string(types.ChannelEmail):
		return b.SQSEmailQueue
	case string(types.ChannelPush):
		return b.SQSPushQueue
	case "status":
		return b.SQSStatusQueue
	case "failed":
		return b.SQSFailedQueue
	case "feedback":
		return b.SQSFeedbackQueue
	}
	return ""
}

// EnvVarNames lists every environment variable Config reads, in field
// order. Tooling uses it to check that SSM pointers name real settings.
func EnvVarNames() []string {
	var names []string
	collectEnvVars(reflect.TypeOf(Config{}), &names)
	return names
}

func collectEnvVars(t reflect.Type, names *[]string) {
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("envconfig")
		switch {
		case tag == "-":
		case tag != "":
			*names = append(*names, tag)
		case f.Type.Kind() == reflect.Struct:
			collectEnvVars(f.Type, names)
		}
	}
}
