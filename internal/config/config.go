// Package config defines the global configuration structure for the
// Signaldesk engine. Configuration is loaded once at process initialization
// and is immutable thereafter; it follows 12-Factor principles by strictly
// separating code from configuration.
//
// Any missing required value or invalid format fails the process immediately
// on startup (fail fast).
package config

import (
	"time"

	"signaldesk/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the Signaldesk engine.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"signaldesk"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Engine   EngineConfig
	Email    EmailConfig
	SMS      SMSConfig
	Push     PushConfig
	Live     LiveConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	ReadHeaderTimeout  time.Duration `envconfig:"SERVER_READ_HEADER_TIMEOUT" default:"5s"`
	ShutdownTimeout    time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// RetryQueueURL is the SQS queue used to schedule delayed delivery
	// retries for the delivery-worker. Empty means retries are scheduled
	// in-process (single-binary deployment).
	RetryQueueURL string `envconfig:"SQS_RETRY_QUEUE"`

	// MetricNamespace is the CloudWatch namespace for delivery metrics.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Signaldesk"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EngineConfig holds classification, deduplication, and acknowledgment
// tuning parameters.
type EngineConfig struct {
	// DedupWindow is the rolling window during which structurally identical
	// notifications merge into one group.
	DedupWindow time.Duration `envconfig:"DEDUP_WINDOW" default:"5m"`

	// AckTimeoutP0 is the escalation deadline for P0 notifications.
	AckTimeoutP0 time.Duration `envconfig:"ACK_TIMEOUT_P0" default:"15m"`

	// AckTimeoutDefault applies to non-P0 notifications whose rule sets the
	// requires-ack override.
	AckTimeoutDefault time.Duration `envconfig:"ACK_TIMEOUT_DEFAULT" default:"30m"`
}

// EmailConfig holds email delivery configuration for the SES sender.
type EmailConfig struct {
	FromAddress   string `envconfig:"EMAIL_FROM_ADDRESS" default:"alerts@signaldesk.io"`
	FromName      string `envconfig:"EMAIL_FROM_NAME" default:"Signaldesk Alerts"`
	ConfigSetName string `envconfig:"SES_CONFIG_SET"`
}

// SMSConfig holds SMS delivery configuration for the SNS sender.
type SMSConfig struct {
	SenderID string `envconfig:"SMS_SENDER_ID" default:"SIGNALDESK"`
	// MaxPrice is the per-message spend cap forwarded to SNS, in USD.
	MaxPrice string `envconfig:"SMS_MAX_PRICE" default:"0.50"`
}

// PushConfig holds settings for the outbound push-gateway sender.
type PushConfig struct {
	GatewayURL string        `envconfig:"PUSH_GATEWAY_URL"`
	AuthToken  SecretString  `envconfig:"PUSH_GATEWAY_TOKEN"`
	UserAgent  string        `envconfig:"PUSH_USER_AGENT" default:"Signaldesk-Push/1.0"`
	Timeout    time.Duration `envconfig:"PUSH_TIMEOUT" default:"10s"`
}

// LiveConfig holds websocket transport tuning.
type LiveConfig struct {
	WriteTimeout   time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`
	PongTimeout    time.Duration `envconfig:"WS_PONG_TIMEOUT" default:"60s"`
	SendBufferSize int           `envconfig:"WS_SEND_BUFFER" default:"64"`
	// BackfillLimit caps how many notifications a reconnecting client may
	// request in one since-last-seen backfill.
	BackfillLimit int `envconfig:"WS_BACKFILL_LIMIT" default:"200"`
}
