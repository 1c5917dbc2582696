// Package config defines the configuration structure for the CRM relay.
// Configuration is loaded once at process initialization (Lambda cold start or
// server boot) and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"crmrelay/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"crmrelay"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Domain Configurations
	Server        ServerConfig
	CRM           CRMConfig
	Filters       FilterConfig
	AWS           AWSConfig
	Forward       ForwardConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP ingestion server configuration.
type ServerConfig struct {
	Port         string `envconfig:"PORT" default:"8080"`
	MaxBatchSize int    `envconfig:"INGEST_MAX_BATCH" default:"100" validate:"min=1,max=1000"`
}

// CRMConfig holds the CRM API credential and endpoint selection.
type CRMConfig struct {
	APIKey SecretString `envconfig:"CRM_API_KEY" validate:"required"`

	// UseEuropeanDataStorage is the raw data-residency flag ("Yes"/"No" and
	// other boolean spellings). It only feeds BaseURL.
	UseEuropeanDataStorage string `envconfig:"USE_EUROPEAN_DATA_STORAGE" default:"No"`

	// BaseURLOverride replaces the regional endpoint entirely (local stubs, tests).
	BaseURLOverride string `envconfig:"CRM_BASE_URL" validate:"omitempty,url"`

	Timeout   time.Duration `envconfig:"CRM_TIMEOUT" default:"10s"`
	UserAgent string        `envconfig:"CRM_USER_AGENT" default:"crmrelay/1.0"`

	// BaseURL is resolved once by LoadConfig and never read from the environment.
	BaseURL string `ignored:"true"`
}

// FilterConfig holds the raw comma-separated qualification lists.
type FilterConfig struct {
	TriggeringEvents    string `envconfig:"TRIGGERING_EVENTS"`
	IgnoredEmailDomains string `envconfig:"IGNORED_EMAIL_DOMAINS"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ForwardJobsQueue is the SQS queue carrying forward jobs. When empty the
	// API runs jobs in-process.
	ForwardJobsQueue string `envconfig:"SQS_FORWARD_JOBS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ForwardConfig holds retry and concurrency tuning for forward job execution.
type ForwardConfig struct {
	MaxAttempts   int           `envconfig:"FORWARD_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	BaseDelay     time.Duration `envconfig:"FORWARD_BASE_DELAY" default:"30s" validate:"gt=0"`
	MaxDelay      time.Duration `envconfig:"FORWARD_MAX_DELAY" default:"15m" validate:"gt=0,gtefield=BaseDelay"`
	BackoffFactor float64       `envconfig:"FORWARD_BACKOFF_FACTOR" default:"3" validate:"gte=1"`
	Concurrency   int           `envconfig:"FORWARD_CONCURRENCY" default:"4" validate:"min=1,max=64"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CRMRelay"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
	EnableTracing   bool   `envconfig:"ENABLE_TRACING" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
