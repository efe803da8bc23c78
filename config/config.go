// Package config provides configuration management for the saga runtime:
// defaults, file and environment loading, validation and hot reload.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Bus is the saga bus configuration.
	Bus BusConfig `mapstructure:"bus"`

	// Transport selects and configures the message transport.
	Transport TransportConfig `mapstructure:"transport"`

	// Store selects and configures the saga state store.
	Store StoreConfig `mapstructure:"store"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// BusConfig holds saga bus settings.
type BusConfig struct {
	// DefaultPublishEndpoint is where Context.Publish sends when the handler
	// does not pick an endpoint.
	DefaultPublishEndpoint string `mapstructure:"default_publish_endpoint"`

	// DrainTimeout bounds how long Stop waits for in-flight deliveries.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`

	// SweepHorizon is how far ahead the timeout sweep looks.
	SweepHorizon time.Duration `mapstructure:"sweep_horizon"`

	// RateLimit throttles inbound dispatch per saga; zero disables it.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Retry is the optimistic-concurrency retry policy.
	Retry RetryConfig `mapstructure:"retry"`
}

// RateLimitConfig holds inbound rate limiting settings.
type RateLimitConfig struct {
	// PerSecond is the sustained dispatch rate; zero disables limiting.
	PerSecond float64 `mapstructure:"per_second" validate:"min=0"`

	// Burst is the burst allowance.
	Burst int `mapstructure:"burst" validate:"min=0"`
}

// RetryConfig holds the commit retry policy.
type RetryConfig struct {
	// MaxAttempts is the total number of load/handle/commit attempts.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// BackoffFactor multiplies the backoff after each failed attempt.
	BackoffFactor float64 `mapstructure:"backoff_factor" validate:"min=1"`

	// Jitter randomizes each wait.
	Jitter bool `mapstructure:"jitter"`
}

// TransportConfig selects the transport backend.
type TransportConfig struct {
	// Kind is the transport implementation (memory, redis, nats, kafka).
	Kind string `mapstructure:"kind" validate:"oneof=memory redis nats kafka"`

	// Memory is the in-process transport configuration.
	Memory MemoryTransportConfig `mapstructure:"memory"`

	// Redis is the Redis Streams transport configuration.
	Redis RedisTransportConfig `mapstructure:"redis"`

	// NATS is the JetStream transport configuration.
	NATS NATSTransportConfig `mapstructure:"nats"`

	// Kafka is the Kafka transport configuration.
	Kafka KafkaTransportConfig `mapstructure:"kafka"`
}

// MemoryTransportConfig holds in-process transport settings.
type MemoryTransportConfig struct {
	// Buffer is the per-subscription queue capacity.
	Buffer int `mapstructure:"buffer" validate:"min=1"`

	// MaxDeliveries caps attempts per message, including the first.
	MaxDeliveries int `mapstructure:"max_deliveries" validate:"min=1"`

	// RedeliveryDelay is the pause before each redelivery.
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay"`
}

// RedisTransportConfig holds Redis Streams transport settings.
type RedisTransportConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`

	// MaxLen caps each stream length; zero disables trimming.
	MaxLen int64 `mapstructure:"max_len" validate:"min=0"`

	// Block is the consumer read block duration.
	Block time.Duration `mapstructure:"block"`

	// ClaimMinIdle is how long a pending entry sits before being reclaimed.
	ClaimMinIdle time.Duration `mapstructure:"claim_min_idle"`

	// ClaimInterval is the reclaim loop period.
	ClaimInterval time.Duration `mapstructure:"claim_interval"`

	// MaxDeliveries caps attempts per message, including the first.
	MaxDeliveries int `mapstructure:"max_deliveries" validate:"min=1"`
}

// NATSTransportConfig holds JetStream transport settings.
type NATSTransportConfig struct {
	// URL is the server address.
	URL string `mapstructure:"url"`

	// StreamPrefix namespaces the JetStream streams.
	StreamPrefix string `mapstructure:"stream_prefix"`

	// MaxDeliveries caps attempts per message, including the first.
	MaxDeliveries int `mapstructure:"max_deliveries" validate:"min=1"`
}

// KafkaTransportConfig holds Kafka transport settings.
type KafkaTransportConfig struct {
	// Brokers is the bootstrap broker list.
	Brokers []string `mapstructure:"brokers"`

	// MaxDeliveries caps in-place attempts per message, including the first.
	MaxDeliveries int `mapstructure:"max_deliveries" validate:"min=1"`

	// RetryBackoff is the pause between in-place attempts.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// StoreConfig selects the store backend.
type StoreConfig struct {
	// Kind is the store implementation (memory, badger, postgres, redis).
	Kind string `mapstructure:"kind" validate:"oneof=memory badger postgres redis"`

	// Badger is the BadgerDB configuration.
	Badger BadgerStoreConfig `mapstructure:"badger"`

	// Postgres is the Postgres configuration.
	Postgres PostgresStoreConfig `mapstructure:"postgres"`

	// Redis is the Redis store configuration.
	Redis RedisStoreConfig `mapstructure:"redis"`
}

// BadgerStoreConfig holds BadgerDB settings.
type BadgerStoreConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// PostgresStoreConfig holds Postgres settings.
type PostgresStoreConfig struct {
	// DSN is the connection string.
	DSN string `mapstructure:"dsn"`

	// EnsureSchema applies the store schema on start.
	EnsureSchema bool `mapstructure:"ensure_schema"`
}

// RedisStoreConfig holds Redis store settings.
type RedisStoreConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`

	// KeyPrefix namespaces every key.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlp).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlp"`

	// Endpoint is the collector endpoint (host:port or URL).
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds each export call.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler selects the sampling strategy (ratio, always_on, always_off).
	Sampler string `mapstructure:"sampler" validate:"oneof=ratio always_on always_off"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a short representation without sensitive data.
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Transport: %s, Store: %s, Env: %s}",
		c.App.Name, c.Transport.Kind, c.Store.Kind, c.App.Environment)
}
