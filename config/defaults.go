package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "sagabus",
			Environment: "development",
			Debug:       false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Bus: BusConfig{
			DrainTimeout: 30 * time.Second,
			SweepHorizon: 24 * time.Hour,
			RateLimit: RateLimitConfig{
				PerSecond: 0,
				Burst:     0,
			},
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 25 * time.Millisecond,
				MaxBackoff:     time.Second,
				BackoffFactor:  2.0,
				Jitter:         true,
			},
		},
		Transport: TransportConfig{
			Kind: "memory",
			Memory: MemoryTransportConfig{
				Buffer:        128,
				MaxDeliveries: 5,
			},
			Redis: RedisTransportConfig{
				Address:       "localhost:6379",
				DB:            0,
				MaxLen:        100000,
				Block:         5 * time.Second,
				ClaimMinIdle:  30 * time.Second,
				ClaimInterval: 10 * time.Second,
				MaxDeliveries: 5,
			},
			NATS: NATSTransportConfig{
				URL:           "nats://localhost:4222",
				StreamPrefix:  "SAGABUS",
				MaxDeliveries: 5,
			},
			Kafka: KafkaTransportConfig{
				Brokers:       []string{"localhost:9092"},
				MaxDeliveries: 5,
				RetryBackoff:  time.Second,
			},
		},
		Store: StoreConfig{
			Kind: "memory",
			Badger: BadgerStoreConfig{
				Path:       "./data/sagas",
				SyncWrites: true,
			},
			Postgres: PostgresStoreConfig{
				DSN:          "postgres://localhost:5432/sagabus",
				EnsureSchema: true,
			},
			Redis: RedisStoreConfig{
				Address: "localhost:6379",
				DB:      0,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
