package config

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sagabus/sagabus/pkg/logger"
	"github.com/sagabus/sagabus/pkg/saga"
	"github.com/sagabus/sagabus/pkg/store"
	storebadger "github.com/sagabus/sagabus/pkg/store/badger"
	storememory "github.com/sagabus/sagabus/pkg/store/memory"
	storepostgres "github.com/sagabus/sagabus/pkg/store/postgres"
	storeredis "github.com/sagabus/sagabus/pkg/store/redis"
	"github.com/sagabus/sagabus/pkg/transport"
	transportkafka "github.com/sagabus/sagabus/pkg/transport/kafka"
	transportmemory "github.com/sagabus/sagabus/pkg/transport/memory"
	transportnats "github.com/sagabus/sagabus/pkg/transport/nats"
	transportredis "github.com/sagabus/sagabus/pkg/transport/redis"
)

// NewLogger builds the logger from the Log section.
func NewLogger(cfg *Config) logger.Logger {
	return logger.New(&logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
}

// NewTransport builds the transport selected by Transport.Kind.
func NewTransport(cfg *Config, log logger.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "memory":
		mc := cfg.Transport.Memory
		return transportmemory.New(
			transportmemory.WithBuffer(mc.Buffer),
			transportmemory.WithMaxDeliveries(mc.MaxDeliveries),
			transportmemory.WithRedeliveryDelay(mc.RedeliveryDelay),
		), nil
	case "redis":
		rc := cfg.Transport.Redis
		client := goredis.NewClient(&goredis.Options{
			Addr:     rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
		})
		return transportredis.New(client, transportredis.Config{
			MaxLen:        rc.MaxLen,
			Block:         rc.Block,
			ClaimMinIdle:  rc.ClaimMinIdle,
			ClaimInterval: rc.ClaimInterval,
			MaxDeliveries: rc.MaxDeliveries,
		}, log), nil
	case "nats":
		nc := cfg.Transport.NATS
		return transportnats.New(transportnats.Config{
			URL:           nc.URL,
			StreamPrefix:  nc.StreamPrefix,
			MaxDeliveries: nc.MaxDeliveries,
		}, log), nil
	case "kafka":
		kc := cfg.Transport.Kafka
		return transportkafka.New(transportkafka.Config{
			Brokers:       kc.Brokers,
			MaxDeliveries: kc.MaxDeliveries,
			RetryBackoff:  kc.RetryBackoff,
		}, log)
	default:
		return nil, fmt.Errorf("config: unknown transport kind %q", cfg.Transport.Kind)
	}
}

// NewStore builds the store selected by Store.Kind.
func NewStore(ctx context.Context, cfg *Config) (store.Store, error) {
	switch cfg.Store.Kind {
	case "memory":
		return storememory.New(), nil
	case "badger":
		bc := cfg.Store.Badger
		return storebadger.New(&storebadger.Config{
			Path:       bc.Path,
			SyncWrites: bc.SyncWrites,
		})
	case "postgres":
		pc := cfg.Store.Postgres
		st, err := storepostgres.New(ctx, pc.DSN)
		if err != nil {
			return nil, err
		}
		if pc.EnsureSchema {
			if err := st.EnsureSchema(ctx); err != nil {
				st.Close()
				return nil, err
			}
		}
		return st, nil
	case "redis":
		rc := cfg.Store.Redis
		client := goredis.NewClient(&goredis.Options{
			Addr:     rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
		})
		return storeredis.New(client, storeredis.WithKeyPrefix(rc.KeyPrefix)), nil
	default:
		return nil, fmt.Errorf("config: unknown store kind %q", cfg.Store.Kind)
	}
}

// BusOptions translates the Bus section into saga bus options.
func BusOptions(cfg *Config) []saga.BusOption {
	opts := []saga.BusOption{
		saga.WithRetryConfig(saga.RetryConfig{
			MaxAttempts:    cfg.Bus.Retry.MaxAttempts,
			InitialBackoff: cfg.Bus.Retry.InitialBackoff,
			MaxBackoff:     cfg.Bus.Retry.MaxBackoff,
			BackoffFactor:  cfg.Bus.Retry.BackoffFactor,
			Jitter:         cfg.Bus.Retry.Jitter,
		}),
	}
	if cfg.Bus.DrainTimeout > 0 {
		opts = append(opts, saga.WithDrainTimeout(cfg.Bus.DrainTimeout))
	}
	if cfg.Bus.SweepHorizon > 0 {
		opts = append(opts, saga.WithSweepHorizon(cfg.Bus.SweepHorizon))
	}
	if cfg.Bus.DefaultPublishEndpoint != "" {
		opts = append(opts, saga.WithDefaultPublishEndpoint(cfg.Bus.DefaultPublishEndpoint))
	}
	if cfg.Bus.RateLimit.PerSecond > 0 {
		opts = append(opts, saga.WithRateLimit(cfg.Bus.RateLimit.PerSecond, cfg.Bus.RateLimit.Burst))
	}
	return opts
}
