// Package redis provides a Redis Streams transport.
//
// Each endpoint is one stream, each subscriber group one consumer group.
// Handled messages are acknowledged with XACK; failed ones stay in the
// pending entries list and are reclaimed with XAUTOCLAIM until the retry
// budget is spent.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sagabus/sagabus/pkg/logger"
	"github.com/sagabus/sagabus/pkg/transport"
)

const envelopeField = "envelope"

// Config holds transport configuration.
type Config struct {
	// MaxLen caps each stream with XADD MAXLEN ~. Zero disables trimming.
	MaxLen int64
	// Block is the XREADGROUP block duration.
	Block time.Duration
	// ClaimMinIdle is how long a pending entry must sit before another
	// consumer may steal it.
	ClaimMinIdle time.Duration
	// ClaimInterval is the reclaim loop period.
	ClaimInterval time.Duration
	// MaxDeliveries caps attempts per message, including the first.
	MaxDeliveries int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxLen:        100000,
		Block:         5 * time.Second,
		ClaimMinIdle:  30 * time.Second,
		ClaimInterval: 10 * time.Second,
		MaxDeliveries: 5,
	}
}

// Transport is a Redis Streams transport.
type Transport struct {
	client redis.UniversalClient
	cfg    Config
	log    logger.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	subs    []func(ctx context.Context) error
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client redis.UniversalClient, cfg Config, log logger.Logger) *Transport {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 10 * time.Second
	}
	return &Transport{client: client, cfg: cfg, log: log}
}

// Start launches the consumers of all registered subscriptions.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("redis: transport is stopped")
	}
	if t.started {
		return nil
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.runCtx = runCtx
	t.cancel = cancel
	t.started = true
	for _, launch := range t.subs {
		if err := launch(runCtx); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels the consumers and waits for them to exit.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish appends the envelope to the endpoint stream. Delay is not
// supported.
func (t *Transport) Publish(ctx context.Context, env transport.Envelope, opts transport.PublishOptions) error {
	if opts.Delay > 0 {
		return transport.ErrDelayUnsupported
	}
	if opts.Endpoint == "" {
		return fmt.Errorf("redis: publish requires an endpoint")
	}
	env = mergePublishOptions(env, opts)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis: marshal envelope: %w", err)
	}
	add := &redis.XAddArgs{
		Stream: opts.Endpoint,
		Values: map[string]any{envelopeField: string(data)},
	}
	if t.cfg.MaxLen > 0 {
		add.MaxLen = t.cfg.MaxLen
		add.Approx = true
	}
	if err := t.client.XAdd(ctx, add).Err(); err != nil {
		return fmt.Errorf("redis: xadd %s: %w", opts.Endpoint, err)
	}
	return nil
}

// Subscribe registers a consumer group on the endpoint stream.
func (t *Transport) Subscribe(ctx context.Context, opts transport.SubscribeOptions, handler transport.Handler) error {
	if opts.Endpoint == "" {
		return fmt.Errorf("redis: subscribe requires an endpoint")
	}
	if handler == nil {
		return fmt.Errorf("redis: subscribe requires a handler")
	}
	group := opts.Group
	if group == "" {
		group = "sagabus"
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	launch := func(runCtx context.Context) error {
		err := t.client.XGroupCreateMkStream(runCtx, opts.Endpoint, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("redis: create group %s on %s: %w", group, opts.Endpoint, err)
		}

		for i := 0; i < workers; i++ {
			consumer := fmt.Sprintf("%s-%s", group, uuid.NewString())
			t.wg.Add(1)
			go t.consume(runCtx, opts.Endpoint, group, consumer, handler)
		}
		t.wg.Add(1)
		go t.reclaim(runCtx, opts.Endpoint, group, handler)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("redis: transport is stopped")
	}
	t.subs = append(t.subs, launch)
	if t.started {
		return launch(t.runCtx)
	}
	return nil
}

func (t *Transport) consume(ctx context.Context, stream, group, consumer string, handler transport.Handler) {
	defer t.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    t.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			t.log.Error("stream read failed", "stream", stream, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				t.handle(ctx, stream, group, msg, handler)
			}
		}
	}
}

// reclaim steals pending entries whose consumer went quiet and retries them,
// dropping messages that spent their delivery budget.
func (t *Transport) reclaim(ctx context.Context, stream, group string, handler transport.Handler) {
	defer t.wg.Done()
	consumer := fmt.Sprintf("%s-reclaim-%s", group, uuid.NewString())
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    group,
				Consumer: consumer,
				MinIdle:  t.cfg.ClaimMinIdle,
				Start:    start,
				Count:    16,
			}).Result()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					t.log.Error("autoclaim failed", "stream", stream, "error", err)
				}
				break
			}
			for _, msg := range msgs {
				if t.deliveryCount(ctx, stream, group, msg.ID) > int64(t.cfg.MaxDeliveries) {
					t.log.Warn("dropping message after delivery budget",
						"stream", stream, "id", msg.ID)
					t.client.XAck(ctx, stream, group, msg.ID)
					continue
				}
				t.handle(ctx, stream, group, msg, handler)
			}
			if len(msgs) == 0 || next == "0-0" {
				break
			}
			start = next
		}
	}
}

func (t *Transport) deliveryCount(ctx context.Context, stream, group, id string) int64 {
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return pending[0].RetryCount
}

func (t *Transport) handle(ctx context.Context, stream, group string, msg redis.XMessage, handler transport.Handler) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		t.log.Warn("malformed stream entry, acking", "stream", stream, "id", msg.ID)
		t.client.XAck(ctx, stream, group, msg.ID)
		return
	}
	var env transport.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.log.Warn("undecodable envelope, acking", "stream", stream, "id", msg.ID, "error", err)
		t.client.XAck(ctx, stream, group, msg.ID)
		return
	}

	if err := handler(ctx, env); err != nil {
		// Stays pending; the reclaim loop retries it after ClaimMinIdle.
		t.log.Debug("delivery rejected", "stream", stream, "id", msg.ID, "error", err)
		return
	}
	t.client.XAck(ctx, stream, group, msg.ID)
}

func mergePublishOptions(env transport.Envelope, opts transport.PublishOptions) transport.Envelope {
	if len(opts.Headers) > 0 {
		merged := make(map[string]string, len(env.Headers)+len(opts.Headers))
		for k, v := range env.Headers {
			merged[k] = v
		}
		for k, v := range opts.Headers {
			merged[k] = v
		}
		env.Headers = merged
	}
	if opts.PartitionKey != "" {
		env.PartitionKey = opts.PartitionKey
	}
	return env
}
