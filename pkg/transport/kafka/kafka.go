// Package kafka provides a Kafka transport on segmentio/kafka-go.
//
// Each endpoint is a topic, each subscriber group a consumer group. The
// partition key becomes the Kafka message key so one saga instance stays on
// one partition. Kafka has no per-message reject, so failed deliveries are
// retried in place before the offset is committed and skipped past once the
// budget is spent.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sagabus/sagabus/pkg/logger"
	"github.com/sagabus/sagabus/pkg/transport"
)

// Config holds transport configuration.
type Config struct {
	Brokers []string
	// MaxDeliveries caps in-place attempts per message, including the first.
	MaxDeliveries int
	// RetryBackoff is the pause between in-place attempts.
	RetryBackoff time.Duration
	// MinBytes/MaxBytes tune the reader fetch sizes.
	MinBytes int
	MaxBytes int
}

// Transport is a Kafka-backed transport.
type Transport struct {
	cfg Config
	log logger.Logger

	mu      sync.Mutex
	writer  *kafka.Writer
	readers []*kafka.Reader
	started bool
	stopped bool
	pending []func(ctx context.Context)
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a transport for the given brokers.
func New(cfg Config, log logger.Logger) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	return &Transport{cfg: cfg, log: log}, nil
}

// Start creates the shared writer and launches registered consumers.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("kafka: transport is stopped")
	}
	if t.started {
		return nil
	}

	t.writer = &kafka.Writer{
		Addr:         kafka.TCP(t.cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t.runCtx = runCtx
	t.cancel = cancel
	t.started = true

	for _, launch := range t.pending {
		launch(runCtx)
	}
	t.pending = nil
	return nil
}

// Stop cancels consumers, waits for them and closes writer and readers.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	cancel := t.cancel
	writer := t.writer
	readers := t.readers
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
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, reader := range readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish writes the envelope to the endpoint topic. Delay is not supported.
func (t *Transport) Publish(ctx context.Context, env transport.Envelope, opts transport.PublishOptions) error {
	if opts.Delay > 0 {
		return transport.ErrDelayUnsupported
	}
	if opts.Endpoint == "" {
		return fmt.Errorf("kafka: publish requires an endpoint")
	}

	t.mu.Lock()
	writer := t.writer
	t.mu.Unlock()
	if writer == nil {
		return fmt.Errorf("kafka: transport is not running")
	}

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

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka: marshal envelope: %w", err)
	}
	key := env.PartitionKey
	if key == "" {
		key = env.ID
	}
	msg := kafka.Message{
		Topic: opts.Endpoint,
		Key:   []byte(key),
		Value: data,
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", opts.Endpoint, err)
	}
	return nil
}

// Subscribe launches reader loops for the endpoint topic.
func (t *Transport) Subscribe(ctx context.Context, opts transport.SubscribeOptions, handler transport.Handler) error {
	if opts.Endpoint == "" {
		return fmt.Errorf("kafka: subscribe requires an endpoint")
	}
	if handler == nil {
		return fmt.Errorf("kafka: subscribe requires a handler")
	}
	group := opts.Group
	if group == "" {
		group = "sagabus"
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	launch := func(runCtx context.Context) {
		for i := 0; i < workers; i++ {
			reader := kafka.NewReader(kafka.ReaderConfig{
				Brokers:  t.cfg.Brokers,
				Topic:    opts.Endpoint,
				GroupID:  group,
				MinBytes: t.cfg.MinBytes,
				MaxBytes: t.cfg.MaxBytes,
			})
			t.readers = append(t.readers, reader)
			t.wg.Add(1)
			go t.consume(runCtx, reader, handler)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("kafka: transport is stopped")
	}
	if t.started {
		launch(t.runCtx)
		return nil
	}
	t.pending = append(t.pending, launch)
	return nil
}

func (t *Transport) consume(ctx context.Context, reader *kafka.Reader, handler transport.Handler) {
	defer t.wg.Done()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			t.log.Error("fetch failed", "topic", reader.Config().Topic, "error", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		t.handle(ctx, msg, handler)
		if err := reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Error("commit failed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

// handle retries a failing delivery in place; the offset only advances after
// the message is handled or its budget is spent.
func (t *Transport) handle(ctx context.Context, msg kafka.Message, handler transport.Handler) {
	var env transport.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.log.Warn("undecodable envelope, skipping",
			"topic", msg.Topic, "offset", msg.Offset, "error", err)
		return
	}

	for attempt := 1; attempt <= t.cfg.MaxDeliveries; attempt++ {
		err := handler(ctx, env)
		if err == nil {
			return
		}
		if attempt == t.cfg.MaxDeliveries {
			t.log.Warn("dropping message after delivery budget",
				"topic", msg.Topic, "offset", msg.Offset, "msg_id", env.ID, "error", err)
			return
		}
		select {
		case <-time.After(t.cfg.RetryBackoff):
		case <-ctx.Done():
			return
		}
	}
}
