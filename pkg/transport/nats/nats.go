// Package nats provides a NATS JetStream transport.
//
// Each endpoint maps to one subject backed by a JetStream stream; subscriber
// groups become durable queue groups with explicit acks. A rejected delivery
// is NAKed and redelivered by the server up to MaxDeliveries.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/sagabus/sagabus/pkg/logger"
	"github.com/sagabus/sagabus/pkg/transport"
)

// Config holds transport configuration.
type Config struct {
	// URL is the server address, defaulting to nats.DefaultURL.
	URL string
	// StreamPrefix namespaces the JetStream streams created per endpoint.
	StreamPrefix string
	// MaxDeliveries caps attempts per message, including the first.
	MaxDeliveries int
}

// Transport is a JetStream-backed transport.
type Transport struct {
	cfg Config
	log logger.Logger

	mu      sync.Mutex
	conn    *nats.Conn
	js      nats.JetStreamContext
	subs    []*nats.Subscription
	started bool
	stopped bool
	pending []func() error
}

// New creates a transport; the connection opens on Start.
func New(cfg Config, log logger.Logger) *Transport {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "SAGABUS"
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	return &Transport{cfg: cfg, log: log}
}

// Start connects and activates registered subscriptions.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("nats: transport is stopped")
	}
	if t.started {
		return nil
	}

	conn, err := nats.Connect(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("nats: connect %s: %w", t.cfg.URL, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("nats: jetstream: %w", err)
	}
	t.conn = conn
	t.js = js
	t.started = true

	for _, subscribe := range t.pending {
		if err := subscribe(); err != nil {
			return err
		}
	}
	t.pending = nil
	return nil
}

// Stop drains the subscriptions and closes the connection.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true

	for _, sub := range t.subs {
		if err := sub.Drain(); err != nil {
			t.log.Warn("subscription drain failed", "error", err)
		}
	}
	if t.conn != nil {
		if err := t.conn.Drain(); err != nil {
			t.conn.Close()
			return fmt.Errorf("nats: drain: %w", err)
		}
	}
	return nil
}

// Publish sends the envelope to the endpoint subject. Delay is not
// supported.
func (t *Transport) Publish(ctx context.Context, env transport.Envelope, opts transport.PublishOptions) error {
	if opts.Delay > 0 {
		return transport.ErrDelayUnsupported
	}
	if opts.Endpoint == "" {
		return fmt.Errorf("nats: publish requires an endpoint")
	}

	t.mu.Lock()
	js := t.js
	t.mu.Unlock()
	if js == nil {
		return fmt.Errorf("nats: transport is not running")
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
		return fmt.Errorf("nats: marshal envelope: %w", err)
	}
	if _, err := js.Publish(opts.Endpoint, data, nats.Context(ctx), nats.MsgId(env.ID)); err != nil {
		return fmt.Errorf("nats: publish %s: %w", opts.Endpoint, err)
	}
	return nil
}

// Subscribe binds a durable queue consumer to the endpoint subject.
func (t *Transport) Subscribe(ctx context.Context, opts transport.SubscribeOptions, handler transport.Handler) error {
	if opts.Endpoint == "" {
		return fmt.Errorf("nats: subscribe requires an endpoint")
	}
	if handler == nil {
		return fmt.Errorf("nats: subscribe requires a handler")
	}
	group := opts.Group
	if group == "" {
		group = "sagabus"
	}

	subscribe := func() error {
		if err := t.ensureStream(opts.Endpoint); err != nil {
			return err
		}
		durable := sanitize(group + "-" + opts.Endpoint)
		sub, err := t.js.QueueSubscribe(opts.Endpoint, group, func(msg *nats.Msg) {
			t.handle(msg, handler)
		},
			nats.Durable(durable),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.MaxDeliver(t.cfg.MaxDeliveries),
		)
		if err != nil {
			return fmt.Errorf("nats: subscribe %s: %w", opts.Endpoint, err)
		}
		t.subs = append(t.subs, sub)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("nats: transport is stopped")
	}
	if t.started {
		return subscribe()
	}
	t.pending = append(t.pending, subscribe)
	return nil
}

func (t *Transport) handle(msg *nats.Msg, handler transport.Handler) {
	var env transport.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.log.Warn("undecodable envelope, terminating delivery",
			"subject", msg.Subject, "error", err)
		_ = msg.Term()
		return
	}
	if err := handler(context.Background(), env); err != nil {
		t.log.Debug("delivery rejected", "subject", msg.Subject, "msg_id", env.ID, "error", err)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// ensureStream creates the backing stream for a subject if missing.
func (t *Transport) ensureStream(subject string) error {
	name := sanitize(t.cfg.StreamPrefix + "-" + subject)
	_, err := t.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("nats: ensure stream %s: %w", name, err)
	}
	return nil
}

// sanitize maps an endpoint to a legal stream/durable name.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '\\', ' ':
			return '_'
		}
		return r
	}, strings.ToUpper(s))
}
