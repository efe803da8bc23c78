// Package memory provides an in-process transport. It backs tests and
// single-process deployments and is the reference for delivery semantics:
// at-least-once with bounded redelivery, native delay support, FIFO per
// subscription worker.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sagabus/sagabus/pkg/transport"
)

const (
	defaultBuffer        = 128
	defaultMaxDeliveries = 5
)

// Option configures the transport.
type Option func(*Transport)

// WithBuffer sets the per-subscription channel capacity.
func WithBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// WithMaxDeliveries caps attempts per message, including the first.
func WithMaxDeliveries(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxDeliveries = n
		}
	}
}

// WithRedeliveryDelay inserts a pause before each redelivery.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.redeliveryDelay = d
	}
}

// WithDropHandler installs a callback for messages exhausting their delivery
// attempts. Without one, exhausted messages are silently discarded.
func WithDropHandler(fn func(env transport.Envelope, err error)) Option {
	return func(t *Transport) {
		t.onDrop = fn
	}
}

type delivery struct {
	env     transport.Envelope
	attempt int
}

type subscription struct {
	group   string
	ch      chan delivery
	handler transport.Handler
	workers int
}

// Transport is an in-process broker. Distinct consumer groups each receive
// every message on an endpoint; subscribers sharing a group share a queue.
type Transport struct {
	buffer          int
	maxDeliveries   int
	redeliveryDelay time.Duration
	onDrop          func(env transport.Envelope, err error)

	mu      sync.Mutex
	subs    map[string][]*subscription
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a stopped transport; call Start before publishing.
func New(opts ...Option) *Transport {
	t := &Transport{
		buffer:        defaultBuffer,
		maxDeliveries: defaultMaxDeliveries,
		subs:          make(map[string][]*subscription),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// SupportsDelay reports native delayed delivery.
func (t *Transport) SupportsDelay() bool { return true }

// Start launches the workers of all registered subscriptions.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("memory: transport is stopped")
	}
	if t.started {
		return nil
	}
	t.started = true
	for _, subs := range t.subs {
		for _, sub := range subs {
			t.launch(sub)
		}
	}
	return nil
}

// Stop halts delivery. In-flight handler calls finish; queued messages are
// discarded.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	close(t.stop)
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

// Subscribe registers a handler. Subscribing an endpoint/group pair twice
// replaces nothing; it adds workers to the same queue.
func (t *Transport) Subscribe(ctx context.Context, opts transport.SubscribeOptions, handler transport.Handler) error {
	if opts.Endpoint == "" {
		return fmt.Errorf("memory: subscribe requires an endpoint")
	}
	if handler == nil {
		return fmt.Errorf("memory: subscribe requires a handler")
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("memory: transport is stopped")
	}

	for _, sub := range t.subs[opts.Endpoint] {
		if sub.group == opts.Group {
			sub.workers += workers
			if t.started {
				t.launchN(sub, workers)
			}
			return nil
		}
	}

	sub := &subscription{
		group:   opts.Group,
		ch:      make(chan delivery, t.buffer),
		handler: handler,
		workers: workers,
	}
	t.subs[opts.Endpoint] = append(t.subs[opts.Endpoint], sub)
	if t.started {
		t.launch(sub)
	}
	return nil
}

// Publish enqueues the envelope for every group subscribed to the endpoint.
// An endpoint without subscribers swallows the message, like a broker topic
// without bindings.
func (t *Transport) Publish(ctx context.Context, env transport.Envelope, opts transport.PublishOptions) error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return fmt.Errorf("memory: transport is not running")
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
	subs := t.subs[opts.Endpoint]
	t.mu.Unlock()

	if opts.Delay > 0 {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			select {
			case <-time.After(opts.Delay):
			case <-t.stop:
				return
			}
			for _, sub := range subs {
				t.enqueue(sub, delivery{env: env, attempt: 1})
			}
		}()
		return nil
	}

	for _, sub := range subs {
		select {
		case sub.ch <- delivery{env: env, attempt: 1}:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stop:
			return fmt.Errorf("memory: transport is stopped")
		}
	}
	return nil
}

func (t *Transport) launch(sub *subscription) {
	t.launchN(sub, sub.workers)
}

func (t *Transport) launchN(sub *subscription, n int) {
	for i := 0; i < n; i++ {
		t.wg.Add(1)
		go t.work(sub)
	}
}

func (t *Transport) work(sub *subscription) {
	defer t.wg.Done()
	for {
		select {
		case d := <-sub.ch:
			t.handle(sub, d)
		case <-t.stop:
			return
		}
	}
}

func (t *Transport) handle(sub *subscription, d delivery) {
	err := t.safeInvoke(sub.handler, d.env)
	if err == nil {
		return
	}
	if d.attempt >= t.maxDeliveries {
		if t.onDrop != nil {
			t.onDrop(d.env, err)
		}
		return
	}

	d.attempt++
	if t.redeliveryDelay > 0 {
		select {
		case <-time.After(t.redeliveryDelay):
		case <-t.stop:
			return
		}
	}
	t.enqueue(sub, d)
}

func (t *Transport) enqueue(sub *subscription, d delivery) {
	select {
	case sub.ch <- d:
	case <-t.stop:
	}
}

func (t *Transport) safeInvoke(handler transport.Handler, env transport.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memory: handler panic: %v", r)
		}
	}()
	return handler(context.Background(), env)
}
