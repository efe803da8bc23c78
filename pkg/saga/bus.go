package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sagabus/sagabus/pkg/logger"
	"github.com/sagabus/sagabus/pkg/store"
	"github.com/sagabus/sagabus/pkg/transport"
)

// Registration binds one saga definition to the bus.
type Registration struct {
	Definition *Definition

	// Store overrides BusConfig.Store for this saga. Optional.
	Store store.Store

	// Concurrency is the subscription concurrency hint passed to the
	// transport. Zero means transport default.
	Concurrency int
}

// BusConfig is the required wiring for a Bus.
type BusConfig struct {
	Transport  transport.Transport
	Store      store.Store
	Sagas      []Registration
	Middleware []Middleware
	Logger     logger.Logger
}

// BusOption tunes optional bus behavior.
type BusOption func(*Bus)

// WithRetryConfig replaces the default optimistic-concurrency retry policy.
func WithRetryConfig(cfg RetryConfig) BusOption {
	return func(b *Bus) { b.retry = cfg }
}

// WithDrainTimeout bounds how long Stop waits for in-flight deliveries.
func WithDrainTimeout(d time.Duration) BusOption {
	return func(b *Bus) { b.drainTimeout = d }
}

// WithRateLimit throttles inbound dispatch per saga.
func WithRateLimit(perSecond float64, burst int) BusOption {
	return func(b *Bus) {
		b.limitPerSecond = perSecond
		b.limitBurst = burst
	}
}

// WithMetricsRecorder installs a metrics sink. Defaults to a no-op.
func WithMetricsRecorder(rec MetricsRecorder) BusOption {
	return func(b *Bus) { b.metrics = rec }
}

// WithClock replaces the wall clock. Tests use it to drive timeouts.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// WithDefaultPublishEndpoint sets the endpoint Context.Publish uses when the
// handler does not pick one with WithEndpoint.
func WithDefaultPublishEndpoint(endpoint string) BusOption {
	return func(b *Bus) { b.defaultEndpoint = endpoint }
}

// WithSweepHorizon sets how far ahead the start-up timeout sweep looks when
// rebuilding timers from a store. Defaults to 24h; the sweep repeats at half
// the horizon so nothing beyond it is lost.
func WithSweepHorizon(d time.Duration) BusOption {
	return func(b *Bus) { b.sweepHorizon = d }
}

type busEntry struct {
	def     *Definition
	store   store.Store
	orch    *orchestrator
	limiter *rate.Limiter
	conc    int
}

// Bus wires transport, store and saga definitions into a running consumer.
// Build with NewBus, then Start; Stop drains in-flight deliveries.
type Bus struct {
	transport       transport.Transport
	registry        *Registry
	log             logger.Logger
	metrics         MetricsRecorder
	retry           RetryConfig
	drainTimeout    time.Duration
	sweepHorizon    time.Duration
	now             func() time.Time
	defaultEndpoint string
	limitPerSecond  float64
	limitBurst      int

	locks     *lockTable
	scheduler *scheduler
	fx        *effector
	entries   []*busEntry

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewBus validates the configuration and builds the runtime.
func NewBus(cfg BusConfig, opts ...BusOption) (*Bus, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("saga: bus requires a transport")
	}
	if len(cfg.Sagas) == 0 {
		return nil, fmt.Errorf("saga: bus requires at least one saga registration")
	}

	defs := make([]*Definition, 0, len(cfg.Sagas))
	for _, reg := range cfg.Sagas {
		defs = append(defs, reg.Definition)
		if reg.Store == nil && cfg.Store == nil {
			name := ""
			if reg.Definition != nil {
				name = reg.Definition.Name()
			}
			return nil, fmt.Errorf("saga: registration %q has no store and the bus has no default", name)
		}
	}
	registry, err := NewRegistry(defs...)
	if err != nil {
		return nil, err
	}

	b := &Bus{
		transport:    cfg.Transport,
		registry:     registry,
		log:          cfg.Logger,
		metrics:      NopMetricsRecorder{},
		retry:        DefaultRetryConfig(),
		drainTimeout: 30 * time.Second,
		sweepHorizon: 24 * time.Hour,
		now:          time.Now,
		locks:        newLockTable(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.log == nil {
		b.log = logger.Nop()
	}

	b.scheduler = newScheduler(b.now)
	b.fx = &effector{
		transport:       b.transport,
		scheduler:       b.scheduler,
		defaultEndpoint: b.defaultEndpoint,
		nativeDelay:     transport.SupportsDelay(b.transport),
		now:             b.now,
		log:             b.log,
		metrics:         b.metrics,
	}

	for _, reg := range cfg.Sagas {
		st := reg.Store
		if st == nil {
			st = cfg.Store
		}
		entry := &busEntry{
			def:   reg.Definition,
			store: st,
			conc:  reg.Concurrency,
		}
		if b.limitPerSecond > 0 {
			entry.limiter = rate.NewLimiter(rate.Limit(b.limitPerSecond), max(b.limitBurst, 1))
		}
		entry.orch = newOrchestrator(reg.Definition, st, b.locks, cfg.Middleware, b.retry, b.now, b.log, b.metrics, b.fx)
		b.entries = append(b.entries, entry)
	}

	return b, nil
}

// Start starts the transport, subscribes every saga endpoint and arms the
// timeout machinery. Start is not idempotent; a stopped bus stays stopped.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	if err := b.transport.Start(ctx); err != nil {
		return fmt.Errorf("saga: start transport: %w", err)
	}

	for _, entry := range b.entries {
		entry := entry
		opts := transport.SubscribeOptions{
			Endpoint:    entry.def.Endpoint(),
			Group:       entry.def.Name(),
			Concurrency: entry.conc,
		}
		handler := func(ctx context.Context, env transport.Envelope) error {
			return b.deliver(ctx, entry, env)
		}
		if err := b.transport.Subscribe(ctx, opts, handler); err != nil {
			return fmt.Errorf("saga: subscribe %s: %w", entry.def.Endpoint(), err)
		}
		b.log.Info("saga subscribed",
			"saga", entry.def.Name(), "endpoint", entry.def.Endpoint())
	}

	b.scheduler.start()
	if !b.fx.nativeDelay {
		b.sweepTimeouts()
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, entry *busEntry, env transport.Envelope) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	if entry.limiter != nil {
		if err := entry.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return entry.orch.Dispatch(ctx, env)
}

// Stop stops intake, drains in-flight deliveries up to the drain timeout and
// shuts down the scheduler and transport.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(b.drainTimeout):
		b.log.Warn("drain timeout elapsed with deliveries still in flight")
	case <-ctx.Done():
	}

	b.scheduler.shutdown()
	if err := b.transport.Stop(ctx); err != nil {
		return fmt.Errorf("saga: stop transport: %w", err)
	}
	return nil
}

// Publish sends an application message through the bus transport. Delayed
// publishes on transports without native support are bridged through the
// scheduler; the eventual send is logged, not returned.
func (b *Bus) Publish(ctx context.Context, endpoint, msgType string, payload any, opts ...PublishOption) error {
	env, err := transport.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	po := transport.PublishOptions{Endpoint: endpoint}
	for _, opt := range opts {
		if opt != nil {
			opt(&po)
		}
	}
	if po.Endpoint == "" {
		return fmt.Errorf("saga: publish of %s has no endpoint", msgType)
	}

	if po.Delay > 0 && !b.fx.nativeDelay {
		b.fx.publishEffect(ctx, "bus", publishEffect{env: env, opts: po})
		return nil
	}
	return b.transport.Publish(ctx, env, po)
}

// sweepTimeouts rebuilds in-process timers from stores that can enumerate
// pending timeouts, then re-arms itself at half the horizon.
func (b *Bus) sweepTimeouts() {
	ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
	defer cancel()

	now := b.now()
	before := now.Add(b.sweepHorizon)
	for _, entry := range b.entries {
		lister, ok := entry.store.(store.TimeoutLister)
		if !ok {
			continue
		}
		recs, err := lister.ListDueTimeouts(ctx, before, 0)
		if err != nil {
			b.log.Error("timeout sweep failed", "saga", entry.def.Name(), "error", err)
			continue
		}
		for _, rec := range recs {
			if rec.SagaName != entry.def.Name() {
				continue
			}
			st := &store.State{
				SagaName:      rec.SagaName,
				SagaID:        rec.SagaID,
				CorrelationID: rec.CorrelationID,
				TimeoutAt:     &rec.TimeoutAt,
			}
			b.fx.armTimeout(entry.def, st)
		}
		if len(recs) > 0 {
			b.log.Info("timeout sweep rearmed timers",
				"saga", entry.def.Name(), "count", len(recs))
		}
	}

	b.scheduler.at(now.Add(b.sweepHorizon/2), b.sweepTimeouts)
}
