package saga

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/sagabus/sagabus/pkg/logger"
	"github.com/sagabus/sagabus/pkg/store"
	"github.com/sagabus/sagabus/pkg/transport"
)

// RetryConfig bounds the optimistic-concurrency retry loop around one
// delivery. The retries are invisible to middleware; only the final outcome
// leaves the orchestrator.
type RetryConfig struct {
	// MaxAttempts is the total number of load/handle/commit attempts.
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// BackoffFactor multiplies the backoff after each failed attempt.
	BackoffFactor float64
	// Jitter draws each wait uniformly from (0, backoff] to spread
	// contending processes apart.
	Jitter bool
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 25 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

func (c RetryConfig) normalize() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 25 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	return c
}

// backoff returns the wait after the given 1-based failed attempt.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.BackoffFactor)
		if d >= c.MaxBackoff {
			d = c.MaxBackoff
			break
		}
	}
	if c.Jitter && d > 0 {
		d = 1 + rand.N(d)
	}
	return d
}

// orchestrator drives deliveries for one saga definition: correlate, run the
// middleware chain once, and inside it the bounded attempt loop of
// load, guard, handle and commit. Buffered effects are dispatched only after
// a successful commit.
type orchestrator struct {
	def     *Definition
	gw      gateway
	locks   *lockTable
	retry   RetryConfig
	now     func() time.Time
	log     logger.Logger
	metrics MetricsRecorder
	fx      *effector
	run     func(pc *PipelineContext) error
}

func newOrchestrator(def *Definition, st store.Store, locks *lockTable, mws []Middleware, retry RetryConfig, now func() time.Time, log logger.Logger, metrics MetricsRecorder, fx *effector) *orchestrator {
	o := &orchestrator{
		def:     def,
		gw:      gateway{store: st},
		locks:   locks,
		retry:   retry.normalize(),
		now:     now,
		log:     log.With("saga", def.Name()),
		metrics: metrics,
		fx:      fx,
	}
	o.run = chain(mws, o.attemptLoop)
	return o
}

// Dispatch handles one delivered envelope. A nil return acknowledges the
// delivery; an error rejects it for transport-level redelivery.
func (o *orchestrator) Dispatch(ctx context.Context, env transport.Envelope) error {
	correlationID, _, ok := o.def.correlate(env)
	if !ok {
		o.log.DebugContext(ctx, "no correlation rule matched, dropping",
			"msg_type", env.Type, "msg_id", env.ID)
		o.metrics.RecordDelivery(o.def.Name(), ResultSkipped)
		return nil
	}

	pc := &PipelineContext{
		Ctx:           ctx,
		Envelope:      env,
		SagaName:      o.def.Name(),
		CorrelationID: correlationID,
		Metadata:      make(map[string]string),
	}

	err := o.run(pc)
	pc.Err = err

	switch {
	case err != nil:
		o.metrics.RecordDelivery(o.def.Name(), ResultFailed)
	case pc.PostState == nil:
		o.metrics.RecordDelivery(o.def.Name(), ResultSkipped)
	case pc.PostState.IsCompleted:
		o.metrics.RecordDelivery(o.def.Name(), ResultCompleted)
	default:
		o.metrics.RecordDelivery(o.def.Name(), ResultHandled)
	}
	return err
}

// attemptLoop is the terminal pipeline action. Each attempt holds the
// instance lock from load to commit; the lock is dropped across backoff so a
// competing invocation can make progress.
func (o *orchestrator) attemptLoop(pc *PipelineContext) error {
	_, canStart, _ := o.def.correlate(pc.Envelope)

	var lastErr error
	for attempt := 1; attempt <= o.retry.MaxAttempts; attempt++ {
		done, err := o.attempt(pc, canStart)
		if done {
			return err
		}
		lastErr = err

		o.metrics.RecordConcurrencyConflict(o.def.Name())
		o.log.DebugContext(pc.Ctx, "commit conflict, retrying",
			"correlation_id", pc.CorrelationID, "attempt", attempt, "error", err)

		if attempt == o.retry.MaxAttempts {
			break
		}
		select {
		case <-time.After(o.retry.backoff(attempt)):
		case <-pc.Ctx.Done():
			return pc.Ctx.Err()
		}
	}

	o.metrics.RecordRetryExhausted(o.def.Name())
	return &ExhaustedError{
		SagaName:      o.def.Name(),
		CorrelationID: pc.CorrelationID,
		Attempts:      o.retry.MaxAttempts,
		Last:          lastErr,
	}
}

// attempt runs one load/handle/commit cycle. done=false with a non-nil error
// asks the caller to retry after backoff.
func (o *orchestrator) attempt(pc *PipelineContext, canStart bool) (done bool, err error) {
	release := o.locks.acquire(o.def.Name(), pc.CorrelationID)
	defer release()
	o.metrics.SetActiveLocks(o.locks.len())

	loaded, err := o.gw.loadByCorrelation(pc.Ctx, o.def.Name(), pc.CorrelationID)
	if err != nil {
		return true, err
	}
	if loaded != nil && loaded.IsCompleted {
		loaded = nil
	}

	isNew := loaded == nil
	var loadedTimeout *time.Time
	if loaded != nil {
		loadedTimeout = loaded.TimeoutAt
	}

	var stateRaw []byte
	if isNew {
		if !canStart {
			o.log.WarnContext(pc.Ctx, "message for unknown instance cannot start one, dropping",
				"msg_type", pc.Envelope.Type, "correlation_id", pc.CorrelationID)
			return true, nil
		}
		stateRaw, err = o.def.newInitialState(pc.Envelope)
		if err != nil {
			return true, err
		}
	} else {
		stateRaw = loaded.State
	}

	// A timeout delivery must match the armed deadline; anything else is a
	// leftover from a cleared or re-armed timeout and is dropped. A matching
	// delivery consumes the timeout unless the handler re-arms it.
	if pc.Envelope.Type == TypeTimeoutExpired && !isNew {
		var expired TimeoutExpired
		if err := pc.Envelope.Bind(&expired); err != nil {
			return true, err
		}
		if loadedTimeout == nil || !loadedTimeout.Equal(expired.ScheduledAt) {
			o.log.DebugContext(pc.Ctx, "stale timeout delivery, dropping",
				"correlation_id", pc.CorrelationID)
			return true, nil
		}
		loadedTimeout = nil
	}

	if pc.PreState == nil && loaded != nil {
		pc.PreState = loaded.Clone()
	}

	handler, found, err := o.def.selectHandler(pc.Envelope.Type, stateRaw)
	if err != nil {
		return true, err
	}
	if !found {
		o.log.DebugContext(pc.Ctx, "no handler guard passed, dropping",
			"msg_type", pc.Envelope.Type, "correlation_id", pc.CorrelationID)
		return true, nil
	}

	now := o.now()
	sagaID := uuid.NewString()
	metadata := map[string]string{}
	if loaded != nil {
		sagaID = loaded.SagaID
		for k, v := range loaded.Metadata {
			metadata[k] = v
		}
	}

	sc := newContext(o.def.Name(), sagaID, pc.CorrelationID, pc.Envelope, o.fx.defaultEndpoint, now, loadedTimeout, metadata)

	start := time.Now()
	nextRaw, err := o.invoke(pc.Ctx, sc, handler, stateRaw)
	o.metrics.RecordHandlerDuration(o.def.Name(), pc.Envelope.Type, time.Since(start))
	if err != nil {
		return true, err
	}

	next := &store.State{
		SagaName:      o.def.Name(),
		SagaID:        sagaID,
		CorrelationID: pc.CorrelationID,
		IsCompleted:   sc.completeRequested,
		State:         nextRaw,
		Metadata:      sc.metadata,
		UpdatedAt:     now,
	}
	switch sc.timeoutOp {
	case timeoutSet:
		at := sc.timeoutAt
		next.TimeoutAt = &at
	case timeoutClear:
		next.TimeoutAt = nil
	default:
		next.TimeoutAt = loadedTimeout
	}
	if next.IsCompleted {
		next.TimeoutAt = nil
	}

	if isNew {
		next.Version = 0
		next.CreatedAt = now
		err = o.gw.insert(pc.Ctx, next)
	} else {
		next.Version = loaded.Version + 1
		next.CreatedAt = loaded.CreatedAt
		err = o.gw.update(pc.Ctx, next, loaded.Version)
	}
	if err != nil {
		if retryableCommit(err) {
			return false, err
		}
		return true, err
	}

	pc.SagaID = sagaID
	pc.PostState = next.Clone()

	o.fx.dispatch(pc.Ctx, o.def, sc, next)
	return true, nil
}

// invoke runs the handler with a last-resort panic guard. Panics become
// errors so the delivery is rejected instead of killing the consumer.
func (o *orchestrator) invoke(ctx context.Context, sc *Context, handler rawHandler, stateRaw []byte) (raw []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerPanicError{SagaName: o.def.Name(), MsgType: sc.envelope.Type, Value: r}
		}
	}()
	return handler(ctx, sc, stateRaw)
}
