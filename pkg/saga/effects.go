package saga

import (
	"context"
	"time"

	"github.com/sagabus/sagabus/pkg/logger"
	"github.com/sagabus/sagabus/pkg/store"
	"github.com/sagabus/sagabus/pkg/transport"
)

// effectTimeout bounds transport calls made outside a delivery context, such
// as deferred publishes fired from the scheduler.
const effectTimeout = 30 * time.Second

// effector dispatches the effects buffered on a Context once the state
// commit succeeded. Dispatch failures never fail the delivery: the commit is
// the source of truth, so failures are logged and counted only.
type effector struct {
	transport       transport.Transport
	scheduler       *scheduler
	defaultEndpoint string
	nativeDelay     bool
	now             func() time.Time
	log             logger.Logger
	metrics         MetricsRecorder
}

func (f *effector) dispatch(ctx context.Context, def *Definition, sc *Context, st *store.State) {
	for _, eff := range sc.effects {
		f.publishEffect(ctx, def.Name(), eff)
	}

	key := timeoutKey{sagaName: st.SagaName, sagaID: st.SagaID}
	switch {
	case st.IsCompleted:
		if f.scheduler.cancel(key) {
			f.metrics.RecordTimeoutCancelled(def.Name())
		}
	case sc.timeoutOp == timeoutSet:
		f.armTimeout(def, st)
		f.metrics.RecordTimeoutScheduled(def.Name())
	case sc.timeoutOp == timeoutClear:
		if f.scheduler.cancel(key) {
			f.metrics.RecordTimeoutCancelled(def.Name())
		}
	}
}

func (f *effector) publishEffect(ctx context.Context, sagaName string, eff publishEffect) {
	if eff.opts.Delay > 0 && !f.nativeDelay {
		at := f.now().Add(eff.opts.Delay)
		env, opts := eff.env, eff.opts
		opts.Delay = 0
		f.scheduler.at(at, func() {
			pctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
			defer cancel()
			if err := f.transport.Publish(pctx, env, opts); err != nil {
				f.metrics.RecordEffectFailure(sagaName)
				f.log.Error("deferred publish failed",
					"saga", sagaName, "msg_type", env.Type, "endpoint", opts.Endpoint, "error", err)
			}
		})
		f.metrics.RecordEffectPublished(sagaName)
		return
	}

	if err := f.transport.Publish(ctx, eff.env, eff.opts); err != nil {
		f.metrics.RecordEffectFailure(sagaName)
		f.log.ErrorContext(ctx, "effect publish failed",
			"saga", sagaName, "msg_type", eff.env.Type, "endpoint", eff.opts.Endpoint, "error", err)
		return
	}
	f.metrics.RecordEffectPublished(sagaName)
}

// armTimeout schedules the synthetic timeout message. On transports with
// native delay the message is handed to the broker; stale deliveries are
// filtered against the persisted deadline on arrival. Otherwise the
// in-process scheduler holds the timer, last-wins per instance.
func (f *effector) armTimeout(def *Definition, st *store.State) {
	deadline := *st.TimeoutAt

	if f.nativeDelay {
		delay := deadline.Sub(f.now())
		if delay < 0 {
			delay = 0
		}
		pctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()
		if err := f.publishTimeout(pctx, def, st.CorrelationID, deadline, delay); err != nil {
			f.metrics.RecordEffectFailure(def.Name())
			f.log.Error("timeout publish failed",
				"saga", def.Name(), "correlation_id", st.CorrelationID, "error", err)
		}
		return
	}

	key := timeoutKey{sagaName: st.SagaName, sagaID: st.SagaID}
	correlationID := st.CorrelationID
	f.scheduler.setKeyed(key, deadline, func() {
		pctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()
		if err := f.publishTimeout(pctx, def, correlationID, deadline, 0); err != nil {
			f.metrics.RecordEffectFailure(def.Name())
			f.log.Error("timeout publish failed",
				"saga", def.Name(), "correlation_id", correlationID, "error", err)
			return
		}
		f.metrics.RecordTimeoutFired(def.Name())
	})
}

func (f *effector) publishTimeout(ctx context.Context, def *Definition, correlationID string, deadline time.Time, delay time.Duration) error {
	env, err := transport.NewEnvelope(TypeTimeoutExpired, TimeoutExpired{
		SagaName:      def.Name(),
		CorrelationID: correlationID,
		ScheduledAt:   deadline,
	})
	if err != nil {
		return err
	}
	return f.transport.Publish(ctx, env, transport.PublishOptions{
		Endpoint:     def.Endpoint(),
		PartitionKey: correlationID,
		Delay:        delay,
	})
}
