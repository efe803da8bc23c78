package saga

import (
	"context"

	"github.com/sagabus/sagabus/pkg/store"
	"github.com/sagabus/sagabus/pkg/transport"
)

// PipelineContext is the per-delivery view handed to middleware. It is built
// after correlation succeeds and runs through the chain exactly once per
// delivery; the orchestrator's internal retry loop is invisible to middleware.
type PipelineContext struct {
	// Ctx is the delivery context. Middleware may replace it (tracing does)
	// and the replacement flows into handlers and store calls.
	Ctx context.Context

	Envelope      transport.Envelope
	SagaName      string
	CorrelationID string

	// SagaID is set once the instance is resolved, before next() returns.
	SagaID string

	// PreState is the state as first loaded (nil for a new instance).
	// PostState is the committed state. Both are snapshots; mutating them
	// does not affect persistence.
	PreState  *store.State
	PostState *store.State

	// Metadata is a per-delivery scratch bag shared across the chain.
	Metadata map[string]string

	// Err is the terminal error, set before post-next middleware code runs.
	Err error
}

// Middleware wraps the dispatch of one delivery. Call next() to continue the
// chain; skipping it short-circuits the delivery (the returned error decides
// ack or nack).
type Middleware func(pc *PipelineContext, next func() error) error

// chain composes middleware outside-in around the terminal action: the first
// element of mws is outermost.
func chain(mws []Middleware, terminal func(pc *PipelineContext) error) func(pc *PipelineContext) error {
	wrapped := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		if mw == nil {
			continue
		}
		inner := wrapped
		wrapped = func(pc *PipelineContext) error {
			return mw(pc, func() error {
				return inner(pc)
			})
		}
	}
	return wrapped
}
