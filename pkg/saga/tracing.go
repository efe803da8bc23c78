package saga

// TracerName identifies the otel tracer the stock tracing middleware uses.
const TracerName = "sagabus.saga"

// Span names emitted by the tracing middleware and the orchestrator.
const (
	SpanDispatch = "saga.dispatch"
	SpanHandler  = "saga.handler"
	SpanCommit   = "saga.commit"
	SpanEffects  = "saga.effects"
)
