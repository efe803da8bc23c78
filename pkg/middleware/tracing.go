package middleware

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sagabus/sagabus/pkg/saga"
)

// Tracing opens a span around the delivery and replaces the pipeline context
// so everything below it, handlers and store calls included, is traced.
func Tracing() saga.Middleware {
	tracer := otel.Tracer(saga.TracerName)
	return func(pc *saga.PipelineContext, next func() error) error {
		ctx, span := tracer.Start(pc.Ctx, saga.SpanDispatch,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("saga.name", pc.SagaName),
				attribute.String("saga.correlation_id", pc.CorrelationID),
				attribute.String("messaging.message.type", pc.Envelope.Type),
				attribute.String("messaging.message.id", pc.Envelope.ID),
			),
		)
		defer span.End()
		pc.Ctx = ctx

		err := next()
		if pc.SagaID != "" {
			span.SetAttributes(attribute.String("saga.id", pc.SagaID))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}
