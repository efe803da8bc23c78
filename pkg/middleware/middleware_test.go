package middleware

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/sagabus/sagabus/pkg/logger"
	"github.com/sagabus/sagabus/pkg/saga"
	"github.com/sagabus/sagabus/pkg/store"
	"github.com/sagabus/sagabus/pkg/transport"
)

func pipelineContext(t *testing.T) *saga.PipelineContext {
	t.Helper()
	env, err := transport.NewEnvelope("Placed", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return &saga.PipelineContext{
		Ctx:           context.Background(),
		Envelope:      env,
		SagaName:      "order",
		CorrelationID: "corr-1",
	}
}

func TestRecoveryTurnsPanicIntoError(t *testing.T) {
	mw := Recovery(logger.Nop())
	err := mw(pipelineContext(t), func() error {
		panic("boom")
	})
	if err == nil {
		t.Fatalf("expected an error from the recovered panic")
	}
}

func TestRecoveryPassesThroughResult(t *testing.T) {
	mw := Recovery(logger.Nop())
	sentinel := errors.New("handler failed")
	if err := mw(pipelineContext(t), func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if err := mw(pipelineContext(t), func() error { return nil }); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestLoggingPassesThroughResult(t *testing.T) {
	mw := Logging(logger.Nop())
	sentinel := errors.New("handler failed")

	pc := pipelineContext(t)
	if err := mw(pc, func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	pc = pipelineContext(t)
	pc.PostState = &store.State{IsCompleted: true}
	if err := mw(pc, func() error { return nil }); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestIdempotencySkipsDuplicates(t *testing.T) {
	seen := NewMemorySeenStore(16)
	mw := Idempotency(seen)

	pc := pipelineContext(t)
	calls := 0
	run := func() error {
		calls++
		pc.PostState = &store.State{Version: 0}
		return nil
	}

	if err := mw(pc, run); err != nil {
		t.Fatalf("first delivery error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}

	// Same envelope again: acked without running the handler.
	if err := mw(pc, run); err != nil {
		t.Fatalf("duplicate delivery error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("duplicate must be short-circuited, handler ran %d times", calls)
	}
}

func TestIdempotencyDoesNotMarkFailures(t *testing.T) {
	seen := NewMemorySeenStore(16)
	mw := Idempotency(seen)
	sentinel := errors.New("commit failed")

	pc := pipelineContext(t)
	calls := 0
	if err := mw(pc, func() error { calls++; return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	// The redelivery must reach the handler.
	if err := mw(pc, func() error {
		calls++
		pc.PostState = &store.State{}
		return nil
	}); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 handler runs, got %d", calls)
	}
}

func TestIdempotencyIgnoresSkippedDeliveries(t *testing.T) {
	seen := NewMemorySeenStore(16)
	mw := Idempotency(seen)

	// No PostState means nothing committed, so nothing is marked.
	pc := pipelineContext(t)
	if err := mw(pc, func() error { return nil }); err != nil {
		t.Fatalf("skipped delivery error = %v", err)
	}
	dup, err := seen.Seen(context.Background(), pc.SagaName, pc.Envelope.ID)
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if dup {
		t.Fatalf("skipped delivery must not be marked")
	}
}

func TestMemorySeenStoreEvictsOldest(t *testing.T) {
	seen := NewMemorySeenStore(2)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := seen.Mark(ctx, "s", id); err != nil {
			t.Fatalf("Mark(%s) error = %v", id, err)
		}
	}

	if dup, _ := seen.Seen(ctx, "s", "a"); dup {
		t.Fatalf("oldest entry must be evicted")
	}
	for _, id := range []string{"b", "c"} {
		if dup, _ := seen.Seen(ctx, "s", id); !dup {
			t.Fatalf("entry %s must survive", id)
		}
	}
}

func TestMemorySeenStoreScopesBySaga(t *testing.T) {
	seen := NewMemorySeenStore(16)
	ctx := context.Background()

	if err := seen.Mark(ctx, "order", "id-1"); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if dup, _ := seen.Seen(ctx, "billing", "id-1"); dup {
		t.Fatalf("marks must be scoped per saga")
	}
}

func TestTracingRecordsSpanAndReplacesContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer provider.Shutdown(context.Background())

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	mw := Tracing()
	pc := pipelineContext(t)
	var innerCtx context.Context
	sentinel := errors.New("handler failed")

	if err := mw(pc, func() error {
		innerCtx = pc.Ctx
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	if !oteltrace.SpanContextFromContext(innerCtx).IsValid() {
		t.Fatalf("expected a span on the pipeline context")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 exported span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != saga.SpanDispatch {
		t.Fatalf("expected span %s, got %s", saga.SpanDispatch, span.Name)
	}
	if len(span.Events) == 0 {
		t.Fatalf("expected the error to be recorded on the span")
	}
}
