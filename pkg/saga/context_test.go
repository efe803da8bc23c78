package saga

import (
	"testing"
	"time"

	"github.com/sagabus/sagabus/pkg/transport"
)

func testEnvelope(t *testing.T, msgType string, payload any) transport.Envelope {
	t.Helper()
	env, err := transport.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func TestContextPublishBuffersWithDefaults(t *testing.T) {
	now := time.Now()
	env := testEnvelope(t, "M", nil)
	sc := newContext("s", "id-1", "corr-1", env, "out", now, nil, nil)

	if err := sc.Publish("Reply", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(sc.effects) != 1 {
		t.Fatalf("expected 1 buffered effect, got %d", len(sc.effects))
	}
	eff := sc.effects[0]
	if eff.opts.Endpoint != "out" {
		t.Fatalf("expected default endpoint out, got %s", eff.opts.Endpoint)
	}
	if eff.opts.PartitionKey != "corr-1" {
		t.Fatalf("expected partition key corr-1, got %s", eff.opts.PartitionKey)
	}
	if eff.env.Type != "Reply" {
		t.Fatalf("expected type Reply, got %s", eff.env.Type)
	}
}

func TestContextPublishOptionOverrides(t *testing.T) {
	sc := newContext("s", "id-1", "corr-1", testEnvelope(t, "M", nil), "out", time.Now(), nil, nil)

	err := sc.Publish("Reply", nil,
		WithEndpoint("other"),
		WithPartitionKey("pk"),
		WithHeader("source", "test"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	eff := sc.effects[0]
	if eff.opts.Endpoint != "other" || eff.opts.PartitionKey != "pk" {
		t.Fatalf("options not applied: %+v", eff.opts)
	}
	if eff.opts.Headers["source"] != "test" {
		t.Fatalf("expected header source=test, got %v", eff.opts.Headers)
	}
}

func TestContextPublishWithoutEndpointFails(t *testing.T) {
	sc := newContext("s", "id-1", "corr-1", testEnvelope(t, "M", nil), "", time.Now(), nil, nil)
	if err := sc.Publish("Reply", nil); err == nil {
		t.Fatalf("expected error publishing without an endpoint")
	}
}

func TestContextScheduleRejectsNegativeDelay(t *testing.T) {
	sc := newContext("s", "id-1", "corr-1", testEnvelope(t, "M", nil), "out", time.Now(), nil, nil)
	if err := sc.Schedule("Reply", nil, -time.Second); err == nil {
		t.Fatalf("expected error for negative delay")
	}
	if err := sc.Schedule("Reply", nil, time.Minute); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if sc.effects[0].opts.Delay != time.Minute {
		t.Fatalf("expected delay to be buffered, got %v", sc.effects[0].opts.Delay)
	}
}

func TestContextTimeoutLastWins(t *testing.T) {
	now := time.Now()
	armed := now.Add(time.Hour)
	sc := newContext("s", "id-1", "corr-1", testEnvelope(t, "M", nil), "out", now, &armed, nil)

	remaining, ok := sc.TimeoutRemaining()
	if !ok || remaining != time.Hour {
		t.Fatalf("expected loaded timeout of 1h, got %v ok=%v", remaining, ok)
	}

	sc.SetTimeout(10 * time.Minute)
	sc.SetTimeout(20 * time.Minute)
	remaining, ok = sc.TimeoutRemaining()
	if !ok || remaining != 20*time.Minute {
		t.Fatalf("expected last SetTimeout to win, got %v ok=%v", remaining, ok)
	}
	if sc.timeoutOp != timeoutSet || !sc.timeoutAt.Equal(now.Add(20*time.Minute)) {
		t.Fatalf("unexpected buffered timeout op %v at %v", sc.timeoutOp, sc.timeoutAt)
	}

	sc.ClearTimeout()
	if _, ok := sc.TimeoutRemaining(); ok {
		t.Fatalf("expected no timeout after ClearTimeout")
	}
}

func TestContextMetadataRoundTrip(t *testing.T) {
	sc := newContext("s", "id-1", "corr-1", testEnvelope(t, "M", nil), "out", time.Now(), nil, map[string]string{"a": "1"})

	if sc.Metadata("a") != "1" {
		t.Fatalf("expected loaded metadata a=1")
	}
	sc.SetMetadata("b", "2")
	if sc.Metadata("b") != "2" {
		t.Fatalf("expected metadata b=2")
	}
	if sc.Metadata("missing") != "" {
		t.Fatalf("expected empty string for missing key")
	}
}

func TestContextCompleteMarksRequest(t *testing.T) {
	sc := newContext("s", "id-1", "corr-1", testEnvelope(t, "M", nil), "out", time.Now(), nil, nil)
	if sc.completeRequested {
		t.Fatalf("fresh context must not be completed")
	}
	sc.Complete()
	if !sc.completeRequested {
		t.Fatalf("Complete() did not mark the context")
	}
}
