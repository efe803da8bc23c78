package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagabus/sagabus/pkg/transport"
)

func startTransport(t *testing.T, opts ...Option) *Transport {
	t.Helper()
	tr := New(opts...)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Stop(ctx)
	})
	return tr
}

func publish(t *testing.T, tr *Transport, endpoint, msgType string, opts transport.PublishOptions) {
	t.Helper()
	env, err := transport.NewEnvelope(msgType, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	opts.Endpoint = endpoint
	if err := tr.Publish(context.Background(), env, opts); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestEachGroupReceivesEveryMessage(t *testing.T) {
	tr := startTransport(t)

	groupA := make(chan transport.Envelope, 1)
	groupB := make(chan transport.Envelope, 1)
	subscribe := func(group string, ch chan transport.Envelope) {
		err := tr.Subscribe(context.Background(), transport.SubscribeOptions{Endpoint: "orders", Group: group},
			func(ctx context.Context, env transport.Envelope) error {
				ch <- env
				return nil
			})
		if err != nil {
			t.Fatalf("Subscribe(%s) error = %v", group, err)
		}
	}
	subscribe("a", groupA)
	subscribe("b", groupB)

	publish(t, tr, "orders", "Placed", transport.PublishOptions{PartitionKey: "pk"})

	for name, ch := range map[string]chan transport.Envelope{"a": groupA, "b": groupB} {
		select {
		case env := <-ch:
			if env.Type != "Placed" || env.PartitionKey != "pk" {
				t.Fatalf("group %s got unexpected envelope %+v", name, env)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("group %s never received the message", name)
		}
	}
}

func TestEndpointsAreIsolated(t *testing.T) {
	tr := startTransport(t)

	got := make(chan transport.Envelope, 2)
	err := tr.Subscribe(context.Background(), transport.SubscribeOptions{Endpoint: "orders", Group: "g"},
		func(ctx context.Context, env transport.Envelope) error {
			got <- env
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	publish(t, tr, "billing", "Ignored", transport.PublishOptions{})
	publish(t, tr, "orders", "Seen", transport.PublishOptions{})

	select {
	case env := <-got:
		if env.Type != "Seen" {
			t.Fatalf("expected only the orders message, got %s", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("orders subscriber never received its message")
	}
}

func TestRedeliveryUntilBudgetThenDrop(t *testing.T) {
	dropped := make(chan transport.Envelope, 1)
	tr := startTransport(t,
		WithMaxDeliveries(3),
		WithDropHandler(func(env transport.Envelope, err error) { dropped <- env }))

	var attempts atomic.Int32
	err := tr.Subscribe(context.Background(), transport.SubscribeOptions{Endpoint: "orders", Group: "g"},
		func(ctx context.Context, env transport.Envelope) error {
			attempts.Add(1)
			return errors.New("still failing")
		})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	publish(t, tr, "orders", "Placed", transport.PublishOptions{})

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatalf("message was never dropped")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", got)
	}
}

func TestFailedThenSucceedingDelivery(t *testing.T) {
	tr := startTransport(t)

	done := make(chan int32, 1)
	var attempts atomic.Int32
	err := tr.Subscribe(context.Background(), transport.SubscribeOptions{Endpoint: "orders", Group: "g"},
		func(ctx context.Context, env transport.Envelope) error {
			if attempts.Add(1) < 3 {
				return errors.New("not yet")
			}
			done <- attempts.Load()
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	publish(t, tr, "orders", "Placed", transport.PublishOptions{})

	select {
	case got := <-done:
		if got != 3 {
			t.Fatalf("expected success on attempt 3, got %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message never succeeded")
	}
}

func TestDelayedPublish(t *testing.T) {
	tr := startTransport(t)
	if !tr.SupportsDelay() {
		t.Fatalf("expected native delay support")
	}

	got := make(chan time.Time, 1)
	err := tr.Subscribe(context.Background(), transport.SubscribeOptions{Endpoint: "orders", Group: "g"},
		func(ctx context.Context, env transport.Envelope) error {
			got <- time.Now()
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	before := time.Now()
	publish(t, tr, "orders", "Placed", transport.PublishOptions{Delay: 80 * time.Millisecond})

	select {
	case at := <-got:
		if elapsed := at.Sub(before); elapsed < 60*time.Millisecond {
			t.Fatalf("delivery arrived too early: %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("delayed message never arrived")
	}
}

func TestHeadersMergedAtPublish(t *testing.T) {
	tr := startTransport(t)

	got := make(chan transport.Envelope, 1)
	err := tr.Subscribe(context.Background(), transport.SubscribeOptions{Endpoint: "orders", Group: "g"},
		func(ctx context.Context, env transport.Envelope) error {
			got <- env
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	env, err := transport.NewEnvelope("Placed", nil)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	env.Headers = map[string]string{"a": "env", "b": "env"}
	err = tr.Publish(context.Background(), env, transport.PublishOptions{
		Endpoint: "orders",
		Headers:  map[string]string{"b": "opts", "c": "opts"},
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case delivered := <-got:
		if delivered.Header("a") != "env" || delivered.Header("b") != "opts" || delivered.Header("c") != "opts" {
			t.Fatalf("unexpected headers %v", delivered.Headers)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message never arrived")
	}
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	dropped := make(chan transport.Envelope, 1)
	tr := startTransport(t,
		WithMaxDeliveries(2),
		WithDropHandler(func(env transport.Envelope, err error) { dropped <- env }))

	err := tr.Subscribe(context.Background(), transport.SubscribeOptions{Endpoint: "orders", Group: "g"},
		func(ctx context.Context, env transport.Envelope) error {
			panic("handler bug")
		})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	publish(t, tr, "orders", "Placed", transport.PublishOptions{})

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatalf("panicking handler never exhausted its deliveries")
	}
}

func TestConcurrentWorkersShareQueue(t *testing.T) {
	tr := startTransport(t)

	const total = 20
	var mu sync.Mutex
	seen := make(map[string]bool, total)
	done := make(chan struct{})
	err := tr.Subscribe(context.Background(), transport.SubscribeOptions{Endpoint: "orders", Group: "g", Concurrency: 4},
		func(ctx context.Context, env transport.Envelope) error {
			mu.Lock()
			seen[env.ID] = true
			if len(seen) == total {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 0; i < total; i++ {
		publish(t, tr, "orders", "Placed", transport.PublishOptions{})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("expected %d distinct deliveries, got %d", total, len(seen))
	}
}

func TestPublishBeforeStartFails(t *testing.T) {
	tr := New()
	env, _ := transport.NewEnvelope("Placed", nil)
	if err := tr.Publish(context.Background(), env, transport.PublishOptions{Endpoint: "orders"}); err == nil {
		t.Fatalf("expected error publishing before Start")
	}
}
