package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDisabledManagerIsInert(t *testing.T) {
	m := NoOpManager()
	if m.Enabled() {
		t.Fatalf("NoOpManager must be disabled")
	}

	// All recorder methods are no-ops on a disabled manager.
	m.RecordDelivery("order", "handled")
	m.RecordHandlerDuration("order", "Placed", time.Millisecond)
	m.RecordConcurrencyConflict("order")
	m.RecordRetryExhausted("order")
	m.RecordEffectPublished("order")
	m.RecordEffectFailure("order")
	m.RecordTimeoutScheduled("order")
	m.RecordTimeoutCancelled("order")
	m.RecordTimeoutFired("order")
	m.SetActiveLocks(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("disabled handler must 404, got %d", rec.Code)
	}
}

func TestEnabledManagerCollects(t *testing.T) {
	m := NewManager(DefaultConfig())
	if !m.Enabled() {
		t.Fatalf("expected manager to be enabled")
	}

	m.RecordDelivery("order", "handled")
	m.RecordDelivery("order", "completed")
	m.RecordHandlerDuration("order", "Placed", 5*time.Millisecond)
	m.RecordConcurrencyConflict("order")
	m.RecordRetryExhausted("order")
	m.RecordEffectPublished("order")
	m.RecordEffectFailure("order")
	m.RecordTimeoutScheduled("order")
	m.RecordTimeoutCancelled("order")
	m.RecordTimeoutFired("order")
	m.SetActiveLocks(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, metric := range []string{
		"saga_deliveries_total",
		"saga_handler_duration_seconds",
		"saga_concurrency_conflicts_total",
		"saga_retry_exhausted_total",
		"saga_effects_published_total",
		"saga_effect_failures_total",
		"saga_timeouts_scheduled_total",
		"saga_timeouts_cancelled_total",
		"saga_timeouts_fired_total",
		"saga_active_locks",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("metric %s missing from exposition", metric)
		}
	}
	if !strings.Contains(body, `saga_deliveries_total{result="handled",saga="order"} 1`) {
		t.Fatalf("delivery counter not labeled as expected:\n%s", body)
	}
	if !strings.Contains(body, "saga_active_locks 2") {
		t.Fatalf("active locks gauge not set:\n%s", body)
	}
}

func TestRegistryAcceptsCustomCollectors(t *testing.T) {
	m := NewManager(DefaultConfig())
	if m.Registry() == nil {
		t.Fatalf("enabled manager must expose its registry")
	}
	if NoOpManager().Registry() != nil {
		t.Fatalf("disabled manager has no registry")
	}
}
