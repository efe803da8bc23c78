package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initRecorder registers the collectors behind the saga.MetricsRecorder
// methods.
func (m *Manager) initRecorder(cfg Config) {
	m.deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_deliveries_total",
			Help: "Total saga message deliveries by outcome",
		},
		[]string{"saga", "result"},
	)

	m.handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_handler_duration_seconds",
			Help:    "Saga handler execution duration in seconds",
			Buckets: cfg.HandlerDurationBuckets,
		},
		[]string{"saga", "msg_type"},
	)

	m.conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_concurrency_conflicts_total",
			Help: "Total optimistic-concurrency commit conflicts",
		},
		[]string{"saga"},
	)

	m.retryExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_retry_exhausted_total",
			Help: "Total deliveries rejected after exhausting commit retries",
		},
		[]string{"saga"},
	)

	m.effectsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_effects_published_total",
			Help: "Total outbound messages dispatched after commit",
		},
		[]string{"saga"},
	)

	m.effectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_effect_failures_total",
			Help: "Total effect dispatch failures",
		},
		[]string{"saga"},
	)

	m.timeoutsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_timeouts_scheduled_total",
			Help: "Total saga timeouts armed",
		},
		[]string{"saga"},
	)

	m.timeoutsCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_timeouts_cancelled_total",
			Help: "Total saga timeouts cancelled before firing",
		},
		[]string{"saga"},
	)

	m.timeoutsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_timeouts_fired_total",
			Help: "Total saga timeouts fired",
		},
		[]string{"saga"},
	)

	m.activeLocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_active_locks",
			Help: "Current number of held per-instance locks",
		},
	)

	m.registry.MustRegister(m.deliveries)
	m.registry.MustRegister(m.handlerDuration)
	m.registry.MustRegister(m.conflicts)
	m.registry.MustRegister(m.retryExhausted)
	m.registry.MustRegister(m.effectsPublished)
	m.registry.MustRegister(m.effectFailures)
	m.registry.MustRegister(m.timeoutsScheduled)
	m.registry.MustRegister(m.timeoutsCancelled)
	m.registry.MustRegister(m.timeoutsFired)
	m.registry.MustRegister(m.activeLocks)
}

// RecordDelivery counts one delivery outcome.
func (m *Manager) RecordDelivery(sagaName, result string) {
	if !m.enabled {
		return
	}
	m.deliveries.WithLabelValues(sagaName, result).Inc()
}

// RecordHandlerDuration records handler latency.
func (m *Manager) RecordHandlerDuration(sagaName, msgType string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.handlerDuration.WithLabelValues(sagaName, msgType).Observe(d.Seconds())
}

// RecordConcurrencyConflict counts one commit conflict.
func (m *Manager) RecordConcurrencyConflict(sagaName string) {
	if !m.enabled {
		return
	}
	m.conflicts.WithLabelValues(sagaName).Inc()
}

// RecordRetryExhausted counts one delivery that spent its retry budget.
func (m *Manager) RecordRetryExhausted(sagaName string) {
	if !m.enabled {
		return
	}
	m.retryExhausted.WithLabelValues(sagaName).Inc()
}

// RecordEffectPublished counts one dispatched outbound message.
func (m *Manager) RecordEffectPublished(sagaName string) {
	if !m.enabled {
		return
	}
	m.effectsPublished.WithLabelValues(sagaName).Inc()
}

// RecordEffectFailure counts one failed effect dispatch.
func (m *Manager) RecordEffectFailure(sagaName string) {
	if !m.enabled {
		return
	}
	m.effectFailures.WithLabelValues(sagaName).Inc()
}

// RecordTimeoutScheduled counts one armed timeout.
func (m *Manager) RecordTimeoutScheduled(sagaName string) {
	if !m.enabled {
		return
	}
	m.timeoutsScheduled.WithLabelValues(sagaName).Inc()
}

// RecordTimeoutCancelled counts one cancelled timeout.
func (m *Manager) RecordTimeoutCancelled(sagaName string) {
	if !m.enabled {
		return
	}
	m.timeoutsCancelled.WithLabelValues(sagaName).Inc()
}

// RecordTimeoutFired counts one fired timeout.
func (m *Manager) RecordTimeoutFired(sagaName string) {
	if !m.enabled {
		return
	}
	m.timeoutsFired.WithLabelValues(sagaName).Inc()
}

// SetActiveLocks sets the held-locks gauge.
func (m *Manager) SetActiveLocks(n int) {
	if !m.enabled {
		return
	}
	m.activeLocks.Set(float64(n))
}
