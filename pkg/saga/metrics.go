package saga

import "time"

// Delivery result labels reported to the MetricsRecorder.
const (
	ResultHandled   = "handled"
	ResultCompleted = "completed"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

// MetricsRecorder receives runtime measurements. The bus ships with a no-op
// recorder; pkg/metrics provides a Prometheus-backed one.
type MetricsRecorder interface {
	RecordDelivery(sagaName, result string)
	RecordHandlerDuration(sagaName, msgType string, d time.Duration)
	RecordConcurrencyConflict(sagaName string)
	RecordRetryExhausted(sagaName string)
	RecordEffectPublished(sagaName string)
	RecordEffectFailure(sagaName string)
	RecordTimeoutScheduled(sagaName string)
	RecordTimeoutCancelled(sagaName string)
	RecordTimeoutFired(sagaName string)
	SetActiveLocks(n int)
}

// NopMetricsRecorder discards all measurements.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) RecordDelivery(string, string)                       {}
func (NopMetricsRecorder) RecordHandlerDuration(string, string, time.Duration) {}
func (NopMetricsRecorder) RecordConcurrencyConflict(string)                    {}
func (NopMetricsRecorder) RecordRetryExhausted(string)                         {}
func (NopMetricsRecorder) RecordEffectPublished(string)                        {}
func (NopMetricsRecorder) RecordEffectFailure(string)                          {}
func (NopMetricsRecorder) RecordTimeoutScheduled(string)                       {}
func (NopMetricsRecorder) RecordTimeoutCancelled(string)                       {}
func (NopMetricsRecorder) RecordTimeoutFired(string)                           {}
func (NopMetricsRecorder) SetActiveLocks(int)                                  {}
