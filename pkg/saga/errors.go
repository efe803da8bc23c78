package saga

import (
	"errors"
	"fmt"
)

// ErrDefinitionInvalid marks a saga definition that failed validation.
// Concrete failures are DefinitionError values matching this sentinel.
var ErrDefinitionInvalid = errors.New("saga: definition invalid")

// ErrBusClosed is returned when a message reaches a bus that is draining or
// stopped. The transport treats it like any handler error and redelivers.
var ErrBusClosed = errors.New("saga: bus is not accepting messages")

// DefinitionError describes why a definition failed validation.
type DefinitionError struct {
	Definition string
	Reason     string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("saga: definition %q invalid: %s", e.Definition, e.Reason)
}

func (e *DefinitionError) Is(target error) bool {
	return target == ErrDefinitionInvalid
}

func definitionErr(name, format string, args ...any) error {
	return &DefinitionError{Definition: name, Reason: fmt.Sprintf(format, args...)}
}

// ExhaustedError is surfaced when the optimistic-concurrency retry budget is
// spent without a successful commit. The delivery is rejected so the
// transport can redeliver.
type ExhaustedError struct {
	SagaName      string
	CorrelationID string
	Attempts      int
	Last          error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("saga: %s/%s: concurrency retries exhausted after %d attempts: %v",
		e.SagaName, e.CorrelationID, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// HandlerPanicError wraps a panic recovered from a handler body. The delivery
// is rejected and redelivered per the transport's policy.
type HandlerPanicError struct {
	SagaName string
	MsgType  string
	Value    any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("saga: %s: handler for %s panicked: %v", e.SagaName, e.MsgType, e.Value)
}
