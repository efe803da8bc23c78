// Package store defines the persistence contract for saga state.
//
// Backends implement Store; the runtime drives it exclusively through the
// orchestrator's gateway. Cross-process safety relies on the version column:
// Update is a compare-and-swap on the stored version.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no state exists for the requested key.
var ErrNotFound = errors.New("store: saga state not found")

// ErrAlreadyExists is returned by Insert when the primary key or the active
// correlation mapping is already taken.
var ErrAlreadyExists = errors.New("store: saga state already exists")

// ConflictError reports an optimistic-concurrency failure on Update.
type ConflictError struct {
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: version conflict: expected %d, actual %d", e.Expected, e.Actual)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// State is the durable record for one saga instance.
//
// The user payload is the opaque State blob; everything else is runtime
// metadata the orchestrator owns. Version starts at 0 on insert and every
// successful update writes the loaded version plus exactly one.
type State struct {
	SagaName      string            `json:"saga_name"`
	SagaID        string            `json:"saga_id"`
	CorrelationID string            `json:"correlation_id"`
	Version       int64             `json:"version"`
	IsCompleted   bool              `json:"is_completed"`
	State         json.RawMessage   `json:"state,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	TimeoutAt     *time.Time        `json:"timeout_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	if s.State != nil {
		clone.State = append(json.RawMessage(nil), s.State...)
	}
	if s.Metadata != nil {
		clone.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	if s.TimeoutAt != nil {
		at := *s.TimeoutAt
		clone.TimeoutAt = &at
	}
	return &clone
}

// Store provides persistence for saga state records.
//
// Implementations must be safe for concurrent use. They do not retry and do
// not cache; both are the orchestrator's responsibility.
type Store interface {
	// LoadByCorrelation returns the state mapped to (sagaName, correlationID),
	// or ErrNotFound.
	LoadByCorrelation(ctx context.Context, sagaName, correlationID string) (*State, error)

	// LoadByID returns the state keyed by (sagaName, sagaID), or ErrNotFound.
	LoadByID(ctx context.Context, sagaName, sagaID string) (*State, error)

	// Insert persists a new record. It fails with ErrAlreadyExists when
	// (sagaName, sagaID) is taken or when an active record already holds the
	// same (sagaName, correlationID) mapping.
	Insert(ctx context.Context, state *State) error

	// Update overwrites the record keyed by (state.SagaName, state.SagaID)
	// when its stored version equals expectedVersion; otherwise it fails with
	// a ConflictError carrying the expected and actual versions. A missing
	// record fails with ErrNotFound.
	Update(ctx context.Context, state *State, expectedVersion int64) error

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, sagaName, sagaID string) error
}

// TimeoutRecord identifies a pending saga timeout.
type TimeoutRecord struct {
	SagaName      string
	SagaID        string
	CorrelationID string
	TimeoutAt     time.Time
}

// TimeoutLister is an optional Store capability. The scheduler sweeps it at
// bus start to rebuild its in-memory timer queue.
type TimeoutLister interface {
	// ListDueTimeouts returns active (not completed) records with a timeout
	// at or before the given instant, oldest first, up to limit (0 = all).
	ListDueTimeouts(ctx context.Context, before time.Time, limit int) ([]TimeoutRecord, error)
}

// Cleaner is an optional Store capability for retention sweeps. The runtime
// never calls it; archival of completed sagas is a user-driven concern.
type Cleaner interface {
	// DeleteCompletedBefore removes completed records not updated since the
	// given instant and reports how many were removed.
	DeleteCompletedBefore(ctx context.Context, sagaName string, before time.Time) (int, error)
}
