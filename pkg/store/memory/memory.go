// Package memory provides an in-memory saga store. It implements the full
// optimistic-concurrency contract plus the TimeoutLister and Cleaner
// capabilities, and is the reference backend for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sagabus/sagabus/pkg/store"
)

type key struct {
	sagaName string
	second   string // sagaID or correlationID depending on the index
}

// Store keeps saga state in process memory. All reads return deep copies so
// callers can never mutate stored records in place.
type Store struct {
	mu     sync.RWMutex
	byID   map[key]*store.State
	byCorr map[key]string // active correlation mapping to sagaID
}

// New creates an empty store.
func New() *Store {
	return &Store{
		byID:   make(map[key]*store.State),
		byCorr: make(map[key]string),
	}
}

func (s *Store) LoadByCorrelation(ctx context.Context, sagaName, correlationID string) (*store.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sagaID, ok := s.byCorr[key{sagaName, correlationID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.byID[key{sagaName, sagaID}].Clone(), nil
}

func (s *Store) LoadByID(ctx context.Context, sagaName, sagaID string) (*store.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.byID[key{sagaName, sagaID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return state.Clone(), nil
}

func (s *Store) Insert(ctx context.Context, state *store.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idKey := key{state.SagaName, state.SagaID}
	if _, ok := s.byID[idKey]; ok {
		return store.ErrAlreadyExists
	}
	corrKey := key{state.SagaName, state.CorrelationID}
	if _, ok := s.byCorr[corrKey]; ok {
		return store.ErrAlreadyExists
	}

	s.byID[idKey] = state.Clone()
	if !state.IsCompleted {
		s.byCorr[corrKey] = state.SagaID
	}
	return nil
}

func (s *Store) Update(ctx context.Context, state *store.State, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idKey := key{state.SagaName, state.SagaID}
	current, ok := s.byID[idKey]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return &store.ConflictError{Expected: expectedVersion, Actual: current.Version}
	}

	s.byID[idKey] = state.Clone()

	// Completion releases the correlation mapping for reuse.
	corrKey := key{state.SagaName, state.CorrelationID}
	if state.IsCompleted {
		if s.byCorr[corrKey] == state.SagaID {
			delete(s.byCorr, corrKey)
		}
	} else {
		s.byCorr[corrKey] = state.SagaID
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sagaName, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idKey := key{sagaName, sagaID}
	state, ok := s.byID[idKey]
	if !ok {
		return nil
	}
	delete(s.byID, idKey)
	corrKey := key{sagaName, state.CorrelationID}
	if s.byCorr[corrKey] == sagaID {
		delete(s.byCorr, corrKey)
	}
	return nil
}

// ListDueTimeouts returns active records with a timeout at or before the
// given instant, oldest deadline first.
func (s *Store) ListDueTimeouts(ctx context.Context, before time.Time, limit int) ([]store.TimeoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []store.TimeoutRecord
	for _, state := range s.byID {
		if state.IsCompleted || state.TimeoutAt == nil || state.TimeoutAt.After(before) {
			continue
		}
		recs = append(recs, store.TimeoutRecord{
			SagaName:      state.SagaName,
			SagaID:        state.SagaID,
			CorrelationID: state.CorrelationID,
			TimeoutAt:     *state.TimeoutAt,
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].TimeoutAt.Before(recs[j].TimeoutAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// DeleteCompletedBefore removes completed records not updated since the
// given instant.
func (s *Store) DeleteCompletedBefore(ctx context.Context, sagaName string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, state := range s.byID {
		if k.sagaName != sagaName || !state.IsCompleted || state.UpdatedAt.After(before) {
			continue
		}
		delete(s.byID, k)
		removed++
	}
	return removed, nil
}
