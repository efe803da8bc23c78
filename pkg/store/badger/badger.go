// Package badger provides a Badger-backed saga store.
//
// Layout: one data key per instance, one correlation index key per active
// instance and one timeout index key per armed timeout. The timeout index
// embeds the deadline as fixed-width unix nanos so a prefix scan yields
// deadlines in order. Badger transactions are serializable, which makes the
// version compare-and-swap a plain read-modify-write inside db.Update.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sagabus/sagabus/pkg/store"
)

// Config holds configuration for the Badger store.
type Config struct {
	Path       string
	SyncWrites bool
	// InMemory runs Badger without files. Tests use it.
	InMemory bool
}

// Store implements store.Store, store.TimeoutLister and store.Cleaner on a
// Badger database.
type Store struct {
	db *badger.DB
}

// New opens the database at cfg.Path.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("badger: config is required")
	}
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.InMemory = cfg.InMemory
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", cfg.Path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func dataKey(sagaName, sagaID string) []byte {
	return []byte(fmt.Sprintf("saga:data:%s:%s", sagaName, sagaID))
}

func corrKey(sagaName, correlationID string) []byte {
	return []byte(fmt.Sprintf("saga:corr:%s:%s", sagaName, correlationID))
}

func timeoutKey(at time.Time, sagaName, sagaID string) []byte {
	return []byte(fmt.Sprintf("saga:timeout:%020d:%s:%s", at.UnixNano(), sagaName, sagaID))
}

var timeoutPrefix = []byte("saga:timeout:")

func encode(state *store.State) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("badger: marshal state: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*store.State, error) {
	var state store.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("badger: unmarshal state: %w", err)
	}
	return &state, nil
}

func getState(txn *badger.Txn, key []byte) (*store.State, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var state *store.State
	err = item.Value(func(val []byte) error {
		state, err = decode(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) LoadByCorrelation(ctx context.Context, sagaName, correlationID string) (*store.State, error) {
	var state *store.State
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(corrKey(sagaName, correlationID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		var sagaID string
		if err := item.Value(func(val []byte) error {
			sagaID = string(val)
			return nil
		}); err != nil {
			return err
		}
		state, err = getState(txn, dataKey(sagaName, sagaID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) LoadByID(ctx context.Context, sagaName, sagaID string) (*store.State, error) {
	var state *store.State
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		state, err = getState(txn, dataKey(sagaName, sagaID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) Insert(ctx context.Context, state *store.State) error {
	data, err := encode(state)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(dataKey(state.SagaName, state.SagaID)); err == nil {
			return store.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get(corrKey(state.SagaName, state.CorrelationID)); err == nil {
			return store.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(dataKey(state.SagaName, state.SagaID), data); err != nil {
			return err
		}
		if !state.IsCompleted {
			if err := txn.Set(corrKey(state.SagaName, state.CorrelationID), []byte(state.SagaID)); err != nil {
				return err
			}
		}
		return s.writeTimeoutIndex(txn, nil, state)
	})
}

func (s *Store) Update(ctx context.Context, state *store.State, expectedVersion int64) error {
	data, err := encode(state)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		current, err := getState(txn, dataKey(state.SagaName, state.SagaID))
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return &store.ConflictError{Expected: expectedVersion, Actual: current.Version}
		}

		if err := txn.Set(dataKey(state.SagaName, state.SagaID), data); err != nil {
			return err
		}

		ck := corrKey(state.SagaName, state.CorrelationID)
		if state.IsCompleted {
			if err := deleteCorrIfOwned(txn, ck, state.SagaID); err != nil {
				return err
			}
		} else if err := txn.Set(ck, []byte(state.SagaID)); err != nil {
			return err
		}

		return s.writeTimeoutIndex(txn, current, state)
	})
}

func (s *Store) Delete(ctx context.Context, sagaName, sagaID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		current, err := getState(txn, dataKey(sagaName, sagaID))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}

		if err := txn.Delete(dataKey(sagaName, sagaID)); err != nil {
			return err
		}
		if err := deleteCorrIfOwned(txn, corrKey(sagaName, current.CorrelationID), sagaID); err != nil {
			return err
		}
		if current.TimeoutAt != nil {
			return txn.Delete(timeoutKey(*current.TimeoutAt, sagaName, sagaID))
		}
		return nil
	})
}

// deleteCorrIfOwned removes the correlation mapping only when it still points
// at this instance.
func deleteCorrIfOwned(txn *badger.Txn, key []byte, sagaID string) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	var owner string
	if err := item.Value(func(val []byte) error {
		owner = string(val)
		return nil
	}); err != nil {
		return err
	}
	if owner != sagaID {
		return nil
	}
	return txn.Delete(key)
}

// writeTimeoutIndex reconciles the timeout index entry for a state change.
func (s *Store) writeTimeoutIndex(txn *badger.Txn, previous, next *store.State) error {
	if previous != nil && previous.TimeoutAt != nil {
		if err := txn.Delete(timeoutKey(*previous.TimeoutAt, previous.SagaName, previous.SagaID)); err != nil {
			return err
		}
	}
	if next.IsCompleted || next.TimeoutAt == nil {
		return nil
	}
	rec := store.TimeoutRecord{
		SagaName:      next.SagaName,
		SagaID:        next.SagaID,
		CorrelationID: next.CorrelationID,
		TimeoutAt:     *next.TimeoutAt,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("badger: marshal timeout record: %w", err)
	}
	return txn.Set(timeoutKey(*next.TimeoutAt, next.SagaName, next.SagaID), val)
}

// ListDueTimeouts scans the timeout index in deadline order.
func (s *Store) ListDueTimeouts(ctx context.Context, before time.Time, limit int) ([]store.TimeoutRecord, error) {
	var recs []store.TimeoutRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = timeoutPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec store.TimeoutRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.TimeoutAt.After(before) {
				// Keys sort by deadline, so nothing later qualifies.
				return nil
			}
			recs = append(recs, rec)
			if limit > 0 && len(recs) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// DeleteCompletedBefore removes completed records not updated since the
// given instant.
func (s *Store) DeleteCompletedBefore(ctx context.Context, sagaName string, before time.Time) (int, error) {
	prefix := []byte(fmt.Sprintf("saga:data:%s:", sagaName))
	removed := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var state *store.State
			if err := item.Value(func(val []byte) error {
				var err error
				state, err = decode(val)
				return err
			}); err != nil {
				return err
			}
			if !state.IsCompleted || state.UpdatedAt.After(before) {
				continue
			}
			stale = append(stale, item.KeyCopy(nil))
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
