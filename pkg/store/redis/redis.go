// Package redis provides a Redis-backed saga store.
//
// State records are JSON strings, the active correlation mapping is a
// separate key and armed timeouts live in one sorted set scored by deadline.
// Optimistic concurrency uses WATCH: a competing write between the version
// check and the transactional pipeline aborts the MULTI and surfaces as a
// conflict.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sagabus/sagabus/pkg/store"
)

const timeoutSetKey = "saga:timeouts"

// Store implements store.Store and store.TimeoutLister on a Redis client.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Option configures the store.
type Option func(*Store)

// WithKeyPrefix namespaces every key. Useful when the Redis instance is
// shared.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) dataKey(sagaName, sagaID string) string {
	return fmt.Sprintf("%ssaga:data:%s:%s", s.keyPrefix, sagaName, sagaID)
}

func (s *Store) corrKey(sagaName, correlationID string) string {
	return fmt.Sprintf("%ssaga:corr:%s:%s", s.keyPrefix, sagaName, correlationID)
}

func (s *Store) timeoutsKey() string {
	return s.keyPrefix + timeoutSetKey
}

func decode(data string) (*store.State, error) {
	var state store.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("redis: unmarshal state: %w", err)
	}
	return &state, nil
}

func (s *Store) LoadByCorrelation(ctx context.Context, sagaName, correlationID string) (*store.State, error) {
	sagaID, err := s.client.Get(ctx, s.corrKey(sagaName, correlationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis: load correlation: %w", err)
	}
	return s.LoadByID(ctx, sagaName, sagaID)
}

func (s *Store) LoadByID(ctx context.Context, sagaName, sagaID string) (*store.State, error) {
	data, err := s.client.Get(ctx, s.dataKey(sagaName, sagaID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis: load state: %w", err)
	}
	return decode(data)
}

func (s *Store) Insert(ctx context.Context, state *store.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: marshal state: %w", err)
	}

	dataKey := s.dataKey(state.SagaName, state.SagaID)
	corrKey := s.corrKey(state.SagaName, state.CorrelationID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		if _, err := tx.Get(ctx, dataKey).Result(); err == nil {
			return store.ErrAlreadyExists
		} else if !errors.Is(err, redis.Nil) {
			return err
		}
		if _, err := tx.Get(ctx, corrKey).Result(); err == nil {
			return store.ErrAlreadyExists
		} else if !errors.Is(err, redis.Nil) {
			return err
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dataKey, data, 0)
			if !state.IsCompleted {
				pipe.Set(ctx, corrKey, state.SagaID, 0)
			}
			s.pipeTimeout(ctx, pipe, state)
			return nil
		})
		return err
	}, dataKey, corrKey)

	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrAlreadyExists
	}
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("redis: insert: %w", err)
	}
	return err
}

func (s *Store) Update(ctx context.Context, state *store.State, expectedVersion int64) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: marshal state: %w", err)
	}

	dataKey := s.dataKey(state.SagaName, state.SagaID)
	corrKey := s.corrKey(state.SagaName, state.CorrelationID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, dataKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return store.ErrNotFound
			}
			return err
		}
		current, err := decode(raw)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return &store.ConflictError{Expected: expectedVersion, Actual: current.Version}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dataKey, data, 0)
			if state.IsCompleted {
				pipe.Del(ctx, corrKey)
			} else {
				pipe.Set(ctx, corrKey, state.SagaID, 0)
			}
			s.pipeClearTimeout(ctx, pipe, current)
			s.pipeTimeout(ctx, pipe, state)
			return nil
		})
		return err
	}, dataKey)

	if errors.Is(err, redis.TxFailedErr) {
		// Lost the race; report the version the winner left behind.
		actual := expectedVersion
		if current, loadErr := s.LoadByID(ctx, state.SagaName, state.SagaID); loadErr == nil {
			actual = current.Version
		}
		return &store.ConflictError{Expected: expectedVersion, Actual: actual}
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) && !store.IsConflict(err) {
		return fmt.Errorf("redis: update: %w", err)
	}
	return err
}

func (s *Store) Delete(ctx context.Context, sagaName, sagaID string) error {
	current, err := s.LoadByID(ctx, sagaName, sagaID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.dataKey(sagaName, sagaID))
		pipe.Del(ctx, s.corrKey(sagaName, current.CorrelationID))
		s.pipeClearTimeout(ctx, pipe, current)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete: %w", err)
	}
	return nil
}

func (s *Store) pipeTimeout(ctx context.Context, pipe redis.Pipeliner, state *store.State) {
	if state.IsCompleted || state.TimeoutAt == nil {
		return
	}
	rec := store.TimeoutRecord{
		SagaName:      state.SagaName,
		SagaID:        state.SagaID,
		CorrelationID: state.CorrelationID,
		TimeoutAt:     *state.TimeoutAt,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return
	}
	pipe.ZAdd(ctx, s.timeoutsKey(), redis.Z{
		Score:  float64(state.TimeoutAt.UnixNano()),
		Member: string(val),
	})
}

func (s *Store) pipeClearTimeout(ctx context.Context, pipe redis.Pipeliner, previous *store.State) {
	if previous == nil || previous.TimeoutAt == nil {
		return
	}
	rec := store.TimeoutRecord{
		SagaName:      previous.SagaName,
		SagaID:        previous.SagaID,
		CorrelationID: previous.CorrelationID,
		TimeoutAt:     *previous.TimeoutAt,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return
	}
	pipe.ZRem(ctx, s.timeoutsKey(), string(val))
}

// ListDueTimeouts reads the timeout sorted set up to the given instant.
func (s *Store) ListDueTimeouts(ctx context.Context, before time.Time, limit int) ([]store.TimeoutRecord, error) {
	rangeBy := &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", before.UnixNano()),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, s.timeoutsKey(), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list timeouts: %w", err)
	}

	recs := make([]store.TimeoutRecord, 0, len(members))
	for _, member := range members {
		var rec store.TimeoutRecord
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			return nil, fmt.Errorf("redis: unmarshal timeout record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
