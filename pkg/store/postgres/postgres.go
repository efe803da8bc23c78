// Package postgres provides a Postgres-backed saga store on pgx.
//
// State lives in a single saga_state table with the user payload in a jsonb
// column. The active correlation mapping is enforced by a partial unique
// index and the version compare-and-swap is a conditional UPDATE.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagabus/sagabus/pkg/store"
)

// Schema is the DDL the store needs. EnsureSchema applies it; embedders with
// their own migration tooling can take the statement from here.
const Schema = `
CREATE TABLE IF NOT EXISTS saga_state (
    saga_name      text        NOT NULL,
    saga_id        text        NOT NULL,
    correlation_id text        NOT NULL,
    version        bigint      NOT NULL,
    is_completed   boolean     NOT NULL DEFAULT false,
    state          jsonb,
    metadata       jsonb,
    timeout_at     timestamptz,
    created_at     timestamptz NOT NULL,
    updated_at     timestamptz NOT NULL,
    PRIMARY KEY (saga_name, saga_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS saga_state_correlation_idx
    ON saga_state (saga_name, correlation_id) WHERE NOT is_completed;
CREATE INDEX IF NOT EXISTS saga_state_timeout_idx
    ON saga_state (timeout_at) WHERE timeout_at IS NOT NULL AND NOT is_completed;
`

const uniqueViolation = "23505"

// Store implements store.Store, store.TimeoutLister and store.Cleaner on a
// pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool for the given DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of it.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema applies Schema. Safe to call on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const stateColumns = `saga_name, saga_id, correlation_id, version, is_completed, state, metadata, timeout_at, created_at, updated_at`

func scanState(row pgx.Row) (*store.State, error) {
	var (
		st       store.State
		metadata []byte
	)
	err := row.Scan(&st.SagaName, &st.SagaID, &st.CorrelationID, &st.Version,
		&st.IsCompleted, &st.State, &metadata, &st.TimeoutAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan state: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &st.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal metadata: %w", err)
		}
	}
	return &st, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	return data, nil
}

func (s *Store) LoadByCorrelation(ctx context.Context, sagaName, correlationID string) (*store.State, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stateColumns+` FROM saga_state
		WHERE saga_name = $1 AND correlation_id = $2 AND NOT is_completed`,
		sagaName, correlationID)
	return scanState(row)
}

func (s *Store) LoadByID(ctx context.Context, sagaName, sagaID string) (*store.State, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stateColumns+` FROM saga_state
		WHERE saga_name = $1 AND saga_id = $2`,
		sagaName, sagaID)
	return scanState(row)
}

func (s *Store) Insert(ctx context.Context, state *store.State) error {
	metadata, err := marshalMetadata(state.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO saga_state (`+stateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		state.SagaName, state.SagaID, state.CorrelationID, state.Version,
		state.IsCompleted, []byte(state.State), metadata, state.TimeoutAt,
		state.CreatedAt, state.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, state *store.State, expectedVersion int64) error {
	metadata, err := marshalMetadata(state.Metadata)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `UPDATE saga_state SET
		correlation_id = $3, version = $4, is_completed = $5,
		state = $6, metadata = $7, timeout_at = $8, updated_at = $9
		WHERE saga_name = $1 AND saga_id = $2 AND version = $10`,
		state.SagaName, state.SagaID, state.CorrelationID, state.Version,
		state.IsCompleted, []byte(state.State), metadata, state.TimeoutAt,
		state.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("postgres: update: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// No row matched: distinguish a missing record from a version conflict.
	var actual int64
	err = s.pool.QueryRow(ctx, `SELECT version FROM saga_state
		WHERE saga_name = $1 AND saga_id = $2`,
		state.SagaName, state.SagaID).Scan(&actual)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("postgres: update conflict probe: %w", err)
	}
	return &store.ConflictError{Expected: expectedVersion, Actual: actual}
}

func (s *Store) Delete(ctx context.Context, sagaName, sagaID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM saga_state
		WHERE saga_name = $1 AND saga_id = $2`, sagaName, sagaID); err != nil {
		return fmt.Errorf("postgres: delete: %w", err)
	}
	return nil
}

// ListDueTimeouts returns active records with a deadline at or before the
// given instant, oldest first.
func (s *Store) ListDueTimeouts(ctx context.Context, before time.Time, limit int) ([]store.TimeoutRecord, error) {
	query := `SELECT saga_name, saga_id, correlation_id, timeout_at FROM saga_state
		WHERE timeout_at IS NOT NULL AND NOT is_completed AND timeout_at <= $1
		ORDER BY timeout_at`
	args := []any{before}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list timeouts: %w", err)
	}
	defer rows.Close()

	var recs []store.TimeoutRecord
	for rows.Next() {
		var rec store.TimeoutRecord
		if err := rows.Scan(&rec.SagaName, &rec.SagaID, &rec.CorrelationID, &rec.TimeoutAt); err != nil {
			return nil, fmt.Errorf("postgres: scan timeout: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list timeouts: %w", err)
	}
	return recs, nil
}

// DeleteCompletedBefore removes completed records not updated since the
// given instant.
func (s *Store) DeleteCompletedBefore(ctx context.Context, sagaName string, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM saga_state
		WHERE saga_name = $1 AND is_completed AND updated_at <= $2`,
		sagaName, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
