package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/sagabus/sagabus/pkg/store"
)

// gateway is the orchestrator's view of the store. It normalizes the miss
// case to (nil, nil) and wraps backend errors with operation context while
// preserving the taxonomy (%w keeps ConflictError and the sentinels visible
// to errors.Is/As).
type gateway struct {
	store store.Store
}

func (g gateway) loadByCorrelation(ctx context.Context, sagaName, correlationID string) (*store.State, error) {
	state, err := g.store.LoadByCorrelation(ctx, sagaName, correlationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("saga: load %s/%s: %w", sagaName, correlationID, err)
	}
	return state, nil
}

func (g gateway) insert(ctx context.Context, state *store.State) error {
	if err := g.store.Insert(ctx, state); err != nil {
		return fmt.Errorf("saga: insert %s/%s: %w", state.SagaName, state.SagaID, err)
	}
	return nil
}

func (g gateway) update(ctx context.Context, state *store.State, expectedVersion int64) error {
	if err := g.store.Update(ctx, state, expectedVersion); err != nil {
		return fmt.Errorf("saga: update %s/%s: %w", state.SagaName, state.SagaID, err)
	}
	return nil
}

// retryableCommit reports whether a failed commit should be retried with a
// fresh load: a version conflict, or a creation race where another process
// inserted the instance first.
func retryableCommit(err error) bool {
	return store.IsConflict(err) || errors.Is(err, store.ErrAlreadyExists)
}
