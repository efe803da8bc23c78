package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sagabus/sagabus/pkg/store"
)

func record(sagaName, sagaID, correlationID string) *store.State {
	now := time.Now().UTC()
	return &store.State{
		SagaName:      sagaName,
		SagaID:        sagaID,
		CorrelationID: correlationID,
		State:         json.RawMessage(`{"n":1}`),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestInsertAndLoad(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Insert(ctx, record("order", "id-1", "corr-1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	byCorr, err := s.LoadByCorrelation(ctx, "order", "corr-1")
	if err != nil {
		t.Fatalf("LoadByCorrelation() error = %v", err)
	}
	if byCorr.SagaID != "id-1" || byCorr.Version != 0 {
		t.Fatalf("unexpected record %+v", byCorr)
	}

	byID, err := s.LoadByID(ctx, "order", "id-1")
	if err != nil {
		t.Fatalf("LoadByID() error = %v", err)
	}
	if byID.CorrelationID != "corr-1" {
		t.Fatalf("unexpected record %+v", byID)
	}

	if _, err := s.LoadByCorrelation(ctx, "order", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.LoadByCorrelation(ctx, "other", "corr-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("saga names must partition the keyspace, got %v", err)
	}
}

func TestInsertDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Insert(ctx, record("order", "id-1", "corr-1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.Insert(ctx, record("order", "id-1", "corr-2")); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate saga id, got %v", err)
	}
	if err := s.Insert(ctx, record("order", "id-2", "corr-1")); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate correlation, got %v", err)
	}
}

func TestUpdateVersionCheck(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Insert(ctx, record("order", "id-1", "corr-1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	next := record("order", "id-1", "corr-1")
	next.Version = 1
	if err := s.Update(ctx, next, 0); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	stale := record("order", "id-1", "corr-1")
	stale.Version = 1
	err := s.Update(ctx, stale, 0)
	if !store.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		if conflict.Expected != 0 || conflict.Actual != 1 {
			t.Fatalf("unexpected conflict detail %+v", conflict)
		}
	}

	if err := s.Update(ctx, record("order", "id-missing", "x"), 0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompletionReleasesCorrelation(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Insert(ctx, record("order", "id-1", "corr-1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	completed := record("order", "id-1", "corr-1")
	completed.Version = 1
	completed.IsCompleted = true
	if err := s.Update(ctx, completed, 0); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, err := s.LoadByCorrelation(ctx, "order", "corr-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("completed record must release the correlation, got %v", err)
	}
	if _, err := s.LoadByID(ctx, "order", "id-1"); err != nil {
		t.Fatalf("completed record must stay loadable by id, got %v", err)
	}

	// The freed correlation can be claimed by a new instance.
	if err := s.Insert(ctx, record("order", "id-2", "corr-1")); err != nil {
		t.Fatalf("reinsert after completion error = %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Insert(ctx, record("order", "id-1", "corr-1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.Delete(ctx, "order", "id-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "order", "id-1"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if _, err := s.LoadByCorrelation(ctx, "order", "corr-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("delete must drop the correlation mapping, got %v", err)
	}
}

func TestLoadsReturnCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Insert(ctx, record("order", "id-1", "corr-1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	loaded, _ := s.LoadByID(ctx, "order", "id-1")
	loaded.State[0] = 'X'
	loaded.Version = 99

	again, _ := s.LoadByID(ctx, "order", "id-1")
	if again.Version != 0 || string(again.State) != `{"n":1}` {
		t.Fatalf("stored record was mutated through a loaded copy: %+v", again)
	}
}

func TestListDueTimeouts(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, spec := range []struct {
		id      string
		timeout time.Duration
	}{
		{"id-late", 3 * time.Hour},
		{"id-soon", time.Hour},
		{"id-mid", 2 * time.Hour},
	} {
		rec := record("order", spec.id, spec.id+"-corr")
		at := base.Add(spec.timeout)
		rec.TimeoutAt = &at
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("insert %d error = %v", i, err)
		}
	}
	noTimeout := record("order", "id-none", "none-corr")
	if err := s.Insert(ctx, noTimeout); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	recs, err := s.ListDueTimeouts(ctx, base.Add(150*time.Minute), 0)
	if err != nil {
		t.Fatalf("ListDueTimeouts() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 due timeouts, got %d", len(recs))
	}
	if recs[0].SagaID != "id-soon" || recs[1].SagaID != "id-mid" {
		t.Fatalf("expected deadline order, got %s then %s", recs[0].SagaID, recs[1].SagaID)
	}

	limited, err := s.ListDueTimeouts(ctx, base.Add(4*time.Hour), 1)
	if err != nil {
		t.Fatalf("ListDueTimeouts() error = %v", err)
	}
	if len(limited) != 1 || limited[0].SagaID != "id-soon" {
		t.Fatalf("limit must keep the earliest deadline, got %+v", limited)
	}
}

func TestDeleteCompletedBefore(t *testing.T) {
	s := New()
	ctx := context.Background()
	cutoff := time.Now().UTC()

	old := record("order", "id-old", "corr-old")
	old.IsCompleted = true
	old.UpdatedAt = cutoff.Add(-time.Hour)
	fresh := record("order", "id-fresh", "corr-fresh")
	fresh.IsCompleted = true
	fresh.UpdatedAt = cutoff.Add(time.Hour)
	active := record("order", "id-active", "corr-active")
	active.UpdatedAt = cutoff.Add(-time.Hour)

	for _, rec := range []*store.State{old, fresh, active} {
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert(%s) error = %v", rec.SagaID, err)
		}
	}

	removed, err := s.DeleteCompletedBefore(ctx, "order", cutoff)
	if err != nil {
		t.Fatalf("DeleteCompletedBefore() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := s.LoadByID(ctx, "order", "id-old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old completed record must be gone, got %v", err)
	}
	if _, err := s.LoadByID(ctx, "order", "id-active"); err != nil {
		t.Fatalf("active record must survive, got %v", err)
	}
	if _, err := s.LoadByID(ctx, "order", "id-fresh"); err != nil {
		t.Fatalf("fresh completed record must survive, got %v", err)
	}
}
