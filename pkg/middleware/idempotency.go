package middleware

import (
	"container/list"
	"context"
	"sync"

	"github.com/sagabus/sagabus/pkg/saga"
)

// SeenStore records envelope IDs whose handling already committed. The store
// only has to be best-effort: a false negative costs one redundant handler
// run, which the runtime tolerates anyway.
type SeenStore interface {
	Seen(ctx context.Context, sagaName, envelopeID string) (bool, error)
	Mark(ctx context.Context, sagaName, envelopeID string) error
}

// Idempotency acknowledges deliveries whose envelope ID was already
// committed for the same saga, without running the handler. IDs are marked
// only after a successful commit, so a failed delivery stays retryable.
func Idempotency(seen SeenStore) saga.Middleware {
	return func(pc *saga.PipelineContext, next func() error) error {
		dup, err := seen.Seen(pc.Ctx, pc.SagaName, pc.Envelope.ID)
		if err == nil && dup {
			return nil
		}

		if err := next(); err != nil {
			return err
		}
		if pc.PostState != nil {
			// Mark failures are ignored: worst case the duplicate runs again.
			_ = seen.Mark(pc.Ctx, pc.SagaName, pc.Envelope.ID)
		}
		return nil
	}
}

// MemorySeenStore is a fixed-capacity LRU SeenStore for single-process use.
type MemorySeenStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewMemorySeenStore creates a SeenStore retaining the most recent capacity
// envelope IDs.
func NewMemorySeenStore(capacity int) *MemorySeenStore {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemorySeenStore{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (s *MemorySeenStore) Seen(ctx context.Context, sagaName, envelopeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.index[sagaName+"\x00"+envelopeID]
	if ok {
		s.order.MoveToFront(elem)
	}
	return ok, nil
}

func (s *MemorySeenStore) Mark(ctx context.Context, sagaName, envelopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := sagaName + "\x00" + envelopeID
	if elem, ok := s.index[k]; ok {
		s.order.MoveToFront(elem)
		return nil
	}
	s.index[k] = s.order.PushFront(k)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
	return nil
}
