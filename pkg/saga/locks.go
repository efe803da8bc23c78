package saga

import "sync"

// lockTable serializes invocations per (sagaName, correlationID) within one
// process. Entries are reference counted and removed when the last holder
// releases, so the table stays proportional to in-flight work.
type lockTable struct {
	mu      sync.Mutex
	entries map[lockKey]*lockEntry
}

type lockKey struct {
	sagaName      string
	correlationID string
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[lockKey]*lockEntry)}
}

// acquire blocks until the key's lock is held and returns the release func.
func (t *lockTable) acquire(sagaName, correlationID string) func() {
	key := lockKey{sagaName: sagaName, correlationID: correlationID}

	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok {
		entry = &lockEntry{}
		t.entries[key] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()

			t.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(t.entries, key)
			}
			t.mu.Unlock()
		})
	}
}

// len reports the number of keys with at least one holder or waiter.
func (t *lockTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
