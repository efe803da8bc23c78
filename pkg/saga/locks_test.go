package saga

import (
	"sync"
	"testing"
)

func TestLockTableSerializesSameKey(t *testing.T) {
	locks := newLockTable()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.acquire("s", "k")
			counter++
			release()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
	if locks.len() != 0 {
		t.Fatalf("expected empty table after release, got %d entries", locks.len())
	}
}

func TestLockTableIndependentKeys(t *testing.T) {
	locks := newLockTable()

	releaseA := locks.acquire("s", "a")
	done := make(chan struct{})
	go func() {
		release := locks.acquire("s", "b")
		release()
		close(done)
	}()
	<-done
	releaseA()

	if locks.len() != 0 {
		t.Fatalf("expected empty table, got %d entries", locks.len())
	}
}

func TestLockTableReleaseIsIdempotent(t *testing.T) {
	locks := newLockTable()
	release := locks.acquire("s", "k")
	release()
	release()

	// A second acquire must succeed after the double release.
	release = locks.acquire("s", "k")
	release()
	if locks.len() != 0 {
		t.Fatalf("expected empty table, got %d entries", locks.len())
	}
}
