package saga

import (
	"container/heap"
	"sync"
	"time"
)

// timeoutKey identifies the single pending timeout a saga instance may hold.
type timeoutKey struct {
	sagaName string
	sagaID   string
}

// timerItem is one entry in the scheduler heap. Keyed items carry a sequence
// number; an item whose sequence no longer matches the pending map is a
// tombstone and is discarded on pop instead of firing.
type timerItem struct {
	at    time.Time
	seq   uint64
	key   timeoutKey
	keyed bool
	fire  func()
	index int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// scheduler is a single-goroutine timer wheel over a min-heap. It backs saga
// timeouts (keyed, last-wins, cancellable) and bridges delayed publishes on
// transports without native delay support (unkeyed, fire-and-forget).
type scheduler struct {
	mu      sync.Mutex
	heap    timerHeap
	pending map[timeoutKey]uint64
	seq     uint64

	now  func() time.Time
	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	started bool
	stopped bool
}

func newScheduler(now func() time.Time) *scheduler {
	if now == nil {
		now = time.Now
	}
	return &scheduler{
		pending: make(map[timeoutKey]uint64),
		now:     now,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *scheduler) start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.run()
}

func (s *scheduler) shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stop)
	if started {
		<-s.done
	}
}

// at schedules fn to run once t is reached. Not cancellable.
func (s *scheduler) at(t time.Time, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.seq++
	heap.Push(&s.heap, &timerItem{at: t, seq: s.seq, fire: fn})
	s.mu.Unlock()
	s.kick()
}

// setKeyed arms (or re-arms) the timeout for key. Any earlier entry for the
// same key becomes a tombstone.
func (s *scheduler) setKeyed(key timeoutKey, t time.Time, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.seq++
	s.pending[key] = s.seq
	heap.Push(&s.heap, &timerItem{at: t, seq: s.seq, key: key, keyed: true, fire: fn})
	s.mu.Unlock()
	s.kick()
}

// cancel disarms the timeout for key. The heap entry stays behind as a
// tombstone and is dropped when it surfaces.
func (s *scheduler) cancel(key timeoutKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[key]; !ok {
		return false
	}
	delete(s.pending, key)
	return true
}

// pendingCount reports the number of armed keyed timeouts.
func (s *scheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		fires, wait := s.collect()
		for _, fire := range fires {
			go fire()
		}

		if wait < 0 {
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}

		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-s.stop:
			if !timer.Stop() {
				<-timer.C
			}
			return
		}
	}
}

// collect pops every due live entry and returns their fire funcs plus the
// wait until the next live entry (negative when the heap has none).
func (s *scheduler) collect() ([]func(), time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var fires []func()
	for len(s.heap) > 0 {
		next := s.heap[0]
		if next.keyed && s.pending[next.key] != next.seq {
			heap.Pop(&s.heap)
			continue
		}
		if next.at.After(now) {
			return fires, next.at.Sub(now)
		}
		heap.Pop(&s.heap)
		if next.keyed {
			delete(s.pending, next.key)
		}
		fires = append(fires, next.fire)
	}
	return fires, -1
}
