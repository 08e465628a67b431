package ticker

import (
	"sync"

	"kite_clickhouse/metrics"
)

// eventQueue is the bounded ring buffer between the read loop and the
// handler goroutine. Backpressure policy: when full, the oldest queued tick
// batch is dropped; lifecycle events (connect, close, error, reconnect,
// order update) are never dropped — if the queue is full of nothing but
// those, push blocks until the dispatcher drains one.
type eventQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf      []event
	head     int
	count    int
	capacity int
	closed   bool

	dropped int64
}

func newEventQueue(capacity int) *eventQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &eventQueue{
		buf:      make([]event, capacity),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues ev, applying the backpressure policy when full.
// Returns false if the queue has been closed.
func (q *eventQueue) push(ev event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == q.capacity {
		if q.closed {
			return false
		}
		if q.dropOldestTickLocked() {
			q.dropped++
			metrics.IncrementDroppedBatches()
			break
		}
		q.cond.Wait()
	}

	if q.closed {
		return false
	}

	q.buf[(q.head+q.count)%q.capacity] = ev
	q.count++
	q.cond.Broadcast()
	return true
}

// pop blocks until an event is available or the queue is closed. A closed
// queue discards anything still buffered: close means no further handler
// invocations, not drain-then-stop.
func (q *eventQueue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.closed {
		return event{}, false
	}

	ev := q.buf[q.head]
	q.buf[q.head] = event{}
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.cond.Broadcast()
	return ev, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *eventQueue) droppedBatches() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// dropOldestTickLocked removes the oldest tick event from the ring.
// Returns false when no tick event is queued.
func (q *eventQueue) dropOldestTickLocked() bool {
	for i := 0; i < q.count; i++ {
		if q.buf[(q.head+i)%q.capacity].kind != eventTick {
			continue
		}
		for j := i; j < q.count-1; j++ {
			q.buf[(q.head+j)%q.capacity] = q.buf[(q.head+j+1)%q.capacity]
		}
		q.buf[(q.head+q.count-1)%q.capacity] = event{}
		q.count--
		return true
	}
	return false
}
