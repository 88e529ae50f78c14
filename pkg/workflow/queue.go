package workflow

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/promoguard/core/pkg/contracts"
)

// queueItem pairs an event with its arrival sequence so equal priorities
// drain FIFO.
type queueItem struct {
	event contracts.GameEvent
	seq   uint64
}

type eventHeap []queueItem

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	pi, pj := h[i].event.Priority(), h[j].event.Priority()
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(queueItem)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// eventQueue is a bounded priority queue: game_end drains before
// score_change, FIFO within a priority. Single consumer.
type eventQueue struct {
	mu       sync.Mutex
	items    eventHeap
	seq      uint64
	capacity int
	closed   bool
	signal   chan struct{}
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &eventQueue{capacity: capacity, signal: make(chan struct{}, 1)}
}

// Enqueue adds an event, failing when the queue is full or closed.
func (q *eventQueue) Enqueue(ev contracts.GameEvent) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("event queue closed")
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf("event queue full (%d events)", q.capacity)
	}
	q.seq++
	heap.Push(&q.items, queueItem{event: ev, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until an event is available, the queue closes empty, or ctx
// is cancelled.
func (q *eventQueue) Dequeue(ctx context.Context) (contracts.GameEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(queueItem)
			q.mu.Unlock()
			return item.event, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return contracts.GameEvent{}, false
		}

		select {
		case <-ctx.Done():
			return contracts.GameEvent{}, false
		case <-q.signal:
		}
	}
}

// Close stops accepting events; queued events still drain.
func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len reports the queued event count.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
