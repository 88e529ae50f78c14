package monitor

import (
	"sync"

	"github.com/promoguard/core/pkg/contracts"
)

// ReplayBuffer is a fixed-capacity ring of emitted events. Once full, the
// oldest events are overwritten; the checkpointer persists the ring often
// enough that overwritten events have already been made durable.
type ReplayBuffer struct {
	mu    sync.Mutex
	ring  []contracts.GameEvent
	next  int
	count int
	seq   uint64
}

// NewReplayBuffer creates a ring with the given capacity.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ReplayBuffer{ring: make([]contracts.GameEvent, capacity)}
}

// Append records an event and returns its monotonic sequence number.
func (b *ReplayBuffer) Append(ev contracts.GameEvent) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.next] = ev
	b.next = (b.next + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}
	b.seq++
	return b.seq
}

// Snapshot returns the buffered events oldest-first.
func (b *ReplayBuffer) Snapshot() []contracts.GameEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]contracts.GameEvent, 0, b.count)
	start := b.next - b.count
	if start < 0 {
		start += len(b.ring)
	}
	for i := 0; i < b.count; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// Restore replaces the ring contents with the checkpointed events.
func (b *ReplayBuffer) Restore(events []contracts.GameEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.ring {
		b.ring[i] = contracts.GameEvent{}
	}
	b.next, b.count = 0, 0
	if len(events) > len(b.ring) {
		events = events[len(events)-len(b.ring):]
	}
	for _, ev := range events {
		b.ring[b.next] = ev
		b.next = (b.next + 1) % len(b.ring)
		b.count++
	}
	b.seq = uint64(len(events))
}

// Len reports the number of buffered events.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
