package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promoguard/core/pkg/evidence"
)

// EvidenceLogger records audit events into the WORM evidence store, so the
// trail itself is tamper-evident. Events are content-addressed like every
// other evidence record.
type EvidenceLogger struct {
	store evidence.Store

	mu     sync.Mutex
	hashes []string
}

// NewEvidenceLogger wraps the evidence store as an audit sink.
func NewEvidenceLogger(s evidence.Store) *EvidenceLogger {
	return &EvidenceLogger{store: s}
}

// Record implements Logger. Fail-closed: a missing store is an error, not a
// silent drop.
func (l *EvidenceLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	if l.store == nil {
		return fmt.Errorf("fail-closed: audit evidence store not configured")
	}

	evt := Event{
		ID:        uuid.New().String(),
		ActorID:   actorFrom(ctx),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	ev, err := l.store.Put(ctx, evt)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}

	l.mu.Lock()
	l.hashes = append(l.hashes, ev.Hash)
	l.mu.Unlock()
	return nil
}

// Hashes returns the evidence hashes recorded so far, oldest first.
func (l *EvidenceLogger) Hashes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.hashes))
	copy(out, l.hashes)
	return out
}
