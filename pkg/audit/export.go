package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrTrailNotConfigured is returned when export is invoked without a backing trail.
	ErrTrailNotConfigured = errors.New("audit: trail not configured (fail-closed)")
)

// Trail is a queryable source of recorded audit events.
type Trail interface {
	Events(start, end time.Time) []Event
}

// MemoryTrail is a Logger that retains events in memory for querying and
// export. Suitable for the single-process deployment; a durable trail would
// sit behind the same interface.
type MemoryTrail struct {
	mu     sync.Mutex
	events []Event
	clock  func() time.Time
}

// NewMemoryTrail creates an empty in-memory trail.
func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{clock: time.Now}
}

// Record implements Logger.
func (m *MemoryTrail) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	evt := Event{
		ID:        newEventID(),
		ActorID:   actorFrom(ctx),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: m.clock(),
		Metadata:  metadata,
	}
	m.mu.Lock()
	m.events = append(m.events, evt)
	m.mu.Unlock()
	return nil
}

// Events implements Trail. Zero bounds mean unbounded on that side.
func (m *MemoryTrail) Events(start, end time.Time) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if !start.IsZero() && e.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ExportRequest defines what to export.
type ExportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter bundles the audit trail into a downloadable evidence pack.
type Exporter struct {
	trail Trail
}

func NewExporter(t Trail) *Exporter {
	return &Exporter{trail: t}
}

// GeneratePack creates a zip file containing the audit events and a manifest,
// and returns the zip bytes with their sha256 checksum.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.trail == nil {
		return nil, "", ErrTrailNotConfigured
	}

	events := e.trail.Events(req.StartTime, req.EndTime)

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", err
	}

	manifest := map[string]interface{}{
		"generated_at": time.Now(),
		"event_count":  len(events),
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(eventsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Audit trail export\nGenerated at %s\n", time.Now())

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	checksum := hex.EncodeToString(hash[:])

	return zipBytes, checksum, nil
}
