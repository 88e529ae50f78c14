package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/promoguard/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// Checkpoint is the durable monitor state: the last-known view per tracked
// game plus the replay buffer contents at checkpoint time. Restoring it lets
// a restarted monitor resume without re-emitting already-processed events.
type Checkpoint struct {
	TakenAt time.Time                 `json:"taken_at"`
	Games   map[string]GameSnapshot   `json:"games"`
	Events  []contracts.GameEvent     `json:"events"`
}

// GameSnapshot is one game's persisted monitoring state.
type GameSnapshot struct {
	Phase GamePhase                    `json:"phase"`
	Last  *contracts.SourceObservation `json:"last,omitempty"`
}

// CheckpointStore persists monitor checkpoints.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	// Load returns nil when no checkpoint has been written yet.
	Load(ctx context.Context) (*Checkpoint, error)
}

// MemoryCheckpointStore keeps the latest checkpoint in memory, for tests and
// single-run tooling.
type MemoryCheckpointStore struct {
	cp *Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore { return &MemoryCheckpointStore{} }

// Save implements CheckpointStore.
func (m *MemoryCheckpointStore) Save(_ context.Context, cp Checkpoint) error {
	copied := cp
	m.cp = &copied
	return nil
}

// Load implements CheckpointStore.
func (m *MemoryCheckpointStore) Load(_ context.Context) (*Checkpoint, error) {
	return m.cp, nil
}

// SQLiteCheckpointStore keeps the latest checkpoint as a single JSON row.
type SQLiteCheckpointStore struct {
	db *sql.DB
}

// NewSQLiteCheckpointStore opens (or migrates) the checkpoint table on db.
func NewSQLiteCheckpointStore(db *sql.DB) (*SQLiteCheckpointStore, error) {
	s := &SQLiteCheckpointStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteCheckpointStore) migrate() error {
	stmt := `CREATE TABLE IF NOT EXISTS monitor_checkpoint (
		id       INTEGER PRIMARY KEY CHECK (id = 1),
		taken_at TEXT NOT NULL,
		payload  TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
		return fmt.Errorf("checkpoint migrate: %w", err)
	}
	return nil
}

// Save implements CheckpointStore with a single-row upsert.
func (s *SQLiteCheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monitor_checkpoint (id, taken_at, payload) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET taken_at = excluded.taken_at, payload = excluded.payload`,
		cp.TakenAt.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load implements CheckpointStore.
func (s *SQLiteCheckpointStore) Load(ctx context.Context) (*Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM monitor_checkpoint WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}
