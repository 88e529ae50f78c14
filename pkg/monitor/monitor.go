// Package monitor tracks live games and turns observed state changes into
// GameEvents. Each tracked game walks Unknown -> InProgress -> Final exactly
// once; emitted events land in a replay buffer that is checkpointed so a
// restart resumes where the last run left off. Delivery to listeners is
// at-least-once, so everything downstream keys on idempotent IDs.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promoguard/core/pkg/consensus"
	"github.com/promoguard/core/pkg/contracts"
)

// GamePhase is a game's position in the monitoring state machine.
type GamePhase string

const (
	PhaseUnknown    GamePhase = "unknown"
	PhaseInProgress GamePhase = "in_progress"
	PhaseFinal      GamePhase = "final"
)

// Listener receives emitted events. Listeners must not block; slow consumers
// should hand off to their own queue.
type Listener func(contracts.GameEvent)

// Config tunes the monitor.
type Config struct {
	PollInterval time.Duration
	// CheckpointEvery persists after this many appended events.
	CheckpointEvery int
	// CheckpointInterval persists on a timer even when the buffer is quiet.
	CheckpointInterval time.Duration
	ReplaySize         int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       15 * time.Second,
		CheckpointEvery:    16,
		CheckpointInterval: 30 * time.Second,
		ReplaySize:         1024,
	}
}

// Monitor polls consensus state for the active game set and emits
// transitions.
type Monitor struct {
	engine *consensus.Engine
	ckpt   CheckpointStore
	buffer *ReplayBuffer
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu            sync.Mutex
	games         map[string]*gameState
	listeners     map[string]Listener
	sinceCkpt     int
	lastCkpt      time.Time
	emittedEvents int64

	stopOnce sync.Once
	stopped  chan struct{}
}

type gameState struct {
	phase GamePhase
	last  *contracts.SourceObservation
}

// NewMonitor creates a monitor.
func NewMonitor(engine *consensus.Engine, ckpt CheckpointStore, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 16
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 30 * time.Second
	}
	if ckpt == nil {
		ckpt = NewMemoryCheckpointStore()
	}
	return &Monitor{
		engine:    engine,
		ckpt:      ckpt,
		buffer:    NewReplayBuffer(cfg.ReplaySize),
		cfg:       cfg,
		logger:    logger.With("component", "monitor"),
		clock:     time.Now,
		games:     make(map[string]*gameState),
		listeners: make(map[string]Listener),
		stopped:   make(chan struct{}),
	}
}

// WithClock overrides the clock for tests.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Restore loads the last checkpoint, if any, and resumes from it.
func (m *Monitor) Restore(ctx context.Context) error {
	cp, err := m.ckpt.Load(ctx)
	if err != nil {
		return err
	}
	if cp == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for gameID, snap := range cp.Games {
		m.games[gameID] = &gameState{phase: snap.Phase, last: snap.Last}
	}
	m.buffer.Restore(cp.Events)
	m.lastCkpt = cp.TakenAt
	m.logger.Info("checkpoint restored",
		"games", len(cp.Games), "buffered_events", len(cp.Events), "taken_at", cp.TakenAt)
	return nil
}

// MonitorGame adds a game to the active set. Re-adding a tracked game is a
// no-op so restarts do not reset progress.
func (m *Monitor) MonitorGame(gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.games[gameID]; ok {
		return
	}
	m.games[gameID] = &gameState{phase: PhaseUnknown}
	m.logger.Info("monitoring game", "game_id", gameID)
}

// StopMonitoring removes a game from the active set.
func (m *Monitor) StopMonitoring(gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.games, gameID)
	m.logger.Info("stopped monitoring game", "game_id", gameID)
}

// ActiveGames lists the tracked game IDs.
func (m *Monitor) ActiveGames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.games))
	for id := range m.games {
		out = append(out, id)
	}
	return out
}

// AddEventListener registers a listener and returns its handle.
func (m *Monitor) AddEventListener(l Listener) string {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[id] = l
	return id
}

// RemoveEventListener unregisters a listener by handle.
func (m *Monitor) RemoveEventListener(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

// Observe applies one reconciled observation to its game's state machine and
// delivers whatever events the transition produced. It is the single place
// transitions happen, shared by the poll loop and by tests driving
// observations directly.
func (m *Monitor) Observe(obs contracts.SourceObservation) []contracts.GameEvent {
	m.mu.Lock()
	state, tracked := m.games[obs.GameID]
	if !tracked {
		m.mu.Unlock()
		return nil
	}

	events := m.transition(state, obs)
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	needCkpt := false
	if len(events) > 0 {
		for _, ev := range events {
			m.buffer.Append(ev)
			m.emittedEvents++
		}
		m.sinceCkpt += len(events)
		needCkpt = m.sinceCkpt >= m.cfg.CheckpointEvery
	}
	m.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
	if needCkpt {
		if err := m.Checkpoint(context.Background()); err != nil {
			m.logger.Error("checkpoint failed", "error", err)
		}
	}
	return events
}

// transition must be called with m.mu held.
func (m *Monitor) transition(state *gameState, obs contracts.SourceObservation) []contracts.GameEvent {
	if state.phase == PhaseFinal {
		// Re-observed final games emit nothing.
		return nil
	}

	now := m.clock().UTC()
	var events []contracts.GameEvent
	emit := func(t contracts.GameEventType, triggered bool) {
		events = append(events, contracts.GameEvent{
			EventID:          uuid.NewString(),
			GameID:           obs.GameID,
			EventType:        t,
			Timestamp:        now,
			CurrentState:     obs,
			Triggered:        triggered,
			ProcessingStatus: contracts.EventPending,
		})
	}

	if state.phase == PhaseUnknown {
		emit(contracts.EventGameStart, false)
		state.phase = PhaseInProgress
	} else if state.last != nil &&
		(state.last.HomeScore != obs.HomeScore || state.last.AwayScore != obs.AwayScore) {
		emit(contracts.EventScoreChange, true)
	}

	if obs.IsFinal {
		emit(contracts.EventGameEnd, true)
		state.phase = PhaseFinal
	}

	copied := obs
	state.last = &copied
	return events
}

// Checkpoint persists the current state and replay buffer.
func (m *Monitor) Checkpoint(ctx context.Context) error {
	m.mu.Lock()
	cp := Checkpoint{
		TakenAt: m.clock().UTC(),
		Games:   make(map[string]GameSnapshot, len(m.games)),
		Events:  m.buffer.Snapshot(),
	}
	for id, st := range m.games {
		cp.Games[id] = GameSnapshot{Phase: st.phase, Last: st.last}
	}
	m.sinceCkpt = 0
	m.lastCkpt = cp.TakenAt
	m.mu.Unlock()

	return m.ckpt.Save(ctx, cp)
}

// Run polls until ctx is cancelled, checkpointing on the configured timer.
func (m *Monitor) Run(ctx context.Context) {
	poll := time.NewTicker(m.cfg.PollInterval)
	ckpt := time.NewTicker(m.cfg.CheckpointInterval)
	defer poll.Stop()
	defer ckpt.Stop()
	defer close(m.stopped)

	for {
		select {
		case <-ctx.Done():
			if err := m.Checkpoint(context.Background()); err != nil {
				m.logger.Error("final checkpoint failed", "error", err)
			}
			return
		case <-poll.C:
			m.pollOnce(ctx)
		case <-ckpt.C:
			if err := m.Checkpoint(ctx); err != nil {
				m.logger.Error("periodic checkpoint failed", "error", err)
			}
		}
	}
}

// Done is closed once Run has exited.
func (m *Monitor) Done() <-chan struct{} { return m.stopped }

func (m *Monitor) pollOnce(ctx context.Context) {
	for _, gameID := range m.ActiveGames() {
		result, err := m.engine.Evaluate(ctx, gameID)
		if err != nil {
			m.logger.Warn("poll evaluation failed", "game_id", gameID, "error", err)
			continue
		}
		if result.GameData == nil {
			// Unresolved disagreement; wait for the next poll or a human.
			m.logger.Warn("poll produced no reconciled data", "game_id", gameID, "status", result.Status)
			continue
		}
		m.Observe(*result.GameData)
	}
}

// Stats summarizes monitor activity for the console.
type Stats struct {
	ActiveGames    int       `json:"active_games"`
	BufferedEvents int       `json:"buffered_events"`
	EmittedEvents  int64     `json:"emitted_events"`
	LastCheckpoint time.Time `json:"last_checkpoint,omitempty"`
}

// Stats returns a snapshot.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveGames:    len(m.games),
		BufferedEvents: m.buffer.Len(),
		EmittedEvents:  m.emittedEvents,
		LastCheckpoint: m.lastCkpt,
	}
}
