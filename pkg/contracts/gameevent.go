package contracts

import "time"

// GameEventType categorizes a detected game transition.
type GameEventType string

const (
	EventGameStart   GameEventType = "game_start"
	EventScoreChange GameEventType = "score_change"
	EventGameEnd     GameEventType = "game_end"
)

// EventProcessingStatus tracks an event through the orchestrator.
type EventProcessingStatus string

const (
	EventPending    EventProcessingStatus = "pending"
	EventInProgress EventProcessingStatus = "in_progress"
	EventProcessed  EventProcessingStatus = "processed"
	EventParked     EventProcessingStatus = "parked" // retries exhausted, manual review
)

// GameEvent is an emitted game-state transition. Events are appended to the
// monitor's replay buffer and delivered at-least-once: downstream consumers
// must tolerate duplicates via idempotency keys.
type GameEvent struct {
	EventID          string                `json:"event_id"`
	GameID           string                `json:"game_id"`
	EventType        GameEventType         `json:"event_type"`
	Timestamp        time.Time             `json:"timestamp"`
	CurrentState     SourceObservation     `json:"current_state"`
	Triggered        bool                  `json:"triggered"` // warrants workflow execution
	ProcessingStatus EventProcessingStatus `json:"processing_status"`
	RetryCount       int                   `json:"retry_count"`
}

// Priority orders events in the orchestrator queue: game_end outranks
// score_change, which outranks game_start.
func (e GameEvent) Priority() int {
	switch e.EventType {
	case EventGameEnd:
		return 2
	case EventScoreChange:
		return 1
	default:
		return 0
	}
}
