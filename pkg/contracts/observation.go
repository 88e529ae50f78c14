// Package contracts defines the shared domain types exchanged between the
// fetch, consensus, validation, and workflow layers. Types here are plain
// data: construction happens at the producing component and values are
// treated as immutable once handed off.
package contracts

import "time"

// SourceID identifies an upstream game-data provider.
type SourceID string

const (
	// SourceStatsFeed is the commercial stats aggregator feed.
	SourceStatsFeed SourceID = "stats_feed"
	// SourceLeagueAPI is the league-official scoreboard API.
	SourceLeagueAPI SourceID = "league_api"
)

// SourceObservation is one provider's snapshot of a game at fetch time.
// Never mutated after construction; re-fetching produces a new value.
type SourceObservation struct {
	Source     SourceID  `json:"source"`
	GameID     string    `json:"game_id"`
	HomeTeam   string    `json:"home_team,omitempty"`
	AwayTeam   string    `json:"away_team,omitempty"`
	HomeScore  int       `json:"home_score"`
	AwayScore  int       `json:"away_score"`
	IsFinal    bool      `json:"is_final"`
	Period     string    `json:"period,omitempty"`
	ObservedAt time.Time `json:"observed_at"` // provider-reported time
	FetchedAt  time.Time `json:"fetched_at"`  // local wall clock at fetch
}

// ScoreTuple is the comparable portion of an observation used by the
// consensus agreement rule: two sources agree iff their tuples are equal.
type ScoreTuple struct {
	HomeScore int  `json:"home_score"`
	AwayScore int  `json:"away_score"`
	IsFinal   bool `json:"is_final"`
}

// Tuple extracts the agreement tuple from an observation.
func (o SourceObservation) Tuple() ScoreTuple {
	return ScoreTuple{HomeScore: o.HomeScore, AwayScore: o.AwayScore, IsFinal: o.IsFinal}
}

// Staleness is the gap between local fetch time and the provider-reported
// observation time. Negative gaps (provider clock ahead) count as zero.
func (o SourceObservation) Staleness() time.Duration {
	d := o.FetchedAt.Sub(o.ObservedAt)
	if d < 0 {
		return 0
	}
	return d
}
