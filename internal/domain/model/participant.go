package model

import "time"

// ParticipantSummary aggregates a taker's activity across all auctions and
// chains. It is a pure derived cache: every column is recomputable from the
// Take set, and the store recomputes it inside the same transaction that
// mutates takes.
type ParticipantSummary struct {
	Taker            string    `db:"taker"`
	TotalTakeCount   int64     `db:"total_take_count"`
	UniqueRoundCount int64     `db:"unique_round_count"`
	TotalVolume      string    `db:"total_volume"` // want-token base units
	FirstSeen        time.Time `db:"first_seen"`
	LastSeen         time.Time `db:"last_seen"`
	UpdatedAt        time.Time `db:"updated_at"`
}
