package model

import (
	"time"

	"github.com/google/uuid"
)

type RoundState string

const (
	// RoundStatePending exists for completeness; rounds are only ever
	// created already-kicked, so this state is never stored.
	RoundStatePending  RoundState = "pending"
	RoundStateActive   RoundState = "active"
	RoundStateDepleted RoundState = "depleted"
	RoundStateExpired  RoundState = "expired"
)

func (s RoundState) String() string {
	return string(s)
}

// Terminal reports whether no further takes may be applied to a round in
// this state. Terminal states are only ever left by a reorg correction.
func (s RoundState) Terminal() bool {
	return s == RoundStateDepleted || s == RoundStateExpired
}

// Round is one decaying-price sale cycle, identified by
// (chain, auction_address, round_id) with round_id strictly increasing per
// auction from 1. Rollup columns (total_taken, total_take_count,
// cumulative_volume) are always recomputed from the distinct take set,
// never incremented blindly.
type Round struct {
	ID                   uuid.UUID  `db:"id"`
	Chain                Chain      `db:"chain"`
	AuctionAddress       string     `db:"auction_address"`
	RoundID              int64      `db:"round_id"`
	FromToken            string     `db:"from_token"`
	KickedAt             time.Time  `db:"kicked_at"`
	KickBlock            int64      `db:"kick_block"`
	KickTxHash           string     `db:"kick_tx_hash"`
	KickLogIndex         int64      `db:"kick_log_index"`
	InitialAvailable     string     `db:"initial_available"`      // base-unit integer string
	DynamicStartingPrice *string    `db:"dynamic_starting_price"` // ray-scaled, captured at kick
	State                RoundState `db:"state"`
	TotalTaken           string     `db:"total_taken"`
	TotalTakeCount       int64      `db:"total_take_count"`
	CumulativeVolume     string     `db:"cumulative_volume"` // want-token base units
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
}
