package model

import (
	"time"

	"github.com/google/uuid"
)

// Auction is the reference configuration for one deployed auction contract,
// identified by (chain, address). Created on the first observed deployment
// event and never mutated; parameter updates create AuctionConfigVersion rows.
type Auction struct {
	ID              uuid.UUID `db:"id"`
	Chain           Chain     `db:"chain"`
	Address         string    `db:"address"`
	WantToken       string    `db:"want_token"`
	DeployedAtBlock int64     `db:"deployed_at_block"`
	DeployTxHash    string    `db:"deploy_tx_hash"`
	IsActive        bool      `db:"is_active"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// AuctionConfigVersion is one immutable version of an auction's pricing
// parameters, effective from a given block. The version in force for a round
// is the latest one with EffectiveFromBlock <= the round's kick block, so
// historical price recomputation stays correct after parameter updates.
type AuctionConfigVersion struct {
	ID                   uuid.UUID `db:"id"`
	Chain                Chain     `db:"chain"`
	AuctionAddress       string    `db:"auction_address"`
	EffectiveFromBlock   int64     `db:"effective_from_block"`
	PriceUpdateInterval  int64     `db:"price_update_interval"`  // seconds per decay step
	DecayRatePerStep     string    `db:"decay_rate_per_step"`    // ray-scaled decimal string, in (0, 1]
	FixedStartingPrice   *string   `db:"fixed_starting_price"`   // ray-scaled; nil means dynamic
	AuctionLengthSeconds int64     `db:"auction_length_seconds"`
	CreatedAt            time.Time `db:"created_at"`
}
