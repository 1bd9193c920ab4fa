package event

import (
	"time"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

// DeployEvent announces a newly deployed auction contract together with its
// initial pricing parameters.
type DeployEvent struct {
	Chain                model.Chain `json:"chain"`
	AuctionAddress       string      `json:"auction_address"`
	WantToken            string      `json:"want_token"`
	PriceUpdateInterval  int64       `json:"price_update_interval"`
	DecayRatePerStep     string      `json:"decay_rate_per_step"` // ray-scaled decimal string
	FixedStartingPrice   *string     `json:"fixed_starting_price,omitempty"`
	AuctionLengthSeconds int64       `json:"auction_length_seconds"`
	BlockNumber          int64       `json:"block_number"`
	BlockHash            string      `json:"block_hash"`
	ParentHash           string      `json:"parent_hash"`
	TxHash               string      `json:"tx_hash"`
	LogIndex             int64       `json:"log_index"`
	Timestamp            time.Time   `json:"timestamp"`
}

// ParamsUpdateEvent carries a parameter change for a live auction. It never
// mutates existing configuration; the ingester records it as a new
// configuration version effective from BlockNumber.
type ParamsUpdateEvent struct {
	Chain                model.Chain `json:"chain"`
	AuctionAddress       string      `json:"auction_address"`
	PriceUpdateInterval  int64       `json:"price_update_interval"`
	DecayRatePerStep     string      `json:"decay_rate_per_step"`
	FixedStartingPrice   *string     `json:"fixed_starting_price,omitempty"`
	AuctionLengthSeconds int64       `json:"auction_length_seconds"`
	BlockNumber          int64       `json:"block_number"`
	BlockHash            string      `json:"block_hash"`
	ParentHash           string      `json:"parent_hash"`
	TxHash               string      `json:"tx_hash"`
	LogIndex             int64       `json:"log_index"`
	Timestamp            time.Time   `json:"timestamp"`
}

// KickEvent starts a round. RoundID may be nil, in which case the ingester
// assigns previous max + 1 for the auction.
type KickEvent struct {
	Chain           model.Chain `json:"chain"`
	AuctionAddress  string      `json:"auction_address"`
	FromToken       string      `json:"from_token"`
	RoundID         *int64      `json:"round_id,omitempty"`
	AvailableAmount string      `json:"available_amount"`
	StartingPrice   string      `json:"starting_price"` // ray-scaled, observed at kick
	BlockNumber     int64       `json:"block_number"`
	BlockHash       string      `json:"block_hash"`
	ParentHash      string      `json:"parent_hash"`
	TxHash          string      `json:"tx_hash"`
	LogIndex        int64       `json:"log_index"`
	Timestamp       time.Time   `json:"timestamp"`
}

// TakeEvent is a purchase against an active round.
type TakeEvent struct {
	Chain          model.Chain `json:"chain"`
	AuctionAddress string      `json:"auction_address"`
	RoundID        int64       `json:"round_id"`
	Taker          string      `json:"taker"`
	AmountTaken    string      `json:"amount_taken"`
	AmountPaid     string      `json:"amount_paid"`
	BlockNumber    int64       `json:"block_number"`
	BlockHash      string      `json:"block_hash"`
	ParentHash     string      `json:"parent_hash"`
	TxHash         string      `json:"tx_hash"`
	LogIndex       int64       `json:"log_index"`
	Timestamp      time.Time   `json:"timestamp"`
}

// DisableEvent deactivates an auction; later kicks for it are rejected as
// sequencing errors.
type DisableEvent struct {
	Chain          model.Chain `json:"chain"`
	AuctionAddress string      `json:"auction_address"`
	BlockNumber    int64       `json:"block_number"`
	BlockHash      string      `json:"block_hash"`
	ParentHash     string      `json:"parent_hash"`
	TxHash         string      `json:"tx_hash"`
	LogIndex       int64       `json:"log_index"`
	Timestamp      time.Time   `json:"timestamp"`
}
