package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TakeKey is the natural identity of a take: the chain coordinates of the
// emitting log. Sequence counters are deliberately not part of the key so
// that identity is deterministic under redelivery and replay.
type TakeKey struct {
	Chain          Chain
	AuctionAddress string
	RoundID        int64
	TxHash         string
	LogIndex       int64
}

func (k TakeKey) String() string {
	return fmt.Sprintf("%s:%s:%d:%s:%d", k.Chain, k.AuctionAddress, k.RoundID, k.TxHash, k.LogIndex)
}

// Take is a partial or full purchase against an active round. Immutable once
// finalized past the reorg-safety depth; retractable before that.
type Take struct {
	ID             uuid.UUID `db:"id"`
	Chain          Chain     `db:"chain"`
	AuctionAddress string    `db:"auction_address"`
	RoundID        int64     `db:"round_id"`
	TxHash         string    `db:"tx_hash"`
	LogIndex       int64     `db:"log_index"`
	Taker          string    `db:"taker"`
	AmountTaken    string    `db:"amount_taken"` // base-unit integer string
	AmountPaid     string    `db:"amount_paid"`  // want-token base units
	BlockNumber    int64     `db:"block_number"`
	BlockHash      string    `db:"block_hash"`
	Timestamp      time.Time `db:"block_time"`
	Finalized      bool      `db:"finalized"`
	CreatedAt      time.Time `db:"created_at"`
}

func (t *Take) Key() TakeKey {
	return TakeKey{
		Chain:          t.Chain,
		AuctionAddress: t.AuctionAddress,
		RoundID:        t.RoundID,
		TxHash:         t.TxHash,
		LogIndex:       t.LogIndex,
	}
}
