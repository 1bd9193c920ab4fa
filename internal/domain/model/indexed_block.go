package model

import "time"

const (
	BlockFinalityPending   = "pending"
	BlockFinalityFinalized = "finalized"
)

// IndexedBlock records the hash of each block the ingestion layer has
// applied events from. Provisional (pending) blocks drive reorg detection:
// a hash change at a previously seen height is the reorg trigger.
type IndexedBlock struct {
	Chain         Chain      `db:"chain"`
	BlockNumber   int64      `db:"block_number"`
	BlockHash     string     `db:"block_hash"`
	ParentHash    string     `db:"parent_hash"`
	FinalityState string     `db:"finality_state"`
	BlockTime     *time.Time `db:"block_time"`
	CreatedAt     time.Time  `db:"created_at"`
}
