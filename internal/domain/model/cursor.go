package model

import "time"

// IndexerCursor tracks ingestion progress per chain. The cursor only
// advances after a durable commit of the unit of work that consumed the
// block, which guarantees at-least-once redelivery over loss on restart.
type IndexerCursor struct {
	Chain              Chain     `db:"chain"`
	LastConfirmedBlock int64     `db:"last_confirmed_block"`
	LastBlockHash      string    `db:"last_block_hash"`
	ItemsProcessed     int64     `db:"items_processed"`
	UpdatedAt          time.Time `db:"updated_at"`
}
