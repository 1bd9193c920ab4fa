package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// UpsertResult describes the outcome of a natural-key upsert.
type UpsertResult struct {
	Inserted bool // First insertion; false means the row already existed.
}

// AuctionRepository provides access to auction registry and configuration
// version data.
type AuctionRepository interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, a *model.Auction) (UpsertResult, error)
	Find(ctx context.Context, chain model.Chain, address string) (*model.Auction, error)
	FindTx(ctx context.Context, tx *sql.Tx, chain model.Chain, address string) (*model.Auction, error)
	SetActiveTx(ctx context.Context, tx *sql.Tx, chain model.Chain, address string, active bool) error
	List(ctx context.Context, chain model.Chain) ([]model.Auction, error)

	InsertConfigVersionTx(ctx context.Context, tx *sql.Tx, v *model.AuctionConfigVersion) (UpsertResult, error)
	ConfigAt(ctx context.Context, chain model.Chain, address string, block int64) (*model.AuctionConfigVersion, error)
	ConfigAtTx(ctx context.Context, tx *sql.Tx, chain model.Chain, address string, block int64) (*model.AuctionConfigVersion, error)
	DeleteConfigVersionsFromBlockTx(ctx context.Context, tx *sql.Tx, chain model.Chain, fromBlock int64) error
}

// RoundRepository provides access to round data. FindForUpdateTx locks the
// row for the duration of the enclosing transaction so concurrent takes on
// the same round serialize.
type RoundRepository interface {
	InsertTx(ctx context.Context, tx *sql.Tx, r *model.Round) (UpsertResult, error)
	Find(ctx context.Context, chain model.Chain, auction string, roundID int64) (*model.Round, error)
	FindForUpdateTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string, roundID int64) (*model.Round, error)
	MaxRoundIDTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string) (int64, error)
	CurrentRound(ctx context.Context, chain model.Chain, auction string) (*model.Round, error)
	CurrentRoundTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string) (*model.Round, error)
	ListByState(ctx context.Context, chain model.Chain, state model.RoundState) ([]model.Round, error)
	UpdateStateTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string, roundID int64, state model.RoundState) error
	// ExpireSupersededTx marks every active round of the auction except
	// keepRoundID as expired and returns how many rows changed.
	ExpireSupersededTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string, keepRoundID int64) (int64, error)
	UpdateRollupTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string, roundID int64, totalTaken string, takeCount int64, volume string, state model.RoundState) error
	// DeleteFromBlockTx removes rounds kicked at or above fromBlock and
	// returns the deleted rows so supersession on the surviving rounds can
	// be re-evaluated.
	DeleteFromBlockTx(ctx context.Context, tx *sql.Tx, chain model.Chain, fromBlock int64) ([]model.Round, error)
	// RoundsTouchedFromBlock lists rounds kicked below fromBlock that have
	// takes at or above it; their rollups need recomputation after a
	// retraction.
	RoundsTouchedFromBlockTx(ctx context.Context, tx *sql.Tx, chain model.Chain, fromBlock int64) ([]model.Round, error)
}

// TakeRepository provides access to take data. Upserts resolve duplicates by
// the (chain, auction_address, round_id, tx_hash, log_index) natural key.
type TakeRepository interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, t *model.Take) (UpsertResult, error)
	ListByRoundTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string, roundID int64) ([]*model.Take, error)
	ListByRound(ctx context.Context, chain model.Chain, auction string, roundID int64) ([]*model.Take, error)
	ListByTaker(ctx context.Context, taker string, limit int) ([]*model.Take, error)
	// DeleteProvisionalFromBlockTx removes non-finalized takes at or above
	// fromBlock and returns the deleted rows so rollups can be recomputed.
	DeleteProvisionalFromBlockTx(ctx context.Context, tx *sql.Tx, chain model.Chain, fromBlock int64) ([]*model.Take, error)
	MarkFinalizedTx(ctx context.Context, tx *sql.Tx, chain model.Chain, upToBlock int64) (int64, error)
}

// ParticipantRepository materializes per-taker rollups. Summaries span all
// chains and auctions, so methods key by taker alone.
type ParticipantRepository interface {
	// RecomputeTx rewrites the taker's summary row from the surviving take
	// set inside the same transaction that changed it.
	RecomputeTx(ctx context.Context, tx *sql.Tx, taker string) error
	Find(ctx context.Context, taker string) (*model.ParticipantSummary, error)
	TopByVolume(ctx context.Context, limit int) ([]model.ParticipantSummary, error)
	DeleteEmptyTx(ctx context.Context, tx *sql.Tx) error
}

// CursorRepository provides access to per-chain ingestion watermarks.
type CursorRepository interface {
	Get(ctx context.Context, chain model.Chain) (*model.IndexerCursor, error)
	EnsureExists(ctx context.Context, chain model.Chain) error
	UpsertTx(ctx context.Context, tx *sql.Tx, chain model.Chain, lastBlock int64, lastHash string, itemsProcessed int64) error
	RewindTx(ctx context.Context, tx *sql.Tx, chain model.Chain, toBlock int64, toHash string) error
}

// IndexedBlockRepository provides access to indexed block metadata for reorg
// detection and finality promotion.
type IndexedBlockRepository interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, block *model.IndexedBlock) error
	GetByBlockNumber(ctx context.Context, chain model.Chain, blockNumber int64) (*model.IndexedBlock, error)
	GetUnfinalized(ctx context.Context, chain model.Chain) ([]model.IndexedBlock, error)
	LatestBlockNumber(ctx context.Context, chain model.Chain) (int64, error)
	UpdateFinalityTx(ctx context.Context, tx *sql.Tx, chain model.Chain, upToBlock int64, newState string) (int64, error)
	DeleteFromBlockTx(ctx context.Context, tx *sql.Tx, chain model.Chain, fromBlock int64) error
	PurgeFinalizedBefore(ctx context.Context, chain model.Chain, beforeBlock int64) (int64, error)
}

// SummaryCache is a read-through cache for derived query responses. A nil
// implementation is valid; callers treat every cache error as a miss.
type SummaryCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}
