package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
)

type RoundRepo struct {
	db *DB
}

func NewRoundRepo(db *DB) *RoundRepo {
	return &RoundRepo{db: db}
}

const roundColumns = `id, chain, auction_address, round_id, from_token, kicked_at,
	kick_block, kick_tx_hash, kick_log_index, initial_available,
	dynamic_starting_price, state, total_taken, total_take_count,
	cumulative_volume, created_at, updated_at`

func scanRoundRow(s interface{ Scan(...any) error }) (*model.Round, error) {
	var r model.Round
	err := s.Scan(
		&r.ID, &r.Chain, &r.AuctionAddress, &r.RoundID, &r.FromToken, &r.KickedAt,
		&r.KickBlock, &r.KickTxHash, &r.KickLogIndex, &r.InitialAvailable,
		&r.DynamicStartingPrice, &r.State, &r.TotalTaken, &r.TotalTakeCount,
		&r.CumulativeVolume, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan round: %w", err)
	}
	return &r, nil
}

// InsertTx creates the round if its kick has not been seen before. The
// conflict target is the kick's chain coordinates, so a redelivered kick
// event is a no-op rather than a duplicate round.
func (r *RoundRepo) InsertTx(ctx context.Context, tx *sql.Tx, rnd *model.Round) (store.UpsertResult, error) {
	var inserted bool
	err := tx.QueryRowContext(ctx, `
		INSERT INTO rounds (
			chain, auction_address, round_id, from_token, kicked_at,
			kick_block, kick_tx_hash, kick_log_index, initial_available,
			dynamic_starting_price, state, total_taken, total_take_count, cumulative_volume
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '0', 0, '0')
		ON CONFLICT (chain, auction_address, kick_tx_hash, kick_log_index) DO UPDATE
			SET updated_at = rounds.updated_at
		RETURNING (xmax = 0)
	`, rnd.Chain, rnd.AuctionAddress, rnd.RoundID, rnd.FromToken, rnd.KickedAt,
		rnd.KickBlock, rnd.KickTxHash, rnd.KickLogIndex, rnd.InitialAvailable,
		rnd.DynamicStartingPrice, rnd.State,
	).Scan(&inserted)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("insert round: %w", err)
	}
	return store.UpsertResult{Inserted: inserted}, nil
}

func (r *RoundRepo) Find(ctx context.Context, chain model.Chain, auction string, roundID int64) (*model.Round, error) {
	return scanRoundRow(r.db.QueryRowContext(ctx, `
		SELECT `+roundColumns+` FROM rounds
		WHERE chain = $1 AND auction_address = $2 AND round_id = $3
	`, chain, auction, roundID))
}

// FindForUpdateTx locks the round row until the enclosing transaction ends,
// serializing concurrent takes against the same round.
func (r *RoundRepo) FindForUpdateTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string, roundID int64) (*model.Round, error) {
	return scanRoundRow(tx.QueryRowContext(ctx, `
		SELECT `+roundColumns+` FROM rounds
		WHERE chain = $1 AND auction_address = $2 AND round_id = $3
		FOR UPDATE
	`, chain, auction, roundID))
}

func (r *RoundRepo) MaxRoundIDTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string) (int64, error) {
	var maxID int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(round_id), 0) FROM rounds
		WHERE chain = $1 AND auction_address = $2
	`, chain, auction).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max round id: %w", err)
	}
	return maxID, nil
}

// CurrentRound returns the most recently kicked round for the auction, or
// nil when none has ever been kicked.
func (r *RoundRepo) CurrentRound(ctx context.Context, chain model.Chain, auction string) (*model.Round, error) {
	return scanRoundRow(r.db.QueryRowContext(ctx, `
		SELECT `+roundColumns+` FROM rounds
		WHERE chain = $1 AND auction_address = $2
		ORDER BY round_id DESC
		LIMIT 1
	`, chain, auction))
}

func (r *RoundRepo) CurrentRoundTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string) (*model.Round, error) {
	return scanRoundRow(tx.QueryRowContext(ctx, `
		SELECT `+roundColumns+` FROM rounds
		WHERE chain = $1 AND auction_address = $2
		ORDER BY round_id DESC
		LIMIT 1
	`, chain, auction))
}

func (r *RoundRepo) ListByState(ctx context.Context, chain model.Chain, state model.RoundState) ([]model.Round, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+roundColumns+` FROM rounds
		WHERE chain = $1 AND state = $2
		ORDER BY auction_address, round_id
	`, chain, state)
	if err != nil {
		return nil, fmt.Errorf("list rounds by state: %w", err)
	}
	defer rows.Close()

	var out []model.Round
	for rows.Next() {
		rnd, err := scanRoundRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rnd)
	}
	return out, rows.Err()
}

func (r *RoundRepo) UpdateStateTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string, roundID int64, state model.RoundState) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE rounds SET state = $4, updated_at = now()
		WHERE chain = $1 AND auction_address = $2 AND round_id = $3
	`, chain, auction, roundID, state)
	if err != nil {
		return fmt.Errorf("update round state: %w", err)
	}
	return nil
}

func (r *RoundRepo) ExpireSupersededTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string, keepRoundID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE rounds SET state = $4, updated_at = now()
		WHERE chain = $1 AND auction_address = $2 AND round_id <> $3 AND state = $5
	`, chain, auction, keepRoundID, model.RoundStateExpired, model.RoundStateActive)
	if err != nil {
		return 0, fmt.Errorf("expire superseded rounds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire superseded rounds: rows affected: %w", err)
	}
	return n, nil
}

func (r *RoundRepo) UpdateRollupTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string, roundID int64, totalTaken string, takeCount int64, volume string, state model.RoundState) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE rounds SET
			total_taken = $4,
			total_take_count = $5,
			cumulative_volume = $6,
			state = $7,
			updated_at = now()
		WHERE chain = $1 AND auction_address = $2 AND round_id = $3
	`, chain, auction, roundID, totalTaken, takeCount, volume, state)
	if err != nil {
		return fmt.Errorf("update round rollup: %w", err)
	}
	return nil
}

// DeleteFromBlockTx removes rounds kicked at or above fromBlock. The deleted
// rows come back to the caller: any of them may have been the kick that
// expired the auction's previous round, and that supersession has to be
// re-evaluated against the surviving rounds.
func (r *RoundRepo) DeleteFromBlockTx(ctx context.Context, tx *sql.Tx, chain model.Chain, fromBlock int64) ([]model.Round, error) {
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM rounds WHERE chain = $1 AND kick_block >= $2
		RETURNING `+roundColumns+`
	`, chain, fromBlock)
	if err != nil {
		return nil, fmt.Errorf("delete rounds from block: %w", err)
	}
	defer rows.Close()

	var out []model.Round
	for rows.Next() {
		rnd, err := scanRoundRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rnd)
	}
	return out, rows.Err()
}

// RoundsTouchedFromBlockTx lists surviving rounds that had takes at or above
// fromBlock. Their rollups are stale once those takes are retracted.
func (r *RoundRepo) RoundsTouchedFromBlockTx(ctx context.Context, tx *sql.Tx, chain model.Chain, fromBlock int64) ([]model.Round, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT `+prefixedRoundColumns("r")+` FROM rounds r
		JOIN takes t ON t.chain = r.chain
			AND t.auction_address = r.auction_address
			AND t.round_id = r.round_id
		WHERE r.chain = $1 AND r.kick_block < $2 AND t.block_number >= $2
	`, chain, fromBlock)
	if err != nil {
		return nil, fmt.Errorf("rounds touched from block: %w", err)
	}
	defer rows.Close()

	var out []model.Round
	for rows.Next() {
		rnd, err := scanRoundRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rnd)
	}
	return out, rows.Err()
}

func prefixedRoundColumns(alias string) string {
	return alias + `.id, ` + alias + `.chain, ` + alias + `.auction_address, ` + alias + `.round_id, ` +
		alias + `.from_token, ` + alias + `.kicked_at, ` + alias + `.kick_block, ` + alias + `.kick_tx_hash, ` +
		alias + `.kick_log_index, ` + alias + `.initial_available, ` + alias + `.dynamic_starting_price, ` +
		alias + `.state, ` + alias + `.total_taken, ` + alias + `.total_take_count, ` +
		alias + `.cumulative_volume, ` + alias + `.created_at, ` + alias + `.updated_at`
}
