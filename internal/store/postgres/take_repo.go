package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
)

type TakeRepo struct {
	db *DB
}

func NewTakeRepo(db *DB) *TakeRepo {
	return &TakeRepo{db: db}
}

const takeColumns = `id, chain, auction_address, round_id, tx_hash, log_index,
	taker, amount_taken, amount_paid, block_number, block_hash, block_time,
	finalized, created_at`

func scanTakeRow(s interface{ Scan(...any) error }) (*model.Take, error) {
	var t model.Take
	err := s.Scan(
		&t.ID, &t.Chain, &t.AuctionAddress, &t.RoundID, &t.TxHash, &t.LogIndex,
		&t.Taker, &t.AmountTaken, &t.AmountPaid, &t.BlockNumber, &t.BlockHash,
		&t.Timestamp, &t.Finalized, &t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan take: %w", err)
	}
	return &t, nil
}

// UpsertTx inserts the take or reports a duplicate of the natural key. A
// redelivered event never touches the stored row, so amounts observed first
// win and replays cannot drift the data.
func (r *TakeRepo) UpsertTx(ctx context.Context, tx *sql.Tx, t *model.Take) (store.UpsertResult, error) {
	var inserted bool
	err := tx.QueryRowContext(ctx, `
		INSERT INTO takes (
			chain, auction_address, round_id, tx_hash, log_index,
			taker, amount_taken, amount_paid, block_number, block_hash,
			block_time, finalized
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chain, auction_address, round_id, tx_hash, log_index) DO UPDATE
			SET created_at = takes.created_at
		RETURNING (xmax = 0)
	`, t.Chain, t.AuctionAddress, t.RoundID, t.TxHash, t.LogIndex,
		t.Taker, t.AmountTaken, t.AmountPaid, t.BlockNumber, t.BlockHash,
		t.Timestamp, t.Finalized,
	).Scan(&inserted)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("upsert take: %w", err)
	}
	return store.UpsertResult{Inserted: inserted}, nil
}

func (r *TakeRepo) listByRound(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, chain model.Chain, auction string, roundID int64) ([]*model.Take, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+takeColumns+` FROM takes
		WHERE chain = $1 AND auction_address = $2 AND round_id = $3
		ORDER BY block_number, log_index
	`, chain, auction, roundID)
	if err != nil {
		return nil, fmt.Errorf("list takes by round: %w", err)
	}
	defer rows.Close()

	var out []*model.Take
	for rows.Next() {
		t, err := scanTakeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TakeRepo) ListByRound(ctx context.Context, chain model.Chain, auction string, roundID int64) ([]*model.Take, error) {
	return r.listByRound(ctx, r.db, chain, auction, roundID)
}

func (r *TakeRepo) ListByRoundTx(ctx context.Context, tx *sql.Tx, chain model.Chain, auction string, roundID int64) ([]*model.Take, error) {
	return r.listByRound(ctx, tx, chain, auction, roundID)
}

func (r *TakeRepo) ListByTaker(ctx context.Context, taker string, limit int) ([]*model.Take, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+takeColumns+` FROM takes
		WHERE taker = $1
		ORDER BY block_time DESC
		LIMIT $2
	`, taker, limit)
	if err != nil {
		return nil, fmt.Errorf("list takes by taker: %w", err)
	}
	defer rows.Close()

	var out []*model.Take
	for rows.Next() {
		t, err := scanTakeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteProvisionalFromBlockTx retracts non-finalized takes at or above
// fromBlock and returns the deleted rows. Finalized takes are irreversible
// and never match.
func (r *TakeRepo) DeleteProvisionalFromBlockTx(ctx context.Context, tx *sql.Tx, chain model.Chain, fromBlock int64) ([]*model.Take, error) {
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM takes
		WHERE chain = $1 AND block_number >= $2 AND NOT finalized
		RETURNING `+takeColumns+`
	`, chain, fromBlock)
	if err != nil {
		return nil, fmt.Errorf("delete provisional takes: %w", err)
	}
	defer rows.Close()

	var out []*model.Take
	for rows.Next() {
		t, err := scanTakeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TakeRepo) MarkFinalizedTx(ctx context.Context, tx *sql.Tx, chain model.Chain, upToBlock int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE takes SET finalized = TRUE
		WHERE chain = $1 AND block_number <= $2 AND NOT finalized
	`, chain, upToBlock)
	if err != nil {
		return 0, fmt.Errorf("mark takes finalized: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark takes finalized: rows affected: %w", err)
	}
	return n, nil
}
