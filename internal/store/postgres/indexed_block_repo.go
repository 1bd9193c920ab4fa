package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

type IndexedBlockRepo struct {
	db *DB
}

func NewIndexedBlockRepo(db *DB) *IndexedBlockRepo {
	return &IndexedBlockRepo{db: db}
}

func (r *IndexedBlockRepo) UpsertTx(ctx context.Context, tx *sql.Tx, b *model.IndexedBlock) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO indexed_blocks (chain, block_number, block_hash, parent_hash, finality_state, block_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain, block_number) DO UPDATE SET
			block_hash = EXCLUDED.block_hash,
			parent_hash = EXCLUDED.parent_hash,
			block_time = EXCLUDED.block_time
	`, b.Chain, b.BlockNumber, b.BlockHash, b.ParentHash, b.FinalityState, b.BlockTime)
	if err != nil {
		return fmt.Errorf("upsert indexed block: %w", err)
	}
	return nil
}

const indexedBlockColumns = `chain, block_number, block_hash, parent_hash, finality_state, block_time, created_at`

func (r *IndexedBlockRepo) GetByBlockNumber(ctx context.Context, chain model.Chain, blockNumber int64) (*model.IndexedBlock, error) {
	var b model.IndexedBlock
	err := r.db.QueryRowContext(ctx, `
		SELECT `+indexedBlockColumns+` FROM indexed_blocks
		WHERE chain = $1 AND block_number = $2
	`, chain, blockNumber).Scan(
		&b.Chain, &b.BlockNumber, &b.BlockHash, &b.ParentHash,
		&b.FinalityState, &b.BlockTime, &b.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get indexed block: %w", err)
	}
	return &b, nil
}

func (r *IndexedBlockRepo) GetUnfinalized(ctx context.Context, chain model.Chain) ([]model.IndexedBlock, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+indexedBlockColumns+` FROM indexed_blocks
		WHERE chain = $1 AND finality_state = $2
		ORDER BY block_number
	`, chain, model.BlockFinalityPending)
	if err != nil {
		return nil, fmt.Errorf("get unfinalized blocks: %w", err)
	}
	defer rows.Close()

	var out []model.IndexedBlock
	for rows.Next() {
		var b model.IndexedBlock
		if err := rows.Scan(
			&b.Chain, &b.BlockNumber, &b.BlockHash, &b.ParentHash,
			&b.FinalityState, &b.BlockTime, &b.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan indexed block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *IndexedBlockRepo) LatestBlockNumber(ctx context.Context, chain model.Chain) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(block_number), 0) FROM indexed_blocks WHERE chain = $1
	`, chain).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("latest block number: %w", err)
	}
	return n, nil
}

func (r *IndexedBlockRepo) UpdateFinalityTx(ctx context.Context, tx *sql.Tx, chain model.Chain, upToBlock int64, newState string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE indexed_blocks SET finality_state = $3
		WHERE chain = $1 AND block_number <= $2 AND finality_state = $4
	`, chain, upToBlock, newState, model.BlockFinalityPending)
	if err != nil {
		return 0, fmt.Errorf("update block finality: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update block finality: rows affected: %w", err)
	}
	return n, nil
}

func (r *IndexedBlockRepo) DeleteFromBlockTx(ctx context.Context, tx *sql.Tx, chain model.Chain, fromBlock int64) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM indexed_blocks WHERE chain = $1 AND block_number >= $2
	`, chain, fromBlock)
	if err != nil {
		return fmt.Errorf("delete indexed blocks from block: %w", err)
	}
	return nil
}

// PurgeFinalizedBefore trims retention: finalized block rows below the
// threshold are no longer needed for reorg detection.
func (r *IndexedBlockRepo) PurgeFinalizedBefore(ctx context.Context, chain model.Chain, beforeBlock int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, LongQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM indexed_blocks
		WHERE chain = $1 AND block_number < $2 AND finality_state = $3
	`, chain, beforeBlock, model.BlockFinalityFinalized)
	if err != nil {
		return 0, fmt.Errorf("purge finalized blocks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge finalized blocks: rows affected: %w", err)
	}
	return n, nil
}
