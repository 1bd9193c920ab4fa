package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, chain model.Chain) (*model.IndexerCursor, error) {
	var c model.IndexerCursor
	err := r.db.QueryRowContext(ctx, `
		SELECT chain, last_confirmed_block, last_block_hash, items_processed, updated_at
		FROM indexer_cursors
		WHERE chain = $1
	`, chain).Scan(
		&c.Chain, &c.LastConfirmedBlock, &c.LastBlockHash, &c.ItemsProcessed, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return &c, nil
}

func (r *CursorRepo) EnsureExists(ctx context.Context, chain model.Chain) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO indexer_cursors (chain) VALUES ($1)
		ON CONFLICT (chain) DO NOTHING
	`, chain)
	if err != nil {
		return fmt.Errorf("ensure cursor exists: %w", err)
	}
	return nil
}

// UpsertTx advances the watermark inside the unit-of-work transaction, so
// the cursor and the applied events commit or roll back together.
func (r *CursorRepo) UpsertTx(ctx context.Context, tx *sql.Tx, chain model.Chain, lastBlock int64, lastHash string, itemsProcessed int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO indexer_cursors (chain, last_confirmed_block, last_block_hash, items_processed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain) DO UPDATE SET
			last_confirmed_block = GREATEST(indexer_cursors.last_confirmed_block, EXCLUDED.last_confirmed_block),
			last_block_hash = CASE
				WHEN EXCLUDED.last_confirmed_block >= indexer_cursors.last_confirmed_block
				THEN EXCLUDED.last_block_hash
				ELSE indexer_cursors.last_block_hash
			END,
			items_processed = indexer_cursors.items_processed + EXCLUDED.items_processed,
			updated_at = now()
	`, chain, lastBlock, lastHash, itemsProcessed)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// RewindTx moves the watermark backwards after a reorg retraction so
// redelivery resumes from the divergence point.
func (r *CursorRepo) RewindTx(ctx context.Context, tx *sql.Tx, chain model.Chain, toBlock int64, toHash string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE indexer_cursors SET
			last_confirmed_block = $2,
			last_block_hash = $3,
			updated_at = now()
		WHERE chain = $1
	`, chain, toBlock, toHash)
	if err != nil {
		return fmt.Errorf("rewind cursor: %w", err)
	}
	return nil
}
