package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
)

type AuctionRepo struct {
	db *DB
}

func NewAuctionRepo(db *DB) *AuctionRepo {
	return &AuctionRepo{db: db}
}

func (r *AuctionRepo) UpsertTx(ctx context.Context, tx *sql.Tx, a *model.Auction) (store.UpsertResult, error) {
	var inserted bool
	err := tx.QueryRowContext(ctx, `
		INSERT INTO auctions (chain, address, want_token, deployed_at_block, deploy_tx_hash, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain, address) DO UPDATE SET updated_at = now()
		RETURNING (xmax = 0)
	`, a.Chain, a.Address, a.WantToken, a.DeployedAtBlock, a.DeployTxHash, a.IsActive).Scan(&inserted)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("upsert auction: %w", err)
	}
	return store.UpsertResult{Inserted: inserted}, nil
}

const auctionColumns = `id, chain, address, want_token, deployed_at_block, deploy_tx_hash, is_active, created_at, updated_at`

func scanAuction(row *sql.Row) (*model.Auction, error) {
	var a model.Auction
	err := row.Scan(
		&a.ID, &a.Chain, &a.Address, &a.WantToken,
		&a.DeployedAtBlock, &a.DeployTxHash, &a.IsActive,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) Find(ctx context.Context, chain model.Chain, address string) (*model.Auction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+auctionColumns+` FROM auctions WHERE chain = $1 AND address = $2
	`, chain, address)
	return scanAuction(row)
}

func (r *AuctionRepo) FindTx(ctx context.Context, tx *sql.Tx, chain model.Chain, address string) (*model.Auction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+auctionColumns+` FROM auctions WHERE chain = $1 AND address = $2
	`, chain, address)
	return scanAuction(row)
}

func (r *AuctionRepo) SetActiveTx(ctx context.Context, tx *sql.Tx, chain model.Chain, address string, active bool) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE auctions SET is_active = $3, updated_at = now()
		WHERE chain = $1 AND address = $2
	`, chain, address, active)
	if err != nil {
		return fmt.Errorf("set auction active: %w", err)
	}
	return nil
}

func (r *AuctionRepo) List(ctx context.Context, chain model.Chain) ([]model.Auction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+auctionColumns+` FROM auctions WHERE chain = $1 ORDER BY address
	`, chain)
	if err != nil {
		return nil, fmt.Errorf("list auctions: %w", err)
	}
	defer rows.Close()

	var out []model.Auction
	for rows.Next() {
		var a model.Auction
		if err := rows.Scan(
			&a.ID, &a.Chain, &a.Address, &a.WantToken,
			&a.DeployedAtBlock, &a.DeployTxHash, &a.IsActive,
			&a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AuctionRepo) InsertConfigVersionTx(ctx context.Context, tx *sql.Tx, v *model.AuctionConfigVersion) (store.UpsertResult, error) {
	var inserted bool
	err := tx.QueryRowContext(ctx, `
		INSERT INTO auction_config_versions (
			chain, auction_address, effective_from_block,
			price_update_interval, decay_rate_per_step,
			fixed_starting_price, auction_length_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chain, auction_address, effective_from_block) DO UPDATE
			SET effective_from_block = auction_config_versions.effective_from_block
		RETURNING (xmax = 0)
	`, v.Chain, v.AuctionAddress, v.EffectiveFromBlock,
		v.PriceUpdateInterval, v.DecayRatePerStep,
		v.FixedStartingPrice, v.AuctionLengthSeconds,
	).Scan(&inserted)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("insert config version: %w", err)
	}
	return store.UpsertResult{Inserted: inserted}, nil
}

const configColumns = `id, chain, auction_address, effective_from_block, price_update_interval, decay_rate_per_step, fixed_starting_price, auction_length_seconds, created_at`

func scanConfig(row *sql.Row) (*model.AuctionConfigVersion, error) {
	var v model.AuctionConfigVersion
	err := row.Scan(
		&v.ID, &v.Chain, &v.AuctionAddress, &v.EffectiveFromBlock,
		&v.PriceUpdateInterval, &v.DecayRatePerStep,
		&v.FixedStartingPrice, &v.AuctionLengthSeconds, &v.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan config version: %w", err)
	}
	return &v, nil
}

// ConfigAt returns the configuration version in force at the given block:
// the latest one whose effective_from_block does not exceed it.
func (r *AuctionRepo) ConfigAt(ctx context.Context, chain model.Chain, address string, block int64) (*model.AuctionConfigVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+configColumns+` FROM auction_config_versions
		WHERE chain = $1 AND auction_address = $2 AND effective_from_block <= $3
		ORDER BY effective_from_block DESC
		LIMIT 1
	`, chain, address, block)
	return scanConfig(row)
}

func (r *AuctionRepo) ConfigAtTx(ctx context.Context, tx *sql.Tx, chain model.Chain, address string, block int64) (*model.AuctionConfigVersion, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+configColumns+` FROM auction_config_versions
		WHERE chain = $1 AND auction_address = $2 AND effective_from_block <= $3
		ORDER BY effective_from_block DESC
		LIMIT 1
	`, chain, address, block)
	return scanConfig(row)
}

func (r *AuctionRepo) DeleteConfigVersionsFromBlockTx(ctx context.Context, tx *sql.Tx, chain model.Chain, fromBlock int64) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM auction_config_versions
		WHERE chain = $1 AND effective_from_block >= $2
	`, chain, fromBlock)
	if err != nil {
		return fmt.Errorf("delete config versions from block: %w", err)
	}
	return nil
}
