package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

type ParticipantRepo struct {
	db *DB
}

func NewParticipantRepo(db *DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

// RecomputeTx rewrites the taker's summary row as a pure aggregate of their
// surviving takes. Running inside the transaction that mutated the takes
// keeps the summary exactly consistent with the take set at commit. A taker
// whose last take was retracted ends up with a zero-take row, removed by
// DeleteEmptyTx.
func (r *ParticipantRepo) RecomputeTx(ctx context.Context, tx *sql.Tx, taker string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO participant_summaries (
			taker, total_take_count, unique_round_count, total_volume, first_seen, last_seen
		)
		SELECT
			$1,
			COUNT(*),
			COUNT(DISTINCT (chain, auction_address, round_id)),
			COALESCE(SUM(amount_paid::NUMERIC), 0)::TEXT,
			MIN(block_time),
			MAX(block_time)
		FROM takes WHERE taker = $1
		HAVING COUNT(*) > 0
		ON CONFLICT (taker) DO UPDATE SET
			total_take_count = EXCLUDED.total_take_count,
			unique_round_count = EXCLUDED.unique_round_count,
			total_volume = EXCLUDED.total_volume,
			first_seen = EXCLUDED.first_seen,
			last_seen = EXCLUDED.last_seen,
			updated_at = now()
	`, taker)
	if err != nil {
		return fmt.Errorf("recompute participant summary: %w", err)
	}

	// The HAVING clause skips the insert when no takes survive; drop any
	// stale row in that case.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM participant_summaries
		WHERE taker = $1 AND NOT EXISTS (SELECT 1 FROM takes WHERE taker = $1)
	`, taker)
	if err != nil {
		return fmt.Errorf("prune empty participant summary: %w", err)
	}
	return nil
}

const participantColumns = `taker, total_take_count, unique_round_count, total_volume, first_seen, last_seen, updated_at`

func (r *ParticipantRepo) Find(ctx context.Context, taker string) (*model.ParticipantSummary, error) {
	var p model.ParticipantSummary
	err := r.db.QueryRowContext(ctx, `
		SELECT `+participantColumns+` FROM participant_summaries WHERE taker = $1
	`, taker).Scan(
		&p.Taker, &p.TotalTakeCount, &p.UniqueRoundCount,
		&p.TotalVolume, &p.FirstSeen, &p.LastSeen, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find participant: %w", err)
	}
	return &p, nil
}

func (r *ParticipantRepo) TopByVolume(ctx context.Context, limit int) ([]model.ParticipantSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+participantColumns+` FROM participant_summaries
		ORDER BY total_volume::NUMERIC DESC, taker
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("top participants: %w", err)
	}
	defer rows.Close()

	var out []model.ParticipantSummary
	for rows.Next() {
		var p model.ParticipantSummary
		if err := rows.Scan(
			&p.Taker, &p.TotalTakeCount, &p.UniqueRoundCount,
			&p.TotalVolume, &p.FirstSeen, &p.LastSeen, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteEmptyTx removes summaries whose takers no longer have any takes,
// typically after a broad reorg retraction.
func (r *ParticipantRepo) DeleteEmptyTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM participant_summaries p
		WHERE NOT EXISTS (SELECT 1 FROM takes t WHERE t.taker = p.taker)
	`)
	if err != nil {
		return fmt.Errorf("delete empty participant summaries: %w", err)
	}
	return nil
}
