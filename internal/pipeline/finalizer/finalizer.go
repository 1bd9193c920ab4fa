// Package finalizer promotes blocks to finality once they sink deeper than
// the configured safety depth below the indexed head, and runs the periodic
// expiry sweep that persists the lazy-expired state of overdue rounds.
package finalizer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/event"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/lifecycle"
	"github.com/wavey0x/auction-curves-sub002/internal/metrics"
	"github.com/wavey0x/auction-curves-sub002/internal/pricing"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
)

const defaultInterval = 60 * time.Second

type Finalizer struct {
	chain         model.Chain
	db            store.TxBeginner
	blockRepo     store.IndexedBlockRepository
	roundRepo     store.RoundRepository
	auctionRepo   store.AuctionRepository
	finalityCh    chan<- event.FinalityPromotion
	finalityDepth int64
	interval      time.Duration

	retentionBlocks int64
	lastFinalized   int64
	nowFn           func() time.Time
	logger          *slog.Logger
}

// Option configures optional Finalizer behaviour.
type Option func(*Finalizer)

// WithRetentionBlocks sets how many finalized block rows to retain. A value
// of 0 disables pruning.
func WithRetentionBlocks(n int64) Option {
	return func(f *Finalizer) { f.retentionBlocks = n }
}

func WithNowFunc(now func() time.Time) Option {
	return func(f *Finalizer) { f.nowFn = now }
}

func New(
	chain model.Chain,
	db store.TxBeginner,
	blockRepo store.IndexedBlockRepository,
	roundRepo store.RoundRepository,
	auctionRepo store.AuctionRepository,
	finalityCh chan<- event.FinalityPromotion,
	finalityDepth int64,
	interval time.Duration,
	logger *slog.Logger,
	opts ...Option,
) *Finalizer {
	if interval <= 0 {
		interval = defaultInterval
	}
	f := &Finalizer{
		chain:         chain,
		db:            db,
		blockRepo:     blockRepo,
		roundRepo:     roundRepo,
		auctionRepo:   auctionRepo,
		finalityCh:    finalityCh,
		finalityDepth: finalityDepth,
		interval:      interval,
		nowFn:         time.Now,
		logger:        logger.With("component", "finalizer", "chain", chain),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Finalizer) Run(ctx context.Context) error {
	f.logger.Info("finalizer started", "interval", f.interval, "finality_depth", f.finalityDepth)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("finalizer stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := f.promote(ctx); err != nil {
				f.logger.Warn("finality promotion failed", "error", err)
			}
			if err := f.sweepExpired(ctx); err != nil {
				f.logger.Warn("expiry sweep failed", "error", err)
			}
		}
	}
}

// promote computes the finalized height as head minus the safety depth and
// notifies the ingester when it advanced.
func (f *Finalizer) promote(ctx context.Context) error {
	head, err := f.blockRepo.LatestBlockNumber(ctx, f.chain)
	if err != nil {
		return fmt.Errorf("latest block number: %w", err)
	}

	finalized := head - f.finalityDepth
	if finalized <= 0 || finalized <= f.lastFinalized {
		return nil
	}

	promo := event.FinalityPromotion{
		Chain:             f.chain,
		NewFinalizedBlock: finalized,
	}

	select {
	case f.finalityCh <- promo:
		f.logger.Info("finality promotion sent",
			"new_finalized_block", finalized,
			"previous_finalized_block", f.lastFinalized,
		)
		f.lastFinalized = finalized
	case <-ctx.Done():
		return ctx.Err()
	}

	if f.retentionBlocks > 0 {
		cutoff := finalized - f.retentionBlocks
		if cutoff > 0 {
			pruned, err := f.blockRepo.PurgeFinalizedBefore(ctx, f.chain, cutoff)
			if err != nil {
				f.logger.Warn("pruning finalized blocks failed", "cutoff_block", cutoff, "error", err)
			} else if pruned > 0 {
				f.logger.Info("pruned old finalized blocks", "cutoff_block", cutoff, "pruned_count", pruned)
			}
		}
	}

	return nil
}

// sweepExpired persists the expired state of active rounds whose window
// elapsed. Reads already report these rounds as expired; the sweep keeps
// the stored state from drifting from the reported one indefinitely.
func (f *Finalizer) sweepExpired(ctx context.Context) error {
	active, err := f.roundRepo.ListByState(ctx, f.chain, model.RoundStateActive)
	if err != nil {
		return fmt.Errorf("list active rounds: %w", err)
	}
	if len(active) == 0 {
		return nil
	}

	now := f.nowFn()
	var expired int
	for i := range active {
		rnd := &active[i]
		cfg, err := f.auctionRepo.ConfigAt(ctx, rnd.Chain, rnd.AuctionAddress, rnd.KickBlock)
		if err != nil {
			return err
		}
		if cfg == nil {
			f.logger.Error("round has no configuration version",
				"auction", rnd.AuctionAddress, "round", rnd.RoundID)
			continue
		}
		pcfg, err := pricing.FromModel(cfg)
		if err != nil {
			f.logger.Error("round configuration invalid",
				"auction", rnd.AuctionAddress, "round", rnd.RoundID, "error", err)
			continue
		}
		if lifecycle.EffectiveState(rnd, pcfg.AuctionLengthSeconds, now) != model.RoundStateExpired {
			continue
		}

		err = f.inTx(ctx, func(tx *sql.Tx) error {
			return f.roundRepo.UpdateStateTx(ctx, tx, rnd.Chain, rnd.AuctionAddress, rnd.RoundID, model.RoundStateExpired)
		})
		if err != nil {
			return err
		}
		expired++
	}

	if expired > 0 {
		metrics.RoundsExpired.WithLabelValues(string(f.chain)).Add(float64(expired))
		f.logger.Info("expiry sweep complete", "rounds_expired", expired)
	}
	return nil
}

func (f *Finalizer) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
