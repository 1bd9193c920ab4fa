// Package ingester applies event envelopes to the database. Each event is
// one unit of work: every row change it implies, including the cursor
// advance, commits in a single transaction. Combined with natural-key
// dedup this makes redelivery of any prefix of the feed a no-op.
package ingester

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/wavey0x/auction-curves-sub002/internal/aggregate"
	"github.com/wavey0x/auction-curves-sub002/internal/alert"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/event"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/lifecycle"
	"github.com/wavey0x/auction-curves-sub002/internal/metrics"
	"github.com/wavey0x/auction-curves-sub002/internal/pipeline/retry"
	"github.com/wavey0x/auction-curves-sub002/internal/ray"
	"github.com/wavey0x/auction-curves-sub002/internal/source"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
	storeredis "github.com/wavey0x/auction-curves-sub002/internal/store/redis"
)

const (
	defaultRetryMaxAttempts = 5
	defaultRetryDelayStart  = 200 * time.Millisecond
	defaultRetryDelayMax    = 10 * time.Second
)

type Ingester struct {
	db           store.TxBeginner
	auctions     store.AuctionRepository
	rounds       store.RoundRepository
	takes        store.TakeRepository
	participants store.ParticipantRepository
	cursors      store.CursorRepository
	blocks       store.IndexedBlockRepository

	chain model.Chain
	in    <-chan source.Message

	reorgCh    <-chan event.ReorgNotice
	finalityCh <-chan event.FinalityPromotion

	cache   store.SummaryCache
	alerter alert.Alerter
	logger  *slog.Logger

	retryMaxAttempts int
	retryDelayStart  time.Duration
	retryDelayMax    time.Duration
	sleepFn          func(context.Context, time.Duration) error
	nowFn            func() time.Time
}

type Option func(*Ingester)

func WithReorgChannel(ch <-chan event.ReorgNotice) Option {
	return func(ing *Ingester) { ing.reorgCh = ch }
}

func WithFinalityChannel(ch <-chan event.FinalityPromotion) Option {
	return func(ing *Ingester) { ing.finalityCh = ch }
}

func WithSummaryCache(c store.SummaryCache) Option {
	return func(ing *Ingester) { ing.cache = c }
}

func WithAlerter(a alert.Alerter) Option {
	return func(ing *Ingester) { ing.alerter = a }
}

func WithRetryConfig(maxAttempts int, delayStart, delayMax time.Duration) Option {
	return func(ing *Ingester) {
		ing.retryMaxAttempts = maxAttempts
		ing.retryDelayStart = delayStart
		ing.retryDelayMax = delayMax
	}
}

// WithNowFunc overrides the clock used for lifecycle decisions.
func WithNowFunc(now func() time.Time) Option {
	return func(ing *Ingester) { ing.nowFn = now }
}

func New(
	db store.TxBeginner,
	auctions store.AuctionRepository,
	rounds store.RoundRepository,
	takes store.TakeRepository,
	participants store.ParticipantRepository,
	cursors store.CursorRepository,
	blocks store.IndexedBlockRepository,
	chain model.Chain,
	in <-chan source.Message,
	logger *slog.Logger,
	opts ...Option,
) *Ingester {
	ing := &Ingester{
		db:               db,
		auctions:         auctions,
		rounds:           rounds,
		takes:            takes,
		participants:     participants,
		cursors:          cursors,
		blocks:           blocks,
		chain:            chain,
		in:               in,
		alerter:          &alert.NoopAlerter{},
		logger:           logger.With("component", "ingester", "chain", chain),
		retryMaxAttempts: defaultRetryMaxAttempts,
		retryDelayStart:  defaultRetryDelayStart,
		retryDelayMax:    defaultRetryDelayMax,
		sleepFn:          sleepContext,
		nowFn:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ing)
		}
	}
	return ing
}

func (ing *Ingester) Run(ctx context.Context) error {
	ing.logger.Info("ingester started")

	// nil channels never match in select, so unconfigured inputs are inert.
	reorgCh := ing.reorgCh
	finalityCh := ing.finalityCh

	for {
		select {
		case <-ctx.Done():
			ing.logger.Info("ingester stopping")
			return ctx.Err()
		case msg, ok := <-ing.in:
			if !ok {
				return nil
			}
			start := time.Now()
			if err := ing.processWithRetry(ctx, msg.Envelope); err != nil {
				msg.Nak()
				metrics.IngesterErrors.WithLabelValues(string(ing.chain)).Inc()
				ing.logger.Error("process event failed", "kind", msg.Envelope.Kind, "error", err)
				// Fail fast so the pipeline restarts from the committed
				// cursor; the unacked message redelivers.
				return fmt.Errorf("ingester process event failed: kind=%s: %w", msg.Envelope.Kind, err)
			}
			msg.Ack()
			metrics.IngesterLatency.WithLabelValues(string(ing.chain), string(msg.Envelope.Kind)).Observe(time.Since(start).Seconds())
		case notice, ok := <-reorgCh:
			if !ok {
				reorgCh = nil
				continue
			}
			if err := ing.HandleReorg(ctx, notice); err != nil {
				ing.logger.Error("handle reorg failed",
					"diverges_at", notice.DivergesAtBlock,
					"error", err,
				)
				return fmt.Errorf("ingester handle reorg failed: %w", err)
			}
		case promo, ok := <-finalityCh:
			if !ok {
				finalityCh = nil
				continue
			}
			if err := ing.HandleFinality(ctx, promo); err != nil {
				ing.logger.Error("handle finality promotion failed",
					"new_finalized_block", promo.NewFinalizedBlock,
					"error", err,
				)
				return fmt.Errorf("ingester handle finality promotion failed: %w", err)
			}
		}
	}
}

func (ing *Ingester) processWithRetry(ctx context.Context, env event.Envelope) error {
	const stage = "ingester.process_event"

	maxAttempts := ing.retryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	lastDecision := retry.Decision{Class: retry.ClassTerminal, Reason: "unset"}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ing.Process(ctx, env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			lastDecision = retry.Classify(err)
			if !lastDecision.IsTransient() {
				return fmt.Errorf("terminal_failure stage=%s attempt=%d reason=%s: %w", stage, attempt, lastDecision.Reason, err)
			}
			if attempt == maxAttempts {
				break
			}

			ing.logger.Warn("process event attempt failed; retrying",
				"stage", stage,
				"classification_reason", lastDecision.Reason,
				"kind", env.Kind,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"error", err,
			)
			if err := ing.sleep(ctx, ing.retryDelay(attempt)); err != nil {
				return err
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("transient_recovery_exhausted stage=%s attempts=%d reason=%s: %w", stage, maxAttempts, lastDecision.Reason, lastErr)
}

// Process dispatches one envelope to its handler. Exported so replay tooling
// and tests can drive events without the Run loop.
func (ing *Ingester) Process(ctx context.Context, env event.Envelope) error {
	switch env.Kind {
	case event.KindDeploy:
		var e event.DeployEvent
		if err := env.Decode(&e); err != nil {
			return retry.Terminal(err)
		}
		return ing.applyDeploy(ctx, &e)
	case event.KindParamsUpdate:
		var e event.ParamsUpdateEvent
		if err := env.Decode(&e); err != nil {
			return retry.Terminal(err)
		}
		return ing.applyParamsUpdate(ctx, &e)
	case event.KindKick:
		var e event.KickEvent
		if err := env.Decode(&e); err != nil {
			return retry.Terminal(err)
		}
		return ing.applyKick(ctx, &e)
	case event.KindTake:
		var e event.TakeEvent
		if err := env.Decode(&e); err != nil {
			return retry.Terminal(err)
		}
		return ing.applyTake(ctx, &e)
	case event.KindDisable:
		var e event.DisableEvent
		if err := env.Decode(&e); err != nil {
			return retry.Terminal(err)
		}
		return ing.applyDisable(ctx, &e)
	case event.KindReorg:
		var n event.ReorgNotice
		if err := env.Decode(&n); err != nil {
			return retry.Terminal(err)
		}
		return ing.HandleReorg(ctx, n)
	default:
		ing.reject(ctx, string(env.Kind), "unknown_kind", "unknown event kind", nil)
		return nil
	}
}

// validatePricingParams enforces the bounds shared by deploy and parameter
// update events.
func validatePricingParams(interval int64, decayScaled string, lengthSeconds int64) error {
	if interval <= 0 {
		return fmt.Errorf("price update interval must be positive, got %d", interval)
	}
	if lengthSeconds <= 0 {
		return fmt.Errorf("auction length must be positive, got %d", lengthSeconds)
	}
	decay, err := ray.FromScaled(decayScaled)
	if err != nil {
		return fmt.Errorf("decay rate: %w", err)
	}
	if !ray.InUnitInterval(decay) {
		return fmt.Errorf("decay rate %s outside (0, 1]", decay)
	}
	return nil
}

func (ing *Ingester) applyDeploy(ctx context.Context, e *event.DeployEvent) error {
	if err := validatePricingParams(e.PriceUpdateInterval, e.DecayRatePerStep, e.AuctionLengthSeconds); err != nil {
		ing.reject(ctx, string(event.KindDeploy), "invalid_params", err.Error(), map[string]string{
			"auction": e.AuctionAddress,
		})
		return nil
	}

	return ing.inTx(ctx, func(tx *sql.Tx) error {
		res, err := ing.auctions.UpsertTx(ctx, tx, &model.Auction{
			Chain:           e.Chain,
			Address:         e.AuctionAddress,
			WantToken:       e.WantToken,
			DeployedAtBlock: e.BlockNumber,
			DeployTxHash:    e.TxHash,
			IsActive:        true,
		})
		if err != nil {
			return err
		}

		if _, err := ing.auctions.InsertConfigVersionTx(ctx, tx, &model.AuctionConfigVersion{
			Chain:                e.Chain,
			AuctionAddress:       e.AuctionAddress,
			EffectiveFromBlock:   e.BlockNumber,
			PriceUpdateInterval:  e.PriceUpdateInterval,
			DecayRatePerStep:     e.DecayRatePerStep,
			FixedStartingPrice:   e.FixedStartingPrice,
			AuctionLengthSeconds: e.AuctionLengthSeconds,
		}); err != nil {
			return err
		}

		if err := ing.recordBlock(ctx, tx, e.BlockNumber, e.BlockHash, e.ParentHash, e.Timestamp); err != nil {
			return err
		}
		if err := ing.advanceCursor(ctx, tx, e.BlockNumber, e.BlockHash); err != nil {
			return err
		}

		if res.Inserted {
			metrics.EventsApplied.WithLabelValues(string(ing.chain), string(event.KindDeploy)).Inc()
			ing.logger.Info("auction deployed", "auction", e.AuctionAddress, "block", e.BlockNumber)
		} else {
			metrics.EventsDuplicate.WithLabelValues(string(ing.chain), string(event.KindDeploy)).Inc()
		}
		return nil
	})
}

func (ing *Ingester) applyParamsUpdate(ctx context.Context, e *event.ParamsUpdateEvent) error {
	if err := validatePricingParams(e.PriceUpdateInterval, e.DecayRatePerStep, e.AuctionLengthSeconds); err != nil {
		ing.reject(ctx, string(event.KindParamsUpdate), "invalid_params", err.Error(), map[string]string{
			"auction": e.AuctionAddress,
		})
		return nil
	}

	return ing.inTx(ctx, func(tx *sql.Tx) error {
		auction, err := ing.auctions.FindTx(ctx, tx, e.Chain, e.AuctionAddress)
		if err != nil {
			return err
		}
		if auction == nil {
			ing.reject(ctx, string(event.KindParamsUpdate), "unknown_auction",
				"parameter update for an auction that was never deployed",
				map[string]string{"auction": e.AuctionAddress})
			return ing.commitCursorOnly(ctx, tx, e.BlockNumber, e.BlockHash, e.ParentHash, e.Timestamp)
		}

		res, err := ing.auctions.InsertConfigVersionTx(ctx, tx, &model.AuctionConfigVersion{
			Chain:                e.Chain,
			AuctionAddress:       e.AuctionAddress,
			EffectiveFromBlock:   e.BlockNumber,
			PriceUpdateInterval:  e.PriceUpdateInterval,
			DecayRatePerStep:     e.DecayRatePerStep,
			FixedStartingPrice:   e.FixedStartingPrice,
			AuctionLengthSeconds: e.AuctionLengthSeconds,
		})
		if err != nil {
			return err
		}

		if err := ing.recordBlock(ctx, tx, e.BlockNumber, e.BlockHash, e.ParentHash, e.Timestamp); err != nil {
			return err
		}
		if err := ing.advanceCursor(ctx, tx, e.BlockNumber, e.BlockHash); err != nil {
			return err
		}

		if res.Inserted {
			metrics.EventsApplied.WithLabelValues(string(ing.chain), string(event.KindParamsUpdate)).Inc()
			ing.logger.Info("auction parameters updated", "auction", e.AuctionAddress, "effective_from", e.BlockNumber)
		} else {
			metrics.EventsDuplicate.WithLabelValues(string(ing.chain), string(event.KindParamsUpdate)).Inc()
		}
		return nil
	})
}

func (ing *Ingester) applyKick(ctx context.Context, e *event.KickEvent) error {
	if _, err := lifecycle.ParseAmount(e.AvailableAmount); err != nil {
		ing.reject(ctx, string(event.KindKick), "invalid_amount", err.Error(), map[string]string{
			"auction": e.AuctionAddress,
		})
		return nil
	}
	if _, err := ray.FromScaled(e.StartingPrice); err != nil {
		ing.reject(ctx, string(event.KindKick), "invalid_price", err.Error(), map[string]string{
			"auction": e.AuctionAddress,
		})
		return nil
	}

	var kickedAuction string
	err := ing.inTx(ctx, func(tx *sql.Tx) error {
		auction, err := ing.auctions.FindTx(ctx, tx, e.Chain, e.AuctionAddress)
		if err != nil {
			return err
		}
		if auction == nil {
			ing.reject(ctx, string(event.KindKick), "unknown_auction",
				"kick for an auction that was never deployed",
				map[string]string{"auction": e.AuctionAddress})
			return ing.commitCursorOnly(ctx, tx, e.BlockNumber, e.BlockHash, e.ParentHash, e.Timestamp)
		}
		if !auction.IsActive {
			ing.reject(ctx, string(event.KindKick), "auction_disabled",
				"kick arrived after the auction was disabled",
				map[string]string{"auction": e.AuctionAddress})
			return ing.commitCursorOnly(ctx, tx, e.BlockNumber, e.BlockHash, e.ParentHash, e.Timestamp)
		}

		roundID := int64(0)
		if e.RoundID != nil {
			roundID = *e.RoundID
		} else {
			maxID, err := ing.rounds.MaxRoundIDTx(ctx, tx, e.Chain, e.AuctionAddress)
			if err != nil {
				return err
			}
			roundID = maxID + 1
		}

		price := e.StartingPrice
		res, err := ing.rounds.InsertTx(ctx, tx, &model.Round{
			Chain:                e.Chain,
			AuctionAddress:       e.AuctionAddress,
			RoundID:              roundID,
			FromToken:            e.FromToken,
			KickedAt:             e.Timestamp,
			KickBlock:            e.BlockNumber,
			KickTxHash:           e.TxHash,
			KickLogIndex:         e.LogIndex,
			InitialAvailable:     e.AvailableAmount,
			DynamicStartingPrice: &price,
			State:                model.RoundStateActive,
		})
		if err != nil {
			return err
		}

		if res.Inserted {
			// A new kick supersedes whatever round was still active.
			superseded, err := ing.rounds.ExpireSupersededTx(ctx, tx, e.Chain, e.AuctionAddress, roundID)
			if err != nil {
				return err
			}
			if superseded > 0 {
				ing.logger.Info("superseded active rounds expired",
					"auction", e.AuctionAddress, "kept_round", roundID, "count", superseded)
			}
			metrics.EventsApplied.WithLabelValues(string(ing.chain), string(event.KindKick)).Inc()
			ing.logger.Info("round kicked",
				"auction", e.AuctionAddress, "round", roundID, "block", e.BlockNumber)
			kickedAuction = e.AuctionAddress
		} else {
			metrics.EventsDuplicate.WithLabelValues(string(ing.chain), string(event.KindKick)).Inc()
		}

		if err := ing.recordBlock(ctx, tx, e.BlockNumber, e.BlockHash, e.ParentHash, e.Timestamp); err != nil {
			return err
		}
		return ing.advanceCursor(ctx, tx, e.BlockNumber, e.BlockHash)
	})
	if err != nil {
		return err
	}

	if kickedAuction != "" {
		ing.invalidate(ctx, storeredis.CurrentRoundKey(ing.chain, kickedAuction))
	}
	return nil
}

func (ing *Ingester) applyTake(ctx context.Context, e *event.TakeEvent) error {
	if _, err := lifecycle.ParseAmount(e.AmountTaken); err != nil {
		ing.reject(ctx, string(event.KindTake), "invalid_amount", err.Error(), map[string]string{
			"auction": e.AuctionAddress, "tx": e.TxHash,
		})
		return nil
	}
	if _, err := lifecycle.ParseAmount(e.AmountPaid); err != nil {
		ing.reject(ctx, string(event.KindTake), "invalid_amount", err.Error(), map[string]string{
			"auction": e.AuctionAddress, "tx": e.TxHash,
		})
		return nil
	}

	var applied bool
	txErr := ing.inTx(ctx, func(tx *sql.Tx) error {
		applied = false
		rnd, err := ing.rounds.FindForUpdateTx(ctx, tx, e.Chain, e.AuctionAddress, e.RoundID)
		if err != nil {
			return err
		}

		if err := lifecycle.CheckTakeable(rnd); err != nil {
			reason := "unknown_round"
			detail := "take references a round that was never kicked"
			if rnd != nil {
				reason = "round_terminal"
				detail = fmt.Sprintf("take arrived while round was %s", rnd.State)
			}
			ing.reject(ctx, string(event.KindTake), reason, detail, map[string]string{
				"auction": e.AuctionAddress,
				"round":   fmt.Sprintf("%d", e.RoundID),
				"tx":      e.TxHash,
			})
			return ing.commitCursorOnly(ctx, tx, e.BlockNumber, e.BlockHash, e.ParentHash, e.Timestamp)
		}

		res, err := ing.takes.UpsertTx(ctx, tx, &model.Take{
			Chain:          e.Chain,
			AuctionAddress: e.AuctionAddress,
			RoundID:        e.RoundID,
			TxHash:         e.TxHash,
			LogIndex:       e.LogIndex,
			Taker:          e.Taker,
			AmountTaken:    e.AmountTaken,
			AmountPaid:     e.AmountPaid,
			BlockNumber:    e.BlockNumber,
			BlockHash:      e.BlockHash,
			Timestamp:      e.Timestamp,
		})
		if err != nil {
			return err
		}

		if res.Inserted {
			if err := ing.recomputeRound(ctx, tx, rnd); err != nil {
				return err
			}
			if err := ing.participants.RecomputeTx(ctx, tx, e.Taker); err != nil {
				return err
			}
			metrics.EventsApplied.WithLabelValues(string(ing.chain), string(event.KindTake)).Inc()
			applied = true
		} else {
			metrics.EventsDuplicate.WithLabelValues(string(ing.chain), string(event.KindTake)).Inc()
		}

		if err := ing.recordBlock(ctx, tx, e.BlockNumber, e.BlockHash, e.ParentHash, e.Timestamp); err != nil {
			return err
		}
		return ing.advanceCursor(ctx, tx, e.BlockNumber, e.BlockHash)
	})
	if txErr != nil {
		return txErr
	}

	if applied {
		ing.invalidate(ctx,
			storeredis.RoundSummaryKey(ing.chain, e.AuctionAddress, e.RoundID),
			storeredis.CurrentRoundKey(ing.chain, e.AuctionAddress),
			storeredis.ParticipantKey(e.Taker),
		)
	}
	return nil
}

// recomputeRound rewrites the round's rollup columns from its distinct take
// set and applies the depletion transition when the total crosses the
// initial amount.
func (ing *Ingester) recomputeRound(ctx context.Context, tx *sql.Tx, rnd *model.Round) error {
	takes, err := ing.takes.ListByRoundTx(ctx, tx, rnd.Chain, rnd.AuctionAddress, rnd.RoundID)
	if err != nil {
		return err
	}
	totals, err := aggregate.RoundFromTakes(takes)
	if err != nil {
		return retry.Terminal(err)
	}

	initial, err := lifecycle.ParseAmount(rnd.InitialAvailable)
	if err != nil {
		return retry.Terminal(err)
	}

	state := rnd.State
	if state != model.RoundStateExpired {
		state = lifecycle.StateAfterTake(totals.TotalTaken, initial)
	}

	if state == model.RoundStateDepleted && rnd.State != model.RoundStateDepleted {
		ing.logger.Info("round depleted",
			"auction", rnd.AuctionAddress, "round", rnd.RoundID,
			"total_taken", totals.TotalTaken.String())
	}

	return ing.rounds.UpdateRollupTx(ctx, tx, rnd.Chain, rnd.AuctionAddress, rnd.RoundID,
		totals.TotalTaken.String(), totals.TotalTakeCount, totals.CumulativeVolume.String(), state)
}

func (ing *Ingester) applyDisable(ctx context.Context, e *event.DisableEvent) error {
	return ing.inTx(ctx, func(tx *sql.Tx) error {
		auction, err := ing.auctions.FindTx(ctx, tx, e.Chain, e.AuctionAddress)
		if err != nil {
			return err
		}
		if auction == nil {
			ing.reject(ctx, string(event.KindDisable), "unknown_auction",
				"disable for an auction that was never deployed",
				map[string]string{"auction": e.AuctionAddress})
			return ing.commitCursorOnly(ctx, tx, e.BlockNumber, e.BlockHash, e.ParentHash, e.Timestamp)
		}

		if auction.IsActive {
			if err := ing.auctions.SetActiveTx(ctx, tx, e.Chain, e.AuctionAddress, false); err != nil {
				return err
			}
			metrics.EventsApplied.WithLabelValues(string(ing.chain), string(event.KindDisable)).Inc()
			ing.logger.Info("auction disabled", "auction", e.AuctionAddress, "block", e.BlockNumber)
		} else {
			metrics.EventsDuplicate.WithLabelValues(string(ing.chain), string(event.KindDisable)).Inc()
		}

		if err := ing.recordBlock(ctx, tx, e.BlockNumber, e.BlockHash, e.ParentHash, e.Timestamp); err != nil {
			return err
		}
		return ing.advanceCursor(ctx, tx, e.BlockNumber, e.BlockHash)
	})
}

// HandleReorg retracts every provisional record at or above the divergence
// point and restores all rollups to exactly the values implied by the
// surviving take set. Rounds that were expired only by a now-deleted kick
// are reactivated. The cursor rewinds so the upstream feed redelivers the
// canonical branch.
func (ing *Ingester) HandleReorg(ctx context.Context, notice event.ReorgNotice) error {
	ing.logger.Warn("reorg detected; rolling back",
		"diverges_at", notice.DivergesAtBlock,
		"expected_hash", notice.ExpectedHash,
		"actual_hash", notice.ActualHash,
	)

	latest, err := ing.blocks.LatestBlockNumber(ctx, ing.chain)
	if err != nil {
		return err
	}

	anchorHash := ""
	if notice.DivergesAtBlock > 0 {
		anchor, err := ing.blocks.GetByBlockNumber(ctx, ing.chain, notice.DivergesAtBlock-1)
		if err != nil {
			return err
		}
		if anchor != nil {
			anchorHash = anchor.BlockHash
		}
	}

	var (
		retractedTakes int
		deletedRounds  int
		invalidateKeys []string
	)

	err = ing.inTx(ctx, func(tx *sql.Tx) error {
		invalidateKeys = invalidateKeys[:0]

		// Surviving rounds that will lose takes need their rollups rebuilt;
		// the join must see the takes before they are deleted.
		touched, err := ing.rounds.RoundsTouchedFromBlockTx(ctx, tx, ing.chain, notice.DivergesAtBlock)
		if err != nil {
			return err
		}

		deleted, err := ing.takes.DeleteProvisionalFromBlockTx(ctx, tx, ing.chain, notice.DivergesAtBlock)
		if err != nil {
			return err
		}
		retractedTakes = len(deleted)

		takers := make(map[string]struct{})
		for _, t := range deleted {
			takers[t.Taker] = struct{}{}
			invalidateKeys = append(invalidateKeys,
				storeredis.RoundSummaryKey(ing.chain, t.AuctionAddress, t.RoundID),
				storeredis.CurrentRoundKey(ing.chain, t.AuctionAddress),
				storeredis.ParticipantKey(t.Taker),
			)
		}

		dropped, err := ing.rounds.DeleteFromBlockTx(ctx, tx, ing.chain, notice.DivergesAtBlock)
		if err != nil {
			return err
		}
		deletedRounds = len(dropped)

		for i := range touched {
			if err := ing.recomputeRoundAfterRetraction(ctx, tx, &touched[i]); err != nil {
				return err
			}
			invalidateKeys = append(invalidateKeys,
				storeredis.RoundSummaryKey(ing.chain, touched[i].AuctionAddress, touched[i].RoundID))
		}

		// A deleted kick may have been the only thing that expired the
		// previous round of its auction. Replaying the surviving sequence
		// would leave that round active, so the incremental state must too.
		restored, err := ing.restoreSupersededRounds(ctx, tx, dropped)
		if err != nil {
			return err
		}
		for i := range restored {
			invalidateKeys = append(invalidateKeys,
				storeredis.RoundSummaryKey(ing.chain, restored[i].AuctionAddress, restored[i].RoundID),
				storeredis.CurrentRoundKey(ing.chain, restored[i].AuctionAddress))
		}

		for taker := range takers {
			if err := ing.participants.RecomputeTx(ctx, tx, taker); err != nil {
				return err
			}
		}
		if err := ing.participants.DeleteEmptyTx(ctx, tx); err != nil {
			return err
		}

		if err := ing.auctions.DeleteConfigVersionsFromBlockTx(ctx, tx, ing.chain, notice.DivergesAtBlock); err != nil {
			return err
		}
		if err := ing.blocks.DeleteFromBlockTx(ctx, tx, ing.chain, notice.DivergesAtBlock); err != nil {
			return err
		}
		return ing.cursors.RewindTx(ctx, tx, ing.chain, notice.DivergesAtBlock-1, anchorHash)
	})
	if err != nil {
		return err
	}

	metrics.ReorgRollbacks.WithLabelValues(string(ing.chain)).Inc()
	metrics.ReorgTakesRetracted.WithLabelValues(string(ing.chain)).Add(float64(retractedTakes))
	metrics.ReorgRoundsDeleted.WithLabelValues(string(ing.chain)).Add(float64(deletedRounds))
	if latest >= notice.DivergesAtBlock {
		metrics.ReorgDepth.WithLabelValues(string(ing.chain)).Observe(float64(latest - notice.DivergesAtBlock + 1))
	}
	metrics.CursorBlock.WithLabelValues(string(ing.chain)).Set(float64(notice.DivergesAtBlock - 1))

	ing.invalidate(ctx, invalidateKeys...)

	ing.alertReorg(ctx, notice, retractedTakes, deletedRounds)

	ing.logger.Warn("reorg rollback complete",
		"diverges_at", notice.DivergesAtBlock,
		"takes_retracted", retractedTakes,
		"rounds_deleted", deletedRounds,
	)
	return nil
}

// recomputeRoundAfterRetraction rebuilds a surviving round's rollups.
// Depletion may reverse when the crossing take was retracted; time-based
// expiry is untouched by retraction and stays as stored.
func (ing *Ingester) recomputeRoundAfterRetraction(ctx context.Context, tx *sql.Tx, rnd *model.Round) error {
	takes, err := ing.takes.ListByRoundTx(ctx, tx, rnd.Chain, rnd.AuctionAddress, rnd.RoundID)
	if err != nil {
		return err
	}
	totals, err := aggregate.RoundFromTakes(takes)
	if err != nil {
		return retry.Terminal(err)
	}
	initial, err := lifecycle.ParseAmount(rnd.InitialAvailable)
	if err != nil {
		return retry.Terminal(err)
	}

	state := rnd.State
	if state != model.RoundStateExpired {
		state = lifecycle.StateAfterTake(totals.TotalTaken, initial)
	}

	return ing.rounds.UpdateRollupTx(ctx, tx, rnd.Chain, rnd.AuctionAddress, rnd.RoundID,
		totals.TotalTaken.String(), totals.TotalTakeCount, totals.CumulativeVolume.String(), state)
}

// restoreSupersededRounds re-evaluates the surviving latest round of every
// auction that lost a kick in a rollback. Supersession is the one expiry
// cause a retraction can reverse: when neither the surviving take set nor
// the time window justifies the stored expired state, the round returns to
// the state its takes imply.
func (ing *Ingester) restoreSupersededRounds(ctx context.Context, tx *sql.Tx, dropped []model.Round) ([]model.Round, error) {
	auctions := make(map[string]struct{}, len(dropped))
	for i := range dropped {
		auctions[dropped[i].AuctionAddress] = struct{}{}
	}

	var restored []model.Round
	for auction := range auctions {
		survivor, err := ing.rounds.CurrentRoundTx(ctx, tx, ing.chain, auction)
		if err != nil {
			return nil, err
		}
		if survivor == nil || survivor.State != model.RoundStateExpired {
			continue
		}

		cfg, err := ing.auctions.ConfigAtTx(ctx, tx, ing.chain, auction, survivor.KickBlock)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			ing.logger.Warn("no config in force for surviving round; keeping stored state",
				"auction", auction, "round", survivor.RoundID)
			continue
		}
		if ing.nowFn().After(lifecycle.ExpiresAt(survivor, cfg.AuctionLengthSeconds)) {
			continue
		}

		takes, err := ing.takes.ListByRoundTx(ctx, tx, survivor.Chain, survivor.AuctionAddress, survivor.RoundID)
		if err != nil {
			return nil, err
		}
		totals, err := aggregate.RoundFromTakes(takes)
		if err != nil {
			return nil, retry.Terminal(err)
		}
		initial, err := lifecycle.ParseAmount(survivor.InitialAvailable)
		if err != nil {
			return nil, retry.Terminal(err)
		}

		state := lifecycle.StateAfterTake(totals.TotalTaken, initial)
		if err := ing.rounds.UpdateRollupTx(ctx, tx, survivor.Chain, survivor.AuctionAddress, survivor.RoundID,
			totals.TotalTaken.String(), totals.TotalTakeCount, totals.CumulativeVolume.String(), state); err != nil {
			return nil, err
		}
		ing.logger.Info("superseding kick retracted; round restored",
			"auction", auction, "round", survivor.RoundID, "state", state)
		restored = append(restored, *survivor)
	}
	return restored, nil
}

// HandleFinality marks blocks and takes at or below the promoted height as
// irreversible.
func (ing *Ingester) HandleFinality(ctx context.Context, promo event.FinalityPromotion) error {
	var blocksPromoted, takesPromoted int64
	err := ing.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		blocksPromoted, err = ing.blocks.UpdateFinalityTx(ctx, tx, ing.chain, promo.NewFinalizedBlock, model.BlockFinalityFinalized)
		if err != nil {
			return err
		}
		takesPromoted, err = ing.takes.MarkFinalizedTx(ctx, tx, ing.chain, promo.NewFinalizedBlock)
		return err
	})
	if err != nil {
		return err
	}

	if blocksPromoted > 0 || takesPromoted > 0 {
		metrics.BlocksFinalized.WithLabelValues(string(ing.chain)).Add(float64(blocksPromoted))
		metrics.TakesFinalized.WithLabelValues(string(ing.chain)).Add(float64(takesPromoted))
		ing.logger.Info("finality promoted",
			"up_to_block", promo.NewFinalizedBlock,
			"blocks", blocksPromoted,
			"takes", takesPromoted,
		)
	}
	return nil
}

func (ing *Ingester) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := ing.db.BeginTx(ctx, nil)
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

func (ing *Ingester) recordBlock(ctx context.Context, tx *sql.Tx, number int64, hash, parentHash string, ts time.Time) error {
	t := ts
	return ing.blocks.UpsertTx(ctx, tx, &model.IndexedBlock{
		Chain:         ing.chain,
		BlockNumber:   number,
		BlockHash:     hash,
		ParentHash:    parentHash,
		FinalityState: model.BlockFinalityPending,
		BlockTime:     &t,
	})
}

func (ing *Ingester) advanceCursor(ctx context.Context, tx *sql.Tx, block int64, hash string) error {
	if err := ing.cursors.UpsertTx(ctx, tx, ing.chain, block, hash, 1); err != nil {
		return err
	}
	metrics.CursorBlock.WithLabelValues(string(ing.chain)).Set(float64(block))
	return nil
}

// commitCursorOnly records the block and advances the watermark for an
// event that was rejected: the event is accounted for without any domain
// write, so redelivery of it stays harmless.
func (ing *Ingester) commitCursorOnly(ctx context.Context, tx *sql.Tx, block int64, hash, parentHash string, ts time.Time) error {
	if err := ing.recordBlock(ctx, tx, block, hash, parentHash, ts); err != nil {
		return err
	}
	return ing.advanceCursor(ctx, tx, block, hash)
}

func (ing *Ingester) reject(ctx context.Context, kind, reason, detail string, fields map[string]string) {
	metrics.EventsRejected.WithLabelValues(string(ing.chain), kind, reason).Inc()
	ing.logger.Warn("event rejected", "kind", kind, "reason", reason, "detail", detail)
	_ = ing.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeDataQuality,
		Chain:   string(ing.chain),
		Title:   reason,
		Message: detail,
		Fields:  fields,
	})
}

func (ing *Ingester) alertReorg(ctx context.Context, notice event.ReorgNotice, takes, rounds int) {
	_ = ing.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeReorg,
		Chain:   string(ing.chain),
		Title:   "chain reorganization rolled back",
		Message: fmt.Sprintf("diverged at block %d", notice.DivergesAtBlock),
		Fields: map[string]string{
			"takes_retracted": fmt.Sprintf("%d", takes),
			"rounds_deleted":  fmt.Sprintf("%d", rounds),
			"expected_hash":   notice.ExpectedHash,
			"actual_hash":     notice.ActualHash,
		},
	})
}

func (ing *Ingester) invalidate(ctx context.Context, keys ...string) {
	if ing.cache == nil || len(keys) == 0 {
		return
	}
	if err := ing.cache.Delete(ctx, keys...); err != nil {
		ing.logger.Warn("cache invalidation failed", "error", err)
	}
}

func (ing *Ingester) retryDelay(attempt int) time.Duration {
	delay := ing.retryDelayStart
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if ing.retryDelayMax > 0 && delay >= ing.retryDelayMax {
			delay = ing.retryDelayMax
			break
		}
	}

	// 0-25% jitter to avoid lockstep retries across chains.
	if delay > 0 {
		delay += time.Duration(rand.Int64N(int64(delay) / 4))
	}
	return delay
}

func (ing *Ingester) sleep(ctx context.Context, delay time.Duration) error {
	if ing.sleepFn == nil {
		ing.sleepFn = sleepContext
	}
	return ing.sleepFn(ctx, delay)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
