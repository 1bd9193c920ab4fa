// Package query serves the read path: price quotes, round summaries,
// participant rollups, and leaderboards. Expiry is applied lazily here, so
// an overdue round reports as expired even before the persistence sweep
// catches up with it.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wavey0x/auction-curves-sub002/internal/aggregate"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/lifecycle"
	"github.com/wavey0x/auction-curves-sub002/internal/metrics"
	"github.com/wavey0x/auction-curves-sub002/internal/pricing"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
	storeredis "github.com/wavey0x/auction-curves-sub002/internal/store/redis"
)

// ErrNotFound is returned when the requested auction, round, or participant
// does not exist.
var ErrNotFound = errors.New("not found")

const (
	defaultCacheTTL = 30 * time.Second
	leaderboardTTL  = 15 * time.Second
)

type Service struct {
	auctions     store.AuctionRepository
	rounds       store.RoundRepository
	takes        store.TakeRepository
	participants store.ParticipantRepository

	cache    store.SummaryCache
	cacheTTL time.Duration
	nowFn    func() time.Time
	logger   *slog.Logger
}

type Option func(*Service)

// WithCache enables the read-through summary cache. A ttl of 0 keeps the
// default.
func WithCache(c store.SummaryCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Service) { s.nowFn = now }
}

func New(
	auctions store.AuctionRepository,
	rounds store.RoundRepository,
	takes store.TakeRepository,
	participants store.ParticipantRepository,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		auctions:     auctions,
		rounds:       rounds,
		takes:        takes,
		participants: participants,
		cacheTTL:     defaultCacheTTL,
		nowFn:        time.Now,
		logger:       logger.With("component", "query"),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// PriceQuote is the price of a round at a point in time. Defined is false
// outside the round's decay window; Price fields are empty in that case.
type PriceQuote struct {
	Chain       model.Chain      `json:"chain"`
	Auction     string           `json:"auction"`
	RoundID     int64            `json:"round_id"`
	At          time.Time        `json:"at"`
	Defined     bool             `json:"defined"`
	Price       string           `json:"price,omitempty"`        // decimal string
	PriceScaled string           `json:"price_scaled,omitempty"` // ray-scaled integer string
	State       model.RoundState `json:"state"`
}

// RoundSummary is a round with its derived read-side fields.
type RoundSummary struct {
	Chain            model.Chain      `json:"chain"`
	Auction          string           `json:"auction"`
	RoundID          int64            `json:"round_id"`
	FromToken        string           `json:"from_token"`
	KickedAt         time.Time        `json:"kicked_at"`
	KickBlock        int64            `json:"kick_block"`
	InitialAvailable string           `json:"initial_available"`
	State            model.RoundState `json:"state"`
	TotalTaken       string           `json:"total_taken"`
	TotalTakeCount   int64            `json:"total_take_count"`
	CumulativeVolume string           `json:"cumulative_volume"`
	ProgressPercent  int64            `json:"progress_percent"`
	ExpiresAt        time.Time        `json:"expires_at"`
}

// GetCurrentPrice computes the price of a round at time at. The stored
// rollups are not consulted; the quote depends only on the kick state and
// the configuration version in force at the kick block.
func (s *Service) GetCurrentPrice(ctx context.Context, chain model.Chain, auction string, roundID int64, at time.Time) (*PriceQuote, error) {
	defer s.observe("get_current_price")()

	rnd, err := s.rounds.Find(ctx, chain, auction, roundID)
	if err != nil {
		return nil, fmt.Errorf("find round: %w", err)
	}
	if rnd == nil {
		return nil, ErrNotFound
	}

	cfg, err := s.configFor(ctx, rnd)
	if err != nil {
		return nil, err
	}

	quote := &PriceQuote{
		Chain:   chain,
		Auction: auction,
		RoundID: roundID,
		At:      at,
		State:   lifecycle.EffectiveState(rnd, cfg.AuctionLengthSeconds, s.nowFn()),
	}

	price, ok, err := pricing.PriceAt(cfg, rnd, at)
	if err != nil {
		return nil, fmt.Errorf("price at: %w", err)
	}
	if ok {
		quote.Defined = true
		quote.Price = price.Decimal()
		quote.PriceScaled = price.Scaled()
	}
	return quote, nil
}

// GetRoundSummary returns a round with lazily applied expiry and progress.
func (s *Service) GetRoundSummary(ctx context.Context, chain model.Chain, auction string, roundID int64) (*RoundSummary, error) {
	defer s.observe("get_round_summary")()

	key := storeredis.RoundSummaryKey(chain, auction, roundID)
	var cached RoundSummary
	if s.cacheGet(ctx, "round_summary", key, &cached) {
		return &cached, nil
	}

	rnd, err := s.rounds.Find(ctx, chain, auction, roundID)
	if err != nil {
		return nil, fmt.Errorf("find round: %w", err)
	}
	if rnd == nil {
		return nil, ErrNotFound
	}

	summary, err := s.buildSummary(ctx, rnd)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, summary)
	return summary, nil
}

// GetCurrentRound returns the auction's latest round as a summary.
func (s *Service) GetCurrentRound(ctx context.Context, chain model.Chain, auction string) (*RoundSummary, error) {
	defer s.observe("get_current_round")()

	key := storeredis.CurrentRoundKey(chain, auction)
	var cached RoundSummary
	if s.cacheGet(ctx, "current_round", key, &cached) {
		return &cached, nil
	}

	rnd, err := s.rounds.CurrentRound(ctx, chain, auction)
	if err != nil {
		return nil, fmt.Errorf("current round: %w", err)
	}
	if rnd == nil {
		return nil, ErrNotFound
	}

	summary, err := s.buildSummary(ctx, rnd)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, summary)
	return summary, nil
}

// GetParticipant returns a taker's cross-chain activity summary.
func (s *Service) GetParticipant(ctx context.Context, taker string) (*model.ParticipantSummary, error) {
	defer s.observe("get_participant")()

	key := storeredis.ParticipantKey(taker)
	var cached model.ParticipantSummary
	if s.cacheGet(ctx, "participant", key, &cached) {
		return &cached, nil
	}

	summary, err := s.participants.Find(ctx, taker)
	if err != nil {
		return nil, fmt.Errorf("find participant: %w", err)
	}
	if summary == nil {
		return nil, ErrNotFound
	}
	s.cacheSet(ctx, key, summary)
	return summary, nil
}

// GetLeaderboard returns the top takers by total volume. Leaderboards are
// cached on a short TTL only; writes never invalidate them because the set
// of requested limits is unbounded.
func (s *Service) GetLeaderboard(ctx context.Context, limit int) ([]model.ParticipantSummary, error) {
	defer s.observe("get_leaderboard")()

	if limit <= 0 {
		limit = 10
	}

	key := storeredis.LeaderboardKey(limit)
	var cached []model.ParticipantSummary
	if s.cacheGet(ctx, "leaderboard", key, &cached) {
		return cached, nil
	}

	top, err := s.participants.TopByVolume(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("top by volume: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, top, leaderboardTTL); err != nil {
			s.logger.Debug("cache set failed", "key", key, "error", err)
		}
	}
	return top, nil
}

// ListTakesByRound returns the takes of a round in log order.
func (s *Service) ListTakesByRound(ctx context.Context, chain model.Chain, auction string, roundID int64) ([]*model.Take, error) {
	defer s.observe("list_takes_by_round")()
	return s.takes.ListByRound(ctx, chain, auction, roundID)
}

// ListTakesByTaker returns a taker's most recent takes across all rounds.
func (s *Service) ListTakesByTaker(ctx context.Context, taker string, limit int) ([]*model.Take, error) {
	defer s.observe("list_takes_by_taker")()
	if limit <= 0 {
		limit = 50
	}
	return s.takes.ListByTaker(ctx, taker, limit)
}

// ListAuctions returns the registered auctions on a chain.
func (s *Service) ListAuctions(ctx context.Context, chain model.Chain) ([]model.Auction, error) {
	defer s.observe("list_auctions")()
	return s.auctions.List(ctx, chain)
}

func (s *Service) buildSummary(ctx context.Context, rnd *model.Round) (*RoundSummary, error) {
	cfg, err := s.configFor(ctx, rnd)
	if err != nil {
		return nil, err
	}

	taken, err := lifecycle.ParseAmount(rnd.TotalTaken)
	if err != nil {
		return nil, fmt.Errorf("parse total taken: %w", err)
	}
	available, err := lifecycle.ParseAmount(rnd.InitialAvailable)
	if err != nil {
		return nil, fmt.Errorf("parse initial available: %w", err)
	}

	return &RoundSummary{
		Chain:            rnd.Chain,
		Auction:          rnd.AuctionAddress,
		RoundID:          rnd.RoundID,
		FromToken:        rnd.FromToken,
		KickedAt:         rnd.KickedAt,
		KickBlock:        rnd.KickBlock,
		InitialAvailable: rnd.InitialAvailable,
		State:            lifecycle.EffectiveState(rnd, cfg.AuctionLengthSeconds, s.nowFn()),
		TotalTaken:       rnd.TotalTaken,
		TotalTakeCount:   rnd.TotalTakeCount,
		CumulativeVolume: rnd.CumulativeVolume,
		ProgressPercent:  aggregate.Progress(taken, available),
		ExpiresAt:        lifecycle.ExpiresAt(rnd, cfg.AuctionLengthSeconds),
	}, nil
}

// configFor resolves the configuration version in force at the round's kick
// block.
func (s *Service) configFor(ctx context.Context, rnd *model.Round) (pricing.Config, error) {
	version, err := s.auctions.ConfigAt(ctx, rnd.Chain, rnd.AuctionAddress, rnd.KickBlock)
	if err != nil {
		return pricing.Config{}, fmt.Errorf("config at block %d: %w", rnd.KickBlock, err)
	}
	if version == nil {
		return pricing.Config{}, fmt.Errorf("no configuration version for %s/%s at block %d", rnd.Chain, rnd.AuctionAddress, rnd.KickBlock)
	}
	return pricing.FromModel(version)
}

func (s *Service) cacheGet(ctx context.Context, kind, key string, dst any) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.GetJSON(ctx, key, dst)
	if err != nil {
		s.logger.Debug("cache get failed", "key", key, "error", err)
		metrics.CacheMisses.WithLabelValues(kind).Inc()
		return false
	}
	if !hit {
		metrics.CacheMisses.WithLabelValues(kind).Inc()
		return false
	}
	metrics.CacheHits.WithLabelValues(kind).Inc()
	return true
}

func (s *Service) cacheSet(ctx context.Context, key string, v any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, key, v, s.cacheTTL); err != nil {
		s.logger.Debug("cache set failed", "key", key, "error", err)
	}
}

func (s *Service) observe(operation string) func() {
	start := time.Now()
	return func() {
		metrics.QueryLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
