// Package pipeline wires the per-chain stages together: an event source
// feeding the ingester, plus the reorg detector and finalizer running
// alongside it. All stages share one errgroup, so a terminal failure in any
// stage tears the chain pipeline down and the restart loop brings it back
// from the durable cursor.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wavey0x/auction-curves-sub002/internal/alert"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/event"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/pipeline/finalizer"
	"github.com/wavey0x/auction-curves-sub002/internal/pipeline/ingester"
	"github.com/wavey0x/auction-curves-sub002/internal/pipeline/reorgdetector"
	"github.com/wavey0x/auction-curves-sub002/internal/source"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
)

const (
	defaultRestartBackoff = 5 * time.Second

	// A run surviving this long resets the consecutive-failure counter.
	stableRunWindow = time.Minute
)

type Config struct {
	Chain model.Chain

	ChannelBufferSize int

	FinalityDepth          int64
	FinalizerInterval      time.Duration
	IndexedBlocksRetention int64

	ReorgDetectorInterval      time.Duration
	ReorgDetectorMaxCheckDepth int

	IngesterRetryMaxAttempts   int
	IngesterRetryDelayInitial  time.Duration
	IngesterRetryDelayMax      time.Duration
	UnhealthyRestartThreshold  int
	RestartBackoff             time.Duration

	Alerter alert.Alerter
}

type Repos struct {
	Auction      store.AuctionRepository
	Round        store.RoundRepository
	Take         store.TakeRepository
	Participant  store.ParticipantRepository
	Cursor       store.CursorRepository
	IndexedBlock store.IndexedBlockRepository
}

type Pipeline struct {
	cfg    Config
	src    source.Source
	db     store.TxBeginner
	repos  *Repos
	cache  store.SummaryCache
	logger *slog.Logger
	health *Health

	detectorMu sync.Mutex
	detector   *reorgdetector.Detector
}

func New(
	cfg Config,
	src source.Source,
	db store.TxBeginner,
	repos *Repos,
	cache store.SummaryCache,
	logger *slog.Logger,
) *Pipeline {
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = defaultRestartBackoff
	}
	if cfg.ChannelBufferSize <= 0 {
		cfg.ChannelBufferSize = 64
	}
	if cfg.Alerter == nil {
		cfg.Alerter = &alert.NoopAlerter{}
	}
	health := NewHealth(cfg.Chain)
	health.SetUnhealthyThreshold(cfg.UnhealthyRestartThreshold)
	return &Pipeline{
		cfg:    cfg,
		src:    src,
		db:     db,
		repos:  repos,
		cache:  cache,
		logger: logger.With("component", "pipeline", "chain", cfg.Chain),
		health: health,
	}
}

// Chain returns the pipeline's chain.
func (p *Pipeline) Chain() model.Chain { return p.cfg.Chain }

// Health returns the pipeline's health tracker.
func (p *Pipeline) Health() *Health { return p.health }

// CheckReorgNow asks the running reorg detector for an immediate continuity
// check. A no-op between runs.
func (p *Pipeline) CheckReorgNow() {
	p.detectorMu.Lock()
	detector := p.detector
	p.detectorMu.Unlock()
	if detector != nil {
		detector.CheckNow()
	}
}

// Run drives the pipeline until ctx is cancelled. Each iteration builds
// fresh channels and stages; because every event commits with its cursor
// advance, a restart resumes exactly where the last commit left off.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.repos.Cursor.EnsureExists(ctx, p.cfg.Chain); err != nil {
		return fmt.Errorf("ensure cursor exists: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := p.runStages(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			p.health.SetStatus(HealthStatusUnknown)
			return err
		}

		if time.Since(start) >= stableRunWindow {
			if p.health.RecordSuccess() {
				p.alertRecovered(ctx)
			}
		}
		if p.health.RecordFailure() {
			p.alertUnhealthy(ctx, err)
		}
		p.logger.Error("pipeline run failed, restarting",
			"error", err,
			"consecutive_failures", p.health.Snapshot().ConsecutiveFailures,
			"backoff", p.cfg.RestartBackoff,
		)

		select {
		case <-time.After(p.cfg.RestartBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) runStages(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v\n%s", r, debug.Stack())
		}
	}()

	msgCh := make(chan source.Message, p.cfg.ChannelBufferSize)
	reorgCh := make(chan event.ReorgNotice, 1)
	finalityCh := make(chan event.FinalityPromotion, 1)

	ingesterOpts := []ingester.Option{
		ingester.WithReorgChannel(reorgCh),
		ingester.WithFinalityChannel(finalityCh),
		ingester.WithAlerter(p.cfg.Alerter),
	}
	if p.cache != nil {
		ingesterOpts = append(ingesterOpts, ingester.WithSummaryCache(p.cache))
	}
	if p.cfg.IngesterRetryMaxAttempts > 0 {
		ingesterOpts = append(ingesterOpts, ingester.WithRetryConfig(
			p.cfg.IngesterRetryMaxAttempts,
			p.cfg.IngesterRetryDelayInitial,
			p.cfg.IngesterRetryDelayMax,
		))
	}

	ingest := ingester.New(
		p.db,
		p.repos.Auction, p.repos.Round,
		p.repos.Take, p.repos.Participant,
		p.repos.Cursor, p.repos.IndexedBlock,
		p.cfg.Chain, msgCh, p.logger,
		ingesterOpts...,
	)

	detector := reorgdetector.New(
		p.cfg.Chain, p.repos.IndexedBlock,
		reorgCh, p.cfg.ReorgDetectorInterval,
		p.logger,
	)
	if p.cfg.ReorgDetectorMaxCheckDepth > 0 {
		detector = detector.WithMaxCheckDepth(p.cfg.ReorgDetectorMaxCheckDepth)
	}
	p.detectorMu.Lock()
	p.detector = detector
	p.detectorMu.Unlock()

	var finOpts []finalizer.Option
	if p.cfg.IndexedBlocksRetention > 0 {
		finOpts = append(finOpts, finalizer.WithRetentionBlocks(p.cfg.IndexedBlocksRetention))
	}
	fin := finalizer.New(
		p.cfg.Chain, p.db,
		p.repos.IndexedBlock, p.repos.Round, p.repos.Auction,
		finalityCh, p.cfg.FinalityDepth, p.cfg.FinalizerInterval,
		p.logger,
		finOpts...,
	)

	p.logger.Info("pipeline starting",
		"buffer_size", p.cfg.ChannelBufferSize,
		"finality_depth", p.cfg.FinalityDepth,
		"reorg_interval", p.cfg.ReorgDetectorInterval,
		"finalizer_interval", p.cfg.FinalizerInterval,
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.src.Run(gCtx, msgCh)
	})
	g.Go(func() error {
		return ingest.Run(gCtx)
	})
	g.Go(func() error {
		return detector.Run(gCtx)
	})
	g.Go(func() error {
		return fin.Run(gCtx)
	})

	p.health.SetStatus(HealthStatusHealthy)

	return g.Wait()
}

func (p *Pipeline) alertUnhealthy(ctx context.Context, cause error) {
	_ = p.cfg.Alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeUnhealthy,
		Chain:   string(p.cfg.Chain),
		Title:   "pipeline unhealthy",
		Message: "pipeline failed repeatedly and keeps restarting",
		Fields: map[string]string{
			"error": cause.Error(),
		},
	})
}

func (p *Pipeline) alertRecovered(ctx context.Context) {
	_ = p.cfg.Alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeRecovery,
		Chain:   string(p.cfg.Chain),
		Title:   "pipeline recovered",
		Message: "pipeline completed a run after previous failures",
	})
}
