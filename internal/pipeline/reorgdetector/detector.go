// Package reorgdetector watches the indexed block metadata for breaks in
// parent-hash continuity. Upstream extraction annotates every event with its
// block's hash and parent hash; a block whose parent hash disagrees with the
// stored hash one height below marks the first orphaned height.
package reorgdetector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/event"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/metrics"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
)

const (
	defaultInterval      = 30 * time.Second
	defaultMaxCheckDepth = 256
)

type Detector struct {
	chain     model.Chain
	blockRepo store.IndexedBlockRepository
	reorgCh   chan<- event.ReorgNotice
	interval  time.Duration
	logger    *slog.Logger

	maxCheckDepth int
	checkNowCh    chan struct{}
	running       atomic.Bool
}

func New(
	chain model.Chain,
	blockRepo store.IndexedBlockRepository,
	reorgCh chan<- event.ReorgNotice,
	interval time.Duration,
	logger *slog.Logger,
) *Detector {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Detector{
		chain:         chain,
		blockRepo:     blockRepo,
		reorgCh:       reorgCh,
		interval:      interval,
		logger:        logger.With("component", "reorg_detector", "chain", chain),
		maxCheckDepth: defaultMaxCheckDepth,
		checkNowCh:    make(chan struct{}, 1),
	}
}

// WithMaxCheckDepth sets the maximum number of unfinalized blocks examined
// per tick.
func (d *Detector) WithMaxCheckDepth(depth int) *Detector {
	if depth > 0 {
		d.maxCheckDepth = depth
	}
	return d
}

// CheckNow triggers an immediate check (non-blocking).
func (d *Detector) CheckNow() {
	select {
	case d.checkNowCh <- struct{}{}:
	default:
	}
}

func (d *Detector) Run(ctx context.Context) error {
	d.running.Store(true)
	defer d.running.Store(false)

	d.logger.Info("reorg detector started", "interval", d.interval, "max_check_depth", d.maxCheckDepth)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("reorg detector stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := d.check(ctx); err != nil {
				d.logger.Warn("reorg detector check failed", "error", err)
			}
		case <-d.checkNowCh:
			if err := d.check(ctx); err != nil {
				d.logger.Warn("reorg detector immediate check failed", "error", err)
			}
		}
	}
}

func (d *Detector) check(ctx context.Context) error {
	unfinalized, err := d.blockRepo.GetUnfinalized(ctx, d.chain)
	if err != nil {
		return fmt.Errorf("get unfinalized blocks: %w", err)
	}
	if len(unfinalized) == 0 {
		return nil
	}

	// Most recent first; only the newest maxCheckDepth matter.
	sort.Slice(unfinalized, func(i, j int) bool {
		return unfinalized[i].BlockNumber > unfinalized[j].BlockNumber
	})
	if len(unfinalized) > d.maxCheckDepth {
		unfinalized = unfinalized[:d.maxCheckDepth]
	}

	if notice := d.verifyParentHashChain(unfinalized); notice != nil {
		return d.emit(ctx, *notice)
	}
	return nil
}

// verifyParentHashChain checks that block N's ParentHash equals block N-1's
// stored BlockHash. A mismatch means the stored block N-1 belongs to an
// orphaned fork: N's parent pointer carries the now-canonical hash for that
// height. Returns a notice for the lowest such height, or nil when the
// chain is continuous. Blocks with no stored predecessor cannot be verified
// and are skipped.
func (d *Detector) verifyParentHashChain(blocks []model.IndexedBlock) *event.ReorgNotice {
	if len(blocks) < 2 {
		return nil
	}

	hashByNumber := make(map[int64]string, len(blocks))
	for _, b := range blocks {
		hashByNumber[b.BlockNumber] = b.BlockHash
	}

	var notice *event.ReorgNotice
	for _, b := range blocks {
		if b.ParentHash == "" {
			continue
		}
		parentHash, ok := hashByNumber[b.BlockNumber-1]
		if !ok {
			continue
		}
		if b.ParentHash != parentHash {
			d.logger.Warn("parent hash chain break detected",
				"block_number", b.BlockNumber,
				"parent_hash", b.ParentHash,
				"stored_parent_block_hash", parentHash,
			)
			if notice == nil || b.BlockNumber-1 < notice.DivergesAtBlock {
				notice = &event.ReorgNotice{
					Chain:           d.chain,
					DivergesAtBlock: b.BlockNumber - 1,
					ExpectedHash:    parentHash,
					ActualHash:      b.ParentHash,
					DetectedAt:      time.Now(),
				}
			}
		}
	}
	return notice
}

func (d *Detector) emit(ctx context.Context, notice event.ReorgNotice) error {
	metrics.ReorgDetected.WithLabelValues(string(d.chain)).Inc()

	select {
	case d.reorgCh <- notice:
		d.logger.Info("reorg notice sent to ingester", "diverges_at", notice.DivergesAtBlock)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
