package ingester

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/wavey0x/auction-curves-sub002/internal/aggregate"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
)

// fakeDriver / fakeConn / fakeTxImpl provide a minimal sql.Driver so tests
// can call BeginTx and hand the repos a real *sql.Tx.
type fakeDriver struct{}
type fakeConn struct{}
type fakeTxImpl struct{}

func (d *fakeDriver) Open(name string) (driver.Conn, error) { return &fakeConn{}, nil }
func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return &fakeTxImpl{}, nil }
func (tx *fakeTxImpl) Commit() error          { return nil }
func (tx *fakeTxImpl) Rollback() error        { return nil }

func init() {
	sql.Register("fake_ingester", &fakeDriver{})
}

func openFakeDB() *sql.DB {
	db, _ := sql.Open("fake_ingester", "")
	return db
}

// memStore is a shared in-memory backing store for the fake repositories.
// Transactions are not isolated; tests only exercise the committed path.
type memStore struct {
	mu sync.Mutex

	auctions map[string]*model.Auction
	configs  []*model.AuctionConfigVersion
	rounds   map[string]*model.Round
	takes    map[model.TakeKey]*model.Take

	participants map[string]*model.ParticipantSummary

	cursor model.IndexerCursor

	blocks map[int64]*model.IndexedBlock
}

func newMemStore(chain model.Chain) *memStore {
	return &memStore{
		auctions:     make(map[string]*model.Auction),
		rounds:       make(map[string]*model.Round),
		takes:        make(map[model.TakeKey]*model.Take),
		participants: make(map[string]*model.ParticipantSummary),
		cursor:       model.IndexerCursor{Chain: chain},
		blocks:       make(map[int64]*model.IndexedBlock),
	}
}

func auctionKey(chain model.Chain, address string) string {
	return string(chain) + "|" + address
}

func roundKey(chain model.Chain, auction string, roundID int64) string {
	return fmt.Sprintf("%s|%s|%d", chain, auction, roundID)
}

// --- auctions ---

type memAuctionRepo struct{ s *memStore }

func (r *memAuctionRepo) UpsertTx(_ context.Context, _ *sql.Tx, a *model.Auction) (store.UpsertResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := auctionKey(a.Chain, a.Address)
	if _, ok := r.s.auctions[key]; ok {
		return store.UpsertResult{Inserted: false}, nil
	}
	cp := *a
	r.s.auctions[key] = &cp
	return store.UpsertResult{Inserted: true}, nil
}

func (r *memAuctionRepo) Find(ctx context.Context, chain model.Chain, address string) (*model.Auction, error) {
	return r.FindTx(ctx, nil, chain, address)
}

func (r *memAuctionRepo) FindTx(_ context.Context, _ *sql.Tx, chain model.Chain, address string) (*model.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[auctionKey(chain, address)]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *memAuctionRepo) SetActiveTx(_ context.Context, _ *sql.Tx, chain model.Chain, address string, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[auctionKey(chain, address)]
	if !ok {
		return fmt.Errorf("auction %s not found", address)
	}
	a.IsActive = active
	return nil
}

func (r *memAuctionRepo) List(_ context.Context, chain model.Chain) ([]model.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Auction
	for _, a := range r.s.auctions {
		if a.Chain == chain {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memAuctionRepo) InsertConfigVersionTx(_ context.Context, _ *sql.Tx, v *model.AuctionConfigVersion) (store.UpsertResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.configs {
		if existing.Chain == v.Chain && existing.AuctionAddress == v.AuctionAddress &&
			existing.EffectiveFromBlock == v.EffectiveFromBlock {
			return store.UpsertResult{Inserted: false}, nil
		}
	}
	cp := *v
	r.s.configs = append(r.s.configs, &cp)
	return store.UpsertResult{Inserted: true}, nil
}

func (r *memAuctionRepo) ConfigAt(ctx context.Context, chain model.Chain, address string, block int64) (*model.AuctionConfigVersion, error) {
	return r.ConfigAtTx(ctx, nil, chain, address, block)
}

func (r *memAuctionRepo) ConfigAtTx(_ context.Context, _ *sql.Tx, chain model.Chain, address string, block int64) (*model.AuctionConfigVersion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *model.AuctionConfigVersion
	for _, v := range r.s.configs {
		if v.Chain != chain || v.AuctionAddress != address || v.EffectiveFromBlock > block {
			continue
		}
		if best == nil || v.EffectiveFromBlock > best.EffectiveFromBlock {
			best = v
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *memAuctionRepo) DeleteConfigVersionsFromBlockTx(_ context.Context, _ *sql.Tx, chain model.Chain, fromBlock int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.configs[:0]
	for _, v := range r.s.configs {
		if v.Chain == chain && v.EffectiveFromBlock >= fromBlock {
			continue
		}
		kept = append(kept, v)
	}
	r.s.configs = kept
	return nil
}

// --- rounds ---

type memRoundRepo struct{ s *memStore }

func (r *memRoundRepo) InsertTx(_ context.Context, _ *sql.Tx, rnd *model.Round) (store.UpsertResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.rounds {
		if existing.Chain == rnd.Chain && existing.AuctionAddress == rnd.AuctionAddress &&
			existing.KickTxHash == rnd.KickTxHash && existing.KickLogIndex == rnd.KickLogIndex {
			return store.UpsertResult{Inserted: false}, nil
		}
	}
	cp := *rnd
	if cp.TotalTaken == "" {
		cp.TotalTaken = "0"
	}
	if cp.CumulativeVolume == "" {
		cp.CumulativeVolume = "0"
	}
	r.s.rounds[roundKey(rnd.Chain, rnd.AuctionAddress, rnd.RoundID)] = &cp
	return store.UpsertResult{Inserted: true}, nil
}

func (r *memRoundRepo) Find(ctx context.Context, chain model.Chain, auction string, roundID int64) (*model.Round, error) {
	return r.FindForUpdateTx(ctx, nil, chain, auction, roundID)
}

func (r *memRoundRepo) FindForUpdateTx(_ context.Context, _ *sql.Tx, chain model.Chain, auction string, roundID int64) (*model.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rnd, ok := r.s.rounds[roundKey(chain, auction, roundID)]
	if !ok {
		return nil, nil
	}
	cp := *rnd
	return &cp, nil
}

func (r *memRoundRepo) MaxRoundIDTx(_ context.Context, _ *sql.Tx, chain model.Chain, auction string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var maxID int64
	for _, rnd := range r.s.rounds {
		if rnd.Chain == chain && rnd.AuctionAddress == auction && rnd.RoundID > maxID {
			maxID = rnd.RoundID
		}
	}
	return maxID, nil
}

func (r *memRoundRepo) CurrentRound(_ context.Context, chain model.Chain, auction string) (*model.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *model.Round
	for _, rnd := range r.s.rounds {
		if rnd.Chain != chain || rnd.AuctionAddress != auction {
			continue
		}
		if latest == nil || rnd.RoundID > latest.RoundID {
			latest = rnd
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *memRoundRepo) CurrentRoundTx(ctx context.Context, _ *sql.Tx, chain model.Chain, auction string) (*model.Round, error) {
	return r.CurrentRound(ctx, chain, auction)
}

func (r *memRoundRepo) ListByState(_ context.Context, chain model.Chain, state model.RoundState) ([]model.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Round
	for _, rnd := range r.s.rounds {
		if rnd.Chain == chain && rnd.State == state {
			out = append(out, *rnd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundID < out[j].RoundID })
	return out, nil
}

func (r *memRoundRepo) UpdateStateTx(_ context.Context, _ *sql.Tx, chain model.Chain, auction string, roundID int64, state model.RoundState) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rnd, ok := r.s.rounds[roundKey(chain, auction, roundID)]
	if !ok {
		return fmt.Errorf("round %d not found", roundID)
	}
	rnd.State = state
	return nil
}

func (r *memRoundRepo) ExpireSupersededTx(_ context.Context, _ *sql.Tx, chain model.Chain, auction string, keepRoundID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, rnd := range r.s.rounds {
		if rnd.Chain == chain && rnd.AuctionAddress == auction &&
			rnd.RoundID != keepRoundID && rnd.State == model.RoundStateActive {
			rnd.State = model.RoundStateExpired
			n++
		}
	}
	return n, nil
}

func (r *memRoundRepo) UpdateRollupTx(_ context.Context, _ *sql.Tx, chain model.Chain, auction string, roundID int64, totalTaken string, takeCount int64, volume string, state model.RoundState) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rnd, ok := r.s.rounds[roundKey(chain, auction, roundID)]
	if !ok {
		return fmt.Errorf("round %d not found", roundID)
	}
	rnd.TotalTaken = totalTaken
	rnd.TotalTakeCount = takeCount
	rnd.CumulativeVolume = volume
	rnd.State = state
	return nil
}

func (r *memRoundRepo) DeleteFromBlockTx(_ context.Context, _ *sql.Tx, chain model.Chain, fromBlock int64) ([]model.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var deleted []model.Round
	for key, rnd := range r.s.rounds {
		if rnd.Chain == chain && rnd.KickBlock >= fromBlock {
			deleted = append(deleted, *rnd)
			delete(r.s.rounds, key)
		}
	}
	return deleted, nil
}

func (r *memRoundRepo) RoundsTouchedFromBlockTx(_ context.Context, _ *sql.Tx, chain model.Chain, fromBlock int64) ([]model.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[string]bool)
	var out []model.Round
	for _, t := range r.s.takes {
		if t.Chain != chain || t.BlockNumber < fromBlock {
			continue
		}
		key := roundKey(t.Chain, t.AuctionAddress, t.RoundID)
		rnd, ok := r.s.rounds[key]
		if !ok || rnd.KickBlock >= fromBlock || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, *rnd)
	}
	return out, nil
}

// --- takes ---

type memTakeRepo struct{ s *memStore }

func (r *memTakeRepo) UpsertTx(_ context.Context, _ *sql.Tx, t *model.Take) (store.UpsertResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.takes[t.Key()]; ok {
		return store.UpsertResult{Inserted: false}, nil
	}
	cp := *t
	r.s.takes[t.Key()] = &cp
	return store.UpsertResult{Inserted: true}, nil
}

func (r *memTakeRepo) ListByRoundTx(ctx context.Context, _ *sql.Tx, chain model.Chain, auction string, roundID int64) ([]*model.Take, error) {
	return r.ListByRound(ctx, chain, auction, roundID)
}

func (r *memTakeRepo) ListByRound(_ context.Context, chain model.Chain, auction string, roundID int64) ([]*model.Take, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Take
	for _, t := range r.s.takes {
		if t.Chain == chain && t.AuctionAddress == auction && t.RoundID == roundID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (r *memTakeRepo) ListByTaker(_ context.Context, taker string, limit int) ([]*model.Take, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Take
	for _, t := range r.s.takes {
		if t.Taker == taker {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber > out[j].BlockNumber })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memTakeRepo) DeleteProvisionalFromBlockTx(_ context.Context, _ *sql.Tx, chain model.Chain, fromBlock int64) ([]*model.Take, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var deleted []*model.Take
	for key, t := range r.s.takes {
		if t.Chain == chain && t.BlockNumber >= fromBlock && !t.Finalized {
			deleted = append(deleted, t)
			delete(r.s.takes, key)
		}
	}
	return deleted, nil
}

func (r *memTakeRepo) MarkFinalizedTx(_ context.Context, _ *sql.Tx, chain model.Chain, upToBlock int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, t := range r.s.takes {
		if t.Chain == chain && t.BlockNumber <= upToBlock && !t.Finalized {
			t.Finalized = true
			n++
		}
	}
	return n, nil
}

// --- participants ---

type memParticipantRepo struct{ s *memStore }

func (r *memParticipantRepo) RecomputeTx(_ context.Context, _ *sql.Tx, taker string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var takes []*model.Take
	for _, t := range r.s.takes {
		if t.Taker == taker {
			takes = append(takes, t)
		}
	}
	totals, err := aggregate.ParticipantsFromTakes(takes)
	if err != nil {
		return err
	}
	if len(totals) == 0 {
		delete(r.s.participants, taker)
		return nil
	}
	p := totals[0]
	r.s.participants[taker] = &model.ParticipantSummary{
		Taker:            p.Taker,
		TotalTakeCount:   p.TotalTakeCount,
		UniqueRoundCount: p.UniqueRoundCount,
		TotalVolume:      p.TotalVolume.String(),
		FirstSeen:        p.FirstSeen,
		LastSeen:         p.LastSeen,
	}
	return nil
}

func (r *memParticipantRepo) Find(_ context.Context, taker string) (*model.ParticipantSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.participants[taker]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *memParticipantRepo) TopByVolume(_ context.Context, limit int) ([]model.ParticipantSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.ParticipantSummary
	for _, p := range r.s.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := new(big.Int).SetString(out[i].TotalVolume, 10)
		b, _ := new(big.Int).SetString(out[j].TotalVolume, 10)
		return a.Cmp(b) > 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memParticipantRepo) DeleteEmptyTx(_ context.Context, _ *sql.Tx) error {
	return nil
}

// --- cursors ---

type memCursorRepo struct{ s *memStore }

func (r *memCursorRepo) Get(_ context.Context, _ model.Chain) (*model.IndexerCursor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := r.s.cursor
	return &cp, nil
}

func (r *memCursorRepo) EnsureExists(_ context.Context, _ model.Chain) error { return nil }

func (r *memCursorRepo) UpsertTx(_ context.Context, _ *sql.Tx, _ model.Chain, lastBlock int64, lastHash string, itemsProcessed int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if lastBlock >= r.s.cursor.LastConfirmedBlock {
		r.s.cursor.LastConfirmedBlock = lastBlock
		r.s.cursor.LastBlockHash = lastHash
	}
	r.s.cursor.ItemsProcessed += itemsProcessed
	return nil
}

func (r *memCursorRepo) RewindTx(_ context.Context, _ *sql.Tx, _ model.Chain, toBlock int64, toHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.cursor.LastConfirmedBlock = toBlock
	r.s.cursor.LastBlockHash = toHash
	return nil
}

// --- indexed blocks ---

type memBlockRepo struct{ s *memStore }

func (r *memBlockRepo) UpsertTx(_ context.Context, _ *sql.Tx, block *model.IndexedBlock) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *block
	r.s.blocks[block.BlockNumber] = &cp
	return nil
}

func (r *memBlockRepo) GetByBlockNumber(_ context.Context, _ model.Chain, blockNumber int64) (*model.IndexedBlock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.blocks[blockNumber]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *memBlockRepo) GetUnfinalized(_ context.Context, _ model.Chain) ([]model.IndexedBlock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.IndexedBlock
	for _, b := range r.s.blocks {
		if b.FinalityState == model.BlockFinalityPending {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (r *memBlockRepo) LatestBlockNumber(_ context.Context, _ model.Chain) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest int64
	for _, b := range r.s.blocks {
		if b.BlockNumber > latest {
			latest = b.BlockNumber
		}
	}
	return latest, nil
}

func (r *memBlockRepo) UpdateFinalityTx(_ context.Context, _ *sql.Tx, _ model.Chain, upToBlock int64, newState string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, b := range r.s.blocks {
		if b.BlockNumber <= upToBlock && b.FinalityState == model.BlockFinalityPending {
			b.FinalityState = newState
			n++
		}
	}
	return n, nil
}

func (r *memBlockRepo) DeleteFromBlockTx(_ context.Context, _ *sql.Tx, _ model.Chain, fromBlock int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for num := range r.s.blocks {
		if num >= fromBlock {
			delete(r.s.blocks, num)
		}
	}
	return nil
}

func (r *memBlockRepo) PurgeFinalizedBefore(_ context.Context, _ model.Chain, beforeBlock int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for num, b := range r.s.blocks {
		if num < beforeBlock && b.FinalityState == model.BlockFinalityFinalized {
			delete(r.s.blocks, num)
			n++
		}
	}
	return n, nil
}

// --- fixture ---

const testChain = model.ChainEthereum

type fixture struct {
	store        *memStore
	auctions     *memAuctionRepo
	rounds       *memRoundRepo
	takes        *memTakeRepo
	participants *memParticipantRepo
	cursors      *memCursorRepo
	blocks       *memBlockRepo
	ing          *Ingester
}

func newFixture(opts ...Option) *fixture {
	s := newMemStore(testChain)
	f := &fixture{
		store:        s,
		auctions:     &memAuctionRepo{s: s},
		rounds:       &memRoundRepo{s: s},
		takes:        &memTakeRepo{s: s},
		participants: &memParticipantRepo{s: s},
		cursors:      &memCursorRepo{s: s},
		blocks:       &memBlockRepo{s: s},
	}
	f.ing = New(
		openFakeDB(),
		f.auctions, f.rounds, f.takes, f.participants, f.cursors, f.blocks,
		testChain, nil, slog.Default(),
		opts...,
	)
	return f
}
