package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/query"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
)

const testAuction = "0xA0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

var kickedAt = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeAuctionRepo struct {
	store.AuctionRepository
	auctions []model.Auction
	config   *model.AuctionConfigVersion
}

func (r *fakeAuctionRepo) List(_ context.Context, _ model.Chain) ([]model.Auction, error) {
	return r.auctions, nil
}

func (r *fakeAuctionRepo) ConfigAt(_ context.Context, _ model.Chain, _ string, _ int64) (*model.AuctionConfigVersion, error) {
	return r.config, nil
}

type fakeRoundRepo struct {
	store.RoundRepository
	round *model.Round
}

func (r *fakeRoundRepo) Find(_ context.Context, _ model.Chain, _ string, roundID int64) (*model.Round, error) {
	if r.round == nil || r.round.RoundID != roundID {
		return nil, nil
	}
	return r.round, nil
}

func (r *fakeRoundRepo) CurrentRound(_ context.Context, _ model.Chain, _ string) (*model.Round, error) {
	return r.round, nil
}

type fakeTakeRepo struct {
	store.TakeRepository
	takes []*model.Take
}

func (r *fakeTakeRepo) ListByRound(_ context.Context, _ model.Chain, _ string, _ int64) ([]*model.Take, error) {
	return r.takes, nil
}

func (r *fakeTakeRepo) ListByTaker(_ context.Context, _ string, _ int) ([]*model.Take, error) {
	return r.takes, nil
}

type fakeParticipantRepo struct {
	store.ParticipantRepository
	top []model.ParticipantSummary
}

func (r *fakeParticipantRepo) Find(_ context.Context, _ string) (*model.ParticipantSummary, error) {
	return nil, nil
}

func (r *fakeParticipantRepo) TopByVolume(_ context.Context, _ int) ([]model.ParticipantSummary, error) {
	return r.top, nil
}

type fakeCursorRepo struct {
	store.CursorRepository
	cursor *model.IndexerCursor
}

func (r *fakeCursorRepo) Get(_ context.Context, _ model.Chain) (*model.IndexerCursor, error) {
	return r.cursor, nil
}

type stubHealthProvider struct{ snapshots any }

func (p *stubHealthProvider) HealthSnapshots() any { return p.snapshots }

type stubReorgTrigger struct {
	known     bool
	triggered []model.Chain
}

func (t *stubReorgTrigger) TriggerReorgCheck(chain model.Chain) bool {
	t.triggered = append(t.triggered, chain)
	return t.known
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer(opts ...ServerOption) (*Server, *stubReorgTrigger) {
	price := "1000000000000000000000000000"
	rounds := &fakeRoundRepo{round: &model.Round{
		Chain:                model.ChainEthereum,
		AuctionAddress:       testAuction,
		RoundID:              1,
		KickedAt:             kickedAt,
		KickBlock:            110,
		InitialAvailable:     "1000",
		DynamicStartingPrice: &price,
		State:                model.RoundStateActive,
		TotalTaken:           "0",
		CumulativeVolume:     "0",
	}}
	auctions := &fakeAuctionRepo{
		auctions: []model.Auction{{Chain: model.ChainEthereum, Address: testAuction, IsActive: true}},
		config: &model.AuctionConfigVersion{
			PriceUpdateInterval:  60,
			DecayRatePerStep:     "990000000000000000000000000",
			AuctionLengthSeconds: 3600,
		},
	}

	queries := query.New(auctions, rounds, &fakeTakeRepo{}, &fakeParticipantRepo{}, discardLogger())
	cursors := &fakeCursorRepo{cursor: &model.IndexerCursor{
		Chain:              model.ChainEthereum,
		LastConfirmedBlock: 12345,
		LastBlockHash:      "0xabc",
		ItemsProcessed:     99,
	}}

	trigger := &stubReorgTrigger{known: true}
	opts = append([]ServerOption{WithReorgCheckTrigger(trigger)}, opts...)
	return NewServer(queries, cursors, discardLogger(), opts...), trigger
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_ListAuctions(t *testing.T) {
	srv, _ := testServer()
	h := srv.Handler()

	rec := get(t, h, "/api/v1/auctions?chain=ethereum")
	require.Equal(t, http.StatusOK, rec.Code)

	var auctions []model.Auction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auctions))
	require.Len(t, auctions, 1)
	assert.Equal(t, testAuction, auctions[0].Address)
}

func TestServer_ChainParamValidation(t *testing.T) {
	srv, _ := testServer()
	h := srv.Handler()

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/auctions").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/auctions?chain=dogechain").Code)
}

func TestServer_RoundSummary(t *testing.T) {
	srv, _ := testServer()
	h := srv.Handler()

	rec := get(t, h, "/api/v1/rounds/summary?chain=ethereum&auction="+testAuction+"&round_id=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary query.RoundSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(1), summary.RoundID)
	assert.Equal(t, kickedAt.Add(time.Hour), summary.ExpiresAt)
}

func TestServer_RoundSummary_UnknownRound(t *testing.T) {
	srv, _ := testServer()
	h := srv.Handler()

	rec := get(t, h, "/api/v1/rounds/summary?chain=ethereum&auction="+testAuction+"&round_id=9")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RoundSummary_RejectsBadRoundID(t *testing.T) {
	srv, _ := testServer()
	h := srv.Handler()

	assert.Equal(t, http.StatusBadRequest,
		get(t, h, "/api/v1/rounds/summary?chain=ethereum&auction="+testAuction+"&round_id=0").Code)
	assert.Equal(t, http.StatusBadRequest,
		get(t, h, "/api/v1/rounds/summary?chain=ethereum&auction="+testAuction+"&round_id=abc").Code)
}

func TestServer_Price_AtTimestamp(t *testing.T) {
	srv, _ := testServer()
	h := srv.Handler()

	rec := get(t, h, "/api/v1/rounds/price?chain=ethereum&auction="+testAuction+
		"&round_id=1&at=notatime")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	at := strconv.FormatInt(kickedAt.Add(30*time.Second).Unix(), 10)
	rec = get(t, h, "/api/v1/rounds/price?chain=ethereum&auction="+testAuction+
		"&round_id=1&at="+at)
	require.Equal(t, http.StatusOK, rec.Code)

	var quote query.PriceQuote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
	assert.True(t, quote.Defined)
	assert.Equal(t, "1", quote.Price)
}

func TestServer_Status_ReportsCursor(t *testing.T) {
	srv, _ := testServer()
	h := srv.Handler()

	rec := get(t, h, "/admin/v1/status?chain=ethereum")
	require.Equal(t, http.StatusOK, rec.Code)

	var status chainStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, int64(12345), status.LastConfirmedBlock)
	assert.Equal(t, "0xabc", status.LastBlockHash)
	assert.Equal(t, int64(99), status.ItemsProcessed)
}

func TestServer_Health_WithoutProviderUnavailable(t *testing.T) {
	srv, _ := testServer()
	h := srv.Handler()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/admin/v1/health").Code)
}

func TestServer_Health_ReturnsSnapshots(t *testing.T) {
	srv, _ := testServer(WithHealthProvider(&stubHealthProvider{
		snapshots: map[string]string{"ethereum": "HEALTHY"},
	}))
	h := srv.Handler()

	rec := get(t, h, "/admin/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "HEALTHY")
}

func TestServer_ReorgCheck(t *testing.T) {
	srv, trigger := testServer()
	h := srv.Handler()

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/v1/reorg-check", strings.NewReader(body))
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, post(`{"chain":"ethereum"}`).Code)
	require.Len(t, trigger.triggered, 1)
	assert.Equal(t, model.ChainEthereum, trigger.triggered[0])

	assert.Equal(t, http.StatusBadRequest, post(`{"chain":"dogechain"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)

	trigger.known = false
	assert.Equal(t, http.StatusNotFound, post(`{"chain":"base"}`).Code)
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := testServer()
	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), "/healthz").Code)
}
