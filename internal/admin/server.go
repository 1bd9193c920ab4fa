// Package admin serves the HTTP surface: the public read API backed by the
// query service, and operational endpoints for status, health, and metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/query"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// HealthProvider returns per-pipeline health snapshots as JSON-encodable data.
type HealthProvider interface {
	HealthSnapshots() any
}

// ReorgCheckTrigger requests an immediate continuity check on a chain's
// reorg detector. The bool reports whether the chain has a pipeline.
type ReorgCheckTrigger interface {
	TriggerReorgCheck(chain model.Chain) bool
}

// Server provides the HTTP API for queries and operations.
type Server struct {
	queries        *query.Service
	cursors        store.CursorRepository
	healthProvider HealthProvider
	reorgTrigger   ReorgCheckTrigger
	logger         *slog.Logger
}

// ServerOption configures optional dependencies for the server.
type ServerOption func(*Server)

// WithHealthProvider sets the pipeline health provider.
func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.healthProvider = hp }
}

// WithReorgCheckTrigger enables the manual reorg-check endpoint.
func WithReorgCheckTrigger(rt ReorgCheckTrigger) ServerOption {
	return func(s *Server) { s.reorgTrigger = rt }
}

func NewServer(
	queries *query.Service,
	cursors store.CursorRepository,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	s := &Server{
		queries: queries,
		cursors: cursors,
		logger:  logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the full API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/auctions", s.handleListAuctions)
	mux.HandleFunc("GET /api/v1/rounds/current", s.handleCurrentRound)
	mux.HandleFunc("GET /api/v1/rounds/summary", s.handleRoundSummary)
	mux.HandleFunc("GET /api/v1/rounds/price", s.handlePrice)
	mux.HandleFunc("GET /api/v1/takes", s.handleListTakes)
	mux.HandleFunc("GET /api/v1/participants", s.handleParticipant)
	mux.HandleFunc("GET /api/v1/leaderboard", s.handleLeaderboard)

	mux.HandleFunc("GET /admin/v1/status", s.handleStatus)
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	mux.HandleFunc("POST /admin/v1/reorg-check", s.handleReorgCheck)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireChainQuery extracts and validates the chain query param. Returns
// false (and writes an error response) if validation fails.
func requireChainQuery(w http.ResponseWriter, r *http.Request) (model.Chain, bool) {
	chain := model.Chain(r.URL.Query().Get("chain"))
	if chain == "" {
		writeError(w, http.StatusBadRequest, "chain query param required")
		return "", false
	}
	if !model.IsKnownChain(chain) {
		writeError(w, http.StatusBadRequest, "unknown chain value")
		return "", false
	}
	return chain, true
}

// decodeJSONBody reads and decodes a JSON request body into v. Returns
// false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, v any, err error, what string) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case err != nil:
		s.logger.Error(what+" query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	chain, ok := requireChainQuery(w, r)
	if !ok {
		return
	}
	auctions, err := s.queries.ListAuctions(r.Context(), chain)
	s.respond(w, auctions, err, "auctions")
}

func (s *Server) handleCurrentRound(w http.ResponseWriter, r *http.Request) {
	chain, ok := requireChainQuery(w, r)
	if !ok {
		return
	}
	auction := r.URL.Query().Get("auction")
	if auction == "" {
		writeError(w, http.StatusBadRequest, "auction query param required")
		return
	}
	summary, err := s.queries.GetCurrentRound(r.Context(), chain, auction)
	s.respond(w, summary, err, "current round")
}

func (s *Server) handleRoundSummary(w http.ResponseWriter, r *http.Request) {
	chain, auction, roundID, ok := s.roundParams(w, r)
	if !ok {
		return
	}
	summary, err := s.queries.GetRoundSummary(r.Context(), chain, auction, roundID)
	s.respond(w, summary, err, "round")
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	chain, auction, roundID, ok := s.roundParams(w, r)
	if !ok {
		return
	}

	at := time.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be a unix timestamp")
			return
		}
		at = time.Unix(unix, 0).UTC()
	}

	quote, err := s.queries.GetCurrentPrice(r.Context(), chain, auction, roundID, at)
	s.respond(w, quote, err, "round")
}

func (s *Server) handleListTakes(w http.ResponseWriter, r *http.Request) {
	if taker := r.URL.Query().Get("taker"); taker != "" {
		limit := intQuery(r, "limit", 50)
		takes, err := s.queries.ListTakesByTaker(r.Context(), taker, limit)
		s.respond(w, takes, err, "takes")
		return
	}

	chain, auction, roundID, ok := s.roundParams(w, r)
	if !ok {
		return
	}
	takes, err := s.queries.ListTakesByRound(r.Context(), chain, auction, roundID)
	s.respond(w, takes, err, "takes")
}

func (s *Server) handleParticipant(w http.ResponseWriter, r *http.Request) {
	taker := r.URL.Query().Get("taker")
	if taker == "" {
		writeError(w, http.StatusBadRequest, "taker query param required")
		return
	}
	summary, err := s.queries.GetParticipant(r.Context(), taker)
	s.respond(w, summary, err, "participant")
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 10)
	if limit > 100 {
		limit = 100
	}
	top, err := s.queries.GetLeaderboard(r.Context(), limit)
	s.respond(w, top, err, "leaderboard")
}

type chainStatusResponse struct {
	Chain              string `json:"chain"`
	LastConfirmedBlock int64  `json:"last_confirmed_block"`
	LastBlockHash      string `json:"last_block_hash,omitempty"`
	ItemsProcessed     int64  `json:"items_processed"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	chain, ok := requireChainQuery(w, r)
	if !ok {
		return
	}

	cursor, err := s.cursors.Get(r.Context(), chain)
	if err != nil {
		s.logger.Error("get status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := chainStatusResponse{Chain: string(chain)}
	if cursor != nil {
		resp.LastConfirmedBlock = cursor.LastConfirmedBlock
		resp.LastBlockHash = cursor.LastBlockHash
		resp.ItemsProcessed = cursor.ItemsProcessed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthProvider == nil {
		writeError(w, http.StatusServiceUnavailable, "health provider not available")
		return
	}
	writeJSON(w, http.StatusOK, s.healthProvider.HealthSnapshots())
}

type reorgCheckRequest struct {
	Chain string `json:"chain"`
}

func (s *Server) handleReorgCheck(w http.ResponseWriter, r *http.Request) {
	if s.reorgTrigger == nil {
		writeError(w, http.StatusServiceUnavailable, "reorg check not available")
		return
	}

	var req reorgCheckRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	chain := model.Chain(req.Chain)
	if !model.IsKnownChain(chain) {
		writeError(w, http.StatusBadRequest, "unknown chain value")
		return
	}

	if !s.reorgTrigger.TriggerReorgCheck(chain) {
		writeError(w, http.StatusNotFound, "no pipeline for chain")
		return
	}

	s.logger.Info("manual reorg check triggered", "chain", chain)
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) roundParams(w http.ResponseWriter, r *http.Request) (model.Chain, string, int64, bool) {
	chain, ok := requireChainQuery(w, r)
	if !ok {
		return "", "", 0, false
	}
	auction := r.URL.Query().Get("auction")
	if auction == "" {
		writeError(w, http.StatusBadRequest, "auction query param required")
		return "", "", 0, false
	}
	roundID, err := strconv.ParseInt(r.URL.Query().Get("round_id"), 10, 64)
	if err != nil || roundID < 1 {
		writeError(w, http.StatusBadRequest, "round_id must be a positive integer")
		return "", "", 0, false
	}
	return chain, auction, roundID, true
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string, middleware ...func(http.Handler) http.Handler) error {
	handler := s.Handler()
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
