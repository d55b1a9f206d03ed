// Package server exposes the ledger over HTTP. Reads go through the
// query service; mutations go through the ledger, which enforces roles
// on the caller identity attached by the auth middleware. The server
// trusts an upstream gateway to authenticate requests and forward the
// caller ID in a header.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/notsatoshii/probledger/internal/auth"
	"github.com/notsatoshii/probledger/internal/errs"
	"github.com/notsatoshii/probledger/internal/ledger"
	"github.com/notsatoshii/probledger/internal/liquidation"
	"github.com/notsatoshii/probledger/internal/market"
	"github.com/notsatoshii/probledger/internal/observability"
	"github.com/notsatoshii/probledger/internal/oracle"
	"github.com/notsatoshii/probledger/internal/position"
	"github.com/notsatoshii/probledger/internal/query"
	"github.com/notsatoshii/probledger/internal/settle"
)

// CallerHeader carries the authenticated caller ID set by the gateway.
const CallerHeader = "X-Caller-Id"

type ctxKey int

const callerKey ctxKey = 0

// Server wires the HTTP router over the ledger and its read side.
type Server struct {
	ledger *ledger.Ledger
	query  *query.Service
	liq    *liquidation.Engine
	policy *auth.Policy
	prices *oracle.PriceCache
	health *observability.HealthChecker

	httpServer *http.Server
	log        zerolog.Logger
	metrics    *observability.Metrics
	nowFn      func() int64
}

// Deps holds everything the HTTP server needs.
type Deps struct {
	Ledger  *ledger.Ledger
	Query   *query.Service
	Liq     *liquidation.Engine
	Policy  *auth.Policy
	Prices  *oracle.PriceCache
	Health  *observability.HealthChecker
	Log     zerolog.Logger
	Metrics *observability.Metrics

	// NowFn supplies timestamps for requests that omit one. Tests
	// override it; nil means wall clock.
	NowFn func() int64
}

// New builds the server and its router. Call ListenAndServe to start.
func New(addr string, d Deps) *Server {
	s := &Server{
		ledger:  d.Ledger,
		query:   d.Query,
		liq:     d.Liq,
		policy:  d.Policy,
		prices:  d.Prices,
		health:  d.Health,
		log:     d.Log,
		metrics: d.Metrics,
		nowFn:   d.NowFn,
	}
	if s.nowFn == nil {
		s.nowFn = func() int64 { return time.Now().UnixMicro() }
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router assembles the chi router. Exposed separately so tests can
// drive it with httptest without binding a port.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", s.handleListMarkets)
		r.Get("/markets/{marketID}", s.handleGetMarket)
		r.Get("/markets/{marketID}/quote", s.handleQuote)
		r.Get("/traders/{trader}/positions", s.handleTraderPositions)
		r.Get("/traders/{trader}/positions/{marketID}", s.handleGetPosition)
		r.Get("/traders/{trader}/transfers", s.handleTransferHistory)
		r.Get("/sequence", s.handleSequence)

		// Mutations carry the gateway-authenticated caller; the
		// ledger rejects callers without the required role.
		r.Group(func(r chi.Router) {
			r.Use(s.withCaller)
			r.Post("/fills", s.handleFill)
			r.Post("/collateral", s.handleCollateral)
			r.Post("/liquidations", s.handleLiquidate)
			r.Post("/liquidations/sweep", s.handleSweep)
			r.Post("/keeper/accrue", s.handleAccrue)
			r.Post("/keeper/prices", s.handlePriceBatch)
			r.Post("/admin/markets", s.handleAddMarket)
			r.Post("/admin/markets/{marketID}/status", s.handleMarketStatus)
			r.Post("/admin/markets/{marketID}/risk", s.handleRiskConfig)
		})
	})
	return r
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// withCaller resolves the caller ID header against the policy and
// attaches the resulting Caller to the request context. An absent
// header yields a caller with no roles; the ledger rejects it.
func (s *Server) withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := s.policy.Resolve(r.Header.Get(CallerHeader))
		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(r *http.Request) auth.Caller {
	if c, ok := r.Context().Value(callerKey).(auth.Caller); ok {
		return c
	}
	return auth.Caller{}
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.QueryRequests.WithLabelValues(pattern).Inc()
		s.metrics.QueryDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
	})
}

// --- request/response shapes ---

type fillRequest struct {
	Trader          string `json:"trader"`
	MarketID        string `json:"market_id"`
	Side            string `json:"side"`
	Size            int64  `json:"size"`
	Price           int64  `json:"price"`
	CollateralDelta int64  `json:"collateral_delta"`
	TimestampUs     int64  `json:"timestamp_us,omitempty"`
}

type collateralRequest struct {
	Trader      string `json:"trader"`
	MarketID    string `json:"market_id"`
	Delta       int64  `json:"delta"`
	TimestampUs int64  `json:"timestamp_us,omitempty"`
}

type liquidateRequest struct {
	Trader     string `json:"trader"`
	MarketID   string `json:"market_id"`
	Liquidator string `json:"liquidator"`

	// TargetSize > 0 requests a partial liquidation down to that size
	// instead of the risk engine's default close fraction.
	TargetSize  int64 `json:"target_size,omitempty"`
	TimestampUs int64 `json:"timestamp_us,omitempty"`
}

type sweepRequest struct {
	MarketID    string `json:"market_id"`
	Liquidator  string `json:"liquidator"`
	TimestampUs int64  `json:"timestamp_us,omitempty"`
}

type addMarketRequest struct {
	MarketID         string `json:"market_id"`
	ResolutionTimeUs int64  `json:"resolution_time_us"`

	// Optional overrides; zero values fall back to defaults.
	MaxLeverage          int64 `json:"max_leverage,omitempty"`
	MaintenanceRatio     int64 `json:"maintenance_ratio,omitempty"`
	LiquidationBuffer    int64 `json:"liquidation_buffer,omitempty"`
	LiquidationPenalty   int64 `json:"liquidation_penalty,omitempty"`
	PartialCloseFraction int64 `json:"partial_close_fraction,omitempty"`
	BaseBorrowRate       int64 `json:"base_borrow_rate,omitempty"`
	MinBorrowRate        int64 `json:"min_borrow_rate,omitempty"`
	MaxBorrowRate        int64 `json:"max_borrow_rate,omitempty"`
	MaxSideOI            int64 `json:"max_side_oi,omitempty"`
}

type marketStatusRequest struct {
	Active      bool  `json:"active"`
	Live        bool  `json:"live"`
	LiveStartUs int64 `json:"live_start_us,omitempty"`
}

type riskConfigRequest struct {
	MaxLeverage          int64 `json:"max_leverage"`
	MaintenanceRatio     int64 `json:"maintenance_ratio"`
	LiquidationBuffer    int64 `json:"liquidation_buffer"`
	LiquidationPenalty   int64 `json:"liquidation_penalty"`
	PartialCloseFraction int64 `json:"partial_close_fraction"`
	BaseBorrowRate       int64 `json:"base_borrow_rate"`
	MinBorrowRate        int64 `json:"min_borrow_rate"`
	MaxBorrowRate        int64 `json:"max_borrow_rate"`
	MaxSideOI            int64 `json:"max_side_oi"`
}

type batchResponse struct {
	BatchID     string `json:"batch_id"`
	Sequence    int64  `json:"sequence"`
	Op          string `json:"op"`
	MarketID    string `json:"market_id"`
	Transfers   int    `json:"transfers"`
	TimestampUs int64  `json:"timestamp_us"`
}

type liquidateResponse struct {
	Batch            *batchResponse `json:"batch"`
	Kind             string         `json:"kind"`
	ClosedSize       int64          `json:"closed_size"`
	MarkPrice        int64          `json:"mark_price"`
	PenaltySeized    int64          `json:"penalty_seized"`
	LiquidatorReward int64          `json:"liquidator_reward"`
	UncoveredLoss    int64          `json:"uncovered_loss"`
}

type sweepResponse struct {
	Candidates int      `json:"candidates"`
	Succeeded  int      `json:"succeeded"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// --- handlers: reads ---

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	out, err := s.query.ListMarkets()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	out, err := s.query.GetMarket(chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	side, ok := parseSide(r.URL.Query().Get("side"))
	if !ok {
		s.writeBadRequest(w, r, "side must be long or short")
		return
	}
	size, err := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
	if err != nil || size <= 0 {
		s.writeBadRequest(w, r, "size must be a positive integer")
		return
	}
	out, err := s.query.GetQuote(chi.URLParam(r, "marketID"), side, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTraderPositions(w http.ResponseWriter, r *http.Request) {
	trader, err := uuid.Parse(chi.URLParam(r, "trader"))
	if err != nil {
		s.writeBadRequest(w, r, "invalid trader id")
		return
	}
	out, err := s.query.GetTraderPositions(trader)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	trader, err := uuid.Parse(chi.URLParam(r, "trader"))
	if err != nil {
		s.writeBadRequest(w, r, "invalid trader id")
		return
	}
	out, err := s.query.GetPosition(trader, chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTransferHistory(w http.ResponseWriter, r *http.Request) {
	trader, err := uuid.Parse(chi.URLParam(r, "trader"))
	if err != nil {
		s.writeBadRequest(w, r, "invalid trader id")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			s.writeBadRequest(w, r, "invalid limit")
			return
		}
	}
	var before *int64
	if v := r.URL.Query().Get("before_sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeBadRequest(w, r, "invalid before_sequence")
			return
		}
		before = &seq
	}
	out, err := s.query.GetTransferHistory(r.Context(), trader, limit, before)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSequence(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int64{"sequence": s.ledger.Sequence()})
}

// --- handlers: mutations ---

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if !s.decode(w, r, &req) {
		return
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		s.writeBadRequest(w, r, "invalid trader id")
		return
	}
	side, ok := parseSide(req.Side)
	if !ok {
		s.writeBadRequest(w, r, "side must be long or short")
		return
	}
	batch, err := s.ledger.Open(callerFrom(r), ledger.OpenParams{
		Trader:          trader,
		MarketID:        req.MarketID,
		Side:            side,
		Size:            req.Size,
		Price:           req.Price,
		CollateralDelta: req.CollateralDelta,
		Now:             s.timestamp(req.TimestampUs),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toBatchResponse(batch))
}

func (s *Server) handleCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if !s.decode(w, r, &req) {
		return
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		s.writeBadRequest(w, r, "invalid trader id")
		return
	}
	batch, err := s.ledger.ModifyCollateral(callerFrom(r), trader, req.MarketID, req.Delta, s.timestamp(req.TimestampUs))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toBatchResponse(batch))
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		s.writeBadRequest(w, r, "invalid trader id")
		return
	}
	liquidator, err := uuid.Parse(req.Liquidator)
	if err != nil {
		s.writeBadRequest(w, r, "invalid liquidator id")
		return
	}
	params := ledger.LiquidateParams{
		Trader:     trader,
		MarketID:   req.MarketID,
		Liquidator: liquidator,
		Now:        s.timestamp(req.TimestampUs),
	}
	var batch *settle.Batch
	var res *ledger.LiquidationResult
	if req.TargetSize > 0 {
		batch, res, err = s.ledger.PartialLiquidate(callerFrom(r), params, req.TargetSize)
	} else {
		batch, res, err = s.ledger.Liquidate(callerFrom(r), params)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, liquidateResponse{
		Batch:            toBatchResponse(batch),
		Kind:             res.Kind.String(),
		ClosedSize:       res.ClosedSize,
		MarkPrice:        res.MarkPrice,
		PenaltySeized:    res.PenaltySeized,
		LiquidatorReward: res.LiquidatorReward,
		UncoveredLoss:    res.UncoveredLoss,
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if !s.decode(w, r, &req) {
		return
	}
	liquidator, err := uuid.Parse(req.Liquidator)
	if err != nil {
		s.writeBadRequest(w, r, "invalid liquidator id")
		return
	}
	outcome, err := s.liq.SweepMarket(req.MarketID, liquidator, s.timestamp(req.TimestampUs))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := sweepResponse{
		Candidates: outcome.Succeeded + outcome.Skipped + outcome.Failed,
		Succeeded:  outcome.Succeeded,
		Skipped:    outcome.Skipped,
		Failed:     outcome.Failed,
	}
	for _, e := range outcome.Errors {
		resp.Errors = append(resp.Errors, e.Error())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimestampUs int64 `json:"timestamp_us,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.ledger.AccrueBorrowAll(callerFrom(r), s.timestamp(req.TimestampUs))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{"succeeded": res.Succeeded, "failed": res.Failed}
	if len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, e.Error())
		}
		out["errors"] = msgs
	}
	s.writeJSON(w, http.StatusOK, out)
}

type priceUpdateItem struct {
	MarketID    string `json:"market_id"`
	Price       int64  `json:"price"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us,omitempty"`
}

// handlePriceBatch applies a list of mark price updates with per-item
// isolation: one rejected price never blocks the rest of the push.
func (s *Server) handlePriceBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates []priceUpdateItem `json:"updates"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if !callerFrom(r).Has(auth.RoleKeeper) {
		s.writeError(w, r, errs.ErrUnauthorized)
		return
	}
	if len(req.Updates) == 0 {
		s.writeBadRequest(w, r, "updates must not be empty")
		return
	}

	var succeeded, failed int
	var msgs []string
	for _, u := range req.Updates {
		ts := u.TimestampUs
		if ts == 0 {
			ts = s.nowFn()
		}
		if err := s.prices.Put(u.MarketID, u.Price, u.Sequence, ts); err != nil {
			failed++
			msgs = append(msgs, err.Error())
			continue
		}
		succeeded++
	}

	out := map[string]any{"succeeded": succeeded, "failed": failed}
	if len(msgs) > 0 {
		out["errors"] = msgs
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddMarket(w http.ResponseWriter, r *http.Request) {
	var req addMarketRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.MarketID == "" || req.ResolutionTimeUs <= 0 {
		s.writeBadRequest(w, r, "market_id and resolution_time_us are required")
		return
	}
	mkt := market.New(req.MarketID, req.ResolutionTimeUs)
	cfg := market.DefaultRiskConfig(req.MarketID)
	applyOverrides(cfg, &req)
	if err := s.ledger.AddMarket(callerFrom(r), mkt, cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"market_id": req.MarketID})
}

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	var req marketStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	marketID := chi.URLParam(r, "marketID")
	if err := s.ledger.SetMarketStatus(callerFrom(r), marketID, req.Active, req.Live, req.LiveStartUs); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"market_id": marketID})
}

func (s *Server) handleRiskConfig(w http.ResponseWriter, r *http.Request) {
	var req riskConfigRequest
	if !s.decode(w, r, &req) {
		return
	}
	marketID := chi.URLParam(r, "marketID")
	cfg := &market.RiskConfig{
		MarketID:             marketID,
		MaxLeverage:          req.MaxLeverage,
		MaintenanceRatio:     req.MaintenanceRatio,
		LiquidationBuffer:    req.LiquidationBuffer,
		LiquidationPenalty:   req.LiquidationPenalty,
		PartialCloseFraction: req.PartialCloseFraction,
		BaseBorrowRate:       req.BaseBorrowRate,
		MinBorrowRate:        req.MinBorrowRate,
		MaxBorrowRate:        req.MaxBorrowRate,
		MaxSideOI:            req.MaxSideOI,
	}
	if err := s.ledger.UpdateRiskConfig(callerFrom(r), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"market_id": marketID})
}

// --- helpers ---

func (s *Server) timestamp(requested int64) int64 {
	if requested > 0 {
		return requested
	}
	return s.nowFn()
}

func parseSide(v string) (position.Side, bool) {
	switch v {
	case "long":
		return position.SideLong, true
	case "short":
		return position.SideShort, true
	default:
		return position.SideFlat, false
	}
}

func applyOverrides(cfg *market.RiskConfig, req *addMarketRequest) {
	if req.MaxLeverage > 0 {
		cfg.MaxLeverage = req.MaxLeverage
	}
	if req.MaintenanceRatio > 0 {
		cfg.MaintenanceRatio = req.MaintenanceRatio
	}
	if req.LiquidationBuffer > 0 {
		cfg.LiquidationBuffer = req.LiquidationBuffer
	}
	if req.LiquidationPenalty > 0 {
		cfg.LiquidationPenalty = req.LiquidationPenalty
	}
	if req.PartialCloseFraction > 0 {
		cfg.PartialCloseFraction = req.PartialCloseFraction
	}
	if req.BaseBorrowRate > 0 {
		cfg.BaseBorrowRate = req.BaseBorrowRate
	}
	if req.MinBorrowRate > 0 {
		cfg.MinBorrowRate = req.MinBorrowRate
	}
	if req.MaxBorrowRate > 0 {
		cfg.MaxBorrowRate = req.MaxBorrowRate
	}
	if req.MaxSideOI > 0 {
		cfg.MaxSideOI = req.MaxSideOI
	}
}

func toBatchResponse(b *settle.Batch) *batchResponse {
	return &batchResponse{
		BatchID:     b.ID.String(),
		Sequence:    b.Sequence,
		Op:          b.Op,
		MarketID:    b.MarketID,
		Transfers:   len(b.Transfers),
		TimestampUs: b.Timestamp,
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeBadRequest(w, r, "malformed request body")
		return false
	}
	return true
}

func (s *Server) writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	s.countError(r, "validation")
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: "validation"})
}

// writeError maps taxonomy sentinels to HTTP status codes. Anything
// outside the taxonomy is an internal error and is logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.Kind(err)
	s.countError(r, kind)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, errs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrMargin):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrState):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrCapacity):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func (s *Server) countError(r *http.Request, kind string) {
	pattern := chi.RouteContext(r.Context()).RoutePattern()
	if pattern == "" {
		pattern = r.URL.Path
	}
	s.metrics.QueryErrors.WithLabelValues(pattern, kind).Inc()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}
