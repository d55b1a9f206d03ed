// Package liquidation drives forced closes. The engine scans for unhealthy
// positions and submits them to the ledger, which re-derives each decision
// at the live mark price before touching anything. Keeper bots call in
// through here, never the ledger directly.
package liquidation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/notsatoshii/probledger/internal/auth"
	"github.com/notsatoshii/probledger/internal/errs"
	"github.com/notsatoshii/probledger/internal/ledger"
	"github.com/notsatoshii/probledger/internal/risk"
	"github.com/notsatoshii/probledger/internal/settle"
)

// Engine wraps the ledger's liquidation entry point with scanning and
// batch execution.
type Engine struct {
	ledger *ledger.Ledger
	caller auth.Caller
	log    zerolog.Logger
}

func NewEngine(l *ledger.Ledger, caller auth.Caller, log zerolog.Logger) *Engine {
	return &Engine{
		ledger: l,
		caller: caller,
		log:    log.With().Str("component", "liquidation").Logger(),
	}
}

// Candidate is one position flagged as liquidatable by a scan.
type Candidate struct {
	Trader   uuid.UUID
	MarketID string
	Decision risk.Decision
}

// Scan checks every open position in a market against the live mark price
// and returns those due for liquidation. The result is advisory; the
// ledger re-checks each one on execution.
func (e *Engine) Scan(marketID string) ([]Candidate, error) {
	var out []Candidate
	for _, pos := range e.ledger.MarketPositions(marketID) {
		decision, err := e.ledger.CheckLiquidatable(pos.Trader, marketID)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", marketID, err)
		}
		if decision.Kind != risk.LiquidationNone {
			out = append(out, Candidate{Trader: pos.Trader, MarketID: marketID, Decision: decision})
		}
	}
	return out, nil
}

// Liquidate executes one liquidation through the ledger.
func (e *Engine) Liquidate(trader uuid.UUID, marketID string, liquidator uuid.UUID, now int64) (*settle.Batch, *ledger.LiquidationResult, error) {
	return e.ledger.Liquidate(e.caller, ledger.LiquidateParams{
		Trader:     trader,
		MarketID:   marketID,
		Liquidator: liquidator,
		Now:        now,
	})
}

// PartialLiquidate shrinks an unhealthy position to targetSize, leaving
// the remainder open.
func (e *Engine) PartialLiquidate(trader uuid.UUID, marketID string, liquidator uuid.UUID, targetSize, now int64) (*settle.Batch, *ledger.LiquidationResult, error) {
	return e.ledger.PartialLiquidate(e.caller, ledger.LiquidateParams{
		Trader:     trader,
		MarketID:   marketID,
		Liquidator: liquidator,
		Now:        now,
	}, targetSize)
}

// BatchOutcome tallies one batch run. Healthy positions are skips, not
// failures: a candidate may have recovered between scan and execution.
type BatchOutcome struct {
	Succeeded int
	Skipped   int
	Failed    int
	Errors    []error
}

// BatchLiquidate runs a list of candidates with per-item isolation. One
// failed or recovered position never blocks the rest of the batch.
func (e *Engine) BatchLiquidate(candidates []Candidate, liquidator uuid.UUID, now int64) BatchOutcome {
	var out BatchOutcome
	for _, c := range candidates {
		_, res, err := e.Liquidate(c.Trader, c.MarketID, liquidator, now)
		switch {
		case err == nil:
			out.Succeeded++
			e.log.Info().
				Str("market", c.MarketID).
				Stringer("trader", c.Trader).
				Stringer("kind", res.Kind).
				Msg("batch liquidation executed")
		case errors.Is(err, errs.ErrState):
			out.Skipped++
		default:
			out.Failed++
			out.Errors = append(out.Errors, fmt.Errorf("trader %s market %s: %w", c.Trader, c.MarketID, err))
			e.log.Error().Err(err).
				Str("market", c.MarketID).
				Stringer("trader", c.Trader).
				Msg("batch liquidation failed")
		}
	}
	return out
}

// SweepMarket scans a market and liquidates everything due in one pass.
func (e *Engine) SweepMarket(marketID string, liquidator uuid.UUID, now int64) (BatchOutcome, error) {
	candidates, err := e.Scan(marketID)
	if err != nil {
		return BatchOutcome{}, err
	}
	return e.BatchLiquidate(candidates, liquidator, now), nil
}
