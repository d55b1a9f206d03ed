// Package ledger is the single authoritative store of position and market
// state. Every mutation is one atomic, globally ordered transition: it
// settles fees lazily, consults the risk engine, and emits a balanced
// transfer batch for the external settlement layer.
package ledger

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/notsatoshii/probledger/internal/auth"
	"github.com/notsatoshii/probledger/internal/errs"
	"github.com/notsatoshii/probledger/internal/fee"
	"github.com/notsatoshii/probledger/internal/fixedpoint"
	"github.com/notsatoshii/probledger/internal/market"
	"github.com/notsatoshii/probledger/internal/observability"
	"github.com/notsatoshii/probledger/internal/oracle"
	"github.com/notsatoshii/probledger/internal/position"
	"github.com/notsatoshii/probledger/internal/risk"
	"github.com/notsatoshii/probledger/internal/settle"
)

// Key identifies a position: one position per (trader, market).
type Key struct {
	Trader   uuid.UUID
	MarketID string
}

// Ledger owns all Position and Market records. Engines read snapshots and
// write back only through the mutation entry points here.
type Ledger struct {
	mu       sync.RWMutex
	inFlight atomic.Bool

	policy *auth.Policy
	risk   *risk.Engine
	prices oracle.MarkPriceSource
	pool   oracle.LPPool
	fund   oracle.InsuranceFund

	positions   map[Key]*position.Position
	markets     map[string]*market.Market
	riskConfigs map[string]*market.RiskConfig

	sequence int64

	emit chan<- *settle.Batch // optional; blocking send like the persist path

	log     zerolog.Logger
	metrics *observability.Metrics
}

// Deps bundles the collaborators the ledger consumes.
type Deps struct {
	Policy  *auth.Policy
	Risk    *risk.Engine
	Prices  oracle.MarkPriceSource
	Pool    oracle.LPPool
	Fund    oracle.InsuranceFund
	Emit    chan<- *settle.Batch
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

func New(deps Deps) *Ledger {
	return &Ledger{
		policy:      deps.Policy,
		risk:        deps.Risk,
		prices:      deps.Prices,
		pool:        deps.Pool,
		fund:        deps.Fund,
		positions:   make(map[Key]*position.Position),
		markets:     make(map[string]*market.Market),
		riskConfigs: make(map[string]*market.RiskConfig),
		emit:        deps.Emit,
		log:         deps.Logger,
		metrics:     deps.Metrics,
	}
}

// enter acquires the in-flight guard. A mutating call arriving while
// another is in flight - including a reentrant nested call - is rejected,
// never queued.
func (l *Ledger) enter() error {
	if !l.inFlight.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: reentrant or concurrent mutating call rejected", errs.ErrState)
	}
	return nil
}

func (l *Ledger) exit() {
	l.inFlight.Store(false)
}

func (l *Ledger) requireRole(caller auth.Caller, role auth.Role) error {
	if !caller.Has(role) {
		return fmt.Errorf("%w: caller %q lacks role %s", errs.ErrUnauthorized, caller.ID, role)
	}
	return nil
}

// commit publishes a completed batch and bumps the global sequence.
// Must be called with l.mu held.
func (l *Ledger) commit(batch *settle.Batch, op string) {
	l.sequence++
	batch.Sequence = l.sequence

	if l.metrics != nil {
		l.metrics.OpsApplied.WithLabelValues(op).Inc()
		l.metrics.Sequence.Set(float64(l.sequence))
	}

	if l.emit != nil {
		l.emit <- batch
	}
}

func (l *Ledger) reject(op string, err error) error {
	if l.metrics != nil {
		l.metrics.OpsRejected.WithLabelValues(op, errs.Kind(err)).Inc()
	}
	return err
}

// === Admin operations ===

// AddMarket registers a market and its risk parameters.
func (l *Ledger) AddMarket(caller auth.Caller, mkt *market.Market, cfg *market.RiskConfig) error {
	if err := l.requireRole(caller, auth.RoleAdmin); err != nil {
		return l.reject("add_market", err)
	}
	if err := cfg.Validate(); err != nil {
		return l.reject("add_market", fmt.Errorf("%w: %v", errs.ErrValidation, err))
	}
	if err := l.enter(); err != nil {
		return l.reject("add_market", err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.markets[mkt.ID]; ok {
		return l.reject("add_market", fmt.Errorf("%w: market %s already exists", errs.ErrState, mkt.ID))
	}

	l.markets[mkt.ID] = mkt
	l.riskConfigs[mkt.ID] = cfg

	l.log.Info().Str("market", mkt.ID).Msg("market added")
	return nil
}

// UpdateRiskConfig replaces a market's risk parameters.
func (l *Ledger) UpdateRiskConfig(caller auth.Caller, cfg *market.RiskConfig) error {
	if err := l.requireRole(caller, auth.RoleAdmin); err != nil {
		return l.reject("update_risk_config", err)
	}
	if err := cfg.Validate(); err != nil {
		return l.reject("update_risk_config", fmt.Errorf("%w: %v", errs.ErrValidation, err))
	}
	if err := l.enter(); err != nil {
		return l.reject("update_risk_config", err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.markets[cfg.MarketID]; !ok {
		return l.reject("update_risk_config", fmt.Errorf("%w: unknown market %s", errs.ErrValidation, cfg.MarketID))
	}

	l.riskConfigs[cfg.MarketID] = cfg
	l.log.Info().Str("market", cfg.MarketID).Msg("risk config updated")
	return nil
}

// SetMarketStatus flips the active/live flags for a market.
func (l *Ledger) SetMarketStatus(caller auth.Caller, marketID string, active, live bool, liveStart int64) error {
	if err := l.requireRole(caller, auth.RoleAdmin); err != nil {
		return l.reject("set_market_status", err)
	}
	if err := l.enter(); err != nil {
		return l.reject("set_market_status", err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	mkt, ok := l.markets[marketID]
	if !ok {
		return l.reject("set_market_status", fmt.Errorf("%w: unknown market %s", errs.ErrValidation, marketID))
	}

	mkt.Active = active
	mkt.Live = live
	if live {
		mkt.LiveStart = liveStart
	}
	return nil
}

// === Read-only queries ===
// Reads serve the latest committed state and never block writers beyond the
// commit critical section.

// GetPosition returns a snapshot of the position, or false if none is open.
func (l *Ledger) GetPosition(trader uuid.UUID, marketID string) (*position.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[Key{Trader: trader, MarketID: marketID}]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// GetTraderPositions returns snapshots of all of a trader's open positions.
func (l *Ledger) GetTraderPositions(trader uuid.UUID) []*position.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*position.Position
	for key, pos := range l.positions {
		if key.Trader == trader {
			out = append(out, pos.Clone())
		}
	}
	return out
}

// MarketPositions returns snapshots of all open positions in a market.
func (l *Ledger) MarketPositions(marketID string) []*position.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*position.Position
	for key, pos := range l.positions {
		if key.MarketID == marketID {
			out = append(out, pos.Clone())
		}
	}
	return out
}

// GetMarket returns a snapshot of the market state.
func (l *Ledger) GetMarket(marketID string) (*market.Market, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	mkt, ok := l.markets[marketID]
	if !ok {
		return nil, false
	}
	return mkt.Clone(), true
}

// GetRiskConfig returns the market's risk parameters.
func (l *Ledger) GetRiskConfig(marketID string) (*market.RiskConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cfg, ok := l.riskConfigs[marketID]
	if !ok {
		return nil, false
	}
	cp := *cfg
	return &cp, true
}

// Markets returns snapshots of all registered markets.
func (l *Ledger) Markets() []*market.Market {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*market.Market, 0, len(l.markets))
	for _, mkt := range l.markets {
		out = append(out, mkt.Clone())
	}
	return out
}

// PendingFees previews the fees a position owes without settling them.
func (l *Ledger) PendingFees(trader uuid.UUID, marketID string) (fee.Pending, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[Key{Trader: trader, MarketID: marketID}]
	if !ok {
		return fee.Pending{}, fmt.Errorf("%w: no position for trader %s in market %s", errs.ErrState, trader, marketID)
	}
	mkt, ok := l.markets[marketID]
	if !ok {
		return fee.Pending{}, fmt.Errorf("%w: unknown market %s", errs.ErrState, marketID)
	}

	return fee.ComputePending(pos, mkt), nil
}

// EquityPreview computes a position's equity at the live mark price.
func (l *Ledger) EquityPreview(trader uuid.UUID, marketID string) (int64, error) {
	markPrice, err := l.prices.GetMarkPrice(marketID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[Key{Trader: trader, MarketID: marketID}]
	if !ok {
		return 0, fmt.Errorf("%w: no position for trader %s in market %s", errs.ErrState, trader, marketID)
	}
	mkt := l.markets[marketID]

	return risk.Equity(pos, markPrice, fee.ComputePending(pos, mkt)), nil
}

// CheckLiquidatable re-derives the liquidation decision at the live mark
// price for keeper/display use.
func (l *Ledger) CheckLiquidatable(trader uuid.UUID, marketID string) (risk.Decision, error) {
	markPrice, err := l.prices.GetMarkPrice(marketID)
	if err != nil {
		return risk.Decision{}, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[Key{Trader: trader, MarketID: marketID}]
	if !ok {
		return risk.Decision{}, fmt.Errorf("%w: no position for trader %s in market %s", errs.ErrState, trader, marketID)
	}
	mkt := l.markets[marketID]
	cfg := l.riskConfigs[marketID]

	return l.risk.CheckLiquidation(pos, cfg, mkt, markPrice), nil
}

// Sequence returns the last committed global sequence number.
func (l *Ledger) Sequence() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// globalNotionalOI sums (long+short) notional across all markets at their
// mark prices. Markets with open interest but no price fail the caller's
// cap check loudly rather than silently undercounting.
// Must be called with l.mu held.
func (l *Ledger) globalNotionalOI() (int64, error) {
	var total int64
	for id, mkt := range l.markets {
		oi := mkt.TotalLongOI + mkt.TotalShortOI
		if oi == 0 {
			continue
		}
		price, err := l.prices.GetMarkPrice(id)
		if err != nil {
			return 0, fmt.Errorf("global OI: %w", err)
		}
		total += fixedpoint.ComputeNotional(oi, price)
	}
	return total, nil
}

// concentration returns the largest single position's share of a market's
// total OI, at fraction scale. Must be called with l.mu held.
func (l *Ledger) concentration(marketID string) int64 {
	mkt := l.markets[marketID]
	total := mkt.TotalLongOI + mkt.TotalShortOI
	if total == 0 {
		return 0
	}

	var largest int64
	for key, pos := range l.positions {
		if key.MarketID == marketID && pos.Size > largest {
			largest = pos.Size
		}
	}
	return fixedpoint.MulDiv(largest, fixedpoint.One, total)
}
