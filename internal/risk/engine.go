// Package risk computes margin requirements and liquidation decisions.
// Golden rule: every solvency check in this package prices exposure at the
// mark price, never at an execution or entry price, so liquidations cannot
// be manipulated through slippage-inflated entries.
package risk

import (
	"fmt"

	"github.com/notsatoshii/probledger/internal/errs"
	"github.com/notsatoshii/probledger/internal/fee"
	"github.com/notsatoshii/probledger/internal/fixedpoint"
	"github.com/notsatoshii/probledger/internal/market"
	"github.com/notsatoshii/probledger/internal/oracle"
	"github.com/notsatoshii/probledger/internal/position"
)

// Config holds the engine-wide (cross-market) risk parameters.
type Config struct {
	// GlobalOIStaticCap is the hard notional ceiling across all markets.
	GlobalOIStaticCap int64
	// GlobalPoolFraction bounds total notional to this fraction of pooled
	// capital before phase scaling.
	GlobalPoolFraction int64
	// InsuranceOIMultiple bounds total notional to this multiple of the
	// insurance fund balance.
	InsuranceOIMultiple int64
	// UtilScaleThreshold is the pool utilization above which effective
	// leverage shrinks proportionally.
	UtilScaleThreshold int64
}

// DefaultConfig returns the standard cross-market risk parameters.
func DefaultConfig() Config {
	return Config{
		GlobalOIStaticCap:   10_000_000_000_000, // $10M
		GlobalPoolFraction:  800_000,            // 80% of pooled capital
		InsuranceOIMultiple: 20,
		UtilScaleThreshold:  800_000, // 80%
	}
}

// Engine evaluates margin and liquidation over read-only snapshots. It
// consults the LP pool and insurance fund for dynamic scaling but never
// mutates anything.
type Engine struct {
	cfg  Config
	pool oracle.LPPool
	fund oracle.InsuranceFund
}

func NewEngine(cfg Config, pool oracle.LPPool, fund oracle.InsuranceFund) *Engine {
	return &Engine{cfg: cfg, pool: pool, fund: fund}
}

// InitialMargin computes (notional / leverage) * (1 + volatility). Higher
// volatility raises the collateral bar for a given leverage.
func InitialMargin(notional, leverage, volatility int64) int64 {
	if leverage <= 0 {
		return notional
	}
	base := notional / leverage
	return fixedpoint.MulDiv(base, fixedpoint.One+volatility, fixedpoint.One)
}

// MaintenanceMargin computes maintenanceRatio * notional.
func MaintenanceMargin(notional, maintenanceRatio int64) int64 {
	return fixedpoint.MulDiv(notional, maintenanceRatio, fixedpoint.One)
}

// BufferedMaintenanceMargin adds the relative anti-flapping buffer:
// MM * (1 + buffer). With MM 5% and buffer 2%, a $1,000 notional position
// liquidates at equity $51, not $50.
func BufferedMaintenanceMargin(notional, maintenanceRatio, buffer int64) int64 {
	mm := MaintenanceMargin(notional, maintenanceRatio)
	return fixedpoint.MulDiv(mm, fixedpoint.One+buffer, fixedpoint.One)
}

// Equity computes collateral + unrealized PnL at mark - pending fees.
func Equity(pos *position.Position, markPrice int64, pending fee.Pending) int64 {
	upnl := fixedpoint.ComputePnL(pos.SideSign(), markPrice, pos.EntryPrice, pos.Size)
	return pos.Collateral + upnl - pending.Total()
}

// ValidateOpen checks that a position's collateral clears the initial
// margin requirement for its exposure at the mark price.
func (e *Engine) ValidateOpen(pos *position.Position, cfg *market.RiskConfig, mkt *market.Market, markPrice int64) error {
	if markPrice <= 0 || markPrice > fixedpoint.PriceConfig.Scale {
		return fmt.Errorf("%w: mark price out of range: %d", errs.ErrValidation, markPrice)
	}

	maxLev := e.EffectiveMaxLeverage(cfg)
	notional := fixedpoint.ComputeNotional(pos.Size, markPrice)
	required := InitialMargin(notional, maxLev, mkt.Volatility)

	if pos.Collateral < required {
		return fmt.Errorf("%w: initial margin not met (have=%d, need=%d, leverage=%d)",
			errs.ErrMargin, pos.Collateral, required, maxLev)
	}
	return nil
}

// ValidateWithdrawal checks that removing collateral keeps the position
// above its initial margin requirement.
func (e *Engine) ValidateWithdrawal(pos *position.Position, cfg *market.RiskConfig, mkt *market.Market, markPrice, withdrawal int64) error {
	if pos.IsFlat() {
		if withdrawal > pos.Collateral {
			return fmt.Errorf("%w: withdrawal %d exceeds collateral %d", errs.ErrMargin, withdrawal, pos.Collateral)
		}
		return nil
	}

	maxLev := e.EffectiveMaxLeverage(cfg)
	notional := fixedpoint.ComputeNotional(pos.Size, markPrice)
	required := InitialMargin(notional, maxLev, mkt.Volatility)

	if pos.Collateral-withdrawal < required {
		return fmt.Errorf("%w: withdrawal breaches initial margin (after=%d, need=%d)",
			errs.ErrMargin, pos.Collateral-withdrawal, required)
	}
	return nil
}

// LiquidationKind is the engine's decision for a position.
type LiquidationKind int32

const (
	LiquidationNone LiquidationKind = iota
	LiquidationPartial
	LiquidationFull
)

func (k LiquidationKind) String() string {
	switch k {
	case LiquidationNone:
		return "None"
	case LiquidationPartial:
		return "Partial"
	case LiquidationFull:
		return "Full"
	default:
		return "Unknown"
	}
}

// Decision carries the liquidation verdict and the inputs it was made from.
type Decision struct {
	Kind       LiquidationKind
	CloseSize  int64 // quantity to close; full size for LiquidationFull
	Equity     int64
	BufferedMM int64
}

// CheckLiquidation decides none/partial/full for a position at the mark
// price. Partial is chosen only if closing the configured fraction would
// lift equity back above the reduced buffered MM; the simulation charges
// the liquidation penalty on the closed notional.
func (e *Engine) CheckLiquidation(pos *position.Position, cfg *market.RiskConfig, mkt *market.Market, markPrice int64) Decision {
	if pos.IsFlat() {
		return Decision{Kind: LiquidationNone}
	}

	pending := fee.ComputePending(pos, mkt)
	equity := Equity(pos, markPrice, pending)

	notional := fixedpoint.ComputeNotional(pos.Size, markPrice)
	bufferedMM := BufferedMaintenanceMargin(notional, cfg.MaintenanceRatio, cfg.LiquidationBuffer)

	d := Decision{Kind: LiquidationNone, Equity: equity, BufferedMM: bufferedMM}
	if equity > bufferedMM {
		return d
	}

	// Simulate a partial close. Closing at mark realizes PnL that equity
	// already reflects, so the only equity change is the seized penalty.
	closeSize := fixedpoint.MulDiv(pos.Size, cfg.PartialCloseFraction, fixedpoint.One)
	closedNotional := fixedpoint.ComputeNotional(closeSize, markPrice)
	penalty := fixedpoint.MulDiv(closedNotional, cfg.LiquidationPenalty, fixedpoint.One)

	remainingNotional := notional - closedNotional
	newBufferedMM := BufferedMaintenanceMargin(remainingNotional, cfg.MaintenanceRatio, cfg.LiquidationBuffer)
	newEquity := equity - penalty

	if newEquity > newBufferedMM {
		d.Kind = LiquidationPartial
		d.CloseSize = closeSize
		return d
	}

	d.Kind = LiquidationFull
	d.CloseSize = pos.Size
	return d
}

// EffectiveMaxLeverage scales a market's base leverage down by pool
// utilization beyond the threshold and by insurance-fund health. Never
// below 1.
func (e *Engine) EffectiveMaxLeverage(cfg *market.RiskConfig) int64 {
	lev := cfg.MaxLeverage * fixedpoint.One

	util := e.pool.Utilization()
	if util > e.cfg.UtilScaleThreshold {
		span := fixedpoint.One - e.cfg.UtilScaleThreshold
		excess := util - e.cfg.UtilScaleThreshold
		if excess > span {
			excess = span
		}
		// Linear from 1.0 at the threshold down to 0.5 at full utilization.
		scale := fixedpoint.One - fixedpoint.MulDiv(excess, 500_000, span)
		lev = fixedpoint.MulDiv(lev, scale, fixedpoint.One)
	}

	lev = fixedpoint.MulDiv(lev, e.fund.GetRiskAdjustmentFactor(), fixedpoint.One)

	result := lev / fixedpoint.One
	if result < 1 {
		result = 1
	}
	return result
}

// GlobalOICap computes the notional ceiling for total open interest in the
// given phase: the minimum of the static cap, a fraction of pooled capital,
// and a multiple of the insurance fund, tightened when the fund is below
// its health thresholds and scaled by the phase fraction.
func (e *Engine) GlobalOICap(phase market.Phase) int64 {
	cap := e.cfg.GlobalOIStaticCap

	poolCap := fixedpoint.MulDiv(e.pool.TotalCapital(), e.cfg.GlobalPoolFraction, fixedpoint.One)
	if poolCap < cap {
		cap = poolCap
	}

	fundCap := e.fund.Balance() * e.cfg.InsuranceOIMultiple
	if fundCap < cap {
		cap = fundCap
	}

	switch e.fund.GetHealthStatus() {
	case oracle.FundStressed:
		cap = fixedpoint.MulDiv(cap, 500_000, fixedpoint.One)
	case oracle.FundCritical:
		cap = fixedpoint.MulDiv(cap, 250_000, fixedpoint.One)
	}

	return fixedpoint.MulDiv(cap, phase.CapFraction(), fixedpoint.One)
}
