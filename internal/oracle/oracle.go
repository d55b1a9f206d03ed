// Package oracle declares the external collaborators the core consumes:
// the mark price oracle, the execution price service, the LP pool, and the
// insurance fund. All are typed interfaces; the core never decodes raw
// return bytes or guesses layouts.
package oracle

import (
	"fmt"

	"github.com/notsatoshii/probledger/internal/position"
)

// MarkPriceSource delivers the manipulation-resistant smoothed probability
// used for all solvency and liquidation math. It must never be substituted
// with an execution-price source.
type MarkPriceSource interface {
	// GetMarkPrice returns the mark price at price scale, in (0, 1_000_000].
	GetMarkPrice(marketID string) (int64, error)

	// IsPriceStale reports whether the latest price is older than maxAge
	// micros relative to now.
	IsPriceStale(marketID string, maxAgeMicros, now int64) bool
}

// ExecutionPriceService delivers the slippage-inclusive entry/exit price for
// a trade of the given size. Used only for execution pricing, never for
// solvency checks.
type ExecutionPriceService interface {
	GetExecutionPrice(marketID string, side position.Side, size int64) (price, impact int64, err error)
}

// LPPool is the capital backing positions. The ledger calls Allocate and
// Deallocate around position notional changes and AddFees on settlement.
type LPPool interface {
	Allocate(amount int64) error
	Deallocate(amount int64) error
	AddFees(amount int64)

	// TotalCapital returns pooled capital at quote scale.
	TotalCapital() int64
	// Utilization returns allocated/capital at fraction scale.
	Utilization() int64
}

// FundHealth represents insurance-fund health for risk scaling.
type FundHealth int32

const (
	FundHealthy FundHealth = iota
	FundStressed
	FundCritical
)

func (h FundHealth) String() string {
	switch h {
	case FundHealthy:
		return "Healthy"
	case FundStressed:
		return "Stressed"
	case FundCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// InsuranceFund is the loss backstop, consulted by the risk engine for
// dynamic parameter scaling and by the liquidation path on shortfall.
type InsuranceFund interface {
	// GetRiskAdjustmentFactor returns a fraction-scale factor in (0, 1.0]
	// that scales effective leverage down as the fund degrades.
	GetRiskAdjustmentFactor() int64
	GetHealthStatus() FundHealth
	Balance() int64

	// Credit adds fee revenue to the fund.
	Credit(amount int64)

	// CoverBadDebt draws up to amount from the fund, returning how much
	// was actually covered.
	CoverBadDebt(amount int64) int64
}

// Chain is an explicit ordered list of mark price providers. The first
// provider that returns a price wins; errors are accumulated, not swallowed.
type Chain struct {
	sources []MarkPriceSource
}

func NewChain(sources ...MarkPriceSource) *Chain {
	return &Chain{sources: sources}
}

func (c *Chain) GetMarkPrice(marketID string) (int64, error) {
	var lastErr error
	for _, s := range c.sources {
		price, err := s.GetMarkPrice(marketID)
		if err == nil {
			return price, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no mark price sources configured")
	}
	return 0, fmt.Errorf("mark price for %s: %w", marketID, lastErr)
}

func (c *Chain) IsPriceStale(marketID string, maxAgeMicros, now int64) bool {
	for _, s := range c.sources {
		if !s.IsPriceStale(marketID, maxAgeMicros, now) {
			return false
		}
	}
	return true
}
