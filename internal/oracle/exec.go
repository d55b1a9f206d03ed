package oracle

import (
	"fmt"

	"github.com/notsatoshii/probledger/internal/fixedpoint"
	"github.com/notsatoshii/probledger/internal/position"
)

// ImpactQuoter estimates execution pricing from the mark and current pool
// depth. Larger trades quote further from the mark. Estimates feed
// entry/exit pricing only, never solvency checks.
type ImpactQuoter struct {
	prices MarkPriceSource
	pool   LPPool
}

func NewImpactQuoter(prices MarkPriceSource, pool LPPool) *ImpactQuoter {
	return &ImpactQuoter{prices: prices, pool: pool}
}

func (q *ImpactQuoter) GetExecutionPrice(marketID string, side position.Side, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, fmt.Errorf("quote size must be > 0, got %d", size)
	}
	mark, err := q.prices.GetMarkPrice(marketID)
	if err != nil {
		return 0, 0, err
	}
	capital := q.pool.TotalCapital()
	if capital <= 0 {
		return 0, 0, fmt.Errorf("no pooled capital to quote against")
	}

	// Impact grows linearly with trade notional against two-sided depth.
	notional := fixedpoint.ComputeNotional(size, mark)
	depth := fixedpoint.MulDiv(notional, fixedpoint.One, 2*capital)
	impact := fixedpoint.MulDiv(mark, depth, fixedpoint.One)

	price := mark
	if side == position.SideLong {
		price += impact
	} else {
		price -= impact
	}
	if price > fixedpoint.One {
		price = fixedpoint.One
	}
	if price < 1 {
		price = 1
	}
	return price, impact, nil
}
