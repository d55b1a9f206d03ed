package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/notsatoshii/probledger/internal/auth"
	"github.com/notsatoshii/probledger/internal/errs"
	"github.com/notsatoshii/probledger/internal/fee"
	"github.com/notsatoshii/probledger/internal/fixedpoint"
	"github.com/notsatoshii/probledger/internal/risk"
	"github.com/notsatoshii/probledger/internal/settle"
)

// Penalty distribution shares, fraction scale. The LP pool takes the
// remainder after the liquidator and protocol cuts so the three always sum
// to the seized amount exactly.
const (
	LiquidatorShare      = 500_000 // 50%
	PenaltyProtocolShare = 100_000 // 10%
)

// LiquidateParams identifies the position to liquidate and who gets the
// liquidator's cut.
type LiquidateParams struct {
	Trader     uuid.UUID
	MarketID   string
	Liquidator uuid.UUID
	Now        int64
}

// LiquidationResult reports what one liquidation did.
type LiquidationResult struct {
	Kind       risk.LiquidationKind
	ClosedSize int64
	MarkPrice  int64

	PenaltySeized    int64
	LiquidatorReward int64

	// UncoveredLoss is bad debt the insurance fund could not absorb.
	UncoveredLoss int64
}

// Liquidate force-closes an unhealthy position, fully or partially. The
// decision is re-derived at the live mark price inside the critical
// section: a position that recovered since the caller's check aborts with
// a state error and nothing changes.
func (l *Ledger) Liquidate(caller auth.Caller, p LiquidateParams) (*settle.Batch, *LiquidationResult, error) {
	const op = "liquidate"

	if err := l.requireRole(caller, auth.RoleEngine); err != nil {
		return nil, nil, l.reject(op, err)
	}
	if err := l.enter(); err != nil {
		return nil, nil, l.reject(op, err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.forceClose(op, p, -1)
}

// PartialLiquidate reduces an unhealthy position to targetSize instead of
// the risk engine's default close fraction. The health gate is the same as
// Liquidate's; only the closed amount differs. targetSize zero is a full
// close and rejected here, use Liquidate for that.
func (l *Ledger) PartialLiquidate(caller auth.Caller, p LiquidateParams, targetSize int64) (*settle.Batch, *LiquidationResult, error) {
	const op = "partial_liquidate"

	if err := l.requireRole(caller, auth.RoleEngine); err != nil {
		return nil, nil, l.reject(op, err)
	}
	if targetSize <= 0 {
		return nil, nil, l.reject(op, fmt.Errorf("%w: target size must be > 0, got %d", errs.ErrValidation, targetSize))
	}
	if err := l.enter(); err != nil {
		return nil, nil, l.reject(op, err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.forceClose(op, p, targetSize)
}

// forceClose settles fees, re-checks health at the live mark and closes
// part or all of the position. targetSize < 0 means close whatever the
// risk decision says; otherwise the position is reduced to targetSize.
func (l *Ledger) forceClose(op string, p LiquidateParams, targetSize int64) (*settle.Batch, *LiquidationResult, error) {
	key := Key{Trader: p.Trader, MarketID: p.MarketID}
	existing, ok := l.positions[key]
	if !ok {
		return nil, nil, l.reject(op, fmt.Errorf("%w: no position for trader %s in market %s", errs.ErrState, p.Trader, p.MarketID))
	}
	mkt := l.markets[p.MarketID]
	cfg := l.riskConfigs[p.MarketID]

	markPrice, err := l.prices.GetMarkPrice(p.MarketID)
	if err != nil {
		return nil, nil, l.reject(op, fmt.Errorf("%w: %v", errs.ErrState, err))
	}
	if l.prices.IsPriceStale(p.MarketID, maxPriceAgeMicros, p.Now) {
		return nil, nil, l.reject(op, fmt.Errorf("%w: mark price for %s is stale", errs.ErrState, p.MarketID))
	}

	pos := existing.Clone()
	mktNext := mkt.Clone()

	batch := settle.NewBatch(op, p.MarketID, p.Trader, 0, p.Now)
	var eff effects

	// Settle fees first so the health check runs on a clean position.
	s := fee.Compute(pos, mktNext)
	fee.Apply(pos, s, p.Now)
	fee.AddTransfers(batch, p.Trader, s)
	eff.lpFees += s.LPAmount
	eff.insuranceFee += s.InsuranceAmount

	decision := l.risk.CheckLiquidation(pos, cfg, mktNext, markPrice)
	if decision.Kind == risk.LiquidationNone {
		return nil, nil, l.reject(op, fmt.Errorf("%w: position is healthy, equity=%d, buffered MM=%d",
			errs.ErrState, decision.Equity, decision.BufferedMM))
	}

	closeSize := pos.Size
	kind := decision.Kind
	switch {
	case targetSize >= 0:
		if targetSize >= pos.Size {
			return nil, nil, l.reject(op, fmt.Errorf("%w: target size %d must be smaller than position size %d",
				errs.ErrValidation, targetSize, pos.Size))
		}
		closeSize = pos.Size - targetSize
		kind = risk.LiquidationPartial
	case decision.Kind == risk.LiquidationPartial:
		closeSize = decision.CloseSize
	}

	// Forced closes execute at the mark price, never an execution quote.
	fundAvail := l.fund.Balance()
	uncovered := realize(batch, pos, closeSize, markPrice, fundAvail, &eff)

	closedNotional := fixedpoint.ComputeNotional(closeSize, markPrice)
	penalty := fixedpoint.MulDiv(closedNotional, cfg.LiquidationPenalty, fixedpoint.One)
	if penalty > pos.Collateral {
		penalty = pos.Collateral
	}
	pos.Collateral -= penalty

	liquidatorCut := fixedpoint.MulDiv(penalty, LiquidatorShare, fixedpoint.One)
	protocolCut := fixedpoint.MulDiv(penalty, PenaltyProtocolShare, fixedpoint.One)
	lpCut := penalty - liquidatorCut - protocolCut
	eff.lpFees += lpCut

	collateral := settle.TraderAccount(p.Trader, settle.SubTypeCollateral)
	batch.Add(collateral, settle.TraderAccount(p.Liquidator, settle.SubTypeReward), liquidatorCut, settle.KindPenaltyLiquidator)
	batch.Add(collateral, settle.SystemAccount(settle.SubTypeTreasury), protocolCut, settle.KindPenaltyProtocol)
	batch.Add(collateral, settle.SystemAccount(settle.SubTypeLPPool), lpCut, settle.KindPenaltyLP)

	if err := mktNext.RemoveOI(pos.Side, closeSize); err != nil {
		return nil, nil, l.reject(op, fmt.Errorf("%w: %v", errs.ErrState, err))
	}
	eff.dealloc += closedNotional

	full := kind == risk.LiquidationFull
	if full {
		payOut(batch, pos)
	} else {
		pos.Size -= closeSize
	}

	if err := batch.Validate(); err != nil {
		return nil, nil, l.reject(op, fmt.Errorf("%w: %v", errs.ErrState, err))
	}
	if err := l.applyEffects(eff); err != nil {
		return nil, nil, l.reject(op, err)
	}

	pos.Version++
	if full {
		delete(l.positions, key)
	} else {
		l.positions[key] = pos
	}
	l.markets[p.MarketID] = mktNext
	l.commit(batch, op)

	if l.metrics != nil {
		l.metrics.Liquidations.WithLabelValues(p.MarketID, kind.String()).Inc()
	}

	evt := l.log.Warn().
		Str("market", p.MarketID).
		Stringer("trader", p.Trader).
		Stringer("liquidator", p.Liquidator).
		Stringer("kind", kind).
		Int64("closed_size", closeSize).
		Int64("mark_price", markPrice).
		Int64("penalty", penalty)
	if uncovered > 0 {
		evt = evt.Int64("uncovered_loss", uncovered)
	}
	evt.Msg("position liquidated")

	return batch, &LiquidationResult{
		Kind:             kind,
		ClosedSize:       closeSize,
		MarkPrice:        markPrice,
		PenaltySeized:    penalty,
		LiquidatorReward: liquidatorCut,
		UncoveredLoss:    uncovered,
	}, nil
}
