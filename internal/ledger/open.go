package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/notsatoshii/probledger/internal/auth"
	"github.com/notsatoshii/probledger/internal/errs"
	"github.com/notsatoshii/probledger/internal/fee"
	"github.com/notsatoshii/probledger/internal/fixedpoint"
	"github.com/notsatoshii/probledger/internal/position"
	"github.com/notsatoshii/probledger/internal/settle"
)

// Mark prices older than this are unusable for margin checks.
const maxPriceAgeMicros = 60_000_000

// OpenParams describes one fill against a trader's position. A fill on the
// opposite side of an open position nets: it reduces, closes, or flips.
type OpenParams struct {
	Trader   uuid.UUID
	MarketID string

	Side  position.Side
	Size  int64 // quantity scale, > 0
	Price int64 // execution price, price scale

	// CollateralDelta is an optional deposit posted with the fill.
	CollateralDelta int64

	Now int64 // epoch micros, injected by the caller
}

type fillClass int

const (
	fillOpen fillClass = iota
	fillIncrease
	fillReduce
	fillClose
	fillFlip
)

func (c fillClass) String() string {
	switch c {
	case fillOpen:
		return "open"
	case fillIncrease:
		return "increase"
	case fillReduce:
		return "reduce"
	case fillClose:
		return "close"
	case fillFlip:
		return "flip"
	default:
		return "unknown"
	}
}

// effects defers side effects on the pool and fund until every validation
// has passed. Allocate is the only fallible step and runs first, so a
// rejected fill leaves no partial external state.
type effects struct {
	alloc        int64
	dealloc      int64
	lpFees       int64
	insuranceFee int64
	badDebt      int64
}

func (l *Ledger) applyEffects(eff effects) error {
	if eff.alloc > 0 {
		if err := l.pool.Allocate(eff.alloc); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrCapacity, err)
		}
	}
	if eff.dealloc > 0 {
		if err := l.pool.Deallocate(eff.dealloc); err != nil {
			l.log.Error().Err(err).Msg("pool deallocate failed")
		}
	}
	if eff.lpFees > 0 {
		l.pool.AddFees(eff.lpFees)
	}
	if eff.insuranceFee > 0 {
		l.fund.Credit(eff.insuranceFee)
	}
	if eff.badDebt > 0 {
		l.fund.CoverBadDebt(eff.badDebt)
	}
	return nil
}

// Open applies one fill atomically: settle fees, apply the collateral
// deposit, net against any existing position, enforce capacity and margin,
// then commit. Any failure leaves position, market, and pool untouched.
func (l *Ledger) Open(caller auth.Caller, p OpenParams) (*settle.Batch, error) {
	const op = "open"

	if err := l.requireRole(caller, auth.RoleEngine); err != nil {
		return nil, l.reject(op, err)
	}
	if p.Side != position.SideLong && p.Side != position.SideShort {
		return nil, l.reject(op, fmt.Errorf("%w: side must be long or short", errs.ErrValidation))
	}
	if p.Size <= 0 {
		return nil, l.reject(op, fmt.Errorf("%w: size must be > 0, got %d", errs.ErrValidation, p.Size))
	}
	if p.Price <= 0 || p.Price > fixedpoint.One {
		return nil, l.reject(op, fmt.Errorf("%w: price %d outside (0, %d]", errs.ErrValidation, p.Price, fixedpoint.One))
	}
	if p.CollateralDelta < 0 {
		return nil, l.reject(op, fmt.Errorf("%w: collateral delta must be >= 0, got %d", errs.ErrValidation, p.CollateralDelta))
	}

	if err := l.enter(); err != nil {
		return nil, l.reject(op, err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	mkt, ok := l.markets[p.MarketID]
	if !ok {
		return nil, l.reject(op, fmt.Errorf("%w: unknown market %s", errs.ErrValidation, p.MarketID))
	}
	if !mkt.Active {
		return nil, l.reject(op, fmt.Errorf("%w: market %s is not active", errs.ErrState, p.MarketID))
	}
	cfg := l.riskConfigs[p.MarketID]

	key := Key{Trader: p.Trader, MarketID: p.MarketID}
	var pos *position.Position
	if existing, ok := l.positions[key]; ok {
		pos = existing.Clone()
	} else {
		pos = &position.Position{
			ID:       uuid.New(),
			Trader:   p.Trader,
			MarketID: p.MarketID,
			Side:     position.SideFlat,
		}
	}
	mktNext := mkt.Clone()

	batch := settle.NewBatch(op, p.MarketID, p.Trader, 0, p.Now)
	var eff effects

	// Settle accrued fees before the fill touches size or collateral.
	if !pos.IsFlat() {
		s := fee.Compute(pos, mktNext)
		fee.Apply(pos, s, p.Now)
		fee.AddTransfers(batch, p.Trader, s)
		eff.lpFees += s.LPAmount
		eff.insuranceFee += s.InsuranceAmount
	}

	if p.CollateralDelta > 0 {
		pos.Collateral += p.CollateralDelta
		batch.Add(
			settle.SystemAccount(settle.SubTypeExternal),
			settle.TraderAccount(p.Trader, settle.SubTypeCollateral),
			p.CollateralDelta, settle.KindDeposit,
		)
	}

	class := classify(pos, p.Side, p.Size)

	// Only risk-reducing fills are allowed once resolution time has passed.
	if p.Now >= mkt.ResolutionTime && class != fillReduce && class != fillClose {
		return nil, l.reject(op, fmt.Errorf("%w: market %s is past resolution", errs.ErrState, p.MarketID))
	}

	fundAvail := l.fund.Balance()

	var (
		sizeAdded int64
		closed    bool
		uncovered int64
	)

	switch class {
	case fillOpen:
		pos.Side = p.Side
		pos.Size = p.Size
		pos.EntryPrice = p.Price
		pos.OpenedAt = p.Now
		pos.LastFeeUpdate = p.Now
		pos.SettledFees = 0
		pos.LastBorrowIndex = mktNext.BorrowIndex
		pos.LastFundingIndex = mktNext.FundingIndex
		mktNext.AddOI(p.Side, p.Size)
		sizeAdded = p.Size

	case fillIncrease:
		pos.EntryPrice = fixedpoint.ComputeAvgEntryPrice(pos.Size, pos.EntryPrice, p.Size, p.Price)
		pos.Size += p.Size
		mktNext.AddOI(p.Side, p.Size)
		sizeAdded = p.Size

	case fillReduce:
		uncovered = realize(batch, pos, p.Size, p.Price, fundAvail, &eff)
		pos.Size -= p.Size
		if err := mktNext.RemoveOI(pos.Side, p.Size); err != nil {
			return nil, l.reject(op, fmt.Errorf("%w: %v", errs.ErrState, err))
		}
		eff.dealloc += fixedpoint.ComputeNotional(p.Size, p.Price)

	case fillClose:
		uncovered = realize(batch, pos, pos.Size, p.Price, fundAvail, &eff)
		if err := mktNext.RemoveOI(pos.Side, pos.Size); err != nil {
			return nil, l.reject(op, fmt.Errorf("%w: %v", errs.ErrState, err))
		}
		eff.dealloc += fixedpoint.ComputeNotional(pos.Size, p.Price)
		payOut(batch, pos)
		closed = true

	case fillFlip:
		remainder := p.Size - pos.Size
		uncovered = realize(batch, pos, pos.Size, p.Price, fundAvail, &eff)
		if err := mktNext.RemoveOI(pos.Side, pos.Size); err != nil {
			return nil, l.reject(op, fmt.Errorf("%w: %v", errs.ErrState, err))
		}
		eff.dealloc += fixedpoint.ComputeNotional(pos.Size, p.Price)

		pos.Side = p.Side
		pos.Size = remainder
		pos.EntryPrice = p.Price
		pos.OpenedAt = p.Now
		pos.SettledFees = 0
		pos.LastBorrowIndex = mktNext.BorrowIndex
		pos.LastFundingIndex = mktNext.FundingIndex
		mktNext.AddOI(p.Side, remainder)
		sizeAdded = remainder
	}

	if sizeAdded > 0 {
		if mktNext.SideOI(p.Side) > cfg.MaxSideOI {
			return nil, l.reject(op, fmt.Errorf("%w: %s side OI %d exceeds cap %d",
				errs.ErrCapacity, p.Side, mktNext.SideOI(p.Side), cfg.MaxSideOI))
		}

		notionalAdded := fixedpoint.ComputeNotional(sizeAdded, p.Price)
		globalOI, err := l.globalNotionalOI()
		if err != nil {
			return nil, l.reject(op, fmt.Errorf("%w: %v", errs.ErrState, err))
		}
		phase := mkt.PhaseAt(p.Now)
		oiCap := l.risk.GlobalOICap(phase)
		if globalOI+notionalAdded > oiCap {
			return nil, l.reject(op, fmt.Errorf("%w: global OI %d + %d exceeds %s-phase cap %d",
				errs.ErrCapacity, globalOI, notionalAdded, phase, oiCap))
		}

		// Solvency is always judged at the mark price, never the fill price.
		markPrice, err := l.prices.GetMarkPrice(p.MarketID)
		if err != nil {
			return nil, l.reject(op, fmt.Errorf("%w: %v", errs.ErrState, err))
		}
		if l.prices.IsPriceStale(p.MarketID, maxPriceAgeMicros, p.Now) {
			return nil, l.reject(op, fmt.Errorf("%w: mark price for %s is stale", errs.ErrState, p.MarketID))
		}
		if err := l.risk.ValidateOpen(pos, cfg, mktNext, markPrice); err != nil {
			return nil, l.reject(op, err)
		}

		eff.alloc += notionalAdded
	}

	if err := batch.Validate(); err != nil {
		return nil, l.reject(op, fmt.Errorf("%w: %v", errs.ErrState, err))
	}
	if err := l.applyEffects(eff); err != nil {
		return nil, l.reject(op, err)
	}

	pos.Version++
	if closed {
		delete(l.positions, key)
	} else {
		l.positions[key] = pos
	}
	l.markets[p.MarketID] = mktNext
	l.commit(batch, op)

	evt := l.log.Info().
		Str("market", p.MarketID).
		Stringer("trader", p.Trader).
		Stringer("class", class).
		Int64("size", p.Size).
		Int64("price", p.Price)
	if uncovered > 0 {
		evt = evt.Int64("uncovered_loss", uncovered)
	}
	evt.Msg("fill applied")

	return batch, nil
}

// ModifyCollateral deposits into or withdraws from a position's collateral.
// Withdrawals must leave the position above its initial margin requirement.
func (l *Ledger) ModifyCollateral(caller auth.Caller, trader uuid.UUID, marketID string, delta, now int64) (*settle.Batch, error) {
	const op = "modify_collateral"

	if err := l.requireRole(caller, auth.RoleEngine); err != nil {
		return nil, l.reject(op, err)
	}
	if delta == 0 {
		return nil, l.reject(op, fmt.Errorf("%w: collateral delta must be non-zero", errs.ErrValidation))
	}

	if err := l.enter(); err != nil {
		return nil, l.reject(op, err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{Trader: trader, MarketID: marketID}
	existing, ok := l.positions[key]
	if !ok {
		return nil, l.reject(op, fmt.Errorf("%w: no position for trader %s in market %s", errs.ErrState, trader, marketID))
	}
	mkt := l.markets[marketID]
	cfg := l.riskConfigs[marketID]

	pos := existing.Clone()

	batch := settle.NewBatch(op, marketID, trader, 0, now)
	var eff effects

	s := fee.Compute(pos, mkt)
	fee.Apply(pos, s, now)
	fee.AddTransfers(batch, trader, s)
	eff.lpFees += s.LPAmount
	eff.insuranceFee += s.InsuranceAmount

	collateral := settle.TraderAccount(trader, settle.SubTypeCollateral)
	external := settle.SystemAccount(settle.SubTypeExternal)

	if delta > 0 {
		pos.Collateral += delta
		batch.Add(external, collateral, delta, settle.KindDeposit)
	} else {
		withdrawal := -delta
		if withdrawal > pos.Collateral {
			return nil, l.reject(op, fmt.Errorf("%w: withdrawal %d exceeds collateral %d",
				errs.ErrValidation, withdrawal, pos.Collateral))
		}

		markPrice, err := l.prices.GetMarkPrice(marketID)
		if err != nil {
			return nil, l.reject(op, fmt.Errorf("%w: %v", errs.ErrState, err))
		}
		if l.prices.IsPriceStale(marketID, maxPriceAgeMicros, now) {
			return nil, l.reject(op, fmt.Errorf("%w: mark price for %s is stale", errs.ErrState, marketID))
		}
		if err := l.risk.ValidateWithdrawal(pos, cfg, mkt, markPrice, withdrawal); err != nil {
			return nil, l.reject(op, err)
		}

		pos.Collateral -= withdrawal
		batch.Add(collateral, external, withdrawal, settle.KindWithdraw)
	}

	if err := batch.Validate(); err != nil {
		return nil, l.reject(op, fmt.Errorf("%w: %v", errs.ErrState, err))
	}
	if err := l.applyEffects(eff); err != nil {
		return nil, l.reject(op, err)
	}

	pos.Version++
	l.positions[key] = pos
	l.commit(batch, op)

	l.log.Info().
		Str("market", marketID).
		Stringer("trader", trader).
		Int64("delta", delta).
		Msg("collateral modified")

	return batch, nil
}

// classify buckets a fill against the existing position.
func classify(pos *position.Position, side position.Side, size int64) fillClass {
	switch {
	case pos.IsFlat():
		return fillOpen
	case side == pos.Side:
		return fillIncrease
	case size < pos.Size:
		return fillReduce
	case size == pos.Size:
		return fillClose
	default:
		return fillFlip
	}
}

// realize books PnL on closedSize units at execPrice against the LP pool.
// A loss beyond collateral draws on the insurance fund; any loss the fund
// cannot absorb is returned for the caller to report.
func realize(b *settle.Batch, pos *position.Position, closedSize, execPrice, fundAvail int64, eff *effects) (uncovered int64) {
	pnl := fixedpoint.ComputePnL(pos.SideSign(), execPrice, pos.EntryPrice, closedSize)
	pos.RealizedPnL += pnl

	collateral := settle.TraderAccount(pos.Trader, settle.SubTypeCollateral)
	lpPool := settle.SystemAccount(settle.SubTypeLPPool)

	switch {
	case pnl > 0:
		pos.Collateral += pnl
		b.Add(lpPool, collateral, pnl, settle.KindRealizedPnL)

	case pnl < 0:
		loss := -pnl
		paid := loss
		if paid > pos.Collateral {
			paid = pos.Collateral
		}
		pos.Collateral -= paid
		b.Add(collateral, lpPool, paid, settle.KindRealizedPnL)

		shortfall := loss - paid
		if shortfall > 0 {
			covered := shortfall
			if covered > fundAvail {
				covered = fundAvail
			}
			b.Add(settle.SystemAccount(settle.SubTypeInsurance), lpPool, covered, settle.KindBadDebtCoverage)
			eff.badDebt += covered
			uncovered = shortfall - covered
		}
	}
	return uncovered
}

// payOut returns a closed position's remaining collateral to the trader.
func payOut(b *settle.Batch, pos *position.Position) {
	if pos.Collateral > 0 {
		b.Add(
			settle.TraderAccount(pos.Trader, settle.SubTypeCollateral),
			settle.SystemAccount(settle.SubTypeExternal),
			pos.Collateral, settle.KindWithdraw,
		)
		pos.Collateral = 0
	}
	pos.Side = position.SideFlat
	pos.Size = 0
}
