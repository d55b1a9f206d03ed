// Package fee implements lazy fee accrual. Fees are never pushed to open
// positions on index ticks; they are computed on demand from index deltas
// since each position's own last settlement.
package fee

import (
	"github.com/google/uuid"

	"github.com/notsatoshii/probledger/internal/fixedpoint"
	"github.com/notsatoshii/probledger/internal/market"
	"github.com/notsatoshii/probledger/internal/position"
	"github.com/notsatoshii/probledger/internal/settle"
)

// Fee distribution shares, fraction scale. LP takes the remainder after the
// protocol and insurance cuts so the three always sum to the charged amount
// exactly.
const (
	ProtocolShare  = 300_000 // 30%
	InsuranceShare = 200_000 // 20%
)

// Pending is the preview of fees owed by a position right now.
type Pending struct {
	Borrow  int64 // borrow fee owed including carry-over, >= 0
	Funding int64 // signed: positive owed, negative received
}

// Total returns the net amount the position owes (may be negative).
func (p Pending) Total() int64 {
	return p.Borrow + p.Funding
}

// ComputePending computes fees owed from index deltas since the position's
// last settlement. Pure; no state is touched.
func ComputePending(pos *position.Position, mkt *market.Market) Pending {
	if pos.IsFlat() {
		return Pending{Borrow: pos.SettledFees}
	}

	notional := fixedpoint.ComputeNotional(pos.Size, pos.EntryPrice)

	return Pending{
		Borrow:  fixedpoint.BorrowFeeOwed(notional, mkt.BorrowIndex, pos.LastBorrowIndex) + pos.SettledFees,
		Funding: fixedpoint.FundingOwed(pos.SideSign(), pos.Size, mkt.FundingIndex, pos.LastFundingIndex),
	}
}

// Settlement is the outcome of one settlement step. The ledger applies it to
// the position it owns; the engine never writes state.
type Settlement struct {
	BorrowOwed  int64 // borrow fee owed including carry-over
	FundingOwed int64 // signed funding obligation

	FundingCredit  int64 // paid to the trader from the funding pool
	FundingCharged int64 // collected from the trader into the funding pool
	BorrowCharged  int64 // collected borrow fee, capped at collateral

	LPAmount        int64 // 50% of BorrowCharged (plus rounding remainder)
	ProtocolAmount  int64 // 30% of BorrowCharged
	InsuranceAmount int64 // 20% of BorrowCharged

	CarryOver int64 // borrow fee that could not be collected

	NewCollateral   int64
	NewBorrowIndex  int64
	NewFundingIndex int64
}

// Compute runs the settlement math for a position against current market
// indices. Funding is collected before borrow so the zero-sum funding pool
// is shorted last when collateral runs out; any uncollected borrow fee
// carries over in SettledFees. Calling Compute twice with no index movement
// yields a zero-charge settlement the second time.
func Compute(pos *position.Position, mkt *market.Market) Settlement {
	pending := ComputePending(pos, mkt)

	s := Settlement{
		BorrowOwed:      pending.Borrow,
		FundingOwed:     pending.Funding,
		NewBorrowIndex:  mkt.BorrowIndex,
		NewFundingIndex: mkt.FundingIndex,
	}

	collateral := pos.Collateral

	if pending.Funding < 0 {
		s.FundingCredit = -pending.Funding
		collateral += s.FundingCredit
	}

	owed := pending.Borrow
	if pending.Funding > 0 {
		owed += pending.Funding
	}

	charged := owed
	if charged > collateral {
		charged = collateral
	}

	if pending.Funding > 0 {
		s.FundingCharged = pending.Funding
		if s.FundingCharged > charged {
			s.FundingCharged = charged
		}
	}
	s.BorrowCharged = charged - s.FundingCharged
	s.CarryOver = pending.Borrow - s.BorrowCharged

	// Distribution is exact: protocol and insurance round down via the
	// fixed shares, LP takes the remainder.
	s.ProtocolAmount = fixedpoint.MulDiv(s.BorrowCharged, ProtocolShare, fixedpoint.One)
	s.InsuranceAmount = fixedpoint.MulDiv(s.BorrowCharged, InsuranceShare, fixedpoint.One)
	s.LPAmount = s.BorrowCharged - s.ProtocolAmount - s.InsuranceAmount

	s.NewCollateral = collateral - charged

	return s
}

// Apply writes a computed settlement back to a position. Only the ledger
// calls this, under its own serialization.
func Apply(pos *position.Position, s Settlement, now int64) {
	pos.Collateral = s.NewCollateral
	pos.SettledFees = s.CarryOver
	pos.LastBorrowIndex = s.NewBorrowIndex
	pos.LastFundingIndex = s.NewFundingIndex
	pos.LastFeeUpdate = now
	pos.Version++
}

// AddTransfers appends the settlement's balance deltas to a batch.
func AddTransfers(b *settle.Batch, trader uuid.UUID, s Settlement) {
	collateral := settle.TraderAccount(trader, settle.SubTypeCollateral)
	fundingPool := settle.SystemAccount(settle.SubTypeFundingPool)

	b.Add(fundingPool, collateral, s.FundingCredit, settle.KindFundingReceive)
	b.Add(collateral, fundingPool, s.FundingCharged, settle.KindFundingPay)

	b.Add(collateral, settle.SystemAccount(settle.SubTypeLPPool), s.LPAmount, settle.KindFeeLP)
	b.Add(collateral, settle.SystemAccount(settle.SubTypeTreasury), s.ProtocolAmount, settle.KindFeeProtocol)
	b.Add(collateral, settle.SystemAccount(settle.SubTypeInsurance), s.InsuranceAmount, settle.KindFeeInsurance)
}
