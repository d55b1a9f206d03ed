// Package settle defines the balanced transfer batches a ledger operation
// emits. Each batch is the complete set of balance deltas produced by one
// atomic operation; the external settlement layer (LP pool, fee recipients)
// consumes them downstream.
package settle

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies what a transfer settles.
type Kind int32

const (
	KindDeposit Kind = iota
	KindWithdraw
	KindRealizedPnL
	KindFeeLP
	KindFeeProtocol
	KindFeeInsurance
	KindFundingPay
	KindFundingReceive
	KindPenaltyLiquidator
	KindPenaltyProtocol
	KindPenaltyLP
	KindBadDebtCoverage
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindRealizedPnL:
		return "realized_pnl"
	case KindFeeLP:
		return "fee_lp"
	case KindFeeProtocol:
		return "fee_protocol"
	case KindFeeInsurance:
		return "fee_insurance"
	case KindFundingPay:
		return "funding_pay"
	case KindFundingReceive:
		return "funding_receive"
	case KindPenaltyLiquidator:
		return "penalty_liquidator"
	case KindPenaltyProtocol:
		return "penalty_protocol"
	case KindPenaltyLP:
		return "penalty_lp"
	case KindBadDebtCoverage:
		return "bad_debt_coverage"
	default:
		return "unknown"
	}
}

// Transfer is a single balanced delta: Amount moves from From to To.
// Amount is always positive; direction carries the sign.
type Transfer struct {
	ID        uuid.UUID
	BatchID   uuid.UUID
	From      Account
	To        Account
	Amount    int64 // quote scale, always > 0
	Kind      Kind
	Timestamp int64 // epoch micros, versioned input
}

// Batch groups the transfers of one atomic ledger operation.
type Batch struct {
	ID        uuid.UUID
	Op        string // originating operation, e.g. "open", "liquidate"
	MarketID  string
	Trader    uuid.UUID
	Sequence  int64
	Timestamp int64
	Transfers []Transfer
}

// NewBatch starts an empty batch for an operation.
func NewBatch(op, marketID string, trader uuid.UUID, sequence, timestamp int64) *Batch {
	return &Batch{
		ID:        uuid.New(),
		Op:        op,
		MarketID:  marketID,
		Trader:    trader,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Add appends a transfer. Zero amounts are dropped; negative amounts are a
// programming error surfaced by Validate.
func (b *Batch) Add(from, to Account, amount int64, kind Kind) {
	if amount == 0 {
		return
	}
	b.Transfers = append(b.Transfers, Transfer{
		ID:        uuid.New(),
		BatchID:   b.ID,
		From:      from,
		To:        to,
		Amount:    amount,
		Kind:      kind,
		Timestamp: b.Timestamp,
	})
}

// Validate ensures the batch is well-formed. Each transfer is balanced by
// construction (one positive amount moving between two accounts), so the
// batch as a whole is always zero-sum when valid.
func (b *Batch) Validate() error {
	for _, t := range b.Transfers {
		if t.Amount <= 0 {
			return fmt.Errorf("transfer %s has non-positive amount: %d", t.ID, t.Amount)
		}
		if t.BatchID != b.ID {
			return fmt.Errorf("transfer %s has mismatched batch_id", t.ID)
		}
		if t.From == t.To {
			return fmt.Errorf("transfer %s has same from and to account %s", t.ID, t.From.Path())
		}
	}
	return nil
}

// Net computes the per-account balance deltas implied by the batch.
// The values always sum to zero for a valid batch.
func (b *Batch) Net() map[Account]int64 {
	net := make(map[Account]int64)
	for _, t := range b.Transfers {
		net[t.From] -= t.Amount
		net[t.To] += t.Amount
	}
	return net
}

// SumByKind totals transfer amounts for a kind.
func (b *Batch) SumByKind(kind Kind) int64 {
	var total int64
	for _, t := range b.Transfers {
		if t.Kind == kind {
			total += t.Amount
		}
	}
	return total
}
