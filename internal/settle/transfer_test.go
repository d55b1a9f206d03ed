package settle_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/notsatoshii/probledger/internal/settle"
)

func TestBatchAddSkipsZeroAmounts(t *testing.T) {
	trader := uuid.New()
	b := settle.NewBatch("open", "will-it-rain", trader, 1, 1_000)

	b.Add(settle.SystemAccount(settle.SubTypeExternal), settle.TraderAccount(trader, settle.SubTypeCollateral), 0, settle.KindDeposit)
	if len(b.Transfers) != 0 {
		t.Errorf("zero-amount transfer recorded: got %d transfers, want 0", len(b.Transfers))
	}

	b.Add(settle.SystemAccount(settle.SubTypeExternal), settle.TraderAccount(trader, settle.SubTypeCollateral), 5, settle.KindDeposit)
	if len(b.Transfers) != 1 {
		t.Fatalf("transfer not recorded: got %d, want 1", len(b.Transfers))
	}
	if b.Transfers[0].BatchID != b.ID {
		t.Error("transfer batch id does not match batch")
	}
}

func TestBatchValidate(t *testing.T) {
	trader := uuid.New()
	b := settle.NewBatch("open", "will-it-rain", trader, 1, 1_000)
	b.Add(settle.SystemAccount(settle.SubTypeExternal), settle.TraderAccount(trader, settle.SubTypeCollateral), 100, settle.KindDeposit)

	if err := b.Validate(); err != nil {
		t.Fatalf("valid batch rejected: %v", err)
	}

	// Negative amounts are a programming error Validate must catch.
	b.Transfers[0].Amount = -1
	if err := b.Validate(); err == nil {
		t.Error("negative amount passed validation")
	}
	b.Transfers[0].Amount = 100

	b.Transfers[0].To = b.Transfers[0].From
	if err := b.Validate(); err == nil {
		t.Error("self-transfer passed validation")
	}
}

func TestBatchNetIsZeroSum(t *testing.T) {
	trader := uuid.New()
	b := settle.NewBatch("liquidate", "will-it-rain", trader, 7, 1_000)

	collateral := settle.TraderAccount(trader, settle.SubTypeCollateral)
	lpPool := settle.SystemAccount(settle.SubTypeLPPool)
	treasury := settle.SystemAccount(settle.SubTypeTreasury)

	b.Add(collateral, lpPool, 40, settle.KindPenaltyLP)
	b.Add(collateral, treasury, 10, settle.KindPenaltyProtocol)
	b.Add(lpPool, collateral, 25, settle.KindRealizedPnL)

	net := b.Net()
	var sum int64
	for _, delta := range net {
		sum += delta
	}
	if sum != 0 {
		t.Errorf("net deltas sum to %d, want 0", sum)
	}
	if net[collateral] != -25 {
		t.Errorf("collateral delta: got %d, want -25", net[collateral])
	}
	if net[lpPool] != 15 {
		t.Errorf("lp pool delta: got %d, want 15", net[lpPool])
	}
}

func TestSumByKind(t *testing.T) {
	trader := uuid.New()
	b := settle.NewBatch("open", "will-it-rain", trader, 1, 1_000)
	col := settle.TraderAccount(trader, settle.SubTypeCollateral)
	b.Add(col, settle.SystemAccount(settle.SubTypeLPPool), 5, settle.KindFeeLP)
	b.Add(col, settle.SystemAccount(settle.SubTypeTreasury), 3, settle.KindFeeProtocol)
	b.Add(col, settle.SystemAccount(settle.SubTypeInsurance), 2, settle.KindFeeInsurance)

	if got := b.SumByKind(settle.KindFeeLP); got != 5 {
		t.Errorf("fee_lp sum: got %d, want 5", got)
	}
	if got := b.SumByKind(settle.KindDeposit); got != 0 {
		t.Errorf("deposit sum: got %d, want 0", got)
	}
}

func TestAccountPath(t *testing.T) {
	trader := uuid.New()

	path := settle.TraderAccount(trader, settle.SubTypeCollateral).Path()
	if path != "trader:"+trader.String()+":collateral" {
		t.Errorf("trader path: got %s", path)
	}
	if !strings.HasPrefix(path, "trader:"+trader.String()+":") {
		t.Errorf("trader path prefix mismatch: %s", path)
	}

	if got := settle.SystemAccount(settle.SubTypeLPPool).Path(); got != "system:lp_pool" {
		t.Errorf("system path: got %s, want system:lp_pool", got)
	}
	if got := settle.SystemAccount(settle.SubTypeExternal).Path(); got != "system:external" {
		t.Errorf("system path: got %s, want system:external", got)
	}
}
