package oracle

import (
	"fmt"
	"sync"

	"github.com/notsatoshii/probledger/internal/fixedpoint"
)

// MemoryPool is an in-memory LPPool used for wiring and tests. A production
// deployment substitutes the tokenized pool service behind the same interface.
type MemoryPool struct {
	mu        sync.Mutex
	capital   int64
	allocated int64
	fees      int64
}

func NewMemoryPool(capital int64) *MemoryPool {
	return &MemoryPool{capital: capital}
}

func (p *MemoryPool) Allocate(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("allocate amount must be >= 0, got %d", amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocated+amount > p.capital {
		return fmt.Errorf("pool capacity exhausted: capital=%d, allocated=%d, requested=%d",
			p.capital, p.allocated, amount)
	}
	p.allocated += amount
	return nil
}

func (p *MemoryPool) Deallocate(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("deallocate amount must be >= 0, got %d", amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount > p.allocated {
		// Clamp rather than fail: rounding on partial closes can leave the
		// pool owing fewer units than the position released.
		amount = p.allocated
	}
	p.allocated -= amount
	return nil
}

func (p *MemoryPool) AddFees(amount int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fees += amount
}

func (p *MemoryPool) TotalCapital() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capital
}

func (p *MemoryPool) Utilization() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capital == 0 {
		return fixedpoint.One
	}
	return fixedpoint.MulDiv(p.allocated, fixedpoint.One, p.capital)
}

// ClaimableFees returns accumulated LP fees (for display/tests).
func (p *MemoryPool) ClaimableFees() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fees
}

// MemoryFund is an in-memory InsuranceFund. Health degrades as the balance
// falls below the target size.
type MemoryFund struct {
	mu      sync.Mutex
	balance int64
	target  int64
}

func NewMemoryFund(balance, target int64) *MemoryFund {
	return &MemoryFund{balance: balance, target: target}
}

func (f *MemoryFund) Balance() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

func (f *MemoryFund) Credit(amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amount
}

func (f *MemoryFund) CoverBadDebt(amount int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	covered := amount
	if covered > f.balance {
		covered = f.balance
	}
	f.balance -= covered
	return covered
}

// GetRiskAdjustmentFactor returns balance/target clamped to (0, 1.0].
func (f *MemoryFund) GetRiskAdjustmentFactor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.target <= 0 || f.balance >= f.target {
		return fixedpoint.One
	}
	if f.balance <= 0 {
		// Never zero: a fully drained fund still permits 1x exposure.
		return 100_000
	}

	factor := fixedpoint.MulDiv(f.balance, fixedpoint.One, f.target)
	if factor < 100_000 {
		factor = 100_000
	}
	return factor
}

func (f *MemoryFund) GetHealthStatus() FundHealth {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.target <= 0 || f.balance >= f.target/2:
		return FundHealthy
	case f.balance >= f.target/10:
		return FundStressed
	default:
		return FundCritical
	}
}
