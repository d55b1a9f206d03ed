package ledger

import (
	"fmt"

	"github.com/notsatoshii/probledger/internal/auth"
	"github.com/notsatoshii/probledger/internal/errs"
	"github.com/notsatoshii/probledger/internal/feerate"
	"github.com/notsatoshii/probledger/internal/fixedpoint"
)

// Keeper entry points. Index updates touch only market aggregates; open
// positions are never walked here. Position fees catch up lazily on their
// next settlement.

// AccrueBorrow recomputes the market's borrow rate from current stress
// observations and grows the borrow index for the elapsed interval.
func (l *Ledger) AccrueBorrow(caller auth.Caller, marketID string, now int64) error {
	if err := l.requireRole(caller, auth.RoleKeeper); err != nil {
		return l.reject("accrue_borrow", err)
	}
	if err := l.enter(); err != nil {
		return l.reject("accrue_borrow", err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.accrueBorrowLocked(marketID, now)
}

func (l *Ledger) accrueBorrowLocked(marketID string, now int64) error {
	const op = "accrue_borrow"

	mkt, ok := l.markets[marketID]
	if !ok {
		return l.reject(op, fmt.Errorf("%w: unknown market %s", errs.ErrValidation, marketID))
	}
	cfg := l.riskConfigs[marketID]

	if mkt.LastAccrual == 0 {
		// First accrual only anchors the clock.
		mkt.LastAccrual = now
		mkt.BorrowRatePerHour = cfg.BaseBorrowRate
		return nil
	}
	elapsed := now - mkt.LastAccrual
	if elapsed <= 0 {
		return l.reject(op, fmt.Errorf("%w: non-monotonic accrual time for %s: last=%d, now=%d",
			errs.ErrState, marketID, mkt.LastAccrual, now))
	}

	raw := feerate.RawRate(cfg.BaseBorrowRate, feerate.Inputs{
		Utilization:      l.pool.Utilization(),
		Imbalance:        mkt.Imbalance(),
		Volatility:       mkt.Volatility,
		TimeToResolution: mkt.ResolutionTime - now,
		Concentration:    l.concentration(marketID),
	})
	smoother := feerate.DefaultSmoother(cfg.MinBorrowRate, cfg.MaxBorrowRate)
	rate := smoother.Next(mkt.BorrowRatePerHour, raw)

	// Grow using the rate in force over the elapsed interval, then apply
	// the new rate going forward.
	mkt.BorrowIndex = fixedpoint.GrowIndex(mkt.BorrowIndex, mkt.BorrowRatePerHour, elapsed)
	mkt.BorrowRatePerHour = rate
	mkt.LastAccrual = now

	if l.metrics != nil {
		l.metrics.BorrowRate.WithLabelValues(marketID).Set(float64(rate))
	}

	l.log.Debug().
		Str("market", marketID).
		Int64("rate_per_hour", rate).
		Int64("borrow_index", mkt.BorrowIndex).
		Msg("borrow accrued")
	return nil
}

// UpdateFunding shifts the market's cumulative funding index. The delta is
// signed at index scale: positive means longs pay shorts.
func (l *Ledger) UpdateFunding(caller auth.Caller, marketID string, deltaIndex int64) error {
	if err := l.requireRole(caller, auth.RoleKeeper); err != nil {
		return l.reject("update_funding", err)
	}
	if err := l.enter(); err != nil {
		return l.reject("update_funding", err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.updateFundingLocked(marketID, deltaIndex)
}

func (l *Ledger) updateFundingLocked(marketID string, deltaIndex int64) error {
	const op = "update_funding"

	mkt, ok := l.markets[marketID]
	if !ok {
		return l.reject(op, fmt.Errorf("%w: unknown market %s", errs.ErrValidation, marketID))
	}

	mkt.FundingIndex += deltaIndex

	l.log.Debug().
		Str("market", marketID).
		Int64("delta", deltaIndex).
		Int64("funding_index", mkt.FundingIndex).
		Msg("funding index updated")
	return nil
}

// SetVolatility records the keeper's current volatility estimate for a
// market, at fraction scale.
func (l *Ledger) SetVolatility(caller auth.Caller, marketID string, volatility int64) error {
	const op = "set_volatility"

	if err := l.requireRole(caller, auth.RoleKeeper); err != nil {
		return l.reject(op, err)
	}
	if volatility < 0 {
		return l.reject(op, fmt.Errorf("%w: volatility must be >= 0, got %d", errs.ErrValidation, volatility))
	}
	if err := l.enter(); err != nil {
		return l.reject(op, err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	mkt, ok := l.markets[marketID]
	if !ok {
		return l.reject(op, fmt.Errorf("%w: unknown market %s", errs.ErrValidation, marketID))
	}
	mkt.Volatility = volatility
	return nil
}

// BatchResult tallies a keeper batch. Items fail independently; one bad
// market never blocks the rest of the sweep.
type BatchResult struct {
	Succeeded int
	Failed    int
	Errors    []error
}

// AccrueBorrowAll runs borrow accrual across every active market.
func (l *Ledger) AccrueBorrowAll(caller auth.Caller, now int64) (BatchResult, error) {
	if err := l.requireRole(caller, auth.RoleKeeper); err != nil {
		return BatchResult{}, l.reject("accrue_borrow_all", err)
	}
	if err := l.enter(); err != nil {
		return BatchResult{}, l.reject("accrue_borrow_all", err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	var res BatchResult
	for id, mkt := range l.markets {
		if !mkt.Active {
			continue
		}
		if err := l.accrueBorrowLocked(id, now); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("market %s: %w", id, err))
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

// FundingUpdate is one market's funding index delta in a keeper batch.
type FundingUpdate struct {
	MarketID   string
	DeltaIndex int64
}

// UpdateFundingBatch applies funding deltas across markets with per-item
// isolation.
func (l *Ledger) UpdateFundingBatch(caller auth.Caller, updates []FundingUpdate) (BatchResult, error) {
	if err := l.requireRole(caller, auth.RoleKeeper); err != nil {
		return BatchResult{}, l.reject("update_funding_batch", err)
	}
	if err := l.enter(); err != nil {
		return BatchResult{}, l.reject("update_funding_batch", err)
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()

	var res BatchResult
	for _, u := range updates {
		if err := l.updateFundingLocked(u.MarketID, u.DeltaIndex); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("market %s: %w", u.MarketID, err))
			continue
		}
		res.Succeeded++
	}
	return res, nil
}
