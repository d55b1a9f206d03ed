package persistence

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/notsatoshii/probledger/internal/ledger"
	"github.com/notsatoshii/probledger/internal/market"
	"github.com/notsatoshii/probledger/internal/oracle"
	"github.com/notsatoshii/probledger/internal/position"
)

// CaptureSnapshot converts live ledger state and cached mark prices
// into the serializable snapshot format.
func CaptureSnapshot(l *ledger.Ledger, prices *oracle.PriceCache) *SnapshotData {
	st := l.ExportState()

	snap := &SnapshotData{
		Sequence:    st.Sequence,
		Positions:   make([]PositionSnapshot, 0, len(st.Positions)),
		Markets:     make([]MarketSnapshot, 0, len(st.Markets)),
		RiskConfigs: make([]RiskConfigSnapshot, 0, len(st.RiskConfigs)),
		MarkPrices:  prices.Snapshot(),
		CreatedAt:   time.Now().UTC(),
	}

	for _, p := range st.Positions {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			ID:               p.ID.String(),
			Trader:           p.Trader.String(),
			MarketID:         p.MarketID,
			Side:             int32(p.Side),
			Size:             p.Size,
			EntryPrice:       p.EntryPrice,
			Collateral:       p.Collateral,
			OpenedAt:         p.OpenedAt,
			LastFeeUpdate:    p.LastFeeUpdate,
			SettledFees:      p.SettledFees,
			LastBorrowIndex:  p.LastBorrowIndex,
			LastFundingIndex: p.LastFundingIndex,
			RealizedPnL:      p.RealizedPnL,
			Version:          p.Version,
		})
	}
	for _, m := range st.Markets {
		snap.Markets = append(snap.Markets, MarketSnapshot{
			ID:                m.ID,
			TotalLongOI:       m.TotalLongOI,
			TotalShortOI:      m.TotalShortOI,
			BorrowIndex:       m.BorrowIndex,
			FundingIndex:      m.FundingIndex,
			BorrowRatePerHour: m.BorrowRatePerHour,
			LastAccrual:       m.LastAccrual,
			ResolutionTime:    m.ResolutionTime,
			Live:              m.Live,
			LiveStart:         m.LiveStart,
			Active:            m.Active,
			Volatility:        m.Volatility,
		})
	}
	for _, c := range st.RiskConfigs {
		snap.RiskConfigs = append(snap.RiskConfigs, RiskConfigSnapshot{
			MarketID:             c.MarketID,
			MaxLeverage:          c.MaxLeverage,
			MaintenanceRatio:     c.MaintenanceRatio,
			LiquidationBuffer:    c.LiquidationBuffer,
			LiquidationPenalty:   c.LiquidationPenalty,
			PartialCloseFraction: c.PartialCloseFraction,
			BaseBorrowRate:       c.BaseBorrowRate,
			MinBorrowRate:        c.MinBorrowRate,
			MaxBorrowRate:        c.MaxBorrowRate,
			MaxSideOI:            c.MaxSideOI,
		})
	}
	return snap
}

// ApplySnapshot restores ledger state from a snapshot taken earlier.
// Cached mark prices are reseeded with the snapshot timestamp, so the
// staleness gate still forces fresh keeper updates before margin
// checks pass.
func ApplySnapshot(snap *SnapshotData, l *ledger.Ledger, prices *oracle.PriceCache) error {
	st := &ledger.State{
		Sequence:    snap.Sequence,
		Positions:   make([]*position.Position, 0, len(snap.Positions)),
		Markets:     make([]*market.Market, 0, len(snap.Markets)),
		RiskConfigs: make([]*market.RiskConfig, 0, len(snap.RiskConfigs)),
	}

	for _, p := range snap.Positions {
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return fmt.Errorf("snapshot position id %q: %w", p.ID, err)
		}
		trader, err := uuid.Parse(p.Trader)
		if err != nil {
			return fmt.Errorf("snapshot trader id %q: %w", p.Trader, err)
		}
		st.Positions = append(st.Positions, &position.Position{
			ID:               id,
			Trader:           trader,
			MarketID:         p.MarketID,
			Side:             position.Side(p.Side),
			Size:             p.Size,
			EntryPrice:       p.EntryPrice,
			Collateral:       p.Collateral,
			OpenedAt:         p.OpenedAt,
			LastFeeUpdate:    p.LastFeeUpdate,
			SettledFees:      p.SettledFees,
			LastBorrowIndex:  p.LastBorrowIndex,
			LastFundingIndex: p.LastFundingIndex,
			RealizedPnL:      p.RealizedPnL,
			Version:          p.Version,
		})
	}
	for _, m := range snap.Markets {
		st.Markets = append(st.Markets, &market.Market{
			ID:                m.ID,
			TotalLongOI:       m.TotalLongOI,
			TotalShortOI:      m.TotalShortOI,
			BorrowIndex:       m.BorrowIndex,
			FundingIndex:      m.FundingIndex,
			BorrowRatePerHour: m.BorrowRatePerHour,
			LastAccrual:       m.LastAccrual,
			ResolutionTime:    m.ResolutionTime,
			Live:              m.Live,
			LiveStart:         m.LiveStart,
			Active:            m.Active,
			Volatility:        m.Volatility,
		})
	}
	for _, c := range snap.RiskConfigs {
		st.RiskConfigs = append(st.RiskConfigs, &market.RiskConfig{
			MarketID:             c.MarketID,
			MaxLeverage:          c.MaxLeverage,
			MaintenanceRatio:     c.MaintenanceRatio,
			LiquidationBuffer:    c.LiquidationBuffer,
			LiquidationPenalty:   c.LiquidationPenalty,
			PartialCloseFraction: c.PartialCloseFraction,
			BaseBorrowRate:       c.BaseBorrowRate,
			MinBorrowRate:        c.MinBorrowRate,
			MaxBorrowRate:        c.MaxBorrowRate,
			MaxSideOI:            c.MaxSideOI,
		})
	}

	if err := l.RestoreState(st); err != nil {
		return err
	}

	ts := snap.CreatedAt.UnixMicro()
	for marketID, price := range snap.MarkPrices {
		if err := prices.Put(marketID, price, 0, ts); err != nil {
			return fmt.Errorf("reseed mark price for %s: %w", marketID, err)
		}
	}
	return nil
}
