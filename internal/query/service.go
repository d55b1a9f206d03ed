// Package query serves read-only views. Live position and market state
// comes from the ledger's snapshots; transfer history comes from the
// Postgres log. Every response carries as_of_sequence for freshness.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/notsatoshii/probledger/internal/fixedpoint"
	"github.com/notsatoshii/probledger/internal/ledger"
	"github.com/notsatoshii/probledger/internal/oracle"
	"github.com/notsatoshii/probledger/internal/position"
	"github.com/notsatoshii/probledger/internal/risk"
)

// Service provides read-only access to ledger state and history.
type Service struct {
	ledger *ledger.Ledger
	risk   *risk.Engine
	prices oracle.MarkPriceSource
	exec   oracle.ExecutionPriceService // nil disables quotes
	db     *sql.DB                      // nil disables history queries

	nowFn func() int64 // epoch micros
}

func NewService(l *ledger.Ledger, riskEngine *risk.Engine, prices oracle.MarkPriceSource, exec oracle.ExecutionPriceService, db *sql.DB) *Service {
	return &Service{
		ledger: l,
		risk:   riskEngine,
		prices: prices,
		exec:   exec,
		db:     db,
		nowFn:  func() int64 { return time.Now().UnixMicro() },
	}
}

// GetPosition returns one position with derived values at the live mark.
func (s *Service) GetPosition(trader uuid.UUID, marketID string) (*PositionResponse, error) {
	pos, ok := s.ledger.GetPosition(trader, marketID)
	if !ok {
		return nil, fmt.Errorf("no position for trader %s in market %s", trader, marketID)
	}

	resp := &PositionResponse{
		Trader:       pos.Trader,
		MarketID:     pos.MarketID,
		Side:         pos.Side.String(),
		Size:         pos.Size,
		EntryPrice:   pos.EntryPrice,
		Collateral:   pos.Collateral,
		RealizedPnL:  pos.RealizedPnL,
		Version:      pos.Version,
		AsOfSequence: s.ledger.Sequence(),
	}

	pending, err := s.ledger.PendingFees(trader, marketID)
	if err == nil {
		resp.PendingBorrowFee = pending.Borrow
		resp.PendingFunding = pending.Funding
	}

	markPrice, err := s.prices.GetMarkPrice(marketID)
	if err != nil {
		// No price means no derived values, not a failed lookup.
		return resp, nil
	}
	resp.MarkPrice = markPrice
	resp.UnrealizedPnL = fixedpoint.ComputePnL(pos.SideSign(), markPrice, pos.EntryPrice, pos.Size)
	resp.Equity = pos.Collateral + resp.UnrealizedPnL - (resp.PendingBorrowFee + resp.PendingFunding)

	if decision, err := s.ledger.CheckLiquidatable(trader, marketID); err == nil {
		resp.Liquidatable = decision.Kind != risk.LiquidationNone
		resp.LiquidationKind = decision.Kind.String()
	}

	return resp, nil
}

// GetTraderPositions returns all of a trader's open positions.
func (s *Service) GetTraderPositions(trader uuid.UUID) ([]*PositionResponse, error) {
	var out []*PositionResponse
	for _, pos := range s.ledger.GetTraderPositions(trader) {
		resp, err := s.GetPosition(trader, pos.MarketID)
		if err != nil {
			continue
		}
		out = append(out, resp)
	}
	return out, nil
}

// GetMarket returns market aggregates plus the current risk envelope.
func (s *Service) GetMarket(marketID string) (*MarketResponse, error) {
	mkt, ok := s.ledger.GetMarket(marketID)
	if !ok {
		return nil, fmt.Errorf("unknown market %s", marketID)
	}

	resp := &MarketResponse{
		MarketID:          mkt.ID,
		TotalLongOI:       mkt.TotalLongOI,
		TotalShortOI:      mkt.TotalShortOI,
		BorrowIndex:       mkt.BorrowIndex,
		FundingIndex:      mkt.FundingIndex,
		BorrowRatePerHour: mkt.BorrowRatePerHour,
		ResolutionTime:    mkt.ResolutionTime,
		Phase:             mkt.PhaseAt(s.nowFn()).String(),
		Active:            mkt.Active,
		Live:              mkt.Live,
		AsOfSequence:      s.ledger.Sequence(),
	}

	if cfg, ok := s.ledger.GetRiskConfig(marketID); ok {
		resp.MaxLeverage = cfg.MaxLeverage
		resp.EffectiveLeverage = s.risk.EffectiveMaxLeverage(cfg)
	}
	resp.GlobalOICap = s.risk.GlobalOICap(mkt.PhaseAt(s.nowFn()))

	return resp, nil
}

// ListMarkets returns all registered markets.
func (s *Service) ListMarkets() ([]*MarketResponse, error) {
	var out []*MarketResponse
	for _, mkt := range s.ledger.Markets() {
		resp, err := s.GetMarket(mkt.ID)
		if err != nil {
			continue
		}
		out = append(out, resp)
	}
	return out, nil
}

// GetTransferHistory returns a trader's persisted transfers, newest first,
// with cursor pagination on sequence.
// GetQuote estimates the execution price for a prospective fill. The mark
// is reported alongside so callers can see the impact spread.
func (s *Service) GetQuote(marketID string, side position.Side, size int64) (*QuoteResponse, error) {
	if s.exec == nil {
		return nil, fmt.Errorf("execution pricing is not configured")
	}
	if _, ok := s.ledger.GetMarket(marketID); !ok {
		return nil, fmt.Errorf("unknown market %s", marketID)
	}
	price, impact, err := s.exec.GetExecutionPrice(marketID, side, size)
	if err != nil {
		return nil, err
	}
	mark, err := s.prices.GetMarkPrice(marketID)
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{
		MarketID:       marketID,
		Side:           side.String(),
		Size:           size,
		MarkPrice:      mark,
		ExecutionPrice: price,
		Impact:         impact,
		AsOfSequence:   s.ledger.Sequence(),
	}, nil
}

func (s *Service) GetTransferHistory(ctx context.Context, trader uuid.UUID, limit int, beforeSequence *int64) ([]TransferHistoryEntry, error) {
	if s.db == nil {
		return nil, fmt.Errorf("history queries disabled: no database configured")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	accountPrefix := fmt.Sprintf("trader:%s:%%", trader)

	q := `
		SELECT t.transfer_id, t.batch_id, b.op, b.sequence,
		       t.from_account, t.to_account, t.amount, t.kind, t.ts_us
		FROM ledger.transfers t
		JOIN ledger.batches b ON b.batch_id = t.batch_id
		WHERE (t.from_account LIKE $1 OR t.to_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		q += fmt.Sprintf(" AND b.sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	q += " ORDER BY b.sequence DESC"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []TransferHistoryEntry
	for rows.Next() {
		var h TransferHistoryEntry
		if err := rows.Scan(
			&h.TransferID, &h.BatchID, &h.Op, &h.Sequence,
			&h.FromAccount, &h.ToAccount, &h.Amount, &h.Kind, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}
