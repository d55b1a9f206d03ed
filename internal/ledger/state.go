package ledger

import (
	"fmt"

	"github.com/notsatoshii/probledger/internal/errs"
	"github.com/notsatoshii/probledger/internal/market"
	"github.com/notsatoshii/probledger/internal/position"
)

// State is a point-in-time copy of everything the ledger owns, for
// snapshotting and warm restarts.
type State struct {
	Sequence    int64
	Positions   []*position.Position
	Markets     []*market.Market
	RiskConfigs []*market.RiskConfig
}

// ExportState deep-copies the current state. Safe to serialize or
// inspect after the call returns; later mutations do not leak in.
func (l *Ledger) ExportState() *State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := &State{
		Sequence:    l.sequence,
		Positions:   make([]*position.Position, 0, len(l.positions)),
		Markets:     make([]*market.Market, 0, len(l.markets)),
		RiskConfigs: make([]*market.RiskConfig, 0, len(l.riskConfigs)),
	}
	for _, p := range l.positions {
		st.Positions = append(st.Positions, p.Clone())
	}
	for _, m := range l.markets {
		st.Markets = append(st.Markets, m.Clone())
	}
	for _, c := range l.riskConfigs {
		cp := *c
		st.RiskConfigs = append(st.RiskConfigs, &cp)
	}
	return st
}

// RestoreState replaces all ledger state with the snapshot's. Only
// valid before serving starts: restoring over a live ledger that has
// already committed operations is rejected.
func (l *Ledger) RestoreState(st *State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sequence != 0 {
		return fmt.Errorf("%w: restore over a live ledger (sequence %d)", errs.ErrState, l.sequence)
	}

	positions := make(map[Key]*position.Position, len(st.Positions))
	for _, p := range st.Positions {
		positions[Key{Trader: p.Trader, MarketID: p.MarketID}] = p.Clone()
	}
	markets := make(map[string]*market.Market, len(st.Markets))
	for _, m := range st.Markets {
		markets[m.ID] = m.Clone()
	}
	riskConfigs := make(map[string]*market.RiskConfig, len(st.RiskConfigs))
	for _, c := range st.RiskConfigs {
		cp := *c
		riskConfigs[c.MarketID] = &cp
	}
	for id := range markets {
		if _, ok := riskConfigs[id]; !ok {
			return fmt.Errorf("%w: market %s has no risk config in snapshot", errs.ErrValidation, id)
		}
	}

	l.positions = positions
	l.markets = markets
	l.riskConfigs = riskConfigs
	l.sequence = st.Sequence

	if l.metrics != nil {
		l.metrics.Sequence.Set(float64(l.sequence))
	}
	return nil
}
