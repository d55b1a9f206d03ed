package keeper

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/notsatoshii/probledger/internal/auth"
	"github.com/notsatoshii/probledger/internal/ledger"
	"github.com/notsatoshii/probledger/internal/observability"
	"github.com/notsatoshii/probledger/internal/oracle"
)

// Deduper records applied message IDs across restarts. Price and
// volatility updates are naturally idempotent; funding deltas are not,
// so redeliveries of those must be skipped.
type Deduper interface {
	Seen(ctx context.Context, msgID string) (bool, error)
	Record(ctx context.Context, msgID string) error
}

// Runner drains the raw message channel, parses each payload, and applies
// it. Price updates land in the price cache; index and volatility updates
// go through the ledger under the keeper role.
type Runner struct {
	ledger  *ledger.Ledger
	prices  *oracle.PriceCache
	caller  auth.Caller
	msgChan <-chan RawMsg
	dedup   Deduper // nil disables dedupe

	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewRunner(l *ledger.Ledger, prices *oracle.PriceCache, caller auth.Caller, msgChan <-chan RawMsg, dedup Deduper, log zerolog.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{
		ledger:  l,
		prices:  prices,
		caller:  caller,
		msgChan: msgChan,
		dedup:   dedup,
		log:     log.With().Str("component", "keeper-runner").Logger(),
		metrics: metrics,
	}
}

// Run consumes until the context is cancelled. Unparseable payloads are
// ACKed and counted: redelivery cannot fix a malformed message. Apply
// failures are NAKed for redelivery.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-r.msgChan:
			r.handle(raw)
		}
	}
}

func (r *Runner) handle(raw RawMsg) {
	update, err := Parse(raw.UpdateType, raw.Data)
	if err != nil {
		r.log.Error().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable keeper message")
		if r.metrics != nil {
			r.metrics.KeeperParseErrors.WithLabelValues(raw.UpdateType).Inc()
		}
		raw.Ack()
		return
	}

	// Funding deltas are additive, so applying a redelivery twice would
	// corrupt the index. Skip message IDs already on record.
	_, isFunding := update.(FundingDelta)
	if isFunding && r.dedup != nil && raw.MsgID != "" {
		seen, err := r.dedup.Seen(context.Background(), raw.MsgID)
		if err != nil {
			r.log.Error().Err(err).Str("msg_id", raw.MsgID).Msg("dedup lookup failed, will redeliver")
			raw.Nak()
			return
		}
		if seen {
			if r.metrics != nil {
				r.metrics.KeeperDuplicates.WithLabelValues(raw.UpdateType).Inc()
			}
			raw.Ack()
			return
		}
	}

	if err := r.apply(update); err != nil {
		r.log.Error().Err(err).Str("subject", raw.Subject).Msg("keeper update failed, will redeliver")
		raw.Nak()
		return
	}

	if isFunding && r.dedup != nil && raw.MsgID != "" {
		if err := r.dedup.Record(context.Background(), raw.MsgID); err != nil {
			// The update is applied; a lost record only risks one
			// re-apply on redelivery. Log and move on.
			r.log.Error().Err(err).Str("msg_id", raw.MsgID).Msg("dedup record failed")
		}
	}

	if r.metrics != nil {
		r.metrics.KeeperUpdates.WithLabelValues(raw.UpdateType).Inc()
	}
	raw.Ack()
}

func (r *Runner) apply(update Update) error {
	switch u := update.(type) {
	case PriceUpdate:
		return r.prices.Put(u.Market, u.Price, u.Sequence, u.TimestampUs)

	case FundingDelta:
		return r.ledger.UpdateFunding(r.caller, u.Market, u.DeltaIndex)

	case VolatilityUpdate:
		return r.ledger.SetVolatility(r.caller, u.Market, u.Volatility)

	case AccrualTick:
		res, err := r.ledger.AccrueBorrowAll(r.caller, u.TimestampUs)
		if err != nil {
			return err
		}
		for _, accErr := range res.Errors {
			r.log.Error().Err(accErr).Msg("borrow accrual failed for market")
		}
		r.log.Debug().Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("accrual sweep complete")
		return nil

	default:
		return nil
	}
}
