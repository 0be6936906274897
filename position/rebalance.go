package position

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/types"
)

// Rebalance trims the oversized leg back to the smaller one with a partial
// reduce-only close, restoring delta neutrality without exiting the trade.
// Used when uneven fills or a partial exit left the legs drifted apart.
func (m *Manager) Rebalance(ctx context.Context, trade *types.Trade, l1, l2 *types.Position) error {
	q1, q2 := decimal.Zero, decimal.Zero
	if l1 != nil {
		q1 = l1.Qty.Abs()
	}
	if l2 != nil {
		q2 = l2.Qty.Abs()
	}

	excess := q1.Sub(q2)
	leg := &trade.Leg1
	if excess.IsNegative() {
		excess = excess.Neg()
		leg = &trade.Leg2
	}
	if !excess.IsPositive() {
		return nil
	}

	info, err := m.market.GetMarketInfo(ctx, trade.Symbol, leg.Venue)
	if err != nil {
		return fmt.Errorf("rebalance market info: %w", err)
	}
	excess = types.RoundToStepDown(excess, info.StepSize)
	if !excess.IsPositive() {
		return nil
	}

	// Skip dust corrections: a tiny trim costs more in fees than the drift.
	if price, ok := m.market.GetPrice(trade.Symbol); ok {
		mid := price.LighterPrice
		if leg.Venue == types.VenueX10 {
			mid = price.X10Price
		}
		if mid.IsPositive() && excess.Mul(mid).LessThan(m.cfg.RebalanceMinUSD) {
			log.Debug().
				Str("symbol", trade.Symbol).
				Str("excess", excess.String()).
				Msg("Rebalance below minimum notional, skipping")
			return nil
		}
	}

	log.Info().
		Str("symbol", trade.Symbol).
		Str("venue", string(leg.Venue)).
		Str("trim_qty", excess.String()).
		Msg("⚖️ Rebalancing legs")

	adapter := m.adapter(leg.Venue)
	cctx, cancel := context.WithTimeout(ctx, m.cfg.RebalanceTimeout)
	defer cancel()

	// Maker first; IOC on the remainder at the deadline, same shape as a
	// coordinated close but single-leg and partial.
	filled, _, err := m.makerClose(cctx, trade.Symbol, leg, adapter, excess)
	if err != nil {
		log.Warn().Err(err).Str("venue", string(leg.Venue)).Msg("Maker rebalance failed, escalating")
	}
	remaining := excess.Sub(filled)
	if remaining.IsPositive() {
		if _, err := m.takerClose(ctx, trade.Symbol, leg, adapter, remaining); err != nil {
			return fmt.Errorf("rebalance %s: %w", trade.Symbol, err)
		}
	}

	trade.LogEvent("REBALANCED", map[string]string{
		"venue": string(leg.Venue),
		"qty":   excess.String(),
	})
	return m.store.UpdateTrade(ctx, trade)
}
