package position

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/types"
)

// Broken-hedge detection. A single missing-leg observation is never acted
// on: transient feed lag and position-endpoint hiccups would otherwise
// trigger irreversible closes. The detector requires N consecutive
// confirmations spaced a minimum interval apart, and resets entirely when
// observations go stale.

type hedgeWatch struct {
	misses    int
	lastMiss  time.Time
	missVenue types.Venue
}

// checkBrokenHedge returns true when it took emergency action on the trade.
func (m *Manager) checkBrokenHedge(ctx context.Context, trade *types.Trade, l1, l2 *types.Position) bool {
	present1 := legPresent(l1, m.cfg.BrokenHedgeQtyThreshold)
	present2 := legPresent(l2, m.cfg.BrokenHedgeQtyThreshold)

	if present1 == present2 {
		// Both alive (healthy) or both gone (reconciler's zombie case, not
		// a broken hedge). Either way the debounce state is void.
		m.clearHedgeWatch(trade.TradeID)
		return false
	}

	missing, survivor := trade.Leg2.Venue, &trade.Leg1
	survivorPos := l1
	if !present1 {
		missing, survivor = trade.Leg1.Venue, &trade.Leg2
		survivorPos = l2
	}

	m.mu.Lock()
	watch := m.hedges[trade.TradeID]
	if watch == nil {
		watch = &hedgeWatch{}
		m.hedges[trade.TradeID] = watch
	}

	now := time.Now().UTC()
	if watch.misses > 0 && now.Sub(watch.lastMiss) > m.cfg.BrokenHedgeStaleness {
		// Confirmation chain went stale: start over.
		watch.misses = 0
	}
	if watch.misses > 0 && watch.missVenue != missing {
		// The other leg is now the missing one: not the same incident.
		watch.misses = 0
	}
	if watch.misses > 0 && now.Sub(watch.lastMiss) < m.cfg.BrokenHedgeMinInterval {
		// Too soon to count as an independent confirmation.
		m.mu.Unlock()
		return false
	}

	watch.misses++
	watch.lastMiss = now
	watch.missVenue = missing
	missCount := watch.misses
	confirmed := missCount >= m.cfg.BrokenHedgeConfirmations
	m.mu.Unlock()

	if !confirmed {
		log.Warn().
			Str("symbol", trade.Symbol).
			Str("missing_venue", string(missing)).
			Int("confirmations", missCount).
			Int("required", m.cfg.BrokenHedgeConfirmations).
			Msg("⚠️ Leg missing, awaiting confirmation")
		return false
	}

	m.handleBrokenHedge(ctx, trade, missing, survivor, survivorPos)
	return true
}

// handleBrokenHedge market-closes the surviving leg, alerts CRITICAL and
// pauses new entries until an operator acknowledges.
func (m *Manager) handleBrokenHedge(ctx context.Context, trade *types.Trade,
	missing types.Venue, survivor *types.TradeLeg, survivorPos *types.Position) {

	remaining := decimal.Zero
	if survivorPos != nil {
		remaining = survivorPos.Qty.Abs()
	}

	log.Error().
		Str("symbol", trade.Symbol).
		Str("trade_id", trade.TradeID).
		Str("missing_venue", string(missing)).
		Str("surviving_qty", remaining.String()).
		Msg("🚨 BROKEN HEDGE CONFIRMED - emergency close")

	m.pauseEntries()
	m.bus.Publish(events.BrokenHedgeDetected{
		Base:         events.NewBase(),
		TradeID:      trade.TradeID,
		Symbol:       trade.Symbol,
		MissingVenue: missing,
		RemainingQty: remaining,
	})
	m.bus.Publish(events.Alert{
		Base:  events.NewBase(),
		Level: events.LevelCritical,
		Message: fmt.Sprintf("BROKEN HEDGE on %s: %s leg missing, closing %s survivor. New entries paused.",
			trade.Symbol, missing, survivor.Venue),
	})

	trade.Status = types.TradeClosing
	trade.CloseReason = ReasonBrokenHedge
	trade.LogEvent("BROKEN_HEDGE", map[string]string{"missing_venue": string(missing)})
	if err := m.store.UpdateTrade(ctx, trade); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist broken-hedge state")
	}

	if remaining.IsPositive() {
		adapter := m.adapter(survivor.Venue)
		res, err := m.takerClose(ctx, trade.Symbol, survivor, adapter, remaining)
		if err != nil {
			log.Error().Err(err).
				Str("symbol", trade.Symbol).
				Msg("Emergency close of surviving leg FAILED")
			m.bus.Publish(events.Alert{
				Base:  events.NewBase(),
				Level: events.LevelCritical,
				Message: fmt.Sprintf("Emergency close FAILED on %s %s — manual intervention required: %v",
					trade.Symbol, survivor.Venue, err),
			})
			return
		}
		applyCloseResult(survivor, res)
	}

	pnl := trade.Leg1.PnL().Add(trade.Leg2.PnL())
	trade.MarkClosed(ReasonBrokenHedge, pnl)
	if err := m.store.UpdateTrade(ctx, trade); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist broken-hedge close")
	}
	m.bus.Publish(events.TradeClosed{
		Base:             events.NewBase(),
		TradeID:          trade.TradeID,
		Symbol:           trade.Symbol,
		Reason:           ReasonBrokenHedge,
		RealizedPnL:      trade.TotalPnL(),
		FundingCollected: trade.FundingCollected,
		TotalFees:        trade.TotalFees(),
		HoldDuration:     trade.HoldDuration(),
	})
	m.clearHedgeWatch(trade.TradeID)
}

func legPresent(pos *types.Position, threshold decimal.Decimal) bool {
	return pos != nil && pos.Qty.Abs().GreaterThan(threshold)
}

func (m *Manager) clearHedgeWatch(tradeID string) {
	m.mu.Lock()
	delete(m.hedges, tradeID)
	m.mu.Unlock()
}

// pruneHedgeState drops debounce entries for trades no longer active.
func (m *Manager) pruneHedgeState(live map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.hedges {
		if !live[id] {
			delete(m.hedges, id)
		}
	}
	for id := range m.closeRetries {
		if !live[id] {
			delete(m.closeRetries, id)
		}
	}
}
