package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/types"
)

// rollback is the saga compensation: close whatever actually landed on
// either venue with reduce-only market orders, then verify both sides are
// flat. Runs on a detached context so cancellation of the parent execution
// never abandons a half-open position.
func (e *Engine) rollback(ctx context.Context, trade *types.Trade, reason string) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
	defer cancel()

	log.Warn().
		Str("trade_id", trade.TradeID).
		Str("symbol", trade.Symbol).
		Str("reason", reason).
		Msg("🔄 Rolling back trade")

	trade.ExecState = types.ExecRollbackInProgress
	if err := e.store.UpdateTrade(rctx, trade); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist rollback state")
	}

	var failed bool
	for _, leg := range []*types.TradeLeg{&trade.Leg1, &trade.Leg2} {
		if err := e.closeLegLive(rctx, trade, leg, reason); err != nil {
			failed = true
			log.Error().Err(err).
				Str("trade_id", trade.TradeID).
				Str("venue", string(leg.Venue)).
				Msg("Rollback leg close failed")
		}
	}

	if !failed {
		failed = !e.verifyFlat(rctx, trade)
	}

	if failed {
		trade.ExecState = types.ExecRollbackFailed
		trade.Status = types.TradeFailed
		if err := e.store.UpdateTrade(rctx, trade); err != nil {
			log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist rollback failure")
		}
		e.bus.Publish(events.Alert{
			Base:    events.NewBase(),
			Level:   events.LevelCritical,
			Message: fmt.Sprintf("Rollback FAILED for %s (%s) — manual intervention required", trade.Symbol, trade.TradeID),
			Details: map[string]string{"reason": reason},
		})
		e.bus.Publish(events.RollbackCompleted{
			Base: events.NewBase(), TradeID: trade.TradeID, Symbol: trade.Symbol, Success: false,
		})
		return fmt.Errorf("%w: %s not flat after compensation", types.ErrRollback, trade.Symbol)
	}

	trade.ExecState = types.ExecRollbackDone
	trade.Status = types.TradeRollback
	trade.LogEvent("ROLLBACK", map[string]string{"reason": reason})
	if err := e.store.UpdateTrade(rctx, trade); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist rollback completion")
	}
	e.bus.Publish(events.RollbackCompleted{
		Base: events.NewBase(), TradeID: trade.TradeID, Symbol: trade.Symbol, Success: true,
		LossUSD: trade.TotalFees(),
	})
	log.Info().Str("trade_id", trade.TradeID).Str("symbol", trade.Symbol).Msg("✅ Rollback complete")
	return nil
}

// closeLegLive flattens one leg using the LIVE position as source of truth:
// tracked fill quantities can lag the venue when a cancel raced a fill.
func (e *Engine) closeLegLive(ctx context.Context, trade *types.Trade, leg *types.TradeLeg, reason string) error {
	adapter := e.adapter(leg.Venue)

	if err := adapter.CancelAllOrders(ctx, trade.Symbol); err != nil {
		log.Warn().Err(err).Str("venue", string(leg.Venue)).Msg("Cancel-all before rollback close failed")
	}

	qty, err := e.livePositionQty(ctx, adapter, trade.Symbol, leg.Side)
	if err != nil {
		return fmt.Errorf("position read on %s: %w", leg.Venue, err)
	}
	if !qty.IsPositive() {
		return nil
	}

	e.bus.Publish(events.RollbackInitiated{
		Base: events.NewBase(), TradeID: trade.TradeID, Symbol: trade.Symbol,
		Reason: reason, LegToClose: leg.Venue, Qty: qty,
	})

	_, err = adapter.PlaceOrder(ctx, types.OrderRequest{
		Symbol:        trade.Symbol,
		Venue:         leg.Venue,
		Side:          leg.Side.Inverse(),
		Qty:           qty,
		Type:          types.OrderTypeMarket,
		ReduceOnly:    true,
		ClientOrderID: types.NewClientOrderID(),
	})
	if err != nil {
		return fmt.Errorf("reduce-only close on %s: %w", leg.Venue, err)
	}
	return nil
}

// verifyFlat polls both venues until neither shows residual quantity for the
// symbol, bounded by the configured verification window.
func (e *Engine) verifyFlat(ctx context.Context, trade *types.Trade) bool {
	deadline := time.Now().Add(e.cfg.RollbackVerifyWindow)
	for {
		l1, _ := e.livePositionQty(ctx, e.adapter(trade.Leg1.Venue), trade.Symbol, trade.Leg1.Side)
		l2, _ := e.livePositionQty(ctx, e.adapter(trade.Leg2.Venue), trade.Symbol, trade.Leg2.Side)
		if l1.IsZero() && l2.IsZero() {
			return true
		}
		if time.Now().After(deadline) {
			log.Error().
				Str("symbol", trade.Symbol).
				Str("leg1_residual", l1.String()).
				Str("leg2_residual", l2.String()).
				Msg("Residual position after rollback")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.cfg.OrderPollInterval):
		}
	}
}
