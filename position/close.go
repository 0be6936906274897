package position

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/ports"
	"github.com/web3guy0/fundingbot/types"
)

// Coordinated close: both legs get passive maker orders under a shared
// timeout; whatever is unfilled at the deadline escalates to an IOC that
// crosses the book. Escalation is per leg, a filled leg is never re-ordered.

// CloseTrade closes both legs of an open trade. Idempotent: a trade already
// in CLOSING receives no second round of orders. urgent skips the maker
// phase entirely.
func (m *Manager) CloseTrade(ctx context.Context, trade *types.Trade, reason string, urgent bool) error {
	// State guard, not just a lock: reconcile or a previous pass may already
	// be driving this close.
	if trade.Status == types.TradeClosing {
		log.Debug().Str("trade_id", trade.TradeID).Msg("Close already in progress, skipping")
		return nil
	}
	if trade.Status != types.TradeOpen {
		return fmt.Errorf("%w: cannot close trade in status %s", types.ErrValidation, trade.Status)
	}

	trade.Status = types.TradeClosing
	trade.CloseReason = reason
	trade.LogEvent("CLOSING", map[string]string{"reason": reason})
	if err := m.store.UpdateTrade(ctx, trade); err != nil {
		trade.Status = types.TradeOpen
		return fmt.Errorf("persist CLOSING: %w", err)
	}

	return m.driveClose(ctx, trade, reason, urgent)
}

// resumeClose re-drives a trade stuck in CLOSING after a failed pass.
// CloseTrade's idempotence guard skips CLOSING trades, so without this path
// a single close failure would leave both legs live and unmanaged. Retries
// are throttled so a venue outage doesn't churn orders every check.
func (m *Manager) resumeClose(ctx context.Context, trade *types.Trade) error {
	m.mu.Lock()
	if last, ok := m.closeRetries[trade.TradeID]; ok && time.Since(last) < m.cfg.CloseRetryAfter {
		m.mu.Unlock()
		return nil
	}
	m.closeRetries[trade.TradeID] = time.Now()
	m.mu.Unlock()

	log.Warn().
		Str("trade_id", trade.TradeID).
		Str("symbol", trade.Symbol).
		Str("reason", trade.CloseReason).
		Msg("🔁 Retrying stuck close")
	trade.LogEvent("CLOSE_RETRY", nil)
	return m.driveClose(ctx, trade, trade.CloseReason, true)
}

// driveClose runs both leg closes and finalizes the record. The trade must
// already be persisted in CLOSING.
func (m *Manager) driveClose(ctx context.Context, trade *types.Trade, reason string, urgent bool) error {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]closeResult, 2)
	for i, leg := range []*types.TradeLeg{&trade.Leg1, &trade.Leg2} {
		i, leg := i, leg
		g.Go(func() error {
			res, err := m.closeLeg(gctx, trade.Symbol, leg, urgent)
			results[i] = res
			return err
		})
	}
	err := g.Wait()

	applyCloseResult(&trade.Leg1, results[0])
	applyCloseResult(&trade.Leg2, results[1])

	if err != nil {
		// Partial close: persist what happened and alert. The trade stays
		// in CLOSING; resumeClose retries it on a later management pass.
		trade.LogEvent("CLOSE_FAILED", map[string]string{"error": err.Error()})
		if uerr := m.store.UpdateTrade(ctx, trade); uerr != nil {
			log.Error().Err(uerr).Str("trade_id", trade.TradeID).Msg("Failed to persist close failure")
		}
		m.bus.Publish(events.Alert{
			Base:    events.NewBase(),
			Level:   events.LevelError,
			Message: fmt.Sprintf("Close failed for %s (%s): %v", trade.Symbol, reason, err),
		})
		return fmt.Errorf("close %s: %w", trade.Symbol, err)
	}

	pnl := trade.Leg1.PnL().Add(trade.Leg2.PnL())
	trade.MarkClosed(reason, pnl)
	if err := m.store.UpdateTrade(ctx, trade); err != nil {
		return fmt.Errorf("persist CLOSED: %w", err)
	}

	m.bus.Publish(events.TradeClosed{
		Base:             events.NewBase(),
		TradeID:          trade.TradeID,
		Symbol:           trade.Symbol,
		Reason:           reason,
		RealizedPnL:      trade.TotalPnL(),
		FundingCollected: trade.FundingCollected,
		TotalFees:        trade.TotalFees(),
		HoldDuration:     trade.HoldDuration(),
	})
	log.Info().
		Str("symbol", trade.Symbol).
		Str("reason", reason).
		Str("pnl", trade.TotalPnL().StringFixed(2)).
		Str("held", trade.HoldDuration().Round(time.Minute).String()).
		Msg("✅ Trade closed")
	return nil
}

type closeResult struct {
	exitPrice decimal.Decimal
	fees      decimal.Decimal
}

func applyCloseResult(leg *types.TradeLeg, res closeResult) {
	if res.exitPrice.IsPositive() {
		leg.ExitPrice = res.exitPrice
	}
	leg.Fees = leg.Fees.Add(res.fees)
}

// closeLeg flattens one leg: maker first (unless urgent), IOC escalation on
// whatever remains at the deadline.
func (m *Manager) closeLeg(ctx context.Context, symbol string, leg *types.TradeLeg, urgent bool) (closeResult, error) {
	adapter := m.adapter(leg.Venue)
	qty := m.liveQty(ctx, adapter, symbol, leg)
	if !qty.IsPositive() {
		// Already flat on the venue: nothing to do, keep the recorded entry
		// as exit so PnL stays at funding-only.
		return closeResult{exitPrice: leg.EntryPrice}, nil
	}

	var res closeResult
	remaining := qty

	if !urgent {
		filled, r, err := m.makerClose(ctx, symbol, leg, adapter, remaining)
		if err != nil {
			log.Warn().Err(err).Str("venue", string(leg.Venue)).Msg("Maker close failed, escalating")
		}
		remaining = remaining.Sub(filled)
		res.exitPrice = r.exitPrice
		res.fees = r.fees
	}

	if remaining.IsPositive() && (urgent || m.cfg.CloseEscalateIOC) {
		r, err := m.takerClose(ctx, symbol, leg, adapter, remaining)
		if err != nil {
			return res, err
		}
		res.fees = res.fees.Add(r.fees)
		if r.exitPrice.IsPositive() {
			if res.exitPrice.IsPositive() {
				// Weight across the two phases by quantity closed.
				makerQty := qty.Sub(remaining)
				res.exitPrice = res.exitPrice.Mul(makerQty).
					Add(r.exitPrice.Mul(remaining)).Div(qty)
			} else {
				res.exitPrice = r.exitPrice
			}
		}
	}
	return res, nil
}

// makerClose rests a reduce-only passive limit for the shared timeout.
func (m *Manager) makerClose(ctx context.Context, symbol string, leg *types.TradeLeg,
	adapter ports.Exchange, qty decimal.Decimal) (decimal.Decimal, closeResult, error) {

	price, err := m.passiveClosePrice(ctx, symbol, leg)
	if err != nil {
		return decimal.Zero, closeResult{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CloseMakerTimeout)
	defer cancel()
	order, err := adapter.PlaceOrder(cctx, types.OrderRequest{
		Symbol:        symbol,
		Venue:         leg.Venue,
		Side:          leg.Side.Inverse(),
		Qty:           qty,
		Type:          types.OrderTypeLimit,
		Price:         price,
		TimeInForce:   types.TIFPostOnly,
		ReduceOnly:    true,
		ClientOrderID: types.NewClientOrderID(),
	})
	if err != nil {
		return decimal.Zero, closeResult{}, err
	}

	final := m.pollOrder(cctx, adapter, symbol, order.OrderID)
	if final == nil {
		final = order
	}
	if !final.Status.IsTerminal() {
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if cerr := adapter.CancelOrder(dctx, symbol, order.OrderID); cerr != nil {
			log.Warn().Err(cerr).Str("venue", string(leg.Venue)).Msg("Cancel of maker close failed")
		}
		if swept, gerr := adapter.GetOrder(dctx, symbol, order.OrderID); gerr == nil && swept != nil {
			final = swept
		}
		dcancel()
	}

	res := closeResult{fees: final.Fee}
	if final.FilledQty.IsPositive() {
		res.exitPrice = exitFillPrice(final, price)
	}
	return final.FilledQty, res, nil
}

// takerClose crosses with a reduce-only IOC priced through the book.
func (m *Manager) takerClose(ctx context.Context, symbol string, leg *types.TradeLeg,
	adapter ports.Exchange, qty decimal.Decimal) (closeResult, error) {

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	order, err := adapter.PlaceOrder(cctx, types.OrderRequest{
		Symbol:        symbol,
		Venue:         leg.Venue,
		Side:          leg.Side.Inverse(),
		Qty:           qty,
		Type:          types.OrderTypeMarket,
		ReduceOnly:    true,
		ClientOrderID: types.NewClientOrderID(),
	})
	if err != nil {
		return closeResult{}, fmt.Errorf("escalated close on %s: %w", leg.Venue, err)
	}
	final := m.pollOrder(cctx, adapter, symbol, order.OrderID)
	if final == nil {
		final = order
	}
	return closeResult{exitPrice: exitFillPrice(final, decimal.Zero), fees: final.Fee}, nil
}

// passiveClosePrice picks the resting side of the leg's venue book for a
// maker exit.
func (m *Manager) passiveClosePrice(ctx context.Context, symbol string, leg *types.TradeLeg) (decimal.Decimal, error) {
	ob, err := m.market.GetFreshOrderbook(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	bid, ask := ob.X10Bid, ob.X10Ask
	if leg.Venue == types.VenueLighter {
		bid, ask = ob.LighterBid, ob.LighterAsk
	}
	// Closing a long sells at the ask; closing a short buys at the bid.
	if leg.Side == types.SideBuy {
		return ask, nil
	}
	return bid, nil
}

func (m *Manager) pollOrder(ctx context.Context, adapter ports.Exchange, symbol, orderID string) *types.Order {
	var last *types.Order
	ticker := time.NewTicker(m.cfg.OrderPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
			order, err := adapter.GetOrder(ctx, symbol, orderID)
			if err != nil || order == nil {
				continue
			}
			last = order
			if order.Status.IsTerminal() {
				return order
			}
		}
	}
}

// liveQty reads the venue's quantity for the leg, falling back to the
// recorded fill when the read fails.
func (m *Manager) liveQty(ctx context.Context, adapter ports.Exchange, symbol string, leg *types.TradeLeg) decimal.Decimal {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	pos, err := adapter.GetPosition(cctx, symbol)
	if err != nil {
		return leg.FilledQty
	}
	if pos == nil || pos.Side != leg.Side {
		return decimal.Zero
	}
	return pos.Qty.Abs()
}

func exitFillPrice(order *types.Order, placed decimal.Decimal) decimal.Decimal {
	if order.AvgFillPrice.IsPositive() {
		return order.AvgFillPrice
	}
	return placed
}
