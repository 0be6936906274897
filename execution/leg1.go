package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/ports"
	"github.com/web3guy0/fundingbot/types"
)

// Leg1 maker chase.
//
// The total timeout is split across N attempts. Each attempt reprices with a
// rising aggressiveness in [0,1]: 0 rests at best-of-book, 1 sits one tick
// inside the opposite best. Thin books raise the floor early ("smart
// pricing") so a large remainder does not idle at a passive price. Before
// every attempt the live exchange position is re-read and any quantity the
// order channel missed is absorbed as a ghost fill.

var (
	one         = decimal.NewFromInt(1)
	two         = decimal.NewFromInt(2)
	fillEpsilon = decimal.NewFromFloat(0.999) // >= 99.9% of target counts as done
)

// leg1Tracker accumulates fills across chase attempts
type leg1Tracker struct {
	filledQty decimal.Decimal
	notional  decimal.Decimal // sum(qty*price) for weighted entry
	fees      decimal.Decimal
	lastPrice decimal.Decimal
}

func (t *leg1Tracker) addFill(qty, price, fee decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	t.filledQty = t.filledQty.Add(qty)
	t.notional = t.notional.Add(qty.Mul(price))
	t.fees = t.fees.Add(fee)
	if price.IsPositive() {
		t.lastPrice = price
	}
}

func (t *leg1Tracker) avgPrice() decimal.Decimal {
	if !t.filledQty.IsPositive() {
		return decimal.Zero
	}
	return t.notional.Div(t.filledQty)
}

// runLeg1 chases the maker leg until the target qty is filled, the attempt
// budget is spent, or the context dies. On exit the trade's leg1 carries the
// weighted average entry and aggregate fees; an insufficient aggregate fill
// rolls back and returns ErrLeg1Failed.
func (e *Engine) runLeg1(ctx context.Context, trade *types.Trade) error {
	adapter := e.adapter(trade.Leg1.Venue)
	target := trade.TargetQty
	maxAttempts := e.cfg.Leg1MaxAttempts
	attemptTimeout := e.cfg.Leg1TotalTimeout / time.Duration(maxAttempts)

	info, err := e.market.GetMarketInfo(ctx, trade.Symbol, trade.Leg1.Venue)
	if err != nil {
		return fmt.Errorf("%w: market info: %v", types.ErrLeg1Failed, err)
	}

	baseline, err := e.livePositionQty(ctx, adapter, trade.Symbol, trade.Leg1.Side)
	if err != nil {
		log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("Baseline position read failed, assuming flat")
		baseline = decimal.Zero
	}

	tracker := &leg1Tracker{}
	e.transition(ctx, trade, types.TradeOpening, types.ExecLeg1Submitted, "leg1 chase started")

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			break
		}

		// Ghost-fill reconciliation: trust the venue's position ledger over
		// our own order polling.
		if live, err := e.livePositionQty(ctx, adapter, trade.Symbol, trade.Leg1.Side); err == nil {
			ghost := live.Sub(baseline).Sub(tracker.filledQty)
			if ghost.GreaterThan(info.StepSize) {
				price := tracker.lastPrice
				if !price.IsPositive() {
					price = trade.Leg1.EntryPrice
				}
				log.Warn().
					Str("symbol", trade.Symbol).
					Str("ghost_qty", ghost.String()).
					Msg("👻 Absorbing ghost fill from live position")
				tracker.addFill(ghost, price, decimal.Zero)
			}
		}

		remaining := target.Sub(tracker.filledQty)
		if tracker.filledQty.GreaterThanOrEqual(target.Mul(fillEpsilon)) {
			break
		}

		ob, err := e.market.GetFreshOrderbook(ctx, trade.Symbol)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("Leg1 orderbook unavailable, retrying")
			continue
		}

		price := e.leg1Price(trade.Leg1.Side, ob, remaining, attempt, maxAttempts, info.TickSize)
		if !price.IsPositive() {
			continue
		}

		tif := types.TIFPostOnly
		final := attempt == maxAttempts-1
		if final && e.cfg.Leg1FinalAttemptGTC {
			tif = types.TIFGtc
		}

		qty := types.RoundToStepDown(remaining, info.StepSize)
		if !qty.IsPositive() {
			break
		}

		cctx, cancel := context.WithTimeout(ctx, attemptTimeout+5*time.Second)
		order, err := adapter.PlaceOrder(cctx, types.OrderRequest{
			Symbol:        trade.Symbol,
			Venue:         trade.Leg1.Venue,
			Side:          trade.Leg1.Side,
			Qty:           qty,
			Type:          types.OrderTypeLimit,
			Price:         price,
			TimeInForce:   tif,
			ClientOrderID: types.NewClientOrderID(),
		})
		if err != nil {
			cancel()
			if isInsufficientBalance(err) {
				// No point chasing without margin; unwind whatever filled.
				_ = e.rollbackLeg1Fills(ctx, trade, tracker)
				return fmt.Errorf("%w: %v", types.ErrInsufficientBalance, err)
			}
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("Leg1 order rejected")
			time.Sleep(time.Duration(100*(attempt+1)) * time.Millisecond)
			continue
		}

		trade.Leg1.OrderID = order.OrderID
		log.Debug().
			Str("symbol", trade.Symbol).
			Int("attempt", attempt+1).
			Str("price", price.String()).
			Str("qty", qty.String()).
			Str("tif", string(tif)).
			Msg("Leg1 order placed")

		finalOrder, _ := e.waitForOrder(cctx, adapter, trade.Symbol, order.OrderID, attemptTimeout)
		cancel()

		if finalOrder != nil && finalOrder.FilledQty.IsPositive() {
			tracker.addFill(finalOrder.FilledQty, fillPrice(finalOrder, price), finalOrder.Fee)
			e.publishLegFill(trade, &trade.Leg1, finalOrder)
		}

		// Cancel whatever is still resting before repricing.
		if finalOrder == nil || finalOrder.Status.IsActive() {
			cancelCtx, cancelFn := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := adapter.CancelOrder(cancelCtx, trade.Symbol, order.OrderID); err != nil {
				log.Warn().Err(err).Str("order_id", order.OrderID).Msg("Leg1 cancel failed")
			}
			cancelFn()
			// The cancel may have raced a fill; sweep the final order state.
			swCtx, swCancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			if swept, err := adapter.GetOrder(swCtx, trade.Symbol, order.OrderID); err == nil && swept != nil {
				already := decimal.Zero
				if finalOrder != nil {
					already = finalOrder.FilledQty
				}
				extra := swept.FilledQty.Sub(already)
				if extra.IsPositive() {
					tracker.addFill(extra, fillPrice(swept, price), swept.Fee)
				}
			}
			swCancel()
		}
	}

	trade.Leg1.FilledQty = tracker.filledQty
	trade.Leg1.EntryPrice = tracker.avgPrice()
	trade.Leg1.Fees = tracker.fees

	filledNotional := tracker.filledQty.Mul(tracker.avgPrice())
	if filledNotional.LessThan(e.cfg.MinHedgeNotionalUSD) {
		log.Warn().
			Str("symbol", trade.Symbol).
			Str("filled", tracker.filledQty.String()).
			Str("notional", filledNotional.StringFixed(2)).
			Msg("Leg1 under min hedgeable notional, rolling back")
		if rbErr := e.rollbackLeg1Fills(ctx, trade, tracker); rbErr != nil {
			return fmt.Errorf("%w: insufficient fill (rollback also failed: %v)", types.ErrLeg1Failed, rbErr)
		}
		return fmt.Errorf("%w: filled notional %s below minimum %s",
			types.ErrLeg1Failed, filledNotional.StringFixed(2), e.cfg.MinHedgeNotionalUSD.StringFixed(2))
	}

	// Partial fill: clamp the trade down to reality, never hedge air.
	if tracker.filledQty.LessThan(target) {
		log.Info().
			Str("symbol", trade.Symbol).
			Str("target", target.String()).
			Str("filled", tracker.filledQty.String()).
			Msg("Leg1 partial fill, clamping target")
		trade.TargetQty = tracker.filledQty
		trade.Leg2.Qty = tracker.filledQty
	}

	return e.store.UpdateTrade(ctx, trade)
}

// leg1Price interpolates between the passive best-of-book and one tick
// inside the opposite best. Aggressiveness rises linearly across attempts;
// a thin top of book relative to the remaining qty raises the floor early.
// BUY prices round up to tick, SELL prices round down.
func (e *Engine) leg1Price(side types.Side, ob types.OrderbookSnapshot, remaining decimal.Decimal,
	attempt, maxAttempts int, tick decimal.Decimal) decimal.Decimal {

	bid, ask := ob.LighterBid, ob.LighterAsk
	bidQty, askQty := ob.LighterBidQty, ob.LighterAskQty
	if !bid.IsPositive() || !ask.IsPositive() {
		return decimal.Zero
	}

	aggr := decimal.Zero
	if maxAttempts > 1 {
		aggr = decimal.NewFromInt(int64(attempt)).Div(decimal.NewFromInt(int64(maxAttempts - 1)))
	}

	// Smart pricing: when the remainder dwarfs the visible top of book,
	// passively resting behind it will not fill. Raise the floor.
	topQty := bidQty
	if side == types.SideSell {
		topQty = askQty
	}
	if topQty.IsPositive() {
		util := remaining.Div(topQty)
		if util.GreaterThan(e.cfg.Leg1SmartTrigger) {
			floor := types.ClampDecimal(util.Sub(e.cfg.Leg1SmartTrigger).Div(two), decimal.Zero, one)
			if floor.GreaterThan(aggr) {
				aggr = floor
			}
		}
	}
	aggr = types.ClampDecimal(aggr, decimal.Zero, e.cfg.Leg1MaxAggressive)

	var passive, aggressive decimal.Decimal
	if side == types.SideBuy {
		passive = bid
		aggressive = ask.Sub(tick)
	} else {
		passive = ask
		aggressive = bid.Add(tick)
	}
	price := passive.Add(aggressive.Sub(passive).Mul(aggr))
	return types.RoundToTickForSide(price, tick, side)
}

// livePositionQty reads the venue's position for the symbol. Only quantity
// on our leg's side counts; an opposite-side position reads as zero.
func (e *Engine) livePositionQty(ctx context.Context, adapter ports.Exchange, symbol string, side types.Side) (decimal.Decimal, error) {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	pos, err := adapter.GetPosition(cctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if pos == nil || pos.Side != side {
		return decimal.Zero, nil
	}
	return pos.Qty.Abs(), nil
}

// rollbackLeg1Fills closes whatever leg1 quantity got filled during a chase
// that did not reach a hedgeable size.
func (e *Engine) rollbackLeg1Fills(ctx context.Context, trade *types.Trade, tracker *leg1Tracker) error {
	trade.Leg1.FilledQty = tracker.filledQty
	trade.Leg1.EntryPrice = tracker.avgPrice()
	trade.Leg1.Fees = tracker.fees
	if !tracker.filledQty.IsPositive() {
		// Nothing live; just mark the trade failed.
		trade.Status = types.TradeFailed
		trade.ExecState = types.ExecAborted
		return e.store.UpdateTrade(ctx, trade)
	}
	return e.rollback(ctx, trade, "leg1_insufficient_fill")
}

func (e *Engine) publishLegFill(trade *types.Trade, leg *types.TradeLeg, order *types.Order) {
	e.bus.Publish(events.LegFilled{
		Base:    events.NewBase(),
		TradeID: trade.TradeID,
		Symbol:  trade.Symbol,
		Venue:   leg.Venue,
		Side:    leg.Side,
		OrderID: order.OrderID,
		Qty:     order.FilledQty,
		Price:   fillPrice(order, order.Price),
		Fee:     order.Fee,
	})
}

// fillPrice prefers the venue-reported average fill price, falling back to
// the limit price we placed at.
func fillPrice(order *types.Order, placed decimal.Decimal) decimal.Decimal {
	if order.AvgFillPrice.IsPositive() {
		return order.AvgFillPrice
	}
	return placed
}
