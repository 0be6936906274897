package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/types"
)

// Leg2 hedge.
//
// Sized to leg1's ACTUAL fill, never the original target. Each attempt
// prices a limit IOC against an impact-aware VWAP from fresh depth with an
// escalating slippage allowance; remainders below the microfill notional
// are ignored rather than chased forever.

// runLeg2 hedges leg1's filled quantity on the leg2 venue.
func (e *Engine) runLeg2(ctx context.Context, trade *types.Trade) error {
	target := trade.Leg1.FilledQty
	if !target.IsPositive() {
		return fmt.Errorf("%w: nothing to hedge", types.ErrLeg2Failed)
	}
	trade.Leg2.Qty = target
	e.transition(ctx, trade, types.TradeOpening, types.ExecLeg2Submitted, "leg2 hedge started")
	return e.hedgeQty(ctx, trade, target)
}

// runLeg2Parallel hedges the full target quantity concurrently with leg1.
// Any overshoot relative to leg1's eventual fill is trimmed by the caller.
func (e *Engine) runLeg2Parallel(ctx context.Context, trade *types.Trade) error {
	return e.hedgeQty(ctx, trade, trade.TargetQty)
}

func (e *Engine) hedgeQty(ctx context.Context, trade *types.Trade, target decimal.Decimal) error {
	adapter := e.adapter(trade.Leg2.Venue)

	info, err := e.market.GetMarketInfo(ctx, trade.Symbol, trade.Leg2.Venue)
	if err != nil {
		return fmt.Errorf("%w: market info: %v", types.ErrLeg2Failed, err)
	}

	filled := trade.Leg2.FilledQty
	notional := filled.Mul(trade.Leg2.EntryPrice)
	fees := trade.Leg2.Fees

	for attempt := 0; attempt < e.cfg.Leg2MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrLeg2Failed, err)
		}

		remaining := target.Sub(filled)
		qty := types.RoundToStepDown(remaining, info.StepSize)
		if !qty.IsPositive() {
			break
		}

		price, refPrice, err := e.leg2Price(ctx, trade, qty, attempt, info.TickSize)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("Leg2 pricing failed")
			e.leg2Backoff(ctx, attempt)
			continue
		}

		// Microfill guard: a dust remainder is not worth another taker fee.
		if refPrice.IsPositive() && remaining.Mul(refPrice).LessThan(e.cfg.Leg2MicrofillUSD) && filled.IsPositive() {
			log.Debug().
				Str("symbol", trade.Symbol).
				Str("remaining", remaining.String()).
				Msg("Leg2 remainder below microfill tolerance, accepting")
			break
		}

		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		order, err := adapter.PlaceOrder(cctx, types.OrderRequest{
			Symbol:        trade.Symbol,
			Venue:         trade.Leg2.Venue,
			Side:          trade.Leg2.Side,
			Qty:           qty,
			Type:          types.OrderTypeLimit,
			Price:         price,
			TimeInForce:   types.TIFIoc,
			ClientOrderID: types.NewClientOrderID(),
		})
		if err != nil {
			cancel()
			if isInsufficientBalance(err) {
				return fmt.Errorf("%w: %v", types.ErrInsufficientBalance, err)
			}
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("Leg2 IOC rejected")
			e.leg2Backoff(ctx, attempt)
			continue
		}
		trade.Leg2.OrderID = order.OrderID

		// IOC resolves immediately on the venue; one bounded poll confirms.
		final, _ := e.waitForOrder(cctx, adapter, trade.Symbol, order.OrderID, 3*time.Second)
		cancel()
		if final == nil {
			final = order
		}

		if final.FilledQty.IsPositive() {
			px := fillPrice(final, price)
			filled = filled.Add(final.FilledQty)
			notional = notional.Add(final.FilledQty.Mul(px))
			fees = fees.Add(final.Fee)
			e.publishLegFill(trade, &trade.Leg2, final)
			log.Debug().
				Str("symbol", trade.Symbol).
				Int("attempt", attempt+1).
				Str("filled", final.FilledQty.String()).
				Str("price", px.String()).
				Msg("Leg2 IOC fill")
		}

		if filled.GreaterThanOrEqual(target.Mul(fillEpsilon)) {
			break
		}
		e.leg2Backoff(ctx, attempt)
	}

	trade.Leg2.FilledQty = filled
	trade.Leg2.Fees = fees
	if filled.IsPositive() {
		trade.Leg2.EntryPrice = notional.Div(filled)
	}

	shortfall := target.Sub(filled)
	refNotional := shortfall.Mul(trade.Leg2.EntryPrice)
	if shortfall.IsPositive() && (!filled.IsPositive() || refNotional.GreaterThanOrEqual(e.cfg.Leg2MicrofillUSD)) {
		if err := e.store.UpdateTrade(ctx, trade); err != nil {
			log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist leg2 state")
		}
		return fmt.Errorf("%w: hedged %s of %s", types.ErrLeg2Failed, filled.String(), target.String())
	}

	return e.store.UpdateTrade(ctx, trade)
}

// leg2Price derives an IOC limit from fresh depth VWAP plus an escalating
// slippage allowance. Returns the order price and the reference price used
// for notional math.
func (e *Engine) leg2Price(ctx context.Context, trade *types.Trade, qty decimal.Decimal,
	attempt int, tick decimal.Decimal) (price, ref decimal.Decimal, err error) {

	slippage := e.cfg.Leg2BaseSlippage.Add(
		e.cfg.Leg2SlippageStep.Mul(decimal.NewFromInt(int64(attempt))))
	if slippage.GreaterThan(e.cfg.Leg2MaxSlippage) {
		slippage = e.cfg.Leg2MaxSlippage
	}

	depth, derr := e.market.GetFreshDepth(ctx, trade.Symbol, trade.Leg2.Venue)
	if derr == nil {
		if vwap, ok := depth.VWAPForQty(trade.Leg2.Side, qty); ok {
			return applySlippage(vwap, slippage, trade.Leg2.Side, tick), vwap, nil
		}
	}

	// Depth too thin or unavailable: cross from the L1 cache.
	ob, ok := e.market.GetOrderbook(trade.Symbol)
	if !ok {
		if derr != nil {
			return decimal.Zero, decimal.Zero, derr
		}
		return decimal.Zero, decimal.Zero, errors.New("no leg2 price source")
	}
	bid, ask := ob.X10Bid, ob.X10Ask
	if trade.Leg2.Venue == types.VenueLighter {
		bid, ask = ob.LighterBid, ob.LighterAsk
	}
	base := ask
	if trade.Leg2.Side == types.SideSell {
		base = bid
	}
	if !base.IsPositive() {
		return decimal.Zero, decimal.Zero, errors.New("no leg2 price source")
	}
	return applySlippage(base, slippage, trade.Leg2.Side, tick), base, nil
}

// applySlippage pushes the limit through the reference price so the IOC
// crosses: up for buys, down for sells.
func applySlippage(ref, slippage decimal.Decimal, side types.Side, tick decimal.Decimal) decimal.Decimal {
	if side == types.SideBuy {
		return types.RoundToTickUp(ref.Mul(one.Add(slippage)), tick)
	}
	return types.RoundToTickDown(ref.Mul(one.Sub(slippage)), tick)
}

// leg2Backoff scales the retry delay with the attempt index.
func (e *Engine) leg2Backoff(ctx context.Context, attempt int) {
	delay := time.Duration(300*(attempt+1)) * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func isInsufficientBalance(err error) bool {
	if errors.Is(err, types.ErrInsufficientBalance) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient") || strings.Contains(msg, "margin")
}
