package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/marketdata"
	"github.com/web3guy0/fundingbot/ports"
	"github.com/web3guy0/fundingbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION ENGINE - Two-leg saga with rollback
// ═══════════════════════════════════════════════════════════════════════════════
//
// There is no atomic cross-venue commit. The engine treats the entry as a
// two-party saga:
//
//   leg1 (maker, chased)  →  leg2 (IOC hedge sized to leg1's actual fill)
//                         ↘  rollback (reduce-only market close) on failure
//
// Leg flow:
//   PENDING → LEG1_SUBMITTED → LEG1_FILLED → LEG2_SUBMITTED → COMPLETE
//                    ↓ any failure before COMPLETE
//               ROLLBACK_IN_PROGRESS → ROLLBACK_DONE / ROLLBACK_FAILED
//
// Sequential mode completes leg1 before touching leg2. Parallel mode fires
// both concurrently and rolls back whichever leg survived if the other
// fails. A per-symbol mutex prevents double entry on the same symbol.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Engine executes opportunities into hedged trades
type Engine struct {
	cfg     *config.Config
	market  *marketdata.Service
	lighter ports.Exchange
	x10     ports.Exchange
	store   ports.TradeStore
	bus     ports.EventBus

	mu       sync.Mutex
	symLocks map[string]*sync.Mutex
}

// New builds an execution engine
func New(cfg *config.Config, market *marketdata.Service, lighter, x10 ports.Exchange,
	store ports.TradeStore, bus ports.EventBus) *Engine {
	return &Engine{
		cfg:      cfg,
		market:   market,
		lighter:  lighter,
		x10:      x10,
		store:    store,
		bus:      bus,
		symLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.symLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.symLocks[symbol] = l
	}
	return l
}

func (e *Engine) adapter(venue types.Venue) ports.Exchange {
	if venue == types.VenueX10 {
		return e.x10
	}
	return e.lighter
}

// Execute turns one opportunity into a hedged trade. On any failure after
// leg1 has live exposure a compensating close is always attempted; a failed
// compensation surfaces as ErrRollback and requires manual intervention.
func (e *Engine) Execute(ctx context.Context, opp *types.Opportunity) (*types.Trade, error) {
	lock := e.symbolLock(opp.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if err := e.preflight(ctx, opp); err != nil {
		return nil, err
	}

	leg1Side := types.SideBuy
	if opp.LongVenue != types.VenueLighter {
		leg1Side = types.SideSell
	}
	trade := types.NewTrade(opp.Symbol, types.VenueLighter, leg1Side, types.VenueX10,
		opp.SuggestedQty, opp.SuggestedNotional, opp.APY, opp.SpreadPct)
	trade.Leg1.Qty = opp.SuggestedQty
	trade.Leg2.Qty = opp.SuggestedQty

	if err := e.store.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persist trade: %w", err)
	}
	e.transition(ctx, trade, types.TradeOpening, types.ExecPending, "execution started")

	log.Info().
		Str("symbol", opp.Symbol).
		Str("trade_id", trade.TradeID).
		Str("qty", opp.SuggestedQty.String()).
		Str("notional", opp.SuggestedNotional.StringFixed(2)).
		Str("apy", opp.APY.Mul(decimal.NewFromInt(100)).StringFixed(1)+"%").
		Str("mode", string(e.cfg.ExecMode)).
		Msg("🚀 Executing opportunity")

	var err error
	if e.cfg.ExecMode == config.ModeParallel {
		err = e.executeParallel(ctx, trade)
	} else {
		err = e.executeSequential(ctx, trade)
	}

	if err != nil {
		trade.Error = err.Error()
		if trade.Status != types.TradeFailed && trade.Status != types.TradeRollback {
			trade.Status = types.TradeFailed
		}
		if updErr := e.store.UpdateTrade(ctx, trade); updErr != nil {
			log.Error().Err(updErr).Str("trade_id", trade.TradeID).Msg("Failed to persist failed trade")
		}
		return trade, err
	}

	trade.MarkOpened()
	if err := e.store.UpdateTrade(ctx, trade); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist opened trade")
	}

	e.bus.Publish(events.TradeOpened{
		Base:        events.NewBase(),
		TradeID:     trade.TradeID,
		Symbol:      trade.Symbol,
		Qty:         trade.Leg1.FilledQty,
		NotionalUSD: trade.Leg1.FilledQty.Mul(trade.Leg1.EntryPrice),
		EntryAPY:    trade.EntryAPY,
		Leg1Price:   trade.Leg1.EntryPrice,
		Leg2Price:   trade.Leg2.EntryPrice,
	})

	log.Info().
		Str("symbol", trade.Symbol).
		Str("leg1", trade.Leg1.EntryPrice.String()).
		Str("leg2", trade.Leg2.EntryPrice.String()).
		Str("qty", trade.Leg1.FilledQty.String()).
		Msg("✅ Hedge open")

	return trade, nil
}

// preflight validates balances and market data before any order goes out.
func (e *Engine) preflight(ctx context.Context, opp *types.Opportunity) error {
	if !opp.SuggestedQty.IsPositive() || !opp.SuggestedNotional.IsPositive() {
		return fmt.Errorf("%w: non-positive size", types.ErrValidation)
	}

	open, err := e.store.ListOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrExecution, err)
	}
	for _, t := range open {
		if t.Symbol == opp.Symbol && t.IsActive() {
			return fmt.Errorf("%w: %s already has an active trade", types.ErrValidation, opp.Symbol)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	required := opp.SuggestedNotional.Mul(e.cfg.BalanceFraction)
	for _, ex := range []ports.Exchange{e.lighter, e.x10} {
		bal, err := ex.GetAvailableBalance(cctx)
		if err != nil {
			return fmt.Errorf("%w: balance check on %s: %v", types.ErrExecution, ex.Venue(), err)
		}
		if bal.Available.LessThan(required) {
			return fmt.Errorf("%w: %s available %s < required %s",
				types.ErrInsufficientBalance, ex.Venue(), bal.Available.StringFixed(2), required.StringFixed(2))
		}
	}
	return nil
}

// executeSequential runs leg1 to completion, then hedges with leg2.
func (e *Engine) executeSequential(ctx context.Context, trade *types.Trade) error {
	if err := e.runLeg1(ctx, trade); err != nil {
		return err
	}
	e.transition(ctx, trade, types.TradeOpening, types.ExecLeg1Filled, "leg1 filled")

	if err := e.runLeg2(ctx, trade); err != nil {
		// Leg1 is live and unhedged: emergency unwind, never retry leg2 blind.
		e.bus.Publish(events.Alert{
			Base:    events.NewBase(),
			Level:   events.LevelCritical,
			Message: fmt.Sprintf("Hedge leg failed for %s, unwinding leg1", trade.Symbol),
			Details: map[string]string{"trade_id": trade.TradeID, "error": err.Error()},
		})
		if rbErr := e.rollback(ctx, trade, "leg2_failed"); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return nil
}

// executeParallel fires both legs concurrently and rolls back the surviving
// leg if the other failed. Leg2 in this mode is sized to the target qty up
// front; any fill shortfall on leg1 is trimmed by a post-join rebalance of
// leg2 down to leg1's actual fill.
//
// Each goroutine drives its own copy of the record so leg writes, event
// appends and persistence never interleave; the copies are merged back
// after the join, before any rollback decision reads the fills.
func (e *Engine) executeParallel(ctx context.Context, trade *types.Trade) error {
	baseEvents := len(trade.Events)
	t1, t2 := cloneTrade(trade), cloneTrade(trade)

	g, gctx := errgroup.WithContext(ctx)
	var leg1Err, leg2Err error
	g.Go(func() error {
		leg1Err = e.runLeg1(gctx, t1)
		return nil
	})
	g.Go(func() error {
		leg2Err = e.runLeg2Parallel(gctx, t2)
		return nil
	})
	_ = g.Wait()

	mergeParallelLegs(trade, t1, t2, baseEvents)
	if err := e.store.UpdateTrade(ctx, trade); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist merged legs")
	}

	switch {
	case leg1Err == nil && leg2Err == nil:
		if err := e.trimLeg2ToLeg1(ctx, trade); err != nil {
			return err
		}
		return nil
	case leg1Err != nil && leg2Err != nil:
		// Both failed; close any residue either leg left behind.
		if rbErr := e.rollback(ctx, trade, "both_legs_failed"); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", leg1Err, rbErr)
		}
		return leg1Err
	default:
		reason := "leg1_failed"
		failed := leg1Err
		if leg2Err != nil {
			reason = "leg2_failed"
			failed = leg2Err
		}
		e.bus.Publish(events.Alert{
			Base:    events.NewBase(),
			Level:   events.LevelCritical,
			Message: fmt.Sprintf("Parallel entry half-failed for %s (%s), rolling back survivor", trade.Symbol, reason),
			Details: map[string]string{"trade_id": trade.TradeID, "error": failed.Error()},
		})
		if rbErr := e.rollback(ctx, trade, reason); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", failed, rbErr)
		}
		return failed
	}
}

// cloneTrade copies the record for one leg goroutine. Events gets its own
// backing array so concurrent appends cannot collide.
func cloneTrade(trade *types.Trade) *types.Trade {
	c := *trade
	c.Events = append([]types.TradeEvent(nil), trade.Events...)
	return &c
}

// mergeParallelLegs folds both goroutines' copies back into the shared
// record. Leg1's copy owns leg1, status and the (possibly clamped) target;
// leg2's copy owns leg2's fills.
func mergeParallelLegs(trade, t1, t2 *types.Trade, baseEvents int) {
	trade.Leg1 = t1.Leg1
	trade.TargetQty = t1.TargetQty
	trade.Status = t1.Status
	trade.ExecState = t1.ExecState
	trade.Error = t1.Error

	leg2 := t2.Leg2
	leg2.Qty = t1.Leg2.Qty
	trade.Leg2 = leg2

	trade.Events = t1.Events
	if extra := t2.Events[baseEvents:]; len(extra) > 0 {
		trade.Events = append(trade.Events, extra...)
	}
}

// trimLeg2ToLeg1 reduces leg2 down to leg1's actual fill after a parallel
// entry where leg1 under-filled.
func (e *Engine) trimLeg2ToLeg1(ctx context.Context, trade *types.Trade) error {
	excess := trade.Leg2.FilledQty.Sub(trade.Leg1.FilledQty)
	if !excess.IsPositive() {
		return nil
	}

	log.Warn().
		Str("symbol", trade.Symbol).
		Str("excess", excess.String()).
		Msg("Parallel legs uneven, trimming hedge leg")

	adapter := e.adapter(trade.Leg2.Venue)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	order, err := adapter.PlaceOrder(cctx, types.OrderRequest{
		Symbol:        trade.Symbol,
		Venue:         trade.Leg2.Venue,
		Side:          trade.Leg2.Side.Inverse(),
		Qty:           excess,
		Type:          types.OrderTypeMarket,
		ReduceOnly:    true,
		ClientOrderID: types.NewClientOrderID(),
	})
	if err != nil {
		return fmt.Errorf("%w: trim hedge leg: %v", types.ErrLeg2Failed, err)
	}
	final, err := e.waitForOrder(cctx, adapter, trade.Symbol, order.OrderID, 5*time.Second)
	if err == nil && final != nil && final.FilledQty.IsPositive() {
		trade.Leg2.FilledQty = trade.Leg2.FilledQty.Sub(final.FilledQty)
		trade.Leg2.Fees = trade.Leg2.Fees.Add(final.Fee)
	}
	trade.TargetQty = trade.Leg1.FilledQty
	return e.store.UpdateTrade(ctx, trade)
}

// transition advances trade status/exec state, persists and publishes.
func (e *Engine) transition(ctx context.Context, trade *types.Trade, status types.TradeStatus, state types.ExecState, reason string) {
	old := trade.Status
	trade.Status = status
	trade.ExecState = state
	trade.LogEvent(string(state), map[string]string{"reason": reason})
	if err := e.store.UpdateTrade(ctx, trade); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist state transition")
	}
	e.bus.Publish(events.TradeStateChanged{
		Base:      events.NewBase(),
		TradeID:   trade.TradeID,
		Symbol:    trade.Symbol,
		OldStatus: old,
		NewStatus: status,
		ExecState: state,
		Reason:    reason,
	})
}

// waitForOrder polls order state until terminal or timeout, returning the
// last observed state. A nil order with nil error means the venue never
// reported the order back within the window.
func (e *Engine) waitForOrder(ctx context.Context, adapter ports.Exchange, symbol, orderID string, timeout time.Duration) (*types.Order, error) {
	deadline := time.Now().Add(timeout)
	var last *types.Order

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(e.cfg.OrderPollInterval):
		}

		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		order, err := adapter.GetOrder(cctx, symbol, orderID)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("order_id", orderID).Msg("Order poll failed")
			continue
		}
		if order == nil {
			continue
		}
		last = order
		if order.Status.IsTerminal() {
			return order, nil
		}
	}
	return last, nil
}
