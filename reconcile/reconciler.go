package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/marketdata"
	"github.com/web3guy0/fundingbot/ports"
	"github.com/web3guy0/fundingbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILER - Persisted intent vs live exchange truth
// ═══════════════════════════════════════════════════════════════════════════════
//
// Runs once at startup and then on a timer. Classifies every active trade
// against a fresh live-position index per venue:
//
//   zombie     — record with no live exposure behind it → abort/close record
//   conflict   — live side flipped vs record → force-close the live leg
//   mismatch   — quantities diverge beyond tolerance → alert only
//   ghost      — live exposure with no record → adopt or flatten (policy)
//
// Every corrective action is idempotent and emits a PositionReconciled
// event. Quantity mismatches are never auto-corrected: partial adjustment
// against a diverged record risks compounding the error.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Reconciler struct {
	cfg     *config.Config
	market  *marketdata.Service
	lighter ports.Exchange
	x10     ports.Exchange
	store   ports.TradeStore
	bus     ports.EventBus

	// mismatch dedupe so the alert fires once per incident, not every pass
	mismatched map[string]bool
}

func New(cfg *config.Config, market *marketdata.Service,
	lighter, x10 ports.Exchange, store ports.TradeStore, bus ports.EventBus) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		market:     market,
		lighter:    lighter,
		x10:        x10,
		store:      store,
		bus:        bus,
		mismatched: make(map[string]bool),
	}
}

// liveIndex is the per-venue symbol -> position view of exchange truth.
type liveIndex map[types.Venue]map[string]*types.Position

// ReconcileOnce runs one full reconciliation pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	live, err := r.buildLiveIndex(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrReconciliation, err)
	}

	trades, err := r.store.ListOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("%w: list trades: %v", types.ErrReconciliation, err)
	}

	// Symbols claimed by active trades; anything live beyond these is a ghost.
	claimed := make(map[types.Venue]map[string]bool)
	for v := range live {
		claimed[v] = make(map[string]bool)
	}

	for _, trade := range trades {
		switch trade.Status {
		case types.TradePending:
			r.checkStalePending(ctx, trade)
		case types.TradeOpening:
			r.checkStaleOpening(ctx, trade, live)
		case types.TradeOpen:
			r.checkOpen(ctx, trade, live)
		}
		if trade.IsActive() {
			for _, v := range []types.Venue{trade.Leg1.Venue, trade.Leg2.Venue} {
				if claimed[v] == nil {
					claimed[v] = make(map[string]bool)
				}
				claimed[v][trade.Symbol] = true
			}
		}
	}

	r.checkGhosts(ctx, live, claimed)
	r.sweepLateFills(ctx, live)
	return nil
}

func (r *Reconciler) buildLiveIndex(ctx context.Context) (liveIndex, error) {
	idx := liveIndex{
		types.VenueLighter: make(map[string]*types.Position),
		types.VenueX10:     make(map[string]*types.Position),
	}
	for venue, adapter := range map[types.Venue]ports.Exchange{
		types.VenueLighter: r.lighter,
		types.VenueX10:     r.x10,
	} {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		positions, err := adapter.ListPositions(cctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("list positions on %s: %w", venue, err)
		}
		for i := range positions {
			if positions[i].Qty.Abs().IsPositive() {
				idx[venue][positions[i].Symbol] = &positions[i]
			}
		}
	}
	return idx, nil
}

// checkStalePending aborts PENDING trades that never started executing.
func (r *Reconciler) checkStalePending(ctx context.Context, trade *types.Trade) {
	if time.Since(trade.CreatedAt) < r.cfg.PendingStaleAfter {
		return
	}
	log.Warn().
		Str("trade_id", trade.TradeID).
		Str("symbol", trade.Symbol).
		Msg("🧟 Stale PENDING trade, aborting")
	r.abortTrade(ctx, trade, "stale_pending")
}

// checkStaleOpening aborts OPENING trades past the staleness timeout with no
// live legs behind them: the executor died mid-saga and nothing landed.
func (r *Reconciler) checkStaleOpening(ctx context.Context, trade *types.Trade, live liveIndex) {
	if time.Since(trade.CreatedAt) < r.cfg.OpeningStaleAfter {
		return
	}
	l1 := live[trade.Leg1.Venue][trade.Symbol]
	l2 := live[trade.Leg2.Venue][trade.Symbol]
	if l1 != nil || l2 != nil {
		// Exposure exists but nothing drives it anymore: flatten rather
		// than leave an unmanaged, possibly one-legged position running.
		log.Warn().
			Str("trade_id", trade.TradeID).
			Str("symbol", trade.Symbol).
			Msg("Stale OPENING trade still has live exposure, flattening")
		r.flattenLive(ctx, trade.Symbol, l1, l2)
		// Drop the flattened legs from the snapshot so the ghost and
		// late-fill phases of this pass don't act on them again.
		delete(live[trade.Leg1.Venue], trade.Symbol)
		delete(live[trade.Leg2.Venue], trade.Symbol)
	}
	r.cancelResting(ctx, trade.Symbol)
	r.abortTrade(ctx, trade, "stale_opening")
	r.emit(trade.Symbol, trade.Leg1.Venue, "closed_zombie", map[string]string{
		"trade_id": trade.TradeID,
		"status":   string(types.TradeOpening),
	})
}

// checkOpen classifies an OPEN trade against live truth.
func (r *Reconciler) checkOpen(ctx context.Context, trade *types.Trade, live liveIndex) {
	l1 := live[trade.Leg1.Venue][trade.Symbol]
	l2 := live[trade.Leg2.Venue][trade.Symbol]

	switch {
	case l1 == nil && l2 == nil:
		// Zombie: the record claims exposure the venues don't show.
		log.Warn().
			Str("trade_id", trade.TradeID).
			Str("symbol", trade.Symbol).
			Msg("🧟 OPEN trade with no live legs, closing record")
		r.cancelResting(ctx, trade.Symbol)
		trade.MarkClosed("reconcile_zombie", decimal.Zero)
		if err := r.store.UpdateTrade(ctx, trade); err != nil {
			log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist zombie close")
			return
		}
		r.emit(trade.Symbol, trade.Leg1.Venue, "closed_zombie", map[string]string{
			"trade_id": trade.TradeID,
		})

	case l1 == nil || l2 == nil:
		// One-legged: the position manager's debounced broken-hedge path
		// owns this, acting here would race its confirmations.
		log.Warn().
			Str("trade_id", trade.TradeID).
			Str("symbol", trade.Symbol).
			Msg("One live leg missing, deferring to broken-hedge detection")

	default:
		r.checkLegConsistency(ctx, trade, l1, l2)
	}
}

// checkLegConsistency handles the both-legs-present cases: side conflicts
// and quantity mismatches.
func (r *Reconciler) checkLegConsistency(ctx context.Context, trade *types.Trade, l1, l2 *types.Position) {
	conflict1 := l1.Side != trade.Leg1.Side
	conflict2 := l2.Side != trade.Leg2.Side
	if conflict1 || conflict2 {
		// A side flipped relative to the record: that exposure is not the
		// hedge we recorded. Force-close the conflicting leg(s).
		log.Error().
			Str("trade_id", trade.TradeID).
			Str("symbol", trade.Symbol).
			Bool("leg1_conflict", conflict1).
			Bool("leg2_conflict", conflict2).
			Msg("🚨 Live side conflicts with record, force-closing")
		if conflict1 {
			r.forceClose(ctx, l1)
			r.emit(trade.Symbol, l1.Venue, "closed_conflict", map[string]string{
				"trade_id": trade.TradeID,
				"recorded": string(trade.Leg1.Side),
				"live":     string(l1.Side),
			})
		}
		if conflict2 {
			r.forceClose(ctx, l2)
			r.emit(trade.Symbol, l2.Venue, "closed_conflict", map[string]string{
				"trade_id": trade.TradeID,
				"recorded": string(trade.Leg2.Side),
				"live":     string(l2.Side),
			})
		}
		trade.MarkClosed("reconcile_conflict", decimal.Zero)
		if err := r.store.UpdateTrade(ctx, trade); err != nil {
			log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist conflict close")
		}
		return
	}

	r.checkQuantities(trade, l1, l2)
}

// checkQuantities emits a quantity_mismatch alert when either leg diverges
// from its recorded fill beyond tolerance. Alert-only.
func (r *Reconciler) checkQuantities(trade *types.Trade, l1, l2 *types.Position) {
	delta := decimal.Zero
	mismatch := false
	for _, pair := range []struct {
		leg  *types.TradeLeg
		live *types.Position
	}{{&trade.Leg1, l1}, {&trade.Leg2, l2}} {
		recorded := pair.leg.FilledQty
		if !recorded.IsPositive() {
			continue
		}
		d := recorded.Sub(pair.live.Qty.Abs()).Abs()
		if d.Div(recorded).GreaterThan(r.cfg.ReconcileQtyTolerance) {
			mismatch = true
			delta = delta.Add(d)
		}
	}

	if !mismatch {
		delete(r.mismatched, trade.TradeID)
		return
	}
	if r.mismatched[trade.TradeID] {
		return
	}
	r.mismatched[trade.TradeID] = true

	log.Warn().
		Str("trade_id", trade.TradeID).
		Str("symbol", trade.Symbol).
		Str("delta", delta.String()).
		Msg("⚠️ Quantity mismatch vs live positions")
	r.emit(trade.Symbol, trade.Leg1.Venue, "quantity_mismatch", map[string]string{
		"trade_id": trade.TradeID,
		"delta":    delta.String(),
	})
	r.bus.Publish(events.Alert{
		Base:    events.NewBase(),
		Level:   events.LevelWarning,
		Message: fmt.Sprintf("Quantity mismatch on %s: delta %s vs record", trade.Symbol, delta.String()),
	})
}

// checkGhosts classifies live exposure no active trade accounts for.
func (r *Reconciler) checkGhosts(ctx context.Context, live liveIndex, claimed map[types.Venue]map[string]bool) {
	// Adopting a hedged pair consumes the symbol on both venues.
	adopted := make(map[string]bool)
	for venue, positions := range live {
		for symbol, pos := range positions {
			if claimed[venue] != nil && claimed[venue][symbol] {
				continue
			}
			if adopted[symbol] {
				continue
			}
			if r.handleGhost(ctx, symbol, venue, pos, live) {
				adopted[symbol] = true
			}
		}
	}
}

func (r *Reconciler) handleGhost(ctx context.Context, symbol string, venue types.Venue,
	pos *types.Position, live liveIndex) bool {

	log.Warn().
		Str("symbol", symbol).
		Str("venue", string(venue)).
		Str("side", string(pos.Side)).
		Str("qty", pos.Qty.String()).
		Msg("👻 Ghost position detected")

	if r.cfg.AdoptGhosts && r.adoptGhost(ctx, symbol, venue, pos, live) {
		return true
	}
	if r.cfg.CloseGhosts {
		r.forceClose(ctx, pos)
		r.emit(symbol, venue, "closed_ghost", map[string]string{
			"qty":  pos.Qty.String(),
			"side": string(pos.Side),
		})
		return false
	}
	// Neither policy enabled: surface it and leave the exposure alone.
	r.bus.Publish(events.Alert{
		Base:    events.NewBase(),
		Level:   events.LevelWarning,
		Message: fmt.Sprintf("Ghost position on %s %s: %s %s (no auto-action configured)", venue, symbol, pos.Side, pos.Qty),
	})
	return false
}

// adoptGhost creates a record for an untracked but properly hedged pair:
// opposite sides on both venues, quantities within tolerance. Anything less
// hedged is not adoptable.
func (r *Reconciler) adoptGhost(ctx context.Context, symbol string, venue types.Venue,
	pos *types.Position, live liveIndex) bool {

	otherVenue := types.VenueX10
	if venue == types.VenueX10 {
		otherVenue = types.VenueLighter
	}
	other := live[otherVenue][symbol]
	if other == nil || other.Side == pos.Side {
		return false
	}
	q1, q2 := pos.Qty.Abs(), other.Qty.Abs()
	if q1.Sub(q2).Abs().Div(decimal.Max(q1, q2)).GreaterThan(r.cfg.ReconcileQtyTolerance) {
		return false
	}

	// Normalize so leg1 is always the Lighter leg, matching executed trades.
	leg1Pos, leg2Pos := pos, other
	if venue != types.VenueLighter {
		leg1Pos, leg2Pos = other, pos
	}

	qty := decimal.Min(q1, q2)
	notional := qty.Mul(leg1Pos.MarkPrice)
	trade := types.NewTrade(symbol, types.VenueLighter, leg1Pos.Side, types.VenueX10,
		qty, notional, decimal.Zero, decimal.Zero)
	trade.Leg1.FilledQty = leg1Pos.Qty.Abs()
	trade.Leg1.EntryPrice = leg1Pos.EntryPrice
	trade.Leg2.FilledQty = leg2Pos.Qty.Abs()
	trade.Leg2.EntryPrice = leg2Pos.EntryPrice
	trade.MarkOpened()
	trade.LogEvent("ADOPTED", map[string]string{"source": "reconcile"})

	if err := r.store.CreateTrade(ctx, trade); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist adopted ghost")
		return false
	}
	log.Info().
		Str("symbol", symbol).
		Str("qty", qty.String()).
		Msg("👻 Adopted hedged ghost pair into trade store")
	r.emit(symbol, venue, "adopted_ghost", map[string]string{
		"trade_id": trade.TradeID,
		"qty":      qty.String(),
	})
	return true
}

// sweepLateFills flattens residue from recently failed or rolled-back
// trades: a fill that landed after the rollback verified flat.
func (r *Reconciler) sweepLateFills(ctx context.Context, live liveIndex) {
	for _, status := range []types.TradeStatus{types.TradeFailed, types.TradeRollback} {
		trades, err := r.store.ListTradesByStatus(ctx, status, 50)
		if err != nil {
			log.Warn().Err(err).Str("status", string(status)).Msg("Late-fill listing failed")
			continue
		}
		for _, trade := range trades {
			if time.Since(trade.CreatedAt) > time.Hour {
				continue
			}
			for _, leg := range []*types.TradeLeg{&trade.Leg1, &trade.Leg2} {
				pos := live[leg.Venue][trade.Symbol]
				if pos == nil || pos.Side != leg.Side {
					continue
				}
				log.Warn().
					Str("trade_id", trade.TradeID).
					Str("symbol", trade.Symbol).
					Str("venue", string(leg.Venue)).
					Str("qty", pos.Qty.String()).
					Msg("🧹 Sweeping late fill from failed trade")
				r.forceClose(ctx, pos)
				r.emit(trade.Symbol, leg.Venue, "closed_zombie", map[string]string{
					"trade_id": trade.TradeID,
					"cause":    "late_fill",
				})
			}
		}
	}
}

func (r *Reconciler) abortTrade(ctx context.Context, trade *types.Trade, cause string) {
	r.cancelResting(ctx, trade.Symbol)
	trade.Status = types.TradeFailed
	trade.ExecState = types.ExecAborted
	trade.CloseReason = cause
	trade.LogEvent("ABORTED", map[string]string{"cause": cause})
	if err := r.store.UpdateTrade(ctx, trade); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist abort")
	}
}

func (r *Reconciler) cancelResting(ctx context.Context, symbol string) {
	for _, adapter := range []ports.Exchange{r.lighter, r.x10} {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := adapter.CancelAllOrders(cctx, symbol); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Cancel-all during reconcile failed")
		}
		cancel()
	}
}

// flattenLive force-closes whichever legs of an abandoned saga landed.
func (r *Reconciler) flattenLive(ctx context.Context, symbol string, positions ...*types.Position) {
	for _, pos := range positions {
		if pos == nil {
			continue
		}
		log.Warn().
			Str("symbol", symbol).
			Str("venue", string(pos.Venue)).
			Str("qty", pos.Qty.String()).
			Msg("Flattening abandoned leg")
		r.forceClose(ctx, pos)
	}
}

// forceClose flattens a live position: soft first with a passive limit at
// the book, market on whatever remains.
func (r *Reconciler) forceClose(ctx context.Context, pos *types.Position) {
	adapter := r.adapter(pos.Venue)
	qty := pos.Qty.Abs()

	if placed := r.softClose(ctx, adapter, pos, qty); placed {
		if residual, err := adapter.GetPosition(ctx, pos.Symbol); err == nil {
			if residual == nil || residual.Side != pos.Side || !residual.Qty.Abs().IsPositive() {
				return
			}
			qty = residual.Qty.Abs()
		}
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := adapter.PlaceOrder(cctx, types.OrderRequest{
		Symbol:        pos.Symbol,
		Venue:         pos.Venue,
		Side:          pos.Side.Inverse(),
		Qty:           qty,
		Type:          types.OrderTypeMarket,
		ReduceOnly:    true,
		ClientOrderID: types.NewClientOrderID(),
	})
	if err != nil {
		log.Error().Err(err).
			Str("symbol", pos.Symbol).
			Str("venue", string(pos.Venue)).
			Msg("Force close failed")
		r.bus.Publish(events.Alert{
			Base:    events.NewBase(),
			Level:   events.LevelError,
			Message: fmt.Sprintf("Reconcile force-close failed on %s %s: %v", pos.Venue, pos.Symbol, err),
		})
	}
}

// softClose tries one passive reduce-only limit before the market fallback.
// Returns true when the order was placed and given time to fill.
func (r *Reconciler) softClose(ctx context.Context, adapter ports.Exchange,
	pos *types.Position, qty decimal.Decimal) bool {

	ob, ok := r.market.GetOrderbook(pos.Symbol)
	if !ok {
		return false
	}
	bid, ask := ob.X10Bid, ob.X10Ask
	if pos.Venue == types.VenueLighter {
		bid, ask = ob.LighterBid, ob.LighterAsk
	}
	price := ask
	if pos.Side == types.SideSell {
		price = bid
	}
	if !price.IsPositive() {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.CloseMakerTimeout)
	defer cancel()
	order, err := adapter.PlaceOrder(cctx, types.OrderRequest{
		Symbol:        pos.Symbol,
		Venue:         pos.Venue,
		Side:          pos.Side.Inverse(),
		Qty:           qty,
		Type:          types.OrderTypeLimit,
		Price:         price,
		TimeInForce:   types.TIFPostOnly,
		ReduceOnly:    true,
		ClientOrderID: types.NewClientOrderID(),
	})
	if err != nil {
		return false
	}
	<-cctx.Done()

	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer dcancel()
	if final, gerr := adapter.GetOrder(dctx, pos.Symbol, order.OrderID); gerr == nil &&
		final != nil && final.Status.IsTerminal() {
		return true
	}
	if cerr := adapter.CancelOrder(dctx, pos.Symbol, order.OrderID); cerr != nil {
		log.Warn().Err(cerr).Str("symbol", pos.Symbol).Msg("Cancel of soft close failed")
	}
	return true
}

func (r *Reconciler) adapter(venue types.Venue) ports.Exchange {
	if venue == types.VenueLighter {
		return r.lighter
	}
	return r.x10
}

func (r *Reconciler) emit(symbol string, venue types.Venue, action string, details map[string]string) {
	r.bus.Publish(events.PositionReconciled{
		Base:    events.NewBase(),
		Symbol:  symbol,
		Venue:   venue,
		Action:  action,
		Details: details,
	})
}
