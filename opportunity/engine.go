package opportunity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/marketdata"
	"github.com/web3guy0/fundingbot/ports"
	"github.com/web3guy0/fundingbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OPPORTUNITY ENGINE - Scan, filter, score, pick
// ═══════════════════════════════════════════════════════════════════════════════
//
// Consumes already-normalized funding and orderbook snapshots from the
// market data layer; does no prediction. EV is projected funding income over
// the configured horizon minus a round-trip cost estimate.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	hoursPerYear = decimal.NewFromInt(24 * 365)
	two          = decimal.NewFromInt(2)

	// fallback when a venue does not report its taker fee
	defaultTakerFee = decimal.NewFromFloat(0.0005)
)

// Engine scans the symbol universe for tradable funding spreads
type Engine struct {
	cfg     *config.Config
	market  *marketdata.Service
	store   ports.TradeStore
	lighter ports.Exchange
	x10     ports.Exchange

	mu        sync.Mutex
	cooldowns map[string]time.Time // symbol -> cooldown expiry
}

// New builds an opportunity engine
func New(cfg *config.Config, market *marketdata.Service, store ports.TradeStore, lighter, x10 ports.Exchange) *Engine {
	return &Engine{
		cfg:       cfg,
		market:    market,
		store:     store,
		lighter:   lighter,
		x10:       x10,
		cooldowns: make(map[string]time.Time),
	}
}

// MarkCooldown blocks a symbol from re-entry until the failure cooldown ends.
// Called by the supervisor after a failed execution.
func (e *Engine) MarkCooldown(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns[symbol] = time.Now().Add(e.cfg.FailureCooldown)
}

func (e *Engine) onCooldown(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldowns[symbol]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(e.cooldowns, symbol)
		return false
	}
	return true
}

// Scan evaluates every symbol and returns profitable candidates sorted by
// expected value, best first.
func (e *Engine) Scan(ctx context.Context) ([]types.Opportunity, error) {
	openTrades, err := e.store.ListOpenTrades(ctx)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(openTrades))
	active := 0
	for _, t := range openTrades {
		if t.IsActive() {
			held[t.Symbol] = true
			active++
		}
	}
	if active >= e.cfg.MaxOpenTrades {
		return nil, nil
	}

	var out []types.Opportunity
	for _, symbol := range e.market.Symbols() {
		if held[symbol] || e.onCooldown(symbol) {
			continue
		}
		opp, reason := e.evaluate(ctx, symbol)
		if opp == nil {
			if reason != "" {
				log.Trace().Str("symbol", symbol).Str("reject", reason).Msg("Opportunity rejected")
			}
			continue
		}
		out = append(out, *opp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpectedValueUSD.GreaterThan(out[j].ExpectedValueUSD)
	})
	return out, nil
}

// Best returns the single best tradable opportunity, or nil.
func (e *Engine) Best(ctx context.Context) (*types.Opportunity, error) {
	opps, err := e.Scan(ctx)
	if err != nil || len(opps) == 0 {
		return nil, err
	}
	return &opps[0], nil
}

// evaluate applies the filter pipeline to one symbol. The empty-string
// reason means the symbol simply lacked data.
func (e *Engine) evaluate(ctx context.Context, symbol string) (*types.Opportunity, string) {
	fund, ok := e.market.GetFunding(symbol)
	if !ok || fund.UpdatedAt.IsZero() {
		return nil, ""
	}
	ob, ok := e.market.GetOrderbook(symbol)
	if !ok || !ob.HasBothSides() {
		return nil, "no_orderbook"
	}

	// Freshness gate
	if time.Since(fund.UpdatedAt) > e.cfg.MaxCacheAge {
		return nil, "stale_funding"
	}

	netHourly := fund.NetHourly()
	apy := netHourly.Mul(hoursPerYear)
	if apy.LessThan(e.cfg.MinAPY) {
		return nil, "apy_below_min"
	}

	lighterMid := ob.LighterBid.Add(ob.LighterAsk).Div(two)
	x10Mid := ob.X10Bid.Add(ob.X10Ask).Div(two)
	if !lighterMid.IsPositive() || !x10Mid.IsPositive() {
		return nil, "no_price"
	}
	mid := lighterMid.Add(x10Mid).Div(two)

	spreadPct := lighterMid.Sub(x10Mid).Abs().Div(mid)
	if spreadPct.GreaterThan(e.cfg.MaxSpreadPct) {
		return nil, "spread_too_wide"
	}

	// Direction: long where funding is cheaper to be long, i.e. pay less /
	// receive more. Positive rate means longs pay shorts, so go long on the
	// venue with the lower rate and short the higher.
	longVenue, shortVenue := types.VenueLighter, types.VenueX10
	if fund.LighterRate.GreaterThan(fund.X10Rate) {
		longVenue, shortVenue = types.VenueX10, types.VenueLighter
	}

	qty, notional, reason := e.size(ctx, symbol, mid, ob)
	if reason != "" {
		return nil, reason
	}

	ev, breakeven := e.expectedValue(ctx, symbol, notional, netHourly, spreadPct)
	if ev.LessThan(e.cfg.MinEVUSD) {
		return nil, "ev_below_min"
	}
	if breakeven.GreaterThan(e.cfg.MaxBreakevenHours) {
		return nil, "breakeven_too_long"
	}

	return &types.Opportunity{
		Symbol:           symbol,
		Timestamp:        time.Now().UTC(),
		LighterRate:      fund.LighterRate,
		X10Rate:          fund.X10Rate,
		NetFundingHourly: netHourly,
		APY:              apy,
		SpreadPct:        spreadPct,
		MidPrice:         mid,
		LighterBestBid:   ob.LighterBid,
		LighterBestAsk:   ob.LighterAsk,
		X10BestBid:       ob.X10Bid,
		X10BestAsk:       ob.X10Ask,
		SuggestedQty:     qty,
		SuggestedNotional: notional,
		ExpectedValueUSD: ev,
		BreakevenHours:   breakeven,
		LongVenue:        longVenue,
		ShortVenue:       shortVenue,
	}, ""
}

// size caps the target notional by available balance and top-of-book depth.
func (e *Engine) size(ctx context.Context, symbol string, mid decimal.Decimal, ob types.OrderbookSnapshot) (qty, notional decimal.Decimal, reject string) {
	notional = e.cfg.TargetNotionalUSD

	// Balance cap: each leg consumes margin on its own venue; size to the
	// smaller of the two, scaled by the configured fraction.
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	lBal, lErr := e.lighter.GetAvailableBalance(cctx)
	xBal, xErr := e.x10.GetAvailableBalance(cctx)
	if lErr == nil && xErr == nil {
		minAvail := decimal.Min(lBal.Available, xBal.Available)
		balCap := minAvail.Mul(e.cfg.BalanceFraction)
		if balCap.LessThan(notional) {
			notional = balCap
		}
	}

	// Depth cap: do not take more than a fraction of visible L1 size.
	minTopQty := decimal.Min(
		decimal.Min(ob.LighterBidQty, ob.LighterAskQty),
		decimal.Min(ob.X10BidQty, ob.X10AskQty),
	)
	if minTopQty.IsPositive() {
		depthCap := minTopQty.Mul(e.cfg.DepthCapFraction).Mul(mid)
		if depthCap.LessThan(notional) {
			notional = depthCap
		}
	}

	if notional.GreaterThan(e.cfg.MaxNotionalUSD) {
		notional = e.cfg.MaxNotionalUSD
	}
	if notional.LessThan(e.cfg.MinHedgeNotionalUSD) {
		return decimal.Zero, decimal.Zero, "notional_below_min"
	}

	qty = notional.Div(mid)
	return qty, notional, ""
}

// venueTakerFee reads the venue's taker fee from cached instrument
// metadata, falling back to the conservative default.
func (e *Engine) venueTakerFee(ctx context.Context, symbol string, venue types.Venue) decimal.Decimal {
	if info, err := e.market.GetMarketInfo(ctx, symbol, venue); err == nil && info.TakerFee.IsPositive() {
		return info.TakerFee
	}
	return defaultTakerFee
}

// pairTakerFee is the cost fraction of one taker execution on each venue.
func (e *Engine) pairTakerFee(ctx context.Context, symbol string) decimal.Decimal {
	return e.venueTakerFee(ctx, symbol, types.VenueLighter).
		Add(e.venueTakerFee(ctx, symbol, types.VenueX10))
}

// expectedValue projects funding income over the horizon against round-trip
// costs (taker both legs both ways, plus crossing the venue spread once).
func (e *Engine) expectedValue(ctx context.Context, symbol string, notional, netHourly, spreadPct decimal.Decimal) (ev, breakevenHours decimal.Decimal) {
	// 4 taker executions worst case: entry hedge, exit both, rollback spare
	costEstimate := notional.Mul(e.pairTakerFee(ctx, symbol)).Mul(two).
		Add(notional.Mul(spreadPct))

	hourlyIncome := notional.Mul(netHourly)
	ev = hourlyIncome.Mul(e.cfg.NetEVHorizonHours).Sub(costEstimate)

	if hourlyIncome.IsPositive() {
		breakevenHours = costEstimate.Div(hourlyIncome)
	} else {
		breakevenHours = decimal.NewFromInt(999999)
	}
	return ev, breakevenHours
}

// SwitchingCost estimates the round-trip cost of rotating out of an open
// trade into a new opportunity: close both current legs plus open two new.
func (e *Engine) SwitchingCost(ctx context.Context, t *types.Trade, next *types.Opportunity) decimal.Decimal {
	closeCost := t.TargetNotionalUSD.Mul(e.pairTakerFee(ctx, t.Symbol))
	openCost := next.SuggestedNotional.Mul(e.pairTakerFee(ctx, next.Symbol)).
		Add(next.SuggestedNotional.Mul(next.SpreadPct))
	return closeCost.Add(openCost)
}

// ShouldRotateTo reports whether exiting t for next clears the switching
// cost by the configured margin over the EV horizon.
func (e *Engine) ShouldRotateTo(ctx context.Context, t *types.Trade, next *types.Opportunity) (bool, decimal.Decimal) {
	if next == nil || next.Symbol == t.Symbol {
		return false, decimal.Zero
	}
	currentHourly := t.TargetNotionalUSD.Mul(t.CurrentAPY.Div(hoursPerYear))
	nextHourly := next.SuggestedNotional.Mul(next.NetFundingHourly)
	uplift := nextHourly.Sub(currentHourly).Mul(e.cfg.NetEVHorizonHours)

	gain := uplift.Sub(e.SwitchingCost(ctx, t, next))
	return gain.GreaterThan(e.cfg.RotationMinGainUSD), gain
}
