package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/marketdata"
	"github.com/web3guy0/fundingbot/opportunity"
	"github.com/web3guy0/fundingbot/ports"
	"github.com/web3guy0/fundingbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - Keeper of open hedges
// ═══════════════════════════════════════════════════════════════════════════════
//
// Responsibilities:
// 1. Evaluate exit conditions on every open trade (pure ladder, exit.go)
// 2. Coordinated dual-leg close with IOC escalation (close.go)
// 3. Partial rebalance when leg quantities drift apart (rebalance.go)
// 4. Broken-hedge detection with debounce + emergency close (brokenhedge.go)
// 5. Funding accrual and informational imbalance alerts
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	two          = decimal.NewFromInt(2)
	hoursPerYear = decimal.NewFromInt(24 * 365)
	takerFee     = decimal.NewFromFloat(0.0005) // conservative default
)

type Manager struct {
	mu sync.RWMutex

	cfg     *config.Config
	market  *marketdata.Service
	opps    *opportunity.Engine
	lighter ports.Exchange
	x10     ports.Exchange
	store   ports.TradeStore
	bus     ports.EventBus

	hedges        map[string]*hedgeWatch // trade ID -> broken-hedge debounce state
	closeRetries  map[string]time.Time   // trade ID -> last stuck-close retry
	entriesPaused bool
}

func NewManager(cfg *config.Config, market *marketdata.Service, opps *opportunity.Engine,
	lighter, x10 ports.Exchange, store ports.TradeStore, bus ports.EventBus) *Manager {
	return &Manager{
		cfg:          cfg,
		market:       market,
		opps:         opps,
		lighter:      lighter,
		x10:          x10,
		store:        store,
		bus:          bus,
		hedges:       make(map[string]*hedgeWatch),
		closeRetries: make(map[string]time.Time),
	}
}

// EntriesPaused reports whether a broken hedge has halted new entries.
// Cleared only by ResumeEntries (operator acknowledgement).
func (m *Manager) EntriesPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesPaused
}

// ResumeEntries clears the broken-hedge entry pause.
func (m *Manager) ResumeEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entriesPaused {
		m.entriesPaused = false
		log.Info().Msg("✅ New entries resumed")
	}
}

func (m *Manager) pauseEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entriesPaused = true
}

// CheckPositions runs one management pass over every active trade.
func (m *Manager) CheckPositions(ctx context.Context) error {
	trades, err := m.store.ListOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("list open trades: %w", err)
	}

	live := make(map[string]bool, len(trades))
	for _, trade := range trades {
		live[trade.TradeID] = true
		if trade.Status == types.TradeClosing {
			if err := m.resumeClose(ctx, trade); err != nil {
				log.Error().Err(err).
					Str("trade_id", trade.TradeID).
					Str("symbol", trade.Symbol).
					Msg("Close retry failed")
			}
			continue
		}
		if trade.Status != types.TradeOpen {
			continue
		}
		if err := m.checkTrade(ctx, trade); err != nil {
			log.Error().Err(err).
				Str("trade_id", trade.TradeID).
				Str("symbol", trade.Symbol).
				Msg("Position check failed")
		}
	}
	m.pruneHedgeState(live)
	return nil
}

func (m *Manager) checkTrade(ctx context.Context, trade *types.Trade) error {
	l1, l2 := m.livePositions(ctx, trade)

	// Broken hedge runs before anything else: if one leg vanished, exit
	// logic on a phantom hedge is meaningless.
	if m.checkBrokenHedge(ctx, trade, l1, l2) {
		return nil
	}

	m.accrueFunding(ctx, trade)
	snap := m.buildSnapshot(ctx, trade, l1, l2)
	m.monitorImbalance(trade, snap)

	if snap.UnrealizedPnL.GreaterThan(trade.HighWaterMark) {
		trade.HighWaterMark = snap.UnrealizedPnL
		if err := m.store.UpdateTrade(ctx, trade); err != nil {
			log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist high-water mark")
		}
	}

	decision := EvaluateExit(m.cfg, trade, snap)
	switch {
	case decision.Exit:
		log.Info().
			Str("symbol", trade.Symbol).
			Str("reason", decision.Reason).
			Bool("urgent", decision.Urgent).
			Str("unrealized_pnl", snap.UnrealizedPnL.StringFixed(2)).
			Msg("📤 Exit condition met")
		return m.CloseTrade(ctx, trade, decision.Reason, decision.Urgent)
	case decision.Rebalance:
		return m.Rebalance(ctx, trade, l1, l2)
	}
	return nil
}

// livePositions reads both venue positions, tolerating lookup failures as
// nil (the broken-hedge debounce filters transient misses).
func (m *Manager) livePositions(ctx context.Context, trade *types.Trade) (l1, l2 *types.Position) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if pos, err := m.adapter(trade.Leg1.Venue).GetPosition(cctx, trade.Symbol); err == nil {
		l1 = pos
	}
	if pos, err := m.adapter(trade.Leg2.Venue).GetPosition(cctx, trade.Symbol); err == nil {
		l2 = pos
	}
	return l1, l2
}

func (m *Manager) adapter(venue types.Venue) ports.Exchange {
	if venue == types.VenueLighter {
		return m.lighter
	}
	return m.x10
}

// buildSnapshot assembles the market view for one exit evaluation.
func (m *Manager) buildSnapshot(ctx context.Context, trade *types.Trade, l1, l2 *types.Position) Snapshot {
	snap := Snapshot{
		Leg1Live: l1,
		Leg2Live: l2,
		Now:      time.Now().UTC(),
	}

	if funding, ok := m.market.GetFunding(trade.Symbol); ok {
		snap.NetHourlyRate = favorableHourly(trade, funding)
		snap.CurrentAPY = snap.NetHourlyRate.Mul(hoursPerYear)
		trade.CurrentAPY = snap.CurrentAPY
	}

	snap.UnrealizedPnL = trade.FundingCollected.Add(markToMarket(trade, l1, l2)).Sub(trade.TotalFees())
	snap.ExitCostUSD = m.estimateExitCost(ctx, trade)

	if m.opps != nil {
		if best, err := m.opps.Best(ctx); err == nil && best != nil {
			snap.ShouldRotate, snap.RotationGainUSD = m.opps.ShouldRotateTo(ctx, trade, best)
		}
	}
	return snap
}

// favorableHourly signs the funding spread in the trade's favor: the short
// leg receives its venue's rate, the long leg pays its own.
func favorableHourly(trade *types.Trade, f types.FundingSnapshot) decimal.Decimal {
	lighterRate, x10Rate := f.LighterRate, f.X10Rate
	longRate, shortRate := lighterRate, x10Rate
	if trade.Leg1.Side == types.SideSell {
		longRate, shortRate = x10Rate, lighterRate
	}
	return shortRate.Sub(longRate)
}

// markToMarket sums both legs' unrealized PnL from venue-reported marks,
// falling back to cached prices against recorded entries when a live
// position is unavailable.
func markToMarket(trade *types.Trade, l1, l2 *types.Position) decimal.Decimal {
	total := decimal.Zero
	for _, pair := range []struct {
		leg  *types.TradeLeg
		live *types.Position
	}{{&trade.Leg1, l1}, {&trade.Leg2, l2}} {
		if pair.live != nil {
			total = total.Add(pair.live.UnrealizedPnL)
			continue
		}
		// leg absent: contributes nothing (broken-hedge path handles it)
	}
	return total
}

// estimateExitCost is the projected cost of closing both legs now: taker
// fees both sides plus crossing the current spread.
func (m *Manager) estimateExitCost(ctx context.Context, trade *types.Trade) decimal.Decimal {
	notional := trade.TargetNotionalUSD
	cost := notional.Mul(m.exitTakerFee(ctx, trade))
	if ob, ok := m.market.GetOrderbook(trade.Symbol); ok {
		if ob.LighterBid.IsPositive() && ob.LighterAsk.IsPositive() {
			spread := ob.LighterAsk.Sub(ob.LighterBid).Div(ob.LighterAsk)
			cost = cost.Add(notional.Mul(spread).Div(two))
		}
		if ob.X10Bid.IsPositive() && ob.X10Ask.IsPositive() {
			spread := ob.X10Ask.Sub(ob.X10Bid).Div(ob.X10Ask)
			cost = cost.Add(notional.Mul(spread).Div(two))
		}
	}
	return cost
}

// exitTakerFee sums both legs' venue taker fees from cached instrument
// metadata, falling back to the conservative default per venue.
func (m *Manager) exitTakerFee(ctx context.Context, trade *types.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range []*types.TradeLeg{&trade.Leg1, &trade.Leg2} {
		fee := takerFee
		if info, err := m.market.GetMarketInfo(ctx, trade.Symbol, leg.Venue); err == nil && info.TakerFee.IsPositive() {
			fee = info.TakerFee
		}
		total = total.Add(fee)
	}
	return total
}

// accrueFunding credits funding income since the last update. Hourly
// settlement on both venues; partial hours accrue pro-rata.
func (m *Manager) accrueFunding(ctx context.Context, trade *types.Trade) {
	funding, ok := m.market.GetFunding(trade.Symbol)
	if !ok || trade.LastFundingUpdate.IsZero() {
		return
	}
	elapsed := time.Since(trade.LastFundingUpdate)
	if elapsed < time.Minute {
		return
	}
	hours := decimal.NewFromFloat(elapsed.Hours())
	amount := trade.TargetNotionalUSD.Mul(favorableHourly(trade, funding)).Mul(hours)
	trade.AddFunding(amount)
	if err := m.store.UpdateTrade(ctx, trade); err != nil {
		log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("Failed to persist funding accrual")
		return
	}
	m.bus.Publish(events.FundingCollected{
		Base: events.NewBase(), TradeID: trade.TradeID, Symbol: trade.Symbol,
		Amount: amount, Cumulative: trade.FundingCollected,
	})
}

// monitorImbalance alerts (without acting) when live leg quantities diverge
// past the warn threshold. Action is left to the rebalance tier so noise
// doesn't churn orders.
func (m *Manager) monitorImbalance(trade *types.Trade, snap Snapshot) {
	drift := deltaDrift(trade, snap.Leg1Live, snap.Leg2Live)
	if drift.LessThanOrEqual(m.cfg.DeltaWarnPct) {
		return
	}
	log.Warn().
		Str("symbol", trade.Symbol).
		Str("drift_pct", drift.Mul(decimal.NewFromInt(100)).StringFixed(2)).
		Msg("⚖️ Leg imbalance detected")
	m.bus.Publish(events.Alert{
		Base:    events.NewBase(),
		Level:   events.LevelWarning,
		Message: fmt.Sprintf("Leg imbalance on %s: %s%% drift", trade.Symbol, drift.Mul(decimal.NewFromInt(100)).StringFixed(2)),
	})
}
