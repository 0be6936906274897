package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/types"
)

// Exit reasons, persisted on the trade and used in alerts.
const (
	ReasonLiquidationRisk = "liquidation_risk"
	ReasonDeltaEmergency  = "delta_emergency"
	ReasonFundingCatastro = "funding_catastrophic"
	ReasonEarlyTakeProfit = "early_take_profit"
	ReasonMaxHold         = "max_hold"
	ReasonFundingFlip     = "funding_flip"
	ReasonNegativeEV      = "negative_ev"
	ReasonProfitTarget    = "profit_target"
	ReasonRotation        = "rotation"
	ReasonBrokenHedge     = "broken_hedge"
)

// Snapshot is the live market view an exit decision is made against.
// Built by the manager each check; the decision itself touches no I/O.
type Snapshot struct {
	Leg1Live *types.Position
	Leg2Live *types.Position

	// Hourly funding spread signed in the trade's favor: positive means the
	// hedge is still being paid to exist.
	NetHourlyRate decimal.Decimal
	CurrentAPY    decimal.Decimal // signed annualization of NetHourlyRate

	UnrealizedPnL decimal.Decimal // funding collected + mark-to-market, USD
	ExitCostUSD   decimal.Decimal // estimated round-trip cost of closing now

	// Rotation inputs, precomputed against the current best alternative.
	RotationGainUSD decimal.Decimal
	ShouldRotate    bool

	Now time.Time
}

// Decision is the outcome of one exit evaluation.
type Decision struct {
	Exit      bool
	Rebalance bool   // partial single-leg correction instead of a full exit
	Urgent    bool   // market-close immediately, skip the maker phase
	Reason    string
}

func hold() Decision                { return Decision{} }
func exit(reason string) Decision   { return Decision{Exit: true, Reason: reason} }
func urgent(reason string) Decision { return Decision{Exit: true, Urgent: true, Reason: reason} }

// EvaluateExit walks the exit ladder top to bottom and returns the first rule
// that fires. Safety rules run before the minimum-hold gate; yield rules run
// after it.
func EvaluateExit(cfg *config.Config, trade *types.Trade, s Snapshot) Decision {
	// 1. Liquidation distance override: always exits, regardless of hold time.
	if nearLiquidation(cfg, s.Leg1Live) || nearLiquidation(cfg, s.Leg2Live) {
		return urgent(ReasonLiquidationRisk)
	}

	// 2. Delta drift tiers: beyond the emergency bound the hedge is no longer
	// neutral enough to keep; between the tiers a partial rebalance suffices.
	drift := deltaDrift(trade, s.Leg1Live, s.Leg2Live)
	if drift.GreaterThan(cfg.DeltaEmergencyPct) {
		return urgent(ReasonDeltaEmergency)
	}
	if drift.GreaterThan(cfg.DeltaRebalancePct) {
		return Decision{Rebalance: true, Reason: "delta_rebalance"}
	}

	// 3. Catastrophic funding inversion: paying heavily to hold.
	if s.CurrentAPY.LessThanOrEqual(cfg.FundingFlipAPY) {
		return exit(ReasonFundingCatastro)
	}

	// 4. Early take profit. The buffer over the base threshold absorbs the
	// real cost of getting out, so thin projected gains don't trigger exits
	// that slippage then eats.
	buffer := decimal.Max(s.ExitCostUSD.Mul(cfg.EarlyTPSlippageMult), cfg.EarlyTPMinBuffer)
	if s.UnrealizedPnL.GreaterThanOrEqual(cfg.EarlyTPBase.Add(buffer)) {
		return exit(ReasonEarlyTakeProfit)
	}

	// 5. Minimum hold gate: below it, only the rules above may exit.
	held := s.Now.Sub(trade.OpenedAt)
	if held < cfg.MinHold {
		return hold()
	}

	// 6. Maximum hold.
	if held > cfg.MaxHold {
		return exit(ReasonMaxHold)
	}

	// 7. Funding direction flip: the spread inverted, the position now bleeds.
	if s.NetHourlyRate.IsNegative() {
		return exit(ReasonFundingFlip)
	}

	// 8. Net EV projection: expected funding over the horizon no longer covers
	// the cost of the exit we will eventually pay anyway.
	projected := trade.TargetNotionalUSD.Mul(s.NetHourlyRate).Mul(cfg.NetEVHorizonHours)
	if projected.LessThan(s.ExitCostUSD) {
		return exit(ReasonNegativeEV)
	}

	// 9. Profit target.
	if s.UnrealizedPnL.GreaterThanOrEqual(cfg.ProfitTargetUSD) {
		return exit(ReasonProfitTarget)
	}

	// 10. Opportunity-cost rotation.
	if s.ShouldRotate && s.RotationGainUSD.GreaterThan(cfg.RotationMinGainUSD) {
		return exit(ReasonRotation)
	}

	return hold()
}

// nearLiquidation reports whether mark is within the configured buffer of the
// venue-reported liquidation price.
func nearLiquidation(cfg *config.Config, pos *types.Position) bool {
	if pos == nil || !pos.LiquidationPrice.IsPositive() || !pos.MarkPrice.IsPositive() {
		return false
	}
	dist := pos.MarkPrice.Sub(pos.LiquidationPrice).Abs().Div(pos.MarkPrice)
	return dist.LessThan(cfg.LiquidationBufferPct)
}

// deltaDrift is the live quantity divergence between legs as a fraction of
// the trade's target quantity.
func deltaDrift(trade *types.Trade, l1, l2 *types.Position) decimal.Decimal {
	if !trade.TargetQty.IsPositive() {
		return decimal.Zero
	}
	q1, q2 := decimal.Zero, decimal.Zero
	if l1 != nil {
		q1 = l1.Qty.Abs()
	}
	if l2 != nil {
		q2 = l2.Qty.Abs()
	}
	return q1.Sub(q2).Abs().Div(trade.TargetQty)
}
