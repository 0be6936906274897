package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/types"
)

func exitTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func openTestTrade(heldFor time.Duration) *types.Trade {
	trade := types.NewTrade("BTC", types.VenueLighter, types.SideBuy, types.VenueX10,
		decimal.NewFromInt(2), decimal.NewFromInt(200),
		decimal.NewFromFloat(0.25), decimal.NewFromFloat(0.001))
	trade.Leg1.FilledQty = trade.TargetQty
	trade.Leg2.FilledQty = trade.TargetQty
	trade.MarkOpened()
	trade.OpenedAt = time.Now().UTC().Add(-heldFor)
	return trade
}

func livePos(venue types.Venue, side types.Side, qty float64) *types.Position {
	return &types.Position{
		Symbol: "BTC",
		Venue:  venue,
		Side:   side,
		Qty:    decimal.NewFromFloat(qty),
	}
}

func healthySnapshot(now time.Time) Snapshot {
	return Snapshot{
		Leg1Live:      livePos(types.VenueLighter, types.SideBuy, 2),
		Leg2Live:      livePos(types.VenueX10, types.SideSell, 2),
		NetHourlyRate: decimal.NewFromFloat(0.0005),
		CurrentAPY:    decimal.NewFromFloat(0.0005 * 24 * 365),
		ExitCostUSD:   decimal.NewFromFloat(0.20),
		Now:           now,
	}
}

func TestEarlyTakeProfitThreshold(t *testing.T) {
	cfg := exitTestConfig(t)
	// Base 0.30, slippage multiple 1.5, min buffer 0.50. With an exit cost of
	// 0.20 the buffer floor wins: threshold = 0.30 + max(0.30, 0.50) = 0.80.
	trade := openTestTrade(10 * time.Minute) // inside min hold

	snap := healthySnapshot(time.Now().UTC())
	snap.UnrealizedPnL = decimal.NewFromFloat(0.85)
	d := EvaluateExit(cfg, trade, snap)
	require.True(t, d.Exit)
	require.Equal(t, ReasonEarlyTakeProfit, d.Reason)
	require.False(t, d.Urgent)

	snap.UnrealizedPnL = decimal.NewFromFloat(0.50)
	d = EvaluateExit(cfg, trade, snap)
	require.False(t, d.Exit, "0.50 is below the effective 0.80 threshold")
}

func TestEarlyTakeProfitSlippageBufferDominates(t *testing.T) {
	cfg := exitTestConfig(t)
	trade := openTestTrade(10 * time.Minute)

	// Exit cost 0.60: buffer = max(0.90, 0.50) = 0.90, threshold 1.20.
	snap := healthySnapshot(time.Now().UTC())
	snap.ExitCostUSD = decimal.NewFromFloat(0.60)
	snap.UnrealizedPnL = decimal.NewFromFloat(1.10)
	require.False(t, EvaluateExit(cfg, trade, snap).Exit)

	snap.UnrealizedPnL = decimal.NewFromFloat(1.25)
	d := EvaluateExit(cfg, trade, snap)
	require.True(t, d.Exit)
	require.Equal(t, ReasonEarlyTakeProfit, d.Reason)
}

func TestLiquidationRiskOverridesMinHold(t *testing.T) {
	cfg := exitTestConfig(t)
	trade := openTestTrade(time.Minute)

	snap := healthySnapshot(time.Now().UTC())
	snap.Leg1Live.MarkPrice = decimal.NewFromInt(100)
	snap.Leg1Live.LiquidationPrice = decimal.NewFromInt(95) // 5% away, buffer is 10%

	d := EvaluateExit(cfg, trade, snap)
	require.True(t, d.Exit)
	require.True(t, d.Urgent)
	require.Equal(t, ReasonLiquidationRisk, d.Reason)
}

func TestDeltaDriftTiers(t *testing.T) {
	cfg := exitTestConfig(t)
	trade := openTestTrade(time.Minute)
	now := time.Now().UTC()

	// 4% drift on a target of 2: past the 3% emergency tier.
	snap := healthySnapshot(now)
	snap.Leg2Live = livePos(types.VenueX10, types.SideSell, 1.92)
	d := EvaluateExit(cfg, trade, snap)
	require.True(t, d.Exit)
	require.True(t, d.Urgent)
	require.Equal(t, ReasonDeltaEmergency, d.Reason)

	// 1.5% drift: between the rebalance and emergency tiers.
	snap = healthySnapshot(now)
	snap.Leg2Live = livePos(types.VenueX10, types.SideSell, 1.97)
	d = EvaluateExit(cfg, trade, snap)
	require.False(t, d.Exit)
	require.True(t, d.Rebalance)

	// 0.5% drift: below both tiers.
	snap = healthySnapshot(now)
	snap.Leg2Live = livePos(types.VenueX10, types.SideSell, 1.99)
	d = EvaluateExit(cfg, trade, snap)
	require.False(t, d.Exit)
	require.False(t, d.Rebalance)
}

func TestCatastrophicFundingIgnoresMinHold(t *testing.T) {
	cfg := exitTestConfig(t)
	trade := openTestTrade(time.Minute)

	snap := healthySnapshot(time.Now().UTC())
	snap.NetHourlyRate = decimal.NewFromFloat(-0.0003)
	snap.CurrentAPY = decimal.NewFromFloat(-2.6) // below the -2 flip threshold

	d := EvaluateExit(cfg, trade, snap)
	require.True(t, d.Exit)
	require.Equal(t, ReasonFundingCatastro, d.Reason)
}

func TestMinHoldGatesYieldRules(t *testing.T) {
	cfg := exitTestConfig(t)
	trade := openTestTrade(10 * time.Minute)

	// A mild funding flip is a yield rule and must wait out the hold gate.
	snap := healthySnapshot(time.Now().UTC())
	snap.NetHourlyRate = decimal.NewFromFloat(-0.0001)
	snap.CurrentAPY = snap.NetHourlyRate.Mul(decimal.NewFromInt(24 * 365))

	require.False(t, EvaluateExit(cfg, trade, snap).Exit)

	trade.OpenedAt = time.Now().UTC().Add(-2 * time.Hour)
	d := EvaluateExit(cfg, trade, snap)
	require.True(t, d.Exit)
	require.Equal(t, ReasonFundingFlip, d.Reason)
}

func TestMaxHoldForcesExit(t *testing.T) {
	cfg := exitTestConfig(t)
	trade := openTestTrade(73 * time.Hour)

	d := EvaluateExit(cfg, trade, healthySnapshot(time.Now().UTC()))
	require.True(t, d.Exit)
	require.Equal(t, ReasonMaxHold, d.Reason)
}

func TestNegativeEVExit(t *testing.T) {
	cfg := exitTestConfig(t)
	trade := openTestTrade(2 * time.Hour)

	// Projected funding over the horizon: 200 * 1e-6 * 8 = 0.0016, far below
	// the 0.20 exit cost.
	snap := healthySnapshot(time.Now().UTC())
	snap.NetHourlyRate = decimal.NewFromFloat(0.000001)
	snap.CurrentAPY = snap.NetHourlyRate.Mul(decimal.NewFromInt(24 * 365))

	d := EvaluateExit(cfg, trade, snap)
	require.True(t, d.Exit)
	require.Equal(t, ReasonNegativeEV, d.Reason)
}

func TestProfitTargetExit(t *testing.T) {
	cfg := exitTestConfig(t)
	cfg.EarlyTPBase = decimal.NewFromInt(100) // keep early TP out of the way
	trade := openTestTrade(2 * time.Hour)

	snap := healthySnapshot(time.Now().UTC())
	snap.UnrealizedPnL = decimal.NewFromInt(6)

	d := EvaluateExit(cfg, trade, snap)
	require.True(t, d.Exit)
	require.Equal(t, ReasonProfitTarget, d.Reason)
}

func TestRotationExit(t *testing.T) {
	cfg := exitTestConfig(t)
	trade := openTestTrade(2 * time.Hour)

	snap := healthySnapshot(time.Now().UTC())
	snap.ShouldRotate = true
	snap.RotationGainUSD = decimal.NewFromInt(3)

	d := EvaluateExit(cfg, trade, snap)
	require.True(t, d.Exit)
	require.Equal(t, ReasonRotation, d.Reason)

	// Gain below the configured minimum does not rotate.
	snap.RotationGainUSD = decimal.NewFromFloat(0.5)
	require.False(t, EvaluateExit(cfg, trade, snap).Exit)
}

func TestHealthyTradeHolds(t *testing.T) {
	cfg := exitTestConfig(t)
	trade := openTestTrade(2 * time.Hour)

	d := EvaluateExit(cfg, trade, healthySnapshot(time.Now().UTC()))
	require.False(t, d.Exit)
	require.False(t, d.Rebalance)
}
