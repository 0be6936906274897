package opportunity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/internal/database"
	"github.com/web3guy0/fundingbot/marketdata"
	"github.com/web3guy0/fundingbot/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type engineFixture struct {
	cfg     *config.Config
	lighter *exchange.Paper
	x10     *exchange.Paper
	store   *database.Store
	market  *marketdata.Service
	engine  *Engine
}

func newEngineFixture(t *testing.T, balance int64) *engineFixture {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.SymbolUniverse = []string{"BTC"}

	lighter := exchange.NewPaper(types.VenueLighter, decimal.NewFromInt(balance))
	x10 := exchange.NewPaper(types.VenueX10, decimal.NewFromInt(balance))

	store, err := database.New(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)

	market := marketdata.New(cfg, lighter, x10)
	return &engineFixture{
		cfg:     cfg,
		lighter: lighter,
		x10:     x10,
		store:   store,
		market:  market,
		engine:  New(cfg, market, store, lighter, x10),
	}
}

// seed installs flat books around mid 100 with the given hourly funding
// rates, then performs the initial market data refresh.
func (f *engineFixture) seed(t *testing.T, lighterRate, x10Rate float64) {
	t.Helper()
	f.lighter.SetBook("BTC", d(99.9), d(50), d(100.1), d(50))
	f.x10.SetBook("BTC", d(99.8), d(50), d(100.2), d(50))
	f.lighter.SetFunding("BTC", d(lighterRate))
	f.x10.SetFunding("BTC", d(x10Rate))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.market.Start(ctx))
}

func TestScanFindsFundingSpread(t *testing.T) {
	f := newEngineFixture(t, 10000)
	// Lighter longs pay 0.05%/h while X10 longs receive 0.05%/h: short
	// Lighter, long X10, harvest 0.1%/h.
	f.seed(t, 0.0005, -0.0005)

	opp, err := f.engine.Best(context.Background())
	require.NoError(t, err)
	require.NotNil(t, opp)

	require.Equal(t, "BTC", opp.Symbol)
	require.Equal(t, types.VenueX10, opp.LongVenue)
	require.Equal(t, types.VenueLighter, opp.ShortVenue)
	require.True(t, opp.NetFundingHourly.Equal(d(0.001)))
	require.True(t, opp.SuggestedNotional.Equal(d(200)), "target notional uncapped")
	require.True(t, opp.SuggestedQty.Equal(d(2)))
	// 200 * 0.001 * 8h income minus 200 * 0.0005 * 4 taker legs.
	require.True(t, opp.ExpectedValueUSD.Equal(d(1.2)), "got %s", opp.ExpectedValueUSD)
	require.True(t, opp.BreakevenHours.Equal(d(2)))
}

func TestScanUsesVenueTakerFees(t *testing.T) {
	f := newEngineFixture(t, 10000)
	// A venue-reported 0.5% taker fee raises the round-trip cost estimate to
	// 2.20, sinking the 1.60 projected income that clears with default fees.
	f.lighter.SetMarketInfo(&types.MarketInfo{
		Symbol:   "BTC",
		Venue:    types.VenueLighter,
		TickSize: d(0.01),
		StepSize: d(0.001),
		TakerFee: d(0.005),
	})
	f.seed(t, 0.0005, -0.0005)

	opps, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, opps)
}

func TestScanDirectionFollowsCheaperLong(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.seed(t, -0.0005, 0.0005)

	opp, err := f.engine.Best(context.Background())
	require.NoError(t, err)
	require.NotNil(t, opp)
	require.Equal(t, types.VenueLighter, opp.LongVenue)
	require.Equal(t, types.VenueX10, opp.ShortVenue)
}

func TestScanRejectsLowAPY(t *testing.T) {
	f := newEngineFixture(t, 10000)
	// Net 0.001%/h annualizes to ~8.8%, under the 10% floor.
	f.seed(t, 0.000005, -0.000005)

	opps, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, opps)
}

func TestScanRejectsWideVenueSpread(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.lighter.SetBook("BTC", d(99.9), d(50), d(100.1), d(50))
	f.x10.SetBook("BTC", d(104.9), d(50), d(105.1), d(50)) // ~5% apart
	f.lighter.SetFunding("BTC", d(0.0005))
	f.x10.SetFunding("BTC", d(-0.0005))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.market.Start(ctx))

	opps, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, opps)
}

func TestScanSkipsHeldSymbol(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.seed(t, 0.0005, -0.0005)

	trade := types.NewTrade("BTC", types.VenueLighter, types.SideSell, types.VenueX10,
		d(2), d(200), d(0.25), d(0.001))
	trade.MarkOpened()
	require.NoError(t, f.store.CreateTrade(context.Background(), trade))

	opps, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, opps)
}

func TestScanStopsAtMaxOpenTrades(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.cfg.MaxOpenTrades = 1
	f.seed(t, 0.0005, -0.0005)

	trade := types.NewTrade("ETH", types.VenueLighter, types.SideSell, types.VenueX10,
		d(1), d(100), d(0.25), d(0.001))
	trade.MarkOpened()
	require.NoError(t, f.store.CreateTrade(context.Background(), trade))

	opps, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, opps, "slot budget exhausted by the ETH position")
}

func TestCooldownBlocksAndExpires(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.cfg.FailureCooldown = 30 * time.Millisecond
	f.seed(t, 0.0005, -0.0005)

	f.engine.MarkCooldown("BTC")
	opps, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, opps)

	time.Sleep(50 * time.Millisecond)
	opps, err = f.engine.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)
}

func TestSizingCappedByDepth(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.lighter.SetBook("BTC", d(99.9), d(2), d(100.1), d(2))
	f.x10.SetBook("BTC", d(99.8), d(2), d(100.2), d(2))
	f.lighter.SetFunding("BTC", d(0.002))
	f.x10.SetFunding("BTC", d(-0.002))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.market.Start(ctx))

	opp, err := f.engine.Best(context.Background())
	require.NoError(t, err)
	require.NotNil(t, opp)
	// A quarter of the 2-unit top of book at mid 100.
	require.True(t, opp.SuggestedNotional.Equal(d(50)), "got %s", opp.SuggestedNotional)
}

func TestSizingRejectsBelowMinHedgeNotional(t *testing.T) {
	f := newEngineFixture(t, 30) // 30 * 0.25 = 7.50, under the 10 USD floor
	f.seed(t, 0.0005, -0.0005)

	opps, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, opps)
}

func TestShouldRotateTo(t *testing.T) {
	f := newEngineFixture(t, 10000)

	trade := types.NewTrade("ETH", types.VenueLighter, types.SideSell, types.VenueX10,
		d(2), d(200), d(0.25), d(0.001))
	trade.CurrentAPY = d(0.5)

	next := &types.Opportunity{
		Symbol:            "BTC",
		NetFundingHourly:  d(0.001),
		SuggestedNotional: d(200),
		SpreadPct:         decimal.Zero,
	}
	ok, gain := f.engine.ShouldRotateTo(context.Background(), trade, next)
	require.True(t, ok)
	require.True(t, gain.GreaterThan(d(1)))

	// Rotating into the symbol already held is never a rotation.
	next.Symbol = "ETH"
	ok, _ = f.engine.ShouldRotateTo(context.Background(), trade, next)
	require.False(t, ok)
}
