package marketdata

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func serviceFixture(t *testing.T) (*config.Config, *exchange.Paper, *exchange.Paper, *Service) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.FreshRetries = 1

	lighter := exchange.NewPaper(types.VenueLighter, decimal.NewFromInt(10000))
	x10 := exchange.NewPaper(types.VenueX10, decimal.NewFromInt(10000))
	return cfg, lighter, x10, New(cfg, lighter, x10)
}

func seedBTC(lighter, x10 *exchange.Paper) {
	lighter.SetBook("BTC", d(99.9), d(50), d(100.1), d(50))
	x10.SetBook("BTC", d(99.8), d(50), d(100.2), d(50))
}

func TestDiscoverSymbolsIntersectsVenues(t *testing.T) {
	cfg, lighter, x10, svc := serviceFixture(t)
	cfg.SymbolUniverse = nil

	lighter.SetBook("BTC", d(99.9), d(50), d(100.1), d(50))
	lighter.SetBook("ETH", d(2999), d(50), d(3001), d(50))
	// X10 lists with the -USD suffix; only BTC is on both venues.
	x10.SetBook("BTC-USD", d(99.8), d(50), d(100.2), d(50))
	x10.SetBook("SOL-USD", d(149), d(50), d(151), d(50))

	require.NoError(t, svc.discoverSymbols(context.Background()))
	require.Equal(t, []string{"BTC"}, svc.Symbols())
}

func TestDiscoverSymbolsConfiguredUniverse(t *testing.T) {
	cfg, _, _, svc := serviceFixture(t)
	cfg.SymbolUniverse = []string{"BTC", "ETH"}

	require.NoError(t, svc.discoverSymbols(context.Background()))
	require.Equal(t, []string{"BTC", "ETH"}, svc.Symbols())
}

func TestRefreshAllMergesVenueSnapshots(t *testing.T) {
	cfg, lighter, x10, svc := serviceFixture(t)
	cfg.SymbolUniverse = []string{"BTC"}
	seedBTC(lighter, x10)
	lighter.SetFunding("BTC", d(0.0001))
	x10.SetFunding("BTC", d(-0.0002))

	ctx := context.Background()
	require.NoError(t, svc.discoverSymbols(ctx))
	svc.RefreshAll(ctx)

	ob, ok := svc.GetOrderbook("BTC")
	require.True(t, ok)
	require.True(t, ob.LighterBid.Equal(d(99.9)))
	require.True(t, ob.LighterAsk.Equal(d(100.1)))
	require.True(t, ob.X10Bid.Equal(d(99.8)))
	require.True(t, ob.X10Ask.Equal(d(100.2)))
	require.True(t, ob.HasBothSides())

	price, ok := svc.GetPrice("BTC")
	require.True(t, ok)
	require.True(t, price.LighterPrice.Equal(d(100)), "lighter mid, got %s", price.LighterPrice)
	require.True(t, price.X10Price.Equal(d(100)))

	fund, ok := svc.GetFunding("BTC")
	require.True(t, ok)
	require.True(t, fund.LighterRate.Equal(d(0.0001)))
	require.True(t, fund.X10Rate.Equal(d(-0.0002)))
}

func TestGetFreshOrderbookLiveFetch(t *testing.T) {
	_, lighter, x10, svc := serviceFixture(t)
	seedBTC(lighter, x10)

	ob, err := svc.GetFreshOrderbook(context.Background(), "BTC")
	require.NoError(t, err)
	require.True(t, ob.HasBothSides())
	require.True(t, ob.LighterBid.Equal(d(99.9)))

	// A fresh fetch also updates the shared cache.
	cached, ok := svc.GetOrderbook("BTC")
	require.True(t, ok)
	require.True(t, cached.X10Ask.Equal(d(100.2)))
}

func TestGetFreshOrderbookFallsBackToCache(t *testing.T) {
	cfg, lighter, x10, svc := serviceFixture(t)
	cfg.SymbolUniverse = []string{"BTC"}
	seedBTC(lighter, x10)

	ctx := context.Background()
	require.NoError(t, svc.discoverSymbols(ctx))
	svc.RefreshAll(ctx)

	// Break the live feed: a zeroed book never passes the both-sides check.
	x10.SetBook("BTC", decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)

	ob, err := svc.GetFreshOrderbook(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, ob.HasBothSides())
	require.True(t, ob.X10Bid.Equal(d(99.8)), "served from the pre-break cache")
}

func TestGetFreshOrderbookRejectsStaleCache(t *testing.T) {
	cfg, lighter, x10, svc := serviceFixture(t)
	cfg.SymbolUniverse = []string{"BTC"}
	cfg.MaxCacheAge = 0
	seedBTC(lighter, x10)

	ctx := context.Background()
	require.NoError(t, svc.discoverSymbols(ctx))
	svc.RefreshAll(ctx)

	x10.SetBook("BTC", decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)

	_, err := svc.GetFreshOrderbook(ctx, "BTC")
	require.ErrorIs(t, err, types.ErrStaleData)
}

func TestGetFreshDepthPrefersLiveLevels(t *testing.T) {
	_, _, x10, svc := serviceFixture(t)
	x10.SetDepth(&types.DepthSnapshot{
		Symbol: "BTC",
		Venue:  types.VenueX10,
		Bids: []types.BookLevel{
			{Price: d(99.8), Qty: d(10)},
			{Price: d(99.7), Qty: d(20)},
		},
		Asks: []types.BookLevel{
			{Price: d(100.2), Qty: d(10)},
			{Price: d(100.3), Qty: d(20)},
		},
	})

	depth, err := svc.GetFreshDepth(context.Background(), "BTC", types.VenueX10)
	require.NoError(t, err)
	require.Len(t, depth.Bids, 2)
	require.True(t, depth.Bids[1].Price.Equal(d(99.7)))
}

func TestGetFreshDepthFallsBackToCachedL1(t *testing.T) {
	cfg, lighter, x10, svc := serviceFixture(t)
	cfg.SymbolUniverse = []string{"BTC"}
	seedBTC(lighter, x10)

	ctx := context.Background()
	require.NoError(t, svc.discoverSymbols(ctx))
	svc.RefreshAll(ctx)

	// No depth seeded on lighter: only the cached top of book is available.
	lighterDepth, err := svc.GetFreshDepth(ctx, "BTC", types.VenueLighter)
	require.NoError(t, err)
	require.Len(t, lighterDepth.Bids, 1)
	require.True(t, lighterDepth.Bids[0].Price.Equal(d(99.9)))
	require.True(t, lighterDepth.Asks[0].Price.Equal(d(100.1)))
}

func TestGetMarketInfoCachesFirstAnswer(t *testing.T) {
	_, _, x10, svc := serviceFixture(t)
	x10.SetMarketInfo(&types.MarketInfo{
		Symbol:   "BTC",
		Venue:    types.VenueX10,
		TickSize: d(0.5),
		StepSize: d(0.01),
	})

	ctx := context.Background()
	info, err := svc.GetMarketInfo(ctx, "BTC", types.VenueX10)
	require.NoError(t, err)
	require.True(t, info.TickSize.Equal(d(0.5)))

	// Metadata is effectively static: the first answer sticks.
	x10.SetMarketInfo(&types.MarketInfo{
		Symbol:   "BTC",
		Venue:    types.VenueX10,
		TickSize: d(0.25),
		StepSize: d(0.01),
	})
	again, err := svc.GetMarketInfo(ctx, "BTC", types.VenueX10)
	require.NoError(t, err)
	require.True(t, again.TickSize.Equal(d(0.5)))
}

func TestIsHealthyRequiresRecentRefresh(t *testing.T) {
	cfg, lighter, x10, svc := serviceFixture(t)
	cfg.SymbolUniverse = []string{"BTC"}
	seedBTC(lighter, x10)

	require.False(t, svc.IsHealthy(), "no refresh has landed yet")

	ctx := context.Background()
	require.NoError(t, svc.discoverSymbols(ctx))
	svc.RefreshAll(ctx)
	require.True(t, svc.IsHealthy())
}
