package position

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/internal/database"
	"github.com/web3guy0/fundingbot/marketdata"
	"github.com/web3guy0/fundingbot/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type busRecorder struct {
	mu   sync.Mutex
	evts []events.Event
}

func (b *busRecorder) Publish(evt events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evts = append(b.evts, evt)
}

func (b *busRecorder) Subscribe(string, events.Handler) {}
func (b *busRecorder) SubscribeAll(events.Handler)      {}

func (b *busRecorder) byType(name string) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, evt := range b.evts {
		if evt.EventType() == name {
			out = append(out, evt)
		}
	}
	return out
}

type managerFixture struct {
	cfg     *config.Config
	lighter *exchange.Paper
	x10     *exchange.Paper
	store   *database.Store
	bus     *busRecorder
	mgr     *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.OrderPollInterval = 10 * time.Millisecond
	cfg.CloseMakerTimeout = 200 * time.Millisecond
	cfg.RebalanceTimeout = 200 * time.Millisecond

	lighter := exchange.NewPaper(types.VenueLighter, decimal.NewFromInt(10000))
	x10 := exchange.NewPaper(types.VenueX10, decimal.NewFromInt(10000))
	lighter.SetBook("BTC", d(99.9), d(50), d(100.1), d(50))
	x10.SetBook("BTC", d(99.8), d(50), d(100.2), d(50))

	store, err := database.New(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)

	bus := &busRecorder{}
	market := marketdata.New(cfg, lighter, x10)
	return &managerFixture{
		cfg:     cfg,
		lighter: lighter,
		x10:     x10,
		store:   store,
		bus:     bus,
		mgr:     NewManager(cfg, market, nil, lighter, x10, store, bus),
	}
}

// seedHedge puts a live hedged pair on both paper venues matching the trade.
func (f *managerFixture) seedHedge(trade *types.Trade, price float64) {
	f.lighter.SetPosition(&types.Position{
		Symbol: trade.Symbol, Venue: types.VenueLighter, Side: trade.Leg1.Side,
		Qty: trade.Leg1.FilledQty, EntryPrice: d(price), MarkPrice: d(price),
	})
	f.x10.SetPosition(&types.Position{
		Symbol: trade.Symbol, Venue: types.VenueX10, Side: trade.Leg2.Side,
		Qty: trade.Leg2.FilledQty, EntryPrice: d(price), MarkPrice: d(price),
	})
}

func TestCloseTradeFlattensBothLegs(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	trade := openTestTrade(2 * time.Hour)
	trade.Leg1.EntryPrice = d(100)
	trade.Leg2.EntryPrice = d(100)
	require.NoError(t, f.store.CreateTrade(ctx, trade))
	f.seedHedge(trade, 100)

	require.NoError(t, f.mgr.CloseTrade(ctx, trade, ReasonProfitTarget, false))

	require.Equal(t, types.TradeClosed, trade.Status)
	require.Equal(t, ReasonProfitTarget, trade.CloseReason)
	require.True(t, trade.Leg1.ExitPrice.IsPositive())
	require.True(t, trade.Leg2.ExitPrice.IsPositive())

	l1, err := f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.Nil(t, l1, "leg1 should be flat")
	l2, err := f.x10.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.Nil(t, l2, "leg2 should be flat")

	require.Len(t, f.bus.byType("TradeClosed"), 1)

	// Exits picked the passive side of each book.
	require.True(t, trade.Leg1.ExitPrice.Equal(d(100.1)), "leg1 long closes at the ask")
	require.True(t, trade.Leg2.ExitPrice.Equal(d(99.8)), "leg2 short closes at the bid")
}

func TestCloseTradeIdempotentWhileClosing(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	trade := openTestTrade(2 * time.Hour)
	trade.Status = types.TradeClosing
	f.seedHedge(trade, 100)

	// A trade already in CLOSING gets no second round of orders.
	require.NoError(t, f.mgr.CloseTrade(ctx, trade, ReasonProfitTarget, false))
	require.Equal(t, types.TradeClosing, trade.Status)

	pos, err := f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, pos, "no close order should have been placed")
}

func TestCheckPositionsResumesStuckClose(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.cfg.CloseRetryAfter = 30 * time.Millisecond

	// A close that failed partway leaves the trade in CLOSING with both legs
	// still live. CloseTrade's guard skips it, so only the retry path can
	// ever flatten it.
	trade := openTestTrade(2 * time.Hour)
	trade.Status = types.TradeClosing
	trade.CloseReason = ReasonProfitTarget
	trade.Leg1.EntryPrice = d(100)
	trade.Leg2.EntryPrice = d(100)
	require.NoError(t, f.store.CreateTrade(ctx, trade))
	f.seedHedge(trade, 100)

	// First retry: the maker venue rejects, the hedge venue flattens. The
	// trade must stay in CLOSING, not leak into a terminal state.
	f.lighter.FailNextPlace(errors.New("venue unavailable"))
	require.NoError(t, f.mgr.CheckPositions(ctx))

	stuck, err := f.store.GetTrade(ctx, trade.TradeID)
	require.NoError(t, err)
	require.Equal(t, types.TradeClosing, stuck.Status)
	l1, err := f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, l1, "rejected close leaves leg1 live")

	// Immediate second pass is throttled: no new orders, still live.
	require.NoError(t, f.mgr.CheckPositions(ctx))
	l1, err = f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, l1, "retry inside the throttle window must not act")

	// Past the throttle the retry drives the close home.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.mgr.CheckPositions(ctx))

	closed, err := f.store.GetTrade(ctx, trade.TradeID)
	require.NoError(t, err)
	require.Equal(t, types.TradeClosed, closed.Status)
	require.Equal(t, ReasonProfitTarget, closed.CloseReason)
	l1, err = f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.Nil(t, l1, "leg1 flat after resumed close")
	l2, err := f.x10.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.Nil(t, l2, "leg2 flat after resumed close")
	require.Len(t, f.bus.byType("TradeClosed"), 1)
}

func TestCloseTradeRejectsNonOpen(t *testing.T) {
	f := newManagerFixture(t)
	trade := openTestTrade(time.Hour)
	trade.Status = types.TradePending

	err := f.mgr.CloseTrade(context.Background(), trade, ReasonMaxHold, false)
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrValidation))
}

func TestBrokenHedgeRequiresConfirmations(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	trade := openTestTrade(2 * time.Hour)
	require.NoError(t, f.store.CreateTrade(ctx, trade))
	survivor := livePos(types.VenueLighter, types.SideBuy, 2)
	f.lighter.SetPosition(survivor)

	// First observation: recorded, never acted on.
	acted := f.mgr.checkBrokenHedge(ctx, trade, survivor, nil)
	require.False(t, acted)
	require.Equal(t, types.TradeOpen, trade.Status)
	require.False(t, f.mgr.EntriesPaused())
	require.Equal(t, 1, f.mgr.hedges[trade.TradeID].misses)

	// Second observation inside the minimum interval: suppressed.
	acted = f.mgr.checkBrokenHedge(ctx, trade, survivor, nil)
	require.False(t, acted)
	require.Equal(t, 1, f.mgr.hedges[trade.TradeID].misses)

	// Second observation after the minimum interval: confirmed.
	f.mgr.hedges[trade.TradeID].lastMiss = time.Now().UTC().Add(-31 * time.Second)
	acted = f.mgr.checkBrokenHedge(ctx, trade, survivor, nil)
	require.True(t, acted)

	require.Equal(t, types.TradeClosed, trade.Status)
	require.Equal(t, ReasonBrokenHedge, trade.CloseReason)
	require.True(t, f.mgr.EntriesPaused())

	pos, err := f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.Nil(t, pos, "survivor leg should be market-closed")

	require.Len(t, f.bus.byType("BrokenHedgeDetected"), 1)
	require.Len(t, f.bus.byType("TradeClosed"), 1)

	f.mgr.ResumeEntries()
	require.False(t, f.mgr.EntriesPaused())
}

func TestBrokenHedgeStalenessResetsChain(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	trade := openTestTrade(2 * time.Hour)
	survivor := livePos(types.VenueLighter, types.SideBuy, 2)

	require.False(t, f.mgr.checkBrokenHedge(ctx, trade, survivor, nil))
	// Age the observation past the staleness window: the chain starts over
	// instead of confirming.
	f.mgr.hedges[trade.TradeID].lastMiss = time.Now().UTC().Add(-3 * time.Minute)

	require.False(t, f.mgr.checkBrokenHedge(ctx, trade, survivor, nil))
	require.Equal(t, 1, f.mgr.hedges[trade.TradeID].misses)
	require.Equal(t, types.TradeOpen, trade.Status)
}

func TestBrokenHedgeRecoveryClearsState(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	trade := openTestTrade(2 * time.Hour)
	survivor := livePos(types.VenueLighter, types.SideBuy, 2)
	hedge := livePos(types.VenueX10, types.SideSell, 2)

	require.False(t, f.mgr.checkBrokenHedge(ctx, trade, survivor, nil))
	require.NotNil(t, f.mgr.hedges[trade.TradeID])

	// Both legs visible again: transient miss, debounce state voided.
	require.False(t, f.mgr.checkBrokenHedge(ctx, trade, survivor, hedge))
	require.Nil(t, f.mgr.hedges[trade.TradeID])
}

func TestRebalanceTrimsOversizedLeg(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	trade := openTestTrade(2 * time.Hour)
	require.NoError(t, f.store.CreateTrade(ctx, trade))

	l1 := livePos(types.VenueLighter, types.SideBuy, 2.0)
	l2 := livePos(types.VenueX10, types.SideSell, 1.9)
	f.lighter.SetPosition(l1)
	f.x10.SetPosition(l2)

	require.NoError(t, f.mgr.Rebalance(ctx, trade, l1, l2))

	pos, err := f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	require.True(t, pos.Qty.Equal(d(1.9)), "oversized leg trimmed to match, got %s", pos.Qty)
}

func TestRebalanceSkipsDust(t *testing.T) {
	f := newManagerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	trade := openTestTrade(2 * time.Hour)
	f.cfg.RebalanceMinUSD = decimal.NewFromInt(5)

	// 0.01 excess at ~100 USD is a 1 USD trim: below the minimum.
	l1 := livePos(types.VenueLighter, types.SideBuy, 2.0)
	l2 := livePos(types.VenueX10, types.SideSell, 1.99)
	f.lighter.SetPosition(l1)
	f.x10.SetPosition(l2)

	// Seed the price cache the dust check reads from.
	f.cfg.SymbolUniverse = []string{"BTC"}
	require.NoError(t, f.mgr.market.Start(ctx))

	require.NoError(t, f.mgr.Rebalance(ctx, trade, l1, l2))
	pos, err := f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, pos.Qty.Equal(d(2.0)), "dust drift should not be trimmed")
}
