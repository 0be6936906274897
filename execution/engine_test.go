package execution

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

type engineFixture struct {
	cfg     *config.Config
	lighter *exchange.Paper
	x10     *exchange.Paper
	store   *database.Store
	bus     *busRecorder
	engine  *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.OrderPollInterval = 10 * time.Millisecond
	cfg.Leg1TotalTimeout = 300 * time.Millisecond
	cfg.Leg1MaxAttempts = 2
	cfg.RollbackVerifyWindow = 500 * time.Millisecond

	lighter := exchange.NewPaper(types.VenueLighter, decimal.NewFromInt(10000))
	x10 := exchange.NewPaper(types.VenueX10, decimal.NewFromInt(10000))
	lighter.SetBook("BTC", d(99.9), d(50), d(100.1), d(50))
	x10.SetBook("BTC", d(99.8), d(50), d(100.2), d(50))

	store, err := database.New(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)

	bus := &busRecorder{}
	market := marketdata.New(cfg, lighter, x10)
	return &engineFixture{
		cfg:     cfg,
		lighter: lighter,
		x10:     x10,
		store:   store,
		bus:     bus,
		engine:  New(cfg, market, lighter, x10, store, bus),
	}
}

func testOpportunity() *types.Opportunity {
	return &types.Opportunity{
		Symbol:            "BTC",
		Timestamp:         time.Now().UTC(),
		SuggestedQty:      decimal.NewFromInt(2),
		SuggestedNotional: decimal.NewFromInt(200),
		APY:               d(0.3),
		SpreadPct:         d(0.001),
		LongVenue:         types.VenueLighter,
		ShortVenue:        types.VenueX10,
	}
}

func TestLeg1TrackerWeightedAverage(t *testing.T) {
	tracker := &leg1Tracker{}
	tracker.addFill(d(0.6), d(100), d(0.01))
	tracker.addFill(d(0.4), d(110), d(0.01))

	// 0.6@100 + 0.4@110 = 104 weighted
	require.True(t, tracker.avgPrice().Equal(d(104)), "got %s", tracker.avgPrice())
	require.True(t, tracker.filledQty.Equal(d(1.0)))
	require.True(t, tracker.fees.Equal(d(0.02)))
}

func TestExecuteSequentialOpensHedge(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	trade, err := f.engine.Execute(ctx, testOpportunity())
	require.NoError(t, err)
	require.NotNil(t, trade)

	require.Equal(t, types.TradeOpen, trade.Status)
	require.Equal(t, types.ExecComplete, trade.ExecState)
	require.Equal(t, types.SideBuy, trade.Leg1.Side)
	require.Equal(t, types.SideSell, trade.Leg2.Side)

	// The hedge is sized to leg1's actual fill.
	require.True(t, trade.Leg1.FilledQty.IsPositive())
	require.True(t, trade.Leg2.FilledQty.Equal(trade.Leg1.FilledQty),
		"leg2 %s != leg1 %s", trade.Leg2.FilledQty, trade.Leg1.FilledQty)
	require.True(t, trade.Leg1.EntryPrice.IsPositive())
	require.True(t, trade.Leg2.EntryPrice.IsPositive())

	require.True(t, trade.TotalFees().Equal(trade.Leg1.Fees.Add(trade.Leg2.Fees)))
	require.True(t, trade.TotalFees().IsPositive())

	l1, err := f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, l1)
	require.Equal(t, types.SideBuy, l1.Side)
	l2, err := f.x10.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, l2)
	require.Equal(t, types.SideSell, l2.Side)

	require.Len(t, f.bus.byType("TradeOpened"), 1)

	persisted, err := f.store.GetTrade(ctx, trade.TradeID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	require.Equal(t, types.TradeOpen, persisted.Status)
}

func TestLeg1PartialFillClampsHedge(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// 60% fills per attempt on the maker venue: 1.2 then 0.48 of the 2.0
	// target across two attempts, total 1.68.
	f.lighter.SetFillRatio(d(0.6))

	trade, err := f.engine.Execute(ctx, testOpportunity())
	require.NoError(t, err)
	require.Equal(t, types.TradeOpen, trade.Status)

	require.True(t, trade.Leg1.FilledQty.Equal(d(1.68)), "got %s", trade.Leg1.FilledQty)
	require.True(t, trade.TargetQty.Equal(trade.Leg1.FilledQty), "target clamped to fill")
	require.True(t, trade.Leg2.FilledQty.Equal(trade.Leg1.FilledQty),
		"hedge sized to actual fill, not original target")
}

func TestLeg2FailureRollsBackLeg1(t *testing.T) {
	f := newEngineFixture(t)
	f.cfg.Leg2MaxAttempts = 1
	ctx := context.Background()

	f.x10.FailNextPlace(errors.New("venue rejected order"))

	trade, err := f.engine.Execute(ctx, testOpportunity())
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrLeg2Failed))
	require.NotNil(t, trade)
	require.Equal(t, types.TradeRollback, trade.Status)
	require.Equal(t, types.ExecRollbackDone, trade.ExecState)

	// Leg1's exposure was unwound.
	pos, perr := f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, perr)
	require.Nil(t, pos, "leg1 should be flat after rollback")

	done := f.bus.byType("RollbackCompleted")
	require.Len(t, done, 1)
	require.True(t, done[0].(events.RollbackCompleted).Success)
	require.NotEmpty(t, f.bus.byType("Alert"))
}

func TestExecutePreflightInsufficientBalance(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Rebuild the hedge venue with almost no margin.
	broke := exchange.NewPaper(types.VenueX10, decimal.NewFromInt(5))
	broke.SetBook("BTC", d(99.8), d(50), d(100.2), d(50))
	f.engine.x10 = broke

	trade, err := f.engine.Execute(ctx, testOpportunity())
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrInsufficientBalance))
	require.Nil(t, trade, "nothing should be persisted before preflight passes")
}

func TestExecuteRejectsDuplicateSymbol(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	existing := types.NewTrade("BTC", types.VenueLighter, types.SideBuy, types.VenueX10,
		d(1), d(100), d(0.2), d(0.001))
	existing.Status = types.TradeOpen
	require.NoError(t, f.store.CreateTrade(ctx, existing))

	trade, err := f.engine.Execute(ctx, testOpportunity())
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrValidation))
	require.Nil(t, trade)
}

func TestExecuteParallelOpensHedge(t *testing.T) {
	f := newEngineFixture(t)
	f.cfg.ExecMode = config.ModeParallel
	ctx := context.Background()

	trade, err := f.engine.Execute(ctx, testOpportunity())
	require.NoError(t, err)
	require.NotNil(t, trade)

	require.Equal(t, types.TradeOpen, trade.Status)
	require.Equal(t, types.ExecComplete, trade.ExecState)
	require.True(t, trade.Leg1.FilledQty.IsPositive())
	require.True(t, trade.Leg2.FilledQty.Equal(trade.Leg1.FilledQty),
		"leg2 %s != leg1 %s", trade.Leg2.FilledQty, trade.Leg1.FilledQty)
	require.True(t, trade.TotalFees().Equal(trade.Leg1.Fees.Add(trade.Leg2.Fees)))

	l1, err := f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, l1)
	l2, err := f.x10.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, l2)
	require.True(t, l1.Qty.Abs().Equal(l2.Qty.Abs()), "legs must stay delta neutral")

	require.Len(t, f.bus.byType("TradeOpened"), 1)
}

func TestExecuteParallelTrimsUnevenLegs(t *testing.T) {
	f := newEngineFixture(t)
	f.cfg.ExecMode = config.ModeParallel
	ctx := context.Background()

	// Leg1 under-fills (1.68 of 2.0 across two attempts) while the hedge IOC
	// fills the full target; the excess hedge must be trimmed back down.
	f.lighter.SetFillRatio(d(0.6))

	trade, err := f.engine.Execute(ctx, testOpportunity())
	require.NoError(t, err)
	require.Equal(t, types.TradeOpen, trade.Status)

	require.True(t, trade.Leg1.FilledQty.Equal(d(1.68)), "got %s", trade.Leg1.FilledQty)
	require.True(t, trade.Leg2.FilledQty.Equal(trade.Leg1.FilledQty),
		"hedge trimmed to leg1's fill, got %s", trade.Leg2.FilledQty)
	require.True(t, trade.TargetQty.Equal(trade.Leg1.FilledQty))

	l2, err := f.x10.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, l2)
	require.True(t, l2.Qty.Abs().Equal(d(1.68)), "live hedge %s", l2.Qty)
}

func TestExecuteParallelHalfFailureRollsBack(t *testing.T) {
	f := newEngineFixture(t)
	f.cfg.ExecMode = config.ModeParallel
	f.cfg.Leg2MaxAttempts = 1
	ctx := context.Background()

	f.x10.FailNextPlace(errors.New("venue rejected order"))

	trade, err := f.engine.Execute(ctx, testOpportunity())
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrLeg2Failed))
	require.NotNil(t, trade)
	require.Equal(t, types.TradeRollback, trade.Status)
	require.Equal(t, types.ExecRollbackDone, trade.ExecState)

	// The surviving maker leg was unwound; both venues flat.
	l1, perr := f.lighter.GetPosition(ctx, "BTC")
	require.NoError(t, perr)
	require.Nil(t, l1)
	l2, perr := f.x10.GetPosition(ctx, "BTC")
	require.NoError(t, perr)
	require.Nil(t, l2)

	done := f.bus.byType("RollbackCompleted")
	require.Len(t, done, 1)
	require.True(t, done[0].(events.RollbackCompleted).Success)
}

func TestExecuteRejectsNonPositiveSize(t *testing.T) {
	f := newEngineFixture(t)

	opp := testOpportunity()
	opp.SuggestedQty = decimal.Zero
	_, err := f.engine.Execute(context.Background(), opp)
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrValidation))
}
