// Fundingbot - Delta-neutral funding-rate arbitrage engine
//
// Holds opposite-side perpetual positions on two venues to harvest the
// spread between their funding rates while staying market-neutral.
//
// Flow:
// 1. Market data service caches prices, funding and books per symbol
// 2. Opportunity engine scores the funding spread net of entry/exit costs
// 3. Execution engine runs the two-leg saga (maker chase + IOC hedge)
// 4. Position manager evaluates exits, rebalances and broken hedges
// 5. Reconciler heals drift between the trade store and live positions
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/bot"
	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/execution"
	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/internal/database"
	"github.com/web3guy0/fundingbot/marketdata"
	"github.com/web3guy0/fundingbot/opportunity"
	"github.com/web3guy0/fundingbot/ports"
	"github.com/web3guy0/fundingbot/position"
	"github.com/web3guy0/fundingbot/reconcile"
	"github.com/web3guy0/fundingbot/risk"
	"github.com/web3guy0/fundingbot/supervisor"
	"github.com/web3guy0/fundingbot/types"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("mode", string(cfg.ExecMode)).
		Bool("dry_run", cfg.DryRun).
		Msg("⚡ Fundingbot starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ====== STORAGE & EVENTS ======

	store, err := database.New(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize trade store")
	}

	bus := events.NewBus(256)
	defer bus.Close()

	// ====== VENUE ADAPTERS ======
	//
	// Live wire adapters are plugged in from their own packages; this build
	// ships the paper simulator for dry runs.
	if !cfg.DryRun {
		log.Fatal().Msg("Live venue adapters are not wired in this build, set DRY_RUN=true")
	}
	lighter := exchange.NewPaper(types.VenueLighter, decimal.NewFromInt(10000))
	x10 := exchange.NewPaper(types.VenueX10, decimal.NewFromInt(10000))
	seedPaperVenues(lighter, x10)
	log.Info().Msg("📝 Paper venues initialized")

	// ====== CORE COMPONENTS ======

	market := marketdata.New(cfg, lighter, x10)
	opps := opportunity.New(cfg, market, store, lighter, x10)
	executor := execution.New(cfg, market, lighter, x10, store, bus)
	breaker := risk.NewCircuitBreaker(cfg, bus)
	positions := position.NewManager(cfg, market, opps, lighter, x10, store, bus)
	reconciler := reconcile.New(cfg, market, lighter, x10, store, bus)
	sup := supervisor.New(cfg, market, opps, executor, positions, reconciler,
		breaker, lighter, x10, store, bus)

	// ====== TELEGRAM BOT ======

	ctl := &controller{positions: positions, breaker: breaker, lighter: lighter, x10: x10}
	tg, err := bot.NewTelegramBot(cfg, storeStats{store}, ctl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
	}
	if tg != nil {
		tg.Start(bus)
		defer tg.Stop()
	}

	// ====== RUN ======

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("🛑 Received shutdown signal")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Supervisor exited with error")
	}
	log.Info().Msg("👋 Goodbye!")
}

// seedPaperVenues gives the dry-run simulator a market to trade.
func seedPaperVenues(lighter, x10 *exchange.Paper) {
	for _, s := range []struct {
		symbol               string
		bid, ask             float64
		lighterRate, x10Rate float64
	}{
		{"BTC", 64990, 65010, -0.00001, 0.00004},
		{"ETH", 3398, 3402, 0.00001, 0.00005},
		{"SOL", 149.9, 150.1, -0.00002, 0.00003},
	} {
		qty := decimal.NewFromInt(50)
		lighter.SetBook(s.symbol, decimal.NewFromFloat(s.bid), qty, decimal.NewFromFloat(s.ask), qty)
		x10.SetBook(s.symbol, decimal.NewFromFloat(s.bid), qty, decimal.NewFromFloat(s.ask), qty)
		lighter.SetFunding(s.symbol, decimal.NewFromFloat(s.lighterRate))
		x10.SetFunding(s.symbol, decimal.NewFromFloat(s.x10Rate))
	}
}

// controller implements bot.Controller over the live components.
type controller struct {
	positions *position.Manager
	breaker   *risk.CircuitBreaker
	lighter   ports.Exchange
	x10       ports.Exchange
}

func (c *controller) ResumeEntries() {
	c.positions.ResumeEntries()
}

func (c *controller) ResetBreaker() {
	c.breaker.ForceReset()
}

func (c *controller) EntriesPaused() bool {
	return c.positions.EntriesPaused()
}

func (c *controller) BreakerTripped() bool {
	return c.breaker.IsTripped()
}

func (c *controller) TotalEquity() decimal.Decimal {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	total := decimal.Zero
	for _, adapter := range []ports.Exchange{c.lighter, c.x10} {
		if bal, err := adapter.GetAvailableBalance(ctx); err == nil {
			total = total.Add(bal.Total)
		}
	}
	return total
}

// storeStats adapts the trade store to the bot's StatsProvider.
type storeStats struct {
	store ports.TradeStore
}

func (s storeStats) TradeStats() (ports.TradeStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.store.Stats(ctx)
}
