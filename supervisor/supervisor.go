package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/execution"
	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/marketdata"
	"github.com/web3guy0/fundingbot/opportunity"
	"github.com/web3guy0/fundingbot/ports"
	"github.com/web3guy0/fundingbot/position"
	"github.com/web3guy0/fundingbot/reconcile"
	"github.com/web3guy0/fundingbot/risk"
	"github.com/web3guy0/fundingbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SUPERVISOR - Restartable background loops
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns the loop lifecycle:
//   scan       — find + execute the best opportunity (gated by the breaker
//                and the broken-hedge entry pause)
//   positions  — exit evaluation, rebalance, broken-hedge checks
//   reconcile  — periodic persisted-vs-live audit (also once at startup)
//   heartbeat  — liveness + stats logging
//
// Each loop is restarted after an unhandled error or panic with exponential
// backoff, except during shutdown. Shutdown cancels loops and in-flight leg
// waits; compensations run on detached contexts and are never cancelled.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Supervisor struct {
	cfg        *config.Config
	market     *marketdata.Service
	opps       *opportunity.Engine
	executor   *execution.Engine
	positions  *position.Manager
	reconciler *reconcile.Reconciler
	breaker    *risk.CircuitBreaker
	lighter    ports.Exchange
	x10        ports.Exchange
	store      ports.TradeStore
	bus        ports.EventBus

	wg sync.WaitGroup
}

func New(cfg *config.Config, market *marketdata.Service, opps *opportunity.Engine,
	executor *execution.Engine, positions *position.Manager, reconciler *reconcile.Reconciler,
	breaker *risk.CircuitBreaker, lighter, x10 ports.Exchange,
	store ports.TradeStore, bus ports.EventBus) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		market:     market,
		opps:       opps,
		executor:   executor,
		positions:  positions,
		reconciler: reconciler,
		breaker:    breaker,
		lighter:    lighter,
		x10:        x10,
		store:      store,
		bus:        bus,
	}
}

// Run starts all supervised loops and blocks until ctx is cancelled and
// every loop has drained.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.market.Start(ctx); err != nil {
		return fmt.Errorf("market data start: %w", err)
	}

	s.fundingSanity()

	// Startup reconcile before any new entries: heal whatever the previous
	// process left behind.
	if err := s.reconciler.ReconcileOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Startup reconciliation failed")
		s.bus.Publish(events.Alert{
			Base:    events.NewBase(),
			Level:   events.LevelError,
			Message: fmt.Sprintf("Startup reconciliation failed: %v", err),
		})
	}

	s.spawn(ctx, "scan", s.cfg.ScanInterval, s.scanOnce)
	s.spawn(ctx, "positions", s.cfg.PositionCheckInterval, s.positions.CheckPositions)
	s.spawn(ctx, "reconcile", s.cfg.ReconcileInterval, s.reconciler.ReconcileOnce)
	s.spawn(ctx, "heartbeat", s.cfg.Heartbeat, s.heartbeat)

	log.Info().Msg("⚡ Supervisor running")
	s.wg.Wait()
	log.Info().Msg("Supervisor stopped")
	return nil
}

// spawn runs fn on a ticker inside a restart-with-backoff wrapper.
func (s *Supervisor) spawn(ctx context.Context, name string, interval time.Duration,
	fn func(context.Context) error) {

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := s.cfg.BackoffBase
		for {
			err := s.runLoop(ctx, name, interval, fn)
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).
				Str("loop", name).
				Dur("restart_in", backoff).
				Msg("🔁 Loop died, restarting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.cfg.BackoffMax {
				backoff = s.cfg.BackoffMax
			}
		}
	}()
}

// runLoop ticks fn until ctx cancels or a panic escapes. Per-tick errors are
// logged, not fatal to the loop; panics bubble out as errors so the restart
// wrapper re-arms with backoff.
func (s *Supervisor) runLoop(ctx context.Context, name string, interval time.Duration,
	fn func(context.Context) error) (err error) {

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loop %s panic: %v", name, r)
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if tickErr := fn(ctx); tickErr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				consecutive++
				log.Warn().Err(tickErr).Str("loop", name).Int("consecutive", consecutive).Msg("Loop tick failed")
				if consecutive >= 5 {
					// Persistent failure: surrender to the restart wrapper so
					// backoff spacing applies instead of hot ticking.
					return fmt.Errorf("loop %s: %d consecutive failures: %w", name, consecutive, tickErr)
				}
			} else {
				consecutive = 0
			}
		}
	}
}

// scanOnce finds the best opportunity and executes it, unless entries are
// paused or market data is degraded.
func (s *Supervisor) scanOnce(ctx context.Context) error {
	if s.positions.EntriesPaused() {
		log.Debug().Msg("Entries paused (broken hedge), skipping scan")
		return nil
	}
	if !s.market.IsHealthy() {
		log.Warn().Msg("Market data unhealthy, skipping scan")
		return nil
	}
	if !s.breaker.AllowEntry(s.totalEquity(ctx)) {
		return nil
	}

	best, err := s.opps.Best(ctx)
	if err != nil {
		return fmt.Errorf("opportunity scan: %w", err)
	}
	if best == nil {
		return nil
	}

	trade, err := s.executor.Execute(ctx, best)
	if err != nil {
		s.classifyFailure(best.Symbol, trade, err)
		return nil
	}
	s.breaker.RecordSuccess()
	return nil
}

// classifyFailure routes an execution error into cooldowns, the breaker and
// alerting. Preflight rejections are not failures worth counting.
func (s *Supervisor) classifyFailure(symbol string, trade *types.Trade, err error) {
	switch {
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrInsufficientBalance):
		log.Debug().Err(err).Str("symbol", symbol).Msg("Entry rejected in preflight")
	case errors.Is(err, types.ErrRollback):
		// Compensation failed: exposure may be live with no hedge. Stop
		// entering until reconcile or an operator resolves it.
		s.breaker.RecordFailure()
		s.opps.MarkCooldown(symbol)
		log.Error().Err(err).Str("symbol", symbol).Msg("🚨 Rollback failure during execution")
	case errors.Is(err, types.ErrLeg1Failed), errors.Is(err, types.ErrLeg2Failed):
		s.breaker.RecordFailure()
		s.opps.MarkCooldown(symbol)
		log.Warn().Err(err).Str("symbol", symbol).Msg("Execution failed, symbol cooled down")
	default:
		s.breaker.RecordFailure()
		s.opps.MarkCooldown(symbol)
		log.Error().Err(err).Str("symbol", symbol).Msg("Execution failed")
	}
	if trade != nil {
		log.Debug().Str("trade_id", trade.TradeID).Str("exec_state", string(trade.ExecState)).Msg("Failure state persisted")
	}
}

// fundingSanity flags symbols whose venue rates look implausible at startup,
// which usually means one feed is serving garbage.
func (s *Supervisor) fundingSanity() {
	limit := decimal.NewFromFloat(0.005) // 0.5%/h
	for _, symbol := range s.market.Symbols() {
		fund, ok := s.market.GetFunding(symbol)
		if !ok || fund.UpdatedAt.IsZero() {
			continue
		}
		if fund.LighterRate.Abs().GreaterThan(limit) || fund.X10Rate.Abs().GreaterThan(limit) {
			log.Warn().
				Str("symbol", symbol).
				Str("lighter_rate", fund.LighterRate.String()).
				Str("x10_rate", fund.X10Rate.String()).
				Msg("⚠️ Implausible funding rate at startup")
			s.bus.Publish(events.Alert{
				Base:  events.NewBase(),
				Level: events.LevelWarning,
				Message: fmt.Sprintf("Implausible funding on %s: lighter %s, x10 %s per hour",
					symbol, fund.LighterRate, fund.X10Rate),
			})
		}
	}
}

// totalEquity sums both venues' total balances, zero when both reads fail.
func (s *Supervisor) totalEquity(ctx context.Context) decimal.Decimal {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	total := decimal.Zero
	for _, adapter := range []ports.Exchange{s.lighter, s.x10} {
		if bal, err := adapter.GetAvailableBalance(cctx); err == nil {
			total = total.Add(bal.Total)
		}
	}
	return total
}

// heartbeat logs liveness and aggregate stats.
func (s *Supervisor) heartbeat(ctx context.Context) error {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	fails, dailyPnL, tripped, _ := s.breaker.Stats()
	log.Info().
		Bool("market_healthy", s.market.IsHealthy()).
		Int64("open_trades", stats.OpenTrades).
		Int64("closed_trades", stats.ClosedTrades).
		Str("daily_pnl", dailyPnL.StringFixed(2)).
		Int("consecutive_fails", fails).
		Bool("breaker_tripped", tripped).
		Bool("entries_paused", s.positions.EntriesPaused()).
		Msg("💓 Heartbeat")
	return nil
}
