package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/ports"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Protection against repeated execution failures
// ═══════════════════════════════════════════════════════════════════════════════
//
// Trips on consecutive failed executions, daily realized loss or equity
// drawdown from peak. A tripped breaker pauses NEW entries only: open
// positions are always still managed and closable.
//
// ═══════════════════════════════════════════════════════════════════════════════

type CircuitBreaker struct {
	mu sync.RWMutex

	maxConsecutiveFails int
	maxDailyLossPct     decimal.Decimal
	maxDrawdownPct      decimal.Decimal
	cooldown            time.Duration

	bus ports.EventBus

	consecutiveFails int
	dailyPnL         decimal.Decimal
	peakEquity       decimal.Decimal
	tripped          bool
	trippedAt        time.Time
	reason           string

	lastResetDate string
}

func NewCircuitBreaker(cfg *config.Config, bus ports.EventBus) *CircuitBreaker {
	return &CircuitBreaker{
		maxConsecutiveFails: cfg.CBMaxConsecutiveFails,
		maxDailyLossPct:     cfg.CBMaxDailyLossPct,
		maxDrawdownPct:      cfg.CBMaxDrawdownPct,
		cooldown:            cfg.CBCooldown,
		bus:                 bus,
	}
}

// AllowEntry reports whether a new entry may be attempted. Called with
// current total equity; pass zero when equity is unknown and only the
// failure counter applies.
func (cb *CircuitBreaker) AllowEntry(equity decimal.Decimal) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	if cb.lastResetDate != today {
		cb.resetLocked()
		cb.lastResetDate = today
	}

	if equity.GreaterThan(cb.peakEquity) {
		cb.peakEquity = equity
	}

	if cb.tripped {
		if time.Since(cb.trippedAt) > cb.cooldown {
			cb.resetLocked()
			log.Info().Msg("✅ Circuit breaker reset after cooldown")
			return true
		}
		return false
	}

	if !cb.peakEquity.IsZero() {
		if cb.dailyPnL.IsNegative() &&
			cb.dailyPnL.Abs().Div(cb.peakEquity).GreaterThan(cb.maxDailyLossPct) {
			cb.tripLocked("daily_loss_limit")
			return false
		}
		if equity.IsPositive() {
			drawdown := cb.peakEquity.Sub(equity).Div(cb.peakEquity)
			if drawdown.GreaterThan(cb.maxDrawdownPct) {
				cb.tripLocked("equity_drawdown")
				return false
			}
		}
	}

	return true
}

// RecordFailure counts a failed execution attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails++
	if cb.consecutiveFails >= cb.maxConsecutiveFails && !cb.tripped {
		cb.tripLocked("consecutive_failures")
	}
}

// RecordSuccess clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails = 0
}

// RecordPnL accrues a closed trade's realized result into the daily total.
func (cb *CircuitBreaker) RecordPnL(amount decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.dailyPnL = cb.dailyPnL.Add(amount)
}

func (cb *CircuitBreaker) tripLocked(reason string) {
	cb.tripped = true
	cb.trippedAt = time.Now()
	cb.reason = reason
	log.Warn().
		Str("reason", reason).
		Int("consecutive_failures", cb.consecutiveFails).
		Str("daily_pnl", cb.dailyPnL.StringFixed(2)).
		Dur("cooldown", cb.cooldown).
		Msg("🚨 CIRCUIT BREAKER TRIPPED - new entries paused")
	if cb.bus != nil {
		cb.bus.Publish(events.CircuitBreakerTripped{
			Base:                events.NewBase(),
			Reason:              reason,
			ConsecutiveFailures: cb.consecutiveFails,
			Cooldown:            cb.cooldown,
		})
	}
}

func (cb *CircuitBreaker) resetLocked() {
	cb.consecutiveFails = 0
	cb.dailyPnL = decimal.Zero
	cb.tripped = false
	cb.reason = ""
}

// IsTripped returns current trip state
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// Stats returns a snapshot of breaker state for reporting
func (cb *CircuitBreaker) Stats() (consecutiveFails int, dailyPnL decimal.Decimal, tripped bool, reason string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveFails, cb.dailyPnL, cb.tripped, cb.reason
}

// ForceReset manually clears the breaker, typically from an operator command.
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetLocked()
	log.Info().Msg("Circuit breaker manually reset")
}
