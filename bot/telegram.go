package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/ports"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Trade lifecycle alerts (open/close/rollback)
//   🚨 CRITICAL incidents (broken hedge, rollback failure, breaker trips)
//   📈 Stats and open-position reporting
//   🎛️ Control commands (/status, /stats, /positions, /resume, /reset)
//
// CRITICAL alerts are throttled per incident: immediate retries of the same
// condition send once, the throttle clears after a quiet period.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider supplies aggregate trade stats for reporting commands.
type StatsProvider interface {
	TradeStats() (ports.TradeStats, error)
}

// Controller exposes the operator controls the bot can drive.
type Controller interface {
	ResumeEntries()
	ResetBreaker()
	EntriesPaused() bool
	BreakerTripped() bool
	TotalEquity() decimal.Decimal
}

type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	stats      StatsProvider
	controller Controller

	// CRITICAL throttle: incident key -> last sent
	lastCritical map[string]time.Time
	throttle     time.Duration
}

// NewTelegramBot connects the bot. Returns nil and no error when no token is
// configured (dry-run without notifications).
func NewTelegramBot(cfg *config.Config, stats StatsProvider, controller Controller) (*TelegramBot, error) {
	if cfg.TelegramToken == "" {
		log.Warn().Msg("No Telegram token configured, notifications disabled")
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}

	b := &TelegramBot{
		api:          api,
		chatID:       cfg.TelegramChatID,
		stopCh:       make(chan struct{}),
		stats:        stats,
		controller:   controller,
		lastCritical: make(map[string]time.Time),
		throttle:     5 * time.Minute,
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

// SendMessage implements ports.Notifier.
func (b *TelegramBot) SendMessage(text string) bool {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
		return false
	}
	return true
}

// Start begins the command loop and wires event-bus subscriptions.
func (b *TelegramBot) Start(bus ports.EventBus) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.subscribe(bus)
	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the command loop.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT SUBSCRIPTIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) subscribe(bus ports.EventBus) {
	bus.Subscribe("TradeOpened", func(evt events.Event) {
		e, ok := evt.(events.TradeOpened)
		if !ok {
			return
		}
		b.sendMarkdown(fmt.Sprintf(`✅ *HEDGE OPENED*

📊 *%s*
━━━━━━━━━━━━━━━━
📦 Qty: *%s* ($%s)
📈 Entry APY: *%s%%*
💵 Leg1 @ %s | Leg2 @ %s`,
			e.Symbol,
			e.Qty.String(), e.NotionalUSD.StringFixed(2),
			e.EntryAPY.Mul(decimal.NewFromInt(100)).StringFixed(1),
			e.Leg1Price.String(), e.Leg2Price.String()))
	})

	bus.Subscribe("TradeClosed", func(evt events.Event) {
		e, ok := evt.(events.TradeClosed)
		if !ok {
			return
		}
		emoji := "📈"
		if e.RealizedPnL.IsNegative() {
			emoji = "📉"
		}
		b.sendMarkdown(fmt.Sprintf(`%s *TRADE CLOSED*

📊 *%s* — %s
━━━━━━━━━━━━━━━━
💵 P&L: *$%s*
💸 Funding: $%s | Fees: $%s
⏱️ Held: %s`,
			emoji, e.Symbol, e.Reason,
			e.RealizedPnL.StringFixed(2),
			e.FundingCollected.StringFixed(2), e.TotalFees.StringFixed(2),
			e.HoldDuration.Round(time.Minute)))
	})

	bus.Subscribe("BrokenHedgeDetected", func(evt events.Event) {
		e, ok := evt.(events.BrokenHedgeDetected)
		if !ok {
			return
		}
		b.sendCritical("broken_hedge_"+e.Symbol, fmt.Sprintf(`🚨 *BROKEN HEDGE*

📊 *%s*
Missing leg on *%s*, closing survivor (%s).
New entries paused — /resume to acknowledge.`,
			e.Symbol, e.MissingVenue, e.RemainingQty.String()))
	})

	bus.Subscribe("CircuitBreakerTripped", func(evt events.Event) {
		e, ok := evt.(events.CircuitBreakerTripped)
		if !ok {
			return
		}
		b.sendCritical("breaker_"+e.Reason, fmt.Sprintf(`🚨 *CIRCUIT BREAKER TRIPPED*

Reason: *%s*
Consecutive failures: %d
Cooldown: %s`,
			e.Reason, e.ConsecutiveFailures, e.Cooldown))
	})

	bus.Subscribe("PositionReconciled", func(evt events.Event) {
		e, ok := evt.(events.PositionReconciled)
		if !ok {
			return
		}
		b.sendMarkdown(fmt.Sprintf("🔧 *RECONCILE* — %s on %s %s", e.Action, e.Venue, e.Symbol))
	})

	bus.Subscribe("Alert", func(evt events.Event) {
		e, ok := evt.(events.Alert)
		if !ok {
			return
		}
		switch e.Level {
		case events.LevelCritical:
			b.sendCritical(e.Message, "🚨 *CRITICAL*\n\n"+e.Message)
		case events.LevelError:
			b.sendMarkdown("⚠️ " + e.Message)
		case events.LevelWarning:
			b.sendMarkdown("⚡ " + e.Message)
		}
	})
}

// sendCritical sends at most once per incident key within the throttle
// window.
func (b *TelegramBot) sendCritical(key, text string) {
	b.mu.Lock()
	last, seen := b.lastCritical[key]
	if seen && time.Since(last) < b.throttle {
		b.mu.Unlock()
		return
	}
	b.lastCritical[key] = time.Now()
	b.mu.Unlock()
	b.sendMarkdown(text)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "stats":
		b.cmdStats()
	case "positions":
		b.cmdPositions()
	case "resume":
		b.cmdResume()
	case "reset":
		b.cmdReset()
	case "ping":
		b.SendMessage("🏓 Pong!")
	default:
		b.SendMessage("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`🤖 *FUNDINGBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
📈 /stats — Trading statistics
💼 /positions — Open hedges
▶️ /resume — Acknowledge broken hedge, resume entries
🔄 /reset — Reset circuit breaker
🏓 /ping — Test connection`)
}

func (b *TelegramBot) cmdStatus() {
	if b.controller == nil {
		b.SendMessage("❌ Status not available")
		return
	}
	entryState := "🟢 accepting entries"
	if b.controller.EntriesPaused() {
		entryState = "⏸️ entries PAUSED (broken hedge)"
	} else if b.controller.BreakerTripped() {
		entryState = "🚨 breaker tripped"
	}
	b.sendMarkdown(fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
💰 Equity: *$%s*`,
		entryState,
		b.controller.TotalEquity().StringFixed(2)))
}

func (b *TelegramBot) cmdStats() {
	if b.stats == nil {
		b.SendMessage("❌ Stats not available")
		return
	}
	stats, err := b.stats.TradeStats()
	if err != nil {
		b.SendMessage("❌ Failed to fetch stats")
		return
	}
	b.sendMarkdown(fmt.Sprintf(`📈 *TRADING STATS*
━━━━━━━━━━━━━━━━━━━━

📊 Total: *%d* | Open: *%d*
✅ Closed: *%d* | ❌ Failed: *%d*

━━━━━━━━━━━━━━━━━━━━
💵 Realized P&L: *$%s*
💸 Funding: $%s | Fees: $%s`,
		stats.TotalTrades, stats.OpenTrades,
		stats.ClosedTrades, stats.FailedTrades,
		stats.TotalRealizedPnL, stats.TotalFunding, stats.TotalFees))
}

func (b *TelegramBot) cmdPositions() {
	if b.stats == nil {
		b.SendMessage("❌ Positions not available")
		return
	}
	stats, err := b.stats.TradeStats()
	if err != nil {
		b.SendMessage("❌ Failed to fetch positions")
		return
	}
	if stats.OpenTrades == 0 {
		b.SendMessage("📭 No open hedges")
		return
	}
	b.sendMarkdown(fmt.Sprintf("💼 *%d open hedge(s)* — see /stats for totals", stats.OpenTrades))
}

func (b *TelegramBot) cmdResume() {
	if b.controller != nil {
		b.controller.ResumeEntries()
	}
	b.SendMessage("▶️ Entries resumed")
	log.Info().Msg("Entries resumed via Telegram")
}

func (b *TelegramBot) cmdReset() {
	if b.controller != nil {
		b.controller.ResetBreaker()
	}
	b.SendMessage("🔄 Circuit breaker reset")
	log.Info().Msg("Circuit breaker reset via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
