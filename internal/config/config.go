package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionMode selects how the two legs are fired
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential" // leg1 completes before leg2 starts
	ModeParallel   ExecutionMode = "parallel"   // both legs fired concurrently
)

// Config holds all configuration for the bot
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Database (sqlite path or postgres:// DSN)
	DatabaseDSN string

	// Market data
	RefreshInterval   time.Duration
	MaxCacheAge       time.Duration // staleness fallback bound for fresh fetches
	FreshRetries      int
	HealthMultiplier  int // healthy = refreshed within interval * multiplier
	OrderbookLevels   int
	SymbolUniverse    []string // empty = discover from venues

	// Opportunity scanning
	ScanInterval      time.Duration
	MinAPY            decimal.Decimal // fraction, 0.10 = 10%
	MaxSpreadPct      decimal.Decimal
	MinEVUSD          decimal.Decimal
	MaxBreakevenHours decimal.Decimal
	MaxOpenTrades     int
	FailureCooldown   time.Duration

	// Sizing
	TargetNotionalUSD decimal.Decimal
	MaxNotionalUSD    decimal.Decimal
	BalanceFraction   decimal.Decimal // fraction of available balance per trade
	DepthCapFraction  decimal.Decimal // max fraction of L1 depth to take

	// Execution
	ExecMode             ExecutionMode
	Leg1MaxAttempts      int
	Leg1TotalTimeout     time.Duration
	Leg1MaxAggressive    decimal.Decimal // cap on [0,1] aggressiveness
	Leg1SmartTrigger     decimal.Decimal // remaining/topOfBook ratio raising the floor
	Leg1FinalAttemptGTC  bool
	Leg2MaxAttempts      int
	Leg2BaseSlippage     decimal.Decimal
	Leg2SlippageStep     decimal.Decimal
	Leg2MaxSlippage      decimal.Decimal
	Leg2MicrofillUSD     decimal.Decimal // ignore remainder below this notional
	MinHedgeNotionalUSD  decimal.Decimal // below this aggregate leg1 fill we roll back
	OrderPollInterval    time.Duration
	RollbackVerifyWindow time.Duration

	// Position management
	PositionCheckInterval time.Duration
	MinHold               time.Duration
	MaxHold               time.Duration
	ProfitTargetUSD       decimal.Decimal
	EarlyTPBase           decimal.Decimal
	EarlyTPSlippageMult   decimal.Decimal
	EarlyTPMinBuffer      decimal.Decimal
	NetEVHorizonHours     decimal.Decimal
	LiquidationBufferPct  decimal.Decimal // min distance to liquidation
	DeltaWarnPct          decimal.Decimal // imbalance alert threshold
	DeltaRebalancePct     decimal.Decimal // tier: rebalance above this drift
	DeltaEmergencyPct     decimal.Decimal // tier: full close above this drift
	FundingFlipAPY        decimal.Decimal // catastrophic negative APY
	RotationMinGainUSD    decimal.Decimal

	// Close execution
	CloseMakerTimeout  time.Duration
	CloseEscalateIOC   bool
	CloseRetryAfter    time.Duration
	RebalanceMinUSD    decimal.Decimal
	RebalanceTimeout   time.Duration

	// Broken hedge debounce
	BrokenHedgeConfirmations int
	BrokenHedgeMinInterval   time.Duration
	BrokenHedgeStaleness     time.Duration
	BrokenHedgeQtyThreshold  decimal.Decimal

	// Reconciliation
	ReconcileInterval     time.Duration
	ReconcileQtyTolerance decimal.Decimal // fraction, 0.02 = 2%
	AdoptGhosts           bool
	CloseGhosts           bool
	OpeningStaleAfter     time.Duration
	PendingStaleAfter     time.Duration

	// Circuit breaker
	CBMaxConsecutiveFails int
	CBCooldown            time.Duration
	CBMaxDailyLossPct     decimal.Decimal
	CBMaxDrawdownPct      decimal.Decimal

	// Supervisor
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Heartbeat   time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabaseDSN: getEnv("DATABASE_DSN", "data/fundingbot.db"),

		RefreshInterval:  getEnvDuration("MARKET_REFRESH_INTERVAL", 2*time.Second),
		MaxCacheAge:      getEnvDuration("MARKET_MAX_CACHE_AGE", 10*time.Second),
		FreshRetries:     getEnvInt("MARKET_FRESH_RETRIES", 3),
		HealthMultiplier: getEnvInt("MARKET_HEALTH_MULTIPLIER", 5),
		OrderbookLevels:  getEnvInt("ORDERBOOK_DEPTH_LEVELS", 10),
		SymbolUniverse:   getEnvList("SYMBOL_UNIVERSE"),

		ScanInterval:      getEnvDuration("SCAN_INTERVAL", 5*time.Second),
		MinAPY:            getEnvDecimal("MIN_APY", decimal.NewFromFloat(0.10)),
		MaxSpreadPct:      getEnvDecimal("MAX_SPREAD_PCT", decimal.NewFromFloat(0.003)),
		MinEVUSD:          getEnvDecimal("MIN_EV_USD", decimal.NewFromFloat(0.50)),
		MaxBreakevenHours: getEnvDecimal("MAX_BREAKEVEN_HOURS", decimal.NewFromInt(24)),
		MaxOpenTrades:     getEnvInt("MAX_OPEN_TRADES", 3),
		FailureCooldown:   getEnvDuration("FAILURE_COOLDOWN", 5*time.Minute),

		TargetNotionalUSD: getEnvDecimal("TARGET_NOTIONAL_USD", decimal.NewFromInt(200)),
		MaxNotionalUSD:    getEnvDecimal("MAX_NOTIONAL_USD", decimal.NewFromInt(1000)),
		BalanceFraction:   getEnvDecimal("BALANCE_FRACTION", decimal.NewFromFloat(0.25)),
		DepthCapFraction:  getEnvDecimal("DEPTH_CAP_FRACTION", decimal.NewFromFloat(0.25)),

		ExecMode:             parseExecMode(getEnv("EXECUTION_MODE", string(ModeSequential))),
		Leg1MaxAttempts:      getEnvInt("LEG1_MAX_ATTEMPTS", 5),
		Leg1TotalTimeout:     getEnvDuration("LEG1_TOTAL_TIMEOUT", 60*time.Second),
		Leg1MaxAggressive:    getEnvDecimal("LEG1_MAX_AGGRESSIVENESS", decimal.NewFromInt(1)),
		Leg1SmartTrigger:     getEnvDecimal("LEG1_SMART_PRICING_TRIGGER", decimal.NewFromFloat(0.5)),
		Leg1FinalAttemptGTC:  getEnvBool("LEG1_FINAL_ATTEMPT_GTC", true),
		Leg2MaxAttempts:      getEnvInt("LEG2_MAX_ATTEMPTS", 4),
		Leg2BaseSlippage:     getEnvDecimal("LEG2_BASE_SLIPPAGE", decimal.NewFromFloat(0.0005)),
		Leg2SlippageStep:     getEnvDecimal("LEG2_SLIPPAGE_STEP", decimal.NewFromFloat(0.0005)),
		Leg2MaxSlippage:      getEnvDecimal("LEG2_MAX_SLIPPAGE", decimal.NewFromFloat(0.003)),
		Leg2MicrofillUSD:     getEnvDecimal("LEG2_MICROFILL_USD", decimal.NewFromInt(2)),
		MinHedgeNotionalUSD:  getEnvDecimal("MIN_HEDGE_NOTIONAL_USD", decimal.NewFromInt(10)),
		OrderPollInterval:    getEnvDuration("ORDER_POLL_INTERVAL", 500*time.Millisecond),
		RollbackVerifyWindow: getEnvDuration("ROLLBACK_VERIFY_WINDOW", 6*time.Second),

		PositionCheckInterval: getEnvDuration("POSITION_CHECK_INTERVAL", 5*time.Second),
		MinHold:               getEnvDuration("MIN_HOLD", 1*time.Hour),
		MaxHold:               getEnvDuration("MAX_HOLD", 72*time.Hour),
		ProfitTargetUSD:       getEnvDecimal("PROFIT_TARGET_USD", decimal.NewFromInt(5)),
		EarlyTPBase:           getEnvDecimal("EARLY_TP_BASE", decimal.NewFromFloat(0.30)),
		EarlyTPSlippageMult:   getEnvDecimal("EARLY_TP_SLIPPAGE_MULTIPLE", decimal.NewFromFloat(1.5)),
		EarlyTPMinBuffer:      getEnvDecimal("EARLY_TP_MIN_BUFFER", decimal.NewFromFloat(0.50)),
		NetEVHorizonHours:     getEnvDecimal("NETEV_HORIZON_HOURS", decimal.NewFromInt(8)),
		LiquidationBufferPct:  getEnvDecimal("LIQUIDATION_BUFFER_PCT", decimal.NewFromFloat(0.10)),
		DeltaWarnPct:          getEnvDecimal("DELTA_WARN_PCT", decimal.NewFromFloat(0.01)),
		DeltaRebalancePct:     getEnvDecimal("DELTA_REBALANCE_PCT", decimal.NewFromFloat(0.01)),
		DeltaEmergencyPct:     getEnvDecimal("DELTA_EMERGENCY_PCT", decimal.NewFromFloat(0.03)),
		FundingFlipAPY:        getEnvDecimal("FUNDING_FLIP_APY", decimal.NewFromInt(-2)),
		RotationMinGainUSD:    getEnvDecimal("ROTATION_MIN_GAIN_USD", decimal.NewFromInt(1)),

		CloseMakerTimeout: getEnvDuration("CLOSE_MAKER_TIMEOUT", 6*time.Second),
		CloseEscalateIOC:  getEnvBool("CLOSE_ESCALATE_IOC", true),
		CloseRetryAfter:   getEnvDuration("CLOSE_RETRY_AFTER", time.Minute),
		RebalanceMinUSD:   getEnvDecimal("REBALANCE_MIN_USD", decimal.NewFromInt(5)),
		RebalanceTimeout:  getEnvDuration("REBALANCE_TIMEOUT", 6*time.Second),

		BrokenHedgeConfirmations: getEnvInt("BROKEN_HEDGE_CONFIRMATIONS", 2),
		BrokenHedgeMinInterval:   getEnvDuration("BROKEN_HEDGE_MIN_INTERVAL", 30*time.Second),
		BrokenHedgeStaleness:     getEnvDuration("BROKEN_HEDGE_STALENESS", 120*time.Second),
		BrokenHedgeQtyThreshold:  getEnvDecimal("BROKEN_HEDGE_QTY_THRESHOLD", decimal.NewFromFloat(0.0001)),

		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileQtyTolerance: getEnvDecimal("RECONCILE_QTY_TOLERANCE", decimal.NewFromFloat(0.02)),
		AdoptGhosts:           getEnvBool("RECONCILE_ADOPT_GHOSTS", false),
		CloseGhosts:           getEnvBool("RECONCILE_CLOSE_GHOSTS", false),
		OpeningStaleAfter:     getEnvDuration("OPENING_STALE_AFTER", 10*time.Minute),
		PendingStaleAfter:     getEnvDuration("PENDING_STALE_AFTER", 2*time.Minute),

		CBMaxConsecutiveFails: getEnvInt("CB_MAX_CONSECUTIVE_FAILURES", 3),
		CBCooldown:            getEnvDuration("CB_COOLDOWN", 15*time.Minute),
		CBMaxDailyLossPct:     getEnvDecimal("CB_MAX_DAILY_LOSS_PCT", decimal.NewFromFloat(0.05)),
		CBMaxDrawdownPct:      getEnvDecimal("CB_MAX_DRAWDOWN_PCT", decimal.NewFromFloat(0.10)),

		BackoffBase: getEnvDuration("SUPERVISOR_BACKOFF_BASE", 2*time.Second),
		BackoffMax:  getEnvDuration("SUPERVISOR_BACKOFF_MAX", 60*time.Second),
		Heartbeat:   getEnvDuration("HEARTBEAT_INTERVAL", 60*time.Second),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Leg1MaxAttempts < 1 {
		return fmt.Errorf("LEG1_MAX_ATTEMPTS must be >= 1")
	}
	if c.BrokenHedgeConfirmations < 1 {
		return fmt.Errorf("BROKEN_HEDGE_CONFIRMATIONS must be >= 1")
	}
	if c.ReconcileQtyTolerance.IsNegative() {
		return fmt.Errorf("RECONCILE_QTY_TOLERANCE must be >= 0")
	}
	if !c.DryRun && c.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required for live mode")
	}
	return nil
}

func parseExecMode(s string) ExecutionMode {
	if strings.EqualFold(s, string(ModeParallel)) {
		return ModeParallel
	}
	return ModeSequential
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
