package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DOMAIN EVENTS - Immutable records of things that happened
// ═══════════════════════════════════════════════════════════════════════════════
//
// Used for audit logging, notification fan-out and loose coupling between
// the execution core and its observers.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Event is implemented by every domain event
type Event interface {
	EventType() string
	EventID() string
	OccurredAt() time.Time
}

// Base carries event identity; embedded by every concrete event.
type Base struct {
	ID        string
	Timestamp time.Time
}

// NewBase stamps a fresh event identity
func NewBase() Base {
	return Base{ID: uuid.NewString(), Timestamp: time.Now().UTC()}
}

// EventID returns the unique id
func (b Base) EventID() string { return b.ID }

// OccurredAt returns the event timestamp
func (b Base) OccurredAt() time.Time { return b.Timestamp }

// TradeOpened is emitted when both legs are filled
type TradeOpened struct {
	Base
	TradeID     string
	Symbol      string
	Qty         decimal.Decimal
	NotionalUSD decimal.Decimal
	EntryAPY    decimal.Decimal
	Leg1Price   decimal.Decimal
	Leg2Price   decimal.Decimal
}

func (TradeOpened) EventType() string { return "TradeOpened" }

// TradeClosed is emitted when a trade is closed
type TradeClosed struct {
	Base
	TradeID          string
	Symbol           string
	Reason           string
	RealizedPnL      decimal.Decimal
	FundingCollected decimal.Decimal
	TotalFees        decimal.Decimal
	HoldDuration     time.Duration
}

func (TradeClosed) EventType() string { return "TradeClosed" }

// TradeStateChanged is emitted on trade status transitions
type TradeStateChanged struct {
	Base
	TradeID   string
	Symbol    string
	OldStatus types.TradeStatus
	NewStatus types.TradeStatus
	ExecState types.ExecState
	Reason    string
}

func (TradeStateChanged) EventType() string { return "TradeStateChanged" }

// LegFilled is emitted when a trade leg fills
type LegFilled struct {
	Base
	TradeID string
	Symbol  string
	Venue   types.Venue
	Side    types.Side
	OrderID string
	Qty     decimal.Decimal
	Price   decimal.Decimal
	Fee     decimal.Decimal
}

func (LegFilled) EventType() string { return "LegFilled" }

// RollbackInitiated is emitted when a compensation starts
type RollbackInitiated struct {
	Base
	TradeID    string
	Symbol     string
	Reason     string
	LegToClose types.Venue
	Qty        decimal.Decimal
}

func (RollbackInitiated) EventType() string { return "RollbackInitiated" }

// RollbackCompleted is emitted when a compensation finishes
type RollbackCompleted struct {
	Base
	TradeID string
	Symbol  string
	Success bool
	LossUSD decimal.Decimal
}

func (RollbackCompleted) EventType() string { return "RollbackCompleted" }

// FundingCollected is emitted on funding accrual
type FundingCollected struct {
	Base
	TradeID    string
	Symbol     string
	Venue      types.Venue
	Amount     decimal.Decimal
	Cumulative decimal.Decimal
}

func (FundingCollected) EventType() string { return "FundingCollected" }

// PositionReconciled is emitted for every corrective reconciliation action.
// Action is one of closed_zombie, closed_conflict, closed_ghost,
// adopted_ghost, quantity_mismatch.
type PositionReconciled struct {
	Base
	Symbol  string
	Venue   types.Venue
	Action  string
	Details map[string]string
}

func (PositionReconciled) EventType() string { return "PositionReconciled" }

// CircuitBreakerTripped is emitted when the breaker pauses entries
type CircuitBreakerTripped struct {
	Base
	Reason              string
	ConsecutiveFailures int
	Cooldown            time.Duration
}

func (CircuitBreakerTripped) EventType() string { return "CircuitBreakerTripped" }

// BrokenHedgeDetected is emitted when one leg is confirmed missing while the
// other survives. CRITICAL: the supervisor pauses new entries on receipt.
type BrokenHedgeDetected struct {
	Base
	TradeID      string
	Symbol       string
	MissingVenue types.Venue
	RemainingQty decimal.Decimal
	Details      map[string]string
}

func (BrokenHedgeDetected) EventType() string { return "BrokenHedgeDetected" }

// Alert levels
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Alert is a generic notification-worthy condition
type Alert struct {
	Base
	Level   string
	Message string
	Details map[string]string
}

func (Alert) EventType() string { return "Alert" }
