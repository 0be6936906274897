package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DOMAIN MODEL - Canonical types for the funding arbitrage engine
// ═══════════════════════════════════════════════════════════════════════════════
//
// All financial quantities use decimal.Decimal. Exchange adapter types are
// mapped into these models at the port boundary; nothing below this layer
// leaks SDK types into the core.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Venue identifies one of the two configured trading venues.
type Venue string

const (
	VenueLighter Venue = "LIGHTER" // maker leg venue
	VenueX10     Venue = "X10"     // hedge leg venue
)

// Side is an order/position side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Inverse returns the opposite side
func (s Side) Inverse() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes limit from market orders
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce options supported by both venues
type TimeInForce string

const (
	TIFGtc      TimeInForce = "GTC"
	TIFIoc      TimeInForce = "IOC"
	TIFPostOnly TimeInForce = "POST_ONLY"
)

// OrderStatus is the exchange-reported order lifecycle state
type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "PENDING"
	OrderStatusOpen          OrderStatus = "OPEN"
	OrderStatusPartiallyFill OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled        OrderStatus = "FILLED"
	OrderStatusCancelled     OrderStatus = "CANCELLED"
	OrderStatusRejected      OrderStatus = "REJECTED"
	OrderStatusExpired       OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the order can no longer change
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsActive reports whether the order is still working
func (s OrderStatus) IsActive() bool {
	switch s {
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFill:
		return true
	}
	return false
}

// TradeStatus is the business lifecycle of a two-leg trade
type TradeStatus string

const (
	TradePending  TradeStatus = "PENDING"  // opportunity accepted, not executing yet
	TradeOpening  TradeStatus = "OPENING"  // legs being executed
	TradeOpen     TradeStatus = "OPEN"     // both legs filled, hedge active
	TradeClosing  TradeStatus = "CLOSING"  // exit in progress
	TradeClosed   TradeStatus = "CLOSED"   // both legs closed
	TradeRejected TradeStatus = "REJECTED" // preflight rejected, nothing executed
	TradeFailed   TradeStatus = "FAILED"   // execution failed
	TradeRollback TradeStatus = "ROLLBACK" // partial fill being unwound
)

// ExecState is the fine-grained execution state machine. It only advances
// forward or to an absorbing failure state, never backward.
type ExecState string

const (
	ExecPending            ExecState = "PENDING"
	ExecLeg1Submitted      ExecState = "LEG1_SUBMITTED"
	ExecLeg1Filled         ExecState = "LEG1_FILLED"
	ExecLeg2Submitted      ExecState = "LEG2_SUBMITTED"
	ExecComplete           ExecState = "COMPLETE"
	ExecPartialFill        ExecState = "PARTIAL_FILL"
	ExecRollbackInProgress ExecState = "ROLLBACK_IN_PROGRESS"
	ExecRollbackDone       ExecState = "ROLLBACK_DONE"
	ExecRollbackFailed     ExecState = "ROLLBACK_FAILED"
	ExecFailed             ExecState = "FAILED"
	ExecAborted            ExecState = "ABORTED"
)

// FundingRate is a point-in-time funding snapshot, normalized to an HOURLY
// rate. Both venues apply funding hourly; APY = rate * 24 * 365.
type FundingRate struct {
	Symbol          string
	Venue           Venue
	Rate            decimal.Decimal // hourly
	NextFundingTime time.Time
	Timestamp       time.Time
}

// Annual returns the annualized rate (APY as a fraction, not percent)
func (f FundingRate) Annual() decimal.Decimal {
	return f.Rate.Mul(decimal.NewFromInt(24 * 365))
}

// MarketInfo holds per-venue instrument metadata
type MarketInfo struct {
	Symbol         string
	Venue          Venue
	TickSize       decimal.Decimal
	StepSize       decimal.Decimal
	MinQty         decimal.Decimal
	MinNotionalUSD decimal.Decimal
	MakerFee       decimal.Decimal // fraction, e.g. 0.0002
	TakerFee       decimal.Decimal
	MaxLeverage    decimal.Decimal
}

// Balance is an account balance snapshot
type Balance struct {
	Venue     Venue
	Available decimal.Decimal
	Total     decimal.Decimal
	Timestamp time.Time
}

// Position is a live, venue-reported position. Always a snapshot of exchange
// truth, never persisted as source of truth.
type Position struct {
	Symbol           string
	Venue            Venue
	Side             Side
	Qty              decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Timestamp        time.Time
}

// NotionalUSD returns |qty * mark|
func (p Position) NotionalUSD() decimal.Decimal {
	return p.Qty.Mul(p.MarkPrice).Abs()
}

// OrderRequest is a request to place an order
type OrderRequest struct {
	Symbol        string
	Venue         Venue
	Side          Side
	Qty           decimal.Decimal
	Type          OrderType
	Price         decimal.Decimal // zero for market orders
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// NewClientOrderID returns a short id for order correlation
func NewClientOrderID() string {
	return uuid.NewString()[:8]
}

// Order is an order with fill information as reported by the venue
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Venue         Venue
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal
	TimeInForce   TimeInForce
	ReduceOnly    bool

	Status       OrderStatus
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Fee          decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsFilled reports full fill
func (o *Order) IsFilled() bool { return o.Status == OrderStatusFilled }

// RemainingQty returns qty still unfilled
func (o *Order) RemainingQty() decimal.Decimal { return o.Qty.Sub(o.FilledQty) }

// TradeLeg is one side of a hedged trade, owned exclusively by its Trade.
type TradeLeg struct {
	Venue      Venue           `json:"venue"`
	Side       Side            `json:"side"`
	OrderID    string          `json:"order_id"`
	Qty        decimal.Decimal `json:"qty"`
	FilledQty  decimal.Decimal `json:"filled_qty"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Fees       decimal.Decimal `json:"fees"`
}

// PnL returns realized PnL for this leg net of fees. Zero until the leg has
// both a fill and an exit price.
func (l *TradeLeg) PnL() decimal.Decimal {
	if l.FilledQty.IsZero() || l.ExitPrice.IsZero() {
		return decimal.Zero
	}
	if l.Side == SideBuy {
		return l.ExitPrice.Sub(l.EntryPrice).Mul(l.FilledQty).Sub(l.Fees)
	}
	return l.EntryPrice.Sub(l.ExitPrice).Mul(l.FilledQty).Sub(l.Fees)
}

// TradeEvent is an entry in a trade's audit log
type TradeEvent struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// Trade is a delta-neutral funding arbitrage trade: two opposing legs on
// different venues.
type Trade struct {
	TradeID string
	Symbol  string

	Leg1 TradeLeg // maker leg (Lighter)
	Leg2 TradeLeg // hedge leg (X10)

	TargetQty         decimal.Decimal
	TargetNotionalUSD decimal.Decimal

	Status    TradeStatus
	ExecState ExecState

	FundingCollected  decimal.Decimal
	LastFundingUpdate time.Time

	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	HighWaterMark decimal.Decimal

	EntryAPY    decimal.Decimal
	EntrySpread decimal.Decimal
	CurrentAPY  decimal.Decimal
	CloseReason string
	Error       string

	CreatedAt time.Time
	OpenedAt  time.Time
	ClosedAt  time.Time

	Events []TradeEvent
}

// NewTrade creates a trade in PENDING with leg2 on the inverse side of leg1.
func NewTrade(symbol string, leg1Venue Venue, leg1Side Side, leg2Venue Venue,
	targetQty, targetNotionalUSD, entryAPY, entrySpread decimal.Decimal) *Trade {
	return &Trade{
		TradeID:           uuid.NewString(),
		Symbol:            symbol,
		Leg1:              TradeLeg{Venue: leg1Venue, Side: leg1Side},
		Leg2:              TradeLeg{Venue: leg2Venue, Side: leg1Side.Inverse()},
		TargetQty:         targetQty,
		TargetNotionalUSD: targetNotionalUSD,
		Status:            TradePending,
		ExecState:         ExecPending,
		EntryAPY:          entryAPY,
		EntrySpread:       entrySpread,
		CreatedAt:         time.Now().UTC(),
	}
}

// IsOpen reports whether the hedge is live
func (t *Trade) IsOpen() bool { return t.Status == TradeOpen }

// IsActive reports whether the trade still represents intended exposure
func (t *Trade) IsActive() bool {
	switch t.Status {
	case TradeOpening, TradeOpen, TradeClosing:
		return true
	}
	return false
}

// TotalFees is the sum of both legs' fees
func (t *Trade) TotalFees() decimal.Decimal {
	return t.Leg1.Fees.Add(t.Leg2.Fees)
}

// TotalPnL is realized PnL plus collected funding. RealizedPnL is already net
// of fees via TradeLeg.PnL, so fees are not subtracted again here.
func (t *Trade) TotalPnL() decimal.Decimal {
	return t.RealizedPnL.Add(t.FundingCollected)
}

// HoldDuration is time since the hedge opened
func (t *Trade) HoldDuration() time.Duration {
	if t.OpenedAt.IsZero() {
		return 0
	}
	end := t.ClosedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(t.OpenedAt)
}

// MarkOpened transitions the trade to OPEN
func (t *Trade) MarkOpened() {
	t.Status = TradeOpen
	t.ExecState = ExecComplete
	t.OpenedAt = time.Now().UTC()
	t.LastFundingUpdate = t.OpenedAt
	t.LogEvent("OPENED", nil)
}

// MarkClosed transitions the trade to CLOSED with a realized PnL
func (t *Trade) MarkClosed(reason string, pnl decimal.Decimal) {
	t.Status = TradeClosed
	t.ClosedAt = time.Now().UTC()
	t.CloseReason = reason
	t.RealizedPnL = pnl
	t.LogEvent("CLOSED", map[string]string{"reason": reason, "pnl": pnl.String()})
}

// AddFunding accrues collected funding
func (t *Trade) AddFunding(amount decimal.Decimal) {
	t.FundingCollected = t.FundingCollected.Add(amount)
	t.LastFundingUpdate = time.Now().UTC()
	t.LogEvent("FUNDING", map[string]string{
		"amount": amount.String(),
		"total":  t.FundingCollected.String(),
	})
}

// LogEvent appends to the trade's audit log
func (t *Trade) LogEvent(eventType string, data map[string]string) {
	t.Events = append(t.Events, TradeEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Opportunity is an immutable point-in-time funding arbitrage candidate.
type Opportunity struct {
	Symbol    string
	Timestamp time.Time

	LighterRate      decimal.Decimal // hourly
	X10Rate          decimal.Decimal // hourly
	NetFundingHourly decimal.Decimal
	APY              decimal.Decimal

	SpreadPct      decimal.Decimal
	MidPrice       decimal.Decimal
	LighterBestBid decimal.Decimal
	LighterBestAsk decimal.Decimal
	X10BestBid     decimal.Decimal
	X10BestAsk     decimal.Decimal

	SuggestedQty      decimal.Decimal
	SuggestedNotional decimal.Decimal

	ExpectedValueUSD decimal.Decimal
	BreakevenHours   decimal.Decimal

	LongVenue  Venue
	ShortVenue Venue
}

// IsProfitable reports positive expected value
func (o Opportunity) IsProfitable() bool {
	return o.ExpectedValueUSD.IsPositive()
}

// OrderbookSnapshot is a merged best bid/ask view across both venues with
// per-venue update timestamps used for staleness checks.
type OrderbookSnapshot struct {
	Symbol string

	LighterBid    decimal.Decimal
	LighterAsk    decimal.Decimal
	LighterBidQty decimal.Decimal
	LighterAskQty decimal.Decimal
	X10Bid        decimal.Decimal
	X10Ask        decimal.Decimal
	X10BidQty     decimal.Decimal
	X10AskQty     decimal.Decimal

	LighterUpdatedAt time.Time
	X10UpdatedAt     time.Time
}

// HasBothSides reports non-zero depth on both sides of both venues
func (ob OrderbookSnapshot) HasBothSides() bool {
	return ob.LighterBid.IsPositive() && ob.LighterAsk.IsPositive() &&
		ob.X10Bid.IsPositive() && ob.X10Ask.IsPositive()
}

// BookLevel is one price level of a depth snapshot
type BookLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// L1Book is the top of book for a single venue
type L1Book struct {
	Symbol    string
	Venue     Venue
	Bid       BookLevel
	Ask       BookLevel
	UpdatedAt time.Time
}

// Mid returns the midpoint price, zero when either side is empty
func (b L1Book) Mid() decimal.Decimal {
	if !b.Bid.Price.IsPositive() || !b.Ask.Price.IsPositive() {
		return decimal.Zero
	}
	return b.Bid.Price.Add(b.Ask.Price).Div(decimal.NewFromInt(2))
}

// DepthSnapshot is a multi-level orderbook for a single venue
type DepthSnapshot struct {
	Symbol    string
	Venue     Venue
	Bids      []BookLevel // best first
	Asks      []BookLevel // best first
	UpdatedAt time.Time
}

// VWAPForQty walks levels on the given side until qty is consumed and returns
// the volume-weighted price. The second return is false when the book is too
// thin to absorb qty.
func (d DepthSnapshot) VWAPForQty(side Side, qty decimal.Decimal) (decimal.Decimal, bool) {
	levels := d.Asks
	if side == SideSell {
		levels = d.Bids
	}
	remaining := qty
	notional := decimal.Zero
	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lvl.Qty)
		notional = notional.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() || qty.IsZero() {
		return decimal.Zero, false
	}
	return notional.Div(qty), true
}

// PriceSnapshot is the merged per-symbol price cache entry
type PriceSnapshot struct {
	Symbol       string
	LighterPrice decimal.Decimal
	X10Price     decimal.Decimal
	UpdatedAt    time.Time
}

// FundingSnapshot is the merged per-symbol funding cache entry
type FundingSnapshot struct {
	Symbol      string
	LighterRate decimal.Decimal // hourly
	X10Rate     decimal.Decimal // hourly
	UpdatedAt   time.Time
}

// NetHourly is the harvestable spread between the two hourly rates
func (f FundingSnapshot) NetHourly() decimal.Decimal {
	return f.LighterRate.Sub(f.X10Rate).Abs()
}
