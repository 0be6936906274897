package ports

import (
	"context"

	"github.com/web3guy0/fundingbot/events"
	"github.com/web3guy0/fundingbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PORTS - Boundary interfaces between the execution core and the outside
// ═══════════════════════════════════════════════════════════════════════════════
//
// The core never touches wire protocols, SQL or delivery mechanisms; it
// talks exclusively through these interfaces. Adapters live at the edges.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Exchange is one venue's trading interface. Implementations must be safe for
// concurrent use; every call carries a context with a bounded deadline.
type Exchange interface {
	Venue() types.Venue

	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*types.Order, error)

	GetPosition(ctx context.Context, symbol string) (*types.Position, error)
	ListPositions(ctx context.Context) ([]types.Position, error)
	GetAvailableBalance(ctx context.Context) (types.Balance, error)

	GetFundingRate(ctx context.Context, symbol string) (*types.FundingRate, error)
	GetOrderbookL1(ctx context.Context, symbol string) (*types.L1Book, error)
	GetOrderbookDepth(ctx context.Context, symbol string, levels int) (*types.DepthSnapshot, error)
	GetMarketInfo(ctx context.Context, symbol string) (*types.MarketInfo, error)
	ListSymbols(ctx context.Context) ([]string, error)

	// SubscribeOrders registers a callback for order updates pushed by the
	// venue. Adapters invoke it from their own goroutine.
	SubscribeOrders(cb func(types.Order))
}

// TradeStore persists trades. It is the single source of truth for intended
// exposure; all mutation goes through a serialized update path inside the
// implementation.
type TradeStore interface {
	CreateTrade(ctx context.Context, t *types.Trade) error
	UpdateTrade(ctx context.Context, t *types.Trade) error
	GetTrade(ctx context.Context, tradeID string) (*types.Trade, error)
	ListOpenTrades(ctx context.Context) ([]*types.Trade, error)
	ListTradesByStatus(ctx context.Context, status types.TradeStatus, limit int) ([]*types.Trade, error)
	AppendEvent(ctx context.Context, tradeID string, evt types.TradeEvent) error
	Stats(ctx context.Context) (TradeStats, error)
}

// TradeStats is the aggregate view used for reporting
type TradeStats struct {
	TotalTrades      int64
	OpenTrades       int64
	ClosedTrades     int64
	FailedTrades     int64
	TotalRealizedPnL string
	TotalFunding     string
	TotalFees        string
}

// EventBus publishes and subscribes to domain events, in-process,
// at-least-once to local subscribers.
type EventBus interface {
	Publish(evt events.Event)
	Subscribe(eventType string, h events.Handler)
	SubscribeAll(h events.Handler)
}

// Notifier pushes operator-facing messages. Delivery mechanism is out of
// scope for the core.
type Notifier interface {
	SendMessage(text string) bool
}
