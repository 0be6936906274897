package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/ports"
	"github.com/web3guy0/fundingbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER EXCHANGE - In-process venue simulator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Backs dry-run mode and tests. Orders fill immediately against the seeded
// book (configurable fill ratio for partial-fill scenarios), positions net
// into a ledger, and every test hook is a plain setter.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	makerFee = decimal.NewFromFloat(0.0002)
	takerFee = decimal.NewFromFloat(0.0005)
)

type Paper struct {
	mu    sync.Mutex
	venue types.Venue

	balance   types.Balance
	books     map[string]*types.L1Book
	depth     map[string]*types.DepthSnapshot
	funding   map[string]*types.FundingRate
	info      map[string]*types.MarketInfo
	orders    map[string]*types.Order
	positions map[string]*types.Position

	fillRatio     decimal.Decimal // fraction of each order that fills, default 1
	nextPlaceErr  error
	orderHandlers []func(types.Order)
}

var _ ports.Exchange = (*Paper)(nil)

func NewPaper(venue types.Venue, startingBalance decimal.Decimal) *Paper {
	return &Paper{
		venue: venue,
		balance: types.Balance{
			Venue:     venue,
			Available: startingBalance,
			Total:     startingBalance,
			Timestamp: time.Now().UTC(),
		},
		books:     make(map[string]*types.L1Book),
		depth:     make(map[string]*types.DepthSnapshot),
		funding:   make(map[string]*types.FundingRate),
		info:      make(map[string]*types.MarketInfo),
		orders:    make(map[string]*types.Order),
		positions: make(map[string]*types.Position),
		fillRatio: decimal.NewFromInt(1),
	}
}

func (p *Paper) Venue() types.Venue { return p.venue }

// ═══════════════════════════════════════════════════════════════════════════════
// TEST / SEEDING HOOKS
// ═══════════════════════════════════════════════════════════════════════════════

func (p *Paper) SetBook(symbol string, bidPrice, bidQty, askPrice, askQty decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.books[symbol] = &types.L1Book{
		Symbol:    symbol,
		Venue:     p.venue,
		Bid:       types.BookLevel{Price: bidPrice, Qty: bidQty},
		Ask:       types.BookLevel{Price: askPrice, Qty: askQty},
		UpdatedAt: time.Now().UTC(),
	}
	p.depth[symbol] = &types.DepthSnapshot{
		Symbol:    symbol,
		Venue:     p.venue,
		Bids:      []types.BookLevel{{Price: bidPrice, Qty: bidQty}},
		Asks:      []types.BookLevel{{Price: askPrice, Qty: askQty}},
		UpdatedAt: time.Now().UTC(),
	}
}

func (p *Paper) SetDepth(d *types.DepthSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depth[d.Symbol] = d
}

func (p *Paper) SetFunding(symbol string, hourlyRate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funding[symbol] = &types.FundingRate{
		Symbol:    symbol,
		Venue:     p.venue,
		Rate:      hourlyRate,
		Timestamp: time.Now().UTC(),
	}
}

func (p *Paper) SetMarketInfo(info *types.MarketInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info[info.Symbol] = info
}

func (p *Paper) SetPosition(pos *types.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos == nil {
		return
	}
	if pos.Qty.IsZero() {
		delete(p.positions, pos.Symbol)
		return
	}
	p.positions[pos.Symbol] = pos
}

func (p *Paper) ClearPosition(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, symbol)
}

// SetFillRatio makes subsequent orders fill only a fraction of their
// quantity, for partial-fill scenarios.
func (p *Paper) SetFillRatio(ratio decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillRatio = ratio
}

// FailNextPlace makes the next PlaceOrder return err.
func (p *Paper) FailNextPlace(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextPlaceErr = err
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE PORT
// ═══════════════════════════════════════════════════════════════════════════════

func (p *Paper) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nextPlaceErr != nil {
		err := p.nextPlaceErr
		p.nextPlaceErr = nil
		return nil, err
	}
	if !req.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive qty", types.ErrValidation)
	}

	price := req.Price
	fee := makerFee
	if req.Type == types.OrderTypeMarket || req.TimeInForce == types.TIFIoc {
		fee = takerFee
		if !price.IsPositive() {
			price = p.crossPrice(req.Symbol, req.Side)
			if !price.IsPositive() {
				return nil, fmt.Errorf("%w: no book for %s", types.ErrOrderRejected, req.Symbol)
			}
		}
	}

	fillQty := req.Qty.Mul(p.fillRatio)
	status := types.OrderStatusFilled
	if fillQty.LessThan(req.Qty) {
		// IOC and market orders cancel the remainder; resting orders stay
		// partially filled.
		if req.Type == types.OrderTypeMarket || req.TimeInForce == types.TIFIoc {
			status = types.OrderStatusCancelled
		} else {
			status = types.OrderStatusPartiallyFill
		}
		if fillQty.IsZero() && req.TimeInForce != types.TIFIoc && req.Type != types.OrderTypeMarket {
			status = types.OrderStatusOpen
		}
	}

	now := time.Now().UTC()
	order := &types.Order{
		OrderID:       uuid.NewString()[:8],
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Venue:         p.venue,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Price:         price,
		TimeInForce:   req.TimeInForce,
		ReduceOnly:    req.ReduceOnly,
		Status:        status,
		FilledQty:     fillQty,
		AvgFillPrice:  price,
		Fee:           fillQty.Mul(price).Mul(fee),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p.orders[order.OrderID] = order

	if fillQty.IsPositive() {
		p.applyFill(req.Symbol, req.Side, fillQty, price, req.ReduceOnly)
	}

	log.Debug().
		Str("venue", string(p.venue)).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("qty", req.Qty.String()).
		Str("filled", fillQty.String()).
		Str("price", price.String()).
		Msg("📝 Paper order")

	for _, h := range p.orderHandlers {
		go h(*order)
	}
	return order, nil
}

// applyFill nets the fill into the position ledger.
func (p *Paper) applyFill(symbol string, side types.Side, qty, price decimal.Decimal, reduceOnly bool) {
	pos := p.positions[symbol]
	if pos == nil {
		if reduceOnly {
			return
		}
		p.positions[symbol] = &types.Position{
			Symbol:     symbol,
			Venue:      p.venue,
			Side:       side,
			Qty:        qty,
			EntryPrice: price,
			MarkPrice:  price,
			Timestamp:  time.Now().UTC(),
		}
		return
	}

	if pos.Side == side {
		// Same direction: weighted average in.
		total := pos.Qty.Add(qty)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Qty).Add(price.Mul(qty)).Div(total)
		pos.Qty = total
		pos.MarkPrice = price
		return
	}

	// Opposite direction: reduce, possibly flip.
	switch {
	case qty.LessThan(pos.Qty):
		pos.Qty = pos.Qty.Sub(qty)
		pos.MarkPrice = price
	case qty.Equal(pos.Qty):
		delete(p.positions, symbol)
	default:
		if reduceOnly {
			delete(p.positions, symbol)
			return
		}
		p.positions[symbol] = &types.Position{
			Symbol:     symbol,
			Venue:      p.venue,
			Side:       side,
			Qty:        qty.Sub(pos.Qty),
			EntryPrice: price,
			MarkPrice:  price,
			Timestamp:  time.Now().UTC(),
		}
	}
}

func (p *Paper) crossPrice(symbol string, side types.Side) decimal.Decimal {
	book := p.books[symbol]
	if book == nil {
		return decimal.Zero
	}
	if side == types.SideBuy {
		return book.Ask.Price
	}
	return book.Bid.Price
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	if !order.Status.IsTerminal() {
		order.Status = types.OrderStatusCancelled
		order.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (p *Paper) CancelAllOrders(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, order := range p.orders {
		if order.Symbol == symbol && !order.Status.IsTerminal() {
			order.Status = types.OrderStatusCancelled
			order.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (p *Paper) GetOrder(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *order
	return &cp, nil
}

func (p *Paper) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (p *Paper) ListPositions(ctx context.Context) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *Paper) GetAvailableBalance(ctx context.Context) (types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *Paper) GetFundingRate(ctx context.Context, symbol string) (*types.FundingRate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rate, ok := p.funding[symbol]
	if !ok {
		return nil, fmt.Errorf("no funding for %s", symbol)
	}
	cp := *rate
	return &cp, nil
}

func (p *Paper) GetOrderbookL1(ctx context.Context, symbol string) (*types.L1Book, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	book, ok := p.books[symbol]
	if !ok {
		return nil, fmt.Errorf("no book for %s", symbol)
	}
	cp := *book
	cp.UpdatedAt = time.Now().UTC()
	return &cp, nil
}

func (p *Paper) GetOrderbookDepth(ctx context.Context, symbol string, levels int) (*types.DepthSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.depth[symbol]
	if !ok {
		return nil, fmt.Errorf("no depth for %s", symbol)
	}
	cp := *d
	cp.UpdatedAt = time.Now().UTC()
	return &cp, nil
}

func (p *Paper) GetMarketInfo(ctx context.Context, symbol string) (*types.MarketInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.info[symbol]; ok {
		cp := *info
		return &cp, nil
	}
	// Sensible defaults so dry-run works without per-symbol seeding.
	return &types.MarketInfo{
		Symbol:   symbol,
		Venue:    p.venue,
		TickSize: decimal.NewFromFloat(0.01),
		StepSize: decimal.NewFromFloat(0.001),
	}, nil
}

func (p *Paper) ListSymbols(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.books))
	for symbol := range p.books {
		out = append(out, symbol)
	}
	return out, nil
}

func (p *Paper) SubscribeOrders(cb func(types.Order)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orderHandlers = append(p.orderHandlers, cb)
}
