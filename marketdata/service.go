package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/ports"
	"github.com/web3guy0/fundingbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA SERVICE - Cached snapshot consistency layer
// ═══════════════════════════════════════════════════════════════════════════════
//
// The adapters own the wire protocols and their own WebSocket caches; this
// layer merges both venues' views per symbol, tracks staleness, and offers a
// bounded "fresh fetch" that never blocks execution forever: after the retry
// budget it falls back to the latest cached snapshot if young enough.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Service maintains per-symbol price/funding/orderbook caches for both venues
type Service struct {
	cfg     *config.Config
	lighter ports.Exchange
	x10     ports.Exchange

	mu          sync.RWMutex
	symbols     []string
	prices      map[string]types.PriceSnapshot
	funding     map[string]types.FundingSnapshot
	books       map[string]types.OrderbookSnapshot
	marketInfo  map[string]map[types.Venue]types.MarketInfo
	lastRefresh time.Time
	lighterOK   bool
	x10OK       bool
}

// New builds an unstarted service; call Start to begin refreshing.
func New(cfg *config.Config, lighter, x10 ports.Exchange) *Service {
	return &Service{
		cfg:        cfg,
		lighter:    lighter,
		x10:        x10,
		prices:     make(map[string]types.PriceSnapshot),
		funding:    make(map[string]types.FundingSnapshot),
		books:      make(map[string]types.OrderbookSnapshot),
		marketInfo: make(map[string]map[types.Venue]types.MarketInfo),
	}
}

// Start discovers the symbol universe, performs one synchronous refresh, and
// launches the periodic refresh loop. Blocks until ctx is cancelled only in
// the loop goroutine.
func (s *Service) Start(ctx context.Context) error {
	if err := s.discoverSymbols(ctx); err != nil {
		return fmt.Errorf("symbol discovery: %w", err)
	}
	s.RefreshAll(ctx)

	go s.refreshLoop(ctx)
	return nil
}

func (s *Service) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshAll(ctx)
		}
	}
}

// discoverSymbols intersects both venues' listings unless a fixed universe
// is configured.
func (s *Service) discoverSymbols(ctx context.Context) error {
	if len(s.cfg.SymbolUniverse) > 0 {
		s.mu.Lock()
		s.symbols = append([]string(nil), s.cfg.SymbolUniverse...)
		s.mu.Unlock()
		log.Info().Strs("symbols", s.cfg.SymbolUniverse).Msg("Using configured symbol universe")
		return nil
	}

	var lighterSyms, x10Syms []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lighterSyms, err = s.lighter.ListSymbols(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		x10Syms, err = s.x10.ListSymbols(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	onX10 := make(map[string]bool, len(x10Syms))
	for _, sym := range x10Syms {
		onX10[normalizeSymbol(sym)] = true
	}
	var common []string
	for _, sym := range lighterSyms {
		if onX10[normalizeSymbol(sym)] {
			common = append(common, normalizeSymbol(sym))
		}
	}

	s.mu.Lock()
	s.symbols = common
	s.mu.Unlock()
	log.Info().Int("count", len(common)).Msg("📡 Discovered common symbols")
	return nil
}

// RefreshAll refreshes every symbol's caches from both venues in parallel.
func (s *Service) RefreshAll(ctx context.Context) {
	s.mu.RLock()
	symbols := append([]string(nil), s.symbols...)
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	var lighterErrs, x10Errs int
	var errMu sync.Mutex

	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			lErr, xErr := s.refreshSymbol(gctx, sym)
			errMu.Lock()
			if lErr != nil {
				lighterErrs++
			}
			if xErr != nil {
				x10Errs++
			}
			errMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.lastRefresh = time.Now().UTC()
	s.lighterOK = lighterErrs < len(symbols) || len(symbols) == 0
	s.x10OK = x10Errs < len(symbols) || len(symbols) == 0
	s.mu.Unlock()

	if lighterErrs > 0 || x10Errs > 0 {
		log.Debug().
			Int("lighter_errors", lighterErrs).
			Int("x10_errors", x10Errs).
			Int("symbols", len(symbols)).
			Msg("Partial market data refresh")
	}
}

func (s *Service) refreshSymbol(ctx context.Context, symbol string) (lighterErr, x10Err error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var lBook, xBook *types.L1Book
	var lRate, xRate *types.FundingRate

	g, gctx := errgroup.WithContext(cctx)
	g.Go(func() error {
		var err error
		lBook, err = s.lighter.GetOrderbookL1(gctx, symbol)
		if err != nil {
			lighterErr = err
		}
		lRate, err = s.lighter.GetFundingRate(gctx, symbol)
		if err != nil {
			lighterErr = err
		}
		return nil
	})
	g.Go(func() error {
		var err error
		xBook, err = s.x10.GetOrderbookL1(gctx, symbol)
		if err != nil {
			x10Err = err
		}
		xRate, err = s.x10.GetFundingRate(gctx, symbol)
		if err != nil {
			x10Err = err
		}
		return nil
	})
	_ = g.Wait()

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	book := s.books[symbol]
	book.Symbol = symbol
	price := s.prices[symbol]
	price.Symbol = symbol
	fund := s.funding[symbol]
	fund.Symbol = symbol

	if lBook != nil && lBook.Bid.Price.IsPositive() && lBook.Ask.Price.IsPositive() {
		book.LighterBid = lBook.Bid.Price
		book.LighterAsk = lBook.Ask.Price
		book.LighterBidQty = lBook.Bid.Qty
		book.LighterAskQty = lBook.Ask.Qty
		book.LighterUpdatedAt = now
		price.LighterPrice = lBook.Mid()
		price.UpdatedAt = now
	}
	if xBook != nil && xBook.Bid.Price.IsPositive() && xBook.Ask.Price.IsPositive() {
		book.X10Bid = xBook.Bid.Price
		book.X10Ask = xBook.Ask.Price
		book.X10BidQty = xBook.Bid.Qty
		book.X10AskQty = xBook.Ask.Qty
		book.X10UpdatedAt = now
		price.X10Price = xBook.Mid()
		price.UpdatedAt = now
	}
	if lRate != nil {
		fund.LighterRate = lRate.Rate
		fund.UpdatedAt = now
	}
	if xRate != nil {
		fund.X10Rate = xRate.Rate
		fund.UpdatedAt = now
	}

	s.books[symbol] = book
	s.prices[symbol] = price
	s.funding[symbol] = fund
	return lighterErr, x10Err
}

// Symbols returns the tradable universe
func (s *Service) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.symbols...)
}

// GetPrice returns the cached merged price snapshot
func (s *Service) GetPrice(symbol string) (types.PriceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	return p, ok
}

// GetFunding returns the cached merged funding snapshot
func (s *Service) GetFunding(symbol string) (types.FundingSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.funding[symbol]
	return f, ok
}

// GetOrderbook returns the cached merged L1 snapshot
func (s *Service) GetOrderbook(symbol string) (types.OrderbookSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ob, ok := s.books[symbol]
	return ob, ok
}

// GetMarketInfo returns (and lazily caches) instrument metadata for a venue
func (s *Service) GetMarketInfo(ctx context.Context, symbol string, venue types.Venue) (*types.MarketInfo, error) {
	s.mu.RLock()
	if byVenue, ok := s.marketInfo[symbol]; ok {
		if info, ok := byVenue[venue]; ok {
			s.mu.RUnlock()
			return &info, nil
		}
	}
	s.mu.RUnlock()

	adapter := s.lighter
	if venue == types.VenueX10 {
		adapter = s.x10
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := adapter.GetMarketInfo(cctx, symbol)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.marketInfo[symbol] == nil {
		s.marketInfo[symbol] = make(map[types.Venue]types.MarketInfo)
	}
	s.marketInfo[symbol][venue] = *info
	s.mu.Unlock()
	return info, nil
}

// GetFreshOrderbook fetches a live L1 snapshot from both venues with a
// bounded retry budget, requiring non-zero depth on both sides. When the
// budget is exhausted it falls back to the cached snapshot if it is younger
// than MaxCacheAge; only then does it fail.
func (s *Service) GetFreshOrderbook(ctx context.Context, symbol string) (types.OrderbookSnapshot, error) {
	retries := s.cfg.FreshRetries
	if retries < 1 {
		retries = 1
	}

	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return types.OrderbookSnapshot{}, ctx.Err()
			case <-time.After(time.Duration(200*(attempt)) * time.Millisecond):
			}
		}

		ob, err := s.fetchLiveOrderbook(ctx, symbol)
		if err != nil {
			log.Debug().Str("symbol", symbol).Int("attempt", attempt+1).Err(err).
				Msg("Fresh orderbook fetch failed")
			continue
		}
		if ob.HasBothSides() {
			s.mu.Lock()
			s.books[symbol] = ob
			s.mu.Unlock()
			return ob, nil
		}
	}

	// Staleness fallback: execution must never stall forever on perfect data.
	s.mu.RLock()
	cached, ok := s.books[symbol]
	s.mu.RUnlock()
	if ok && cached.HasBothSides() {
		age := time.Since(oldest(cached.LighterUpdatedAt, cached.X10UpdatedAt))
		if age <= s.cfg.MaxCacheAge {
			log.Warn().Str("symbol", symbol).Dur("age", age).
				Msg("Using cached orderbook after fresh fetch retries exhausted")
			return cached, nil
		}
	}

	return types.OrderbookSnapshot{}, fmt.Errorf("%w: no usable orderbook for %s", types.ErrStaleData, symbol)
}

func (s *Service) fetchLiveOrderbook(ctx context.Context, symbol string) (types.OrderbookSnapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var lBook, xBook *types.L1Book
	g, gctx := errgroup.WithContext(cctx)
	g.Go(func() error {
		var err error
		lBook, err = s.lighter.GetOrderbookL1(gctx, symbol)
		return err
	})
	g.Go(func() error {
		var err error
		xBook, err = s.x10.GetOrderbookL1(gctx, symbol)
		return err
	})
	if err := g.Wait(); err != nil {
		return types.OrderbookSnapshot{}, err
	}

	now := time.Now().UTC()
	ob := types.OrderbookSnapshot{Symbol: symbol}
	if lBook != nil {
		ob.LighterBid = lBook.Bid.Price
		ob.LighterAsk = lBook.Ask.Price
		ob.LighterBidQty = lBook.Bid.Qty
		ob.LighterAskQty = lBook.Ask.Qty
		ob.LighterUpdatedAt = now
	}
	if xBook != nil {
		ob.X10Bid = xBook.Bid.Price
		ob.X10Ask = xBook.Ask.Price
		ob.X10BidQty = xBook.Bid.Qty
		ob.X10AskQty = xBook.Ask.Qty
		ob.X10UpdatedAt = now
	}
	return ob, nil
}

// GetFreshDepth fetches a live multi-level book for one venue, falling back
// to a single-level snapshot built from cached L1 when depth is unavailable.
func (s *Service) GetFreshDepth(ctx context.Context, symbol string, venue types.Venue) (*types.DepthSnapshot, error) {
	adapter := s.lighter
	if venue == types.VenueX10 {
		adapter = s.x10
	}

	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	depth, err := adapter.GetOrderbookDepth(cctx, symbol, s.cfg.OrderbookLevels)
	if err == nil && len(depth.Bids) > 0 && len(depth.Asks) > 0 {
		return depth, nil
	}

	s.mu.RLock()
	cached, ok := s.books[symbol]
	s.mu.RUnlock()
	if !ok || !cached.HasBothSides() {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no depth for %s on %s", types.ErrStaleData, symbol, venue)
	}

	// L1 fallback
	ds := &types.DepthSnapshot{Symbol: symbol, Venue: venue, UpdatedAt: time.Now().UTC()}
	if venue == types.VenueLighter {
		ds.Bids = []types.BookLevel{{Price: cached.LighterBid, Qty: cached.LighterBidQty}}
		ds.Asks = []types.BookLevel{{Price: cached.LighterAsk, Qty: cached.LighterAskQty}}
	} else {
		ds.Bids = []types.BookLevel{{Price: cached.X10Bid, Qty: cached.X10BidQty}}
		ds.Asks = []types.BookLevel{{Price: cached.X10Ask, Qty: cached.X10AskQty}}
	}
	return ds, nil
}

// IsHealthy reports whether a refresh landed within a bounded multiple of
// the refresh interval and at least one venue's feed is serving data.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRefresh.IsZero() {
		return false
	}
	bound := s.cfg.RefreshInterval * time.Duration(s.cfg.HealthMultiplier)
	if time.Since(s.lastRefresh) > bound {
		return false
	}
	return s.lighterOK || s.x10OK
}

func normalizeSymbol(sym string) string {
	// X10 lists markets with a -USD suffix; the canonical form drops it.
	const suffix = "-USD"
	if len(sym) > len(suffix) && sym[len(sym)-len(suffix):] == suffix {
		return sym[:len(sym)-len(suffix)]
	}
	return sym
}

func oldest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
