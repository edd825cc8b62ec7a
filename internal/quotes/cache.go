// Package quotes implements the per-token quote cache and per-symbol spot
// price history described in spec.md 4.A. It is grounded on the rolling
// buffer pattern in the teacher's internal/data/market_data.go, generalized
// from candle buffering to bid/ask snapshots, and on
// original_source's adapters/binance_ws.rs PriceCache for momentum and
// volatility derived from a bounded newest-first sample deque.
package quotes

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
	"github.com/atlas-desktop/trading-backend/internal/ployerr"
)

// Cache is a multi-reader, single-writer-per-token store of the latest
// quote for each token, plus bounded spot-price histories per symbol.
type Cache struct {
	logger *zap.Logger

	mu     sync.RWMutex
	quotes map[string]domain.Quote

	spotMu  sync.RWMutex
	spot    map[string][]domain.PriceSample
	histCap int
}

// NewCache builds a quote cache with the given per-symbol history cap.
func NewCache(logger *zap.Logger, historyCap int) *Cache {
	if historyCap <= 0 {
		historyCap = 512
	}
	return &Cache{
		logger:  logger.Named("quotes"),
		quotes:  make(map[string]domain.Quote),
		spot:    make(map[string][]domain.PriceSample),
		histCap: historyCap,
	}
}

// Update replaces the stored quote for a token.
func (c *Cache) Update(q domain.Quote) {
	c.mu.Lock()
	c.quotes[q.TokenID] = q
	c.mu.Unlock()
}

// Get returns a copy of the latest quote for a token; no shared mutable
// state escapes the cache.
func (c *Cache) Get(tokenID string) (domain.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[tokenID]
	for _, p := range []**decimal.Decimal{&q.BestBid, &q.BestAsk, &q.BidSize, &q.AskSize} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return q, ok
}

// ValidateFreshness fails with ErrQuoteStale when the token's last update
// is older than maxAge, or ErrQuoteUnavailable when no quote exists yet.
func (c *Cache) ValidateFreshness(tokenID string, maxAge time.Duration) error {
	q, ok := c.Get(tokenID)
	if !ok {
		return ployerr.Wrap(ployerr.ErrQuoteUnavailable, "token %s", tokenID)
	}
	if !q.Fresh(time.Now(), maxAge) {
		return ployerr.Wrap(ployerr.ErrQuoteStale, "token %s last update %s", tokenID, q.Timestamp)
	}
	return nil
}

// RecordSpot appends a new spot price sample for a symbol, pruning the
// history to the configured cap (newest first).
func (c *Cache) RecordSpot(symbol string, price decimal.Decimal, ts time.Time) {
	c.spotMu.Lock()
	defer c.spotMu.Unlock()

	hist := append([]domain.PriceSample{{Price: price, Timestamp: ts}}, c.spot[symbol]...)
	if len(hist) > c.histCap {
		hist = hist[:c.histCap]
	}
	c.spot[symbol] = hist
}

// LatestSpot returns the most recent spot price sample for a symbol.
func (c *Cache) LatestSpot(symbol string) (domain.PriceSample, bool) {
	c.spotMu.RLock()
	defer c.spotMu.RUnlock()
	hist := c.spot[symbol]
	if len(hist) == 0 {
		return domain.PriceSample{}, false
	}
	return hist[0], true
}

// priceAt returns the most recent sample at or before t (history is
// newest-first). Caller must hold spotMu for reading.
func (c *Cache) priceAt(symbol string, t time.Time) (decimal.Decimal, bool) {
	for _, s := range c.spot[symbol] {
		if !s.Timestamp.After(t) {
			return s.Price, true
		}
	}
	return decimal.Zero, false
}

// Momentum returns (current - price_at(now-window)) / price_at(now-window).
func (c *Cache) Momentum(symbol string, window time.Duration) (decimal.Decimal, bool) {
	c.spotMu.RLock()
	defer c.spotMu.RUnlock()

	hist := c.spot[symbol]
	if len(hist) == 0 {
		return decimal.Zero, false
	}
	current := hist[0].Price
	past, ok := c.priceAt(symbol, hist[0].Timestamp.Add(-window))
	if !ok || past.IsZero() {
		return decimal.Zero, false
	}
	return current.Sub(past).Div(past), true
}

// Volatility returns the standard deviation of returns over window,
// annualization left to the caller.
func (c *Cache) Volatility(symbol string, window time.Duration) (decimal.Decimal, bool) {
	c.spotMu.RLock()
	defer c.spotMu.RUnlock()

	hist := c.spot[symbol]
	if len(hist) < 2 {
		return decimal.Zero, false
	}
	cutoff := hist[0].Timestamp.Add(-window)

	var returns []float64
	for i := 0; i+1 < len(hist) && hist[i].Timestamp.After(cutoff); i++ {
		prev := hist[i+1].Price
		if prev.IsZero() {
			continue
		}
		r, _ := hist[i].Price.Sub(prev).Div(prev).Float64()
		returns = append(returns, r)
	}
	if len(returns) < 2 {
		return decimal.Zero, false
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return decimal.NewFromFloat(math.Sqrt(variance)), true
}
