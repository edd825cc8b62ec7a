// Package position tracks open positions and exposure per agent and in
// aggregate, per spec.md 4.F. New package; the Go shape follows the
// teacher's pkg/types.Portfolio/Position aggregation style (decimal-valued,
// map-keyed, TotalPnL/DailyPnL roll-ups) applied to the spec's richer
// agent x market x token x side key. original_source tracks positions
// inline in platform/position.rs (referenced, not read in full).
package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
)

// Key identifies one position slot.
type Key struct {
	AgentID    string
	MarketSlug string
	TokenID    string
	Side       domain.Side
}

// DomainTotals is the aggregate exposure and position count for one
// domain tag (or the overall total).
type DomainTotals struct {
	Domain        string
	OpenPositions int
	Exposure      decimal.Decimal
}

// Aggregator tracks positions keyed by agent x market x token x side.
type Aggregator struct {
	logger *zap.Logger

	mu        sync.RWMutex
	positions map[Key]*domain.Position
	domains   map[Key]string // remembered domain tag per key, for aggregation
}

// New builds an empty position aggregator.
func New(logger *zap.Logger) *Aggregator {
	return &Aggregator{
		logger:    logger.Named("position"),
		positions: make(map[Key]*domain.Position),
		domains:   make(map[Key]string),
	}
}

// OpenPosition opens a new position or adds to an existing one at the same
// key, recomputing the weighted average entry price.
func (a *Aggregator) OpenPosition(domainTag string, p domain.Position) {
	key := Key{AgentID: p.AgentID, MarketSlug: p.MarketSlug, TokenID: p.TokenID, Side: p.Side}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.domains[key] = domainTag

	existing, ok := a.positions[key]
	if !ok || !existing.Open() {
		opened := p
		opened.ClosedAt = nil
		a.positions[key] = &opened
		return
	}

	totalShares := existing.Shares.Add(p.Shares)
	if totalShares.IsZero() {
		a.positions[key] = &p
		return
	}
	weighted := existing.AvgPrice.Mul(existing.Shares).Add(p.AvgPrice.Mul(p.Shares)).Div(totalShares)
	existing.Shares = totalShares
	existing.AvgPrice = weighted
}

// ClosePosition reduces the open shares at key by shares, closing the
// position entirely (setting ClosedAt) once shares reach zero. Returns
// false if no open position exists at key.
func (a *Aggregator) ClosePosition(key Key, shares decimal.Decimal, at time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.positions[key]
	if !ok || !existing.Open() {
		return false
	}

	remaining := existing.Shares.Sub(shares)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	existing.Shares = remaining
	if remaining.IsZero() {
		closedAt := at
		existing.ClosedAt = &closedAt
	}
	return true
}

// Positions returns a snapshot of every position tracked for an agent.
func (a *Aggregator) Positions(agentID string) []domain.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]domain.Position, 0)
	for k, p := range a.positions {
		if k.AgentID == agentID {
			out = append(out, *p)
		}
	}
	return out
}

// AllOpenPositions returns a snapshot of every open position across every
// agent, for callers that need a system-wide view (the conflict detector's
// opposing-side scan, spec.md 4.J).
func (a *Aggregator) AllOpenPositions() []domain.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]domain.Position, 0, len(a.positions))
	for _, p := range a.positions {
		if p.Open() {
			out = append(out, *p)
		}
	}
	return out
}

// PriceLookup resolves the current price for a token; callers (typically
// the quote cache) supply this. When it returns false the entry price is
// used, per spec.md 4.F.
type PriceLookup func(tokenID string) (decimal.Decimal, bool)

// Aggregate computes open-position totals per domain and overall.
// Exposure is shares x current_price, falling back to entry price when
// no current price is available.
func (a *Aggregator) Aggregate(prices PriceLookup) map[string]DomainTotals {
	a.mu.RLock()
	defer a.mu.RUnlock()

	totals := make(map[string]DomainTotals)
	overall := DomainTotals{Domain: "overall"}

	for key, p := range a.positions {
		if !p.Open() {
			continue
		}
		price := p.AvgPrice
		if prices != nil {
			if cur, ok := prices(p.TokenID); ok {
				price = cur
			}
		}
		exposure := p.Shares.Mul(price)

		domainTag := a.domains[key]
		dt := totals[domainTag]
		dt.Domain = domainTag
		dt.OpenPositions++
		dt.Exposure = dt.Exposure.Add(exposure)
		totals[domainTag] = dt

		overall.OpenPositions++
		overall.Exposure = overall.Exposure.Add(exposure)
	}

	totals["overall"] = overall
	return totals
}

// CleanupExpired prunes positions that have zero shares, whether or not
// they were formally closed.
func (a *Aggregator) CleanupExpired() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	pruned := 0
	for key, p := range a.positions {
		if p.Shares.IsZero() {
			delete(a.positions, key)
			delete(a.domains, key)
			pruned++
		}
	}
	if pruned > 0 {
		a.logger.Debug("cleanup_expired pruned zero-share positions", zap.Int("count", pruned))
	}
	return pruned
}
