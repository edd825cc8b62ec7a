package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
)

func TestOpenThenCloseRestoresExposure(t *testing.T) {
	agg := New(zap.NewNop())
	key := Key{AgentID: "a1", MarketSlug: "mkt", TokenID: "tok", Side: domain.SideUp}

	before := agg.Aggregate(nil)["overall"].Exposure

	agg.OpenPosition("crypto", domain.Position{
		AgentID: "a1", MarketSlug: "mkt", TokenID: "tok", Side: domain.SideUp,
		Shares: decimal.NewFromInt(10), AvgPrice: decimal.NewFromFloat(0.5), OpenedAt: time.Now(),
	})
	mid := agg.Aggregate(nil)["overall"].Exposure
	if mid.Equal(before) {
		t.Fatal("expected exposure to increase after open")
	}

	if !agg.ClosePosition(key, decimal.NewFromInt(10), time.Now()) {
		t.Fatal("expected close to succeed")
	}
	agg.CleanupExpired()
	after := agg.Aggregate(nil)["overall"].Exposure
	if !after.Equal(before) {
		t.Fatalf("expected exposure restored to %s, got %s", before, after)
	}
}

func TestAggregateFallsBackToEntryPrice(t *testing.T) {
	agg := New(zap.NewNop())
	agg.OpenPosition("crypto", domain.Position{
		AgentID: "a1", MarketSlug: "mkt", TokenID: "tok", Side: domain.SideUp,
		Shares: decimal.NewFromInt(4), AvgPrice: decimal.NewFromFloat(0.25), OpenedAt: time.Now(),
	})
	totals := agg.Aggregate(func(string) (decimal.Decimal, bool) { return decimal.Zero, false })
	want := decimal.NewFromInt(1) // 4 * 0.25
	if !totals["overall"].Exposure.Equal(want) {
		t.Fatalf("expected %s, got %s", want, totals["overall"].Exposure)
	}
}

func TestWeightedAverageEntryOnAdd(t *testing.T) {
	agg := New(zap.NewNop())
	agg.OpenPosition("crypto", domain.Position{
		AgentID: "a1", MarketSlug: "mkt", TokenID: "tok", Side: domain.SideUp,
		Shares: decimal.NewFromInt(10), AvgPrice: decimal.NewFromFloat(0.40), OpenedAt: time.Now(),
	})
	agg.OpenPosition("crypto", domain.Position{
		AgentID: "a1", MarketSlug: "mkt", TokenID: "tok", Side: domain.SideUp,
		Shares: decimal.NewFromInt(10), AvgPrice: decimal.NewFromFloat(0.60), OpenedAt: time.Now(),
	})
	positions := agg.Positions("a1")
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	want := decimal.NewFromFloat(0.50)
	if !positions[0].AvgPrice.Equal(want) {
		t.Fatalf("expected weighted avg %s, got %s", want, positions[0].AvgPrice)
	}
}
