package governor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
	"github.com/atlas-desktop/trading-backend/internal/quotes"
)

func TestRegimeFlapSuppression(t *testing.T) {
	logger := zap.NewNop()
	qc := quotes.NewCache(logger, 64)
	cfg := DefaultRegimeConfig()
	cfg.Symbol = "BTC"
	cfg.ConfirmationCount = 3
	cfg.HighVolRatio = 1.2
	det := NewRegimeDetector(logger, cfg, qc)

	if det.Current() != domain.RegimeRanging {
		t.Fatalf("expected initial regime Ranging, got %s", det.Current())
	}

	// Feed alternating vol ratios across ticks without enough consecutive
	// HighVol reads to confirm a transition.
	now := time.Now()
	feed := func(price float64, ts time.Time) { qc.RecordSpot("BTC", decimal.NewFromFloat(price), ts) }

	feed(100, now.Add(-2*time.Hour))
	feed(100, now.Add(-90*time.Minute))
	feed(101, now.Add(-4*time.Minute))
	det.Tick()
	feed(100, now.Add(-2*time.Minute))
	det.Tick()
	feed(101, now.Add(-1*time.Minute))
	det.Tick()

	// Regardless of the raw classification, fewer than ConfirmationCount
	// consecutive identical reads must not have changed the published
	// regime away from the initial Ranging.
	if det.Current() != domain.RegimeRanging && det.History()[len(det.History())-1].Confidence >= 1 {
		t.Fatalf("regime changed before confirmation streak completed: %s", det.Current())
	}
}

func TestMinOneRunningGuardPausesOnlyLowerScored(t *testing.T) {
	logger := zap.NewNop()
	cfg := DefaultPerformanceConfig()
	cfg.ReallocThreshold = 0.5
	alloc := NewAllocator(logger, cfg)

	scores := map[string]domain.AgentPerformance{
		"agent-low":  {AgentID: "agent-low", Score: 0.1},
		"agent-high": {AgentID: "agent-high", Score: 0.3},
	}
	running := map[string]struct{}{"agent-low": {}, "agent-high": {}}

	_, actions := alloc.Decide(domain.RegimeRanging, scores, running, time.Now())

	pausedCount := 0
	for _, act := range actions {
		if act.Pause {
			pausedCount++
			if act.AgentID != "agent-low" {
				t.Fatalf("expected only agent-low to be paused, got %s", act.AgentID)
			}
		}
	}
	if pausedCount != 1 {
		t.Fatalf("expected exactly one pause action, got %d", pausedCount)
	}
}

func TestAllocatorMapsLowVolToArbOnly(t *testing.T) {
	logger := zap.NewNop()
	alloc := NewAllocator(logger, DefaultPerformanceConfig())
	update, _ := alloc.Decide(domain.RegimeLowVol, map[string]domain.AgentPerformance{}, map[string]struct{}{}, time.Now())
	if update.Metadata["governor.regime.entry_mode"] != "arb_only" {
		t.Fatalf("expected LowVol regime to map to arb_only, got %s", update.Metadata["governor.regime.entry_mode"])
	}
}

func TestConflictDetectorFindsOpposingPositions(t *testing.T) {
	det := NewConflictDetector(zap.NewNop())
	positions := []PositionView{
		{AgentID: "a", MarketSlug: "mkt", Side: domain.SideUp},
		{AgentID: "b", MarketSlug: "mkt", Side: domain.SideDown},
		{AgentID: "c", MarketSlug: "other", Side: domain.SideUp},
	}
	conflicts := det.Detect(positions)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}

	scores := map[string]domain.AgentPerformance{
		"a": {AgentID: "a", Score: 0.8},
		"b": {AgentID: "b", Score: 0.2},
	}
	running := map[string]struct{}{"a": {}, "b": {}, "c": {}}
	actions := det.Resolve(conflicts, scores, running, time.Now())
	if len(actions) != 1 || actions[0].AgentID != "b" {
		t.Fatalf("expected to pause lower-scored agent b, got %+v", actions)
	}
}

func TestPerformanceScoreRoundTrip(t *testing.T) {
	tracker := NewPerformanceTracker(zap.NewNop(), DefaultPerformanceConfig())
	now := time.Now()
	for i, pnl := range []float64{0, 10, 5, 20, 30} {
		tracker.Observe("agent-1", decimal.NewFromFloat(pnl), now.Add(time.Duration(i)*time.Minute))
	}
	perf := tracker.Score("agent-1", now.Add(10*time.Minute))
	if perf.Score < 0 || perf.Score > 1 {
		t.Fatalf("expected score in [0,1], got %f", perf.Score)
	}
	if perf.WinRate <= 0 {
		t.Fatalf("expected positive win rate for a mostly-rising pnl series, got %f", perf.WinRate)
	}
}
