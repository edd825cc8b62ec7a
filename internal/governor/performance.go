// Performance clock: a per-agent ring buffer of (timestamp, daily_pnl)
// pruned to a rolling window, producing Sharpe/win-rate/drawdown/composite
// score. Grounded on original_source/src/agents/openclaw/performance.rs.
package governor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
)

// PerformanceConfig weights the composite score and bounds the rolling
// window.
type PerformanceConfig struct {
	Window             time.Duration
	ObservationsPerDay  float64
	SharpeWeight       float64
	WinRateWeight      float64
	DrawdownWeight     float64
	ReallocThreshold   float64
	PauseCooldown      time.Duration
}

// DefaultPerformanceConfig mirrors original_source's default weights
// (0.4/0.3/0.3).
func DefaultPerformanceConfig() PerformanceConfig {
	return PerformanceConfig{
		Window:             24 * time.Hour,
		ObservationsPerDay: 96, // one sample every 15 minutes
		SharpeWeight:       0.4,
		WinRateWeight:      0.3,
		DrawdownWeight:     0.3,
		ReallocThreshold:   0.35,
		PauseCooldown:      30 * time.Minute,
	}
}

type pnlSample struct {
	at  time.Time
	pnl decimal.Decimal
}

// PerformanceTracker maintains rolling pnl samples per agent and computes
// AgentPerformance on demand.
type PerformanceTracker struct {
	logger *zap.Logger
	cfg    PerformanceConfig

	mu      sync.Mutex
	samples map[string][]pnlSample
}

// NewPerformanceTracker builds an empty tracker.
func NewPerformanceTracker(logger *zap.Logger, cfg PerformanceConfig) *PerformanceTracker {
	return &PerformanceTracker{
		logger:  logger.Named("governor.performance"),
		cfg:     cfg,
		samples: make(map[string][]pnlSample),
	}
}

// Observe appends a (timestamp, daily_pnl) sample for an agent, read from
// GlobalState on the performance clock's own tick.
func (t *PerformanceTracker) Observe(agentID string, dailyPnL decimal.Decimal, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := at.Add(-t.cfg.Window)
	samples := append(t.samples[agentID], pnlSample{at: at, pnl: dailyPnL})
	pruned := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			pruned = append(pruned, s)
		}
	}
	t.samples[agentID] = pruned
}

// Score computes the rolling AgentPerformance for one agent.
func (t *PerformanceTracker) Score(agentID string, now time.Time) domain.AgentPerformance {
	t.mu.Lock()
	samples := append([]pnlSample(nil), t.samples[agentID]...)
	t.mu.Unlock()

	perf := domain.AgentPerformance{AgentID: agentID, EvaluatedAt: now}
	if len(samples) == 0 {
		return perf
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].at.Before(samples[j].at) })

	perf.RollingPnL = samples[len(samples)-1].pnl

	deltas := make([]float64, 0, len(samples)-1)
	wins := 0
	for i := 1; i < len(samples); i++ {
		d, _ := samples[i].pnl.Sub(samples[i-1].pnl).Float64()
		deltas = append(deltas, d)
		if d > 0 {
			wins++
		}
	}
	if len(deltas) > 0 {
		perf.WinRate = float64(wins) / float64(len(deltas))
	}

	perf.RollingSharpe = sharpe(deltas, t.cfg.ObservationsPerDay)
	perf.MaxDrawdown = maxDrawdown(samples)

	sharpeNorm := clamp01((perf.RollingSharpe+3)/6) // clamp [-3,+3] -> [0,1]
	ddRatio := 0.0
	if !perf.RollingPnL.IsZero() && perf.RollingPnL.IsPositive() {
		dd, _ := perf.MaxDrawdown.Div(perf.RollingPnL).Float64()
		ddRatio = clamp01(1 - math.Abs(dd))
	}
	perf.Score = clamp01(
		t.cfg.SharpeWeight*sharpeNorm +
			t.cfg.WinRateWeight*perf.WinRate +
			t.cfg.DrawdownWeight*ddRatio,
	)
	return perf
}

func sharpe(deltas []float64, observationsPerDay float64) float64 {
	if len(deltas) < 2 {
		return 0
	}
	var mean float64
	for _, d := range deltas {
		mean += d
	}
	mean /= float64(len(deltas))

	var variance float64
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(deltas) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return (mean / std) * math.Sqrt(observationsPerDay)
}

// maxDrawdown returns the largest peak-to-trough decline in pnl, 0 when the
// agent has never been profitable in-window (avoids an inflated ratio from
// a non-positive denominator).
func maxDrawdown(samples []pnlSample) decimal.Decimal {
	peak := samples[0].pnl
	worst := decimal.Zero
	for _, s := range samples {
		if s.pnl.GreaterThan(peak) {
			peak = s.pnl
		}
		if peak.IsPositive() {
			dd := peak.Sub(s.pnl)
			if dd.GreaterThan(worst) {
				worst = dd
			}
		}
	}
	return worst
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
