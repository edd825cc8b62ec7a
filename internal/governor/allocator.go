// Allocation clock: given the current regime and score table, produces a
// GovernancePolicyUpdate and pause/resume actions. Grounded on
// original_source/src/agents/openclaw/allocator.rs: the regime->policy
// table, the min-one-running pause guard, and pause-cooldown-gated resume.
package governor

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
)

// RegimePolicy is the per-regime entry mode/sizing table entry.
type RegimePolicy struct {
	EntryMode           string
	KellyFraction       decimal.Decimal
	MaxIntentNotionalPct decimal.Decimal
}

// regimePolicyTable is the exact regime->policy table from
// original_source/allocator.rs.
var regimePolicyTable = map[domain.MarketRegime]RegimePolicy{
	domain.RegimeHighVol:  {EntryMode: "vol_straddle", KellyFraction: decimal.NewFromFloat(0.15), MaxIntentNotionalPct: decimal.NewFromFloat(0.50)},
	domain.RegimeLowVol:   {EntryMode: "arb_only", KellyFraction: decimal.NewFromFloat(0.30), MaxIntentNotionalPct: decimal.NewFromFloat(1.00)},
	domain.RegimeTrending: {EntryMode: "directional", KellyFraction: decimal.NewFromFloat(0.25), MaxIntentNotionalPct: decimal.NewFromFloat(1.00)},
	domain.RegimeRanging:  {EntryMode: "arb_only", KellyFraction: decimal.NewFromFloat(0.20), MaxIntentNotionalPct: decimal.NewFromFloat(0.75)},
}

// Action is a pause/resume decision the allocator emits alongside the
// policy update.
type Action struct {
	AgentID string
	Pause   bool
	Reason  string
}

// Allocator produces GovernancePolicyUpdates from the current regime and
// per-agent performance scores, respecting the min-one-running guard and
// the pause cooldown before a resume.
type Allocator struct {
	logger *zap.Logger
	cfg    PerformanceConfig

	mu         sync.Mutex
	pausedAt   map[string]time.Time
	paused     map[string]bool
	policyVer  uint64
}

// NewAllocator builds an allocator.
func NewAllocator(logger *zap.Logger, cfg PerformanceConfig) *Allocator {
	return &Allocator{
		logger:   logger.Named("governor.allocator"),
		cfg:      cfg,
		pausedAt: make(map[string]time.Time),
		paused:   make(map[string]bool),
	}
}

// agentIDs of scores sorted for deterministic iteration (lowest score
// first), so pause decisions are stable across runs.
func sortedAgentIDs(scores map[string]domain.AgentPerformance) []string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return scores[ids[i]].Score < scores[ids[j]].Score })
	return ids
}

// Decide computes the next GovernancePolicyUpdate and pause/resume actions
// given the current regime and per-agent scores. running is the set of
// agent ids currently not paused, used for the min-one-running guard.
func (a *Allocator) Decide(regime domain.MarketRegime, scores map[string]domain.AgentPerformance, running map[string]struct{}, now time.Time) (domain.GovernancePolicyUpdate, []Action) {
	a.mu.Lock()
	defer a.mu.Unlock()

	policy := regimePolicyTable[regime]
	a.policyVer++

	update := domain.GovernancePolicyUpdate{
		UpdatedBy: "meta-governor",
		Metadata: map[string]string{
			"governor.regime.entry_mode": policy.EntryMode,
			"governor.regime.kelly_fraction": policy.KellyFraction.String(),
			"governor.regime.max_intent_notional_pct": policy.MaxIntentNotionalPct.String(),
		},
		Version: a.policyVer,
	}

	activeCount := len(running)
	var actions []Action

	ids := sortedAgentIDs(scores)
	toPause := make(map[string]struct{})

	for _, id := range ids {
		perf := scores[id]
		_, isRunning := running[id]

		if isRunning && perf.Score <= a.cfg.ReallocThreshold {
			// min-one-running guard: never pause the last active agent.
			if activeCount-len(toPause) <= 1 {
				a.logger.Warn("refusing to pause agent: would leave zero running", zap.String("agent_id", id))
				continue
			}
			toPause[id] = struct{}{}
			a.paused[id] = true
			a.pausedAt[id] = now
			actions = append(actions, Action{AgentID: id, Pause: true, Reason: "score below realloc threshold"})
			continue
		}

		if !isRunning && a.paused[id] && perf.Score > a.cfg.ReallocThreshold {
			pausedSince, ok := a.pausedAt[id]
			if ok && now.Sub(pausedSince) >= a.cfg.PauseCooldown {
				a.paused[id] = false
				actions = append(actions, Action{AgentID: id, Pause: false, Reason: "score recovered past cooldown"})
			}
		}

		update.Metadata["governor.agent."+id+".max_alloc_pct"] = policy.MaxIntentNotionalPct.String()
	}

	return update, actions
}
