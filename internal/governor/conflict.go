// Conflict detection: when two agents hold opposing sides of the same
// market, the lower-scoring agent is paused, subject to the same
// min-one-running guard as the allocator. Supplemented from
// original_source/src/agents/openclaw/agent.rs's
// ConflictDetector::detect/resolve calls in the meta-agent's
// performance-tick branch; named but not detailed in spec.md's body.
package governor

import (
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
)

// ConflictDetector scans open positions across agents for opposing sides
// of the same market.
type ConflictDetector struct {
	logger *zap.Logger
}

// NewConflictDetector builds a detector.
func NewConflictDetector(logger *zap.Logger) *ConflictDetector {
	return &ConflictDetector{logger: logger.Named("governor.conflict")}
}

// PositionView is the minimal per-position data the detector needs;
// callers project it from the position aggregator.
type PositionView struct {
	AgentID    string
	MarketSlug string
	Side       domain.Side
}

// Detect finds every pair of agents holding opposite sides of the same
// market.
func (c *ConflictDetector) Detect(positions []PositionView) [][2]PositionView {
	bySide := make(map[string]map[domain.Side][]PositionView)
	for _, p := range positions {
		if bySide[p.MarketSlug] == nil {
			bySide[p.MarketSlug] = make(map[domain.Side][]PositionView)
		}
		bySide[p.MarketSlug][p.Side] = append(bySide[p.MarketSlug][p.Side], p)
	}

	var conflicts [][2]PositionView
	for _, sides := range bySide {
		ups, hasUp := sides[domain.SideUp]
		downs, hasDown := sides[domain.SideDown]
		if !hasUp || !hasDown {
			continue
		}
		for _, u := range ups {
			for _, d := range downs {
				if u.AgentID == d.AgentID {
					continue
				}
				conflicts = append(conflicts, [2]PositionView{u, d})
			}
		}
	}
	return conflicts
}

// Resolve pauses the lower-scoring agent in each conflicting pair,
// respecting the min-one-running guard: it never reduces the running set
// below one.
func (c *ConflictDetector) Resolve(conflicts [][2]PositionView, scores map[string]domain.AgentPerformance, running map[string]struct{}, now time.Time) []Action {
	var actions []Action
	alreadyPaused := make(map[string]struct{})

	for _, pair := range conflicts {
		a, b := pair[0].AgentID, pair[1].AgentID
		if _, done := alreadyPaused[a]; done {
			continue
		}
		if _, done := alreadyPaused[b]; done {
			continue
		}

		loser := a
		if scores[b].Score < scores[a].Score {
			loser = b
		}

		if len(running)-len(alreadyPaused) <= 1 {
			c.logger.Warn("refusing to pause conflicting agent: would leave zero running",
				zap.String("agent_id", loser))
			continue
		}

		alreadyPaused[loser] = struct{}{}
		actions = append(actions, Action{AgentID: loser, Pause: true, Reason: "opposing position conflict with " + otherOf(loser, a, b)})
	}
	return actions
}

func otherOf(loser, a, b string) string {
	if loser == a {
		return b
	}
	return a
}
