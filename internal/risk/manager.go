// Package risk implements the pre-trade risk gate and circuit breaker
// described in spec.md 4.C. The struct shape (config + sync.RWMutex +
// per-key exposure maps, a Default*Config constructor) is adapted from the
// teacher's internal/execution/risk_manager.go; the check semantics
// (exposure-vs-round-time, must-force-leg2, consecutive-failure circuit
// breaker, daily-loss trip) are ported from
// original_source/src/strategy/risk.rs.
package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
	"github.com/atlas-desktop/trading-backend/internal/ployerr"
)

// State is the coarse risk posture of the gate.
type State string

const (
	StateNormal   State = "normal"
	StateElevated State = "elevated"
	StateHalted   State = "halted"
)

// CanTrade reports whether new intents are accepted in this state.
func (s State) CanTrade() bool { return s != StateHalted }

// AgentConfig is the per-agent risk policy from spec.md 4.C.
type AgentConfig struct {
	MaxOrderValue        decimal.Decimal
	MaxTotalExposure     decimal.Decimal
	MaxUnhedgedPositions int
	MaxDailyLoss         decimal.Decimal
	AllowOvernight       bool
	AllowedMarkets       map[string]struct{}
}

// GlobalConfig is the circuit-breaker and cycle-level configuration ported
// from original_source's RiskConfig (config.rs).
type GlobalConfig struct {
	MaxSingleExposureUSD  decimal.Decimal
	MinRemainingSeconds   uint64
	MaxConsecutiveFailures uint32
	DailyLossLimitUSD     decimal.Decimal
	Leg2ForceCloseSeconds uint64
	MaxSpreadBps          uint32
}

// DefaultGlobalConfig mirrors original_source/src/config.rs's
// default_config values for the crypto strategy.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		MaxSingleExposureUSD:   decimal.NewFromInt(500),
		MinRemainingSeconds:    30,
		MaxConsecutiveFailures: 3,
		DailyLossLimitUSD:      decimal.NewFromInt(500),
		Leg2ForceCloseSeconds:  20,
		MaxSpreadBps:           150,
	}
}

type dailyStats struct {
	date            time.Time
	totalPnL        decimal.Decimal
	cycleCount      int
	leg2Completions int
}

// Decision is the outcome of a pre-trade check.
type Decision struct {
	Passed    bool
	Blocked   bool
	Reason    string
	Adjusted  bool
	MaxShares uint64
}

// Manager is the risk gate: per-agent policy plus a global circuit breaker.
type Manager struct {
	logger *zap.Logger
	global GlobalConfig

	mu             sync.RWMutex
	agentConfigs   map[string]AgentConfig
	agentExposure  map[string]decimal.Decimal
	agentDailyPnL  map[string]decimal.Decimal
	state          State
	haltReason     string
	daily          dailyStats

	consecutiveFailures atomic.Uint32
}

// NewManager builds a risk gate with the given global circuit-breaker
// configuration.
func NewManager(logger *zap.Logger, global GlobalConfig) *Manager {
	return &Manager{
		logger:        logger.Named("risk"),
		global:        global,
		agentConfigs:  make(map[string]AgentConfig),
		agentExposure: make(map[string]decimal.Decimal),
		agentDailyPnL: make(map[string]decimal.Decimal),
		state:         StateNormal,
	}
}

// RegisterAgent installs (or replaces) the risk policy for an agent.
func (m *Manager) RegisterAgent(agentID string, cfg AgentConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentConfigs[agentID] = cfg
}

// CanTrade reflects the combined global policy.
func (m *Manager) CanTrade() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.CanTrade()
}

// State returns the current risk state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// HaltReason returns the reason for the most recent halt, if any.
func (m *Manager) HaltReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.haltReason
}

// CheckOrder validates an intent against per-agent and global policy.
// policy may be nil; when present, metadata key
// "governor.agent.<id>.max_alloc_pct" scales the agent's MaxOrderValue
// (spec.md 9, second Open Question, resolved "yes").
func (m *Manager) CheckOrder(intent domain.OrderIntent, policy *domain.GovernancePolicyUpdate) Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.state.CanTrade() {
		return Decision{Blocked: true, Reason: fmt.Sprintf("trading halted: %s", m.haltReason)}
	}

	if policy != nil && policy.BlockNewIntents {
		return Decision{Blocked: true, Reason: "governance policy blocks new intents"}
	}
	if policy != nil {
		if _, blocked := policy.BlockedDomains[intent.Domain]; blocked {
			return Decision{Blocked: true, Reason: fmt.Sprintf("domain %s blocked by governance policy", intent.Domain)}
		}
	}

	cfg, ok := m.agentConfigs[intent.AgentID]
	if !ok {
		return Decision{Passed: true}
	}

	if len(cfg.AllowedMarkets) > 0 {
		if _, allowed := cfg.AllowedMarkets[intent.MarketSlug]; !allowed {
			return Decision{Blocked: true, Reason: fmt.Sprintf("market %s not allowed for agent %s", intent.MarketSlug, intent.AgentID)}
		}
	}

	notional := decimal.NewFromInt(int64(intent.Shares)).Mul(intent.LimitPrice)

	maxOrderValue := cfg.MaxOrderValue
	if policy != nil {
		if pct, ok := policy.Metadata["governor.agent."+intent.AgentID+".max_alloc_pct"]; ok {
			if frac, err := decimal.NewFromString(pct); err == nil && frac.IsPositive() {
				maxOrderValue = maxOrderValue.Mul(frac)
			}
		}
	}
	if maxOrderValue.IsPositive() && notional.GreaterThan(maxOrderValue) {
		maxShares := maxOrderValue.Div(intent.LimitPrice).IntPart()
		if maxShares > 0 {
			return Decision{Adjusted: true, MaxShares: uint64(maxShares), Reason: "order value exceeds agent max-order limit"}
		}
		return Decision{Blocked: true, Reason: "order value exceeds agent max-order limit"}
	}

	if cfg.MaxTotalExposure.IsPositive() {
		newExposure := m.agentExposure[intent.AgentID].Add(notional)
		if newExposure.GreaterThan(cfg.MaxTotalExposure) {
			return Decision{Blocked: true, Reason: "agent total exposure would exceed limit"}
		}
	}

	if cfg.MaxDailyLoss.IsPositive() {
		if loss := m.agentDailyPnL[intent.AgentID]; loss.IsNegative() && loss.Abs().GreaterThanOrEqual(cfg.MaxDailyLoss) {
			return Decision{Blocked: true, Reason: "agent daily loss limit reached"}
		}
	}

	return Decision{Passed: true}
}

// CheckLeg1Entry is the crypto cycle-specific pre-trade check ported from
// original_source's check_leg1_entry: exposure ceiling plus minimum time
// remaining in the round.
func (m *Manager) CheckLeg1Entry(shares uint64, price decimal.Decimal, round domain.Round) error {
	if !m.CanTrade() {
		return ployerr.Wrap(ployerr.ErrTradingHalted, "%s", m.HaltReason())
	}

	exposure := decimal.NewFromInt(int64(shares)).Mul(price)
	if exposure.GreaterThan(m.global.MaxSingleExposureUSD) {
		return ployerr.Wrap(ployerr.ErrMaxExposureExceeded, "requested %s exceeds limit %s", exposure, m.global.MaxSingleExposureUSD)
	}

	remaining := round.SecondsRemaining(time.Now())
	if remaining < 0 || uint64(remaining) < m.global.MinRemainingSeconds {
		return ployerr.Wrap(ployerr.ErrInsufficientTime, "remaining=%ds min=%ds", remaining, m.global.MinRemainingSeconds)
	}

	return nil
}

// CheckSpread rejects a dump signal whose spread is wider than the ceiling.
func (m *Manager) CheckSpread(spreadBps, maxSpreadBps uint32) error {
	if spreadBps > maxSpreadBps {
		return ployerr.Wrap(ployerr.ErrSpreadTooWide, "spread=%dbps max=%dbps", spreadBps, maxSpreadBps)
	}
	return nil
}

// MustForceLeg2 reports whether round time remaining has dropped to or
// below the forced-hedge threshold.
func (m *Manager) MustForceLeg2(round domain.Round) bool {
	remaining := round.SecondsRemaining(time.Now())
	return remaining >= 0 && uint64(remaining) <= m.global.Leg2ForceCloseSeconds
}

func (m *Manager) ensureDailyResetLocked() {
	today := time.Now().Truncate(24 * time.Hour)
	if !m.daily.date.Equal(today) {
		m.daily = dailyStats{date: today}
	}
}

// RecordSuccess resets the consecutive-failure counter, accrues daily pnl,
// and trips the breaker if the net daily pnl has breached the loss limit.
func (m *Manager) RecordSuccess(pnl decimal.Decimal) {
	m.consecutiveFailures.Store(0)

	m.mu.Lock()
	m.ensureDailyResetLocked()
	m.daily.totalPnL = m.daily.totalPnL.Add(pnl)
	m.daily.cycleCount++
	m.daily.leg2Completions++
	breached := m.daily.totalPnL.LessThanOrEqual(m.global.DailyLossLimitUSD.Neg())
	if m.state == StateElevated {
		m.state = StateNormal
		m.logger.Info("risk state normalized after successful cycle")
	}
	m.mu.Unlock()

	if breached {
		m.TriggerCircuitBreaker("daily loss limit exceeded")
	}
}

// RecordFailure increments the consecutive-failure counter and escalates
// risk state, tripping the breaker once the configured threshold is hit.
func (m *Manager) RecordFailure(reason string) {
	failures := m.consecutiveFailures.Add(1)

	m.mu.Lock()
	m.ensureDailyResetLocked()
	m.daily.cycleCount++
	m.mu.Unlock()

	m.logger.Warn("cycle failed",
		zap.String("reason", reason),
		zap.Uint32("consecutive_failures", failures),
		zap.Uint32("max_consecutive_failures", m.global.MaxConsecutiveFailures))

	switch {
	case failures >= m.global.MaxConsecutiveFailures:
		m.TriggerCircuitBreaker("too many consecutive failures")
	case failures >= m.global.MaxConsecutiveFailures/2:
		m.mu.Lock()
		m.state = StateElevated
		m.mu.Unlock()
		m.logger.Warn("risk state elevated due to failures")
	}
}

// TriggerCircuitBreaker halts trading until a manual reset.
func (m *Manager) TriggerCircuitBreaker(reason string) {
	m.logger.Error("circuit breaker triggered", zap.String("reason", reason))
	m.mu.Lock()
	m.state = StateHalted
	m.haltReason = reason
	m.mu.Unlock()
}

// ResetCircuitBreaker clears the halt and failure counters (manual
// intervention, per spec.md 7's "an external reset is required").
func (m *Manager) ResetCircuitBreaker() {
	m.logger.Info("circuit breaker reset")
	m.consecutiveFailures.Store(0)
	m.mu.Lock()
	m.state = StateNormal
	m.haltReason = ""
	m.mu.Unlock()
}

// ConsecutiveFailures returns the current failure streak.
func (m *Manager) ConsecutiveFailures() uint32 {
	return m.consecutiveFailures.Load()
}

// DailyStats returns (total pnl, cycle count, leg2 completions) for today.
func (m *Manager) DailyStats() (decimal.Decimal, int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.daily.totalPnL, m.daily.cycleCount, m.daily.leg2Completions
}

// RecordAgentExposure updates the tracked exposure for an agent after a
// fill, feeding CheckOrder's running totals. No component in this module
// calls it; the position aggregator does not report into the risk gate.
func (m *Manager) RecordAgentExposure(agentID string, delta decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentExposure[agentID] = m.agentExposure[agentID].Add(delta)
}

// RecordAgentPnL updates the tracked daily pnl for an agent.
func (m *Manager) RecordAgentPnL(agentID string, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentDailyPnL[agentID] = m.agentDailyPnL[agentID].Add(pnl)
}
