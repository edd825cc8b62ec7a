// Package straddle implements the temporal two-leg straddle coordinator
// for binary-outcome crypto markets described in spec.md 4.K. Directly
// adapted from original_source/src/agents/openclaw/straddle.rs:
// StraddleState, ActiveStraddle.CombinedCost()/IsProfitable(),
// StraddleManager.Tick(currentSpot) transitions, and
// GovernanceMetadata() producing the openclaw.straddle.* key set merged
// into a GovernancePolicyUpdate.
package straddle

import (
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
)

// State is the straddle's lifecycle state.
type State string

const (
	StateLeg1Active         State = "leg1_active"
	StateWaitingLeg2Trigger State = "waiting_leg2_trigger"
	StateLeg2Active         State = "leg2_active"
	StateComplete           State = "complete"
	StateExpired            State = "expired"
)

// Config tunes the straddle's trigger and expiry behavior.
type Config struct {
	Leg2TriggerMovePct decimal.Decimal
	Leg2MaxWait        time.Duration
	MaxCombinedCost    decimal.Decimal
}

// DefaultConfig mirrors original_source's default straddle config. A
// MaxCombinedCost below 1 is what guarantees a positive payout on binary
// resolution.
func DefaultConfig() Config {
	return Config{
		Leg2TriggerMovePct: decimal.NewFromFloat(0.03),
		Leg2MaxWait:        2 * time.Minute,
		MaxCombinedCost:    decimal.NewFromFloat(0.95),
	}
}

// ActiveStraddle is one tracked position.
type ActiveStraddle struct {
	Symbol      string
	Leg1Side    domain.Side
	Leg1Cost    decimal.Decimal
	Leg1Spot    decimal.Decimal
	Leg2Cost    decimal.Decimal
	State       State
	RegisteredAt time.Time
	TriggeredAt  *time.Time
}

// CombinedCost is leg1 + leg2 (zero leg2 if not yet entered).
func (s ActiveStraddle) CombinedCost() decimal.Decimal {
	return s.Leg1Cost.Add(s.Leg2Cost)
}

// IsProfitable reports whether the combined cost stays under 1 (binary
// resolution guarantees a payout of exactly 1 to the winning side).
func (s ActiveStraddle) IsProfitable() bool {
	return s.CombinedCost().LessThan(decimal.NewFromInt(1))
}

// Signal is what Tick returns to tell the caller to act.
type Signal struct {
	Kind        string // "EnterLeg2" | "Expire"
	Symbol      string
	Side        domain.Side
	MaxPrice    decimal.Decimal
}

// Manager tracks active straddles keyed by symbol.
type Manager struct {
	logger *zap.Logger
	cfg    Config

	mu         sync.Mutex
	straddles  map[string]*ActiveStraddle
}

// NewManager builds an empty straddle manager.
func NewManager(logger *zap.Logger, cfg Config) *Manager {
	return &Manager{
		logger:    logger.Named("straddle"),
		cfg:       cfg,
		straddles: make(map[string]*ActiveStraddle),
	}
}

// RegisterLeg1 creates a new straddle in Leg1Active.
func (m *Manager) RegisterLeg1(symbol string, side domain.Side, cost, spot decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.straddles[symbol] = &ActiveStraddle{
		Symbol: symbol, Leg1Side: side, Leg1Cost: cost, Leg1Spot: spot,
		State: StateLeg1Active, RegisteredAt: time.Now(),
	}
}

// Tick advances a symbol's straddle against the current spot price,
// emitting EnterLeg2 when the underlying has moved enough, or Expire on
// timeout or on a non-positive remaining margin.
func (m *Manager) Tick(symbol string, currentSpot decimal.Decimal) *Signal {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.straddles[symbol]
	if !ok {
		return nil
	}

	now := time.Now()

	switch s.State {
	case StateLeg1Active:
		// Leg1Active unconditionally promotes to WaitingLeg2Trigger on the
		// next tick.
		s.State = StateWaitingLeg2Trigger
		return nil

	case StateWaitingLeg2Trigger:
		if now.Sub(s.RegisteredAt) > m.cfg.Leg2MaxWait {
			s.State = StateExpired
			delete(m.straddles, symbol)
			return &Signal{Kind: "Expire", Symbol: symbol}
		}

		if s.Leg1Spot.IsZero() {
			return nil
		}
		move := currentSpot.Sub(s.Leg1Spot).Abs().Div(s.Leg1Spot)
		if move.LessThan(m.cfg.Leg2TriggerMovePct) {
			return nil
		}

		maxLeg2Price := m.cfg.MaxCombinedCost.Sub(s.Leg1Cost)
		if !maxLeg2Price.IsPositive() {
			// No positive margin left: expire rather than guarantee a loss.
			s.State = StateExpired
			delete(m.straddles, symbol)
			return &Signal{Kind: "Expire", Symbol: symbol}
		}

		triggeredAt := now
		s.TriggeredAt = &triggeredAt
		s.State = StateLeg2Active
		return &Signal{Kind: "EnterLeg2", Symbol: symbol, Side: s.Leg1Side.Opposite(), MaxPrice: maxLeg2Price}

	case StateLeg2Active:
		return nil

	default:
		return nil
	}
}

// CompleteLeg2 records the leg2 fill cost and marks the straddle complete.
func (m *Manager) CompleteLeg2(symbol string, leg2Cost decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.straddles[symbol]
	if !ok {
		return
	}
	s.Leg2Cost = leg2Cost
	s.State = StateComplete
	delete(m.straddles, symbol)
}

// Get returns a snapshot of a symbol's active straddle, if any.
func (m *Manager) Get(symbol string) (ActiveStraddle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.straddles[symbol]
	if !ok {
		return ActiveStraddle{}, false
	}
	return *s, true
}

// GovernanceMetadata produces the openclaw.straddle.* key set merged into
// a GovernancePolicyUpdate, describing currently active straddles.
func (m *Manager) GovernanceMetadata() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := map[string]string{
		"openclaw.straddle.active_count": strconv.Itoa(len(m.straddles)),
	}
	for symbol, s := range m.straddles {
		meta["openclaw.straddle."+symbol+".state"] = string(s.State)
		meta["openclaw.straddle."+symbol+".combined_cost"] = s.CombinedCost().String()
	}
	return meta
}
