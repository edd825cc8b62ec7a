// Package domain holds the value types shared across the coordinator:
// quotes, order intents, rounds/cycles, agent snapshots, positions, and the
// governance policy. These are plain data; behavior lives in the packages
// that operate on them (quotes, cycle, risk, governor, ...).
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the binary-market outcome side for a token.
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
)

// Opposite returns the other side of a binary market.
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

func (s Side) String() string { return string(s) }

// Direction is buy or sell.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// TimeInForce mirrors the exchange's order lifetime semantics.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// Priority orders OrderIntent dispatch; Critical drains before High, etc.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Quote is a per-token rolling snapshot of best bid/ask.
type Quote struct {
	TokenID   string
	BestBid   *decimal.Decimal
	BestAsk   *decimal.Decimal
	BidSize   *decimal.Decimal
	AskSize   *decimal.Decimal
	Timestamp time.Time
}

// Fresh reports whether the quote's timestamp is within maxAge of now.
func (q Quote) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(q.Timestamp) <= maxAge
}

// PriceSample is one (price, timestamp) observation in a SpotPrice history.
type PriceSample struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// OrderIntent is an agent's request to place an order, before risk gating.
type OrderIntent struct {
	ID         string
	AgentID    string
	Domain     string
	MarketSlug string
	TokenID    string
	Side       Side
	Direction  Direction
	Shares     uint64
	LimitPrice decimal.Decimal
	Priority   Priority
	TTL        *time.Duration
	CreatedAt  time.Time
	Metadata   map[string]string
}

// Round is an externally defined trading window on a binary market.
type Round struct {
	ID          *int64
	Slug        string
	UpTokenID   string
	DownTokenID string
	StartsAt    time.Time
	EndsAt      time.Time
	Outcome     *Side
}

// TokenID returns the token id for the given side of this round.
func (r Round) TokenID(side Side) string {
	if side == SideUp {
		return r.UpTokenID
	}
	return r.DownTokenID
}

// HasEnded reports whether wall-clock now is past the round's end.
func (r Round) HasEnded(now time.Time) bool {
	return !now.Before(r.EndsAt)
}

// MinutesElapsed returns whole minutes since the round started.
func (r Round) MinutesElapsed(now time.Time) int64 {
	return int64(now.Sub(r.StartsAt).Minutes())
}

// SecondsRemaining returns whole seconds until the round ends (may be negative).
func (r Round) SecondsRemaining(now time.Time) int64 {
	return int64(r.EndsAt.Sub(now).Seconds())
}

// StrategyState is the two-leg cycle engine's state machine.
type StrategyState string

const (
	StateIdle          StrategyState = "idle"
	StateWatchWindow    StrategyState = "watch_window"
	StateLeg1Pending    StrategyState = "leg1_pending"
	StateLeg1Filled     StrategyState = "leg1_filled"
	StateLeg2Pending    StrategyState = "leg2_pending"
	StateCycleComplete  StrategyState = "cycle_complete"
	StateAbort          StrategyState = "abort"
)

func (s StrategyState) String() string { return string(s) }

// RequiresAbortOnRoundEnd reports whether a round ending mid-state leaves
// exposure that must be unwound rather than quietly discarded.
func (s StrategyState) RequiresAbortOnRoundEnd() bool {
	switch s {
	case StateLeg1Pending, StateLeg1Filled, StateLeg2Pending:
		return true
	default:
		return false
	}
}

// CycleContext is the mutable state of one leg1->leg2 attempt within a Round.
type CycleContext struct {
	CycleID            int64
	Leg1Side           Side
	Leg1Price          decimal.Decimal
	Leg1Shares         uint64
	Leg1OrderID        string
	Leg2OrderID        *string
	ForceLeg2Attempted bool
}

// AgentStatus is the lifecycle status reported in an AgentSnapshot.
type AgentStatus string

const (
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusRunning      AgentStatus = "running"
	AgentStatusPaused       AgentStatus = "paused"
	AgentStatusObserving    AgentStatus = "observing"
	AgentStatusError        AgentStatus = "error"
	AgentStatusStopped      AgentStatus = "stopped"
)

// AgentSnapshot is the latest reported state of one agent.
type AgentSnapshot struct {
	AgentID       string
	Name          string
	Domain        string
	Status        AgentStatus
	PositionCount int
	Exposure      decimal.Decimal
	DailyPnL      decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Metrics       map[string]string
	LastHeartbeat time.Time
	ErrorMessage  *string
}

// GovernancePolicyUpdate is a merge-target metadata snapshot published by
// the meta-governor and consulted (advisory for unknown keys) by the risk
// gate and agents.
type GovernancePolicyUpdate struct {
	BlockNewIntents      bool
	BlockedDomains       map[string]struct{}
	MaxIntentNotionalUSD *decimal.Decimal
	MaxTotalNotionalUSD  *decimal.Decimal
	UpdatedBy            string
	Reason               *string
	Metadata             map[string]string
	Version              uint64
}

// GlobalState aggregates AgentSnapshots and the current governance policy.
type GlobalState struct {
	Agents    map[string]AgentSnapshot
	Policy    GovernancePolicyUpdate
	UpdatedAt time.Time
}

// Position is an open (or recently closed) holding for one
// agent x market x token x side.
type Position struct {
	AgentID    string
	MarketSlug string
	TokenID    string
	Side       Side
	Shares     decimal.Decimal
	AvgPrice   decimal.Decimal
	OpenedAt   time.Time
	ClosedAt   *time.Time
}

// Open reports whether the position still carries exposure.
func (p Position) Open() bool {
	return p.ClosedAt == nil && !p.Shares.IsZero()
}

// MarketRegime is a coarse characterization of recent market behavior.
type MarketRegime string

const (
	RegimeHighVol  MarketRegime = "HighVol"
	RegimeLowVol   MarketRegime = "LowVol"
	RegimeTrending MarketRegime = "Trending"
	RegimeRanging  MarketRegime = "Ranging"
)

func (r MarketRegime) String() string { return string(r) }

// RegimeSnapshot couples the current regime with its supporting signals.
type RegimeSnapshot struct {
	Regime        MarketRegime
	Confidence    float64
	VolShort      *decimal.Decimal
	VolLong       *decimal.Decimal
	VolRatio      *float64
	TrendStrength *float64
	ComputedAt    time.Time
}

// AgentPerformance is a rolling per-agent performance readout.
type AgentPerformance struct {
	AgentID       string
	RollingPnL    decimal.Decimal
	RollingSharpe float64
	WinRate       float64
	MaxDrawdown   decimal.Decimal
	Score         float64
	EvaluatedAt   time.Time
}

// IdempotencyStatus is the terminal/in-flight state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// ExecutionResult is what the order executor returns for a submission.
type ExecutionResult struct {
	OrderID       string
	Status        OrderStatus
	FilledShares  uint64
	AvgFillPrice  *decimal.Decimal
	ElapsedMillis int64
}

// OrderStatus is the exchange-reported lifecycle status of a submitted order.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusExpired   OrderStatus = "expired"
)

// IdempotencyRecord is keyed by a stable fingerprint of an intent.
type IdempotencyRecord struct {
	Key          string
	Status       IdempotencyStatus
	OrderID      *string
	Result       *ExecutionResult
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderRequest is what the executor submits to an ExchangeAdapter.
type OrderRequest struct {
	ClientOrderID string
	AgentID       string
	TokenID       string
	Side          Side
	Direction     Direction
	Shares        uint64
	LimitPrice    decimal.Decimal
	TimeInForce   TimeInForce
}

// MarketDepth is the best bid/ask with resting size, used for slippage checks.
type MarketDepth struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal
}
