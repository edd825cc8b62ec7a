// Package cycle implements the two-leg arbitrage cycle engine described in
// spec.md 4.I -- the highest-budget component of the coordinator. It is
// grounded line-for-line on original_source/src/strategy/engine.rs's
// StrategyEngine: an EngineState{strategy_state, current_round,
// current_cycle, version} guarded by a state sync.RWMutex kept separate
// from an execution sync.Mutex that serializes submissions, a
// snapshot-under-lock -> do I/O unlocked -> re-validate version under
// lock -> commit pattern on every hot path, the IOC-leg1/FOK-leg2 TIF
// split, the forced-leg2 no-guaranteed-loss price cap, the
// force_leg2_attempted per-cycle guard, and two abort variants
// (abortCycleNeutral, and abortCycleAndHaltSafely, which also trips the
// circuit breaker); there is no abort that records a failure without halting.
// There is no teacher analogue; the struct shape (logger-first
// constructor, decimal fields, zap logging) follows the conventions the
// rest of this module carries from the teacher.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
	"github.com/atlas-desktop/trading-backend/internal/executor"
	"github.com/atlas-desktop/trading-backend/internal/position"
	"github.com/atlas-desktop/trading-backend/internal/quotes"
	"github.com/atlas-desktop/trading-backend/internal/risk"
)

// Config carries the per-round tunables listed in spec.md 6.
type Config struct {
	AgentID        string
	Shares         uint64
	WindowMin      time.Duration
	MovePct        decimal.Decimal
	FeeBuffer      decimal.Decimal
	SlippageBuffer decimal.Decimal
	ProfitBuffer   decimal.Decimal
	MaxQuoteAge    time.Duration
	MaxSpreadBps   uint32
}

// DefaultConfig mirrors original_source's default StrategyConfig.
func DefaultConfig() Config {
	return Config{
		AgentID:        "crypto-arb-1",
		Shares:         100,
		WindowMin:      3 * time.Minute,
		MovePct:        decimal.NewFromFloat(0.08),
		FeeBuffer:      decimal.NewFromFloat(0.005),
		SlippageBuffer: decimal.NewFromFloat(0.02),
		ProfitBuffer:   decimal.NewFromFloat(0.01),
		MaxQuoteAge:    5 * time.Second,
		MaxSpreadBps:   150,
	}
}

// SumTarget is the effective leg1+leg2 ceiling below which a hedge is
// profitable: 1 - fee_buffer - slippage_buffer - profit_buffer.
func (c Config) SumTarget() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(c.FeeBuffer).Sub(c.SlippageBuffer).Sub(c.ProfitBuffer)
}

// Persister is the engine's best-effort view of the out-of-scope
// persistence store (spec.md 6). Every method except CreateCycle may fail
// silently from the engine's perspective; CreateCycle is required before a
// Leg1 submission per spec.md 6's "except Cycle creation" carve-out.
type Persister interface {
	CreateCycle(ctx context.Context, round domain.Round, cycle domain.CycleContext) error
	SaveCycleState(ctx context.Context, cycleID int64, state domain.StrategyState) error
	SaveHalt(ctx context.Context, reason string) error
}

// NopPersister is a Persister that only ever satisfies the required
// CreateCycle precondition, discarding everything else. Useful for tests
// and for call sites that haven't wired a real store yet.
type NopPersister struct{}

func (NopPersister) CreateCycle(context.Context, domain.Round, domain.CycleContext) error { return nil }
func (NopPersister) SaveCycleState(context.Context, int64, domain.StrategyState) error     { return nil }
func (NopPersister) SaveHalt(context.Context, string) error                                { return nil }

// Signal is a dump detection firing on one side.
type Signal struct {
	Side Side
	Ask  decimal.Decimal
}

type Side = domain.Side

// dumpDetector implements the rolling-window dump detector of spec.md 4.I:
// emits a signal when the best ask on one side drops >= MovePct from the
// window's rolling high; resets on round change; refuses to re-fire the
// same side within one cycle.
type dumpDetector struct {
	mu          sync.Mutex
	window      time.Duration
	movePct     decimal.Decimal
	windowHigh  map[domain.Side]decimal.Decimal
	windowStart map[domain.Side]time.Time
	fired       map[domain.Side]bool
}

func newDumpDetector(window time.Duration, movePct decimal.Decimal) *dumpDetector {
	return &dumpDetector{
		window:      window,
		movePct:     movePct,
		windowHigh:  make(map[domain.Side]decimal.Decimal),
		windowStart: make(map[domain.Side]time.Time),
		fired:       make(map[domain.Side]bool),
	}
}

func (d *dumpDetector) resetForNewRound() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.windowHigh = make(map[domain.Side]decimal.Decimal)
	d.windowStart = make(map[domain.Side]time.Time)
	d.fired = make(map[domain.Side]bool)
}

func (d *dumpDetector) resetForNewCycle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fired = make(map[domain.Side]bool)
}

// observe feeds one best-ask sample and returns a signal when the side
// dumps and hasn't already fired this cycle.
func (d *dumpDetector) observe(side domain.Side, ask decimal.Decimal, now time.Time) *Signal {
	d.mu.Lock()
	defer d.mu.Unlock()

	start, ok := d.windowStart[side]
	if !ok || now.Sub(start) > d.window {
		d.windowStart[side] = now
		d.windowHigh[side] = ask
		return nil
	}
	if ask.GreaterThan(d.windowHigh[side]) {
		d.windowHigh[side] = ask
		return nil
	}
	if d.fired[side] {
		return nil
	}

	high := d.windowHigh[side]
	if high.IsZero() {
		return nil
	}
	drop := high.Sub(ask).Div(high)
	if drop.GreaterThanOrEqual(d.movePct) {
		d.fired[side] = true
		return &Signal{Side: side, Ask: ask}
	}
	return nil
}

// Engine is one per-round instance of the two-leg cycle state machine.
type Engine struct {
	logger    *zap.Logger
	cfg       Config
	riskMgr   *risk.Manager
	quotes    *quotes.Cache
	exec      *executor.Executor
	persist   Persister
	positions *position.Aggregator
	domainTag string
	detector  *dumpDetector

	stateMu sync.RWMutex
	execMu  sync.Mutex

	state          domain.StrategyState
	round          *domain.Round
	cycle          *domain.CycleContext
	version        uint64
	watchWindowEnd time.Time
	nextCycleID    int64
}

// New builds a cycle engine for a single crypto symbol/market pair. positions
// may be nil, in which case the engine simply doesn't report fills to the
// aggregator (used by tests that don't care about exposure tracking).
func New(logger *zap.Logger, cfg Config, riskMgr *risk.Manager, quoteCache *quotes.Cache, exec *executor.Executor, persist Persister, positions *position.Aggregator, domainTag string) *Engine {
	if persist == nil {
		persist = NopPersister{}
	}
	return &Engine{
		logger:    logger.Named("cycle"),
		cfg:       cfg,
		riskMgr:   riskMgr,
		quotes:    quoteCache,
		exec:      exec,
		persist:   persist,
		positions: positions,
		domainTag: domainTag,
		detector:  newDumpDetector(cfg.WindowMin, cfg.MovePct),
		state:     domain.StateIdle,
	}
}

// leg1Key is the position aggregator key for the leg1 side of round --
// every unwind always sells back leg1 exposure, never leg2's.
func (e *Engine) leg1Key(round domain.Round, leg1Side domain.Side) position.Key {
	return position.Key{AgentID: e.cfg.AgentID, MarketSlug: round.Slug, TokenID: round.TokenID(leg1Side), Side: leg1Side}
}

// State returns the current strategy state.
func (e *Engine) State() domain.StrategyState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// CurrentCycle returns a copy of the active cycle context, if any.
func (e *Engine) CurrentCycle() (domain.CycleContext, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.cycle == nil {
		return domain.CycleContext{}, false
	}
	return *e.cycle, true
}

// CurrentRound returns a copy of the active round, if any.
func (e *Engine) CurrentRound() (domain.Round, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.round == nil {
		return domain.Round{}, false
	}
	return *e.round, true
}

// snapshot is an immutable copy of engine state taken under RLock, used to
// drive decisions outside the lock.
type snapshot struct {
	state          domain.StrategyState
	round          *domain.Round
	cycle          *domain.CycleContext
	version        uint64
	watchWindowEnd time.Time
}

func (e *Engine) snapshot() snapshot {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	var cycleCopy *domain.CycleContext
	if e.cycle != nil {
		c := *e.cycle
		cycleCopy = &c
	}
	return snapshot{
		state:          e.state,
		round:          e.round,
		cycle:          cycleCopy,
		version:        e.version,
		watchWindowEnd: e.watchWindowEnd,
	}
}

// commit applies mutate only if the engine's version still matches
// expected, bumping version on success. Returns false on a version
// mismatch, meaning a concurrent modification happened and the caller must
// abort rather than commit a stale decision.
func (e *Engine) commit(expected uint64, mutate func()) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.version != expected {
		return false
	}
	mutate()
	e.version++
	return true
}

// SetRound starts a new Round's watch window, resetting the dump detector
// and clearing any prior cycle. Exactly one Cycle is active per Round.
func (e *Engine) SetRound(ctx context.Context, round domain.Round) {
	e.detector.resetForNewRound()
	now := time.Now()
	e.stateMu.Lock()
	e.round = &round
	e.cycle = nil
	e.state = domain.StateWatchWindow
	e.watchWindowEnd = now.Add(e.cfg.WindowMin)
	e.version++
	e.stateMu.Unlock()
	e.logger.Info("round set", zap.String("slug", round.Slug), zap.Time("ends_at", round.EndsAt))
}

// OnQuoteUpdate is the engine's single entry point for market data. Time-
// based round/window transitions are evaluated before the token-id
// relevance filter is applied -- an explicit ordering invariant carried
// over from original_source's on_quote_update.
func (e *Engine) OnQuoteUpdate(ctx context.Context, q domain.Quote) {
	snap := e.snapshot()
	now := time.Now()

	if snap.round == nil {
		return
	}

	if snap.state == domain.StateWatchWindow && now.After(snap.watchWindowEnd) {
		e.commit(snap.version, func() { e.state = domain.StateIdle })
		return
	}

	if snap.round.HasEnded(now) && snap.state.RequiresAbortOnRoundEnd() {
		e.handleRoundEnd(ctx, snap)
		return
	}

	if snap.state == domain.StateCycleComplete || snap.state == domain.StateAbort {
		e.commit(snap.version, func() {
			e.state = domain.StateIdle
			e.cycle = nil
		})
		return
	}

	// Token-id relevance filter: applied after time-based transitions.
	if q.TokenID != snap.round.UpTokenID && q.TokenID != snap.round.DownTokenID {
		return
	}
	e.quotes.Update(q)

	switch snap.state {
	case domain.StateWatchWindow:
		e.tryEnterLeg1(ctx, snap, q)
	case domain.StateLeg1Filled:
		e.tryEnterLeg2(ctx, snap, q)
	}
}

func (e *Engine) sideOf(round domain.Round, tokenID string) domain.Side {
	if tokenID == round.UpTokenID {
		return domain.SideUp
	}
	return domain.SideDown
}

// tryEnterLeg1 runs the dump detector and, on a qualifying signal,
// submits Leg1.
func (e *Engine) tryEnterLeg1(ctx context.Context, snap snapshot, q domain.Quote) {
	if q.BestAsk == nil {
		return
	}
	side := e.sideOf(*snap.round, q.TokenID)
	sig := e.detector.observe(side, *q.BestAsk, time.Now())
	if sig == nil {
		return
	}

	if spread := spreadBps(q); spread > e.cfg.MaxSpreadBps {
		e.logger.Debug("dump signal rejected: spread too wide",
			zap.String("side", string(side)), zap.Uint32("spread_bps", spread))
		return
	}

	e.enterLeg1(ctx, snap.version, *snap.round, side, *q.BestAsk)
}

func spreadBps(q domain.Quote) uint32 {
	if q.BestBid == nil || q.BestAsk == nil || q.BestBid.IsZero() {
		return 0
	}
	spread := q.BestAsk.Sub(*q.BestBid).Div(*q.BestBid).Mul(decimal.NewFromInt(10000))
	if spread.IsNegative() {
		return 0
	}
	return uint32(spread.IntPart())
}

// enterLeg1 serializes on execMu, submits an IOC buy for cfg.Shares sized
// at the ask with a slippage allowance, then commits the outcome only if
// the state hasn't moved on underneath it.
func (e *Engine) enterLeg1(ctx context.Context, version uint64, round domain.Round, side domain.Side, ask decimal.Decimal) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	if err := e.riskMgr.CheckLeg1Entry(e.cfg.Shares, ask, round); err != nil {
		e.logger.Debug("leg1 entry blocked by risk gate", zap.Error(err))
		return
	}

	cycleID := e.nextCycleIDLocked()
	cyc := domain.CycleContext{CycleID: cycleID, Leg1Side: side}

	ok := e.commit(version, func() {
		e.state = domain.StateLeg1Pending
		e.cycle = &cyc
	})
	if !ok {
		e.logger.Warn("leg1 entry aborted: concurrent state modification detected")
		return
	}
	e.detector.resetForNewCycle()

	if err := e.persist.CreateCycle(ctx, round, cyc); err != nil {
		// Required precondition: without a durable cycle record we refuse
		// to submit, to avoid an order with no corresponding audit row.
		e.logger.Error("cycle persistence required before leg1 submit; aborting", zap.Error(err))
		e.abortCycleNeutral(version + 1)
		return
	}

	limitPrice := ask.Mul(decimal.NewFromInt(1).Add(e.cfg.SlippageBuffer))
	req := domain.OrderRequest{
		ClientOrderID: uuid.NewString(),
		AgentID:       e.cfg.AgentID,
		TokenID:       round.TokenID(side),
		Side:          side,
		Direction:     domain.DirectionBuy,
		Shares:        e.cfg.Shares,
		LimitPrice:    limitPrice,
		TimeInForce:   domain.TimeInForceIOC,
	}

	result, err := e.exec.Execute(ctx, req)
	nextVersion := version + 1

	switch {
	case err != nil:
		e.logger.Error("leg1 submission failed", zap.Error(err))
		e.abortCycleAndHaltSafely(nextVersion, fmt.Sprintf("leg1 submit error: %v", err))
	case result.FilledShares == 0:
		e.logger.Info("leg1 did not fill; neutral abort")
		e.abortCycleNeutral(nextVersion)
	default:
		fillPrice := limitPrice
		if result.AvgFillPrice != nil {
			fillPrice = *result.AvgFillPrice
		}
		committed := e.commit(nextVersion, func() {
			e.cycle.Leg1Price = fillPrice
			e.cycle.Leg1Shares = result.FilledShares
			e.cycle.Leg1OrderID = result.OrderID
			e.state = domain.StateLeg1Filled
		})
		if !committed {
			e.logger.Warn("leg1 fill commit aborted: concurrent state modification detected")
			e.riskMgr.TriggerCircuitBreaker("concurrent state modification on leg1 commit")
			return
		}
		if e.positions != nil {
			e.positions.OpenPosition(e.domainTag, domain.Position{
				AgentID:    e.cfg.AgentID,
				MarketSlug: round.Slug,
				TokenID:    round.TokenID(side),
				Side:       side,
				Shares:     decimal.NewFromInt(int64(result.FilledShares)),
				AvgPrice:   fillPrice,
				OpenedAt:   time.Now(),
			})
		}
		e.logger.Info("leg1 filled", zap.Uint64("shares", result.FilledShares), zap.String("fill_price", fillPrice.String()))
	}
}

func (e *Engine) nextCycleIDLocked() int64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.nextCycleID++
	return e.nextCycleID
}

// tryEnterLeg2 checks the leg2 condition (or forced override) and, when it
// qualifies, submits the hedge.
func (e *Engine) tryEnterLeg2(ctx context.Context, snap snapshot, q domain.Quote) {
	if snap.cycle == nil || snap.round == nil {
		return
	}
	oppositeSide := snap.cycle.Leg1Side.Opposite()
	if q.TokenID != snap.round.TokenID(oppositeSide) {
		return
	}
	if q.BestAsk == nil {
		return
	}

	forced := e.riskMgr.MustForceLeg2(*snap.round)

	if !forced {
		if err := e.quotes.ValidateFreshness(q.TokenID, e.cfg.MaxQuoteAge); err != nil {
			return
		}
		sum := snap.cycle.Leg1Price.Add(*q.BestAsk)
		if sum.GreaterThan(e.cfg.SumTarget()) {
			return
		}
		e.enterLeg2(ctx, snap.version, *snap.round, *snap.cycle, oppositeSide, *q.BestAsk, false)
		return
	}

	// Forced path: quote may be stale or REST-sourced, but the
	// no-guaranteed-loss cap always applies: max_leg2_price <= 1 - leg1_fill.
	if snap.cycle.ForceLeg2Attempted {
		return
	}
	maxLeg2Price := decimal.NewFromInt(1).Sub(snap.cycle.Leg1Price)
	if maxLeg2Price.IsNegative() {
		maxLeg2Price = decimal.Zero
	}
	limitPrice := q.BestAsk.Mul(decimal.NewFromInt(1).Add(e.cfg.SlippageBuffer))
	if limitPrice.GreaterThan(maxLeg2Price) {
		// limitPrice exceeds the cap: submitting would allow
		// leg1_fill + leg2_fill >= 1, a non-positive outcome. The unhedged
		// leg1 exposure is live right now, so abort and unwind immediately
		// rather than waiting for round end.
		e.logger.Warn("forced leg2 refused: price exceeds no-guaranteed-loss cap",
			zap.String("limit_price", limitPrice.String()), zap.String("cap", maxLeg2Price.String()))
		e.unwindLeg1Exposure(ctx, *snap.round, snap.cycle.Leg1Side, snap.cycle.Leg1Shares)
		e.abortCycleAndHaltSafely(snap.version, "forced leg2 refused: price exceeds no-guaranteed-loss cap")
		return
	}

	committed := e.commit(snap.version, func() { e.cycle.ForceLeg2Attempted = true })
	if !committed {
		return
	}
	e.enterLeg2(ctx, snap.version+1, *snap.round, *snap.cycle, oppositeSide, *q.BestAsk, true)
}

// enterLeg2 submits the FOK hedge leg and resolves the cycle to
// CycleComplete or Abort (with unwind) based on the fill outcome.
func (e *Engine) enterLeg2(ctx context.Context, version uint64, round domain.Round, cyc domain.CycleContext, side domain.Side, ask decimal.Decimal, forced bool) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	limitPrice := ask.Mul(decimal.NewFromInt(1).Add(e.cfg.SlippageBuffer))
	if forced {
		cap := decimal.NewFromInt(1).Sub(cyc.Leg1Price)
		if limitPrice.GreaterThan(cap) {
			limitPrice = cap
		}
	}

	ok := e.commit(version, func() { e.state = domain.StateLeg2Pending })
	if !ok {
		e.logger.Warn("leg2 entry aborted: concurrent state modification detected")
		return
	}
	nextVersion := version + 1

	req := domain.OrderRequest{
		ClientOrderID: uuid.NewString(),
		AgentID:       e.cfg.AgentID,
		TokenID:       round.TokenID(side),
		Side:          side,
		Direction:     domain.DirectionBuy,
		Shares:        cyc.Leg1Shares,
		LimitPrice:    limitPrice,
		TimeInForce:   domain.TimeInForceFOK,
	}

	result, err := e.exec.Execute(ctx, req)

	switch {
	case err != nil || result.FilledShares == 0:
		reason := "leg2 did not fill"
		if err != nil {
			reason = fmt.Sprintf("leg2 submit error: %v", err)
		}
		e.logger.Warn(reason)
		e.unwindLeg1Exposure(ctx, round, side.Opposite(), cyc.Leg1Shares)
		e.abortCycleAndHaltSafely(nextVersion, reason)
	case result.FilledShares < cyc.Leg1Shares:
		unhedged := cyc.Leg1Shares - result.FilledShares
		e.logger.Warn("leg2 partially filled", zap.Uint64("unhedged", unhedged))
		e.unwindLeg1Exposure(ctx, round, side.Opposite(), unhedged)
		e.abortCycleAndHaltSafely(nextVersion, "leg2 partial fill")
	default:
		leg2Price := limitPrice
		if result.AvgFillPrice != nil {
			leg2Price = *result.AvgFillPrice
		}
		if cyc.Leg1Price.Add(leg2Price).GreaterThanOrEqual(decimal.NewFromInt(1)) {
			// leg1 + leg2 == 1 (or worse): no profit possible, reject per
			// spec.md 8's boundary behavior even though the fill reported
			// success.
			e.logger.Error("leg2 fill yields no-profit sum; aborting",
				zap.String("leg1", cyc.Leg1Price.String()), zap.String("leg2", leg2Price.String()))
			e.unwindLeg1Exposure(ctx, round, side.Opposite(), cyc.Leg1Shares)
			e.abortCycleAndHaltSafely(nextVersion, "leg1+leg2 sum >= 1")
			return
		}
		committed := e.commit(nextVersion, func() {
			e.cycle.Leg2OrderID = &result.OrderID
			e.state = domain.StateCycleComplete
		})
		if !committed {
			e.logger.Warn("leg2 fill commit aborted: concurrent state modification detected")
			e.riskMgr.TriggerCircuitBreaker("concurrent state modification on leg2 commit")
			return
		}
		if e.positions != nil {
			e.positions.OpenPosition(e.domainTag, domain.Position{
				AgentID:    e.cfg.AgentID,
				MarketSlug: round.Slug,
				TokenID:    round.TokenID(side),
				Side:       side,
				Shares:     decimal.NewFromInt(int64(cyc.Leg1Shares)),
				AvgPrice:   leg2Price,
				OpenedAt:   time.Now(),
			})
		}
		pnl := decimal.NewFromInt(int64(cyc.Leg1Shares)).Mul(decimal.NewFromInt(1).Sub(cyc.Leg1Price.Add(leg2Price)))
		e.riskMgr.RecordSuccess(pnl)
		e.logger.Info("cycle complete", zap.String("pnl", pnl.String()))
	}
}

// handleRoundEnd covers Leg1Filled/Leg2Pending round-end exposure: a
// best-effort unwind, abort, and halt.
func (e *Engine) handleRoundEnd(ctx context.Context, snap snapshot) {
	if snap.cycle == nil || snap.round == nil {
		e.commit(snap.version, func() { e.state = domain.StateIdle; e.cycle = nil })
		return
	}
	e.logger.Warn("round ended mid-cycle; unwinding", zap.String("state", string(snap.state)))
	e.unwindLeg1Exposure(ctx, *snap.round, snap.cycle.Leg1Side, snap.cycle.Leg1Shares)
	e.abortCycleAndHaltSafely(snap.version, "round ended before cycle completed")
}

// unwindLeg1Exposure is a best-effort IOC sell of the unhedged remainder.
func (e *Engine) unwindLeg1Exposure(ctx context.Context, round domain.Round, side domain.Side, shares uint64) {
	if shares == 0 {
		return
	}
	bid, ask, err := e.exec.GetPrices(ctx, round.TokenID(side))
	price := decimal.Zero
	switch {
	case err == nil && bid != nil:
		price = bid.Mul(decimal.NewFromFloat(0.999))
	case err == nil && ask != nil:
		price = ask.Mul(decimal.NewFromFloat(0.999))
	default:
		price = decimal.NewFromFloat(0.01) // best-effort floor so the sell can still rest
	}

	req := domain.OrderRequest{
		ClientOrderID: uuid.NewString(),
		AgentID:       e.cfg.AgentID,
		TokenID:       round.TokenID(side),
		Side:          side,
		Direction:     domain.DirectionSell,
		Shares:        shares,
		LimitPrice:    price,
		TimeInForce:   domain.TimeInForceIOC,
	}
	if _, err := e.exec.Execute(ctx, req); err != nil {
		e.logger.Error("unwind submission failed", zap.Error(err))
		return
	}
	if e.positions != nil {
		e.positions.ClosePosition(e.leg1Key(round, side), decimal.NewFromInt(int64(shares)), time.Now())
	}
}

// abortCycleNeutral transitions to Abort without charging the risk gate --
// used for a clean no_fill, which carries no risk.
func (e *Engine) abortCycleNeutral(version uint64) {
	e.commit(version, func() {
		e.state = domain.StateAbort
	})
}

// abortCycleAndHaltSafely always trips the circuit breaker: used for every
// path that may have left (or may have left) open exposure without a
// valid hedge.
func (e *Engine) abortCycleAndHaltSafely(version uint64, reason string) {
	e.commit(version, func() {
		e.state = domain.StateAbort
	})
	e.riskMgr.RecordFailure(reason)
	e.riskMgr.TriggerCircuitBreaker(reason)
	if err := e.persist.SaveHalt(context.Background(), reason); err != nil {
		e.logger.Warn("failed to persist halt marker", zap.Error(err))
	}
}
