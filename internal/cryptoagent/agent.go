// Package cryptoagent adapts the two-leg cycle engine (internal/cycle) into
// an events.Agent the coordinator can register, subscribe, and command.
// There is no single teacher analogue for this glue; it is grounded on
// internal/events' Agent contract (ID/CanTrade/HandleEvent)
// on one side and original_source/src/agents/openclaw/agent.rs's
// command-select loop (handle Pause/Resume/Shutdown, report_state on a
// ticker) on the other, matching the rest of this module's constructor
// and logging conventions.
package cryptoagent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/coordinator"
	"github.com/atlas-desktop/trading-backend/internal/cycle"
	"github.com/atlas-desktop/trading-backend/internal/domain"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/executor"
	"github.com/atlas-desktop/trading-backend/internal/quotes"
	"github.com/atlas-desktop/trading-backend/internal/straddle"
)

// Agent drives a cycle.Engine from router-dispatched QuoteUpdate events and
// reports its state to a coordinator on the interval passed to Run. It also drives the
// straddle coordinator (spec.md 4.K) alongside the two-leg cycle on the
// same underlying symbol, publishing its governance metadata through the
// same coordinator every time the straddle's state changes.
type Agent struct {
	logger   *zap.Logger
	id       string
	domain   string
	engine   *cycle.Engine
	paused   atomic.Bool
	coord    *coordinator.Coordinator
	commands <-chan coordinator.Command

	straddleMgr     *straddle.Manager
	straddleSymbol  string
	straddleShares  uint64
	quotes          *quotes.Cache
	exec            *executor.Executor
	policyVersion   atomic.Uint64
}

// New builds a crypto-arb agent. Call coordinator.RegisterAgent with the
// returned Agent first (events.Agent needs no command channel), then
// BindCommands with the channel coordinator.Commands(id) hands back, and
// only then start Run -- this avoids a construction-order cycle between
// the coordinator and the agent it owns a handle to.
func New(logger *zap.Logger, id, domainTag string, engine *cycle.Engine, coord *coordinator.Coordinator) *Agent {
	return &Agent{
		logger: logger.Named("cryptoagent").With(zap.String("agent_id", id)),
		id:     id,
		domain: domainTag,
		engine: engine,
		coord:  coord,
	}
}

// WithStraddle attaches the straddle coordinator (component K) to this
// agent, driven off the same underlying symbol as its two-leg cycle. symbol
// is the crypto spot-price symbol tracked in the quote cache (e.g.
// "BTCUSDT"), shares sizes the straddle's leg2 hedge the same way
// cycle.Config.Shares sizes the two-leg cycle's legs.
func (a *Agent) WithStraddle(mgr *straddle.Manager, symbol string, shares uint64, quoteCache *quotes.Cache, exec *executor.Executor) *Agent {
	a.straddleMgr = mgr
	a.straddleSymbol = symbol
	a.straddleShares = shares
	a.quotes = quoteCache
	a.exec = exec
	return a
}

// BindCommands wires the coordinator-issued command channel obtained after
// registration; until it is called, Run receives no commands.
func (a *Agent) BindCommands(commands <-chan coordinator.Command) {
	a.commands = commands
}

// ID satisfies events.Agent.
func (a *Agent) ID() string { return a.id }

// CanTrade satisfies events.Agent: paused agents refuse new dispatch.
func (a *Agent) CanTrade() bool { return !a.paused.Load() }

// HandleEvent satisfies events.Agent. The cycle engine submits leg1/leg2
// directly through the executor and risk gate rather than returning
// intents for the generic queue (spec.md 4.I's submissions are time-
// critical and carry cycle-specific checks the generic risk gate does not
// express), so this always returns a nil intent slice.
func (a *Agent) HandleEvent(ctx context.Context, ev events.DomainEvent) ([]domain.OrderIntent, error) {
	switch ev.Kind {
	case events.KindQuoteUpdate:
		q, ok := ev.Payload.(domain.Quote)
		if !ok {
			return nil, nil
		}
		a.engine.OnQuoteUpdate(ctx, q)
		a.driveStraddle(ctx)
	}
	return nil, nil
}

// driveStraddle keeps the straddle coordinator in step with the cycle
// engine's own round: it registers leg1 once the engine's leg1 fills,
// advances Tick on every quote, and submits/settles leg2 when Tick signals
// EnterLeg2. The straddle runs alongside, not instead of, the two-leg
// cycle on the same underlying -- spec.md 4.K is a distinct strategy that
// shares the agent's market data and execution path.
func (a *Agent) driveStraddle(ctx context.Context) {
	if a.straddleMgr == nil {
		return
	}

	round, roundOK := a.engine.CurrentRound()
	cyc, cycOK := a.engine.CurrentCycle()
	spot, spotOK := a.quotes.LatestSpot(a.straddleSymbol)
	if !spotOK {
		return
	}

	if roundOK && cycOK && a.engine.State() == domain.StateLeg1Filled {
		if _, active := a.straddleMgr.Get(a.straddleSymbol); !active {
			a.straddleMgr.RegisterLeg1(a.straddleSymbol, cyc.Leg1Side, cyc.Leg1Price, spot.Price)
			a.publishStraddlePolicy()
		}
	}

	sig := a.straddleMgr.Tick(a.straddleSymbol, spot.Price)
	if sig == nil {
		return
	}

	switch sig.Kind {
	case "EnterLeg2":
		a.submitStraddleLeg2(ctx, round, *sig)
	case "Expire":
		a.logger.Info("straddle expired without entering leg2", zap.String("symbol", sig.Symbol))
	}
	a.publishStraddlePolicy()
}

// submitStraddleLeg2 submits the straddle's hedge leg as an FOK order
// capped at sig.MaxPrice, matching the cycle engine's own forced-leg2
// price-cap treatment, then records the fill (or the attempt) back into
// the straddle manager.
func (a *Agent) submitStraddleLeg2(ctx context.Context, round domain.Round, sig straddle.Signal) {
	req := domain.OrderRequest{
		ClientOrderID: uuid.NewString(),
		AgentID:       a.id,
		TokenID:       round.TokenID(sig.Side),
		Side:          sig.Side,
		Direction:     domain.DirectionBuy,
		Shares:        a.straddleShares,
		LimitPrice:    sig.MaxPrice,
		TimeInForce:   domain.TimeInForceFOK,
	}

	result, err := a.exec.Execute(ctx, req)
	if err != nil || result.FilledShares == 0 {
		a.logger.Warn("straddle leg2 did not fill", zap.String("symbol", sig.Symbol), zap.Error(err))
		a.straddleMgr.CompleteLeg2(sig.Symbol, sig.MaxPrice)
		return
	}

	leg2Cost := sig.MaxPrice
	if result.AvgFillPrice != nil {
		leg2Cost = *result.AvgFillPrice
	}
	a.straddleMgr.CompleteLeg2(sig.Symbol, leg2Cost)
	a.logger.Info("straddle leg2 filled", zap.String("symbol", sig.Symbol), zap.String("leg2_cost", leg2Cost.String()))
}

// publishStraddlePolicy merges the straddle manager's governance metadata
// into the coordinator's policy, versioned so a stale publish can't
// overwrite a newer one at the same key (coordinator.PublishPolicy's merge
// semantics, spec.md 4.J).
func (a *Agent) publishStraddlePolicy() {
	version := a.policyVersion.Add(1)
	a.coord.PublishPolicy(domain.GovernancePolicyUpdate{
		UpdatedBy: "straddle:" + a.straddleSymbol,
		Metadata:  a.straddleMgr.GovernanceMetadata(),
		Version:   version,
	})
}

// Run selects on the command channel and a heartbeat ticker until ctx is
// done, honoring Pause/Resume/Shutdown and reporting snapshots to the
// coordinator -- the per-agent task loop spec.md 5 describes.
func (a *Agent) Run(ctx context.Context, reportInterval time.Duration) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	a.report(domain.AgentStatusRunning, nil)

	for {
		select {
		case <-ctx.Done():
			a.report(domain.AgentStatusStopped, nil)
			return
		case cmd, ok := <-a.commands:
			if !ok {
				return
			}
			switch cmd {
			case coordinator.CommandPause:
				a.paused.Store(true)
				a.report(domain.AgentStatusPaused, nil)
			case coordinator.CommandResume:
				a.paused.Store(false)
				a.report(domain.AgentStatusRunning, nil)
			case coordinator.CommandShutdown:
				a.report(domain.AgentStatusStopped, nil)
				return
			case coordinator.CommandForceClose:
				a.logger.Warn("force-close requested; cycle engine aborts on its own state machine timers")
			case coordinator.CommandHealthCheck:
				a.report(a.statusFor(), nil)
			}
		case <-ticker.C:
			a.report(a.statusFor(), nil)
		}
	}
}

func (a *Agent) statusFor() domain.AgentStatus {
	if a.paused.Load() {
		return domain.AgentStatusPaused
	}
	return domain.AgentStatusRunning
}

func (a *Agent) report(status domain.AgentStatus, errMsg *string) {
	a.coord.ReportState(domain.AgentSnapshot{
		AgentID:      a.id,
		Name:         a.id,
		Domain:       a.domain,
		Status:       status,
		ErrorMessage: errMsg,
	})
}
