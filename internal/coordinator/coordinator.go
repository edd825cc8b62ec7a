// Package coordinator owns GlobalState and runs the single-writer
// control loop that every agent's commands and reports flow through.
// Adapted from the teacher's internal/orchestrator/orchestrator.go
// struct shape (component handles behind a sync.RWMutex, a
// Default*Config constructor, stopCh chan struct{}, a metrics struct)
// and internal/autonomous/agent.go's per-agent command channel
// pattern, replaced with the single CoordinatorCommand enum from
// original_source/src/agents/openclaw/agent.rs's command select loop
// and platform/platform.rs's register_agent/process_event/
// process_queue/run_loop method set.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/ployerr"
	"github.com/atlas-desktop/trading-backend/internal/queue"
)

// Command is the coordinator-to-agent control vocabulary.
type Command string

const (
	CommandPause      Command = "pause"
	CommandResume     Command = "resume"
	CommandShutdown   Command = "shutdown"
	CommandForceClose Command = "force_close"
	CommandHealthCheck Command = "health_check"
)

// AgentHandle is what the coordinator holds per registered agent: a
// command channel the agent's own goroutine selects on, plus the
// events.Agent contract used for dispatch.
type AgentHandle struct {
	Agent   events.Agent
	Domain  string
	Name    string
	Commands chan Command
}

// Config tunes the coordinator's report-drain and health-check cadence.
type Config struct {
	ReportBufferSize   int
	HealthCheckInterval time.Duration
	StaleAfter          time.Duration
}

// DefaultConfig mirrors the teacher's DefaultOrchestratorConfig shape.
func DefaultConfig() Config {
	return Config{
		ReportBufferSize:    1024,
		HealthCheckInterval: 10 * time.Second,
		StaleAfter:          30 * time.Second,
	}
}

// Metrics tracks coordinator-level counters.
type Metrics struct {
	ReportsDrained   int64
	CommandsIssued   int64
	IntentsEnqueued  int64
	IntentsRejected  int64
}

// Coordinator owns GlobalState. Agent snapshot reports are pushed onto
// the reports channel and applied only by the run loop; RegisterAgent,
// UnregisterAgent and PublishPolicy write state directly under mu, and
// the read methods lock briefly.
type Coordinator struct {
	logger *zap.Logger
	cfg    Config
	router *events.Router
	q      *queue.Queue

	mu            sync.RWMutex
	state         domain.GlobalState
	handles       map[string]*AgentHandle
	policyKeyVers map[string]uint64

	reports chan domain.AgentSnapshot

	metricsMu sync.Mutex
	metrics   Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
	running bool
}

// New builds a coordinator wired to an event router and order queue.
func New(logger *zap.Logger, cfg Config, router *events.Router, q *queue.Queue) *Coordinator {
	return &Coordinator{
		logger:  logger.Named("coordinator"),
		cfg:     cfg,
		router:  router,
		q:       q,
		state:         domain.GlobalState{Agents: make(map[string]domain.AgentSnapshot), UpdatedAt: time.Now()},
		handles:       make(map[string]*AgentHandle),
		policyKeyVers: make(map[string]uint64),
		reports:       make(chan domain.AgentSnapshot, cfg.ReportBufferSize),
		stopCh:        make(chan struct{}),
	}
}

// RegisterAgent subscribes an agent to the router and creates its
// command channel, matching the teacher's register_agent method.
func (c *Coordinator) RegisterAgent(agentID, name, domainTag string, agent events.Agent, kinds ...events.DomainEventKind) error {
	if err := c.router.Subscribe(agent, kinds...); err != nil {
		return fmt.Errorf("coordinator: register agent %s: %w", agentID, err)
	}

	c.mu.Lock()
	c.handles[agentID] = &AgentHandle{Agent: agent, Domain: domainTag, Name: name, Commands: make(chan Command, 8)}
	c.state.Agents[agentID] = domain.AgentSnapshot{
		AgentID: agentID, Name: name, Domain: domainTag,
		Status: domain.AgentStatusInitializing, LastHeartbeat: time.Now(),
	}
	c.mu.Unlock()

	c.logger.Info("agent registered", zap.String("agent_id", agentID), zap.String("domain", domainTag))
	return nil
}

// UnregisterAgent removes an agent from the router and coordinator.
func (c *Coordinator) UnregisterAgent(agentID string) {
	c.router.Unsubscribe(agentID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[agentID]; ok {
		close(h.Commands)
		delete(c.handles, agentID)
	}
	delete(c.state.Agents, agentID)
}

// Start launches the coordinator's run loop (drains reports, issues
// periodic health checks).
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runLoop(ctx)

	c.logger.Info("coordinator started")
	return nil
}

// Stop signals the run loop to exit and waits for it to drain.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) runLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case report := <-c.reports:
			c.applyReport(report)
		case <-ticker.C:
			c.issueHealthChecks()
			c.markStaleAgents()
		}
	}
}

// ReportState is the channel agents report their snapshot through,
// matching the teacher's report_state/ctx.report_state call pattern. Besides
// this path (applied by the run loop) and the run loop's own health-check
// bookkeeping, only RegisterAgent and UnregisterAgent change
// GlobalState.Agents.
func (c *Coordinator) ReportState(snapshot domain.AgentSnapshot) {
	snapshot.LastHeartbeat = time.Now()
	select {
	case c.reports <- snapshot:
	default:
		c.logger.Warn("report channel full, dropping snapshot", zap.String("agent_id", snapshot.AgentID))
	}
}

func (c *Coordinator) applyReport(snapshot domain.AgentSnapshot) {
	c.mu.Lock()
	c.state.Agents[snapshot.AgentID] = snapshot
	c.state.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.metricsMu.Lock()
	c.metrics.ReportsDrained++
	c.metricsMu.Unlock()
}

func (c *Coordinator) issueHealthChecks() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.handles))
	for id := range c.handles {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		c.Send(id, CommandHealthCheck)
	}
}

func (c *Coordinator) markStaleAgents() {
	cutoff := time.Now().Add(-c.cfg.StaleAfter)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, snap := range c.state.Agents {
		if snap.LastHeartbeat.Before(cutoff) && snap.Status != domain.AgentStatusStopped {
			snap.Status = domain.AgentStatusError
			msg := "no heartbeat received within stale window"
			snap.ErrorMessage = &msg
			c.state.Agents[id] = snap
		}
	}
}

// Send issues a command to one agent's command channel.
func (c *Coordinator) Send(agentID string, cmd Command) error {
	c.mu.RLock()
	h, ok := c.handles[agentID]
	c.mu.RUnlock()
	if !ok {
		return ployerr.Wrap(ployerr.ErrUnknownAgent, "coordinator: send to %s", agentID)
	}

	select {
	case h.Commands <- cmd:
		c.metricsMu.Lock()
		c.metrics.CommandsIssued++
		c.metricsMu.Unlock()
		return nil
	default:
		return fmt.Errorf("coordinator: command channel full for agent %s", agentID)
	}
}

// Pause, Resume, Shutdown, ForceClose are thin wrappers over Send
// matching the CoordinatorCommand enum from original_source.
func (c *Coordinator) Pause(agentID string) error      { return c.Send(agentID, CommandPause) }
func (c *Coordinator) Resume(agentID string) error     { return c.Send(agentID, CommandResume) }
func (c *Coordinator) Shutdown(agentID string) error   { return c.Send(agentID, CommandShutdown) }
func (c *Coordinator) ForceClose(agentID string) error { return c.Send(agentID, CommandForceClose) }

// PauseAll issues Pause to every registered agent.
func (c *Coordinator) PauseAll() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.handles))
	for id := range c.handles {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	for _, id := range ids {
		_ = c.Send(id, CommandPause)
	}
}

// Commands returns the command channel an agent's own goroutine should
// select on.
func (c *Coordinator) Commands(agentID string) (<-chan Command, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[agentID]
	if !ok {
		return nil, false
	}
	return h.Commands, true
}

// ProcessEvent dispatches an event to all subscribed agents and
// enqueues every returned intent onto the order queue, matching
// platform.rs's process_event.
func (c *Coordinator) ProcessEvent(ctx context.Context, kind events.DomainEventKind, payload any) int {
	intents := c.router.Dispatch(ctx, kind, payload)

	enqueued := 0
	for _, intent := range intents {
		if err := c.q.Enqueue(intent); err != nil {
			c.metricsMu.Lock()
			c.metrics.IntentsRejected++
			c.metricsMu.Unlock()
			c.logger.Warn("intent rejected by queue", zap.String("intent_id", intent.ID), zap.Error(err))
			continue
		}
		enqueued++
	}

	c.metricsMu.Lock()
	c.metrics.IntentsEnqueued += int64(enqueued)
	c.metricsMu.Unlock()

	return enqueued
}

// ProcessQueue dequeues up to n intents for downstream risk-check and
// execution, matching platform.rs's process_queue.
func (c *Coordinator) ProcessQueue(n int) []domain.OrderIntent {
	return c.q.DequeueBatch(n)
}

// PublishPolicy merges update into the existing governance policy rather
// than replacing it outright: the meta-governor and the straddle
// coordinator both publish into the same policy, and a later publisher's update must not clobber metadata
// keys an earlier one owns. Metadata merges key by key, with
// update.Version arbitrating which publish wins a given key -- a stale
// or reordered publish can't stomp a key a newer one already set. The
// scalar risk-gate fields (BlockNewIntents, BlockedDomains, the notional
// caps, UpdatedBy, Reason) only overwrite when this update actually sets
// them, so a publisher that only touches Metadata (the straddle
// coordinator, today) leaves the allocator's risk fields untouched.
func (c *Coordinator) PublishPolicy(update domain.GovernancePolicyUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Policy.Metadata == nil {
		c.state.Policy.Metadata = make(map[string]string)
	}
	for k, v := range update.Metadata {
		if prevVer, owned := c.policyKeyVers[k]; owned && update.Version < prevVer {
			continue
		}
		c.state.Policy.Metadata[k] = v
		c.policyKeyVers[k] = update.Version
	}

	if update.BlockNewIntents {
		c.state.Policy.BlockNewIntents = true
	}
	if len(update.BlockedDomains) > 0 {
		if c.state.Policy.BlockedDomains == nil {
			c.state.Policy.BlockedDomains = make(map[string]struct{})
		}
		for d := range update.BlockedDomains {
			c.state.Policy.BlockedDomains[d] = struct{}{}
		}
	}
	if update.MaxIntentNotionalUSD != nil {
		c.state.Policy.MaxIntentNotionalUSD = update.MaxIntentNotionalUSD
	}
	if update.MaxTotalNotionalUSD != nil {
		c.state.Policy.MaxTotalNotionalUSD = update.MaxTotalNotionalUSD
	}
	if update.UpdatedBy != "" {
		c.state.Policy.UpdatedBy = update.UpdatedBy
	}
	if update.Reason != nil {
		c.state.Policy.Reason = update.Reason
	}
	if update.Version > c.state.Policy.Version {
		c.state.Policy.Version = update.Version
	}
	c.state.UpdatedAt = time.Now()
}

// State returns a snapshot of GlobalState. Policy.Metadata is copied too --
// PublishPolicy mutates the stored map in place on every merge, so a
// shared reference here would race a concurrent publish.
func (c *Coordinator) State() domain.GlobalState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agents := make(map[string]domain.AgentSnapshot, len(c.state.Agents))
	for k, v := range c.state.Agents {
		agents[k] = v
	}

	policy := c.state.Policy
	if policy.Metadata != nil {
		meta := make(map[string]string, len(policy.Metadata))
		for k, v := range policy.Metadata {
			meta[k] = v
		}
		policy.Metadata = meta
	}
	if policy.BlockedDomains != nil {
		domains := make(map[string]struct{}, len(policy.BlockedDomains))
		for d := range policy.BlockedDomains {
			domains[d] = struct{}{}
		}
		policy.BlockedDomains = domains
	}

	return domain.GlobalState{Agents: agents, Policy: policy, UpdatedAt: c.state.UpdatedAt}
}

// Metrics returns a snapshot of the coordinator's counters.
func (c *Coordinator) Metrics() Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

// RunningAgentIDs returns the set of agent ids whose status is Running or
// Observing (paused, stopped, errored and initializing agents are excluded)
// — used by the governor's min-one-running guard.
func (c *Coordinator) RunningAgentIDs() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	running := make(map[string]struct{})
	for id, snap := range c.state.Agents {
		if snap.Status == domain.AgentStatusRunning || snap.Status == domain.AgentStatusObserving {
			running[id] = struct{}{}
		}
	}
	return running
}
