package coordinator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/queue"
)

type stubAgent struct {
	id       string
	canTrade bool
}

func (a *stubAgent) ID() string        { return a.id }
func (a *stubAgent) CanTrade() bool    { return a.canTrade }
func (a *stubAgent) HandleEvent(ctx context.Context, ev events.DomainEvent) ([]domain.OrderIntent, error) {
	return []domain.OrderIntent{{ID: "intent-" + a.id, AgentID: a.id}}, nil
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	logger := zap.NewNop()
	router := events.NewRouter(logger)
	q := queue.New(logger, queue.DefaultConfig())
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.StaleAfter = 50 * time.Millisecond
	return New(logger, cfg, router, q)
}

func TestRegisterAgentCreatesHandleAndSnapshot(t *testing.T) {
	c := newTestCoordinator(t)
	agent := &stubAgent{id: "agent-1", canTrade: true}
	if err := c.RegisterAgent("agent-1", "Agent One", "crypto", agent, events.KindQuoteUpdate); err != nil {
		t.Fatalf("register: %v", err)
	}

	state := c.State()
	snap, ok := state.Agents["agent-1"]
	if !ok {
		t.Fatalf("expected agent-1 snapshot present")
	}
	if snap.Status != domain.AgentStatusInitializing {
		t.Fatalf("expected initializing status, got %s", snap.Status)
	}

	ch, ok := c.Commands("agent-1")
	if !ok || ch == nil {
		t.Fatalf("expected command channel for agent-1")
	}
}

func TestProcessEventEnqueuesReturnedIntents(t *testing.T) {
	c := newTestCoordinator(t)
	agent := &stubAgent{id: "agent-1", canTrade: true}
	if err := c.RegisterAgent("agent-1", "Agent One", "crypto", agent, events.KindQuoteUpdate); err != nil {
		t.Fatalf("register: %v", err)
	}

	n := c.ProcessEvent(context.Background(), events.KindQuoteUpdate, nil)
	if n != 1 {
		t.Fatalf("expected 1 intent enqueued, got %d", n)
	}

	batch := c.ProcessQueue(10)
	if len(batch) != 1 || batch[0].ID != "intent-agent-1" {
		t.Fatalf("expected dequeued intent from agent-1, got %+v", batch)
	}

	m := c.Metrics()
	if m.IntentsEnqueued != 1 {
		t.Fatalf("expected 1 enqueued metric, got %d", m.IntentsEnqueued)
	}
}

func TestSendToUnknownAgentErrors(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.Send("nope", CommandPause); err == nil {
		t.Fatalf("expected error sending to unregistered agent")
	}
}

func TestReportStateAppliesThroughRunLoop(t *testing.T) {
	c := newTestCoordinator(t)
	agent := &stubAgent{id: "agent-1", canTrade: true}
	_ = c.RegisterAgent("agent-1", "Agent One", "crypto", agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	c.ReportState(domain.AgentSnapshot{AgentID: "agent-1", Status: domain.AgentStatusRunning})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		state := c.State()
		if state.Agents["agent-1"].Status == domain.AgentStatusRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected agent-1 status to become running after report drain")
}

func TestMarkStaleAgentsMarksErrorAfterTimeout(t *testing.T) {
	c := newTestCoordinator(t)
	agent := &stubAgent{id: "agent-1", canTrade: true}
	_ = c.RegisterAgent("agent-1", "Agent One", "crypto", agent)
	c.ReportState(domain.AgentSnapshot{AgentID: "agent-1", Status: domain.AgentStatusRunning})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		state := c.State()
		if state.Agents["agent-1"].Status == domain.AgentStatusError {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected agent-1 to be marked stale/error after StaleAfter elapses")
}

func TestRunningAgentIDsExcludesPaused(t *testing.T) {
	c := newTestCoordinator(t)
	_ = c.RegisterAgent("a", "A", "crypto", &stubAgent{id: "a"})
	_ = c.RegisterAgent("b", "B", "crypto", &stubAgent{id: "b"})

	c.mu.Lock()
	c.state.Agents["a"] = domain.AgentSnapshot{AgentID: "a", Status: domain.AgentStatusRunning}
	c.state.Agents["b"] = domain.AgentSnapshot{AgentID: "b", Status: domain.AgentStatusPaused}
	c.mu.Unlock()

	running := c.RunningAgentIDs()
	if _, ok := running["a"]; !ok {
		t.Fatalf("expected a to be running")
	}
	if _, ok := running["b"]; ok {
		t.Fatalf("expected b (paused) to be excluded")
	}
}
