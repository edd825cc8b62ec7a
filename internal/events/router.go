// Router implements the event fan-out described in spec.md 4.G. It is a
// fresh contract modeled on the teacher's EventBus (event kind constants,
// per-agent subscriptions, and a Stats counter struct; the teacher's
// event_bus.go itself is not part of this package) but generalizes the teacher's fire-and-forget publish model into a
// request/response fan-out: Dispatch awaits every subscribed agent's
// handler and collects the OrderIntents it returns, and DispatchToAgent
// targets exactly one subscriber -- grounded on original_source's
// platform/platform.rs per-agent command/report channel pattern. Event ids
// switch from the teacher's timestamp-based generateEventID() to
// github.com/google/uuid, removing a hand-rolled scheme the teacher itself
// applied inconsistently between packages.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
)

// DomainEventKind enumerates the coordinator-domain event categories
// fanned out by Router, distinct from the teacher's backtest EventType set.
type DomainEventKind string

const (
	KindQuoteUpdate   DomainEventKind = "QuoteUpdate"
	KindTick          DomainEventKind = "Tick"
	KindOrderUpdate   DomainEventKind = "OrderUpdate"
	KindPositionUpdate DomainEventKind = "PositionUpdate"
	KindSportsEvent   DomainEventKind = "SportsEvent"
)

// DomainEvent is one fanned-out occurrence. Payload carries the kind-specific
// data (a domain.Quote for QuoteUpdate, a domain.ExecutionResult for
// OrderUpdate, etc.); handlers type-assert on Kind.
type DomainEvent struct {
	ID        string
	Kind      DomainEventKind
	Payload   any
	Timestamp time.Time
}

// newDomainEvent stamps an id and timestamp, using uuid rather than the
// teacher's timestamp-string generateEventID.
func newDomainEvent(kind DomainEventKind, payload any) DomainEvent {
	return DomainEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Agent is the router's view of a subscriber: a handler invoked with each
// dispatched event, gated by CanTrade exactly as spec.md 4.G requires.
type Agent interface {
	ID() string
	CanTrade() bool
	HandleEvent(ctx context.Context, ev DomainEvent) ([]domain.OrderIntent, error)
}

type subscription struct {
	agent Agent
	kinds map[DomainEventKind]struct{}
}

func (s *subscription) subscribed(kind DomainEventKind) bool {
	_, ok := s.kinds[kind]
	return ok
}

// Router fans out DomainEvents to subscribed agents concurrently and
// collects the OrderIntents each handler returns.
type Router struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]*subscription

	stats statCounters
}

// Stats mirrors the teacher's EventBusStats shape, repurposed to track
// dispatch counts and handler latency for the domain router.
type Stats struct {
	Dispatched  uint64
	Errors      uint64
	LastLatency time.Duration
}

type statCounters struct {
	mu    sync.Mutex
	stats Stats
}

// NewRouter builds an empty event router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		logger: logger.Named("events"),
		subs:   make(map[string]*subscription),
	}
}

// Subscribe registers an agent against a set of event kinds. Subscribing an
// already-registered agent id is an error, per spec.md 4.G.
func (r *Router) Subscribe(agent Agent, kinds ...DomainEventKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[agent.ID()]; exists {
		return fmt.Errorf("agent %s already subscribed", agent.ID())
	}

	kindSet := make(map[DomainEventKind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}
	r.subs[agent.ID()] = &subscription{agent: agent, kinds: kindSet}
	return nil
}

// Unsubscribe removes an agent's subscription.
func (r *Router) Unsubscribe(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, agentID)
}

// handlerResult pairs one agent's outcome so Dispatch can merge concurrent
// handler calls deterministically.
type handlerResult struct {
	intents []domain.OrderIntent
	err     error
	agentID string
}

// Dispatch publishes kind/payload to every subscribed agent whose CanTrade
// gate allows, concurrently, and collects every returned OrderIntent.
func (r *Router) Dispatch(ctx context.Context, kind DomainEventKind, payload any) []domain.OrderIntent {
	ev := newDomainEvent(kind, payload)

	r.mu.RLock()
	targets := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.subscribed(kind) {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	resultsCh := make(chan handlerResult, len(targets))
	var wg sync.WaitGroup
	for _, sub := range targets {
		if !sub.agent.CanTrade() {
			continue
		}
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			start := time.Now()
			intents, err := sub.agent.HandleEvent(ctx, ev)
			r.recordLatency(time.Since(start), err)
			resultsCh <- handlerResult{intents: intents, err: err, agentID: sub.agent.ID()}
		}(sub)
	}
	wg.Wait()
	close(resultsCh)

	var all []domain.OrderIntent
	for res := range resultsCh {
		if res.err != nil {
			r.logger.Warn("agent event handler failed",
				zap.String("agent_id", res.agentID), zap.String("event_id", ev.ID), zap.Error(res.err))
			continue
		}
		all = append(all, res.intents...)
	}
	return all
}

// DispatchToAgent targets exactly one subscriber, used to deliver execution
// reports back to the originating agent.
func (r *Router) DispatchToAgent(ctx context.Context, agentID string, kind DomainEventKind, payload any) ([]domain.OrderIntent, error) {
	r.mu.RLock()
	sub, ok := r.subs[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %s not subscribed", agentID)
	}

	ev := newDomainEvent(kind, payload)
	start := time.Now()
	intents, err := sub.agent.HandleEvent(ctx, ev)
	r.recordLatency(time.Since(start), err)
	return intents, err
}

func (r *Router) recordLatency(d time.Duration, err error) {
	r.stats.mu.Lock()
	defer r.stats.mu.Unlock()
	r.stats.stats.Dispatched++
	r.stats.stats.LastLatency = d
	if err != nil {
		r.stats.stats.Errors++
	}
}

// Snapshot returns the router's current dispatch counters.
func (r *Router) Snapshot() Stats {
	r.stats.mu.Lock()
	defer r.stats.mu.Unlock()
	return r.stats.stats
}
