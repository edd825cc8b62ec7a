package events

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
)

type fakeAgent struct {
	id       string
	canTrade bool
	handled  []DomainEvent
	intents  []domain.OrderIntent
	err      error
}

func (a *fakeAgent) ID() string       { return a.id }
func (a *fakeAgent) CanTrade() bool   { return a.canTrade }
func (a *fakeAgent) HandleEvent(ctx context.Context, ev DomainEvent) ([]domain.OrderIntent, error) {
	a.handled = append(a.handled, ev)
	return a.intents, a.err
}

func TestDispatchCollectsIntentsFromSubscribedAgents(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a1 := &fakeAgent{id: "a1", canTrade: true, intents: []domain.OrderIntent{{ID: "i1"}}}
	a2 := &fakeAgent{id: "a2", canTrade: true, intents: []domain.OrderIntent{{ID: "i2"}}}
	unrelated := &fakeAgent{id: "a3", canTrade: true}

	if err := r.Subscribe(a1, KindQuoteUpdate); err != nil {
		t.Fatal(err)
	}
	if err := r.Subscribe(a2, KindQuoteUpdate); err != nil {
		t.Fatal(err)
	}
	if err := r.Subscribe(unrelated, KindTick); err != nil {
		t.Fatal(err)
	}

	intents := r.Dispatch(context.Background(), KindQuoteUpdate, domain.Quote{TokenID: "tok"})
	if len(intents) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(intents))
	}
	if len(unrelated.handled) != 0 {
		t.Fatal("unrelated agent should not have been dispatched to")
	}
}

func TestDispatchSkipsAgentsThatCannotTrade(t *testing.T) {
	r := NewRouter(zap.NewNop())
	paused := &fakeAgent{id: "paused", canTrade: false, intents: []domain.OrderIntent{{ID: "should-not-appear"}}}
	if err := r.Subscribe(paused, KindTick); err != nil {
		t.Fatal(err)
	}
	intents := r.Dispatch(context.Background(), KindTick, nil)
	if len(intents) != 0 {
		t.Fatalf("expected no intents from a paused agent, got %d", len(intents))
	}
}

func TestSubscribeDuplicateAgentIDErrors(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a := &fakeAgent{id: "dup", canTrade: true}
	if err := r.Subscribe(a, KindTick); err != nil {
		t.Fatal(err)
	}
	if err := r.Subscribe(a, KindTick); err == nil {
		t.Fatal("expected error re-subscribing the same agent id")
	}
}

func TestDispatchToAgentTargetsOneSubscriber(t *testing.T) {
	r := NewRouter(zap.NewNop())
	target := &fakeAgent{id: "t1", canTrade: true, intents: []domain.OrderIntent{{ID: "report"}}}
	if err := r.Subscribe(target, KindOrderUpdate); err != nil {
		t.Fatal(err)
	}

	intents, err := r.DispatchToAgent(context.Background(), "t1", KindOrderUpdate, domain.ExecutionResult{})
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != 1 || intents[0].ID != "report" {
		t.Fatalf("unexpected intents: %+v", intents)
	}
	if len(target.handled) != 1 {
		t.Fatalf("expected exactly one handled event, got %d", len(target.handled))
	}

	if _, err := r.DispatchToAgent(context.Background(), "missing", KindOrderUpdate, nil); err == nil {
		t.Fatal("expected error for unknown agent id")
	}
}

func TestSnapshotTracksDispatchCounts(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a := &fakeAgent{id: "a", canTrade: true}
	if err := r.Subscribe(a, KindTick); err != nil {
		t.Fatal(err)
	}
	r.Dispatch(context.Background(), KindTick, nil)
	time.Sleep(time.Millisecond)
	stats := r.Snapshot()
	if stats.Dispatched == 0 {
		t.Fatal("expected at least one dispatch recorded")
	}
}
