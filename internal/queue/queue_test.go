package queue

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
)

func mkIntent(id string, p domain.Priority) domain.OrderIntent {
	return domain.OrderIntent{
		ID:         id,
		AgentID:    "agent-1",
		TokenID:    "token-1",
		Side:       domain.SideUp,
		Direction:  domain.DirectionBuy,
		Shares:     10,
		LimitPrice: decimal.NewFromFloat(0.5),
		Priority:   p,
		CreatedAt:  time.Now(),
	}
}

func TestDequeuePriorityOrder(t *testing.T) {
	q := New(zap.NewNop(), Config{Capacity: 10})

	must(t, q.Enqueue(mkIntent("low", domain.PriorityLow)))
	must(t, q.Enqueue(mkIntent("critical", domain.PriorityCritical)))
	must(t, q.Enqueue(mkIntent("normal", domain.PriorityNormal)))
	must(t, q.Enqueue(mkIntent("high", domain.PriorityHigh)))

	out := q.DequeueBatch(4)
	want := []string{"critical", "high", "normal", "low"}
	for i, id := range want {
		if out[i].ID != id {
			t.Fatalf("position %d: got %s want %s", i, out[i].ID, id)
		}
	}
}

func TestEnqueueFailsAtCapacity(t *testing.T) {
	q := New(zap.NewNop(), Config{Capacity: 1})
	must(t, q.Enqueue(mkIntent("a", domain.PriorityNormal)))
	if err := q.Enqueue(mkIntent("b", domain.PriorityNormal)); err == nil {
		t.Fatal("expected QueueFull error")
	}
}

func TestAgingPromotesOlderIntent(t *testing.T) {
	q := New(zap.NewNop(), Config{Capacity: 10, AgeAfter: 1 * time.Millisecond})
	must(t, q.Enqueue(mkIntent("old-normal", domain.PriorityNormal)))
	time.Sleep(3 * time.Millisecond)
	must(t, q.Enqueue(mkIntent("fresh-normal", domain.PriorityNormal)))

	out := q.DequeueBatch(2)
	if out[0].ID != "old-normal" {
		t.Fatalf("expected aged intent to dequeue first, got %s", out[0].ID)
	}
}

func TestCleanupExpiredEvictsPastTTL(t *testing.T) {
	q := New(zap.NewNop(), Config{Capacity: 10})
	ttl := 1 * time.Millisecond
	expiring := mkIntent("expiring", domain.PriorityNormal)
	expiring.TTL = &ttl
	must(t, q.Enqueue(expiring))
	must(t, q.Enqueue(mkIntent("keeper", domain.PriorityNormal)))

	time.Sleep(5 * time.Millisecond)
	dropped := q.CleanupExpired()
	if dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", q.Len())
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
