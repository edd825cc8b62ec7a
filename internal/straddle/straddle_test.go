package straddle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestTickPromotesLeg1ActiveThenWaitsForTrigger(t *testing.T) {
	m := NewManager(zap.NewNop(), DefaultConfig())
	m.RegisterLeg1("BTC-UP", domain.SideUp, dec(0.40), dec(50000))

	if sig := m.Tick("BTC-UP", dec(50000)); sig != nil {
		t.Fatalf("expected no signal on first tick (Leg1Active->WaitingLeg2Trigger), got %+v", sig)
	}
	s, ok := m.Get("BTC-UP")
	if !ok || s.State != StateWaitingLeg2Trigger {
		t.Fatalf("expected WaitingLeg2Trigger, got %+v", s)
	}

	// Spot unmoved: no trigger yet.
	if sig := m.Tick("BTC-UP", dec(50010)); sig != nil {
		t.Fatalf("expected no EnterLeg2 signal for sub-threshold move, got %+v", sig)
	}
}

func TestTickEntersLeg2OnSufficientMove(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Leg2TriggerMovePct = dec(0.03)
	m := NewManager(zap.NewNop(), cfg)
	m.RegisterLeg1("BTC-UP", domain.SideUp, dec(0.40), dec(50000))
	m.Tick("BTC-UP", dec(50000)) // -> WaitingLeg2Trigger

	sig := m.Tick("BTC-UP", dec(52000)) // +4% move
	if sig == nil || sig.Kind != "EnterLeg2" {
		t.Fatalf("expected EnterLeg2 signal, got %+v", sig)
	}
	if sig.Side != domain.SideDown {
		t.Fatalf("expected leg2 side to be opposite of leg1 (down), got %s", sig.Side)
	}
	wantMax := cfg.MaxCombinedCost.Sub(dec(0.40))
	if !sig.MaxPrice.Equal(wantMax) {
		t.Fatalf("expected max leg2 price %s, got %s", wantMax, sig.MaxPrice)
	}

	s, ok := m.Get("BTC-UP")
	if !ok || s.State != StateLeg2Active {
		t.Fatalf("expected Leg2Active, got %+v", s)
	}
}

func TestTickExpiresOnMaxWaitTimeout(t *testing.T) {
	m := NewManager(zap.NewNop(), DefaultConfig())
	m.RegisterLeg1("BTC-UP", domain.SideUp, dec(0.40), dec(50000))
	m.Tick("BTC-UP", dec(50000)) // -> WaitingLeg2Trigger

	// Backdate registration past Leg2MaxWait to force expiry.
	s := m.straddles["BTC-UP"]
	s.RegisteredAt = time.Now().Add(-3 * time.Minute)

	sig := m.Tick("BTC-UP", dec(50000))
	if sig == nil || sig.Kind != "Expire" {
		t.Fatalf("expected Expire signal on timeout, got %+v", sig)
	}
	if _, ok := m.Get("BTC-UP"); ok {
		t.Fatalf("expected expired straddle to be removed")
	}
}

func TestTickExpiresWhenNoPositiveMarginRemains(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Leg2TriggerMovePct = dec(0.01)
	m := NewManager(zap.NewNop(), cfg)
	// Leg1 cost already at/above MaxCombinedCost: no room for a profitable leg2.
	m.RegisterLeg1("BTC-UP", domain.SideUp, dec(0.97), dec(50000))
	m.Tick("BTC-UP", dec(50000))

	sig := m.Tick("BTC-UP", dec(51000))
	if sig == nil || sig.Kind != "Expire" {
		t.Fatalf("expected Expire when leg1 cost leaves no positive margin, got %+v", sig)
	}
}

func TestCompleteLeg2MarksComplete(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Leg2TriggerMovePct = dec(0.01)
	m := NewManager(zap.NewNop(), cfg)
	m.RegisterLeg1("BTC-UP", domain.SideUp, dec(0.40), dec(50000))
	m.Tick("BTC-UP", dec(50000))
	m.Tick("BTC-UP", dec(51000)) // triggers EnterLeg2

	m.CompleteLeg2("BTC-UP", dec(0.50))
	if _, ok := m.Get("BTC-UP"); ok {
		t.Fatalf("expected completed straddle to be removed from active set")
	}
}

func TestGovernanceMetadataReportsActiveCount(t *testing.T) {
	m := NewManager(zap.NewNop(), DefaultConfig())
	meta := m.GovernanceMetadata()
	if meta["openclaw.straddle.active_count"] != "0" {
		t.Fatalf("expected active_count 0, got %s", meta["openclaw.straddle.active_count"])
	}

	m.RegisterLeg1("BTC-UP", domain.SideUp, dec(0.40), dec(50000))
	meta = m.GovernanceMetadata()
	if meta["openclaw.straddle.active_count"] != "1" {
		t.Fatalf("expected active_count 1, got %s", meta["openclaw.straddle.active_count"])
	}
	if meta["openclaw.straddle.BTC-UP.state"] != string(StateLeg1Active) {
		t.Fatalf("expected leg1_active state in metadata, got %s", meta["openclaw.straddle.BTC-UP.state"])
	}
}

func TestActiveStraddleIsProfitable(t *testing.T) {
	s := ActiveStraddle{Leg1Cost: dec(0.40), Leg2Cost: dec(0.50)}
	if !s.IsProfitable() {
		t.Fatalf("expected combined cost 0.90 to be profitable")
	}
	s.Leg2Cost = dec(0.65)
	if s.IsProfitable() {
		t.Fatalf("expected combined cost 1.05 to be unprofitable")
	}
}
