package budget

import "testing"

// TestEnforcer_ScenarioA mirrors the cost-halt scenario: max_cost_usd=1.00,
// 7 calls each costing 0.15. Calls 1-6 allowed, call 7 halted;
// total used = 0.90.
func TestEnforcer_ScenarioA(t *testing.T) {
	e := NewEnforcer(1.00)

	for i := 1; i <= 6; i++ {
		r := e.TryCharge(0.15)
		if !r.Allowed {
			t.Fatalf("call %d: expected allowed", i)
		}
	}

	r := e.TryCharge(0.15)
	if r.Allowed {
		t.Fatal("call 7: expected not allowed")
	}

	if got := e.Used(); got != 0.90 {
		t.Fatalf("expected total_cost_usd=0.90, got %v", got)
	}
	if !e.Halted() {
		t.Fatal("expected enforcer halted")
	}
}

func TestEnforcer_OnceHaltedStaysHalted(t *testing.T) {
	e := NewEnforcer(1.0)
	e.TryCharge(1.5) // exceeds immediately

	for i := 0; i < 5; i++ {
		r := e.TryCharge(0.0001)
		if r.Allowed {
			t.Fatalf("iteration %d: expected permanently not-allowed after first breach", i)
		}
	}
}

func TestEnforcer_Reset(t *testing.T) {
	e := NewEnforcer(1.0)
	e.TryCharge(2.0)
	if !e.Halted() {
		t.Fatal("expected halted")
	}
	e.Reset()
	if e.Halted() || e.Used() != 0 {
		t.Fatal("expected clean state after reset")
	}
}
