package breaker

import (
	"testing"
	"time"
)

// TestBreaker_ScenarioD mirrors the circuit-recovery scenario: threshold=3,
// recovery_timeout=60s. Three consecutive failures open the circuit;
// after advancing 60s, the next check allows a half-open probe; recording
// success closes the circuit for good.
func TestBreaker_ScenarioD(t *testing.T) {
	b := New(3, 60*time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.RecordFailure("dep-x", now)
	}

	if r := b.Check("dep-x", now); r.Allowed {
		t.Fatal("expected circuit open after 3 consecutive failures")
	}

	later := now.Add(60 * time.Second)
	r := b.Check("dep-x", later)
	if !r.Allowed {
		t.Fatal("expected half-open probe to be allowed after recovery_timeout")
	}
	if b.StateOf("dep-x") != HalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.StateOf("dep-x"))
	}

	b.RecordSuccess("dep-x")
	if b.StateOf("dep-x") != Closed {
		t.Fatalf("expected CLOSED after successful probe, got %s", b.StateOf("dep-x"))
	}

	for i := 0; i < 10; i++ {
		r := b.Check("dep-x", later)
		if !r.Allowed {
			t.Fatalf("check %d: expected allowed in CLOSED state", i)
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 10*time.Second)
	now := time.Now()

	b.RecordFailure("dep", now)
	b.RecordFailure("dep", now)

	probe := now.Add(10 * time.Second)
	r := b.Check("dep", probe)
	if !r.Allowed {
		t.Fatal("expected half-open probe allowed")
	}
	b.RecordFailure("dep", probe)
	if b.StateOf("dep") != Open {
		t.Fatalf("expected re-open on failed probe, got %s", b.StateOf("dep"))
	}
}

func TestBreaker_PerEntityIndependence(t *testing.T) {
	b := New(1, time.Minute)
	now := time.Now()

	b.RecordFailure("a", now)
	if r := b.Check("a", now); r.Allowed {
		t.Fatal("expected entity a open")
	}
	if r := b.Check("b", now); !r.Allowed {
		t.Fatal("expected entity b unaffected by entity a's failures")
	}
}
