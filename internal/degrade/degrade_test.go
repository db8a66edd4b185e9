package degrade

import (
	"testing"
	"time"
)

func TestEscalation_Immediate(t *testing.T) {
	c := New(DefaultThresholds(), time.Minute)
	now := time.Now()

	a := c.Evaluate(now, Signals{CostUtilization: 0.95})
	if a.Level != Emergency {
		t.Fatalf("expected immediate escalation to EMERGENCY, got %s", a.Level)
	}
}

func TestDeescalation_NeverSkipsLevel(t *testing.T) {
	c := New(DefaultThresholds(), 60*time.Second)
	now := time.Now()

	c.Evaluate(now, Signals{CostUtilization: 0.95}) // -> EMERGENCY

	// Utilization drops all the way to 0, but hysteresis must still step
	// down one level at a time, each gated by the stability window. The
	// window is measured from the first evaluation that observes the lower
	// signal, so each step is an opening observation followed by one a full
	// window later.
	t0 := now.Add(time.Second)
	c.Evaluate(t0, Signals{CostUtilization: 0.0})
	t1 := t0.Add(61 * time.Second)
	a := c.Evaluate(t1, Signals{CostUtilization: 0.0})
	if a.Level != Hard {
		t.Fatalf("expected one-step decay to HARD, got %s", a.Level)
	}

	c.Evaluate(t1, Signals{CostUtilization: 0.0})
	t2 := t1.Add(61 * time.Second)
	a = c.Evaluate(t2, Signals{CostUtilization: 0.0})
	if a.Level != Soft {
		t.Fatalf("expected one-step decay to SOFT, got %s", a.Level)
	}

	c.Evaluate(t2, Signals{CostUtilization: 0.0})
	t3 := t2.Add(61 * time.Second)
	a = c.Evaluate(t3, Signals{CostUtilization: 0.0})
	if a.Level != Normal {
		t.Fatalf("expected one-step decay to NORMAL, got %s", a.Level)
	}
}

func TestDeescalation_RequiresFullStabilityWindow(t *testing.T) {
	c := New(DefaultThresholds(), 60*time.Second)
	now := time.Now()
	c.Evaluate(now, Signals{CostUtilization: 0.95})

	soon := now.Add(10 * time.Second)
	a := c.Evaluate(soon, Signals{CostUtilization: 0.0})
	if a.Level != Emergency {
		t.Fatalf("expected level to hold before stability window elapses, got %s", a.Level)
	}
}

func TestFailed_PermanentUntilReset(t *testing.T) {
	c := New(DefaultThresholds(), time.Second)
	c.Fail()
	now := time.Now()

	a := c.Evaluate(now, Signals{CostUtilization: 0.0})
	if a.Level != Failed || !a.HardHalt {
		t.Fatalf("expected FAILED to be sticky, got %+v", a)
	}

	c.Reset()
	a = c.Evaluate(now, Signals{CostUtilization: 0.0})
	if a.Level != Normal {
		t.Fatalf("expected NORMAL after reset, got %s", a.Level)
	}
}
