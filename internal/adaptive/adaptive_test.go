package adaptive

import (
	"testing"
	"time"

	"github.com/veronica-labs/containment-kernel/internal/kernel"
)

// TestAdaptive_ScenarioF mirrors the direction-lock scenario: feed 3 HALT
// events, adjust() tightens; immediately feed 0 events and adjust() again
// (no cooldown elapsed is irrelevant here — the point under test is that
// after a fresh tighten, an immediate would-be loosen is direction-locked
// rather than applied).
func TestAdaptive_ScenarioF(t *testing.T) {
	h := New(Config{CooldownWindow: time.Millisecond}) // effectively disable cooldown gating
	now := time.Now()

	h.FeedEvent(now, kernel.Halt)
	h.FeedEvent(now, kernel.Halt)
	h.FeedEvent(now, kernel.Halt)

	action, _ := h.Adjust(now)
	if action != ActionTighten {
		t.Fatalf("expected tighten, got %s", action)
	}
	before := h.Multiplier()

	soon := now.Add(2 * time.Millisecond)
	action, evt := h.Adjust(soon)
	if action != ActionDirectionLocked {
		t.Fatalf("expected direction_locked, got %s", action)
	}
	if evt.EventType != "ADAPTIVE_DIRECTION_LOCKED" {
		t.Fatalf("expected ADAPTIVE_DIRECTION_LOCKED event, got %s", evt.EventType)
	}
	if h.Multiplier() != before {
		t.Fatalf("expected multiplier unchanged under direction lock: before=%v after=%v", before, h.Multiplier())
	}
}

func TestAdaptive_MultiplierAlwaysWithinBounds(t *testing.T) {
	h := New(Config{CooldownWindow: time.Millisecond, MinMultiplier: 0.6, MaxMultiplier: 1.2})
	now := time.Now()

	for i := 0; i < 50; i++ {
		t := now.Add(time.Duration(i) * time.Millisecond)
		h.FeedEvent(t, kernel.Halt)
		h.FeedEvent(t, kernel.Halt)
		h.FeedEvent(t, kernel.Halt)
		h.Adjust(t)
		m := h.Multiplier()
		if m < 0.6 || m > 1.2 {
			t.Fatalf("multiplier out of bounds: %v", m)
		}
	}
}

func TestAdaptive_CooldownBlocksSecondAdjustment(t *testing.T) {
	h := New(Config{CooldownWindow: 900 * time.Second})
	now := time.Now()

	h.FeedEvent(now, kernel.Halt)
	h.FeedEvent(now, kernel.Halt)
	h.FeedEvent(now, kernel.Halt)
	action, _ := h.Adjust(now)
	if action != ActionTighten {
		t.Fatalf("expected tighten, got %s", action)
	}

	soon := now.Add(time.Second)
	action, _ = h.Adjust(soon)
	if action != ActionCooldownBlocked {
		t.Fatalf("expected cooldown_blocked, got %s", action)
	}
}

func TestAdaptive_ExportImportRoundTrip(t *testing.T) {
	h := New(Config{CooldownWindow: time.Millisecond})
	now := time.Now()
	h.FeedEvent(now, kernel.Halt)
	h.FeedEvent(now, kernel.Halt)
	h.FeedEvent(now, kernel.Halt)
	h.Adjust(now)

	s1 := h.ExportControlState()

	h2 := New(Config{CooldownWindow: time.Millisecond})
	h2.ImportControlState(s1)
	s2 := h2.ExportControlState()

	if s1.Multiplier != s2.Multiplier || s1.AnomalyFactor != s2.AnomalyFactor || s1.LastAction != s2.LastAction {
		t.Fatalf("export/import round trip mismatch: %+v vs %+v", s1, s2)
	}
}
