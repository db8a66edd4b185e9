package safemode

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

// TestSafeMode_ScenarioE mirrors the SAFE_MODE persistence scenario: set
// SAFE_MODE, save, simulate process termination by constructing a fresh
// Controller against the same file, and load it back.
func TestSafeMode_ScenarioE(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safemode.json")

	c1 := New(path, zap.NewNop())
	c1.Transition(SafeMode, "operator_triggered")
	if err := c1.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c2 := New(path, zap.NewNop())
	c2.Load()

	if c2.CurrentState() != SafeMode {
		t.Fatalf("expected SAFE_MODE after reload, got %s", c2.CurrentState())
	}
	if !c2.IsSafeMode() {
		t.Fatal("expected IsSafeMode() true")
	}

	c2.mu.Lock()
	total := c2.totalTransitions
	c2.mu.Unlock()
	if total != 1 {
		t.Fatalf("expected exactly 1 transition recorded, got %d", total)
	}

	// Explicit operator action required to leave SAFE_MODE.
	c2.Transition(Idle, "operator_cleared")
	if c2.CurrentState() != Idle {
		t.Fatal("expected explicit transition back to IDLE to succeed")
	}
}

func TestSafeMode_LoadMissingFileIsBlank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	c := New(path, zap.NewNop())
	c.Load()
	if c.CurrentState() != Idle {
		t.Fatalf("expected blank IDLE state for missing file, got %s", c.CurrentState())
	}
}

func TestSafeMode_LoadCorruptFileIsBlank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	c := New(path, zap.NewNop())
	c.Load() // must not panic
	if c.CurrentState() != Idle {
		t.Fatalf("expected blank IDLE state for corrupt file, got %s", c.CurrentState())
	}
}
