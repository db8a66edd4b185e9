package safetyledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/veronica-labs/containment-kernel/internal/kernel"
)

func TestLedger_AppendAndReadChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	e1 := kernel.NewSafetyEvent("budget_exceeded", kernel.Halt, "enforcer", "over ceiling")
	e2 := kernel.NewSafetyEvent("divergence_suspected", kernel.Degrade, "graph", "repeat run")

	if err := l.Append("chain-1", "n000001", e1); err != nil {
		t.Fatal(err)
	}
	if err := l.Append("chain-1", "n000002", e2); err != nil {
		t.Fatal(err)
	}

	got, err := l.ReadChain("chain-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].EventType != "budget_exceeded" || got[1].EventType != "divergence_suspected" {
		t.Fatalf("unexpected chronological order: %+v", got)
	}
}

func TestLedger_ChainsAreIndependent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, 30)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	_ = l.Append("chain-a", "n000001", kernel.NewSafetyEvent("x", kernel.Allow, "h", "r"))

	got, err := l.ReadChain("chain-b")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected chain-b to be empty, got %d events", len(got))
	}
}

func TestLedger_PruneOlderThan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, 30)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	old := kernel.NewSafetyEvent("old", kernel.Allow, "h", "r")
	old.Timestamp = time.Now().Add(-60 * 24 * time.Hour)
	_ = l.Append("chain-1", "n000001", old)

	fresh := kernel.NewSafetyEvent("fresh", kernel.Allow, "h", "r")
	_ = l.Append("chain-1", "n000002", fresh)

	n, err := l.PruneChainOlderThan("chain-1", time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", n)
	}

	got, _ := l.ReadChain("chain-1")
	if len(got) != 1 || got[0].EventType != "fresh" {
		t.Fatalf("expected only fresh event to remain, got %+v", got)
	}
}
