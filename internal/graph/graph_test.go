package graph

import (
	"testing"

	"github.com/veronica-labs/containment-kernel/internal/kernel"
)

func TestCreateRoot_Once(t *testing.T) {
	g := New("chain-1", nil)
	root, err := g.CreateRoot("run")
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	if root.Kind != KindSystem || root.Status != StatusCreated {
		t.Fatalf("unexpected root: %+v", root)
	}

	if _, err := g.CreateRoot("run-again"); err == nil {
		t.Fatal("expected contract violation on second CreateRoot")
	}
}

func TestBeginNode_UnknownParent(t *testing.T) {
	g := New("chain-1", nil)
	if _, err := g.BeginNode("n999999", KindTool, "x", nil, nil); err == nil {
		t.Fatal("expected contract violation for unknown parent")
	}
}

func TestNodeIDs_UniqueAndZeroPadded(t *testing.T) {
	g := New("chain-1", nil)
	root, _ := g.CreateRoot("run")
	seen := map[string]bool{root.NodeID: true}
	for i := 0; i < 5; i++ {
		n, err := g.BeginNode(root.NodeID, KindTool, "t", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if seen[n.NodeID] {
			t.Fatalf("duplicate node id %s", n.NodeID)
		}
		seen[n.NodeID] = true
		if len(n.NodeID) != 7 || n.NodeID[0] != 'n' {
			t.Fatalf("node id %q not in n###### form", n.NodeID)
		}
	}
}

func TestTerminalIdempotent(t *testing.T) {
	g := New("chain-1", nil)
	root, _ := g.CreateRoot("run")
	n, _ := g.BeginNode(root.NodeID, KindTool, "t", nil, nil)
	_ = g.MarkRunning(n.NodeID)
	_ = g.MarkSuccess(n.NodeID, 0.10, nil, nil)

	before := g.Aggregates()
	if err := g.MarkSuccess(n.NodeID, 99.0, nil, nil); err != nil {
		t.Fatal(err)
	}
	after := g.Aggregates()
	if before != after {
		t.Fatalf("aggregates changed on re-mark: before=%+v after=%+v", before, after)
	}
	got, _ := g.Node(n.NodeID)
	if got.CostUSD != 0.10 {
		t.Fatalf("cost mutated by idempotent re-mark: %v", got.CostUSD)
	}
}

func TestDivergence_ToolRepeat(t *testing.T) {
	g := New("chain-1", nil)
	root, _ := g.CreateRoot("run")

	var lastID string
	for i := 0; i < 5; i++ {
		n, err := g.BeginNode(root.NodeID, KindTool, "X", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		lastID = n.NodeID
		if err := g.MarkRunning(n.NodeID); err != nil {
			t.Fatal(err)
		}
		_ = g.MarkSuccess(n.NodeID, 0.01, nil, nil)
	}
	_ = lastID

	events := g.Drain()
	var divergent []kernel.SafetyEvent
	for _, e := range events {
		if e.EventType == "divergence_suspected" {
			divergent = append(divergent, e)
		}
	}
	if len(divergent) != 1 {
		t.Fatalf("expected exactly 1 divergence_suspected event, got %d", len(divergent))
	}
	if divergent[0].RepeatCount == nil || *divergent[0].RepeatCount != 3 {
		t.Fatalf("expected repeat_count=3, got %+v", divergent[0].RepeatCount)
	}
}

func TestDivergence_AlternatingNeverTriggers(t *testing.T) {
	g := New("chain-1", nil)
	root, _ := g.CreateRoot("run")

	names := []string{"A", "B", "A", "B", "A", "B", "A", "B", "A", "B"}
	for _, name := range names {
		n, err := g.BeginNode(root.NodeID, KindTool, name, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := g.MarkRunning(n.NodeID); err != nil {
			t.Fatal(err)
		}
		_ = g.MarkSuccess(n.NodeID, 0.01, nil, nil)
	}

	for _, e := range g.Drain() {
		if e.EventType == "divergence_suspected" {
			t.Fatalf("alternating pattern triggered divergence: %+v", e)
		}
	}
}

func TestAggregates_HaltCountsAsAmplification(t *testing.T) {
	g := New("chain-1", nil)
	root, _ := g.CreateRoot("run")
	n, _ := g.BeginNode(root.NodeID, KindTool, "t", nil, nil)
	_ = g.MarkRunning(n.NodeID)
	_ = g.MarkHalt(n.NodeID, nil)

	agg := g.Aggregates()
	if agg.TotalToolCalls != 1 {
		t.Fatalf("expected halted node to count toward total_tool_calls, got %d", agg.TotalToolCalls)
	}
}
