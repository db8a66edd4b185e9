// Package scenarios exercises ExecutionContext end to end, wiring graph,
// shield, and breaker together the way production call sites do. It
// lives outside internal/kernel to avoid the import cycle a
// same-package test would create (internal/graph and internal/shield both
// import internal/kernel).
package scenarios

import (
	"context"
	"testing"
	"time"

	"github.com/veronica-labs/containment-kernel/internal/breaker"
	"github.com/veronica-labs/containment-kernel/internal/graph"
	"github.com/veronica-labs/containment-kernel/internal/kernel"
	"github.com/veronica-labs/containment-kernel/internal/shield"
)

func floatPtr(f float64) *float64 { return &f }

func newTestContext(t *testing.T, chainID string, cfg kernel.ExecutionConfig, parent *kernel.Context) *kernel.Context {
	t.Helper()
	g := graph.New(chainID, nil)
	adapter := graph.NewAdapter(g)
	pipeline := shield.NewAdapter(shield.New())
	cb := breaker.New(0, 0)

	c, err := kernel.NewContext(context.Background(), kernel.ChainMetadata{
		ChainID:   chainID,
		RequestID: "req-" + chainID,
	}, cfg, adapter, pipeline, cb, nil, parent)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return c
}

// TestScenarioA_CostHalt mirrors: max_cost_usd=1.00, 7 calls at 0.15 each;
// calls 1-6 ALLOW, call 7 HALTs with budget_exceeded; total used 0.90.
func TestScenarioA_CostHalt(t *testing.T) {
	c := newTestContext(t, "chain-a", kernel.ExecutionConfig{
		MaxCostUSD:      1.00,
		MaxSteps:        50,
		MaxRetriesTotal: 10,
	}, nil)

	fn := func(ctx context.Context) (kernel.CallResult, error) {
		return kernel.CallResult{}, nil
	}

	for i := 1; i <= 6; i++ {
		decision, err := c.WrapLLMCall(context.Background(), fn, kernel.WrapOptions{
			OperationName:    "llm/gpt",
			CostEstimateHint: floatPtr(0.15),
		})
		if decision != kernel.Allow || err != nil {
			t.Fatalf("call %d: expected ALLOW, got %s (%v)", i, decision, err)
		}
	}

	decision, err := c.WrapLLMCall(context.Background(), fn, kernel.WrapOptions{
		OperationName:    "llm/gpt",
		CostEstimateHint: floatPtr(0.15),
	})
	if decision != kernel.Halt {
		t.Fatalf("call 7: expected HALT, got %s", decision)
	}
	if err == nil {
		t.Fatal("call 7: expected a budget_exceeded error")
	}

	if got := c.LocalCost(); got != 0.90 {
		t.Fatalf("expected total_cost_usd=0.90, got %v", got)
	}
}

// TestScenarioB_ChildParentPropagation mirrors: parent ceiling 1.00, child
// ceiling 0.50; child calls twice at 0.30. Child call 1 ALLOW (parent
// 0.30), child call 2 HALT at child level; parent stays at 0.30, not
// aborted.
func TestScenarioB_ChildParentPropagation(t *testing.T) {
	parent := newTestContext(t, "chain-parent", kernel.ExecutionConfig{
		MaxCostUSD:      1.00,
		MaxSteps:        50,
		MaxRetriesTotal: 10,
	}, nil)
	child := newTestContext(t, "chain-child", kernel.ExecutionConfig{
		MaxCostUSD:      0.50,
		MaxSteps:        50,
		MaxRetriesTotal: 10,
	}, parent)

	fn := func(ctx context.Context) (kernel.CallResult, error) {
		return kernel.CallResult{}, nil
	}

	decision, err := child.WrapLLMCall(context.Background(), fn, kernel.WrapOptions{
		OperationName:    "llm/gpt",
		CostEstimateHint: floatPtr(0.30),
	})
	if decision != kernel.Allow || err != nil {
		t.Fatalf("child call 1: expected ALLOW, got %s (%v)", decision, err)
	}
	if got := parent.LocalCost(); got != 0.30 {
		t.Fatalf("expected parent cost_usd_accumulated=0.30 after call 1, got %v", got)
	}

	decision, err = child.WrapLLMCall(context.Background(), fn, kernel.WrapOptions{
		OperationName:    "llm/gpt",
		CostEstimateHint: floatPtr(0.30),
	})
	if decision != kernel.Halt {
		t.Fatalf("child call 2: expected HALT, got %s", decision)
	}
	if err == nil {
		t.Fatal("child call 2: expected a budget_exceeded error")
	}

	if got := parent.LocalCost(); got != 0.30 {
		t.Fatalf("expected parent cost still 0.30 after child's own halt, got %v", got)
	}
	if aborted, _ := parent.Aborted(); aborted {
		t.Fatal("expected parent.aborted=false")
	}
}

// TestScenarioB_ExactCeilingAbortsParentOnNextCall covers the boundary
// behavior from §8: a child propagation that exactly equals the parent
// ceiling does not abort the parent until the parent's next call.
func TestScenarioB_ExactCeilingAbortsParentOnNextCall(t *testing.T) {
	parent := newTestContext(t, "chain-parent-exact", kernel.ExecutionConfig{
		MaxCostUSD:      0.30,
		MaxSteps:        50,
		MaxRetriesTotal: 10,
	}, nil)
	child := newTestContext(t, "chain-child-exact", kernel.ExecutionConfig{
		MaxCostUSD:      1.00,
		MaxSteps:        50,
		MaxRetriesTotal: 10,
	}, parent)

	fn := func(ctx context.Context) (kernel.CallResult, error) {
		return kernel.CallResult{}, nil
	}

	decision, err := child.WrapLLMCall(context.Background(), fn, kernel.WrapOptions{
		OperationName:    "llm/gpt",
		CostEstimateHint: floatPtr(0.30),
	})
	if decision != kernel.Allow || err != nil {
		t.Fatalf("child call: expected ALLOW, got %s (%v)", decision, err)
	}
	if aborted, _ := parent.Aborted(); aborted {
		t.Fatal("parent must not be aborted the moment its cost reaches exactly the ceiling")
	}

	decision, err = parent.WrapLLMCall(context.Background(), fn, kernel.WrapOptions{
		OperationName:    "llm/other",
		CostEstimateHint: floatPtr(0.01),
	})
	if decision != kernel.Halt {
		t.Fatalf("parent's own next call: expected HALT, got %s", decision)
	}
	if err == nil {
		t.Fatal("parent's own next call: expected a budget_exceeded error")
	}
}

// TestScenarioD_CircuitBreakerHaltsWrap wires the breaker into wrap and
// confirms a HALT surfaces with reason circuit_open once the threshold is
// reached.
func TestScenarioD_CircuitBreakerHaltsWrap(t *testing.T) {
	g := graph.New("chain-d", nil)
	adapter := graph.NewAdapter(g)
	pipeline := shield.NewAdapter(shield.New())
	cb := breaker.New(3, 60*time.Second)

	c, err := kernel.NewContext(context.Background(), kernel.ChainMetadata{
		ChainID: "chain-d", RequestID: "req-d",
	}, kernel.ExecutionConfig{MaxCostUSD: 100, MaxSteps: 50, MaxRetriesTotal: 10}, adapter, pipeline, cb, nil, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	failing := func(ctx context.Context) (kernel.CallResult, error) {
		return kernel.CallResult{}, context.DeadlineExceeded
	}

	for i := 0; i < 3; i++ {
		_, _ = c.WrapToolCall(context.Background(), failing, kernel.WrapOptions{OperationName: "tool/flaky"})
	}

	succeeding := func(ctx context.Context) (kernel.CallResult, error) {
		return kernel.CallResult{CostUSD: floatPtr(0)}, nil
	}
	decision, err := c.WrapToolCall(context.Background(), succeeding, kernel.WrapOptions{OperationName: "tool/flaky"})
	if decision != kernel.Halt {
		t.Fatalf("expected circuit_open HALT, got %s", decision)
	}
	if err == nil {
		t.Fatal("expected a circuit_open error")
	}
}

// TestFinalize_MarksNonTerminalAsFail covers scope-exit finalization.
func TestFinalize_MarksNonTerminalAsFail(t *testing.T) {
	g := graph.New("chain-fin", nil)
	adapter := graph.NewAdapter(g)

	c, err := kernel.NewContext(context.Background(), kernel.ChainMetadata{
		ChainID: "chain-fin", RequestID: "req-fin",
	}, kernel.ExecutionConfig{MaxCostUSD: 100, MaxSteps: 50, MaxRetriesTotal: 10}, adapter, shield.NewAdapter(shield.New()), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	blocked := make(chan struct{})
	fn := func(ctx context.Context) (kernel.CallResult, error) {
		<-blocked
		return kernel.CallResult{}, nil
	}

	go func() {
		_, _ = c.WrapLLMCall(context.Background(), fn, kernel.WrapOptions{OperationName: "llm/slow"})
	}()

	// Give the goroutine a moment to reach the running node before the
	// scope exits out from under it.
	time.Sleep(20 * time.Millisecond)
	c.Finalize()
	close(blocked)

	snap := g.Snapshot()
	var sawFail bool
	for _, n := range snap.Nodes {
		if n.Name == "llm/slow" {
			if n.Status == graph.StatusFail {
				sawFail = true
			}
		}
	}
	if !sawFail {
		t.Fatal("expected the in-flight node to be finalized as fail on scope exit")
	}
}
