// Package bench — wrapcost/main.go
//
// wrap_call latency measurement tool.
//
// Measures the time from WrapLLMCall entry (chain-level limit checks,
// circuit-breaker check, pre-dispatch pipeline evaluation, graph
// mark_running) through to the post-success return (cost propagation,
// before_charge, graph mark_success), for a no-op dispatched fn.
//
// Method:
//  1. Constructs one ExecutionContext with a generous budget so no call
//     ever halts.
//  2. Calls WrapLLMCall iterations times with a fn that returns
//     immediately, timing each call with time.Now()/time.Since.
//  3. Results are written to a CSV file.
//
// The measurement includes everything inside wrap_call's own bookkeeping:
// budget charge, breaker check, pipeline evaluation, graph transitions,
// and retry/divergence accounting. It does NOT include the dispatched
// fn's own latency, which here is a no-op.
//
// Output CSV columns:
//
//	iteration, latency_us, decision
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/veronica-labs/containment-kernel/internal/breaker"
	"github.com/veronica-labs/containment-kernel/internal/graph"
	"github.com/veronica-labs/containment-kernel/internal/kernel"
	"github.com/veronica-labs/containment-kernel/internal/shield"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of wrap_call invocations to measure")
	outputFile := flag.String("output", "wrapcost_raw.csv", "Output CSV file path")
	flag.Parse()

	// Lock to OS thread to minimise scheduling jitter.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	_ = w.Write([]string{"iteration", "latency_us", "decision"})

	g := graph.New("bench-chain", nil)
	chainCtx, err := kernel.NewContext(context.Background(), kernel.ChainMetadata{
		ChainID:   "bench-chain",
		RequestID: "bench-request",
	}, kernel.ExecutionConfig{
		MaxCostUSD:      1_000_000,
		MaxSteps:        *iterations + 1,
		MaxRetriesTotal: *iterations + 1,
	}, graph.NewAdapter(g), shield.NewAdapter(shield.New()), breaker.New(0, 0), nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "context construction: %v\n", err)
		os.Exit(1)
	}

	noop := func(ctx context.Context) (kernel.CallResult, error) {
		return kernel.CallResult{}, nil
	}

	var p50Bucket [10001]int // Histogram buckets: 0-10000µs

	for i := 0; i < *iterations; i++ {
		start := time.Now()
		decision, _ := chainCtx.WrapLLMCall(context.Background(), noop, kernel.WrapOptions{
			OperationName: "llm/bench",
		})
		latency := time.Since(start)

		latencyUs := int(latency.Microseconds())
		if latencyUs < len(p50Bucket) {
			p50Bucket[latencyUs]++
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(latencyUs),
			decision.String(),
		})
	}

	p50, p95, p99 := computePercentiles(p50Bucket[:], *iterations)

	fmt.Printf("wrap_call Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dµs\n", p50)
	fmt.Printf("  p95: %dµs\n", p95)
	fmt.Printf("  p99: %dµs\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	// Exit 1 if p99 exceeds the in-process overhead budget.
	if p99 > 2000 {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dµs exceeds 2000µs target\n", p99)
		os.Exit(1)
	}
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
