// Package graph implements the per-chain call tree: nodes, their one-way
// status lifecycle, derived aggregates, and the divergence heuristics that
// watch for repeated or runaway call patterns.
package graph

import (
	"fmt"
	"sync"
	"time"

	"github.com/veronica-labs/containment-kernel/internal/kernel"
)

// Kind is the class of operation a Node represents.
type Kind string

const (
	KindLLM    Kind = "llm"
	KindTool   Kind = "tool"
	KindSystem Kind = "system"
)

// Status is the one-way lifecycle state of a Node.
// Transitions: created -> running -> {success|fail|halt}, or
// created -> {fail|halt} directly (pre-running terminal). Once terminal,
// status never changes; re-entrant mark_* calls on a terminal node are
// no-ops.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
	StatusHalt    Status = "halt"
)

func (s Status) terminal() bool {
	return s == StatusSuccess || s == StatusFail || s == StatusHalt
}

// divergenceThresholds maps Kind to the tail-run length that triggers a
// divergence_suspected event. system is effectively disabled (999).
var divergenceThresholds = map[Kind]int{
	KindTool:   3,
	KindLLM:    5,
	KindSystem: 999,
}

const (
	ringCapacity        = 8
	costRateThreshold   = 0.10 // USD/s
	tokenVelocityThresh = 500.0
	minElapsedForRates  = 0.001 // seconds
)

// Node is one record in the call tree.
type Node struct {
	NodeID     string            `json:"node_id"`
	ParentID   *string           `json:"parent_id,omitempty"`
	Kind       Kind              `json:"kind"`
	Name       string            `json:"name"`
	StartTsMs  int64             `json:"start_ts_ms"`
	EndTsMs    *int64            `json:"end_ts_ms,omitempty"`
	Status     Status            `json:"status"`
	Model      *string           `json:"model,omitempty"`
	RetriesUsed int              `json:"retries_used"`
	CostUSD    float64           `json:"cost_usd"`
	TokensIn   *int              `json:"tokens_in,omitempty"`
	TokensOut  *int              `json:"tokens_out,omitempty"`
	StopReason *string           `json:"stop_reason,omitempty"`
	ErrorClass *string           `json:"error_class,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	depth int
}

// Aggregates holds the derived, incrementally-maintained chain counters.
type Aggregates struct {
	TotalCostUSD            float64 `json:"total_cost_usd"`
	TotalLLMCalls           int     `json:"total_llm_calls"`
	TotalToolCalls          int     `json:"total_tool_calls"`
	TotalRetries            int     `json:"total_retries"`
	MaxDepth                int     `json:"max_depth"`
	TotalTokensOut          int     `json:"total_tokens_out"`
	DivergenceEmittedCount  int     `json:"divergence_emitted_count"`
}

// Graph is the execution graph for one chain: the node set, derived
// aggregates, and the divergence ring buffer. All mutations are protected
// by a single reentrant-in-spirit lock (Go mutexes are not reentrant, so
// internal helpers that need the lock already held are unexported and
// never call back into exported, locking methods).
type Graph struct {
	mu sync.Mutex

	chainID   string
	rootID    string
	nodes     map[string]*Node
	order     []string // insertion order, for snapshot determinism
	nextSeq   int
	aggregates Aggregates

	startedAt time.Time

	ring      [ringCapacity]signature
	ringLen   int
	ringNext  int
	emittedDivergence map[signature]bool
	rateEmitted       map[string]bool // "cost_rate" / "token_velocity"

	queue *kernel.EventQueue
}

type signature struct {
	kind Kind
	name string
}

func (s signature) String() string {
	return fmt.Sprintf("%s:%s", s.kind, s.name)
}

// New creates an empty Graph for chainID. Call CreateRoot before any other
// mutation.
func New(chainID string, queue *kernel.EventQueue) *Graph {
	if queue == nil {
		queue = kernel.NewEventQueue(64)
	}
	return &Graph{
		chainID:           chainID,
		nodes:             make(map[string]*Node),
		emittedDivergence: make(map[signature]bool),
		rateEmitted:       make(map[string]bool),
		startedAt:         time.Now(),
		queue:             queue,
	}
}

// issueNodeID returns the next monotonic, six-digit zero-padded node id,
// prefixed "n". Node ids are never reused within a graph.
func (g *Graph) issueNodeID() string {
	g.nextSeq++
	return fmt.Sprintf("n%06d", g.nextSeq)
}

// CreateRoot creates the single entry-point node: kind=system, no parent,
// depth 0. Calling it a second time is a programmer contract violation.
func (g *Graph) CreateRoot(name string) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rootID != "" {
		return nil, kernel.NewContractViolation("graph", "CreateRoot called twice for chain %s", g.chainID)
	}

	id := g.issueNodeID()
	n := &Node{
		NodeID:    id,
		Kind:      KindSystem,
		Name:      name,
		StartTsMs: time.Now().UnixMilli(),
		Status:    StatusCreated,
		depth:     0,
	}
	g.nodes[id] = n
	g.order = append(g.order, id)
	g.rootID = id
	return n, nil
}

// BeginNode creates a new node under parentID. parentID must refer to an
// already-existing node in this graph; an unknown parent is a contract
// violation (cycles are structurally impossible because a node can only
// be named as a parent after it has been created).
func (g *Graph) BeginNode(parentID string, kind Kind, name string, model *string, metadata map[string]string) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	parent, ok := g.nodes[parentID]
	if !ok {
		return nil, kernel.NewContractViolation("graph", "BeginNode: unknown parent_id %q", parentID)
	}

	id := g.issueNodeID()
	n := &Node{
		NodeID:    id,
		ParentID:  strPtr(parentID),
		Kind:      kind,
		Name:      name,
		StartTsMs: time.Now().UnixMilli(),
		Status:    StatusCreated,
		Model:     model,
		Metadata:  metadata,
		depth:     parent.depth + 1,
	}
	g.nodes[id] = n
	g.order = append(g.order, id)

	if n.depth > g.aggregates.MaxDepth {
		g.aggregates.MaxDepth = n.depth
	}
	return n, nil
}

// MarkRunning transitions the node to running and runs divergence detection
// against the tail of the signature ring buffer, staging any resulting
// event on the queue. It returns only an error; the caller drains staged
// events separately with Drain.
func (g *Graph) MarkRunning(nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[nodeID]
	if !ok {
		return kernel.NewContractViolation("graph", "MarkRunning: unknown node_id %q", nodeID)
	}
	if n.Status.terminal() {
		return nil // idempotent no-op on terminal nodes
	}
	n.Status = StatusRunning

	sig := signature{kind: n.Kind, name: n.Name}
	g.pushSignature(sig)
	tailRun := g.tailRunLength()

	threshold, ok := divergenceThresholds[n.Kind]
	if !ok {
		threshold = 999
	}
	if tailRun >= threshold && !g.emittedDivergence[sig] {
		g.emittedDivergence[sig] = true
		g.aggregates.DivergenceEmittedCount++
		evt := kernel.NewSafetyEvent("divergence_suspected", kernel.Degrade, "graph",
			fmt.Sprintf("repeated signature %s observed %d times in a row", sig, tailRun)).
			WithChain(g.chainID, "").
			WithSignature(sig.String(), tailRun)
		g.queue.Stage(evt)
	}
	return nil
}

// pushSignature appends sig to the ring buffer, evicting the oldest entry
// once the buffer is full. Must be called with mu held.
func (g *Graph) pushSignature(sig signature) {
	g.ring[g.ringNext] = sig
	g.ringNext = (g.ringNext + 1) % ringCapacity
	if g.ringLen < ringCapacity {
		g.ringLen++
	}
}

// tailRunLength counts the run of equal signatures at the tail of the ring
// buffer (most-recently pushed backwards), not total frequency. Must be
// called with mu held.
func (g *Graph) tailRunLength() int {
	if g.ringLen == 0 {
		return 0
	}
	last := (g.ringNext - 1 + ringCapacity) % ringCapacity
	tail := g.ring[last]
	run := 1
	idx := last
	for i := 1; i < g.ringLen; i++ {
		idx = (idx - 1 + ringCapacity) % ringCapacity
		if g.ring[idx] != tail {
			break
		}
		run++
	}
	return run
}

// MarkSuccess finalizes a node as success, records cost/token usage, and
// evaluates the time-based rate heuristics. A no-op on already-terminal
// nodes.
func (g *Graph) MarkSuccess(nodeID string, costUSD float64, tokensIn, tokensOut *int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[nodeID]
	if !ok {
		return kernel.NewContractViolation("graph", "MarkSuccess: unknown node_id %q", nodeID)
	}
	if n.Status.terminal() {
		return nil
	}

	now := time.Now()
	endMs := now.UnixMilli()
	n.EndTsMs = &endMs
	n.Status = StatusSuccess
	n.CostUSD = costUSD
	n.TokensIn = tokensIn
	n.TokensOut = tokensOut

	g.aggregates.TotalCostUSD += costUSD
	g.aggregates.TotalRetries += n.RetriesUsed
	if n.Kind == KindLLM {
		g.aggregates.TotalLLMCalls++
	} else if n.Kind == KindTool {
		g.aggregates.TotalToolCalls++
	}
	if tokensOut != nil {
		g.aggregates.TotalTokensOut += *tokensOut
	}

	g.evaluateRateHeuristics(now)
	return nil
}

// evaluateRateHeuristics computes cost_rate and token_velocity since graph
// start and stages at most one COST_RATE_EXCEEDED and one
// TOKEN_VELOCITY_EXCEEDED event per graph lifetime. Must be called with mu
// held.
func (g *Graph) evaluateRateHeuristics(now time.Time) {
	elapsedSec := now.Sub(g.startedAt).Seconds()
	if elapsedSec < minElapsedForRates {
		return
	}

	costRate := g.aggregates.TotalCostUSD / elapsedSec
	tokenVelocity := float64(g.aggregates.TotalTokensOut) / elapsedSec

	if costRate > costRateThreshold && !g.rateEmitted["cost_rate"] {
		g.rateEmitted["cost_rate"] = true
		evt := kernel.NewSafetyEvent("COST_RATE_EXCEEDED", kernel.Degrade, "graph",
			fmt.Sprintf("cost rate %.4f USD/s exceeds threshold %.4f", costRate, costRateThreshold)).
			WithChain(g.chainID, "").
			WithRates(costRate, tokenVelocity)
		g.queue.Stage(evt)
	}
	if tokenVelocity > tokenVelocityThresh && !g.rateEmitted["token_velocity"] {
		g.rateEmitted["token_velocity"] = true
		evt := kernel.NewSafetyEvent("TOKEN_VELOCITY_EXCEEDED", kernel.Degrade, "graph",
			fmt.Sprintf("token velocity %.2f tok/s exceeds threshold %.2f", tokenVelocity, tokenVelocityThresh)).
			WithChain(g.chainID, "").
			WithRates(costRate, tokenVelocity)
		g.queue.Stage(evt)
	}
}

// MarkFailure finalizes a node as fail. A no-op on already-terminal nodes.
// Amplification pressure is counted even on failure: total_llm_calls /
// total_tool_calls include nodes that reached fail or halt, not only
// success.
func (g *Graph) MarkFailure(nodeID string, errorClass string, stopReason *string) error {
	return g.markTerminal(nodeID, StatusFail, &errorClass, stopReason)
}

// MarkHalt finalizes a node as halt. A no-op on already-terminal nodes.
func (g *Graph) MarkHalt(nodeID string, stopReason *string) error {
	return g.markTerminal(nodeID, StatusHalt, nil, stopReason)
}

func (g *Graph) markTerminal(nodeID string, status Status, errorClass, stopReason *string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[nodeID]
	if !ok {
		return kernel.NewContractViolation("graph", "markTerminal: unknown node_id %q", nodeID)
	}
	if n.Status.terminal() {
		return nil
	}

	now := time.Now().UnixMilli()
	n.EndTsMs = &now
	n.Status = status
	n.ErrorClass = errorClass
	n.StopReason = stopReason

	if n.Kind == KindLLM {
		g.aggregates.TotalLLMCalls++
	} else if n.Kind == KindTool {
		g.aggregates.TotalToolCalls++
	}
	g.aggregates.TotalRetries += n.RetriesUsed
	return nil
}

// IncrementRetries records one more retry attempt used by nodeID.
func (g *Graph) IncrementRetries(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[nodeID]; ok {
		n.RetriesUsed++
	}
}

// Drain removes and returns all currently staged divergence/rate events.
func (g *Graph) Drain() []kernel.SafetyEvent {
	return g.queue.Drain()
}

// Aggregates returns a copy of the current derived counters.
func (g *Graph) Aggregates() Aggregates {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.aggregates
}

// RootID returns the root node id, or "" if CreateRoot has not run yet.
func (g *Graph) RootID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rootID
}

// Node returns a copy of the named node, or (Node{}, false) if unknown.
func (g *Graph) Node(nodeID string) (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// FinalizeNonTerminal marks every non-terminal node as fail with the given
// reason. Called on ExecutionContext scope exit (§4.1, §6).
func (g *Graph) FinalizeNonTerminal(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UnixMilli()
	r := reason
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status.terminal() {
			continue
		}
		n.EndTsMs = &now
		n.Status = StatusFail
		n.StopReason = &r
		if n.Kind == KindLLM {
			g.aggregates.TotalLLMCalls++
		} else if n.Kind == KindTool {
			g.aggregates.TotalToolCalls++
		}
		g.aggregates.TotalRetries += n.RetriesUsed
	}
}

// Snapshot is the deep-copied, JSON-serializable view of a graph at a
// point in time.
type Snapshot struct {
	ChainID      string           `json:"chain_id"`
	RootID       string           `json:"root_id"`
	Nodes        map[string]Node  `json:"nodes"`
	Aggregates   Aggregates       `json:"aggregates"`
	SnapshotTsMs int64            `json:"snapshot_ts_ms"`
}

// Snapshot returns a deep copy of the graph, suitable for JSON export.
func (g *Graph) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodes := make(map[string]Node, len(g.nodes))
	for id, n := range g.nodes {
		nodes[id] = *n
	}
	return Snapshot{
		ChainID:      g.chainID,
		RootID:       g.rootID,
		Nodes:        nodes,
		Aggregates:   g.aggregates,
		SnapshotTsMs: time.Now().UnixMilli(),
	}
}

func strPtr(s string) *string { return &s }
